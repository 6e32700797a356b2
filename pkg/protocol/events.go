// Package protocol defines the typed event envelope exchanged over the
// WebSocket connection, the closed event catalog, per-event validation,
// and derivation of the human-readable show_content label.
//
// Every message — inbound command or outbound event — is an Envelope.
// The event name is namespaced "<category>.<name>" and drawn from the
// closed sets below. Content carries what a user would read; metadata
// carries machine-oriented auxiliary data. Error events always set
// metadata.error_code.
package protocol

// Inbound event names (client → server).
const (
	EventUserCreateSession  = "user.create_session"
	EventUserMessage        = "user.message"
	EventUserSolveTasks     = "user.solve_tasks"
	EventUserResponse       = "user.response"
	EventUserAck            = "user.ack"
	EventUserCancel         = "user.cancel"
	EventUserCancelTask     = "user.cancel_task"
	EventUserRestartTask    = "user.restart_task"
	EventUserCancelPlan     = "user.cancel_plan"
	EventUserReplan         = "user.replan"
	EventUserReconnect      = "user.reconnect"
	EventUserReconnectState = "user.reconnect_with_state"
	EventUserRequestState   = "user.request_state"
)

// Outbound system events.
const (
	EventSystemConnected = "system.connected"
	EventSystemHeartbeat = "system.heartbeat"
	EventSystemNotice    = "system.notice"
	EventSystemError     = "system.error"
)

// Outbound agent events.
const (
	EventAgentSessionCreated = "agent.session_created"
	EventAgentSessionEnd     = "agent.session_end"
	EventAgentThinking       = "agent.thinking"
	EventAgentToolCall       = "agent.tool_call"
	EventAgentToolResult     = "agent.tool_result"
	EventAgentPartialAnswer  = "agent.partial_answer"
	EventAgentFinalAnswer    = "agent.final_answer"
	EventAgentUserConfirm    = "agent.user_confirm"
	EventAgentLLMMessage     = "agent.llm_message"
	EventAgentStateExported  = "agent.state_exported"
	EventAgentStateRestored  = "agent.state_restored"
	EventAgentError          = "agent.error"
	EventAgentInterrupted    = "agent.interrupted"
	EventAgentTimeout        = "agent.timeout"
)

// Outbound plan events.
const (
	EventPlanStart           = "plan.start"
	EventPlanCompleted       = "plan.completed"
	EventPlanCancelled       = "plan.cancelled"
	EventPlanStepCompleted   = "plan.step_completed"
	EventPlanValidationError = "plan.validation_error"
	EventPlanCoercionError   = "plan.coercion_error"
)

// Outbound solver events.
const (
	EventSolverStart      = "solver.start"
	EventSolverProgress   = "solver.progress"
	EventSolverCompleted  = "solver.completed"
	EventSolverStepFailed = "solver.step_failed"
	EventSolverRetry      = "solver.retry"
	EventSolverCancelled  = "solver.cancelled"
	EventSolverRestarted  = "solver.restarted"
)

// Outbound aggregate and pipeline events.
const (
	EventAggregateStart     = "aggregate.start"
	EventAggregateCompleted = "aggregate.completed"
	EventPipelineCompleted  = "pipeline.completed"
)

// Outbound error events.
const (
	EventErrorValidation      = "error.validation"
	EventErrorTimeout         = "error.timeout"
	EventErrorExecution       = "error.execution"
	EventErrorRetry           = "error.retry"
	EventErrorRecoveryStarted = "error.recovery_started"
	EventErrorRecoverySuccess = "error.recovery_success"
	EventErrorRecoveryFailed  = "error.recovery_failed"
)

// Error codes carried in metadata.error_code (closed set).
const (
	ErrCodeValidation      = "ERR_VALIDATION_400"
	ErrCodeTimeout         = "ERR_TIMEOUT_500"
	ErrCodeExecution       = "ERR_EXECUTION_600"
	ErrCodeRateLimit       = "ERR_RATELIMIT_700"
	ErrCodeBadFrame        = "ERR_BAD_FRAME"
	ErrCodeSessionGone     = "ERR_SESSION_GONE"
	ErrCodeStateInvalid    = "ERR_STATE_INVALID"
	ErrCodeReplayGap       = "ERR_REPLAY_GAP"
	ErrCodeReplanAfterSolve = "ERR_REPLAN_AFTER_SOLVE"
)

var inboundEvents = map[string]bool{
	EventUserCreateSession:  true,
	EventUserMessage:        true,
	EventUserSolveTasks:     true,
	EventUserResponse:       true,
	EventUserAck:            true,
	EventUserCancel:         true,
	EventUserCancelTask:     true,
	EventUserRestartTask:    true,
	EventUserCancelPlan:     true,
	EventUserReplan:         true,
	EventUserReconnect:      true,
	EventUserReconnectState: true,
	EventUserRequestState:   true,
}

var outboundEvents = map[string]bool{
	EventSystemConnected: true, EventSystemHeartbeat: true,
	EventSystemNotice: true, EventSystemError: true,
	EventAgentSessionCreated: true, EventAgentSessionEnd: true,
	EventAgentThinking: true, EventAgentToolCall: true,
	EventAgentToolResult: true, EventAgentPartialAnswer: true,
	EventAgentFinalAnswer: true, EventAgentUserConfirm: true,
	EventAgentLLMMessage: true, EventAgentStateExported: true,
	EventAgentStateRestored: true, EventAgentError: true,
	EventAgentInterrupted: true, EventAgentTimeout: true,
	EventPlanStart: true, EventPlanCompleted: true,
	EventPlanCancelled: true, EventPlanStepCompleted: true,
	EventPlanValidationError: true, EventPlanCoercionError: true,
	EventSolverStart: true, EventSolverProgress: true,
	EventSolverCompleted: true, EventSolverStepFailed: true,
	EventSolverRetry: true, EventSolverCancelled: true,
	EventSolverRestarted: true,
	EventAggregateStart:  true, EventAggregateCompleted: true,
	EventPipelineCompleted: true,
	EventErrorValidation:   true, EventErrorTimeout: true,
	EventErrorExecution: true, EventErrorRetry: true,
	EventErrorRecoveryStarted: true, EventErrorRecoverySuccess: true,
	EventErrorRecoveryFailed: true,
}

// IsInbound reports whether name is a known client → server event.
func IsInbound(name string) bool { return inboundEvents[name] }

// IsOutbound reports whether name is a known server → client event.
func IsOutbound(name string) bool { return outboundEvents[name] }
