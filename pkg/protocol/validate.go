package protocol

import (
	"errors"
	"fmt"
)

// ErrUnknownEvent is returned for event names outside the closed catalog.
var ErrUnknownEvent = errors.New("unknown event")

// ValidateInbound checks a decoded client command against the per-event
// schema. Routing-level requirements (session binding) are enforced by
// the session manager; this covers shape and business constraints.
func ValidateInbound(env *Envelope) error {
	if !IsInbound(env.Event) {
		return fmt.Errorf("%w: %q is not a client command", ErrUnknownEvent, env.Event)
	}
	if v, ok := inboundValidators[env.Event]; ok {
		return v(env)
	}
	return nil
}

// ValidateOutbound checks a server event before it is framed. An egress
// validation failure is a pipeline bug and fails the emitting operation
// with error.execution semantics.
func ValidateOutbound(env *Envelope) error {
	if !IsOutbound(env.Event) {
		return fmt.Errorf("%w: %q is not a server event", ErrUnknownEvent, env.Event)
	}
	if env.Timestamp == "" {
		return fmt.Errorf("%s: timestamp is required", env.Event)
	}
	if env.EventID == "" {
		return fmt.Errorf("%s: event_id is required on outbound events", env.Event)
	}
	if env.Seq < 1 {
		return fmt.Errorf("%s: seq must be >= 1, got %d", env.Event, env.Seq)
	}
	if isErrorEvent(env.Event) && env.MetaString("error_code") == "" {
		return fmt.Errorf("%s: error events must set metadata.error_code", env.Event)
	}
	if v, ok := outboundValidators[env.Event]; ok {
		return v(env)
	}
	return nil
}

// isErrorEvent reports whether the event carries the error contract
// (metadata.error_code mandatory).
func isErrorEvent(name string) bool {
	switch name {
	case EventSystemError, EventAgentError,
		EventErrorValidation, EventErrorTimeout, EventErrorExecution,
		EventErrorRetry, EventErrorRecoveryFailed,
		EventPlanValidationError, EventPlanCoercionError:
		return true
	}
	return false
}

type validator func(*Envelope) error

var inboundValidators = map[string]validator{
	EventUserResponse: func(env *Envelope) error {
		if env.StepID == "" {
			return fmt.Errorf("user.response requires step_id")
		}
		return nil
	},
	EventUserAck: func(env *Envelope) error {
		if _, ok := env.MetaInt("last_seq"); ok {
			return nil
		}
		if env.MetaString("last_event_id") != "" {
			return nil
		}
		return fmt.Errorf("user.ack requires metadata.last_seq or metadata.last_event_id")
	},
	EventUserCancelTask: func(env *Envelope) error {
		return requireTaskID(env, EventUserCancelTask)
	},
	EventUserRestartTask: func(env *Envelope) error {
		return requireTaskID(env, EventUserRestartTask)
	},
	EventUserSolveTasks: func(env *Envelope) error {
		content := env.ContentMap()
		if content == nil {
			return fmt.Errorf("user.solve_tasks requires content.tasks")
		}
		if _, ok := content["tasks"]; !ok {
			return fmt.Errorf("user.solve_tasks requires content.tasks")
		}
		return nil
	},
	EventUserReconnectState: func(env *Envelope) error {
		if env.MetaString("signed_state") == "" {
			return fmt.Errorf("user.reconnect_with_state requires metadata.signed_state")
		}
		return nil
	},
}

var outboundValidators = map[string]validator{
	EventPlanCompleted: func(env *Envelope) error {
		count, ok := env.MetaInt("task_count")
		if !ok {
			return fmt.Errorf("plan.completed requires metadata.task_count")
		}
		n, err := taskCount(env)
		if err != nil {
			return err
		}
		if int(count) != n {
			return fmt.Errorf("plan.completed task_count %d does not match %d tasks", count, n)
		}
		return nil
	},
	EventAgentUserConfirm: func(env *Envelope) error {
		if env.StepID == "" {
			return fmt.Errorf("agent.user_confirm requires step_id")
		}
		return nil
	},
	EventErrorRetry: func(env *Envelope) error {
		for _, key := range []string{"attempt", "max_attempts", "delay_ms"} {
			if _, ok := env.MetaInt(key); !ok {
				return fmt.Errorf("error.retry requires metadata.%s", key)
			}
		}
		return nil
	},
}

func requireTaskID(env *Envelope, event string) error {
	if env.MetaString("task_id") != "" {
		return nil
	}
	if _, ok := env.MetaInt("task_id"); ok {
		return nil
	}
	return fmt.Errorf("%s requires metadata.task_id", event)
}

// taskCount counts tasks in the content regardless of whether the content
// is a typed TaskListContent (egress path) or a decoded map (tests,
// re-validation of client-edited plans).
func taskCount(env *Envelope) (int, error) {
	switch c := env.Content.(type) {
	case TaskListContent:
		return len(c.Tasks), nil
	case *TaskListContent:
		return len(c.Tasks), nil
	case map[string]any:
		tasks, ok := c["tasks"].([]any)
		if !ok {
			return 0, fmt.Errorf("plan.completed content.tasks must be an array")
		}
		return len(tasks), nil
	}
	return 0, fmt.Errorf("plan.completed requires content.tasks")
}
