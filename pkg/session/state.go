package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maestro-agent/maestro/pkg/agent"
	"github.com/maestro-agent/maestro/pkg/models"
)

// ErrStateInvalid is returned when a presented blob fails integrity or
// shape checks. Surfaced to the client as ERR_STATE_INVALID.
var ErrStateInvalid = errors.New("signed state is invalid")

// State is the exported session snapshot. The client holds it opaquely;
// the server authenticates it on restore, so nothing here is trusted
// until the HMAC verifies.
type State struct {
	SessionID     string                      `json:"session_id"`
	CreatedAt     time.Time                   `json:"created_at"`
	ExportedAt    time.Time                   `json:"exported_at"`
	PipelineState models.PipelineState        `json:"pipeline_state"`
	Question      string                      `json:"question,omitempty"`
	PlanSummary   string                      `json:"plan_summary,omitempty"`
	Tasks         []models.Task               `json:"tasks,omitempty"`
	Memory        []agent.ConversationMessage `json:"memory,omitempty"`
	LastSeq       int64                       `json:"last_seq"`
	LastAckSeq    int64                       `json:"last_ack_seq"`
}

// signState serializes and authenticates the snapshot. The blob is
// base64(payload) "." base64(HMAC-SHA256(payload)).
func signState(st *State, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("state signing requires a server secret")
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("marshal session state: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// verifyState authenticates and decodes a presented blob. Any mismatch,
// including a single flipped bit, yields ErrStateInvalid.
func verifyState(blob string, secret []byte) (*State, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("state verification requires a server secret")
	}
	payloadB64, macB64, found := strings.Cut(blob, ".")
	if !found {
		return nil, ErrStateInvalid
	}
	payload, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, ErrStateInvalid
	}
	presented, err := base64.RawURLEncoding.DecodeString(macB64)
	if err != nil {
		return nil, ErrStateInvalid
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	if !hmac.Equal(presented, mac.Sum(nil)) {
		return nil, ErrStateInvalid
	}

	var st State
	if err := json.Unmarshal(payload, &st); err != nil {
		return nil, ErrStateInvalid
	}
	if st.SessionID == "" {
		return nil, ErrStateInvalid
	}
	return &st, nil
}
