package session

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-agent/maestro/pkg/models"
)

var testSecret = []byte("test-secret-key-for-state-signing")

func sampleState() *State {
	return &State{
		SessionID:     "sess-1",
		CreatedAt:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		ExportedAt:    time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC),
		PipelineState: models.PipelineSolving,
		Question:      "What is the capital of France?",
		PlanSummary:   "One lookup task",
		Tasks: []models.Task{
			{ID: "1", Title: "Look it up", Objective: "Look it up", Status: models.TaskStatusSucceeded, Attempt: 1},
			{ID: "2", Title: "Verify", Objective: "Verify", Status: models.TaskStatusPending, Attempt: 1},
		},
		LastSeq:    17,
		LastAckSeq: 15,
	}
}

func TestStateRoundTrip(t *testing.T) {
	blob, err := signState(sampleState(), testSecret)
	require.NoError(t, err)
	assert.Contains(t, blob, ".")

	st, err := verifyState(blob, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", st.SessionID)
	assert.Equal(t, models.PipelineSolving, st.PipelineState)
	assert.Equal(t, int64(17), st.LastSeq)
	assert.Equal(t, int64(15), st.LastAckSeq)
	require.Len(t, st.Tasks, 2)
	assert.Equal(t, models.TaskStatusSucceeded, st.Tasks[0].Status)
}

func TestVerifyStateRejectsTampering(t *testing.T) {
	blob, err := signState(sampleState(), testSecret)
	require.NoError(t, err)

	t.Run("flipped payload character", func(t *testing.T) {
		mutated := []byte(blob)
		// Flip a character inside the base64 payload half.
		i := strings.Index(blob, ".") / 2
		if mutated[i] == 'A' {
			mutated[i] = 'B'
		} else {
			mutated[i] = 'A'
		}
		_, err := verifyState(string(mutated), testSecret)
		assert.ErrorIs(t, err, ErrStateInvalid)
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, err := verifyState(blob, []byte("a-different-secret"))
		assert.ErrorIs(t, err, ErrStateInvalid)
	})

	t.Run("truncated mac", func(t *testing.T) {
		_, err := verifyState(blob[:len(blob)-2], testSecret)
		assert.ErrorIs(t, err, ErrStateInvalid)
	})

	t.Run("no separator", func(t *testing.T) {
		_, err := verifyState(strings.ReplaceAll(blob, ".", ""), testSecret)
		assert.ErrorIs(t, err, ErrStateInvalid)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := verifyState("not.a-blob", testSecret)
		assert.ErrorIs(t, err, ErrStateInvalid)
	})
}

func TestVerifyStateRequiresSessionID(t *testing.T) {
	st := sampleState()
	st.SessionID = ""
	blob, err := signState(st, testSecret)
	require.NoError(t, err)

	_, err = verifyState(blob, testSecret)
	assert.ErrorIs(t, err, ErrStateInvalid)
}

func TestSignStateRequiresSecret(t *testing.T) {
	_, err := signState(sampleState(), nil)
	assert.Error(t, err)

	_, err = verifyState("a.b", nil)
	assert.Error(t, err)
}
