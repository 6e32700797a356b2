package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-agent/maestro/pkg/models"
)

func TestCoercePlan(t *testing.T) {
	t.Run("clean JSON object", func(t *testing.T) {
		tasks, summary, err := coercePlan(planJSONTwoTasks)
		require.NoError(t, err)
		assert.Equal(t, "Two quick lookups", summary)
		require.Len(t, tasks, 2)
		assert.Equal(t, "1", tasks[0].ID)
		assert.Equal(t, "First", tasks[0].Title)
	})

	t.Run("fenced output", func(t *testing.T) {
		text := "Here is the plan:\n```json\n" + planJSONOneTask + "\n```\nLet me know!"
		tasks, _, err := coercePlan(text)
		require.NoError(t, err)
		assert.Len(t, tasks, 1)
	})

	t.Run("surrounding prose without fences", func(t *testing.T) {
		text := "The plan is " + planJSONOneTask + " as requested."
		tasks, _, err := coercePlan(text)
		require.NoError(t, err)
		assert.Len(t, tasks, 1)
	})

	t.Run("bare task array", func(t *testing.T) {
		tasks, summary, err := coercePlan(`[{"id":1,"title":"Solo"}]`)
		require.NoError(t, err)
		assert.Empty(t, summary)
		require.Len(t, tasks, 1)
		assert.Equal(t, "1", tasks[0].ID)
	})

	t.Run("integer ids normalized to strings", func(t *testing.T) {
		tasks, _, err := coercePlan(`{"tasks":[{"id":7,"title":"Seventh"}]}`)
		require.NoError(t, err)
		assert.Equal(t, "7", tasks[0].ID)
	})

	t.Run("no JSON at all", func(t *testing.T) {
		_, _, err := coercePlan("I could not come up with a plan.")
		assert.Error(t, err)
	})

	t.Run("shape violation", func(t *testing.T) {
		// Missing required title.
		_, _, err := coercePlan(`{"tasks":[{"id":"1"}]}`)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "plan shape invalid")
	})

	t.Run("truncated JSON", func(t *testing.T) {
		_, _, err := coercePlan(`{"tasks":[{"id":"1","title":"half`)
		assert.Error(t, err)
	})
}

func TestNormalizeTasks(t *testing.T) {
	t.Run("fills defaults", func(t *testing.T) {
		out, err := normalizeTasks([]models.Task{{ID: "1", Title: "Only one"}})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "Only one", out[0].Objective)
		assert.Equal(t, models.TaskStatusPending, out[0].Status)
		assert.Equal(t, 1, out[0].Attempt)
	})

	t.Run("keeps provided fields", func(t *testing.T) {
		out, err := normalizeTasks([]models.Task{{
			ID: "1", Title: "t", Objective: "explicit objective",
			Status: models.TaskStatusFailed, Attempt: 3,
		}})
		require.NoError(t, err)
		assert.Equal(t, "explicit objective", out[0].Objective)
		assert.Equal(t, models.TaskStatusFailed, out[0].Status)
		assert.Equal(t, 3, out[0].Attempt)
	})

	t.Run("rejections", func(t *testing.T) {
		_, err := normalizeTasks(nil)
		assert.Error(t, err)

		_, err = normalizeTasks([]models.Task{{Title: "no id"}})
		assert.Error(t, err)

		_, err = normalizeTasks([]models.Task{{ID: "1"}})
		assert.Error(t, err)

		_, err = normalizeTasks([]models.Task{
			{ID: "1", Title: "a"},
			{ID: "1", Title: "b"},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate task id")
	})
}

func TestExtractJSON(t *testing.T) {
	t.Run("object inside fence with language tag", func(t *testing.T) {
		got, err := extractJSON("```json\n{\"a\":1}\n```")
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, got)
	})

	t.Run("array", func(t *testing.T) {
		got, err := extractJSON(`prefix [1,2,3] suffix`)
		require.NoError(t, err)
		assert.Equal(t, `[1,2,3]`, got)
	})

	t.Run("nothing to extract", func(t *testing.T) {
		_, err := extractJSON("plain prose")
		assert.Error(t, err)
	})
}
