package vlm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepairJSONDirect(t *testing.T) {
	out, ok := RepairJSON(`{"a": 1}`)
	require.True(t, ok)
	assert.JSONEq(t, `{"a": 1}`, out)
}

func TestRepairJSONCodeFence(t *testing.T) {
	raw := "Here you go:\n```json\n{\"queries\": []}\n```\nHope that helps."
	out, ok := RepairJSON(raw)
	require.True(t, ok)
	assert.JSONEq(t, `{"queries": []}`, out)
}

func TestRepairJSONEmbeddedObject(t *testing.T) {
	raw := `The answer is {"value": 42} as requested.`
	out, ok := RepairJSON(raw)
	require.True(t, ok)
	assert.JSONEq(t, `{"value": 42}`, out)
}

func TestRepairJSONBareKeys(t *testing.T) {
	out, ok := RepairJSON(`{memories: [], count: 0}`)
	require.True(t, ok)
	assert.JSONEq(t, `{"memories": [], "count": 0}`, out)
}

func TestRepairJSONGivesUp(t *testing.T) {
	_, ok := RepairJSON("no structured data here at all")
	assert.False(t, ok)
}

func TestCompleteJSON(t *testing.T) {
	mock := NewMock().Respond("extract", "```json\n{\"items\": [\"a\", \"b\"]}\n```")
	var out struct {
		Items []string `json:"items"`
	}
	err := CompleteJSON(context.Background(), mock, "please extract things", Options{}, &out)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, out.Items)
}

func TestCompleteJSONFailure(t *testing.T) {
	mock := NewMock().Respond("extract", "total nonsense")
	var out map[string]any
	err := CompleteJSON(context.Background(), mock, "please extract things", Options{}, &out)
	assert.Error(t, err)
}
