package operation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperation_ID(t *testing.T) {
	tests := []struct {
		name   string
		op     Operation
		wantID string
		wantOK bool
	}{
		{"default field", Operation{Variables: map[string]any{"id": "a"}}, "a", true},
		{"custom field", Operation{IDField: "uuid", Variables: map[string]any{"uuid": "b", "id": "x"}}, "b", true},
		{"missing", Operation{Variables: map[string]any{"title": "t"}}, "", false},
		{"nil value", Operation{Variables: map[string]any{"id": nil}}, "", false},
		{"non-string", Operation{Variables: map[string]any{"id": 7}}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := tt.op.ID()
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

func TestOperation_CloneIsDeep(t *testing.T) {
	op := Operation{
		Name: "createTask",
		Variables: map[string]any{
			"task": map[string]any{"parent": "client:1"},
			"tags": []any{"a"},
		},
		Base: map[string]any{"version": 1},
	}

	c := op.Clone()
	c.Variables["task"].(map[string]any)["parent"] = "real:1"
	c.Variables["tags"].([]any)[0] = "b"
	c.Base["version"] = 2

	assert.Equal(t, "client:1", op.Variables["task"].(map[string]any)["parent"])
	assert.Equal(t, "a", op.Variables["tags"].([]any)[0])
	assert.Equal(t, 1, op.Base["version"])
}

func TestOperation_JSONShape(t *testing.T) {
	op := Operation{Name: "updateTask", Kind: KindUpdate, Variables: map[string]any{"id": "1"}}
	raw, err := json.Marshal(op)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"updateTask","kind":"update","variables":{"id":"1"}}`, string(raw))
}

func TestResultError(t *testing.T) {
	assert.Equal(t, "boom", ResultError{Message: "boom"}.Error())
	assert.Equal(t, "task.title: required", ResultError{Message: "required", Path: []string{"task", "title"}}.Error())
	assert.True(t, Result{Errors: []ResultError{{Message: "x"}}}.HasErrors())
	assert.False(t, Result{}.HasErrors())
}

func TestExecutorFunc(t *testing.T) {
	var seen string
	exec := ExecutorFunc(func(_ context.Context, op Operation) (Result, error) {
		seen = op.Name
		return Result{Data: map[string]any{"ok": true}}, nil
	})
	res, err := exec.Execute(context.Background(), Operation{Name: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "ping", seen)
	assert.Equal(t, true, res.Data["ok"])
	assert.Equal(t, "ping(create)", Operation{Name: "ping", Kind: KindCreate}.String())
}
