package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-kit/operation"
)

func TestPending_SettlesOnce(t *testing.T) {
	p := newPending()
	assert.False(t, p.Settled())

	p.resolve(operation.Result{Data: map[string]any{"n": 1}})
	p.reject(errors.New("late"))

	require.True(t, p.Settled())
	res, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Data["n"])

	select {
	case <-p.Done():
	default:
		t.Fatal("Done should be closed")
	}
}

func TestPending_WaitHonorsContext(t *testing.T) {
	p := newPending()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestApplicationError_Message(t *testing.T) {
	err := &ApplicationError{
		QID:       "queue:1",
		Operation: "createTask",
		Errors: []operation.ResultError{
			{Message: "required", Path: []string{"title"}},
			{Message: "too long"},
		},
	}
	assert.Equal(t, "operation createTask (queue:1) rejected: title: required; too long", err.Error())
}

func TestCompositeListener_FansOut(t *testing.T) {
	var got []string
	a := ListenerFuncs{Cleared: func() { got = append(got, "a") }}
	b := ListenerFuncs{
		Cleared: func() { got = append(got, "b") },
		Failure: func(e *Entry, err error) { got = append(got, e.QID+":"+err.Error()) },
	}
	c := CompositeListener{a, b}

	c.QueueCleared()
	c.OnOperationFailure(&Entry{QID: "q"}, errors.New("x"))
	// Unset fields are no-ops.
	c.OnOperationEnqueued(&Entry{})
	c.OnOperationRequeued(&Entry{})
	c.OnOperationSuccess(&Entry{}, operation.Result{})

	assert.Equal(t, []string{"a", "b", "q:x"}, got)
}
