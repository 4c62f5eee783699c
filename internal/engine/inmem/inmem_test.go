package inmem

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ryaker/zora/internal/engine"
)

func TestRunTaskReturnsResult(t *testing.T) {
	eng := New(func(_ context.Context, req engine.TaskRequest) (string, error) {
		return "handled: " + req.Prompt, nil
	})

	h, err := eng.RunTask(context.Background(), engine.TaskRequest{JobID: "j1", Prompt: "hello"})
	require.NoError(t, err)

	result, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.NoError(t, result.Err)
	require.Equal(t, "handled: hello", result.Text)
}

func TestRunTaskPropagatesRunnerError(t *testing.T) {
	boom := errors.New("boom")
	eng := New(func(_ context.Context, _ engine.TaskRequest) (string, error) {
		return "", boom
	})

	h, err := eng.RunTask(context.Background(), engine.TaskRequest{JobID: "j1"})
	require.NoError(t, err)

	result, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.ErrorIs(t, result.Err, boom)
}

func TestCancelStopsWaitingViaRunnerContext(t *testing.T) {
	started := make(chan struct{})
	eng := New(func(ctx context.Context, _ engine.TaskRequest) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})

	h, err := eng.RunTask(context.Background(), engine.TaskRequest{JobID: "j1"})
	require.NoError(t, err)

	<-started
	h.Cancel()

	result, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.ErrorIs(t, result.Err, context.Canceled)
}

func TestWaitRespectsCallerContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	eng := New(func(_ context.Context, _ engine.TaskRequest) (string, error) {
		<-block
		return "", nil
	})

	h, err := eng.RunTask(context.Background(), engine.TaskRequest{JobID: "j1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
