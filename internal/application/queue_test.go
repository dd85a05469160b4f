package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/reviewdesk/internal/domain/model"
)

func newTestQueue(t *testing.T) (*OperationQueue, *testStores, *captureEvents) {
	stores := newTestStores(t)
	events := &captureEvents{}
	queue := NewOperationQueue(stores.ops, stores.changes, events, 3)
	return queue, stores, events
}

func TestOperationQueue_Enqueue(t *testing.T) {
	queue, stores, events := newTestQueue(t)
	ctx := context.Background()
	inst := stores.seedInstance(t)
	change, _ := stores.seedChange(t, inst.ID)

	op, err := queue.Enqueue(ctx, change.ID, model.AddCommentPayload{CommentID: 1}, 0)
	require.NoError(t, err)

	assert.Equal(t, model.OpQueued, op.Status)
	assert.Equal(t, 3, op.MaxRetries)
	assert.NotEmpty(t, op.Token)
	assert.True(t, events.has(model.EventOperationEnqueued))
}

func TestOperationQueue_Enqueue_ClosedChangeRejected(t *testing.T) {
	queue, stores, _ := newTestQueue(t)
	ctx := context.Background()
	inst := stores.seedInstance(t)
	change, _ := stores.seedChange(t, inst.ID)

	require.NoError(t, stores.changes.SetChangeStatus(ctx, change.ID, model.ChangeStatusMerged))

	_, err := queue.Enqueue(ctx, change.ID, model.AddCommentPayload{CommentID: 1}, 0)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "change", verr.Field)
}

func TestOperationQueue_Fail_RetriesThenTerminal(t *testing.T) {
	queue, stores, events := newTestQueue(t)
	ctx := context.Background()
	inst := stores.seedInstance(t)
	change, _ := stores.seedChange(t, inst.ID)

	op, err := queue.Enqueue(ctx, change.ID, model.AddCommentPayload{CommentID: 1}, 0)
	require.NoError(t, err)

	cause := errors.New("server hiccup")
	for attempt := 0; attempt < 3; attempt++ {
		claimed, err := stores.ops.DequeueNext(ctx, time.Now().Add(24*time.Hour))
		require.NoError(t, err)
		require.NotNil(t, claimed, "attempt %d", attempt)
		require.NoError(t, queue.Fail(ctx, *claimed, cause))
	}

	got, err := stores.ops.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OpFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, "server hiccup", got.LastError)

	assert.True(t, events.has(model.EventOperationFailed))
	assert.True(t, events.has(model.EventOperationTerminal))

	// Nothing left to dispatch.
	next, err := stores.ops.DequeueNext(ctx, time.Now().Add(48*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestOperationQueue_DeferKeepsRetryBudget(t *testing.T) {
	queue, stores, _ := newTestQueue(t)
	ctx := context.Background()
	inst := stores.seedInstance(t)
	change, _ := stores.seedChange(t, inst.ID)

	op, err := queue.Enqueue(ctx, change.ID, model.AddCommentPayload{CommentID: 1}, 0)
	require.NoError(t, err)

	claimed, err := stores.ops.DequeueNext(ctx, time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, queue.Defer(ctx, *claimed, time.Minute))

	got, err := stores.ops.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OpQueued, got.Status)
	assert.Zero(t, got.RetryCount, "a deferral is not the operation's fault")
}

func TestOperationQueue_ParkAndRelease(t *testing.T) {
	queue, stores, _ := newTestQueue(t)
	ctx := context.Background()
	inst := stores.seedInstance(t)
	change, _ := stores.seedChange(t, inst.ID)

	op, err := queue.Enqueue(ctx, change.ID, model.AddCommentPayload{CommentID: 1}, 0)
	require.NoError(t, err)

	claimed, err := stores.ops.DequeueNext(ctx, time.Now())
	require.NoError(t, err)
	require.NoError(t, queue.Park(ctx, *claimed))

	got, err := stores.ops.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OpWaiting, got.Status)

	released, err := queue.Release(ctx, change.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	got, err = stores.ops.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OpQueued, got.Status)
}

func TestOperationQueue_RecoverStartup(t *testing.T) {
	queue, stores, _ := newTestQueue(t)
	ctx := context.Background()
	inst := stores.seedInstance(t)
	change, _ := stores.seedChange(t, inst.ID)

	op, err := queue.Enqueue(ctx, change.ID, model.AddCommentPayload{CommentID: 1}, 0)
	require.NoError(t, err)
	_, err = stores.ops.DequeueNext(ctx, time.Now())
	require.NoError(t, err)

	require.NoError(t, queue.RecoverStartup(ctx))

	got, err := stores.ops.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OpQueued, got.Status)
}

func TestOperationQueue_Stats(t *testing.T) {
	queue, stores, _ := newTestQueue(t)
	ctx := context.Background()
	inst := stores.seedInstance(t)
	change, _ := stores.seedChange(t, inst.ID)

	_, err := queue.Enqueue(ctx, change.ID, model.AddCommentPayload{CommentID: 1}, 0)
	require.NoError(t, err)
	_, err = queue.Enqueue(ctx, change.ID, model.AddCommentPayload{CommentID: 2}, 0)
	require.NoError(t, err)

	stats, err := queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats[model.OpQueued])
}
