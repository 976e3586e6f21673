package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"firestige.xyz/ferry/internal/adb"
	"firestige.xyz/ferry/internal/task"
)

func newQueued(t *testing.T, m *Memory, createTime float64) primitive.ObjectID {
	t.Helper()
	id, err := m.Insert(context.Background(), &task.Task{
		Status:     task.StatusQueueing,
		CreateTime: createTime,
		ActiveTime: createTime,
	})
	require.NoError(t, err)
	return id
}

func TestInsertAndGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	id := newQueued(t, m, 1)

	got, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, task.StatusQueueing, got.Status)

	_, err = m.Get(ctx, primitive.NewObjectID())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetReturnsCopy(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := newQueued(t, m, 1)

	got, err := m.Get(ctx, id)
	require.NoError(t, err)
	got.Status = task.StatusFailed

	again, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueueing, again.Status)
}

func TestTouchRefreshesActiveTime(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := newQueued(t, m, 1)

	got, err := m.Touch(ctx, id)
	require.NoError(t, err)
	assert.Greater(t, got.ActiveTime, 1.0)

	_, err = m.Touch(ctx, primitive.NewObjectID())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNextQueuedRequiresArchive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	id := newQueued(t, m, 1)

	got, err := m.NextQueued(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "task without archive is not dispatchable")

	require.NoError(t, m.SetArchiveReady(ctx, id))

	got, err = m.NextQueued(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, id, got.ID)
}

func TestNextQueuedOldestFirst(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	newer := newQueued(t, m, 20)
	older := newQueued(t, m, 10)
	require.NoError(t, m.SetArchiveReady(ctx, newer))
	require.NoError(t, m.SetArchiveReady(ctx, older))

	got, err := m.NextQueued(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, older, got.ID)
}

func TestTransitionCAS(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := newQueued(t, m, 1)

	got, err := m.Transition(ctx, id, []task.Status{task.StatusQueueing}, task.Update{
		Status:   task.StatusPreparing,
		DeviceID: "emulator-5554",
	})
	require.NoError(t, err)
	assert.Equal(t, task.StatusPreparing, got.Status)
	assert.Equal(t, "emulator-5554", got.DeviceID)

	// Same guard again: the task moved, so the CAS must lose.
	_, err = m.Transition(ctx, id, []task.Status{task.StatusQueueing}, task.Update{
		Status: task.StatusPreparing,
	})
	assert.ErrorIs(t, err, ErrConflict)

	// Unknown id also reads as a conflict, matching the Mongo filter semantics.
	_, err = m.Transition(ctx, primitive.NewObjectID(), []task.Status{task.StatusQueueing}, task.Update{
		Status: task.StatusPreparing,
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestTransitionTerminalIsSticky(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := newQueued(t, m, 1)

	_, err := m.Transition(ctx, id, []task.Status{task.StatusQueueing}, task.Update{
		Status:     task.StatusFailed,
		FailReason: task.FailDeviceUnavailable,
		FinishTime: task.Now(),
	})
	require.NoError(t, err)

	// No non-terminal guard can move a FAILED task.
	_, err = m.Transition(ctx, id, task.ActiveStatuses, task.Update{Status: task.StatusKilling})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, task.FailDeviceUnavailable, got.FailReason)
}

func TestTransitionZeroFieldsKeepValues(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id := newQueued(t, m, 1)

	_, err := m.Transition(ctx, id, []task.Status{task.StatusQueueing}, task.Update{
		Status:    task.StatusPreparing,
		DeviceID:  "d1",
		StartTime: 42,
	})
	require.NoError(t, err)

	got, err := m.Transition(ctx, id, []task.Status{task.StatusPreparing}, task.Update{
		Status: task.StatusRunning,
	})
	require.NoError(t, err)
	assert.Equal(t, "d1", got.DeviceID)
	assert.Equal(t, 42.0, got.StartTime)
}

func TestFindByStatus(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	a := newQueued(t, m, 1)
	b := newQueued(t, m, 2)
	_, err := m.Transition(ctx, b, []task.Status{task.StatusQueueing}, task.Update{Status: task.StatusRunning})
	require.NoError(t, err)

	queued, err := m.FindByStatus(ctx, task.StatusQueueing)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, a, queued[0].ID)

	both, err := m.FindByStatus(ctx, task.StatusQueueing, task.StatusRunning)
	require.NoError(t, err)
	assert.Len(t, both, 2)
	// Sorted by creation time.
	assert.Equal(t, a, both[0].ID)
	assert.Equal(t, b, both[1].ID)
}

func TestDeviceSnapshotRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	empty, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty.DeviceInfos)

	on := true
	snap := DeviceSnapshot{
		DeviceInfos: []adb.Info{{DeviceID: "d1", PowerOn: &on}},
		UpdateTime:  task.Now(),
	}
	require.NoError(t, m.SaveSnapshot(ctx, snap))

	got, err := m.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, got.DeviceInfos, 1)
	assert.Equal(t, "d1", got.DeviceInfos[0].DeviceID)
}
