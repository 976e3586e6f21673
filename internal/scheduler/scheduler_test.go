package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"firestige.xyz/ferry/internal/adb"
	"firestige.xyz/ferry/internal/config"
	"firestige.xyz/ferry/internal/store"
	"firestige.xyz/ferry/internal/task"
)

// fakeBridge serves a fixed device list.
type fakeBridge struct {
	devices []string
}

func (f *fakeBridge) ListDevices(context.Context) []string { return f.devices }
func (f *fakeBridge) DeviceInfo(_ context.Context, id string) adb.Info {
	return adb.Info{DeviceID: id}
}
func (f *fakeBridge) Push(context.Context, string, string) int { return 0 }
func (f *fakeBridge) Pull(context.Context, string, []string, string) int {
	return 0
}
func (f *fakeBridge) Run(context.Context, string, string, string, []string) int {
	return 0
}

// fakeHandle is an in-process stand-in for a worker subprocess.
type fakeHandle struct {
	id         primitive.ObjectID
	done       chan struct{}
	terminated bool
}

func newFakeHandle(id primitive.ObjectID) *fakeHandle {
	return &fakeHandle{id: id, done: make(chan struct{})}
}

func (h *fakeHandle) TaskID() primitive.ObjectID { return h.id }
func (h *fakeHandle) Done() <-chan struct{}      { return h.done }
func (h *fakeHandle) Terminate() {
	if !h.terminated {
		h.terminated = true
		close(h.done)
	}
}

// fakeLauncher records launches and hands out fakeHandles.
type fakeLauncher struct {
	launched []primitive.ObjectID
	handles  map[primitive.ObjectID]*fakeHandle
	err      error
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{handles: make(map[primitive.ObjectID]*fakeHandle)}
}

func (l *fakeLauncher) Launch(id primitive.ObjectID) (Handle, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.launched = append(l.launched, id)
	h := newFakeHandle(id)
	l.handles[id] = h
	return h, nil
}

func testScheduler(bridge *fakeBridge, launcher Launcher) (*Scheduler, *store.Memory) {
	st := store.NewMemory()
	cfg := config.SchedulerConfig{
		Tick:          10 * time.Millisecond,
		StaleAfter:    10 * time.Second,
		DeviceRefresh: time.Minute,
	}
	return New(st, st, bridge, launcher, cfg), st
}

func queueTask(t *testing.T, st *store.Memory, device string, ready bool) primitive.ObjectID {
	t.Helper()
	now := task.Now()
	tk := &task.Task{
		Status:       task.StatusQueueing,
		Cmd:          task.Cmd{Shell: []string{"true"}},
		HintDeviceID: device,
		ArchiveReady: ready,
		CreateTime:   now,
		ActiveTime:   now,
	}
	id, err := st.Insert(context.Background(), tk)
	require.NoError(t, err)
	return id
}

func TestDispatchAssignsHintedDevice(t *testing.T) {
	launcher := newFakeLauncher()
	s, st := testScheduler(&fakeBridge{devices: []string{"d1", "d2"}}, launcher)
	id := queueTask(t, st, "d1", true)

	require.NoError(t, s.dispatch(context.Background()))

	got, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPreparing, got.Status)
	assert.Equal(t, "d1", got.DeviceID)
	assert.NotZero(t, got.StartTime)
	assert.Equal(t, []primitive.ObjectID{id}, launcher.launched)
}

func TestDispatchSkipsUnreadyArchive(t *testing.T) {
	launcher := newFakeLauncher()
	s, st := testScheduler(&fakeBridge{devices: []string{"d1"}}, launcher)
	id := queueTask(t, st, "d1", false)

	require.NoError(t, s.dispatch(context.Background()))

	got, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueueing, got.Status)
	assert.Empty(t, launcher.launched)
}

func TestDispatchDeviceNotAttached(t *testing.T) {
	launcher := newFakeLauncher()
	s, st := testScheduler(&fakeBridge{devices: []string{"d2"}}, launcher)
	id := queueTask(t, st, "d1", true)

	require.NoError(t, s.dispatch(context.Background()))

	// Strict pinning: no fallback to the attached d2.
	got, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, task.FailDeviceUnavailable, got.FailReason)
	assert.NotZero(t, got.FinishTime)
	assert.Empty(t, launcher.launched)
}

func TestDispatchDeviceBusy(t *testing.T) {
	launcher := newFakeLauncher()
	s, st := testScheduler(&fakeBridge{devices: []string{"d1"}}, launcher)

	// An earlier task owns d1.
	owner := queueTask(t, st, "d1", true)
	_, err := st.Transition(context.Background(), owner,
		[]task.Status{task.StatusQueueing},
		task.Update{Status: task.StatusRunning, DeviceID: "d1"})
	require.NoError(t, err)

	id := queueTask(t, st, "d1", true)
	require.NoError(t, s.dispatch(context.Background()))

	got, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, task.FailDeviceUnavailable, got.FailReason)
}

func TestKillStaleTask(t *testing.T) {
	launcher := newFakeLauncher()
	s, st := testScheduler(&fakeBridge{devices: []string{"d1"}}, launcher)
	id := queueTask(t, st, "d1", true)

	require.NoError(t, s.dispatch(context.Background()))

	// Age the keep-alive past the window.
	_, err := st.Transition(context.Background(), id,
		[]task.Status{task.StatusPreparing},
		task.Update{ActiveTime: task.Now() - 11, Status: task.StatusPreparing})
	require.NoError(t, err)

	require.NoError(t, s.killTasks(context.Background()))

	got, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, task.FailKilled, got.FailReason)
	assert.NotZero(t, got.FinishTime)
	assert.True(t, launcher.handles[id].terminated)
}

func TestFreshTaskSurvivesKillSweep(t *testing.T) {
	launcher := newFakeLauncher()
	s, st := testScheduler(&fakeBridge{devices: []string{"d1"}}, launcher)
	id := queueTask(t, st, "d1", true)

	require.NoError(t, s.dispatch(context.Background()))
	require.NoError(t, s.killTasks(context.Background()))

	got, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPreparing, got.Status)
	assert.False(t, launcher.handles[id].terminated)
}

func TestKillQueueingTaskIsImmediate(t *testing.T) {
	launcher := newFakeLauncher()
	s, st := testScheduler(&fakeBridge{}, launcher)
	id := queueTask(t, st, "d1", true)

	// A kill request arrived while the task still waited for a device.
	_, err := st.Transition(context.Background(), id,
		task.ActiveStatuses, task.Update{Status: task.StatusKilling})
	require.NoError(t, err)

	require.NoError(t, s.killTasks(context.Background()))

	// No worker exists, so the terminal transition happens in the same sweep.
	got, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, task.FailKilled, got.FailReason)
}

func TestReapDropsExitedWorkers(t *testing.T) {
	launcher := newFakeLauncher()
	s, st := testScheduler(&fakeBridge{devices: []string{"d1", "d2"}}, launcher)

	a := queueTask(t, st, "d1", true)
	require.NoError(t, s.dispatch(context.Background()))
	b := queueTask(t, st, "d2", true)
	require.NoError(t, s.dispatch(context.Background()))
	require.Len(t, s.workers, 2)

	close(launcher.handles[a].done)
	s.reap()

	require.Len(t, s.workers, 1)
	assert.Equal(t, b, s.workers[0].TaskID())
}

func TestRefreshDevicesWritesSnapshot(t *testing.T) {
	launcher := newFakeLauncher()
	s, st := testScheduler(&fakeBridge{devices: []string{"d2", "d1"}}, launcher)

	s.refreshDevices(context.Background())

	snap, err := st.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.DeviceInfos, 2)
	assert.NotZero(t, snap.UpdateTime)
}

func TestRunStopsOnCancel(t *testing.T) {
	launcher := newFakeLauncher()
	s, _ := testScheduler(&fakeBridge{}, launcher)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}
