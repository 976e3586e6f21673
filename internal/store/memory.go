package store

import (
	"context"
	"slices"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"firestige.xyz/ferry/internal/task"
)

// Memory implements TaskStore and DeviceStore in process memory with the same
// conditional-update semantics as the Mongo implementation. It backs tests and
// single-process experiments; it offers no durability.
type Memory struct {
	mu    sync.Mutex
	tasks map[primitive.ObjectID]*task.Task
	snap  DeviceSnapshot
	has   bool
}

var (
	_ TaskStore   = (*Memory)(nil)
	_ DeviceStore = (*Memory)(nil)
)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tasks: make(map[primitive.ObjectID]*task.Task)}
}

func (m *Memory) Insert(_ context.Context, t *task.Task) (primitive.ObjectID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.ID.IsZero() {
		t.ID = primitive.NewObjectID()
	}
	cp := *t
	m.tasks[t.ID] = &cp
	return t.ID, nil
}

func (m *Memory) Get(_ context.Context, id primitive.ObjectID) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) Touch(_ context.Context, id primitive.ObjectID) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	t.ActiveTime = task.Now()
	cp := *t
	return &cp, nil
}

func (m *Memory) SetArchiveReady(_ context.Context, id primitive.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.ArchiveReady = true
	return nil
}

func (m *Memory) NextQueued(_ context.Context) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *task.Task
	for _, t := range m.tasks {
		if t.Status != task.StatusQueueing || !t.ArchiveReady {
			continue
		}
		// Oldest first keeps iteration order deterministic.
		if best == nil || t.CreateTime < best.CreateTime {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (m *Memory) FindByStatus(_ context.Context, statuses ...task.Status) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []task.Task
	for _, t := range m.tasks {
		if slices.Contains(statuses, t.Status) {
			out = append(out, *t)
		}
	}
	slices.SortFunc(out, func(a, b task.Task) int {
		switch {
		case a.CreateTime < b.CreateTime:
			return -1
		case a.CreateTime > b.CreateTime:
			return 1
		default:
			return 0
		}
	})
	return out, nil
}

func (m *Memory) Transition(_ context.Context, id primitive.ObjectID, from []task.Status, up task.Update) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok || !slices.Contains(from, t.Status) {
		return nil, ErrConflict
	}

	t.Status = up.Status
	if up.FailReason != "" {
		t.FailReason = up.FailReason
	}
	if up.DeviceID != "" {
		t.DeviceID = up.DeviceID
	}
	if up.Stdout != "" {
		t.Stdout = up.Stdout
	}
	if up.Stderr != "" {
		t.Stderr = up.Stderr
	}
	if up.StartTime != 0 {
		t.StartTime = up.StartTime
	}
	if up.ActiveTime != 0 {
		t.ActiveTime = up.ActiveTime
	}
	if up.FinishTime != 0 {
		t.FinishTime = up.FinishTime
	}

	cp := *t
	return &cp, nil
}

func (m *Memory) SaveSnapshot(_ context.Context, snap DeviceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = snap
	m.has = true
	return nil
}

func (m *Memory) Snapshot(_ context.Context) (DeviceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.has {
		return DeviceSnapshot{}, nil
	}
	return m.snap, nil
}
