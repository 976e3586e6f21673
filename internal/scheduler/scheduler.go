// Package scheduler pairs queued tasks with free devices, supervises the
// worker processes it spawns, and enforces the keep-alive liveness protocol.
// One scheduler runs per host; all coordination with the API front-end and the
// workers goes through conditional updates in the store.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"firestige.xyz/ferry/internal/adb"
	"firestige.xyz/ferry/internal/config"
	"firestige.xyz/ferry/internal/metrics"
	"firestige.xyz/ferry/internal/store"
	"firestige.xyz/ferry/internal/task"
)

// Scheduler owns the dispatch/kill/reap loop and the device inventory refresh.
type Scheduler struct {
	tasks    store.TaskStore
	devices  store.DeviceStore
	bridge   adb.Bridge
	launcher Launcher
	cfg      config.SchedulerConfig

	// workers are the handles of locally spawned, not yet reaped workers.
	// Only the loop goroutine touches this slice.
	workers []Handle
}

// New creates a Scheduler.
func New(tasks store.TaskStore, devices store.DeviceStore, bridge adb.Bridge, launcher Launcher, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		tasks:    tasks,
		devices:  devices,
		bridge:   bridge,
		launcher: launcher,
		cfg:      cfg,
	}
}

// Run blocks, ticking the scheduler loop until ctx is cancelled. A failing
// step is logged and retried on the next tick; the loop itself never stops
// early.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler started",
		"tick", s.cfg.Tick,
		"stale_after", s.cfg.StaleAfter,
		"device_refresh", s.cfg.DeviceRefresh,
	)

	go s.refreshLoop(ctx)

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs the three loop steps in order. Each step's failure is isolated so
// a store hiccup in dispatch still lets kills proceed.
func (s *Scheduler) tick(ctx context.Context) {
	if err := s.dispatch(ctx); err != nil {
		slog.Error("dispatch failed", "error", err)
	}
	if err := s.killTasks(ctx); err != nil {
		slog.Error("kill sweep failed", "error", err)
	}
	s.reap()
}

// dispatch assigns at most one queued task per tick. Bounded work per tick
// keeps the loop responsive to kills.
func (s *Scheduler) dispatch(ctx context.Context) error {
	attached := s.bridge.ListDevices(ctx)

	t, err := s.tasks.NextQueued(ctx)
	if err != nil || t == nil {
		return err
	}

	busy, err := s.busyDevices(ctx)
	if err != nil {
		return err
	}

	// Strict pinning: only the hinted device qualifies, and only while it is
	// attached and idle. There is no fallback device.
	selected := ""
	for _, d := range attached {
		if d == t.HintDeviceID && !busy[d] {
			selected = d
			break
		}
	}

	if selected == "" {
		slog.Warn("device unavailable", "task_id", t.ID.Hex(), "hint_device_id", t.HintDeviceID)
		_, err := s.tasks.Transition(ctx, t.ID, []task.Status{task.StatusQueueing}, task.Update{
			Status:     task.StatusFailed,
			FailReason: task.FailDeviceUnavailable,
			FinishTime: task.Now(),
		})
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		if err == nil {
			metrics.TasksFailedTotal.WithLabelValues(string(task.FailDeviceUnavailable)).Inc()
		}
		return err
	}

	now := task.Now()
	assigned, err := s.tasks.Transition(ctx, t.ID, []task.Status{task.StatusQueueing}, task.Update{
		Status:     task.StatusPreparing,
		DeviceID:   selected,
		StartTime:  now,
		ActiveTime: now,
	})
	if errors.Is(err, store.ErrConflict) {
		// Another scheduler instance won the race.
		return nil
	}
	if err != nil {
		return err
	}

	slog.Info("task assigned", "task_id", assigned.ID.Hex(), "device_id", selected)

	h, err := s.launcher.Launch(assigned.ID)
	if err != nil {
		// The task sits in PREPARING with no worker; the staleness detector
		// will reclaim it once the keep-alive window expires.
		return err
	}
	s.workers = append(s.workers, h)
	metrics.TasksDispatchedTotal.Inc()
	return nil
}

// busyDevices is the set of devices owned by a task in a busy status.
func (s *Scheduler) busyDevices(ctx context.Context) (map[string]bool, error) {
	working, err := s.tasks.FindByStatus(ctx, task.BusyStatuses...)
	if err != nil {
		return nil, err
	}
	busy := make(map[string]bool, len(working))
	for _, t := range working {
		if t.DeviceID != "" {
			busy[t.DeviceID] = true
		}
	}
	return busy, nil
}

// killTasks implements the liveness protocol: mark stale tasks KILLING, then
// drive every KILLING task to FAILED(KILLED) once its local worker, if any,
// has been terminated and joined. A task killed while QUEUEING has no worker,
// so its transition is immediate.
func (s *Scheduler) killTasks(ctx context.Context) error {
	now := task.Now()

	active, err := s.tasks.FindByStatus(ctx, task.ActiveStatuses...)
	if err != nil {
		return err
	}
	for _, t := range active {
		if !t.Stale(now, s.cfg.StaleAfter) {
			continue
		}
		slog.Warn("task stale, killing", "task_id", t.ID.Hex(), "active_time", t.ActiveTime)
		_, err := s.tasks.Transition(ctx, t.ID, []task.Status{t.Status}, task.Update{Status: task.StatusKilling})
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return err
		}
	}

	killing, err := s.tasks.FindByStatus(ctx, task.StatusKilling)
	if err != nil {
		return err
	}
	for _, t := range killing {
		for _, h := range s.workers {
			if h.TaskID() == t.ID {
				slog.Warn("terminating worker", "task_id", t.ID.Hex())
				h.Terminate()
				<-h.Done()
			}
		}

		_, err := s.tasks.Transition(ctx, t.ID, []task.Status{task.StatusKilling}, task.Update{
			Status:     task.StatusFailed,
			FailReason: task.FailKilled,
			FinishTime: task.Now(),
		})
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return err
		}
		if err == nil {
			metrics.TasksKilledTotal.Inc()
			metrics.TasksFailedTotal.WithLabelValues(string(task.FailKilled)).Inc()
			slog.Warn("task killed", "task_id", t.ID.Hex())
		}
	}
	return nil
}

// reap drops exited workers from the registry.
func (s *Scheduler) reap() {
	alive := s.workers[:0]
	for _, h := range s.workers {
		select {
		case <-h.Done():
			metrics.WorkersReapedTotal.Inc()
			slog.Debug("worker reaped", "task_id", h.TaskID().Hex())
		default:
			alive = append(alive, h)
		}
	}
	s.workers = alive
}

// refreshLoop periodically rewrites the device inventory snapshot. Errors are
// non-fatal; the next sweep retries.
func (s *Scheduler) refreshLoop(ctx context.Context) {
	s.refreshDevices(ctx)

	ticker := time.NewTicker(s.cfg.DeviceRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshDevices(ctx)
		}
	}
}

func (s *Scheduler) refreshDevices(ctx context.Context) {
	ids := s.bridge.ListDevices(ctx)
	infos := make([]adb.Info, 0, len(ids))
	for _, id := range ids {
		infos = append(infos, s.bridge.DeviceInfo(ctx, id))
	}

	metrics.DevicesAttached.Set(float64(len(ids)))
	metrics.DeviceRefreshTotal.Inc()

	snap := store.DeviceSnapshot{DeviceInfos: infos, UpdateTime: task.Now()}
	if err := s.devices.SaveSnapshot(ctx, snap); err != nil {
		slog.Error("device snapshot save failed", "error", err)
		return
	}
	slog.Info("device inventory refreshed", "devices", len(infos))
}
