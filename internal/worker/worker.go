// Package worker runs the device-side lifecycle of exactly one task:
// push inputs, execute, pull outputs, recording every step as a conditional
// status transition. A worker owns its device from push through pull.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"firestige.xyz/ferry/internal/adb"
	"firestige.xyz/ferry/internal/config"
	"firestige.xyz/ferry/internal/store"
	"firestige.xyz/ferry/internal/task"
)

// Worker executes one scheduled task against its assigned device.
type Worker struct {
	tasks     store.TaskStore
	bridge    adb.Bridge
	logDir    string
	inputDir  string
	outputDir string
}

// New creates a Worker bound to the given store and bridge.
func New(tasks store.TaskStore, bridge adb.Bridge, cfg *config.Config) *Worker {
	return &Worker{
		tasks:     tasks,
		bridge:    bridge,
		logDir:    cfg.LogDir(),
		inputDir:  cfg.InputArchiveDir(),
		outputDir: cfg.OutputArchiveDir(),
	}
}

// Run drives the task to a terminal state, except for the KILLED terminal
// which only the scheduler writes after this process has exited.
//
// Cancelling ctx interrupts the bridge operations; store writes deliberately
// survive cancellation so a partial step is still recorded. When a transition
// loses its CAS the task was killed underneath us and the worker simply stops.
func (w *Worker) Run(ctx context.Context, id primitive.ObjectID) error {
	db := context.WithoutCancel(ctx)

	t, err := w.tasks.Get(db, id)
	if err != nil {
		return fmt.Errorf("load task %s: %w", id.Hex(), err)
	}
	if t.DeviceID == "" {
		return fmt.Errorf("task %s has no device assigned", id.Hex())
	}

	slog.Info("task preparing", "task_id", id.Hex(), "device_id", t.DeviceID)

	stdoutPath, stderrPath, err := w.prepareLogs(t)
	if err != nil {
		return err
	}

	inputTar := filepath.Join(w.inputDir, id.Hex()+".tar")
	outputTar := filepath.Join(w.outputDir, id.Hex()+".tar")

	if rc := w.bridge.Push(ctx, t.DeviceID, inputTar); rc != 0 {
		slog.Error("push data failed", "task_id", id.Hex(), "rc", rc)
		_, err := w.transition(db, id, []task.Status{task.StatusPreparing}, task.Update{
			Status:     task.StatusFailed,
			FailReason: task.FailPushData,
		})
		return err
	}

	ok, err := w.transition(db, id, []task.Status{task.StatusPreparing}, task.Update{
		Status: task.StatusRunning,
		Stdout: stdoutPath,
		Stderr: stderrPath,
	})
	if err != nil {
		return err
	}
	if !ok {
		// Killed underneath us before the command started; nothing to run.
		return nil
	}

	slog.Info("task running", "task_id", id.Hex(), "device_id", t.DeviceID)
	cmdRC := w.bridge.Run(ctx, t.DeviceID, stdoutPath, stderrPath, t.Cmd.Shell)
	slog.Info("command finished", "task_id", id.Hex(), "rc", cmdRC)

	// Pull failure dominates the command's own result: the output archive is
	// worth more than the exit code.
	if rc := w.bridge.Pull(ctx, t.DeviceID, t.Output.Files, outputTar); rc != 0 {
		slog.Error("pull data failed", "task_id", id.Hex(), "rc", rc)
		_, err := w.transition(db, id, []task.Status{task.StatusRunning}, task.Update{
			Status:     task.StatusFailed,
			FailReason: task.FailPullData,
		})
		return err
	}

	up := task.Update{Status: task.StatusCompleted, FinishTime: task.Now()}
	if cmdRC != 0 {
		up = task.Update{
			Status:     task.StatusFailed,
			FailReason: task.FailNonzeroReturnCode,
			FinishTime: task.Now(),
		}
	}
	if _, err := w.transition(db, id, []task.Status{task.StatusRunning}, up); err != nil {
		return err
	}

	slog.Info("task finished", "task_id", id.Hex(), "status", up.Status)
	return nil
}

// prepareLogs creates empty log files up front so log streaming can open them
// the moment the task reports RUNNING. Paths embed the start time in
// milliseconds and are never rewritten.
func (w *Worker) prepareLogs(t *task.Task) (stdoutPath, stderrPath string, err error) {
	ms := int64(t.StartTime * 1000)
	stdoutPath = filepath.Join(w.logDir, fmt.Sprintf("%s_%d_out.log", t.ID.Hex(), ms))
	stderrPath = filepath.Join(w.logDir, fmt.Sprintf("%s_%d_err.log", t.ID.Hex(), ms))

	for _, p := range []string{stdoutPath, stderrPath} {
		f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return "", "", fmt.Errorf("create log file %s: %w", p, err)
		}
		if err := f.Close(); err != nil {
			return "", "", fmt.Errorf("create log file %s: %w", p, err)
		}
	}
	return stdoutPath, stderrPath, nil
}

// transition applies a CAS status update. Losing the CAS means another actor
// (the kill path) moved the task first; the caller stops quietly in that case.
func (w *Worker) transition(ctx context.Context, id primitive.ObjectID, from []task.Status, up task.Update) (bool, error) {
	_, err := w.tasks.Transition(ctx, id, from, up)
	if errors.Is(err, store.ErrConflict) {
		slog.Debug("transition superseded", "task_id", id.Hex(), "to", up.Status)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
