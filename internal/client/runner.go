package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"firestige.xyz/ferry/internal/config"
	"firestige.xyz/ferry/internal/task"
)

// pollEvery paces status polling; while the task runs the same poll doubles as
// the keep-alive heartbeat, so it must stay well inside the staleness window.
const pollEvery = time.Second

// RunOptions describes one end-to-end task submission.
type RunOptions struct {
	DeviceID string
	Shell    []string
	Inputs   []string
	Outputs  []string
	User     string
	// OutputDir is where the pulled outputs are unpacked. Defaults to the
	// current directory.
	OutputDir string
}

// Runner drives the full task lifecycle from the client side: create, pack and
// upload inputs, follow the remote logs while keeping the task alive, then
// fetch and unpack the outputs.
type Runner struct {
	client *Client
	cfg    config.ClientConfig
	log    *logrus.Logger
}

// NewRunner creates a Runner on top of an API client.
func NewRunner(c *Client, cfg config.ClientConfig, log *logrus.Logger) *Runner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Runner{client: c, cfg: cfg, log: log}
}

// Run executes one task to completion. When ctx is cancelled mid-flight (the
// user hit Ctrl-C) the task is killed server-side before Run returns.
func (r *Runner) Run(ctx context.Context, opts RunOptions) error {
	id, err := r.client.CreateTask(ctx, CreateTaskRequest{
		Cmd:          task.Cmd{Shell: opts.Shell},
		Output:       task.Output{Files: opts.Outputs},
		HintDeviceID: opts.DeviceID,
		CreateUser:   opts.User,
	})
	if err != nil {
		return err
	}
	r.log.Infof("Task created: %s", id)

	archive := filepath.Join(r.cfg.CacheDir, "input_archive", id+".tar")
	if err := r.packInputs(ctx, archive, opts.Inputs); err != nil {
		return err
	}
	defer os.Remove(archive)

	if err := r.client.UploadInputArchive(ctx, id, archive); err != nil {
		return r.killOnAbort(ctx, id, err)
	}

	if err := r.waitUntilStart(ctx, id); err != nil {
		return r.killOnAbort(ctx, id, err)
	}
	if err := r.monitor(ctx, id); err != nil {
		return r.killOnAbort(ctx, id, err)
	}

	final, err := r.client.Query(context.WithoutCancel(ctx), id)
	if err != nil {
		return err
	}
	if err := reportOutcome(r.log, final); err != nil {
		return err
	}

	return r.fetchOutputs(ctx, id, opts.OutputDir)
}

// packInputs builds the input tar. The sentinel is always included so the
// archive is never empty, matching what the device-side extraction excludes.
func (r *Runner) packInputs(ctx context.Context, archive string, inputs []string) error {
	sentinel := filepath.Join(r.cfg.CacheDir, config.EmptyFileName)
	args := append([]string{"cf", archive, sentinel}, inputs...)

	out, err := exec.CommandContext(ctx, "tar", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("pack inputs: %w: %s", err, out)
	}
	r.log.Infof("Packed %d input(s)", len(inputs))
	return nil
}

// waitUntilStart polls until the task leaves the pre-run statuses. Each poll
// refreshes the keep-alive timestamp, so a client that dies here lets the
// server reclaim the task.
func (r *Runner) waitUntilStart(ctx context.Context, id string) error {
	var lastStatus task.Status
	for {
		t, err := r.client.Query(ctx, id)
		if err != nil {
			return err
		}
		if t.Status != lastStatus {
			switch t.Status {
			case task.StatusQueueing:
				r.log.Info("Waiting for a device...")
			case task.StatusPreparing:
				r.log.Infof("Pushing inputs to device %s...", t.DeviceID)
			}
			lastStatus = t.Status
		}
		if t.Status != task.StatusQueueing && t.Status != task.StatusPreparing {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollEvery):
		}
	}
}

// monitor follows the task while it runs: remote stdout/stderr are streamed to
// the terminal and the status poll keeps the task alive until it is terminal.
func (r *Runner) monitor(ctx context.Context, id string) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := r.client.StreamLog(streamCtx, id, "stdout", os.Stdout); err != nil && streamCtx.Err() == nil {
			r.log.Warnf("stdout stream ended: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := r.client.StreamLog(streamCtx, id, "stderr", os.Stderr); err != nil && streamCtx.Err() == nil {
			r.log.Warnf("stderr stream ended: %v", err)
		}
	}()

	for {
		t, err := r.client.Query(ctx, id)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollEvery):
		}
	}

	// Let the streams drain; the server closes them once it observes the
	// terminal status.
	wg.Wait()
	return nil
}

// fetchOutputs downloads the output archive and unpacks it, dropping the
// sentinel entry.
func (r *Runner) fetchOutputs(ctx context.Context, id, outputDir string) error {
	if outputDir == "" {
		outputDir = "."
	}
	archive := filepath.Join(r.cfg.CacheDir, "output_archive", id+".tar")
	if err := r.client.DownloadOutputArchive(ctx, id, archive); err != nil {
		return err
	}
	defer os.Remove(archive)

	out, err := exec.CommandContext(ctx, "tar",
		"xf", archive,
		"-C", outputDir,
		"--exclude", config.EmptyFileName,
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("unpack outputs: %w: %s", err, out)
	}
	r.log.Infof("Outputs unpacked to %s", outputDir)
	return nil
}

// killOnAbort turns a context cancellation into a server-side kill so the
// device is released promptly instead of waiting out the staleness window.
func (r *Runner) killOnAbort(ctx context.Context, id string, cause error) error {
	if !errors.Is(cause, context.Canceled) {
		return cause
	}
	r.log.Warnf("Interrupted, killing task %s", id)
	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.client.Kill(killCtx, id); err != nil {
		r.log.Warnf("Kill failed: %v", err)
	}
	return cause
}

// reportOutcome logs the final verdict and returns a non-nil error for any
// outcome other than COMPLETED.
func reportOutcome(log *logrus.Logger, t *task.Task) error {
	switch t.Status {
	case task.StatusCompleted:
		log.Info("Task completed")
		return nil
	case task.StatusFailed:
		switch t.FailReason {
		case task.FailDeviceUnavailable:
			return fmt.Errorf("task failed: device %s is unavailable", t.HintDeviceID)
		case task.FailPushData:
			return errors.New("task failed: pushing inputs to the device failed")
		case task.FailPullData:
			return errors.New("task failed: pulling outputs from the device failed")
		case task.FailNonzeroReturnCode:
			return errors.New("task failed: command exited with a non-zero code")
		case task.FailKilled:
			return errors.New("task was killed")
		default:
			return fmt.Errorf("task failed: %s", t.FailReason)
		}
	default:
		return fmt.Errorf("task ended in unexpected status %s", t.Status)
	}
}
