package scheduler

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Handle supervises one running worker.
type Handle interface {
	// TaskID identifies the task the worker owns.
	TaskID() primitive.ObjectID
	// Terminate asks the worker to stop. Safe to call more than once.
	Terminate()
	// Done is closed once the worker has exited.
	Done() <-chan struct{}
}

// Launcher starts workers. The scheduler only ever talks to this interface so
// tests can substitute in-process fakes for real subprocesses.
type Launcher interface {
	Launch(id primitive.ObjectID) (Handle, error)
}

// ExecLauncher launches each worker as a child process running
// `<binary> worker --id <task>`. Process isolation keeps a crashing worker
// from taking down the scheduler or its siblings.
type ExecLauncher struct {
	binary     string
	configPath string
}

// NewExecLauncher creates a launcher re-invoking the current binary. A non
// empty configPath is forwarded to the worker.
func NewExecLauncher(configPath string) (*ExecLauncher, error) {
	bin, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve own binary: %w", err)
	}
	return &ExecLauncher{binary: bin, configPath: configPath}, nil
}

func (l *ExecLauncher) Launch(id primitive.ObjectID) (Handle, error) {
	args := []string{"worker", "--id", id.Hex()}
	if l.configPath != "" {
		args = append(args, "--config", l.configPath)
	}

	cmd := exec.Command(l.binary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker for task %s: %w", id.Hex(), err)
	}

	h := &procHandle{id: id, cmd: cmd, done: make(chan struct{})}
	go func() {
		// The exit status does not matter here: the worker records its own
		// outcome in the store.
		_ = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

type procHandle struct {
	id   primitive.ObjectID
	cmd  *exec.Cmd
	done chan struct{}
	once sync.Once
}

func (h *procHandle) TaskID() primitive.ObjectID { return h.id }

func (h *procHandle) Done() <-chan struct{} { return h.done }

func (h *procHandle) Terminate() {
	h.once.Do(func() {
		_ = h.cmd.Process.Signal(syscall.SIGTERM)
	})
}
