package adb

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// CLI is the production Bridge implementation shelling out to adb.
type CLI struct {
	adbPath     string
	workspace   string
	infoTimeout time.Duration
}

var _ Bridge = (*CLI)(nil)

// NewCLI creates a CLI bridge. adbPath is the bridge binary (usually "adb"),
// workspace the absolute on-device directory owned by ferry.
func NewCLI(adbPath, workspace string, infoTimeout time.Duration) *CLI {
	if infoTimeout <= 0 {
		infoTimeout = 10 * time.Second
	}
	return &CLI{adbPath: adbPath, workspace: workspace, infoTimeout: infoTimeout}
}

// ListDevices runs `adb devices` and keeps entries in the "device" state.
func (c *CLI) ListDevices(ctx context.Context) []string {
	ctx, cancel := context.WithTimeout(ctx, c.infoTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, c.adbPath, "devices").Output()
	if err != nil {
		slog.Debug("adb devices failed", "error", err)
		return nil
	}

	var devices []string
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, "\tdevice") {
			devices = append(devices, strings.Fields(line)[0])
		}
	}
	sort.Strings(devices)
	return devices
}

// DeviceInfo queries one device. Every sub-query is best-effort with its own
// timeout; a failed query leaves the field nil.
func (c *CLI) DeviceInfo(ctx context.Context, deviceID string) Info {
	info := Info{DeviceID: deviceID}

	// Screen state: input_method first, power as fallback.
	if out, err := c.deviceShell(ctx, deviceID, "dumpsys", "input_method"); err == nil {
		info.PowerOn = parseInputMethodPower(out)
	}
	if info.PowerOn == nil {
		if out, err := c.deviceShell(ctx, deviceID, "dumpsys", "power"); err == nil {
			info.PowerOn = parseDisplayPower(out)
		}
	}

	if out, err := c.deviceShell(ctx, deviceID, "dumpsys", "battery"); err == nil {
		info.Battery = parseBatteryLevel(out)
	}

	if out, err := c.deviceShell(ctx, deviceID, "getprop", "persist.project_name"); err == nil {
		if name := strings.TrimSpace(out); name != "" {
			info.Hostname = &name
		}
	}
	if info.Hostname == nil {
		if out, err := c.deviceShell(ctx, deviceID, "getprop", "ro.product.model"); err == nil {
			if name := strings.TrimSpace(out); name != "" {
				info.Hostname = &name
			}
		}
	}

	return info
}

// Push performs the three push steps in order: wipe workspace, push archive,
// extract. The first non-zero exit code wins; a cancelled step reports -1 and
// the remaining steps are skipped.
func (c *CLI) Push(ctx context.Context, deviceID, localTar string) int {
	steps := [][]string{
		{"-s", deviceID, "shell", "rm", "-rf", c.workspace},
		{"-s", deviceID, "push", "--sync", localTar, c.workspace + "/__input.tar"},
		{"-s", deviceID, "shell",
			fmt.Sprintf("cd %s && tar xvf __input.tar --no-same-owner --exclude */__empty.txt", c.workspace)},
	}

	for _, args := range steps {
		cmd := exec.Command(c.adbPath, args...)
		slog.Info("adb push step", "device_id", deviceID, "cmd", strings.Join(cmd.Args, " "))
		if rc := superviseQuiet(ctx, cmd); rc != 0 {
			return rc
		}
	}
	return 0
}

// Pull archives the requested paths inside the workspace and copies the
// archive off-device. The on-device script keeps only paths that exist and
// always includes the sentinel so tar never sees an empty set.
func (c *CLI) Pull(ctx context.Context, deviceID string, srcPaths []string, localTar string) int {
	script := pullScript(c.workspace, srcPaths)

	cmd := exec.Command(c.adbPath, "-s", deviceID, "shell", script)
	slog.Info("adb pull: packing", "device_id", deviceID, "cmd", strings.Join(cmd.Args, " "))
	if rc := superviseQuiet(ctx, cmd); rc != 0 {
		return rc
	}

	cmd = exec.Command(c.adbPath, "-s", deviceID, "pull", c.workspace+"/__output.tar", localTar)
	slog.Info("adb pull: fetching", "device_id", deviceID, "cmd", strings.Join(cmd.Args, " "))
	return superviseQuiet(ctx, cmd)
}

// Run executes the command inside the workspace with stdin closed and both
// output streams redirected to local files. Roughly once per second it logs
// elapsed time and bytes written so long-running tasks stay observable.
func (c *CLI) Run(ctx context.Context, deviceID, stdoutPath, stderrPath string, shell []string) int {
	out, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		slog.Error("open stdout log", "path", stdoutPath, "error", err)
		return -1
	}
	defer out.Close()
	errFile, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		slog.Error("open stderr log", "path", stderrPath, "error", err)
		return -1
	}
	defer errFile.Close()

	remote := "cd " + shellQuote(c.workspace) + " && " + strings.Join(shell, " ")
	cmd := exec.Command(c.adbPath, "-s", deviceID, "shell", "-n", remote)
	cmd.Stdout = out
	cmd.Stderr = errFile
	slog.Info("adb run", "device_id", deviceID, "cmd", strings.Join(cmd.Args, " "))

	if err := cmd.Start(); err != nil {
		slog.Error("adb run: start failed", "device_id", deviceID, "error", err)
		return -1
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	progress := func() {
		slog.Info("task running",
			"elapsed", time.Since(start).Round(10*time.Millisecond),
			"stdout_bytes", fileSize(out),
			"stderr_bytes", fileSize(errFile),
		)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case waitErr := <-done:
			progress()
			return exitCode(waitErr)
		case <-ticker.C:
			progress()
		case <-ctx.Done():
			_ = cmd.Process.Signal(syscall.SIGTERM)
			waitErr := <-done
			progress()
			return exitCode(waitErr)
		}
	}
}

// deviceShell runs `adb -s <id> shell <args...>` with the info timeout and
// returns its combined stdout.
func (c *CLI) deviceShell(ctx context.Context, deviceID string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.infoTimeout)
	defer cancel()

	full := append([]string{"-s", deviceID, "shell"}, args...)
	out, err := exec.CommandContext(ctx, c.adbPath, full...).Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// superviseQuiet starts cmd with discarded output and waits for completion or
// cancellation. On cancellation the child receives SIGTERM and is reaped.
func superviseQuiet(ctx context.Context, cmd *exec.Cmd) int {
	if err := cmd.Start(); err != nil {
		slog.Error("bridge command failed to start", "cmd", strings.Join(cmd.Args, " "), "error", err)
		return -1
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return exitCode(err)
	case <-ctx.Done():
		_ = cmd.Process.Signal(syscall.SIGTERM)
		return exitCode(<-done)
	}
}

// exitCode maps a Wait error to the child's exit code. A child terminated by
// signal, or one that never ran, reports -1.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}

func fileSize(f *os.File) int64 {
	st, err := f.Stat()
	if err != nil {
		return 0
	}
	return st.Size()
}

// pullScript builds the on-device packing script: keep only paths that exist
// as a file or directory, always include the sentinel, tar the survivors.
func pullScript(workspace string, srcPaths []string) string {
	quoted := make([]string, 0, len(srcPaths))
	for _, p := range srcPaths {
		quoted = append(quoted, "'"+p+"'")
	}
	return strings.Join([]string{
		"cd " + workspace,
		"touch __empty.txt",
		"paths=()",
		"for p in " + strings.Join(append(quoted, "__empty.txt"), " "),
		`do if [ -f "$p" -o -d "$p" ]`,
		"then paths+=($p)",
		"fi",
		"done",
		"tar cvf __output.tar ${paths[@]}",
	}, "; ")
}

// shellQuote single-quotes s for an sh command line.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if isShellSafe(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isShellSafe(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == '-', r == '.', r == '/', r == '@', r == ':', r == '+', r == '=':
		default:
			return false
		}
	}
	return true
}

// parseInputMethodPower reads the screen state out of `dumpsys input_method`.
// Only lines carrying mSystemReady are authoritative; newer builds report
// mInteractive instead of mScreenOn.
func parseInputMethodPower(out string) *bool {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "mSystemReady") {
			continue
		}
		if strings.Contains(line, "mScreenOn") {
			v := strings.Contains(line, "mScreenOn=true")
			return &v
		}
		if strings.Contains(line, "mInteractive") {
			v := strings.Contains(line, "mInteractive=true")
			return &v
		}
	}
	return nil
}

// parseDisplayPower reads "Display Power: state=ON|OFF" from `dumpsys power`.
func parseDisplayPower(out string) *bool {
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "Display Power") {
			v := strings.Contains(line, "ON")
			return &v
		}
	}
	return nil
}

// parseBatteryLevel reads the "level:" line from `dumpsys battery`. The last
// matching line wins, mirroring how the dump repeats values.
func parseBatteryLevel(out string) *float64 {
	var battery *float64
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "level") {
			continue
		}
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}
		if v, err := strconv.ParseFloat(fields[len(fields)-1], 64); err == nil {
			battery = &v
		}
	}
	return battery
}
