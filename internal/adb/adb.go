// Package adb adapts the Android device bridge CLI. The bridge is unreliable
// by nature: every operation reports a bare exit code, and the only safe way
// to cancel one is to terminate the invoked child process.
package adb

import "context"

// Info is a best-effort snapshot of one device. Fields the bridge could not
// determine are nil, never an error.
type Info struct {
	DeviceID string   `bson:"device_id" json:"device_id"`
	PowerOn  *bool    `bson:"power_on" json:"power_on"`
	Battery  *float64 `bson:"battery" json:"battery"`
	Hostname *string  `bson:"hostname" json:"hostname"`
}

// Bridge is the set of device operations the scheduler and workers need.
// Push, Pull and Run return the child's exit code; non-zero (including -1 for
// a terminated or unstartable child) means failure. Cancelling the context
// terminates the running child and skips any remaining steps.
type Bridge interface {
	// ListDevices returns the ids of attached devices, sorted. A failing
	// bridge invocation yields an empty list: no devices available.
	ListDevices(ctx context.Context) []string
	// DeviceInfo queries power, battery and hostname for one device.
	DeviceInfo(ctx context.Context, deviceID string) Info
	// Push wipes the device workspace and unpacks the local input archive
	// into it.
	Push(ctx context.Context, deviceID, localTar string) int
	// Pull archives the requested workspace paths on-device and copies the
	// archive to localTar. Paths that do not exist are silently skipped; the
	// sentinel file keeps the archive non-empty.
	Pull(ctx context.Context, deviceID string, srcPaths []string, localTar string) int
	// Run executes the shell tokens inside the device workspace, streaming
	// stdout/stderr to the given local files.
	Run(ctx context.Context, deviceID, stdoutPath, stderrPath string, shell []string) int
}
