// Package task defines the durable task document and its status machine.
package task

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Status is the lifecycle state of a task. Statuses are persisted by name so
// the stored documents stay readable if the set ever grows.
type Status string

const (
	// StatusQueueing indicates the task is waiting for a device.
	StatusQueueing Status = "QUEUEING"
	// StatusPreparing indicates a device is assigned and inputs are being pushed.
	StatusPreparing Status = "PREPARING"
	// StatusRunning indicates the command is executing on the device.
	StatusRunning Status = "RUNNING"
	// StatusKilling indicates a kill was requested; the scheduler is tearing the
	// task down.
	StatusKilling Status = "KILLING"
	// StatusFailed is terminal; FailReason says why.
	StatusFailed Status = "FAILED"
	// StatusCompleted is terminal: command exit 0 and outputs pulled.
	StatusCompleted Status = "COMPLETED"
)

// FailReason discriminates FAILED tasks.
type FailReason string

const (
	// FailDeviceUnavailable: the hinted device was absent or busy at dispatch.
	FailDeviceUnavailable FailReason = "DEVICE_UNAVAILABLE"
	// FailPushData: pushing the input archive to the device failed.
	FailPushData FailReason = "PUSH_DATA_FAILED"
	// FailPullData: collecting the output archive failed.
	FailPullData FailReason = "PULL_DATA_FAILED"
	// FailNonzeroReturnCode: the device command exited non-zero.
	FailNonzeroReturnCode FailReason = "NONZERO_RETURN_CODE"
	// FailKilled: the task was killed, by request or by the staleness detector.
	FailKilled FailReason = "KILLED"
)

// ActiveStatuses are the non-terminal statuses a kill request may interrupt.
var ActiveStatuses = []Status{StatusQueueing, StatusPreparing, StatusRunning}

// BusyStatuses are the statuses during which a task owns its device.
var BusyStatuses = []Status{StatusPreparing, StatusRunning, StatusKilling}

// NonTerminalStatuses covers everything /task/list reports.
var NonTerminalStatuses = []Status{StatusQueueing, StatusPreparing, StatusRunning, StatusKilling}

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Cmd is the command line to execute inside the device workspace.
type Cmd struct {
	Shell []string `bson:"shell" json:"shell"`
}

// Output names the device-relative paths collected after execution.
type Output struct {
	Files []string `bson:"files" json:"files"`
}

// Task is the durable task document. All cross-process coordination happens
// through conditional updates of this record; see store.TaskStore.
type Task struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"_id"`
	Status       Status             `bson:"status" json:"status"`
	FailReason   FailReason         `bson:"fail_reason,omitempty" json:"fail_reason,omitempty"`
	Cmd          Cmd                `bson:"cmd" json:"cmd"`
	Output       Output             `bson:"output" json:"output"`
	HintDeviceID string             `bson:"hint_device_id" json:"hint_device_id"`
	CreateUser   string             `bson:"create_user" json:"create_user"`
	CreateTime   float64            `bson:"create_time" json:"create_time"`
	ArchiveReady bool               `bson:"input_archive_ready" json:"input_archive_ready"`
	DeviceID     string             `bson:"device_id,omitempty" json:"device_id,omitempty"`
	StartTime    float64            `bson:"start_time,omitempty" json:"start_time,omitempty"`
	FinishTime   float64            `bson:"finish_time,omitempty" json:"finish_time,omitempty"`
	ActiveTime   float64            `bson:"active_time" json:"active_time"`
	Stdout       string             `bson:"stdout,omitempty" json:"stdout,omitempty"`
	Stderr       string             `bson:"stderr,omitempty" json:"stderr,omitempty"`
}

// Stale reports whether the task's keep-alive timestamp is older than window.
// Exactly window old is not yet stale.
func (t *Task) Stale(now float64, window time.Duration) bool {
	return now-t.ActiveTime > window.Seconds()
}

// Update describes the fields written alongside a status transition. Zero-value
// fields are left untouched; FailReason is meaningful only with StatusFailed.
type Update struct {
	Status     Status
	FailReason FailReason
	DeviceID   string
	Stdout     string
	Stderr     string
	StartTime  float64
	ActiveTime float64
	FinishTime float64
}

// Now returns the current time as UNIX seconds, the unit every timestamp in the
// task document uses.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
