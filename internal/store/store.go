// Package store is the durable-store access layer. All cross-process
// coordination (API front-end, scheduler, workers) happens through the
// conditional updates defined here; there are no shared in-memory locks.
package store

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"firestige.xyz/ferry/internal/adb"
	"firestige.xyz/ferry/internal/task"
)

// ErrNotFound is returned when no task exists for the given id.
var ErrNotFound = errors.New("store: task not found")

// ErrConflict is returned when a conditional transition finds the task in a
// different status than expected. Losing a CAS is a normal outcome under
// concurrent actors, not a fault.
var ErrConflict = errors.New("store: status conflict")

// TaskStore is the repository for task documents.
type TaskStore interface {
	// Insert stores a new task and returns its assigned id.
	Insert(ctx context.Context, t *task.Task) (primitive.ObjectID, error)
	// Get returns the task by id, or ErrNotFound.
	Get(ctx context.Context, id primitive.ObjectID) (*task.Task, error)
	// Touch refreshes the task's keep-alive timestamp and returns the updated
	// document. This is the query endpoint's side effect.
	Touch(ctx context.Context, id primitive.ObjectID) (*task.Task, error)
	// SetArchiveReady marks the input archive as uploaded.
	SetArchiveReady(ctx context.Context, id primitive.ObjectID) error
	// NextQueued returns one task eligible for dispatch (QUEUEING with the
	// archive ready), or nil when there is none.
	NextQueued(ctx context.Context) (*task.Task, error)
	// FindByStatus returns all tasks whose status is one of the given set.
	FindByStatus(ctx context.Context, statuses ...task.Status) ([]task.Task, error)
	// Transition applies up iff the task's current status is in from,
	// returning the updated document. Returns ErrConflict when the guard does
	// not hold; the update is applied at most once.
	Transition(ctx context.Context, id primitive.ObjectID, from []task.Status, up task.Update) (*task.Task, error)
}

// DeviceSnapshot is the single devices-collection record, keyed 'info'.
type DeviceSnapshot struct {
	DeviceInfos []adb.Info `bson:"device_infos" json:"device_infos"`
	UpdateTime  float64    `bson:"update_time" json:"update_time"`
}

// DeviceStore persists the device inventory snapshot.
type DeviceStore interface {
	// SaveSnapshot replaces the inventory snapshot.
	SaveSnapshot(ctx context.Context, snap DeviceSnapshot) error
	// Snapshot returns the current inventory; a zero snapshot when none was
	// ever written.
	Snapshot(ctx context.Context) (DeviceSnapshot, error)
}
