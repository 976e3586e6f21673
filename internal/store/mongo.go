package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"firestige.xyz/ferry/internal/task"
)

// Mongo implements TaskStore and DeviceStore on a MongoDB database.
// FindOneAndUpdate gives the atomic find-and-update every status transition
// relies on.
type Mongo struct {
	client  *mongo.Client
	tasks   *mongo.Collection
	devices *mongo.Collection
}

var (
	_ TaskStore   = (*Mongo)(nil)
	_ DeviceStore = (*Mongo)(nil)
)

// Connect dials the store and verifies the connection.
func Connect(ctx context.Context, uri, database string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to store %s: %w", uri, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping store %s: %w", uri, err)
	}

	db := client.Database(database)
	return &Mongo{
		client:  client,
		tasks:   db.Collection("tasks"),
		devices: db.Collection("devices"),
	}, nil
}

// Close releases the underlying connections.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *Mongo) Insert(ctx context.Context, t *task.Task) (primitive.ObjectID, error) {
	if t.ID.IsZero() {
		t.ID = primitive.NewObjectID()
	}
	if _, err := m.tasks.InsertOne(ctx, t); err != nil {
		return primitive.NilObjectID, fmt.Errorf("insert task: %w", err)
	}
	return t.ID, nil
}

func (m *Mongo) Get(ctx context.Context, id primitive.ObjectID) (*task.Task, error) {
	var t task.Task
	err := m.tasks.FindOne(ctx, bson.M{"_id": id}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find task %s: %w", id.Hex(), err)
	}
	return &t, nil
}

func (m *Mongo) Touch(ctx context.Context, id primitive.ObjectID) (*task.Task, error) {
	var t task.Task
	err := m.tasks.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"active_time": task.Now()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("touch task %s: %w", id.Hex(), err)
	}
	return &t, nil
}

func (m *Mongo) SetArchiveReady(ctx context.Context, id primitive.ObjectID) error {
	res, err := m.tasks.UpdateByID(ctx, id, bson.M{"$set": bson.M{"input_archive_ready": true}})
	if err != nil {
		return fmt.Errorf("mark archive ready %s: %w", id.Hex(), err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) NextQueued(ctx context.Context) (*task.Task, error) {
	var t task.Task
	err := m.tasks.FindOne(ctx, bson.M{
		"status":              task.StatusQueueing,
		"input_archive_ready": true,
	}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find queued task: %w", err)
	}
	return &t, nil
}

func (m *Mongo) FindByStatus(ctx context.Context, statuses ...task.Status) ([]task.Task, error) {
	cur, err := m.tasks.Find(ctx, bson.M{"status": bson.M{"$in": statuses}})
	if err != nil {
		return nil, fmt.Errorf("find tasks by status: %w", err)
	}
	var tasks []task.Task
	if err := cur.All(ctx, &tasks); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	return tasks, nil
}

func (m *Mongo) Transition(ctx context.Context, id primitive.ObjectID, from []task.Status, up task.Update) (*task.Task, error) {
	var t task.Task
	err := m.tasks.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": from}},
		bson.M{"$set": transitionSet(up)},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("transition task %s to %s: %w", id.Hex(), up.Status, err)
	}
	return &t, nil
}

// transitionSet builds the $set document for an Update; zero-value fields are
// left out so they keep their stored values.
func transitionSet(up task.Update) bson.M {
	set := bson.M{"status": up.Status}
	if up.FailReason != "" {
		set["fail_reason"] = up.FailReason
	}
	if up.DeviceID != "" {
		set["device_id"] = up.DeviceID
	}
	if up.Stdout != "" {
		set["stdout"] = up.Stdout
	}
	if up.Stderr != "" {
		set["stderr"] = up.Stderr
	}
	if up.StartTime != 0 {
		set["start_time"] = up.StartTime
	}
	if up.ActiveTime != 0 {
		set["active_time"] = up.ActiveTime
	}
	if up.FinishTime != 0 {
		set["finish_time"] = up.FinishTime
	}
	return set
}

func (m *Mongo) SaveSnapshot(ctx context.Context, snap DeviceSnapshot) error {
	_, err := m.devices.UpdateOne(ctx,
		bson.M{"key": "info"},
		bson.M{"$set": bson.M{"device_infos": snap.DeviceInfos, "update_time": snap.UpdateTime}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("save device snapshot: %w", err)
	}
	return nil
}

func (m *Mongo) Snapshot(ctx context.Context) (DeviceSnapshot, error) {
	var snap DeviceSnapshot
	err := m.devices.FindOne(ctx, bson.M{"key": "info"}).Decode(&snap)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return DeviceSnapshot{}, nil
	}
	if err != nil {
		return DeviceSnapshot{}, fmt.Errorf("load device snapshot: %w", err)
	}
	return snap, nil
}
