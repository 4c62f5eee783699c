package retryqueue

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoPersister is an optional durable backend for the retry queue,
// mirroring internal/session's MongoStore for installations already
// running a shared database (SPEC_FULL.md §5 domain-stack row). The
// file-backed Queue (retryqueue.go) does not call it: Queue always persists
// through saveLocked's file write, and a MongoPersister is driven only by
// callers that use its methods directly.
type MongoPersister struct {
	entries *mongo.Collection
	dead    *mongo.Collection
}

// NewMongoPersister constructs a MongoPersister over "retry_entries" and
// "retry_dead_letter" collections.
func NewMongoPersister(ctx context.Context, db *mongo.Database) (*MongoPersister, error) {
	entries := db.Collection("retry_entries")
	_, err := entries.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "job_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("retryqueue: create mongo index: %w", err)
	}
	return &MongoPersister{entries: entries, dead: db.Collection("retry_dead_letter")}, nil
}

func (m *MongoPersister) Upsert(ctx context.Context, e Entry) error {
	_, err := m.entries.ReplaceOne(ctx,
		bson.D{{Key: "job_id", Value: e.JobID}}, e,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("retryqueue: mongo upsert %s: %w", e.JobID, err)
	}
	return nil
}

func (m *MongoPersister) Delete(ctx context.Context, jobID string) error {
	_, err := m.entries.DeleteOne(ctx, bson.D{{Key: "job_id", Value: jobID}})
	if err != nil {
		return fmt.Errorf("retryqueue: mongo delete %s: %w", jobID, err)
	}
	return nil
}

func (m *MongoPersister) DeadLetter(ctx context.Context, e Entry) error {
	if _, err := m.dead.InsertOne(ctx, e); err != nil {
		return fmt.Errorf("retryqueue: mongo dead-letter %s: %w", e.JobID, err)
	}
	return m.Delete(ctx, e.JobID)
}

func (m *MongoPersister) LoadAll(ctx context.Context) ([]Entry, error) {
	cur, err := m.entries.Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("retryqueue: mongo find: %w", err)
	}
	defer cur.Close(ctx)
	var out []Entry
	for cur.Next(ctx) {
		var e Entry
		if err := cur.Decode(&e); err != nil {
			return nil, fmt.Errorf("retryqueue: mongo decode: %w", err)
		}
		out = append(out, e)
	}
	return out, cur.Err()
}
