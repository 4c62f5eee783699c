package session

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ryaker/zora/internal/event"
)

// MongoStore is the optional durable Store backend for installations that
// prefer a shared database over per-job files (SPEC_FULL.md §5 domain-stack
// row for go.mongodb.org/mongo-driver/v2). The file-backed Store remains
// the default (spec.md §6 "On-disk layout"); this backend trades the
// single-process simplicity of FileStore for multi-instance sharing.
type MongoStore struct {
	events *mongo.Collection
}

type mongoEventDoc struct {
	JobID     string      `bson:"job_id"`
	Seq       int64       `bson:"seq"`
	Event     event.Event `bson:"event"`
	CreatedAt time.Time   `bson:"created_at"`
}

// NewMongoStore constructs a MongoStore over the given database's
// "session_events" collection, creating the unique (job_id, seq) index used
// for ordered replay and to reject a second insert at the same seq. Append
// is not idempotent: a retried Append takes the next seq and stores the
// event again.
func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	coll := db.Collection("session_events")
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "job_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("session: create mongo index: %w", err)
	}
	return &MongoStore{events: coll}, nil
}

func (s *MongoStore) Append(ctx context.Context, jobID string, e event.Event) error {
	seq, err := s.nextSeq(ctx, jobID)
	if err != nil {
		return err
	}
	doc := mongoEventDoc{JobID: jobID, Seq: seq, Event: e, CreatedAt: time.Now().UTC()}
	if _, err := s.events.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("session: mongo insert %s: %w", jobID, err)
	}
	return nil
}

func (s *MongoStore) nextSeq(ctx context.Context, jobID string) (int64, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}})
	var last mongoEventDoc
	err := s.events.FindOne(ctx, bson.D{{Key: "job_id", Value: jobID}}, opts).Decode(&last)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("session: mongo seq lookup %s: %w", jobID, err)
	}
	return last.Seq + 1, nil
}

func (s *MongoStore) Read(ctx context.Context, jobID string) ([]event.Event, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	cur, err := s.events.Find(ctx, bson.D{{Key: "job_id", Value: jobID}}, opts)
	if err != nil {
		return nil, fmt.Errorf("session: mongo find %s: %w", jobID, err)
	}
	defer cur.Close(ctx)

	var out []event.Event
	for cur.Next(ctx) {
		var doc mongoEventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("session: mongo decode %s: %w", jobID, err)
		}
		out = append(out, doc.Event)
	}
	if len(out) == 0 {
		return nil, ErrSessionNotFound
	}
	return out, cur.Err()
}

func (s *MongoStore) ListJobs(ctx context.Context) ([]string, error) {
	ids, err := s.events.Distinct(ctx, "job_id", bson.D{})
	if err != nil {
		return nil, fmt.Errorf("session: mongo distinct job_id: %w", err)
	}
	jobs := make([]string, 0, len(ids))
	for _, id := range ids {
		if s, ok := id.(string); ok {
			jobs = append(jobs, s)
		}
	}
	return jobs, nil
}
