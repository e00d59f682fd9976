package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ScheduledJobRepo persists scheduled job definitions and their run
// history. The Claim CAS on status is what serializes firing across
// multiple scheduler processes sharing the catalog.
type ScheduledJobRepo struct {
	c    *mongo.Collection
	runs *mongo.Collection
}

func (r *ScheduledJobRepo) Get(ctx context.Context, id string) (*ScheduledJob, error) {
	var job ScheduledJob
	if err := r.c.FindOne(ctx, bson.M{"_id": id}).Decode(&job); err != nil {
		return nil, notFound(err, "scheduled job", id)
	}
	return &job, nil
}

func (r *ScheduledJobRepo) List(ctx context.Context) ([]ScheduledJob, error) {
	cur, err := r.c.Find(ctx, bson.M{}, optionsFindSort(bson.D{{Key: "priority", Value: -1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []ScheduledJob
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *ScheduledJobRepo) Insert(ctx context.Context, job *ScheduledJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = ScheduledIdle
	}
	_, err := r.c.InsertOne(ctx, job)
	return err
}

// SetEnabled toggles a schedule. Enabling recomputes nothing here; the
// scheduler derives nextRunAt on its next tick when it is unset.
func (r *ScheduledJobRepo) SetEnabled(ctx context.Context, id string, enabled bool) error {
	update := bson.M{"$set": bson.M{"enabled": enabled}}
	if !enabled {
		update["$set"].(bson.M)["nextRunAt"] = nil
	}
	res, err := r.c.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return notFound(mongo.ErrNoDocuments, "scheduled job", id)
	}
	return nil
}

// SetNextRun stores a freshly computed fire time.
func (r *ScheduledJobRepo) SetNextRun(ctx context.Context, id string, at time.Time) error {
	_, err := r.c.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"nextRunAt": at}})
	return err
}

// Due returns enabled, idle jobs whose nextRunAt has passed (or was never
// computed), ordered by priority.
func (r *ScheduledJobRepo) Due(ctx context.Context, now time.Time) ([]ScheduledJob, error) {
	cur, err := r.c.Find(ctx, bson.M{
		"enabled": true,
		"status":  ScheduledIdle,
		"$or": []bson.M{
			{"nextRunAt": bson.M{"$lte": now}},
			{"nextRunAt": nil},
		},
	}, optionsFindSort(bson.D{{Key: "priority", Value: -1}}))
	if err != nil {
		return nil, err
	}
	var out []ScheduledJob
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Claim atomically transitions idle→running and stamps lastRunAt. Exactly
// one of N concurrent claimants wins; losers get ErrConflict.
func (r *ScheduledJobRepo) Claim(ctx context.Context, id string, now time.Time) (*ScheduledJob, error) {
	var job ScheduledJob
	err := r.c.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "enabled": true, "status": ScheduledIdle},
		bson.M{"$set": bson.M{"status": ScheduledRunning, "lastRunAt": now}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("scheduled job %s not claimable: %w", id, errdefs.ErrConflict)
		}
		return nil, err
	}
	return &job, nil
}

// Release returns a running job to idle, bumping counters and storing the
// next fire time.
func (r *ScheduledJobRepo) Release(ctx context.Context, id string, succeeded bool, nextRunAt time.Time) error {
	inc := bson.M{"runCount": 1}
	if succeeded {
		inc["successCount"] = 1
	} else {
		inc["failureCount"] = 1
	}
	_, err := r.c.UpdateOne(ctx, bson.M{"_id": id, "status": ScheduledRunning}, bson.M{
		"$set": bson.M{"status": ScheduledIdle, "nextRunAt": nextRunAt},
		"$inc": inc,
	})
	return err
}

// ForceIdle frees a job whose run was declared dead by the monitor.
func (r *ScheduledJobRepo) ForceIdle(ctx context.Context, id string) error {
	_, err := r.c.UpdateOne(ctx, bson.M{"_id": id, "status": ScheduledRunning}, bson.M{
		"$set": bson.M{"status": ScheduledIdle},
		"$inc": bson.M{"runCount": 1, "failureCount": 1},
	})
	return err
}

// CreateRun records the start of one firing.
func (r *ScheduledJobRepo) CreateRun(ctx context.Context, scheduledJobID, triggeredBy string, startedAt time.Time) (*ScheduledJobRun, error) {
	run := &ScheduledJobRun{
		ID:             uuid.NewString(),
		ScheduledJobID: scheduledJobID,
		Status:         JobRunning,
		StartedAt:      startedAt,
		TriggeredBy:    triggeredBy,
	}
	if _, err := r.runs.InsertOne(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// CloseRun finishes a run record. Closing an already-closed run is a no-op
// so the monitor and the executor cannot double-complete.
func (r *ScheduledJobRepo) CloseRun(ctx context.Context, runID string, status JobStatus, errMsg string) error {
	now := time.Now().UTC()
	var run ScheduledJobRun
	err := r.runs.FindOneAndUpdate(ctx,
		bson.M{"_id": runID, "status": JobRunning},
		[]bson.M{{"$set": bson.M{
			"status":      status,
			"completedAt": now,
			"error":       errMsg,
			"durationMs":  bson.M{"$dateDiff": bson.M{"startDate": "$startedAt", "endDate": now, "unit": "millisecond"}},
		}}},
	).Decode(&run)
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return err
	}
	return nil
}

// ListRuns pages through run history, newest first.
func (r *ScheduledJobRepo) ListRuns(ctx context.Context, scheduledJobID string, offset, limit int64) ([]ScheduledJobRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	cur, err := r.runs.Find(ctx, bson.M{"scheduledJobId": scheduledJobID},
		options.Find().SetSort(bson.D{{Key: "startedAt", Value: -1}}).SetSkip(offset).SetLimit(limit))
	if err != nil {
		return nil, err
	}
	var out []ScheduledJobRun
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StaleRuns returns running runs older than the cutoff, for the monitor.
func (r *ScheduledJobRepo) StaleRuns(ctx context.Context, olderThan time.Time) ([]ScheduledJobRun, error) {
	cur, err := r.runs.Find(ctx, bson.M{"status": JobRunning, "startedAt": bson.M{"$lt": olderThan}})
	if err != nil {
		return nil, err
	}
	var out []ScheduledJobRun
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
