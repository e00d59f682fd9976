package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// maxLastError bounds the error text persisted on a job so one noisy
// message cannot bloat the document.
const maxLastError = 512

// JobRepo persists background jobs. Progress counters are written with
// $inc so concurrent consumers never lose updates; status transitions use
// compare-and-set on the current status.
type JobRepo struct {
	c *mongo.Collection
}

// Create inserts a new pending job and returns its id.
func (r *JobRepo) Create(ctx context.Context, kind string, total int64, params map[string]string) (*BackgroundJob, error) {
	job := &BackgroundJob{
		ID:         uuid.NewString(),
		Kind:       kind,
		Parameters: params,
		Status:     JobRunning,
		Total:      total,
		StartedAt:  time.Now().UTC(),
	}
	if _, err := r.c.InsertOne(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (r *JobRepo) Get(ctx context.Context, id string) (*BackgroundJob, error) {
	var job BackgroundJob
	if err := r.c.FindOne(ctx, bson.M{"_id": id}).Decode(&job); err != nil {
		return nil, notFound(err, "job", id)
	}
	return &job, nil
}

// SetTotal fixes the expected child-message count once the producer knows
// it (e.g. after a scan enumerated its derivation messages).
func (r *JobRepo) SetTotal(ctx context.Context, id string, total int64) error {
	_, err := r.c.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"total": total}})
	return err
}

// AddTotal grows the expected count as fan-out producers (scans, bulk
// operations) emit child messages under the same job.
func (r *JobRepo) AddTotal(ctx context.Context, id string, delta int64) error {
	if id == "" || delta == 0 {
		return nil
	}
	_, err := r.c.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$inc": bson.M{"total": delta}})
	return err
}

// AddProgress increments done/failed counters and records the most recent
// error, truncated.
func (r *JobRepo) AddProgress(ctx context.Context, id string, done, failed int64, lastErr string) error {
	if id == "" {
		return nil
	}
	update := bson.M{"$inc": bson.M{"done": done, "failed": failed}}
	if lastErr != "" {
		if len(lastErr) > maxLastError {
			lastErr = lastErr[:maxLastError]
		}
		update["$set"] = bson.M{"lastError": lastErr}
	}
	_, err := r.c.UpdateOne(ctx, bson.M{"_id": id}, update)
	return err
}

// Transition performs a compare-and-set status change. It returns
// ErrConflict when the job was not in the expected state, which callers
// treat as "someone else got there first".
func (r *JobRepo) Transition(ctx context.Context, id string, from, to JobStatus) error {
	update := bson.M{"$set": bson.M{"status": to}}
	if to.Terminal() {
		now := time.Now().UTC()
		update["$set"].(bson.M)["completedAt"] = now
	}
	res, err := r.c.UpdateOne(ctx, bson.M{"_id": id, "status": from}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("job %s not in status %s: %w", id, from, errdefs.ErrConflict)
	}
	return nil
}

// Fail marks a job failed with a reason, regardless of progress.
func (r *JobRepo) Fail(ctx context.Context, id, reason string) error {
	if len(reason) > maxLastError {
		reason = reason[:maxLastError]
	}
	now := time.Now().UTC()
	_, err := r.c.UpdateOne(ctx, bson.M{"_id": id, "status": bson.M{"$in": []JobStatus{JobPending, JobRunning}}},
		bson.M{"$set": bson.M{"status": JobFailed, "completedAt": now, "lastError": reason}})
	return err
}

// RequestCancel flips a non-terminal job to cancelled. In-flight messages
// drain; consumers drop messages whose correlated job is cancelled.
func (r *JobRepo) RequestCancel(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := r.c.UpdateOne(ctx, bson.M{"_id": id, "status": bson.M{"$in": []JobStatus{JobPending, JobRunning}}},
		bson.M{"$set": bson.M{"status": JobCancelled, "completedAt": now}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("job %s already terminal: %w", id, errdefs.ErrConflict)
	}
	return nil
}

// ListRunning returns jobs the monitor must reconcile.
func (r *JobRepo) ListRunning(ctx context.Context) ([]BackgroundJob, error) {
	cur, err := r.c.Find(ctx, bson.M{"status": JobRunning})
	if err != nil {
		return nil, err
	}
	var out []BackgroundJob
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
