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

// CacheRootRepo persists cache root configuration and usage accounting.
// Byte/file counters are updated through a version CAS: placement reads a
// root, computes the delta, and applies it only if nobody raced in between.
type CacheRootRepo struct {
	c *mongo.Collection
}

func (r *CacheRootRepo) Get(ctx context.Context, id string) (*CacheRoot, error) {
	var root CacheRoot
	if err := r.c.FindOne(ctx, bson.M{"_id": id}).Decode(&root); err != nil {
		return nil, notFound(err, "cache root", id)
	}
	return &root, nil
}

// List returns every configured root, active or not.
func (r *CacheRootRepo) List(ctx context.Context) ([]CacheRoot, error) {
	cur, err := r.c.Find(ctx, bson.M{}, optionsFindSort(bson.D{{Key: "priority", Value: -1}, {Key: "name", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []CacheRoot
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListActive returns placement candidates.
func (r *CacheRootRepo) ListActive(ctx context.Context) ([]CacheRoot, error) {
	cur, err := r.c.Find(ctx, bson.M{"active": true},
		optionsFindSort(bson.D{{Key: "priority", Value: -1}, {Key: "name", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []CacheRoot
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *CacheRootRepo) Insert(ctx context.Context, root *CacheRoot) error {
	if root.ID == "" {
		root.ID = uuid.NewString()
	}
	if root.CreatedAt.IsZero() {
		root.CreatedAt = time.Now().UTC()
	}
	root.Version = 1
	_, err := r.c.InsertOne(ctx, root)
	return err
}

// Update rewrites the configurable fields, leaving accounting alone.
func (r *CacheRootRepo) Update(ctx context.Context, id string, name string, priority int, maxBytes *int64, active bool) error {
	res, err := r.c.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"name":     name,
		"priority": priority,
		"maxBytes": maxBytes,
		"active":   active,
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return notFound(mongo.ErrNoDocuments, "cache root", id)
	}
	return nil
}

// Deactivate keeps the root and its entries but removes it from placement.
func (r *CacheRootRepo) Deactivate(ctx context.Context, id string) error {
	res, err := r.c.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"active": false}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return notFound(mongo.ErrNoDocuments, "cache root", id)
	}
	return nil
}

// Delete removes the root document entirely. Callers are responsible for
// evicting or migrating entries first.
func (r *CacheRootRepo) Delete(ctx context.Context, id string) error {
	res, err := r.c.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return notFound(mongo.ErrNoDocuments, "cache root", id)
	}
	return nil
}

// ApplyUsage adds deltas to the usage counters iff the version still
// matches, bumping the version. Returns ErrConflict on a lost race.
func (r *CacheRootRepo) ApplyUsage(ctx context.Context, id string, version int64, deltaBytes, deltaFiles int64) error {
	res, err := r.c.UpdateOne(ctx, bson.M{"_id": id, "version": version}, bson.M{
		"$inc": bson.M{"currentBytes": deltaBytes, "fileCount": deltaFiles, "version": 1},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("cache root %s version %d: %w", id, version, errdefs.ErrConflict)
	}
	return nil
}

// SetUsage overwrites the counters with audited absolute values.
func (r *CacheRootRepo) SetUsage(ctx context.Context, id string, bytes, files int64) error {
	_, err := r.c.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"currentBytes": bytes, "fileCount": files},
		"$inc": bson.M{"version": 1},
	})
	return err
}
