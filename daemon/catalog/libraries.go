package catalog

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// LibraryRepo persists user-configured library roots.
type LibraryRepo struct {
	c *mongo.Collection
}

func (r *LibraryRepo) Get(ctx context.Context, id string) (*Library, error) {
	var lib Library
	err := r.c.FindOne(ctx, bson.M{"_id": id, "deletedAt": nil}).Decode(&lib)
	if err != nil {
		return nil, notFound(err, "library", id)
	}
	return &lib, nil
}

// List returns all live libraries, ordered by name.
func (r *LibraryRepo) List(ctx context.Context) ([]Library, error) {
	cur, err := r.c.Find(ctx, bson.M{"deletedAt": nil},
		optionsFindSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []Library
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *LibraryRepo) Insert(ctx context.Context, lib *Library) error {
	if lib.CreatedAt.IsZero() {
		lib.CreatedAt = time.Now().UTC()
	}
	_, err := r.c.InsertOne(ctx, lib)
	return err
}

// SoftDelete marks a library deleted without destroying its collections;
// the scanner tombstones their images on the next pass.
func (r *LibraryRepo) SoftDelete(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := r.c.UpdateOne(ctx, bson.M{"_id": id, "deletedAt": nil},
		bson.M{"$set": bson.M{"deletedAt": now}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return notFound(mongo.ErrNoDocuments, "library", id)
	}
	return nil
}
