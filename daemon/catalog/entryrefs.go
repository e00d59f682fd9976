package catalog

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// ArtifactKind distinguishes the two derived artifact families.
type ArtifactKind string

const (
	ArtifactThumbnail ArtifactKind = "thumbnail"
	ArtifactCache     ArtifactKind = "cache"
)

// EntryRef is a flattened reference to one derived artifact embedded
// somewhere in the catalog. Placement uses these for eviction ordering and
// the audit uses them to detect orphans.
type EntryRef struct {
	CollectionID   string       `bson:"collectionId"`
	ImageID        string       `bson:"imageId"`
	Kind           ArtifactKind `bson:"kind"`
	RootID         string       `bson:"rootId"`
	Path           string       `bson:"path"`
	Bytes          int64        `bson:"bytes"`
	LastAccessedAt time.Time    `bson:"lastAccessedAt"`
	Valid          bool         `bson:"valid"`
}

// entryPipeline unwinds embedded images into one document per derived
// artifact, optionally filtered to a root.
func entryPipeline(rootID string) []bson.M {
	pipeline := []bson.M{
		{"$match": bson.M{"deletedAt": nil}},
		{"$unwind": "$images"},
		{"$project": bson.M{
			"refs": bson.A{
				bson.M{
					"collectionId":   "$_id",
					"imageId":        "$images.id",
					"kind":           ArtifactThumbnail,
					"rootId":         "$images.thumbnail.cacheRootId",
					"path":           "$images.thumbnail.path",
					"bytes":          "$images.thumbnail.bytes",
					"lastAccessedAt": "$images.thumbnail.lastAccessedAt",
					"valid":          "$images.thumbnail.valid",
				},
				bson.M{
					"collectionId":   "$_id",
					"imageId":        "$images.id",
					"kind":           ArtifactCache,
					"rootId":         "$images.cache.cacheRootId",
					"path":           "$images.cache.path",
					"bytes":          "$images.cache.bytes",
					"lastAccessedAt": "$images.cache.lastAccessedAt",
					"valid":          "$images.cache.valid",
				},
			},
		}},
		{"$unwind": "$refs"},
		{"$replaceRoot": bson.M{"newRoot": "$refs"}},
		{"$match": bson.M{"path": bson.M{"$nin": bson.A{nil, ""}}}},
	}
	if rootID != "" {
		pipeline = append(pipeline, bson.M{"$match": bson.M{"rootId": rootID}})
	}
	return append(pipeline, bson.M{"$sort": bson.M{"lastAccessedAt": 1}})
}

// EntriesByRoot returns every artifact referencing the given cache root,
// least recently accessed first. An empty rootID returns all references.
func (r *CollectionRepo) EntriesByRoot(ctx context.Context, rootID string) ([]EntryRef, error) {
	cur, err := r.c.Aggregate(ctx, entryPipeline(rootID))
	if err != nil {
		return nil, err
	}
	var out []EntryRef
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DetachEntry removes one embedded artifact record after its file has been
// evicted.
func (r *CollectionRepo) DetachEntry(ctx context.Context, ref EntryRef) error {
	field := "images.$[img].cache"
	if ref.Kind == ArtifactThumbnail {
		field = "images.$[img].thumbnail"
	}
	_, err := r.c.UpdateOne(ctx, bson.M{"_id": ref.CollectionID},
		bson.M{"$unset": bson.M{field: ""}}, imageFilter(ref.ImageID))
	return err
}
