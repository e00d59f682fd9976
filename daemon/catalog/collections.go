package catalog

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// CollectionRepo persists collections and their embedded image records.
//
// The embedded images array is owned by the scanner: it replaces the whole
// array in one document write, so concurrent scans of the same collection
// cannot interleave partial reconciliations. Derivation workers only touch
// the thumbnail/cache sub-documents of a single image, via array filters.
type CollectionRepo struct {
	c *mongo.Collection
}

func (r *CollectionRepo) Get(ctx context.Context, id string) (*Collection, error) {
	var col Collection
	err := r.c.FindOne(ctx, bson.M{"_id": id}).Decode(&col)
	if err != nil {
		return nil, notFound(err, "collection", id)
	}
	return &col, nil
}

func (r *CollectionRepo) Insert(ctx context.Context, col *Collection) error {
	if col.CreatedAt.IsZero() {
		col.CreatedAt = time.Now().UTC()
	}
	if col.Images == nil {
		col.Images = []Image{}
	}
	_, err := r.c.InsertOne(ctx, col)
	return err
}

// FindByPath locates a live collection by its absolute source path.
func (r *CollectionRepo) FindByPath(ctx context.Context, libraryID, path string) (*Collection, error) {
	var col Collection
	err := r.c.FindOne(ctx, bson.M{"libraryId": libraryID, "path": path, "deletedAt": nil}).Decode(&col)
	if err != nil {
		return nil, notFound(err, "collection", path)
	}
	return &col, nil
}

// ListByLibrary returns all live collections of a library. Image arrays are
// projected away; callers that reconcile images use Get on one collection.
func (r *CollectionRepo) ListByLibrary(ctx context.Context, libraryID string) ([]Collection, error) {
	cur, err := r.c.Find(ctx, bson.M{"libraryId": libraryID, "deletedAt": nil},
		options.Find().SetProjection(bson.M{"images": 0}).SetSort(bson.D{{Key: "path", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []Collection
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListAll returns every live collection without images, for bulk operations
// and the cache audit.
func (r *CollectionRepo) ListAll(ctx context.Context) ([]Collection, error) {
	cur, err := r.c.Find(ctx, bson.M{"deletedAt": nil},
		options.Find().SetProjection(bson.M{"images": 0}))
	if err != nil {
		return nil, err
	}
	var out []Collection
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReplaceImages atomically swaps the reconciled image list and refreshed
// stats, and clears any previous scan error.
func (r *CollectionRepo) ReplaceImages(ctx context.Context, id string, images []Image, stats CollectionStats) error {
	res, err := r.c.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"images":    images,
		"stats":     stats,
		"scanError": "",
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return notFound(mongo.ErrNoDocuments, "collection", id)
	}
	return nil
}

// SetScanError records a failed scan without touching existing images.
func (r *CollectionRepo) SetScanError(ctx context.Context, id, msg string) error {
	_, err := r.c.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"scanError": msg}})
	return err
}

// imageFilter matches one embedded image by id through an array filter.
func imageFilter(imageID string) *options.UpdateOneOptionsBuilder {
	return options.UpdateOne().SetArrayFilters([]any{bson.M{"img.id": imageID}})
}

// SetImageThumbnail writes the embedded thumbnail of one image.
func (r *CollectionRepo) SetImageThumbnail(ctx context.Context, collectionID, imageID string, th *Thumbnail) error {
	res, err := r.c.UpdateOne(ctx, bson.M{"_id": collectionID},
		bson.M{"$set": bson.M{"images.$[img].thumbnail": th}}, imageFilter(imageID))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return notFound(mongo.ErrNoDocuments, "collection", collectionID)
	}
	return nil
}

// SetImageCache writes the embedded cache entry of one image.
func (r *CollectionRepo) SetImageCache(ctx context.Context, collectionID, imageID string, ce *CacheEntry) error {
	res, err := r.c.UpdateOne(ctx, bson.M{"_id": collectionID},
		bson.M{"$set": bson.M{"images.$[img].cache": ce}}, imageFilter(imageID))
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return notFound(mongo.ErrNoDocuments, "collection", collectionID)
	}
	return nil
}

// SetImageDimensions is used by the processing worker to backfill probe
// results.
func (r *CollectionRepo) SetImageDimensions(ctx context.Context, collectionID, imageID string, width, height int, format string) error {
	_, err := r.c.UpdateOne(ctx, bson.M{"_id": collectionID}, bson.M{"$set": bson.M{
		"images.$[img].width":  width,
		"images.$[img].height": height,
		"images.$[img].format": format,
	}}, imageFilter(imageID))
	return err
}

// TouchArtifact refreshes lastAccessedAt on an embedded artifact so LRU
// eviction keeps hot entries alive. Thumbnail touches also bump the
// access counter.
func (r *CollectionRepo) TouchArtifact(ctx context.Context, collectionID, imageID string, kind ArtifactKind, at time.Time) error {
	update := bson.M{"$set": bson.M{"images.$[img].cache.lastAccessedAt": at}}
	if kind == ArtifactThumbnail {
		update = bson.M{
			"$set": bson.M{"images.$[img].thumbnail.lastAccessedAt": at},
			"$inc": bson.M{"images.$[img].thumbnail.accessCount": 1},
		}
	}
	_, err := r.c.UpdateOne(ctx, bson.M{"_id": collectionID}, update, imageFilter(imageID))
	return err
}

// InvalidateDerived marks both derived artifacts of an image stale so the
// next derivation pass regenerates them.
func (r *CollectionRepo) InvalidateDerived(ctx context.Context, collectionID, imageID string) error {
	_, err := r.c.UpdateOne(ctx, bson.M{"_id": collectionID}, bson.M{"$set": bson.M{
		"images.$[img].thumbnail.valid": false,
		"images.$[img].cache.valid":     false,
	}}, imageFilter(imageID))
	return err
}

// ClearCacheEntries detaches every embedded entry pointing at the given
// cache root. Used when entries are evicted in bulk or a root is removed.
func (r *CollectionRepo) ClearCacheEntries(ctx context.Context, rootID string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	_, err := r.c.UpdateMany(ctx,
		bson.M{"images.cache.cacheRootId": rootID},
		bson.M{"$unset": bson.M{"images.$[img].cache": ""}},
		options.UpdateMany().SetArrayFilters([]any{bson.M{"img.cache.path": bson.M{"$in": paths}}}))
	return err
}

// GetImage loads a single embedded image record.
func (r *CollectionRepo) GetImage(ctx context.Context, collectionID, imageID string) (*Collection, *Image, error) {
	col, err := r.Get(ctx, collectionID)
	if err != nil {
		return nil, nil, err
	}
	for i := range col.Images {
		if col.Images[i].ID == imageID {
			return col, &col.Images[i], nil
		}
	}
	return nil, nil, notFound(mongo.ErrNoDocuments, "image", imageID)
}
