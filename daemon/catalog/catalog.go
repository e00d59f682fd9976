// Package catalog implements the durable source of truth for libraries,
// collections and their embedded images, cache roots, and job bookkeeping.
// It is a thin repository layer over a document database: embedded child
// records keep browse reads to a single document, and multi-writer
// invariants are enforced with compare-and-set updates instead of
// transactions.
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const defaultDatabase = "imagevault"

// Store bundles the typed repositories sharing one client connection. The
// underlying client is pooled and safe for concurrent use.
type Store struct {
	client *mongo.Client
	db     *mongo.Database

	Libraries     *LibraryRepo
	Collections   *CollectionRepo
	Jobs          *JobRepo
	ScheduledJobs *ScheduledJobRepo
	CacheRoots    *CacheRootRepo
}

// Connect dials the catalog database and pings it once so that a bad
// CATALOG_URL surfaces at startup rather than on first use. An empty
// dbName selects the default database.
func Connect(ctx context.Context, uri, dbName string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri).SetServerSelectionTimeout(10 * time.Second))
	if err != nil {
		return nil, errors.Wrap(err, "catalog: connect")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, errors.Wrap(fmt.Errorf("%w: %v", errdefs.ErrUnavailable, err), "catalog: ping")
	}
	if dbName == "" {
		dbName = defaultDatabase
	}
	db := client.Database(dbName)
	s := &Store{
		client:        client,
		db:            db,
		Libraries:     &LibraryRepo{c: db.Collection("libraries")},
		Collections:   &CollectionRepo{c: db.Collection("collections")},
		Jobs:          &JobRepo{c: db.Collection("background_jobs")},
		ScheduledJobs: &ScheduledJobRepo{c: db.Collection("scheduled_jobs"), runs: db.Collection("scheduled_job_runs")},
		CacheRoots:    &CacheRootRepo{c: db.Collection("cache_roots")},
	}
	if err := s.ensureIndexes(ctx); err != nil {
		log.G(ctx).WithError(err).Warn("catalog: index creation failed, continuing")
	}
	return s, nil
}

// Close releases the client connection pool.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.db.Collection("collections").Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "libraryId", Value: 1}}},
		{Keys: bson.D{{Key: "path", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.db.Collection("scheduled_job_runs").Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "scheduledJobId", Value: 1}, {Key: "startedAt", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.db.Collection("background_jobs").Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	return err
}

func optionsFindSort(sort bson.D) *options.FindOptionsBuilder {
	return options.Find().SetSort(sort)
}

// notFound normalizes the driver's no-document sentinel into an errdefs
// class the HTTP layer and retry policies understand.
func notFound(err error, what, id string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s %s: %w", what, id, errdefs.ErrNotFound)
	}
	return err
}
