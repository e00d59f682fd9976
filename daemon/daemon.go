// Package daemon wires the catalog, the bus, the worker pools, the
// scheduler and the command API into one process.
package daemon

import (
	"context"
	"net"
	"time"

	"github.com/containerd/log"
	"github.com/moby/locker"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/imagevault/imagevault/daemon/bus"
	"github.com/imagevault/imagevault/daemon/catalog"
	"github.com/imagevault/imagevault/daemon/config"
	"github.com/imagevault/imagevault/daemon/derive"
	"github.com/imagevault/imagevault/daemon/events"
	"github.com/imagevault/imagevault/daemon/monitor"
	"github.com/imagevault/imagevault/daemon/placement"
	"github.com/imagevault/imagevault/daemon/scanner"
	"github.com/imagevault/imagevault/daemon/scheduler"
	"github.com/imagevault/imagevault/daemon/server"
	"github.com/imagevault/imagevault/daemon/server/router/cache"
	"github.com/imagevault/imagevault/daemon/server/router/job"
	"github.com/imagevault/imagevault/daemon/server/router/scan"
	"github.com/imagevault/imagevault/daemon/server/router/sched"
	"github.com/imagevault/imagevault/daemon/server/router/system"
)

// Startup sentinels. main maps these to distinct exit codes so a
// supervisor can tell a dead database from a dead broker.
var (
	ErrCatalogUnavailable = errors.New("catalog unavailable")
	ErrBusUnavailable     = errors.New("bus unavailable")
)

// Daemon owns every long-lived component of the process.
type Daemon struct {
	cfg   *config.Config
	store *catalog.Store
	bus   *bus.Bus
	place *placement.Placement
	ev    *events.Events

	scanner   *scanner.Scanner
	thumbs    *derive.Worker
	caches    *derive.Worker
	processor *derive.Processor
	scheduler *scheduler.Scheduler
	monitor   *monitor.Monitor
}

// New connects the external dependencies and builds the component graph.
// Connection failures carry errdefs classes so main can pick the right
// exit code.
func New(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	store, err := catalog.Connect(ctx, cfg.CatalogURL, cfg.CatalogDB)
	if err != nil {
		return nil, errors.Wrapf(ErrCatalogUnavailable, "%v", err)
	}

	busCfg := bus.DefaultConfig(cfg.BusURL)
	busCfg.QueueMaxLength = cfg.Queue.MaxLength
	busCfg.MessageTTL = cfg.MessageTTL()
	busCfg.MaxDeliveries = cfg.Queue.MaxDeliveries
	busCfg.SoftDeadline = cfg.SoftDeadline()
	b, err := bus.Connect(ctx, busCfg)
	if err != nil {
		_ = store.Close(context.WithoutCancel(ctx))
		return nil, errors.Wrapf(ErrBusUnavailable, "%v", err)
	}
	if err := b.Setup(ctx); err != nil {
		_ = b.Close()
		_ = store.Close(context.WithoutCancel(ctx))
		return nil, errors.Wrapf(ErrBusUnavailable, "declaring topology: %v", err)
	}

	placeCfg := placement.DefaultConfig()
	if cfg.EvictionRecentWindowMin > 0 {
		placeCfg.RecentWindow = time.Duration(cfg.EvictionRecentWindowMin) * time.Minute
	}
	if cfg.OrphanGraceHours > 0 {
		placeCfg.OrphanGrace = time.Duration(cfg.OrphanGraceHours) * time.Hour
	}
	place := placement.New(store.CacheRoots, store.Collections, placeCfg)

	ev := events.New()
	sc := scanner.New(scannerStore{store}, store.Jobs, b, scanner.Defaults{
		ThumbWidth:  cfg.Derivation.ThumbnailWidth,
		ThumbHeight: cfg.Derivation.ThumbnailHeight,
		CacheWidth:  cfg.Derivation.CacheWidth,
		CacheHeight: cfg.Derivation.CacheHeight,
		Quality:     cfg.Derivation.Quality,
		AutoCache:   cfg.Derivation.AutoCache,
	})

	locks := locker.New()
	thumbCfg := derive.ThumbnailConfig()
	thumbCfg.DefaultWidth = cfg.Derivation.ThumbnailWidth
	thumbCfg.DefaultHeight = cfg.Derivation.ThumbnailHeight
	thumbCfg.Quality = cfg.Derivation.Quality
	cacheCfg := derive.CacheConfig()
	cacheCfg.DefaultWidth = cfg.Derivation.CacheWidth
	cacheCfg.DefaultHeight = cfg.Derivation.CacheHeight
	cacheCfg.Quality = cfg.Derivation.Quality

	exec := scheduler.NewExecutor(store.Collections, store.Jobs, b, place)

	return &Daemon{
		cfg:       cfg,
		store:     store,
		bus:       b,
		place:     place,
		ev:        ev,
		scanner:   sc,
		thumbs:    derive.NewWorker(store.Collections, store.Jobs, place, locks, thumbCfg),
		caches:    derive.NewWorker(store.Collections, store.Jobs, place, locks, cacheCfg),
		processor: derive.NewProcessor(store.Collections, store.Jobs),
		scheduler: scheduler.New(store.ScheduledJobs, exec, scheduler.DefaultConfig()),
		monitor:   monitor.New(store.Jobs, store.ScheduledJobs, place, ev, monitor.DefaultConfig()),
	}, nil
}

// Run starts the consumers, the scheduler, the monitor and the API server,
// then blocks until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	consumers := []struct {
		queue   bus.Queue
		handler bus.Handler
		n       int
	}{
		{bus.QueueScan, d.scanner.HandleScan, d.cfg.Workers.Scan},
		{bus.QueueCreation, d.scanner.HandleCreation, d.cfg.Workers.Creation},
		{bus.QueueBulk, d.scanner.HandleBulk, d.cfg.Workers.Bulk},
		{bus.QueueThumbnail, d.thumbs.Handle, d.cfg.Workers.Thumbnail},
		{bus.QueueCache, d.caches.Handle, d.cfg.Workers.Cache},
		{bus.QueueProcessing, d.processor.Handle, d.cfg.Workers.Processing},
	}
	for _, c := range consumers {
		if err := d.bus.Consume(ctx, c.queue, c.handler, c.n); err != nil {
			return err
		}
	}

	l, err := net.Listen("tcp", d.cfg.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", d.cfg.ListenAddr)
	}
	srv := server.New(
		scan.NewRouter(d),
		job.NewRouter(d),
		sched.NewRouter(d),
		cache.NewRouter(d),
		system.NewRouter(d.ev),
	)
	log.G(ctx).WithField("addr", l.Addr().String()).Info("api listening")

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return ignoreCancel(d.scheduler.Run(egCtx)) })
	eg.Go(func() error { return ignoreCancel(d.monitor.Run(egCtx)) })
	eg.Go(func() error { return srv.Serve(egCtx, l) })
	return eg.Wait()
}

// Shutdown releases the external connections.
func (d *Daemon) Shutdown(ctx context.Context) {
	if err := d.bus.Close(); err != nil {
		log.G(ctx).WithError(err).Warn("closing bus failed")
	}
	if err := d.store.Close(ctx); err != nil {
		log.G(ctx).WithError(err).Warn("closing catalog failed")
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// scannerStore maps the scanner's store surface onto the catalog repos.
type scannerStore struct {
	store *catalog.Store
}

func (s scannerStore) Collection(ctx context.Context, id string) (*catalog.Collection, error) {
	return s.store.Collections.Get(ctx, id)
}

func (s scannerStore) CollectionByPath(ctx context.Context, libraryID, path string) (*catalog.Collection, error) {
	return s.store.Collections.FindByPath(ctx, libraryID, path)
}

func (s scannerStore) InsertCollection(ctx context.Context, col *catalog.Collection) error {
	return s.store.Collections.Insert(ctx, col)
}

func (s scannerStore) Collections(ctx context.Context, libraryID string) ([]catalog.Collection, error) {
	return s.store.Collections.ListByLibrary(ctx, libraryID)
}

func (s scannerStore) AllCollections(ctx context.Context) ([]catalog.Collection, error) {
	return s.store.Collections.ListAll(ctx)
}

func (s scannerStore) ReplaceImages(ctx context.Context, id string, images []catalog.Image, stats catalog.CollectionStats) error {
	return s.store.Collections.ReplaceImages(ctx, id, images, stats)
}

func (s scannerStore) SetScanError(ctx context.Context, id, msg string) error {
	return s.store.Collections.SetScanError(ctx, id, msg)
}

func (s scannerStore) Library(ctx context.Context, id string) (*catalog.Library, error) {
	return s.store.Libraries.Get(ctx, id)
}
