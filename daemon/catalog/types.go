package catalog

import (
	"time"
)

// CollectionKind identifies how a collection's images are stored on disk.
type CollectionKind string

const (
	KindFolder CollectionKind = "folder"
	KindZip    CollectionKind = "zip"
	KindSevenZ CollectionKind = "7z"
	KindRar    CollectionKind = "rar"
	KindTar    CollectionKind = "tar"
	KindCbz    CollectionKind = "cbz"
	KindCbr    CollectionKind = "cbr"
)

// IsArchive reports whether the kind addresses entries inside a single
// archive file rather than files under a directory.
func (k CollectionKind) IsArchive() bool {
	return k != KindFolder && k != ""
}

// Library is a user-configured root directory holding many collections.
type Library struct {
	ID              string     `bson:"_id"`
	Name            string     `bson:"name"`
	RootPath        string     `bson:"rootPath"`
	WatchEnabled    bool       `bson:"watchEnabled"`
	ScanIntervalSec int        `bson:"scanIntervalSec"`
	AllowedFormats  []string   `bson:"allowedFormats"`
	ExcludedPaths   []string   `bson:"excludedPaths"`
	FollowSymlinks  bool       `bson:"followSymlinks"`
	CreatedAt       time.Time  `bson:"createdAt"`
	DeletedAt       *time.Time `bson:"deletedAt,omitempty"`
}

// CollectionSettings is the opaque per-collection settings bag. The core
// reads only the well-known keys exposed as methods below; everything else
// is carried through untouched for the API layer.
type CollectionSettings map[string]any

func (s CollectionSettings) intOr(key string, def int) int {
	switch v := s[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func (s CollectionSettings) boolOr(key string, def bool) bool {
	if v, ok := s[key].(bool); ok {
		return v
	}
	return def
}

// Well-known settings keys.
const (
	SettingThumbnailWidth  = "thumbnailWidth"
	SettingThumbnailHeight = "thumbnailHeight"
	SettingCacheWidth      = "cacheWidth"
	SettingCacheHeight     = "cacheHeight"
	SettingCacheQuality    = "cacheQuality"
	SettingAutoCache       = "autoGenerateCache"
)

func (s CollectionSettings) ThumbnailDims(defW, defH int) (int, int) {
	return s.intOr(SettingThumbnailWidth, defW), s.intOr(SettingThumbnailHeight, defH)
}

func (s CollectionSettings) CacheDims(defW, defH int) (int, int) {
	return s.intOr(SettingCacheWidth, defW), s.intOr(SettingCacheHeight, defH)
}

func (s CollectionSettings) CacheQuality(def int) int {
	return s.intOr(SettingCacheQuality, def)
}

func (s CollectionSettings) AutoGenerateCache(def bool) bool {
	return s.boolOr(SettingAutoCache, def)
}

// CollectionStats is denormalized onto the collection document so that a
// single read serves the browse UI.
type CollectionStats struct {
	TotalImages    int        `bson:"totalImages"`
	TotalSizeBytes int64      `bson:"totalSizeBytes"`
	LastScannedAt  *time.Time `bson:"lastScannedAt,omitempty"`
}

// Collection is the aggregate root for browsing: a folder of images or a
// single archive file. Images are embedded; only the owning scanner mutates
// the embedded list.
type Collection struct {
	ID        string             `bson:"_id"`
	LibraryID string             `bson:"libraryId"`
	Name      string             `bson:"name"`
	Path      string             `bson:"path"`
	Kind      CollectionKind     `bson:"kind"`
	Settings  CollectionSettings `bson:"settings,omitempty"`
	Images    []Image            `bson:"images"`
	Stats     CollectionStats    `bson:"stats"`
	ScanError string             `bson:"scanError,omitempty"`
	CreatedAt time.Time          `bson:"createdAt"`
	DeletedAt *time.Time         `bson:"deletedAt,omitempty"`
}

// Image is embedded in its owning collection. RelativePath is the path
// below the collection root for folders, or the archive entry name for
// archive collections.
type Image struct {
	ID           string            `bson:"id"`
	Filename     string            `bson:"filename"`
	RelativePath string            `bson:"relativePath"`
	Size         int64             `bson:"size"`
	ModTime      time.Time         `bson:"modTime"`
	Width        int               `bson:"width"`
	Height       int               `bson:"height"`
	Format       string            `bson:"format"`
	ViewCount    int64             `bson:"viewCount"`
	IsDeleted    bool              `bson:"isDeleted"`
	DeletedAt    *time.Time        `bson:"deletedAt,omitempty"`
	Thumbnail    *Thumbnail        `bson:"thumbnail,omitempty"`
	Cache        *CacheEntry       `bson:"cache,omitempty"`
	Metadata     map[string]string `bson:"metadata,omitempty"`
}

// Thumbnail is the small derived artifact embedded in an image record.
type Thumbnail struct {
	Path           string    `bson:"path"`
	Width          int       `bson:"width"`
	Height         int       `bson:"height"`
	Bytes          int64     `bson:"bytes"`
	Format         string    `bson:"format"`
	Quality        int       `bson:"quality"`
	CacheRootID    string    `bson:"cacheRootId"`
	GeneratedAt    time.Time `bson:"generatedAt"`
	LastAccessedAt time.Time `bson:"lastAccessedAt"`
	AccessCount    int64     `bson:"accessCount"`
	Valid          bool      `bson:"valid"`
}

// CacheEntry is the downscaled full-view artifact embedded in an image
// record.
type CacheEntry struct {
	Path           string    `bson:"path"`
	Width          int       `bson:"width"`
	Height         int       `bson:"height"`
	Bytes          int64     `bson:"bytes"`
	Quality        int       `bson:"quality"`
	CacheRootID    string    `bson:"cacheRootId"`
	GeneratedAt    time.Time `bson:"generatedAt"`
	LastAccessedAt time.Time `bson:"lastAccessedAt"`
	Valid          bool      `bson:"valid"`
}

// CacheRoot is a configured directory holding derivation artifacts.
// MaxBytes == nil means unlimited. Version guards optimistic updates to the
// byte accounting.
type CacheRoot struct {
	ID           string    `bson:"_id"`
	Name         string    `bson:"name"`
	AbsolutePath string    `bson:"absolutePath"`
	Priority     int       `bson:"priority"`
	MaxBytes     *int64    `bson:"maxBytes,omitempty"`
	CurrentBytes int64     `bson:"currentBytes"`
	FileCount    int64     `bson:"fileCount"`
	Active       bool      `bson:"active"`
	Version      int64     `bson:"version"`
	CreatedAt    time.Time `bson:"createdAt"`
}

// FreeBytes returns how many budgeted bytes remain, or a negative number
// when the root is over budget. Unlimited roots report MaxInt64-ish
// headroom via ok=false.
func (r *CacheRoot) FreeBytes() (free int64, bounded bool) {
	if r.MaxBytes == nil {
		return 0, false
	}
	return *r.MaxBytes - r.CurrentBytes, true
}

// Fits reports whether an artifact of the given size fits the root's
// remaining budget.
func (r *CacheRoot) Fits(size int64) bool {
	free, bounded := r.FreeBytes()
	return !bounded || free >= size
}

// JobStatus enumerates the lifecycle of background and scheduled work.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// BackgroundJob tracks aggregate progress of one or many queue messages.
// Child messages carry the job id as their correlation id and report
// completion through $inc updates on Done/Failed.
type BackgroundJob struct {
	ID          string            `bson:"_id"`
	Kind        string            `bson:"kind"`
	Parameters  map[string]string `bson:"parameters,omitempty"`
	Status      JobStatus         `bson:"status"`
	Total       int64             `bson:"total"`
	Done        int64             `bson:"done"`
	Failed      int64             `bson:"failed"`
	StartedAt   time.Time         `bson:"startedAt"`
	CompletedAt *time.Time        `bson:"completedAt,omitempty"`
	TimeoutSec  int               `bson:"timeoutSec,omitempty"`
	LastError   string            `bson:"lastError,omitempty"`
	ParentID    string            `bson:"parentId,omitempty"`
}

// ScheduleKind selects how ScheduledJob.NextRunAt is derived.
type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
)

// ScheduledJobStatus is the firing state machine: disabled jobs are never
// selected; idle jobs fire when due; at most one holder of "running".
type ScheduledJobStatus string

const (
	ScheduledIdle    ScheduledJobStatus = "idle"
	ScheduledRunning ScheduledJobStatus = "running"
)

// ScheduledJob is a periodic trigger (cron or interval) that emits queue
// messages when fired.
type ScheduledJob struct {
	ID           string             `bson:"_id"`
	Kind         string             `bson:"kind"`
	ScheduleKind ScheduleKind       `bson:"scheduleKind"`
	CronExpr     string             `bson:"cronExpr,omitempty"`
	IntervalMin  int                `bson:"intervalMin,omitempty"`
	Enabled      bool               `bson:"enabled"`
	Status       ScheduledJobStatus `bson:"status"`
	Parameters   map[string]string  `bson:"parameters,omitempty"`
	Priority     int                `bson:"priority"`
	TimeoutMin   int                `bson:"timeoutMin"`
	MaxRetries   int                `bson:"maxRetries"`
	LastRunAt    *time.Time         `bson:"lastRunAt,omitempty"`
	NextRunAt    *time.Time         `bson:"nextRunAt,omitempty"`
	RunCount     int64              `bson:"runCount"`
	SuccessCount int64              `bson:"successCount"`
	FailureCount int64              `bson:"failureCount"`
}

// ScheduledJobRun records one firing of a scheduled job.
type ScheduledJobRun struct {
	ID             string     `bson:"_id"`
	ScheduledJobID string     `bson:"scheduledJobId"`
	Status         JobStatus  `bson:"status"`
	StartedAt      time.Time  `bson:"startedAt"`
	CompletedAt    *time.Time `bson:"completedAt,omitempty"`
	DurationMs     int64      `bson:"durationMs"`
	Error          string     `bson:"error,omitempty"`
	TriggeredBy    string     `bson:"triggeredBy"`
}
