// Package types holds the JSON shapes of the command API. Handlers and
// the vaultctl client share these so the wire format has one definition.
package types

import "time"

// BackgroundJob is the status surface of one queued unit of work or one
// fan-out aggregate.
type BackgroundJob struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	Total       int64      `json:"total"`
	Done        int64      `json:"done"`
	Failed      int64      `json:"failed"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// JobCreateResponse is returned by every command endpoint that enqueues
// work.
type JobCreateResponse struct {
	JobID string `json:"jobId"`
}

// ScheduledJob is one periodic trigger definition.
type ScheduledJob struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	ScheduleKind string     `json:"scheduleKind"`
	CronExpr     string     `json:"cronExpr,omitempty"`
	IntervalMin  int        `json:"intervalMin,omitempty"`
	Enabled      bool       `json:"enabled"`
	Status       string     `json:"status"`
	Priority     int        `json:"priority"`
	LastRunAt    *time.Time `json:"lastRunAt,omitempty"`
	NextRunAt    *time.Time `json:"nextRunAt,omitempty"`
	RunCount     int64      `json:"runCount"`
	SuccessCount int64      `json:"successCount"`
	FailureCount int64      `json:"failureCount"`
}

// ScheduledJobRun is one entry of a schedule's run history.
type ScheduledJobRun struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  int64      `json:"durationMs"`
	Error       string     `json:"error,omitempty"`
	TriggeredBy string     `json:"triggeredBy"`
}

// CacheRoot is one configured artifact directory.
type CacheRoot struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Priority     int       `json:"priority"`
	MaxBytes     *int64    `json:"maxBytes,omitempty"`
	CurrentBytes int64     `json:"currentBytes"`
	FileCount    int64     `json:"fileCount"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
}

// CacheRootCreateRequest adds or updates a cache root.
type CacheRootCreateRequest struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Priority int    `json:"priority"`
	MaxBytes *int64 `json:"maxBytes,omitempty"`
	Active   *bool  `json:"active,omitempty"`
}

// PathValidateRequest asks whether a candidate directory can serve as a
// cache root.
type PathValidateRequest struct {
	Path string `json:"path"`
}

// PathValidation is the result of a cache root candidate check.
type PathValidation struct {
	Valid       bool   `json:"valid"`
	Exists      bool   `json:"exists"`
	Writable    bool   `json:"writable"`
	IsDirectory bool   `json:"isDirectory"`
	FreeBytes   int64  `json:"freeBytes"`
	Reason      string `json:"reason,omitempty"`
}

// JobEvent is one NDJSON line of the event stream.
type JobEvent struct {
	JobID     string    `json:"jobId"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Total     int64     `json:"total"`
	Done      int64     `json:"done"`
	Failed    int64     `json:"failed"`
	LastError string    `json:"lastError,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Message string `json:"message"`
}
