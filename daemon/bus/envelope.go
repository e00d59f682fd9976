package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Kind discriminates the payload schema of an envelope. Consumers dispatch
// on it; unknown kinds are dead-lettered.
type Kind string

const (
	KindCollectionScan      Kind = "CollectionScan"
	KindThumbnailGeneration Kind = "ThumbnailGeneration"
	KindCacheGeneration     Kind = "CacheGeneration"
	KindImageProcessing     Kind = "ImageProcessing"
	KindBulkOperation       Kind = "BulkOperation"
	KindCollectionCreation  Kind = "CollectionCreation"
)

// Envelope is the wire-level message header shared by all kinds. The
// correlation id ties child messages back to their parent background job.
type Envelope struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a payload with a fresh message id and timestamp.
func NewEnvelope(kind Kind, correlationID string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s payload", kind)
	}
	return &Envelope{
		ID:            uuid.NewString(),
		Kind:          kind,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Payload:       raw,
	}, nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return errors.Wrapf(err, "decode %s payload", e.Kind)
	}
	return nil
}

// RoutingKey returns the topic routing key messages of this kind are
// published under.
func (k Kind) RoutingKey() string {
	switch k {
	case KindCollectionScan:
		return "collection.scan.request"
	case KindThumbnailGeneration:
		return "thumbnail.generation.request"
	case KindCacheGeneration:
		return "cache.generation.request"
	case KindImageProcessing:
		return "image.processing.request"
	case KindBulkOperation:
		return "bulk.operation.request"
	case KindCollectionCreation:
		return "collection.creation.request"
	}
	return ""
}

// CollectionScanMessage asks the scanner to reconcile one collection
// against its on-disk source.
type CollectionScanMessage struct {
	CollectionID string `json:"collectionId"`
	Path         string `json:"path"`
	Kind         string `json:"kind"`
	ForceRescan  bool   `json:"forceRescan,omitempty"`
}

// DerivationMessage is the shared shape of thumbnail, cache and processing
// requests. SourceLocator is a plain path for folder collections or
// "<archive>::<entry>" for archive collections. JobID duplicates the
// envelope correlation id for consumers fed from older producers.
type DerivationMessage struct {
	ImageID         string `json:"imageId"`
	CollectionID    string `json:"collectionId"`
	SourceLocator   string `json:"sourceLocator"`
	TargetWidth     int    `json:"targetWidth,omitempty"`
	TargetHeight    int    `json:"targetHeight,omitempty"`
	Quality         int    `json:"quality,omitempty"`
	ForceRegenerate bool   `json:"forceRegenerate,omitempty"`
	JobID           string `json:"jobId,omitempty"`
}

// CollectionCreationMessage registers a new collection found by the API or
// a library walk, then triggers its first scan.
type CollectionCreationMessage struct {
	LibraryID string `json:"libraryId"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	Kind      string `json:"kind"`
}

// Bulk operation names understood by the bulk consumer.
const (
	BulkRescanLibrary        = "rescan-library"
	BulkRegenerateThumbnails = "regenerate-thumbnails"
	BulkRegenerateCache      = "regenerate-cache"
)

// BulkOperationMessage fans out one operation across every collection of a
// library (or all libraries when LibraryID is empty).
type BulkOperationMessage struct {
	Operation  string            `json:"operation"`
	LibraryID  string            `json:"libraryId,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}
