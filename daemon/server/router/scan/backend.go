package scan

import "context"

// Backend is what the scan router needs from the daemon: enqueue work and
// hand back the aggregating job id.
type Backend interface {
	ScanCollection(ctx context.Context, collectionID string, force bool) (string, error)
	ScanLibrary(ctx context.Context, libraryID string, force bool) (string, error)
}
