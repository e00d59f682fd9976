package cache

import (
	"context"

	"github.com/imagevault/imagevault/api/types"
)

// Backend manages cache root configuration.
type Backend interface {
	CacheRoots(ctx context.Context) ([]types.CacheRoot, error)
	CreateCacheRoot(ctx context.Context, req types.CacheRootCreateRequest) (*types.CacheRoot, error)
	UpdateCacheRoot(ctx context.Context, id string, req types.CacheRootCreateRequest) (*types.CacheRoot, error)
	DeleteCacheRoot(ctx context.Context, id string) error
	ValidateCachePath(ctx context.Context, path string) (*types.PathValidation, error)
}
