package transport

import (
	"context"
	"fmt"

	"ccsync/internal/config"
)

// NewStoreFromConfig creates a BundleStore implementation based on the bundle
// store config type.
func NewStoreFromConfig(ctx context.Context, cfg config.BundleStoreConfig) (BundleStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem bundle store requires fs_root to be set")
		}
		return NewFileSystemStore(cfg.FSRoot)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3 bundle store requires s3_bucket to be set")
		}
		return NewS3Store(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.S3Region, cfg.S3AccessKey, cfg.S3SecretKey)
	default:
		return nil, fmt.Errorf("unknown bundle store type: %s", cfg.Type)
	}
}
