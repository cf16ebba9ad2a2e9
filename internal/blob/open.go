package blob

import (
	"context"
	"fmt"
	"strings"

	"writingstudy/internal/config"
	"writingstudy/internal/infra/blob/fs"
	"writingstudy/internal/infra/blob/memory"
	infraS3 "writingstudy/internal/infra/blob/s3"
)

// Open builds the Store named by cfg.Driver. An empty driver means fs.
func Open(ctx context.Context, cfg config.BlobConfig) (Store, error) {
	driver := Driver(strings.ToLower(strings.TrimSpace(cfg.Driver)))
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return fs.New(cfg.FSRoot)
	case DriverMemory:
		return memory.New(), nil
	case DriverS3:
		return infraS3.New(ctx, infraS3.Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			PathStyle:       cfg.S3.PathStyle,
			Prefix:          cfg.S3.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}

// NewMemory returns an in-memory Store for tests and one-shot CLI runs.
func NewMemory() Store { return memory.New() }
