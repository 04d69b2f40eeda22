// Package factory constructs backends from daemon configuration.
package factory

import (
	"context"
	"fmt"

	"github.com/fruitsalade/kumquat/internal/backend"
	"github.com/fruitsalade/kumquat/internal/backend/local"
	"github.com/fruitsalade/kumquat/internal/backend/memory"
	"github.com/fruitsalade/kumquat/internal/backend/remote"
	s3backend "github.com/fruitsalade/kumquat/internal/backend/s3"
	"github.com/fruitsalade/kumquat/internal/config"
)

// New creates the backend selected by cfg.Backend.
func New(ctx context.Context, cfg *config.Config) (backend.Backend, error) {
	switch cfg.Backend {
	case "local":
		return local.New(local.Config{
			RootPath:   cfg.LocalRoot,
			CreateRoot: true,
		})
	case "memory":
		return memory.New(), nil
	case "remote":
		return remote.New(remote.Config{
			BaseURL: cfg.RemoteBaseURL,
			Token:   cfg.RemoteToken,
		})
	case "s3":
		return s3backend.New(ctx, s3backend.Config{
			Endpoint:     cfg.S3Endpoint,
			Bucket:       cfg.S3Bucket,
			Prefix:       cfg.S3Prefix,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			Region:       cfg.S3Region,
			PollInterval: cfg.S3PollInterval,
		})
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Backend)
	}
}
