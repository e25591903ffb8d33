package cmd

import (
	"context"
	"fmt"

	"github.com/TyberiusPrime/uv2nix-hammer/adapter"
	"github.com/TyberiusPrime/uv2nix-hammer/adapter/redis"
	"github.com/TyberiusPrime/uv2nix-hammer/adapter/webhook"
	"github.com/TyberiusPrime/uv2nix-hammer/cli/config"
	"github.com/TyberiusPrime/uv2nix-hammer/lode"
)

// defaultAdapterRetries applies when adapter.retries is unset.
const defaultAdapterRetries = 2

// openArchive opens the configured session archive. It returns nil when
// no backend is configured.
func openArchive(ctx context.Context, cfg config.ArchiveConfig) (*lode.Archive, error) {
	switch cfg.Backend {
	case "":
		return nil, nil
	case lode.BackendFS:
		return lode.NewFSArchive(cfg.Path)
	case lode.BackendS3:
		bucket, prefix := lode.ParseS3Path(cfg.Path)
		return lode.NewS3Archive(ctx, lode.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.S3PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown archive backend: %s (must be fs or s3)", cfg.Backend)
	}
}

// buildAdapter constructs the configured notification adapter. It returns
// nil when none is configured.
func buildAdapter(cfg config.AdapterConfig) (adapter.Adapter, error) {
	retries := defaultAdapterRetries
	if cfg.Retries != nil {
		retries = *cfg.Retries
	}
	switch cfg.Type {
	case "":
		return nil, nil
	case "webhook":
		return webhook.New(webhook.Config{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Secret:  cfg.Secret,
			Timeout: cfg.Timeout.Duration,
			Retries: retries,
		})
	case "redis":
		return redis.New(redis.Config{
			URL:        cfg.URL,
			Channel:    cfg.Channel,
			ListKey:    cfg.ListKey,
			ListLength: cfg.ListLength,
			Timeout:    cfg.Timeout.Duration,
			Retries:    retries,
		})
	default:
		return nil, fmt.Errorf("unknown adapter type: %s (must be webhook or redis)", cfg.Type)
	}
}
