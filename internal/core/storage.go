package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"entitycore/internal/blob"
	"entitycore/internal/config"
	"entitycore/internal/infra/persistence/badger"
	"entitycore/internal/infra/persistence/blobstore"
	"entitycore/internal/infra/persistence/mapstore"
	"entitycore/internal/infra/persistence/memory"
	"entitycore/internal/infra/persistence/natskv"
	"entitycore/internal/infra/persistence/postgres"
	"entitycore/internal/infra/persistence/sqlite"
)

// StorageHandle bundles an opened backend with the checked store built on it.
type StorageHandle struct {
	Driver  string
	Backend mapstore.MapEntityStore
	Store   *ConcurrentModificationCheck
	closers []func() error
}

// Close releases backend resources in reverse order of acquisition.
func (h *StorageHandle) Close() error {
	var errs []error
	for _, closeFn := range slices.Backward(h.closers) {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	h.closers = nil
	return errors.Join(errs...)
}

// OpenStorage opens the backend selected by cfg.Driver and wraps it in the
// map store and the concurrency check. A nil logger discards output; a
// *slog.Logger is also handed to backends that log internally.
func OpenStorage(ctx context.Context, cfg config.StorageConfig, logger Logger) (*StorageHandle, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	backend, closeFn, err := OpenMapStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	h := &StorageHandle{
		Driver:  cfg.Driver,
		Backend: backend,
		Store:   NewConcurrentModificationCheck(mapstore.New(backend), WithCheckLogger(logger)),
	}
	if closeFn != nil {
		h.closers = append(h.closers, closeFn)
	}
	logger.Info("storage opened", "driver", cfg.Driver)
	return h, nil
}

// OpenMapStore opens only the raw backend. The returned close function may be
// nil.
func OpenMapStore(ctx context.Context, cfg config.StorageConfig, logger Logger) (mapstore.MapEntityStore, func() error, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.NewStore(), nil, nil
	case "", config.DriverSQLite:
		store, err := sqlite.NewStore(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case config.DriverPostgres:
		store, err := postgres.NewStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case config.DriverBadger:
		bcfg := badger.DefaultConfig()
		bcfg.Path = cfg.Badger.Path
		bcfg.InMemory = cfg.Badger.InMemory
		bcfg.SyncWrites = cfg.Badger.SyncWrites
		bcfg.GCInterval = cfg.Badger.GCInterval
		if slogger, ok := logger.(*slog.Logger); ok {
			bcfg.Logger = slogger
		}
		store, err := badger.Open(bcfg)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case config.DriverBlob:
		blobs, err := blob.Open(ctx, blobConfig(cfg.Blob))
		if err != nil {
			return nil, nil, fmt.Errorf("open blob store: %w", err)
		}
		return blobstore.New(blobs, cfg.Blob.Prefix), nil, nil
	case config.DriverNATS:
		store, err := natskv.Open(ctx, natskv.Config{
			URL:     cfg.NATS.URL,
			Bucket:  cfg.NATS.Bucket,
			History: cfg.NATS.History,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}

func blobConfig(c config.BlobConfig) blob.Config {
	return blob.Config{
		Driver: blob.Driver(c.Driver),
		FSRoot: c.FSRoot,
		S3: blob.S3Config{
			Region:          c.S3.Region,
			Bucket:          c.S3.Bucket,
			Endpoint:        c.S3.Endpoint,
			AccessKeyID:     c.S3.AccessKeyID,
			SecretAccessKey: c.S3.SecretAccessKey,
			SessionToken:    c.S3.SessionToken,
			PathStyle:       c.S3.PathStyle,
		},
	}
}
