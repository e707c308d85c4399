// Package badger provides a MapEntityStore on an embedded BadgerDB. Each
// entity document is stored under "entity/<reference>".
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"entitycore/internal/infra/persistence/mapstore"
	"entitycore/pkg/domain"
)

var _ mapstore.MapEntityStore = (*Store)(nil)

const keyPrefix = "entity/"

// Config controls how the database is opened.
type Config struct {
	// Path is required unless InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	// Logger receives badger's internal logs; nil silences them.
	Logger *slog.Logger
	// GCInterval enables periodic value log GC for on-disk databases.
	GCInterval     time.Duration
	GCDiscardRatio float64
}

func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

func InMemoryConfig() Config {
	return Config{InMemory: true}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is a badger-backed MapEntityStore.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	stopGC chan struct{}
	doneGC chan struct{}
}

// Open opens the database described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	s := &Store{db: db, logger: cfg.Logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.doneGC = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.doneGC)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) && s.logger != nil {
				s.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.doneGC
	}
	return s.db.Close()
}

func entityKey(ref domain.EntityReference) []byte {
	return []byte(keyPrefix + string(ref))
}

func (s *Store) Get(ctx context.Context, ref domain.EntityReference) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entityKey(ref))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, &domain.EntityNotFoundError{Reference: ref}
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", ref, err)
	}
	return data, nil
}

// ApplyChanges writes all changes in one read-write transaction; badger's
// own conflict detection rejects the batch if a concurrent writer touched the
// same keys.
func (s *Store) ApplyChanges(ctx context.Context, fn func(mapstore.MapChanger) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := s.db.NewTransaction(true)
	defer txn.Discard()
	if err := fn(&changer{txn: txn}); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) EntityStates(ctx context.Context, fn func(domain.EntityReference, []byte) error) error {
	type raw struct {
		ref  domain.EntityReference
		data []byte
	}
	var raws []raw
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			raws = append(raws, raw{ref: domain.EntityReference(item.Key()[len(keyPrefix):]), data: data})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("iterate entities: %w", err)
	}
	for _, r := range raws {
		if err := fn(r.ref, r.data); err != nil {
			return err
		}
	}
	return nil
}

type changer struct {
	txn *badger.Txn
}

func (c *changer) NewEntity(ref domain.EntityReference, _ string, data []byte) error {
	_, err := c.txn.Get(entityKey(ref))
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", domain.ErrEntityExists, ref)
	case !errors.Is(err, badger.ErrKeyNotFound):
		return fmt.Errorf("lookup %s: %w", ref, err)
	}
	return c.txn.Set(entityKey(ref), data)
}

func (c *changer) UpdateEntity(ref domain.EntityReference, _ string, data []byte) error {
	return c.txn.Set(entityKey(ref), data)
}

func (c *changer) RemoveEntity(ref domain.EntityReference, _ string) error {
	return c.txn.Delete(entityKey(ref))
}
