// Package natskv provides a MapEntityStore on a NATS JetStream key/value
// bucket. Keys are the base64url form of the entity reference so any
// reference survives the KV key alphabet.
//
// JetStream KV has no multi-key transactions; ApplyChanges records the prior
// value of each touched key and restores them in reverse if a change fails.
package natskv

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"entitycore/internal/infra/persistence/mapstore"
	"entitycore/pkg/domain"
)

var _ mapstore.MapEntityStore = (*Store)(nil)

const (
	DefaultURL    = nats.DefaultURL
	DefaultBucket = "ENTITYCORE_ENTITIES"
)

// KeyValue is the subset of jetstream.KeyValue the store uses.
type KeyValue interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Create(ctx context.Context, key string, value []byte, opts ...jetstream.KVCreateOpt) (uint64, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
	ListKeys(ctx context.Context, opts ...jetstream.WatchOpt) (jetstream.KeyLister, error)
}

// Config describes the server and bucket.
type Config struct {
	URL     string
	Bucket  string
	History uint8
}

// Store is a KV-backed MapEntityStore.
type Store struct {
	kv    KeyValue
	conn  *nats.Conn
	mu    sync.Mutex
	codec *base64.Encoding
}

// New wraps an existing bucket handle.
func New(kv KeyValue) *Store {
	return &Store{kv: kv, codec: base64.RawURLEncoding}
}

// Open connects to cfg.URL and creates or updates the bucket.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}
	if cfg.History == 0 {
		cfg.History = 1
	}
	conn, err := nats.Connect(cfg.URL, nats.Name("entitycore"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "entitycore entity documents",
		History:     cfg.History,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
	}
	s := New(kv)
	s.conn = conn
	return s, nil
}

// Close drains the connection opened by Open. It is a no-op for stores built
// with New.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}

func (s *Store) key(ref domain.EntityReference) string {
	return s.codec.EncodeToString([]byte(ref))
}

func isMissing(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}

func (s *Store) Get(ctx context.Context, ref domain.EntityReference) ([]byte, error) {
	entry, err := s.kv.Get(ctx, s.key(ref))
	if isMissing(err) {
		return nil, &domain.EntityNotFoundError{Reference: ref}
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", ref, err)
	}
	return entry.Value(), nil
}

func (s *Store) ApplyChanges(ctx context.Context, fn func(mapstore.MapChanger) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := &changer{ctx: ctx, store: s}
	if err := fn(ch); err != nil {
		if undoErr := ch.rollback(); undoErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", undoErr))
		}
		return err
	}
	return nil
}

func (s *Store) EntityStates(ctx context.Context, fn func(domain.EntityReference, []byte) error) error {
	lister, err := s.kv.ListKeys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}
	var keys []string
	for key := range lister.Keys() {
		keys = append(keys, key)
	}
	if err := lister.Stop(); err != nil {
		return fmt.Errorf("stop key lister: %w", err)
	}
	for _, key := range keys {
		raw, err := s.codec.DecodeString(key)
		if err != nil {
			continue
		}
		ref := domain.EntityReference(raw)
		data, err := s.Get(ctx, ref)
		if errors.Is(err, domain.ErrEntityNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(ref, data); err != nil {
			return err
		}
	}
	return nil
}

type undo struct {
	key     string
	existed bool
	value   []byte
}

type changer struct {
	ctx   context.Context
	store *Store
	log   []undo
}

func (c *changer) NewEntity(ref domain.EntityReference, _ string, data []byte) error {
	key := c.store.key(ref)
	_, err := c.store.kv.Create(c.ctx, key, data)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return fmt.Errorf("%w: %s", domain.ErrEntityExists, ref)
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", ref, err)
	}
	c.log = append(c.log, undo{key: key})
	return nil
}

// UpdateEntity writes against the revision it just read, so a concurrent
// writer in another process fails the batch instead of being overwritten.
func (c *changer) UpdateEntity(ref domain.EntityReference, _ string, data []byte) error {
	key := c.store.key(ref)
	entry, err := c.store.kv.Get(c.ctx, key)
	switch {
	case isMissing(err):
		if _, err := c.store.kv.Create(c.ctx, key, data); err != nil {
			return fmt.Errorf("create %s: %w", ref, err)
		}
		c.log = append(c.log, undo{key: key})
		return nil
	case err != nil:
		return fmt.Errorf("get %s: %w", ref, err)
	}
	if _, err := c.store.kv.Update(c.ctx, key, data, entry.Revision()); err != nil {
		return fmt.Errorf("update %s: %w", ref, err)
	}
	c.log = append(c.log, undo{key: key, existed: true, value: entry.Value()})
	return nil
}

func (c *changer) RemoveEntity(ref domain.EntityReference, _ string) error {
	key := c.store.key(ref)
	entry, err := c.store.kv.Get(c.ctx, key)
	if isMissing(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", ref, err)
	}
	if err := c.store.kv.Delete(c.ctx, key, jetstream.LastRevision(entry.Revision())); err != nil {
		return fmt.Errorf("delete %s: %w", ref, err)
	}
	c.log = append(c.log, undo{key: key, existed: true, value: entry.Value()})
	return nil
}

func (c *changer) rollback() error {
	ctx := context.WithoutCancel(c.ctx)
	var errs []error
	for i := len(c.log) - 1; i >= 0; i-- {
		u := c.log[i]
		var err error
		if u.existed {
			_, err = c.store.kv.Put(ctx, u.key, u.value)
		} else {
			err = c.store.kv.Delete(ctx, u.key)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
