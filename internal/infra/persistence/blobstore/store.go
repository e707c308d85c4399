// Package blobstore provides a MapEntityStore on top of a blob.Store, so entity
// documents can live on the local filesystem, in S3 or MinIO, or in memory.
//
// Blob stores have no transactions. ApplyChanges keeps an undo log of the
// prior contents of every key it touches and replays it in reverse when a
// change fails, which gives all-or-nothing batches for a single writer
// process.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"entitycore/internal/blob"
	"entitycore/internal/infra/persistence/mapstore"
	"entitycore/pkg/domain"
)

var _ mapstore.MapEntityStore = (*Store)(nil)

const (
	// DefaultPrefix is prepended to every entity key.
	DefaultPrefix = "entities/"

	contentType = "application/json"
	typeMetaKey = "entity-type"
)

// Store keeps one blob per entity under prefix + escaped reference.
type Store struct {
	blobs  blob.Store
	prefix string
	mu     sync.Mutex
}

// New wraps blobs. An empty prefix means DefaultPrefix.
func New(blobs blob.Store, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{blobs: blobs, prefix: prefix}
}

// Blobs returns the wrapped blob store.
func (s *Store) Blobs() blob.Store { return s.blobs }

func (s *Store) key(ref domain.EntityReference) string {
	return s.prefix + url.PathEscape(string(ref))
}

func (s *Store) reference(key string) (domain.EntityReference, error) {
	ref, err := url.PathUnescape(strings.TrimPrefix(key, s.prefix))
	if err != nil {
		return "", fmt.Errorf("decode key %s: %w", key, err)
	}
	return domain.EntityReference(ref), nil
}

func (s *Store) Get(ctx context.Context, ref domain.EntityReference) ([]byte, error) {
	data, _, err := s.read(ctx, s.key(ref))
	if errors.Is(err, blob.ErrNotFound) {
		return nil, &domain.EntityNotFoundError{Reference: ref}
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", ref, err)
	}
	return data, nil
}

func (s *Store) read(ctx context.Context, key string) ([]byte, string, error) {
	info, rc, err := s.blobs.Get(ctx, key)
	if err != nil {
		return nil, "", err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, "", err
	}
	return data, info.Metadata[typeMetaKey], nil
}

func (s *Store) write(ctx context.Context, key, typeName string, data []byte) error {
	_, err := s.blobs.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{
		ContentType: contentType,
		Metadata:    map[string]string{typeMetaKey: typeName},
	})
	return err
}

// ApplyChanges serialises batches within this process and undoes a partially
// applied batch on failure. The rollback error, if any, is joined to the
// returned error.
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
	infos, err := s.blobs.List(ctx, s.prefix)
	if err != nil {
		return fmt.Errorf("list entities: %w", err)
	}
	for _, info := range infos {
		ref, err := s.reference(info.Key)
		if err != nil {
			return err
		}
		data, _, err := s.read(ctx, info.Key)
		if errors.Is(err, blob.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", ref, err)
		}
		if err := fn(ref, data); err != nil {
			return err
		}
	}
	return nil
}

// undo restores key to its state before the batch touched it.
type undo struct {
	key      string
	existed  bool
	typeName string
	data     []byte
}

type changer struct {
	ctx   context.Context
	store *Store
	log   []undo
}

func (c *changer) snapshot(key string) (undo, error) {
	data, typeName, err := c.store.read(c.ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return undo{key: key}, nil
	}
	if err != nil {
		return undo{}, err
	}
	return undo{key: key, existed: true, typeName: typeName, data: data}, nil
}

func (c *changer) NewEntity(ref domain.EntityReference, typeName string, data []byte) error {
	key := c.store.key(ref)
	err := c.store.write(c.ctx, key, typeName, data)
	if errors.Is(err, blob.ErrExists) {
		return fmt.Errorf("%w: %s", domain.ErrEntityExists, ref)
	}
	if err != nil {
		return fmt.Errorf("put %s: %w", ref, err)
	}
	c.log = append(c.log, undo{key: key})
	return nil
}

func (c *changer) UpdateEntity(ref domain.EntityReference, typeName string, data []byte) error {
	key := c.store.key(ref)
	prior, err := c.snapshot(key)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", ref, err)
	}
	if _, err := c.store.blobs.Delete(c.ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", ref, err)
	}
	c.log = append(c.log, prior)
	if err := c.store.write(c.ctx, key, typeName, data); err != nil {
		return fmt.Errorf("put %s: %w", ref, err)
	}
	return nil
}

func (c *changer) RemoveEntity(ref domain.EntityReference, _ string) error {
	key := c.store.key(ref)
	prior, err := c.snapshot(key)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", ref, err)
	}
	if !prior.existed {
		return nil
	}
	if _, err := c.store.blobs.Delete(c.ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", ref, err)
	}
	c.log = append(c.log, prior)
	return nil
}

// rollback runs with a fresh context so a cancelled batch can still be undone.
func (c *changer) rollback() error {
	ctx := context.WithoutCancel(c.ctx)
	var errs []error
	for i := len(c.log) - 1; i >= 0; i-- {
		u := c.log[i]
		if _, err := c.store.blobs.Delete(ctx, u.key); err != nil {
			errs = append(errs, err)
			continue
		}
		if u.existed {
			if err := c.store.write(ctx, u.key, u.typeName, u.data); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
