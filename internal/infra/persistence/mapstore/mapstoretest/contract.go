// Package mapstoretest holds the behavioural contract every MapEntityStore
// backend is tested against.
package mapstoretest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitycore/internal/infra/persistence/mapstore"
	"entitycore/pkg/domain"
)

// Document returns a minimal encoded document for ref.
func Document(ref domain.EntityReference, version string) []byte {
	return fmt.Appendf(nil, `{"reference":%q,"type":"Order","version":%q,"modified":0,"properties":{}}`, ref, version)
}

// Run exercises store against the MapEntityStore contract. store must be empty.
func Run(t *testing.T, store mapstore.MapEntityStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing entity", func(t *testing.T) {
		_, err := store.Get(ctx, "contract-missing")
		require.ErrorIs(t, err, domain.ErrEntityNotFound)
		var notFound *domain.EntityNotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, domain.EntityReference("contract-missing"), notFound.Reference)
	})

	t.Run("create update remove", func(t *testing.T) {
		require.NoError(t, store.ApplyChanges(ctx, func(ch mapstore.MapChanger) error {
			if err := ch.NewEntity("contract-a", "Order", Document("contract-a", "v1")); err != nil {
				return err
			}
			return ch.NewEntity("contract-b", "Order", Document("contract-b", "v1"))
		}))
		data, err := store.Get(ctx, "contract-a")
		require.NoError(t, err)
		assert.JSONEq(t, string(Document("contract-a", "v1")), string(data))

		require.NoError(t, store.ApplyChanges(ctx, func(ch mapstore.MapChanger) error {
			return ch.UpdateEntity("contract-a", "Order", Document("contract-a", "v2"))
		}))
		data, err = store.Get(ctx, "contract-a")
		require.NoError(t, err)
		version, err := mapstore.DecodeVersion(data)
		require.NoError(t, err)
		assert.Equal(t, "v2", version)

		var seen []domain.EntityReference
		require.NoError(t, store.EntityStates(ctx, func(ref domain.EntityReference, _ []byte) error {
			seen = append(seen, ref)
			return nil
		}))
		assert.ElementsMatch(t, []domain.EntityReference{"contract-a", "contract-b"}, seen)

		require.NoError(t, store.ApplyChanges(ctx, func(ch mapstore.MapChanger) error {
			if err := ch.RemoveEntity("contract-b", "Order"); err != nil {
				return err
			}
			return ch.RemoveEntity("contract-never-stored", "Order")
		}))
		_, err = store.Get(ctx, "contract-b")
		require.ErrorIs(t, err, domain.ErrEntityNotFound)
	})

	t.Run("failed batch leaves store untouched", func(t *testing.T) {
		boom := errors.New("boom")
		err := store.ApplyChanges(ctx, func(ch mapstore.MapChanger) error {
			if err := ch.NewEntity("contract-c", "Order", Document("contract-c", "v1")); err != nil {
				return err
			}
			if err := ch.UpdateEntity("contract-a", "Order", Document("contract-a", "v3")); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		_, err = store.Get(ctx, "contract-c")
		require.ErrorIs(t, err, domain.ErrEntityNotFound)
		data, err := store.Get(ctx, "contract-a")
		require.NoError(t, err)
		version, err := mapstore.DecodeVersion(data)
		require.NoError(t, err)
		assert.Equal(t, "v2", version)
	})

	t.Run("visitor error stops iteration", func(t *testing.T) {
		stop := errors.New("stop")
		calls := 0
		err := store.EntityStates(ctx, func(domain.EntityReference, []byte) error {
			calls++
			return stop
		})
		require.ErrorIs(t, err, stop)
		assert.Equal(t, 1, calls)
	})
}
