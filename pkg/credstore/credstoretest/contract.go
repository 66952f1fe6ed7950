// Package credstoretest holds the behaviour every credstore.Backend must share.
package credstoretest

import (
	"context"
	"testing"

	"github.com/aussiebroadwan/authsession/pkg/credstore"
	"github.com/stretchr/testify/require"
)

// RunBackendContract exercises newBackend against the Backend contract.
// newBackend must return an empty backend on every call.
func RunBackendContract(t *testing.T, newBackend func(t *testing.T) credstore.Backend) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing key is empty not an error", func(t *testing.T) {
		b := newBackend(t)
		v, err := b.Get(ctx, "nope")
		require.NoError(t, err)
		require.Empty(t, v)
	})

	t.Run("set then get", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Set(ctx, credstore.KeyRefreshToken, "rt-1"))

		v, err := b.Get(ctx, credstore.KeyRefreshToken)
		require.NoError(t, err)
		require.Equal(t, "rt-1", v)
	})

	t.Run("set overwrites", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Set(ctx, "k", "one"))
		require.NoError(t, b.Set(ctx, "k", "two"))

		v, err := b.Get(ctx, "k")
		require.NoError(t, err)
		require.Equal(t, "two", v)
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Set(ctx, "k", "v"))
		require.NoError(t, b.Remove(ctx, "k"))
		require.NoError(t, b.Remove(ctx, "k"))

		v, err := b.Get(ctx, "k")
		require.NoError(t, err)
		require.Empty(t, v)
	})

	t.Run("keys are independent", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Set(ctx, "a", "1"))
		require.NoError(t, b.Set(ctx, "b", "2"))
		require.NoError(t, b.Remove(ctx, "a"))

		v, err := b.Get(ctx, "b")
		require.NoError(t, err)
		require.Equal(t, "2", v)
	})
}
