package kernel

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launix-de/kerndb/backend"
	"github.com/launix-de/kerndb/compaction"
	"github.com/launix-de/kerndb/event"
	"github.com/launix-de/kerndb/txoverlay"
	"github.com/launix-de/kerndb/variant"
)

func TestOpenRequiresStorageAndDataset(t *testing.T) {
	ctx := context.Background()
	_, err := Open(ctx, Options{Dataset: "ds"})
	require.Error(t, err)

	_, err = Open(ctx, Options{Storage: backend.NewMemoryBackend()})
	require.Error(t, err)
}

func TestOpenWiresEventLogAndSegments(t *testing.T) {
	ctx := context.Background()
	scope, err := Open(ctx, Options{
		Storage: backend.NewMemoryBackend(),
		Dataset: "ds",
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NotNil(t, scope.EventLog())
	require.NotNil(t, scope.Segments())
	require.NotNil(t, scope.Compactor())

	require.NoError(t, scope.EventLog().Append(ctx, event.Event{Id: "a", Ts: 1, Target: "person:1"}))
	require.NoError(t, scope.Flush(ctx))
	assert.Len(t, scope.Segments().ListSegments(), 1)
}

func TestCacheLifecycle(t *testing.T) {
	ctx := context.Background()
	scope, err := Open(ctx, Options{
		Storage:      backend.NewMemoryBackend(),
		Dataset:      "ds",
		MaxCacheSize: 10,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	c, ok := scope.Cache()
	require.True(t, ok)
	c.Set("k", "v")

	scope.ClearCache()
	_, ok = scope.Cache()
	assert.False(t, ok)

	scope.RecreateCache()
	c2, ok := scope.Cache()
	require.True(t, ok)
	assert.Equal(t, 0, c2.Size())
}

func TestBeginTransactionBuffersUntilCommit(t *testing.T) {
	ctx := context.Background()
	storage := backend.NewMemoryBackend()
	scope, err := Open(ctx, Options{
		Storage: storage,
		Dataset: "ds",
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	tx := scope.BeginTransaction()
	require.NoError(t, tx.Write("ds/staged.txt", []byte("pending")))

	ok, err := storage.Exists(ctx, "ds/staged.txt")
	require.NoError(t, err)
	assert.False(t, ok, "write must stay buffered until commit")

	require.NoError(t, tx.Commit(ctx))
	ok, err = storage.Exists(ctx, "ds/staged.txt")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	storage := backend.NewMemoryBackend()
	scope, err := Open(ctx, Options{
		Storage: storage,
		Dataset: "ds",
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	sentinel := fmt.Errorf("boom")
	err = scope.WithTransaction(ctx, func(tx *txoverlay.Transaction) error {
		require.NoError(t, tx.Write("ds/staged.txt", []byte("pending")))
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	ok, err := storage.Exists(ctx, "ds/staged.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompactThroughScope(t *testing.T) {
	ctx := context.Background()
	scope, err := Open(ctx, Options{
		Storage: backend.NewMemoryBackend(),
		Dataset: "ds",
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	require.NoError(t, scope.EventLog().Append(ctx, event.Event{
		Id: "a", Ts: 1, Op: event.Create, Target: "person:1", After: variant.String("v1"),
	}))
	require.NoError(t, scope.Flush(ctx))

	result, err := scope.Compact(ctx, compaction.Options{ThroughTs: 100})
	require.NoError(t, err)
	assert.Equal(t, 1, result.EntityCount)
}
