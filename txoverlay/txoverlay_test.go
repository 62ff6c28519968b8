package txoverlay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launix-de/kerndb/backend"
)

func TestReadVisibility(t *testing.T) {
	ctx := context.Background()
	base := backend.NewMemoryBackend()
	_, err := base.WriteAtomic(ctx, "k1", []byte("base-value"))
	require.NoError(t, err)

	tx := Begin(base)
	require.NoError(t, tx.Write("k2", []byte("pending-value")))
	require.NoError(t, tx.Delete("k1"))

	data, err := tx.Read(ctx, "k2")
	require.NoError(t, err)
	assert.Equal(t, "pending-value", string(data))

	_, err = tx.Read(ctx, "k1")
	require.Error(t, err)
	assert.True(t, backend.IsKind(err, backend.FileNotFound))

	exists, err := tx.Exists(ctx, "k2")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestBaseUntouchedUntilCommit(t *testing.T) {
	ctx := context.Background()
	base := backend.NewMemoryBackend()
	tx := Begin(base)
	require.NoError(t, tx.Write("k", []byte("v")))

	ok, err := base.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tx.Commit(ctx))
	ok, err = base.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRollbackDiscardsBuffers(t *testing.T) {
	ctx := context.Background()
	base := backend.NewMemoryBackend()
	tx := Begin(base)
	require.NoError(t, tx.Write("k", []byte("v")))
	require.NoError(t, tx.Rollback())

	ok, err := base.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, RolledBack, tx.State())
}

func TestOperationsAfterCommitFail(t *testing.T) {
	ctx := context.Background()
	base := backend.NewMemoryBackend()
	tx := Begin(base)
	require.NoError(t, tx.Commit(ctx))

	err := tx.Write("k", []byte("v"))
	require.Error(t, err)
	var txErr *TransactionError
	assert.ErrorAs(t, err, &txErr)
	assert.Equal(t, Committed, txErr.State)
}

func TestSavepointRollback(t *testing.T) {
	ctx := context.Background()
	base := backend.NewMemoryBackend()
	tx := Begin(base)
	require.NoError(t, tx.Write("k1", []byte("v1")))
	sp := tx.CreateSavepoint()
	require.NoError(t, tx.Write("k2", []byte("v2")))
	require.NoError(t, tx.RollbackToSavepoint(sp))

	_, err := tx.Read(ctx, "k2")
	require.Error(t, err)
	assert.True(t, backend.IsKind(err, backend.FileNotFound))

	data, err := tx.Read(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
}

func TestWithTransactionCommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	base := backend.NewMemoryBackend()
	err := WithTransaction(ctx, base, func(tx *Transaction) error {
		return tx.Write("k", []byte("v"))
	})
	require.NoError(t, err)
	ok, _ := base.Exists(ctx, "k")
	assert.True(t, ok)
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	base := backend.NewMemoryBackend()
	err := WithTransaction(ctx, base, func(tx *Transaction) error {
		if err := tx.Write("k", []byte("v")); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)
	ok, _ := base.Exists(ctx, "k")
	assert.False(t, ok)
}

func TestWithTransactionRollsBackOnPanic(t *testing.T) {
	ctx := context.Background()
	base := backend.NewMemoryBackend()
	assert.Panics(t, func() {
		_ = WithTransaction(ctx, base, func(tx *Transaction) error {
			_ = tx.Write("k", []byte("v"))
			panic("boom")
		})
	})
	ok, _ := base.Exists(ctx, "k")
	assert.False(t, ok)
}

// WithTransactions must not re-wrap a backend that is already wrapped,
// so repeated calls along a wiring path stay cheap and idempotent.
func TestWithTransactionsIsIdempotent(t *testing.T) {
	base := backend.NewMemoryBackend()
	wrapped := WithTransactions(base)
	rewrapped := WithTransactions(wrapped)
	assert.Same(t, wrapped, rewrapped)
}

func TestBackendDelegatesToBase(t *testing.T) {
	ctx := context.Background()
	base := backend.NewMemoryBackend()
	wrapped := WithTransactions(base)

	_, err := wrapped.WriteAtomic(ctx, "k", []byte("v"))
	require.NoError(t, err)

	data, err := base.Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(data))

	data, err = wrapped.Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(data))
}

func TestBackendBeginTransactionUsesWrappedBase(t *testing.T) {
	ctx := context.Background()
	base := backend.NewMemoryBackend()
	wrapped := WithTransactions(base)

	tx := wrapped.BeginTransaction()
	require.NoError(t, tx.Write("k", []byte("v")))

	ok, err := base.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "write must stay buffered until commit")

	require.NoError(t, tx.Commit(ctx))
	ok, err = base.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}
