package backend

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runConformanceSuite exercises the StorageBackend contract against any
// implementation, the way the spec requires every backend to behave
// identically from a caller's perspective.
func runConformanceSuite(t *testing.T, newBackend func() StorageBackend) {
	ctx := context.Background()

	t.Run("write then read", func(t *testing.T) {
		b := newBackend()
		_, err := b.WriteAtomic(ctx, "a/b.txt", []byte("hello"))
		require.NoError(t, err)
		data, err := b.Read(ctx, "a/b.txt")
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))
	})

	t.Run("read missing returns FileNotFound", func(t *testing.T) {
		b := newBackend()
		_, err := b.Read(ctx, "missing.txt")
		require.Error(t, err)
		assert.True(t, IsKind(err, FileNotFound))
	})

	t.Run("exists and stat", func(t *testing.T) {
		b := newBackend()
		ok, err := b.Exists(ctx, "x.txt")
		require.NoError(t, err)
		assert.False(t, ok)
		_, err = b.WriteAtomic(ctx, "x.txt", []byte("123"))
		require.NoError(t, err)
		ok, err = b.Exists(ctx, "x.txt")
		require.NoError(t, err)
		assert.True(t, ok)
		st, err := b.Stat(ctx, "x.txt")
		require.NoError(t, err)
		require.NotNil(t, st)
		assert.Equal(t, int64(3), st.Size)
		assert.NotEmpty(t, st.ETag)
	})

	t.Run("write with IfNoneMatch rejects existing", func(t *testing.T) {
		b := newBackend()
		_, err := b.Write(ctx, "once.txt", []byte("a"), WriteOptions{IfNoneMatch: true})
		require.NoError(t, err)
		_, err = b.Write(ctx, "once.txt", []byte("b"), WriteOptions{IfNoneMatch: true})
		require.Error(t, err)
		assert.True(t, IsKind(err, FileExists))
	})

	t.Run("write conditional requires matching etag", func(t *testing.T) {
		b := newBackend()
		res, err := b.WriteAtomic(ctx, "c.txt", []byte("v1"))
		require.NoError(t, err)
		_, err = b.WriteConditional(ctx, "c.txt", []byte("v2"), "wrong-etag")
		require.Error(t, err)
		assert.True(t, IsKind(err, VersionMismatch))
		res2, err := b.WriteConditional(ctx, "c.txt", []byte("v2"), res.ETag)
		require.NoError(t, err)
		assert.NotEqual(t, res.ETag, res2.ETag)
	})

	t.Run("write conditional empty etag requires absence", func(t *testing.T) {
		b := newBackend()
		_, err := b.WriteConditional(ctx, "new.txt", []byte("v1"), "")
		require.NoError(t, err)
		_, err = b.WriteConditional(ctx, "new.txt", []byte("v2"), "")
		require.Error(t, err)
		assert.True(t, IsKind(err, VersionMismatch))
	})

	t.Run("append", func(t *testing.T) {
		b := newBackend()
		require.NoError(t, b.Append(ctx, "log.txt", []byte("a")))
		require.NoError(t, b.Append(ctx, "log.txt", []byte("b")))
		data, err := b.Read(ctx, "log.txt")
		require.NoError(t, err)
		assert.Equal(t, "ab", string(data))
	})

	t.Run("delete", func(t *testing.T) {
		b := newBackend()
		_, err := b.WriteAtomic(ctx, "d.txt", []byte("x"))
		require.NoError(t, err)
		ok, err := b.Delete(ctx, "d.txt")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = b.Delete(ctx, "d.txt")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("delete prefix", func(t *testing.T) {
		b := newBackend()
		_, _ = b.WriteAtomic(ctx, "p/1.txt", []byte("1"))
		_, _ = b.WriteAtomic(ctx, "p/2.txt", []byte("2"))
		_, _ = b.WriteAtomic(ctx, "q/3.txt", []byte("3"))
		n, err := b.DeletePrefix(ctx, "p/")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		ok, _ := b.Exists(ctx, "q/3.txt")
		assert.True(t, ok)
	})

	t.Run("list with delimiter", func(t *testing.T) {
		b := newBackend()
		_, _ = b.WriteAtomic(ctx, "dir/a.txt", []byte("a"))
		_, _ = b.WriteAtomic(ctx, "dir/b.txt", []byte("b"))
		_, _ = b.WriteAtomic(ctx, "dir/sub/c.txt", []byte("c"))
		res, err := b.List(ctx, "dir/", ListOptions{Delimiter: "/"})
		require.NoError(t, err)
		assert.Len(t, res.Files, 2)
		assert.Contains(t, res.Prefixes, "dir/sub/")
	})

	t.Run("copy and move", func(t *testing.T) {
		b := newBackend()
		_, err := b.WriteAtomic(ctx, "src.txt", []byte("v"))
		require.NoError(t, err)
		require.NoError(t, b.Copy(ctx, "src.txt", "dst.txt"))
		data, err := b.Read(ctx, "dst.txt")
		require.NoError(t, err)
		assert.Equal(t, "v", string(data))

		require.NoError(t, b.Move(ctx, "src.txt", "moved.txt"))
		ok, _ := b.Exists(ctx, "src.txt")
		assert.False(t, ok)
		data, err = b.Read(ctx, "moved.txt")
		require.NoError(t, err)
		assert.Equal(t, "v", string(data))
	})

	t.Run("path traversal rejected", func(t *testing.T) {
		b := newBackend()
		_, err := b.Read(ctx, "../escape.txt")
		require.Error(t, err)
		assert.True(t, IsKind(err, PathTraversal))
	})

	t.Run("conditional write race has exactly one winner", func(t *testing.T) {
		b := newBackend()
		const attempts = 10
		var successes int64
		var wg sync.WaitGroup
		wg.Add(attempts)
		for i := 0; i < attempts; i++ {
			go func() {
				defer wg.Done()
				if _, err := b.WriteConditional(ctx, "race.txt", []byte("v"), ""); err == nil {
					atomic.AddInt64(&successes, 1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int64(1), successes)
	})
}

func TestMemoryBackendConformance(t *testing.T) {
	runConformanceSuite(t, func() StorageBackend { return NewMemoryBackend() })
}

func TestLocalBackendConformance(t *testing.T) {
	runConformanceSuite(t, func() StorageBackend {
		b, err := NewLocalBackend(t.TempDir())
		require.NoError(t, err)
		return b
	})
}
