package iceberg

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launix-de/kerndb/backend"
)

func TestAppendAndQuery(t *testing.T) {
	ctx := context.Background()
	b := backend.NewMemoryBackend()
	tbl := Open(b, "warehouse", "db1", "people")
	require.NoError(t, tbl.Load(ctx))

	_, err := tbl.Append(ctx, []Row{{PrimaryKey: "1", Payload: "alice"}, {PrimaryKey: "2", Payload: "bob"}})
	require.NoError(t, err)

	rows, err := tbl.Query(ctx, false)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "1", rows[0].PrimaryKey)
	assert.Equal(t, "2", rows[1].PrimaryKey)
}

// Time travel with hard delete: querying at the snapshot before a delete
// still returns the deleted row; querying current (or later) never does,
// regardless of includeDeleted.
func TestTimeTravelWithHardDelete(t *testing.T) {
	ctx := context.Background()
	b := backend.NewMemoryBackend()
	tbl := Open(b, "warehouse", "db1", "people")
	require.NoError(t, tbl.Load(ctx))

	appendSnap, err := tbl.Append(ctx, []Row{{PrimaryKey: "1", Payload: "alice"}})
	require.NoError(t, err)

	_, err = tbl.HardDelete(ctx, []string{"1"})
	require.NoError(t, err)

	current, err := tbl.Query(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, current)

	past, err := tbl.QueryAt(ctx, appendSnap.Id, false)
	require.NoError(t, err)
	require.Len(t, past, 1)
	assert.Equal(t, "alice", past[0].Payload)
}

func TestSnapshotsAreMonotonicAndParentLinked(t *testing.T) {
	ctx := context.Background()
	b := backend.NewMemoryBackend()
	tbl := Open(b, "warehouse", "db1", "people")
	require.NoError(t, tbl.Load(ctx))

	s1, err := tbl.Append(ctx, []Row{{PrimaryKey: "1", Payload: "a"}})
	require.NoError(t, err)
	s2, err := tbl.Append(ctx, []Row{{PrimaryKey: "2", Payload: "b"}})
	require.NoError(t, err)

	assert.Less(t, s1.Id, s2.Id)
	assert.Equal(t, s1.Id, s2.ParentId)
	assert.Equal(t, s2.Id, tbl.CurrentSnapshotId())

	snaps := tbl.ListSnapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, s1.Id, snaps[0].Id)
	assert.Equal(t, s2.Id, snaps[1].Id)
}

func TestSnapshotListPersistsAcrossLoad(t *testing.T) {
	ctx := context.Background()
	b := backend.NewMemoryBackend()
	tbl1 := Open(b, "warehouse", "db1", "people")
	require.NoError(t, tbl1.Load(ctx))
	_, err := tbl1.Append(ctx, []Row{{PrimaryKey: "1", Payload: "a"}})
	require.NoError(t, err)

	tbl2 := Open(b, "warehouse", "db1", "people")
	require.NoError(t, tbl2.Load(ctx))
	assert.Len(t, tbl2.ListSnapshots(), 1)
	assert.Equal(t, tbl1.CurrentSnapshotId(), tbl2.CurrentSnapshotId())
}

func TestOverwriteRowWithSameKey(t *testing.T) {
	ctx := context.Background()
	b := backend.NewMemoryBackend()
	tbl := Open(b, "warehouse", "db1", "people")
	require.NoError(t, tbl.Load(ctx))

	_, err := tbl.Append(ctx, []Row{{PrimaryKey: "1", Payload: "v1"}})
	require.NoError(t, err)
	_, err = tbl.Append(ctx, []Row{{PrimaryKey: "1", Payload: "v2"}})
	require.NoError(t, err)

	rows, err := tbl.Query(ctx, false)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "v2", rows[0].Payload)
}
