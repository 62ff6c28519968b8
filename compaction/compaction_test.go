package compaction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launix-de/kerndb/backend"
	"github.com/launix-de/kerndb/event"
	"github.com/launix-de/kerndb/segment"
	"github.com/launix-de/kerndb/variant"
)

func newTestEngine(t *testing.T, maxRows int) (*Engine, *segment.Manager, backend.StorageBackend) {
	t.Helper()
	ctx := context.Background()
	b := backend.NewMemoryBackend()
	seg := segment.New(b, "ds", segment.Thresholds{MaxRows: maxRows})
	require.NoError(t, seg.Load(ctx))
	return New(b, seg, "ds"), seg, b
}

// A create and a later update of the same entity within one segment fold
// to a single state carrying only the latest payload.
func TestDedupFold(t *testing.T) {
	ctx := context.Background()
	engine, seg, _ := newTestEngine(t, 10)
	require.NoError(t, seg.Append(ctx, event.Event{Id: "a", Ts: 1, Op: event.Create, Target: "person:1", After: variant.String("v1")}))
	require.NoError(t, seg.Append(ctx, event.Event{Id: "b", Ts: 2, Op: event.Update, Target: "person:1", After: variant.String("v2")}))
	require.NoError(t, seg.Flush(ctx))

	result, err := engine.Run(ctx, Options{ThroughTs: 100})
	require.NoError(t, err)
	assert.Equal(t, 2, result.EventsProcessed)
	assert.Equal(t, 1, result.EntityCount)
}

// Delete followed by a later re-create of the same key must surface as
// existing again, not be permanently tombstoned.
func TestDeleteThenRecreate(t *testing.T) {
	ctx := context.Background()
	engine, seg, _ := newTestEngine(t, 10)
	require.NoError(t, seg.Append(ctx, event.Event{Id: "a", Ts: 1, Op: event.Create, Target: "person:1", After: variant.String("v1")}))
	require.NoError(t, seg.Append(ctx, event.Event{Id: "b", Ts: 2, Op: event.Delete, Target: "person:1"}))
	require.NoError(t, seg.Append(ctx, event.Event{Id: "c", Ts: 3, Op: event.Create, Target: "person:1", After: variant.String("v3")}))
	require.NoError(t, seg.Flush(ctx))

	result, err := engine.Run(ctx, Options{ThroughTs: 100})
	require.NoError(t, err)
	assert.Equal(t, 1, result.EntityCount)
}

// Events appended out of timestamp order within a segment still fold
// deterministically once sorted by (ts, id).
func TestOutOfOrderWithinSegment(t *testing.T) {
	ctx := context.Background()
	engine, seg, _ := newTestEngine(t, 10)
	require.NoError(t, seg.Append(ctx, event.Event{Id: "b", Ts: 5, Op: event.Update, Target: "person:1", After: variant.String("late")}))
	require.NoError(t, seg.Append(ctx, event.Event{Id: "a", Ts: 1, Op: event.Create, Target: "person:1", After: variant.String("early")}))
	require.NoError(t, seg.Flush(ctx))

	result, err := engine.Run(ctx, Options{ThroughTs: 100})
	require.NoError(t, err)
	assert.Equal(t, 1, result.EntityCount)

	var writer collectingWriter
	engine2, seg2, _ := newTestEngine(t, 10)
	require.NoError(t, seg2.Append(ctx, event.Event{Id: "b", Ts: 5, Op: event.Update, Target: "person:1", After: variant.String("late")}))
	require.NoError(t, seg2.Append(ctx, event.Event{Id: "a", Ts: 1, Op: event.Create, Target: "person:1", After: variant.String("early")}))
	require.NoError(t, seg2.Flush(ctx))
	_, err = engine2.Run(ctx, Options{ThroughTs: 100, Writer: &writer})
	require.NoError(t, err)
	require.Len(t, writer.entities, 1)
	assert.Equal(t, variant.String("late"), writer.entities[0].Payload)
}

func TestMalformedEventFailsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	engine, seg, _ := newTestEngine(t, 10)
	require.NoError(t, seg.Append(ctx, event.Event{Id: "", Ts: 1, Op: event.Create, Target: "person:1"}))
	require.NoError(t, seg.Flush(ctx))

	_, err := engine.Run(ctx, Options{ThroughTs: 100})
	require.Error(t, err)
	var malformed *MalformedEventError
	assert.ErrorAs(t, err, &malformed)
}

func TestEmitSnapshotWritesToBackend(t *testing.T) {
	ctx := context.Background()
	engine, seg, b := newTestEngine(t, 10)
	require.NoError(t, seg.Append(ctx, event.Event{Id: "a", Ts: 1, Op: event.Create, Target: "person:1", After: variant.String("v1")}))
	require.NoError(t, seg.Flush(ctx))

	result, err := engine.Run(ctx, Options{ThroughTs: 100, EmitSnapshot: true})
	require.NoError(t, err)
	require.NotEmpty(t, result.SnapshotPath)
	ok, err := b.Exists(ctx, result.SnapshotPath)
	require.NoError(t, err)
	assert.True(t, ok)
}

type collectingWriter struct {
	entities      []EntityState
	relationships []RelationshipState
}

func (w *collectingWriter) WriteEntities(_ context.Context, entities []EntityState) error {
	w.entities = entities
	return nil
}

func (w *collectingWriter) WriteRelationships(_ context.Context, relationships []RelationshipState) error {
	w.relationships = relationships
	return nil
}
