package replay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/launix-de/kerndb/event"
	"github.com/launix-de/kerndb/variant"
)

type fakeSource struct {
	events map[string][]event.Event
}

func (f *fakeSource) EventsForTarget(_ context.Context, target string) ([]event.Event, error) {
	return f.events[target], nil
}

func TestReplayEntityAtZeroNeverExisted(t *testing.T) {
	r := New(&fakeSource{})
	res, err := r.ReplayEntity(context.Background(), "person:1", Options{At: 0})
	require.NoError(t, err)
	assert.False(t, res.Existed)
}

func TestForwardReplay(t *testing.T) {
	src := &fakeSource{events: map[string][]event.Event{
		"person:1": {
			{Id: "a", Ts: 1, Op: event.Create, Target: "person:1", After: variant.String("v1")},
			{Id: "b", Ts: 5, Op: event.Update, Target: "person:1", After: variant.String("v5")},
			{Id: "c", Ts: 10, Op: event.Delete, Target: "person:1"},
		},
	}}
	r := New(src)

	res, err := r.ReplayEntity(context.Background(), "person:1", Options{At: 5})
	require.NoError(t, err)
	assert.True(t, res.Existed)
	assert.Equal(t, variant.String("v5"), res.State)
	assert.Equal(t, 2, res.EventsReplayed)

	res, err = r.ReplayEntity(context.Background(), "person:1", Options{At: 10})
	require.NoError(t, err)
	assert.False(t, res.Existed)
}

func TestForwardReplayBeforeAnyEvent(t *testing.T) {
	src := &fakeSource{events: map[string][]event.Event{
		"person:1": {{Id: "a", Ts: 10, Op: event.Create, Target: "person:1", After: variant.String("v1")}},
	}}
	r := New(src)
	res, err := r.ReplayEntity(context.Background(), "person:1", Options{At: 5})
	require.NoError(t, err)
	assert.False(t, res.Existed)
}

// Time-travel with hard delete: replaying at a timestamp before a delete
// must still surface the pre-delete state even though the delete has
// since happened.
func TestBackwardReplayUndoesDelete(t *testing.T) {
	src := &fakeSource{events: map[string][]event.Event{
		"person:1": {
			{Id: "a", Ts: 1, Op: event.Create, Target: "person:1", After: variant.String("v1")},
			{Id: "b", Ts: 5, Op: event.Update, Target: "person:1", Before: variant.String("v1"), After: variant.String("v5")},
			{Id: "c", Ts: 10, Op: event.Delete, Target: "person:1", Before: variant.String("v5")},
		},
	}}
	r := New(src)

	res, err := r.ReplayEntity(context.Background(), "person:1", Options{
		At: 5, CurrentState: nil, CurrentTs: 11, HasCurrentState: true,
	})
	require.NoError(t, err)
	assert.True(t, res.Existed)
	assert.Equal(t, variant.String("v5"), res.State)
}

func TestBackwardReplayPastEarliestEvent(t *testing.T) {
	src := &fakeSource{events: map[string][]event.Event{
		"person:1": {
			{Id: "a", Ts: 5, Op: event.Create, Target: "person:1", After: variant.String("v1")},
		},
	}}
	r := New(src)
	res, err := r.ReplayEntity(context.Background(), "person:1", Options{
		At: 1, CurrentState: "v1", CurrentTs: 10, HasCurrentState: true,
	})
	require.NoError(t, err)
	assert.False(t, res.Existed)
}

func TestBackwardReplayNothingToUndo(t *testing.T) {
	src := &fakeSource{events: map[string][]event.Event{
		"person:1": {{Id: "a", Ts: 1, Op: event.Create, Target: "person:1", After: variant.String("v1")}},
	}}
	r := New(src)
	res, err := r.ReplayEntity(context.Background(), "person:1", Options{
		At: 5, CurrentState: "v1", CurrentTs: 10, HasCurrentState: true,
	})
	require.NoError(t, err)
	assert.True(t, res.Existed)
	assert.Equal(t, "v1", res.State)
	assert.Equal(t, 0, res.EventsReplayed)
}

type fakeSnapshotStorage struct {
	state any
	ts    int64
	ok    bool
}

func (f *fakeSnapshotStorage) FindAtOrBefore(_ context.Context, _ string, _ int64) (any, int64, bool, error) {
	return f.state, f.ts, f.ok, nil
}
func (f *fakeSnapshotStorage) Persist(_ context.Context, _ string, _ int64, state any) error {
	f.state = state
	return nil
}

func TestSnapshotAssistedReplay(t *testing.T) {
	src := &fakeSource{events: map[string][]event.Event{
		"person:1": {
			{Id: "b", Ts: 8, Op: event.Update, Target: "person:1", After: variant.String("v8")},
		},
	}}
	snap := &fakeSnapshotStorage{state: "v5", ts: 5, ok: true}
	r := New(src)

	res, err := r.ReplayEntity(context.Background(), "person:1", Options{
		At: 10, SnapshotStorage: snap,
	})
	require.NoError(t, err)
	assert.True(t, res.UsedSnapshot)
	assert.Equal(t, int64(5), res.SnapshotTs)
	assert.Equal(t, variant.String("v8"), res.State)
}

func TestGetStateHistory(t *testing.T) {
	src := &fakeSource{events: map[string][]event.Event{
		"person:1": {
			{Id: "a", Ts: 1, Op: event.Create, Target: "person:1", After: variant.String("v1")},
			{Id: "b", Ts: 5, Op: event.Update, Target: "person:1", After: variant.String("v5")},
		},
	}}
	r := New(src)
	history, err := r.GetStateHistory(context.Background(), "person:1", 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, variant.String("v1"), history[0].State)
	assert.Equal(t, variant.String("v5"), history[1].State)
}
