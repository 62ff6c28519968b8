/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package replay implements the time-travel replayer (spec §4.7):
// forward replay from the origin, backward undo-replay from a known
// current state, and snapshot-assisted replay. Grounded on the
// teacher's log-replay channel consumption pattern
// (storage/persistence.go ReplayLog contract), generalized from
// row-insert/row-delete replay to entity-state fold/unfold.
package replay

import (
	"context"
	"fmt"
	"sort"

	"github.com/launix-de/kerndb/event"
	"github.com/launix-de/kerndb/segment"
)

// ReplayError is surfaced with the offending target and event id.
type ReplayError struct {
	Target  string
	EventId string
	Reason  string
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay: target %s (event %s): %s", e.Target, e.EventId, e.Reason)
}

// Result is the outcome of replaying one target.
type Result struct {
	Existed             bool
	State               any
	EventsReplayed       int
	UsedSnapshot        bool
	SnapshotTs          int64
	EventsFromSnapshot  int
}

// HistoryEntry is one row of getStateHistory.
type HistoryEntry struct {
	Ts    int64
	State any
	Op    event.Op
}

// SnapshotStorage is the pluggable snapshot lookup/persist surface used
// by snapshot-assisted replay.
type SnapshotStorage interface {
	// FindAtOrBefore returns the most recent snapshot state for target
	// with ts <= at, or ok=false if none exists.
	FindAtOrBefore(ctx context.Context, target string, at int64) (state any, ts int64, ok bool, err error)
	// Persist stores a new snapshot for target at ts.
	Persist(ctx context.Context, target string, ts int64, state any) error
}

// Options configures one replayEntity call.
type Options struct {
	At                int64
	CurrentState      any
	CurrentTs         int64
	HasCurrentState   bool
	SnapshotStorage   SnapshotStorage
	CreateSnapshot    bool
	SnapshotThreshold int
}

// EventSource yields every event recorded against target, in arbitrary
// order; the replayer sorts by (ts, id) itself.
type EventSource interface {
	EventsForTarget(ctx context.Context, target string) ([]event.Event, error)
}

// segmentEventSource adapts a segment.Manager into an EventSource by
// scanning every segment and filtering by target. Fine for the
// embedding-scale datasets this kernel targets; a larger deployment
// would index by target instead.
type segmentEventSource struct {
	segments *segment.Manager
}

// NewSegmentEventSource builds an EventSource backed directly by segments.
func NewSegmentEventSource(segments *segment.Manager) EventSource {
	return &segmentEventSource{segments: segments}
}

func (s *segmentEventSource) EventsForTarget(ctx context.Context, target string) ([]event.Event, error) {
	var out []event.Event
	for _, info := range s.segments.ListSegments() {
		events, err := s.segments.OpenSegment(ctx, info)
		if err != nil {
			return nil, err
		}
		for _, e := range events {
			if e.Target == target {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// Replayer reconstructs entity/relationship state at arbitrary points
// in time.
type Replayer struct {
	source EventSource
}

// New constructs a Replayer over source.
func New(source EventSource) *Replayer {
	return &Replayer{source: source}
}

// ReplayEntity implements spec §4.7's replayEntity.
func (r *Replayer) ReplayEntity(ctx context.Context, target string, opts Options) (Result, error) {
	if opts.At <= 0 {
		return Result{Existed: false}, nil
	}

	events, err := r.source.EventsForTarget(ctx, target)
	if err != nil {
		return Result{}, err
	}

	if opts.HasCurrentState && opts.At < opts.CurrentTs {
		return r.backwardReplay(target, events, opts)
	}

	if opts.SnapshotStorage != nil {
		return r.snapshotAssistedReplay(ctx, target, events, opts)
	}

	return r.forwardReplay(target, events, opts.At), nil
}

// ReplayEntities replays many targets and returns a map keyed by target.
func (r *Replayer) ReplayEntities(ctx context.Context, targets []string, opts Options) (map[string]Result, error) {
	out := make(map[string]Result, len(targets))
	for _, t := range targets {
		res, err := r.ReplayEntity(ctx, t, opts)
		if err != nil {
			return nil, err
		}
		out[t] = res
	}
	return out, nil
}

// GetStateHistory returns every (ts, state, op) transition for target
// within [minTs, maxTs] (zero bounds mean unbounded), ascending by ts.
func (r *Replayer) GetStateHistory(ctx context.Context, target string, minTs, maxTs int64) ([]HistoryEntry, error) {
	events, err := r.source.EventsForTarget(ctx, target)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool { return event.Less(events[i], events[j]) })

	var history []HistoryEntry
	var state any
	for _, e := range events {
		if minTs > 0 && e.Ts < minTs {
			continue
		}
		if maxTs > 0 && e.Ts > maxTs {
			break
		}
		switch e.Op {
		case event.Create, event.Update:
			state = e.After
		case event.Delete:
			state = nil
		}
		history = append(history, HistoryEntry{Ts: e.Ts, State: state, Op: e.Op})
	}
	return history, nil
}

func (r *Replayer) forwardReplay(target string, events []event.Event, at int64) Result {
	var kept []event.Event
	for _, e := range events {
		if e.Ts <= at {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		return Result{Existed: false}
	}
	sort.SliceStable(kept, func(i, j int) bool { return event.Less(kept[i], kept[j]) })

	var existed bool
	var state any
	for _, e := range kept {
		switch e.Op {
		case event.Create, event.Update:
			existed = true
			state = e.After
		case event.Delete:
			existed = false
			state = nil
		}
	}
	return Result{Existed: existed, State: state, EventsReplayed: len(kept)}
}

// backwardReplay inverts events in descending (ts,id) from currentTs
// down to at, per §4.7: UPDATE reverts to Before; DELETE restores
// Before; CREATE erases (existed=false for the target prior to it).
func (r *Replayer) backwardReplay(target string, events []event.Event, opts Options) (Result, error) {
	var between []event.Event
	for _, e := range events {
		if e.Ts > opts.At && e.Ts <= opts.CurrentTs {
			between = append(between, e)
		}
	}
	if len(between) == 0 {
		// nothing to undo: current state already holds at `at`
		return Result{Existed: opts.CurrentState != nil, State: opts.CurrentState, EventsReplayed: 0}, nil
	}
	// descending (ts,id)
	sort.SliceStable(between, func(i, j int) bool { return event.Less(between[j], between[i]) })

	// check whether anything precedes `at` at all — if not, and we walk
	// past the earliest event, the target did not exist before it.
	var earliestAll int64 = -1
	for _, e := range events {
		if earliestAll == -1 || e.Ts < earliestAll {
			earliestAll = e.Ts
		}
	}

	state := opts.CurrentState
	existed := opts.CurrentState != nil
	count := 0
	for _, e := range between {
		switch e.Op {
		case event.Update:
			state = e.Before
			existed = true
		case event.Delete:
			state = e.Before
			existed = true
		case event.Create:
			state = nil
			existed = false
		}
		count++
	}

	if opts.At < earliestAll {
		return Result{Existed: false, EventsReplayed: count}, nil
	}
	return Result{Existed: existed, State: state, EventsReplayed: count}, nil
}

func (r *Replayer) snapshotAssistedReplay(ctx context.Context, target string, events []event.Event, opts Options) (Result, error) {
	snapState, snapTs, ok, err := opts.SnapshotStorage.FindAtOrBefore(ctx, target, opts.At)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return r.forwardReplay(target, events, opts.At), nil
	}

	var kept []event.Event
	for _, e := range events {
		if e.Ts > snapTs && e.Ts <= opts.At {
			kept = append(kept, e)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return event.Less(kept[i], kept[j]) })

	existed := snapState != nil
	state := snapState
	for _, e := range kept {
		switch e.Op {
		case event.Create, event.Update:
			existed = true
			state = e.After
		case event.Delete:
			existed = false
			state = nil
		}
	}

	result := Result{
		Existed:            existed,
		State:              state,
		EventsReplayed:     len(kept),
		UsedSnapshot:       true,
		SnapshotTs:         snapTs,
		EventsFromSnapshot: len(kept),
	}

	if opts.CreateSnapshot && opts.SnapshotThreshold > 0 && len(kept) >= opts.SnapshotThreshold {
		if err := opts.SnapshotStorage.Persist(ctx, target, opts.At, state); err != nil {
			return result, fmt.Errorf("replay: persist snapshot for %s at %d: %w", target, opts.At, err)
		}
	}

	return result, nil
}
