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

// Package compaction folds a watermark-bounded prefix of the event log
// into authoritative entity/relationship state (spec §4.6). Grounded on
// the teacher's fold-then-write shard compaction shape in
// storage/table.go/storage/shard.go, generalized to the keyed
// entity/relationship maps the kernel's domain requires.
package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/launix-de/kerndb/backend"
	"github.com/launix-de/kerndb/event"
	"github.com/launix-de/kerndb/segment"
	"github.com/launix-de/kerndb/variant"
)

// EntityState is the folded state for one entity key.
type EntityState struct {
	Key       string        `json:"key"`
	Existence bool          `json:"existence"`
	Payload   variant.Value `json:"payload"`
	LastTs    int64         `json:"lastTs"`
	LastOp    event.Op      `json:"lastOp"`
}

// RelationshipState is the folded state for one relationship key.
type RelationshipState struct {
	Key       string        `json:"key"`
	Existence bool          `json:"existence"`
	Payload   variant.Value `json:"payload"`
	LastTs    int64         `json:"lastTs"`
	LastOp    event.Op      `json:"lastOp"`
}

// StateWriter receives the folded output in stable key-ascending order.
type StateWriter interface {
	WriteEntities(ctx context.Context, entities []EntityState) error
	WriteRelationships(ctx context.Context, relationships []RelationshipState) error
}

// Result reports the outcome of one compaction run.
type Result struct {
	EventsProcessed     int
	EntityCount         int
	RelationshipCount   int
	SegmentsCompacted   []uint32
	SnapshotPath        string
}

// Snapshot is the round-trippable pair persisted at snapshots/<ts>.
type Snapshot struct {
	Ts            int64               `json:"ts"`
	Entities      []EntityState       `json:"entities"`
	Relationships []RelationshipState `json:"relationships"`
}

// Options configures one compaction run.
type Options struct {
	ThroughTs      int64
	Writer         StateWriter // optional
	EmitSnapshot   bool
	ResumeFromSeq  uint32 // skip segments already folded by a prior attempt
}

// Engine folds segments from a segment.Manager.
type Engine struct {
	backend  backend.StorageBackend
	segments *segment.Manager
	dataset  string
}

// New constructs a compaction Engine over segments, persisting snapshots
// under dataset + "/snapshots/<ts>".
func New(b backend.StorageBackend, segments *segment.Manager, dataset string) *Engine {
	return &Engine{backend: b, segments: segments, dataset: dataset}
}

// MalformedEventError fails the entire run (all-or-nothing), per §4.6.
type MalformedEventError struct {
	SegmentSeq uint32
	Reason     string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("compaction: malformed event in segment %d: %s", e.SegmentSeq, e.Reason)
}

// Run folds all segments with minTs <= opts.ThroughTs into entity and
// relationship maps, in (ts,id) ascending order, and emits them to
// opts.Writer (if set) and optionally a snapshot. On any malformed event
// the whole run fails and nothing is emitted (all-or-nothing); the
// returned ResumeFromSeq-compatible cursor is the caller's own
// responsibility to persist from the partial Result.SegmentsCompacted.
func (e *Engine) Run(ctx context.Context, opts Options) (Result, error) {
	entities := map[string]*EntityState{}
	relationships := map[string]*RelationshipState{}
	var compacted []uint32
	eventsProcessed := 0

	var pool []event.Event
	for _, info := range e.segments.ListSegments() {
		if info.Seq < opts.ResumeFromSeq {
			continue
		}
		if info.MinTs > opts.ThroughTs {
			continue
		}
		segEvents, err := e.segments.OpenSegment(ctx, info)
		if err != nil {
			return Result{SegmentsCompacted: compacted}, fmt.Errorf("compaction: open segment %d: %w", info.Seq, err)
		}
		for _, ev := range segEvents {
			if ev.Id == "" {
				return Result{SegmentsCompacted: compacted}, &MalformedEventError{SegmentSeq: info.Seq, Reason: "missing event id"}
			}
			if ev.Ts <= opts.ThroughTs {
				pool = append(pool, ev)
			}
		}
		compacted = append(compacted, info.Seq)
	}

	// stable sort by (ts, id) ascending; equal (ts,id) preserves file order
	sort.SliceStable(pool, func(i, j int) bool { return event.Less(pool[i], pool[j]) })

	for _, ev := range pool {
		eventsProcessed++
		if event.IsRelationshipTarget(ev.Target) {
			foldRelationship(relationships, ev)
		} else {
			foldEntity(entities, ev)
		}
	}

	entityList := sortedEntities(entities)
	relList := sortedRelationships(relationships)

	entityCount := 0
	for _, s := range entityList {
		if s.Existence {
			entityCount++
		}
	}
	relCount := 0
	for _, s := range relList {
		if s.Existence {
			relCount++
		}
	}

	if opts.Writer != nil {
		existingEntities := filterExistingEntities(entityList)
		existingRels := filterExistingRelationships(relList)
		if err := opts.Writer.WriteEntities(ctx, existingEntities); err != nil {
			return Result{}, fmt.Errorf("compaction: write entities: %w", err)
		}
		if err := opts.Writer.WriteRelationships(ctx, existingRels); err != nil {
			return Result{}, fmt.Errorf("compaction: write relationships: %w", err)
		}
	}

	result := Result{
		EventsProcessed:   eventsProcessed,
		EntityCount:       entityCount,
		RelationshipCount: relCount,
		SegmentsCompacted: compacted,
	}

	if opts.EmitSnapshot {
		snap := Snapshot{Ts: opts.ThroughTs, Entities: filterExistingEntities(entityList), Relationships: filterExistingRelationships(relList)}
		raw, err := json.Marshal(snap)
		if err != nil {
			return result, fmt.Errorf("compaction: encode snapshot: %w", err)
		}
		path := fmt.Sprintf("%s/snapshots/%d", e.dataset, opts.ThroughTs)
		if _, err := e.backend.WriteAtomic(ctx, path, raw); err != nil {
			return result, fmt.Errorf("compaction: write snapshot: %w", err)
		}
		result.SnapshotPath = path
	}

	return result, nil
}

func foldEntity(m map[string]*EntityState, ev event.Event) {
	s, ok := m[ev.Target]
	if !ok {
		s = &EntityState{Key: ev.Target}
		m[ev.Target] = s
	}
	switch ev.Op {
	case event.Create, event.Update:
		s.Existence = true
		s.Payload = ev.After
	case event.Delete:
		s.Existence = false
		s.Payload = variant.Null()
	}
	s.LastTs = ev.Ts
	s.LastOp = ev.Op
}

func foldRelationship(m map[string]*RelationshipState, ev event.Event) {
	s, ok := m[ev.Target]
	if !ok {
		s = &RelationshipState{Key: ev.Target}
		m[ev.Target] = s
	}
	switch ev.Op {
	case event.Create, event.Update:
		s.Existence = true
		s.Payload = ev.After
	case event.Delete:
		s.Existence = false
		s.Payload = variant.Null()
	}
	s.LastTs = ev.Ts
	s.LastOp = ev.Op
}

func sortedEntities(m map[string]*EntityState) []EntityState {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]EntityState, len(keys))
	for i, k := range keys {
		out[i] = *m[k]
	}
	return out
}

func sortedRelationships(m map[string]*RelationshipState) []RelationshipState {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]RelationshipState, len(keys))
	for i, k := range keys {
		out[i] = *m[k]
	}
	return out
}

func filterExistingEntities(all []EntityState) []EntityState {
	var out []EntityState
	for _, s := range all {
		if s.Existence {
			out = append(out, s)
		}
	}
	return out
}

func filterExistingRelationships(all []RelationshipState) []RelationshipState {
	var out []RelationshipState
	for _, s := range all {
		if s.Existence {
			out = append(out, s)
		}
	}
	return out
}
