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

// Package eventlog exposes the CDC stream built on top of segment.Manager
// (spec §4.5): append/appendBatch for writers, scan({fromSeq, throughTs})
// for readers, and a materialized-view handler router that groups events
// by namespace prefix and delivers each batch at-least-once per handler.
// Grounded on the teacher's channel-based ReplayLog streaming
// (storage/persistence-s3.go, storage/persistence-files.go) generalized
// from a single-shard row log to a multi-namespace event stream.
package eventlog

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/launix-de/kerndb/event"
	"github.com/launix-de/kerndb/segment"
)

// ScanOptions bounds a CDC scan.
type ScanOptions struct {
	FromSeq  uint32 // inclusive; 0 means from the start
	ThroughTs int64 // inclusive upper ts bound; 0 means unbounded
}

// Log is the append/scan surface over a segment.Manager.
type Log struct {
	segments *segment.Manager
	log      zerolog.Logger
	handlers []*registeredHandler
}

// Handler is a materialized-view handler (spec §6): declares the
// namespace prefixes it cares about and processes matching batches.
type Handler interface {
	Name() string
	SourceNamespaces() []string
	Process(ctx context.Context, events []event.Event) error
}

type registeredHandler struct {
	handler Handler
	pending []event.Event // batch from a failed Process call, redelivered first
}

// New wraps a segment.Manager with CDC scan and handler dispatch.
func New(segments *segment.Manager, log zerolog.Logger) *Log {
	return &Log{segments: segments, log: log.With().Str("component", "eventlog").Logger()}
}

// Append buffers one event for durable append.
func (l *Log) Append(ctx context.Context, e event.Event) error {
	return l.segments.Append(ctx, e)
}

// AppendBatch buffers a batch of events for durable append.
func (l *Log) AppendBatch(ctx context.Context, events []event.Event) error {
	return l.segments.AppendBatch(ctx, events)
}

// RegisterHandler adds an MV handler to the router.
func (l *Log) RegisterHandler(h Handler) {
	l.handlers = append(l.handlers, &registeredHandler{handler: h})
}

// Scan streams events in write order: segment by segment in ascending
// seq, row order preserved within a segment. Events from segment A
// strictly precede events from segment B whenever seqA < seqB.
func (l *Log) Scan(ctx context.Context, opts ScanOptions) ([]event.Event, error) {
	var out []event.Event
	for _, info := range l.segments.ListSegments() {
		if info.Seq < opts.FromSeq {
			continue
		}
		if opts.ThroughTs > 0 && info.MinTs > opts.ThroughTs {
			continue
		}
		events, err := l.segments.OpenSegment(ctx, info)
		if err != nil {
			return nil, err
		}
		for _, e := range events {
			if opts.ThroughTs > 0 && e.Ts > opts.ThroughTs {
				continue
			}
			out = append(out, e)
		}
	}
	return out, nil
}

// ListSegments exposes the manifest's ordered segment list to external
// MV handlers per the §6 CDC query surface.
func (l *Log) ListSegments() []segment.Info {
	return l.segments.ListSegments()
}

// Dispatch delivers newly durable events to every registered handler
// whose SourceNamespaces prefix-match the event target, grouping by
// handler and calling Process once per handler per commit point.
// Delivery is at-least-once: a handler failure is logged and the failed
// batch is kept for that handler, so it is delivered again, ahead of any
// new events, on the next Dispatch call.
func (l *Log) Dispatch(ctx context.Context, events []event.Event) {
	for _, rh := range l.handlers {
		matched := append(rh.pending, filterByNamespaces(events, rh.handler.SourceNamespaces())...)
		if len(matched) == 0 {
			continue
		}
		if err := rh.handler.Process(ctx, matched); err != nil {
			l.log.Error().Err(err).Str("handler", rh.handler.Name()).Int("events", len(matched)).Msg("mv handler failed, will retry at-least-once")
			rh.pending = matched
			continue
		}
		rh.pending = nil
	}
}

func filterByNamespaces(events []event.Event, namespaces []string) []event.Event {
	if len(namespaces) == 0 {
		return events
	}
	var out []event.Event
	for _, e := range events {
		ns := targetNamespace(e.Target)
		for _, want := range namespaces {
			if ns == want {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

func targetNamespace(target string) string {
	idx := strings.Index(target, ":")
	if idx < 0 {
		return target
	}
	return target[:idx]
}
