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

// Package kernel wires backend, cache, eventlog, segment and compaction
// into the config surface described in spec §6; replay is not wired
// into Scope. Grounded on
// the teacher's storage/database.go scope-owned wiring (package-level
// databases map, CreateDatabase/DropDatabase) generalized from a
// global registry to explicit per-scope structs, and on
// storage/settings.go's use of dc0d/onexit for graceful shutdown hooks.
package kernel

import (
	"context"
	"fmt"
	"sync"

	"github.com/dc0d/onexit"
	"github.com/rs/zerolog"

	"github.com/launix-de/kerndb/backend"
	"github.com/launix-de/kerndb/cache"
	"github.com/launix-de/kerndb/compaction"
	"github.com/launix-de/kerndb/eventlog"
	"github.com/launix-de/kerndb/segment"
	"github.com/launix-de/kerndb/txoverlay"
)

// CompactionOptions mirrors the compaction sub-object of the config
// surface in §6.
type CompactionOptions struct {
	SegmentMaxRows    int
	SegmentMaxBytes   int64
	SnapshotThreshold int
}

// Options is the kernel config surface from spec §6.
type Options struct {
	Storage      backend.StorageBackend
	Dataset      string
	MaxCacheSize int // 0 = unbounded
	OnCacheEvict cache.OnEvict
	Compaction   CompactionOptions
	Logger       zerolog.Logger
}

// Scope owns one storage dataset's cache, segment manager, event log,
// and compaction engine. The manifest is this scope's only shared
// mutable global, updated exclusively via conditional write; the cache
// is mutated by a single writer, per §5's shared-resource policy.
//
// Storage is wrapped once with txoverlay.WithTransactions so that
// transactional writers can sit between the client and the event log
// (spec line 27): segments, the event log, and the compaction engine
// all address the wrapped backend, which passes every StorageBackend
// call straight through to the underlying one, and additionally lets
// callers open a buffered Transaction via Scope.BeginTransaction.
type Scope struct {
	opts Options

	mu          sync.Mutex
	cache       *cache.LRU
	cacheLive   bool // false after ClearCache, until a new cache is created
	txBackend   *txoverlay.Backend
	segments    *segment.Manager
	events      *eventlog.Log
	compactor   *compaction.Engine
	shutdownFns []func() error
}

// Open constructs a Scope and loads its segment manifest from storage.
func Open(ctx context.Context, opts Options) (*Scope, error) {
	if opts.Storage == nil {
		return nil, fmt.Errorf("kernel: Options.Storage is required")
	}
	if opts.Dataset == "" {
		return nil, fmt.Errorf("kernel: Options.Dataset is required")
	}

	txBackend := txoverlay.WithTransactions(opts.Storage)

	segments := segment.New(txBackend, opts.Dataset, segment.Thresholds{
		MaxRows:  opts.Compaction.SegmentMaxRows,
		MaxBytes: opts.Compaction.SegmentMaxBytes,
	})
	if err := segments.Load(ctx); err != nil {
		return nil, fmt.Errorf("kernel: load manifest: %w", err)
	}

	s := &Scope{
		opts:      opts,
		cache:     cache.New(opts.MaxCacheSize, opts.OnCacheEvict),
		cacheLive: true,
		txBackend: txBackend,
		segments:  segments,
		events:    eventlog.New(segments, opts.Logger),
		compactor: compaction.New(txBackend, segments, opts.Dataset),
	}

	onexit.Register(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.segments.Flush(context.Background()); err != nil {
			s.opts.Logger.Error().Err(err).Msg("kernel: segment flush at shutdown failed")
		}
		for _, fn := range s.shutdownFns {
			if err := fn(); err != nil {
				s.opts.Logger.Error().Err(err).Msg("kernel: shutdown hook failed")
			}
		}
	})

	return s, nil
}

// RegisterShutdownHook runs fn during graceful shutdown, in addition to
// the scope's own segment flush.
func (s *Scope) RegisterShutdownHook(fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdownFns = append(s.shutdownFns, fn)
}

// EventLog returns the CDC append/scan surface.
func (s *Scope) EventLog() *eventlog.Log { return s.events }

// Segments returns the segment/manifest manager.
func (s *Scope) Segments() *segment.Manager { return s.segments }

// Compactor returns the compaction engine.
func (s *Scope) Compactor() *compaction.Engine { return s.compactor }

// Cache returns the scope's cache and true, or the non-error
// "stats unavailable" result (nil, false) of §7 when the cache has been
// cleared and not yet recreated for this scope.
func (s *Scope) Cache() (*cache.LRU, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cacheLive {
		return nil, false
	}
	return s.cache, true
}

// ClearCache removes the cache entirely; Cache returns (nil, false)
// until RecreateCache is called.
func (s *Scope) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = nil
	s.cacheLive = false
}

// RecreateCache installs a fresh cache with the scope's configured
// capacity and eviction callback.
func (s *Scope) RecreateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = cache.New(s.opts.MaxCacheSize, s.opts.OnCacheEvict)
	s.cacheLive = true
}

// Flush seals and flushes any buffered events, for use at shutdown or
// before an explicit compaction run.
func (s *Scope) Flush(ctx context.Context) error {
	return s.segments.Flush(ctx)
}

// Compact runs one compaction pass with this scope's engine.
func (s *Scope) Compact(ctx context.Context, opts compaction.Options) (compaction.Result, error) {
	return s.compactor.Run(ctx, opts)
}

// BeginTransaction opens a buffered transaction over this scope's
// storage backend (spec §4.2's beginTransaction()→Tx). Writes and
// deletes issued against the returned Transaction stay invisible to
// the event log and segment manager until Commit.
func (s *Scope) BeginTransaction() *txoverlay.Transaction {
	return s.txBackend.BeginTransaction()
}

// WithTransaction runs fn inside a new transaction over this scope's
// storage backend, committing on success and rolling back if fn
// returns an error or panics.
func (s *Scope) WithTransaction(ctx context.Context, fn func(tx *txoverlay.Transaction) error) error {
	return txoverlay.WithTransaction(ctx, s.txBackend, fn)
}
