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

// Package txoverlay wraps any backend.StorageBackend with per-transaction
// in-memory write/delete buffers (spec §4.2): reads check the pending
// write set, then the pending delete set, then fall through to the base
// backend; writes and deletes stay invisible to the base backend until
// commit. Grounded on the teacher's storage/transaction.go TxContext,
// generalized from row-level undo entries to byte-buffer pending sets
// over an abstract backend.
package txoverlay

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/launix-de/kerndb/backend"
)

// State is the lifecycle state of a Transaction.
type State uint8

const (
	Active State = iota
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled-back"
	default:
		return "unknown"
	}
}

// TransactionError is returned by any operation attempted against a
// transaction that is no longer active.
type TransactionError struct {
	Id    uint64
	State State
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("txoverlay: transaction %d is %s", e.Id, e.State)
}

var idCounter uint64

type pendingWrite struct {
	key  string
	data []byte
}

type pendingDelete struct {
	key string
}

// Transaction buffers writes and deletes against one base backend until
// Commit or Rollback. Not safe for concurrent use by multiple goroutines
// without external synchronization — matching the teacher's one-tx-per-
// caller assumption.
type Transaction struct {
	id     uint64
	base   backend.StorageBackend
	state  int32 // atomic State
	mu     sync.Mutex
	writes map[string]*pendingWrite
	deletes map[string]*pendingDelete
	order  []string // keys in first-touch order; Commit applies them sorted by key
}

// Begin starts a new transaction over base.
func Begin(base backend.StorageBackend) *Transaction {
	return &Transaction{
		id:      atomic.AddUint64(&idCounter, 1),
		base:    base,
		writes:  make(map[string]*pendingWrite),
		deletes: make(map[string]*pendingDelete),
	}
}

// Id returns the transaction's identifier.
func (tx *Transaction) Id() uint64 { return tx.id }

// State reports the transaction's current lifecycle state.
func (tx *Transaction) State() State { return State(atomic.LoadInt32(&tx.state)) }

func (tx *Transaction) requireActive() error {
	if s := tx.State(); s != Active {
		return &TransactionError{Id: tx.id, State: s}
	}
	return nil
}

func (tx *Transaction) touch(key string) {
	if _, ok := tx.writes[key]; ok {
		return
	}
	if _, ok := tx.deletes[key]; ok {
		return
	}
	tx.order = append(tx.order, key)
}

// Read returns the pending write for key if buffered, NewFileNotFoundError
// if key is pending-deleted, else falls through to the base backend.
func (tx *Transaction) Read(ctx context.Context, key string) ([]byte, error) {
	if err := tx.requireActive(); err != nil {
		return nil, err
	}
	tx.mu.Lock()
	if w, ok := tx.writes[key]; ok {
		data := append([]byte(nil), w.data...)
		tx.mu.Unlock()
		return data, nil
	}
	if _, ok := tx.deletes[key]; ok {
		tx.mu.Unlock()
		return nil, backend.NewFileNotFoundError(key)
	}
	tx.mu.Unlock()
	return tx.base.Read(ctx, key)
}

// Exists mirrors Read's visibility rules without fetching bytes.
func (tx *Transaction) Exists(ctx context.Context, key string) (bool, error) {
	if err := tx.requireActive(); err != nil {
		return false, err
	}
	tx.mu.Lock()
	if _, ok := tx.writes[key]; ok {
		tx.mu.Unlock()
		return true, nil
	}
	if _, ok := tx.deletes[key]; ok {
		tx.mu.Unlock()
		return false, nil
	}
	tx.mu.Unlock()
	return tx.base.Exists(ctx, key)
}

// Write buffers data for key; the base backend is untouched until Commit.
func (tx *Transaction) Write(key string, data []byte) error {
	if err := tx.requireActive(); err != nil {
		return err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.touch(key)
	delete(tx.deletes, key)
	tx.writes[key] = &pendingWrite{key: key, data: append([]byte(nil), data...)}
	return nil
}

// Delete buffers a tombstone for key; the base backend is untouched
// until Commit.
func (tx *Transaction) Delete(key string) error {
	if err := tx.requireActive(); err != nil {
		return err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.touch(key)
	delete(tx.writes, key)
	tx.deletes[key] = &pendingDelete{key: key}
	return nil
}

// Commit applies pending writes (via the base's WriteAtomic where
// available) and pending deletes in ascending key order; a not-found on
// delete is ignored, matching base backend idempotency at the commit
// boundary.
func (tx *Transaction) Commit(ctx context.Context) error {
	if err := tx.requireActive(); err != nil {
		return err
	}
	tx.mu.Lock()
	order := append([]string(nil), tx.order...)
	writes := tx.writes
	deletes := tx.deletes
	tx.mu.Unlock()

	// deterministic application order, independent of touch order
	sort.Strings(order)

	for _, key := range order {
		if w, ok := writes[key]; ok {
			if _, err := tx.base.WriteAtomic(ctx, key, w.data); err != nil {
				return fmt.Errorf("txoverlay: commit write %s: %w", key, err)
			}
			continue
		}
		if _, ok := deletes[key]; ok {
			if _, err := tx.base.Delete(ctx, key); err != nil && !backend.IsKind(err, backend.FileNotFound) {
				return fmt.Errorf("txoverlay: commit delete %s: %w", key, err)
			}
		}
	}
	atomic.StoreInt32(&tx.state, int32(Committed))
	return nil
}

// Rollback discards the pending sets without touching the base backend.
func (tx *Transaction) Rollback() error {
	if err := tx.requireActive(); err != nil {
		return err
	}
	tx.mu.Lock()
	tx.writes = make(map[string]*pendingWrite)
	tx.deletes = make(map[string]*pendingDelete)
	tx.order = nil
	tx.mu.Unlock()
	atomic.StoreInt32(&tx.state, int32(RolledBack))
	return nil
}

// Savepoint captures the pending sets for a nested rollback point.
type Savepoint struct {
	orderLen int
	writes   map[string]*pendingWrite
	deletes  map[string]*pendingDelete
}

// CreateSavepoint captures the current buffer contents.
func (tx *Transaction) CreateSavepoint() Savepoint {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return Savepoint{orderLen: len(tx.order), writes: maps.Clone(tx.writes), deletes: maps.Clone(tx.deletes)}
}

// RollbackToSavepoint discards writes/deletes buffered since sp was taken.
func (tx *Transaction) RollbackToSavepoint(sp Savepoint) error {
	if err := tx.requireActive(); err != nil {
		return err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.writes = maps.Clone(sp.writes)
	tx.deletes = maps.Clone(sp.deletes)
	tx.order = tx.order[:sp.orderLen]
	return nil
}

// Backend wraps a base backend.StorageBackend and additionally exposes
// BeginTransaction, matching spec §4.2's "same operations plus
// beginTransaction()→Tx". Every StorageBackend method passes straight
// through to the wrapped base; transactional isolation only applies to
// operations issued against a *Transaction obtained from
// BeginTransaction, so wrapping a backend never changes the behavior of
// callers that only ever use the plain StorageBackend surface.
type Backend struct {
	base backend.StorageBackend
}

// WithTransactions wraps base so it exposes BeginTransaction, unless
// base is already such a wrapper, in which case it is returned
// unchanged — repeated wrapping of the same backend is a no-op.
func WithTransactions(base backend.StorageBackend) *Backend {
	if b, ok := base.(*Backend); ok {
		return b
	}
	return &Backend{base: base}
}

// BeginTransaction starts a new transaction over the wrapped backend.
func (b *Backend) BeginTransaction() *Transaction {
	return Begin(b.base)
}

// Base returns the backend being wrapped.
func (b *Backend) Base() backend.StorageBackend { return b.base }

func (b *Backend) Read(ctx context.Context, path string) ([]byte, error) {
	return b.base.Read(ctx, path)
}

func (b *Backend) ReadRange(ctx context.Context, path string, start, end int64) ([]byte, error) {
	return b.base.ReadRange(ctx, path, start, end)
}

func (b *Backend) Exists(ctx context.Context, path string) (bool, error) {
	return b.base.Exists(ctx, path)
}

func (b *Backend) Stat(ctx context.Context, path string) (*backend.Stat, error) {
	return b.base.Stat(ctx, path)
}

func (b *Backend) Write(ctx context.Context, path string, data []byte, opts backend.WriteOptions) (backend.WriteResult, error) {
	return b.base.Write(ctx, path, data, opts)
}

func (b *Backend) WriteAtomic(ctx context.Context, path string, data []byte) (backend.WriteResult, error) {
	return b.base.WriteAtomic(ctx, path, data)
}

func (b *Backend) WriteConditional(ctx context.Context, path string, data []byte, expectedETag string) (backend.WriteResult, error) {
	return b.base.WriteConditional(ctx, path, data, expectedETag)
}

func (b *Backend) Append(ctx context.Context, path string, data []byte) error {
	return b.base.Append(ctx, path, data)
}

func (b *Backend) Delete(ctx context.Context, path string) (bool, error) {
	return b.base.Delete(ctx, path)
}

func (b *Backend) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	return b.base.DeletePrefix(ctx, prefix)
}

func (b *Backend) Mkdir(ctx context.Context, path string) error {
	return b.base.Mkdir(ctx, path)
}

func (b *Backend) Rmdir(ctx context.Context, path string, recursive bool) error {
	return b.base.Rmdir(ctx, path, recursive)
}

func (b *Backend) List(ctx context.Context, prefix string, opts backend.ListOptions) (backend.ListResult, error) {
	return b.base.List(ctx, prefix, opts)
}

func (b *Backend) Copy(ctx context.Context, src, dst string) error {
	return b.base.Copy(ctx, src, dst)
}

func (b *Backend) Move(ctx context.Context, src, dst string) error {
	return b.base.Move(ctx, src, dst)
}

// WithTransaction runs fn inside a new transaction over base, committing
// on success and rolling back if fn returns an error or panics.
func WithTransaction(ctx context.Context, base backend.StorageBackend, fn func(tx *Transaction) error) (err error) {
	tx := Begin(base)
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()
	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit(ctx)
}
