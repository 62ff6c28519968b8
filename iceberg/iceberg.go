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

// Package iceberg implements the Iceberg/table-format adapter (spec
// §4.9): hard-delete via equality-delete files, append-only monotonic
// snapshots, and time-travel views that reconstruct a prior snapshot
// without touching current state. Grounded on the teacher's
// append-only manifest-list pattern in storage/persistence-s3.go,
// generalized to Iceberg's data/metadata split, with
// google/btree ordering the snapshot list by monotonic snapshot id.
package iceberg

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/launix-de/kerndb/backend"
)

// Operation labels a snapshot's effect.
type Operation string

const (
	OpAppend    Operation = "append"
	OpOverwrite Operation = "overwrite"
	OpDelete    Operation = "delete"
)

// DataFile is one base-data or equality-delete file reference.
type DataFile struct {
	Path       string `json:"path"`
	IsDelete   bool   `json:"isDelete"`
	RecordKeys []string `json:"recordKeys,omitempty"` // primary keys, for delete files
}

// Manifest lists the data files a snapshot adds.
type Manifest struct {
	Path  string     `json:"path"`
	Files []DataFile `json:"files"`
}

// Snapshot is one append-only entry in the table's history.
type Snapshot struct {
	Id        int64     `json:"id"`
	Operation Operation `json:"operation"`
	Manifests []string  `json:"manifests"` // manifest paths added by this snapshot
	ParentId  int64     `json:"parentId"`
}

// Less implements btree.Item, ordering snapshots by ascending id.
func (s *Snapshot) Less(than btree.Item) bool {
	return s.Id < than.(*Snapshot).Id
}

// Row is one logical record; PrimaryKey identifies it for equality
// deletes.
type Row struct {
	PrimaryKey string
	Payload    any
}

func tablePath(warehouse, database, table string) string {
	return strings.TrimSuffix(warehouse, "/") + "/" + database + "/" + table
}

// Table manages one Iceberg-style table under warehouse/database/table.
type Table struct {
	backend   backend.StorageBackend
	path      string
	snapshots *btree.BTree
	nextId    int64
	current   int64 // id of the current snapshot, 0 if none
}

// Open constructs (or reopens) a Table. It does not read durable state;
// call Load to hydrate the snapshot list from storage.
func Open(b backend.StorageBackend, warehouse, database, table string) *Table {
	return &Table{backend: b, path: tablePath(warehouse, database, table), snapshots: btree.New(32), nextId: 1}
}

func (t *Table) manifestListPath() string { return t.path + "/metadata/snapshots.json" }

// Load hydrates the in-memory snapshot list from durable storage.
func (t *Table) Load(ctx context.Context) error {
	data, err := t.backend.Read(ctx, t.manifestListPath())
	if err != nil {
		if backend.IsKind(err, backend.FileNotFound) {
			return nil
		}
		return err
	}
	var snaps []Snapshot
	if err := json.Unmarshal(data, &snaps); err != nil {
		return fmt.Errorf("iceberg: corrupt snapshot list: %w", err)
	}
	for i := range snaps {
		t.snapshots.ReplaceOrInsert(&snaps[i])
		if snaps[i].Id >= t.nextId {
			t.nextId = snaps[i].Id + 1
		}
		if snaps[i].Id > t.current {
			t.current = snaps[i].Id
		}
	}
	return nil
}

func (t *Table) persistSnapshotList(ctx context.Context) error {
	snaps := t.ListSnapshots()
	raw, err := json.Marshal(snaps)
	if err != nil {
		return err
	}
	_, err = t.backend.WriteAtomic(ctx, t.manifestListPath(), raw)
	return err
}

// ListSnapshots returns every snapshot ordered by ascending id.
func (t *Table) ListSnapshots() []Snapshot {
	var out []Snapshot
	t.snapshots.Ascend(func(it btree.Item) bool {
		out = append(out, *it.(*Snapshot))
		return true
	})
	return out
}

// CurrentSnapshotId returns the id of the latest snapshot, or 0 if the
// table is empty.
func (t *Table) CurrentSnapshotId() int64 { return t.current }

func (t *Table) nextSnapshotId() int64 {
	id := atomic.AddInt64(&t.nextId, 1) - 1
	return id
}

func dataFilePath(tablePath string, snapshotId int64) string {
	return fmt.Sprintf("%s/data/data-%d.json", tablePath, snapshotId)
}

func deleteFilePath(tablePath string, snapshotId int64) string {
	return fmt.Sprintf("%s/data/delete-%d.json", tablePath, snapshotId)
}

func manifestFilePath(tablePath string, snapshotId int64) string {
	return fmt.Sprintf("%s/metadata/manifest-%d.json", tablePath, snapshotId)
}

// Append writes rows as a new base-data file, records a manifest, and
// commits a new append snapshot.
func (t *Table) Append(ctx context.Context, rows []Row) (Snapshot, error) {
	id := t.nextSnapshotId()
	dataPath := dataFilePath(t.path, id)
	raw, err := json.Marshal(rows)
	if err != nil {
		return Snapshot{}, err
	}
	if _, err := t.backend.WriteAtomic(ctx, dataPath, raw); err != nil {
		return Snapshot{}, err
	}
	man := Manifest{Path: manifestFilePath(t.path, id), Files: []DataFile{{Path: dataPath}}}
	manRaw, err := json.Marshal(man)
	if err != nil {
		return Snapshot{}, err
	}
	if _, err := t.backend.WriteAtomic(ctx, man.Path, manRaw); err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Id: id, Operation: OpAppend, Manifests: []string{man.Path}, ParentId: t.current}
	t.snapshots.ReplaceOrInsert(&snap)
	t.current = id
	if err := t.persistSnapshotList(ctx); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// HardDelete records an equality-delete file for primaryKeys and
// commits a new delete snapshot. Prior snapshots are untouched — a
// time-travel view of an earlier snapshot still returns the deleted
// rows, since hard delete does not rewrite history.
func (t *Table) HardDelete(ctx context.Context, primaryKeys []string) (Snapshot, error) {
	id := t.nextSnapshotId()
	delPath := deleteFilePath(t.path, id)
	raw, err := json.Marshal(primaryKeys)
	if err != nil {
		return Snapshot{}, err
	}
	if _, err := t.backend.WriteAtomic(ctx, delPath, raw); err != nil {
		return Snapshot{}, err
	}
	man := Manifest{Path: manifestFilePath(t.path, id), Files: []DataFile{{Path: delPath, IsDelete: true, RecordKeys: primaryKeys}}}
	manRaw, err := json.Marshal(man)
	if err != nil {
		return Snapshot{}, err
	}
	if _, err := t.backend.WriteAtomic(ctx, man.Path, manRaw); err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Id: id, Operation: OpDelete, Manifests: []string{man.Path}, ParentId: t.current}
	t.snapshots.ReplaceOrInsert(&snap)
	t.current = id
	if err := t.persistSnapshotList(ctx); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Query returns the live rows visible at the current snapshot:
// concatenation of every append data file minus rows named by any
// equality-delete file, up to and including the current snapshot.
// includeDeleted has no effect at the current snapshot — hard deletes
// are unconditionally invisible there, per §4.9.
func (t *Table) Query(ctx context.Context, includeDeleted bool) ([]Row, error) {
	return t.QueryAt(ctx, t.current, includeDeleted)
}

// QueryAt reconstructs the view as of snapshotId, applying only
// manifests reachable by walking ParentId back from snapshotId —
// so a query at a snapshot before a delete still returns the deleted
// rows. includeDeleted is ignored: equality deletes recorded at or
// before snapshotId always apply within that view; they represent
// the table's state at that point, not a later hidden mutation.
func (t *Table) QueryAt(ctx context.Context, snapshotId int64, includeDeleted bool) ([]Row, error) {
	var chain []Snapshot
	for id := snapshotId; id != 0; {
		item := t.snapshots.Get(&Snapshot{Id: id})
		if item == nil {
			break
		}
		snap := item.(*Snapshot)
		chain = append(chain, *snap)
		id = snap.ParentId
	}
	// chain is newest-first; reverse to apply oldest-first
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	rowsByKey := map[string]Row{}
	order := []string{}
	deleted := map[string]bool{}
	for _, snap := range chain {
		for _, manPath := range snap.Manifests {
			data, err := t.backend.Read(ctx, manPath)
			if err != nil {
				return nil, fmt.Errorf("iceberg: read manifest %s: %w", manPath, err)
			}
			var man Manifest
			if err := json.Unmarshal(data, &man); err != nil {
				return nil, fmt.Errorf("iceberg: corrupt manifest %s: %w", manPath, err)
			}
			for _, f := range man.Files {
				if f.IsDelete {
					for _, k := range f.RecordKeys {
						deleted[k] = true
					}
					continue
				}
				raw, err := t.backend.Read(ctx, f.Path)
				if err != nil {
					return nil, fmt.Errorf("iceberg: read data file %s: %w", f.Path, err)
				}
				var rows []Row
				if err := json.Unmarshal(raw, &rows); err != nil {
					return nil, fmt.Errorf("iceberg: corrupt data file %s: %w", f.Path, err)
				}
				for _, r := range rows {
					if _, seen := rowsByKey[r.PrimaryKey]; !seen {
						order = append(order, r.PrimaryKey)
					}
					rowsByKey[r.PrimaryKey] = r
				}
			}
		}
	}

	var out []Row
	for _, key := range order {
		if deleted[key] {
			continue
		}
		out = append(out, rowsByKey[key])
	}
	return out, nil
}
