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
package backend

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type memObject struct {
	data    []byte
	etag    string
	modTime time.Time
}

// MemoryBackend is an in-memory StorageBackend for embedding and tests.
// Grounded on the teacher's FileStorage shape but without a filesystem,
// guarded by a single mutex — matching the single-writer-per-scope
// concurrency contract of §5.
type MemoryBackend struct {
	mu      sync.Mutex
	objects map[string]*memObject
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{objects: make(map[string]*memObject)}
}

func etagFor(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum[:8])
}

func (m *MemoryBackend) Read(_ context.Context, path string) ([]byte, error) {
	p, err := ValidatePath(path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[p]
	if !ok {
		return nil, NewFileNotFoundError(path)
	}
	return append([]byte(nil), obj.data...), nil
}

func (m *MemoryBackend) ReadRange(_ context.Context, path string, start, end int64) ([]byte, error) {
	p, err := ValidatePath(path)
	if err != nil {
		return nil, err
	}
	if start < 0 || start > end {
		return nil, fmt.Errorf("backend: invalid range [%d,%d)", start, end)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[p]
	if !ok {
		return nil, NewFileNotFoundError(path)
	}
	size := int64(len(obj.data))
	if start > size {
		start = size
	}
	if end > size {
		end = size
	}
	return append([]byte(nil), obj.data[start:end]...), nil
}

func (m *MemoryBackend) Exists(_ context.Context, path string) (bool, error) {
	p, err := ValidatePath(path)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[p]
	return ok, nil
}

func (m *MemoryBackend) Stat(_ context.Context, path string) (*Stat, error) {
	p, err := ValidatePath(path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[p]
	if !ok {
		return nil, nil
	}
	return &Stat{Size: int64(len(obj.data)), ModTime: obj.modTime, ETag: obj.etag}, nil
}

func (m *MemoryBackend) writeLocked(p string, data []byte) WriteResult {
	cp := append([]byte(nil), data...)
	obj := &memObject{data: cp, etag: etagFor(cp), modTime: time.Now()}
	m.objects[p] = obj
	return WriteResult{Size: int64(len(cp)), ETag: obj.etag}
}

func (m *MemoryBackend) Write(_ context.Context, path string, data []byte, opts WriteOptions) (WriteResult, error) {
	p, err := ValidatePath(path)
	if err != nil {
		return WriteResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if opts.IfNoneMatch {
		if _, exists := m.objects[p]; exists {
			return WriteResult{}, NewFileExistsError(path)
		}
	}
	return m.writeLocked(p, data), nil
}

func (m *MemoryBackend) WriteAtomic(_ context.Context, path string, data []byte) (WriteResult, error) {
	p, err := ValidatePath(path)
	if err != nil {
		return WriteResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(p, data), nil
}

func (m *MemoryBackend) WriteConditional(_ context.Context, path string, data []byte, expectedETag string) (WriteResult, error) {
	p, err := ValidatePath(path)
	if err != nil {
		return WriteResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, exists := m.objects[p]
	if expectedETag == "" {
		if exists {
			return WriteResult{}, NewVersionMismatchError(path)
		}
	} else {
		if !exists || obj.etag != expectedETag {
			return WriteResult{}, NewVersionMismatchError(path)
		}
	}
	return m.writeLocked(p, data), nil
}

func (m *MemoryBackend) Append(_ context.Context, path string, data []byte) error {
	p, err := ValidatePath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[p]
	if !ok {
		m.writeLocked(p, data)
		return nil
	}
	newData := append(append([]byte(nil), obj.data...), data...)
	m.writeLocked(p, newData)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, path string) (bool, error) {
	p, err := ValidatePath(path)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[p]
	delete(m.objects, p)
	return ok, nil
}

func (m *MemoryBackend) DeletePrefix(_ context.Context, prefix string) (int, error) {
	p, err := ValidatePath(prefix)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for k := range m.objects {
		if strings.HasPrefix(k, p) {
			delete(m.objects, k)
			count++
		}
	}
	return count, nil
}

func (m *MemoryBackend) Mkdir(_ context.Context, path string) error {
	_, err := ValidatePath(path)
	return err // directories are implicit in a flat key space
}

func (m *MemoryBackend) Rmdir(ctx context.Context, path string, recursive bool) error {
	p, err := ValidatePath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	prefix := p
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	var children []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			children = append(children, k)
		}
	}
	m.mu.Unlock()
	if len(children) > 0 && !recursive {
		return NewDirectoryNotEmptyError(path)
	}
	if recursive {
		_, err := m.DeletePrefix(ctx, prefix)
		return err
	}
	return nil
}

func (m *MemoryBackend) List(_ context.Context, prefix string, opts ListOptions) (ListResult, error) {
	p, err := ValidatePath(prefix)
	if err != nil {
		return ListResult{}, err
	}
	if p != "" && strings.HasSuffix(prefix, "/") {
		p += "/"
	}
	m.mu.Lock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, p) {
			keys = append(keys, k)
		}
	}
	m.mu.Unlock()
	sort.Strings(keys)

	seenPrefixes := map[string]bool{}
	var files []ListEntry
	var prefixes []string
	for _, k := range keys {
		rest := strings.TrimPrefix(k, p)
		if opts.Delimiter != "" {
			if idx := strings.Index(rest, opts.Delimiter); idx >= 0 {
				sub := p + rest[:idx+len(opts.Delimiter)]
				if !seenPrefixes[sub] {
					seenPrefixes[sub] = true
					prefixes = append(prefixes, sub)
				}
				continue
			}
		}
		entry := ListEntry{Path: k}
		if opts.IncludeMetadata {
			obj := m.objects[k]
			entry.Stat = &Stat{Size: int64(len(obj.data)), ModTime: obj.modTime, ETag: obj.etag}
		}
		files = append(files, entry)
	}

	start := 0
	if opts.Cursor != "" {
		for i, f := range files {
			if f.Path > opts.Cursor {
				start = i
				break
			}
		}
	}
	files = files[start:]
	hasMore := false
	cursor := ""
	if opts.Limit > 0 && len(files) > opts.Limit {
		files = files[:opts.Limit]
		hasMore = true
		cursor = files[len(files)-1].Path
	}
	return ListResult{Files: files, Prefixes: prefixes, Cursor: cursor, HasMore: hasMore}, nil
}

func (m *MemoryBackend) Copy(_ context.Context, src, dst string) error {
	sp, err := ValidatePath(src)
	if err != nil {
		return err
	}
	dp, err := ValidatePath(dst)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[sp]
	if !ok {
		return NewFileNotFoundError(src)
	}
	m.writeLocked(dp, obj.data)
	return nil
}

func (m *MemoryBackend) Move(ctx context.Context, src, dst string) error {
	if err := m.Copy(ctx, src, dst); err != nil {
		return err
	}
	_, err := m.Delete(ctx, src)
	return err
}
