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
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
)

// LocalBackend stores objects under a root directory on the local
// filesystem. Grounded on the teacher's FileStorage
// (storage/persistence-files.go): schema.json is written via a
// write-temp-then-rename sequence to avoid ever leaving a half-written
// file behind; here every write except Append goes through that same
// pattern.
//
// WriteConditional is serialized with a flock(2) advisory lock held for
// the span of read-etag, write-temp, rename, matching the teacher's
// single-writer assumption but making it safe across separate OS
// processes sharing a directory too. Write with IfNoneMatch is
// serialized only by the in-process mutex, not by the flock.
type LocalBackend struct {
	root string

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	watcher *fsnotify.Watcher
}

func NewLocalBackend(root string) (*LocalBackend, error) {
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("backend: create root %s: %w", root, err)
	}
	return &LocalBackend{root: root, locks: make(map[string]*sync.Mutex)}, nil
}

func (l *LocalBackend) full(p string) string {
	return filepath.Join(l.root, filepath.FromSlash(p))
}

func (l *LocalBackend) pathLock(p string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[p]
	if !ok {
		m = &sync.Mutex{}
		l.locks[p] = m
	}
	return m
}

func statEtag(fi fs.FileInfo) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d-%d-%v", fi.Size(), fi.ModTime().UnixNano(), fi.Mode())))
	return fmt.Sprintf("%x", sum[:8])
}

func (l *LocalBackend) Read(_ context.Context, path string) ([]byte, error) {
	p, err := ValidatePath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(l.full(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewFileNotFoundError(path)
		}
		return nil, err
	}
	return data, nil
}

func (l *LocalBackend) ReadRange(_ context.Context, path string, start, end int64) ([]byte, error) {
	p, err := ValidatePath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(l.full(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewFileNotFoundError(path)
		}
		return nil, err
	}
	defer f.Close()
	if start < 0 || start > end {
		return nil, fmt.Errorf("backend: invalid range [%d,%d)", start, end)
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, end-start)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

func (l *LocalBackend) Exists(_ context.Context, path string) (bool, error) {
	p, err := ValidatePath(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(l.full(p))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (l *LocalBackend) Stat(_ context.Context, path string) (*Stat, error) {
	p, err := ValidatePath(path)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(l.full(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &Stat{Size: fi.Size(), ModTime: fi.ModTime(), ETag: statEtag(fi), IsDirectory: fi.IsDir()}, nil
}

// writeAtomic writes data to a temp file beside dst and renames it into
// place, matching the teacher's schema.json write sequence.
func writeAtomic(dst string, data []byte) (fs.FileInfo, error) {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return nil, err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return nil, err
	}
	return os.Stat(dst)
}

func (l *LocalBackend) Write(_ context.Context, path string, data []byte, opts WriteOptions) (WriteResult, error) {
	p, err := ValidatePath(path)
	if err != nil {
		return WriteResult{}, err
	}
	full := l.full(p)
	lock := l.pathLock(p)
	lock.Lock()
	defer lock.Unlock()
	if opts.IfNoneMatch {
		if _, err := os.Stat(full); err == nil {
			return WriteResult{}, NewFileExistsError(path)
		}
	}
	fi, err := writeAtomic(full, data)
	if err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Size: fi.Size(), ETag: statEtag(fi)}, nil
}

func (l *LocalBackend) WriteAtomic(_ context.Context, path string, data []byte) (WriteResult, error) {
	p, err := ValidatePath(path)
	if err != nil {
		return WriteResult{}, err
	}
	lock := l.pathLock(p)
	lock.Lock()
	defer lock.Unlock()
	fi, err := writeAtomic(l.full(p), data)
	if err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Size: fi.Size(), ETag: statEtag(fi)}, nil
}

// WriteConditional holds an flock(2) advisory lock on a sidecar ".lock"
// file for the span of read-etag -> write-temp -> rename, so the
// check-then-act is safe even across separate OS processes sharing this
// directory, not merely goroutines in this one.
func (l *LocalBackend) WriteConditional(_ context.Context, path string, data []byte, expectedETag string) (WriteResult, error) {
	p, err := ValidatePath(path)
	if err != nil {
		return WriteResult{}, err
	}
	full := l.full(p)
	if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
		return WriteResult{}, err
	}
	lockPath := full + ".lock"
	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0640)
	if err != nil {
		return WriteResult{}, err
	}
	defer lf.Close()
	if err := syscall.Flock(int(lf.Fd()), syscall.LOCK_EX); err != nil {
		return WriteResult{}, fmt.Errorf("backend: flock %s: %w", lockPath, err)
	}
	defer syscall.Flock(int(lf.Fd()), syscall.LOCK_UN)

	fi, statErr := os.Stat(full)
	exists := statErr == nil
	if expectedETag == "" {
		if exists {
			return WriteResult{}, NewVersionMismatchError(path)
		}
	} else {
		if !exists || statEtag(fi) != expectedETag {
			return WriteResult{}, NewVersionMismatchError(path)
		}
	}
	newFi, err := writeAtomic(full, data)
	if err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Size: newFi.Size(), ETag: statEtag(newFi)}, nil
}

func (l *LocalBackend) Append(_ context.Context, path string, data []byte) error {
	p, err := ValidatePath(path)
	if err != nil {
		return err
	}
	full := l.full(p)
	lock := l.pathLock(p)
	lock.Lock()
	defer lock.Unlock()
	if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
		return err
	}
	f, err := os.OpenFile(full, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

func (l *LocalBackend) Delete(_ context.Context, path string) (bool, error) {
	p, err := ValidatePath(path)
	if err != nil {
		return false, err
	}
	full := l.full(p)
	if _, err := os.Stat(full); os.IsNotExist(err) {
		return false, nil
	}
	if err := os.Remove(full); err != nil {
		return false, err
	}
	os.Remove(full + ".lock")
	return true, nil
}

func (l *LocalBackend) DeletePrefix(_ context.Context, prefix string) (int, error) {
	p, err := ValidatePath(prefix)
	if err != nil {
		return 0, err
	}
	base := l.full(p)
	count := 0
	err = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() && !strings.HasSuffix(path, ".lock") {
			count++
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return 0, err
	}
	if err := os.RemoveAll(base); err != nil {
		return 0, err
	}
	return count, nil
}

func (l *LocalBackend) Mkdir(_ context.Context, path string) error {
	p, err := ValidatePath(path)
	if err != nil {
		return err
	}
	return os.MkdirAll(l.full(p), 0750)
}

func (l *LocalBackend) Rmdir(_ context.Context, path string, recursive bool) error {
	p, err := ValidatePath(path)
	if err != nil {
		return err
	}
	full := l.full(p)
	if recursive {
		return os.RemoveAll(full)
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(entries) > 0 {
		return NewDirectoryNotEmptyError(path)
	}
	return os.Remove(full)
}

func (l *LocalBackend) List(_ context.Context, prefix string, opts ListOptions) (ListResult, error) {
	p, err := ValidatePath(prefix)
	if err != nil {
		return ListResult{}, err
	}
	if p != "" && strings.HasSuffix(prefix, "/") {
		p += "/"
	}
	base := l.full(p)
	var keys []string
	err = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, ".lock") {
			return nil
		}
		rel, rerr := filepath.Rel(l.root, path)
		if rerr != nil {
			return rerr
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return ListResult{}, err
	}
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
			if fi, err := os.Stat(l.full(k)); err == nil {
				entry.Stat = &Stat{Size: fi.Size(), ModTime: fi.ModTime(), ETag: statEtag(fi)}
			}
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
		files = files[start:]
	}
	hasMore := false
	cursor := ""
	if opts.Limit > 0 && len(files) > opts.Limit {
		files = files[:opts.Limit]
		hasMore = true
		cursor = files[len(files)-1].Path
	}
	return ListResult{Files: files, Prefixes: prefixes, Cursor: cursor, HasMore: hasMore}, nil
}

func (l *LocalBackend) Copy(_ context.Context, src, dst string) error {
	sp, err := ValidatePath(src)
	if err != nil {
		return err
	}
	dp, err := ValidatePath(dst)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(l.full(sp))
	if err != nil {
		if os.IsNotExist(err) {
			return NewFileNotFoundError(src)
		}
		return err
	}
	_, err = writeAtomic(l.full(dp), data)
	return err
}

func (l *LocalBackend) Move(_ context.Context, src, dst string) error {
	sp, err := ValidatePath(src)
	if err != nil {
		return err
	}
	dp, err := ValidatePath(dst)
	if err != nil {
		return err
	}
	full := l.full(dp)
	if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
		return err
	}
	if err := os.Rename(l.full(sp), full); err != nil {
		if os.IsNotExist(err) {
			return NewFileNotFoundError(src)
		}
		return err
	}
	return nil
}

// WatchManifest reports changes to path (typically the segment
// manifest) made by other processes, so a long-lived kernel can pick up
// writer-elsewhere mutations without polling. Grounded on the teacher's
// use of fsnotify.Watcher for hot schema reload.
func (l *LocalBackend) WatchManifest(path string, onChange func()) (func() error, error) {
	p, err := ValidatePath(path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	if l.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			l.mu.Unlock()
			return nil, err
		}
		l.watcher = w
	}
	w := l.watcher
	l.mu.Unlock()

	full := l.full(p)
	if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(full)); err != nil {
		return nil, err
	}
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) == filepath.Clean(full) &&
					(ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0) {
					onChange()
				}
			case <-w.Errors:
			case <-stop:
				return
			}
		}
	}()
	return func() error {
		close(stop)
		return nil
	}, nil
}
