// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package segmentindex implements the in-memory segment index
// (digest -> length, refcount) and its durable mirror. The mirror is
// rewritten in full on every mutation: unlike an append-log-with-
// compaction index, this format is a flat array of fixed-size records
// with no journal. Crash-consistent atomicity across segments is not
// provided — only that a successful request leaves behind a persisted
// index.
package segmentindex

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/surfergrl888/storage/digest"
	"github.com/surfergrl888/storage/tiererr"
)

// recordSize is the packed on-disk record: digest (digest.Size bytes)
// + length (int32) + refcount (int32).
const recordSize = digest.Size + 4 + 4

// Entry is the value held for each indexed digest.
type Entry struct {
	Length   int64
	Refcount int64
}

// Index is the in-memory digest -> Entry map plus its durable mirror
// path. All methods assume external synchronization consistent with a
// single-threaded bridge request loop; Index itself adds a mutex so it
// is also safe to share across goroutines if an embedder chooses to
// relax that assumption, with the lock ordering index before cache
// before file.
type Index struct {
	mu      sync.Mutex
	path    string
	entries map[digest.Digest]Entry
}

// Open loads (or creates) the index mirror at path. If the file does
// not exist, an empty index is returned — this is the expected state
// on first mount.
func Open(path string) (*Index, error) {
	idx := &Index{
		path:    path,
		entries: make(map[digest.Digest]Entry),
	}
	if err := idx.rebuild(); err != nil {
		return nil, err
	}
	return idx, nil
}

// rebuild reads the mirror from disk. Records that don't parse or are
// partial (a truncated tail, e.g. from a crash mid-flush) are dropped
// silently rather than treated as a fatal error — entries whose blobs
// turn out to be absent from the object store are still loaded; I2 is
// enforced only by the happy path, not by rebuild.
func (idx *Index) rebuild() error {
	file, err := os.Open(idx.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &tiererr.IoError{Op: "open", Path: idx.path, Err: err}
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	buf := make([]byte, recordSize)
	entries := make(map[digest.Digest]Entry)

	for {
		n, err := io.ReadFull(reader, buf)
		if err != nil {
			// A short/partial final record (n < recordSize, including
			// n == 0 for a clean EOF) ends the scan without error —
			// this is the crash-tolerant rebuild path.
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return &tiererr.IoError{Op: "read", Path: idx.path, Err: err}
		}
		if n != recordSize {
			break
		}

		var d digest.Digest
		copy(d[:], buf[:digest.Size])
		length := int32(binary.LittleEndian.Uint32(buf[digest.Size : digest.Size+4]))
		refcount := int32(binary.LittleEndian.Uint32(buf[digest.Size+4 : digest.Size+8]))
		if length < 0 || refcount < 0 {
			// Not a parseable record — drop the rest of the tail too,
			// since the record stream is no longer self-synchronizing
			// once one record is garbage.
			break
		}

		entries[d] = Entry{Length: int64(length), Refcount: int64(refcount)}
	}

	idx.entries = entries
	return nil
}

// Lookup returns the entry for digest d, if present.
func (idx *Index) Lookup(d digest.Digest) (Entry, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	entry, ok := idx.entries[d]
	return entry, ok
}

// Insert adds a fresh digest with refcount 1. Returns Duplicate if
// already present.
func (idx *Index) Insert(d digest.Digest, length int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, exists := idx.entries[d]; exists {
		return &tiererr.Duplicate{Digest: d.String()}
	}
	idx.entries[d] = Entry{Length: length, Refcount: 1}
	return idx.flushLocked()
}

// Acquire increments the refcount for an existing digest. Returns
// Missing if absent.
func (idx *Index) Acquire(d digest.Digest) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	entry, ok := idx.entries[d]
	if !ok {
		return &tiererr.Missing{Digest: d.String()}
	}
	entry.Refcount++
	idx.entries[d] = entry
	return idx.flushLocked()
}

// Release decrements the refcount for digest d. Returns (true, nil)
// when the refcount reaches zero — the caller is then responsible for
// deleting the object-store blob and any cache entry. Returns Missing
// if absent.
func (idx *Index) Release(d digest.Digest) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	entry, ok := idx.entries[d]
	if !ok {
		return false, &tiererr.Missing{Digest: d.String()}
	}
	entry.Refcount--
	if entry.Refcount <= 0 {
		delete(idx.entries, d)
		if err := idx.flushLocked(); err != nil {
			return true, err
		}
		return true, nil
	}
	idx.entries[d] = entry
	return false, idx.flushLocked()
}

// Flush rewrites the durable mirror from the current in-memory state.
func (idx *Index) Flush() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.flushLocked()
}

// flushLocked performs the atomic rewrite-whole-file mirror update.
// Writes to a temp file in the same directory then renames over the
// final path, so readers (the rebuild path on a concurrent crash)
// never observe a half-written mirror — the same pattern used
// elsewhere for metadata and reconstruction files.
func (idx *Index) flushLocked() error {
	tmp, err := os.CreateTemp(filepath.Dir(idx.path), "hash_table-*.tmp")
	if err != nil {
		return &tiererr.IoError{Op: "create-temp", Path: idx.path, Err: err}
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	writer := bufio.NewWriter(tmp)
	buf := make([]byte, recordSize)
	for d, entry := range idx.entries {
		copy(buf[:digest.Size], d[:])
		binary.LittleEndian.PutUint32(buf[digest.Size:digest.Size+4], uint32(entry.Length))
		binary.LittleEndian.PutUint32(buf[digest.Size+4:digest.Size+8], uint32(entry.Refcount))
		if _, err := writer.Write(buf); err != nil {
			tmp.Close()
			return &tiererr.IoError{Op: "write", Path: tmpPath, Err: err}
		}
	}
	if err := writer.Flush(); err != nil {
		tmp.Close()
		return &tiererr.IoError{Op: "flush", Path: tmpPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &tiererr.IoError{Op: "close", Path: tmpPath, Err: err}
	}
	if err := os.Rename(tmpPath, idx.path); err != nil {
		return &tiererr.IoError{Op: "rename", Path: idx.path, Err: err}
	}

	success = true
	return nil
}

// Len returns the number of indexed digests.
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.entries)
}

// Digests returns a snapshot slice of all indexed digests, used by the
// cache's cold-start resurrection scan.
func (idx *Index) Digests() []digest.Digest {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make([]digest.Digest, 0, len(idx.entries))
	for d := range idx.entries {
		out = append(out, d)
	}
	return out
}

