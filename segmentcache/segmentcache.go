// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package segmentcache implements the bounded LRU cache of locally
// materialised segments. Re-architected from an mmap'd block-ring
// cache device (which doesn't fit a plain one-file-per-digest model)
// onto a doubly-linked list plus a set, fixing the original C cache's
// membership-check bug along the way: its in_cache scan never advances
// its loop cursor and therefore never terminates on a miss. This
// implementation uses a real O(1) set lookup for membership and keeps
// the linked list only for LRU order.
package segmentcache

import (
	"container/list"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/surfergrl888/storage/digest"
	"github.com/surfergrl888/storage/tiererr"
)

// Cache is the bounded LRU segment cache. Segments live as plain files
// under root/<digest-hex>, uncompressed. Disabled (force) when the
// configured size is smaller than the largest possible segment — in
// that state the cache starts empty and callers check Disabled and
// fall back to a scratch file; Insert and EnsureCapacity do not check
// the flag themselves.
type Cache struct {
	mu   sync.Mutex
	root string
	size int64 // configured cache_size budget in bytes

	disabled bool

	order   *list.List // front = MRU, back = LRU
	nodes   map[digest.Digest]*list.Element
	current int64
}

// Config holds the cache's construction parameters.
type Config struct {
	Root       string
	Size       int64 // cache_size
	MaxSegSize int64 // max_seg_size; cache is force-disabled when Size < MaxSegSize
}

// Open creates or reopens the cache rooted at cfg.Root. A cold-start
// scan resurrects on-disk segment files whose digests are present in
// knownDigests (normally the segment index's digest set) into the LRU
// list in arbitrary order — recovering the original recency order is
// not required, only that resurrected entries are a subset of what was
// cached before.
func Open(cfg Config, knownDigests map[digest.Digest]int64) (*Cache, error) {
	c := &Cache{
		root:     cfg.Root,
		size:     cfg.Size,
		disabled: cfg.Size < cfg.MaxSegSize,
		order:    list.New(),
		nodes:    make(map[digest.Digest]*list.Element),
	}
	if c.disabled {
		return c, nil
	}

	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, &tiererr.IoError{Op: "mkdir", Path: cfg.Root, Err: err}
	}

	if err := checkStatfsCapacity(cfg.Root, cfg.Size); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(cfg.Root)
	if err != nil {
		return nil, &tiererr.IoError{Op: "readdir", Path: cfg.Root, Err: err}
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		d, err := digest.Parse(entry.Name())
		if err != nil {
			continue
		}
		length, known := knownDigests[d]
		if !known {
			continue
		}
		el := c.order.PushFront(d)
		c.nodes[d] = el
		c.current += length
	}

	return c, nil
}

// Disabled reports whether caching is force-disabled.
func (c *Cache) Disabled() bool {
	return c.disabled
}

// Contains reports whether digest d currently has a cache entry.
func (c *Cache) Contains(d digest.Digest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.nodes[d]
	return ok
}

// Touch promotes d to most-recently-used. No-op if already at the
// front or absent.
func (c *Cache) Touch(d digest.Digest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.nodes[d]
	if !ok {
		return
	}
	c.order.MoveToFront(el)
}

// Insert records a freshly-materialised segment of the given length at
// the front of the list. Capacity must already have been ensured by
// the caller via EnsureCapacity.
func (c *Cache) Insert(d digest.Digest, length int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[d]; ok {
		return
	}
	el := c.order.PushFront(d)
	c.nodes[d] = el
	c.current += length
}

// EnsureCapacity evicts LRU entries (deleting their on-disk files)
// until size-current >= n, i.e. there is room for n more bytes.
func (c *Cache) EnsureCapacity(n int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.size-c.current < n {
		back := c.order.Back()
		if back == nil {
			// Nothing left to evict but still short of room: the
			// caller asked for more than the budget can ever hold.
			return &tiererr.ConfigError{Field: "cache_size", Detail: fmt.Sprintf("cannot make room for %d bytes in a %d-byte cache", n, c.size)}
		}
		d := back.Value.(digest.Digest)
		if err := c.evictLocked(d); err != nil {
			return err
		}
	}
	return nil
}

// Evict removes digest d from the cache wherever it sits in the list
// and deletes its on-disk file. No-op if absent.
func (c *Cache) Evict(d digest.Digest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[d]; !ok {
		return nil
	}
	return c.evictLocked(d)
}

func (c *Cache) evictLocked(d digest.Digest) error {
	el, ok := c.nodes[d]
	if !ok {
		return nil
	}
	length, err := fileSize(c.Path(d))
	if err != nil && !os.IsNotExist(err) {
		return &tiererr.IoError{Op: "stat", Path: c.Path(d), Err: err}
	}
	if err := os.Remove(c.Path(d)); err != nil && !os.IsNotExist(err) {
		return &tiererr.IoError{Op: "remove", Path: c.Path(d), Err: err}
	}
	c.order.Remove(el)
	delete(c.nodes, d)
	c.current -= length
	if c.current < 0 {
		c.current = 0
	}
	return nil
}

// Path returns the on-disk path for digest d's cache file, whether or
// not it currently exists.
func (c *Cache) Path(d digest.Digest) string {
	return filepath.Join(c.root, d.String())
}

// CurrentBytes returns the cache's current byte usage.
func (c *Cache) CurrentBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// checkStatfsCapacity sanity-checks that the filesystem backing root
// has enough free space to ever hold the configured cache budget. A
// warning-grade check, not a hard invariant — the cache may still
// legitimately run near-full on a shared filesystem — so it only
// rejects the configuration when the filesystem's total capacity
// could never satisfy it.
func checkStatfsCapacity(root string, budget int64) error {
	var stat unix.Statfs_t
	if err := unix.Statfs(root, &stat); err != nil {
		return &tiererr.IoError{Op: "statfs", Path: root, Err: err}
	}
	total := int64(stat.Blocks) * int64(stat.Bsize)
	if total > 0 && budget > total {
		return &tiererr.ConfigError{
			Field:  "cache_size",
			Detail: fmt.Sprintf("%d bytes exceeds filesystem capacity %d bytes at %s", budget, total, root),
		}
	}
	return nil
}

// ScratchWriter returns a writer that materialises a segment directly
// to a one-off scratch file instead of the cache, used on the
// cache-disabled fetch path. The caller must remove the returned path
// after reading it.
func ScratchWriter(root, name string) (*os.File, string, error) {
	path := filepath.Join(root, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, "", &tiererr.IoError{Op: "create", Path: path, Err: err}
	}
	return f, path, nil
}
