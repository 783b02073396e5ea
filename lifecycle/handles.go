// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import "sync"

// HandleTable is the process-wide reference count of outstanding open
// handles, keyed by proxy inode. It exists so that release-time
// migration fires exactly once, on the last close of a file that was
// opened more than once concurrently, rather than on every
// intermediate close. Rewritten as an explicit table with counted
// acquire/release rather than the ad hoc per-request counting it
// replaces.
type HandleTable struct {
	mu     sync.Mutex
	counts map[uint64]int64
}

func newHandleTable() *HandleTable {
	return &HandleTable{counts: make(map[uint64]int64)}
}

// Acquire records one more outstanding handle for ino.
func (h *HandleTable) Acquire(ino uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts[ino]++
}

// Release records one fewer outstanding handle for ino and reports
// whether it was the last one outstanding — the caller should run the
// release-time decision only when this returns true.
func (h *HandleTable) Release(ino uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.counts[ino] - 1
	if n <= 0 {
		delete(h.counts, ino)
		return true
	}
	h.counts[ino] = n
	return false
}

// Outstanding reports the current handle count for ino, for tests.
func (h *HandleTable) Outstanding(ino uint64) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[ino]
}
