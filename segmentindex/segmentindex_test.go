// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package segmentindex

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/surfergrl888/storage/digest"
	"github.com/surfergrl888/storage/tiererr"
)

func TestOpenOnMissingMirrorIsEmpty(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), ".hash_table"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if idx.Len() != 0 {
		t.Errorf("Len() = %d, want 0", idx.Len())
	}
}

func TestInsertLookupAndDuplicate(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), ".hash_table"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	d := digest.Of([]byte("segment"))

	if err := idx.Insert(d, 4096); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	entry, ok := idx.Lookup(d)
	if !ok {
		t.Fatal("Lookup did not find inserted digest")
	}
	if entry.Length != 4096 || entry.Refcount != 1 {
		t.Errorf("entry = %+v, want {Length:4096 Refcount:1}", entry)
	}

	var dup *tiererr.Duplicate
	if err := idx.Insert(d, 4096); !errors.As(err, &dup) {
		t.Fatalf("expected *tiererr.Duplicate on re-insert, got %v (%T)", err, err)
	}
}

func TestAcquireMissingReturnsMissing(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), ".hash_table"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var missing *tiererr.Missing
	if err := idx.Acquire(digest.Of([]byte("nope"))); !errors.As(err, &missing) {
		t.Fatalf("expected *tiererr.Missing, got %v (%T)", err, err)
	}
}

func TestAcquireAndReleaseRefcounting(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), ".hash_table"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	d := digest.Of([]byte("shared"))
	if err := idx.Insert(d, 128); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := idx.Acquire(d); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	entry, _ := idx.Lookup(d)
	if entry.Refcount != 2 {
		t.Fatalf("Refcount = %d, want 2", entry.Refcount)
	}

	zero, err := idx.Release(d)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if zero {
		t.Fatal("Release should not report zero while refcount is still 1")
	}

	zero, err = idx.Release(d)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !zero {
		t.Fatal("Release should report zero after the last reference is dropped")
	}
	if _, ok := idx.Lookup(d); ok {
		t.Error("digest should be gone from the index once refcount hits zero")
	}
}

func TestFlushAndReopenSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".hash_table")
	idx, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	d1 := digest.Of([]byte("one"))
	d2 := digest.Of([]byte("two"))
	if err := idx.Insert(d1, 10); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := idx.Insert(d2, 20); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Len() != 2 {
		t.Fatalf("reopened Len() = %d, want 2", reopened.Len())
	}
	entry, ok := reopened.Lookup(d1)
	if !ok || entry.Length != 10 {
		t.Errorf("reopened entry for d1 = %+v, ok=%v, want Length 10", entry, ok)
	}
}

func TestDigestsReturnsAllEntries(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), ".hash_table"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	d1 := digest.Of([]byte("alpha"))
	d2 := digest.Of([]byte("beta"))
	idx.Insert(d1, 1)
	idx.Insert(d2, 2)

	all := idx.Digests()
	if len(all) != 2 {
		t.Fatalf("Digests() returned %d entries, want 2", len(all))
	}
}
