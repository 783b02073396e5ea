// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package readengine

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/surfergrl888/storage/compressbridge"
	"github.com/surfergrl888/storage/migration"
	"github.com/surfergrl888/storage/objectstore"
	"github.com/surfergrl888/storage/pathmap"
	"github.com/surfergrl888/storage/segmentcache"
	"github.com/surfergrl888/storage/segmenter"
	"github.com/surfergrl888/storage/segmentindex"
)

// setup migrates a deterministic buffer into a tiered file (with its
// residual flushed as a final segment, emitTail=true) and returns a
// readengine.Engine sharing the same index/cache/store, plus the
// original bytes for comparison.
func setup(t *testing.T, cacheEnabled bool) (*Engine, string, []byte) {
	t.Helper()
	root := t.TempDir()
	paths := pathmap.New(root)

	idx, err := segmentindex.Open(paths.IndexMirrorPath())
	if err != nil {
		t.Fatalf("segmentindex.Open: %v", err)
	}
	segCfg, err := segmenter.NewConfig(48, 512)
	if err != nil {
		t.Fatalf("segmenter.NewConfig: %v", err)
	}
	store := objectstore.New("file://" + filepath.Join(root, "objects"))
	compress := compressbridge.New(compressbridge.Deflate)

	var cache *segmentcache.Cache
	if cacheEnabled {
		cache, err = segmentcache.Open(segmentcache.Config{
			Root:       paths.CacheRoot(),
			Size:       1 << 20,
			MaxSegSize: int64(segCfg.Max),
		}, nil)
	} else {
		cache, err = segmentcache.Open(segmentcache.Config{
			Root:       paths.CacheRoot(),
			Size:       1,
			MaxSegSize: int64(segCfg.Max),
		}, nil)
	}
	if err != nil {
		t.Fatalf("segmentcache.Open: %v", err)
	}

	data := bytes.Repeat([]byte("tiered-read-content-"), 2000)
	if err := os.WriteFile(filepath.Join(root, "tiered"), data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	mig := &migration.Engine{
		Paths:    paths,
		Index:    idx,
		Store:    store,
		Compress: compress,
		Seg:      segCfg,
	}
	f, err := os.Open(filepath.Join(root, "tiered"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	if _, err := mig.Migrate(context.Background(), "tiered", f, int64(len(data)), true, true); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	e := &Engine{
		Paths:    paths,
		Index:    idx,
		Cache:    cache,
		Store:    store,
		Compress: compress,
	}
	return e, "tiered", data
}

func TestReadFullFileMatchesOriginal(t *testing.T) {
	e, logical, original := setup(t, true)

	buf := make([]byte, len(original))
	n, err := e.Read(context.Background(), logical, buf, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != len(original) {
		t.Fatalf("Read returned %d bytes, want %d", n, len(original))
	}
	if !bytes.Equal(buf, original) {
		t.Fatal("Read output does not match the original bytes")
	}
}

func TestReadAtOffsetMidFile(t *testing.T) {
	e, logical, original := setup(t, true)

	offset := int64(len(original) / 3)
	buf := make([]byte, 100)
	n, err := e.Read(context.Background(), logical, buf, offset)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("Read returned %d bytes, want %d", n, len(buf))
	}
	want := original[offset : offset+int64(len(buf))]
	if !bytes.Equal(buf, want) {
		t.Fatal("Read output at offset does not match the original bytes")
	}
}

func TestReadPastEndOfFileReturnsZero(t *testing.T) {
	e, logical, original := setup(t, true)

	buf := make([]byte, 10)
	n, err := e.Read(context.Background(), logical, buf, int64(len(original))+1000)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 0 {
		t.Fatalf("Read past EOF returned %d bytes, want 0", n)
	}
}

func TestReadWithCacheDisabledMatchesOriginal(t *testing.T) {
	e, logical, original := setup(t, false)

	buf := make([]byte, len(original))
	n, err := e.Read(context.Background(), logical, buf, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != len(original) {
		t.Fatalf("Read returned %d bytes, want %d", n, len(original))
	}
	if !bytes.Equal(buf, original) {
		t.Fatal("Read output does not match the original bytes with cache disabled")
	}
}

// setupNoCompress mirrors setup but migrates with NoCompress set, so
// segments land in the object store as raw bytes, and wires the
// returned Engine with NoCompress set to match.
func setupNoCompress(t *testing.T, cacheEnabled bool) (*Engine, string, []byte) {
	t.Helper()
	root := t.TempDir()
	paths := pathmap.New(root)

	idx, err := segmentindex.Open(paths.IndexMirrorPath())
	if err != nil {
		t.Fatalf("segmentindex.Open: %v", err)
	}
	segCfg, err := segmenter.NewConfig(48, 512)
	if err != nil {
		t.Fatalf("segmenter.NewConfig: %v", err)
	}
	store := objectstore.New("file://" + filepath.Join(root, "objects"))
	compress := compressbridge.New(compressbridge.Deflate)

	var cache *segmentcache.Cache
	if cacheEnabled {
		cache, err = segmentcache.Open(segmentcache.Config{
			Root:       paths.CacheRoot(),
			Size:       1 << 20,
			MaxSegSize: int64(segCfg.Max),
		}, nil)
	} else {
		cache, err = segmentcache.Open(segmentcache.Config{
			Root:       paths.CacheRoot(),
			Size:       1,
			MaxSegSize: int64(segCfg.Max),
		}, nil)
	}
	if err != nil {
		t.Fatalf("segmentcache.Open: %v", err)
	}

	data := bytes.Repeat([]byte("no-compress-read-content-"), 2000)
	if err := os.WriteFile(filepath.Join(root, "tiered"), data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	mig := &migration.Engine{
		Paths:      paths,
		Index:      idx,
		Store:      store,
		Compress:   compress,
		Seg:        segCfg,
		NoCompress: true,
	}
	f, err := os.Open(filepath.Join(root, "tiered"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	if _, err := mig.Migrate(context.Background(), "tiered", f, int64(len(data)), true, true); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	e := &Engine{
		Paths:      paths,
		Index:      idx,
		Cache:      cache,
		Store:      store,
		Compress:   compress,
		NoCompress: true,
	}
	return e, "tiered", data
}

func TestReadWithNoCompressMatchesOriginal(t *testing.T) {
	e, logical, original := setupNoCompress(t, true)

	buf := make([]byte, len(original))
	n, err := e.Read(context.Background(), logical, buf, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != len(original) {
		t.Fatalf("Read returned %d bytes, want %d", n, len(original))
	}
	if !bytes.Equal(buf, original) {
		t.Fatal("Read output does not match the original bytes with compression disabled")
	}
}

func TestReadWithNoCompressAndCacheDisabledMatchesOriginal(t *testing.T) {
	e, logical, original := setupNoCompress(t, false)

	buf := make([]byte, len(original))
	n, err := e.Read(context.Background(), logical, buf, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != len(original) {
		t.Fatalf("Read returned %d bytes, want %d", n, len(original))
	}
	if !bytes.Equal(buf, original) {
		t.Fatal("Read output does not match the original bytes with compression and cache disabled")
	}
}
