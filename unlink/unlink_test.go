// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package unlink

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
	"github.com/surfergrl888/storage/segmenter"
	"github.com/surfergrl888/storage/segmentindex"
)

func setupTiered(t *testing.T) (*Engine, *pathmap.Mapper, *segmentindex.Index, *objectstore.Store, string, string) {
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

	data := bytes.Repeat([]byte("unlink-seed-content-"), 2000)
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
		Paths: paths,
		Index: idx,
		Store: store,
	}
	return e, paths, idx, store, root, "tiered"
}

func TestUnlinkReleasesSegmentsAndRemovesFiles(t *testing.T) {
	e, paths, idx, store, root, logical := setupTiered(t)

	metaPath, err := paths.MetadataPath(logical)
	if err != nil {
		t.Fatalf("MetadataPath: %v", err)
	}
	digestsBefore := idx.Digests()
	if len(digestsBefore) == 0 {
		t.Fatal("expected at least one indexed segment before unlink")
	}

	if err := e.Unlink(context.Background(), logical); err != nil {
		t.Fatalf("Unlink: %v", err)
	}

	if _, err := os.Stat(metaPath); !os.IsNotExist(err) {
		t.Error("metadata record should be removed after Unlink")
	}
	if _, err := os.Stat(filepath.Join(root, logical)); !os.IsNotExist(err) {
		t.Error("proxy file should be removed after Unlink")
	}
	if idx.Len() != 0 {
		t.Errorf("index should be empty after unlinking the sole referencer, Len() = %d", idx.Len())
	}

	for _, d := range digestsBefore {
		exists, err := store.Exists(context.Background(), d.Bucket(), d.Key())
		if err != nil {
			t.Fatalf("Exists: %v", err)
		}
		if exists {
			t.Errorf("object store should have purged digest %s once its refcount hit zero", d)
		}
	}
}

func TestUnlinkOnNeverTieredFileOnlyRemovesProxy(t *testing.T) {
	root := t.TempDir()
	paths := pathmap.New(root)
	idx, err := segmentindex.Open(paths.IndexMirrorPath())
	if err != nil {
		t.Fatalf("segmentindex.Open: %v", err)
	}
	store := objectstore.New("file://" + filepath.Join(root, "objects"))
	e := &Engine{Paths: paths, Index: idx, Store: store}

	proxyPath := filepath.Join(root, "resident")
	if err := os.WriteFile(proxyPath, []byte("resident content"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := e.Unlink(context.Background(), "resident"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, err := os.Stat(proxyPath); !os.IsNotExist(err) {
		t.Error("proxy file should be removed even for a never-tiered file")
	}
}

func TestUnlinkKeepsSharedSegmentAliveForSibling(t *testing.T) {
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
	mig := &migration.Engine{Paths: paths, Index: idx, Store: store, Compress: compress, Seg: segCfg}

	data := bytes.Repeat([]byte("shared-content-block-"), 2000)
	for _, name := range []string{"a", "b"} {
		if err := os.WriteFile(filepath.Join(root, name), data, 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		f, err := os.Open(filepath.Join(root, name))
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if _, err := mig.Migrate(context.Background(), name, f, int64(len(data)), true, true); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		f.Close()
	}

	e := &Engine{Paths: paths, Index: idx, Store: store}
	if err := e.Unlink(context.Background(), "a"); err != nil {
		t.Fatalf("Unlink a: %v", err)
	}
	if idx.Len() == 0 {
		t.Fatal("segments shared with sibling file b should survive unlinking a")
	}

	if err := e.Unlink(context.Background(), "b"); err != nil {
		t.Fatalf("Unlink b: %v", err)
	}
	if idx.Len() != 0 {
		t.Errorf("index should be empty once both siblings are unlinked, Len() = %d", idx.Len())
	}
}
