// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fsbridge

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/surfergrl888/storage/lifecycle"
	"github.com/surfergrl888/storage/metadata"
	"github.com/surfergrl888/storage/tierfsconfig"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// The kernel FUSE mount itself is out of scope for these tests: they
// cover validation, pure helper logic, and node methods (including the
// handle-counted release path) called directly, with no mounted tree.

func TestMountRequiresMountpoint(t *testing.T) {
	_, err := Mount(Options{Core: &lifecycle.Core{}})
	if err == nil {
		t.Fatal("expected an error when Mountpoint is empty")
	}
}

func TestMountRequiresCore(t *testing.T) {
	_, err := Mount(Options{Mountpoint: t.TempDir()})
	if err == nil {
		t.Fatal("expected an error when Core is nil")
	}
}

func TestDirNodeLogicalPath(t *testing.T) {
	root := &dirNode{relPath: ""}
	if got, want := root.logicalPath("foo"), "foo"; got != want {
		t.Errorf("root logicalPath(%q) = %q, want %q", "foo", got, want)
	}

	sub := &dirNode{relPath: "foo"}
	if got, want := sub.logicalPath("bar"), "foo/bar"; got != want {
		t.Errorf("sub logicalPath(%q) = %q, want %q", "bar", got, want)
	}
}

func TestSizeOfReportsProxySizeForResidentFile(t *testing.T) {
	ssd := t.TempDir()
	cfg := &tierfsconfig.Config{
		SSDPath:          ssd,
		ThresholdBytes:   4096,
		AvgSegSize:       512,
		RabinWindowSize:  48,
		CacheSizeBytes:   1 << 20,
		ObjectStoreURL:   "file://" + filepath.Join(t.TempDir(), "objects"),
		CompressionCodec: "deflate",
	}
	core, err := lifecycle.Init(cfg)
	if err != nil {
		t.Fatalf("lifecycle.Init: %v", err)
	}

	proxy := filepath.Join(ssd, "resident.txt")
	contents := []byte("resident file contents")
	if err := os.WriteFile(proxy, contents, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	info, err := os.Stat(proxy)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	d := &dirNode{core: core}
	size, err := d.sizeOf("resident.txt", info)
	if err != nil {
		t.Fatalf("sizeOf: %v", err)
	}
	if size != int64(len(contents)) {
		t.Errorf("sizeOf = %d, want %d", size, len(contents))
	}
}

func TestReleaseDefersMigrationUntilLastHandleCloses(t *testing.T) {
	ssd := t.TempDir()
	cfg := &tierfsconfig.Config{
		SSDPath:          ssd,
		ThresholdBytes:   4096,
		AvgSegSize:       512,
		RabinWindowSize:  48,
		CacheSizeBytes:   1 << 20,
		ObjectStoreURL:   "file://" + filepath.Join(t.TempDir(), "objects"),
		CompressionCodec: "deflate",
	}
	core, err := lifecycle.Init(cfg)
	if err != nil {
		t.Fatalf("lifecycle.Init: %v", err)
	}

	proxy := filepath.Join(ssd, "big.bin")
	if err := os.WriteFile(proxy, bytes.Repeat([]byte("x"), 8192), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f := &fileNode{core: core, logger: discardLogger(), relPath: "big.bin"}

	if _, _, errno := f.Open(context.Background(), 0); errno != 0 {
		t.Fatalf("first Open: errno %v", errno)
	}
	if _, _, errno := f.Open(context.Background(), 0); errno != 0 {
		t.Fatalf("second Open: errno %v", errno)
	}

	if errno := f.Release(context.Background(), nil); errno != 0 {
		t.Fatalf("first Release: errno %v", errno)
	}
	tiered, err := core.IsTiered("big.bin")
	if err != nil {
		t.Fatalf("IsTiered: %v", err)
	}
	if tiered {
		t.Fatal("file should not migrate while a second handle is still open")
	}

	if errno := f.Release(context.Background(), nil); errno != 0 {
		t.Fatalf("second Release: errno %v", errno)
	}
	tiered, err = core.IsTiered("big.bin")
	if err != nil {
		t.Fatalf("IsTiered after last release: %v", err)
	}
	if !tiered {
		t.Error("file should migrate once the last outstanding handle closes")
	}
}

func TestLoadRecordSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "record")
	r := metadata.New(2048)
	if err := metadata.Save(path, r); err != nil {
		t.Fatalf("metadata.Save: %v", err)
	}

	size, err := loadRecordSize(path)
	if err != nil {
		t.Fatalf("loadRecordSize: %v", err)
	}
	if size != 2048 {
		t.Errorf("loadRecordSize = %d, want 2048", size)
	}
}
