// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pathmap derives the on-SSD paths for a logical file's proxy,
// metadata record, and tail file from the proxy's inode id (the
// original C source instead rewrites the final path component with a
// dot-prefix; this module keys by inode hex instead, since that is the
// stated format this store follows whenever the two disagree).
package pathmap

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/surfergrl888/storage/tiererr"
)

// Mapper derives SSD-relative paths under a fixed root.
type Mapper struct {
	root string
}

// New creates a Mapper rooted at the SSD mount point.
func New(root string) *Mapper {
	return &Mapper{root: root}
}

// ProxyPath returns the on-SSD path for the logical file's proxy
// inode, carrying POSIX attributes for both resident and tiered files.
func (m *Mapper) ProxyPath(logical string) string {
	return filepath.Join(m.root, logical)
}

// Inode returns the proxy file's inode number, used as the key for the
// lifecycle core's open-handle reference-count table. Fails with
// NotFound if the proxy does not exist.
func (m *Mapper) Inode(logical string) (uint64, error) {
	info, err := os.Stat(m.ProxyPath(logical))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, &tiererr.NotFound{What: "proxy " + logical}
		}
		return 0, &tiererr.IoError{Op: "stat", Path: m.ProxyPath(logical), Err: err}
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, &tiererr.IoError{Op: "stat", Path: m.ProxyPath(logical), Err: fmt.Errorf("no syscall.Stat_t for %s", logical)}
	}
	return stat.Ino, nil
}

// MetadataPath returns the on-SSD metadata record path for logical,
// keyed by the proxy's inode: <root>/.<hex-inode>. Requires the proxy
// to exist.
func (m *Mapper) MetadataPath(logical string) (string, error) {
	ino, err := m.Inode(logical)
	if err != nil {
		return "", err
	}
	return filepath.Join(m.root, fmt.Sprintf(".%x", ino)), nil
}

// TailPath returns the on-SSD tail-file path for logical, the sibling
// "<metadata-path>_data". Requires the proxy to exist.
func (m *Mapper) TailPath(logical string) (string, error) {
	meta, err := m.MetadataPath(logical)
	if err != nil {
		return "", err
	}
	return meta + "_data", nil
}

// IndexMirrorPath returns the fixed path of the segment index's
// durable mirror, "<root>/.hash_table".
func (m *Mapper) IndexMirrorPath() string {
	return filepath.Join(m.root, ".hash_table")
}

// CacheRoot returns the fixed path of the segment cache directory,
// "<root>/.cache".
func (m *Mapper) CacheRoot() string {
	return filepath.Join(m.root, ".cache")
}

// ScratchCompressPath returns the fixed single-slot scratch file used
// by the migration engine's staging compressor.
func (m *Mapper) ScratchCompressPath() string {
	return filepath.Join(m.root, ".temp_compress")
}

// ScratchSegmentPath returns the fixed single-slot scratch file used
// by the cache-disabled fetch path.
func (m *Mapper) ScratchSegmentPath() string {
	return filepath.Join(m.root, ".segment_temp")
}
