// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fsbridge mounts a lifecycle.Core as a FUSE filesystem.
// Directory listing, lookup, mkdir, and attribute passthrough for
// resident files mirror the SSD tree directly; reads and writes on
// tiered files are dispatched into the core's read and tail-write
// engines. Open acquires an entry in the core's per-inode open-handle
// table and close (release) drops it, running the residency decision
// only once that was the last outstanding handle on the file.
// Grounded on lib/artifactstore/fuse/mount.go's Inode-embedding
// structure (root node with typed children, NodeOnAdder to populate
// the tree, per-file nodes implementing NodeOpener/NodeReader), here
// generalized from a read-only CAS/tag tree into a writable passthrough
// tree with a tiering hook on release.
package fsbridge

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/surfergrl888/storage/lifecycle"
	"github.com/surfergrl888/storage/metadata"
)

// Options configures the mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted.
	Mountpoint string

	// Core is the wired lifecycle backing every operation.
	Core *lifecycle.Core

	// AllowOther permits other users (including root) to access the
	// mount. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Logger receives diagnostic messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// Mount mounts the tiered filesystem at options.Mountpoint. The caller
// must call Unmount on the returned Server when done.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, &mountError{"mountpoint is required"}
	}
	if options.Core == nil {
		return nil, &mountError{"core is required"}
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, &mountError{"creating mountpoint: " + err.Error()}
	}

	root := &dirNode{core: options.Core, logger: options.Logger, relPath: ""}

	entryTimeout := time.Second
	attrTimeout := time.Second

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout: &entryTimeout,
		AttrTimeout:  &attrTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "tierfs",
			Name:       "tierfs",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, &mountError{"mounting: " + err.Error()}
	}

	options.Logger.Info("tiered filesystem mounted", "mountpoint", options.Mountpoint)
	return server, nil
}

type mountError struct{ msg string }

func (e *mountError) Error() string { return "fsbridge: " + e.msg }

// dirNode represents a directory under the mount root. It is a thin
// passthrough over the SSD proxy tree: entries are whatever files and
// subdirectories exist under the proxy path, minus pathmap's dotfiles
// (metadata records, the index mirror, the cache, scratch files).
type dirNode struct {
	gofuse.Inode
	core    *lifecycle.Core
	logger  *slog.Logger
	relPath string
}

var (
	_ gofuse.InodeEmbedder = (*dirNode)(nil)
	_ gofuse.NodeLookuper  = (*dirNode)(nil)
	_ gofuse.NodeReaddirer = (*dirNode)(nil)
	_ gofuse.NodeCreater   = (*dirNode)(nil)
	_ gofuse.NodeMkdirer   = (*dirNode)(nil)
	_ gofuse.NodeUnlinker  = (*dirNode)(nil)
	_ gofuse.NodeRmdirer   = (*dirNode)(nil)
	_ gofuse.NodeGetattrer = (*dirNode)(nil)
)

func (d *dirNode) logicalPath(name string) string {
	if d.relPath == "" {
		return name
	}
	return d.relPath + "/" + name
}

func (d *dirNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFDIR | 0o755
	return 0
}

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	logical := d.logicalPath(name)
	ssdPath := d.core.Paths.ProxyPath(logical)
	info, err := os.Lstat(ssdPath)
	if err != nil {
		return nil, syscall.ENOENT
	}

	if info.IsDir() {
		child := d.NewPersistentInode(ctx, &dirNode{core: d.core, logger: d.logger, relPath: logical}, gofuse.StableAttr{Mode: syscall.S_IFDIR})
		out.Mode = syscall.S_IFDIR | 0o755
		return child, 0
	}

	size, err := d.sizeOf(logical, info)
	if err != nil {
		d.logger.Error("stat failed", "path", logical, "error", err)
		return nil, syscall.EIO
	}
	child := d.NewPersistentInode(ctx, &fileNode{core: d.core, logger: d.logger, relPath: logical}, gofuse.StableAttr{Mode: syscall.S_IFREG})
	out.Mode = syscall.S_IFREG | 0o644
	out.Size = uint64(size)
	return child, 0
}

func (d *dirNode) sizeOf(logical string, proxyInfo os.FileInfo) (int64, error) {
	tiered, err := d.core.IsTiered(logical)
	if err != nil {
		return 0, err
	}
	if !tiered {
		return proxyInfo.Size(), nil
	}
	metaPath, err := d.core.Paths.MetadataPath(logical)
	if err != nil {
		return 0, err
	}
	record, err := loadRecordSize(metaPath)
	if err != nil {
		return 0, err
	}
	return record, nil
}

func (d *dirNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	dirPath := d.core.Paths.ProxyPath(d.relPath)
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return gofuse.NewListDirStream(nil), 0
		}
		d.logger.Error("readdir failed", "path", dirPath, "error", err)
		return nil, syscall.EIO
	}

	var out []fuse.DirEntry
	for _, entry := range entries {
		name := entry.Name()
		if len(name) > 0 && name[0] == '.' {
			// Hidden bookkeeping files (metadata records, the index
			// mirror, the cache, scratch files) never appear in the
			// logical namespace.
			continue
		}
		mode := uint32(syscall.S_IFREG)
		if entry.IsDir() {
			mode = syscall.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Name: name, Mode: mode})
	}
	return gofuse.NewListDirStream(out), 0
}

func (d *dirNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	logical := d.logicalPath(name)
	if err := os.Mkdir(d.core.Paths.ProxyPath(logical), os.FileMode(mode)); err != nil {
		if os.IsExist(err) {
			return nil, syscall.EEXIST
		}
		return nil, syscall.EIO
	}
	child := d.NewPersistentInode(ctx, &dirNode{core: d.core, logger: d.logger, relPath: logical}, gofuse.StableAttr{Mode: syscall.S_IFDIR})
	out.Mode = syscall.S_IFDIR | mode
	return child, 0
}

func (d *dirNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	logical := d.logicalPath(name)
	f, err := os.OpenFile(d.core.Paths.ProxyPath(logical), int(flags)|os.O_CREATE, os.FileMode(mode))
	if err != nil {
		return nil, nil, 0, syscall.EIO
	}
	f.Close()

	child := d.NewPersistentInode(ctx, &fileNode{core: d.core, logger: d.logger, relPath: logical}, gofuse.StableAttr{Mode: syscall.S_IFREG})
	out.Mode = syscall.S_IFREG | mode

	if ino, inoErr := d.core.Paths.Inode(logical); inoErr == nil {
		d.core.Handles.Acquire(ino)
	} else {
		d.logger.Error("handle-count inode lookup failed", "path", logical, "error", inoErr)
	}

	return child, nil, 0, 0
}

func (d *dirNode) Unlink(ctx context.Context, name string) syscall.Errno {
	logical := d.logicalPath(name)
	if err := d.core.Unlink.Unlink(ctx, logical); err != nil {
		d.logger.Error("unlink failed", "path", logical, "error", err)
		return syscall.EIO
	}
	return 0
}

func (d *dirNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	logical := d.logicalPath(name)
	if err := os.Remove(d.core.Paths.ProxyPath(logical)); err != nil {
		if os.IsNotExist(err) {
			return syscall.ENOENT
		}
		return syscall.EIO
	}
	return 0
}

// fileNode represents a single logical file. Resident files (no
// metadata record yet) pass reads and writes straight through to the
// proxy file on SSD; tiered files route reads through the read engine
// and writes through the tail-write engine. Release runs the residency
// decision for whichever state the file is in when the handle closes.
type fileNode struct {
	gofuse.Inode
	core    *lifecycle.Core
	logger  *slog.Logger
	relPath string

	mu sync.Mutex
}

var (
	_ gofuse.InodeEmbedder = (*fileNode)(nil)
	_ gofuse.NodeGetattrer = (*fileNode)(nil)
	_ gofuse.NodeOpener    = (*fileNode)(nil)
	_ gofuse.NodeReader    = (*fileNode)(nil)
	_ gofuse.NodeWriter    = (*fileNode)(nil)
	_ gofuse.NodeReleaser  = (*fileNode)(nil)
)

func (f *fileNode) Getattr(ctx context.Context, h gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	tiered, err := f.core.IsTiered(f.relPath)
	if err != nil {
		return syscall.EIO
	}
	if !tiered {
		info, err := os.Stat(f.core.Paths.ProxyPath(f.relPath))
		if err != nil {
			return syscall.ENOENT
		}
		out.Mode = syscall.S_IFREG | 0o644
		out.Size = uint64(info.Size())
		return 0
	}
	metaPath, err := f.core.Paths.MetadataPath(f.relPath)
	if err != nil {
		return syscall.EIO
	}
	size, err := loadRecordSize(metaPath)
	if err != nil {
		return syscall.EIO
	}
	out.Mode = syscall.S_IFREG | 0o644
	out.Size = uint64(size)
	return 0
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	ino, err := f.core.Paths.Inode(f.relPath)
	if err != nil {
		f.logger.Error("handle-count inode lookup failed", "path", f.relPath, "error", err)
		return nil, 0, syscall.EIO
	}
	f.core.Handles.Acquire(ino)
	return nil, fuse.FOPEN_DIRECT_IO, 0
}

func (f *fileNode) Read(ctx context.Context, h gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	tiered, err := f.core.IsTiered(f.relPath)
	if err != nil {
		return nil, syscall.EIO
	}
	if !tiered {
		proxy, err := os.Open(f.core.Paths.ProxyPath(f.relPath))
		if err != nil {
			return nil, syscall.ENOENT
		}
		defer proxy.Close()
		n, err := proxy.ReadAt(dest, off)
		if err != nil && err != io.EOF {
			f.logger.Error("resident read failed", "path", f.relPath, "error", err)
			return nil, syscall.EIO
		}
		return fuse.ReadResultData(dest[:n]), 0
	}

	n, err := f.core.Read.Read(ctx, f.relPath, dest, off)
	if err != nil {
		f.logger.Error("tiered read failed", "path", f.relPath, "error", err)
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (f *fileNode) Write(ctx context.Context, h gofuse.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tiered, err := f.core.IsTiered(f.relPath)
	if err != nil {
		return 0, syscall.EIO
	}
	if !tiered {
		proxy, err := os.OpenFile(f.core.Paths.ProxyPath(f.relPath), os.O_WRONLY, 0)
		if err != nil {
			return 0, syscall.ENOENT
		}
		defer proxy.Close()
		n, err := proxy.WriteAt(data, off)
		if err != nil {
			f.logger.Error("resident write failed", "path", f.relPath, "error", err)
			return 0, syscall.EIO
		}
		return uint32(n), 0
	}

	// Tiered files only support append-position writes; the tail-write
	// engine ignores off and appends.
	if err := f.core.Tail.Write(ctx, f.relPath, data); err != nil {
		f.logger.Error("tail write failed", "path", f.relPath, "error", err)
		return 0, syscall.EIO
	}
	return uint32(len(data)), 0
}

// Release decrements this file's outstanding-handle count and, only
// on the last outstanding handle, runs the residency decision — two
// concurrent opens of the same file do not trigger migration until
// both have closed.
func (f *fileNode) Release(ctx context.Context, h gofuse.FileHandle) syscall.Errno {
	if err := f.core.ReleaseHandle(ctx, f.relPath); err != nil {
		f.logger.Error("release tiering decision failed", "path", f.relPath, "error", err)
		return syscall.EIO
	}
	return 0
}

func loadRecordSize(metaPath string) (int64, error) {
	record, err := metadata.Load(metaPath)
	if err != nil {
		return 0, err
	}
	return record.TotalSize, nil
}
