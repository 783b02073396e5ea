// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle wires every subsystem — the path mapper, segment
// index, segment cache, object store, compression bridge, migration
// engine, read engine, tail-write engine, and unlink engine — into a
// single Core that the bridge drives. It also decides, on release of
// an open file handle, whether the file should migrate, stay resident,
// or have its tail flushed, per the residency decision table. Grounded
// on cmd/bureau-artifact-service/main.go's construction order (store,
// then index, then cache, then the service struct, in dependency
// order) and cloudfs_dedup.c's release-time tiering decision.
package lifecycle

import (
	"context"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/surfergrl888/storage/compressbridge"
	"github.com/surfergrl888/storage/digest"
	"github.com/surfergrl888/storage/migration"
	"github.com/surfergrl888/storage/objectstore"
	"github.com/surfergrl888/storage/pathmap"
	"github.com/surfergrl888/storage/readengine"
	"github.com/surfergrl888/storage/segmenter"
	"github.com/surfergrl888/storage/segmentcache"
	"github.com/surfergrl888/storage/segmentindex"
	"github.com/surfergrl888/storage/tailwrite"
	"github.com/surfergrl888/storage/tierfsconfig"
	"github.com/surfergrl888/storage/tiererr"
	"github.com/surfergrl888/storage/unlink"
)

// Core holds every wired subsystem for one mounted tier.
type Core struct {
	Config *tierfsconfig.Config

	Paths    *pathmap.Mapper
	Index    *segmentindex.Index
	Cache    *segmentcache.Cache
	Store    *objectstore.Store
	Compress *compressbridge.Bridge

	// Handles is the per-inode outstanding-open-handle count that
	// defers the release-time decision until the last writer closes.
	Handles *HandleTable

	Migration *migration.Engine
	Read      *readengine.Engine
	Tail      *tailwrite.Engine
	Unlink    *unlink.Engine
}

// Init constructs a Core from cfg: opens the segment index and cache
// (resurrecting cache entries against the index's known digests),
// builds the object store and compression bridge, and wires every
// engine against them.
func Init(cfg *tierfsconfig.Config) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	paths := pathmap.New(cfg.SSDPath)

	if err := os.MkdirAll(cfg.SSDPath, 0o755); err != nil {
		return nil, &tiererr.IoError{Op: "mkdir", Path: cfg.SSDPath, Err: err}
	}

	index, err := segmentindex.Open(paths.IndexMirrorPath())
	if err != nil {
		return nil, err
	}

	segCfg, err := segmenter.NewConfig(cfg.RabinWindowSize, cfg.AvgSegSize)
	if err != nil {
		return nil, err
	}

	cacheSize := cfg.CacheSizeBytes
	if cfg.NoCache {
		cacheSize = 0
	}

	cache, err := segmentcache.Open(segmentcache.Config{
		Root:       paths.CacheRoot(),
		Size:       cacheSize,
		MaxSegSize: int64(segCfg.Max),
	}, knownDigestLengths(index))
	if err != nil {
		return nil, err
	}

	store := objectstore.New(cfg.ObjectStoreURL)
	compress := compressbridge.New(compressbridge.Codec(cfg.CompressionCodec))

	core := &Core{
		Config:   cfg,
		Paths:    paths,
		Index:    index,
		Cache:    cache,
		Store:    store,
		Compress: compress,
		Handles:  newHandleTable(),
		Migration: &migration.Engine{
			Paths:      paths,
			Index:      index,
			Store:      store,
			Compress:   compress,
			Seg:        segCfg,
			NoDedup:    cfg.NoDedup,
			NoCompress: cfg.NoCompress,
		},
		Read: &readengine.Engine{
			Paths:      paths,
			Index:      index,
			Cache:      cache,
			Store:      store,
			Compress:   compress,
			NoCompress: cfg.NoCompress,
		},
		Tail: &tailwrite.Engine{
			Paths:      paths,
			Index:      index,
			Cache:      cache,
			Store:      store,
			Compress:   compress,
			NoCompress: cfg.NoCompress,
		},
		Unlink: &unlink.Engine{
			Paths: paths,
			Index: index,
			Cache: cache,
			Store: store,
		},
	}
	return core, nil
}

// Shutdown flushes the segment index mirror. Engines hold no other
// state that needs an explicit close.
func (c *Core) Shutdown() error {
	return c.Index.Flush()
}

// IsTiered reports whether logical currently has a metadata record,
// i.e. has been migrated off the SSD at least once.
func (c *Core) IsTiered(logical string) (bool, error) {
	metaPath, err := c.Paths.MetadataPath(logical)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(metaPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &tiererr.IoError{Op: "stat", Path: metaPath, Err: err}
	}
	return true, nil
}

// HasTail reports whether logical's tail file currently exists.
func (c *Core) HasTail(logical string) (bool, error) {
	tailPath, err := c.Paths.TailPath(logical)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(tailPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &tiererr.IoError{Op: "stat", Path: tailPath, Err: err}
	}
	return true, nil
}

// ReleaseDecision is the outcome of evaluating the residency decision
// table for one close/release call.
type ReleaseDecision int

const (
	// NoAction leaves the file exactly as it is.
	NoAction ReleaseDecision = iota
	// MigrateWhole moves a resident file over threshold entirely to
	// the object store, with no tail file left behind.
	MigrateWhole
	// FlushTail segments a tiered file's accumulated tail, uploads its
	// closed segments and its residual (the residual as the final
	// segment), and removes the tail file.
	FlushTail
)

// DecideRelease evaluates the residency decision table for logical:
// a resident file at or under threshold is left alone; a resident file
// over threshold is migrated whole; a tiered file with a tail is
// flushed; a tiered file with no tail is left alone.
func (c *Core) DecideRelease(logical string) (ReleaseDecision, error) {
	tiered, err := c.IsTiered(logical)
	if err != nil {
		return NoAction, err
	}
	if !tiered {
		info, err := os.Stat(c.Paths.ProxyPath(logical))
		if err != nil {
			if os.IsNotExist(err) {
				return NoAction, nil
			}
			return NoAction, &tiererr.IoError{Op: "stat", Path: c.Paths.ProxyPath(logical), Err: err}
		}
		if info.Size() > c.Config.ThresholdBytes {
			return MigrateWhole, nil
		}
		return NoAction, nil
	}

	hasTail, err := c.HasTail(logical)
	if err != nil {
		return NoAction, err
	}
	if hasTail {
		return FlushTail, nil
	}
	return NoAction, nil
}

// ReleaseHandle is the bridge's entry point for a FUSE release: it
// decrements logical's outstanding-handle count and, only if this was
// the last open handle on that inode, runs the release-time decision.
// An intermediate close of a file still held open elsewhere is a
// no-op, guaranteeing migration fires exactly once on last close.
func (c *Core) ReleaseHandle(ctx context.Context, logical string) error {
	ino, err := c.Paths.Inode(logical)
	if err != nil {
		return err
	}
	if !c.Handles.Release(ino) {
		return nil
	}
	return c.ApplyRelease(ctx, logical)
}

// ApplyRelease carries out the decision DecideRelease returned.
func (c *Core) ApplyRelease(ctx context.Context, logical string) error {
	decision, err := c.DecideRelease(logical)
	if err != nil {
		return err
	}
	switch decision {
	case MigrateWhole:
		return c.migrateWhole(ctx, logical)
	case FlushTail:
		return c.flushTail(ctx, logical)
	default:
		return nil
	}
}

func (c *Core) migrateWhole(ctx context.Context, logical string) error {
	proxyPath := c.Paths.ProxyPath(logical)
	f, err := os.Open(proxyPath)
	if err != nil {
		return &tiererr.IoError{Op: "open", Path: proxyPath, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return &tiererr.IoError{Op: "stat", Path: proxyPath, Err: err}
	}

	if _, err := c.Migration.Migrate(ctx, logical, f, info.Size(), true, true); err != nil {
		return err
	}
	return os.Truncate(proxyPath, 0)
}

func (c *Core) flushTail(ctx context.Context, logical string) error {
	tailPath, err := c.Paths.TailPath(logical)
	if err != nil {
		return err
	}
	f, err := os.Open(tailPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &tiererr.IoError{Op: "open", Path: tailPath, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return &tiererr.IoError{Op: "stat", Path: tailPath, Err: err}
	}

	if _, err := c.Migration.Migrate(ctx, logical, f, info.Size(), false, true); err != nil {
		return err
	}
	return os.Remove(tailPath)
}

// Stats is a snapshot of the core's current bookkeeping state, used by
// the dump-state diagnostic and by tests.
type Stats struct {
	IndexedSegments int   `cbor:"indexed_segments"`
	CacheBytes      int64 `cbor:"cache_bytes"`
	CacheDisabled   bool  `cbor:"cache_disabled"`
}

// Stats computes a snapshot of the current bookkeeping state.
func (c *Core) Stats() Stats {
	return Stats{
		IndexedSegments: c.Index.Len(),
		CacheBytes:      c.Cache.CurrentBytes(),
		CacheDisabled:   c.Cache.Disabled(),
	}
}

// DumpState serializes the current Stats snapshot as CBOR, for an
// operator-triggered diagnostic dump. Not on any request path — CBOR
// is reserved in this store for exactly this kind of ad hoc snapshot,
// rather than repurposing it for the fixed on-disk binary formats this
// store uses elsewhere.
func (c *Core) DumpState() ([]byte, error) {
	return cbor.Marshal(c.Stats())
}

func knownDigestLengths(index *segmentindex.Index) map[digest.Digest]int64 {
	out := make(map[digest.Digest]int64, index.Len())
	for _, d := range index.Digests() {
		entry, ok := index.Lookup(d)
		if !ok {
			continue
		}
		out[d] = entry.Length
	}
	return out
}
