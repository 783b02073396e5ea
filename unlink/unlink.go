// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package unlink implements file deletion for both resident and
// tiered files: releasing every referenced segment from the global
// dedup index, purging the object store and cache for any segment
// whose refcount reaches zero, then removing the metadata record, tail
// file, and proxy file. Grounded on cloudfs_dedup.c's dedup_unlink
// (walk segment list, decrement refcounts, purge zero-refcount blobs)
// and lib/artifact/store.go's Delete (refcount-gated object removal).
package unlink

import (
	"context"
	"os"

	"github.com/surfergrl888/storage/metadata"
	"github.com/surfergrl888/storage/objectstore"
	"github.com/surfergrl888/storage/pathmap"
	"github.com/surfergrl888/storage/segmentcache"
	"github.com/surfergrl888/storage/segmentindex"
	"github.com/surfergrl888/storage/tiererr"
)

// Engine drives deletion.
type Engine struct {
	Paths *pathmap.Mapper
	Index *segmentindex.Index
	Cache *segmentcache.Cache
	Store *objectstore.Store
}

// Unlink removes logical entirely. If logical was never tiered (no
// metadata record exists), only the proxy file is removed.
func (e *Engine) Unlink(ctx context.Context, logical string) error {
	metaPath, err := e.Paths.MetadataPath(logical)
	if err != nil {
		return err
	}

	record, err := metadata.Load(metaPath)
	if err != nil {
		if _, isNotFound := err.(*tiererr.NotFound); !isNotFound {
			return err
		}
		record = nil
	}

	if record != nil {
		for _, d := range record.Segments {
			zeroNow, err := e.Index.Release(d)
			if err != nil {
				if _, isMissing := err.(*tiererr.Missing); isMissing {
					// Already released by a concurrent unlink of a
					// sibling file sharing this segment; nothing left
					// to purge for this reference.
					continue
				}
				return err
			}
			if !zeroNow {
				continue
			}
			if e.Cache != nil && !e.Cache.Disabled() {
				if err := e.Cache.Evict(d); err != nil {
					return err
				}
			}
			if err := e.Store.Delete(ctx, d.Bucket(), d.Key()); err != nil {
				return err
			}
		}

		if err := metadata.Delete(metaPath); err != nil {
			return err
		}
	}

	tailPath, err := e.Paths.TailPath(logical)
	if err != nil {
		return err
	}
	if err := os.Remove(tailPath); err != nil && !os.IsNotExist(err) {
		return &tiererr.IoError{Op: "remove", Path: tailPath, Err: err}
	}

	proxyPath := e.Paths.ProxyPath(logical)
	if err := os.Remove(proxyPath); err != nil && !os.IsNotExist(err) {
		return &tiererr.IoError{Op: "remove", Path: proxyPath, Err: err}
	}

	return nil
}
