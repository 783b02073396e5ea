// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tailwrite implements the tail-write engine: detaching the
// last segment of a tiered file's metadata record into a local tail
// file on first write, then appending subsequent writes to that tail
// file. Grounded on cloudfs_dedup.c's dedup_get_last_segment, without
// its seek-back-one-reference sign bug: instead of seeking within the
// record, this implementation drops exactly the last digest reference
// through metadata.TruncateLastSegment, which rewrites the record.
package tailwrite

import (
	"context"
	"io"
	"os"

	"github.com/surfergrl888/storage/compressbridge"
	"github.com/surfergrl888/storage/metadata"
	"github.com/surfergrl888/storage/objectstore"
	"github.com/surfergrl888/storage/pathmap"
	"github.com/surfergrl888/storage/segmentcache"
	"github.com/surfergrl888/storage/segmentindex"
	"github.com/surfergrl888/storage/tiererr"
)

// Engine drives writes for tiered files.
type Engine struct {
	Paths    *pathmap.Mapper
	Index    *segmentindex.Index
	Cache    *segmentcache.Cache
	Store    *objectstore.Store
	Compress *compressbridge.Bridge

	// NoCompress mirrors migration.Engine's kill-switch: the detached
	// segment was uploaded raw, so it must be copied straight through
	// rather than fed to Inflate.
	NoCompress bool
}

// Write appends size bytes from buffer to logical's tiered body.
// Random-offset writes into tiered files are unsupported — callers
// are expected to only issue append-position writes.
func (e *Engine) Write(ctx context.Context, logical string, buffer []byte) error {
	metaPath, err := e.Paths.MetadataPath(logical)
	if err != nil {
		return err
	}
	tailPath, err := e.Paths.TailPath(logical)
	if err != nil {
		return err
	}

	if _, err := os.Stat(tailPath); os.IsNotExist(err) {
		if err := e.detachLastSegment(ctx, metaPath, tailPath); err != nil {
			return err
		}
	} else if err != nil {
		return &tiererr.IoError{Op: "stat", Path: tailPath, Err: err}
	}

	f, err := os.OpenFile(tailPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &tiererr.IoError{Op: "open", Path: tailPath, Err: err}
	}
	if _, err := f.Write(buffer); err != nil {
		f.Close()
		return &tiererr.IoError{Op: "write", Path: tailPath, Err: err}
	}
	if err := f.Close(); err != nil {
		return &tiererr.IoError{Op: "close", Path: tailPath, Err: err}
	}

	record, err := metadata.Load(metaPath)
	if err != nil {
		return err
	}
	record.TotalSize += int64(len(buffer))
	record.Touch()
	return metadata.Save(metaPath, record)
}

// detachLastSegment fetches the metadata record's last segment to
// disk as the tail file, truncates that one digest reference off the
// record, and decrements the segment's refcount — purging the blob
// and any cache entry if the refcount falls to zero. This is the
// "move the last segment back onto SSD" step that makes the file
// appendable without re-reading its whole body.
func (e *Engine) detachLastSegment(ctx context.Context, metaPath, tailPath string) error {
	last, err := metadata.TruncateLastSegment(metaPath)
	if err != nil {
		if _, isNotFound := err.(*tiererr.NotFound); isNotFound {
			// No segments at all (e.g. a file tiered with an empty
			// body): nothing to detach, the tail file starts empty.
			f, createErr := os.Create(tailPath)
			if createErr != nil {
				return &tiererr.IoError{Op: "create", Path: tailPath, Err: createErr}
			}
			return f.Close()
		}
		return err
	}

	if _, ok := e.Index.Lookup(last); !ok {
		return &tiererr.InvariantError{Detail: "detached segment " + last.String() + " absent from index"}
	}

	f, err := os.Create(tailPath)
	if err != nil {
		return &tiererr.IoError{Op: "create", Path: tailPath, Err: err}
	}

	getErr := e.Store.Get(ctx, last.Bucket(), last.Key(), inflatingWriter{dst: f, compress: e.Compress, noCompress: e.NoCompress})
	closeErr := f.Close()
	if getErr != nil {
		os.Remove(tailPath)
		return getErr
	}
	if closeErr != nil {
		return &tiererr.IoError{Op: "close", Path: tailPath, Err: closeErr}
	}

	zeroNow, err := e.Index.Release(last)
	if err != nil {
		return err
	}
	if zeroNow {
		if e.Cache != nil && !e.Cache.Disabled() {
			if err := e.Cache.Evict(last); err != nil {
				return err
			}
		}
		if err := e.Store.Delete(ctx, last.Bucket(), last.Key()); err != nil {
			return err
		}
	}

	return nil
}

// inflatingWriter adapts the object store's Get writer into a
// decompressing sink. When noCompress is set the segment was uploaded
// raw, so the payload is copied straight through instead.
type inflatingWriter struct {
	dst        io.Writer
	compress   *compressbridge.Bridge
	noCompress bool
}

func (w inflatingWriter) Write(b []byte) (int, error) {
	if w.noCompress {
		return w.dst.Write(b)
	}
	if err := w.compress.Inflate(w.dst, &byteReader{data: b}); err != nil {
		return 0, err
	}
	return len(b), nil
}

type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
