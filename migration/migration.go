// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package migration implements the migration engine: turning a file's
// readable bytes into a segment list, deduplicating against the
// global segment index, uploading new segments to the object store,
// and appending to the metadata record. Adapted from the chunk ->
// compress -> dedup-check -> persist -> record-append pipeline in
// lib/artifact/store.go's writeLarge, re-targeted from a local-
// container/CBOR-reconstruction model onto a global refcount-index /
// flat-digest-list / object-store model, and extended with the
// emit_tail/from_ssd parameterization that has no analog there
// (grounded instead on cloudfs_dedup.c's dedup_migrate_file and
// move_entire_file handling).
package migration

import (
	"context"
	"io"
	"os"

	"github.com/surfergrl888/storage/compressbridge"
	"github.com/surfergrl888/storage/digest"
	"github.com/surfergrl888/storage/metadata"
	"github.com/surfergrl888/storage/objectstore"
	"github.com/surfergrl888/storage/pathmap"
	"github.com/surfergrl888/storage/segmenter"
	"github.com/surfergrl888/storage/segmentindex"
	"github.com/surfergrl888/storage/tiererr"
)

// Engine drives migration. NoDedup and NoCompress are process-wide
// kill-switches; when NoDedup is set, the index bookkeeping still
// happens (acquire if present, insert otherwise) but the upload-dedup
// short-circuit that skips re-uploading an already-indexed digest is
// bypassed.
type Engine struct {
	Paths      *pathmap.Mapper
	Index      *segmentindex.Index
	Store      *objectstore.Store
	Compress   *compressbridge.Bridge
	Seg        segmenter.Config
	NoDedup    bool
	NoCompress bool
}

// Result reports what a migration call accomplished, mainly for
// tests/diagnostics.
type Result struct {
	SegmentsClosed   int
	SegmentsUploaded int
	ResidualEmitted  bool
}

// Migrate produces or extends the metadata record for logical by
// segmenting the first sourceSize bytes of source, read from offset 0.
// fromSSD, when true, creates a brand-new metadata record with a fresh
// header before segmenting; when false, the record must already exist
// and segmenting appends to it. emitTail controls the treatment
// of the trailing residual: false retains it in the tail file (append
// path), true uploads it as a final segment (release-time final
// flush). Migrate does not truncate or remove source; its callers do.
func (e *Engine) Migrate(ctx context.Context, logical string, source io.ReaderAt, sourceSize int64, fromSSD, emitTail bool) (Result, error) {
	var result Result

	metaPath, err := e.Paths.MetadataPath(logical)
	if err != nil {
		return result, err
	}

	if fromSSD {
		if err := metadata.Save(metaPath, metadata.New(sourceSize)); err != nil {
			return result, err
		}
	}

	data := make([]byte, sourceSize)
	if sourceSize > 0 {
		if _, err := source.ReadAt(data, 0); err != nil && err != io.EOF {
			return result, &tiererr.IoError{Op: "read", Path: logical, Err: err}
		}
	}

	seg := segmenter.New(e.Seg)
	seg.Reset(data, 0)

	for {
		closed, err := seg.Next()
		if err != nil {
			return result, err
		}
		if closed == nil {
			break
		}
		result.SegmentsClosed++

		bytes := data[closed.Offset : closed.Offset+int64(closed.Length)]

		if _, present := e.Index.Lookup(closed.Digest); present && !e.NoDedup {
			if err := e.Index.Acquire(closed.Digest); err != nil {
				return result, err
			}
		} else {
			if err := e.uploadSegment(ctx, closed.Digest, bytes); err != nil {
				return result, err
			}
			if present {
				// NoDedup path: digest already indexed, but dedup
				// short-circuit was skipped — bookkeeping must still
				// acquire rather than insert, since insert would
				// fail with Duplicate.
				if err := e.Index.Acquire(closed.Digest); err != nil {
					return result, err
				}
			} else {
				if err := e.Index.Insert(closed.Digest, int64(closed.Length)); err != nil {
					return result, err
				}
			}
			result.SegmentsUploaded++
		}

		if err := metadata.AppendSegments(metaPath, closed.Digest); err != nil {
			return result, err
		}
	}

	residual := seg.Residual()
	if len(residual) == 0 {
		return result, nil
	}

	if !emitTail {
		tailPath, err := e.Paths.TailPath(logical)
		if err != nil {
			return result, err
		}
		if err := appendTail(tailPath, residual); err != nil {
			return result, err
		}
		return result, nil
	}

	// emit_tail=true: treat the residual as one more segment.
	residualDigest := digest.Of(residual)
	if _, present := e.Index.Lookup(residualDigest); present && !e.NoDedup {
		if err := e.Index.Acquire(residualDigest); err != nil {
			return result, err
		}
	} else {
		if err := e.uploadSegment(ctx, residualDigest, residual); err != nil {
			return result, err
		}
		if present {
			if err := e.Index.Acquire(residualDigest); err != nil {
				return result, err
			}
		} else {
			if err := e.Index.Insert(residualDigest, int64(len(residual))); err != nil {
				return result, err
			}
		}
		result.SegmentsUploaded++
	}
	if err := metadata.AppendSegments(metaPath, residualDigest); err != nil {
		return result, err
	}
	result.ResidualEmitted = true

	return result, nil
}

// uploadSegment stages (optionally compressing) and uploads bytes
// under digest d's bucket/key.
func (e *Engine) uploadSegment(ctx context.Context, d digest.Digest, bytes []byte) error {
	if err := e.Store.EnsureBucket(ctx, d.Bucket()); err != nil {
		return err
	}

	if e.NoCompress {
		return e.Store.Put(ctx, d.Bucket(), d.Key(), int64(len(bytes)), newByteReader(bytes))
	}

	scratchPath := e.Paths.ScratchCompressPath()
	scratch, err := os.Create(scratchPath)
	if err != nil {
		return &tiererr.IoError{Op: "create", Path: scratchPath, Err: err}
	}
	defer os.Remove(scratchPath)
	defer scratch.Close()

	if err := e.Compress.Deflate(scratch, newByteReader(bytes), int64(len(bytes))); err != nil {
		return err
	}
	size, err := scratch.Seek(0, io.SeekEnd)
	if err != nil {
		return &tiererr.IoError{Op: "seek", Path: scratchPath, Err: err}
	}
	if _, err := scratch.Seek(0, io.SeekStart); err != nil {
		return &tiererr.IoError{Op: "seek", Path: scratchPath, Err: err}
	}

	return e.Store.Put(ctx, d.Bucket(), d.Key(), size, scratch)
}

func appendTail(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &tiererr.IoError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return &tiererr.IoError{Op: "write", Path: path, Err: err}
	}
	return nil
}

type byteReader struct {
	data []byte
	pos  int
}

func newByteReader(data []byte) *byteReader { return &byteReader{data: data} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
