// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compressbridge streams compressed segment payloads between
// file handles. Deflate is the default codec; zstd and lz4 are
// selectable alternates for callers that want a different space/speed
// tradeoff, following the codec-selection idiom of a container
// compression layer that dispatches across the same three codecs
// per-chunk, generalized here to a streaming Reader/Writer pair since
// segments are compressed/decompressed one at a time between files,
// never all held in memory.
package compressbridge

import (
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/surfergrl888/storage/tiererr"
)

// Codec identifies which streaming compressor to use.
type Codec string

const (
	Deflate Codec = "deflate"
	Zstd    Codec = "zstd"
	LZ4     Codec = "lz4"
)

// Bridge streams compression/decompression for a single configured
// codec. A process-wide no_compress flag is modeled by the caller
// simply not invoking Deflate and uploading the raw stream instead —
// Bridge itself has no disabled state, keeping the component honest
// about doing exactly one job.
type Bridge struct {
	codec Codec
}

// New creates a Bridge for the given codec. An empty Codec defaults to
// Deflate.
func New(codec Codec) *Bridge {
	if codec == "" {
		codec = Deflate
	}
	return &Bridge{codec: codec}
}

// Deflate streams exactly n uncompressed bytes from src and writes the
// compressed output to dst. Fails with CompressError on I/O failure
// either side.
func (b *Bridge) Deflate(dst io.Writer, src io.Reader, n int64) error {
	limited := io.LimitReader(src, n)
	switch b.codec {
	case Zstd:
		writer, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return &tiererr.CompressError{Op: "zstd-new-writer", Err: err}
		}
		if _, err := io.Copy(writer, limited); err != nil {
			writer.Close()
			return &tiererr.CompressError{Op: "zstd-compress", Err: err}
		}
		if err := writer.Close(); err != nil {
			return &tiererr.CompressError{Op: "zstd-close", Err: err}
		}
		return nil
	case LZ4:
		writer := lz4.NewWriter(dst)
		if _, err := io.Copy(writer, limited); err != nil {
			writer.Close()
			return &tiererr.CompressError{Op: "lz4-compress", Err: err}
		}
		if err := writer.Close(); err != nil {
			return &tiererr.CompressError{Op: "lz4-close", Err: err}
		}
		return nil
	default:
		writer, err := flate.NewWriter(dst, flate.DefaultCompression)
		if err != nil {
			return &tiererr.CompressError{Op: "deflate-new-writer", Err: err}
		}
		if _, err := io.Copy(writer, limited); err != nil {
			writer.Close()
			return &tiererr.CompressError{Op: "deflate-compress", Err: err}
		}
		if err := writer.Close(); err != nil {
			return &tiererr.CompressError{Op: "deflate-close", Err: err}
		}
		return nil
	}
}

// Inflate streams the full decompressed output from src to dst. Fails
// with CompressError on a malformed compressed stream.
func (b *Bridge) Inflate(dst io.Writer, src io.Reader) error {
	switch b.codec {
	case Zstd:
		reader, err := zstd.NewReader(src)
		if err != nil {
			return &tiererr.CompressError{Op: "zstd-new-reader", Err: err}
		}
		defer reader.Close()
		if _, err := io.Copy(dst, reader); err != nil {
			return &tiererr.CompressError{Op: "zstd-decompress", Err: err}
		}
		return nil
	case LZ4:
		reader := lz4.NewReader(src)
		if _, err := io.Copy(dst, reader); err != nil {
			return &tiererr.CompressError{Op: "lz4-decompress", Err: err}
		}
		return nil
	default:
		reader := flate.NewReader(src)
		defer reader.Close()
		if _, err := io.Copy(dst, reader); err != nil {
			return &tiererr.CompressError{Op: "deflate-decompress", Err: err}
		}
		return nil
	}
}
