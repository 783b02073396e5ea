// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package segmenter drives a configurable GearHash-style rolling hash
// across a byte stream and yields content-defined segment boundaries.
// The boundary-detection algorithm (skip-ahead GearHash with a forced
// maximum-size cut) is adapted from the fixed-constant chunker used by
// a content-addressable store; here the window, average, minimum, and
// maximum sizes are configurable at construction time, rather than
// compiled-in constants.
package segmenter

import (
	"fmt"

	"github.com/surfergrl888/storage/digest"
	"github.com/surfergrl888/storage/tiererr"
)

// Config holds the rolling-hash parameters. Avg is the target average
// segment size; Min and Max bound it as avg∓avg/16, matching the
// specified relationship. Window is the rolling-hash effective window
// width in bytes.
type Config struct {
	Window int
	Avg    int
	Min    int
	Max    int
}

// NewConfig derives a Config from a window size and target average,
// computing Min and Max as avg∓avg/16 per the specified relationship.
func NewConfig(window, avg int) (Config, error) {
	if avg <= 0 {
		return Config{}, &tiererr.ConfigError{Field: "avg_seg_size", Detail: "must be positive"}
	}
	if window <= 0 {
		return Config{}, &tiererr.ConfigError{Field: "rabin_window_size", Detail: "must be positive"}
	}
	cfg := Config{
		Window: window,
		Avg:    avg,
		Min:    avg - avg/16,
		Max:    avg + avg/16,
	}
	if cfg.Min <= window {
		return Config{}, &tiererr.ConfigError{
			Field:  "avg_seg_size",
			Detail: fmt.Sprintf("derived minimum segment size %d must exceed rolling-hash window %d", cfg.Min, window),
		}
	}
	return cfg, nil
}

// boundaryMask is the GearHash boundary condition: a boundary is
// detected when (hash & boundaryMask) == 0. The number of leading
// one-bits determines the expected segment size (2^bits). We compute
// a mask whose bit count approximates log2(avg) at construction time,
// see maskForAverage.
func maskForAverage(avg int) uint64 {
	bits := 0
	for (1 << bits) < avg {
		bits++
	}
	if bits > 63 {
		bits = 63
	}
	return ^uint64(0) << (64 - bits)
}

// Segment describes one content-defined cut: the cumulative offset at
// which it starts within the stream, its length, and the digest of
// its bytes.
type Segment struct {
	Offset int64
	Length int
	Digest digest.Digest
}

// Segmenter drives the rolling hash across an in-memory buffer. For
// streaming large files, the caller reads the file in pieces and feeds
// each through Next via a fresh Segmenter positioned at the right
// cumulative offset, or — as the migration engine does — loads a
// bounded working window at a time. Reset clears internal state
// between files.
type Segmenter struct {
	cfg          Config
	boundaryMask uint64
	skipBytes    int
	gearTable    *[256]uint64

	data     []byte
	position int
	base     int64 // cumulative offset of data[0] in the overall stream
}

// New creates a Segmenter with the given configuration.
func New(cfg Config) *Segmenter {
	return &Segmenter{
		cfg:          cfg,
		boundaryMask: maskForAverage(cfg.Avg),
		skipBytes:    cfg.Min - cfg.Window - 1,
		gearTable:    &gearTable,
	}
}

// Reset rebinds the segmenter to a new buffer starting at the given
// cumulative stream offset (normally 0 for a fresh file, or a resume
// offset for append paths). The data slice is not copied; the caller
// must not mutate it while segments from it remain unconsumed.
func (s *Segmenter) Reset(data []byte, baseOffset int64) {
	s.data = data
	s.position = 0
	s.base = baseOffset
}

// Next returns the next closed segment, or nil when the buffer is
// exhausted (the remaining bytes, if any, are a residual — the caller
// decides via Residual whether to treat them as a final segment or
// hold them for later).
func (s *Segmenter) Next() (*Segment, error) {
	if s.position >= len(s.data) {
		return nil, nil
	}

	remaining := s.data[s.position:]
	length, err := s.findBoundary(remaining)
	if err != nil {
		return nil, &tiererr.SegmenterError{Err: err}
	}
	if length == 0 {
		// No boundary before the end of the buffer: the remaining
		// bytes are the residual.
		return nil, nil
	}

	bytes := remaining[:length]
	seg := &Segment{
		Offset: s.base + int64(s.position),
		Length: length,
		Digest: digest.Of(bytes),
	}
	s.position += length
	return seg, nil
}

// Residual returns the unconsumed tail bytes after all closed segments
// have been drained via Next (i.e. once Next returns nil, error nil).
// Empty when the buffer ended exactly on a boundary.
func (s *Segmenter) Residual() []byte {
	return s.data[s.position:]
}

// findBoundary scans data from its beginning and returns the offset of
// the first chunk boundary, i.e. the chunk length. If no boundary is
// found before cfg.Max, the chunk is cut at cfg.Max. If data ends
// before either (including any data shorter than cfg.Min), it returns
// 0: those bytes close no segment and are left as the residual.
func (s *Segmenter) findBoundary(data []byte) (int, error) {
	length := len(data)
	if length < s.cfg.Min {
		return 0, nil
	}

	var hash uint64
	start := s.skipBytes
	if start < 0 {
		start = 0
	}
	position := start

	max := s.cfg.Max
	if max > length {
		max = length
	}

	for position < max {
		hash = (hash << 1) + s.gearTable[data[position]]
		position++

		if position >= s.cfg.Min && (hash&s.boundaryMask) == 0 {
			return position, nil
		}
	}

	if max == s.cfg.Max {
		return max, nil
	}
	return 0, nil
}

// gearTable is the 256-entry table of 64-bit constants used by the
// GearHash rolling hash. Indexed by byte value; hash = (hash<<1) +
// gearTable[byte]. Same table as used by FastCDC-family chunkers, so
// boundaries are reproducible against any other implementation using
// this table.
var gearTable = [256]uint64{
	0x5c95c078, 0x22408989, 0x2d48a214, 0x12842087,
	0x530f8afb, 0x474536b9, 0x2963b4f1, 0x44cb738b,
	0x4ea7403d, 0x4d606b6e, 0x074ec5d3, 0x3af39d18,
	0x726c4b7d, 0x60b26d8c, 0x3bd7a0a2, 0x7e51163a,
	0x07e7fbe3, 0x2da12162, 0x4dc3c487, 0x74b82462,
	0x5c74486e, 0x4d30a5dd, 0x5218c048, 0x25fd6e8c,
	0x1001de8e, 0x06f68502, 0x04681ce7, 0x18840c6b,
	0x28716fab, 0x27a7a855, 0x1d5bb906, 0x00eea11c,
	0x42c21f83, 0x0b2f6c73, 0x151c0a4f, 0x0c88e74b,
	0x44297db3, 0x0c9f2889, 0x22c19b89, 0x397e0284,
	0x3b47e2cf, 0x5e6a06a4, 0x02a60ec5, 0x10a30dc4,
	0x259f4bf4, 0x7448e0a6, 0x0d9b89b1, 0x0a0857b0,
	0x1e2a9eab, 0x09a3fdab, 0x3f6a6ff5, 0x5ad8cb5e,
	0x2a96c135, 0x46aff290, 0x544ff32c, 0x51e8cad1,
	0x4e0c57c8, 0x4d1ab85c, 0x5c9f62c5, 0x3bf82ccc,
	0x08a6ae66, 0x570fb7ac, 0x2cc96de0, 0x3ba9d60a,
	0x2c5fad64, 0x10ca4656, 0x06d0e217, 0x32b94f28,
	0x1d10fe68, 0x66f3df1a, 0x555fc7c0, 0x1afeb39d,
	0x08e1e40f, 0x31c86d13, 0x12e1a55b, 0x78aa48f0,
	0x4a71e0d9, 0x6b6cfbb0, 0x4a8a4b5d, 0x26e11f1b,
	0x4b65fb4f, 0x0eac5bdb, 0x7108e3c2, 0x0f03e6a3,
	0x41e3dce0, 0x1e80b9f2, 0x4a4cc2bc, 0x51fb08bc,
	0x05e33025, 0x72421bca, 0x00b93a24, 0x6dfd0e3c,
	0x23f18d04, 0x3e16cd59, 0x4d5b2a04, 0x49b2a50b,
	0x5fa94b5e, 0x35d16efc, 0x1e83a79a, 0x58c0d77d,
	0x4e45e50e, 0x1f64ee5d, 0x16ef2bb3, 0x5e27dc6e,
	0x7f0b8a3f, 0x3f59d96f, 0x232a5c1f, 0x7f83a841,
	0x59a11b26, 0x7b0c98f9, 0x5b93ed6e, 0x2f7c3534,
	0x0b66a92b, 0x10741c6e, 0x4a05bbae, 0x544e9756,
	0x33161fba, 0x248ca40b, 0x20a2f5ff, 0x6e529a22,
	0x316aeed5, 0x2a0af2cc, 0x1a4bbd7a, 0x1b9c4c28,
	0x4ea13a8c, 0x37eeff2c, 0x00a5d16d, 0x3ba2e855,
	0x2fdc2bae, 0x552985cf, 0x100a3d1b, 0x5897d96c,
	0x79a18dd4, 0x3fba8cfe, 0x0e8c0d27, 0x7e75cf15,
	0x4f10a4a8, 0x5e38a7b6, 0x7ed42d93, 0x28c2d49d,
	0x36aeafc3, 0x7361fffe, 0x27685296, 0x7cf7bdcf,
	0x00eb2c20, 0x0e97d95a, 0x7b14c77b, 0x46e97cb4,
	0x349a2cce, 0x2b00d5f0, 0x33a3ed5f, 0x6028f41d,
	0x1ed51d48, 0x6e75ec40, 0x6bfe88b0, 0x5ab96b34,
	0x45eb5e21, 0x5ba3faa6, 0x7e397ad3, 0x5cb7f39e,
	0x6d89f1e3, 0x3d1e1a72, 0x37000acc, 0x3f70d73e,
	0x7b120ad6, 0x75c84c75, 0x0b96d26c, 0x3a2e14b8,
	0x0e2a7a25, 0x21fcf4db, 0x5ed8c765, 0x01c08d38,
	0x09b24969, 0x5d5f684b, 0x36c0e8f2, 0x41cb6e2a,
	0x57dff2e1, 0x4c51b47d, 0x35bfbe24, 0x7b7ca00e,
	0x16e7e68f, 0x0cc6cff1, 0x6d5f0b69, 0x5f07e8c2,
	0x2bc8e7f2, 0x4dff3652, 0x31eb7bb4, 0x3e9e2df0,
	0x7a6b96d0, 0x600cd1da, 0x3ae99a7d, 0x3c2baabd,
	0x5df7c7c3, 0x73ee1e12, 0x02eae5d1, 0x6f5b5dd7,
	0x117caeb7, 0x3d39b7d5, 0x07b83b5b, 0x71da406f,
	0x4c93d7e6, 0x0e37ff7a, 0x7e91c441, 0x5c7e90e4,
	0x51b9c0c7, 0x32cf793e, 0x47ceff44, 0x2ef06e0f,
	0x6d02afc1, 0x2b0c1bc5, 0x5de2d15c, 0x16f93f40,
	0x0ef05e5e, 0x32b2f28f, 0x5a4a5fca, 0x7b37a3db,
	0x29786a10, 0x66f31c5a, 0x6d4c66f8, 0x14f43c6c,
	0x1a81fc14, 0x3b8f03ab, 0x163f8ab7, 0x1e92ab2e,
	0x3e3e1c34, 0x35ac0284, 0x61d4b73d, 0x76b7c71d,
	0x5aee7044, 0x6db41689, 0x5d3e1e24, 0x6b3c82b7,
	0x15ea6a23, 0x411e4e66, 0x2fe46038, 0x2aff5ca1,
	0x344e7bf6, 0x0c3743f4, 0x1bb8c8f5, 0x54b4c77f,
	0x6fc6cfaa, 0x7d012bdd, 0x3e8d9c39, 0x57204ab9,
	0x2f6f4ad5, 0x4ad26c8a, 0x6b8ea98e, 0x73a28ba6,
	0x7a70d90e, 0x51cf88e4, 0x6aff9307, 0x56d74c87,
	0x3c47d6c6, 0x4a8e8930, 0x4bf9a794, 0x5c3da92e,
}
