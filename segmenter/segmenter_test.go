// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package segmenter

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestNewConfigDerivesBounds(t *testing.T) {
	cfg, err := NewConfig(48, 8192)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.Min != 8192-8192/16 {
		t.Errorf("Min = %d, want %d", cfg.Min, 8192-8192/16)
	}
	if cfg.Max != 8192+8192/16 {
		t.Errorf("Max = %d, want %d", cfg.Max, 8192+8192/16)
	}
}

func TestNewConfigRejectsNonPositive(t *testing.T) {
	if _, err := NewConfig(48, 0); err == nil {
		t.Error("expected error for zero avg")
	}
	if _, err := NewConfig(0, 8192); err == nil {
		t.Error("expected error for zero window")
	}
}

func TestNewConfigRejectsWindowBelowMin(t *testing.T) {
	if _, err := NewConfig(100, 16); err == nil {
		t.Error("expected error when derived minimum does not exceed window")
	}
}

func fixedBuffer(n int, seed int64) []byte {
	r := rand.New(rand.NewSource(seed))
	buf := make([]byte, n)
	r.Read(buf)
	return buf
}

func TestSegmentsRespectMaxBound(t *testing.T) {
	cfg, err := NewConfig(48, 512)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	data := fixedBuffer(64*1024, 1)

	s := New(cfg)
	s.Reset(data, 0)
	for {
		seg, err := s.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if seg == nil {
			break
		}
		if seg.Length > cfg.Max {
			t.Fatalf("segment length %d exceeds Max %d", seg.Length, cfg.Max)
		}
	}
}

func TestShortBufferYieldsOnlyResidual(t *testing.T) {
	cfg, err := NewConfig(48, 8192)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	data := fixedBuffer(cfg.Min-1, 2)

	s := New(cfg)
	s.Reset(data, 0)
	seg, err := s.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if seg != nil {
		t.Fatalf("expected no closed segment for a buffer shorter than Min, got length %d", seg.Length)
	}
	if !bytes.Equal(s.Residual(), data) {
		t.Error("Residual should return the entire short buffer unconsumed")
	}
}

func TestSegmentationIsDeterministic(t *testing.T) {
	cfg, err := NewConfig(48, 4096)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	data := fixedBuffer(256*1024, 3)

	segmentsOf := func() []Segment {
		s := New(cfg)
		s.Reset(data, 0)
		var out []Segment
		for {
			seg, err := s.Next()
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if seg == nil {
				break
			}
			out = append(out, *seg)
		}
		return out
	}

	first := segmentsOf()
	second := segmentsOf()
	if len(first) != len(second) {
		t.Fatalf("segment counts differ across runs: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("segment %d differs across runs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestSegmentsCoverEntireBuffer(t *testing.T) {
	cfg, err := NewConfig(48, 2048)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	data := fixedBuffer(100*1024, 4)

	s := New(cfg)
	s.Reset(data, 0)
	var offset int64
	for {
		seg, err := s.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if seg == nil {
			break
		}
		if seg.Offset != offset {
			t.Fatalf("segment offset %d, want %d", seg.Offset, offset)
		}
		offset += int64(seg.Length)
	}
	offset += int64(len(s.Residual()))
	if offset != int64(len(data)) {
		t.Fatalf("segments + residual covered %d bytes, want %d", offset, len(data))
	}
}
