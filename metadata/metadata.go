// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metadata reads and writes the fixed packed-binary metadata
// record for tiered files: a 32-byte header (total size, atime, mtime,
// ctime, all int64 little-endian whatever the host byte order)
// followed by a sequence of fixed-length
// lowercase-hex digest strings in read order. The atomic temp-file-
// plus-rename write pattern is the same idiom used elsewhere for
// CBOR-encoded metadata files; the record shape itself stays fixed
// binary rather than CBOR, since it pins exact byte offsets.
package metadata

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/surfergrl888/storage/digest"
	"github.com/surfergrl888/storage/tiererr"
)

// HeaderSize is the fixed header length in bytes: four int64 fields.
const HeaderSize = 32

// Record is the in-memory decoded form of a metadata record.
type Record struct {
	TotalSize int64
	Atime     int64
	Mtime     int64
	Ctime     int64
	Segments  []digest.Digest
}

// New creates a fresh record with the given size and all three
// timestamps set to now.
func New(totalSize int64) *Record {
	now := time.Now().Unix()
	return &Record{TotalSize: totalSize, Atime: now, Mtime: now, Ctime: now}
}

// Touch refreshes atime/mtime/ctime to the current time. All three are
// always set together; there is no per-field variant.
func (r *Record) Touch() {
	now := time.Now().Unix()
	r.Atime, r.Mtime, r.Ctime = now, now, now
}

// Load reads and decodes the metadata record at path. Returns NotFound
// if the file does not exist.
func Load(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &tiererr.NotFound{What: "metadata record " + path}
		}
		return nil, &tiererr.IoError{Op: "read", Path: path, Err: err}
	}
	return decode(data)
}

func decode(data []byte) (*Record, error) {
	if len(data) < HeaderSize {
		return nil, &tiererr.InvariantError{Detail: "metadata record shorter than header"}
	}
	r := &Record{
		TotalSize: int64(binary.LittleEndian.Uint64(data[0:8])),
		Atime:     int64(binary.LittleEndian.Uint64(data[8:16])),
		Mtime:     int64(binary.LittleEndian.Uint64(data[16:24])),
		Ctime:     int64(binary.LittleEndian.Uint64(data[24:32])),
	}

	body := data[HeaderSize:]
	full := len(body) / digest.HexSize
	r.Segments = make([]digest.Digest, 0, full)
	for i := 0; i < full; i++ {
		hexStr := string(body[i*digest.HexSize : (i+1)*digest.HexSize])
		d, err := digest.Parse(hexStr)
		if err != nil {
			// A partially-written trailing record from a crash mid-
			// append: stop here rather than failing the whole load,
			// mirroring the index mirror's tolerant rebuild.
			break
		}
		r.Segments = append(r.Segments, d)
	}
	return r, nil
}

func encode(r *Record) []byte {
	buf := make([]byte, HeaderSize+len(r.Segments)*digest.HexSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.TotalSize))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(r.Atime))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(r.Mtime))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(r.Ctime))
	for i, d := range r.Segments {
		copy(buf[HeaderSize+i*digest.HexSize:HeaderSize+(i+1)*digest.HexSize], []byte(d.String()))
	}
	return buf
}

// Save atomically writes r to path via temp-file-plus-rename.
func Save(path string, r *Record) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return &tiererr.IoError{Op: "create-temp", Path: path, Err: err}
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(encode(r)); err != nil {
		tmp.Close()
		return &tiererr.IoError{Op: "write", Path: tmpPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &tiererr.IoError{Op: "close", Path: tmpPath, Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return &tiererr.IoError{Op: "rename", Path: path, Err: err}
	}
	success = true
	return nil
}

// AppendSegments opens the record at path, appends the given digests
// in order, and atomically rewrites it. Used by the migration engine
// as it closes each segment — append-on-the-happy-path means a crash
// mid-migration leaves a record that is still a valid (shorter)
// prefix, with no explicit rollback needed.
func AppendSegments(path string, digests ...digest.Digest) error {
	r, err := Load(path)
	if err != nil {
		return err
	}
	r.Segments = append(r.Segments, digests...)
	r.Touch()
	return Save(path, r)
}

// Delete removes the metadata record at path. Not-found is not an
// error.
func Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &tiererr.IoError{Op: "remove", Path: path, Err: err}
	}
	return nil
}

// TruncateLastSegment removes the final segment reference from the
// record at path and returns it, for the tail-detachment protocol: it
// loads the whole record, drops the last reference and rewrites the
// record via Save. Returns NotFound if the record has no segments.
func TruncateLastSegment(path string) (digest.Digest, error) {
	r, err := Load(path)
	if err != nil {
		return digest.Digest{}, err
	}
	if len(r.Segments) == 0 {
		return digest.Digest{}, &tiererr.NotFound{What: "segment reference in " + path}
	}
	last := r.Segments[len(r.Segments)-1]
	r.Segments = r.Segments[:len(r.Segments)-1]
	r.Touch()
	if err := Save(path, r); err != nil {
		return digest.Digest{}, err
	}
	return last, nil
}
