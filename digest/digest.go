// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package digest computes and formats the fixed-length content digest
// used to identify segments throughout the store. It wraps a single
// keyed BLAKE3 instance — the store has exactly one hash domain (segment
// bytes), so no domain separation between chunk/container/file hashing
// is needed.
package digest

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Size is the digest length in bytes.
const Size = 32

// HexSize is the digest length when formatted as lowercase hex, i.e.
// the fixed K referenced throughout the metadata record and index
// mirror formats.
const HexSize = Size * 2

// Digest is a fixed-length content hash.
type Digest [Size]byte

// domainKey separates this store's segment digests from any other use
// of BLAKE3 in the process. Fixed and never changed — changing it
// invalidates every existing digest. ASCII, zero-padded to 32 bytes,
// so it is inspectable in hex dumps.
var domainKey = [Size]byte{
	't', 'i', 'e', 'r', 'f', 's', '.', 's', 'e', 'g', 'm', 'e', 'n', 't', '.', 'v', '1',
}

// Of returns the digest of data.
func Of(data []byte) Digest {
	hasher, err := blake3.NewKeyed(domainKey[:])
	if err != nil {
		// NewKeyed only fails on a key of the wrong length; domainKey
		// is a fixed 32-byte array, so this is unreachable.
		panic(fmt.Sprintf("digest: keyed blake3 init: %v", err))
	}
	hasher.Write(data)
	var out Digest
	copy(out[:], hasher.Sum(nil))
	return out
}

// NewWriter returns a hash.Hash-compatible streaming digester whose
// Sum produces the same value as Of for the bytes written to it, for
// hashing data as it streams rather than holding it all in memory.
func NewWriter() *blake3.Hasher {
	hasher, err := blake3.NewKeyed(domainKey[:])
	if err != nil {
		panic(fmt.Sprintf("digest: keyed blake3 init: %v", err))
	}
	return hasher
}

// Sum finalizes a streaming hasher started with NewWriter into a Digest.
func Sum(hasher *blake3.Hasher) Digest {
	var out Digest
	copy(out[:], hasher.Sum(nil))
	return out
}

// String formats the digest as lowercase hex.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Bucket returns the first three hex characters of the digest, used as
// the object-store bucket name.
func (d Digest) Bucket() string {
	return d.String()[:3]
}

// Key returns the remaining hex characters of the digest, used as the
// object-store key within Bucket.
func (d Digest) Key() string {
	return d.String()[3:]
}

// Parse decodes a lowercase hex string into a Digest. Returns an error
// if s is not exactly HexSize hex characters.
func Parse(s string) (Digest, error) {
	if len(s) != HexSize {
		return Digest{}, fmt.Errorf("digest: hex string has length %d, want %d", len(s), HexSize)
	}
	var out Digest
	if _, err := hex.Decode(out[:], []byte(s)); err != nil {
		return Digest{}, fmt.Errorf("digest: decoding hex: %w", err)
	}
	return out, nil
}

// Zero reports whether d is the zero digest.
func (d Digest) Zero() bool {
	return d == Digest{}
}
