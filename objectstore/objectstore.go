// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package objectstore is the bucket-aware object-store façade: the
// only component that talks to the network. It is a thin adapter over
// github.com/viant/afs's scheme-agnostic storage Service, used here to
// abstract over local, S3, and GCS backends. Bucket name is the
// digest's first three hex characters; key is the remainder — afs's
// URL-addressed object model maps this naturally onto
// "<root>/<bucket>/<key>" locations.
package objectstore

import (
	"context"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/viant/afs"

	"github.com/surfergrl888/storage/tiererr"
)

// Store is the object-store façade. Root is an afs URL prefix (e.g.
// "file:///var/tierfs/objects" for local tests, "s3://bucket-prefix"
// or "gs://bucket-prefix" in production once the embedding binary
// registers the relevant afsc backend).
type Store struct {
	service afs.Service
	root    string
}

// New creates a Store rooted at the given afs URL.
func New(root string) *Store {
	return &Store{service: afs.New(), root: strings.TrimRight(root, "/")}
}

func (s *Store) location(bucket, key string) string {
	return s.root + "/" + path.Join(bucket, key)
}

// EnsureBucket creates the bucket (a directory/prefix under root) if
// it does not already exist. Idempotent.
func (s *Store) EnsureBucket(ctx context.Context, bucket string) error {
	loc := s.root + "/" + bucket
	exists, err := s.service.Exists(ctx, loc)
	if err != nil {
		return &tiererr.CloudError{Op: "ensure_bucket", Err: err}
	}
	if exists {
		return nil
	}
	if err := s.service.Create(ctx, loc, 0o755, true); err != nil {
		return &tiererr.CloudError{Op: "ensure_bucket", Err: err}
	}
	return nil
}

// Put uploads length bytes read from reader to bucket/key.
func (s *Store) Put(ctx context.Context, bucket, key string, length int64, reader io.Reader) error {
	loc := s.location(bucket, key)
	if err := s.service.Upload(ctx, loc, 0o644, io.LimitReader(reader, length)); err != nil {
		return &tiererr.CloudError{Op: "put", Err: err, Status: statusFromErr(err)}
	}
	return nil
}

// Get streams bucket/key's bytes to writer.
func (s *Store) Get(ctx context.Context, bucket, key string, writer io.Writer) error {
	loc := s.location(bucket, key)
	data, err := s.service.DownloadWithURL(ctx, loc)
	if err != nil {
		return &tiererr.CloudError{Op: "get", Err: err, Status: statusFromErr(err)}
	}
	if _, err := writer.Write(data); err != nil {
		return &tiererr.CloudError{Op: "get", Err: err}
	}
	return nil
}

// Delete removes bucket/key. Not-found is not an error — unlink's
// purge-on-zero path may race a prior partial delete.
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	loc := s.location(bucket, key)
	if err := s.service.Delete(ctx, loc); err != nil {
		exists, existsErr := s.service.Exists(ctx, loc)
		if existsErr == nil && !exists {
			return nil
		}
		return &tiererr.CloudError{Op: "delete", Err: err, Status: statusFromErr(err)}
	}
	return nil
}

// Exists reports whether bucket/key currently has an object.
func (s *Store) Exists(ctx context.Context, bucket, key string) (bool, error) {
	loc := s.location(bucket, key)
	exists, err := s.service.Exists(ctx, loc)
	if err != nil {
		return false, &tiererr.CloudError{Op: "exists", Err: err}
	}
	return exists, nil
}

// statusFromErr best-effort maps an afs/backend error to an HTTP-style
// status for the CloudError taxonomy. afs backends largely return
// wrapped os-style errors for local/file schemes and backend-specific
// errors for cloud schemes; when a non-nil error carries no status
// this reports 500 (http.StatusInternalServerError). A nil error
// reports 0.
func statusFromErr(err error) int {
	if err == nil {
		return 0
	}
	type statusser interface{ StatusCode() int }
	if se, ok := err.(statusser); ok {
		return se.StatusCode()
	}
	return http.StatusInternalServerError
}
