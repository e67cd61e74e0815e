// Package store provides the narrow object-store contract the runner needs:
// fetching source imagery bytes and writing aggregate results. URIs use the
// s3://bucket/key form.
package store

import (
	"context"
	"fmt"
	"strings"
)

// ObjectStore is the external object storage collaborator.
type ObjectStore interface {
	// Get fetches the full object at the URI.
	Get(ctx context.Context, uri string) ([]byte, error)
	// Put writes an object, overwriting any existing one.
	Put(ctx context.Context, uri string, data []byte, contentType string) error
	// Exists reports whether the object is present and readable.
	Exists(ctx context.Context, uri string) (bool, error)
}

// SplitURI splits an s3://bucket/key URI into bucket and key.
func SplitURI(uri string) (bucket, key string, err error) {
	trimmed, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("unsupported object URI %q", uri)
	}
	bucket, key, ok = strings.Cut(trimmed, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("object URI %q has no bucket/key", uri)
	}
	return bucket, key, nil
}

// JoinURI builds an s3://bucket/key URI.
func JoinURI(bucket, key string) string {
	return "s3://" + bucket + "/" + strings.TrimPrefix(key, "/")
}
