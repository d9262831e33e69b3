// Package storage provides blob backends and the change request audit archive.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
)

// BlobStore defines the interface for abstract storage backends. Get returns
// an error wrapping cmdb.ErrNotFound for missing keys.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// cleanKey rejects keys that would escape the store root.
func cleanKey(key string) (string, error) {
	k := path.Clean("/" + strings.TrimSpace(key))[1:]
	if k == "" || k != strings.TrimPrefix(key, "/") {
		return "", fmt.Errorf("%w: invalid blob key %q", cmdb.ErrValidation, key)
	}
	return k, nil
}
