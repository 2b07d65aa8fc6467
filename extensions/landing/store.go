// Package landing is the object area raw batches, catalog data files, rejected records
// and served exports are written to.
package landing

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/zeebo/errs"

	"github.com/chararch/tunepipe"
)

// Error is the class of all landing store errors.
var Error = errs.Class("landing")

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("object not found")

// Store is a flat key/value object store with '/' separated keys.
// Put replaces an existing object atomically: readers see the old or the new bytes, never a mix.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	// List returns every key under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// IsNotFound reports whether err means a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// notFound wraps ErrNotFound with the key.
func notFound(key string) error {
	return Error.Wrap(errors.Wrapf(ErrNotFound, "key %s", key))
}

// storeError turns a store failure into a transient BatchError so the stage is retried.
func storeError(op, key string, err error) error {
	if IsNotFound(err) {
		return err
	}
	return tunepipe.NewBatchError(tunepipe.ErrCodeTransient, "landing %s %s failed", op, key, Error.Wrap(err))
}

func cleanKey(key string) string {
	return strings.TrimPrefix(strings.TrimSpace(key), "/")
}

func sortedKeys(keys []string) []string {
	sort.Strings(keys)
	return keys
}
