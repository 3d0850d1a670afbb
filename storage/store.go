package storage

import (
	"strings"

	apperrors "github.com/jrsteele09/go-session-guard/internal/errors"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = apperrors.ErrNotFound

// IsNotFound reports whether err means the key has no value.
func IsNotFound(err error) bool {
	return apperrors.Is(err, ErrNotFound)
}

// Store is a synchronous key-value store. A nil error from Set or Remove
// means the write is durable for that backend: the session guard relies on
// it to survive the process being killed straight after a transition.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
}

// Bucket namespaces every key written through it, e.g. "session-guard:softlock".
type Bucket struct {
	store  Store
	prefix string
}

var _ Store = (*Bucket)(nil)

// NewBucket returns a Store that prefixes keys with the given namespace parts.
func NewBucket(store Store, namespace ...string) *Bucket {
	parts := make([]string, 0, len(namespace))
	for _, n := range namespace {
		if n = strings.Trim(n, ":"); n != "" {
			parts = append(parts, n)
		}
	}
	prefix := strings.Join(parts, ":")
	if prefix != "" {
		prefix += ":"
	}
	return &Bucket{store: store, prefix: prefix}
}

// Sub returns a nested bucket.
func (b *Bucket) Sub(namespace string) *Bucket {
	return NewBucket(b.store, b.prefix, namespace)
}

func (b *Bucket) Key(key string) string {
	return b.prefix + key
}

func (b *Bucket) Get(key string) ([]byte, error) {
	return b.store.Get(b.Key(key))
}

func (b *Bucket) Set(key string, value []byte) error {
	return b.store.Set(b.Key(key), value)
}

func (b *Bucket) Remove(key string) error {
	return b.store.Remove(b.Key(key))
}
