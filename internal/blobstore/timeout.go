package blobstore

import (
	"context"
	"time"
)

// WithTimeout bounds every Put, Get and Delete on s to d. A non-positive d
// returns s unchanged.
func WithTimeout(s Store, d time.Duration) Store {
	if d <= 0 {
		return s
	}
	return &timeoutStore{Store: s, timeout: d}
}

type timeoutStore struct {
	Store
	timeout time.Duration
}

func (t *timeoutStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.Store.Put(ctx, key, data, contentType)
}

func (t *timeoutStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.Store.Get(ctx, key)
}

func (t *timeoutStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.Store.Delete(ctx, key)
}
