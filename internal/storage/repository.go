// Package storage persists app state as JSON values under string keys.
package storage

import (
	"context"
	"errors"
	"strings"
)

var ErrKeyRequired = errors.New("storage: key required")

// Repository is the key/value surface handed to apps.
type Repository interface {
	// Get decodes the value stored under key into out and reports whether it existed.
	Get(ctx context.Context, key string, out any) (bool, error)
	Save(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
	// Keys lists keys starting with prefix in ascending order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Scoped prefixes every key so that one app cannot see another app's state.
type Scoped struct {
	repo   Repository
	prefix string
}

func NewScoped(repo Repository, prefix string) *Scoped {
	return &Scoped{repo: repo, prefix: prefix}
}

func (s *Scoped) Get(ctx context.Context, key string, out any) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, ErrKeyRequired
	}
	return s.repo.Get(ctx, s.prefix+key, out)
}

func (s *Scoped) Save(ctx context.Context, key string, value any) error {
	if strings.TrimSpace(key) == "" {
		return ErrKeyRequired
	}
	return s.repo.Save(ctx, s.prefix+key, value)
}

func (s *Scoped) Delete(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrKeyRequired
	}
	return s.repo.Delete(ctx, s.prefix+key)
}

func (s *Scoped) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.repo.Keys(ctx, s.prefix+prefix)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, s.prefix)
	}
	return keys, nil
}
