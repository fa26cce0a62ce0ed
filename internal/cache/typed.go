package cache

import (
	"context"
	"encoding/json"
)

// Typed accessors over the Manager's byte-level API. Values are
// JSON-encoded, which also gives the byte-size accounting used by the
// memory estimate in Stats.

// GetAs returns the cached value decoded into T.
func GetAs[T any](ctx context.Context, m *Manager, key, category string) (T, bool, error) {
	var zero T
	raw, found, err := m.Get(ctx, key, category)
	if err != nil || !found {
		return zero, false, err
	}
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return zero, false, err
	}
	return value, true, nil
}

// SetAs stores value under key in the given category.
func SetAs[T any](ctx context.Context, m *Manager, key string, value T, category string, metadata map[string]string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return m.Set(ctx, key, raw, category, metadata)
}

// GetOrSetAs returns the cached value or produces, caches, and returns
// it via fallback.
func GetOrSetAs[T any](ctx context.Context, m *Manager, key, category string, fallback func(context.Context) (T, error)) (T, error) {
	var zero T
	raw, err := m.GetOrSet(ctx, key, category, func(ctx context.Context) ([]byte, error) {
		value, err := fallback(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(value)
	})
	if err != nil || raw == nil {
		return zero, err
	}
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return zero, err
	}
	return value, nil
}
