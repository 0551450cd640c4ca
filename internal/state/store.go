// Package state persists small pieces of bot state in a key/value store.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Store is a string key/value store. Get reports false for a missing key.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// GetJSON decodes the value under key into v. A missing or blank value
// leaves v untouched and reports false.
func GetJSON(ctx context.Context, store Store, key string, v any) (bool, error) {
	raw, ok, err := store.Get(ctx, key)
	if err != nil || !ok || strings.TrimSpace(raw) == "" {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func SetJSON(ctx context.Context, store Store, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return store.Set(ctx, key, string(payload))
}

func GetInt64(ctx context.Context, store Store, key string) (int64, bool, error) {
	raw, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		return 0, false, err
	}
	val, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return val, true, nil
}

func SetInt64(ctx context.Context, store Store, key string, val int64) error {
	return store.Set(ctx, key, strconv.FormatInt(val, 10))
}
