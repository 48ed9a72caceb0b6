// Package cache implements the Cache collaborator (spec C7): a
// tenant-scoped, fingerprint-keyed store of ProcessedResponses with a
// singleflight-style at-most-one-builder guarantee, backed by a pluggable
// KVStore so deployments can choose memory, Redis, or SQLite.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jordanhubbard/routingcore/internal/events"
	"github.com/jordanhubbard/routingcore/internal/reqtype"
)

// KVStore is the collaborator interface spec §6 requires: a byte-oriented
// get/set/delete store with per-key TTL. Every backend (memory, Redis,
// SQLite) implements only this.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Cache wraps a KVStore with tenant-scoped key namespacing and a
// singleflight.Group so concurrent requests sharing a fingerprint invoke
// the builder at most once.
type Cache struct {
	store KVStore
	ttl   time.Duration
	bus   *events.Bus
	group singleflight.Group
}

// New builds a Cache over store with the given default TTL.
func New(store KVStore, ttl time.Duration, bus *events.Bus) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{store: store, ttl: ttl, bus: bus}
}

func namespacedKey(tenantID, fingerprint string) string {
	return tenantID + "::" + fingerprint
}

// Get returns the cached ProcessedResponse for (tenantID, fingerprint), if
// present and unexpired.
func (c *Cache) Get(ctx context.Context, tenantID, fingerprint string) (reqtype.ProcessedResponse, bool, error) {
	key := namespacedKey(tenantID, fingerprint)
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return reqtype.ProcessedResponse{}, false, err
	}
	if !ok {
		c.publish(events.CacheMiss, "")
		return reqtype.ProcessedResponse{}, false, nil
	}
	var resp reqtype.ProcessedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return reqtype.ProcessedResponse{}, false, fmt.Errorf("decode cached response: %w", err)
	}
	c.publish(events.CacheHit, "")
	return resp, true, nil
}

// Set stores resp under (tenantID, fingerprint) with the Cache's default TTL.
func (c *Cache) Set(ctx context.Context, tenantID, fingerprint string, resp reqtype.ProcessedResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response for cache: %w", err)
	}
	return c.store.Set(ctx, namespacedKey(tenantID, fingerprint), raw, c.ttl)
}

// GetOrBuild returns the cached response if present; otherwise it calls
// build at most once per (tenantID, fingerprint) even under concurrent
// callers, caching and returning the result. This is the at-most-one-
// concurrent-builder guarantee spec §8 names as a testable property.
func (c *Cache) GetOrBuild(ctx context.Context, tenantID, fingerprint string, build func(context.Context) (reqtype.ProcessedResponse, error)) (reqtype.ProcessedResponse, bool, error) {
	if resp, ok, err := c.Get(ctx, tenantID, fingerprint); err != nil || ok {
		return resp, ok, err
	}

	key := namespacedKey(tenantID, fingerprint)
	v, err, _ := c.group.Do(key, func() (any, error) {
		resp, buildErr := build(ctx)
		if buildErr != nil {
			return reqtype.ProcessedResponse{}, buildErr
		}
		if setErr := c.Set(ctx, tenantID, fingerprint, resp); setErr != nil {
			return resp, nil // cache write failure should not fail the request
		}
		return resp, nil
	})
	if err != nil {
		return reqtype.ProcessedResponse{}, false, err
	}
	return v.(reqtype.ProcessedResponse), false, nil
}

// Invalidate removes a cached entry, e.g. after an operator flags a
// response as incorrect.
func (c *Cache) Invalidate(ctx context.Context, tenantID, fingerprint string) error {
	return c.store.Delete(ctx, namespacedKey(tenantID, fingerprint))
}

func (c *Cache) publish(typ events.Type, reason string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{Type: typ, Reason: reason})
}
