package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-cache-sync/pkg/registry"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
)

// CachedRegistry decorates any registry.Store with read-aside caching of
// the per-user bundle. Writes invalidate so opt-out takes effect on the
// very next fan-out.
type CachedRegistry struct {
	realStore registry.Store
	cache     Client
	ttl       time.Duration
}

func NewCachedRegistry(realStore registry.Store, cache Client, ttl time.Duration) *CachedRegistry {
	return &CachedRegistry{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
	}
}

// --- Read path (read-aside) ---

func (s *CachedRegistry) Fetch(ctx context.Context, user urn.URN) (*registry.Bundle, error) {
	key := s.bundleKey(user)

	var cached registry.Bundle
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		cached.User = user
		return &cached, nil
	}

	fresh, err := s.realStore.Fetch(ctx, user)
	if err != nil {
		return nil, err
	}

	// Populating the cache is an optimization, not a transaction; if
	// Redis is down we just serve from the real store.
	_ = s.cache.Set(ctx, key, fresh, s.ttl)

	return fresh, nil
}

// --- Write paths (invalidate-on-write) ---

func (s *CachedRegistry) RegisterDevice(ctx context.Context, user urn.URN, platform registry.Platform, token string) error {
	if err := s.realStore.RegisterDevice(ctx, user, platform, token); err != nil {
		return err
	}
	return s.invalidate(ctx, user)
}

// UnregisterDevice has no user in its contract, so the bundle to
// invalidate is unknown; registrations expire via TTL instead. Opt-out
// paths that know the user should call InvalidateUser afterwards.
func (s *CachedRegistry) UnregisterDevice(ctx context.Context, token string) error {
	return s.realStore.UnregisterDevice(ctx, token)
}

func (s *CachedRegistry) RegisterWebSubscription(ctx context.Context, user urn.URN, sub notification.WebPushSubscription) error {
	if err := s.realStore.RegisterWebSubscription(ctx, user, sub); err != nil {
		return err
	}
	return s.invalidate(ctx, user)
}

func (s *CachedRegistry) UnregisterWebSubscription(ctx context.Context, endpoint string) error {
	return s.realStore.UnregisterWebSubscription(ctx, endpoint)
}

// InvalidateUser drops the cached bundle so the next Fetch reads the
// source of truth. Used after unregistering when the owner is known.
func (s *CachedRegistry) InvalidateUser(ctx context.Context, user urn.URN) error {
	return s.invalidate(ctx, user)
}

// --- Helpers ---

func (s *CachedRegistry) invalidate(ctx context.Context, user urn.URN) error {
	return s.cache.Del(ctx, s.bundleKey(user))
}

func (s *CachedRegistry) bundleKey(user urn.URN) string {
	return fmt.Sprintf("sync:devices:%s", user.String())
}
