package readmodel

import (
	"context"
	"time"

	"github.com/tinywideclouds/go-cache-sync/pkg/cache"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// TTLConfig carries the freshness window per domain cache. Wallet and
// payments run long windows because push invalidation, not TTL, is
// their primary refresh trigger.
type TTLConfig struct {
	Profiles       time.Duration `yaml:"profiles"`
	Listings       time.Duration `yaml:"listings"`
	Showcases      time.Duration `yaml:"showcases"`
	Availabilities time.Duration `yaml:"availabilities"`
	Reviews        time.Duration `yaml:"reviews"`
	Wallet         time.Duration `yaml:"wallet"`
	Payments       time.Duration `yaml:"payments"`
}

// DefaultTTLs returns the production freshness windows.
func DefaultTTLs() TTLConfig {
	return TTLConfig{
		Profiles:       10 * time.Minute,
		Listings:       10 * time.Minute,
		Showcases:      10 * time.Minute,
		Availabilities: 5 * time.Minute,
		Reviews:        2 * time.Minute,
		Wallet:         30 * time.Minute,
		Payments:       30 * time.Minute,
	}
}

// Container owns every domain cache. It is constructed once at app
// start and injected into consumers; there is no module-level state.
// Caches are keyed by the string form of the entity URN (or order id
// for payments).
type Container struct {
	resources ResourceClient

	Profiles       *cache.Keyed[string, Profile]
	Listings       *cache.Keyed[string, []Listing]
	Showcases      *cache.Keyed[string, []Showcase]
	Availabilities *cache.Keyed[string, []Availability]
	Reviews        *cache.Keyed[string, []Review]
	Wallet         *cache.Keyed[string, WalletSnapshot]
	Payments       *cache.Keyed[string, OrderPayments]
}

// NewContainer wires one cache per domain against the resource layer.
func NewContainer(resources ResourceClient, ttls TTLConfig) *Container {
	return &Container{
		resources:      resources,
		Profiles:       cache.NewKeyed[string, Profile](ttls.Profiles),
		Listings:       cache.NewKeyed[string, []Listing](ttls.Listings),
		Showcases:      cache.NewKeyed[string, []Showcase](ttls.Showcases),
		Availabilities: cache.NewKeyed[string, []Availability](ttls.Availabilities),
		Reviews:        cache.NewKeyed[string, []Review](ttls.Reviews),
		Wallet:         cache.NewKeyed[string, WalletSnapshot](ttls.Wallet),
		Payments:       cache.NewKeyed[string, OrderPayments](ttls.Payments),
	}
}

// Profile resolves a professional's profile through the cache.
func (c *Container) Profile(ctx context.Context, pro urn.URN, force bool) (Profile, error) {
	return c.Profiles.EnsureFresh(ctx, pro.String(), func(ctx context.Context, _ string) (Profile, error) {
		return c.resources.FetchProfile(ctx, pro)
	}, cache.Options{Force: force})
}

// ProListings resolves a professional's service listings.
func (c *Container) ProListings(ctx context.Context, pro urn.URN, force bool) ([]Listing, error) {
	return c.Listings.EnsureFresh(ctx, pro.String(), func(ctx context.Context, _ string) ([]Listing, error) {
		return c.resources.FetchListings(ctx, pro)
	}, cache.Options{Force: force})
}

// ProShowcases resolves a professional's showcase items.
func (c *Container) ProShowcases(ctx context.Context, pro urn.URN, force bool) ([]Showcase, error) {
	return c.Showcases.EnsureFresh(ctx, pro.String(), func(ctx context.Context, _ string) ([]Showcase, error) {
		return c.resources.FetchShowcases(ctx, pro)
	}, cache.Options{Force: force})
}

// ProAvailabilities resolves a professional's bookable slots.
func (c *Container) ProAvailabilities(ctx context.Context, pro urn.URN, force bool) ([]Availability, error) {
	return c.Availabilities.EnsureFresh(ctx, pro.String(), func(ctx context.Context, _ string) ([]Availability, error) {
		return c.resources.FetchAvailabilities(ctx, pro)
	}, cache.Options{Force: force})
}

// ProReviews resolves a professional's reviews.
func (c *Container) ProReviews(ctx context.Context, pro urn.URN, force bool) ([]Review, error) {
	return c.Reviews.EnsureFresh(ctx, pro.String(), func(ctx context.Context, _ string) ([]Review, error) {
		return c.resources.FetchReviews(ctx, pro)
	}, cache.Options{Force: force})
}

// ProWallet resolves a professional's wallet snapshot.
func (c *Container) ProWallet(ctx context.Context, pro urn.URN, force bool) (WalletSnapshot, error) {
	return c.Wallet.EnsureFresh(ctx, pro.String(), func(ctx context.Context, _ string) (WalletSnapshot, error) {
		return c.resources.FetchWallet(ctx, pro)
	}, cache.Options{Force: force})
}

// OrderPaymentState resolves the payment list and summary for an order.
func (c *Container) OrderPaymentState(ctx context.Context, orderID string, force bool) (OrderPayments, error) {
	return c.Payments.EnsureFresh(ctx, orderID, func(ctx context.Context, _ string) (OrderPayments, error) {
		return c.resources.FetchOrderPayments(ctx, orderID)
	}, cache.Options{Force: force})
}

// EvictAll clears every domain cache. Called on logout and account
// deletion; cache contents are rebuilt from the network afterwards.
func (c *Container) EvictAll() {
	c.Profiles.EvictAll()
	c.Listings.EvictAll()
	c.Showcases.EvictAll()
	c.Availabilities.EvictAll()
	c.Reviews.EvictAll()
	c.Wallet.EvictAll()
	c.Payments.EvictAll()
}
