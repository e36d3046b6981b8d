// Package readmodel holds the server-derived read models the client
// plane caches, and the application-scoped container that owns one
// keyed cache per domain.
package readmodel

import (
	"context"
	"time"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// Profile is a professional's public profile.
type Profile struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Headline    string    `json:"headline,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Rating      float64   `json:"rating"`
	ReviewCount int       `json:"review_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Listing is one service a professional offers.
type Listing struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	PriceMinor int64  `json:"price_minor"`
	Currency   string `json:"currency"`
	Active     bool   `json:"active"`
}

// Showcase is a portfolio item attached to a profile.
type Showcase struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	ImageURL string `json:"image_url,omitempty"`
}

// Availability is one bookable slot for a service.
type Availability struct {
	ListingID string    `json:"listing_id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Booked    bool      `json:"booked"`
}

// Review is a customer review of a professional.
type Review struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// WalletSnapshot is the current balance state of a professional's
// wallet. Invalidated primarily by push, not by TTL.
type WalletSnapshot struct {
	BalanceMinor   int64     `json:"balance_minor"`
	PendingMinor   int64     `json:"pending_minor"`
	Currency       string    `json:"currency"`
	LastMovementAt time.Time `json:"last_movement_at"`
}

// Payment is one payment row for an order.
type Payment struct {
	ID          string    `json:"id"`
	AmountMinor int64     `json:"amount_minor"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// OrderPayments is the payment list plus summary for one order.
type OrderPayments struct {
	OrderID    string    `json:"order_id"`
	Payments   []Payment `json:"payments"`
	TotalMinor int64     `json:"total_minor"`
	PaidMinor  int64     `json:"paid_minor"`
	Settled    bool      `json:"settled"`
}

// ResourceClient is the narrow boundary to the REST resource layer: one
// fetch per domain cache. Implementations live outside this subsystem.
type ResourceClient interface {
	FetchProfile(ctx context.Context, pro urn.URN) (Profile, error)
	FetchListings(ctx context.Context, pro urn.URN) ([]Listing, error)
	FetchShowcases(ctx context.Context, pro urn.URN) ([]Showcase, error)
	FetchAvailabilities(ctx context.Context, pro urn.URN) ([]Availability, error)
	FetchReviews(ctx context.Context, pro urn.URN) ([]Review, error)
	FetchWallet(ctx context.Context, pro urn.URN) (WalletSnapshot, error)
	FetchOrderPayments(ctx context.Context, orderID string) (OrderPayments, error)
}
