// Package registry defines the contract for the device registry: the
// server-side record of which delivery channels belong to which user.
// The dispatcher fans presentation commands out over a user's bundle;
// the token manager writes to it when bindings change.
package registry

import (
	"context"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
)

// Platform identifies the delivery channel type of a device token.
type Platform string

const (
	PlatformFCM  Platform = "fcm"
	PlatformAPNS Platform = "apns"
	PlatformWeb  Platform = "web"
)

// Bundle is every active delivery channel for one user. An empty bundle
// means the user never granted push permission (or opted out); passive
// notifications for them are silently dropped.
type Bundle struct {
	User             urn.URN
	FCMTokens        []string
	APNSTokens       []string
	WebSubscriptions []notification.WebPushSubscription
}

// Empty reports whether the user has no registered channel at all.
func (b *Bundle) Empty() bool {
	return len(b.FCMTokens) == 0 && len(b.APNSTokens) == 0 && len(b.WebSubscriptions) == 0
}

// Store manages the token↔user associations. Registrations are upserts:
// re-registering the same token for the same user is a no-op success.
type Store interface {
	// RegisterDevice associates a mobile token with a user.
	RegisterDevice(ctx context.Context, user urn.URN, platform Platform, token string) error
	// UnregisterDevice detaches a mobile token, whoever owns it.
	UnregisterDevice(ctx context.Context, token string) error

	// RegisterWebSubscription associates a web-push subscription with a user.
	RegisterWebSubscription(ctx context.Context, user urn.URN, sub notification.WebPushSubscription) error
	// UnregisterWebSubscription detaches a subscription by its endpoint.
	UnregisterWebSubscription(ctx context.Context, endpoint string) error

	// Fetch returns all active channels for a user.
	Fetch(ctx context.Context, user urn.URN) (*Bundle, error)
}
