// Package firestore implements the device registry on Google Cloud
// Firestore.
package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/tinywideclouds/go-cache-sync/pkg/registry"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
)

const devicesCollection = "devices"

// Store implements registry.Store. Devices live in a single root
// collection keyed by token hash, with the owning user as a field, so a
// device can be detached by token alone and fanned out by user query.
type Store struct {
	client *firestore.Client
}

func NewStore(client *firestore.Client) *Store {
	return &Store{client: client}
}

// deviceRecord is the DB representation of one delivery channel.
type deviceRecord struct {
	User            string                            `firestore:"user"`
	Platform        string                            `firestore:"platform"`
	Token           string                            `firestore:"token,omitempty"`
	WebSubscription *notification.WebPushSubscription `firestore:"web_subscription,omitempty"`
	UpdatedAt       time.Time                         `firestore:"updated_at"`
}

func (s *Store) RegisterDevice(ctx context.Context, user urn.URN, platform registry.Platform, token string) error {
	record := deviceRecord{
		User:      user.String(),
		Platform:  string(platform),
		Token:     token,
		UpdatedAt: time.Now(),
	}
	// Set is an upsert; re-registering the same token is idempotent.
	_, err := s.deviceRef(token).Set(ctx, record)
	return err
}

func (s *Store) UnregisterDevice(ctx context.Context, token string) error {
	_, err := s.deviceRef(token).Delete(ctx)
	return err
}

func (s *Store) RegisterWebSubscription(ctx context.Context, user urn.URN, sub notification.WebPushSubscription) error {
	record := deviceRecord{
		User:            user.String(),
		Platform:        string(registry.PlatformWeb),
		WebSubscription: &sub,
		UpdatedAt:       time.Now(),
	}
	// The endpoint URL is the unique identifier for a web subscription.
	_, err := s.deviceRef(sub.Endpoint).Set(ctx, record)
	return err
}

func (s *Store) UnregisterWebSubscription(ctx context.Context, endpoint string) error {
	_, err := s.deviceRef(endpoint).Delete(ctx)
	return err
}

// Fetch gathers every channel registered for a user into one bundle.
func (s *Store) Fetch(ctx context.Context, user urn.URN) (*registry.Bundle, error) {
	iter := s.client.Collection(devicesCollection).
		Where("user", "==", user.String()).
		Documents(ctx)
	defer iter.Stop()

	bundle := &registry.Bundle{
		User:             user,
		FCMTokens:        make([]string, 0),
		APNSTokens:       make([]string, 0),
		WebSubscriptions: make([]notification.WebPushSubscription, 0),
	}

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}

		var record deviceRecord
		if err := doc.DataTo(&record); err != nil {
			// Corrupt rows are skipped rather than failing the fan-out.
			continue
		}

		switch registry.Platform(record.Platform) {
		case registry.PlatformWeb:
			if record.WebSubscription != nil {
				bundle.WebSubscriptions = append(bundle.WebSubscriptions, *record.WebSubscription)
			}
		case registry.PlatformAPNS:
			if record.Token != "" {
				bundle.APNSTokens = append(bundle.APNSTokens, record.Token)
			}
		default:
			if record.Token != "" {
				bundle.FCMTokens = append(bundle.FCMTokens, record.Token)
			}
		}
	}

	return bundle, nil
}

// deviceRef hashes the token so document ids stay uniform and cannot
// hot-spot on token prefixes.
func (s *Store) deviceRef(token string) *firestore.DocumentRef {
	sum := sha256.Sum256([]byte(token))
	return s.client.Collection(devicesCollection).Doc(hex.EncodeToString(sum[:]))
}
