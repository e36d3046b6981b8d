// Package web relays presentation commands to browser clients via the
// Web Push protocol (VAPID).
package web

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/tinywideclouds/go-cache-sync/pkg/present"
	"github.com/tinywideclouds/go-cache-sync/syncservice/config"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
)

type Sink struct {
	subscriber string
	privateKey string
	publicKey  string
	logger     *slog.Logger
	httpClient *http.Client
}

func NewSink(cfg config.VapidConfig, logger *slog.Logger) *Sink {
	return &Sink{
		privateKey: cfg.PrivateKey,
		publicKey:  cfg.PublicKey,
		subscriber: cfg.SubscriberEmail,
		logger:     logger.With("component", "WebPushSink"),
		httpClient: &http.Client{},
	}
}

// Deliver sends one command to each subscription. It returns the
// subscriptions the push service reported gone, so the caller can
// remove them from the registry.
func (s *Sink) Deliver(
	ctx context.Context,
	subs []notification.WebPushSubscription,
	cmd present.Command,
) (string, []notification.WebPushSubscription, error) {
	if len(subs) == 0 {
		return "skipped: no subscriptions", nil, nil
	}

	var invalidSubs []notification.WebPushSubscription
	successCount := 0
	failureCount := 0

	content := cmd.Content()
	payloadBytes, err := json.Marshal(map[string]interface{}{
		"notification": map[string]string{
			"title": content.Title,
			"body":  content.Body,
		},
		"data": cmd.Data(),
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	for _, sub := range subs {
		target := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: base64.RawURLEncoding.EncodeToString(sub.Keys.P256dh),
				Auth:   base64.RawURLEncoding.EncodeToString(sub.Keys.Auth),
			},
		}

		resp, err := webpush.SendNotification(payloadBytes, target, &webpush.Options{
			Subscriber:      s.subscriber,
			VAPIDPublicKey:  s.publicKey,
			VAPIDPrivateKey: s.privateKey,
			TTL:             60,
			HTTPClient:      s.httpClient,
		})

		if err != nil {
			// Transport error (DNS, timeout): log and skip, don't delete.
			s.logger.Error("WebPush transport error", "endpoint", sub.Endpoint, "err", err)
			failureCount++
			continue
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case 201:
			successCount++
		case 410, 404:
			// Subscription is dead; return for cleanup.
			invalidSubs = append(invalidSubs, sub)
			failureCount++
		default:
			s.logger.Warn("WebPush rejected", "status", resp.StatusCode, "endpoint", sub.Endpoint)
			failureCount++
		}
	}

	receipt := fmt.Sprintf("success:%d invalid:%d total_fail:%d", successCount, len(invalidSubs), failureCount)
	return receipt, invalidSubs, nil
}
