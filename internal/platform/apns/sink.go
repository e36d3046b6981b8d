// Package apns relays presentation commands to Apple devices.
package apns

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"

	"github.com/tinywideclouds/go-cache-sync/pkg/present"
	"github.com/tinywideclouds/go-cache-sync/syncservice/config"
)

// APNSClient defines the subset of the apns2.Client methods we use.
type APNSClient interface {
	Push(n *apns2.Notification) (*apns2.Response, error)
}

type Sink struct {
	client APNSClient
	topic  string // app bundle id
	logger *slog.Logger
}

// NewSink parses the P8 key immediately to fail fast on startup if the
// credentials are bad.
func NewSink(cfg config.APNSConfig, logger *slog.Logger) (*Sink, error) {
	authKey, err := token.AuthKeyFromBytes([]byte(cfg.P8KeyContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
	}

	tokenSource := &token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	}

	return &Sink{
		client: apns2.NewTokenClient(tokenSource),
		topic:  cfg.BundleID,
		logger: logger.With("component", "APNSSink"),
	}, nil
}

// NewSinkWithClient injects a client directly. Test hook.
func NewSinkWithClient(client APNSClient, bundleID string, logger *slog.Logger) *Sink {
	return &Sink{
		client: client,
		topic:  bundleID,
		logger: logger.With("component", "APNSSink"),
	}
}

// Deliver sends one command per token. The APNs HTTP/2 API is unary, so
// we iterate; this runs inside a pipeline worker, so serial per-user
// delivery is acceptable.
func (s *Sink) Deliver(ctx context.Context, tokens []string, cmd present.Command) (string, []string, error) {
	if len(tokens) == 0 {
		return "skipped: no tokens", nil, nil
	}

	var invalidTokens []string
	successCount := 0
	failureCount := 0

	builder := payload.NewPayload()
	if cmd.Kind == present.KindToast {
		// Toasts render in-app: background payload only.
		builder.ContentAvailable()
	} else {
		content := cmd.Content()
		builder.AlertTitle(content.Title).AlertBody(content.Body)
	}
	for k, v := range cmd.Data() {
		builder.Custom(k, v)
	}

	for _, deviceToken := range tokens {
		note := &apns2.Notification{
			DeviceToken: deviceToken,
			Topic:       s.topic,
			Payload:     builder,
		}

		res, err := s.client.Push(note)
		if err != nil {
			s.logger.Error("APNs transport failed", "token", deviceToken, "err", err)
			failureCount++
			continue
		}

		if res.Sent() {
			successCount++
			continue
		}
		failureCount++
		switch res.Reason {
		case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
			// Token is dead; add to cleanup list.
			invalidTokens = append(invalidTokens, deviceToken)
		default:
			// Other rejections may be our configuration, not the token.
			s.logger.Warn("APNs rejected notification", "reason", res.Reason, "status", res.StatusCode)
		}
	}

	receipt := fmt.Sprintf("success:%d invalid:%d total_fail:%d", successCount, len(invalidTokens), failureCount)
	return receipt, invalidTokens, nil
}
