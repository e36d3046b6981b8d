// Package fcm relays presentation commands to Android/iOS devices over
// Firebase Cloud Messaging.
package fcm

import (
	"context"
	"fmt"
	"log/slog"

	"firebase.google.com/go/v4/messaging"
	"github.com/tinywideclouds/go-cache-sync/pkg/present"
)

// MessagingClient defines the subset of the Firebase Messaging API we
// use, so the client can be mocked for unit testing.
type MessagingClient interface {
	SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

type Sink struct {
	client MessagingClient
	logger *slog.Logger
}

// NewSink accepts the concrete client but stores it as the interface.
// *messaging.Client satisfies MessagingClient as-is.
func NewSink(client MessagingClient, logger *slog.Logger) *Sink {
	return &Sink{
		client: client,
		logger: logger.With("component", "FCMSink"),
	}
}

// Deliver sends one command to a batch of FCM tokens. Toasts go as
// data-only messages (the client renders them in-app from the command
// data); dialogs and system notifications additionally carry a native
// notification block.
func (s *Sink) Deliver(ctx context.Context, tokens []string, cmd present.Command) (string, []string, error) {
	if len(tokens) == 0 {
		return "skipped: no tokens", nil, nil
	}

	msg := &messaging.MulticastMessage{
		Tokens: tokens,
		Data:   cmd.Data(),
	}
	if cmd.Kind != present.KindToast {
		content := cmd.Content()
		msg.Notification = &messaging.Notification{
			Title: content.Title,
			Body:  content.Body,
		}
		msg.Webpush = &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{
				Title: content.Title,
				Body:  content.Body,
				Icon:  "/assets/icons/icon-192x192.png",
			},
		}
		if cmd.Kind == present.KindDialog && cmd.Dialog.ImageURL != "" {
			msg.Notification.ImageURL = cmd.Dialog.ImageURL
		}
	}

	br, err := s.client.SendEachForMulticast(ctx, msg)
	if err != nil {
		// A validation rejection means the batch itself is garbage;
		// dropping beats retry-looping a poison command.
		if messaging.IsInvalidArgument(err) {
			s.logger.Error("FCM rejected batch as InvalidArgument (dropping)", "err", err)
			return "skipped: invalid_argument", nil, nil
		}
		return "", nil, fmt.Errorf("fcm transport failed: %w", err)
	}

	var invalidTokens []string
	retryableErrors := 0

	if br.FailureCount > 0 {
		for idx, resp := range br.Responses {
			if resp.Success {
				continue
			}
			// Dead tokens go back to the caller for registry cleanup.
			if messaging.IsInvalidArgument(resp.Error) || messaging.IsRegistrationTokenNotRegistered(resp.Error) {
				invalidTokens = append(invalidTokens, tokens[idx])
				continue
			}
			retryableErrors++
		}
	}

	if retryableErrors > 0 {
		return "", nil, fmt.Errorf("batch had %d retryable errors", retryableErrors)
	}

	receipt := fmt.Sprintf("success:%d invalid:%d", br.SuccessCount, len(invalidTokens))
	return receipt, invalidTokens, nil
}
