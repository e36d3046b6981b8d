// Package pipeline contains the core message processing components for the service.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-cache-sync/pkg/intent"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// Envelope is the classified form of one inbound push message, handed
// from the transformer to the processor.
type Envelope struct {
	// MessageID is the broker's message ID, used for de-duplication.
	MessageID string
	Recipient urn.URN
	Intent    intent.Intent
	Payload   intent.Payload
}

// SyncEnvelopeTransformer unmarshals a raw sync message, resolves the
// recipient URN, and classifies the payload into an intent.
//
// Malformed messages (bad JSON, missing or invalid recipient) are
// skipped so the StreamingService can handle the Nack/DLQ logic.
// Classification itself is total and never skips.
func SyncEnvelopeTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*Envelope, bool, error) {
	var payload intent.Payload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal sync payload from message %s: %w", msg.ID, err)
	}

	recipient, err := payload.RecipientURN()
	if err != nil {
		return nil, true, fmt.Errorf("invalid recipient in message %s: %w", msg.ID, err)
	}

	return &Envelope{
		MessageID: msg.ID,
		Recipient: recipient,
		Intent:    intent.Classify(payload),
		Payload:   payload,
	}, false, nil
}
