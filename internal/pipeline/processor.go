package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-cache-sync/internal/readmodel"
	"github.com/tinywideclouds/go-cache-sync/pkg/intent"
	"github.com/tinywideclouds/go-cache-sync/pkg/present"
	"github.com/tinywideclouds/go-cache-sync/pkg/registry"
)

// seenRing remembers the last N message IDs so redelivered messages are
// acknowledged without re-applying their effects.
type seenRing struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	next  int
}

func newSeenRing(capacity int) *seenRing {
	return &seenRing{
		ids:   make(map[string]struct{}, capacity),
		order: make([]string, capacity),
	}
}

// seen reports whether the ID was already recorded.
func (r *seenRing) seen(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ids[id]
	return ok
}

// remember records the ID, evicting the oldest entry when full.
func (r *seenRing) remember(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; ok {
		return
	}
	if old := r.order[r.next]; old != "" {
		delete(r.ids, old)
	}
	r.order[r.next] = id
	r.next = (r.next + 1) % len(r.order)
	r.ids[id] = struct{}{}
}

// Dispatcher applies one classified envelope: kick the matching cache
// refresh, build the presentation command, and fan it out over the
// recipient's registered channels.
type Dispatcher struct {
	caches   *readmodel.Container
	devices  registry.Store
	fcmSink  present.Sink
	apnsSink present.Sink
	webSink  present.WebSink

	refreshTimeout time.Duration
	seen           *seenRing
	logger         *slog.Logger
}

func NewDispatcher(
	caches *readmodel.Container,
	devices registry.Store,
	fcmSink present.Sink,
	apnsSink present.Sink,
	webSink present.WebSink,
	refreshTimeout time.Duration,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		caches:         caches,
		devices:        devices,
		fcmSink:        fcmSink,
		apnsSink:       apnsSink,
		webSink:        webSink,
		refreshTimeout: refreshTimeout,
		seen:           newSeenRing(512),
		logger:         logger.With("component", "Dispatcher"),
	}
}

// Processor adapts the dispatcher to the dataflow pipeline.
func (d *Dispatcher) Processor() messagepipeline.StreamProcessor[Envelope] {
	return func(ctx context.Context, original messagepipeline.Message, env *Envelope) error {
		return d.Process(ctx, env)
	}
}

// Process handles one envelope. Cache refreshes and presentation
// failures degrade to logs; only a registry read failure is surfaced so
// the broker redelivers.
func (d *Dispatcher) Process(ctx context.Context, env *Envelope) error {
	procLogger := d.logger.With(
		"recipient", env.Recipient.String(),
		"msg_id", env.MessageID,
		"intent", env.Intent.Name(),
	)

	if d.seen.seen(env.MessageID) {
		procLogger.Info("Duplicate message; already applied.")
		return nil
	}

	// 1. Cache refresh first. It runs detached from the message context
	// so a slow backend never blocks or Nacks the message.
	d.startRefresh(ctx, env, procLogger)

	// 2. Build the presentation command.
	cmd, ok := d.command(env)
	if !ok {
		return nil
	}

	// 3. Fetch & Fan-Out (The Lookup).
	bundle, err := d.devices.Fetch(ctx, env.Recipient)
	if err != nil {
		// Not remembered yet: the broker redelivers and the retry must
		// not be swallowed as a duplicate.
		procLogger.Error("Failed to fetch device bundle", "err", err)
		return err
	}

	// Terminal from here on; redeliveries are acked without effects.
	d.seen.remember(env.MessageID)

	if bundle.Empty() {
		// No channel means push permission was never granted. Passive
		// content is dropped silently; the cache refresh already ran.
		procLogger.Info("No channels registered for user; dropping presentation.")
		return nil
	}

	d.fanOut(ctx, bundle, cmd, procLogger)
	return nil
}

// startRefresh forces the read-model caches affected by the intent.
// Fire-and-forget: the refresh outlives the message ack.
func (d *Dispatcher) startRefresh(ctx context.Context, env *Envelope, logger *slog.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.refreshTimeout)

	switch it := env.Intent.(type) {
	case intent.PaymentSuccess:
		go func() {
			defer cancel()
			if _, err := d.caches.OrderPaymentState(rctx, it.OrderID, true); err != nil {
				logger.Warn("Order payment refresh failed", "order_id", it.OrderID, "err", err)
			}
		}()
	case intent.WalletUpdate:
		go func() {
			defer cancel()
			if _, err := d.caches.ProWallet(rctx, env.Recipient, true); err != nil {
				logger.Warn("Wallet refresh failed", "err", err)
			}
		}()
	default:
		cancel()
	}
}

// command maps an intent to its presentation. Generic messages without
// an image degrade to a passive notification.
func (d *Dispatcher) command(env *Envelope) (present.Command, bool) {
	switch it := env.Intent.(type) {
	case intent.PaymentSuccess:
		return present.ShowToast(present.Toast{
			Event:          present.ToastPaymentSuccess,
			Amount:         it.Amount,
			OrderID:        it.OrderID,
			ProfessionalID: it.ProfessionalID,
		}), true
	case intent.WalletUpdate:
		return present.ShowToast(present.Toast{
			Event:      present.ToastWalletUpdate,
			WalletKind: string(it.Kind),
			Amount:     it.Amount,
			OrderID:    it.OrderID,
		}), true
	case intent.Announcement:
		return present.ShowDialog(present.Dialog{
			Category: it.Category,
			Title:    it.Title,
			Body:     it.Body,
			ImageURL: it.ImageURL,
			LinkURL:  it.LinkURL,
		}), true
	case intent.Generic:
		// The rule table classifies image-bearing payloads as
		// Announcement before Generic, so ImageURL is normally empty
		// here; an image that does slip through still renders as a
		// dialog rather than a truncated passive notification.
		if it.ImageURL != "" {
			return present.ShowDialog(present.Dialog{
				Category: "general",
				Title:    it.Title,
				Body:     it.Body,
				ImageURL: it.ImageURL,
				LinkURL:  it.LinkURL,
			}), true
		}
		return present.ShowSystemNotification(present.SystemNotification{
			Title:   it.Title,
			Body:    it.Body,
			LinkURL: it.LinkURL,
		}), true
	}
	return present.Command{}, false
}

// fanOut relays the command down every registered channel. Per-channel
// failures are logged, not returned; a redelivery would double-present
// on the channels that succeeded.
func (d *Dispatcher) fanOut(ctx context.Context, bundle *registry.Bundle, cmd present.Command, logger *slog.Logger) {
	// Path A: FCM (Android / browser via Firebase)
	if len(bundle.FCMTokens) > 0 {
		receipt, invalidTokens, err := d.fcmSink.Deliver(ctx, bundle.FCMTokens, cmd)
		d.cleanupTokens(ctx, invalidTokens, "fcm", logger)
		if err != nil {
			logger.Error("FCM delivery failed", "err", err)
		} else {
			logger.Info("FCM delivered", "receipt", receipt)
		}
	}

	// Path B: APNs (iOS)
	if len(bundle.APNSTokens) > 0 {
		receipt, invalidTokens, err := d.apnsSink.Deliver(ctx, bundle.APNSTokens, cmd)
		d.cleanupTokens(ctx, invalidTokens, "apns", logger)
		if err != nil {
			logger.Error("APNs delivery failed", "err", err)
		} else {
			logger.Info("APNs delivered", "receipt", receipt)
		}
	}

	// Path C: Web (VAPID)
	if len(bundle.WebSubscriptions) > 0 {
		receipt, invalidSubs, err := d.webSink.Deliver(ctx, bundle.WebSubscriptions, cmd)
		if len(invalidSubs) > 0 {
			logger.Info("Cleaning up invalid Web subscriptions", "count", len(invalidSubs))
			for _, sub := range invalidSubs {
				if err := d.devices.UnregisterWebSubscription(ctx, sub.Endpoint); err != nil {
					logger.Warn("Failed to delete Web subscription", "endpoint", sub.Endpoint, "err", err)
				}
			}
		}
		if err != nil {
			logger.Error("Web delivery failed", "err", err)
		} else {
			logger.Info("Web delivered", "receipt", receipt)
		}
	}
}

// cleanupTokens detaches tokens the platform reported dead.
func (d *Dispatcher) cleanupTokens(ctx context.Context, tokens []string, platform string, logger *slog.Logger) {
	if len(tokens) == 0 {
		return
	}
	logger.Info("Cleaning up invalid tokens", "platform", platform, "count", len(tokens))
	for _, t := range tokens {
		if err := d.devices.UnregisterDevice(ctx, t); err != nil {
			logger.Warn("Failed to delete token", "platform", platform, "err", err)
		}
	}
}
