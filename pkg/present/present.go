// Package present defines the presentation commands emitted by the
// dispatcher and the sink contracts that relay them to a rendering
// layer. Commands are opaque, serializable values; this package knows
// nothing about widgets.
package present

import (
	"context"
	"strconv"

	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
)

// Kind discriminates the command union.
type Kind string

const (
	KindToast              Kind = "toast"
	KindDialog             Kind = "dialog"
	KindSystemNotification Kind = "system_notification"
)

// ToastEvent names the feedback a toast acknowledges.
type ToastEvent string

const (
	ToastPaymentSuccess ToastEvent = "payment_success"
	ToastWalletUpdate   ToastEvent = "wallet_update"
)

// Toast is transient in-app feedback rendered from the message's own
// payload data.
type Toast struct {
	Event          ToastEvent `json:"event"`
	WalletKind     string     `json:"wallet_kind,omitempty"`
	Amount         int64      `json:"amount"`
	OrderID        string     `json:"order_id,omitempty"`
	ProfessionalID string     `json:"professional_id,omitempty"`
}

// Dialog is modal content, typically an announcement.
type Dialog struct {
	Category string `json:"category"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	ImageURL string `json:"image_url,omitempty"`
	LinkURL  string `json:"link_url,omitempty"`
}

// SystemNotification is a passive OS-level notification.
type SystemNotification struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	LinkURL string `json:"link_url,omitempty"`
}

// Command is the tagged union carried to sinks. Exactly one of the
// payload fields matches Kind.
type Command struct {
	Kind   Kind                `json:"kind"`
	Toast  *Toast              `json:"toast,omitempty"`
	Dialog *Dialog             `json:"dialog,omitempty"`
	System *SystemNotification `json:"system_notification,omitempty"`
}

// ShowToast builds a toast command.
func ShowToast(t Toast) Command {
	return Command{Kind: KindToast, Toast: &t}
}

// ShowDialog builds a dialog command.
func ShowDialog(d Dialog) Command {
	return Command{Kind: KindDialog, Dialog: &d}
}

// ShowSystemNotification builds a passive notification command.
func ShowSystemNotification(n SystemNotification) Command {
	return Command{Kind: KindSystemNotification, System: &n}
}

// Content extracts the displayable title/body for platforms that render
// notifications natively. Toasts have no native content; the client
// renders them from Data.
func (c Command) Content() notification.NotificationContent {
	switch c.Kind {
	case KindDialog:
		return notification.NotificationContent{Title: c.Dialog.Title, Body: c.Dialog.Body}
	case KindSystemNotification:
		return notification.NotificationContent{Title: c.System.Title, Body: c.System.Body}
	}
	return notification.NotificationContent{}
}

// Data flattens the command into the string map that rides alongside a
// platform push, so the receiving client can rebuild the command.
func (c Command) Data() map[string]string {
	data := map[string]string{"command": string(c.Kind)}
	switch c.Kind {
	case KindToast:
		data["event"] = string(c.Toast.Event)
		data["amount"] = strconv.FormatInt(c.Toast.Amount, 10)
		if c.Toast.WalletKind != "" {
			data["wallet_kind"] = c.Toast.WalletKind
		}
		if c.Toast.OrderID != "" {
			data["order_id"] = c.Toast.OrderID
		}
		if c.Toast.ProfessionalID != "" {
			data["professional_id"] = c.Toast.ProfessionalID
		}
	case KindDialog:
		data["category"] = c.Dialog.Category
		if c.Dialog.ImageURL != "" {
			data["image_url"] = c.Dialog.ImageURL
		}
		if c.Dialog.LinkURL != "" {
			data["link_url"] = c.Dialog.LinkURL
		}
	case KindSystemNotification:
		if c.System.LinkURL != "" {
			data["link_url"] = c.System.LinkURL
		}
	}
	return data
}

// Sink relays a command to a batch of platform tokens (FCM, APNs). It
// returns a receipt, the tokens the platform reported dead, and a
// transport error if the batch as a whole failed.
type Sink interface {
	Deliver(ctx context.Context, tokens []string, cmd Command) (string, []string, error)
}

// WebSink relays a command to web-push subscriptions.
type WebSink interface {
	Deliver(ctx context.Context, subs []notification.WebPushSubscription, cmd Command) (string, []notification.WebPushSubscription, error)
}
