// Package intent defines the structured meaning of a raw push message
// and the classifier that maps every inbound payload to exactly one
// intent variant.
package intent

import (
	"strconv"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// Payload is the wire shape of a raw push message as published on the
// sync topic. Fields are sparsely populated; the classifier decides
// which of them are meaningful.
type Payload struct {
	Recipient      string            `json:"recipient"`
	Type           string            `json:"type,omitempty"`
	Title          string            `json:"title,omitempty"`
	Body           string            `json:"body,omitempty"`
	OrderID        string            `json:"order_id,omitempty"`
	ProfessionalID string            `json:"professional_id,omitempty"`
	Amount         string            `json:"amount,omitempty"` // minor units, decimal string
	Category       string            `json:"category,omitempty"`
	ImageURL       string            `json:"image_url,omitempty"`
	LinkURL        string            `json:"link_url,omitempty"`
	PaymentSuccess bool              `json:"payment_success,omitempty"`
	Announcement   bool              `json:"announcement,omitempty"`
	Data           map[string]string `json:"data,omitempty"`
}

// RecipientURN parses the addressed user.
func (p Payload) RecipientURN() (urn.URN, error) {
	return urn.Parse(p.Recipient)
}

// amountMinor parses the decimal amount string; malformed amounts
// degrade to zero rather than failing classification.
func (p Payload) amountMinor() int64 {
	v, err := strconv.ParseInt(p.Amount, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// WalletKind is the sub-kind of a wallet update.
type WalletKind string

const (
	WalletCommission WalletKind = "commission"
	WalletWithdrawal WalletKind = "withdrawal"
	WalletCredit     WalletKind = "credit"
)

// Intent is the classified meaning of one payload. The variants are
// mutually exclusive and the set is sealed.
type Intent interface {
	intent()
	// Name identifies the variant for logs and metrics.
	Name() string
}

// PaymentSuccess signals a completed payment for an order.
type PaymentSuccess struct {
	OrderID        string
	Amount         int64
	ProfessionalID string
}

// WalletUpdate signals a change to a professional's wallet balance.
type WalletUpdate struct {
	Kind    WalletKind
	Amount  int64
	OrderID string
}

// Announcement is server-pushed content shown as a dialog.
type Announcement struct {
	Category string
	Title    string
	Body     string
	ImageURL string
	LinkURL  string
}

// Generic is the catch-all for messages matching no specific rule.
type Generic struct {
	Title    string
	Body     string
	ImageURL string
	LinkURL  string
}

func (PaymentSuccess) intent() {}
func (WalletUpdate) intent()   {}
func (Announcement) intent()   {}
func (Generic) intent()        {}

func (PaymentSuccess) Name() string { return "payment_success" }
func (WalletUpdate) Name() string   { return "wallet_update" }
func (Announcement) Name() string   { return "announcement" }
func (Generic) Name() string        { return "generic" }
