package intent

import "strings"

// Classification is an ordered rule table: the first matching rule wins
// and the fallback is always Generic, so Classify is total. The order
// itself is a contract: a payment receipt carrying an image must
// classify as PaymentSuccess, never as Announcement.

const typePaymentSuccess = "payment_success"

// Title phrases the upstream gateway embeds in human-readable pushes.
const (
	titlePaymentSuccess = "Payment Successful"
	titleWallet         = "Wallet"
	titleCommission     = "Commission"
)

// announcementTypes is the closed set of broadcast categories.
var announcementTypes = map[string]struct{}{
	"festival":    {},
	"offer":       {},
	"maintenance": {},
	"update":      {},
	"alert":       {},
}

type rule struct {
	name  string
	match func(Payload) (Intent, bool)
}

var rules = []rule{
	{name: "payment_success", match: matchPaymentSuccess},
	{name: "wallet_update", match: matchWalletUpdate},
	{name: "announcement", match: matchAnnouncement},
}

// Classify maps a raw payload to exactly one intent variant.
func Classify(p Payload) Intent {
	for _, r := range rules {
		if in, ok := r.match(p); ok {
			return in
		}
	}
	return Generic{
		Title:    p.Title,
		Body:     p.Body,
		ImageURL: p.ImageURL,
		LinkURL:  p.LinkURL,
	}
}

func matchPaymentSuccess(p Payload) (Intent, bool) {
	if p.Type != typePaymentSuccess &&
		!strings.Contains(p.Title, titlePaymentSuccess) &&
		!p.PaymentSuccess {
		return nil, false
	}
	return PaymentSuccess{
		OrderID:        p.OrderID,
		Amount:         p.amountMinor(),
		ProfessionalID: p.ProfessionalID,
	}, true
}

func matchWalletUpdate(p Payload) (Intent, bool) {
	lowerType := strings.ToLower(p.Type)
	typeHit := strings.Contains(lowerType, "wallet") ||
		strings.Contains(lowerType, "commission") ||
		strings.Contains(lowerType, "withdrawal")
	titleHit := strings.Contains(p.Title, titleWallet) ||
		strings.Contains(p.Title, titleCommission)
	if !typeHit && !titleHit {
		return nil, false
	}
	return WalletUpdate{
		Kind:    walletKind(p),
		Amount:  p.amountMinor(),
		OrderID: p.OrderID,
	}, true
}

// walletKind resolves the sub-kind by substring priority:
// commission > withdrawal > credit.
func walletKind(p Payload) WalletKind {
	haystack := strings.ToLower(p.Type + " " + p.Title)
	switch {
	case strings.Contains(haystack, "commission"):
		return WalletCommission
	case strings.Contains(haystack, "withdrawal"):
		return WalletWithdrawal
	default:
		return WalletCredit
	}
}

func matchAnnouncement(p Payload) (Intent, bool) {
	_, typed := announcementTypes[strings.ToLower(p.Type)]
	if !typed && !p.Announcement && p.ImageURL == "" {
		return nil, false
	}
	category := p.Category
	if category == "" {
		category = strings.ToLower(p.Type)
	}
	if category == "" {
		category = "general"
	}
	return Announcement{
		Category: category,
		Title:    p.Title,
		Body:     p.Body,
		ImageURL: p.ImageURL,
		LinkURL:  p.LinkURL,
	}, true
}
