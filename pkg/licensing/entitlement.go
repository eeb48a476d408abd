package licensing

import (
	"context"
	"time"
)

// Product is store pricing metadata for one product identifier.
type Product struct {
	ID           string
	DisplayName  string
	DisplayPrice string // localized, e.g. "$14.99"
}

// Transaction is one verified, store-issued purchase record. Transactions
// are never persisted locally; they are re-derived from the store on each
// entitlement refresh.
type Transaction struct {
	ID           string
	ProductID    string
	PurchaseDate time.Time
	RevokedAt    *time.Time
}

// Revoked reports whether the store has revoked this transaction (refund,
// family-sharing removal).
func (t Transaction) Revoked() bool { return t.RevokedAt != nil }

// PurchaseOutcomeKind enumerates how a purchase flow can resolve.
type PurchaseOutcomeKind string

const (
	OutcomeSuccess       PurchaseOutcomeKind = "success"
	OutcomePending       PurchaseOutcomeKind = "pending"
	OutcomeUserCancelled PurchaseOutcomeKind = "user_cancelled"
	OutcomeFailed        PurchaseOutcomeKind = "failed"
)

// PurchaseOutcome is the resolution of one purchase attempt.
type PurchaseOutcome struct {
	Kind          PurchaseOutcomeKind
	TransactionID string // set on success
	ProductID     string // set on success
	Reason        string // set on failure
}

// EntitlementSource is the platform in-app-purchase capability. It is nil in
// builds distributed outside the platform store; every call site nil-checks.
//
// All operations may suspend on network or store UI arbitration. Purchase is
// inherently interactive and has no local timeout; an abandoned purchase
// sheet resolves via the store's own cancellation signal.
type EntitlementSource interface {
	// FetchProduct returns pricing metadata, or nil when the product id is
	// unknown to the store. A nil product signals misconfiguration, not the
	// absence of a purchase.
	FetchProduct(ctx context.Context, productID string) (*Product, error)

	// Purchase drives one interactive purchase transaction.
	Purchase(ctx context.Context, product *Product) (PurchaseOutcome, error)

	// CurrentEntitlements enumerates active, non-revoked, verified
	// transactions for the configured product id.
	CurrentEntitlements(ctx context.Context) ([]Transaction, error)

	// RestorePurchases forces a fresh sync with the store before the caller
	// re-reads CurrentEntitlements.
	RestorePurchases(ctx context.Context) error
}
