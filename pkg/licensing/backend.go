// Package licensing implements the license and entitlement subsystem shared
// by the Halcyon desktop apps: a state machine over a cached direct license
// key or a platform-store entitlement, plus the remote validation client.
package licensing

import "fmt"

// BackendKind discriminates the two purchase channels.
type BackendKind string

const (
	// BackendDirect sells license keys out-of-band (web checkout) and
	// validates them against the license API.
	BackendDirect BackendKind = "direct"
	// BackendAppStore uses platform in-app purchase; entitlement is derived
	// from the store's verified transactions, never from a cached key.
	BackendAppStore BackendKind = "app_store"
)

// PurchaseBackend is the channel an app was built for. Exactly one is active
// per running instance and it never changes for the process lifetime.
type PurchaseBackend struct {
	kind        BackendKind
	checkoutURL string
	productID   string
}

// DirectBackend configures direct key purchase with the given web checkout URL.
func DirectBackend(checkoutURL string) PurchaseBackend {
	return PurchaseBackend{kind: BackendDirect, checkoutURL: checkoutURL}
}

// AppStoreBackend configures in-app purchase for the given product identifier.
func AppStoreBackend(productID string) PurchaseBackend {
	return PurchaseBackend{kind: BackendAppStore, productID: productID}
}

// Kind returns the backend discriminator.
func (b PurchaseBackend) Kind() BackendKind { return b.kind }

// CheckoutURL returns the web checkout URL for direct backends.
func (b PurchaseBackend) CheckoutURL() string { return b.checkoutURL }

// ProductID returns the store product identifier for app-store backends.
func (b PurchaseBackend) ProductID() string { return b.productID }

func (b PurchaseBackend) String() string {
	switch b.kind {
	case BackendDirect:
		return fmt.Sprintf("direct(%s)", b.checkoutURL)
	case BackendAppStore:
		return fmt.Sprintf("app_store(%s)", b.productID)
	default:
		return "unconfigured"
	}
}
