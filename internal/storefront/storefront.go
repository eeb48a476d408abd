// Package storefront implements licensing.EntitlementSource on top of a
// platform in-app-purchase bridge.
//
// The bridge hands back transaction records as Ed25519-signed JWS tokens.
// Only records that verify against the store public key and match the
// configured product identifier count toward entitlement; everything else is
// dropped as an anomaly. Transactions are never persisted locally.
package storefront

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/halcyonlabs/appcore/pkg/licensing"
)

var (
	ErrPublicKeyInvalid      = errors.New("invalid store public key")
	ErrTransactionUnverified = errors.New("transaction signature could not be verified")
	ErrTransactionMalformed  = errors.New("malformed transaction record")
)

// Outcome is the bridge-level resolution of a purchase attempt. On success
// the bridge attaches the signed transaction record for verification.
type Outcome struct {
	Kind              licensing.PurchaseOutcomeKind
	SignedTransaction string
	Reason            string
}

// Bridge is the process-local boundary to the platform store (an XPC helper
// on macOS). Purchase is interactive and may suspend indefinitely on the
// store's own UI; there is no local timeout.
type Bridge interface {
	Product(ctx context.Context, productID string) (*licensing.Product, error)
	Purchase(ctx context.Context, productID string) (Outcome, error)
	SignedTransactions(ctx context.Context) ([]string, error)
	Sync(ctx context.Context) error
}

// TransactionClaims is the payload of one signed transaction record.
type TransactionClaims struct {
	TransactionID string `json:"txn_id"`
	ProductID     string `json:"product_id"`
	PurchaseDate  int64  `json:"purchase_date"` // Unix seconds
	RevokedAt     *int64 `json:"revoked_at,omitempty"`
	jwt.RegisteredClaims
}

// Source adapts a Bridge into a licensing.EntitlementSource.
type Source struct {
	bridge    Bridge
	productID string
	publicKey ed25519.PublicKey
	logger    zerolog.Logger
}

// New creates a Source verifying transactions against the given store public
// key.
func New(bridge Bridge, productID string, publicKey ed25519.PublicKey) (*Source, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, ErrPublicKeyInvalid
	}
	return &Source{
		bridge:    bridge,
		productID: productID,
		publicKey: publicKey,
		logger:    log.With().Str("component", "storefront").Logger(),
	}, nil
}

// FetchProduct returns pricing metadata for productID, or nil when the store
// does not know the identifier.
func (s *Source) FetchProduct(ctx context.Context, productID string) (*licensing.Product, error) {
	return s.bridge.Product(ctx, productID)
}

// Purchase drives one interactive purchase and verifies the resulting
// transaction record. An unverifiable record is reported as a failure, never
// as an entitlement.
func (s *Source) Purchase(ctx context.Context, product *licensing.Product) (licensing.PurchaseOutcome, error) {
	outcome, err := s.bridge.Purchase(ctx, product.ID)
	if err != nil {
		return licensing.PurchaseOutcome{}, fmt.Errorf("store purchase: %w", err)
	}

	if outcome.Kind != licensing.OutcomeSuccess {
		return licensing.PurchaseOutcome{Kind: outcome.Kind, Reason: outcome.Reason}, nil
	}

	tx, err := s.verifyTransaction(outcome.SignedTransaction)
	if err != nil {
		s.logger.Error().Err(err).Msg("Purchase resolved with an unverifiable transaction")
		return licensing.PurchaseOutcome{
			Kind:   licensing.OutcomeFailed,
			Reason: "unverified transaction",
		}, nil
	}

	return licensing.PurchaseOutcome{
		Kind:          licensing.OutcomeSuccess,
		TransactionID: tx.ID,
		ProductID:     tx.ProductID,
	}, nil
}

// CurrentEntitlements returns the verified, active, non-revoked transactions
// for the configured product id. Records that fail verification are dropped
// and logged as anomalies.
func (s *Source) CurrentEntitlements(ctx context.Context) ([]licensing.Transaction, error) {
	signed, err := s.bridge.SignedTransactions(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate store transactions: %w", err)
	}

	var entitlements []licensing.Transaction
	for _, record := range signed {
		tx, err := s.verifyTransaction(record)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Dropping unverifiable store transaction")
			continue
		}
		if tx.ProductID != s.productID || tx.Revoked() {
			continue
		}
		entitlements = append(entitlements, tx)
	}
	return entitlements, nil
}

// RestorePurchases forces a fresh store sync.
func (s *Source) RestorePurchases(ctx context.Context) error {
	if err := s.bridge.Sync(ctx); err != nil {
		return fmt.Errorf("store sync: %w", err)
	}
	return nil
}

// verifyTransaction parses and verifies one signed transaction record.
func (s *Source) verifyTransaction(record string) (licensing.Transaction, error) {
	record = strings.TrimSpace(record)
	if record == "" {
		return licensing.Transaction{}, fmt.Errorf("%w: empty record", ErrTransactionMalformed)
	}

	claims := &TransactionClaims{}
	parsed, err := jwt.ParseWithClaims(
		record,
		claims,
		func(t *jwt.Token) (any, error) {
			if t.Method.Alg() != jwt.SigningMethodEdDSA.Alg() {
				return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
			}
			return s.publicKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
	)
	if err != nil {
		return licensing.Transaction{}, fmt.Errorf("%w: %v", ErrTransactionUnverified, err)
	}
	if !parsed.Valid {
		return licensing.Transaction{}, ErrTransactionUnverified
	}

	if strings.TrimSpace(claims.TransactionID) == "" || strings.TrimSpace(claims.ProductID) == "" {
		return licensing.Transaction{}, fmt.Errorf("%w: missing transaction or product id", ErrTransactionMalformed)
	}

	tx := licensing.Transaction{
		ID:           claims.TransactionID,
		ProductID:    claims.ProductID,
		PurchaseDate: time.Unix(claims.PurchaseDate, 0).UTC(),
	}
	if claims.RevokedAt != nil {
		revoked := time.Unix(*claims.RevokedAt, 0).UTC()
		tx.RevokedAt = &revoked
	}
	return tx, nil
}

// SignTransaction signs a transaction record. Used by the store simulator in
// development builds and by tests; production records come from the platform.
func SignTransaction(privateKey ed25519.PrivateKey, claims TransactionClaims) (string, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return "", errors.New("invalid store private key")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(privateKey)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	return signed, nil
}

// DecodePublicKey decodes a base64-encoded Ed25519 public key (standard or
// URL-safe alphabet, padded or not).
func DecodePublicKey(encoded string) (ed25519.PublicKey, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, ErrPublicKeyInvalid
	}

	var decoded []byte
	var err error
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		decoded, err = enc.DecodeString(encoded)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPublicKeyInvalid, err)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrPublicKeyInvalid, ed25519.PublicKeySize, len(decoded))
	}
	return ed25519.PublicKey(decoded), nil
}
