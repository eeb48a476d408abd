package storefront

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonlabs/appcore/pkg/licensing"
)

const testProductID = "com.halcyon.slate.pro"

func testKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func signedTx(t *testing.T, priv ed25519.PrivateKey, claims TransactionClaims) string {
	t.Helper()
	record, err := SignTransaction(priv, claims)
	require.NoError(t, err)
	return record
}

// fakeBridge is a scriptable platform store bridge.
type fakeBridge struct {
	product      *licensing.Product
	outcome      Outcome
	purchaseErr  error
	transactions []string
	syncErr      error
	syncCalls    int
}

func (f *fakeBridge) Product(_ context.Context, _ string) (*licensing.Product, error) {
	return f.product, nil
}

func (f *fakeBridge) Purchase(_ context.Context, _ string) (Outcome, error) {
	return f.outcome, f.purchaseErr
}

func (f *fakeBridge) SignedTransactions(_ context.Context) ([]string, error) {
	return f.transactions, nil
}

func (f *fakeBridge) Sync(_ context.Context) error {
	f.syncCalls++
	return f.syncErr
}

func TestNewRejectsBadPublicKey(t *testing.T) {
	_, err := New(&fakeBridge{}, testProductID, ed25519.PublicKey("short"))
	require.ErrorIs(t, err, ErrPublicKeyInvalid)
}

func TestCurrentEntitlementsVerification(t *testing.T) {
	pub, priv := testKeyPair(t)
	_, otherPriv := testKeyPair(t)
	revokedAt := time.Now().Add(-time.Hour).Unix()

	valid := signedTx(t, priv, TransactionClaims{
		TransactionID: "tx-1", ProductID: testProductID, PurchaseDate: time.Now().Unix(),
	})
	wrongProduct := signedTx(t, priv, TransactionClaims{
		TransactionID: "tx-2", ProductID: "com.other.app.pro", PurchaseDate: time.Now().Unix(),
	})
	revoked := signedTx(t, priv, TransactionClaims{
		TransactionID: "tx-3", ProductID: testProductID, PurchaseDate: time.Now().Unix(), RevokedAt: &revokedAt,
	})
	wrongSigner := signedTx(t, otherPriv, TransactionClaims{
		TransactionID: "tx-4", ProductID: testProductID, PurchaseDate: time.Now().Unix(),
	})
	tampered := valid[:len(valid)-4] + "AAAA"

	bridge := &fakeBridge{transactions: []string{valid, wrongProduct, revoked, wrongSigner, tampered, "garbage"}}
	source, err := New(bridge, testProductID, pub)
	require.NoError(t, err)

	entitlements, err := source.CurrentEntitlements(context.Background())
	require.NoError(t, err)
	require.Len(t, entitlements, 1, "only the verified, matching, non-revoked record counts")
	assert.Equal(t, "tx-1", entitlements[0].ID)
	assert.Equal(t, testProductID, entitlements[0].ProductID)
}

func TestPurchaseVerifiesTransaction(t *testing.T) {
	pub, priv := testKeyPair(t)
	product := &licensing.Product{ID: testProductID, DisplayPrice: "$14.99"}

	t.Run("verified success", func(t *testing.T) {
		bridge := &fakeBridge{
			outcome: Outcome{
				Kind: licensing.OutcomeSuccess,
				SignedTransaction: signedTx(t, priv, TransactionClaims{
					TransactionID: "tx-9", ProductID: testProductID, PurchaseDate: time.Now().Unix(),
				}),
			},
		}
		source, err := New(bridge, testProductID, pub)
		require.NoError(t, err)

		outcome, err := source.Purchase(context.Background(), product)
		require.NoError(t, err)
		assert.Equal(t, licensing.OutcomeSuccess, outcome.Kind)
		assert.Equal(t, "tx-9", outcome.TransactionID)
		assert.Equal(t, testProductID, outcome.ProductID)
	})

	t.Run("unverifiable record becomes a failure", func(t *testing.T) {
		_, otherPriv := testKeyPair(t)
		bridge := &fakeBridge{
			outcome: Outcome{
				Kind: licensing.OutcomeSuccess,
				SignedTransaction: signedTx(t, otherPriv, TransactionClaims{
					TransactionID: "tx-9", ProductID: testProductID, PurchaseDate: time.Now().Unix(),
				}),
			},
		}
		source, err := New(bridge, testProductID, pub)
		require.NoError(t, err)

		outcome, err := source.Purchase(context.Background(), product)
		require.NoError(t, err)
		assert.Equal(t, licensing.OutcomeFailed, outcome.Kind)
		assert.Equal(t, "unverified transaction", outcome.Reason)
	})

	t.Run("cancellation passes through untouched", func(t *testing.T) {
		bridge := &fakeBridge{outcome: Outcome{Kind: licensing.OutcomeUserCancelled}}
		source, err := New(bridge, testProductID, pub)
		require.NoError(t, err)

		outcome, err := source.Purchase(context.Background(), product)
		require.NoError(t, err)
		assert.Equal(t, licensing.OutcomeUserCancelled, outcome.Kind)
	})
}

func TestRestorePurchasesSyncs(t *testing.T) {
	pub, _ := testKeyPair(t)
	bridge := &fakeBridge{}
	source, err := New(bridge, testProductID, pub)
	require.NoError(t, err)

	require.NoError(t, source.RestorePurchases(context.Background()))
	assert.Equal(t, 1, bridge.syncCalls)
}

func TestDecodePublicKey(t *testing.T) {
	pub, _ := testKeyPair(t)

	t.Run("standard base64", func(t *testing.T) {
		decoded, err := DecodePublicKey(base64.StdEncoding.EncodeToString(pub))
		require.NoError(t, err)
		assert.Equal(t, pub, decoded)
	})

	t.Run("raw URL base64", func(t *testing.T) {
		decoded, err := DecodePublicKey(base64.RawURLEncoding.EncodeToString(pub))
		require.NoError(t, err)
		assert.Equal(t, pub, decoded)
	})

	t.Run("rejects wrong length", func(t *testing.T) {
		_, err := DecodePublicKey("QUJD") // "ABC"
		require.ErrorIs(t, err, ErrPublicKeyInvalid)
	})

	t.Run("rejects empty", func(t *testing.T) {
		_, err := DecodePublicKey("   ")
		require.ErrorIs(t, err, ErrPublicKeyInvalid)
	})
}
