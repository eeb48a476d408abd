package licensing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestValidator starts an httptest server with the given handler and a
// RemoteValidator pointing at it. The server is closed when the test ends.
func newTestValidator(t *testing.T, handler http.HandlerFunc) *RemoteValidator {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewRemoteValidator(server.URL)
}

func TestRemoteValidatorValidKey(t *testing.T) {
	var gotBody validateRequest
	v := newTestValidator(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, validatePath, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"valid":true,"meta":{"customer_email":"a@b.com"}}`))
	})

	result, err := v.Validate(context.Background(), "ABC-123")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, "a@b.com", result.Email)
	assert.Equal(t, "ABC-123", gotBody.LicenseKey)
}

func TestRemoteValidatorRejectedKey(t *testing.T) {
	t.Run("200 with valid false", func(t *testing.T) {
		v := newTestValidator(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"valid":false,"error":"key has been refunded"}`))
		})

		result, err := v.Validate(context.Background(), "ABC")
		require.NoError(t, err)
		assert.False(t, result.Valid)
		assert.Equal(t, "key has been refunded", result.Message)
	})

	t.Run("non-200 is a rejection regardless of body", func(t *testing.T) {
		v := newTestValidator(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"valid":true}`))
		})

		result, err := v.Validate(context.Background(), "ABC")
		require.NoError(t, err)
		assert.False(t, result.Valid)
		assert.Equal(t, genericInvalidKeyMessage, result.Message)
	})

	t.Run("rejection without message gets generic text", func(t *testing.T) {
		v := newTestValidator(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"valid":false}`))
		})

		result, err := v.Validate(context.Background(), "ABC")
		require.NoError(t, err)
		assert.Equal(t, genericInvalidKeyMessage, result.Message)
	})
}

func TestRemoteValidatorTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close() // connection refused from here on

	v := NewRemoteValidator(server.URL)
	_, err := v.Validate(context.Background(), "ABC")
	require.Error(t, err, "transport failures must surface as errors, not results")
}

func TestRemoteValidatorContextCancelled(t *testing.T) {
	v := newTestValidator(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := v.Validate(ctx, "ABC")
	require.Error(t, err)
}
