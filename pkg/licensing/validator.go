package licensing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ValidationTimeout bounds a single validation round trip.
const ValidationTimeout = 15 * time.Second

// validatePath is appended to the validator base URL.
const validatePath = "/v1/licenses/validate"

// genericInvalidKeyMessage is used when the server rejects a key without a
// usable error message of its own.
const genericInvalidKeyMessage = "That license key is not valid."

// ValidationResult is the outcome of talking to the license server about one
// key. It is never persisted; only its effect on stored credentials is.
//
// A transport failure is NOT a ValidationResult: it surfaces as an error from
// Validate so callers can distinguish "the server rejected this key" from
// "we could not reach the server".
type ValidationResult struct {
	Valid   bool
	Email   string // customer email, present only on valid keys
	Message string // server-provided rejection message, if any
}

// Validator submits a license key for remote validation.
type Validator interface {
	Validate(ctx context.Context, key string) (ValidationResult, error)
}

// RemoteValidator is the production Validator: a single POST to the license
// API with a 15 second timeout.
type RemoteValidator struct {
	baseURL string
	client  *http.Client
}

// NewRemoteValidator creates a validator against the given API base URL
// (scheme and host, no trailing slash required).
func NewRemoteValidator(baseURL string) *RemoteValidator {
	return &RemoteValidator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: ValidationTimeout},
	}
}

type validateRequest struct {
	LicenseKey string `json:"license_key"`
}

type validateResponse struct {
	Valid bool `json:"valid"`
	Meta  struct {
		CustomerEmail string `json:"customer_email"`
	} `json:"meta"`
	Error string `json:"error"`
}

// Validate submits key and maps the server response. Any HTTP status other
// than 200 is a rejection regardless of body shape; only transport failures
// return a non-nil error.
func (v *RemoteValidator) Validate(ctx context.Context, key string) (ValidationResult, error) {
	body, err := json.Marshal(validateRequest{LicenseKey: key})
	if err != nil {
		return ValidationResult{}, fmt.Errorf("encode validation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+validatePath, bytes.NewReader(body))
	if err != nil {
		return ValidationResult{}, fmt.Errorf("build validation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("license validation request: %w", err)
	}
	defer resp.Body.Close()

	var decoded validateResponse
	// Body decode failures are treated like a rejection without a message:
	// the server answered, so this is not a connectivity problem.
	_ = json.NewDecoder(resp.Body).Decode(&decoded)

	if resp.StatusCode != http.StatusOK || !decoded.Valid {
		message := strings.TrimSpace(decoded.Error)
		if message == "" {
			message = genericInvalidKeyMessage
		}
		return ValidationResult{Valid: false, Message: message}, nil
	}

	return ValidationResult{Valid: true, Email: decoded.Meta.CustomerEmail}, nil
}
