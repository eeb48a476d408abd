package licensing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// GraceWindow is the interval after a successful validation during which a
// cached license key is trusted without a network round trip. All offline
// grace logic MUST use this constant.
const GraceWindow = 30 * 24 * time.Hour

// Credential keys in the secure store.
const (
	StoredKeyLicense        = "license_key"
	StoredKeyEmail          = "license_email"
	StoredKeyLastValidation = "license_last_validation_at"
)

// Telemetry event names emitted on state transitions.
const (
	EventLicenseActivated = "license_activated"
	EventProPurchased     = "pro_purchased"
)

// Service errors. The UI layer never sees these directly; they exist for
// programmatic callers. User-facing text lives in the snapshot error fields.
var (
	ErrWrongBackend     = errors.New("operation not supported by the configured purchase backend")
	ErrEmptyLicenseKey  = errors.New("license key is empty")
	ErrLicenseRejected  = errors.New("license key was rejected by the server")
	ErrPurchaseInFlight = errors.New("a purchase is already in progress")
	ErrPurchaseFailed   = errors.New("purchase failed")
	ErrNoStore          = errors.New("no in-app purchase integration available")
)

// User-facing messages surfaced through ValidationError / PurchaseError.
const (
	msgEmptyKey           = "Enter a license key."
	msgConnectivity       = "Could not reach the license server. Check your connection and try again."
	msgUseInAppPurchase   = "This build is licensed through the App Store. Use the in-app purchase instead."
	msgStoreManaged       = "Your purchase is managed by the App Store and cannot be deactivated here."
	msgDirectOnly         = "In-app purchase is not available in this build. Purchase a license key instead."
	msgStoreUnavailable   = "In-app purchase is unavailable right now."
	msgProductUnavailable = "Product information could not be loaded. Please try again later."
	msgAwaitingApproval   = "Your purchase is awaiting approval."
	msgPurchaseFailed     = "The purchase could not be completed. Please try again."
	msgUnexpectedProduct  = "The App Store returned an unexpected product."
	msgRestoreFailed      = "Purchases could not be restored. Check your connection and try again."
	msgNoPriorPurchase    = "No previous purchase was found to restore."
	msgStorageFailure     = "The license could not be saved to secure storage."
)

// Status is the derived license state. It is recomputed at every checkpoint
// and never persisted directly.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusLocked   Status = "locked"
	StatusLicensed Status = "licensed"
)

// CredentialStore is the slice of secure storage the service needs. A
// missing key is reported through the boolean, not an error; any error means
// "operation failed, preserve prior state".
type CredentialStore interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
}

// EventSink receives fire-and-forget telemetry events. Implementations must
// not block: the service never awaits an emit and ignores its outcome.
type EventSink interface {
	Emit(event string)
}

// Snapshot is the UI-facing view of the service. Observers receive a fresh
// snapshot synchronously on every field mutation.
type Snapshot struct {
	Status               Status
	IsLicensed           bool
	LicenseEmail         string
	IsValidating         bool
	IsPurchasing         bool
	ValidationError      string
	PurchaseError        string
	AppStoreDisplayPrice string
}

// Observer is notified on every state mutation. Observers run on the
// mutating call's goroutine and must not call back into the service.
type Observer func(Snapshot)

// Config assembles a Service.
type Config struct {
	Backend   PurchaseBackend
	Store     CredentialStore
	Validator Validator

	// Entitlements is nil when the build has no platform store integration.
	Entitlements EntitlementSource

	// Events is optional fire-and-forget telemetry.
	Events EventSink

	// Logger defaults to the global logger.
	Logger *zerolog.Logger
}

// Service owns the current license status and decides which validation path
// to use. All status mutation is serialized on one internal mutex; public
// operations that perform I/O are safe to call from any goroutine.
type Service struct {
	backend      PurchaseBackend
	store        CredentialStore
	validator    Validator
	entitlements EntitlementSource
	events       EventSink
	logger       zerolog.Logger

	now func() time.Time // test seam

	mu           sync.Mutex
	st           Snapshot
	product      *Product
	observers    map[int]Observer
	nextObserver int

	// revalidation is signalled when a background revalidation settles,
	// letting tests and shutdown paths wait for it.
	revalidation sync.WaitGroup
}

// NewService creates a Service; call CheckCachedLicense once at startup.
func NewService(cfg Config) *Service {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Service{
		backend:      cfg.Backend,
		store:        cfg.Store,
		validator:    cfg.Validator,
		entitlements: cfg.Entitlements,
		events:       cfg.Events,
		logger:       logger.With().Str("component", "licensing").Logger(),
		now:          time.Now,
		st:           Snapshot{Status: StatusUnknown},
		observers:    map[int]Observer{},
	}
}

// Snapshot returns the current observable state.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// IsLicensed reports whether the service currently considers itself licensed.
func (s *Service) IsLicensed() bool { return s.Snapshot().IsLicensed }

// Backend returns the immutable purchase backend configuration.
func (s *Service) Backend() PurchaseBackend { return s.backend }

// Subscribe registers an observer and returns its unsubscribe function. The
// observer is immediately called with the current snapshot.
func (s *Service) Subscribe(obs Observer) func() {
	s.mu.Lock()
	id := s.nextObserver
	s.nextObserver++
	s.observers[id] = obs
	snap := s.st
	s.mu.Unlock()

	obs(snap)
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// mutate applies fn under the state mutex and notifies observers with the
// resulting snapshot before returning.
func (s *Service) mutate(fn func(*Snapshot)) {
	s.mu.Lock()
	fn(&s.st)
	snap := s.st
	obs := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		obs = append(obs, o)
	}
	s.mu.Unlock()

	for _, o := range obs {
		o(snap)
	}
}

func setLicensed(st *Snapshot, licensed bool) {
	st.IsLicensed = licensed
	if licensed {
		st.Status = StatusLicensed
	} else {
		st.Status = StatusLocked
	}
}

// CheckCachedLicense is the startup entry point. App-store builds derive
// status from store entitlements and ignore any cached key; direct builds
// trust the cached credential inside the grace window and revalidate in the
// background past it.
func (s *Service) CheckCachedLicense(ctx context.Context) {
	switch s.backend.Kind() {
	case BackendAppStore:
		s.refreshEntitlements(ctx)
	default:
		s.checkCachedKey(ctx)
	}
}

func (s *Service) checkCachedKey(ctx context.Context) {
	key, ok, err := s.store.Get(StoredKeyLicense)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Could not read cached license; treating as unlicensed")
	}
	if !ok || strings.TrimSpace(key) == "" {
		s.mutate(func(st *Snapshot) { setLicensed(st, false) })
		return
	}

	email, _, _ := s.store.Get(StoredKeyEmail)
	lastValidation, hasTimestamp, _ := s.store.Get(StoredKeyLastValidation)

	withinGrace := false
	if hasTimestamp {
		if ts, parseErr := time.Parse(time.RFC3339, lastValidation); parseErr == nil {
			withinGrace = s.now().Sub(ts) <= GraceWindow
		}
	}

	if withinGrace {
		s.mutate(func(st *Snapshot) {
			setLicensed(st, true)
			st.LicenseEmail = email
		})
		return
	}

	// Grace expired (or never validated): unlock optimistically to avoid
	// startup flicker, then revalidate off the caller's critical path.
	s.mutate(func(st *Snapshot) {
		setLicensed(st, true)
		st.LicenseEmail = email
		st.IsValidating = true
	})

	s.revalidation.Add(1)
	go func() {
		defer s.revalidation.Done()
		s.revalidate(context.WithoutCancel(ctx), key)
	}()
}

// revalidate settles an optimistic unlock. An explicit rejection locks; a
// transport failure preserves the current state, extending the grace
// window's spirit when connectivity itself is the obstacle.
func (s *Service) revalidate(ctx context.Context, key string) {
	result, err := s.validator.Validate(ctx, key)
	if err != nil {
		// Routine under intermittent connectivity: log only, no user-facing
		// error, no downgrade.
		s.logger.Debug().Err(err).Msg("Background license revalidation could not reach the server")
		s.mutate(func(st *Snapshot) { st.IsValidating = false })
		return
	}

	if !result.Valid {
		s.logger.Warn().Str("reason", result.Message).Msg("Cached license key was rejected during revalidation")
		s.mutate(func(st *Snapshot) {
			setLicensed(st, false)
			st.IsValidating = false
		})
		return
	}

	if err := s.storeCredential(key, result.Email); err != nil {
		s.logger.Warn().Err(err).Msg("Could not refresh cached credential after revalidation")
	}
	s.mutate(func(st *Snapshot) {
		if result.Email != "" {
			st.LicenseEmail = result.Email
		}
		st.IsValidating = false
	})
}

// WaitForRevalidation blocks until any in-flight background revalidation has
// settled. Intended for shutdown paths and tests.
func (s *Service) WaitForRevalidation() {
	s.revalidation.Wait()
}

// Activate validates key against the license server and, on success, caches
// the credential and unlocks. Direct-purchase builds only.
func (s *Service) Activate(ctx context.Context, key string) error {
	if s.backend.Kind() != BackendDirect {
		s.mutate(func(st *Snapshot) { st.ValidationError = msgUseInAppPurchase })
		return fmt.Errorf("%w: activate requires a direct backend", ErrWrongBackend)
	}

	key = strings.TrimSpace(key)
	if key == "" {
		s.mutate(func(st *Snapshot) { st.ValidationError = msgEmptyKey })
		return ErrEmptyLicenseKey
	}

	s.mutate(func(st *Snapshot) {
		st.IsValidating = true
		st.ValidationError = ""
	})

	result, err := s.validator.Validate(ctx, key)
	if err != nil {
		// Could not talk to the server at all: distinct message, no state
		// change beyond clearing the validating flag.
		s.mutate(func(st *Snapshot) {
			st.IsValidating = false
			st.ValidationError = msgConnectivity
		})
		return fmt.Errorf("validate license: %w", err)
	}

	if !result.Valid {
		message := result.Message
		if message == "" {
			message = genericInvalidKeyMessage
		}
		s.mutate(func(st *Snapshot) {
			st.IsValidating = false
			st.ValidationError = message
		})
		return ErrLicenseRejected
	}

	// Persist before flipping state so the in-memory status never claims
	// more than what survives a relaunch.
	if err := s.storeCredential(key, result.Email); err != nil {
		s.mutate(func(st *Snapshot) {
			st.IsValidating = false
			st.ValidationError = msgStorageFailure
		})
		return fmt.Errorf("persist license: %w", err)
	}

	s.mutate(func(st *Snapshot) {
		setLicensed(st, true)
		st.LicenseEmail = result.Email
		st.IsValidating = false
		st.ValidationError = ""
	})
	s.emit(EventLicenseActivated)
	return nil
}

// storeCredential writes the key, email and a fresh validation timestamp.
// The key write is mandatory; a failed email or timestamp write degrades to
// "email unknown" / "never validated" rather than failing activation.
func (s *Service) storeCredential(key, email string) error {
	if err := s.store.Set(StoredKeyLicense, key); err != nil {
		return err
	}
	if email != "" {
		if err := s.store.Set(StoredKeyEmail, email); err != nil {
			s.logger.Warn().Err(err).Msg("Could not store license email")
		}
	}
	if err := s.store.Set(StoredKeyLastValidation, s.now().UTC().Format(time.RFC3339)); err != nil {
		s.logger.Warn().Err(err).Msg("Could not store validation timestamp")
	}
	return nil
}

// Deactivate deletes the cached credential and locks. Direct-purchase builds
// only; app-store entitlements are managed by the store. Idempotent.
func (s *Service) Deactivate() error {
	if s.backend.Kind() != BackendDirect {
		s.mutate(func(st *Snapshot) { st.ValidationError = msgStoreManaged })
		return fmt.Errorf("%w: deactivate requires a direct backend", ErrWrongBackend)
	}

	for _, key := range []string{StoredKeyLicense, StoredKeyEmail, StoredKeyLastValidation} {
		if err := s.store.Delete(key); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("Could not delete stored credential field")
		}
	}

	s.mutate(func(st *Snapshot) {
		setLicensed(st, false)
		st.LicenseEmail = ""
		st.ValidationError = ""
		st.PurchaseError = ""
	})
	return nil
}

// PurchasePro drives one in-app purchase transaction. App-store builds only;
// at most one purchase flow runs at a time.
func (s *Service) PurchasePro(ctx context.Context) error {
	if s.backend.Kind() != BackendAppStore {
		s.mutate(func(st *Snapshot) { st.PurchaseError = msgDirectOnly })
		return fmt.Errorf("%w: purchase requires an app-store backend", ErrWrongBackend)
	}
	if s.entitlements == nil {
		s.mutate(func(st *Snapshot) { st.PurchaseError = msgStoreUnavailable })
		return ErrNoStore
	}

	// Test-and-set under the state mutex: a second caller must never reach
	// the store while a purchase sheet is already up.
	s.mu.Lock()
	if s.st.IsPurchasing {
		s.mu.Unlock()
		return ErrPurchaseInFlight
	}
	s.st.IsPurchasing = true
	s.st.PurchaseError = ""
	snap := s.st
	obs := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		obs = append(obs, o)
	}
	s.mu.Unlock()
	for _, o := range obs {
		o(snap)
	}
	defer s.mutate(func(st *Snapshot) { st.IsPurchasing = false })

	product, err := s.ensureProduct(ctx)
	if err != nil {
		s.mutate(func(st *Snapshot) { st.PurchaseError = msgProductUnavailable })
		return err
	}

	outcome, err := s.entitlements.Purchase(ctx, product)
	if err != nil {
		s.logger.Error().Err(err).Msg("In-app purchase failed")
		s.mutate(func(st *Snapshot) { st.PurchaseError = msgPurchaseFailed })
		return fmt.Errorf("%w: %v", ErrPurchaseFailed, err)
	}

	switch outcome.Kind {
	case OutcomeSuccess:
		if outcome.ProductID != s.backend.ProductID() {
			s.logger.Error().
				Str("expected", s.backend.ProductID()).
				Str("got", outcome.ProductID).
				Msg("Purchase resolved with unexpected product")
			s.mutate(func(st *Snapshot) { st.PurchaseError = msgUnexpectedProduct })
			return fmt.Errorf("%w: unexpected product %q", ErrPurchaseFailed, outcome.ProductID)
		}
		s.mutate(func(st *Snapshot) {
			setLicensed(st, true)
			st.PurchaseError = ""
		})
		s.emit(EventProPurchased)
		return nil
	case OutcomePending:
		s.mutate(func(st *Snapshot) { st.PurchaseError = msgAwaitingApproval })
		return nil
	case OutcomeUserCancelled:
		// Expected flow, not an error: no message, no state change.
		return nil
	default:
		s.logger.Error().Str("reason", outcome.Reason).Msg("In-app purchase did not complete")
		s.mutate(func(st *Snapshot) { st.PurchaseError = msgPurchaseFailed })
		return ErrPurchaseFailed
	}
}

// RestorePurchases forces a store resync and re-derives status from the
// refreshed entitlement set. App-store builds only.
func (s *Service) RestorePurchases(ctx context.Context) error {
	if s.backend.Kind() != BackendAppStore {
		s.mutate(func(st *Snapshot) { st.PurchaseError = msgDirectOnly })
		return fmt.Errorf("%w: restore requires an app-store backend", ErrWrongBackend)
	}
	if s.entitlements == nil {
		s.mutate(func(st *Snapshot) { st.PurchaseError = msgStoreUnavailable })
		return ErrNoStore
	}

	if err := s.entitlements.RestorePurchases(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Purchase restore sync failed")
		s.mutate(func(st *Snapshot) { st.PurchaseError = msgRestoreFailed })
		return fmt.Errorf("restore purchases: %w", err)
	}

	licensed := s.refreshEntitlements(ctx)
	if !licensed {
		s.mutate(func(st *Snapshot) { st.PurchaseError = msgNoPriorPurchase })
	}
	return nil
}

// refreshEntitlements loads product metadata and re-derives licensed state
// from the store's current entitlements. Returns whether the service is
// licensed afterwards. A store read failure preserves the prior state.
func (s *Service) refreshEntitlements(ctx context.Context) bool {
	if s.entitlements == nil {
		s.mutate(func(st *Snapshot) { setLicensed(st, false) })
		return false
	}

	if _, err := s.ensureProduct(ctx); err != nil {
		s.logger.Warn().Err(err).Str("product_id", s.backend.ProductID()).Msg("Could not load store product metadata")
	}

	transactions, err := s.entitlements.CurrentEntitlements(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Could not enumerate store entitlements; preserving current state")
		return s.IsLicensed()
	}

	licensed := false
	for _, tx := range transactions {
		if tx.ProductID == s.backend.ProductID() && !tx.Revoked() {
			licensed = true
			break
		}
	}

	s.mutate(func(st *Snapshot) { setLicensed(st, licensed) })
	return licensed
}

// ensureProduct fetches and caches product metadata, keeping the display
// price fresh in the snapshot.
func (s *Service) ensureProduct(ctx context.Context) (*Product, error) {
	s.mu.Lock()
	cached := s.product
	s.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	product, err := s.entitlements.FetchProduct(ctx, s.backend.ProductID())
	if err != nil {
		return nil, fmt.Errorf("fetch product %q: %w", s.backend.ProductID(), err)
	}
	if product == nil {
		return nil, fmt.Errorf("product %q is not configured in the store", s.backend.ProductID())
	}

	s.mu.Lock()
	s.product = product
	s.mu.Unlock()
	s.mutate(func(st *Snapshot) { st.AppStoreDisplayPrice = product.DisplayPrice })
	return product, nil
}

// emit posts a telemetry event without waiting; emit failures never affect
// license state.
func (s *Service) emit(event string) {
	if s.events != nil {
		s.events.Emit(event)
	}
}
