// Package telemetry posts anonymous, fire-and-forget product events
// (activation success, upsell interactions) to the event collector.
//
// What is sent: a random install ID (UUID, generated locally, not tied to
// any account), app name and version, OS/arch, and the event name. No license
// keys, no email addresses, no personally identifiable information.
//
// Telemetry is enabled by default; set APPCORE_TELEMETRY=false to opt out.
// A failed or slow send never affects the caller: Emit returns immediately
// and the post happens on a background goroutine.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// httpTimeout bounds a single event post.
	httpTimeout = 10 * time.Second

	// installIDFile is persisted in the config directory.
	installIDFile = ".install_id"

	// EnvOptOut disables telemetry when set to "false" or "0".
	EnvOptOut = "APPCORE_TELEMETRY"
)

// Event is the payload posted to the collector. Every field is listed here
// so users can audit exactly what leaves their machine.
type Event struct {
	InstallID string `json:"install_id"` // random UUID, not tied to any account
	App       string `json:"app"`        // app bundle identity
	Version   string `json:"version"`
	OS        string `json:"os"`   // runtime.GOOS
	Arch      string `json:"arch"` // runtime.GOARCH
	Event     string `json:"event"`
}

// Config holds the static collector configuration.
type Config struct {
	Endpoint  string // event collector URL
	App       string
	Version   string
	ConfigDir string // where the install ID is persisted
}

// Collector emits anonymous events. A nil or disabled Collector drops every
// event silently.
type Collector struct {
	cfg       Config
	installID string
	enabled   bool
	client    *http.Client
	wg        sync.WaitGroup
}

// New builds a Collector, creating the persistent install ID on first use.
func New(cfg Config) *Collector {
	c := &Collector{
		cfg:     cfg,
		enabled: IsEnabled() && cfg.Endpoint != "",
		client:  &http.Client{Timeout: httpTimeout},
	}
	if c.enabled {
		c.installID = getOrCreateInstallID(cfg.ConfigDir)
		if c.installID == "" {
			log.Warn().Msg("Could not determine install ID; telemetry will not run")
			c.enabled = false
		}
	}
	return c
}

// IsEnabled reports whether telemetry is opted in. On by default.
func IsEnabled() bool {
	v := strings.TrimSpace(os.Getenv(EnvOptOut))
	if v == "" {
		return true
	}
	return v == "true" || v == "1"
}

// Emit posts event without blocking. Failures are logged at debug level and
// otherwise ignored; no caller ever waits on the result.
func (c *Collector) Emit(event string) {
	if c == nil || !c.enabled {
		return
	}

	payload := Event{
		InstallID: c.installID,
		App:       c.cfg.App,
		Version:   c.cfg.Version,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Event:     event,
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.send(payload)
	}()
}

// Flush waits for in-flight sends. Intended for shutdown paths and tests.
func (c *Collector) Flush() {
	if c != nil {
		c.wg.Wait()
	}
}

func (c *Collector) send(event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		log.Debug().Err(err).Msg("Telemetry event could not be encoded")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), httpTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		log.Debug().Err(err).Msg("Telemetry request could not be built")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		log.Debug().Err(err).Msg("Telemetry event could not be delivered")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Debug().Int("status", resp.StatusCode).Str("event", event.Event).Msg("Telemetry collector rejected event")
	}
}

// getOrCreateInstallID loads the stable random install ID, creating it on
// first run. Returns "" when the config directory is unusable.
func getOrCreateInstallID(configDir string) string {
	if configDir == "" {
		return ""
	}
	path := filepath.Join(configDir, installIDFile)

	if data, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(data))
		if _, err := uuid.Parse(id); err == nil {
			return id
		}
	}

	id := uuid.NewString()
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return ""
	}
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return ""
	}
	return id
}
