// Package diagnostics assembles the support report attached to in-app
// feedback. Sections are gathered concurrently and best-effort: a section
// that cannot be collected is left empty rather than failing the report.
//
// The report deliberately excludes anything sensitive: no license key, no
// hostnames, no file paths.
package diagnostics

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/halcyonlabs/appcore/pkg/licensing"
)

// collectTimeout bounds the whole gather.
const collectTimeout = 5 * time.Second

// Test seams.
var (
	hostInfoFn = host.InfoWithContext
	memInfoFn  = mem.VirtualMemoryWithContext
)

// AppInfo identifies the reporting application build.
type AppInfo struct {
	Name     string `json:"name"`
	BundleID string `json:"bundle_id"`
	Version  string `json:"version"`
}

// HostInfo describes the machine, without identifying it.
type HostInfo struct {
	OS              string `json:"os"`
	Arch            string `json:"arch"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version"`
	UptimeHours     uint64 `json:"uptime_hours"`
}

// MemoryInfo is a coarse memory pressure summary.
type MemoryInfo struct {
	TotalMB     uint64  `json:"total_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// LicenseInfo summarizes licensing state for support triage. It never
// contains the key or the customer email.
type LicenseInfo struct {
	Status       licensing.Status `json:"status"`
	Backend      string           `json:"backend"`
	HasEmail     bool             `json:"has_email"`
	LastError    string           `json:"last_error,omitempty"`
	IsValidating bool             `json:"is_validating"`
}

// Report is the aggregate diagnostics payload.
type Report struct {
	GeneratedAt time.Time   `json:"generated_at"`
	App         AppInfo     `json:"app"`
	Host        HostInfo    `json:"host"`
	Memory      MemoryInfo  `json:"memory"`
	License     LicenseInfo `json:"license"`
	UserNotes   string      `json:"user_notes,omitempty"`
}

// Options parameterizes a collection run.
type Options struct {
	App       AppInfo
	License   *licensing.Service // optional
	UserNotes string
}

// Collect gathers all report sections concurrently and returns the
// assembled report. Individual section failures are logged and degrade to
// empty sections; Collect itself only fails on context cancellation.
func Collect(ctx context.Context, opts Options) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, collectTimeout)
	defer cancel()

	report := &Report{
		GeneratedAt: time.Now().UTC(),
		App:         opts.App,
		Host: HostInfo{
			OS:   runtime.GOOS,
			Arch: runtime.GOARCH,
		},
		UserNotes: opts.UserNotes,
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	wg.Add(1)
	go func() {
		defer wg.Done()
		info, err := hostInfoFn(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("Diagnostics could not read host info")
			return
		}
		mu.Lock()
		report.Host.Platform = info.Platform
		report.Host.PlatformVersion = info.PlatformVersion
		report.Host.UptimeHours = info.Uptime / 3600
		mu.Unlock()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		vm, err := memInfoFn(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("Diagnostics could not read memory info")
			return
		}
		mu.Lock()
		report.Memory.TotalMB = vm.Total / (1 << 20)
		report.Memory.UsedPercent = vm.UsedPercent
		mu.Unlock()
	}()

	if opts.License != nil {
		snap := opts.License.Snapshot()
		backend := opts.License.Backend()
		lastError := snap.ValidationError
		if lastError == "" {
			lastError = snap.PurchaseError
		}
		report.License = LicenseInfo{
			Status:       snap.Status,
			Backend:      string(backend.Kind()),
			HasEmail:     snap.LicenseEmail != "",
			LastError:    lastError,
			IsValidating: snap.IsValidating,
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return report, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Render formats the report as the plain-text block pasted into a support
// email.
func (r *Report) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (%s)\n", r.App.Name, r.App.Version, r.App.BundleID)
	fmt.Fprintf(&b, "Generated: %s\n", r.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "System: %s %s (%s/%s), up %dh\n",
		r.Host.Platform, r.Host.PlatformVersion, r.Host.OS, r.Host.Arch, r.Host.UptimeHours)
	fmt.Fprintf(&b, "Memory: %d MB total, %.0f%% used\n", r.Memory.TotalMB, r.Memory.UsedPercent)
	fmt.Fprintf(&b, "License: %s via %s", r.License.Status, r.License.Backend)
	if r.License.LastError != "" {
		fmt.Fprintf(&b, " (last error: %s)", r.License.LastError)
	}
	b.WriteString("\n")
	if r.UserNotes != "" {
		fmt.Fprintf(&b, "\n%s\n", r.UserNotes)
	}
	return b.String()
}
