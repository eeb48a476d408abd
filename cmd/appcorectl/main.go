// appcorectl exercises the appcore licensing subsystem from the command
// line: inspect cached status, activate or deactivate a direct license key,
// and probe the validation endpoint. Intended for integrators and support,
// not end users.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/halcyonlabs/appcore/internal/logging"
	"github.com/halcyonlabs/appcore/internal/securestore"
	"github.com/halcyonlabs/appcore/internal/telemetry"
	"github.com/halcyonlabs/appcore/pkg/licensing"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

const (
	defaultLicenseAPI = "https://api.halcyonlabs.app"
	defaultService    = "com.halcyon.appcorectl"
)

var rootCmd = &cobra.Command{
	Use:     "appcorectl",
	Short:   "appcorectl - license tooling for Halcyon apps",
	Long:    `appcorectl inspects and manipulates the shared license state used by the Halcyon desktop apps.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
		logging.Init(logging.Config{
			Format:    os.Getenv("APPCORE_LOG_FORMAT"),
			Level:     os.Getenv("APPCORE_LOG_LEVEL"),
			Component: "appcorectl",
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("appcorectl %s (%s)\n", Version, GitCommit)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the cached license status",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}

		svc.CheckCachedLicense(cmd.Context())
		svc.WaitForRevalidation()

		printSnapshot(svc.Snapshot())
		return nil
	},
}

var activateCmd = &cobra.Command{
	Use:   "activate <license-key>",
	Short: "Validate and cache a direct license key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}

		if err := svc.Activate(cmd.Context(), args[0]); err != nil {
			snap := svc.Snapshot()
			if snap.ValidationError != "" {
				return fmt.Errorf("%s", snap.ValidationError)
			}
			return err
		}

		snap := svc.Snapshot()
		fmt.Println("License activated.")
		if snap.LicenseEmail != "" {
			fmt.Printf("Registered to: %s\n", snap.LicenseEmail)
		}
		return nil
	},
}

var deactivateCmd = &cobra.Command{
	Use:   "deactivate",
	Short: "Delete the cached license credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}

		if err := svc.Deactivate(); err != nil {
			return err
		}
		fmt.Println("License deactivated.")
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <license-key>",
	Short: "Check a key against the validation endpoint without caching it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		validator := licensing.NewRemoteValidator(licenseAPI())
		result, err := validator.Validate(cmd.Context(), strings.TrimSpace(args[0]))
		if err != nil {
			return fmt.Errorf("could not reach the license server: %w", err)
		}

		if !result.Valid {
			fmt.Printf("Invalid: %s\n", result.Message)
			os.Exit(1)
		}
		fmt.Println("Valid.")
		if result.Email != "" {
			fmt.Printf("Registered to: %s\n", result.Email)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(activateCmd)
	rootCmd.AddCommand(deactivateCmd)
	rootCmd.AddCommand(validateCmd)
}

func licenseAPI() string {
	if v := strings.TrimSpace(os.Getenv("APPCORE_LICENSE_API")); v != "" {
		return v
	}
	return defaultLicenseAPI
}

func configDir() string {
	if v := strings.TrimSpace(os.Getenv("APPCORE_CONFIG_DIR")); v != "" {
		return v
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return ".appcore"
	}
	return filepath.Join(base, "halcyon")
}

func serviceName() string {
	if v := strings.TrimSpace(os.Getenv("APPCORE_SERVICE")); v != "" {
		return v
	}
	return defaultService
}

// newService assembles a direct-backend license service the way a consuming
// app would. The CLI has no platform store bridge, so no entitlement source
// is wired.
func newService() (*licensing.Service, error) {
	store, err := securestore.New(securestore.Config{
		Service:   serviceName(),
		ConfigDir: configDir(),
	})
	if err != nil {
		return nil, fmt.Errorf("open secure store: %w", err)
	}

	var events licensing.EventSink
	if endpoint := strings.TrimSpace(os.Getenv("APPCORE_TELEMETRY_ENDPOINT")); endpoint != "" {
		events = telemetry.New(telemetry.Config{
			Endpoint:  endpoint,
			App:       serviceName(),
			Version:   Version,
			ConfigDir: configDir(),
		})
	}

	return licensing.NewService(licensing.Config{
		Backend:   licensing.DirectBackend(os.Getenv("APPCORE_CHECKOUT_URL")),
		Store:     store,
		Validator: licensing.NewRemoteValidator(licenseAPI()),
		Events:    events,
	}), nil
}

func printSnapshot(snap licensing.Snapshot) {
	fmt.Printf("Status:    %s\n", snap.Status)
	if snap.LicenseEmail != "" {
		fmt.Printf("Email:     %s\n", snap.LicenseEmail)
	}
	if snap.ValidationError != "" {
		fmt.Printf("Error:     %s\n", snap.ValidationError)
	}
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("appcorectl failed")
		os.Exit(1)
	}
}
