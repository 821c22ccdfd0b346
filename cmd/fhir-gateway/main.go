package main

import (
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehrgateway/fhir-gateway/internal/accesschecker"
	"github.com/ehrgateway/fhir-gateway/internal/allowedqueries"
	"github.com/ehrgateway/fhir-gateway/internal/backend"
	"github.com/ehrgateway/fhir-gateway/internal/compartment"
	"github.com/ehrgateway/fhir-gateway/internal/config"
	"github.com/ehrgateway/fhir-gateway/internal/fhirpath"
	"github.com/ehrgateway/fhir-gateway/internal/inspector"
	"github.com/ehrgateway/fhir-gateway/internal/pipeline"
	"github.com/ehrgateway/fhir-gateway/internal/platform/middleware"
	"github.com/ehrgateway/fhir-gateway/internal/token"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhir-gateway",
		Short: "Authorizing reverse proxy in front of a FHIR R4 backend",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(validateConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// validateConfigCmd loads and validates configuration and the embedded/
// on-disk static resources without binding a listener, mirroring the
// teacher's read-only `migrate status` subcommand idiom — useful for CI and
// readiness probes per SPEC_FULL.md's supplemented features.
func validateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Validate configuration and static resources without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AllowedQueriesFile != "" {
				if _, err := allowedqueries.Load(cfg.AllowedQueriesFile); err != nil {
					return err
				}
			}
			if _, err := compartment.Load(); err != nil {
				return err
			}
			if _, err := fhirpath.Load(); err != nil {
				return err
			}
			cmd.Println("configuration OK")
			return nil
		},
	}
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	compartments, err := compartment.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load compartment definition")
	}
	paths, err := fhirpath.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load fhir-path table")
	}
	insp := inspector.New(compartments, paths)

	verifier, err := token.NewVerifier(cfg.TokenIssuer)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize token verifier")
	}

	var allowed *allowedqueries.Checker
	if cfg.AllowedQueriesFile != "" {
		allowed, err = allowedqueries.Load(cfg.AllowedQueriesFile)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load allowed-queries config")
		}
	}

	auth := backendAuthDecorator(cfg)
	be := backend.NewHTTPClient(cfg.ProxyTo, auth, cfg.BackendCallTimeout)

	checker := buildAccessChecker(cfg)
	if checker == nil && !cfg.IsDevMode() {
		logger.Fatal().Msg("no access checker configured outside RUN_MODE=DEV")
	}

	proxyBaseURL := "http://localhost:" + cfg.Port
	p := pipeline.New(verifier, allowed, checker, insp, be, proxyBaseURL, cfg.ProxyTo, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "FHIR-Gateway-Mode"},
	}))
	e.Use(middleware.RequestTimeout(cfg.BackendCallTimeout))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/.well-known/smart-configuration", p.WellKnownSMARTConfiguration(cfg.TokenIssuer))
	e.GET("/metadata", p.Metadata(cfg.TokenIssuer))

	e.Any("/*", p.ServeFHIR)

	logger.Info().Str("port", cfg.Port).Msg("starting fhir-gateway")
	return e.Start(":" + cfg.Port)
}

// backendAuthDecorator selects the C5 auth decorator per BACKEND_TYPE.
func backendAuthDecorator(cfg *config.Config) backend.AuthDecorator {
	switch cfg.BackendType {
	case config.BackendGCP:
		return backend.NewGCPAuthDecorator()
	default:
		return backend.NoAuthDecorator{}
	}
}

// buildAccessChecker selects the C4 variant per ACCESS_CHECKER. Returns nil
// in dev-mode with no checker configured (requests proceed unchecked),
// per spec.md §6's "unset (dev-mode permissive)".
func buildAccessChecker(cfg *config.Config) accesschecker.Checker {
	switch cfg.AccessChecker {
	case config.AccessCheckerPatient:
		return accesschecker.PatientCompartmentChecker{}
	case config.AccessCheckerList:
		return accesschecker.AccessListChecker{}
	case config.AccessCheckerPermission:
		return accesschecker.NewPermissionChecker(accesschecker.PermissionMode(cfg.PermissionVariant))
	case config.AccessCheckerSync:
		return accesschecker.NewSyncStrategyChecker(cfg.SyncStrategyIgnore, nil)
	default:
		return nil
	}
}
