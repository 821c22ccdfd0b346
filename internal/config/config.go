// Package config loads and validates the proxy's environment configuration.
package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AccessCheckerKind selects which access-checker variant (C4) the pipeline runs.
type AccessCheckerKind string

const (
	AccessCheckerList       AccessCheckerKind = "list"
	AccessCheckerPatient    AccessCheckerKind = "patient"
	AccessCheckerPermission AccessCheckerKind = "permission"
	AccessCheckerSync       AccessCheckerKind = "data"
	AccessCheckerNone       AccessCheckerKind = ""
)

// BackendKind selects the backend auth decorator used by the C5 HTTP client.
type BackendKind string

const (
	BackendGCP     BackendKind = "GCP"
	BackendGeneric BackendKind = "GENERIC"
)

// Config is the proxy's process-wide, read-only-after-init configuration.
type Config struct {
	Port                string            `mapstructure:"PORT"`
	RunMode             string            `mapstructure:"RUN_MODE"`
	ProxyTo             string            `mapstructure:"PROXY_TO"`
	TokenIssuer         string            `mapstructure:"TOKEN_ISSUER"`
	AccessChecker       AccessCheckerKind `mapstructure:"ACCESS_CHECKER"`
	BackendType         BackendKind       `mapstructure:"BACKEND_TYPE"`
	AllowedQueriesFile  string            `mapstructure:"ALLOWED_QUERIES_CONFIG"`
	CORSOrigins         []string          `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS        float64           `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst      int               `mapstructure:"RATE_LIMIT_BURST"`
	BackendCallTimeout  time.Duration     `mapstructure:"-"`
	BackendCallTimeoutS int               `mapstructure:"BACKEND_CALL_TIMEOUT_SECONDS"`
	PermissionVariant   string            `mapstructure:"PERMISSION_CHECKER_VARIANT"`
	SyncStrategyIgnore  []string          `mapstructure:"SYNC_STRATEGY_IGNORE_LIST"`
}

// Load reads configuration from the environment (and an optional .env file
// for local development), applies defaults, and validates it. A returned
// error is a plain error (not a gatewayerr.Config); the callers in
// cmd/fhir-gateway treat it as fatal.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("RUN_MODE", "")
	v.SetDefault("ACCESS_CHECKER", "")
	v.SetDefault("BACKEND_TYPE", "GENERIC")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("BACKEND_CALL_TIMEOUT_SECONDS", 30)
	v.SetDefault("PERMISSION_CHECKER_VARIANT", "full")
	v.SetDefault("SYNC_STRATEGY_IGNORE_LIST", "Questionnaire,StructureMap")

	for _, name := range []string{
		"PORT", "RUN_MODE", "PROXY_TO", "TOKEN_ISSUER", "ACCESS_CHECKER",
		"BACKEND_TYPE", "ALLOWED_QUERIES_CONFIG", "CORS_ORIGINS",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BACKEND_CALL_TIMEOUT_SECONDS",
		"PERMISSION_CHECKER_VARIANT", "SYNC_STRATEGY_IGNORE_LIST",
	} {
		_ = v.BindEnv(name)
	}

	// Try reading a .env file, but don't fail if one isn't present.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	if len(cfg.SyncStrategyIgnore) == 0 {
		if raw := v.GetString("SYNC_STRATEGY_IGNORE_LIST"); raw != "" {
			cfg.SyncStrategyIgnore = strings.Split(raw, ",")
		}
	}
	cfg.BackendCallTimeout = time.Duration(cfg.BackendCallTimeoutS) * time.Second

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.IsDevMode() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: RUN_MODE=DEV — the permissive access-checker may be selected.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

// IsDevMode reports whether the permissive dev-mode access-checker is permitted.
func (c *Config) IsDevMode() bool {
	return c.RunMode == "DEV"
}

// Validate enforces the ConfigError rules from spec.md §6/§7: PROXY_TO and
// TOKEN_ISSUER are always required, an unset ACCESS_CHECKER is only
// acceptable in RUN_MODE=DEV, and BACKEND_TYPE must be a known variant.
func (c *Config) Validate() error {
	if c.ProxyTo == "" {
		return fmt.Errorf("PROXY_TO is required")
	}
	if c.TokenIssuer == "" {
		return fmt.Errorf("TOKEN_ISSUER is required")
	}
	switch c.AccessChecker {
	case AccessCheckerList, AccessCheckerPatient, AccessCheckerPermission, AccessCheckerSync:
	case AccessCheckerNone:
		if !c.IsDevMode() {
			return fmt.Errorf("ACCESS_CHECKER must be set to one of list|patient|permission|data unless RUN_MODE=DEV")
		}
	default:
		return fmt.Errorf("ACCESS_CHECKER must be one of list|patient|permission|data, got %q", c.AccessChecker)
	}
	switch c.BackendType {
	case BackendGCP, BackendGeneric:
	default:
		return fmt.Errorf("BACKEND_TYPE must be GCP or GENERIC, got %q", c.BackendType)
	}
	if c.BackendCallTimeoutS <= 0 {
		return fmt.Errorf("BACKEND_CALL_TIMEOUT_SECONDS must be positive, got %d", c.BackendCallTimeoutS)
	}
	return nil
}
