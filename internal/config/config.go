package config

import (
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

var labCodePattern = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	AuthMode    string `mapstructure:"AUTH_MODE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	// LabCode identifies this laboratory instance in every payload exchanged
	// with partner laboratories. Alphanumeric, no spaces.
	LabCode string `mapstructure:"LAB_CODE"`

	// AllowManualInbound permits creating inbound shipments through the admin
	// API instead of only via partner push.
	AllowManualInbound bool `mapstructure:"ALLOW_MANUAL_INBOUND"`

	// PushUsername/PushPassword gate the /push endpoint with HTTP Basic Auth.
	PushUsername string `mapstructure:"PUSH_USERNAME"`
	PushPassword string `mapstructure:"PUSH_PASSWORD"`

	// NotifyTimeoutSeconds overrides the per-batch timeout heuristic for
	// outbound notifications. 0 means derive from batch size.
	NotifyTimeoutSeconds int `mapstructure:"NOTIFY_TIMEOUT_SECONDS"`

	QueueEnabled      bool `mapstructure:"QUEUE_ENABLED"`
	QueueChunkSize    int  `mapstructure:"QUEUE_CHUNK_SIZE"`
	QueueDelaySeconds int  `mapstructure:"QUEUE_DELAY_SECONDS"`

	AuthIssuer   string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL  string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins  []string `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("ALLOW_MANUAL_INBOUND", false)
	v.SetDefault("NOTIFY_TIMEOUT_SECONDS", 0)
	v.SetDefault("QUEUE_ENABLED", true)
	v.SetDefault("QUEUE_CHUNK_SIZE", 10)
	v.SetDefault("QUEUE_DELAY_SECONDS", 120)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("AUTH_MODE")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("LAB_CODE")
	v.BindEnv("ALLOW_MANUAL_INBOUND")
	v.BindEnv("PUSH_USERNAME")
	v.BindEnv("PUSH_PASSWORD")
	v.BindEnv("NOTIFY_TIMEOUT_SECONDS")
	v.BindEnv("QUEUE_ENABLED")
	v.BindEnv("QUEUE_CHUNK_SIZE")
	v.BindEnv("QUEUE_DELAY_SECONDS")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_JWKS_URL")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("CORS_ORIGINS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.LabCode == "" {
		return nil, fmt.Errorf("LAB_CODE is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active — all requests get admin access.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode for the admin API. If
// AUTH_MODE is explicitly set, it is returned. Otherwise the mode is inferred:
//   - ENV=development → "development" (no auth, all requests get admin)
//   - AUTH_ISSUER set → "external" (Keycloak, Auth0, etc.)
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "external"
}

// Validate checks that the configuration is safe to run. The lab code ends up
// in shipment identifiers and in every cross-lab payload, so it must be plain
// alphanumeric. In non-development modes the push endpoint must be gated and
// AUTH_ISSUER must be set so real JWT authentication is enforced.
func (c *Config) Validate() error {
	if !labCodePattern.MatchString(c.LabCode) {
		return fmt.Errorf("LAB_CODE must be alphanumeric without spaces, got %q", c.LabCode)
	}

	mode := c.ResolvedAuthMode()
	if mode == "external" && c.AuthIssuer == "" {
		return fmt.Errorf(
			"AUTH_ISSUER must be set when AUTH_MODE is \"external\" (current ENV=%q). "+
				"Refusing to start without authentication configuration", c.Env)
	}
	if mode != "development" && mode != "external" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"external\", got %q", mode)
	}

	if c.IsProduction() && (c.PushUsername == "" || c.PushPassword == "") {
		return fmt.Errorf("PUSH_USERNAME and PUSH_PASSWORD are required in production")
	}

	if c.QueueChunkSize < 1 {
		return fmt.Errorf("QUEUE_CHUNK_SIZE must be >= 1, got %d", c.QueueChunkSize)
	}
	if c.QueueDelaySeconds < 0 {
		return fmt.Errorf("QUEUE_DELAY_SECONDS must be >= 0, got %d", c.QueueDelaySeconds)
	}
	if c.NotifyTimeoutSeconds < 0 {
		return fmt.Errorf("NOTIFY_TIMEOUT_SECONDS must be >= 0, got %d", c.NotifyTimeoutSeconds)
	}

	return nil
}
