// Package config provides a reusable loader for vaultchat configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.2.0
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"vaultchat/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.2.0"

// Config represents the unified configuration for a vaultchat core process.
// It mirrors the environment variables named in spec §6: database/Redis
// connection strings, LLM provider credentials, payment-webhook signing
// secret, free-allowance amount, per-model pricing table location, fee
// percentages, negative-balance floor, guest rate-limit parameters.
type Config struct {
	Server struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"server" json:"server"`

	Admin struct {
		// ListenAddr serves internal/adminapi's operator HTTP surface on a
		// separate listener from Server.ListenAddr, the same split the
		// teacher draws between its wallet-facing API and its metrics
		// endpoint: an operator surface has no business sharing a port
		// (and a rate limiter) with guest traffic.
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"admin" json:"admin"`

	Metrics struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"metrics" json:"metrics"`

	Storage struct {
		// DBPath is the directory backing the embedded pebble store that
		// plays the role of the "database connection string" named in §6.
		DBPath string `mapstructure:"db_path" json:"db_path"`
	} `mapstructure:"storage" json:"storage"`

	Redis struct {
		Addr     string `mapstructure:"addr" json:"addr"`
		Password string `mapstructure:"password" json:"password"`
		DB       int    `mapstructure:"db" json:"db"`
	} `mapstructure:"redis" json:"redis"`

	LLM struct {
		ProviderBaseURL string `mapstructure:"provider_base_url" json:"provider_base_url"`
		APIKey          string `mapstructure:"api_key" json:"api_key"`
		TimeoutSeconds  int    `mapstructure:"timeout_seconds" json:"timeout_seconds"`
		DevMode         bool   `mapstructure:"dev_mode" json:"dev_mode"`
	} `mapstructure:"llm" json:"llm"`

	Payments struct {
		WebhookSigningSecret string `mapstructure:"webhook_signing_secret" json:"webhook_signing_secret"`
		// ProviderBaseURL is the payment processor's API root internal/
		// payments.Client queries to resolve a webhook's {type, id} into
		// a wallet and amount.
		ProviderBaseURL string `mapstructure:"provider_base_url" json:"provider_base_url"`
		TimeoutSeconds  int    `mapstructure:"timeout_seconds" json:"timeout_seconds"`
	} `mapstructure:"payments" json:"payments"`

	Billing struct {
		FreeAllowanceCents             int64   `mapstructure:"free_allowance_cents" json:"free_allowance_cents"`
		PricingTablePath               string  `mapstructure:"pricing_table_path" json:"pricing_table_path"`
		ProviderFeePercent             float64 `mapstructure:"provider_fee_percent" json:"provider_fee_percent"`
		MaxAllowedNegativeBalanceCents int64   `mapstructure:"max_allowed_negative_balance_cents" json:"max_allowed_negative_balance_cents"`
		MinimumOutputTokens            int     `mapstructure:"minimum_output_tokens" json:"minimum_output_tokens"`
		// MaxOutputTokens bounds streampipeline.Config's pessimistic
		// worst-case cost estimate (spec §4.5's pre-stream reservation
		// sizing), independent of MinimumOutputTokens' floor on the
		// authoritative/fallback cost calculation.
		MaxOutputTokens int `mapstructure:"max_output_tokens" json:"max_output_tokens"`
		ReservationTTLSeconds          int     `mapstructure:"reservation_ttl_seconds" json:"reservation_ttl_seconds"`
		// ReservationCeilingCents bounds internal/store/rediscache.Store's
		// per-key speculative-reservation total; see DESIGN.md's
		// Reserve-denial-semantics entry for why this, not wallet balance,
		// is what Reserve checks against.
		ReservationCeilingCents int64 `mapstructure:"reservation_ceiling_cents" json:"reservation_ceiling_cents"`
	} `mapstructure:"billing" json:"billing"`

	RateLimit struct {
		GuestRequestsPerMinute float64 `mapstructure:"guest_requests_per_minute" json:"guest_requests_per_minute"`
		GuestBurst             int     `mapstructure:"guest_burst" json:"guest_burst"`
		// Distributed selects internal/store/rediscache.Limiter over
		// internal/ratelimit.IPLimiter for multi-instance deployments.
		Distributed bool `mapstructure:"distributed" json:"distributed"`
	} `mapstructure:"rate_limit" json:"rate_limit"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

func setDefaults() {
	viper.SetDefault("server.listen_addr", ":8080")
	viper.SetDefault("admin.listen_addr", ":8081")
	viper.SetDefault("metrics.listen_addr", ":9090")
	viper.SetDefault("storage.db_path", "./data/vaultchat")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("llm.timeout_seconds", 60)
	viper.SetDefault("llm.dev_mode", false)
	viper.SetDefault("billing.free_allowance_cents", utils.EnvOrDefaultInt("FREE_ALLOWANCE_CENTS", 200))
	viper.SetDefault("billing.pricing_table_path", "./config/pricing.yaml")
	viper.SetDefault("billing.provider_fee_percent", utils.EnvOrDefaultFloat64("PROVIDER_FEE_PERCENT", 0.15))
	viper.SetDefault("billing.max_allowed_negative_balance_cents", utils.EnvOrDefaultInt("MAX_ALLOWED_NEGATIVE_BALANCE_CENTS", 500))
	viper.SetDefault("billing.minimum_output_tokens", 16)
	viper.SetDefault("billing.max_output_tokens", 2048)
	viper.SetDefault("billing.reservation_ttl_seconds", 300)
	viper.SetDefault("billing.reservation_ceiling_cents", utils.EnvOrDefaultInt("RESERVATION_CEILING_CENTS", 10000))
	viper.SetDefault("payments.provider_base_url", "https://payments.invalid")
	viper.SetDefault("payments.timeout_seconds", 10)
	viper.SetDefault("rate_limit.guest_requests_per_minute", 30.0)
	viper.SetDefault("rate_limit.guest_burst", 10)
	viper.SetDefault("rate_limit.distributed", false)
	viper.SetDefault("logging.level", "info")
}

// Load reads configuration from an optional YAML file (config/<env>.yaml,
// or config/default.yaml when env is empty; a missing <env>.yaml does not
// fall back to default.yaml) and overlays environment variables.
// Missing config files are not an error: the defaults above plus
// AutomaticEnv bindings are sufficient to run. The resulting configuration
// is stored in AppConfig and returned.
func Load(env string) (*Config, error) {
	v := viper.GetViper()
	setDefaults()

	v.SetConfigType("yaml")
	v.AddConfigPath("config")
	v.AddConfigPath(".")

	name := "default"
	if env != "" {
		name = env
	}
	v.SetConfigName(name)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, utils.Wrap(err, fmt.Sprintf("load %s config", name))
		}
	}

	v.SetEnvPrefix("VAULTCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the VAULTCHAT_ENV environment
// variable, defaulting to the "default" profile. It does not read a .env
// file itself; cmd/server and cmd/admin call godotenv.Load before it so
// secrets can be supplied without exporting them into the parent shell.
func LoadFromEnv() (*Config, error) {
	return Load(os.Getenv("VAULTCHAT_ENV"))
}
