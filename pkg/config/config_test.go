package config

import (
	"testing"

	"github.com/spf13/viper"
)

func TestLoadAppliesDefaultsWithoutConfigFile(t *testing.T) {
	viper.Reset()
	cfg, err := Load("nonexistent-profile")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Fatalf("ListenAddr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Billing.ProviderFeePercent != 0.15 {
		t.Fatalf("ProviderFeePercent = %v, want 0.15", cfg.Billing.ProviderFeePercent)
	}
	if cfg.Billing.MaxAllowedNegativeBalanceCents != 500 {
		t.Fatalf("MaxAllowedNegativeBalanceCents = %d, want 500", cfg.Billing.MaxAllowedNegativeBalanceCents)
	}
	if cfg.Billing.MaxOutputTokens != 2048 {
		t.Fatalf("MaxOutputTokens = %d, want 2048", cfg.Billing.MaxOutputTokens)
	}
	if cfg.Admin.ListenAddr != ":8081" {
		t.Fatalf("Admin.ListenAddr = %q, want :8081", cfg.Admin.ListenAddr)
	}
	if cfg.Metrics.ListenAddr != ":9090" {
		t.Fatalf("Metrics.ListenAddr = %q, want :9090", cfg.Metrics.ListenAddr)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	viper.Reset()
	t.Setenv("VAULTCHAT_SERVER_LISTEN_ADDR", ":9090")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Fatalf("ListenAddr = %q, want :9090 (env override)", cfg.Server.ListenAddr)
	}
}
