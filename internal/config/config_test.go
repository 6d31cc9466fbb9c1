package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("Port = %q, want %q", cfg.Port, DefaultPort)
	}
	if cfg.EscrowTimeout != DefaultEscrowTimeout {
		t.Errorf("EscrowTimeout = %v, want %v", cfg.EscrowTimeout, DefaultEscrowTimeout)
	}
	if !cfg.IsDevelopment() {
		t.Error("default env should be development")
	}
}

func TestEscrowTimeoutFromEnv(t *testing.T) {
	t.Setenv("ESCROW_TIMEOUT", "15m")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.EscrowTimeout != 15*time.Minute {
		t.Errorf("EscrowTimeout = %v, want 15m", cfg.EscrowTimeout)
	}
}

func TestInvalidTimeoutFallsBack(t *testing.T) {
	t.Setenv("ESCROW_TIMEOUT", "not-a-duration")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.EscrowTimeout != DefaultEscrowTimeout {
		t.Errorf("EscrowTimeout = %v, want default %v", cfg.EscrowTimeout, DefaultEscrowTimeout)
	}
}

func TestValidateRejectsNonPositiveTimeout(t *testing.T) {
	cfg := &Config{Env: "development", EscrowTimeout: 0}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate should reject zero timeout")
	}
}

func TestProductionRequiresAdminSecret(t *testing.T) {
	cfg := &Config{Env: "production", EscrowTimeout: time.Hour}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate should require ADMIN_SECRET in production")
	}
	cfg.AdminSecret = "s3cret"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed with admin secret set: %v", err)
	}
}
