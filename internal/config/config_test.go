package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if cfg.PresenceTTL != 90*time.Second {
		testContext.Fatalf("expected default presence ttl, got %s", cfg.PresenceTTL)
	}
	if cfg.QueueSize != 256 {
		testContext.Fatalf("expected default queue size, got %d", cfg.QueueSize)
	}
	if cfg.SnapshotBackend != SnapshotBackendSQLite {
		testContext.Fatalf("expected sqlite backend, got %q", cfg.SnapshotBackend)
	}
	if cfg.DedupeCapacity != 10_000 {
		testContext.Fatalf("expected default dedupe capacity, got %d", cfg.DedupeCapacity)
	}
	if cfg.OriginCapacity != 1_024 {
		testContext.Fatalf("expected default origin capacity, got %d", cfg.OriginCapacity)
	}
}

func TestLoadRequiresSigningSecret(testContext *testing.T) {
	if _, err := Load(NewViper()); err == nil {
		testContext.Fatalf("expected missing signing secret to fail")
	}
}

func TestLoadRejectsUnknownSnapshotBackend(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("snapshot.backend", "tape")
	if _, err := Load(configViper); err == nil {
		testContext.Fatalf("expected unknown backend to fail")
	}
}

func TestLoadSplitsCommaSeparatedPeers(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("peer.addresses", []string{"a@ws://one/s2s, b@ws://two/s2s", ""})

	cfg, err := Load(configViper)
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if len(cfg.Peers) != 2 || cfg.Peers[1] != "b@ws://two/s2s" {
		testContext.Fatalf("unexpected peers %v", cfg.Peers)
	}
}
