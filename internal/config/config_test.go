package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	lc := cfg.Lifecycle
	if lc.PollInterval != 3*time.Second || lc.OfferTTL != 15*time.Second || lc.SearchTimeout != 120*time.Second {
		t.Fatalf("unexpected timers: %+v", lc)
	}
	if lc.DiscoveryRadiusKm != 5 || lc.PickupGeofenceKm != 0.05 {
		t.Fatalf("unexpected distances: %+v", lc)
	}
	if lc.DefaultCenter.Lat != 36.7538 || lc.DefaultCenter.Lon != 3.0588 {
		t.Fatalf("unexpected default center: %+v", lc.DefaultCenter)
	}
	if cfg.HTTPAddr != ":8080" || cfg.MatcherTopN != 8 {
		t.Fatalf("unexpected server defaults: %+v", cfg)
	}
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("OFFER_TTL", "20s")
	t.Setenv("DISCOVERY_RADIUS_KM", "7.5")
	t.Setenv("MIGRATE", "TRUE")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.Lifecycle.OfferTTL != 20*time.Second || cfg.Lifecycle.DiscoveryRadiusKm != 7.5 {
		t.Fatalf("overrides not applied: %+v", cfg.Lifecycle)
	}
	if !cfg.RunMigrations {
		t.Fatalf("MIGRATE=TRUE should enable migrations")
	}
}

func TestLoadServerConfigJoinsErrors(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("POLL_INTERVAL", "soon")
	t.Setenv("MATCHER_TOP_N", "0")
	_, err := LoadServerConfig()
	if err == nil {
		t.Fatalf("expected an error")
	}
	for _, want := range []string{"POLL_INTERVAL", "MATCHER_TOP_N", "JWT_SECRET"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %q", want, err)
		}
	}
}

func TestLoadDotEnvKeepsExistingValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("RIDEHAIL_TEST_A=from-file\nRIDEHAIL_TEST_B=from-file\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("RIDEHAIL_TEST_A", "from-env")
	t.Setenv("RIDEHAIL_TEST_B", "")
	os.Unsetenv("RIDEHAIL_TEST_B")

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("RIDEHAIL_TEST_A"); got != "from-env" {
		t.Fatalf("existing env must win, got %q", got)
	}
	if got := os.Getenv("RIDEHAIL_TEST_B"); got != "from-file" {
		t.Fatalf("expected value from file, got %q", got)
	}
}

func TestLoadConsumerConfigRequiresEndpoints(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("REDIS_ADDR", "")
	if _, err := LoadConsumerConfig(); err == nil {
		t.Fatalf("expected missing endpoints to fail")
	}
	t.Setenv("KAFKA_BROKERS", "k1:9092")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	cfg, err := LoadConsumerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.KafkaGroupID != "geo-updater" || cfg.MaxRetries != 3 {
		t.Fatalf("unexpected consumer defaults: %+v", cfg)
	}
}
