package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, root, setting, env string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(root, "config", "dev"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "config", "setting.ini"), []byte(setting), 0o644); err != nil {
		t.Fatalf("write setting: %v", err)
	}
	if env != "" {
		if err := os.WriteFile(filepath.Join(root, "config", "dev", "paygate.ini"), []byte(env), 0o644); err != nil {
			t.Fatalf("write env config: %v", err)
		}
	}
}

func TestLoadMergesLayers(t *testing.T) {
	tmp := t.TempDir()
	setting := "environment=dev\nlog_level=debug\nnetwork=base-net\ninvoice_ttl=120\n"
	env := "[paygate]\nlisten_addr=:9090\nledger_backend=sqlite\nledger_path=/tmp/paygate.db\nnetwork=aleo-mainnet\nverify_policy=fail_closed\n"
	writeConfig(t, tmp, setting, env)
	t.Setenv("PAYGATE_DAILY_REWARD", "0.25")
	t.Setenv("PAYGATE_SESSION_IDLE_TTL", "90m")

	cfg, err := Load(tmp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level from base config, got %s", cfg.LogLevel)
	}
	if cfg.ListenAddr != ":9090" {
		t.Fatalf("unexpected listen addr %s", cfg.ListenAddr)
	}
	if cfg.Network != "aleo-mainnet" {
		t.Fatalf("expected env file to override base network, got %s", cfg.Network)
	}
	if cfg.LedgerBackend != "sqlite" || cfg.LedgerPath != "/tmp/paygate.db" {
		t.Fatalf("unexpected ledger %s %s", cfg.LedgerBackend, cfg.LedgerPath)
	}
	if cfg.InvoiceTTL != 120*time.Second {
		t.Fatalf("unexpected invoice ttl %s", cfg.InvoiceTTL)
	}
	if cfg.VerifyPolicy != "fail_closed" {
		t.Fatalf("unexpected verify policy %s", cfg.VerifyPolicy)
	}
	if cfg.DailyReward.String() != "0.25" {
		t.Fatalf("unexpected daily reward %s", cfg.DailyReward)
	}
	if cfg.SessionIdleTTL != 90*time.Minute {
		t.Fatalf("unexpected session ttl %s", cfg.SessionIdleTTL)
	}
}

func TestLoadDefaults(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("PAYGATE_LEDGER_PATH", filepath.Join(tmp, "entries.json"))

	cfg, err := Load(tmp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != "dev" {
		t.Fatalf("unexpected environment %s", cfg.Environment)
	}
	if cfg.InvoiceTTL != 300*time.Second {
		t.Fatalf("unexpected invoice ttl %s", cfg.InvoiceTTL)
	}
	if cfg.Network != "aleo-testnet" || cfg.Currency != "ALEO" || cfg.Decimals != 6 {
		t.Fatalf("unexpected network defaults %+v", cfg)
	}
	if cfg.VerifyPolicy != "fail_open" || cfg.Verifier != "none" {
		t.Fatalf("unexpected verification defaults %s %s", cfg.VerifyPolicy, cfg.Verifier)
	}
	if cfg.VerifyMaxAttempts != 30 || cfg.VerifyInterval != 3*time.Second {
		t.Fatalf("unexpected verify schedule %d %s", cfg.VerifyMaxAttempts, cfg.VerifyInterval)
	}
	if cfg.DailyReward.String() != "0.01" {
		t.Fatalf("unexpected daily reward %s", cfg.DailyReward)
	}
	if cfg.Retention != 720*time.Hour {
		t.Fatalf("unexpected retention %s", cfg.Retention)
	}
	if len(cfg.ModelRoutes) != 1 || cfg.ModelRoutes[0].Target != "loopback" {
		t.Fatalf("expected loopback default route, got %+v", cfg.ModelRoutes)
	}
	if cfg.RateLimitRPS != 20 || cfg.RateLimitBurst != 40 || cfg.RateLimitBackend != "memory" {
		t.Fatalf("unexpected rate limit defaults %g %d %s", cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.RateLimitBackend)
	}
}

func TestLoadModelRoutes(t *testing.T) {
	tmp := t.TempDir()
	writeConfig(t, tmp, "environment=dev\n", "model_routes=gpt-*=>openai, loopback=loopback\n")

	cfg, err := Load(tmp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.ModelRoutes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(cfg.ModelRoutes))
	}
	if cfg.ModelRoutes[0].Pattern != "gpt-*" || cfg.ModelRoutes[0].Target != "openai" {
		t.Fatalf("unexpected first route %+v", cfg.ModelRoutes[0])
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"ledger_backend=mongo\n":       "ledger_backend",
		"verify_policy=sometimes\n":    "verify_policy",
		"invoice_ttl=0\n":              "invoice_ttl",
		"ledger_backend=postgres\n":    "ledger_dsn",
		"verifier=aleo\n":              "recipient",
		"execution_temperature=warm\n": "execution_temperature",
		"session_idle_ttl=forever\n":   "session_idle_ttl",
		"rate_limit_backend=disk\n":    "rate_limit_backend",
		"rate_limit_rps=-1\n":          "rate_limit_rps",
	}
	for env, want := range cases {
		tmp := t.TempDir()
		writeConfig(t, tmp, "environment=dev\n", env)
		_, err := Load(tmp)
		if err == nil {
			t.Fatalf("%q: expected error", env)
		}
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("%q: expected error mentioning %s, got %v", env, want, err)
		}
	}
}

func TestParseRouteList(t *testing.T) {
	rules := parseRouteList("# comment\na=>b\n c = d ,bad\n")
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %+v", rules)
	}
	if rules[1].Pattern != "c" || rules[1].Target != "d" {
		t.Fatalf("unexpected rule %+v", rules[1])
	}
}
