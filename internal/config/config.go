package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/paygate.ini"
	envPrefix        = "PAYGATE_"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// RouteRule maps a model pattern to a named execution adapter.
type RouteRule struct {
	Pattern string
	Target  string
}

// Config describes runtime options for the daemon.
type Config struct {
	Environment string
	ListenAddr  string
	LogFile     string
	LogLevel    string
	Debug       bool

	// Ledger storage
	LedgerBackend  string
	LedgerPath     string
	TokensPath     string
	LedgerDSN      string
	Retention      time.Duration
	StoreSensitive bool

	// Invoicing and settlement
	InvoiceTTL        time.Duration
	Network           string
	Recipient         string
	Currency          string
	ExplorerBaseURL   string
	RPCURL            string
	Decimals          int
	VerifyPolicy      string
	Verifier          string
	VerifyMaxAttempts int
	VerifyInterval    time.Duration
	VerifyMaxInterval time.Duration
	VerifyTimeout     time.Duration
	VerifyRPS         float64

	// Execution backend
	ExecutionURL         string
	ExecutionAPIKey      string
	ExecutionAuthHeader  string
	ExecutionTimeout     time.Duration
	ExecutionMaxTokens   int
	ExecutionTemperature float64
	ModelRoutes          []RouteRule

	PricingFile    string
	PricingRefresh time.Duration
	DailyReward    decimal.Decimal

	// Workflow sessions and background sweeping
	SessionBackend string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	SessionIdleTTL time.Duration
	ReaperInterval time.Duration
	ReaperGrace    time.Duration

	// Per-client throttling of /mcp routes; zero rate disables it.
	RateLimitRPS     float64
	RateLimitBurst   int
	RateLimitBackend string
}

// Load reads the active environment and merges setting.ini, the
// environment file and PAYGATE_* variables, in increasing precedence.
func Load(root string) (Config, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return Config{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return Config{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}
	get := func(key string) string {
		return firstNonEmpty(os.Getenv(envPrefix+strings.ToUpper(key)), merged[key])
	}

	cfg := Config{
		Environment:          s.Environment,
		ListenAddr:           firstNonEmpty(get("listen_addr"), ":8402"),
		LogFile:              get("log_file"),
		LogLevel:             firstNonEmpty(get("log_level"), "info"),
		Debug:                parseBool(get("debug")),
		LedgerBackend:        strings.ToLower(firstNonEmpty(get("ledger_backend"), "file")),
		LedgerPath:           firstNonEmpty(get("ledger_path"), DefaultDataPath("billing-entries.json")),
		TokensPath:           firstNonEmpty(get("tokens_path"), DefaultDataPath("anonymous-tokens.json")),
		LedgerDSN:            get("ledger_dsn"),
		StoreSensitive:       parseBool(get("store_sensitive")),
		Network:              firstNonEmpty(get("network"), "aleo-testnet"),
		Recipient:            get("recipient"),
		Currency:             firstNonEmpty(get("currency"), "ALEO"),
		ExplorerBaseURL:      firstNonEmpty(get("explorer_base_url"), "https://testnet.explorer.provable.com/transaction"),
		RPCURL:               firstNonEmpty(get("rpc_url"), "https://api.explorer.aleo.org/v1/testnet3"),
		Decimals:             parseOptionalInt(get("decimals"), 6),
		VerifyPolicy:         strings.ToLower(firstNonEmpty(get("verify_policy"), "fail_open")),
		Verifier:             strings.ToLower(firstNonEmpty(get("verifier"), "none")),
		VerifyMaxAttempts:    parseOptionalInt(get("verify_max_attempts"), 30),
		ExecutionURL:         get("execution_url"),
		ExecutionAPIKey:      get("execution_api_key"),
		ExecutionAuthHeader:  firstNonEmpty(get("execution_auth_header"), "Authorization"),
		ExecutionMaxTokens:   parseOptionalInt(get("execution_max_tokens"), 512),
		ModelRoutes:          parseRouteList(get("model_routes")),
		PricingFile:          get("pricing_file"),
		SessionBackend:       strings.ToLower(firstNonEmpty(get("session_backend"), "memory")),
		RedisAddr:            firstNonEmpty(get("redis_addr"), "localhost:6379"),
		RedisPassword:        get("redis_password"),
		RedisDB:              parseOptionalInt(get("redis_db"), 0),
		RateLimitBurst:       parseOptionalInt(get("rate_limit_burst"), 40),
		RateLimitBackend:     strings.ToLower(firstNonEmpty(get("rate_limit_backend"), "memory")),
		ExecutionTemperature: 0.7,
		VerifyRPS:            5,
		RateLimitRPS:         20,
	}

	durations := []struct {
		key      string
		dst      *time.Duration
		fallback time.Duration
	}{
		{"retention", &cfg.Retention, 720 * time.Hour},
		{"invoice_ttl", &cfg.InvoiceTTL, 300 * time.Second},
		{"verify_interval", &cfg.VerifyInterval, 3 * time.Second},
		{"verify_max_interval", &cfg.VerifyMaxInterval, 30 * time.Second},
		{"verify_timeout", &cfg.VerifyTimeout, 2 * time.Minute},
		{"execution_timeout", &cfg.ExecutionTimeout, 60 * time.Second},
		{"pricing_refresh", &cfg.PricingRefresh, 0},
		{"session_idle_ttl", &cfg.SessionIdleTTL, time.Hour},
		{"reaper_interval", &cfg.ReaperInterval, 5 * time.Minute},
		{"reaper_grace", &cfg.ReaperGrace, time.Hour},
	}
	for _, d := range durations {
		v, err := parseOptionalDuration(get(d.key), d.fallback)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if v := get("execution_temperature"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid execution_temperature %q: %w", v, err)
		}
		cfg.ExecutionTemperature = parsed
	}
	if v := get("rate_limit_rps"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid rate_limit_rps %q: %w", v, err)
		}
		cfg.RateLimitRPS = parsed
	}
	if v := get("verify_rps"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid verify_rps %q: %w", v, err)
		}
		cfg.VerifyRPS = parsed
	}
	cfg.DailyReward = decimal.RequireFromString("0.01")
	if v := get("daily_reward"); v != "" {
		parsed, err := decimal.NewFromString(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid daily_reward %q: %w", v, err)
		}
		cfg.DailyReward = parsed
	}
	if len(cfg.ModelRoutes) == 0 {
		cfg.ModelRoutes = []RouteRule{{Pattern: "loopback", Target: "loopback"}}
	}
	return cfg, cfg.Validate()
}

// Validate rejects unknown enum values and non-positive timeouts.
func (c Config) Validate() error {
	var errs []error
	oneOf := func(key, v string, allowed ...string) {
		for _, a := range allowed {
			if v == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, "|"), v))
	}
	positive := func(key string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	oneOf("ledger_backend", c.LedgerBackend, "file", "sqlite", "postgres")
	oneOf("verify_policy", c.VerifyPolicy, "fail_open", "fail_closed")
	oneOf("verifier", c.Verifier, "none", "aleo", "evm")
	oneOf("session_backend", c.SessionBackend, "memory", "redis")
	oneOf("rate_limit_backend", c.RateLimitBackend, "memory", "redis")
	positive("invoice_ttl", c.InvoiceTTL)
	positive("verify_timeout", c.VerifyTimeout)
	positive("verify_interval", c.VerifyInterval)
	positive("execution_timeout", c.ExecutionTimeout)
	positive("session_idle_ttl", c.SessionIdleTTL)
	if c.Retention < 0 {
		errs = append(errs, fmt.Errorf("retention must not be negative, got %s", c.Retention))
	}
	if c.LedgerBackend == "postgres" && c.LedgerDSN == "" {
		errs = append(errs, errors.New("ledger_dsn is required for the postgres backend"))
	}
	if c.Verifier != "none" && c.Recipient == "" {
		errs = append(errs, fmt.Errorf("recipient is required for the %s verifier", c.Verifier))
	}
	if c.VerifyMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("verify_max_attempts must be positive, got %d", c.VerifyMaxAttempts))
	}
	if c.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("rate_limit_rps must not be negative, got %g", c.RateLimitRPS))
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		errs = append(errs, fmt.Errorf("rate_limit_burst must be at least 1, got %d", c.RateLimitBurst))
	}
	if c.DailyReward.IsNegative() {
		errs = append(errs, errors.New("daily_reward must not be negative"))
	}
	return errors.Join(errs...)
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: firstNonEmpty(os.Getenv(envPrefix+"ENV"), defaultEnv), Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := firstNonEmpty(os.Getenv(envPrefix+"ENV"), values["environment"], defaultEnv)
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "[") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = strings.TrimSpace(val)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalDuration(v string, fallback time.Duration) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback, nil
	}
	// bare integers are seconds
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// parseRouteList keeps the order of pattern=>target rules (comma or newline separated).
func parseRouteList(input string) []RouteRule {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	var rules []RouteRule
	for _, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		for _, part := range strings.Split(line, ",") {
			entry := strings.TrimSpace(part)
			if entry == "" {
				continue
			}
			sep := "="
			if strings.Contains(entry, "=>") {
				sep = "=>"
			}
			pattern, target, ok := strings.Cut(entry, sep)
			pattern, target = strings.TrimSpace(pattern), strings.TrimSpace(target)
			if !ok || pattern == "" || target == "" {
				continue
			}
			rules = append(rules, RouteRule{Pattern: pattern, Target: target})
		}
	}
	return rules
}

// DefaultDataPath returns name under the per-user paygate data directory.
func DefaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("data", name)
	}
	return filepath.Join(home, ".paygate", name)
}
