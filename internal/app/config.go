package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN string

	VaultEnabled  bool
	VaultPassword string // auto-unlock vault at startup if set

	DefaultMode         string
	DefaultMaxBudget    float64
	DefaultMaxLatencyMs int

	ProviderTimeoutSecs int

	// Security & hardening.
	AdminToken     string   // required for /admin/v1 access in production
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int      // requests per second per IP
	RateLimitBurst int      // burst capacity per IP

	// OpenTelemetry tracing (opt-in).
	OTelEnabled     bool   // TOKENHUB_OTEL_ENABLED, default false
	OTelEndpoint    string // TOKENHUB_OTEL_ENDPOINT, default "localhost:4318"
	OTelServiceName string // TOKENHUB_OTEL_SERVICE_NAME, default "tokenhub"

	// Temporal workflow engine.
	TemporalEnabled   bool
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string

	// External credentials file (~/.netrc analogue for provider tokens).
	CredentialsFile string // TOKENHUB_CREDENTIALS_FILE, default ~/.tokenhub/credentials

	// Speculative cascade routing.
	CascadeEnabled       bool   // TOKENHUB_CASCADE_ENABLED, default true
	DefaultDraftProvider string // TOKENHUB_DEFAULT_DRAFT_PROVIDER
	DefaultDraftModel    string // TOKENHUB_DEFAULT_DRAFT_MODEL
	BudgetPolicy         string // TOKENHUB_BUDGET_POLICY: strict|graceful|tier_based

	// External usage metering (optional; disabled unless BaseURL+APIKey set).
	BillingReportingBaseURL string
	BillingReportingAPIKey  string
	BillingMerchantID       string
	BillingMetricID         string

	// Demo mode: unauthenticated requests are accepted under a sliding
	// per-client-IP quota instead of being rejected with 401.
	DemoMode          bool // TOKENHUB_DEMO_MODE, default false
	DemoMaxQueries    int  // TOKENHUB_DEMO_MAX_QUERIES, default 3
	DemoWindowSeconds int  // TOKENHUB_DEMO_WINDOW_SECONDS, default 86400

	// VirtualModels maps a client-facing virtual model name (e.g.
	// "cascadeflow-auto") onto the concrete model it resolves to.
	VirtualModels map[string]string // TOKENHUB_VIRTUAL_MODELS="<name>=<target>,...", overlaid on the defaults

	// Per-tier default budgets (USD) consulted by billing.Tracker for any
	// tenant without an explicit per-key budget. Zero means unlimited.
	FreeTierDailyBudgetUSD     float64 // TOKENHUB_FREE_TIER_DAILY_BUDGET_USD
	ProTierDailyBudgetUSD      float64 // TOKENHUB_PRO_TIER_DAILY_BUDGET_USD
	EnterpriseTierDailyBudget  float64 // TOKENHUB_ENTERPRISE_TIER_DAILY_BUDGET_USD

	// Server lifecycle settings. LoadConfig does not read these from the
	// environment; the zero values leave pricing refresh off, refresh every
	// hour when enabled, and drain in-flight requests for 30s on Close.
	PricingRefreshEnabled      bool
	PricingRefreshIntervalSecs int
	ShutdownDrainSecs          int
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("TOKENHUB_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("TOKENHUB_LOG_LEVEL", "info"),
		DBDSN:      getEnv("TOKENHUB_DB_DSN", "file:/data/tokenhub.sqlite"),
		VaultEnabled:  getEnvBool("TOKENHUB_VAULT_ENABLED", true),
		VaultPassword: getEnv("TOKENHUB_VAULT_PASSWORD", ""),

		DefaultMode: getEnv("TOKENHUB_DEFAULT_MODE", "normal"),
		DefaultMaxBudget: getEnvFloat("TOKENHUB_DEFAULT_MAX_BUDGET_USD", 0.05),
		DefaultMaxLatencyMs: getEnvInt("TOKENHUB_DEFAULT_MAX_LATENCY_MS", 20000),

		ProviderTimeoutSecs: getEnvInt("TOKENHUB_PROVIDER_TIMEOUT_SECS", 30),

		AdminToken:     getEnv("TOKENHUB_ADMIN_TOKEN", ""),
		CORSOrigins:    getEnvStringSlice("TOKENHUB_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("TOKENHUB_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("TOKENHUB_RATE_LIMIT_BURST", 120),

		OTelEnabled:     getEnvBool("TOKENHUB_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("TOKENHUB_OTEL_ENDPOINT", "localhost:4318"),
		OTelServiceName: getEnv("TOKENHUB_OTEL_SERVICE_NAME", "tokenhub"),

		TemporalEnabled:   getEnvBool("TOKENHUB_TEMPORAL_ENABLED", false),
		TemporalHostPort:  getEnv("TOKENHUB_TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: getEnv("TOKENHUB_TEMPORAL_NAMESPACE", "tokenhub"),
		TemporalTaskQueue: getEnv("TOKENHUB_TEMPORAL_TASK_QUEUE", "tokenhub-tasks"),

		CredentialsFile: getEnv("TOKENHUB_CREDENTIALS_FILE", defaultCredentialsPath()),

		CascadeEnabled:       getEnvBool("TOKENHUB_CASCADE_ENABLED", true),
		DefaultDraftProvider: getEnv("TOKENHUB_DEFAULT_DRAFT_PROVIDER", ""),
		DefaultDraftModel:    getEnv("TOKENHUB_DEFAULT_DRAFT_MODEL", ""),
		BudgetPolicy:         getEnv("TOKENHUB_BUDGET_POLICY", "graceful"),

		BillingReportingBaseURL: getEnv("TOKENHUB_BILLING_BASE_URL", ""),
		BillingReportingAPIKey:  getEnv("TOKENHUB_BILLING_API_KEY", ""),
		BillingMerchantID:       getEnv("TOKENHUB_BILLING_MERCHANT_ID", ""),
		BillingMetricID:         getEnv("TOKENHUB_BILLING_METRIC_ID", ""),

		DemoMode:          getEnvBool("TOKENHUB_DEMO_MODE", false),
		DemoMaxQueries:    getEnvInt("TOKENHUB_DEMO_MAX_QUERIES", 3),
		DemoWindowSeconds: getEnvInt("TOKENHUB_DEMO_WINDOW_SECONDS", 86400),
		VirtualModels:     getEnvVirtualModels("TOKENHUB_VIRTUAL_MODELS", defaultVirtualModels()),

		FreeTierDailyBudgetUSD:    getEnvFloat("TOKENHUB_FREE_TIER_DAILY_BUDGET_USD", 1.0),
		ProTierDailyBudgetUSD:     getEnvFloat("TOKENHUB_PRO_TIER_DAILY_BUDGET_USD", 25.0),
		EnterpriseTierDailyBudget: getEnvFloat("TOKENHUB_ENTERPRISE_TIER_DAILY_BUDGET_USD", 0),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("TOKENHUB_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("TOKENHUB_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.ProviderTimeoutSecs <= 0 {
		return fmt.Errorf("TOKENHUB_PROVIDER_TIMEOUT_SECS must be > 0, got %d", c.ProviderTimeoutSecs)
	}
	if c.DefaultMaxBudget < 0 {
		return fmt.Errorf("TOKENHUB_DEFAULT_MAX_BUDGET_USD must be >= 0, got %f", c.DefaultMaxBudget)
	}
	if c.DefaultMaxLatencyMs <= 0 {
		return fmt.Errorf("TOKENHUB_DEFAULT_MAX_LATENCY_MS must be > 0, got %d", c.DefaultMaxLatencyMs)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}

// defaultVirtualModels returns the reserved cascadeflow-* virtual model
// names and the concrete models they resolve to out of the box.
func defaultVirtualModels() map[string]string {
	return map[string]string{
		"cascadeflow":         "gpt-4o-mini",
		"cascadeflow-auto":    "gpt-4o-mini",
		"cascadeflow-fast":    "gpt-4o-mini",
		"cascadeflow-quality": "gpt-4o",
		"cascadeflow-cheap":   "gpt-4o-mini",
		"cascadeflow-cost":    "gpt-4o-mini",
	}
}

// getEnvVirtualModels parses "name=target,name2=target2" pairs, overlaying
// def rather than replacing it so an operator can add one virtual model
// without having to restate the whole reserved set.
func getEnvVirtualModels(key string, def map[string]string) map[string]string {
	result := make(map[string]string, len(def))
	for k, v := range def {
		result[k] = v
	}
	v := os.Getenv(key)
	if v == "" {
		return result
	}
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		target := strings.TrimSpace(parts[1])
		if name == "" || target == "" {
			continue
		}
		result[name] = target
	}
	return result
}

func defaultCredentialsPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".tokenhub", "credentials")
	}
	return ""
}
