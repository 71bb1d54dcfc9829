package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
)

const (
	SigningBackendLocal  = "local"
	SigningBackendRemote = "remote"

	EvidenceStoreDB    = "db"
	EvidenceStoreRedis = "redis"

	// MinStateTTL is the shortest idle period after which a client's rate window may be dropped.
	MinStateTTL = 5 * time.Minute
)

// ConfigurationError reports an invalid setting. It is fatal at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// Config captures runtime configuration sourced from environment variables.
type Config struct {
	Environment    string
	HTTPPort       string
	DatabasePath   string
	LogDir         string
	Debug          bool
	TrustedProxies []string
	APITokenHash   string
	Admission      AdmissionConfig
	Evidence       EvidenceConfig
}

// AdmissionConfig holds the thresholds and whitelist used by the admission engine.
type AdmissionConfig struct {
	RateLimitPerMinute int
	BurstLimit         int
	ShadowMode         bool
	Whitelist          []netip.Prefix
	StateTTL           time.Duration
	CleanupInterval    time.Duration
}

// RetryConfig describes the evidence retry backoff.
type RetryConfig struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int // 0 retries indefinitely
}

// EvidenceConfig configures the evidence pipeline and its signing backend. The key at
// SigningKeyPath is created on first use; an empty path selects an ephemeral key.
type EvidenceConfig struct {
	SigningBackend   string
	SigningKeyPath   string
	AuthorityURL     string
	AuthoritySecret  string
	AuthorityEnabled bool
	QueueCapacity    int
	Retry            RetryConfig
	Timeout          time.Duration
	Store            string
	RedisAddr        string
	AlertURL         string
}

// Load reads env vars and falls back to defaults so the server can boot with zero configuration.
func Load() (Config, error) {
	var p parser
	cfg := Config{
		Environment:    getEnv("CERBERUS_ENV", "development"),
		HTTPPort:       getEnv("CERBERUS_HTTP_PORT", "8080"),
		DatabasePath:   getEnv("CERBERUS_DB_PATH", filepath.Join("data", "cerberus.db")),
		LogDir:         getEnv("CERBERUS_LOG_DIR", filepath.Join("data", "logs")),
		Debug:          p.bool("CERBERUS_DEBUG", false),
		TrustedProxies: splitList(getEnv("CERBERUS_TRUSTED_PROXIES", "")),
		APITokenHash:   getEnv("CERBERUS_API_TOKEN_HASH", ""),
		Admission: AdmissionConfig{
			RateLimitPerMinute: p.int("CERBERUS_RATE_LIMIT_PER_MINUTE", 100),
			BurstLimit:         p.int("CERBERUS_BURST_LIMIT", 20),
			ShadowMode:         p.bool("CERBERUS_SHADOW_MODE", false),
			StateTTL:           p.duration("CERBERUS_RATE_STATE_TTL", MinStateTTL),
			CleanupInterval:    p.duration("CERBERUS_CLEANUP_INTERVAL", time.Minute),
		},
		Evidence: EvidenceConfig{
			SigningBackend:   strings.ToLower(getEnv("CERBERUS_SIGNING_BACKEND", SigningBackendLocal)),
			SigningKeyPath:   getEnv("CERBERUS_SIGNING_KEY_PATH", filepath.Join("data", "keys", "signing.pem")),
			AuthorityURL:     getEnv("CERBERUS_AUTHORITY_URL", ""),
			AuthoritySecret:  getEnv("CERBERUS_AUTHORITY_SECRET", ""),
			AuthorityEnabled: p.bool("CERBERUS_AUTHORITY_ENABLED", false),
			QueueCapacity:    p.int("CERBERUS_EVIDENCE_QUEUE_CAPACITY", 1024),
			Retry: RetryConfig{
				Base:        p.duration("CERBERUS_RETRY_BASE", time.Second),
				Cap:         p.duration("CERBERUS_RETRY_CAP", time.Minute),
				MaxAttempts: p.int("CERBERUS_RETRY_MAX_ATTEMPTS", 0),
			},
			Timeout:   p.duration("CERBERUS_EVIDENCE_TIMEOUT", 5*time.Second),
			Store:     strings.ToLower(getEnv("CERBERUS_EVIDENCE_STORE", EvidenceStoreDB)),
			RedisAddr: getEnv("CERBERUS_REDIS_ADDR", "localhost:6379"),
			AlertURL:  getEnv("CERBERUS_ALERT_URL", ""),
		},
	}
	if p.err != nil {
		return Config{}, p.err
	}

	whitelist, err := ParseWhitelist(splitList(getEnv("CERBERUS_WHITELIST", "")))
	if err != nil {
		return Config{}, err
	}
	cfg.Admission.Whitelist = whitelist

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks thresholds and backend selections.
func (c Config) Validate() error {
	a := c.Admission
	if a.RateLimitPerMinute <= 0 {
		return &ConfigurationError{Field: "rate_limit_per_minute", Reason: "must be greater than 0"}
	}
	if a.BurstLimit <= 0 {
		return &ConfigurationError{Field: "burst_limit", Reason: "must be greater than 0"}
	}
	if a.StateTTL < MinStateTTL {
		return &ConfigurationError{Field: "rate_state_ttl", Reason: fmt.Sprintf("must be at least %s", MinStateTTL)}
	}
	if a.CleanupInterval <= 0 {
		return &ConfigurationError{Field: "cleanup_interval", Reason: "must be greater than 0"}
	}

	e := c.Evidence
	switch e.SigningBackend {
	case SigningBackendLocal:
	case SigningBackendRemote:
		if e.AuthorityURL == "" {
			return &ConfigurationError{Field: "authority_url", Reason: "required for the remote signing backend"}
		}
	default:
		return &ConfigurationError{Field: "signing_backend", Reason: fmt.Sprintf("unknown backend %q", e.SigningBackend)}
	}
	if e.AuthorityEnabled && e.AuthoritySecret == "" {
		return &ConfigurationError{Field: "authority_secret", Reason: "required when authority endpoints are enabled"}
	}
	if e.QueueCapacity <= 0 {
		return &ConfigurationError{Field: "evidence_queue_capacity", Reason: "must be greater than 0"}
	}
	if e.Retry.Base <= 0 || e.Retry.Cap < e.Retry.Base {
		return &ConfigurationError{Field: "retry_backoff", Reason: "base must be positive and cap must not be below base"}
	}
	if e.Retry.MaxAttempts < 0 {
		return &ConfigurationError{Field: "retry_backoff.max_attempts", Reason: "must not be negative"}
	}
	if e.Timeout <= 0 {
		return &ConfigurationError{Field: "evidence_timeout", Reason: "must be greater than 0"}
	}
	if e.Store != EvidenceStoreDB && e.Store != EvidenceStoreRedis {
		return &ConfigurationError{Field: "evidence_store", Reason: fmt.Sprintf("unknown store %q", e.Store)}
	}
	return nil
}

// ParseWhitelist converts CIDRs or exact addresses into prefixes. Exact addresses become
// single-host prefixes.
func ParseWhitelist(entries []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, entry := range entries {
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, &ConfigurationError{Field: "whitelist", Reason: fmt.Sprintf("malformed CIDR %q", entry)}
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, &ConfigurationError{Field: "whitelist", Reason: fmt.Sprintf("malformed address %q", entry)}
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func splitList(raw string) []string {
	parts := lo.Map(strings.Split(raw, ","), func(s string, _ int) string { return strings.TrimSpace(s) })
	return lo.Compact(parts)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return fallback
}

// parser accumulates the first conversion failure so Load can report it once.
type parser struct {
	err error
}

func (p *parser) int(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil && p.err == nil {
		p.err = &ConfigurationError{Field: key, Reason: "must be an integer"}
	}
	return v
}

func (p *parser) bool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil && p.err == nil {
		p.err = &ConfigurationError{Field: key, Reason: "must be a boolean"}
	}
	return v
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil && p.err == nil {
		p.err = &ConfigurationError{Field: key, Reason: "must be a duration such as 30s or 5m"}
	}
	return v
}
