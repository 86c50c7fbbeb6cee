package config

import "time"

// Config holds all configuration for the proxy, covering the recognised
// options table of §6: keys, limits, adaptive, modelRouting, circuit and
// observability, plus the ambient server/logging sections carried over
// from the teacher's configuration surface.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Keys          KeysConfig          `yaml:"keys"`
	Limits        LimitsConfig        `yaml:"limits"`
	Adaptive      AdaptiveConfig      `yaml:"adaptive"`
	ModelRouting  ModelRoutingConfig  `yaml:"modelRouting"`
	Circuit       CircuitConfig       `yaml:"circuit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration, kept from the teacher's
// existing server surface.
type ServerConfig struct {
	Host            string              `yaml:"host"`
	Port            int                 `yaml:"port"`
	ReadTimeout     time.Duration       `yaml:"read_timeout"`
	WriteTimeout    time.Duration       `yaml:"write_timeout"`
	ShutdownTimeout time.Duration       `yaml:"shutdown_timeout"`
	RequestLimits   ServerRequestLimits `yaml:"request_limits"`
	RateLimits      ServerRateLimits    `yaml:"rate_limits"`

	// AdminToken gates the x-model-override header (§6 "Request override
	// header"). Empty disables the check entirely, admitting every override.
	AdminToken string `yaml:"admin_token"`
}

// ServerRequestLimits defines request size and validation limits
type ServerRequestLimits struct {
	MaxBodySize   int64 `yaml:"max_body_size"`
	MaxHeaderSize int64 `yaml:"max_header_size"`
}

// ServerRateLimits defines rate limiting configuration
type ServerRateLimits struct {
	GlobalRequestsPerMinute int           `yaml:"global_requests_per_minute"`
	PerIPRequestsPerMinute  int           `yaml:"per_ip_requests_per_minute"`
	BurstSize               int           `yaml:"burst_size"`
	HealthRequestsPerMinute int           `yaml:"health_requests_per_minute"`
	CleanupInterval         time.Duration `yaml:"cleanup_interval"`
	IPExtractionTrustProxy  bool          `yaml:"ip_extraction_trust_proxy"`
	TrustedProxyCIDRs       []string      `yaml:"trusted_proxy_cidrs"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Theme      string `yaml:"theme"`
	LogDir     string `yaml:"log_dir"`
	FileOutput bool   `yaml:"file_output"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

// KeysConfig is the keys section of §6: the credential pool and default
// upstream base URL.
type KeysConfig struct {
	Keys    []KeyEntry `yaml:"keys"`
	BaseURL string     `yaml:"baseUrl"`
}

// KeyEntry is one configured upstream credential.
type KeyEntry struct {
	Secret      string         `yaml:"secret"`
	Provider    string         `yaml:"provider"`
	StaticLimit map[string]int `yaml:"staticLimit"`
}

// LimitsConfig is the limits section of §6: retry budget and backoff shape.
type LimitsConfig struct {
	MaxRetries     int     `yaml:"maxRetries"`
	BaseBackoffMs  int64   `yaml:"baseBackoffMs"`
	MaxBackoffMs   int64   `yaml:"maxBackoffMs"`
	JitterRatio    float64 `yaml:"jitterRatio"`
	MaxJitterMs    int64   `yaml:"maxJitterMs"`
	QueueMaxWaitMs int64   `yaml:"queueMaxWaitMs"`
}

// AdaptiveConfig is the adaptive section of §6, consumed by the AIMD
// controller (C5).
type AdaptiveConfig struct {
	Mode                     string        `yaml:"mode"`
	TickIntervalMs           int64         `yaml:"tickIntervalMs"`
	DecreaseFactor           float64       `yaml:"decreaseFactor"`
	RecoveryDelayMs          int64         `yaml:"recoveryDelayMs"`
	MinWindow                int           `yaml:"minWindow"`
	GrowthMode               string        `yaml:"growthMode"`
	GrowthCleanTicks         int           `yaml:"growthCleanTicks"`
	MinHoldMs                int64         `yaml:"minHoldMs"`
	IdleTimeoutMs            int64         `yaml:"idleTimeoutMs"`
	IdleDecayStep            int           `yaml:"idleDecayStep"`
	QuotaRetryAfterMs        int64         `yaml:"quotaRetryAfterMs"`
	TreatUnknownAsCongestion bool          `yaml:"treatUnknownAsCongestion"`
	GlobalMaxConcurrency     int           `yaml:"globalMaxConcurrency"`
}

// ModelRoutingConfig is the modelRouting section of §6, consumed by the
// Model Router (C6).
type ModelRoutingConfig struct {
	Version                string                `yaml:"version"`
	Enabled                bool                  `yaml:"enabled"`
	Tiers                  map[string]TierConfig `yaml:"tiers"`
	Rules                  []RuleConfig          `yaml:"rules"`
	MaxModelSwitchesPerReq int                   `yaml:"failover.maxModelSwitchesPerRequest"`
	TransientOverflowRetry bool                  `yaml:"transientOverflowRetry.enabled"`
	LogDecisions           bool                  `yaml:"logDecisions"`
}

// TierConfig is one named routing tier.
type TierConfig struct {
	Models            []string       `yaml:"models"`
	Strategy          string         `yaml:"strategy"`
	ClientModelPolicy []string       `yaml:"clientModelPolicy"`
	FallbackModels    []string       `yaml:"fallbackModels"`
	ContextLength     map[string]int `yaml:"contextLength"`
	MaxConcurrency    map[string]int `yaml:"maxConcurrency"`
}

// RuleConfig is one routing-rule line.
type RuleConfig struct {
	ModelGlob string `yaml:"match"`
	Tier      string `yaml:"tier"`
}

// CircuitConfig is the circuit section of §6, consumed by the Circuit
// Breaker (C3).
type CircuitConfig struct {
	FailureThreshold int64 `yaml:"failureThreshold"`
	OpenDurationMs   int64 `yaml:"openDurationMs"`
	HalfOpenProbes   int   `yaml:"halfOpenProbes"`
}

// ObservabilityConfig is the observability section of §6.
type ObservabilityConfig struct {
	TraceCapacity       int  `yaml:"traceCapacity"`
	PayloadCacheCapacity int `yaml:"payloadCacheCapacity"`
	RedactBodies        bool `yaml:"redactBodies"`
}
