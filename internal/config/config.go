package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	DefaultPort = 19841
	DefaultHost = "localhost"

	DefaultFileWriteDelay = 150 * time.Millisecond // Small delay to ensure file write is complete
)

var (
	lastReload  time.Time
	reloadMutex sync.Mutex
)

// DefaultConfig returns a configuration with sensible defaults for every
// §6 section. All durations are safe fallbacks should a deployed config
// omit a section entirely.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RequestLimits: ServerRequestLimits{
				MaxBodySize:   10 << 20, // 10MiB, generous for tool-call-heavy payloads
				MaxHeaderSize: 1 << 20,
			},
			RateLimits: ServerRateLimits{
				GlobalRequestsPerMinute: 6000,
				PerIPRequestsPerMinute:  600,
				BurstSize:               50,
				HealthRequestsPerMinute: 1200,
				CleanupInterval:         5 * time.Minute,
				TrustedProxyCIDRs: []string{
					"127.0.0.0/8",
					"10.0.0.0/8",
					"172.16.0.0/12",
					"192.168.0.0/16",
				},
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Theme:      "default",
			LogDir:     "./logs",
			FileOutput: true,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		},
		Keys: KeysConfig{
			BaseURL: "https://api.anthropic.com",
		},
		Limits: LimitsConfig{
			MaxRetries:     3,
			BaseBackoffMs:  250,
			MaxBackoffMs:   8000,
			JitterRatio:    0.2,
			MaxJitterMs:    2000,
			QueueMaxWaitMs: 5000,
		},
		Adaptive: AdaptiveConfig{
			Mode:                     "observe_only",
			TickIntervalMs:           1000,
			DecreaseFactor:           0.5,
			RecoveryDelayMs:          10000,
			MinWindow:                1,
			GrowthMode:               "fixed_ticks",
			GrowthCleanTicks:         3,
			MinHoldMs:                2000,
			IdleTimeoutMs:            60000,
			IdleDecayStep:            1,
			QuotaRetryAfterMs:        3000,
			TreatUnknownAsCongestion: false,
			GlobalMaxConcurrency:     0,
		},
		ModelRouting: ModelRoutingConfig{
			Version: "1",
			Enabled: false,
		},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			OpenDurationMs:   30000,
			HalfOpenProbes:   1,
		},
		Observability: ObservabilityConfig{
			TraceCapacity:        1000,
			PayloadCacheCapacity: 200,
			RedactBodies:         true,
		},
	}
}

// Load loads configuration from file and environment variables, grounded on
// the teacher's viper+fsnotify bootstrap (same config file search path,
// env-prefix binding and debounced reload callback).
func Load(onConfigChange func()) (*Config, error) {
	config := DefaultConfig()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("OLLA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if configFile := os.Getenv("OLLA_CONFIG_FILE"); configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	viper.WatchConfig()

	if onConfigChange != nil {
		viper.OnConfigChange(func(e fsnotify.Event) {
			reloadMutex.Lock()
			defer reloadMutex.Unlock()

			now := time.Now()
			if now.Sub(lastReload) < 500*time.Millisecond {
				return // Ignore miultiple rapid changes
			}
			lastReload = now

			// looks like on windows this event is triggered
			// before the file is fully written, not sure why
			time.Sleep(DefaultFileWriteDelay)
			onConfigChange()
		})
	}
	return config, nil
}
