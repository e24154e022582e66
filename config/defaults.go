// =============================================================================
// Spiralverse default configuration
// =============================================================================
package config

import (
	"time"

	"github.com/issdandavis/spiralverse-protocol/types"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Governance: DefaultGovernanceConfig(),
		Dispatch:   DefaultDispatchConfig(),
		Trust:      DefaultTrustConfig(),
		Flux:       DefaultFluxConfig(),
		Scheduler:  DefaultSchedulerConfig(),
		Store:      DefaultStoreConfig(),
		Journal:    DefaultJournalConfig(),
		Server:     DefaultServerConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
		Metrics:    DefaultMetricsConfig(),
	}
}

// DefaultTierTable returns the stock tier ladder. Deploy and above need a roundtable.
func DefaultTierTable() TierTable {
	return TierTable{
		ReadOnly:    TierPolicy{MinTrust: 0.0, MinSigners: 1, Label: "Read only"},
		Write:       TierPolicy{MinTrust: 0.25, MinSigners: 1, Label: "Write"},
		Execute:     TierPolicy{MinTrust: 0.5, MinSigners: 1, Label: "Execute"},
		Deploy:      TierPolicy{MinTrust: 0.6, MinSigners: 3, Label: "Deploy"},
		Admin:       TierPolicy{MinTrust: 0.75, MinSigners: 4, Label: "Admin"},
		Destructive: TierPolicy{MinTrust: 0.9, MinSigners: 5, Label: "Destructive"},
	}
}

// DefaultGovernanceConfig returns the default governance configuration.
func DefaultGovernanceConfig() GovernanceConfig {
	return GovernanceConfig{
		Tiers:                 DefaultTierTable(),
		DefaultSessionTimeout: 10 * time.Minute,
		SessionRetention:      time.Hour,
	}
}

// DefaultDispatchConfig returns the default dispatcher configuration.
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		Weights: ScoreWeights{
			Trust:       0.4,
			SuccessRate: 0.3,
			Capacity:    0.2,
			Recency:     0.1,
		},
		Priority: PriorityWeights{
			Critical: 4,
			High:     3,
			Medium:   2,
			Low:      1,
		},
		RecencyWindow:     5 * time.Minute,
		DefaultTimeout:    5 * time.Minute,
		MaxRetries:        3,
		MaxConcurrent:     3,
		MaxAssignAttempts: 10,
		AssignRate:        50,
		AssignBurst:       100,
	}
}

// DefaultTrustConfig returns the default trust configuration.
func DefaultTrustConfig() TrustConfig {
	return TrustConfig{
		HighThreshold:      0.75,
		MediumThreshold:    0.5,
		LowThreshold:       0.25,
		SuccessStep:        0.02,
		FailureStep:        0.05,
		SuccessAlpha:       0.1,
		InitialSuccessRate: 0.5,
	}
}

// DefaultFluxConfig returns the default flux model parameters.
func DefaultFluxConfig() FluxConfig {
	return FluxConfig{
		Alpha:        0.5,
		Beta:         0.1,
		Gamma:        0.05,
		DT:           0.1,
		DecayRate:    0.05,
		Thresholds:   types.DefaultDimensionThresholds(),
		ReviveNu:     0.1,
		ReviveTarget: 0.6,
		SuccessBoost: 0.05,
		FailureDecay: 0.1,
		DefaultSwarm: "default",
		MaxPads:      64,
		InitialNu:    0.8,
		SyncInterval: 5 * time.Second,
		StepInterval: time.Second,
	}
}

// DefaultSchedulerConfig returns the default sweep intervals.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		SessionSweepInterval: 5 * time.Second,
		TimeoutCheckInterval: 5 * time.Second,
		AssignInterval:       2 * time.Second,
		PurgeInterval:        time.Minute,
	}
}

// DefaultStoreConfig returns the default store configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Backend: "memory",
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			Password:     "",
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
			KeyPrefix:    "spiralverse",
		},
	}
}

// DefaultJournalConfig returns the default journal configuration.
func DefaultJournalConfig() JournalConfig {
	return JournalConfig{
		Enabled:         false,
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "spiralverse",
		Password:        "",
		Name:            "spiralverse-journal.db",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		Retention:       7 * 24 * time.Hour,
	}
}

// DefaultServerConfig returns the default operational listener configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":9091",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "spiralverse-fleetd",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig returns the default metrics configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "spiralverse",
	}
}
