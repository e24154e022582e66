// =============================================================================
// Spiralverse configuration loader
// =============================================================================
// YAML file plus environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("fleet.yaml").
//	    WithEnvPrefix("SPIRALVERSE").
//	    Load()
//
// Precedence: defaults → YAML file → environment
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/issdandavis/spiralverse-protocol/types"
)

// =============================================================================
// Core configuration
// =============================================================================

// Config is the complete engine configuration.
type Config struct {
	Governance GovernanceConfig `yaml:"governance" env:"GOVERNANCE"`
	Dispatch   DispatchConfig   `yaml:"dispatch" env:"DISPATCH"`
	Trust      TrustConfig      `yaml:"trust" env:"TRUST"`
	Flux       FluxConfig       `yaml:"flux" env:"FLUX"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" env:"SCHEDULER"`
	Store      StoreConfig      `yaml:"store" env:"STORE"`
	Journal    JournalConfig    `yaml:"journal" env:"JOURNAL"`
	Server     ServerConfig     `yaml:"server" env:"SERVER"`
	Log        LogConfig        `yaml:"log" env:"LOG"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" env:"TELEMETRY"`
	Metrics    MetricsConfig    `yaml:"metrics" env:"METRICS"`
}

// TierPolicy is one row of the governance tier table.
type TierPolicy struct {
	// Minimum normalised trust score a task at this tier requires by default.
	MinTrust float64 `yaml:"min_trust" env:"MIN_TRUST"`
	// Minimum number of roundtable signers. Values above 1 gate the tier behind approval.
	MinSigners int `yaml:"min_signers" env:"MIN_SIGNERS"`
	// Human readable label.
	Label string `yaml:"label" env:"LABEL"`
}

// TierTable holds a policy for every governance tier.
type TierTable struct {
	ReadOnly    TierPolicy `yaml:"read_only" env:"READ_ONLY"`
	Write       TierPolicy `yaml:"write" env:"WRITE"`
	Execute     TierPolicy `yaml:"execute" env:"EXECUTE"`
	Deploy      TierPolicy `yaml:"deploy" env:"DEPLOY"`
	Admin       TierPolicy `yaml:"admin" env:"ADMIN"`
	Destructive TierPolicy `yaml:"destructive" env:"DESTRUCTIVE"`
}

// Policy returns the row for tier. Unknown tiers get the destructive row.
func (t TierTable) Policy(tier types.Tier) TierPolicy {
	switch tier {
	case types.TierReadOnly:
		return t.ReadOnly
	case types.TierWrite:
		return t.Write
	case types.TierExecute:
		return t.Execute
	case types.TierDeploy:
		return t.Deploy
	case types.TierAdmin:
		return t.Admin
	default:
		return t.Destructive
	}
}

// GovernanceConfig configures the roundtable engine.
type GovernanceConfig struct {
	Tiers TierTable `yaml:"tiers" env:"TIERS"`
	// Session lifetime when the caller does not give one.
	DefaultSessionTimeout time.Duration `yaml:"default_session_timeout" env:"DEFAULT_SESSION_TIMEOUT"`
	// Resolved sessions older than this are purged.
	SessionRetention time.Duration `yaml:"session_retention" env:"SESSION_RETENTION"`
}

// ScoreWeights weights the candidate scoring terms.
type ScoreWeights struct {
	Trust       float64 `yaml:"trust" env:"TRUST"`
	SuccessRate float64 `yaml:"success_rate" env:"SUCCESS_RATE"`
	Capacity    float64 `yaml:"capacity" env:"CAPACITY"`
	Recency     float64 `yaml:"recency" env:"RECENCY"`
}

// PriorityWeights orders the pending queue.
type PriorityWeights struct {
	Critical float64 `yaml:"critical" env:"CRITICAL"`
	High     float64 `yaml:"high" env:"HIGH"`
	Medium   float64 `yaml:"medium" env:"MEDIUM"`
	Low      float64 `yaml:"low" env:"LOW"`
}

// Weight returns the weight for p.
func (w PriorityWeights) Weight(p types.Priority) float64 {
	switch p {
	case types.PriorityCritical:
		return w.Critical
	case types.PriorityHigh:
		return w.High
	case types.PriorityMedium:
		return w.Medium
	default:
		return w.Low
	}
}

// DispatchConfig configures the task dispatcher.
type DispatchConfig struct {
	Weights  ScoreWeights    `yaml:"weights" env:"WEIGHTS"`
	Priority PriorityWeights `yaml:"priority" env:"PRIORITY"`
	// Activity older than this earns no recency bonus.
	RecencyWindow time.Duration `yaml:"recency_window" env:"RECENCY_WINDOW"`
	// Running budget for tasks created without a timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
	// Retry ceiling for tasks created without one.
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// Concurrency ceiling for agents registered without one.
	MaxConcurrent int `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	// Sweep attempts that found no candidate before a pending task fails.
	MaxAssignAttempts int `yaml:"max_assign_attempts" env:"MAX_ASSIGN_ATTEMPTS"`
	// Assignment sweep token bucket.
	AssignRate  float64 `yaml:"assign_rate" env:"ASSIGN_RATE"`
	AssignBurst int     `yaml:"assign_burst" env:"ASSIGN_BURST"`
}

// TrustConfig configures trust classification and feedback.
type TrustConfig struct {
	// Lower mean-score bounds for each classification. Below Low is critical.
	HighThreshold   float64 `yaml:"high_threshold" env:"HIGH_THRESHOLD"`
	MediumThreshold float64 `yaml:"medium_threshold" env:"MEDIUM_THRESHOLD"`
	LowThreshold    float64 `yaml:"low_threshold" env:"LOW_THRESHOLD"`
	// Per-facet nudge on a successful completion.
	SuccessStep float64 `yaml:"success_step" env:"SUCCESS_STEP"`
	// Per-facet decay on a failed completion.
	FailureStep float64 `yaml:"failure_step" env:"FAILURE_STEP"`
	// Smoothing weight of the rolling success rate.
	SuccessAlpha       float64 `yaml:"success_alpha" env:"SUCCESS_ALPHA"`
	InitialSuccessRate float64 `yaml:"initial_success_rate" env:"INITIAL_SUCCESS_RATE"`
}

// FluxConfig configures the swarm flux model.
type FluxConfig struct {
	Alpha     float64 `yaml:"alpha" env:"ALPHA"`
	Beta      float64 `yaml:"beta" env:"BETA"`
	Gamma     float64 `yaml:"gamma" env:"GAMMA"`
	DT        float64 `yaml:"dt" env:"DT"`
	DecayRate float64 `yaml:"decay_rate" env:"DECAY_RATE"`

	Thresholds types.DimensionThresholds `yaml:"thresholds" env:"THRESHOLDS"`

	ReviveNu     float64 `yaml:"revive_nu" env:"REVIVE_NU"`
	ReviveTarget float64 `yaml:"revive_target" env:"REVIVE_TARGET"`
	SuccessBoost float64 `yaml:"success_boost" env:"SUCCESS_BOOST"`
	FailureDecay float64 `yaml:"failure_decay" env:"FAILURE_DECAY"`

	// Default swarm and pad settings.
	DefaultSwarm string  `yaml:"default_swarm" env:"DEFAULT_SWARM"`
	MaxPads      int     `yaml:"max_pads" env:"MAX_PADS"`
	InitialNu    float64 `yaml:"initial_nu" env:"INITIAL_NU"`

	SyncInterval time.Duration `yaml:"sync_interval" env:"SYNC_INTERVAL"`
	StepInterval time.Duration `yaml:"step_interval" env:"STEP_INTERVAL"`
}

// SchedulerConfig sets the periodic sweep intervals.
type SchedulerConfig struct {
	SessionSweepInterval time.Duration `yaml:"session_sweep_interval" env:"SESSION_SWEEP_INTERVAL"`
	TimeoutCheckInterval time.Duration `yaml:"timeout_check_interval" env:"TIMEOUT_CHECK_INTERVAL"`
	AssignInterval       time.Duration `yaml:"assign_interval" env:"ASSIGN_INTERVAL"`
	PurgeInterval        time.Duration `yaml:"purge_interval" env:"PURGE_INTERVAL"`
}

// StoreConfig selects the repository backend.
type StoreConfig struct {
	// Backend: memory, redis
	Backend string      `yaml:"backend" env:"BACKEND"`
	Redis   RedisConfig `yaml:"redis" env:"REDIS"`
}

// RedisConfig configures the Redis repository backend.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	KeyPrefix    string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// JournalConfig configures the audit journal database.
type JournalConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Driver: sqlite, postgres, mysql
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// Events older than Retention are pruned. Zero keeps everything.
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
}

// ServerConfig configures the daemon's operational HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LogConfig configures zap.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig configures the Prometheus collector.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// =============================================================================
// Loader
// =============================================================================

// Loader builds a Config from its sources.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the SPIRALVERSE env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "SPIRALVERSE",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a validator run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load loads the configuration.
// Precedence: defaults → YAML file → environment
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// missing file: keep defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv walks struct fields recursively following env tags.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// comma separated string slices
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// MustLoad loads the configuration and panics on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).WithValidator((*Config).Validate).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads defaults overridden by the environment only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []string

	for _, tier := range types.AllTiers() {
		p := c.Governance.Tiers.Policy(tier)
		if p.MinTrust < 0 || p.MinTrust > 1 {
			errs = append(errs, fmt.Sprintf("governance.tiers.%s.min_trust must be within [0,1]", tier))
		}
		if p.MinSigners < 1 {
			errs = append(errs, fmt.Sprintf("governance.tiers.%s.min_signers must be at least 1", tier))
		}
	}
	if c.Governance.DefaultSessionTimeout <= 0 {
		errs = append(errs, "governance.default_session_timeout must be positive")
	}

	w := c.Dispatch.Weights
	if w.Trust < 0 || w.SuccessRate < 0 || w.Capacity < 0 || w.Recency < 0 {
		errs = append(errs, "dispatch.weights must be non-negative")
	}
	if c.Dispatch.MaxRetries < 0 {
		errs = append(errs, "dispatch.max_retries must not be negative")
	}
	if c.Dispatch.MaxConcurrent < 1 {
		errs = append(errs, "dispatch.max_concurrent must be at least 1")
	}
	if c.Dispatch.MaxAssignAttempts < 1 {
		errs = append(errs, "dispatch.max_assign_attempts must be at least 1")
	}
	if c.Dispatch.DefaultTimeout <= 0 {
		errs = append(errs, "dispatch.default_timeout must be positive")
	}

	tc := c.Trust
	if !(tc.HighThreshold <= 1 && tc.HighThreshold > tc.MediumThreshold &&
		tc.MediumThreshold > tc.LowThreshold && tc.LowThreshold > 0) {
		errs = append(errs, "trust thresholds must satisfy 1 >= high > medium > low > 0")
	}
	if tc.SuccessAlpha <= 0 || tc.SuccessAlpha > 1 {
		errs = append(errs, "trust.success_alpha must be within (0,1]")
	}

	if c.Flux.DT <= 0 {
		errs = append(errs, "flux.dt must be positive")
	}
	if err := c.Flux.Thresholds.Validate(); err != nil {
		errs = append(errs, "flux."+err.Error())
	}
	if c.Flux.ReviveNu <= 0 || c.Flux.ReviveNu > 1 {
		errs = append(errs, "flux.revive_nu must be within (0,1]")
	}
	if c.Flux.MaxPads < 1 {
		errs = append(errs, "flux.max_pads must be at least 1")
	}

	intervals := map[string]time.Duration{
		"flux.sync_interval":               c.Flux.SyncInterval,
		"flux.step_interval":               c.Flux.StepInterval,
		"scheduler.session_sweep_interval": c.Scheduler.SessionSweepInterval,
		"scheduler.timeout_check_interval": c.Scheduler.TimeoutCheckInterval,
		"scheduler.assign_interval":        c.Scheduler.AssignInterval,
		"scheduler.purge_interval":         c.Scheduler.PurgeInterval,
	}
	for _, name := range sortedKeys(intervals) {
		if intervals[name] <= 0 {
			errs = append(errs, name+" must be positive")
		}
	}

	switch c.Store.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("store.backend %q is not supported", c.Store.Backend))
	}

	if c.Journal.Enabled {
		switch c.Journal.Driver {
		case "sqlite", "postgres", "mysql":
		default:
			errs = append(errs, fmt.Sprintf("journal.driver %q is not supported", c.Journal.Driver))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func sortedKeys(m map[string]time.Duration) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DSN returns the journal connection string.
func (d *JournalConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
