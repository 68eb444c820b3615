// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Target    TargetConfig    `mapstructure:"target" yaml:"target"`
	Daemon    DaemonConfig    `mapstructure:"daemon" yaml:"daemon"`
	Explorer  ExplorerConfig  `mapstructure:"explorer" yaml:"explorer"`
	Collector CollectorConfig `mapstructure:"collector" yaml:"collector"`
	Fixer     FixerConfig     `mapstructure:"fixer" yaml:"fixer"`
	Rollback  RollbackConfig  `mapstructure:"rollback" yaml:"rollback"`
	Learning  LearningConfig  `mapstructure:"learning" yaml:"learning"`
	Health    HealthConfig    `mapstructure:"health" yaml:"health"`
	Deploy    DeployConfig    `mapstructure:"deploy" yaml:"deploy"`
	Assistant AssistantConfig `mapstructure:"assistant" yaml:"assistant"`
	Tracker   TrackerConfig   `mapstructure:"tracker" yaml:"tracker"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// TargetConfig identifies the application under supervision.
type TargetConfig struct {
	// BaseURL is the root of the deployed application being exercised.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	// ProjectRoot is the local checkout of the application's repository.
	ProjectRoot string `mapstructure:"project_root" yaml:"project_root"`
	// Trunk is the branch that deploys are cut from.
	Trunk string `mapstructure:"trunk" yaml:"trunk"`
	// Remote is the git remote name used for push/merge operations.
	Remote string `mapstructure:"remote" yaml:"remote"`
	// ServerLog optionally points at the application's server log for
	// backend crash detection. Empty disables the log watcher.
	ServerLog string `mapstructure:"server_log" yaml:"server_log"`
}

// DaemonConfig tunes the cycle loop.
type DaemonConfig struct {
	Cooldown          time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	MaxCycles         int           `mapstructure:"max_cycles" yaml:"max_cycles"` // 0 means run until stopped
	MaxFixesPerCycle  int           `mapstructure:"max_fixes_per_cycle" yaml:"max_fixes_per_cycle"`
	PauseCheckEvery   time.Duration `mapstructure:"pause_check_every" yaml:"pause_check_every"`
	DryRun            bool          `mapstructure:"dry_run" yaml:"dry_run"`
	EscalateCriticals bool          `mapstructure:"escalate_criticals" yaml:"escalate_criticals"`
}

// ExplorerConfig holds settings for the headless browser sessions.
type ExplorerConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	Routes            []string      `mapstructure:"routes" yaml:"routes"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	PostLoadWait      time.Duration `mapstructure:"post_load_wait" yaml:"post_load_wait"`
	NavigationsPerSec float64       `mapstructure:"navigations_per_sec" yaml:"navigations_per_sec"`
	ScreenshotDir     string        `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
}

// CollectorConfig tunes error ingestion.
type CollectorConfig struct {
	// NoisePatterns are substrings of messages to drop before recording.
	NoisePatterns []string `mapstructure:"noise_patterns" yaml:"noise_patterns"`
	// MaxEvidence caps console/network evidence kept per captured error.
	MaxEvidence int `mapstructure:"max_evidence" yaml:"max_evidence"`
}

// FixerConfig governs the automatic fix pipeline.
type FixerConfig struct {
	MinConfidence    float64       `mapstructure:"min_confidence" yaml:"min_confidence"`
	MaxFixAttempts   int           `mapstructure:"max_fix_attempts" yaml:"max_fix_attempts"`
	MaxGateIters     int           `mapstructure:"max_gate_iterations" yaml:"max_gate_iterations"`
	TypecheckCommand string        `mapstructure:"typecheck_command" yaml:"typecheck_command"`
	TestCommand      string        `mapstructure:"test_command" yaml:"test_command"`
	BuildCommand     string        `mapstructure:"build_command" yaml:"build_command"`
	CheckTimeout     time.Duration `mapstructure:"check_timeout" yaml:"check_timeout"`
	AuthorName       string        `mapstructure:"author_name" yaml:"author_name"`
	AuthorEmail      string        `mapstructure:"author_email" yaml:"author_email"`
}

// RollbackConfig governs post-deploy supervision.
type RollbackConfig struct {
	MonitorWindow       time.Duration `mapstructure:"monitor_window" yaml:"monitor_window"`
	PollInterval        time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ErrorRateMultiplier float64       `mapstructure:"error_rate_multiplier" yaml:"error_rate_multiplier"`
	// BreakerThreshold rollbacks inside BreakerWindow pause automation.
	BreakerThreshold int           `mapstructure:"breaker_threshold" yaml:"breaker_threshold"`
	BreakerWindow    time.Duration `mapstructure:"breaker_window" yaml:"breaker_window"`
}

// LearningConfig tunes the pattern store.
type LearningConfig struct {
	MinSuggestRate    float64 `mapstructure:"min_suggest_rate" yaml:"min_suggest_rate"`
	PruneMaxAgeDays   int     `mapstructure:"prune_max_age_days" yaml:"prune_max_age_days"`
	PruneMinRate      float64 `mapstructure:"prune_min_rate" yaml:"prune_min_rate"`
	PruneMinUsages    int     `mapstructure:"prune_min_usages" yaml:"prune_min_usages"`
	KeepIfUsedAtLeast int     `mapstructure:"keep_if_used_at_least" yaml:"keep_if_used_at_least"`
}

// HealthConfig points at the health/metrics collaborator.
type HealthConfig struct {
	LivenessURL  string        `mapstructure:"liveness_url" yaml:"liveness_url"`
	ReadinessURL string        `mapstructure:"readiness_url" yaml:"readiness_url"`
	FrontendURL  string        `mapstructure:"frontend_url" yaml:"frontend_url"`
	MetricsURL   string        `mapstructure:"metrics_url" yaml:"metrics_url"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	MaxRetries   uint64        `mapstructure:"max_retries" yaml:"max_retries"`
}

// DeployConfig describes the single "deploy latest trunk" operation.
type DeployConfig struct {
	Command string        `mapstructure:"command" yaml:"command"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// AssistantConfig configures the AI coding-assistant collaborator.
type AssistantConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	Model     string        `mapstructure:"model" yaml:"model"`
	APIKey    string        `mapstructure:"api_key" yaml:"-"`
	Budget    time.Duration `mapstructure:"budget" yaml:"budget"`
	QueueFile string        `mapstructure:"queue_file" yaml:"queue_file"`
}

// TrackerConfig configures external issue creation for open critical bugs.
type TrackerConfig struct {
	Enabled   bool     `mapstructure:"enabled" yaml:"enabled"`
	Token     string   `mapstructure:"token" yaml:"-"`
	RepoOwner string   `mapstructure:"repo_owner" yaml:"repo_owner"`
	RepoName  string   `mapstructure:"repo_name" yaml:"repo_name"`
	Labels    []string `mapstructure:"labels" yaml:"labels"`
}

// StorageConfig locates the persisted JSON documents.
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "vigil")
	v.SetDefault("logger.log_file", "vigil.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Target --
	v.SetDefault("target.trunk", "main")
	v.SetDefault("target.remote", "origin")

	// -- Daemon --
	v.SetDefault("daemon.cooldown", "5m")
	v.SetDefault("daemon.max_cycles", 0)
	v.SetDefault("daemon.max_fixes_per_cycle", 3)
	v.SetDefault("daemon.pause_check_every", "1s")
	v.SetDefault("daemon.dry_run", false)
	v.SetDefault("daemon.escalate_criticals", true)

	// -- Explorer --
	v.SetDefault("explorer.headless", true)
	v.SetDefault("explorer.navigation_timeout", "90s")
	v.SetDefault("explorer.post_load_wait", "2s")
	v.SetDefault("explorer.navigations_per_sec", 1.0)
	v.SetDefault("explorer.ignore_tls_errors", false)

	// -- Collector --
	v.SetDefault("collector.max_evidence", 20)
	v.SetDefault("collector.noise_patterns", []string{
		"ResizeObserver loop",
		"favicon.ico",
		"Download the React DevTools",
		"third-party cookie",
	})

	// -- Fixer --
	v.SetDefault("fixer.min_confidence", 0.75)
	v.SetDefault("fixer.max_fix_attempts", 3)
	v.SetDefault("fixer.max_gate_iterations", 3)
	v.SetDefault("fixer.typecheck_command", "npx tsc --noEmit")
	v.SetDefault("fixer.test_command", "npm test -- --watchAll=false")
	v.SetDefault("fixer.build_command", "npm run build")
	v.SetDefault("fixer.check_timeout", "10m")
	v.SetDefault("fixer.author_name", "vigil-bot")
	v.SetDefault("fixer.author_email", "bot@vigil.dev")

	// -- Rollback --
	v.SetDefault("rollback.monitor_window", "10m")
	v.SetDefault("rollback.poll_interval", "30s")
	v.SetDefault("rollback.error_rate_multiplier", 1.5)
	v.SetDefault("rollback.breaker_threshold", 3)
	v.SetDefault("rollback.breaker_window", "1h")

	// -- Learning --
	v.SetDefault("learning.min_suggest_rate", 0.5)
	v.SetDefault("learning.prune_max_age_days", 30)
	v.SetDefault("learning.prune_min_rate", 0.3)
	v.SetDefault("learning.prune_min_usages", 3)
	v.SetDefault("learning.keep_if_used_at_least", 5)

	// -- Health --
	v.SetDefault("health.probe_timeout", "10s")
	v.SetDefault("health.max_retries", 2)

	// -- Deploy --
	v.SetDefault("deploy.timeout", "10m")

	// -- Assistant --
	v.SetDefault("assistant.enabled", false)
	v.SetDefault("assistant.model", "gemini-2.5-pro")
	v.SetDefault("assistant.budget", "15m")
	v.SetDefault("assistant.queue_file", "assistant-queue.json")

	// -- Tracker --
	v.SetDefault("tracker.enabled", false)
	v.SetDefault("tracker.labels", []string{"auto-detected"})

	// -- Storage --
	v.SetDefault("storage.data_dir", ".vigil")
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with defaults alone.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewFromViper creates a configuration instance from a viper object.
func NewFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	v.BindEnv("tracker.token", "VIGIL_TRACKER_TOKEN")
	v.BindEnv("assistant.api_key", "VIGIL_ASSISTANT_API_KEY")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Fall back to the raw environment if Unmarshal didn't pick these up.
	if cfg.Tracker.Enabled && cfg.Tracker.Token == "" {
		cfg.Tracker.Token = os.Getenv("VIGIL_TRACKER_TOKEN")
	}
	if cfg.Assistant.Enabled && cfg.Assistant.APIKey == "" {
		cfg.Assistant.APIKey = os.Getenv("VIGIL_ASSISTANT_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Target.BaseURL == "" {
		return fmt.Errorf("target.base_url is required")
	}
	if c.Target.ProjectRoot == "" {
		return fmt.Errorf("target.project_root is required")
	}
	if c.Target.Trunk == "" {
		return fmt.Errorf("target.trunk is required")
	}
	if err := c.Fixer.Validate(); err != nil {
		return fmt.Errorf("fixer configuration invalid: %w", err)
	}
	if err := c.Rollback.Validate(); err != nil {
		return fmt.Errorf("rollback configuration invalid: %w", err)
	}
	if c.Tracker.Enabled {
		if c.Tracker.RepoOwner == "" || c.Tracker.RepoName == "" {
			return fmt.Errorf("tracker.repo_owner and tracker.repo_name are required when the tracker is enabled")
		}
		if c.Tracker.Token == "" {
			return fmt.Errorf("tracker token not found; set VIGIL_TRACKER_TOKEN")
		}
	}
	if c.Assistant.Enabled && c.Assistant.APIKey == "" {
		return fmt.Errorf("assistant API key not found; set VIGIL_ASSISTANT_API_KEY")
	}
	return nil
}

// Validate checks the fixer settings.
func (f *FixerConfig) Validate() error {
	if f.MinConfidence < 0.0 || f.MinConfidence > 1.0 {
		return fmt.Errorf("min_confidence must be between 0.0 and 1.0")
	}
	if f.MaxFixAttempts <= 0 {
		return fmt.Errorf("max_fix_attempts must be a positive integer")
	}
	if f.MaxGateIters <= 0 {
		return fmt.Errorf("max_gate_iterations must be a positive integer")
	}
	return nil
}

// Validate checks the rollback settings.
func (r *RollbackConfig) Validate() error {
	if r.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be a positive duration")
	}
	if r.MonitorWindow < r.PollInterval {
		return fmt.Errorf("monitor_window must be at least one poll_interval")
	}
	if r.ErrorRateMultiplier <= 1.0 {
		return fmt.Errorf("error_rate_multiplier must be greater than 1.0")
	}
	if r.BreakerThreshold <= 0 {
		return fmt.Errorf("breaker_threshold must be a positive integer")
	}
	return nil
}
