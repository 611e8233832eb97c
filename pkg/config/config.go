package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix of environment variable overrides, e.g.
	// DLT_GLOBAL_LOG_LEVEL overrides global.log_level.
	EnvPrefix = "DLT"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultResultsDir is the default directory for raw result artifacts.
	DefaultResultsDir = "./results"

	// DefaultPullPolicy is the default image pull policy.
	DefaultPullPolicy = "if-not-present"
)

// Config is the root configuration.
type Config struct {
	Global       GlobalConfig            `yaml:"global" mapstructure:"global"`
	Server       ServerConfig            `yaml:"server" mapstructure:"server"`
	Database     DatabaseConfig          `yaml:"database" mapstructure:"database"`
	Artifacts    ArtifactsConfig         `yaml:"artifacts" mapstructure:"artifacts"`
	Orchestrator OrchestratorConfig      `yaml:"orchestrator" mapstructure:"orchestrator"`
	Regions      map[string]RegionConfig `yaml:"regions" mapstructure:"regions"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// OrchestratorConfig tunes the run coordinator and region controllers.
type OrchestratorConfig struct {
	// PollInterval is the completion poll interval.
	PollInterval       time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	MaxCompletionPolls int           `yaml:"max_completion_polls" mapstructure:"max_completion_polls"`
	ReadinessInterval  time.Duration `yaml:"readiness_interval" mapstructure:"readiness_interval"`
	MaxReadinessPolls  int           `yaml:"max_readiness_polls" mapstructure:"max_readiness_polls"`
	// CancelCheckInterval is how often long waits re-read the persisted
	// cancellation flag.
	CancelCheckInterval time.Duration `yaml:"cancel_check_interval" mapstructure:"cancel_check_interval"`
	// LaunchRate is the number of Launch calls per second allowed per region.
	LaunchRate          float64             `yaml:"launch_rate" mapstructure:"launch_rate"`
	LaunchBurst         int                 `yaml:"launch_burst" mapstructure:"launch_burst"`
	MaxLaunchShortfalls int                 `yaml:"max_launch_shortfalls" mapstructure:"max_launch_shortfalls"`
	PlatformRetry       PlatformRetryConfig `yaml:"platform_retry" mapstructure:"platform_retry"`
}

// PlatformRetryConfig bounds retries of transient Describe/Stop failures.
type PlatformRetryConfig struct {
	Attempts uint          `yaml:"attempts" mapstructure:"attempts"`
	Delay    time.Duration `yaml:"delay" mapstructure:"delay"`
}

// RegionConfig describes the execution platform of one region.
type RegionConfig struct {
	Driver            string  `yaml:"driver" mapstructure:"driver"`
	Host              string  `yaml:"host,omitempty" mapstructure:"host"`
	Network           string  `yaml:"network,omitempty" mapstructure:"network"`
	PullPolicy        string  `yaml:"pull_policy,omitempty" mapstructure:"pull_policy"`
	MaxTasksPerLaunch int     `yaml:"max_tasks_per_launch" mapstructure:"max_tasks_per_launch"`
	VCPULimit         float64 `yaml:"vcpu_limit,omitempty" mapstructure:"vcpu_limit"`
	CPUsPerTask       float64 `yaml:"cpus_per_task" mapstructure:"cpus_per_task"`
	MemoryPerTask     string  `yaml:"memory_per_task,omitempty" mapstructure:"memory_per_task"`
	ResultsDir        string  `yaml:"results_dir,omitempty" mapstructure:"results_dir"`
	ScriptsDir        string  `yaml:"scripts_dir,omitempty" mapstructure:"scripts_dir"`
	StopBatchSize     int     `yaml:"stop_batch_size,omitempty" mapstructure:"stop_batch_size"`
}

// LocalRuntime reports whether the region's container runtime runs on this
// machine, i.e. it is reached over a unix socket or named pipe. An empty
// docker host falls back to DOCKER_HOST, as the docker client does.
func (r RegionConfig) LocalRuntime() bool {
	host := r.Host
	if host == "" && r.Driver != DriverPodman {
		host = os.Getenv("DOCKER_HOST")
	}

	return host == "" ||
		strings.HasPrefix(host, "unix://") ||
		strings.HasPrefix(host, "npipe://")
}

// Region driver names.
const (
	DriverDocker = "docker"
	DriverPodman = "podman"
)

// Load reads a configuration file and applies DLT_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setViperDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.ApplyDefaults()

	return &cfg, nil
}

// setViperDefaults registers scalar keys so that environment overrides work
// even when the key is absent from the file.
func setViperDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", "dlt.db")
	v.SetDefault("database.postgres.host", "")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "")
	v.SetDefault("database.postgres.ssl_mode", "disable")
	v.SetDefault("database.redis.url", "")
	v.SetDefault("database.redis.key_prefix", "dlt")
	v.SetDefault("artifacts.fetch_concurrency", 8)
	v.SetDefault("orchestrator.poll_interval", "60s")
	v.SetDefault("orchestrator.max_completion_polls", 30)
	v.SetDefault("orchestrator.readiness_interval", "60s")
	v.SetDefault("orchestrator.max_readiness_polls", 10)
	v.SetDefault("orchestrator.cancel_check_interval", "5s")
	v.SetDefault("orchestrator.launch_rate", 0.1)
	v.SetDefault("orchestrator.launch_burst", 1)
	v.SetDefault("orchestrator.max_launch_shortfalls", 2)
	v.SetDefault("orchestrator.platform_retry.attempts", 5)
	v.SetDefault("orchestrator.platform_retry.delay", "1s")
}

// ApplyDefaults fills unset values. Load calls it; callers building a Config
// by hand should too.
func (c *Config) ApplyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = "dlt.db"
	}

	if c.Database.Redis.KeyPrefix == "" {
		c.Database.Redis.KeyPrefix = "dlt"
	}

	if c.Artifacts.S3 == nil || !c.Artifacts.S3.Enabled {
		if c.Artifacts.Local == nil {
			c.Artifacts.Local = &LocalArtifactsConfig{Enabled: true}
		}

		if c.Artifacts.Local.Dir == "" {
			c.Artifacts.Local.Dir = DefaultResultsDir
		}
	}

	if c.Artifacts.FetchConcurrency <= 0 {
		c.Artifacts.FetchConcurrency = 8
	}

	c.Orchestrator.applyDefaults()

	for name, r := range c.Regions {
		if r.Driver == "" {
			r.Driver = DriverDocker
		}

		if r.PullPolicy == "" {
			r.PullPolicy = DefaultPullPolicy
		}

		if r.CPUsPerTask <= 0 {
			r.CPUsPerTask = 1
		}

		if r.MaxTasksPerLaunch <= 0 {
			r.MaxTasksPerLaunch = 10
		}

		if r.ResultsDir == "" {
			r.ResultsDir = DefaultResultsDir
			if c.Artifacts.Local != nil && c.Artifacts.Local.Dir != "" {
				r.ResultsDir = c.Artifacts.Local.Dir
			}
		}

		c.Regions[name] = r
	}
}

func (o *OrchestratorConfig) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Minute
	}

	if o.MaxCompletionPolls <= 0 {
		o.MaxCompletionPolls = 30
	}

	if o.ReadinessInterval <= 0 {
		o.ReadinessInterval = time.Minute
	}

	if o.MaxReadinessPolls <= 0 {
		o.MaxReadinessPolls = 10
	}

	if o.CancelCheckInterval <= 0 {
		o.CancelCheckInterval = 5 * time.Second
	}

	if o.LaunchRate <= 0 {
		o.LaunchRate = 0.1
	}

	if o.LaunchBurst <= 0 {
		o.LaunchBurst = 1
	}

	if o.MaxLaunchShortfalls <= 0 {
		o.MaxLaunchShortfalls = 2
	}

	if o.PlatformRetry.Attempts == 0 {
		o.PlatformRetry.Attempts = 5
	}

	if o.PlatformRetry.Delay <= 0 {
		o.PlatformRetry.Delay = time.Second
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" || c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.host and database.postgres.database are required")
		}
	case "redis":
		if c.Database.Redis.URL == "" {
			return fmt.Errorf("database.redis.url is required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if err := c.Artifacts.Validate(); err != nil {
		return fmt.Errorf("artifacts: %w", err)
	}

	for name, r := range c.Regions {
		switch r.Driver {
		case DriverDocker, DriverPodman:
		default:
			return fmt.Errorf("region %s: unsupported driver %q", name, r.Driver)
		}

		switch r.PullPolicy {
		case "always", "never", "if-not-present":
		default:
			return fmt.Errorf("region %s: invalid pull_policy %q", name, r.PullPolicy)
		}

		if r.CPUsPerTask <= 0 {
			return fmt.Errorf("region %s: cpus_per_task must be positive", name)
		}

		if err := c.validateResultsPath(r); err != nil {
			return fmt.Errorf("region %s: %w", name, err)
		}
	}

	return nil
}

// validateResultsPath checks that reports written by the region's tasks are
// readable by the artifact backend. Without S3, tasks must run on this
// machine and write into artifacts.local.dir.
func (c *Config) validateResultsPath(r RegionConfig) error {
	if c.Artifacts.S3 != nil && c.Artifacts.S3.Enabled {
		return nil
	}

	if !r.LocalRuntime() {
		return fmt.Errorf("remote runtime host %q requires artifacts.s3", r.Host)
	}

	if c.Artifacts.Local != nil &&
		filepath.Clean(r.ResultsDir) != filepath.Clean(c.Artifacts.Local.Dir) {
		return fmt.Errorf(
			"results_dir %q differs from artifacts.local.dir %q; use the same directory or enable artifacts.s3",
			r.ResultsDir, c.Artifacts.Local.Dir,
		)
	}

	return nil
}
