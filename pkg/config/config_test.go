package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
global:
  log_level: info
server:
  listen: ":9090"
  cors_origins: ["http://localhost:3000"]
database:
  driver: sqlite
  sqlite:
    path: /tmp/dlt-test.db
artifacts:
  local:
    enabled: true
    dir: /srv/results
orchestrator:
  poll_interval: 30s
  max_completion_polls: 12
regions:
  us-east-1:
    driver: docker
    vcpu_limit: 16
    memory_per_task: 1g
  eu-west-1:
    driver: podman
    host: unix:///run/podman/podman.sock
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("DOCKER_HOST", "")

	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "/tmp/dlt-test.db", cfg.Database.SQLite.Path)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.PollInterval)
	assert.Equal(t, 12, cfg.Orchestrator.MaxCompletionPolls)

	// Defaults.
	assert.Equal(t, time.Minute, cfg.Orchestrator.ReadinessInterval)
	assert.Equal(t, 10, cfg.Orchestrator.MaxReadinessPolls)
	assert.Equal(t, 2, cfg.Orchestrator.MaxLaunchShortfalls)
	assert.Equal(t, 8, cfg.Artifacts.FetchConcurrency)

	require.Len(t, cfg.Regions, 2)

	east := cfg.Regions["us-east-1"]
	assert.Equal(t, DriverDocker, east.Driver)
	assert.Equal(t, 16.0, east.VCPULimit)
	assert.Equal(t, "1g", east.MemoryPerTask)
	assert.Equal(t, 1.0, east.CPUsPerTask)
	assert.Equal(t, 10, east.MaxTasksPerLaunch)
	assert.Equal(t, DefaultPullPolicy, east.PullPolicy)
	assert.Equal(t, "/srv/results", east.ResultsDir, "region results default to the local artifact dir")

	west := cfg.Regions["eu-west-1"]
	assert.Equal(t, DriverPodman, west.Driver)
	assert.Equal(t, "/srv/results", west.ResultsDir)
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	path := writeConfig(t, testConfig)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, "sqlite", cfg.Database.Driver)
			},
		},
		{
			name:    "string override - log_level",
			envVars: map[string]string{"DLT_GLOBAL_LOG_LEVEL": "debug"},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "override of key absent from file",
			envVars: map[string]string{
				"DLT_DATABASE_DRIVER":    "redis",
				"DLT_DATABASE_REDIS_URL": "redis://localhost:6379/0",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "redis", cfg.Database.Driver)
				assert.Equal(t, "redis://localhost:6379/0", cfg.Database.Redis.URL)
			},
		},
		{
			name:    "duration override",
			envVars: map[string]string{"DLT_ORCHESTRATOR_POLL_INTERVAL": "2m"},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 2*time.Minute, cfg.Orchestrator.PollInterval)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := Load(path)
			require.NoError(t, err)
			tt.validate(t, cfg)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "unknown database driver",
			mutate:  func(cfg *Config) { cfg.Database.Driver = "mysql" },
			wantErr: "unsupported database driver",
		},
		{
			name:    "redis without url",
			mutate:  func(cfg *Config) { cfg.Database.Driver = "redis" },
			wantErr: "database.redis.url is required",
		},
		{
			name: "both artifact backends",
			mutate: func(cfg *Config) {
				cfg.Artifacts.S3 = &S3Config{Enabled: true, Bucket: "b"}
			},
			wantErr: "only one of local or s3",
		},
		{
			name: "s3 without bucket",
			mutate: func(cfg *Config) {
				cfg.Artifacts.Local = nil
				cfg.Artifacts.S3 = &S3Config{Enabled: true}
			},
			wantErr: "s3.bucket is required",
		},
		{
			name: "unknown region driver",
			mutate: func(cfg *Config) {
				cfg.Regions["r1"] = RegionConfig{Driver: "ecs", PullPolicy: "always", CPUsPerTask: 1}
			},
			wantErr: "unsupported driver",
		},
		{
			name: "bad pull policy",
			mutate: func(cfg *Config) {
				cfg.Regions["r1"] = RegionConfig{Driver: DriverDocker, PullPolicy: "sometimes", CPUsPerTask: 1}
			},
			wantErr: "invalid pull_policy",
		},
		{
			name: "results dir outside local artifact dir",
			mutate: func(cfg *Config) {
				r := cfg.Regions["us-east-1"]
				r.ResultsDir = "/srv/eu-results"
				cfg.Regions["us-east-1"] = r
			},
			wantErr: "differs from artifacts.local.dir",
		},
		{
			name: "same results dir spelled differently",
			mutate: func(cfg *Config) {
				r := cfg.Regions["us-east-1"]
				r.ResultsDir = DefaultResultsDir + "/"
				cfg.Regions["us-east-1"] = r
			},
		},
		{
			name: "remote runtime without s3",
			mutate: func(cfg *Config) {
				r := cfg.Regions["us-east-1"]
				r.Host = "tcp://10.0.0.5:2376"
				cfg.Regions["us-east-1"] = r
			},
			wantErr: "requires artifacts.s3",
		},
		{
			name: "remote runtime with s3",
			mutate: func(cfg *Config) {
				r := cfg.Regions["us-east-1"]
				r.Host = "tcp://10.0.0.5:2376"
				r.ResultsDir = "/srv/eu-results"
				cfg.Regions["us-east-1"] = r
				cfg.Artifacts.Local = nil
				cfg.Artifacts.S3 = &S3Config{Enabled: true, Bucket: "results"}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DOCKER_HOST", "")

			cfg := &Config{Regions: map[string]RegionConfig{"us-east-1": {}}}
			cfg.ApplyDefaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRegionLocalRuntime(t *testing.T) {
	tests := []struct {
		name       string
		region     RegionConfig
		dockerHost string
		want       bool
	}{
		{name: "docker default socket", region: RegionConfig{Driver: DriverDocker}, want: true},
		{name: "docker from env", region: RegionConfig{Driver: DriverDocker}, dockerHost: "tcp://build:2375", want: false},
		{name: "docker tcp", region: RegionConfig{Driver: DriverDocker, Host: "tcp://10.0.0.5:2376"}, want: false},
		{name: "podman default socket", region: RegionConfig{Driver: DriverPodman}, dockerHost: "tcp://build:2375", want: true},
		{name: "podman unix", region: RegionConfig{Driver: DriverPodman, Host: "unix:///run/podman/podman.sock"}, want: true},
		{name: "podman ssh", region: RegionConfig{Driver: DriverPodman, Host: "ssh://core@10.0.0.7/run/podman/podman.sock"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DOCKER_HOST", tt.dockerHost)

			assert.Equal(t, tt.want, tt.region.LocalRuntime())
		})
	}
}
