package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/artifacts"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/config"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/coordinator"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/docker"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/metrics"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/platform"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/podman"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/region"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/store"
)

// loadConfig reads and validates --config. The config log level applies
// unless --log-level was given.
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if !rootCmd.PersistentFlags().Changed("log-level") {
		level, err := logrus.ParseLevel(cfg.Global.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid global.log_level %q: %w", cfg.Global.LogLevel, err)
		}

		log.SetLevel(level)
	}

	return cfg, nil
}

// stack holds every long-lived component built from a config.
type stack struct {
	cfg      *config.Config
	store    store.Store
	reader   artifacts.Reader
	managers map[string]docker.ContainerManager
	registry platform.Registry
	promReg  *prometheus.Registry
	coord    coordinator.Coordinator
}

func newStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) store.Store {
	if cfg.Driver == "redis" {
		return store.NewRedisStore(log, &cfg.Redis)
	}

	return store.NewGormStore(log, cfg)
}

// buildStack starts the store and the container runtimes and wires the
// coordinator. Callers must call close.
func buildStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	s := &stack{
		cfg:      cfg,
		managers: make(map[string]docker.ContainerManager, len(cfg.Regions)),
		registry: make(platform.Registry, len(cfg.Regions)),
		promReg:  prometheus.NewRegistry(),
	}

	s.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s.store = newStore(log, &cfg.Database)
	if err := s.store.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting store: %w", err)
	}

	reader, err := artifacts.NewReader(log, &cfg.Artifacts)
	if err != nil {
		s.close()

		return nil, fmt.Errorf("creating artifact reader: %w", err)
	}

	s.reader = reader

	if err := s.buildRegistry(ctx); err != nil {
		s.close()

		return nil, err
	}

	s.coord = coordinator.New(log, s.store, s.registry, s.reader, metrics.New(s.promReg), coordinator.Config{
		Region:           region.ConfigFrom(&cfg.Orchestrator),
		FetchConcurrency: cfg.Artifacts.FetchConcurrency,
	})

	return s, nil
}

func (s *stack) buildRegistry(ctx context.Context) error {
	var resultBucket string
	if s.cfg.Artifacts.S3 != nil && s.cfg.Artifacts.S3.Enabled {
		resultBucket = s.cfg.Artifacts.S3.Bucket
	}

	names := make([]string, 0, len(s.cfg.Regions))
	for name := range s.cfg.Regions {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		rc := s.cfg.Regions[name]

		mgr, err := newManager(rc)
		if err != nil {
			return fmt.Errorf("region %s: %w", name, err)
		}

		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("region %s: starting %s runtime: %w", name, rc.Driver, err)
		}

		s.managers[name] = mgr

		adapter, err := platform.NewContainerAdapter(log, mgr, platform.ContainerConfig{
			Region:            name,
			NetworkName:       rc.Network,
			PullPolicy:        rc.PullPolicy,
			MaxTasksPerLaunch: rc.MaxTasksPerLaunch,
			VCPULimit:         rc.VCPULimit,
			CPUsPerTask:       rc.CPUsPerTask,
			MemoryPerTask:     rc.MemoryPerTask,
			ResultsDir:        rc.ResultsDir,
			ScriptsDir:        rc.ScriptsDir,
			ResultBucket:      resultBucket,
			StopBatchSize:     rc.StopBatchSize,
			LocalRuntime:      rc.LocalRuntime(),
		})
		if err != nil {
			return fmt.Errorf("region %s: %w", name, err)
		}

		s.registry[name] = platform.WithRetry(log, adapter, platform.RetryConfig{
			Attempts: s.cfg.Orchestrator.PlatformRetry.Attempts,
			Delay:    s.cfg.Orchestrator.PlatformRetry.Delay,
		})

		log.WithFields(logrus.Fields{
			"region": name,
			"driver": rc.Driver,
		}).Debug("Region registered")
	}

	return nil
}

func newManager(rc config.RegionConfig) (docker.ContainerManager, error) {
	switch rc.Driver {
	case config.DriverPodman:
		return podman.NewManager(log, rc.Host)
	default:
		return docker.NewManager(log, docker.Options{Host: rc.Host})
	}
}

// close stops the coordinator, then the runtimes and the store.
func (s *stack) close() {
	if s.coord != nil {
		if err := s.coord.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop coordinator")
		}
	}

	for name, mgr := range s.managers {
		if err := mgr.Stop(); err != nil {
			log.WithError(err).WithField("region", name).Warn("Failed to stop container runtime")
		}
	}

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop store")
		}
	}
}
