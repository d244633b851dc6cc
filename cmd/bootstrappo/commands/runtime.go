package commands

import (
	"context"
	"fmt"

	"github.com/bootstrappo/bootstrappo/pkg/config"
	"github.com/bootstrappo/bootstrappo/pkg/engine"
	"github.com/bootstrappo/bootstrappo/pkg/kube"
	"github.com/bootstrappo/bootstrappo/pkg/stores"
	"github.com/bootstrappo/bootstrappo/pkg/telemetry"
)

// runtime bundles the wired convergence stack for one command invocation.
type runtime struct {
	cfg   *config.Config
	tel   *telemetry.Telemetry
	store *stores.SQLiteStore
	plans *config.FilePlanSource
	api   *kube.APIClient
	loop  *engine.ReconcileLoop
}

// loadConfig reads the configured file or falls back to defaults.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.DefaultConfig(), nil
}

// newTelemetry maps the daemon configuration onto the telemetry stack.
func newTelemetry(cfg *config.Config) (*telemetry.Telemetry, error) {
	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = appVersion
	tcfg.Logging.Level = cfg.Logging.Level
	tcfg.Logging.Format = cfg.Logging.Format
	if verbose {
		tcfg.Logging.Level = "debug"
	}
	// Tracing stays off for CLI invocations; span noise on stdout drowns
	// the operator-facing output.
	tcfg.Tracing.Enabled = false
	tcfg.Metrics.Enabled = cfg.Metrics.Enabled
	tcfg.Metrics.ListenAddress = cfg.Metrics.ListenAddr

	return telemetry.NewTelemetry(tcfg)
}

// buildRuntime wires the full stack: config, telemetry, store, cluster
// collaborators, and the reconcile loop. Callers own Close.
func buildRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	if cfg.Kube.APIServer == "" {
		return nil, fmt.Errorf("kube.api_server is required to converge")
	}

	tel, err := newTelemetry(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	plans := config.NewFilePlanSource(cfg.PlanPath)
	steps, err := plans.LoadPlan(ctx)
	if err != nil {
		store.Close()
		return nil, err
	}
	probes := kube.ProbesFromSteps(steps)

	kubectlCfg := kube.KubectlConfig{
		Path:    cfg.Kube.KubectlPath,
		Context: cfg.Kube.Context,
		Probes:  probes,
		Logger:  tel.Logger,
	}
	verifier := kube.NewKubectlVerifier(kubectlCfg)
	targets := kube.NewKubectlTargetSource(kubectlCfg)

	api, err := kube.NewAPIClient(kube.ClientConfig{
		BaseURL:   cfg.Kube.APIServer,
		TokenFile: cfg.Kube.TokenFile,
		CAFile:    cfg.Kube.CAFile,
		Timeout:   cfg.Detection.Timeout.Std(),
		Probes:    probes,
		Logger:    tel.Logger,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("initialize cluster api client: %w", err)
	}

	driver := kube.NewKubectlDriver(kube.DriverConfig{
		Kubectl:     kubectlCfg,
		ManifestDir: cfg.Kube.ManifestDir,
		Logger:      tel.Logger,
	})
	registry := engine.NewDriverRegistry()
	if err := registry.Register(kube.DefaultTargetDriver, driver); err != nil {
		store.Close()
		return nil, err
	}

	executor := engine.NewExecutor(registry, engine.ExecutorOptions{
		Logger:  tel.Logger,
		Metrics: tel.Metrics,
	})
	detector := engine.NewCapabilityDetector(api, verifier, engine.DetectorOptions{
		TTL:     cfg.Detection.TTL.Std(),
		Timeout: cfg.Detection.Timeout.Std(),
		Logger:  tel.Logger,
		Metrics: tel.Metrics,
	})
	rotation := engine.NewRotationEngine(executor, store, engine.RotationOptions{
		Logger:  tel.Logger,
		Metrics: tel.Metrics,
	})

	loop := engine.NewReconcileLoop(plans, targets, detector, executor, rotation, store, engine.ReconcileOptions{
		MaxParallel: cfg.Loop.MaxParallel,
		Debounce:    cfg.Loop.Debounce.Std(),
		Logger:      tel.Logger,
		Metrics:     tel.Metrics,
		Events:      tel.Events,
	})

	return &runtime{
		cfg:   cfg,
		tel:   tel,
		store: store,
		plans: plans,
		api:   api,
		loop:  loop,
	}, nil
}

// openStore initializes and migrates the snapshot store.
func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate state store: %w", err)
	}
	return store, nil
}

// Close releases the runtime's resources.
func (rt *runtime) Close(ctx context.Context) {
	if rt.store != nil {
		rt.store.Close()
	}
	if rt.tel != nil {
		rt.tel.Shutdown(ctx)
	}
}
