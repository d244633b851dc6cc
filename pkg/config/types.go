package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML decodes either a duration string or a nanosecond integer.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw interface{}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(v)
	default:
		return fmt.Errorf("invalid duration value: %v", raw)
	}
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the top-level daemon configuration loaded from YAML.
type Config struct {
	// PlanPath is the declarative plan file driving convergence.
	PlanPath string `yaml:"plan" validate:"required"`

	// Store configures snapshot persistence.
	Store StoreConfig `yaml:"store"`

	// Loop configures the reconcile loop.
	Loop LoopConfig `yaml:"loop"`

	// Detection configures the capability detector.
	Detection DetectionConfig `yaml:"detection"`

	// Kube configures the cluster API and kubectl collaborators.
	Kube KubeConfig `yaml:"kube"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics configures the Prometheus exposition endpoint.
	Metrics MetricsConfig `yaml:"metrics"`
}

// StoreConfig configures the SQLite snapshot store.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path" validate:"required"`
}

// LoopConfig configures the reconcile loop.
type LoopConfig struct {
	// MaxParallel bounds the worker pool for a ready batch.
	MaxParallel int `yaml:"max_parallel" validate:"gte=0,lte=64"`

	// Debounce is the trigger coalescing window in daemon mode.
	Debounce Duration `yaml:"debounce"`

	// Interval is the periodic trigger interval in daemon mode.
	// Zero disables the timer trigger.
	Interval Duration `yaml:"interval"`
}

// DetectionConfig configures the capability detector.
type DetectionConfig struct {
	// TTL is the fact freshness window.
	TTL Duration `yaml:"ttl"`

	// Timeout bounds each detection source consultation.
	Timeout Duration `yaml:"timeout"`
}

// KubeConfig configures the cluster collaborators.
type KubeConfig struct {
	// APIServer is the cluster API base URL.
	APIServer string `yaml:"api_server" validate:"omitempty,url"`

	// TokenFile is the bearer token file for API reads.
	TokenFile string `yaml:"token_file"`

	// CAFile is the cluster CA bundle for API reads.
	CAFile string `yaml:"ca_file"`

	// KubectlPath is the kubectl binary used by the subprocess verifier.
	KubectlPath string `yaml:"kubectl_path"`

	// Context is the kubeconfig context passed to kubectl. Empty uses the
	// current context.
	Context string `yaml:"context"`

	// ManifestDir holds the per-step manifests the kubectl driver applies.
	ManifestDir string `yaml:"manifest_dir"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is the minimum log level.
	Level string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`

	// Format selects json or console output.
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled turns the exposition endpoint on.
	Enabled bool `yaml:"enabled"`

	// ListenAddr is the endpoint bind address.
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		PlanPath: "plan.yaml",
		Store:    StoreConfig{Path: "bootstrappo.db"},
		Loop: LoopConfig{
			MaxParallel: 4,
			Debounce:    Duration(500 * time.Millisecond),
			Interval:    Duration(5 * time.Minute),
		},
		Detection: DetectionConfig{
			TTL:     Duration(30 * time.Second),
			Timeout: Duration(10 * time.Second),
		},
		Kube: KubeConfig{
			KubectlPath: "kubectl",
			ManifestDir: "manifests",
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Metrics: MetricsConfig{Enabled: false, ListenAddr: ":9090"},
	}
}

// Load reads a configuration file, layers it over the defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration against its struct constraints.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}
