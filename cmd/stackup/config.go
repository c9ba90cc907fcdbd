package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/artpar/stackup/internal/core/domain"
	"github.com/artpar/stackup/internal/core/secret"
	"github.com/artpar/stackup/internal/core/stackfile"
	"github.com/artpar/stackup/internal/shell/controlplane"
	"github.com/artpar/stackup/internal/shell/rollout"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all orchestration configuration.
type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	Cluster      ClusterConfig      `mapstructure:"cluster"`
	ControlPlane ControlPlaneConfig `mapstructure:"control_plane"`
	Readiness    ReadinessConfig    `mapstructure:"readiness"`
	Reconcile    ReconcileConfig    `mapstructure:"reconcile"`
	State        StateConfig        `mapstructure:"state"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	DNS          DNSConfig          `mapstructure:"dns"`
	Resources    ResourcesConfig    `mapstructure:"resources"`
	Units        []UnitConfig       `mapstructure:"units"`

	// Dir is the directory unit templates are resolved against.
	Dir string `mapstructure:"-"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ClusterConfig holds cluster-manager configuration.
type ClusterConfig struct {
	Host         string        `mapstructure:"host"`
	ApplyMode    string        `mapstructure:"apply_mode"` // api or file
	DockerBinary string        `mapstructure:"docker_binary"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// ControlPlaneConfig holds control-plane configuration.
type ControlPlaneConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	URL                string        `mapstructure:"url"`
	EndpointID         int           `mapstructure:"endpoint_id"`
	UsernameKey        string        `mapstructure:"username_key"`
	PasswordKey        string        `mapstructure:"password_key"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	Timeout            time.Duration `mapstructure:"timeout"`
	RetryMax           int           `mapstructure:"retry_max"`
}

// ReadinessConfig holds readiness-gate configuration.
type ReadinessConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	Interval       time.Duration `mapstructure:"interval"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	Strict         bool          `mapstructure:"strict"`
	MaxConcurrent  int           `mapstructure:"max_concurrent"`

	// InsecureSkipVerify accepts self-signed certificates on https probes.
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

// ReconcileConfig holds drain-wait configuration.
type ReconcileConfig struct {
	DrainAttempts int           `mapstructure:"drain_attempts"`
	DrainInterval time.Duration `mapstructure:"drain_interval"`
}

// StateConfig holds persistence configuration. An empty DSN keeps state in memory.
type StateConfig struct {
	DSN string `mapstructure:"dsn"`

	// SealKeyParam names the parameter holding the passphrase that seals
	// generated values in the store. Without it generated values last one run.
	SealKeyParam string `mapstructure:"seal_key_param"`
}

// MetricsConfig holds Pushgateway configuration.
type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
}

// DNSConfig holds the end-of-run DNS check configuration.
type DNSConfig struct {
	Check       bool     `mapstructure:"check"`
	ExpectedIPs []string `mapstructure:"expected_ips"`
}

// ResourcesConfig lists the cluster resources ensured around the units.
type ResourcesConfig struct {
	Networks []NetworkConfig `mapstructure:"networks"`
	Volumes  []VolumeConfig  `mapstructure:"volumes"`
	Secrets  []secret.Spec   `mapstructure:"secrets"`
}

// NetworkConfig describes an overlay network.
type NetworkConfig struct {
	Name       string            `mapstructure:"name"`
	Driver     string            `mapstructure:"driver"`
	Attachable bool              `mapstructure:"attachable"`
	Labels     map[string]string `mapstructure:"labels"`
}

// VolumeConfig describes a named volume.
type VolumeConfig struct {
	Name   string            `mapstructure:"name"`
	Driver string            `mapstructure:"driver"`
	Labels map[string]string `mapstructure:"labels"`
}

// UnitConfig describes one service unit.
type UnitConfig struct {
	Name         string       `mapstructure:"name"`
	Template     string       `mapstructure:"template"` // Relative to the config file
	DependsOn    []string     `mapstructure:"depends_on"`
	Networks     []string     `mapstructure:"networks"`
	Volumes      []string     `mapstructure:"volumes"`
	Secrets      []string     `mapstructure:"secrets"`
	Probe        *ProbeConfig `mapstructure:"probe"`
	Adopt        *bool        `mapstructure:"adopt"` // Defaults to true
	ControlPlane bool         `mapstructure:"control_plane"`
}

// ProbeConfig describes a readiness probe.
type ProbeConfig struct {
	Protocol     string `mapstructure:"protocol"`
	Endpoint     string `mapstructure:"endpoint"`
	ExpectStatus int    `mapstructure:"expect_status"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("cluster.host", "")
	v.SetDefault("cluster.apply_mode", "api")
	v.SetDefault("cluster.docker_binary", "docker")
	v.SetDefault("cluster.timeout", "30s")
	v.SetDefault("control_plane.enabled", false)
	v.SetDefault("control_plane.url", "")
	v.SetDefault("control_plane.endpoint_id", 0) // Lowest registered endpoint
	v.SetDefault("control_plane.username_key", "ADMIN_USERNAME")
	v.SetDefault("control_plane.password_key", "ADMIN_PASSWORD")
	v.SetDefault("control_plane.insecure_skip_verify", true) // Self-signed until ACME issues certificates
	v.SetDefault("control_plane.timeout", "30s")
	v.SetDefault("control_plane.retry_max", 3)
	v.SetDefault("readiness.timeout", "5m")
	v.SetDefault("readiness.interval", "5s")
	v.SetDefault("readiness.attempt_timeout", "5s")
	v.SetDefault("readiness.strict", false)
	v.SetDefault("readiness.max_concurrent", 0)
	v.SetDefault("readiness.insecure_skip_verify", true)
	v.SetDefault("reconcile.drain_attempts", 30)
	v.SetDefault("reconcile.drain_interval", "2s")
	v.SetDefault("state.dsn", "./stackup.db")
	v.SetDefault("state.seal_key_param", "STACKUP_SEAL_KEY")
	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.job", "stackup")
	v.SetDefault("dns.check", true)

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("STACKUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Dir = "."
	if configPath != "" {
		cfg.Dir = filepath.Dir(configPath)
	}

	switch cfg.Cluster.ApplyMode {
	case "api", "file":
	default:
		return nil, fmt.Errorf("cluster.apply_mode must be api or file, got %q", cfg.Cluster.ApplyMode)
	}
	if cfg.ControlPlane.Enabled && cfg.ControlPlane.URL == "" {
		return nil, errors.New("control_plane.url is required when the control plane is enabled")
	}

	return &cfg, nil
}

// LoadEnvironment reads a dotenv file into an immutable Environment. A
// missing file yields an empty Environment. Keys are upper-cased, since the
// env parser folds them to lower case. Process environment variables are
// never consulted.
func LoadEnvironment(path string) (domain.Environment, error) {
	if path == "" {
		return domain.NewEnvironment(nil), nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.NewEnvironment(nil), nil
		}
		return domain.Environment{}, fmt.Errorf("failed to read env file %s: %w", path, err)
	}

	values := make(map[string]string)
	for _, key := range v.AllKeys() {
		values[strings.ToUpper(key)] = v.GetString(key)
	}
	return domain.NewEnvironment(values), nil
}

// =============================================================================
// Plan Loading
// =============================================================================

// LoadPlan reads unit templates and resolves resources. The returned
// secrets carry the Environment extended with any generated values.
func LoadPlan(cfg *Config, env domain.Environment) (rollout.Plan, *secret.Resolved, error) {
	var plan rollout.Plan

	for _, uc := range cfg.Units {
		unit, err := loadUnit(cfg.Dir, uc, env)
		if err != nil {
			return plan, nil, err
		}
		plan.Units = append(plan.Units, unit)
	}

	for _, n := range cfg.Resources.Networks {
		r := domain.NetworkResource(n.Name, n.Driver, n.Attachable)
		r.Labels = n.Labels
		plan.Resources = append(plan.Resources, r)
	}
	for _, vc := range cfg.Resources.Volumes {
		r := domain.VolumeResource(vc.Name, vc.Driver)
		r.Labels = vc.Labels
		plan.Resources = append(plan.Resources, r)
	}

	resolved, err := secret.Resolve(cfg.Resources.Secrets, env)
	if err != nil {
		return plan, nil, err
	}
	plan.Resources = append(plan.Resources, resolved.Resources...)

	return plan, resolved, nil
}

func loadUnit(dir string, uc UnitConfig, env domain.Environment) (domain.ServiceUnit, error) {
	if uc.Template == "" {
		return domain.ServiceUnit{}, domain.NewConfigError("LoadUnit", uc.Name, "template path is required", nil)
	}
	path := uc.Template
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return domain.ServiceUnit{}, domain.NewConfigError("LoadUnit", uc.Name, "read template", err)
	}

	unit := domain.ServiceUnit{
		Name:         uc.Name,
		Source:       uc.Template,
		Template:     string(content),
		DependsOn:    uc.DependsOn,
		Networks:     uc.Networks,
		Volumes:      uc.Volumes,
		Secrets:      uc.Secrets,
		Adopt:        uc.Adopt == nil || *uc.Adopt,
		ControlPlane: uc.ControlPlane,
	}
	if uc.Probe != nil {
		endpoint, err := stackfile.Render(uc.Probe.Endpoint, env)
		if err != nil {
			return domain.ServiceUnit{}, domain.NewConfigError("LoadUnit", uc.Name, "probe endpoint", err)
		}
		unit.Probe = &domain.Probe{
			Protocol:     domain.ProbeProtocol(strings.ToLower(uc.Probe.Protocol)),
			Endpoint:     endpoint,
			ExpectStatus: uc.Probe.ExpectStatus,
		}
	}
	return unit, nil
}

// ExpandControlPlaneURL substitutes parameters in the control-plane URL,
// which usually derives from the same domain as the unit hostnames.
func (c *Config) ExpandControlPlaneURL(env domain.Environment) error {
	if !c.ControlPlane.Enabled {
		return nil
	}
	url, err := stackfile.Render(c.ControlPlane.URL, env)
	if err != nil {
		return domain.NewConfigError("ExpandControlPlaneURL", "", "control_plane.url", err)
	}
	c.ControlPlane.URL = url
	return nil
}

// Credentials reads control-plane credentials from the Environment.
func (c *Config) Credentials(env domain.Environment) (controlplane.Credentials, error) {
	creds := controlplane.Credentials{
		Username: env.Get(c.ControlPlane.UsernameKey),
		Password: env.Get(c.ControlPlane.PasswordKey),
	}
	if creds.Username == "" {
		creds.Username = "admin"
	}
	if c.ControlPlane.Enabled && creds.Password == "" {
		return creds, domain.NewConfigError("Credentials", "",
			fmt.Sprintf("parameter %s is not set", c.ControlPlane.PasswordKey), domain.ErrMissingVariable)
	}
	return creds, nil
}

// RunnerConfig maps the configuration onto the rollout runner.
func (c *Config) RunnerConfig(creds controlplane.Credentials) rollout.RunnerConfig {
	return rollout.RunnerConfig{
		Scheduler: rollout.SchedulerConfig{
			ReadinessTimeout:  c.Readiness.Timeout,
			ReadinessInterval: c.Readiness.Interval,
			Strict:            c.Readiness.Strict,
			MaxConcurrent:     c.Readiness.MaxConcurrent,
		},
		Reconciler: rollout.ReconcilerConfig{
			EndpointID:    c.ControlPlane.EndpointID,
			DrainAttempts: c.Reconcile.DrainAttempts,
			DrainInterval: c.Reconcile.DrainInterval,
		},
		Credentials:    creds,
		PushgatewayURL: c.Metrics.PushgatewayURL,
		MetricsJob:     c.Metrics.Job,
	}
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format. Logs go
// to w (stderr in main) so stdout carries only the summary.
func SetupLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
