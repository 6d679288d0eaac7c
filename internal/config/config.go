// Package config loads aegis's YAML configuration file, applies environment
// variable overrides, and validates the result before the process starts
// serving traffic.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the root of aegis's configuration tree.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	LLM        LLMConfig        `yaml:"llm"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	Queue      QueueConfig      `yaml:"queue"`
	Shadow     ShadowConfig     `yaml:"shadow"`
	Security   SecurityConfig   `yaml:"security"`
	Database   DatabaseConfig   `yaml:"database"`
	Slack      SlackConfig      `yaml:"slack"`
	Rollback   RollbackConfig   `yaml:"rollback"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds the HTTP port settings. cmd/aegis serves metrics,
// health and the approval webhook from one server bound to MetricsPort;
// WebhookPort is loaded and validated but not bound.
type ServerConfig struct {
	WebhookPort string `yaml:"webhook_port" validate:"omitempty,numeric"`
	MetricsPort string `yaml:"metrics_port" validate:"omitempty,numeric"`
}

// LLMConfig configures the agent pipeline's language-model backend.
type LLMConfig struct {
	Provider       string        `yaml:"provider"` // localai, anthropic, bedrock
	Endpoint       string        `yaml:"endpoint"`
	Model          string        `yaml:"model"`
	APIKey         string        `yaml:"api_key"`
	Region         string        `yaml:"region"`
	Timeout        time.Duration `yaml:"timeout"`
	RetryCount     int           `yaml:"retry_count"`
	Temperature    float32       `yaml:"temperature"`
	MaxTokens      int           `yaml:"max_tokens"`
	MaxContextSize int           `yaml:"max_context_size"`
}

// KubernetesConfig identifies the cluster context aegis operates against and
// which namespaces are considered production for locking purposes (spec.md
// §6 Cluster options).
type KubernetesConfig struct {
	InCluster            bool          `yaml:"in_cluster"`
	KubeconfigPath       string        `yaml:"kubeconfig_path"`
	Context              string        `yaml:"context"`
	Namespace            string        `yaml:"namespace"`
	APITimeout           time.Duration `yaml:"api_timeout"`
	ProductionNamespaces []string      `yaml:"production_namespaces"`
	DiagnosticTool       string        `yaml:"diagnostic_tool"`
}

// QueueConfig configures the incident queue's capacity and distributed lock.
type QueueConfig struct {
	MaxSize         int    `yaml:"max_size"`
	DistributedLock bool   `yaml:"distributed_lock"`
	RedisAddr       string `yaml:"redis_addr"`
}

// ShadowConfig configures the shadow-environment manager (spec.md §6 Shadow
// options).
type ShadowConfig struct {
	Runtime             string        `yaml:"runtime"` // namespace (only implemented; "virtual-cluster" reserved)
	MaxConcurrent       int           `yaml:"max_concurrent"`
	NamespacePrefix     string        `yaml:"namespace_prefix"`
	AutoCleanup         bool          `yaml:"auto_cleanup"`
	CleanupTimeout      time.Duration `yaml:"cleanup_timeout"`
	VerificationTimeout time.Duration `yaml:"verification_timeout"`
	CPURequest          string        `yaml:"cpu_request"`
	MemoryRequest       string        `yaml:"memory_request"`
	TTL                 time.Duration `yaml:"ttl"`
	TektonVerification  bool          `yaml:"tekton_verification"`
}

// SecurityConfig configures the security-gate scanner chain (spec.md §6
// Security options; §4.5 scanners).
type SecurityConfig struct {
	PolicyPath       string   `yaml:"policy_path"`
	FailOpenScanners []string `yaml:"fail_open_scanners"`

	ImageScanEnabled  bool   `yaml:"image_scan_enabled"`
	ImageScanTool     string `yaml:"image_scan_tool"`
	ImageScanSeverity string `yaml:"image_scan_severity"`

	RuntimeAlertsEnabled         bool   `yaml:"runtime_alerts_enabled"`
	RuntimeAlertsSeverity        string `yaml:"runtime_alerts_severity"`
	RuntimeAlertsSourceNamespace string `yaml:"runtime_alerts_source_namespace"`
	RuntimeAlertsSelector        string `yaml:"runtime_alerts_selector"`

	WebScanEnabled bool   `yaml:"web_scan_enabled"`
	WebScanTool    string `yaml:"web_scan_tool"`
	WebScanTarget  string `yaml:"web_scan_target"`

	ManifestScanEnabled         bool   `yaml:"manifest_scan_enabled"`
	ManifestScanTool            string `yaml:"manifest_scan_tool"`
	ManifestScanBlockOnCritical bool   `yaml:"manifest_scan_block_on_critical"`

	ScannerTimeout time.Duration `yaml:"scanner_timeout"`
}

// DatabaseConfig configures the Postgres audit trail.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// SlackConfig configures the approval-gate Slack notifier.
type SlackConfig struct {
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

// RollbackConfig configures the post-apply rollback watcher (spec.md §6
// Rollback options; §4.6).
type RollbackConfig struct {
	Enabled             bool          `yaml:"rollback_enabled"`
	WindowSeconds       int           `yaml:"rollback_window_seconds"`
	ErrorRateThreshold  float64       `yaml:"rollback_error_rate_threshold"`
	RestartThreshold    int           `yaml:"rollback_restart_threshold"`
	PollInterval        time.Duration `yaml:"rollback_poll_interval"`
}

// LoggingConfig configures the logrus root logger.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn warning error fatal panic"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// Load reads and parses the YAML file at path, applies environment overrides,
// fills in defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Kubernetes.Namespace == "" {
		cfg.Kubernetes.Namespace = "default"
	}
	if cfg.Queue.MaxSize == 0 {
		cfg.Queue.MaxSize = 1000
	}
	if cfg.Shadow.MaxConcurrent == 0 {
		cfg.Shadow.MaxConcurrent = 3
	}
	if cfg.Shadow.NamespacePrefix == "" {
		cfg.Shadow.NamespacePrefix = "aegis-shadow-"
	}
	if cfg.Shadow.TTL == 0 {
		cfg.Shadow.TTL = 15 * time.Minute
	}
	if cfg.Shadow.Runtime == "" {
		cfg.Shadow.Runtime = "namespace"
	}
	if cfg.Shadow.VerificationTimeout == 0 {
		cfg.Shadow.VerificationTimeout = 10 * time.Minute
	}
	if cfg.Shadow.CleanupTimeout == 0 {
		cfg.Shadow.CleanupTimeout = 2 * time.Minute
	}
	if cfg.Shadow.CPURequest == "" {
		cfg.Shadow.CPURequest = "500m"
	}
	if cfg.Shadow.MemoryRequest == "" {
		cfg.Shadow.MemoryRequest = "512Mi"
	}
	if cfg.Kubernetes.APITimeout == 0 {
		cfg.Kubernetes.APITimeout = 30 * time.Second
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 60 * time.Second
	}
	if cfg.LLM.RetryCount == 0 {
		// One automatic retry on a malformed or timed-out completion.
		cfg.LLM.RetryCount = 2
	}
	if cfg.Security.ImageScanSeverity == "" {
		cfg.Security.ImageScanSeverity = "CRITICAL,HIGH"
	}
	if cfg.Security.ScannerTimeout == 0 {
		cfg.Security.ScannerTimeout = 300 * time.Second
	}
	if cfg.Rollback.WindowSeconds == 0 {
		cfg.Rollback.WindowSeconds = 300
	}
	if cfg.Rollback.ErrorRateThreshold == 0 {
		cfg.Rollback.ErrorRateThreshold = 1.2
	}
	if cfg.Rollback.RestartThreshold == 0 {
		cfg.Rollback.RestartThreshold = 5
	}
	if cfg.Rollback.PollInterval == 0 {
		cfg.Rollback.PollInterval = 30 * time.Second
	}
}

var supportedLLMProviders = map[string]bool{
	"localai":   true,
	"anthropic": true,
	"bedrock":   true,
}

// structValidator checks the declarative `validate` tags (port formats,
// log-level vocabulary) after the hand-written cross-field rules below have
// run; the hand-written ones own their error wording, the tags catch the
// long tail of format typos.
var structValidator = validator.New()

func validate(cfg *Config) error {
	if !supportedLLMProviders[cfg.LLM.Provider] {
		return fmt.Errorf("unsupported LLM provider: %s", cfg.LLM.Provider)
	}

	if cfg.LLM.Endpoint == "" && cfg.LLM.Provider == "localai" {
		cfg.LLM.Endpoint = "http://localhost:8080"
	}

	if cfg.LLM.Model == "" && cfg.LLM.Provider == "localai" {
		return fmt.Errorf("LLM model is required for LocalAI provider")
	}

	if cfg.LLM.Temperature < 0.0 || cfg.LLM.Temperature > 1.0 {
		return fmt.Errorf("LLM temperature must be between 0.0 and 1.0")
	}

	if cfg.LLM.MaxTokens <= 0 {
		cfg.LLM.MaxTokens = 1024
	}

	if cfg.Kubernetes.Namespace == "" {
		return fmt.Errorf("Kubernetes namespace is required")
	}

	if cfg.Shadow.MaxConcurrent <= 0 {
		return fmt.Errorf("shadow max concurrent must be greater than 0")
	}

	if err := structValidator.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}

// Watch re-loads the file at path whenever it changes and hands the freshly
// validated Config to onReload, so non-identity fields (scanner toggles,
// thresholds, log level) can be adjusted without a restart. A reload that
// fails to parse or validate keeps the previous configuration in effect.
// The watch stops when ctx is cancelled.
func Watch(ctx context.Context, path string, logger *logrus.Logger, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	// Watch the directory, not the file: most editors and kubelet ConfigMap
	// mounts replace the file, which drops an inode-level watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
					continue
				}
				cfg, loadErr := Load(path)
				if loadErr != nil {
					logger.WithError(loadErr).Warn("config reload failed, keeping previous configuration")
					continue
				}
				logger.WithField("path", path).Info("configuration reloaded")
				onReload(cfg)
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(watchErr).Warn("config watcher error")
			}
		}
	}()

	return nil
}

func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("LLM_ENDPOINT"); v != "" {
		cfg.LLM.Endpoint = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("WEBHOOK_PORT"); v != "" {
		cfg.Server.WebhookPort = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		cfg.Server.MetricsPort = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("SLACK_TOKEN"); v != "" {
		cfg.Slack.Token = v
	}
	if v := os.Getenv("DISTRIBUTED_LOCK"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid DISTRIBUTED_LOCK value: %w", err)
		}
		cfg.Queue.DistributedLock = b
	}
	if v := os.Getenv("ROLLBACK_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid ROLLBACK_ENABLED value: %w", err)
		}
		cfg.Rollback.Enabled = b
	}
	if v := os.Getenv("KUBECONFIG"); v != "" {
		cfg.Kubernetes.KubeconfigPath = v
	}
	return nil
}
