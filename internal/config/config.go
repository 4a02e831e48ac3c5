// Package config loads runner settings from TOML or YAML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/agent-bench-runner/internal/restclient"
)

// ErrNoServiceAccount is returned when no service account matches the requested type.
var ErrNoServiceAccount = errors.New("no service account for service type")

// ServiceAPIKeyEnv supplies the API key of service accounts without one.
const ServiceAPIKeyEnv = "SERVICE_API_KEY"

// Config holds all application configuration
type Config struct {
	Runner          RunnerConfig        `toml:"runner" yaml:"runner"`
	Registry        EndpointConfig      `toml:"registry" yaml:"registry"`
	MiniBench       EndpointConfig      `toml:"minibench" yaml:"minibench"`
	Bench           BenchConfig         `toml:"bench" yaml:"bench"`
	ServiceAccounts []ServiceAccount    `toml:"service_accounts" yaml:"service_accounts"`
	Queue           QueueConfig         `toml:"queue" yaml:"queue"`
	Sync            SyncConfig          `toml:"sync" yaml:"sync"`
	Notifications   NotificationsConfig `toml:"notifications" yaml:"notifications"`
	Web             WebConfig           `toml:"web" yaml:"web"`
}

// RunnerConfig holds queue runner settings
type RunnerConfig struct {
	ID                 string `toml:"id" yaml:"id"`
	ServiceType        string `toml:"service_type" yaml:"service_type"`
	Token              string `toml:"token" yaml:"token"`
	SingleRun          bool   `toml:"single_run" yaml:"single_run"`
	PollInterval       int    `toml:"poll_interval" yaml:"poll_interval"`
	MaxConcurrentTasks int    `toml:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	Mini               bool   `toml:"mini" yaml:"mini"`
	WorkspaceRoot      string `toml:"workspace_root" yaml:"workspace_root"`
	OutputRoot         string `toml:"output_root" yaml:"output_root"`
	LogDir             string `toml:"log_dir" yaml:"log_dir"`
}

// EndpointConfig locates a registry server
type EndpointConfig struct {
	Host      string  `toml:"host" yaml:"host"`
	Port      int     `toml:"port" yaml:"port"`
	RootPath  string  `toml:"root_path" yaml:"root_path"`
	SSL       bool    `toml:"ssl" yaml:"ssl"`
	SSLVerify bool    `toml:"ssl_verify" yaml:"ssl_verify"`
	Token     string  `toml:"token" yaml:"token"`
	RateLimit float64 `toml:"rate_limit" yaml:"rate_limit"`
}

// Endpoint converts the settings for the REST client.
func (e EndpointConfig) Endpoint() restclient.Endpoint {
	return restclient.Endpoint{
		Host:      e.Host,
		Port:      e.Port,
		RootPath:  e.RootPath,
		SSL:       e.SSL,
		SSLVerify: e.SSLVerify,
		Token:     e.Token,
		RateLimit: e.RateLimit,
	}
}

// BenchConfig holds bundle and agent wait settings. Times are in seconds.
type BenchConfig struct {
	SoftDelete     bool `toml:"soft_delete" yaml:"soft_delete"`
	ResolutionWait int  `toml:"resolution_wait" yaml:"resolution_wait"`
	IsTest         bool `toml:"is_test" yaml:"is_test"`
	WaitInterval   int  `toml:"wait_interval" yaml:"wait_interval"`
	WaitTimeout    int  `toml:"wait_timeout" yaml:"wait_timeout"`
	RetryInterval  int  `toml:"retry_interval" yaml:"retry_interval"`
	MaxRetry       int  `toml:"max_retry" yaml:"max_retry"`
}

// ServiceAccount authenticates a runner against the registry
type ServiceAccount struct {
	ID     string `toml:"id" yaml:"id"`
	Type   string `toml:"type" yaml:"type"`
	APIKey string `toml:"api_key,omitempty" yaml:"api_key,omitempty"`
}

// Key returns the configured API key or the one from SERVICE_API_KEY.
func (s ServiceAccount) Key() string {
	if s.APIKey != "" {
		return s.APIKey
	}
	return os.Getenv(ServiceAPIKeyEnv)
}

// QueueConfig selects the job queue backend
type QueueConfig struct {
	Backend      string `toml:"backend" yaml:"backend"`
	DatabasePath string `toml:"database_path" yaml:"database_path"`
	RedisURL     string `toml:"redis_url" yaml:"redis_url"`
	RedisKey     string `toml:"redis_key" yaml:"redis_key"`
	SpoolDir     string `toml:"spool_dir" yaml:"spool_dir"`
}

// SyncConfig holds cross-registry sync settings
type SyncConfig struct {
	Schedule           string `toml:"schedule" yaml:"schedule"`
	StatusSyncInterval int    `toml:"status_sync_interval" yaml:"status_sync_interval"`
	// Timeout bounds a sync run in seconds; negative means no limit.
	Timeout int `toml:"timeout" yaml:"timeout"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop" yaml:"desktop"`
	SlackWebhook string `toml:"slack_webhook" yaml:"slack_webhook"`
}

// WebConfig holds status API settings
type WebConfig struct {
	Port int    `toml:"port" yaml:"port"`
	Host string `toml:"host" yaml:"host"`
}

// Queue backends.
const (
	BackendREST  = "rest"
	BackendLocal = "local"
	BackendRedis = "redis"
)

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".bench-runner")
	return &Config{
		Runner: RunnerConfig{
			PollInterval:       10,
			MaxConcurrentTasks: 1,
			WorkspaceRoot:      os.TempDir(),
			OutputRoot:         os.TempDir(),
			LogDir:             filepath.Join(base, "logs"),
		},
		Registry: EndpointConfig{
			Host: "127.0.0.1",
			Port: 8000,
		},
		MiniBench: EndpointConfig{
			Host: "127.0.0.1",
			Port: 8001,
		},
		Bench: BenchConfig{
			ResolutionWait: 30,
			WaitInterval:   5,
			WaitTimeout:    300,
			RetryInterval:  10,
			MaxRetry:       3,
		},
		Queue: QueueConfig{
			Backend:      BackendREST,
			DatabasePath: filepath.Join(base, "bench.db"),
			RedisURL:     "redis://127.0.0.1:6379",
			RedisKey:     "bench:jobs",
			SpoolDir:     filepath.Join(base, "spool"),
		},
		Sync: SyncConfig{
			Schedule:           "@every 10s",
			StatusSyncInterval: 10,
			Timeout:            3600,
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML or YAML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = toml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Expand paths
	cfg.Runner.WorkspaceRoot = ExpandPath(cfg.Runner.WorkspaceRoot)
	cfg.Runner.OutputRoot = ExpandPath(cfg.Runner.OutputRoot)
	cfg.Runner.LogDir = ExpandPath(cfg.Runner.LogDir)
	cfg.Queue.DatabasePath = ExpandPath(cfg.Queue.DatabasePath)
	cfg.Queue.SpoolDir = ExpandPath(cfg.Queue.SpoolDir)

	return cfg, nil
}

// Save writes the configuration as TOML.
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ServiceAccountFor returns the first service account of the given type.
func (c *Config) ServiceAccountFor(serviceType string) (ServiceAccount, error) {
	for _, sa := range c.ServiceAccounts {
		if sa.Type == serviceType {
			return sa, nil
		}
	}
	return ServiceAccount{}, fmt.Errorf("%w: %q", ErrNoServiceAccount, serviceType)
}

// PollEvery returns the runner poll interval.
func (r RunnerConfig) PollEvery() time.Duration {
	return seconds(r.PollInterval, 10)
}

// StatusSyncEvery returns the interval between status syncs.
func (s SyncConfig) StatusSyncEvery() time.Duration {
	return seconds(s.StatusSyncInterval, 10)
}

// TimeoutDuration returns the overall sync timeout, or 0 for none.
func (s SyncConfig) TimeoutDuration() time.Duration {
	if s.Timeout < 0 {
		return 0
	}
	return seconds(s.Timeout, 3600)
}

func seconds(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "bench-runner", "config.toml")
}

// LocalConfigName is the per-project config file looked up from the working directory.
const LocalConfigName = ".bench-runner.toml"

// FindLocalConfig searches the working directory and its parents for
// LocalConfigName. It returns "" when there is none.
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadWithLocalFallback loads path when set, otherwise a local config
// found by FindLocalConfig, otherwise the file at DefaultConfigPath.
func LoadWithLocalFallback(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}
