package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigRelPath = ".rerunner/config.yaml"
	defaultDBRelPath     = ".rerunner/rerunner.db"
)

type ProviderConfig struct {
	BaseURL            string `yaml:"base_url"`
	Organization       string `yaml:"organization"`
	ArtifactName       string `yaml:"artifact_name"`
	ReportEntry        string `yaml:"report_entry"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

type ClientConfig struct {
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	CacheCapacity  int           `yaml:"cache_capacity"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
	RateLimit      int           `yaml:"rate_limit"`
	RateWindow     time.Duration `yaml:"rate_window"`
	Retries        int           `yaml:"retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	Timeout        time.Duration `yaml:"timeout"`
}

type SecretConfig struct {
	Key string `yaml:"key"`
}

type RunnerConfig struct {
	RepoPath     string   `yaml:"repo_path"`
	Command      []string `yaml:"command"`
	BatchWorkers int      `yaml:"batch_workers"`
	StagingDir   string   `yaml:"staging_dir"`
}

type ServerConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Provider ProviderConfig `yaml:"provider"`
	Client   ClientConfig   `yaml:"client"`
	Secret   SecretConfig   `yaml:"secret"`
	Runner   RunnerConfig   `yaml:"runner"`
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Log      LogConfig      `yaml:"log"`
}

// Load loads YAML config, then applies env overrides.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		configPath = filepath.Join(home, defaultConfigRelPath)
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.SetDefaults()
	return cfg, nil
}

func (c *Config) SetDefaults() {
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = "https://dev.azure.com"
	}
	if c.Provider.ArtifactName == "" {
		c.Provider.ArtifactName = "junit-xml"
	}
	if c.Provider.ReportEntry == "" {
		c.Provider.ReportEntry = "junit-xml/junit-results.xml"
	}
	if c.Client.CacheTTL == 0 {
		c.Client.CacheTTL = 5 * time.Minute
	}
	if c.Client.CacheCapacity == 0 {
		c.Client.CacheCapacity = 200
	}
	if c.Client.MaxConcurrent == 0 {
		c.Client.MaxConcurrent = 5
	}
	if c.Client.RateLimit == 0 {
		c.Client.RateLimit = 100
	}
	if c.Client.RateWindow == 0 {
		c.Client.RateWindow = time.Minute
	}
	if c.Client.Retries == 0 {
		c.Client.Retries = 3
	}
	if c.Client.RetryBaseDelay == 0 {
		c.Client.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.Client.Timeout == 0 {
		c.Client.Timeout = 120 * time.Second
	}
	if len(c.Runner.Command) == 0 {
		c.Runner.Command = []string{"npx", "playwright", "test"}
	}
	if c.Runner.BatchWorkers == 0 {
		c.Runner.BatchWorkers = 4
	}
	if c.Runner.StagingDir == "" {
		c.Runner.StagingDir = "./ExtractedReport"
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 4000
	}
	if c.Server.CORSOrigin == "" {
		c.Server.CORSOrigin = "*"
	}
	if c.Store.Path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Store.Path = filepath.Join(home, defaultDBRelPath)
		} else {
			c.Store.Path = "rerunner.db"
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Provider.Organization) == "" {
		return errors.New("provider.organization cannot be empty")
	}
	if len(c.Secret.Key) != 32 {
		return fmt.Errorf("secret.key must be 32 bytes, got %d", len(c.Secret.Key))
	}
	if c.Client.MaxConcurrent < 1 {
		return errors.New("client.max_concurrent must be at least 1")
	}
	if c.Client.CacheCapacity < 1 {
		return errors.New("client.cache_capacity must be at least 1")
	}
	if c.Client.Retries < 0 {
		return errors.New("client.retries cannot be negative")
	}
	if strings.TrimSpace(c.Runner.StagingDir) == "" {
		return errors.New("runner.staging_dir cannot be empty")
	}
	return nil
}

// ValidateServe enforces requirements for commands that invoke the test runner.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Runner.RepoPath) == "" {
		return errors.New("runner.repo_path cannot be empty")
	}
	info, err := os.Stat(c.Runner.RepoPath)
	if err != nil {
		return fmt.Errorf("runner.repo_path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("runner.repo_path %s is not a directory", c.Runner.RepoPath)
	}
	if c.Runner.BatchWorkers < 1 {
		return errors.New("runner.batch_workers must be at least 1")
	}
	return nil
}

// Addr returns the listen address of the HTTP server.
func (c *Config) Addr() string {
	return c.Server.Host + ":" + strconv.Itoa(c.Server.Port)
}

func applyEnvOverrides(c *Config) {
	setString(&c.Provider.BaseURL, "RERUNNER_PROVIDER_BASE_URL")
	setString(&c.Provider.Organization, "RERUNNER_PROVIDER_ORGANIZATION")
	setString(&c.Provider.ArtifactName, "RERUNNER_PROVIDER_ARTIFACT_NAME")
	setBool(&c.Provider.InsecureSkipVerify, "RERUNNER_PROVIDER_INSECURE_SKIP_VERIFY")
	setDuration(&c.Client.CacheTTL, "RERUNNER_CLIENT_CACHE_TTL")
	setInt(&c.Client.MaxConcurrent, "RERUNNER_CLIENT_MAX_CONCURRENT")
	setInt(&c.Client.RateLimit, "RERUNNER_CLIENT_RATE_LIMIT")
	setInt(&c.Client.Retries, "RERUNNER_CLIENT_RETRIES")
	setString(&c.Secret.Key, "RERUNNER_SECRET_KEY")
	setString(&c.Runner.RepoPath, "RERUNNER_RUNNER_REPO_PATH")
	setInt(&c.Runner.BatchWorkers, "RERUNNER_RUNNER_BATCH_WORKERS")
	setString(&c.Runner.StagingDir, "RERUNNER_RUNNER_STAGING_DIR")
	setString(&c.Server.Host, "RERUNNER_SERVER_HOST")
	setInt(&c.Server.Port, "RERUNNER_SERVER_PORT")
	setString(&c.Store.Path, "RERUNNER_STORE_PATH")
	setString(&c.Log.Level, "RERUNNER_LOG_LEVEL")
	setString(&c.Log.Format, "RERUNNER_LOG_FORMAT")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
