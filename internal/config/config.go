// Package config handles loading and validating codebot configuration.
// Values come from defaults, an optional global config file, an optional
// project codebot.yaml, a .env file and environment variables, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/marcus/codebot/internal/logging"
)

// Defaults.
const (
	DefaultWorkers          = 1
	DefaultQueueSize        = 100
	DefaultRetentionSeconds = 86400
	DefaultReaperInterval   = 5 * time.Minute
	DefaultWorkspaceDir     = "./codebot_workspace"
	DefaultPort             = 5000
	DefaultAgentBinary      = "claude"
	DefaultAgentTimeout     = 30 * time.Minute
	DefaultPushRetryDelay   = 5 * time.Second
	DefaultDBPath           = "~/.local/share/codebot/codebot.db"
	DefaultAuditDir         = "~/.local/share/codebot/audit"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultLogPath          = "~/.local/share/codebot/logs"

	// ProjectFile is looked up in the working directory.
	ProjectFile = "codebot.yaml"
)

// Validation errors.
var (
	ErrInvalidConfig        = errors.New("invalid configuration")
	ErrInvalidLogLevel      = errors.New("log.level must be debug, info, warn or error")
	ErrInvalidLogFormat     = errors.New("log.format must be json or text")
	ErrInvalidInterval      = errors.New("reaper_interval must be positive")
	ErrMissingGitHubToken   = errors.New("GITHUB_TOKEN is required")
	ErrMissingWebhookSecret = errors.New("GITHUB_WEBHOOK_SECRET is required")
	ErrNoAPIKeys            = errors.New("at least one API key is required to serve the task API")
)

// Config holds all codebot configuration.
type Config struct {
	Workers          int           `mapstructure:"workers" validate:"min=1,max=10"`
	QueueSize        int           `mapstructure:"queue_size" validate:"min=1"`
	RetentionSeconds int           `mapstructure:"retention_seconds" validate:"min=0"`
	ReaperInterval   time.Duration `mapstructure:"reaper_interval"`
	WorkspaceDir     string        `mapstructure:"workspace_dir" validate:"required"`
	GitHubToken      string        `mapstructure:"github_token"`
	WebhookSecret    string        `mapstructure:"webhook_secret"`
	APIKeys          []string      `mapstructure:"api_keys"`
	Port             int           `mapstructure:"port" validate:"min=1,max=65535"`
	PushRetryDelay   time.Duration `mapstructure:"push_retry_delay" validate:"min=0"`
	DBPath           string        `mapstructure:"db_path"`
	AuditDir         string        `mapstructure:"audit_dir"`
	Agent            AgentConfig   `mapstructure:"agent"`
	Log              LogConfig     `mapstructure:"log"`
}

// AgentConfig configures the code-modification agent.
type AgentConfig struct {
	Binary  string        `mapstructure:"binary" validate:"required"`
	Timeout time.Duration `mapstructure:"timeout" validate:"min=0"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Path   string `mapstructure:"path"`
}

// Retention returns the task retention window.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionSeconds) * time.Second
}

// ExpandedWorkspaceDir returns the workspace root with ~ expanded.
func (c *Config) ExpandedWorkspaceDir() string {
	return logging.ExpandPath(c.WorkspaceDir)
}

// ExpandedDBPath returns the history database path with ~ expanded.
func (c *Config) ExpandedDBPath() string {
	return logging.ExpandPath(c.DBPath)
}

// ExpandedAuditDir returns the audit log directory with ~ expanded. An
// empty result disables the audit log.
func (c *Config) ExpandedAuditDir() string {
	if strings.TrimSpace(c.AuditDir) == "" {
		return ""
	}
	return logging.ExpandPath(c.AuditDir)
}

// LoggingConfig converts the log section for logging.Init.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	if c.Log.Level != "" {
		cfg.Level = c.Log.Level
	}
	if c.Log.Format != "" {
		cfg.Format = c.Log.Format
	}
	if c.Log.Path != "" {
		cfg.Path = c.Log.Path
	}
	return cfg
}

// envBindings maps config keys to environment variables. The first name
// wins when several are set.
var envBindings = map[string][]string{
	"workers":           {"CODEBOT_WORKERS", "MAX_WORKERS"},
	"queue_size":        {"CODEBOT_QUEUE_SIZE", "MAX_QUEUE_SIZE"},
	"retention_seconds": {"CODEBOT_RETENTION_SECONDS", "TASK_RETENTION_SECONDS"},
	"reaper_interval":   {"CODEBOT_REAPER_INTERVAL", "REAPER_INTERVAL"},
	"workspace_dir":     {"CODEBOT_WORKSPACE_DIR"},
	"github_token":      {"CODEBOT_GITHUB_TOKEN", "GITHUB_TOKEN"},
	"webhook_secret":    {"CODEBOT_WEBHOOK_SECRET", "GITHUB_WEBHOOK_SECRET"},
	"api_keys":          {"CODEBOT_API_KEYS"},
	"port":              {"CODEBOT_PORT", "PORT"},
	"push_retry_delay":  {"CODEBOT_PUSH_RETRY_DELAY"},
	"db_path":           {"CODEBOT_DB_PATH"},
	"audit_dir":         {"CODEBOT_AUDIT_DIR"},
	"agent.binary":      {"CODEBOT_AGENT_BINARY"},
	"agent.timeout":     {"CODEBOT_AGENT_TIMEOUT"},
	"log.level":         {"CODEBOT_LOG_LEVEL"},
	"log.format":        {"CODEBOT_LOG_FORMAT"},
	"log.path":          {"CODEBOT_LOG_PATH"},
}

// DefaultGlobalPath returns ~/.config/codebot/config.yaml.
func DefaultGlobalPath() string {
	return logging.ExpandPath("~/.config/codebot/config.yaml")
}

// Load reads .env from the working directory, then the global and
// project config files, then the environment.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}
	if err := LoadEnvFile(filepath.Join(cwd, ".env")); err != nil {
		return nil, err
	}
	return LoadFromPaths(cwd, DefaultGlobalPath())
}

// LoadEnvFile exports the variables in path without overriding ones
// already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// LoadFromPaths loads config with the global file at globalPath and the
// project file codebot.yaml in projectDir. Project values override global
// ones; missing files are skipped.
func LoadFromPaths(projectDir, globalPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for _, path := range []string{globalPath, filepath.Join(projectDir, ProjectFile)} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	for key, envs := range envBindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("binding %s: %w", key, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.APIKeys = cleanKeys(cfg.APIKeys)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workers", DefaultWorkers)
	v.SetDefault("queue_size", DefaultQueueSize)
	v.SetDefault("retention_seconds", DefaultRetentionSeconds)
	v.SetDefault("reaper_interval", DefaultReaperInterval)
	v.SetDefault("workspace_dir", DefaultWorkspaceDir)
	v.SetDefault("port", DefaultPort)
	v.SetDefault("push_retry_delay", DefaultPushRetryDelay)
	v.SetDefault("db_path", DefaultDBPath)
	v.SetDefault("audit_dir", DefaultAuditDir)
	v.SetDefault("agent.binary", DefaultAgentBinary)
	v.SetDefault("agent.timeout", DefaultAgentTimeout)
	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.format", DefaultLogFormat)
	v.SetDefault("log.path", DefaultLogPath)
}

// cleanKeys trims keys and drops empties. A single entry holding commas
// is split, which is how a list arrives from one env var.
func cleanKeys(keys []string) []string {
	var out []string
	for _, k := range keys {
		for _, part := range strings.Split(k, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and cross-field rules.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.ReaperInterval <= 0 {
		return ErrInvalidInterval
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "", "json", "text":
	default:
		return ErrInvalidLogFormat
	}
	return nil
}

// RequireRun checks what the run command needs before any task starts.
func (c *Config) RequireRun() error {
	if strings.TrimSpace(c.GitHubToken) == "" {
		return ErrMissingGitHubToken
	}
	return nil
}

// RequireServe checks what the serve command needs.
func (c *Config) RequireServe() error {
	if err := c.RequireRun(); err != nil {
		return err
	}
	if strings.TrimSpace(c.WebhookSecret) == "" {
		return ErrMissingWebhookSecret
	}
	if len(c.APIKeys) == 0 {
		return ErrNoAPIKeys
	}
	return nil
}
