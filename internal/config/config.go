package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// DefaultAdminPassword is the insecure out-of-the-box password. Deployments
// must override it; startup logs a warning whenever it is still in effect.
const DefaultAdminPassword = "ChangeThisPassword!2024@Secure"

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Admin     AdminConfig     `yaml:"admin" envconfig:"ADMIN"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Paths     PathsConfig     `yaml:"paths" envconfig:"PATHS"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"3000"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// AdminConfig contains the admin panel security configuration
type AdminConfig struct {
	// Password is hashed once at startup; the raw value also keys the
	// session-token HMAC.
	Password string `yaml:"password" envconfig:"PASSWORD"`
	// AllowList restricts admin API access by source address when non-empty.
	// Comma-separated in the environment.
	AllowList []string `yaml:"allow_list" envconfig:"ALLOW_LIST"`
	// PanelPath is the URL prefix the admin panel is mounted under. When
	// unset a random 8-hex-character path is generated per boot.
	PanelPath       string        `yaml:"panel_path" envconfig:"PANEL_PATH"`
	MaxAttempts     int           `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS" default:"5"`
	LockoutDuration time.Duration `yaml:"lockout_duration" envconfig:"LOCKOUT_DURATION" default:"30m"`
	TokenTTL        time.Duration `yaml:"token_ttl" envconfig:"TOKEN_TTL" default:"2h"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/keyserve.log"`
}

// PathsConfig contains file system paths configuration
type PathsConfig struct {
	DataDir      string `yaml:"data_dir" envconfig:"DATA_DIR" default:"data"`
	KeysFile     string `yaml:"keys_file" envconfig:"KEYS_FILE" default:"keys.json"`
	UsageLog     string `yaml:"usage_log" envconfig:"USAGE_LOG" default:"usage.log"`
	AdminLog     string `yaml:"admin_log" envconfig:"ADMIN_LOG" default:"admin.log"`
}

// RateLimitConfig contains request rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"100"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"50"`
}

// Load loads configuration from environment variables and an optional
// config file. Environment values take precedence over file values.
func Load() (*Config, error) {
	cfg := Default()

	if configFile := findConfigFile(); configFile != "" {
		fileCfg, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		*cfg = *fileCfg
	}

	if err := envconfig.Process("KEYSERVE", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in values that cannot be expressed as struct tags.
func (c *Config) applyDefaults() {
	if c.Admin.Password == "" {
		c.Admin.Password = DefaultAdminPassword
	}
	if c.Admin.PanelPath == "" {
		c.Admin.PanelPath = randomPanelPath()
	}

	// Allow a single comma-joined entry from YAML as well as env.
	if len(c.Admin.AllowList) == 1 && strings.Contains(c.Admin.AllowList[0], ",") {
		c.Admin.AllowList = strings.Split(c.Admin.AllowList[0], ",")
	}
	for i, addr := range c.Admin.AllowList {
		c.Admin.AllowList[i] = strings.TrimSpace(addr)
	}
}

// UsingDefaultPassword reports whether the insecure shipped password is
// still in effect. Callers should surface this loudly at startup.
func (c *Config) UsingDefaultPassword() bool {
	return c.Admin.Password == DefaultAdminPassword
}

// KeysFilePath returns the resolved keys snapshot path.
func (c *Config) KeysFilePath() string {
	return c.resolve(c.Paths.KeysFile)
}

// UsageLogPath returns the resolved usage log path.
func (c *Config) UsageLogPath() string {
	return c.resolve(c.Paths.UsageLog)
}

// AdminLogPath returns the resolved admin audit log path.
func (c *Config) AdminLogPath() string {
	return c.resolve(c.Paths.AdminLog)
}

func (c *Config) resolve(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Paths.DataDir, name)
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}
	if c.Admin.MaxAttempts <= 0 {
		return fmt.Errorf("admin max attempts must be positive")
	}
	if c.Admin.LockoutDuration <= 0 {
		return fmt.Errorf("admin lockout duration must be positive")
	}
	if c.Admin.TokenTTL <= 0 {
		return fmt.Errorf("admin token TTL must be positive")
	}
	if c.RateLimit.Enabled && c.RateLimit.RPS <= 0 {
		return fmt.Errorf("rate limit rps must be positive when enabled")
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		c.Logging.Format = "json"
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/keyserve.log"
	}

	return nil
}

// findConfigFile returns the path to the config file, if one exists.
func findConfigFile() string {
	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}
	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

// randomPanelPath generates an 8-hex-character admin panel prefix.
func randomPanelPath() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure means the platform is broken; a fixed
		// fallback keeps the server bootable.
		return "admin"
	}
	return hex.EncodeToString(buf)
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            3000,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Admin: AdminConfig{
			MaxAttempts:     5,
			LockoutDuration: 30 * time.Minute,
			TokenTTL:        2 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "console",
			FilePath: "logs/keyserve.log",
		},
		Paths: PathsConfig{
			DataDir:  "data",
			KeysFile: "keys.json",
			UsageLog: "usage.log",
			AdminLog: "admin.log",
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			RPS:     100,
			Burst:   50,
		},
	}
}
