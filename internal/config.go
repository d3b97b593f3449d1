package internal

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultAPIURL is the MEGA command endpoint
	DefaultAPIURL = "https://eu.api.mega.co.nz/cs"
	// DefaultAccountURL is the Share-Online user details endpoint
	DefaultAccountURL = "http://api.share-online.biz/cgi-bin"
	// DefaultTrafficCap is the daily premium traffic allowance in bytes (100 GiB)
	DefaultTrafficCap int64 = 100 * 1024 * 1024 * 1024
)

// Config holds application configuration
type Config struct {
	DefaultThreads int      `yaml:"threads"`
	DefaultTimeout int      `yaml:"timeout"`
	MaxRetries     int      `yaml:"max_retries"`
	UserAgentList  []string `yaml:"user_agents"`
	AllowedDomains []string `yaml:"allowed_domains"`

	// Provider endpoints
	APIURL     string `yaml:"api_url"`
	AccountURL string `yaml:"account_url"`

	// Pipeline behavior
	ChunkSize        int   `yaml:"chunk_size"`
	VerifyMAC        bool  `yaml:"verify_mac"`
	RetryAttempts    int   `yaml:"retry_attempts"`
	RetryDelay       int   `yaml:"retry_delay"`
	TempOfflineDelay int   `yaml:"temp_offline_delay"`
	TrafficCap       int64 `yaml:"traffic_cap"`

	// Logging configuration
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	EnableDebug bool   `yaml:"debug"`
	QuietMode   bool   `yaml:"quiet"`
	LogFile     string `yaml:"log_file"`

	// MetricsAddr serves /metrics when set, e.g. ":9090"
	MetricsAddr string `yaml:"metrics_addr"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DefaultThreads: 4,
		DefaultTimeout: 30,
		MaxRetries:     3,
		UserAgentList: []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
		AllowedDomains: []string{
			"mega.co.nz",
			"www.mega.co.nz",
			"mega.nz",
			"www.mega.nz",
		},

		APIURL:     DefaultAPIURL,
		AccountURL: DefaultAccountURL,

		ChunkSize:        32 * 1024,
		VerifyMAC:        false,
		RetryAttempts:    5,
		RetryDelay:       30,
		TempOfflineDelay: 30 * 60,
		TrafficCap:       DefaultTrafficCap,

		// Logging defaults
		LogLevel:    "info",
		LogFormat:   "text",
		EnableDebug: false,
		QuietMode:   false,
		LogFile:     "", // Empty means stderr
	}
}

// LoadFromFile merges a YAML config file over the current values.
// Keys missing from the file keep their current value.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() {
	if threads := os.Getenv("MEGAFETCH_THREADS"); threads != "" {
		if t, err := strconv.Atoi(threads); err == nil && t > 0 && t <= 32 {
			c.DefaultThreads = t
		}
	}

	if timeout := os.Getenv("MEGAFETCH_TIMEOUT"); timeout != "" {
		if t, err := strconv.Atoi(timeout); err == nil && t > 0 {
			c.DefaultTimeout = t
		}
	}

	if apiURL := os.Getenv("MEGAFETCH_API_URL"); apiURL != "" {
		c.APIURL = apiURL
	}

	if accountURL := os.Getenv("MEGAFETCH_ACCOUNT_URL"); accountURL != "" {
		c.AccountURL = accountURL
	}

	if chunk := os.Getenv("MEGAFETCH_CHUNK_SIZE"); chunk != "" {
		if n, err := strconv.Atoi(chunk); err == nil && n > 0 {
			c.ChunkSize = n
		}
	}

	if verify := os.Getenv("MEGAFETCH_VERIFY_MAC"); verify != "" {
		c.VerifyMAC = parseBool(verify)
	}

	// Load logging configuration from environment
	if logLevel := os.Getenv("MEGAFETCH_LOG_LEVEL"); logLevel != "" {
		c.LogLevel = logLevel
	}

	if logFormat := os.Getenv("MEGAFETCH_LOG_FORMAT"); logFormat != "" {
		c.LogFormat = logFormat
	}

	if debug := os.Getenv("MEGAFETCH_DEBUG"); debug != "" {
		c.EnableDebug = parseBool(debug)
	}

	if quiet := os.Getenv("MEGAFETCH_QUIET"); quiet != "" {
		c.QuietMode = parseBool(quiet)
	}

	if logFile := os.Getenv("MEGAFETCH_LOG_FILE"); logFile != "" {
		c.LogFile = logFile
	}

	if addr := os.Getenv("MEGAFETCH_METRICS_ADDR"); addr != "" {
		c.MetricsAddr = addr
	}
}

func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes"
}

// GetEnvWithDefault returns environment variable value or default
func GetEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// LoadConfig builds the configuration from defaults, an optional file and the environment.
// An empty path falls back to MEGAFETCH_CONFIG.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv("MEGAFETCH_CONFIG")
	}
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}

	cfg.LoadFromEnv()
	return cfg, nil
}

// ValidateConfig validates the configuration values
func (c *Config) ValidateConfig() error {
	if c.DefaultThreads < 1 || c.DefaultThreads > 32 {
		return fmt.Errorf("invalid default threads: %d (must be 1-32)", c.DefaultThreads)
	}

	if c.DefaultTimeout < 1 {
		return fmt.Errorf("invalid default timeout: %d (must be > 0)", c.DefaultTimeout)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("invalid max retries: %d (must be >= 0)", c.MaxRetries)
	}

	if len(c.UserAgentList) == 0 {
		return fmt.Errorf("user agent list cannot be empty")
	}

	if len(c.AllowedDomains) == 0 {
		return fmt.Errorf("allowed domains list cannot be empty")
	}

	if c.APIURL == "" {
		return fmt.Errorf("api url cannot be empty")
	}

	if c.ChunkSize < 1 || c.ChunkSize > 64*1024*1024 {
		return fmt.Errorf("invalid chunk size: %d (must be 1-67108864)", c.ChunkSize)
	}

	if c.RetryAttempts < 0 {
		return fmt.Errorf("invalid retry attempts: %d (must be >= 0)", c.RetryAttempts)
	}

	if c.RetryDelay < 0 || c.TempOfflineDelay < 0 {
		return fmt.Errorf("retry delays must be >= 0")
	}

	if c.TrafficCap <= 0 {
		return fmt.Errorf("invalid traffic cap: %d (must be > 0)", c.TrafficCap)
	}

	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.LogFormat)
	}

	return nil
}
