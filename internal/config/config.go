package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/poemonsense/cloudpool/internal/utils"
)

// Config represents the runtime configuration. All retry and backoff
// tunables live here so they can be overridden from the config file, the
// environment, or tests.
type Config struct {
	mu sync.RWMutex

	// API access
	APIKey string `json:"apiKey"`

	// Logging and debugging
	Debug   bool `json:"debug"`
	DevMode bool `json:"devMode"`

	// Retry configuration
	MaxRetries              int   `json:"maxRetries"`
	MaxEmptyResponseRetries int   `json:"maxEmptyResponseRetries"`
	MaxWaitBeforeErrorMs    int64 `json:"maxWaitBeforeErrorMs"`
	RequestTimeoutMs        int64 `json:"requestTimeoutMs"`

	// Cooldown and failure handling
	DefaultCooldownMs      int64 `json:"defaultCooldownMs"`
	MaxConsecutiveFailures int   `json:"maxConsecutiveFailures"`
	ExtendedCooldownMs     int64 `json:"extendedCooldownMs"`
	RateLimitDedupWindowMs int64 `json:"rateLimitDedupWindowMs"`

	// Capacity retry handling
	MaxCapacityRetries     int     `json:"maxCapacityRetries"`
	CapacityRetryDelayMs   int64   `json:"capacityRetryDelayMs"`
	CapacityBackoffTiersMs []int64 `json:"capacityBackoffTiersMs"`

	// Smart backoff
	MinBackoffMs                 int64            `json:"minBackoffMs"`
	QuotaExhaustedBackoffTiersMs []int64          `json:"quotaExhaustedBackoffTiersMs"`
	BackoffByErrorType           map[string]int64 `json:"backoffByErrorType"`

	// Quota refresher
	QuotaRefreshIntervalMs int64 `json:"quotaRefreshIntervalMs"`
	QuotaRefreshStaggerMs  int64 `json:"quotaRefreshStaggerMs"`

	// Account pool
	MaxAccounts      int    `json:"maxAccounts"`
	AccountStorePath string `json:"accountStorePath"`

	// Model mapping (for aliasing client model names)
	ModelMapping map[string]string `json:"modelMapping"`

	// Account selection strategy
	Strategy string `json:"strategy"`

	// Redis configuration (optional stats backend)
	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"redisPassword"`
	RedisDB       int    `json:"redisDB"`

	// Server configuration
	Port int    `json:"port"`
	Host string `json:"host"`

	// Fallback configuration
	FallbackEnabled bool `json:"fallbackEnabled"`
}

// DefaultConfig returns a new Config with default values
func DefaultConfig() *Config {
	tiers := make([]int64, len(CapacityBackoffTiersMs))
	copy(tiers, CapacityBackoffTiersMs)
	quotaTiers := make([]int64, len(QuotaExhaustedBackoffTiersMs))
	copy(quotaTiers, QuotaExhaustedBackoffTiersMs)
	byType := make(map[string]int64, len(BackoffByErrorType))
	for k, v := range BackoffByErrorType {
		byType[k] = v
	}
	return &Config{
		APIKey:                  "",
		Debug:                   false,
		DevMode:                 false,
		MaxRetries:              MaxRetries,
		MaxEmptyResponseRetries: MaxEmptyResponseRetries,
		MaxWaitBeforeErrorMs:    MaxWaitBeforeErrorMs,
		RequestTimeoutMs:        RequestTimeoutMs,
		DefaultCooldownMs:       DefaultCooldownMs,
		MaxConsecutiveFailures:  MaxConsecutiveFailures,
		ExtendedCooldownMs:      ExtendedCooldownMs,
		RateLimitDedupWindowMs:  RateLimitDedupWindowMs,
		MaxCapacityRetries:      MaxCapacityRetries,
		CapacityRetryDelayMs:    CapacityRetryDelayMs,
		CapacityBackoffTiersMs:  tiers,
		MinBackoffMs:            MinBackoffMs,
		QuotaExhaustedBackoffTiersMs: quotaTiers,
		BackoffByErrorType:           byType,
		QuotaRefreshIntervalMs:       QuotaRefreshIntervalMs,
		QuotaRefreshStaggerMs:        QuotaRefreshStaggerMs,
		MaxAccounts:                  MaxAccounts,
		AccountStorePath:             AccountStorePath,
		ModelMapping:                 make(map[string]string),
		Strategy:                     DefaultSelectionStrategy,
		RedisAddr:                    "",
		RedisPassword:                "",
		RedisDB:                      0,
		Port:                         DefaultPort,
		Host:                         "0.0.0.0",
		FallbackEnabled:              false,
	}
}

// Global config instance
var (
	globalConfig     *Config
	globalConfigOnce sync.Once
)

// GetConfig returns the global config instance
func GetConfig() *Config {
	globalConfigOnce.Do(func() {
		globalConfig = DefaultConfig()
		globalConfig.Load()
	})
	return globalConfig
}

// Load loads configuration from file and environment
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if utils.FileExists(ConfigFilePath) {
		if err := c.loadFromFile(ConfigFilePath); err != nil {
			utils.Warn("Failed to load config from %s: %v", ConfigFilePath, err)
		}
	} else {
		localConfig := filepath.Join(".", "config.json")
		if utils.FileExists(localConfig) {
			if err := c.loadFromFile(localConfig); err != nil {
				utils.Warn("Failed to load local config: %v", err)
			}
		}
	}

	c.loadFromEnv()

	if c.Debug && !c.DevMode {
		c.DevMode = true
	}

	utils.SetDebug(c.Debug || c.DevMode)

	return nil
}

// loadFromFile loads config from a JSON file. Missing fields keep their
// defaults.
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, c)
}

// loadFromEnv loads config from environment variables
func (c *Config) loadFromEnv() {
	if v := os.Getenv("API_KEY"); v != "" {
		c.APIKey = v
	}
	if os.Getenv("DEBUG") == "true" {
		c.Debug = true
	}
	if os.Getenv("DEV_MODE") == "true" {
		c.DevMode = true
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("ACCOUNTS_FILE"); v != "" {
		c.AccountStorePath = v
	}
	if v := os.Getenv("STRATEGY"); v != "" {
		c.Strategy = v
	}
	if os.Getenv("FALLBACK") == "true" {
		c.FallbackEnabled = true
	}
}

// Save saves the current configuration to disk
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := utils.EnsureParentDir(ConfigFilePath); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(ConfigFilePath, data, 0644)
}

// GetStrategy returns the current account selection strategy
func (c *Config) GetStrategy() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Strategy
}

// SetStrategy updates the account selection strategy
func (c *Config) SetStrategy(strategy string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Strategy = strategy
}

// MapModel resolves a client-facing model name through the model mapping
func (c *Config) MapModel(model string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if mapped, ok := c.ModelMapping[model]; ok && mapped != "" {
		return mapped
	}
	return model
}

// IsDevMode returns whether dev mode is enabled
func (c *Config) IsDevMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DevMode
}

// GetPublic returns a copy of the config with sensitive fields redacted
func (c *Config) GetPublic() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]interface{}{
		"apiKey":                 redact(c.APIKey),
		"debug":                  c.Debug,
		"devMode":                c.DevMode,
		"maxRetries":             c.MaxRetries,
		"maxWaitBeforeErrorMs":   c.MaxWaitBeforeErrorMs,
		"maxAccounts":            c.MaxAccounts,
		"maxConsecutiveFailures": c.MaxConsecutiveFailures,
		"extendedCooldownMs":     c.ExtendedCooldownMs,
		"maxCapacityRetries":     c.MaxCapacityRetries,
		"modelMapping":           c.ModelMapping,
		"strategy":               c.Strategy,
		"redisAddr":              c.RedisAddr,
		"redisPassword":          redact(c.RedisPassword),
		"redisDB":                c.RedisDB,
		"port":                   c.Port,
		"host":                   c.Host,
		"fallbackEnabled":        c.FallbackEnabled,
	}
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
