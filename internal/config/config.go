package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Cleaner    CleanerConfig    `yaml:"cleaner" mapstructure:"cleaner"`
	Quarantine QuarantineConfig `yaml:"quarantine" mapstructure:"quarantine"`
	Normalize  NormalizeConfig  `yaml:"normalize" mapstructure:"normalize"`
	Orphan     OrphanConfig     `yaml:"orphan" mapstructure:"orphan"`
	Import     ImportConfig     `yaml:"import" mapstructure:"import"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	// Driver is one of memory, sqlite or postgres.
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	Model       string `yaml:"model" mapstructure:"model"`
	MaxTokens   int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// CleanerConfig configures the LLM cleaning pass.
type CleanerConfig struct {
	Enabled          bool    `yaml:"enabled" mapstructure:"enabled"`
	GroupSize        int     `yaml:"group_size" mapstructure:"group_size"`
	GroupDelayMs     int     `yaml:"group_delay_ms" mapstructure:"group_delay_ms"`
	RatePerSec       float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	BreakerThreshold int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
	RetryAttempts    int     `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoffMs   int     `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
}

// QuarantineConfig holds the routing policy.
type QuarantineConfig struct {
	RequiredFields       []string `yaml:"required_fields" mapstructure:"required_fields"`
	LoanRequiredFields   []string `yaml:"loan_required_fields" mapstructure:"loan_required_fields"`
	QuarantineThreshold  float64  `yaml:"quarantine_threshold" mapstructure:"quarantine_threshold"`
	AutoApproveThreshold float64  `yaml:"auto_approve_threshold" mapstructure:"auto_approve_threshold"`
	MaxWarnings          int      `yaml:"max_warnings" mapstructure:"max_warnings"`
	MinNameLength        int      `yaml:"min_name_length" mapstructure:"min_name_length"`
}

// NormalizeConfig configures rule-based cleaning.
type NormalizeConfig struct {
	CountryCode  string `yaml:"country_code" mapstructure:"country_code"`
	MappingsFile string `yaml:"mappings_file" mapstructure:"mappings_file"`
}

// OrphanConfig configures orphan loan matching.
type OrphanConfig struct {
	FuzzyThreshold    float64 `yaml:"fuzzy_threshold" mapstructure:"fuzzy_threshold"`
	AutoLinkThreshold float64 `yaml:"auto_link_threshold" mapstructure:"auto_link_threshold"`
}

// ImportConfig configures the import executor and file loading.
type ImportConfig struct {
	RetryAttempts  int   `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoffMs int   `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	FTPTimeoutSecs int   `yaml:"ftp_timeout_secs" mapstructure:"ftp_timeout_secs"`
	MaxFileBytes   int64 `yaml:"max_file_bytes" mapstructure:"max_file_bytes"`
}

// ServerConfig configures the review API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LOANINGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "loan-ingest.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.timeout_secs", 15)
	v.SetDefault("cleaner.enabled", false)
	v.SetDefault("cleaner.group_size", 10)
	v.SetDefault("cleaner.group_delay_ms", 200)
	v.SetDefault("cleaner.rate_per_sec", 5)
	v.SetDefault("cleaner.timeout_secs", 15)
	v.SetDefault("cleaner.breaker_threshold", 5)
	v.SetDefault("cleaner.breaker_reset_secs", 30)
	v.SetDefault("cleaner.retry_attempts", 3)
	v.SetDefault("cleaner.retry_backoff_ms", 500)
	v.SetDefault("quarantine.required_fields", []string{"fullName", "phone"})
	v.SetDefault("quarantine.loan_required_fields", []string{"fullName"})
	v.SetDefault("quarantine.quarantine_threshold", 0.6)
	v.SetDefault("quarantine.auto_approve_threshold", 0.7)
	v.SetDefault("quarantine.max_warnings", 2)
	v.SetDefault("quarantine.min_name_length", 3)
	v.SetDefault("normalize.country_code", "260")
	v.SetDefault("orphan.fuzzy_threshold", 0.9)
	v.SetDefault("orphan.auto_link_threshold", 0.95)
	v.SetDefault("import.retry_attempts", 2)
	v.SetDefault("import.retry_backoff_ms", 50)
	v.SetDefault("import.ftp_timeout_secs", 30)
	v.SetDefault("import.max_file_bytes", 50<<20)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs. mode is the command name:
// import, serve, migrate, quarantine or orphans.
func (c *Config) Validate(mode string) error {
	var missing []string

	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DatabaseURL == "" {
			missing = append(missing, "store.database_url")
		}
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}

	q := c.Quarantine
	if !unit(q.QuarantineThreshold) || !unit(q.AutoApproveThreshold) {
		return eris.New("config: quarantine thresholds must be within [0, 1]")
	}
	if q.QuarantineThreshold > q.AutoApproveThreshold {
		return eris.Errorf("config: quarantine_threshold %.2f exceeds auto_approve_threshold %.2f",
			q.QuarantineThreshold, q.AutoApproveThreshold)
	}
	if !unit(c.Orphan.FuzzyThreshold) || !unit(c.Orphan.AutoLinkThreshold) {
		return eris.New("config: orphan thresholds must be within [0, 1]")
	}

	switch mode {
	case "import":
		if c.Cleaner.Enabled && c.Anthropic.Key == "" {
			missing = append(missing, "anthropic.key")
		}
		if c.Cleaner.GroupSize < 1 || c.Cleaner.GroupSize > 100 {
			return eris.Errorf("config: cleaner.group_size must be between 1 and 100, got %d", c.Cleaner.GroupSize)
		}
	case "serve":
		if c.Server.Port < 1 || c.Server.Port > 65535 {
			return eris.Errorf("config: server.port must be between 1 and 65535, got %d", c.Server.Port)
		}
	case "migrate", "quarantine", "orphans":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(missing) > 0 {
		return eris.Errorf("config: missing required settings for %s: %s", mode, strings.Join(missing, ", "))
	}
	return nil
}

func unit(v float64) bool { return v >= 0 && v <= 1 }

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
