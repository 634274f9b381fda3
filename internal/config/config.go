package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// AppName is used for the config file name and the default data dir
	AppName = "relay"

	// EnvPrefix is the prefix for environment variables
	EnvPrefix = "RELAY"
)

type (
	// Config holds all runtime settings
	Config struct {
		DataDir    string           `mapstructure:"data_dir"`
		DBPath     string           `mapstructure:"db_path"`
		Log        LogConfig        `mapstructure:"log"`
		Server     ServerConfig     `mapstructure:"server"`
		Engine     EngineConfig     `mapstructure:"engine"`
		Connectors ConnectorsConfig `mapstructure:"connectors"`

		// ConfigFile is the file that was read, empty if none
		ConfigFile string `mapstructure:"-"`
	}

	LogConfig struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
		File   string `mapstructure:"file"`
	}

	ServerConfig struct {
		Host            string        `mapstructure:"host"`
		Port            int           `mapstructure:"port"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	}

	EngineConfig struct {
		StepTimeout      time.Duration `mapstructure:"step_timeout"`
		MaxStepTimeout   time.Duration `mapstructure:"max_step_timeout"`
		Retry            RetryConfig   `mapstructure:"retry"`
		ReconcileOnStart bool          `mapstructure:"reconcile_on_start"`
	}

	// RetryConfig is applied to steps that declare no retry policy
	RetryConfig struct {
		MaxAttempts int           `mapstructure:"max_attempts"`
		BackoffBase time.Duration `mapstructure:"backoff_base"`
		BackoffCap  time.Duration `mapstructure:"backoff_cap"`
	}

	ConnectorsConfig struct {
		File  FileConfig  `mapstructure:"file"`
		SQL   SQLConfig   `mapstructure:"sql"`
		Email EmailConfig `mapstructure:"email"`
		HTTP  HTTPConfig  `mapstructure:"http"`
		Redis RedisConfig `mapstructure:"redis"`
	}

	FileConfig struct {
		BaseDir string `mapstructure:"base_dir"`
	}

	SQLConfig struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	}

	// EmailConfig sends through SMTPAddr when set, otherwise messages are
	// written to OutboxDir
	EmailConfig struct {
		SMTPAddr  string `mapstructure:"smtp_addr"`
		From      string `mapstructure:"from"`
		OutboxDir string `mapstructure:"outbox_dir"`
	}

	HTTPConfig struct {
		Timeout time.Duration `mapstructure:"timeout"`
	}

	// RedisConfig enables the kv connector when Addr is set
	RedisConfig struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	}
)

const (
	DefaultHost            = "127.0.0.1"
	DefaultPort            = 8080
	DefaultShutdownTimeout = 10 * time.Second
	DefaultStepTimeout     = 30 * time.Second
	DefaultMaxStepTimeout  = 10 * time.Minute
	DefaultMaxAttempts     = 1
	DefaultBackoffBase     = 500 * time.Millisecond
	DefaultBackoffCap      = 30 * time.Second
	DefaultHTTPTimeout     = 15 * time.Second
	DefaultSQLDriver       = "sqlite"

	MaxTCPPort     = 65535
	MaxMaxAttempts = 100
)

var (
	ErrInvalidPort           = errors.New("invalid server port")
	ErrInvalidStepTimeout    = errors.New("step timeout must be positive")
	ErrStepTimeoutTooLarge   = errors.New("step timeout exceeds max step timeout")
	ErrInvalidMaxAttempts    = errors.New("retry max attempts must be between 1 and 100")
	ErrInvalidBackoffBase    = errors.New("retry backoff base must be positive")
	ErrBackoffCapTooSmall    = errors.New("retry backoff cap must be >= backoff base")
	ErrInvalidLogFormat      = errors.New("log format must be json or console")
	ErrUnsupportedSQLDriver  = errors.New("sql driver must be sqlite or postgres")
	ErrInvalidShutdownPeriod = errors.New("shutdown timeout must be positive")
)

// New loads configuration from the default search paths
func New() (*Config, error) {
	return Load("")
}

// Load reads configuration from cfgFile (or relay.yaml in the search paths),
// overlays RELAY_* environment variables, and fills derived paths
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	if err := setDefaults(v); err != nil {
		return nil, err
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, "."+AppName))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	c.ConfigFile = v.ConfigFileUsed()
	c.fillDerived()
	return c, nil
}

func setDefaults(v *viper.Viper) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	v.SetDefault("data_dir", filepath.Join(home, "."+AppName))
	v.SetDefault("db_path", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")

	v.SetDefault("server.host", DefaultHost)
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.shutdown_timeout", DefaultShutdownTimeout)

	v.SetDefault("engine.step_timeout", DefaultStepTimeout)
	v.SetDefault("engine.max_step_timeout", DefaultMaxStepTimeout)
	v.SetDefault("engine.retry.max_attempts", DefaultMaxAttempts)
	v.SetDefault("engine.retry.backoff_base", DefaultBackoffBase)
	v.SetDefault("engine.retry.backoff_cap", DefaultBackoffCap)
	v.SetDefault("engine.reconcile_on_start", true)

	v.SetDefault("connectors.file.base_dir", "")
	v.SetDefault("connectors.sql.driver", DefaultSQLDriver)
	v.SetDefault("connectors.sql.dsn", "")
	v.SetDefault("connectors.email.smtp_addr", "")
	v.SetDefault("connectors.email.from", "relay@localhost")
	v.SetDefault("connectors.email.outbox_dir", "")
	v.SetDefault("connectors.http.timeout", DefaultHTTPTimeout)
	v.SetDefault("connectors.redis.addr", "")
	v.SetDefault("connectors.redis.password", "")
	v.SetDefault("connectors.redis.db", 0)
	return nil
}

// fillDerived places unset paths under the data dir
func (c *Config) fillDerived() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, AppName+".db")
	}
	if c.Connectors.File.BaseDir == "" {
		c.Connectors.File.BaseDir = filepath.Join(c.DataDir, "files")
	}
	if c.Connectors.Email.OutboxDir == "" {
		c.Connectors.Email.OutboxDir = filepath.Join(c.DataDir, "outbox")
	}
	if c.Connectors.SQL.DSN == "" && c.Connectors.SQL.Driver == DefaultSQLDriver {
		c.Connectors.SQL.DSN = filepath.Join(c.DataDir, "data.db")
	}
}

// Validate checks that all configuration values are usable
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > MaxTCPPort {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return ErrInvalidShutdownPeriod
	}

	if c.Engine.StepTimeout <= 0 {
		return ErrInvalidStepTimeout
	}
	if c.Engine.MaxStepTimeout < c.Engine.StepTimeout {
		return fmt.Errorf("%w: %s > %s", ErrStepTimeoutTooLarge,
			c.Engine.StepTimeout, c.Engine.MaxStepTimeout)
	}

	r := c.Engine.Retry
	if r.MaxAttempts < 1 || r.MaxAttempts > MaxMaxAttempts {
		return fmt.Errorf("%w: %d", ErrInvalidMaxAttempts, r.MaxAttempts)
	}
	if r.BackoffBase <= 0 {
		return ErrInvalidBackoffBase
	}
	if r.BackoffCap < r.BackoffBase {
		return ErrBackoffCapTooSmall
	}

	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("%w: %s", ErrInvalidLogFormat, c.Log.Format)
	}

	switch c.Connectors.SQL.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: %s",
			ErrUnsupportedSQLDriver, c.Connectors.SQL.Driver)
	}
	return nil
}

// EnsureDataDir creates the data directory and the directories derived from it
func (c *Config) EnsureDataDir() error {
	dirs := []string{
		c.DataDir,
		c.WorkspacesDir(),
		c.Connectors.File.BaseDir,
		c.Connectors.Email.OutboxDir,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// WorkspacesDir holds per-run scratch directories
func (c *Config) WorkspacesDir() string {
	return filepath.Join(c.DataDir, "workspaces")
}

// Addr is the listen address of the HTTP server
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
