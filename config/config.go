// Package config provides configuration management for the Orbital server.
//
// Configuration is loaded once at boot from multiple sources with proper
// precedence (later sources override earlier ones):
//  1. Default values
//  2. Configuration files (./config.yaml, ./configs/config.yaml,
//     ~/.orbital/config.yaml, /etc/orbital/config.yaml)
//  3. .env files
//  4. Environment variables with the ORBITAL_ prefix
//
// Nothing is hot-reloaded; a restart picks up changes.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	BodyLimit       string        `mapstructure:"body_limit"`
	Debug           bool          `mapstructure:"debug"`

	// RateLimit is the maximum requests per second per client (0 = no limit).
	RateLimit float64 `mapstructure:"rate_limit"`
}

// DatabaseConfig contains PostgreSQL connection settings.
type DatabaseConfig struct {
	// URI is the full PostgreSQL connection string.
	URI string `mapstructure:"uri"`

	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ManagerConfig controls compute manager lifecycle policy.
type ManagerConfig struct {
	// HeartbeatFrequency is how often the heartbeat checker runs, and the
	// interval managers are expected to report within.
	HeartbeatFrequency time.Duration `mapstructure:"heartbeat_frequency"`

	// MaxMissedHeartbeats is how many intervals a manager may stay silent
	// before it is deactivated and its tasks recycled.
	MaxMissedHeartbeats int `mapstructure:"max_missed_heartbeats"`
}

// JobsConfig controls the internal job runner.
type JobsConfig struct {
	// PollInterval is how often runner workers poll for claimable jobs.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// Workers is the number of concurrent runner loops per process.
	Workers int `mapstructure:"workers"`

	// StaleAfter recycles running jobs whose last_updated is older than this.
	StaleAfter time.Duration `mapstructure:"stale_after"`

	// StatisticsFrequency is the interval between server statistics snapshots.
	StatisticsFrequency time.Duration `mapstructure:"statistics_frequency"`
}

// ServiceConfig controls the service engine.
type ServiceConfig struct {
	// IterationFuel bounds synchronous re-iterations of a service when all
	// of its spawned children already exist in a completed state.
	IterationFuel int `mapstructure:"iteration_fuel"`

	// IterationFrequency is the interval between service engine sweeps.
	IterationFrequency time.Duration `mapstructure:"iteration_frequency"`
}

// APIConfig contains query limits and client version policy.
type APIConfig struct {
	QueryLimit              int    `mapstructure:"query_limit"`
	ClaimLimit              int    `mapstructure:"claim_limit"`
	ClientVersionLowerLimit string `mapstructure:"client_version_lower_limit"`
	ClientVersionUpperLimit string `mapstructure:"client_version_upper_limit"`
	MOTD                    string `mapstructure:"motd"`

	// DedupScope controls record deduplication visibility. Only "global"
	// is implemented.
	DedupScope string `mapstructure:"dedup_scope"`
}

// SecurityConfig contains authentication settings.
type SecurityConfig struct {
	JWTSecret              string        `mapstructure:"jwt_secret"`
	JWTExpiration          time.Duration `mapstructure:"jwt_expiration"`
	RefreshTokenExpiration time.Duration `mapstructure:"refresh_token_expiration"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the complete Orbital server configuration.
type Config struct {
	Name     string         `mapstructure:"name"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Manager  ManagerConfig  `mapstructure:"manager"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Service  ServiceConfig  `mapstructure:"service"`
	API      APIConfig      `mapstructure:"api"`
	Security SecurityConfig `mapstructure:"security"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a new configuration loader with the given environment
// prefix (e.g. "ORBITAL" -> "ORBITAL_SERVER_PORT").
func NewLoader(envPrefix string) *Loader {
	return &Loader{v: viper.New(), prefix: envPrefix}
}

// SetDefaults sets the standard Orbital server defaults.
func (l *Loader) SetDefaults() {
	l.v.SetDefault("name", "orbital")

	l.v.SetDefault("server.host", "0.0.0.0")
	l.v.SetDefault("server.port", 7777)
	l.v.SetDefault("server.read_timeout", "60s")
	l.v.SetDefault("server.write_timeout", "60s")
	l.v.SetDefault("server.shutdown_timeout", "10s")
	l.v.SetDefault("server.body_limit", "100M")
	l.v.SetDefault("server.debug", false)
	l.v.SetDefault("server.rate_limit", 0)

	l.v.SetDefault("database.uri", "postgresql://localhost:5432/orbital")
	l.v.SetDefault("database.max_connections", 20)
	l.v.SetDefault("database.min_connections", 2)
	l.v.SetDefault("database.conn_max_lifetime", "1h")

	l.v.SetDefault("manager.heartbeat_frequency", "1800s")
	l.v.SetDefault("manager.max_missed_heartbeats", 5)

	l.v.SetDefault("jobs.poll_interval", "5s")
	l.v.SetDefault("jobs.workers", 2)
	l.v.SetDefault("jobs.stale_after", "10m")
	l.v.SetDefault("jobs.statistics_frequency", "1h")

	l.v.SetDefault("service.iteration_fuel", 5)
	l.v.SetDefault("service.iteration_frequency", "60s")

	l.v.SetDefault("api.query_limit", 1000)
	l.v.SetDefault("api.claim_limit", 200)
	l.v.SetDefault("api.client_version_lower_limit", "0.50.0")
	l.v.SetDefault("api.client_version_upper_limit", "1.0.0")
	l.v.SetDefault("api.motd", "")
	l.v.SetDefault("api.dedup_scope", "global")

	l.v.SetDefault("security.jwt_secret", "")
	l.v.SetDefault("security.jwt_expiration", "24h")
	l.v.SetDefault("security.refresh_token_expiration", "168h")

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "text")
}

// Load reads configuration from file, .env, and environment variables.
// If cfgFile is empty, config.yaml is searched in standard locations.
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		if home, err := homedir.Dir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".orbital"))
		}
		l.v.AddConfigPath("/etc/orbital")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Merge .env file if present
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig()

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	return nil
}

// LoadConfig loads the Orbital configuration with standard defaults and
// validates it.
func LoadConfig(cfgFile string) (*Config, error) {
	loader := NewLoader("ORBITAL")
	loader.SetDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ValidateConfig validates the loaded configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Database.URI == "" {
		return fmt.Errorf("database uri is required")
	}
	if cfg.Manager.HeartbeatFrequency <= 0 {
		return fmt.Errorf("manager heartbeat frequency must be positive")
	}
	if cfg.Manager.MaxMissedHeartbeats < 1 {
		return fmt.Errorf("manager max missed heartbeats must be at least 1")
	}
	if cfg.Service.IterationFuel < 1 {
		return fmt.Errorf("service iteration fuel must be at least 1")
	}
	switch cfg.API.DedupScope {
	case "global", "off":
	default:
		return fmt.Errorf("unsupported dedup scope: %s", cfg.API.DedupScope)
	}
	return nil
}
