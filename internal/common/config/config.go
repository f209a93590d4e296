// Package config provides configuration management for the Agor daemon.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the daemon.
type Config struct {
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Execution ExecutionConfig `mapstructure:"execution"`
	RBAC      RBACConfig      `mapstructure:"rbac"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Terminal  TerminalConfig  `mapstructure:"terminal"`
}

// DaemonConfig holds daemon server configuration.
type DaemonConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	PublicURL    string `mapstructure:"publicUrl"`    // URL executors dial back on
}

// DatabaseConfig holds database connection configuration.
// Dialect selects between the embedded sqlite store and postgres.
type DatabaseConfig struct {
	Dialect  string `mapstructure:"dialect"` // sqlite | postgresql
	Path     string `mapstructure:"path"`    // sqlite file path (defaults under data home)
	URL      string `mapstructure:"url"`     // postgres DSN
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ImpersonationMode selects how executor subprocesses map to Unix users.
type ImpersonationMode string

const (
	// ImpersonationSimple runs executors as the daemon user.
	ImpersonationSimple ImpersonationMode = "simple"
	// ImpersonationInsulated runs all executors as one configured user.
	ImpersonationInsulated ImpersonationMode = "insulated"
	// ImpersonationStrict runs executors as the requesting user's Unix account.
	ImpersonationStrict ImpersonationMode = "strict"
)

// ExecutionConfig holds executor subprocess configuration.
type ExecutionConfig struct {
	Mode         string `mapstructure:"mode"`         // simple | insulated | strict
	ExecutorUser string `mapstructure:"executorUser"` // user for insulated mode
	ExecutorBin  string `mapstructure:"executorBin"`  // path to agor-exec (default: next to daemon binary)
	SudoPath     string `mapstructure:"sudoPath"`
	TermGrace    int    `mapstructure:"termGrace"`   // seconds before SIGTERM escalation
	KillTimeout  int    `mapstructure:"killTimeout"` // seconds before SIGKILL
}

// RBACConfig holds Unix-group filesystem isolation configuration.
type RBACConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	DaemonUser  string `mapstructure:"daemonUser"`
	UsersGroup  string `mapstructure:"usersGroup"`
	UserShell   string `mapstructure:"userShell"`
	SSHPortBase int    `mapstructure:"sshPortBase"`
	AppPortBase int    `mapstructure:"appPortBase"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret      string `mapstructure:"jwtSecret"`
	TokenDuration  int    `mapstructure:"tokenDuration"` // in seconds
	AllowAnonymous bool   `mapstructure:"allowAnonymous"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// GatewayConfig holds chat-gateway routing configuration.
type GatewayConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// TerminalConfig holds terminal bridge configuration.
type TerminalConfig struct {
	ZellijPath   string `mapstructure:"zellijPath"`
	DefaultShell string `mapstructure:"defaultShell"`
}

// ImpersonationMode returns the parsed execution mode, defaulting to simple.
func (e *ExecutionConfig) ImpersonationMode() ImpersonationMode {
	switch e.Mode {
	case string(ImpersonationInsulated):
		return ImpersonationInsulated
	case string(ImpersonationStrict):
		return ImpersonationStrict
	default:
		return ImpersonationSimple
	}
}

// TermGraceDuration returns the SIGTERM grace period as a time.Duration.
func (e *ExecutionConfig) TermGraceDuration() time.Duration {
	if e.TermGrace <= 0 {
		return 2 * time.Second
	}
	return time.Duration(e.TermGrace) * time.Second
}

// KillTimeoutDuration returns the SIGKILL timeout as a time.Duration.
func (e *ExecutionConfig) KillTimeoutDuration() time.Duration {
	if e.KillTimeout <= 0 {
		return 5 * time.Second
	}
	return time.Duration(e.KillTimeout) * time.Second
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (d *DaemonConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(d.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (d *DaemonConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(d.WriteTimeout) * time.Second
}

// TokenDurationTime returns the token duration as a time.Duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGOR_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("daemon.host", "127.0.0.1")
	v.SetDefault("daemon.port", 3030)
	v.SetDefault("daemon.readTimeout", 30)
	v.SetDefault("daemon.writeTimeout", 30)
	v.SetDefault("daemon.publicUrl", "")

	v.SetDefault("database.dialect", "sqlite")
	v.SetDefault("database.path", "") // resolved under data home when empty
	v.SetDefault("database.url", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agord")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("execution.mode", "simple")
	v.SetDefault("execution.executorUser", "")
	v.SetDefault("execution.executorBin", "")
	v.SetDefault("execution.sudoPath", "/usr/bin/sudo")
	v.SetDefault("execution.termGrace", 2)
	v.SetDefault("execution.killTimeout", 5)

	v.SetDefault("rbac.enabled", false)
	v.SetDefault("rbac.daemonUser", "")
	v.SetDefault("rbac.usersGroup", "agor_users")
	v.SetDefault("rbac.userShell", "/bin/bash")
	v.SetDefault("rbac.sshPortBase", 22000)
	v.SetDefault("rbac.appPortBase", 33000)

	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenDuration", 86400)
	v.SetDefault("auth.allowAnonymous", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("gateway.enabled", true)

	v.SetDefault("terminal.zellijPath", "zellij")
	v.SetDefault("terminal.defaultShell", "")
}

// Load reads configuration for the given environment. Environment variables
// use the prefix AGOR_ with snake_case naming; config.yaml is read from the
// data home.
func Load(env *Env) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from config key naming.
	_ = v.BindEnv("database.dialect", "AGOR_DB_DIALECT")
	_ = v.BindEnv("database.path", "AGOR_DB_PATH")
	_ = v.BindEnv("database.url", "DATABASE_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(env.Root)

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = env.DatabasePath()
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Daemon.Port <= 0 || cfg.Daemon.Port > 65535 {
		errs = append(errs, "daemon.port must be between 1 and 65535")
	}

	switch cfg.Database.Dialect {
	case "sqlite":
	case "postgresql":
		if cfg.Database.URL == "" {
			errs = append(errs, "database.url is required for the postgresql dialect")
		}
	default:
		errs = append(errs, "database.dialect must be one of: sqlite, postgresql")
	}

	switch cfg.Execution.Mode {
	case "", "simple", "strict":
	case "insulated":
		if cfg.Execution.ExecutorUser == "" {
			errs = append(errs, "execution.executorUser is required in insulated mode")
		}
	default:
		errs = append(errs, "execution.mode must be one of: simple, insulated, strict")
	}

	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateDevSecret()
	}
	if cfg.Auth.TokenDuration <= 0 {
		errs = append(errs, "auth.tokenDuration must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.RBAC.SSHPortBase <= 0 || cfg.RBAC.AppPortBase <= 0 {
		errs = append(errs, "rbac port bases must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// generateDevSecret generates a random secret for development mode.
// In production, users should set AGOR_AUTH_JWTSECRET.
func generateDevSecret() string {
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
