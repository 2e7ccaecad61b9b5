package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Parameter names shared between flags and environment variables.
const (
	ParamHost               = "host"
	ParamPort               = "port"
	ParamDataDir            = "data-dir"
	ParamGroupID            = "group-id"
	ParamCoordinatorURL     = "coordinator-url"
	ParamSyncInterval       = "sync-interval"
	ParamPropagationTimeout = "propagation-timeout"
	ParamConvergenceTimeout = "convergence-timeout"
	ParamLogLevel           = "log-level"
)

// Config holds the settings for both the coordinator and worker binaries.
type Config struct {
	// Server settings
	Host string
	Port int

	// Storage settings
	DataDir string

	// Worker settings
	GroupID        int64
	CoordinatorURL string

	// Sync settings
	SyncInterval       time.Duration // convergence daemon wake interval
	PropagationTimeout time.Duration // per-target remote call budget
	ConvergenceTimeout time.Duration // default WaitUntilConverged timeout

	// Logging
	LogLevel string
}

// AddFlags registers every parameter on the flag set with its default.
func AddFlags(fs *pflag.FlagSet) {
	fs.String(ParamHost, "0.0.0.0", "address to listen on")
	fs.Int(ParamPort, 8080, "port to listen on")
	fs.String(ParamDataDir, "./data", "directory for the registry database")
	fs.Int64(ParamGroupID, 0, "placement group this worker belongs to")
	fs.String(ParamCoordinatorURL, "", "coordinator base URL for worker registration")
	fs.Duration(ParamSyncInterval, 30*time.Second, "convergence daemon wake interval")
	fs.Duration(ParamPropagationTimeout, 10*time.Second, "timeout for one remote propagation attempt")
	fs.Duration(ParamConvergenceTimeout, 2*time.Minute, "default timeout for wait-until-converged")
	fs.String(ParamLogLevel, "info", "log level (debug, info, warn, error)")
}

// Load binds flags and CITUS_* environment variables through viper and
// materializes a Config.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CITUS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	cfg := &Config{
		Host:               v.GetString(ParamHost),
		Port:               v.GetInt(ParamPort),
		DataDir:            v.GetString(ParamDataDir),
		GroupID:            v.GetInt64(ParamGroupID),
		CoordinatorURL:     v.GetString(ParamCoordinatorURL),
		SyncInterval:       v.GetDuration(ParamSyncInterval),
		PropagationTimeout: v.GetDuration(ParamPropagationTimeout),
		ConvergenceTimeout: v.GetDuration(ParamConvergenceTimeout),
		LogLevel:           v.GetString(ParamLogLevel),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the daemons cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync interval must be positive")
	}
	if c.PropagationTimeout <= 0 {
		return fmt.Errorf("propagation timeout must be positive")
	}
	return nil
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
