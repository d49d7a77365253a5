// Package config loads the naming and storage servers' configuration
// through a layered viper setup: CLI flags take precedence over
// environment variables, which take precedence over a config file,
// which takes precedence over the defaults applied here.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// NamingConfig configures the naming server binary.
type NamingConfig struct {
	// ServiceAddr is the address the client-facing Service listens on.
	ServiceAddr string `mapstructure:"service_addr"`
	// RegisterAddr is the address the storage-facing Registration
	// listens on.
	RegisterAddr string `mapstructure:"register_addr"`
	// ReplicationThreshold is the number of shared-lock acquisitions
	// of a single-replica file that trigger minting a new replica.
	ReplicationThreshold int `mapstructure:"replication_threshold"`
	// LogLevel is one of debug, info, error, disabled.
	LogLevel string `mapstructure:"log_level"`
}

// StorageConfig configures the storage server binary.
type StorageConfig struct {
	// OpAddr is the address the client-facing StorageOp listens on.
	OpAddr string `mapstructure:"op_addr"`
	// CommandAddr is the address the naming-facing CommandOp listens on.
	CommandAddr string `mapstructure:"command_addr"`
	// NamingRegisterAddr is the naming server's Registration address
	// this storage server announces itself to on startup.
	NamingRegisterAddr string `mapstructure:"naming_register_addr"`
	// RegisterTimeout bounds how long startup registration may take.
	RegisterTimeout time.Duration `mapstructure:"register_timeout"`
	// LogLevel is one of debug, info, error, disabled.
	LogLevel string `mapstructure:"log_level"`
}

func newViper(configPath, envPrefix string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configPath != "" {
		v.SetConfigFile(configPath)
	}
	return v
}

func readIfPresent(v *viper.Viper, configPath string) error {
	if configPath == "" {
		return nil
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("config: failed to read %s: %w", configPath, err)
	}
	return nil
}

// LoadNaming loads a NamingConfig from configPath (if non-empty),
// environment variables prefixed BRANCHFS_NAMING_, and defaults.
func LoadNaming(configPath string) (*NamingConfig, error) {
	v := newViper(configPath, "BRANCHFS_NAMING")
	v.SetDefault("service_addr", ":8080")
	v.SetDefault("register_addr", ":8081")
	v.SetDefault("replication_threshold", 20)
	v.SetDefault("log_level", "info")

	if err := readIfPresent(v, configPath); err != nil {
		return nil, err
	}

	var cfg NamingConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal naming config: %w", err)
	}
	return &cfg, nil
}

// LoadStorage loads a StorageConfig from configPath (if non-empty),
// environment variables prefixed BRANCHFS_STORAGE_, and defaults.
func LoadStorage(configPath string) (*StorageConfig, error) {
	v := newViper(configPath, "BRANCHFS_STORAGE")
	v.SetDefault("op_addr", ":9090")
	v.SetDefault("command_addr", ":9091")
	v.SetDefault("naming_register_addr", "127.0.0.1:8081")
	v.SetDefault("register_timeout", "10s")
	v.SetDefault("log_level", "info")

	if err := readIfPresent(v, configPath); err != nil {
		return nil, err
	}

	var cfg StorageConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal storage config: %w", err)
	}
	return &cfg, nil
}
