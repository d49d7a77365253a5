package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadNamingDefaults(t *testing.T) {
	cfg, err := LoadNaming("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ServiceAddr)
	require.Equal(t, ":8081", cfg.RegisterAddr)
	require.Equal(t, 20, cfg.ReplicationThreshold)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoadNamingEnvOverride(t *testing.T) {
	os.Setenv("BRANCHFS_NAMING_SERVICE_ADDR", ":9999")
	defer os.Unsetenv("BRANCHFS_NAMING_SERVICE_ADDR")

	cfg, err := LoadNaming("")
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.ServiceAddr, "environment variable should override the default")
}

func TestLoadStorageDefaults(t *testing.T) {
	cfg, err := LoadStorage("")
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.OpAddr)
	require.Equal(t, ":9091", cfg.CommandAddr)
	require.Equal(t, "127.0.0.1:8081", cfg.NamingRegisterAddr)
	require.Equal(t, 10*time.Second, cfg.RegisterTimeout)
}

func TestLoadStorageEnvOverride(t *testing.T) {
	os.Setenv("BRANCHFS_STORAGE_NAMING_REGISTER_ADDR", "10.0.0.5:8081")
	defer os.Unsetenv("BRANCHFS_STORAGE_NAMING_REGISTER_ADDR")

	cfg, err := LoadStorage("")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5:8081", cfg.NamingRegisterAddr)
}
