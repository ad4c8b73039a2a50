package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8443", cfg.ListenAddr)
	require.Equal(t, 16384, cfg.BufferCapacity)
	require.Equal(t, 4096, cfg.MaxConnections)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SNIPROXY_LISTEN_ADDR", ":9443")
	t.Setenv("SNIPROXY_MAX_CONNECTIONS", "128")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":9443", cfg.ListenAddr)
	require.Equal(t, 128, cfg.MaxConnections)
}

func TestLoadMissingConfigFileIsNotError(t *testing.T) {
	_, err := Load("")
	require.NoError(t, err)
}

func TestLoadBadConfigFileIsError(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "bad-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString("listen_addr: [unterminated\n")
	require.NoError(t, err)
	f.Close()

	_, err = Load(f.Name())
	require.Error(t, err)
}
