package ccpconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "127.0.0.1", cfg.RPCEndpoint.Host)
	assert.Equal(t, 9383, cfg.RPCEndpoint.Port)
	assert.Equal(t, "terminal", cfg.Logs.Format)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().RPCEndpoint, cfg.RPCEndpoint)
}

func TestLoadTOMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ccp.toml")
	contents := `
state-dir = "/var/lib/ccp"

[rpc-endpoint]
host = "0.0.0.0"
port = 9000

[logs]
format = "json"
level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/ccp", cfg.StateDir)
	assert.Equal(t, "0.0.0.0", cfg.RPCEndpoint.Host)
	assert.Equal(t, 9000, cfg.RPCEndpoint.Port)
	assert.Equal(t, "json", cfg.Logs.Format)
}

func TestEnvOverrideWinsOverTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ccp.toml")
	require.NoError(t, os.WriteFile(path, []byte("[rpc-endpoint]\nport = 9000\n"), 0o644))

	t.Setenv("CCP_RPC-ENDPOINT_PORT", "9555")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9555, cfg.RPCEndpoint.Port)
}

func TestEnvOverrideSliceOfInts(t *testing.T) {
	t.Setenv("CCP_WORKERS_CORES", "1, 2, 3")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, cfg.Workers.Cores)
}

func TestEnvOverrideBool(t *testing.T) {
	t.Setenv("CCP_OPTIMIZATIONS_MSR-ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Optimizations.MSREnabled)
}
