package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	xerrors "chain-deployer/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sepolia", cfg.Network)
	assert.Equal(t, "VotingSystem", cfg.Deploy.Contract)
	assert.Equal(t, "artifacts", cfg.Deploy.ArtifactsDir)
	assert.Equal(t, 5*time.Minute, cfg.Deploy.Timeout)
	assert.Equal(t, uint64(1), cfg.Deploy.Confirmations)
	assert.Equal(t, 2*time.Second, cfg.Deploy.PollInterval)
	assert.Equal(t, "none", cfg.Ledger.Driver)
	assert.Equal(t, []string{"stderr"}, cfg.Log.Outputs)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deployer.yaml")
	content := `
network: polygon-amoy
networks:
  polygon-amoy:
    rpc_url_env: AMOY_RPC_URL
    private_key_env: AMOY_KEY
    chain_id: 80002
deploy:
  contract: Ballot
  artifacts_dir: build/artifacts
  timeout: 90s
  confirmations: 3
  gas_limit: 2000000
ledger:
  driver: file
runtime:
  data_dir: state
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "polygon-amoy", cfg.Network)
	assert.Equal(t, "Ballot", cfg.Deploy.Contract)
	assert.Equal(t, filepath.Join(dir, "build/artifacts"), cfg.Deploy.ArtifactsDir)
	assert.Equal(t, 90*time.Second, cfg.Deploy.Timeout)
	assert.Equal(t, uint64(3), cfg.Deploy.Confirmations)
	assert.Equal(t, uint64(2_000_000), cfg.Deploy.GasLimit)
	assert.Equal(t, filepath.Join(dir, "state"), cfg.Runtime.DataDir)
	assert.Contains(t, cfg.Networks, "sepolia", "built-in profiles are kept")
}

func TestLoad_RejectsUnknownLedgerDriver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deployer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ledger:\n  driver: sqlite\n"), 0o644))

	cfg, err := Load(path)
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "unsupported ledger driver")
}

func TestLoad_SQLDriverNeedsDSN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deployer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ledger:\n  driver: mysql\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a dsn")
}

func TestResolveNetwork(t *testing.T) {
	cfg := Default()

	t.Run("endpoint and key from env", func(t *testing.T) {
		net, err := cfg.ResolveNetwork("", envMap(map[string]string{
			"SEPOLIA_RPC_URL": " https://sepolia.example/v3/abc ",
			"PRIVATE_KEY":     "0xabc",
		}))
		require.NoError(t, err)
		assert.Equal(t, "sepolia", net.Name)
		assert.Equal(t, "https://sepolia.example/v3/abc", net.EndpointURL)
		require.True(t, net.HasSigner())
		assert.Equal(t, "0xabc", *net.SigningKey)
		assert.Nil(t, net.ChainID)
		assert.NotContains(t, net.String(), "0xabc")
	})

	t.Run("unset endpoint falls back to empty string", func(t *testing.T) {
		net, err := cfg.ResolveNetwork("sepolia", envMap(nil))
		require.NoError(t, err)
		assert.Empty(t, net.EndpointURL)
		assert.False(t, net.HasSigner())
	})

	t.Run("blank key is treated as absent", func(t *testing.T) {
		net, err := cfg.ResolveNetwork("sepolia", envMap(map[string]string{"PRIVATE_KEY": "  "}))
		require.NoError(t, err)
		assert.False(t, net.HasSigner())
	})

	t.Run("literal url and chain id", func(t *testing.T) {
		net, err := cfg.ResolveNetwork("localhost", nil)
		require.NoError(t, err)
		assert.Equal(t, "http://127.0.0.1:8545", net.EndpointURL)
		require.NotNil(t, net.ChainID)
		assert.Equal(t, int64(31337), net.ChainID.Int64())
	})

	t.Run("unknown network", func(t *testing.T) {
		_, err := cfg.ResolveNetwork("mainnet", envMap(nil))
		require.Error(t, err)
		assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
	})
}
