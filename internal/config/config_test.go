package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	cfg := New()
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30, cfg.FastClaim.IntervalSeconds)
	assert.Equal(t, 0.15, cfg.FastClaim.ThresholdSOL)
	assert.Equal(t, 60, cfg.Flywheel.IntervalSecondsSimple)
	assert.Equal(t, 15, cfg.Flywheel.IntervalSecondsTurbo)
	assert.Equal(t, 300, cfg.Balance.UpdateIntervalSeconds)
	assert.Equal(t, float64(10), cfg.Economics.PlatformFeePct)
}

func TestValidateRequiresRPCEndpoints(t *testing.T) {
	cfg := New()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RPC_URL")

	cfg.Chain.RPCURL = "https://rpc.example.com"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RPC_WS_URL")

	cfg.Chain.RPCWSURL = "wss://rpc.example.com"
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsOutOfRangeFeePct(t *testing.T) {
	cfg := New()
	cfg.Chain.RPCURL = "https://rpc.example.com"
	cfg.Chain.RPCWSURL = "wss://rpc.example.com"
	cfg.Economics.PlatformFeePct = 150

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PLATFORM_FEE_PCT")
}

func TestValidateRequiresDelegatedSignerURL(t *testing.T) {
	cfg := New()
	cfg.Chain.RPCURL = "https://rpc.example.com"
	cfg.Chain.RPCWSURL = "wss://rpc.example.com"
	cfg.Signer.Mode = "delegated"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SIGNER_DELEGATED_URL")

	cfg.Signer.DelegatedBaseURL = "https://signer.example.com"
	require.NoError(t, cfg.Validate())
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("RPC_URL", "https://rpc.example.com")
	t.Setenv("RPC_WS_URL", "wss://rpc.example.com")
	t.Setenv("FAST_CLAIM_THRESHOLD_SOL", "0.5")
	t.Setenv("PLATFORM_TOKEN_MINT", "mint-xyz")
	defer os.Unsetenv("RPC_URL")
	defer os.Unsetenv("RPC_WS_URL")
	defer os.Unsetenv("FAST_CLAIM_THRESHOLD_SOL")
	defer os.Unsetenv("PLATFORM_TOKEN_MINT")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://rpc.example.com", cfg.Chain.RPCURL)
	assert.Equal(t, 0.5, cfg.FastClaim.ThresholdSOL)
	assert.Equal(t, "mint-xyz", cfg.Economics.PlatformTokenMint)
}
