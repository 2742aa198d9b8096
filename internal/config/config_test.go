package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "https://forno.celo.org", cfg.Chain.RPCURL)
	assert.Equal(t, CeloMainnetChainID, cfg.Chain.ChainID)
	assert.Equal(t, "0xe9980A142D5D3610a4a32693d4325b563DFe6404", cfg.Chain.RegistryAddress)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Read)
	assert.Equal(t, 2*time.Minute, cfg.Timeouts.Confirm)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.ReceiptPoll)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "Unknown Merchant", cfg.LocalPay.DefaultMerchant)
	assert.Equal(t, "100", cfg.LocalPay.DefaultAmount)
	assert.Equal(t, "cKES", cfg.LocalPay.DefaultCurrency)
	assert.Len(t, cfg.Currencies, 6)
	assert.False(t, cfg.Pinning.Enabled())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STAYCHAIN_CHAIN_CHAIN_ID", "44787")
	t.Setenv("STAYCHAIN_SERVER_PORT", "9090")
	t.Setenv("STAYCHAIN_TIMEOUTS_CONFIRM", "30s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, CeloAlfajoresChainID, cfg.Chain.ChainID)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Confirm)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "staychain.yaml")
	body := `
server:
  port: 8081
store:
  driver: redis
  redis_addr: cache:6379
currencies:
  - address: "0x0000000000000000000000000000000000000abc"
    symbol: TST
    decimals: 18
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, "cache:6379", cfg.Store.RedisAddr)
	require.Len(t, cfg.Currencies, 1)
	assert.Equal(t, "TST", cfg.Currencies[0].Symbol)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	bad := *cfg
	bad.Store.Driver = "postgres"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Store.Driver = "etcd"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Chain.ChainID = 0
	assert.Error(t, bad.Validate())
}

func TestServerAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:3000", ServerConfig{Host: "127.0.0.1", Port: 3000}.Addr())
}
