package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/treasury_layer/internal/config"
	"github.com/R3E-Network/treasury_layer/internal/logging"
	"github.com/R3E-Network/treasury_layer/internal/network"
	"github.com/R3E-Network/treasury_layer/internal/scheduler"
)

const testConfig = `
networks:
  - name: simnet
    family: simnet
    native_currency: SIM
    tokens:
      USDT:
        decimals: 6
  - name: sepolia
    family: evm
    rpc_url: http://127.0.0.1:1
    chain_id: 11155111
    tokens:
      USDC:
        contract: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"
        decimals: 6
  - name: neo-testnet
    family: neo
    rpc_url: http://127.0.0.1:1
    network_magic: 894710606
  - name: bitcoin
    family: utxo
limits:
  low:
    daily: "500"
`

func testConfigFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "treasury.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	return path
}

func testAppConfig(t *testing.T) *config.Config {
	return &config.Config{
		Env:                      "development",
		HTTPAddr:                 "127.0.0.1:0",
		JWTSecret:                "app-test-secret-0123456789abcdef",
		JWTIssuer:                "treasury",
		RateLimitRPS:             100,
		RateLimitBurst:           100,
		CORSOrigins:              "*",
		ConfigFile:               testConfigFile(t),
		TxExpiry:                 time.Hour,
		ConfirmationTimeout:      time.Second,
		ConfirmationPollInterval: 10 * time.Millisecond,
		SweepSchedule:            "@every 1m",
		ReconcileSchedule:        "@every 15s",
		BalanceRefreshSchedule:   "@every 5m",
		JobTimeout:               time.Second,
		ShutdownTimeout:          5 * time.Second,
	}
}

func TestBuildNetworks(t *testing.T) {
	file, err := config.LoadFile(testConfigFile(t))
	require.NoError(t, err)

	reg, err := BuildNetworks(context.Background(), file)
	require.NoError(t, err)
	assert.Equal(t, []string{"bitcoin", "neo-testnet", "sepolia", "simnet"}, reg.Names())

	families := map[string]network.Family{
		"bitcoin":     network.FamilyUTXO,
		"neo-testnet": network.FamilyNeo,
		"sepolia":     network.FamilyEVM,
		"simnet":      network.FamilySimnet,
	}
	for name, family := range families {
		adapter, err := reg.Get(name)
		require.NoError(t, err)
		assert.Equal(t, family, adapter.Family(), name)
	}

	sim, _ := reg.Get("simnet")
	_, err = sim.Currency("USDT")
	assert.NoError(t, err)
	btc, _ := reg.Get("bitcoin")
	assert.Equal(t, "BTC", btc.NativeCurrency().Symbol)
}

func TestBuildNetworksRejectsUnknownFamily(t *testing.T) {
	_, err := BuildNetworks(context.Background(), &config.File{
		Networks: []config.NetworkConfig{{Name: "solana", Family: "svm"}},
	})
	assert.ErrorContains(t, err, "unknown family")
}

func TestNewWiresInMemoryStack(t *testing.T) {
	app, err := New(context.Background(), testAppConfig(t), logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	assert.Nil(t, app.db)
	assert.Nil(t, app.redis)
	assert.Nil(t, app.kafka)
	assert.ElementsMatch(t, []string{
		scheduler.JobExpireStale, scheduler.JobReconcilePayouts, scheduler.JobRefreshBalances,
	}, app.Scheduler.Jobs())

	limits, err := app.Registry.Limits("low")
	require.NoError(t, err)
	assert.Equal(t, "500", limits.Daily.String())
}

func TestNewRejectsBadConfigFile(t *testing.T) {
	cfg := testAppConfig(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("networks:\n  - name: x\n    family: evm\n"), 0o600))
	cfg.ConfigFile = path

	_, err := New(context.Background(), cfg, logging.NewNop())
	assert.ErrorContains(t, err, "rpc_url is required")
}

func TestServeAndShutdown(t *testing.T) {
	app, err := New(context.Background(), testAppConfig(t), logging.NewNop())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	var body map[string]interface{}
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(&body) == nil
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "ok", body["status"])
	assert.Len(t, body["networks"], 4)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, app.Shutdown(context.Background()))

	_, err = http.Get(url)
	assert.Error(t, err)
}
