//go:build integration

package env

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/ggonzalez94/kmandex/internal/api"
	"github.com/ggonzalez94/kmandex/internal/config"
	"github.com/ggonzalez94/kmandex/internal/signer"
	"github.com/ggonzalez94/kmandex/internal/units"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// startForkedEnvironment needs anvil, forge, a fork URL (KMANDEX_FORK_URL or
// MAIN_NET_URL) and a contracts checkout (KMANDEX_CONTRACTS_DIR).
func startForkedEnvironment(t *testing.T) *Environment {
	t.Helper()
	settings, err := config.Load(config.NoFlags())
	require.NoError(t, err)
	if settings.ForkURL == "" {
		t.Skip("fork url not configured")
	}
	for _, bin := range []string{settings.NodeBinary, settings.DeployBinary} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not installed", bin)
		}
	}
	if _, err := os.Stat(filepath.Join(settings.ContractsDir, settings.DeployScript)); err != nil {
		t.Skipf("deployment script not found under %s", settings.ContractsDir)
	}

	opts := OptionsFromSettings(settings)
	opts.LockDir = t.TempDir()
	opts.PollInterval = 100 * time.Millisecond
	e := New(opts, zaptest.NewLogger(t))
	t.Cleanup(e.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()
	require.NoError(t, e.Start(ctx))
	return e
}

func getJSON(t *testing.T, h http.Handler, path string, out any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestForkedDEXEndToEnd(t *testing.T) {
	e := startForkedEnvironment(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	wallet, err := signer.FromHex(config.DefaultPrivateKey)
	require.NoError(t, err)
	m, err := e.Mutator()
	require.NoError(t, err)
	client, err := e.DEX()
	require.NoError(t, err)
	h := api.NewServer(client, api.Options{}, zaptest.NewLogger(t)).Handler()

	usdcWhale, err := e.ImpersonateWhale(ctx, e.USDCWhale())
	require.NoError(t, err)
	wethWhale, err := e.ImpersonateWhale(ctx, e.WETHWhale())
	require.NoError(t, err)

	usdcAmount, err := units.Parse("100000", 6)
	require.NoError(t, err)
	require.Equal(t, "100000000000", usdcAmount.String())
	usdcBefore, err := m.TokenBalance(ctx, e.USDCAddress(), wallet.Address())
	require.NoError(t, err)
	_, err = e.FundWallet(ctx, usdcWhale, e.USDCAddress(), wallet.Address(), usdcAmount)
	require.NoError(t, err)
	usdcAfter, err := m.TokenBalance(ctx, e.USDCAddress(), wallet.Address())
	require.NoError(t, err)
	require.Equal(t, usdcAmount.String(), new(big.Int).Sub(usdcAfter, usdcBefore).String())

	wethAmount, err := units.Parse("10000", 18)
	require.NoError(t, err)
	_, err = e.FundWallet(ctx, wethWhale, e.WETHAddress(), wallet.Address(), wethAmount)
	require.NoError(t, err)

	var pools []api.PoolView
	getJSON(t, h, "/pools", &pools)
	require.Len(t, pools, 1)
	require.Equal(t, e.USDCAddress().Hex(), pools[0].TokenA)
	require.Equal(t, e.WETHAddress().Hex(), pools[0].TokenB)
	require.Equal(t, "0.0", pools[0].TokenAAmount)
	require.Equal(t, "0.0", pools[0].TokenBAmount)

	sender := m.Wallet(wallet)
	router := client.Router()
	approveUSDC, _ := units.Parse("10000", 6)
	approveWETH, _ := units.Parse("5000", 18)
	_, err = client.Approve(ctx, sender, e.USDCAddress(), router, approveUSDC)
	require.NoError(t, err)
	_, err = client.Approve(ctx, sender, e.WETHAddress(), router, approveWETH)
	require.NoError(t, err)

	investUSDC, _ := units.Parse("1000", 6)
	investWETH, _ := units.Parse("500", 18)
	_, err = client.InvestLiquidity(ctx, sender, e.USDCAddress(), e.WETHAddress(), investUSDC, investWETH, big.NewInt(0))
	require.NoError(t, err)

	swapIn, _ := units.Parse("100", 6)
	_, err = client.Swap(ctx, sender, e.USDCAddress(), e.WETHAddress(), swapIn, big.NewInt(0))
	require.NoError(t, err)

	var swaps struct {
		SwapNumber int64 `json:"swapNumber"`
	}
	getJSON(t, h, "/swaps", &swaps)
	require.Equal(t, int64(1), swaps.SwapNumber)

	var providers, users []string
	getJSON(t, h, "/liquidity-providers", &providers)
	require.Contains(t, providers, wallet.Address().Hex())
	getJSON(t, h, "/users", &users)
	require.Contains(t, users, wallet.Address().Hex())
}
