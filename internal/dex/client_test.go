package dex

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/kmandex/internal/artifact"
	"github.com/ggonzalez94/kmandex/internal/chain"
	clierr "github.com/ggonzalez94/kmandex/internal/errors"
	"github.com/ggonzalez94/kmandex/internal/signer"
	"github.com/ggonzalez94/kmandex/internal/testutil"
	"github.com/stretchr/testify/require"
)

var (
	usdc = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	weth = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
)

type fixture struct {
	node    *testutil.FakeNode
	fake    *testutil.FakeDEX
	mutator *chain.Mutator
	client  *Client
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	node, server := testutil.StartFakeNode(t, 1)
	fake := testutil.InstallFakeDEX(node, usdc, weth)
	m, err := chain.Dial(context.Background(), server.URL, nil)
	require.NoError(t, err)
	m.PollInterval = 10 * time.Millisecond
	t.Cleanup(m.Close)
	client := NewClient(m.Client(), fake.Router, DefaultABIs()).WithSubmitter(m)
	return fixture{node: node, fake: fake, mutator: m, client: client}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPoolsEmptyReserves(t *testing.T) {
	f := newFixture(t)
	pools, err := f.client.Pools(testContext(t))
	require.NoError(t, err)
	require.Len(t, pools, 1)
	require.Equal(t, f.fake.Pool, pools[0].Address)
	require.Equal(t, usdc, pools[0].TokenA)
	require.Equal(t, weth, pools[0].TokenB)
	require.Zero(t, pools[0].TokenAAmount.Sign())
	require.Zero(t, pools[0].TokenBAmount.Sign())
}

func TestInvestAndSwapUpdateFactoryViews(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)
	wallet, err := signer.Generate()
	require.NoError(t, err)
	f.node.SetTokenBalance(usdc, wallet.Address(), big.NewInt(100_000_000_000))
	f.node.SetTokenBalance(weth, wallet.Address(), new(big.Int).Mul(big.NewInt(10_000), big.NewInt(1e18)))
	sender := f.mutator.Wallet(wallet)

	_, err = f.client.Approve(ctx, sender, usdc, f.client.Router(), big.NewInt(10_000_000_000))
	require.NoError(t, err)
	_, err = f.client.InvestLiquidity(ctx, sender, usdc, weth, big.NewInt(1_000_000_000), new(big.Int).Mul(big.NewInt(500), big.NewInt(1e18)), nil)
	require.NoError(t, err)
	_, err = f.client.Swap(ctx, sender, usdc, weth, big.NewInt(100_000_000), nil)
	require.NoError(t, err)

	count, err := f.client.SwapCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count.Int64())

	providers, err := f.client.LiquidityProviders(ctx)
	require.NoError(t, err)
	require.Contains(t, providers, wallet.Address())

	users, err := f.client.Users(ctx)
	require.NoError(t, err)
	require.Contains(t, users, wallet.Address())

	pools, err := f.client.Pools(ctx)
	require.NoError(t, err)
	require.Equal(t, "1100000000", pools[0].TokenAAmount.String())
}

func TestSwapWithoutLiquidityReverts(t *testing.T) {
	f := newFixture(t)
	ctx := testContext(t)
	whale, err := f.mutator.Impersonate(ctx, common.HexToAddress("0x47ac0Fb4F2D84898e4D9E7b4DaB3C24507a6D503"))
	require.NoError(t, err)

	_, err = f.client.Swap(ctx, whale, usdc, weth, big.NewInt(1), nil)
	require.Error(t, err)
	require.True(t, clierr.Is(err, clierr.CodeRevert))
	require.Contains(t, err.Error(), "insufficient liquidity")
	require.Zero(t, f.fake.SwapCount())
}

func TestReadOnlyClientRejectsWrites(t *testing.T) {
	f := newFixture(t)
	readOnly := NewClient(f.mutator.Client(), f.fake.Router, DefaultABIs())
	_, err := readOnly.Swap(testContext(t), nil, usdc, weth, big.NewInt(1), nil)
	require.True(t, clierr.Is(err, clierr.CodeUsage))
}

func TestCallAgainstMissingContract(t *testing.T) {
	f := newFixture(t)
	client := NewClient(f.mutator.Client(), common.HexToAddress("0x0000000000000000000000000000000000000bad"), DefaultABIs())
	_, err := client.Pools(testContext(t))
	require.Error(t, err)
	require.True(t, clierr.Is(err, clierr.CodeRPC))
}

func TestABIsFromResolverFallsBack(t *testing.T) {
	abis, err := ABIsFromResolver(artifact.NewResolver(t.TempDir(), "script/KmanDEXRouter.s.sol", 1))
	require.NoError(t, err)
	require.Contains(t, abis.Router.Methods, "investLiquidity")
	require.Contains(t, abis.Factory.Methods, "getSwapsNumber")
	require.Contains(t, abis.Pool.Methods, "tokenAAmount")
	require.Contains(t, abis.ERC20.Methods, "approve")
}
