// Package dex reads and drives the KmanDEX router, factory and pool
// contracts.
package dex

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ggonzalez94/kmandex/internal/artifact"
	"github.com/ggonzalez94/kmandex/internal/chain"
	clierr "github.com/ggonzalez94/kmandex/internal/errors"
	"github.com/ggonzalez94/kmandex/internal/registry"
	"golang.org/x/sync/errgroup"
)

const (
	RouterContract  = "KmanDEXRouter"
	FactoryContract = "KmanDEXFactory"
	PoolContract    = "KmanDEXPool"
	ERC20Contract   = "ERC20"
)

type ABIs struct {
	Router  abi.ABI
	Factory abi.ABI
	Pool    abi.ABI
	ERC20   abi.ABI
}

// DefaultABIs returns the embedded descriptors.
func DefaultABIs() ABIs {
	return ABIs{
		Router:  mustABI(registry.KmanDEXRouterABI),
		Factory: mustABI(registry.KmanDEXFactoryABI),
		Pool:    mustABI(registry.KmanDEXPoolABI),
		ERC20:   mustABI(registry.ERC20ABI),
	}
}

// ABIsFromResolver prefers the compiled descriptors under out/ and falls back
// to the embedded ones for contracts that were not built.
func ABIsFromResolver(r *artifact.Resolver) (ABIs, error) {
	var out ABIs
	targets := []struct {
		name string
		dst  *abi.ABI
	}{
		{RouterContract, &out.Router},
		{FactoryContract, &out.Factory},
		{PoolContract, &out.Pool},
		{ERC20Contract, &out.ERC20},
	}
	for _, target := range targets {
		iface, err := r.InterfaceOrFallback(target.name)
		if err != nil {
			return ABIs{}, err
		}
		*target.dst = iface.ABI
	}
	return out, nil
}

type Pool struct {
	Address      common.Address
	TokenA       common.Address
	TokenB       common.Address
	TokenAAmount *big.Int
	TokenBAmount *big.Int
}

// Submitter mines a transaction and reports reverts; chain.Mutator
// implements it.
type Submitter interface {
	Submit(ctx context.Context, from chain.Sender, to common.Address, data []byte, value *big.Int) (*types.Receipt, error)
}

type Client struct {
	caller    ethereum.ContractCaller
	submitter Submitter
	router    common.Address
	abis      ABIs
}

func NewClient(caller ethereum.ContractCaller, router common.Address, abis ABIs) *Client {
	return &Client{caller: caller, router: router, abis: abis}
}

// WithSubmitter enables the write operations.
func (c *Client) WithSubmitter(s Submitter) *Client {
	clone := *c
	clone.submitter = s
	return &clone
}

func (c *Client) Router() common.Address { return c.router }

func (c *Client) Factory(ctx context.Context) (common.Address, error) {
	var factory common.Address
	if err := c.call(ctx, c.abis.Router, c.router, "factory", &factory); err != nil {
		return common.Address{}, err
	}
	return factory, nil
}

// Pools reads every pool registered in the factory with its token pair and
// reserves.
func (c *Client) Pools(ctx context.Context) ([]Pool, error) {
	factory, err := c.Factory(ctx)
	if err != nil {
		return nil, err
	}
	var addrs []common.Address
	if err := c.call(ctx, c.abis.Factory, factory, "getAllPools", &addrs); err != nil {
		return nil, err
	}
	pools := make([]Pool, len(addrs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, addr := range addrs {
		g.Go(func() error {
			pool, err := c.pool(gctx, addr)
			if err != nil {
				return err
			}
			pools[i] = pool
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pools, nil
}

func (c *Client) pool(ctx context.Context, addr common.Address) (Pool, error) {
	pool := Pool{Address: addr}
	if err := c.call(ctx, c.abis.Pool, addr, "tokenA", &pool.TokenA); err != nil {
		return Pool{}, err
	}
	if err := c.call(ctx, c.abis.Pool, addr, "tokenB", &pool.TokenB); err != nil {
		return Pool{}, err
	}
	if err := c.call(ctx, c.abis.Pool, addr, "tokenAAmount", &pool.TokenAAmount); err != nil {
		return Pool{}, err
	}
	if err := c.call(ctx, c.abis.Pool, addr, "tokenBAmount", &pool.TokenBAmount); err != nil {
		return Pool{}, err
	}
	return pool, nil
}

func (c *Client) LiquidityProviders(ctx context.Context) ([]common.Address, error) {
	return c.factoryAddresses(ctx, "getAllLiquidityProviders")
}

func (c *Client) Users(ctx context.Context) ([]common.Address, error) {
	return c.factoryAddresses(ctx, "getAllUsers")
}

func (c *Client) SwapCount(ctx context.Context) (*big.Int, error) {
	factory, err := c.Factory(ctx)
	if err != nil {
		return nil, err
	}
	var count *big.Int
	if err := c.call(ctx, c.abis.Factory, factory, "getSwapsNumber", &count); err != nil {
		return nil, err
	}
	return count, nil
}

func (c *Client) factoryAddresses(ctx context.Context, method string) ([]common.Address, error) {
	factory, err := c.Factory(ctx)
	if err != nil {
		return nil, err
	}
	var out []common.Address
	if err := c.call(ctx, c.abis.Factory, factory, method, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Approve(ctx context.Context, from chain.Sender, token, spender common.Address, amount *big.Int) (*types.Receipt, error) {
	return c.transact(ctx, from, c.abis.ERC20, token, "approve", spender, amount)
}

func (c *Client) InvestLiquidity(ctx context.Context, from chain.Sender, tokenA, tokenB common.Address, amountA, amountB, minLiquidity *big.Int) (*types.Receipt, error) {
	return c.transact(ctx, from, c.abis.Router, c.router, "investLiquidity", tokenA, tokenB, amountA, amountB, orZero(minLiquidity))
}

func (c *Client) Swap(ctx context.Context, from chain.Sender, tokenIn, tokenOut common.Address, amountIn, minAmountOut *big.Int) (*types.Receipt, error) {
	return c.transact(ctx, from, c.abis.Router, c.router, "swap", tokenIn, tokenOut, amountIn, orZero(minAmountOut))
}

func (c *Client) transact(ctx context.Context, from chain.Sender, contract abi.ABI, to common.Address, method string, args ...any) (*types.Receipt, error) {
	if c.submitter == nil {
		return nil, clierr.New(clierr.CodeUsage, "dex client is read-only")
	}
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, fmt.Sprintf("pack %s calldata", method), err)
	}
	return c.submitter.Submit(ctx, from, to, data, nil)
}

func (c *Client) call(ctx context.Context, contract abi.ABI, to common.Address, method string, out any) error {
	data, err := contract.Pack(method)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, fmt.Sprintf("pack %s calldata", method), err)
	}
	raw, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return clierr.Wrap(clierr.CodeRPC, fmt.Sprintf("call %s on %s", method, to.Hex()), err)
	}
	if len(raw) == 0 {
		return clierr.New(clierr.CodeRPC, fmt.Sprintf("call %s on %s returned no data", method, to.Hex()))
	}
	values, err := contract.Unpack(method, raw)
	if err != nil || len(values) == 0 {
		return clierr.Wrap(clierr.CodeRPC, fmt.Sprintf("decode %s result", method), err)
	}
	if err := contract.Methods[method].Outputs.Copy(out, values); err != nil {
		return clierr.Wrap(clierr.CodeRPC, fmt.Sprintf("decode %s result", method), err)
	}
	return nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
