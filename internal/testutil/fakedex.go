package testutil

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/kmandex/internal/registry"
)

var (
	routerABI  = mustABI(registry.KmanDEXRouterABI)
	factoryABI = mustABI(registry.KmanDEXFactoryABI)
	poolABI    = mustABI(registry.KmanDEXPoolABI)
)

// FakeDEX models a router with one factory and a single pool on a FakeNode.
// Liquidity and swaps move token balances held by the node.
type FakeDEX struct {
	Router  common.Address
	Factory common.Address
	Pool    common.Address
	TokenA  common.Address
	TokenB  common.Address

	node *FakeNode

	mu        sync.Mutex
	reserveA  *big.Int
	reserveB  *big.Int
	providers []common.Address
	users     []common.Address
	swaps     int64
}

// InstallFakeDEX wires call and transaction handlers for the DEX contracts
// into node.
func InstallFakeDEX(node *FakeNode, tokenA, tokenB common.Address) *FakeDEX {
	dex := &FakeDEX{
		Router:   common.HexToAddress(DefaultDeployedAddress),
		Factory:  common.HexToAddress("0x00000000000000000000000000000000000fac70"),
		Pool:     common.HexToAddress("0x0000000000000000000000000000000000000b01"),
		TokenA:   tokenA,
		TokenB:   tokenB,
		node:     node,
		reserveA: new(big.Int),
		reserveB: new(big.Int),
	}
	node.mu.Lock()
	node.CallHandler = dex.call
	node.TxHandler = dex.transact
	node.mu.Unlock()
	return dex
}

func (d *FakeDEX) SwapCount() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.swaps
}

func (d *FakeDEX) call(to common.Address, data []byte) ([]byte, bool) {
	if len(data) < 4 {
		return nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var contract abi.ABI
	switch to {
	case d.Router:
		contract = routerABI
	case d.Factory:
		contract = factoryABI
	case d.Pool:
		contract = poolABI
	default:
		return nil, false
	}
	method, err := contract.MethodById(data[:4])
	if err != nil {
		return nil, false
	}
	var out []byte
	switch method.Name {
	case "factory":
		out, err = method.Outputs.Pack(d.Factory)
	case "getAllPools":
		out, err = method.Outputs.Pack([]common.Address{d.Pool})
	case "getAllLiquidityProviders":
		out, err = method.Outputs.Pack(append([]common.Address{}, d.providers...))
	case "getAllUsers":
		out, err = method.Outputs.Pack(append([]common.Address{}, d.users...))
	case "getSwapsNumber":
		out, err = method.Outputs.Pack(big.NewInt(d.swaps))
	case "tokenA":
		out, err = method.Outputs.Pack(d.TokenA)
	case "tokenB":
		out, err = method.Outputs.Pack(d.TokenB)
	case "tokenAAmount":
		out, err = method.Outputs.Pack(new(big.Int).Set(d.reserveA))
	case "tokenBAmount":
		out, err = method.Outputs.Pack(new(big.Int).Set(d.reserveB))
	default:
		return nil, false
	}
	if err != nil {
		return nil, false
	}
	return out, true
}

func (d *FakeDEX) transact(from, to common.Address, data []byte) (string, bool) {
	if to != d.Router || len(data) < 4 {
		return "", false
	}
	method, err := routerABI.MethodById(data[:4])
	if err != nil {
		return "", false
	}
	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return "invalid calldata", true
	}
	switch method.Name {
	case "investLiquidity":
		amountA, amountB := values[2].(*big.Int), values[3].(*big.Int)
		if reason := d.pull(from, d.TokenA, amountA); reason != "" {
			return reason, true
		}
		if reason := d.pull(from, d.TokenB, amountB); reason != "" {
			return reason, true
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		d.reserveA.Add(d.reserveA, amountA)
		d.reserveB.Add(d.reserveB, amountB)
		d.providers = appendUnique(d.providers, from)
		d.users = appendUnique(d.users, from)
		return "", true
	case "swap":
		tokenIn, amountIn := values[0].(common.Address), values[2].(*big.Int)
		d.mu.Lock()
		empty := d.reserveA.Sign() == 0 || d.reserveB.Sign() == 0
		d.mu.Unlock()
		if empty {
			return "KmanDEX: insufficient liquidity", true
		}
		if reason := d.pull(from, tokenIn, amountIn); reason != "" {
			return reason, true
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if tokenIn == d.TokenA {
			d.reserveA.Add(d.reserveA, amountIn)
		} else {
			d.reserveB.Add(d.reserveB, amountIn)
		}
		d.swaps++
		d.users = appendUnique(d.users, from)
		return "", true
	}
	return "", false
}

func (d *FakeDEX) pull(from, token common.Address, amount *big.Int) string {
	have := d.node.TokenBalance(token, from)
	if have.Cmp(amount) < 0 {
		return "ERC20: transfer amount exceeds balance"
	}
	d.node.SetTokenBalance(token, from, new(big.Int).Sub(have, amount))
	d.node.SetTokenBalance(token, d.Pool, new(big.Int).Add(d.node.TokenBalance(token, d.Pool), amount))
	return ""
}

func appendUnique(list []common.Address, addr common.Address) []common.Address {
	for _, existing := range list {
		if existing == addr {
			return list
		}
	}
	return append(list, addr)
}
