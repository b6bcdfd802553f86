// Package chain mutates forked chain state through anvil's cheat codes and
// moves tokens between accounts for tests.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	clierr "github.com/ggonzalez94/kmandex/internal/errors"
	"github.com/ggonzalez94/kmandex/internal/logging"
	"github.com/ggonzalez94/kmandex/internal/registry"
	"github.com/ggonzalez94/kmandex/internal/signer"
	"go.uber.org/zap"
)

var erc20ABI = mustABI(registry.ERC20ABI)

// DefaultImpersonationBalance is 100 ether, enough to pay fees for any test.
var DefaultImpersonationBalance = new(big.Int).Mul(big.NewInt(100), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

const DefaultPollInterval = 250 * time.Millisecond

type Mutator struct {
	rpc    *rpc.Client
	client *ethclient.Client
	logger *zap.Logger

	// ImpersonationBalance is set on every impersonated account.
	ImpersonationBalance *big.Int
	PollInterval         time.Duration

	mu           sync.Mutex
	impersonated map[common.Address]struct{}
}

func New(rpcClient *rpc.Client, logger *zap.Logger) *Mutator {
	return &Mutator{
		rpc:                  rpcClient,
		client:               ethclient.NewClient(rpcClient),
		logger:               logging.OrNop(logger).Named("chain"),
		ImpersonationBalance: new(big.Int).Set(DefaultImpersonationBalance),
		PollInterval:         DefaultPollInterval,
		impersonated:         map[common.Address]struct{}{},
	}
}

func Dial(ctx context.Context, url string, logger *zap.Logger) (*Mutator, error) {
	rpcClient, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("connect rpc %s", url), err)
	}
	return New(rpcClient, logger), nil
}

func (m *Mutator) Client() *ethclient.Client { return m.client }

func (m *Mutator) Close() { m.rpc.Close() }

// Impersonate lets the node accept unsigned transactions from addr and funds
// it with ImpersonationBalance for fees.
func (m *Mutator) Impersonate(ctx context.Context, addr common.Address) (*Account, error) {
	if err := m.rpc.CallContext(ctx, nil, "anvil_impersonateAccount", addr); err != nil {
		return nil, clierr.Wrap(clierr.CodeRPC, fmt.Sprintf("impersonate %s", addr.Hex()), err)
	}
	m.mu.Lock()
	m.impersonated[addr] = struct{}{}
	m.mu.Unlock()
	if err := m.SetBalance(ctx, addr, m.ImpersonationBalance); err != nil {
		return nil, err
	}
	m.logger.Info("impersonating account", zap.String("address", addr.Hex()))
	return &Account{address: addr, rpc: m.rpc}, nil
}

func (m *Mutator) StopImpersonating(ctx context.Context, addr common.Address) error {
	if err := m.rpc.CallContext(ctx, nil, "anvil_stopImpersonatingAccount", addr); err != nil {
		return clierr.Wrap(clierr.CodeRPC, fmt.Sprintf("stop impersonating %s", addr.Hex()), err)
	}
	m.mu.Lock()
	delete(m.impersonated, addr)
	m.mu.Unlock()
	return nil
}

// ReleaseAll stops every impersonation this mutator started. All accounts
// are attempted even when some fail.
func (m *Mutator) ReleaseAll(ctx context.Context) error {
	var errs []error
	for _, addr := range m.Impersonated() {
		if err := m.StopImpersonating(ctx, addr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Impersonated lists tracked addresses in a stable order.
func (m *Mutator) Impersonated() []common.Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]common.Address, 0, len(m.impersonated))
	for addr := range m.impersonated {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i].Hex(), out[j].Hex()) < 0 })
	return out
}

func (m *Mutator) SetBalance(ctx context.Context, addr common.Address, wei *big.Int) error {
	if wei == nil || wei.Sign() < 0 {
		return clierr.New(clierr.CodeUsage, "balance must be a non-negative integer")
	}
	if err := m.rpc.CallContext(ctx, nil, "anvil_setBalance", addr, hexutil.EncodeBig(wei)); err != nil {
		return clierr.Wrap(clierr.CodeRPC, fmt.Sprintf("set balance of %s", addr.Hex()), err)
	}
	return nil
}

func (m *Mutator) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	bal, err := m.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeRPC, fmt.Sprintf("read balance of %s", addr.Hex()), err)
	}
	return bal, nil
}

// Wallet adapts a local signer into a Sender on this node.
func (m *Mutator) Wallet(s signer.Signer) *WalletSender {
	return &WalletSender{signer: s, client: m.client}
}

func (m *Mutator) TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", holder)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack balanceOf calldata", err)
	}
	out, err := m.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, wrapEVMExecutionError(clierr.CodeRPC, fmt.Sprintf("read %s balance", token.Hex()), err)
	}
	values, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil || len(values) == 0 {
		return nil, clierr.Wrap(clierr.CodeRPC, fmt.Sprintf("decode %s balance", token.Hex()), err)
	}
	bal, ok := values[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeRPC, "unexpected balanceOf result")
	}
	return bal, nil
}

// FundWallet transfers amount of token from an impersonated (or signing)
// sender to the recipient and waits for the transfer to be mined.
func (m *Mutator) FundWallet(ctx context.Context, from Sender, token, to common.Address, amount *big.Int) (*types.Receipt, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, clierr.New(clierr.CodeUsage, "funding amount must be positive")
	}
	data, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack transfer calldata", err)
	}
	receipt, err := m.Submit(ctx, from, token, data, nil)
	if err != nil {
		return nil, err
	}
	m.logger.Info("funded wallet",
		zap.String("token", token.Hex()),
		zap.String("from", from.Address().Hex()),
		zap.String("to", to.Hex()),
		zap.String("amount", amount.String()),
		zap.String("tx_hash", receipt.TxHash.Hex()),
	)
	return receipt, nil
}

// Submit sends a transaction, waits for its receipt and reports a revert
// with the reason recovered by replaying the call at the mined block.
func (m *Mutator) Submit(ctx context.Context, from Sender, to common.Address, data []byte, value *big.Int) (*types.Receipt, error) {
	hash, err := from.Send(ctx, to, data, value)
	if err != nil {
		return nil, err
	}
	receipt, err := m.WaitMined(ctx, hash)
	if err != nil {
		return nil, err
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return receipt, nil
	}
	msg := ethereum.CallMsg{From: from.Address(), To: &to, Data: data, Value: value}
	_, callErr := m.client.CallContract(ctx, msg, receipt.BlockNumber)
	reason := decodeRevertFromError(callErr)
	if reason == "" {
		reason = "unknown reason"
	}
	return receipt, clierr.New(clierr.CodeRevert, fmt.Sprintf("transaction %s reverted: %s", hash.Hex(), reason))
}

// WaitMined polls for the receipt until it exists. The caller bounds the
// wait through ctx.
func (m *Mutator) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	interval := m.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		receipt, err := m.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			m.logger.Debug("receipt poll failed", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil, clierr.Wrap(clierr.CodeRPC, fmt.Sprintf("wait for transaction %s", hash.Hex()), ctx.Err())
		case <-ticker.C:
		}
	}
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
