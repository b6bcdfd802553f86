package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	clierr "github.com/ggonzalez94/kmandex/internal/errors"
	"github.com/ggonzalez94/kmandex/internal/signer"
)

// Sender submits transactions on behalf of one address and returns the hash
// without waiting for inclusion.
type Sender interface {
	Address() common.Address
	Send(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error)
}

// Account is an impersonated address. The node accepts its transactions
// unsigned through eth_sendTransaction.
type Account struct {
	address common.Address
	rpc     *rpc.Client
}

func (a *Account) Address() common.Address { return a.address }

func (a *Account) Send(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error) {
	args := map[string]any{
		"from": a.address,
		"to":   to,
		"data": hexutil.Bytes(data),
	}
	if value != nil && value.Sign() > 0 {
		args["value"] = (*hexutil.Big)(value)
	}
	var hash common.Hash
	if err := a.rpc.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return common.Hash{}, wrapEVMExecutionError(clierr.CodeRPC, "send impersonated transaction", err)
	}
	return hash, nil
}

// GasMultiplier pads estimated gas for signed wallet transactions.
const GasMultiplier = 1.2

// WalletSender signs EIP-1559 transactions with a local key.
type WalletSender struct {
	signer signer.Signer
	client *ethclient.Client
}

func (w *WalletSender) Address() common.Address { return w.signer.Address() }

func (w *WalletSender) Send(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error) {
	if value == nil {
		value = new(big.Int)
	}
	chainID, err := w.client.ChainID(ctx)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeUnavailable, "read chain id", err)
	}
	from := w.signer.Address()
	msg := ethereum.CallMsg{From: from, To: &to, Value: value, Data: data}
	gasLimit, err := w.client.EstimateGas(ctx, msg)
	if err != nil {
		return common.Hash{}, wrapEVMExecutionError(clierr.CodeRPC, "estimate gas", err)
	}
	gasLimit = uint64(float64(gasLimit) * GasMultiplier)

	tipCap, err := w.client.SuggestGasTipCap(ctx)
	if err != nil {
		tipCap = big.NewInt(2_000_000_000) // 2 gwei fallback
	}
	header, err := w.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeUnavailable, "fetch latest header", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(1_000_000_000)
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tipCap)

	nonce, err := w.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeUnavailable, "fetch nonce", err)
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := w.signer.SignTx(chainID, tx)
	if err != nil {
		return common.Hash{}, err
	}
	if err := w.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, wrapEVMExecutionError(clierr.CodeRPC, "broadcast transaction", err)
	}
	return signed.Hash(), nil
}
