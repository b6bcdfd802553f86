// Package testutil provides in-memory stand-ins for the chain node and the
// external tools the harness drives.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ggonzalez94/kmandex/internal/registry"
)

var erc20ABI = mustABI(registry.ERC20ABI)

// CallHandler answers eth_call for contracts the fake node does not model.
// Returning ok=false falls through to the default empty result.
type CallHandler func(to common.Address, data []byte) (result []byte, ok bool)

// TxHandler applies a transaction to contracts the fake node does not model.
// A non-empty revert reason marks the transaction as reverted.
type TxHandler func(from, to common.Address, data []byte) (revertReason string, ok bool)

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
	Error   *rpcError       `json:"error,omitempty"`
}

type txArgs struct {
	From  *common.Address `json:"from"`
	To    *common.Address `json:"to"`
	Data  hexutil.Bytes   `json:"data"`
	Input hexutil.Bytes   `json:"input"`
	Value *hexutil.Big    `json:"value"`
}

func (a txArgs) payload() []byte {
	if len(a.Input) > 0 {
		return a.Input
	}
	return a.Data
}

type minedTx struct {
	receipt *types.Receipt
	from    common.Address
	to      common.Address
	data    []byte
	revert  string
}

// FakeNode is a minimal anvil-compatible JSON-RPC node. It models ether
// balances, ERC20 balances for any token address and the anvil cheat codes.
type FakeNode struct {
	ChainID     int64
	CallHandler CallHandler
	TxHandler   TxHandler

	mu           sync.Mutex
	balances     map[common.Address]*big.Int
	tokens       map[common.Address]map[common.Address]*big.Int
	impersonated map[common.Address]bool
	nonces       map[common.Address]uint64
	mined        map[common.Hash]*minedTx
	block        uint64
	methods      []string
	rejectImp    map[common.Address]bool
}

func NewFakeNode(chainID int64) *FakeNode {
	return &FakeNode{
		ChainID:      chainID,
		balances:     map[common.Address]*big.Int{},
		tokens:       map[common.Address]map[common.Address]*big.Int{},
		impersonated: map[common.Address]bool{},
		nonces:       map[common.Address]uint64{},
		mined:        map[common.Hash]*minedTx{},
		rejectImp:    map[common.Address]bool{},
		block:        1,
	}
}

// StartFakeNode serves a new FakeNode over HTTP for the lifetime of the test.
func StartFakeNode(t testing.TB, chainID int64) (*FakeNode, *httptest.Server) {
	t.Helper()
	node := NewFakeNode(chainID)
	server := httptest.NewServer(node)
	t.Cleanup(server.Close)
	return node, server
}

func (n *FakeNode) SetTokenBalance(token, holder common.Address, amount *big.Int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tokenBalancesLocked(token)[holder] = new(big.Int).Set(amount)
}

func (n *FakeNode) TokenBalance(token, holder common.Address) *big.Int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return new(big.Int).Set(n.tokenBalanceLocked(token, holder))
}

func (n *FakeNode) SetBalance(addr common.Address, wei *big.Int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.balances[addr] = new(big.Int).Set(wei)
}

func (n *FakeNode) Balance(addr common.Address) *big.Int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return new(big.Int).Set(n.balanceLocked(addr))
}

func (n *FakeNode) Impersonated(addr common.Address) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.impersonated[addr]
}

// RejectImpersonation makes anvil_impersonateAccount fail for addr.
func (n *FakeNode) RejectImpersonation(addr common.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rejectImp[addr] = true
}

// Methods returns the JSON-RPC methods received so far, in order.
func (n *FakeNode) Methods() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.methods...)
}

func (n *FakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.mu.Lock()
	n.methods = append(n.methods, req.Method)
	n.mu.Unlock()

	result, rpcErr := n.dispatch(req)
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr}
	if len(resp.ID) == 0 {
		resp.ID = json.RawMessage("1")
	}
	if rpcErr != nil {
		resp.Result = nil
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *FakeNode) dispatch(req rpcRequest) (any, *rpcError) {
	switch req.Method {
	case "eth_chainId":
		return hexutil.EncodeBig(big.NewInt(n.ChainID)), nil
	case "net_version":
		return fmt.Sprintf("%d", n.ChainID), nil
	case "eth_blockNumber":
		n.mu.Lock()
		defer n.mu.Unlock()
		return hexutil.EncodeUint64(n.block), nil
	case "eth_getBlockByNumber":
		n.mu.Lock()
		defer n.mu.Unlock()
		return &types.Header{
			Number:     new(big.Int).SetUint64(n.block),
			Difficulty: new(big.Int),
			GasLimit:   30_000_000,
			Time:       1_716_000_000 + n.block*12,
			BaseFee:    big.NewInt(1_000_000_000),
			Extra:      []byte{},
		}, nil
	case "eth_gasPrice":
		return hexutil.EncodeBig(big.NewInt(1_000_000_000)), nil
	case "eth_maxPriorityFeePerGas":
		return hexutil.EncodeBig(big.NewInt(1_000_000)), nil
	case "eth_estimateGas":
		return hexutil.EncodeUint64(100_000), nil
	case "eth_getBalance":
		var addr common.Address
		if err := decodeParam(req.Params, 0, &addr); err != nil {
			return nil, err
		}
		return hexutil.EncodeBig(n.Balance(addr)), nil
	case "eth_getTransactionCount":
		var addr common.Address
		if err := decodeParam(req.Params, 0, &addr); err != nil {
			return nil, err
		}
		n.mu.Lock()
		defer n.mu.Unlock()
		return hexutil.EncodeUint64(n.nonces[addr]), nil
	case "anvil_impersonateAccount":
		var addr common.Address
		if err := decodeParam(req.Params, 0, &addr); err != nil {
			return nil, err
		}
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.rejectImp[addr] {
			return nil, &rpcError{Code: -32603, Message: "impersonation rejected"}
		}
		n.impersonated[addr] = true
		return nil, nil
	case "anvil_stopImpersonatingAccount":
		var addr common.Address
		if err := decodeParam(req.Params, 0, &addr); err != nil {
			return nil, err
		}
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.impersonated, addr)
		return nil, nil
	case "anvil_setBalance":
		var addr common.Address
		var value hexutil.Big
		if err := decodeParam(req.Params, 0, &addr); err != nil {
			return nil, err
		}
		if err := decodeParam(req.Params, 1, &value); err != nil {
			return nil, err
		}
		n.SetBalance(addr, value.ToInt())
		return nil, nil
	case "eth_call":
		var args txArgs
		if err := decodeParam(req.Params, 0, &args); err != nil {
			return nil, err
		}
		return n.call(args)
	case "eth_sendTransaction":
		var args txArgs
		if err := decodeParam(req.Params, 0, &args); err != nil {
			return nil, err
		}
		if args.From == nil || args.To == nil {
			return nil, &rpcError{Code: -32602, Message: "from and to are required"}
		}
		n.mu.Lock()
		allowed := n.impersonated[*args.From]
		n.mu.Unlock()
		if !allowed {
			return nil, &rpcError{Code: -32000, Message: fmt.Sprintf("No Signer available for %s", args.From.Hex())}
		}
		value := new(big.Int)
		if args.Value != nil {
			value = args.Value.ToInt()
		}
		return n.apply(*args.From, *args.To, args.payload(), value).Hex(), nil
	case "eth_sendRawTransaction":
		var raw hexutil.Bytes
		if err := decodeParam(req.Params, 0, &raw); err != nil {
			return nil, err
		}
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(raw); err != nil {
			return nil, &rpcError{Code: -32602, Message: err.Error()}
		}
		from, err := types.LatestSignerForChainID(big.NewInt(n.ChainID)).Sender(tx)
		if err != nil {
			return nil, &rpcError{Code: -32602, Message: err.Error()}
		}
		if tx.To() == nil {
			return nil, &rpcError{Code: -32602, Message: "contract creation not supported"}
		}
		n.applyWithHash(tx.Hash(), from, *tx.To(), tx.Data(), tx.Value())
		return tx.Hash().Hex(), nil
	case "eth_getTransactionReceipt":
		var hash common.Hash
		if err := decodeParam(req.Params, 0, &hash); err != nil {
			return nil, err
		}
		n.mu.Lock()
		defer n.mu.Unlock()
		mined, ok := n.mined[hash]
		if !ok {
			return nil, nil
		}
		return mined.receipt, nil
	default:
		return nil, &rpcError{Code: -32601, Message: fmt.Sprintf("method not supported in test: %s", req.Method)}
	}
}

func (n *FakeNode) call(args txArgs) (any, *rpcError) {
	if args.To == nil {
		return "0x", nil
	}
	data := args.payload()
	if args.From != nil {
		if reason := n.minedRevert(*args.From, *args.To, data); reason != "" {
			return nil, revertError(reason)
		}
	}
	if len(data) >= 4 {
		if method, err := erc20ABI.MethodById(data[:4]); err == nil {
			switch method.Name {
			case "balanceOf":
				values, err := method.Inputs.Unpack(data[4:])
				if err != nil {
					return nil, &rpcError{Code: -32602, Message: err.Error()}
				}
				out, _ := method.Outputs.Pack(n.TokenBalance(*args.To, values[0].(common.Address)))
				return hexutil.Encode(out), nil
			case "decimals":
				out, _ := method.Outputs.Pack(uint8(18))
				return hexutil.Encode(out), nil
			case "transfer":
				from := common.Address{}
				if args.From != nil {
					from = *args.From
				}
				values, err := method.Inputs.Unpack(data[4:])
				if err != nil {
					return nil, &rpcError{Code: -32602, Message: err.Error()}
				}
				if n.TokenBalance(*args.To, from).Cmp(values[1].(*big.Int)) < 0 {
					return nil, revertError("ERC20: transfer amount exceeds balance")
				}
				out, _ := method.Outputs.Pack(true)
				return hexutil.Encode(out), nil
			}
		}
	}
	n.mu.Lock()
	handler := n.CallHandler
	n.mu.Unlock()
	if handler != nil {
		if out, ok := handler(*args.To, data); ok {
			return hexutil.Encode(out), nil
		}
	}
	return "0x", nil
}

// minedRevert returns the revert reason of a previously mined transaction with
// identical sender, target and calldata, so replays observe the same failure.
func (n *FakeNode) minedRevert(from, to common.Address, data []byte) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, mined := range n.mined {
		if mined.revert != "" && mined.from == from && mined.to == to && bytes.Equal(mined.data, data) {
			return mined.revert
		}
	}
	return ""
}

// apply mines a transaction sent through eth_sendTransaction.
func (n *FakeNode) apply(from, to common.Address, data []byte, value *big.Int) common.Hash {
	n.mu.Lock()
	nonce := n.nonces[from]
	n.mu.Unlock()
	hash := crypto.Keccak256Hash(from.Bytes(), to.Bytes(), new(big.Int).SetUint64(nonce).Bytes(), data)
	n.applyWithHash(hash, from, to, data, value)
	return hash
}

func (n *FakeNode) applyWithHash(hash common.Hash, from, to common.Address, data []byte, value *big.Int) {
	revert := n.execute(from, to, data, value)

	n.mu.Lock()
	defer n.mu.Unlock()
	n.nonces[from]++
	n.block++
	status := types.ReceiptStatusSuccessful
	if revert != "" {
		status = types.ReceiptStatusFailed
	}
	blockHash := crypto.Keccak256Hash(new(big.Int).SetUint64(n.block).Bytes())
	n.mined[hash] = &minedTx{
		receipt: &types.Receipt{
			Type:              types.DynamicFeeTxType,
			Status:            status,
			CumulativeGasUsed: 50_000,
			Logs:              []*types.Log{},
			TxHash:            hash,
			GasUsed:           50_000,
			EffectiveGasPrice: big.NewInt(1_000_000_000),
			BlockHash:         blockHash,
			BlockNumber:       new(big.Int).SetUint64(n.block),
		},
		from:   from,
		to:     to,
		data:   append([]byte(nil), data...),
		revert: revert,
	}
}

// execute applies state changes and returns a revert reason on failure.
func (n *FakeNode) execute(from, to common.Address, data []byte, value *big.Int) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if value != nil && value.Sign() > 0 {
		bal := n.balanceLocked(from)
		if bal.Cmp(value) < 0 {
			return "insufficient funds for transfer"
		}
		n.balances[from] = new(big.Int).Sub(bal, value)
		n.balances[to] = new(big.Int).Add(n.balanceLocked(to), value)
	}
	if len(data) < 4 {
		return ""
	}
	if method, err := erc20ABI.MethodById(data[:4]); err == nil {
		switch method.Name {
		case "transfer":
			values, err := method.Inputs.Unpack(data[4:])
			if err != nil {
				return "invalid transfer calldata"
			}
			recipient, amount := values[0].(common.Address), values[1].(*big.Int)
			balances := n.tokenBalancesLocked(to)
			have := n.tokenBalanceLocked(to, from)
			if have.Cmp(amount) < 0 {
				return "ERC20: transfer amount exceeds balance"
			}
			balances[from] = new(big.Int).Sub(have, amount)
			balances[recipient] = new(big.Int).Add(n.tokenBalanceLocked(to, recipient), amount)
			return ""
		case "approve":
			return ""
		}
	}
	handler := n.TxHandler
	if handler == nil {
		return ""
	}
	n.mu.Unlock()
	reason, _ := handler(from, to, data)
	n.mu.Lock()
	return reason
}

func (n *FakeNode) balanceLocked(addr common.Address) *big.Int {
	if bal, ok := n.balances[addr]; ok {
		return bal
	}
	return new(big.Int)
}

func (n *FakeNode) tokenBalancesLocked(token common.Address) map[common.Address]*big.Int {
	balances, ok := n.tokens[token]
	if !ok {
		balances = map[common.Address]*big.Int{}
		n.tokens[token] = balances
	}
	return balances
}

func (n *FakeNode) tokenBalanceLocked(token, holder common.Address) *big.Int {
	if bal, ok := n.tokens[token][holder]; ok {
		return bal
	}
	return new(big.Int)
}

// revertError encodes reason as Error(string) revert data the way anvil
// reports a failed eth_call.
func revertError(reason string) *rpcError {
	return &rpcError{Code: 3, Message: "execution reverted: " + reason, Data: hexutil.Encode(EncodeRevertReason(reason))}
}

// EncodeRevertReason builds Error(string) revert data.
func EncodeRevertReason(reason string) []byte {
	stringType, _ := abi.NewType("string", "", nil)
	packed, _ := abi.Arguments{{Type: stringType}}.Pack(reason)
	return append(common.FromHex("0x08c379a0"), packed...)
}

func decodeParam(params []json.RawMessage, index int, out any) *rpcError {
	if index >= len(params) {
		return &rpcError{Code: -32602, Message: fmt.Sprintf("missing param %d", index)}
	}
	dec := json.NewDecoder(bytes.NewReader(params[index]))
	if err := dec.Decode(out); err != nil {
		return &rpcError{Code: -32602, Message: err.Error()}
	}
	return nil
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
