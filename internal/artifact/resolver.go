// Package artifact reads the broadcast records and build outputs that forge
// writes under a contracts root.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/kmandex/internal/errors"
	"github.com/ggonzalez94/kmandex/internal/registry"
)

const (
	TransactionTypeCreate = "CREATE"
	runLatestFile         = "run-latest.json"
)

type Transaction struct {
	Hash            string `json:"hash"`
	TransactionType string `json:"transactionType"`
	ContractName    string `json:"contractName"`
	ContractAddress string `json:"contractAddress"`
}

// Broadcast holds only the transaction records; resolution never depends on
// the file's other fields.
type Broadcast struct {
	Transactions []Transaction `json:"transactions"`
}

type Operation struct {
	Name            string `json:"name"`
	Kind            string `json:"kind"`
	Signature       string `json:"signature"`
	StateMutability string `json:"state_mutability,omitempty"`
}

// Interface is a contract's parsed ABI plus a flat, sorted list of its
// callable operations, events and errors.
type Interface struct {
	Name       string      `json:"name"`
	ABI        abi.ABI     `json:"-"`
	Operations []Operation `json:"operations"`
}

type Resolver struct {
	ContractsDir string
	Script       string
	ChainID      int64
}

func NewResolver(contractsDir, script string, chainID int64) *Resolver {
	return &Resolver{ContractsDir: contractsDir, Script: script, ChainID: chainID}
}

// BroadcastPath is <root>/broadcast/<script file>/<chain id>/run-latest.json.
func (r *Resolver) BroadcastPath() string {
	return filepath.Join(r.ContractsDir, "broadcast", filepath.Base(r.Script), strconv.FormatInt(r.ChainID, 10), runLatestFile)
}

// InterfacePath is <root>/out/<name>.sol/<name>.json.
func (r *Resolver) InterfacePath(contractName string) string {
	return filepath.Join(r.ContractsDir, "out", contractName+".sol", contractName+".json")
}

func (r *Resolver) LoadBroadcast() (Broadcast, error) {
	path := r.BroadcastPath()
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Broadcast{}, clierr.New(clierr.CodeArtifactNotFound, fmt.Sprintf("contract deployment artifacts not found at: %s", path))
		}
		return Broadcast{}, clierr.Wrap(clierr.CodeInternal, "read deployment artifacts", err)
	}
	var out Broadcast
	if err := json.Unmarshal(buf, &out); err != nil {
		return Broadcast{}, clierr.Wrap(clierr.CodeInternal, fmt.Sprintf("decode deployment artifacts %s", path), err)
	}
	return out, nil
}

// ResolveDeployedAddress returns the address of the first CREATE record.
// When contractName is set only records for that contract are considered.
func (r *Resolver) ResolveDeployedAddress(contractName string) (common.Address, error) {
	broadcast, err := r.LoadBroadcast()
	if err != nil {
		return common.Address{}, err
	}
	contractName = strings.TrimSpace(contractName)
	for _, tx := range broadcast.Transactions {
		if tx.TransactionType != TransactionTypeCreate {
			continue
		}
		if contractName != "" && tx.ContractName != contractName {
			continue
		}
		if !common.IsHexAddress(tx.ContractAddress) {
			return common.Address{}, clierr.New(clierr.CodeInternal, fmt.Sprintf("invalid contract address %q in deployment artifacts", tx.ContractAddress))
		}
		return common.HexToAddress(tx.ContractAddress), nil
	}
	if contractName != "" {
		return common.Address{}, clierr.New(clierr.CodeArtifactNotFound, fmt.Sprintf("CREATE transaction for %s not found in deployment", contractName))
	}
	return common.Address{}, clierr.New(clierr.CodeArtifactNotFound, "CREATE transaction not found in deployment")
}

func (r *Resolver) ResolveInterface(contractName string) (Interface, error) {
	path := r.InterfacePath(contractName)
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Interface{}, clierr.New(clierr.CodeArtifactNotFound, fmt.Sprintf("contract ABI not found at: %s", path))
		}
		return Interface{}, clierr.Wrap(clierr.CodeInternal, "read contract ABI", err)
	}
	var artifact struct {
		ABI json.RawMessage `json:"abi"`
	}
	if err := json.Unmarshal(buf, &artifact); err != nil {
		return Interface{}, clierr.Wrap(clierr.CodeInternal, fmt.Sprintf("decode contract artifact %s", path), err)
	}
	if len(artifact.ABI) == 0 {
		return Interface{}, clierr.New(clierr.CodeArtifactNotFound, fmt.Sprintf("contract artifact %s has no abi", path))
	}
	return ParseInterface(contractName, artifact.ABI)
}

// InterfaceOrFallback resolves the compiled descriptor and falls back to the
// embedded ABI for well-known contracts when out/ has not been built.
func (r *Resolver) InterfaceOrFallback(contractName string) (Interface, error) {
	iface, err := r.ResolveInterface(contractName)
	if err == nil || !clierr.Is(err, clierr.CodeArtifactNotFound) {
		return iface, err
	}
	raw, ok := registry.FallbackABI(contractName)
	if !ok {
		return Interface{}, err
	}
	return ParseInterface(contractName, []byte(raw))
}

// ParseInterface parses a raw ABI JSON array.
func ParseInterface(contractName string, raw []byte) (Interface, error) {
	parsed, err := abi.JSON(strings.NewReader(string(raw)))
	if err != nil {
		return Interface{}, clierr.Wrap(clierr.CodeInternal, fmt.Sprintf("parse %s abi", contractName), err)
	}
	return Interface{Name: contractName, ABI: parsed, Operations: operations(parsed)}, nil
}

func operations(parsed abi.ABI) []Operation {
	ops := make([]Operation, 0, len(parsed.Methods)+len(parsed.Events)+len(parsed.Errors))
	for _, m := range parsed.Methods {
		ops = append(ops, Operation{Name: m.Name, Kind: "function", Signature: m.Sig, StateMutability: m.StateMutability})
	}
	for _, e := range parsed.Events {
		ops = append(ops, Operation{Name: e.Name, Kind: "event", Signature: e.Sig})
	}
	for _, e := range parsed.Errors {
		ops = append(ops, Operation{Name: e.Name, Kind: "error", Signature: e.Sig})
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Kind != ops[j].Kind {
			return ops[i].Kind < ops[j].Kind
		}
		return ops[i].Signature < ops[j].Signature
	})
	return ops
}

func (i Interface) HasMethod(name string) bool {
	_, ok := i.ABI.Methods[name]
	return ok
}
