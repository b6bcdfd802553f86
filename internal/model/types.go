package model

import "time"

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command"`
	RunID     string    `json:"run_id,omitempty"`
}

// EnvSession describes a ready forked environment.
type EnvSession struct {
	RunID         string `json:"run_id"`
	RPCURL        string `json:"rpc_url"`
	ChainID       int64  `json:"chain_id"`
	RouterAddress string `json:"router_address"`
	NodePID       int    `json:"node_pid"`
	ForkBlock     uint64 `json:"fork_block,omitempty"`
	APIAddr       string `json:"api_addr,omitempty"`
}

type DeployedContract struct {
	Contract      string `json:"contract"`
	Address       string `json:"address"`
	ChainID       int64  `json:"chain_id"`
	BroadcastPath string `json:"broadcast_path"`
}

type ContractOperation struct {
	Name            string `json:"name"`
	Kind            string `json:"kind"`
	Signature       string `json:"signature"`
	StateMutability string `json:"state_mutability,omitempty"`
}

type ContractInterface struct {
	Contract   string              `json:"contract"`
	Path       string              `json:"path"`
	Operations []ContractOperation `json:"operations"`
}

type FundResult struct {
	Token           string `json:"token"`
	TokenAddress    string `json:"token_address"`
	From            string `json:"from"`
	To              string `json:"to"`
	Amount          string `json:"amount"`
	AmountBaseUnits string `json:"amount_base_units"`
	TxHash          string `json:"tx_hash"`
	BlockNumber     uint64 `json:"block_number"`
	BalanceAfter    string `json:"balance_after"`
}

type TokenInfo struct {
	Symbol   string `json:"symbol"`
	ChainID  int64  `json:"chain_id"`
	Address  string `json:"address"`
	Decimals int    `json:"decimals"`
	Whale    string `json:"whale"`
}

type ServeResult struct {
	Addr   string `json:"addr"`
	Status string `json:"status"`
}
