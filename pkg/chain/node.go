// Package chain wraps the node's JSON-RPC methods used by the deployer.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/penguintop/penguin/pkg/rpcclient"
)

const (
	DefaultFee      = "0.00001"
	DefaultGasLimit = 500000
)

// Node issues typed calls through an rpcclient.Caller.
type Node struct {
	rpc      rpcclient.Caller
	fee      string
	gasLimit int
}

func NewNode(rpc rpcclient.Caller) *Node {
	return &Node{
		rpc:      rpc,
		fee:      DefaultFee,
		gasLimit: DefaultGasLimit,
	}
}

func (n *Node) call(ctx context.Context, method string, params []any, out any) error {
	raw, err := n.rpc.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (n *Node) NetworkInfo(ctx context.Context) (NetworkInfo, error) {
	var info NetworkInfo
	err := n.call(ctx, "network_get_info", nil, &info)
	return info, err
}

func (n *Node) GetBlock(ctx context.Context, height uint64) (*Block, error) {
	var block Block
	if err := n.call(ctx, "get_block", []any{height}, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

func (n *Node) GetTransaction(ctx context.Context, txID string) (TxInfo, error) {
	var tx TxInfo
	err := n.call(ctx, "get_transaction", []any{txID}, &tx)
	return tx, err
}

func (n *Node) GetContractInvokeObject(ctx context.Context, txID string) ([]InvokeOutcome, error) {
	var outcomes []InvokeOutcome
	err := n.call(ctx, "get_contract_invoke_object", []any{txID}, &outcomes)
	return outcomes, err
}

// InvokeContractOffline runs a read-only contract method and returns its
// result as text. A null result is returned as "".
func (n *Node) InvokeContractOffline(ctx context.Context, caller, contract, method, args string) (string, error) {
	raw, err := n.rpc.Call(ctx, "invoke_contract_offline", []any{caller, contract, method, args})
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	text := strings.TrimSpace(string(raw))
	if text == "null" {
		return "", nil
	}
	return text, nil
}

// InvokeContract submits a contract call signed by account and returns the
// transaction id, which may be empty when the node refused the call.
func (n *Node) InvokeContract(ctx context.Context, account, contract, method, args string) (string, error) {
	var res InvokeResult
	err := n.call(ctx, "invoke_contract", []any{account, n.fee, n.gasLimit, contract, method, args}, &res)
	return res.TrxID, err
}

// RegisterContract deploys a contract instance from a template file and
// returns the new contract address.
func (n *Node) RegisterContract(ctx context.Context, account, contractPath string) (string, error) {
	var res RegisterResult
	err := n.call(ctx, "register_contract", []any{account, n.fee, n.gasLimit, contractPath}, &res)
	return res.ContractID, err
}
