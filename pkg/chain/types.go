package chain

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// OpContractInvoke tags a contract call operation inside a transaction.
const OpContractInvoke = 79

type NetworkInfo struct {
	CurrentBlockHeight uint64 `json:"current_block_height"`
	TargetBlockHeight  uint64 `json:"target_block_height"`
}

// Block is the subset of get_block the scanner needs. TransactionIDs is
// index-aligned with Transactions.
type Block struct {
	Number         uint64        `json:"number"`
	Transactions   []Transaction `json:"transactions"`
	TransactionIDs []string      `json:"transaction_ids"`
}

type Transaction struct {
	Operations []Operation `json:"operations"`
}

// Operation is a [tag, payload] pair. Payload stays raw until a caller asks
// for a specific shape.
type Operation struct {
	Tag     int
	Payload json.RawMessage
}

func (o *Operation) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("operation: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("operation: expected [tag, payload], got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &o.Tag); err != nil {
		return fmt.Errorf("operation tag: %w", err)
	}
	o.Payload = pair[1]
	return nil
}

func (o Operation) MarshalJSON() ([]byte, error) {
	payload := o.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	return json.Marshal([]any{o.Tag, payload})
}

// ContractCall is the payload of an OpContractInvoke operation.
type ContractCall struct {
	CallerAddr  string `json:"caller_addr"`
	ContractID  string `json:"contract_id"`
	ContractAPI string `json:"contract_api"`
	ContractArg string `json:"contract_arg"`
}

// ContractCall decodes the payload. ok is false for other operation tags.
func (o Operation) ContractCall() (call ContractCall, ok bool, err error) {
	if o.Tag != OpContractInvoke {
		return ContractCall{}, false, nil
	}
	if err := json.Unmarshal(o.Payload, &call); err != nil {
		return ContractCall{}, false, fmt.Errorf("contract call payload: %w", err)
	}
	return call, true, nil
}

// TxInfo is the subset of get_transaction used to detect inclusion.
type TxInfo struct {
	TrxID    string `json:"trxid"`
	BlockNum Height `json:"block_num"`
}

// InvokeOutcome is one entry of get_contract_invoke_object.
type InvokeOutcome struct {
	TrxID       string  `json:"trx_id"`
	BlockNum    uint64  `json:"block_num"`
	ExecSucceed bool    `json:"exec_succeed"`
	Events      []Event `json:"events"`
	Invoker     string  `json:"invoker"`
}

type Event struct {
	ContractAddress string `json:"contract_address"`
	CallerAddr      string `json:"caller_addr"`
	EventName       string `json:"event_name"`
	EventArg        string `json:"event_arg"`
	BlockNum        uint64 `json:"block_num"`
	OpNum           uint64 `json:"op_num"`
}

// Height accepts a block number encoded as a JSON number or a numeric string.
type Height uint64

func (h *Height) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("height: %w", err)
	}
	v, err := strconv.ParseUint(n.String(), 10, 64)
	if err != nil {
		return fmt.Errorf("height: %w", err)
	}
	*h = Height(v)
	return nil
}

// InvokeResult is returned by invoke_contract.
type InvokeResult struct {
	TrxID string `json:"trxid"`
}

// RegisterResult is returned by register_contract.
type RegisterResult struct {
	ContractID string `json:"contract_id"`
	TrxID      string `json:"trxid"`
}
