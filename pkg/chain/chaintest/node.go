// Package chaintest provides an in-memory chain node for tests.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/penguintop/penguin/pkg/chain"
)

// ErrNotFound is returned for unknown blocks.
var ErrNotFound = errors.New("not found")

// Node simulates the subset of node behaviour the deployer relies on. The
// factory mapping is updated when setSimpleSwap is invoked, so repeated
// provisioning observes earlier registrations.
type Node struct {
	mu sync.Mutex

	Info     chain.NetworkInfo
	Blocks   map[uint64]*chain.Block
	Outcomes map[string][]chain.InvokeOutcome

	// Swaps is the factory's owner -> swap contract mapping.
	Swaps map[string]string
	// Balances tracks token transfers submitted through invoke_contract.
	Balances map[string]string
	// OfflineResults answers invoke_contract_offline by "contract.method".
	OfflineResults map[string]string

	// AdvancePerQuery raises the head height on every NetworkInfo call.
	AdvancePerQuery uint64
	// PendingPolls is how many get_transaction polls report block 0 first.
	PendingPolls int
	// EmptyAddress makes register_contract return no address.
	EmptyAddress bool
	// EmptyTxID lists invoke_contract methods that return no transaction id.
	EmptyTxID map[string]bool
	// BadTransaction makes get_transaction fail to decode for these ids.
	BadTransaction map[string]int

	calls    []string
	polls    map[string]int
	nextTx   int
	nextAddr int
}

func NewNode() *Node {
	return &Node{
		Blocks:         make(map[uint64]*chain.Block),
		Outcomes:       make(map[string][]chain.InvokeOutcome),
		Swaps:          make(map[string]string),
		Balances:       make(map[string]string),
		OfflineResults: make(map[string]string),
		EmptyTxID:      make(map[string]bool),
		BadTransaction: make(map[string]int),
		polls:          make(map[string]int),
	}
}

// Calls returns the ordered log of state-changing calls and confirmations.
func (n *Node) Calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

// CountCalls returns how many logged calls start with prefix.
func (n *Node) CountCalls(prefix string) int {
	count := 0
	for _, c := range n.Calls() {
		if strings.HasPrefix(c, prefix) {
			count++
		}
	}
	return count
}

func (n *Node) record(format string, args ...any) {
	n.calls = append(n.calls, fmt.Sprintf(format, args...))
}

func (n *Node) NetworkInfo(context.Context) (chain.NetworkInfo, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	info := n.Info
	n.Info.CurrentBlockHeight += n.AdvancePerQuery
	if n.Info.TargetBlockHeight < n.Info.CurrentBlockHeight {
		n.Info.TargetBlockHeight = n.Info.CurrentBlockHeight
	}
	return info, nil
}

func (n *Node) GetBlock(_ context.Context, height uint64) (*chain.Block, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.record("get_block(%d)", height)
	block, ok := n.Blocks[height]
	if !ok {
		return &chain.Block{Number: height}, nil
	}
	return block, nil
}

func (n *Node) GetContractInvokeObject(_ context.Context, txID string) ([]chain.InvokeOutcome, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.Outcomes[txID], nil
}

func (n *Node) GetTransaction(_ context.Context, txID string) (chain.TxInfo, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.BadTransaction[txID] > 0 {
		n.BadTransaction[txID]--
		return chain.TxInfo{}, fmt.Errorf("decode get_transaction result: %w", ErrNotFound)
	}
	n.polls[txID]++
	if n.polls[txID] <= n.PendingPolls {
		return chain.TxInfo{TrxID: txID}, nil
	}
	n.record("confirmed(%s)", txID)
	return chain.TxInfo{TrxID: txID, BlockNum: chain.Height(n.Info.CurrentBlockHeight + 1)}, nil
}

func (n *Node) InvokeContractOffline(_ context.Context, _, contract, method, args string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.record("%s(%s)", method, args)
	if method == "deploySimpleSwap" {
		return n.Swaps[args], nil
	}
	return n.OfflineResults[contract+"."+method], nil
}

func (n *Node) InvokeContract(_ context.Context, account, contract, method, args string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.record("%s(%s)@%s by %s", method, args, contract, account)
	if n.EmptyTxID[method] {
		return "", nil
	}
	switch method {
	case "setSimpleSwap":
		parts := strings.Split(args, ",")
		if len(parts) == 2 {
			n.Swaps[parts[0]] = parts[1]
		}
	case "transfer":
		parts := strings.Split(args, ",")
		if len(parts) == 2 {
			n.Balances[parts[0]] = parts[1]
		}
	}
	n.nextTx++
	return fmt.Sprintf("tx-%d", n.nextTx), nil
}

func (n *Node) RegisterContract(_ context.Context, account, contractPath string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.record("register_contract(%s) by %s", contractPath, account)
	if n.EmptyAddress {
		return "", nil
	}
	n.nextAddr++
	return fmt.Sprintf("XWCCswap%d", n.nextAddr), nil
}
