package provisioner

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/penguintop/penguin/pkg/chain"
	"github.com/penguintop/penguin/pkg/chain/chaintest"
	"github.com/penguintop/penguin/pkg/confirm"
	"github.com/penguintop/penguin/pkg/height"
	"github.com/penguintop/penguin/pkg/scanner"
	"github.com/penguintop/penguin/pkg/store"
	"github.com/penguintop/penguin/pkg/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	node    *chaintest.Node
	letters *memory.DeadLetterStore
	waiter  *confirm.Waiter
	tracker *height.Tracker
}

func newEnv() *env {
	node := chaintest.NewNode()
	node.Info = chain.NetworkInfo{CurrentBlockHeight: 100, TargetBlockHeight: 100}
	node.AdvancePerQuery = 1
	clock := &chaintest.InstantClock{}
	return &env{
		node:    node,
		letters: memory.NewDeadLetterStore(),
		waiter:  confirm.NewWaiter(node, 10*time.Second, clock),
		tracker: height.NewTracker(node, height.Options{PollInterval: 6 * time.Second, Clock: clock}),
	}
}

func (e *env) provisioner(c confirmer, fundExisting bool) *Provisioner {
	if c == nil {
		c = e.waiter
	}
	return New(e.node, c, e.tracker, Options{
		CallerAccount:     "caller",
		AdminAccount:      "admin",
		ReceiveAccount:    "receiver",
		FactoryAddr:       "XWCCfactory",
		TokenAddr:         "XWCCtoken",
		SwapContractPath:  "XRC20SimpleSwap.glua.gpc",
		BlockWait:         2,
		FundExistingSwaps: fundExisting,
		DeadLetters:       e.letters,
	})
}

func deposit(owner string, amount int64) scanner.TransferEvent {
	return scanner.TransferEvent{
		Height: 50,
		TxID:   "deposit-tx",
		From:   owner,
		To:     "XWCNdeposit",
		Amount: big.NewInt(amount),
	}
}

func (e *env) onlyLetter(t *testing.T) *store.DeadLetter {
	t.Helper()
	letters, err := e.letters.List(context.Background())
	require.NoError(t, err)
	require.Len(t, letters, 1)
	return letters[0]
}

func TestProvision_FullPassInOrder(t *testing.T) {
	e := newEnv()

	result, err := e.provisioner(nil, false).Provision(context.Background(), deposit("ownerX", 500))
	require.NoError(t, err)
	assert.Equal(t, ResultRegistered, result)

	assert.Equal(t, []string{
		"deploySimpleSwap(ownerX)",
		"register_contract(XRC20SimpleSwap.glua.gpc) by admin",
		"init_config(ownerX,XWCCtoken,0)@XWCCswap1 by admin",
		"confirmed(tx-1)",
		"transfer(XWCCswap1,500)@XWCCtoken by receiver",
		"confirmed(tx-2)",
		"setSimpleSwap(ownerX,XWCCswap1)@XWCCfactory by admin",
		"confirmed(tx-3)",
	}, e.node.Calls())
	assert.Equal(t, "XWCCswap1", e.node.Swaps["ownerX"])
	assert.Equal(t, "500", e.node.Balances["XWCCswap1"])

	letters, err := e.letters.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestProvision_Idempotent(t *testing.T) {
	e := newEnv()
	p := e.provisioner(nil, false)
	ctx := context.Background()

	result, err := p.Provision(ctx, deposit("ownerX", 500))
	require.NoError(t, err)
	assert.Equal(t, ResultRegistered, result)

	second := deposit("ownerX", 300)
	second.Height = 51
	result, err = p.Provision(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, ResultExisting, result)

	assert.Equal(t, 1, e.node.CountCalls("register_contract"))
	assert.Equal(t, 1, e.node.CountCalls("transfer("))
	assert.Equal(t, "500", e.node.Balances["XWCCswap1"])
}

func TestProvision_ExistingSwapIsOnlyLogged(t *testing.T) {
	e := newEnv()
	e.node.Swaps["ownerX"] = "XWCCswapOld"

	result, err := e.provisioner(nil, false).Provision(context.Background(), deposit("ownerX", 500))
	require.NoError(t, err)
	assert.Equal(t, ResultExisting, result)
	assert.Equal(t, []string{"deploySimpleSwap(ownerX)"}, e.node.Calls())
}

func TestProvision_ExistingSwapFundedWhenEnabled(t *testing.T) {
	e := newEnv()
	e.node.Swaps["ownerX"] = "XWCCswapOld"

	result, err := e.provisioner(nil, true).Provision(context.Background(), deposit("ownerX", 500))
	require.NoError(t, err)
	assert.Equal(t, ResultRefunded, result)
	assert.Equal(t, []string{
		"deploySimpleSwap(ownerX)",
		"transfer(XWCCswapOld,500)@XWCCtoken by receiver",
		"confirmed(tx-1)",
	}, e.node.Calls())
}

func TestProvision_EmptyContractAddress(t *testing.T) {
	e := newEnv()
	e.node.EmptyAddress = true

	result, err := e.provisioner(nil, false).Provision(context.Background(), deposit("ownerX", 500))
	assert.ErrorIs(t, err, ErrEmptyContractAddress)
	assert.Equal(t, ResultDeadLettered, result)
	assert.Equal(t, 0, e.node.CountCalls("init_config"))

	dl := e.onlyLetter(t)
	assert.Equal(t, "Unregistered", dl.Stage)
	assert.Empty(t, dl.SwapAddr)
	assert.Equal(t, 1, dl.Attempts)
	assert.Equal(t, "ownerX", dl.Owner)
	assert.Equal(t, "500", dl.Amount.String())
	assert.Equal(t, store.NewDeadLetterID(50, 0, "deposit-tx", "ownerX"), dl.ID)
}

func TestProvision_EmptyTxIDStopsPass(t *testing.T) {
	tests := []struct {
		method    string
		wantStage string
		notCalled string
	}{
		{method: "init_config", wantStage: "Deployed", notCalled: "transfer("},
		{method: "transfer", wantStage: "Initialized", notCalled: "setSimpleSwap("},
		{method: "setSimpleSwap", wantStage: "Funded"},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			e := newEnv()
			e.node.EmptyTxID[tt.method] = true

			result, err := e.provisioner(nil, false).Provision(context.Background(), deposit("ownerX", 500))
			assert.ErrorIs(t, err, ErrEmptyTxID)
			assert.Equal(t, ResultDeadLettered, result)
			if tt.notCalled != "" {
				assert.Equal(t, 0, e.node.CountCalls(tt.notCalled))
			}

			dl := e.onlyLetter(t)
			assert.Equal(t, tt.wantStage, dl.Stage)
			assert.Equal(t, "XWCCswap1", dl.SwapAddr)
			assert.Empty(t, dl.PendingTx)
			assert.Contains(t, dl.Reason, "empty transaction id")
		})
	}
}

func TestRetry_ResumesWithoutSecondDeploy(t *testing.T) {
	e := newEnv()
	e.node.EmptyTxID["init_config"] = true
	p := e.provisioner(nil, false)
	ctx := context.Background()

	_, err := p.Provision(ctx, deposit("ownerX", 500))
	require.Error(t, err)
	dl := e.onlyLetter(t)

	e.node.EmptyTxID["init_config"] = false
	result, err := p.Retry(ctx, dl)
	require.NoError(t, err)
	assert.Equal(t, ResultRegistered, result)

	assert.Equal(t, 1, e.node.CountCalls("register_contract"))
	assert.Equal(t, "XWCCswap1", e.node.Swaps["ownerX"])
	letters, err := e.letters.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestRetry_FailsAgainCountsAttempts(t *testing.T) {
	e := newEnv()
	e.node.EmptyTxID["transfer"] = true
	p := e.provisioner(nil, false)
	ctx := context.Background()

	_, err := p.Provision(ctx, deposit("ownerX", 500))
	require.Error(t, err)

	_, err = p.Retry(ctx, e.onlyLetter(t))
	assert.ErrorIs(t, err, ErrEmptyTxID)

	dl := e.onlyLetter(t)
	assert.Equal(t, 2, dl.Attempts)
	assert.Equal(t, "Initialized", dl.Stage)
	assert.Equal(t, 1, e.node.CountCalls("register_contract"))
}

func TestRetry_DropsLetterWhenSwapRegisteredMeanwhile(t *testing.T) {
	e := newEnv()
	e.node.EmptyTxID["setSimpleSwap"] = true
	p := e.provisioner(nil, false)
	ctx := context.Background()

	_, err := p.Provision(ctx, deposit("ownerX", 500))
	require.Error(t, err)
	dl := e.onlyLetter(t)

	e.node.Swaps["ownerX"] = "XWCCswap1"
	result, err := p.Retry(ctx, dl)
	require.NoError(t, err)
	assert.Equal(t, ResultExisting, result)
	assert.Equal(t, 1, e.node.CountCalls("setSimpleSwap("))

	letters, err := e.letters.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

// cancellingConfirmer cancels the pass while it waits for txID.
type cancellingConfirmer struct {
	txID   string
	cancel context.CancelFunc
}

func (c *cancellingConfirmer) AwaitConfirmation(ctx context.Context, txID string) (uint64, error) {
	if txID == c.txID {
		c.cancel()
		return 0, ctx.Err()
	}
	return 1, nil
}

func TestProvision_InterruptedPassResumesAfterRestart(t *testing.T) {
	e := newEnv()
	ctx, cancel := context.WithCancel(context.Background())
	interrupted := e.provisioner(&cancellingConfirmer{txID: "tx-2", cancel: cancel}, false)

	result, err := interrupted.Provision(ctx, deposit("ownerX", 500))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ResultDeadLettered, result)

	dl := e.onlyLetter(t)
	assert.Equal(t, "Initialized", dl.Stage)
	assert.Equal(t, "tx-2", dl.PendingTx)
	assert.Equal(t, 0, dl.Attempts)

	// the same deposit seen again after a restart
	result, err = e.provisioner(nil, false).Provision(context.Background(), deposit("ownerX", 500))
	require.NoError(t, err)
	assert.Equal(t, ResultRegistered, result)

	assert.Equal(t, 1, e.node.CountCalls("register_contract"))
	assert.Equal(t, 1, e.node.CountCalls("transfer("))
	assert.Equal(t, "XWCCswap1", e.node.Swaps["ownerX"])
}

// retryAll retries every dead letter in store order until none is left or
// rounds run out.
func (e *env) retryAll(t *testing.T, p *Provisioner, rounds int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < rounds; i++ {
		letters, err := e.letters.List(ctx)
		require.NoError(t, err)
		if len(letters) == 0 {
			return
		}
		for _, dl := range letters {
			_, err := p.Retry(ctx, dl)
			require.NoError(t, err)
		}
	}
}

func TestProvision_SecondDepositWaitsForUnfinishedPass(t *testing.T) {
	e := newEnv()
	e.node.EmptyTxID["transfer"] = true
	p := e.provisioner(nil, false)
	ctx := context.Background()

	_, err := p.Provision(ctx, deposit("ownerX", 500))
	require.ErrorIs(t, err, ErrEmptyTxID)
	first := e.onlyLetter(t)
	require.Equal(t, "Initialized", first.Stage)
	require.Equal(t, "XWCCswap1", first.SwapAddr)

	second := deposit("ownerX", 300)
	second.Height = 51
	result, err := p.Provision(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, ResultQueued, result)
	assert.Equal(t, 1, e.node.CountCalls("register_contract"))

	letters, err := e.letters.List(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 2)

	e.node.EmptyTxID["transfer"] = false
	e.retryAll(t, p, 3)

	assert.Equal(t, 1, e.node.CountCalls("register_contract"))
	assert.Equal(t, "XWCCswap1", e.node.Swaps["ownerX"])
	// the first attempt at 500 returned no transaction id
	assert.Equal(t, 2, e.node.CountCalls("transfer(XWCCswap1,500)"))
	assert.Equal(t, 1, e.node.CountCalls("transfer(XWCCswap1,300)"))
	letters, err = e.letters.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestRetry_QueuedLetterWaitsForLeader(t *testing.T) {
	e := newEnv()
	e.node.EmptyTxID["init_config"] = true
	p := e.provisioner(nil, false)
	ctx := context.Background()

	_, err := p.Provision(ctx, deposit("ownerX", 500))
	require.Error(t, err)
	second := deposit("ownerX", 300)
	second.Height = 51
	_, err = p.Provision(ctx, second)
	require.NoError(t, err)

	queued, err := e.letters.Get(ctx, store.NewDeadLetterID(51, 0, "deposit-tx", "ownerX"))
	require.NoError(t, err)
	result, err := p.Retry(ctx, queued)
	require.NoError(t, err)
	assert.Equal(t, ResultQueued, result)
	assert.Equal(t, 1, e.node.CountCalls("register_contract"))
	assert.Equal(t, 0, queued.Attempts)
}

func TestRetry_FundsSwapRegisteredMeanwhile(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*chaintest.Node)
		stage string
	}{
		{name: "before deploy", setup: func(n *chaintest.Node) { n.EmptyAddress = true }, stage: "Unregistered"},
		{name: "before init", setup: func(n *chaintest.Node) { n.EmptyTxID["init_config"] = true }, stage: "Deployed"},
		{name: "before funding", setup: func(n *chaintest.Node) { n.EmptyTxID["transfer"] = true }, stage: "Initialized"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv()
			tt.setup(e.node)
			p := e.provisioner(nil, false)
			ctx := context.Background()

			_, err := p.Provision(ctx, deposit("ownerX", 500))
			require.Error(t, err)
			dl := e.onlyLetter(t)
			require.Equal(t, tt.stage, dl.Stage)

			e.node.EmptyAddress = false
			e.node.EmptyTxID = map[string]bool{}
			e.node.Swaps["ownerX"] = "XWCCswapOther"

			result, err := p.Retry(ctx, dl)
			require.NoError(t, err)
			assert.Equal(t, ResultRefunded, result)
			assert.Equal(t, 1, e.node.CountCalls("transfer(XWCCswapOther,500)@XWCCtoken by receiver"))
			assert.Equal(t, "500", e.node.Balances["XWCCswapOther"])

			letters, err := e.letters.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, letters)
		})
	}
}

func TestRetry_FailedRefundIsRetriedWithFlagOff(t *testing.T) {
	e := newEnv()
	e.node.EmptyTxID["transfer"] = true
	p := e.provisioner(nil, false)
	ctx := context.Background()

	_, err := p.Provision(ctx, deposit("ownerX", 500))
	require.Error(t, err)
	e.node.Swaps["ownerX"] = "XWCCswapOther"

	_, err = p.Retry(ctx, e.onlyLetter(t))
	require.ErrorIs(t, err, ErrEmptyTxID)
	dl := e.onlyLetter(t)
	assert.Equal(t, "Registered", dl.Stage)
	assert.Equal(t, "XWCCswapOther", dl.SwapAddr)

	e.node.EmptyTxID["transfer"] = false
	result, err := p.Retry(ctx, dl)
	require.NoError(t, err)
	assert.Equal(t, ResultRefunded, result)
	assert.Equal(t, "500", e.node.Balances["XWCCswapOther"])
}

// failingLetters fails the selected operations of an in-memory store.
type failingLetters struct {
	*memory.DeadLetterStore
	get, list, put bool
}

var errDiskFull = errors.New("disk full")

func (f *failingLetters) Get(ctx context.Context, id string) (*store.DeadLetter, error) {
	if f.get {
		return nil, errDiskFull
	}
	return f.DeadLetterStore.Get(ctx, id)
}

func (f *failingLetters) List(ctx context.Context) ([]*store.DeadLetter, error) {
	if f.list {
		return nil, errDiskFull
	}
	return f.DeadLetterStore.List(ctx)
}

func (f *failingLetters) Put(ctx context.Context, dl *store.DeadLetter) error {
	if f.put {
		return errDiskFull
	}
	return f.DeadLetterStore.Put(ctx, dl)
}

func TestProvision_DeadLetterStoreFailure(t *testing.T) {
	tests := []struct {
		name       string
		letters    *failingLetters
		emptyInit  bool
		wantDeploy int
	}{
		{name: "lookup", letters: &failingLetters{get: true}},
		{name: "owner scan", letters: &failingLetters{list: true}},
		{name: "record", letters: &failingLetters{put: true}, emptyInit: true, wantDeploy: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv()
			e.node.EmptyTxID["init_config"] = tt.emptyInit
			tt.letters.DeadLetterStore = memory.NewDeadLetterStore()
			p := New(e.node, e.waiter, e.tracker, Options{
				AdminAccount:     "admin",
				ReceiveAccount:   "receiver",
				FactoryAddr:      "XWCCfactory",
				TokenAddr:        "XWCCtoken",
				SwapContractPath: "XRC20SimpleSwap.glua.gpc",
				BlockWait:        2,
				DeadLetters:      tt.letters,
			})

			_, err := p.Provision(context.Background(), deposit("ownerX", 500))
			assert.ErrorIs(t, err, ErrDeadLetterStore)
			assert.ErrorIs(t, err, errDiskFull)
			assert.Equal(t, tt.wantDeploy, e.node.CountCalls("register_contract"))
		})
	}
}

func TestParseState(t *testing.T) {
	for s := Unregistered; s <= Registered; s++ {
		got, err := ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	got, err := ParseState("")
	require.NoError(t, err)
	assert.Equal(t, Unregistered, got)

	_, err = ParseState("Bogus")
	assert.Error(t, err)
	assert.Equal(t, "State(9)", State(9).String())
}
