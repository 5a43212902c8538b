package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"

	"github.com/mselser95/pool-settler/internal/chain"
	"github.com/mselser95/pool-settler/pkg/address"
	"github.com/mselser95/pool-settler/pkg/types"
)

// Endpoint names used by FakeChain.
const (
	Ledger  = "ledger"
	Enclave = "enclave"
)

// Account is one account in a FakeChain world.
type Account struct {
	Owner    types.Handle
	Lamports uint64
	Body     map[string]any
}

func (a *Account) clone() *Account {
	body := make(map[string]any, len(a.Body))
	for k, v := range a.Body {
		body[k] = v
	}
	return &Account{Owner: a.Owner, Lamports: a.Lamports, Body: body}
}

// Failure is an injected submit failure.
type Failure struct {
	Err error
	// Apply is how many trailing handles of a batch take effect before Err
	// is returned. Zero means the operation has no effect.
	Apply int
	// Times is how many submits fail. Zero means once.
	Times int
}

// Submission is one submit call observed by FakeChain.
type Submission struct {
	Endpoint string
	Op       string
	Handles  []types.Handle
	Args     map[string]any
	Failed   bool
}

// FakeChain simulates the ledger and the enclave as two account maps moved
// between each other by the resolution operations.
type FakeChain struct {
	mu sync.Mutex

	program    types.Handle
	delegation types.Handle
	deriver    *address.Deriver

	ledger  map[types.Handle]*Account
	enclave map[types.Handle]*Account

	// weights computed by batchCalculateWeights, keyed by bet handle
	weights map[types.Handle]uint64

	failures    map[string][]Failure
	fetchErrors map[string][]error
	submissions []Submission
	fetches     map[string]int
	seq         int
}

// NewFakeChain creates an empty world for program, delegating through
// delegation.
func NewFakeChain(program, delegation types.Handle) *FakeChain {
	return &FakeChain{
		program:     program,
		delegation:  delegation,
		deriver:     address.NewDeriver(program),
		ledger:      make(map[types.Handle]*Account),
		enclave:     make(map[types.Handle]*Account),
		weights:     make(map[types.Handle]uint64),
		failures:    make(map[string][]Failure),
		fetchErrors: make(map[string][]error),
		fetches:     make(map[string]int),
	}
}

// Deriver returns the deriver for the fake's program.
func (f *FakeChain) Deriver() *address.Deriver {
	return f.deriver
}

// Program returns the program id.
func (f *FakeChain) Program() types.Handle {
	return f.program
}

// Delegation returns the delegation program id.
func (f *FakeChain) Delegation() types.Handle {
	return f.delegation
}

// Ledger returns a chain.Client for the ledger endpoint.
func (f *FakeChain) Ledger() chain.Client {
	return &fakeEndpoint{chain: f, name: Ledger}
}

// Enclave returns a chain.Client for the enclave endpoint.
func (f *FakeChain) Enclave() chain.Client {
	return &fakeEndpoint{chain: f, name: Enclave}
}

// Put stores an account on endpoint.
func (f *FakeChain) Put(endpoint string, handle types.Handle, acc *Account) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.world(endpoint)[handle] = acc.clone()
}

// Get returns a copy of an account, or nil.
func (f *FakeChain) Get(endpoint string, handle types.Handle) *Account {
	f.mu.Lock()
	defer f.mu.Unlock()
	acc, ok := f.world(endpoint)[handle]
	if !ok {
		return nil
	}
	return acc.clone()
}

// Delete removes an account from endpoint.
func (f *FakeChain) Delete(endpoint string, handle types.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.world(endpoint), handle)
}

// SetWeight fixes the weight batchCalculateWeights assigns to a bet.
func (f *FakeChain) SetWeight(bet types.Handle, weight uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.weights[bet] = weight
}

// FailSubmit queues a failure for the next submit of op on endpoint.
func (f *FakeChain) FailSubmit(endpoint, op string, failure Failure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if failure.Times == 0 {
		failure.Times = 1
	}
	key := endpoint + ":" + op
	f.failures[key] = append(f.failures[key], failure)
}

// FailFetch queues errors for the next fetches of handle on endpoint.
func (f *FakeChain) FailFetch(endpoint string, handle types.Handle, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := endpoint + ":" + handle.String()
	f.fetchErrors[key] = append(f.fetchErrors[key], errs...)
}

// Submissions returns every submit observed, in order.
func (f *FakeChain) Submissions() []Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Submission(nil), f.submissions...)
}

// SubmitCount returns how many submits of op reached endpoint, including
// failed ones.
func (f *FakeChain) SubmitCount(endpoint, op string) int {
	n := 0
	for _, s := range f.Submissions() {
		if s.Endpoint == endpoint && s.Op == op {
			n++
		}
	}
	return n
}

// SubmittedHandles returns the batch handles sent for op across all submits.
func (f *FakeChain) SubmittedHandles(endpoint, op string) []types.Handle {
	var out []types.Handle
	for _, s := range f.Submissions() {
		if s.Endpoint == endpoint && s.Op == op {
			out = append(out, s.Handles...)
		}
	}
	return out
}

// FetchCount returns how many fetches endpoint served.
func (f *FakeChain) FetchCount(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[endpoint]
}

func (f *FakeChain) world(endpoint string) map[types.Handle]*Account {
	if endpoint == Enclave {
		return f.enclave
	}
	return f.ledger
}

type fakeEndpoint struct {
	chain *FakeChain
	name  string
}

func (e *fakeEndpoint) FetchAccount(ctx context.Context, handle types.Handle) (*chain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, &chain.UnavailableError{Endpoint: e.name, Op: "getAccountInfo", Err: err}
	}

	f := e.chain
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetches[e.name]++

	key := e.name + ":" + handle.String()
	if errs := f.fetchErrors[key]; len(errs) > 0 {
		f.fetchErrors[key] = errs[1:]
		return nil, errs[0]
	}

	acc, ok := f.world(e.name)[handle]
	if !ok {
		return nil, chain.ErrNotFound
	}

	data, err := json.Marshal(acc.Body)
	if err != nil {
		return nil, err
	}

	return &chain.Snapshot{
		Handle:   handle,
		Owner:    acc.Owner,
		Lamports: acc.Lamports,
		Slot:     uint64(f.seq),
		Data:     data,
	}, nil
}

func (e *fakeEndpoint) Submit(ctx context.Context, op chain.Operation) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &chain.UnavailableError{Endpoint: e.name, Op: op.Name, Err: err}
	}

	f := e.chain
	f.mu.Lock()
	defer f.mu.Unlock()

	sub := Submission{Endpoint: e.name, Op: op.Name, Handles: op.Trailing(2), Args: op.Args}

	if len(op.Accounts) < 2 {
		f.submissions = append(f.submissions, sub)
		return "", &chain.RejectedError{Endpoint: e.name, Op: op.Name, Message: "missing accounts"}
	}
	pool := op.Accounts[1].Handle

	key := e.name + ":" + op.Name
	if queue := f.failures[key]; len(queue) > 0 {
		failure := queue[0]
		failure.Times--
		if failure.Times <= 0 {
			f.failures[key] = queue[1:]
		} else {
			queue[0] = failure
		}

		handles := sub.Handles
		if failure.Apply < len(handles) {
			handles = handles[:failure.Apply]
		}
		if failure.Apply > 0 {
			_ = f.apply(e.name, op, pool, handles)
		}

		sub.Failed = true
		f.submissions = append(f.submissions, sub)
		return "", failure.Err
	}

	f.submissions = append(f.submissions, sub)

	err := f.apply(e.name, op, pool, sub.Handles)
	if err != nil {
		return "", err
	}

	f.seq++
	return fmt.Sprintf("%s-%s-%d", e.name, op.Name, f.seq), nil
}

// apply mutates world state for op. Callers hold f.mu.
func (f *FakeChain) apply(endpoint string, op chain.Operation, pool types.Handle, bets []types.Handle) error {
	reject := func(msg string) error {
		return &chain.RejectedError{Endpoint: endpoint, Op: op.Name, Code: -32002, Message: msg}
	}

	switch {
	case endpoint == Ledger && op.Name == chain.OpDelegatePool:
		acc, ok := f.ledger[pool]
		if !ok {
			return reject("pool account missing")
		}
		if acc.Owner == f.delegation {
			return reject("pool already delegated")
		}
		f.enclave[pool] = acc.clone()
		acc.Owner = f.delegation

	case endpoint == Enclave && op.Name == chain.OpResolvePool:
		acc, ok := f.enclave[pool]
		if !ok {
			return reject("pool not delegated")
		}
		if acc.Body["resolved"] == true {
			return reject("pool already resolved")
		}
		acc.Body["resolved"] = true
		acc.Body["target"] = op.Args["target"]

	case endpoint == Enclave && op.Name == chain.OpBatchCalculateWeights:
		acc, ok := f.enclave[pool]
		if !ok || acc.Body["resolved"] != true {
			return reject("pool not resolved")
		}
		total := toUint64(acc.Body["totalWeight"])
		for _, h := range bets {
			bet, ok := f.enclave[h]
			if !ok {
				return reject("bet not delegated")
			}
			if bet.Body["weightComputed"] == true {
				return reject("weight already computed")
			}
			w, ok := f.weights[h]
			if !ok {
				w = toUint64(bet.Body["deposit"])
			}
			bet.Body["weight"] = w
			bet.Body["weightComputed"] = true
			total += w
		}
		acc.Body["totalWeight"] = total

	case endpoint == Enclave && op.Name == chain.OpBatchUndelegateBets:
		for _, h := range bets {
			bet, ok := f.enclave[h]
			if !ok {
				return reject("bet not delegated")
			}
			ledgerBet, ok := f.ledger[h]
			if !ok || ledgerBet.Owner != f.delegation {
				return reject("bet not delegated on ledger")
			}
			committed := bet.clone()
			committed.Owner = f.program
			committed.Lamports = ledgerBet.Lamports
			f.ledger[h] = committed
		}

	case endpoint == Enclave && op.Name == chain.OpUndelegatePool:
		acc, ok := f.enclave[pool]
		if !ok {
			return reject("pool not delegated")
		}
		ledgerPool := f.ledger[pool]
		if ledgerPool == nil || ledgerPool.Owner != f.delegation {
			return reject("pool not delegated on ledger")
		}
		committed := acc.clone()
		committed.Owner = f.program
		committed.Lamports = ledgerPool.Lamports
		f.ledger[pool] = committed

	case endpoint == Ledger && op.Name == chain.OpFinalizeWeights:
		acc, ok := f.ledger[pool]
		if !ok {
			return reject("pool account missing")
		}
		if acc.Owner == f.delegation {
			return reject("pool still delegated")
		}
		if acc.Body["resolved"] != true {
			return reject("pool not resolved")
		}
		if acc.Body["weightFinalized"] == true {
			return reject("weights already finalized")
		}
		acc.Body["weightFinalized"] = true

	default:
		return reject("unknown operation " + op.Name)
	}

	return nil
}

func toUint64(v any) uint64 {
	switch n := v.(type) {
	case uint64:
		return n
	case int:
		return uint64(n)
	case int64:
		return uint64(n)
	case float64:
		return uint64(n)
	default:
		return 0
	}
}

var _ chain.Client = (*fakeEndpoint)(nil)

// Settle applies every resolution operation for pool directly, leaving the
// ledger in its finalized state.
func (f *FakeChain) Settle(ctx context.Context, pool types.Handle, target uint64, bets []types.Handle) error {
	payer := chain.AccountMeta{Handle: f.program, Signer: true}
	poolMeta := chain.AccountMeta{Handle: pool, Writable: true}

	withBets := []chain.AccountMeta{payer, poolMeta}
	for _, h := range bets {
		withBets = append(withBets, chain.AccountMeta{Handle: h, Writable: true})
	}

	steps := []struct {
		client chain.Client
		op     chain.Operation
	}{
		{f.Ledger(), chain.Operation{Name: chain.OpDelegatePool, Accounts: []chain.AccountMeta{payer, poolMeta}}},
		{f.Enclave(), chain.Operation{Name: chain.OpResolvePool, Accounts: []chain.AccountMeta{payer, poolMeta}, Args: map[string]any{"target": target}}},
		{f.Enclave(), chain.Operation{Name: chain.OpBatchCalculateWeights, Accounts: withBets}},
		{f.Enclave(), chain.Operation{Name: chain.OpBatchUndelegateBets, Accounts: withBets}},
		{f.Enclave(), chain.Operation{Name: chain.OpUndelegatePool, Accounts: []chain.AccountMeta{payer, poolMeta}}},
		{f.Ledger(), chain.Operation{Name: chain.OpFinalizeWeights, Accounts: []chain.AccountMeta{payer, poolMeta}}},
	}
	for _, s := range steps {
		if _, err := s.client.Submit(ctx, s.op); err != nil {
			return err
		}
	}
	return nil
}

// Update applies fn to a stored account.
func (f *FakeChain) Update(endpoint string, handle types.Handle, fn func(*Account)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if acc, ok := f.world(endpoint)[handle]; ok {
		fn(acc)
	}
}
