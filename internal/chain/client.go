// Package chain talks to the public ledger and the enclave over JSON-RPC.
// Both endpoints share one operation vocabulary; the enclave additionally
// requires a bearer session token.
package chain

import (
	"context"

	"github.com/mselser95/pool-settler/pkg/types"
)

// Operation names understood by the program on both endpoints.
const (
	OpDelegatePool          = "delegatePool"
	OpResolvePool           = "resolvePool"
	OpBatchCalculateWeights = "batchCalculateWeights"
	OpBatchUndelegateBets   = "batchUndelegateBets"
	OpUndelegatePool        = "undelegatePool"
	OpFinalizeWeights       = "finalizeWeights"
)

// Client submits operations to, and reads accounts from, one endpoint.
type Client interface {
	// Submit sends a signed operation and returns its confirmation id.
	// Errors are *RejectedError, *UnavailableError or *SessionError.
	Submit(ctx context.Context, op Operation) (string, error)

	// FetchAccount returns the account snapshot, or ErrNotFound.
	FetchAccount(ctx context.Context, handle types.Handle) (*Snapshot, error)
}

// Signer signs operation messages.
type Signer interface {
	PublicKey() types.Handle
	Sign(message []byte) ([]byte, error)
}

// AccountMeta is one entry of an operation's account set.
type AccountMeta struct {
	Handle   types.Handle
	Writable bool
	Signer   bool
}

// Operation is a program instruction with its accounts, arguments and signers.
// By convention Accounts[0] is the fee payer and Accounts[1] the pool.
type Operation struct {
	Name     string
	Accounts []AccountMeta
	Args     map[string]any
	Signers  []Signer
}

// Trailing returns the handles after the first n accounts.
func (o Operation) Trailing(n int) []types.Handle {
	if len(o.Accounts) <= n {
		return nil
	}
	handles := make([]types.Handle, 0, len(o.Accounts)-n)
	for _, meta := range o.Accounts[n:] {
		handles = append(handles, meta.Handle)
	}
	return handles
}

// Snapshot is an account as read from an endpoint.
type Snapshot struct {
	Handle   types.Handle
	Owner    types.Handle
	Lamports uint64
	Slot     uint64
	Data     []byte // program-parsed account body, JSON
}
