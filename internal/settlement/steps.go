package settlement

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mselser95/pool-settler/internal/chain"
	"github.com/mselser95/pool-settler/pkg/types"
)

// Each step fetches external state before submitting. A step whose effect is
// already visible returns AlreadyApplied without a submit, which makes every
// submit safe to re-issue after a lost response or a crash.

func (r *run) poolHandle() types.Handle {
	if !r.pool.Handle.IsZero() {
		return r.pool.Handle
	}
	return r.o.deriver.Pool(r.pool.Admin, r.pool.ID)
}

func (r *run) betHandle(bet types.Bet) types.Handle {
	if !bet.Handle.IsZero() {
		return bet.Handle
	}
	return r.o.deriver.Bet(bet.Bettor, bet.PoolID)
}

func (r *run) payer() chain.AccountMeta {
	return chain.AccountMeta{Handle: r.o.session.Payer.PublicKey(), Writable: true, Signer: true}
}

func (r *run) operation(name string, args map[string]any, extra ...chain.AccountMeta) chain.Operation {
	accounts := append([]chain.AccountMeta{
		r.payer(),
		{Handle: r.poolHandle(), Writable: true},
	}, extra...)
	return chain.Operation{
		Name:     name,
		Accounts: accounts,
		Args:     args,
		Signers:  []chain.Signer{r.o.session.Payer},
	}
}

func (r *run) submit(ctx context.Context, client chain.Client, step Step, op chain.Operation) (Outcome, error) {
	confirmation, err := client.Submit(ctx, op)
	if err != nil {
		return classify(err), fmt.Errorf("submit %s: %w", op.Name, err)
	}
	err = r.confirm(ctx, step, confirmation)
	if err != nil {
		return classify(err), err
	}
	return Confirmed, nil
}

func (r *run) fetchPool(ctx context.Context, client chain.Client) (*chain.Snapshot, *chain.PoolState, error) {
	snap, err := client.FetchAccount(ctx, r.poolHandle())
	if err != nil {
		return nil, nil, fmt.Errorf("fetch pool %d: %w", r.pool.ID, err)
	}
	state, err := chain.DecodePool(snap)
	if err != nil {
		return nil, nil, fmt.Errorf("decode pool %d: %w", r.pool.ID, err)
	}
	return snap, state, nil
}

func (r *run) delegatePool(ctx context.Context) (Outcome, error) {
	snap, err := r.o.ledger.FetchAccount(ctx, r.o.deriver.Protocol())
	if err != nil {
		return classify(err), fmt.Errorf("fetch protocol: %w", err)
	}
	protocol, err := chain.DecodeProtocol(snap)
	if err != nil {
		return Rejected, fmt.Errorf("decode protocol: %w", err)
	}
	if protocol.Paused {
		return Rejected, types.ErrProtocolPaused
	}
	if !protocol.Allocated(r.pool.ID) {
		return Rejected, fmt.Errorf("pool %d, pool count %d: %w", r.pool.ID, protocol.PoolCount, types.ErrUnknownPool)
	}

	poolSnap, state, err := r.fetchPool(ctx, r.o.ledger)
	if err != nil {
		return classify(err), err
	}
	switch {
	case state.WeightFinalized:
		return SkipRemainder, nil
	case poolSnap.Owner == r.o.delegation, state.Resolved:
		// Delegated now, or delegated and already returned resolved.
		return AlreadyApplied, nil
	}

	args := map[string]any{"poolId": r.pool.ID}
	extra := []chain.AccountMeta{{Handle: r.o.delegation}}
	if !r.o.validator.IsZero() {
		args["validator"] = r.o.validator.String()
		extra = append(extra, chain.AccountMeta{Handle: r.o.validator})
	}

	return r.submit(ctx, r.o.ledger, StepDelegatePool, r.operation(chain.OpDelegatePool, args, extra...))
}

func (r *run) resolve(ctx context.Context) (Outcome, error) {
	_, state, err := r.fetchPool(ctx, r.o.enclave)
	if errors.Is(err, chain.ErrNotFound) {
		return r.resolveMissingOnEnclave(ctx, err)
	}
	if err != nil {
		return classify(err), err
	}
	if state.Resolved {
		if r.rec.Target == nil && state.Target != nil {
			r.rec.Target = state.Target
		}
		return AlreadyApplied, nil
	}

	target, err := r.target(ctx)
	if err != nil {
		return classify(err), err
	}

	args := map[string]any{"poolId": r.pool.ID, "target": target}
	return r.submit(ctx, r.o.enclave, StepResolve, r.operation(chain.OpResolvePool, args))
}

// resolveMissingOnEnclave handles a pool the enclave does not hold: either
// delegation has not propagated yet, or the pool already came back resolved.
func (r *run) resolveMissingOnEnclave(ctx context.Context, notFound error) (Outcome, error) {
	snap, state, err := r.fetchPool(ctx, r.o.ledger)
	if err != nil {
		return classify(err), err
	}
	if snap.Owner != r.o.delegation && state.Resolved {
		return AlreadyApplied, nil
	}
	return Transient, notFound
}

// target picks the outcome and writes it to the record before the submit so
// every retry submits the same value.
func (r *run) target(ctx context.Context) (uint64, error) {
	if r.rec.Target != nil {
		return *r.rec.Target, nil
	}

	var target uint64
	switch {
	case r.pool.Target != nil:
		target = *r.pool.Target
	case r.o.oracle != nil:
		v, err := r.o.oracle.Outcome(ctx, r.pool)
		if err != nil {
			return 0, err
		}
		target = v
	default:
		return 0, fmt.Errorf("pool %d: %w", r.pool.ID, ErrNoTarget)
	}

	r.rec.Target = &target
	r.rec.HeartbeatAt = r.o.now().UTC()
	err := r.o.store.UpdateResolution(ctx, r.rec)
	if err != nil {
		r.rec.Target = nil
		return 0, wrapStore("save resolution target", err)
	}

	r.logger.Info("resolution-target-chosen", zap.Uint64("target", target))
	return target, nil
}

func (r *run) calculateWeights(ctx context.Context) (Outcome, error) {
	snap, state, err := r.fetchPool(ctx, r.o.ledger)
	if err != nil {
		return classify(err), err
	}
	if snap.Owner != r.o.delegation {
		if state.WeightFinalized {
			return SkipRemainder, nil
		}
		if state.Resolved {
			// The pool only returns resolved after its bets were computed.
			return AlreadyApplied, nil
		}
	}

	var pending []types.Handle
	for _, bet := range r.bets {
		handle := r.betHandle(bet)
		betSnap, err := r.o.enclave.FetchAccount(ctx, handle)
		if err != nil {
			return classify(err), fmt.Errorf("fetch bet %s on enclave: %w", bet.ID, err)
		}
		betState, err := chain.DecodeBet(betSnap)
		if err != nil {
			return Rejected, fmt.Errorf("decode bet %s: %w", bet.ID, err)
		}
		if !betState.WeightComputed {
			pending = append(pending, handle)
		}
	}

	return r.submitBatches(ctx, r.o.enclave, StepCalculateWeights, chain.OpBatchCalculateWeights, pending)
}

func (r *run) undelegateBets(ctx context.Context) (Outcome, error) {
	var pending []types.Handle
	for _, bet := range r.bets {
		handle := r.betHandle(bet)
		snap, err := r.o.ledger.FetchAccount(ctx, handle)
		if err != nil {
			return classify(err), fmt.Errorf("fetch bet %s on ledger: %w", bet.ID, err)
		}
		if snap.Owner == r.o.delegation {
			pending = append(pending, handle)
		}
	}

	return r.submitBatches(ctx, r.o.enclave, StepUndelegateBets, chain.OpBatchUndelegateBets, pending)
}

// submitBatches submits handles in chunks of the configured batch size,
// persisting each chunk's confirmation before the next.
func (r *run) submitBatches(ctx context.Context, client chain.Client, step Step, name string, handles []types.Handle) (Outcome, error) {
	if len(handles) == 0 {
		return AlreadyApplied, nil
	}

	for start := 0; start < len(handles); start += r.o.batchSize {
		end := min(start+r.o.batchSize, len(handles))

		extra := make([]chain.AccountMeta, 0, end-start)
		for _, h := range handles[start:end] {
			extra = append(extra, chain.AccountMeta{Handle: h, Writable: true})
		}

		args := map[string]any{"poolId": r.pool.ID, "count": end - start}
		outcome, err := r.submit(ctx, client, step, r.operation(name, args, extra...))
		if err != nil {
			return outcome, err
		}
	}

	return Confirmed, nil
}

func (r *run) undelegatePool(ctx context.Context) (Outcome, error) {
	snap, err := r.o.ledger.FetchAccount(ctx, r.poolHandle())
	if err != nil {
		return classify(err), fmt.Errorf("fetch pool %d: %w", r.pool.ID, err)
	}
	if snap.Owner != r.o.delegation {
		return AlreadyApplied, nil
	}

	args := map[string]any{"poolId": r.pool.ID}
	return r.submit(ctx, r.o.enclave, StepUndelegatePool, r.operation(chain.OpUndelegatePool, args))
}

func (r *run) finalizeWeights(ctx context.Context) (Outcome, error) {
	snap, state, err := r.fetchPool(ctx, r.o.ledger)
	if err != nil {
		return classify(err), err
	}
	if snap.Owner == r.o.delegation {
		// Undelegation commits to the ledger asynchronously.
		return Transient, fmt.Errorf("pool %d still owned by delegation program", r.pool.ID)
	}
	if state.WeightFinalized {
		return AlreadyApplied, nil
	}

	args := map[string]any{"poolId": r.pool.ID}
	protocol := chain.AccountMeta{Handle: r.o.deriver.Protocol()}
	return r.submit(ctx, r.o.ledger, StepFinalizeWeights, r.operation(chain.OpFinalizeWeights, args, protocol))
}
