package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Klingon-tech/swapengine/internal/adapter"
	"github.com/Klingon-tech/swapengine/internal/chain"
	"github.com/Klingon-tech/swapengine/internal/quote"
	"github.com/Klingon-tech/swapengine/internal/storage"
)

// CreateSwap creates a swap from a live quote and locks the initiator's
// funds on the source chain.
//
// Validation failures return before anything is stored. When the chain
// rejects the lock the swap is kept as FAILED and returned with the error.
// When the outcome of the lock is unknown the swap stays QUOTED with the
// initiate pending and is returned with ErrUnknownChainState.
func (c *Coordinator) CreateSwap(ctx context.Context, q *quote.Quote, p CreateParams) (*storage.Swap, error) {
	if q == nil {
		return nil, fmt.Errorf("%w: no quote", ErrInvalidParams)
	}
	now := c.now()
	if q.Expired(now) {
		return nil, fmt.Errorf("%w: quote %s expired at %s", ErrQuoteExpired, q.ID, q.ExpiresAt.Format(time.RFC3339))
	}

	token, err := chain.ResolveToken(q.FromToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedPair, err)
	}
	swap, source, err := c.buildSwap(q, p, now)
	if err != nil {
		return nil, err
	}

	unlock := c.lock(swap.ID)
	defer unlock()

	swap.Pending = opInitiate
	if err := c.store.CreateSwap(swap); err != nil {
		if errors.Is(err, storage.ErrQuoteUsed) {
			return nil, fmt.Errorf("%w: %s", ErrQuoteConsumed, q.ID)
		}
		return nil, err
	}
	if c.book != nil {
		c.book.Consume(q.ID)
	}
	log := c.log.Swap(swap.ID)
	log.Info("Swap created", "pair", swap.FromToken+"/"+swap.ToToken, "amount", swap.Amount,
		"timelock", swap.HTLC.Timelock.Format(time.RFC3339), "partial_fills", swap.HTLC.PartialFillsEnabled)
	c.emit(swap.ID, EventSwapCreated, swap)

	req := adapter.LockRequest{
		SwapID:        swap.ID,
		Token:         *token,
		Amount:        swap.HTLC.LockedAmount,
		HashAlgorithm: string(swap.HTLC.HashAlgorithm),
		SecretHash:    swap.HTLC.SecretHash,
		Initiator:     swap.InitiatorAddress,
		Resolver:      swap.ResolverAddress,
		Timelock:      swap.HTLC.Timelock,
		PartialFills:  swap.HTLC.PartialFillsEnabled,
		MaxFills:      swap.HTLC.MaxPartialFills,
	}

	callCtx, cancel := c.callContext(ctx)
	ref, err := source.Initiate(callCtx, req)
	cancel()
	if err == nil {
		return c.commitInitiated(swap.ID, opInitiate, string(ref), false)
	}

	if adapter.IsFatal(err) || errors.Is(err, adapter.ErrPartialFillsUnsupported) {
		failed, cerr := c.store.Commit(swap.ID, storage.Transition{
			Op:        opInitiate,
			From:      []storage.SwapStatus{storage.StatusQuoted},
			To:        storage.StatusFailed,
			LastError: err.Error(),
		})
		if cerr != nil {
			return nil, fmt.Errorf("initiate failed (%v), and marking the swap failed: %w", err, cerr)
		}
		log.Warn("Initiate rejected, swap failed", "error", err)
		c.emit(swap.ID, EventSwapFailed, failed)
		return failed, err
	}

	return c.resolveInitiate(ctx, swap, source, err)
}

// resolveInitiate reads the lock back after an initiate whose outcome is not
// known and either commits the lock, deletes the swap, or leaves it pending.
// A swap is only deleted when the failed call cannot have broadcast a lock.
func (c *Coordinator) resolveInitiate(ctx context.Context, swap *storage.Swap, source adapter.Adapter, cause error) (*storage.Swap, error) {
	log := c.log.Swap(swap.ID)

	op := opInitiate
	if mayHaveLanded(cause) {
		if err := c.store.ReplacePending(swap.ID, opInitiate, opInitiateSent); err != nil {
			log.Error("Failed to mark initiate as sent", "error", err)
		} else {
			op = opInitiateSent
		}
	}

	// the caller's ctx may be the reason we're here
	readCtx, cancel := c.callContext(context.WithoutCancel(ctx))
	remote, err := source.FetchHTLCState(readCtx, swap.ID)
	cancel()

	switch {
	case err == nil && remote.Exists:
		log.Info("Initiate errored but the lock landed", "error", cause, "tx", remote.LockTx)
		return c.commitInitiated(swap.ID, op, string(remote.LockTx), false)

	case err != nil, op == opInitiateSent:
		msg := fmt.Sprintf("initiate: %v", cause)
		if err != nil {
			msg += fmt.Sprintf("; lock read: %v", err)
		}
		if serr := c.store.SetLastError(swap.ID, msg); serr != nil {
			log.Error("Failed to record error", "error", serr)
		}
		log.Warn("Initiate outcome unknown, left pending", "pending", op, "error", cause, "read_error", err)
		current, gerr := c.store.GetSwap(swap.ID)
		if gerr != nil {
			current = swap
		}
		return current, fmt.Errorf("%w: %s", ErrUnknownChainState, msg)

	default:
		if derr := c.store.DeleteQuotedSwap(swap.ID); derr != nil {
			return nil, fmt.Errorf("initiate failed (%v), and removing the swap: %w", cause, derr)
		}
		if c.book != nil {
			c.book.Release(swap.QuoteID)
		}
		log.Info("Initiate failed before reaching the chain, swap removed", "error", cause)
		c.emit(swap.ID, EventSwapRolledBack, &RollbackEvent{Op: opInitiate, Error: cause.Error(), Deleted: true})
		return nil, cause
	}
}

// mayHaveLanded reports whether a failed chain write could still take
// effect: its outcome is unknown, or the caller gave up waiting for it.
func mayHaveLanded(err error) bool {
	return errors.Is(err, adapter.ErrUnknownChainState) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (c *Coordinator) commitInitiated(id, op, tx string, observed bool) (*storage.Swap, error) {
	swap, err := c.store.Commit(id, storage.Transition{
		Op:         op,
		Observed:   observed,
		From:       []storage.SwapStatus{storage.StatusQuoted},
		To:         storage.StatusInitiated,
		InitiateTx: tx,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to commit initiate: %w", err)
	}
	c.log.Swap(id).Info("Swap initiated", "tx", tx, "observed", observed)
	c.emit(id, EventSwapInitiated, swap)
	return swap, nil
}

// buildSwap validates the terms and returns the swap to insert with the
// source chain's adapter.
func (c *Coordinator) buildSwap(q *quote.Quote, p CreateParams, now time.Time) (*storage.Swap, adapter.Adapter, error) {
	if q.FromChain == q.ToChain {
		return nil, nil, fmt.Errorf("%w: %s and %s share chain %s", ErrUnsupportedPair, q.FromToken, q.ToToken, q.FromChain)
	}
	source, err := c.adapters.Get(q.FromChain)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnsupportedPair, err)
	}
	if !q.FromAmount.IsPositive() {
		return nil, nil, fmt.Errorf("%w: amount must be positive", ErrInvalidParams)
	}

	initiator := p.InitiatorAddress
	if initiator == "" {
		initiator = q.WalletAddress
	}
	if initiator == "" {
		return nil, nil, fmt.Errorf("%w: initiator address required", ErrInvalidParams)
	}
	if initiator, err = c.normalize(q.FromChain, initiator); err != nil {
		return nil, nil, err
	}
	if p.ResolverAddress == "" {
		return nil, nil, fmt.Errorf("%w: resolver address required", ErrInvalidParams)
	}
	resolver, err := c.normalize(q.FromChain, p.ResolverAddress)
	if err != nil {
		return nil, nil, err
	}
	if resolver == initiator {
		return nil, nil, fmt.Errorf("%w: initiator and resolver are the same address", ErrInvalidParams)
	}
	recipient := ""
	if p.RecipientAddress != "" {
		if recipient, err = c.normalize(q.ToChain, p.RecipientAddress); err != nil {
			return nil, nil, err
		}
	}

	algName := p.HashAlgorithm
	if algName == "" {
		algName = c.policy.DefaultHashAlgorithm
	}
	alg, err := storage.ParseHashAlgorithm(algName)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if alg == storage.HashKeccak256 {
		if params, ok := chain.Get(q.FromChain, c.network); !ok || params.Kind != chain.KindEVM {
			return nil, nil, fmt.Errorf("%w: keccak256 locks are only supported on evm chains", ErrInvalidParams)
		}
	}
	if len(p.SecretHash) != 32 {
		return nil, nil, fmt.Errorf("%w: got %d bytes", ErrInvalidSecretHash, len(p.SecretHash))
	}

	timelock := p.Timelock
	if timelock.IsZero() {
		d := p.TimelockDuration
		if d == 0 {
			d = min(max(DefaultTimelock, c.policy.MinTimelock), c.policy.MaxTimelock)
		}
		timelock = now.Add(d)
	}
	if d := timelock.Sub(now); d < c.policy.MinTimelock || d > c.policy.MaxTimelock {
		return nil, nil, fmt.Errorf("%w: %s from now, allowed %s to %s",
			ErrTimelockOutOfBounds, d.Round(time.Second), c.policy.MinTimelock, c.policy.MaxTimelock)
	}
	// never lock for less than asked
	timelock = ceilSecond(timelock)

	maxFills := uint32(0)
	if p.PartialFills {
		if !source.SupportsPartialFills() {
			return nil, nil, fmt.Errorf("%w: %s", ErrPartialFillsUnsupported, q.FromChain)
		}
		maxFills = p.MaxPartialFills
		if maxFills == 0 {
			maxFills = c.policy.MaxPartialFills
		}
		if maxFills > c.policy.MaxPartialFills {
			return nil, nil, fmt.Errorf("%w: max partial fills %d above limit %d", ErrInvalidParams, maxFills, c.policy.MaxPartialFills)
		}
	}

	id := uuid.New().String()
	swap := &storage.Swap{
		ID:               id,
		QuoteID:          q.ID,
		FromChain:        q.FromChain,
		ToChain:          q.ToChain,
		FromToken:        q.FromToken,
		ToToken:          q.ToToken,
		Amount:           q.FromAmount,
		ToAmount:         q.ToAmount,
		InitiatorAddress: initiator,
		ResolverAddress:  resolver,
		RecipientAddress: recipient,
		Status:           storage.StatusQuoted,
		CreatedAt:        now,
		HTLC: &storage.HTLC{
			SwapID:              id,
			HashAlgorithm:       alg,
			SecretHash:          append([]byte(nil), p.SecretHash...),
			Timelock:            timelock,
			LockedAmount:        q.FromAmount,
			PartialFillsEnabled: p.PartialFills,
			MaxPartialFills:     maxFills,
		},
	}
	return swap, source, nil
}

// ceilSecond rounds t up to a whole second, the resolution chains store.
func ceilSecond(t time.Time) time.Time {
	if r := t.Truncate(time.Second); !r.Equal(t) {
		return r.Add(time.Second)
	}
	return t
}
