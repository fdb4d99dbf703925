package swap

import (
	"context"
	"fmt"

	"github.com/Klingon-tech/swapengine/internal/storage"
)

// Recover reconciles state left behind by a previous run. Swaps with an
// initiate pending are resolved against the chain; other pending markers
// are cleared since their calls died with the process.
func (c *Coordinator) Recover(ctx context.Context) (*RecoveryResult, error) {
	result := &RecoveryResult{}

	cleared, err := c.store.ClearStalePending(opInitiate, opInitiateSent)
	if err != nil {
		return nil, fmt.Errorf("failed to clear stale pending: %w", err)
	}
	result.Cleared = cleared
	for _, id := range cleared {
		c.log.Swap(id).Info("Cleared stale pending operation")
	}

	pending, err := c.store.ListSwaps(storage.SwapFilter{
		Status:      []storage.SwapStatus{storage.StatusQuoted},
		PendingOnly: true,
	})
	if err != nil {
		return nil, err
	}
	for _, s := range pending {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		switch c.recoverInitiate(ctx, s.ID) {
		case recoveredInitiated:
			result.Initiated = append(result.Initiated, s.ID)
		case recoveredDeleted:
			result.Deleted = append(result.Deleted, s.ID)
		case recoveredFailed:
			result.Failed = append(result.Failed, s.ID)
		default:
			result.Unresolved = append(result.Unresolved, s.ID)
		}
	}

	if result.Expired, err = c.CheckExpired(ctx); err != nil {
		return result, err
	}

	c.log.Info("Recovery complete",
		"initiated", len(result.Initiated),
		"deleted", len(result.Deleted),
		"failed", len(result.Failed),
		"unresolved", len(result.Unresolved),
		"cleared", len(result.Cleared),
		"expired", result.Expired,
	)
	return result, nil
}

type recoveryOutcome int

const (
	recoveredNone recoveryOutcome = iota
	recoveredInitiated
	recoveredDeleted
	recoveredFailed
)

// ResolvePending settles a swap left QUOTED with an initiate pending. It
// reports whether the swap changed.
func (c *Coordinator) ResolvePending(ctx context.Context, id string) (bool, error) {
	switch c.recoverInitiate(ctx, id) {
	case recoveredNone:
		return false, nil
	default:
		return true, nil
	}
}

// recoverInitiate resolves one swap left QUOTED with an initiate pending.
// A lock that was never started is removed. One that may have been sent is
// kept until its timelock passes and only then failed.
func (c *Coordinator) recoverInitiate(ctx context.Context, id string) recoveryOutcome {
	unlock := c.lock(id)
	defer unlock()

	log := c.log.Swap(id)
	swap, err := c.store.GetSwap(id)
	if err != nil || swap.Status != storage.StatusQuoted {
		return recoveredNone
	}
	if swap.Pending != opInitiate && swap.Pending != opInitiateSent {
		return recoveredNone
	}
	source, err := c.sourceAdapter(swap)
	if err != nil {
		log.Warn("No adapter to recover swap", "chain", swap.FromChain)
		return recoveredNone
	}

	callCtx, cancel := c.callContext(ctx)
	remote, err := source.FetchHTLCState(callCtx, id)
	cancel()
	if err != nil {
		log.Warn("Could not resolve pending initiate", "error", err)
		return recoveredNone
	}

	if remote.Exists {
		if _, err := c.commitInitiated(id, swap.Pending, string(remote.LockTx), false); err != nil {
			log.Error("Failed to commit recovered lock", "error", err)
			return recoveredNone
		}
		return recoveredInitiated
	}

	if swap.Pending == opInitiateSent {
		if !c.now().After(swap.HTLC.Timelock) {
			log.Debug("Sent lock not seen yet", "timelock", swap.HTLC.Timelock)
			return recoveredNone
		}
		failed, err := c.store.Commit(id, storage.Transition{
			Op:        opInitiateSent,
			From:      []storage.SwapStatus{storage.StatusQuoted},
			To:        storage.StatusFailed,
			LastError: "no lock seen before the timelock",
		})
		if err != nil {
			log.Error("Failed to fail swap without lock", "error", err)
			return recoveredNone
		}
		log.Warn("No lock seen before the timelock, swap failed")
		c.emit(id, EventSwapFailed, failed)
		return recoveredFailed
	}

	if err := c.store.DeleteQuotedSwap(id); err != nil {
		log.Error("Failed to remove swap without lock", "error", err)
		return recoveredNone
	}
	if c.book != nil {
		c.book.Release(swap.QuoteID)
	}
	log.Info("No lock on chain, swap removed")
	c.emit(id, EventSwapRolledBack, &RollbackEvent{Op: opInitiate, Error: "no lock found during recovery", Deleted: true})
	return recoveredDeleted
}
