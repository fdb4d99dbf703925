package swap

import (
	"context"
	"errors"
	"fmt"

	"github.com/Klingon-tech/swapengine/internal/adapter"
	"github.com/Klingon-tech/swapengine/internal/storage"
)

// Observe folds one chain event into the ledger. It reports whether the
// event changed the swap; an event that was already applied is a no-op.
// Events that contradict the ledger are recorded as divergences and
// returned as *StateDivergenceError.
func (c *Coordinator) Observe(ctx context.Context, ev adapter.Event) (bool, error) {
	switch ev.Type {
	case adapter.EventInitiated:
		return c.ObserveInitiated(ctx, ev)
	case adapter.EventFilled:
		return c.ObserveFilled(ctx, ev)
	case adapter.EventRedeemed:
		return c.ObserveRedeemed(ctx, ev)
	case adapter.EventRefunded:
		return c.ObserveRefunded(ctx, ev)
	}
	return false, fmt.Errorf("unknown event type %q", ev.Type)
}

// ObserveInitiated records a lock seen on chain.
func (c *Coordinator) ObserveInitiated(_ context.Context, ev adapter.Event) (bool, error) {
	unlock := c.lock(ev.SwapID)
	defer unlock()

	swap, err := c.observed(ev)
	if err != nil {
		return false, err
	}
	h := swap.HTLC

	if ev.Amount.IsPositive() && !ev.Amount.Equal(h.LockedAmount) {
		return false, c.diverge(swap, ev, fmt.Sprintf("locked %s on chain, ledger has %s", ev.Amount, h.LockedAmount))
	}

	switch swap.Status {
	case storage.StatusQuoted:
		if _, err := c.commitInitiated(swap.ID, swap.Pending, string(ev.TxRef), true); err != nil {
			return false, err
		}
		return true, nil
	case storage.StatusFailed:
		return false, c.diverge(swap, ev, "lock found for a failed swap")
	}
	if swap.InitiateTx != "" && swap.InitiateTx != string(ev.TxRef) {
		return false, c.diverge(swap, ev, fmt.Sprintf("second lock, ledger has %s", swap.InitiateTx))
	}
	return false, nil
}

// ObserveFilled records a fill seen on chain.
func (c *Coordinator) ObserveFilled(_ context.Context, ev adapter.Event) (bool, error) {
	unlock := c.lock(ev.SwapID)
	defer unlock()

	swap, err := c.observed(ev)
	if err != nil {
		return false, err
	}
	revealed := len(swap.HTLC.SecretPreimage) == 0

	updated, fill, err := c.store.RecordFill(storage.FillRecord{
		SwapID:   swap.ID,
		Amount:   ev.Amount,
		FilledBy: ev.Actor,
		TxRef:    string(ev.TxRef),
		Preimage: ev.Preimage,
		Observed: true,
		Now:      c.now(),
	})
	switch {
	case errors.Is(err, storage.ErrDuplicateFill):
		return false, nil
	case err != nil:
		return false, c.diverge(swap, ev, err.Error())
	}

	c.log.Swap(swap.ID).Info("Fill observed", "amount", fill.Amount, "remaining", fill.Remaining, "tx", ev.TxRef)
	c.afterFill(updated, fill, revealed)
	return true, nil
}

// ObserveRedeemed records a redeem seen on chain. It is the only way an
// EXPIRED swap becomes REDEEMED.
func (c *Coordinator) ObserveRedeemed(_ context.Context, ev adapter.Event) (bool, error) {
	unlock := c.lock(ev.SwapID)
	defer unlock()

	swap, err := c.observed(ev)
	if err != nil {
		return false, err
	}
	h := swap.HTLC

	switch {
	case h.Executed:
		if swap.RedeemTx != "" && swap.RedeemTx != string(ev.TxRef) && !ev.Synthetic {
			return false, c.diverge(swap, ev, fmt.Sprintf("second redeem, ledger has %s", swap.RedeemTx))
		}
		return false, nil
	case h.Refunded:
		return false, c.diverge(swap, ev, "redeem observed for a refunded swap")
	case !swap.Status.IsOpen():
		return false, c.diverge(swap, ev, "redeem observed before the lock was recorded")
	case len(ev.Preimage) > 0 && !h.VerifyPreimage(ev.Preimage):
		return false, c.diverge(swap, ev, "redeem preimage does not match the secret hash")
	}
	revealed := len(h.SecretPreimage) == 0 && len(ev.Preimage) > 0

	updated, err := c.store.Commit(swap.ID, storage.Transition{
		Op:       swap.Pending,
		Observed: true,
		From:     []storage.SwapStatus{storage.StatusInitiated, storage.StatusPartiallyFilled, storage.StatusExpired},
		To:       storage.StatusRedeemed,
		RedeemTx: string(ev.TxRef),
		Preimage: ev.Preimage,
		Executed: true,
	})
	if err != nil {
		return false, fmt.Errorf("failed to commit observed redeem: %w", err)
	}

	c.log.Swap(swap.ID).Info("Redeem observed", "tx", ev.TxRef, "synthetic", ev.Synthetic)
	c.emit(swap.ID, EventSwapRedeemed, updated)
	if revealed {
		c.emitSecret(updated)
	}
	return true, nil
}

// ObserveRefunded records a refund seen on chain.
func (c *Coordinator) ObserveRefunded(_ context.Context, ev adapter.Event) (bool, error) {
	unlock := c.lock(ev.SwapID)
	defer unlock()

	swap, err := c.observed(ev)
	if err != nil {
		return false, err
	}
	h := swap.HTLC

	switch {
	case h.Refunded:
		return false, nil
	case h.Executed:
		return false, c.diverge(swap, ev, "refund observed for a redeemed swap")
	case !swap.Status.IsOpen():
		return false, c.diverge(swap, ev, "refund observed before the lock was recorded")
	}

	updated, err := c.store.Commit(swap.ID, storage.Transition{
		Op:       swap.Pending,
		Observed: true,
		From:     []storage.SwapStatus{storage.StatusInitiated, storage.StatusPartiallyFilled, storage.StatusExpired},
		To:       storage.StatusRefunded,
		RefundTx: string(ev.TxRef),
		Refunded: true,
	})
	if err != nil {
		return false, fmt.Errorf("failed to commit observed refund: %w", err)
	}

	c.log.Swap(swap.ID).Info("Refund observed", "tx", ev.TxRef, "synthetic", ev.Synthetic)
	c.emit(swap.ID, EventSwapRefunded, updated)
	return true, nil
}

// observed loads the swap an event refers to and checks the event came from
// the swap's source chain.
func (c *Coordinator) observed(ev adapter.Event) (*storage.Swap, error) {
	swap, err := c.store.GetSwap(ev.SwapID)
	if err != nil {
		return nil, err
	}
	if ev.Chain != "" && ev.Chain != swap.FromChain {
		return nil, c.diverge(swap, ev, fmt.Sprintf("event from %s, swap locks on %s", ev.Chain, swap.FromChain))
	}
	return swap, nil
}

// diverge records a disagreement between the chain and the ledger and flags
// the swap.
func (c *Coordinator) diverge(swap *storage.Swap, ev adapter.Event, detail string) error {
	d := &storage.Divergence{
		SwapID:      swap.ID,
		Chain:       ev.Chain,
		EventType:   string(ev.Type),
		TxRef:       string(ev.TxRef),
		LocalStatus: swap.Status,
		Detail:      detail,
		DetectedAt:  c.now(),
	}
	if err := c.store.RecordDivergence(d); err != nil {
		c.log.Error("Failed to record divergence", "swap_id", swap.ID, "error", err)
	}
	c.log.Swap(swap.ID).Error("State divergence", "chain", ev.Chain, "event", ev.Type, "tx", ev.TxRef,
		"status", swap.Status, "detail", detail)
	c.emit(swap.ID, EventStateDivergence, d)
	return &StateDivergenceError{
		SwapID:      swap.ID,
		Chain:       ev.Chain,
		Event:       ev.Type,
		TxRef:       ev.TxRef,
		LocalStatus: swap.Status,
		Detail:      detail,
	}
}
