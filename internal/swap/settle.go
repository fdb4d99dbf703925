package swap

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/Klingon-tech/swapengine/internal/adapter"
	"github.com/Klingon-tech/swapengine/internal/storage"
)

var claimable = []storage.SwapStatus{storage.StatusInitiated, storage.StatusPartiallyFilled}

// ApplyFill claims part of a swap's locked amount for the resolver or an
// active relayer. The first fill must reveal the preimage. A fill that
// reaches the locked amount redeems the swap.
func (c *Coordinator) ApplyFill(ctx context.Context, req FillRequest) (*storage.Swap, *storage.Fill, error) {
	unlock := c.lock(req.SwapID)
	defer unlock()

	swap, err := c.store.GetSwap(req.SwapID)
	if err != nil {
		return nil, nil, err
	}
	filler, err := c.normalize(swap.FromChain, req.FilledBy)
	if err != nil {
		return nil, nil, err
	}
	req.FilledBy = filler
	if err := c.checkFill(swap, req); err != nil {
		return nil, nil, err
	}

	source, err := c.sourceAdapter(swap)
	if err != nil {
		return nil, nil, err
	}
	if swap, err = c.store.BeginTransition(swap.ID, opFill, claimable...); err != nil {
		return nil, nil, conflict(swap, opFill, err)
	}

	h := swap.HTLC
	revealed := len(h.SecretPreimage) == 0
	preimage := req.Preimage
	if len(preimage) == 0 {
		preimage = h.SecretPreimage
	}

	callCtx, cancel := c.callContext(ctx)
	ref, err := source.Fill(callCtx, adapter.FillOrder{
		SwapID:   swap.ID,
		Amount:   req.Amount,
		Preimage: preimage,
		Filler:   req.FilledBy,
	})
	cancel()
	if err != nil {
		c.rollback(swap, opFill, err)
		return nil, nil, fmt.Errorf("fill %s: %w", swap.ID, err)
	}

	updated, fill, err := c.store.RecordFill(storage.FillRecord{
		SwapID:   swap.ID,
		Amount:   req.Amount,
		FilledBy: req.FilledBy,
		TxRef:    string(ref),
		Preimage: preimage,
		Op:       opFill,
		Now:      c.now(),
	})
	if err != nil {
		// the fill is on chain; the watcher records it when it sees the event
		c.rollback(swap, opFill, fmt.Errorf("fill %s landed but was not recorded: %w", ref, err))
		return nil, nil, fmt.Errorf("%w: fill %s landed but was not recorded: %v", ErrUnknownChainState, ref, err)
	}

	c.log.Swap(swap.ID).Info("Fill applied", "amount", fill.Amount, "remaining", fill.Remaining,
		"filled_by", fill.FilledBy, "tx", ref)
	c.afterFill(updated, fill, revealed)
	return updated, fill, nil
}

func (c *Coordinator) afterFill(swap *storage.Swap, fill *storage.Fill, revealed bool) {
	c.emit(swap.ID, EventSwapFilled, &FillEvent{Swap: swap, Fill: fill})
	if revealed && len(swap.HTLC.SecretPreimage) > 0 {
		c.emitSecret(swap)
	}
	if swap.Status == storage.StatusRedeemed {
		c.emit(swap.ID, EventSwapRedeemed, swap)
	}
}

// checkFill applies the ledger's fill rules before any chain call is made.
// RecordFill checks them again inside its transaction.
func (c *Coordinator) checkFill(swap *storage.Swap, req FillRequest) error {
	h := swap.HTLC
	switch {
	case h.Executed, h.Refunded:
		return conflict(swap, opFill, nil)
	case !h.PartialFillsEnabled:
		return ErrPartialFillsDisabled
	case swap.Pending != "":
		return conflict(swap, opFill, ErrTransitionPending)
	case swap.Status != storage.StatusInitiated && swap.Status != storage.StatusPartiallyFilled:
		return conflict(swap, opFill, ErrInvalidTransition)
	case h.Expired(c.now()):
		return ErrTimelockExpired
	case !req.Amount.IsPositive():
		return fmt.Errorf("%w: fill amount must be positive", ErrInvalidParams)
	case h.CurrentFillCount >= h.MaxPartialFills:
		return fmt.Errorf("%w: %d of %d", ErrMaxFillsExceeded, h.CurrentFillCount, h.MaxPartialFills)
	case h.TotalFilled.Add(req.Amount).GreaterThan(h.LockedAmount):
		return fmt.Errorf("%w: %s + %s > %s", ErrFillExceedsLockedAmount, h.TotalFilled, req.Amount, h.LockedAmount)
	}

	if req.FilledBy != swap.ResolverAddress {
		r, err := c.store.GetRelayer(req.FilledBy)
		if errors.Is(err, storage.ErrRelayerNotFound) || (err == nil && !r.Active) {
			return fmt.Errorf("%w: %s", ErrUnauthorizedFiller, req.FilledBy)
		}
		if err != nil {
			return err
		}
	}

	if len(req.Preimage) > 0 {
		if !h.VerifyPreimage(req.Preimage) {
			return ErrInvalidPreimage
		}
	} else if len(h.SecretPreimage) == 0 {
		return ErrPreimageRequired
	}
	return nil
}

// Redeem claims the remaining locked amount with the preimage.
func (c *Coordinator) Redeem(ctx context.Context, swapID string, preimage []byte) (*storage.Swap, error) {
	unlock := c.lock(swapID)
	defer unlock()

	swap, err := c.store.GetSwap(swapID)
	if err != nil {
		return nil, err
	}
	h := swap.HTLC
	switch {
	case h.Executed, h.Refunded:
		return nil, conflict(swap, opRedeem, nil)
	case !h.VerifyPreimage(preimage):
		return nil, ErrInvalidPreimage
	case h.Expired(c.now()):
		return nil, ErrTimelockExpired
	}

	source, err := c.sourceAdapter(swap)
	if err != nil {
		return nil, err
	}
	if swap, err = c.store.BeginTransition(swapID, opRedeem, claimable...); err != nil {
		return nil, conflict(swap, opRedeem, err)
	}
	revealed := len(swap.HTLC.SecretPreimage) == 0

	callCtx, cancel := c.callContext(ctx)
	ref, err := source.Redeem(callCtx, swapID, preimage)
	cancel()
	if err != nil {
		c.rollback(swap, opRedeem, err)
		return nil, fmt.Errorf("redeem %s: %w", swapID, err)
	}

	updated, err := c.store.Commit(swapID, storage.Transition{
		Op:       opRedeem,
		From:     claimable,
		To:       storage.StatusRedeemed,
		RedeemTx: string(ref),
		Preimage: preimage,
		Executed: true,
	})
	if err != nil {
		// on chain already; the watcher records it when it sees the event
		c.rollback(swap, opRedeem, fmt.Errorf("redeem %s landed but was not recorded: %w", ref, err))
		return nil, fmt.Errorf("%w: redeem %s landed but was not recorded: %v", ErrUnknownChainState, ref, err)
	}

	c.log.Swap(swapID).Info("Swap redeemed", "tx", ref)
	c.emit(swapID, EventSwapRedeemed, updated)
	if revealed {
		c.emitSecret(updated)
	}
	return updated, nil
}

// Refund returns the unclaimed amount to the initiator after the timelock.
func (c *Coordinator) Refund(ctx context.Context, swapID string) (*storage.Swap, error) {
	unlock := c.lock(swapID)
	defer unlock()

	swap, err := c.store.GetSwap(swapID)
	if err != nil {
		return nil, err
	}
	h := swap.HTLC
	switch {
	case h.Executed, h.Refunded:
		return nil, conflict(swap, opRefund, nil)
	case !h.Expired(c.now()):
		return nil, fmt.Errorf("%w: timelock %s", ErrRefundNotYetEligible, h.Timelock.UTC().Format("2006-01-02 15:04:05"))
	}

	source, err := c.sourceAdapter(swap)
	if err != nil {
		return nil, err
	}
	refundable := append([]storage.SwapStatus{storage.StatusExpired}, claimable...)
	if swap, err = c.store.BeginTransition(swapID, opRefund, refundable...); err != nil {
		return nil, conflict(swap, opRefund, err)
	}

	callCtx, cancel := c.callContext(ctx)
	ref, err := source.Refund(callCtx, swapID)
	cancel()
	if err != nil {
		c.rollback(swap, opRefund, err)
		return nil, fmt.Errorf("refund %s: %w", swapID, err)
	}

	updated, err := c.store.Commit(swapID, storage.Transition{
		Op:       opRefund,
		From:     refundable,
		To:       storage.StatusRefunded,
		RefundTx: string(ref),
		Refunded: true,
	})
	if err != nil {
		// on chain already; the watcher records it when it sees the event
		c.rollback(swap, opRefund, fmt.Errorf("refund %s landed but was not recorded: %w", ref, err))
		return nil, fmt.Errorf("%w: refund %s landed but was not recorded: %v", ErrUnknownChainState, ref, err)
	}

	c.log.Swap(swapID).Info("Swap refunded", "tx", ref)
	c.emit(swapID, EventSwapRefunded, updated)
	return updated, nil
}

func (c *Coordinator) emitSecret(swap *storage.Swap) {
	c.emit(swap.ID, EventSecretRevealed, &SecretEvent{
		SwapID:   swap.ID,
		Chain:    swap.FromChain,
		Preimage: hex.EncodeToString(swap.HTLC.SecretPreimage),
	})
}
