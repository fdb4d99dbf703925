package swap

import (
	"context"
	"time"

	"github.com/Klingon-tech/swapengine/internal/storage"
)

// Start runs the expiry monitor until Close.
func (c *Coordinator) Start() {
	go c.runMonitor()
	c.log.Info("Expiry monitor started", "interval", c.policy.MonitorInterval, "auto_refund", c.policy.AutoRefund)
}

func (c *Coordinator) runMonitor() {
	ticker := time.NewTicker(c.policy.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.CheckExpired(c.ctx); err != nil {
				c.log.Warn("Expiry check failed", "error", err)
			}
		}
	}
}

// CheckExpired marks open swaps past their timelock EXPIRED and, with
// auto refund enabled, refunds them. It returns the number of swaps
// expired.
func (c *Coordinator) CheckExpired(ctx context.Context) (int, error) {
	now := c.now()
	swaps, err := c.store.ListSwaps(storage.SwapFilter{
		Status:         claimable,
		TimelockBefore: now,
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, s := range swaps {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		if c.expire(s.ID, now) {
			expired++
		}
	}

	if c.policy.AutoRefund {
		refundable, err := c.store.ListSwaps(storage.SwapFilter{
			Status: []storage.SwapStatus{storage.StatusExpired},
		})
		if err != nil {
			return expired, err
		}
		for _, s := range refundable {
			if s.Pending != "" {
				continue
			}
			if _, err := c.Refund(ctx, s.ID); err != nil {
				c.log.Swap(s.ID).Warn("Auto refund failed", "error", err)
			}
		}
	}
	return expired, nil
}

func (c *Coordinator) expire(id string, now time.Time) bool {
	unlock := c.lock(id)
	defer unlock()

	swap, err := c.store.GetSwap(id)
	if err != nil {
		return false
	}
	if swap.Pending != "" || !swap.HTLC.Expired(now) || swap.HTLC.Executed || swap.HTLC.Refunded {
		return false
	}

	updated, err := c.store.Commit(id, storage.Transition{
		From:      claimable,
		To:        storage.StatusExpired,
		LastError: swap.LastError,
	})
	if err != nil {
		c.log.Swap(id).Debug("Not expired", "status", swap.Status, "error", err)
		return false
	}
	c.log.Swap(id).Info("Swap expired", "timelock", swap.HTLC.Timelock.Format(time.RFC3339))
	c.emit(id, EventSwapExpired, updated)
	return true
}
