package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FillRecord is a fill to apply against a swap's HTLC.
type FillRecord struct {
	SwapID   string
	Amount   decimal.Decimal
	FilledBy string
	TxRef    string

	// Preimage is required on the first fill and optional afterwards.
	Preimage []byte

	// Op is the pending operation this fill completes.
	Op string

	// Observed fills were accepted by the chain already. Filler
	// authorization and the timelock are not re-checked for them.
	Observed bool

	Now time.Time
}

// RecordFill checks every fill rule and applies the fill in one transaction.
// Nothing is written when any rule fails.
func (s *Storage) RecordFill(r FillRecord) (*Swap, *Fill, error) {
	if !r.Amount.IsPositive() {
		return nil, nil, fmt.Errorf("%w: fill amount must be positive", ErrInvalidTransition)
	}
	if r.Now.IsZero() {
		r.Now = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		out  *Swap
		fill *Fill
	)
	err := s.withTx(func(tx *sql.Tx) error {
		swap, err := getSwap(tx, r.SwapID)
		if err != nil {
			return err
		}
		h := swap.HTLC

		if !r.Observed && swap.Pending != r.Op {
			return fmt.Errorf("%w: pending is %q, want %q", ErrTransitionPending, swap.Pending, r.Op)
		}

		if r.TxRef != "" {
			var one int
			err := tx.QueryRow("SELECT 1 FROM fills WHERE swap_id = ? AND tx_ref = ?", r.SwapID, r.TxRef).Scan(&one)
			if err == nil {
				return fmt.Errorf("%w: %s", ErrDuplicateFill, r.TxRef)
			}
			if err != sql.ErrNoRows {
				return err
			}
		}

		switch {
		case !h.PartialFillsEnabled:
			return ErrPartialFillsDisabled
		case h.Executed:
			return ErrAlreadyExecuted
		case h.Refunded:
			return ErrAlreadyRefunded
		}

		allowed := []SwapStatus{StatusInitiated, StatusPartiallyFilled}
		if r.Observed {
			allowed = append(allowed, StatusExpired)
		}
		if !statusIn(swap.Status, allowed) {
			return fmt.Errorf("%w: cannot fill %s swap", ErrInvalidTransition, swap.Status)
		}
		if !r.Observed && h.Expired(r.Now) {
			return ErrTimelockExpired
		}
		if h.CurrentFillCount >= h.MaxPartialFills {
			return fmt.Errorf("%w: %d of %d", ErrMaxFillsExceeded, h.CurrentFillCount, h.MaxPartialFills)
		}
		newTotal := h.TotalFilled.Add(r.Amount)
		if newTotal.GreaterThan(h.LockedAmount) {
			return fmt.Errorf("%w: %s + %s > %s", ErrFillExceedsLockedAmount, h.TotalFilled, r.Amount, h.LockedAmount)
		}

		rewardRate := decimal.Zero
		rate, active, err := relayerRate(tx, r.FilledBy)
		if err != nil {
			return err
		}
		if active {
			rewardRate = rate
		}
		if !r.Observed && r.FilledBy != swap.ResolverAddress && !active {
			return fmt.Errorf("%w: %s", ErrUnauthorizedFiller, r.FilledBy)
		}

		if len(r.Preimage) > 0 {
			if !h.VerifyPreimage(r.Preimage) {
				return ErrInvalidPreimage
			}
			h.SecretPreimage = r.Preimage
		} else if len(h.SecretPreimage) == 0 && !r.Observed {
			return ErrPreimageRequired
		}

		fill = &Fill{
			ID:        uuid.New().String(),
			SwapID:    r.SwapID,
			Amount:    r.Amount,
			FilledBy:  r.FilledBy,
			TxRef:     r.TxRef,
			Reward:    r.Amount.Mul(rewardRate),
			Remaining: h.LockedAmount.Sub(newTotal),
			CreatedAt: time.Unix(r.Now.Unix(), 0),
		}
		_, err = tx.Exec(`
			INSERT INTO fills (id, swap_id, amount, filled_by, tx_ref, reward, remaining, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			fill.ID, fill.SwapID, fill.Amount.String(), fill.FilledBy, fill.TxRef,
			fill.Reward.String(), fill.Remaining.String(), fill.CreatedAt.Unix())
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("%w: %s", ErrDuplicateFill, r.TxRef)
			}
			return fmt.Errorf("failed to insert fill: %w", err)
		}

		full := newTotal.Equal(h.LockedAmount)
		status := StatusPartiallyFilled
		redeemTx := ""
		if full {
			status = StatusRedeemed
			redeemTx = r.TxRef
		}

		_, err = tx.Exec(`
			UPDATE htlcs SET
				total_filled = ?,
				current_fill_count = current_fill_count + 1,
				executed = ?,
				secret_preimage = ?
			WHERE swap_id = ?`,
			newTotal.String(), boolToInt(full), nullableHex(h.SecretPreimage), r.SwapID)
		if err != nil {
			return fmt.Errorf("failed to update htlc: %w", err)
		}

		_, err = tx.Exec(`
			UPDATE swaps SET
				status = ?,
				pending = '',
				last_error = '',
				redeem_tx = COALESCE(NULLIF(?, ''), redeem_tx),
				updated_at = ?
			WHERE id = ?`,
			string(status), redeemTx, time.Now().Unix(), r.SwapID)
		if err != nil {
			return fmt.Errorf("failed to update swap: %w", err)
		}

		out, err = getSwap(tx, r.SwapID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return out, fill, nil
}

// GetFills returns the fills of a swap in the order they were applied.
func (s *Storage) GetFills(swapID string) ([]*Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, swap_id, amount, filled_by, tx_ref, reward, remaining, created_at
		FROM fills WHERE swap_id = ?
		ORDER BY created_at ASC, rowid ASC`, swapID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []*Fill
	for rows.Next() {
		var (
			f                         Fill
			amount, reward, remaining string
			createdAt                 int64
		)
		if err := rows.Scan(&f.ID, &f.SwapID, &amount, &f.FilledBy, &f.TxRef, &reward, &remaining, &createdAt); err != nil {
			return nil, err
		}
		if f.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		if f.Reward, err = parseDecimal(reward); err != nil {
			return nil, err
		}
		if f.Remaining, err = parseDecimal(remaining); err != nil {
			return nil, err
		}
		f.CreatedAt = time.Unix(createdAt, 0)
		fills = append(fills, &f)
	}
	return fills, rows.Err()
}
