package storage

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Transition describes one committed state change of a swap.
type Transition struct {
	// Op is the pending operation this commit completes. It must match the
	// swap's pending marker unless Observed is set.
	Op string

	// Observed marks a transition applied from a chain observation. Chain
	// state wins over a local in-flight marker, which is cleared.
	Observed bool

	// From restricts the accepted current statuses. Empty accepts any
	// status that can legally move to To.
	From []SwapStatus
	To   SwapStatus

	InitiateTx string
	RedeemTx   string
	RefundTx   string

	// Preimage is verified against the secret hash before it is stored.
	Preimage []byte

	Executed bool
	Refunded bool

	LastError string
}

// SwapFilter selects swaps for ListSwaps.
type SwapFilter struct {
	Status []SwapStatus

	// Chain matches either leg.
	Chain string

	// Address matches the initiator, resolver or recipient.
	Address string

	PendingOnly bool

	// TimelockBefore selects swaps whose timelock is before this time.
	TimelockBefore time.Time

	Limit  int
	Offset int
}

const swapColumns = `
	s.id, s.quote_id, s.from_chain, s.to_chain, s.from_token, s.to_token,
	s.amount, s.to_amount, s.initiator_address, s.resolver_address, s.recipient_address,
	s.status, s.pending, s.last_error, s.diverged,
	s.initiate_tx, s.redeem_tx, s.refund_tx, s.created_at, s.updated_at,
	h.hash_algorithm, h.secret_hash, h.secret_preimage, h.timelock,
	h.locked_amount, h.total_filled, h.partial_fills_enabled,
	h.max_partial_fills, h.current_fill_count, h.executed, h.refunded`

const swapFrom = ` FROM swaps s JOIN htlcs h ON h.swap_id = s.id`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

type queryRower interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

// CreateSwap inserts a swap and its HTLC atomically.
func (s *Storage) CreateSwap(swap *Swap) error {
	if swap.HTLC == nil {
		return errors.New("swap has no htlc")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if swap.CreatedAt.IsZero() {
		swap.CreatedAt = now
	}
	swap.UpdatedAt = now
	if swap.Status == "" {
		swap.Status = StatusQuoted
	}
	h := swap.HTLC
	h.SwapID = swap.ID
	if h.HashAlgorithm == "" {
		h.HashAlgorithm = HashSHA256
	}

	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO swaps (
				id, quote_id, from_chain, to_chain, from_token, to_token,
				amount, to_amount, initiator_address, resolver_address, recipient_address,
				status, pending, last_error, diverged,
				initiate_tx, redeem_tx, refund_tx, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			swap.ID, swap.QuoteID, swap.FromChain, swap.ToChain, swap.FromToken, swap.ToToken,
			swap.Amount.String(), swap.ToAmount.String(),
			swap.InitiatorAddress, swap.ResolverAddress, swap.RecipientAddress,
			string(swap.Status), swap.Pending, swap.LastError, boolToInt(swap.Diverged),
			swap.InitiateTx, swap.RedeemTx, swap.RefundTx,
			swap.CreatedAt.Unix(), swap.UpdatedAt.Unix(),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				if strings.Contains(err.Error(), "swaps.quote_id") {
					return fmt.Errorf("%w: %s", ErrQuoteUsed, swap.QuoteID)
				}
				return fmt.Errorf("%w: %s", ErrSwapExists, swap.ID)
			}
			return fmt.Errorf("failed to insert swap: %w", err)
		}

		_, err = tx.Exec(`
			INSERT INTO htlcs (
				swap_id, hash_algorithm, secret_hash, secret_preimage, timelock,
				locked_amount, total_filled, partial_fills_enabled,
				max_partial_fills, current_fill_count, executed, refunded
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			swap.ID, string(h.HashAlgorithm), hex.EncodeToString(h.SecretHash),
			nullableHex(h.SecretPreimage), h.Timelock.Unix(),
			h.LockedAmount.String(), h.TotalFilled.String(), boolToInt(h.PartialFillsEnabled),
			h.MaxPartialFills, h.CurrentFillCount, boolToInt(h.Executed), boolToInt(h.Refunded),
		)
		if err != nil {
			return fmt.Errorf("failed to insert htlc: %w", err)
		}
		return nil
	})
}

// GetSwap retrieves a swap with its HTLC.
func (s *Storage) GetSwap(id string) (*Swap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getSwap(s.db, id)
}

func getSwap(q queryRower, id string) (*Swap, error) {
	row := q.QueryRow("SELECT"+swapColumns+swapFrom+" WHERE s.id = ?", id)
	swap, err := scanSwap(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrSwapNotFound, id)
	}
	return swap, err
}

// ListSwaps returns swaps matching the filter, newest first.
func (s *Storage) ListSwaps(filter SwapFilter) ([]*Swap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT" + swapColumns + swapFrom + " WHERE 1=1"
	var args []interface{}

	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " AND s.status IN (" + strings.Join(placeholders, ",") + ")"
	}
	if filter.Chain != "" {
		query += " AND (s.from_chain = ? OR s.to_chain = ?)"
		args = append(args, filter.Chain, filter.Chain)
	}
	if filter.Address != "" {
		query += " AND (s.initiator_address = ? OR s.resolver_address = ? OR s.recipient_address = ?)"
		args = append(args, filter.Address, filter.Address, filter.Address)
	}
	if filter.PendingOnly {
		query += " AND s.pending <> ''"
	}
	if !filter.TimelockBefore.IsZero() {
		query += " AND h.timelock < ?"
		args = append(args, filter.TimelockBefore.Unix())
	}

	query += " ORDER BY s.created_at DESC, s.id ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var swaps []*Swap
	for rows.Next() {
		swap, err := scanSwap(rows)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, swap)
	}
	return swaps, rows.Err()
}

// CountByStatus returns the number of swaps per status.
func (s *Storage) CountByStatus() (map[SwapStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT status, COUNT(*) FROM swaps GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[SwapStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[SwapStatus(status)] = n
	}
	return counts, rows.Err()
}

// DeleteQuotedSwap removes a swap that never reached the chain.
func (s *Storage) DeleteQuotedSwap(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM swaps WHERE id = ? AND status = ?", id, string(StatusQuoted))
		if err != nil {
			return fmt.Errorf("failed to delete swap: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			if _, err := getSwap(tx, id); err != nil {
				return err
			}
			return fmt.Errorf("%w: %s is no longer %s", ErrInvalidTransition, id, StatusQuoted)
		}
		_, err = tx.Exec("DELETE FROM htlcs WHERE swap_id = ?", id)
		return err
	})
}

// BeginTransition sets the pending marker to op if no other operation is in
// flight and the swap's status is one of from. The current swap is returned
// even when the guard rejects the transition.
func (s *Storage) BeginTransition(id, op string, from ...SwapStatus) (*Swap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var swap *Swap
	err := s.withTx(func(tx *sql.Tx) error {
		var err error
		swap, err = getSwap(tx, id)
		if err != nil {
			return err
		}
		if swap.Pending != "" {
			return fmt.Errorf("%w: %s pending on %s", ErrTransitionPending, swap.Pending, id)
		}
		if !statusIn(swap.Status, from) {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, swap.Status)
		}

		now := time.Now()
		res, err := tx.Exec("UPDATE swaps SET pending = ?, updated_at = ? WHERE id = ? AND pending = ''",
			op, now.Unix(), id)
		if err != nil {
			return fmt.Errorf("failed to set pending: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrTransitionPending, id)
		}
		swap.Pending = op
		swap.UpdatedAt = time.Unix(now.Unix(), 0)
		return nil
	})
	return swap, err
}

// ClearPending rolls back the pending marker set for op, optionally
// recording the error that caused the rollback.
func (s *Storage) ClearPending(id, op, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE swaps SET
			pending = '',
			last_error = CASE WHEN ? <> '' THEN ? ELSE last_error END,
			updated_at = ?
		WHERE id = ? AND pending = ?`,
		lastError, lastError, time.Now().Unix(), id, op)
	if err != nil {
		return fmt.Errorf("failed to clear pending: %w", err)
	}
	return nil
}

// ReplacePending swaps the pending marker from one op to another.
func (s *Storage) ReplacePending(id, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("UPDATE swaps SET pending = ?, updated_at = ? WHERE id = ? AND pending = ?",
		to, time.Now().Unix(), id, from)
	if err != nil {
		return fmt.Errorf("failed to replace pending: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s is not pending %s", ErrTransitionPending, id, from)
	}
	return nil
}

// ClearStalePending clears every pending marker except those for the given
// ops, returning the ids that were affected.
func (s *Storage) ClearStalePending(keep ...string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := "SELECT id FROM swaps WHERE pending <> ''"
	args := make([]interface{}, 0, len(keep))
	if len(keep) > 0 {
		query += " AND pending NOT IN (" + strings.Repeat("?,", len(keep)-1) + "?)"
		for _, k := range keep {
			args = append(args, k)
		}
	}

	var ids []string
	err := s.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(query, args...)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := time.Now().Unix()
		for _, id := range ids {
			if _, err := tx.Exec("UPDATE swaps SET pending = '', updated_at = ? WHERE id = ?", now, id); err != nil {
				return err
			}
		}
		return nil
	})
	return ids, err
}

// Commit applies a transition atomically and returns the updated swap.
func (s *Storage) Commit(id string, t Transition) (*Swap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out *Swap
	err := s.withTx(func(tx *sql.Tx) error {
		swap, err := getSwap(tx, id)
		if err != nil {
			return err
		}
		h := swap.HTLC

		if !t.Observed && swap.Pending != t.Op {
			return fmt.Errorf("%w: pending is %q, want %q", ErrTransitionPending, swap.Pending, t.Op)
		}
		if len(t.From) > 0 && !statusIn(swap.Status, t.From) {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, swap.Status)
		}
		if !CanTransition(swap.Status, t.To) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, swap.Status, t.To)
		}

		if t.Executed || t.Refunded {
			if h.Executed {
				return ErrAlreadyExecuted
			}
			if h.Refunded {
				return ErrAlreadyRefunded
			}
		}
		if t.Executed && t.Refunded {
			return fmt.Errorf("%w: executed and refunded together", ErrInvalidTransition)
		}

		if len(t.Preimage) > 0 {
			if !h.VerifyPreimage(t.Preimage) {
				return ErrInvalidPreimage
			}
			h.SecretPreimage = t.Preimage
		}
		h.Executed = h.Executed || t.Executed
		h.Refunded = h.Refunded || t.Refunded

		now := time.Now().Unix()
		_, err = tx.Exec(`
			UPDATE swaps SET
				status = ?,
				pending = '',
				last_error = ?,
				initiate_tx = COALESCE(NULLIF(?, ''), initiate_tx),
				redeem_tx = COALESCE(NULLIF(?, ''), redeem_tx),
				refund_tx = COALESCE(NULLIF(?, ''), refund_tx),
				updated_at = ?
			WHERE id = ?`,
			string(t.To), t.LastError, t.InitiateTx, t.RedeemTx, t.RefundTx, now, id)
		if err != nil {
			return fmt.Errorf("failed to update swap: %w", err)
		}

		_, err = tx.Exec(`
			UPDATE htlcs SET executed = ?, refunded = ?, secret_preimage = ?
			WHERE swap_id = ?`,
			boolToInt(h.Executed), boolToInt(h.Refunded), nullableHex(h.SecretPreimage), id)
		if err != nil {
			return fmt.Errorf("failed to update htlc: %w", err)
		}

		out, err = getSwap(tx, id)
		return err
	})
	return out, err
}

// SetLastError records an error on a swap without changing its state.
func (s *Storage) SetLastError(id, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE swaps SET last_error = ?, updated_at = ? WHERE id = ?",
		lastError, time.Now().Unix(), id)
	return err
}

func scanSwap(row rowScanner) (*Swap, error) {
	var (
		swap                           Swap
		h                              HTLC
		amount, toAmount, status       string
		diverged                       int
		createdAt, updatedAt, timelock int64
		hashAlg, secretHash            string
		preimage                       sql.NullString
		locked, filled                 string
		partial, executed, refunded    int
	)

	err := row.Scan(
		&swap.ID, &swap.QuoteID, &swap.FromChain, &swap.ToChain, &swap.FromToken, &swap.ToToken,
		&amount, &toAmount, &swap.InitiatorAddress, &swap.ResolverAddress, &swap.RecipientAddress,
		&status, &swap.Pending, &swap.LastError, &diverged,
		&swap.InitiateTx, &swap.RedeemTx, &swap.RefundTx, &createdAt, &updatedAt,
		&hashAlg, &secretHash, &preimage, &timelock,
		&locked, &filled, &partial,
		&h.MaxPartialFills, &h.CurrentFillCount, &executed, &refunded,
	)
	if err != nil {
		return nil, err
	}

	if swap.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	if swap.ToAmount, err = parseDecimal(toAmount); err != nil {
		return nil, err
	}
	if h.LockedAmount, err = parseDecimal(locked); err != nil {
		return nil, err
	}
	if h.TotalFilled, err = parseDecimal(filled); err != nil {
		return nil, err
	}
	if h.SecretHash, err = hex.DecodeString(secretHash); err != nil {
		return nil, fmt.Errorf("corrupt secret hash: %w", err)
	}
	if preimage.Valid && preimage.String != "" {
		if h.SecretPreimage, err = hex.DecodeString(preimage.String); err != nil {
			return nil, fmt.Errorf("corrupt preimage: %w", err)
		}
	}

	swap.Status = SwapStatus(status)
	swap.Diverged = diverged != 0
	swap.CreatedAt = time.Unix(createdAt, 0)
	swap.UpdatedAt = time.Unix(updatedAt, 0)

	h.SwapID = swap.ID
	h.HashAlgorithm = HashAlgorithm(hashAlg)
	h.Timelock = time.Unix(timelock, 0)
	h.PartialFillsEnabled = partial != 0
	h.Executed = executed != 0
	h.Refunded = refunded != 0
	swap.HTLC = &h

	return &swap, nil
}

func statusIn(status SwapStatus, set []SwapStatus) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

func nullableHex(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return hex.EncodeToString(b)
}
