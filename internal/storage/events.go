package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// HasChainEvent reports whether a chain event was already processed.
func (s *Storage) HasChainEvent(chain, txRef, eventType string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	err := s.db.QueryRow(
		"SELECT 1 FROM chain_events WHERE chain = ? AND tx_ref = ? AND event_type = ?",
		chain, txRef, eventType).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecordChainEvent marks a chain event processed. It reports false when the
// event had been recorded before.
func (s *Storage) RecordChainEvent(ev *ChainEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.SeenAt.IsZero() {
		ev.SeenAt = time.Now()
	}
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO chain_events (chain, tx_ref, event_type, swap_id, seen_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.Chain, ev.TxRef, ev.EventType, ev.SwapID, ev.SeenAt.Unix())
	if err != nil {
		return false, fmt.Errorf("failed to record chain event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListChainEvents returns processed events for a swap, oldest first.
func (s *Storage) ListChainEvents(swapID string) ([]*ChainEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT chain, tx_ref, event_type, swap_id, seen_at
		FROM chain_events WHERE swap_id = ? ORDER BY seen_at ASC, rowid ASC`, swapID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ChainEvent
	for rows.Next() {
		var ev ChainEvent
		var seenAt int64
		if err := rows.Scan(&ev.Chain, &ev.TxRef, &ev.EventType, &ev.SwapID, &seenAt); err != nil {
			return nil, err
		}
		ev.SeenAt = time.Unix(seenAt, 0)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// RecordDivergence stores a divergence and flags the swap.
func (s *Storage) RecordDivergence(d *Divergence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.DetectedAt.IsZero() {
		d.DetectedAt = time.Now()
	}

	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO divergences (id, swap_id, chain, event_type, tx_ref, local_status, detail, detected_at, resolved)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			d.ID, d.SwapID, d.Chain, d.EventType, d.TxRef, string(d.LocalStatus), d.Detail, d.DetectedAt.Unix())
		if err != nil {
			return fmt.Errorf("failed to record divergence: %w", err)
		}
		_, err = tx.Exec("UPDATE swaps SET diverged = 1, updated_at = ? WHERE id = ?", time.Now().Unix(), d.SwapID)
		return err
	})
}

// ListDivergences returns divergences, optionally for one swap.
func (s *Storage) ListDivergences(swapID string) ([]*Divergence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, swap_id, chain, event_type, tx_ref, local_status, detail, detected_at, resolved FROM divergences`
	var args []interface{}
	if swapID != "" {
		query += " WHERE swap_id = ?"
		args = append(args, swapID)
	}
	query += " ORDER BY detected_at ASC, rowid ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Divergence
	for rows.Next() {
		var (
			d          Divergence
			status     string
			detectedAt int64
			resolved   int
		)
		if err := rows.Scan(&d.ID, &d.SwapID, &d.Chain, &d.EventType, &d.TxRef, &status, &d.Detail, &detectedAt, &resolved); err != nil {
			return nil, err
		}
		d.LocalStatus = SwapStatus(status)
		d.DetectedAt = time.Unix(detectedAt, 0)
		d.Resolved = resolved != 0
		out = append(out, &d)
	}
	return out, rows.Err()
}
