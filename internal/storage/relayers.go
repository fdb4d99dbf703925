package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RegisterRelayer registers a relayer, or reactivates a deactivated one with
// a new stake. Every call is appended to the audit trail.
func (s *Storage) RegisterRelayer(r *RelayerStake) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.RegisteredAt.IsZero() {
		r.RegisteredAt = time.Now()
	}
	r.Active = true
	r.DeactivatedAt = time.Time{}

	return s.withTx(func(tx *sql.Tx) error {
		existing, err := getRelayer(tx, r.Address)
		switch {
		case err == nil && existing.Active:
			return fmt.Errorf("%w: %s", ErrRelayerExists, r.Address)
		case err != nil && err != sql.ErrNoRows:
			return err
		}

		_, err = tx.Exec(`
			INSERT INTO relayers (address, stake, reward_rate, active, registered_at, deactivated_at)
			VALUES (?, ?, ?, 1, ?, 0)
			ON CONFLICT(address) DO UPDATE SET
				stake = excluded.stake,
				reward_rate = excluded.reward_rate,
				active = 1,
				registered_at = excluded.registered_at,
				deactivated_at = 0`,
			r.Address, r.Stake.String(), r.RewardRate.String(), r.RegisteredAt.Unix())
		if err != nil {
			return fmt.Errorf("failed to save relayer: %w", err)
		}
		return appendRelayerEvent(tx, r.Address, RelayerActionRegister, r.Stake, r.RewardRate, r.RegisteredAt)
	})
}

// DeactivateRelayer marks a relayer inactive. The row is kept.
func (s *Storage) DeactivateRelayer(address string, at time.Time) (*RelayerStake, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if at.IsZero() {
		at = time.Now()
	}

	var out *RelayerStake
	err := s.withTx(func(tx *sql.Tx) error {
		r, err := getRelayer(tx, address)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", ErrRelayerNotFound, address)
		}
		if err != nil {
			return err
		}
		if !r.Active {
			return fmt.Errorf("%w: %s", ErrRelayerInactive, address)
		}

		if _, err := tx.Exec("UPDATE relayers SET active = 0, deactivated_at = ? WHERE address = ?",
			at.Unix(), address); err != nil {
			return fmt.Errorf("failed to deactivate relayer: %w", err)
		}
		r.Active = false
		r.DeactivatedAt = time.Unix(at.Unix(), 0)
		out = r
		return appendRelayerEvent(tx, address, RelayerActionDeactivate, r.Stake, r.RewardRate, at)
	})
	return out, err
}

// GetRelayer retrieves a relayer by address.
func (s *Storage) GetRelayer(address string) (*RelayerStake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, err := getRelayer(s.db, address)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRelayerNotFound, address)
	}
	return r, err
}

// ListRelayers returns relayers ordered by registration time.
func (s *Storage) ListRelayers(activeOnly bool) ([]*RelayerStake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT address, stake, reward_rate, active, registered_at, deactivated_at FROM relayers"
	if activeOnly {
		query += " WHERE active = 1"
	}
	query += " ORDER BY registered_at ASC, address ASC"

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RelayerStake
	for rows.Next() {
		r, err := scanRelayer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RelayerEvents returns the audit trail for an address, oldest first.
func (s *Storage) RelayerEvents(address string) ([]*RelayerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, address, action, stake, reward_rate, created_at
		FROM relayer_events WHERE address = ? ORDER BY id ASC`, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RelayerEvent
	for rows.Next() {
		var (
			e           RelayerEvent
			stake, rate string
			createdAt   int64
		)
		if err := rows.Scan(&e.ID, &e.Address, &e.Action, &stake, &rate, &createdAt); err != nil {
			return nil, err
		}
		if e.Stake, err = parseDecimal(stake); err != nil {
			return nil, err
		}
		if e.RewardRate, err = parseDecimal(rate); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func getRelayer(q queryRower, address string) (*RelayerStake, error) {
	row := q.QueryRow(`
		SELECT address, stake, reward_rate, active, registered_at, deactivated_at
		FROM relayers WHERE address = ?`, address)
	return scanRelayer(row)
}

// relayerRate returns the reward rate of an active relayer.
func relayerRate(q queryRower, address string) (decimal.Decimal, bool, error) {
	r, err := getRelayer(q, address)
	if err == sql.ErrNoRows {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	return r.RewardRate, r.Active, nil
}

func scanRelayer(row rowScanner) (*RelayerStake, error) {
	var (
		r                           RelayerStake
		stake, rate                 string
		active                      int
		registeredAt, deactivatedAt int64
	)
	if err := row.Scan(&r.Address, &stake, &rate, &active, &registeredAt, &deactivatedAt); err != nil {
		return nil, err
	}
	var err error
	if r.Stake, err = parseDecimal(stake); err != nil {
		return nil, err
	}
	if r.RewardRate, err = parseDecimal(rate); err != nil {
		return nil, err
	}
	r.Active = active != 0
	r.RegisteredAt = time.Unix(registeredAt, 0)
	r.DeactivatedAt = timeOrZero(deactivatedAt)
	return &r, nil
}

func appendRelayerEvent(tx *sql.Tx, address, action string, stake, rate decimal.Decimal, at time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO relayer_events (address, action, stake, reward_rate, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		address, action, stake.String(), rate.String(), at.Unix())
	if err != nil {
		return fmt.Errorf("failed to append relayer event: %w", err)
	}
	return nil
}
