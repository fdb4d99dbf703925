package swap

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/swapengine/internal/chain"
	"github.com/Klingon-tech/swapengine/internal/storage"
)

// RegisterRelayer registers a relayer allowed to fill swaps. The stake is
// bookkeeping only; the engine never moves it.
func (c *Coordinator) RegisterRelayer(p RelayerParams) (*storage.RelayerStake, error) {
	address := strings.TrimSpace(p.Address)
	if address == "" {
		return nil, fmt.Errorf("%w: relayer address required", ErrInvalidParams)
	}
	if p.Chain != "" {
		var err error
		if address, err = c.normalize(p.Chain, address); err != nil {
			return nil, err
		}
	} else {
		address = chain.CanonicalAddress(address)
	}
	if p.Stake.IsNegative() {
		return nil, fmt.Errorf("%w: stake must not be negative", ErrInvalidParams)
	}
	if p.RewardRate.IsNegative() || p.RewardRate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: reward rate must be within [0, 1]", ErrInvalidParams)
	}

	r := &storage.RelayerStake{
		Address:      address,
		Stake:        p.Stake,
		RewardRate:   p.RewardRate,
		RegisteredAt: c.now(),
	}
	if err := c.store.RegisterRelayer(r); err != nil {
		return nil, err
	}
	c.log.Info("Relayer registered", "address", address, "stake", p.Stake, "reward_rate", p.RewardRate)
	c.emit("", EventRelayerRegistered, r)
	return r, nil
}

// DeactivateRelayer stops a relayer from filling. Its record is kept.
func (c *Coordinator) DeactivateRelayer(address string) (*storage.RelayerStake, error) {
	r, err := c.store.DeactivateRelayer(chain.CanonicalAddress(address), c.now())
	if err != nil {
		return nil, err
	}
	c.log.Info("Relayer deactivated", "address", r.Address)
	c.emit("", EventRelayerDeactivated, r)
	return r, nil
}

// GetRelayer returns one relayer.
func (c *Coordinator) GetRelayer(address string) (*storage.RelayerStake, error) {
	return c.store.GetRelayer(chain.CanonicalAddress(address))
}

// ListRelayers returns relayers, optionally only active ones.
func (c *Coordinator) ListRelayers(activeOnly bool) ([]*storage.RelayerStake, error) {
	return c.store.ListRelayers(activeOnly)
}
