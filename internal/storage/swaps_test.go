package storage

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestSwapCRUD(t *testing.T) {
	store, cleanup := setupTestStorage(t)
	defer cleanup()

	swap := newTestSwap("swap-1", "1.5", true)
	if err := store.CreateSwap(swap); err != nil {
		t.Fatalf("CreateSwap() error = %v", err)
	}

	got, err := store.GetSwap("swap-1")
	if err != nil {
		t.Fatalf("GetSwap() error = %v", err)
	}
	if got.Status != StatusQuoted || got.Pending != "initiate" {
		t.Errorf("status/pending = %s/%s, want QUOTED/initiate", got.Status, got.Pending)
	}
	if !got.Amount.Equal(swap.Amount) {
		t.Errorf("Amount = %s, want %s", got.Amount, swap.Amount)
	}
	if !bytes.Equal(got.HTLC.SecretHash, swap.HTLC.SecretHash) {
		t.Error("secret hash mismatch")
	}
	if got.HTLC.SecretPreimage != nil {
		t.Error("preimage must be absent before reveal")
	}
	if !got.HTLC.Timelock.Equal(swap.HTLC.Timelock) {
		t.Errorf("Timelock = %v, want %v", got.HTLC.Timelock, swap.HTLC.Timelock)
	}
	if !got.HTLC.PartialFillsEnabled || got.HTLC.MaxPartialFills != 3 {
		t.Errorf("partial fill settings not persisted: %+v", got.HTLC)
	}

	if _, err := store.GetSwap("missing"); !errors.Is(err, ErrSwapNotFound) {
		t.Errorf("GetSwap(missing) error = %v, want ErrSwapNotFound", err)
	}
}

func TestCreateSwapUniqueness(t *testing.T) {
	store, cleanup := setupTestStorage(t)
	defer cleanup()

	if err := store.CreateSwap(newTestSwap("dup", "1", false)); err != nil {
		t.Fatalf("CreateSwap() error = %v", err)
	}

	again := newTestSwap("dup", "1", false)
	again.QuoteID = "other-quote"
	if err := store.CreateSwap(again); !errors.Is(err, ErrSwapExists) {
		t.Errorf("duplicate id error = %v, want ErrSwapExists", err)
	}

	sameQuote := newTestSwap("dup-2", "1", false)
	sameQuote.QuoteID = "quote-dup"
	if err := store.CreateSwap(sameQuote); !errors.Is(err, ErrQuoteUsed) {
		t.Errorf("duplicate quote error = %v, want ErrQuoteUsed", err)
	}
}

func TestBeginTransitionGuard(t *testing.T) {
	store, cleanup := setupTestStorage(t)
	defer cleanup()

	createInitiated(t, store, "guard", "1", false)

	swap, err := store.BeginTransition("guard", "redeem", StatusInitiated, StatusPartiallyFilled)
	if err != nil {
		t.Fatalf("BeginTransition() error = %v", err)
	}
	if swap.Pending != "redeem" {
		t.Errorf("Pending = %s, want redeem", swap.Pending)
	}

	// second caller is rejected while redeem is in flight
	swap, err = store.BeginTransition("guard", "refund", StatusInitiated, StatusExpired)
	if !errors.Is(err, ErrTransitionPending) {
		t.Fatalf("BeginTransition() error = %v, want ErrTransitionPending", err)
	}
	if swap == nil || swap.Pending != "redeem" {
		t.Error("rejected BeginTransition should return current swap")
	}

	if err := store.ClearPending("guard", "redeem", "chain unavailable"); err != nil {
		t.Fatalf("ClearPending() error = %v", err)
	}
	got, _ := store.GetSwap("guard")
	if got.Pending != "" || got.LastError != "chain unavailable" {
		t.Errorf("after ClearPending pending=%q lastError=%q", got.Pending, got.LastError)
	}
	if got.Status != StatusInitiated {
		t.Errorf("Status = %s, want INITIATED", got.Status)
	}

	// wrong status
	_, err = store.BeginTransition("guard", "refund", StatusExpired)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("BeginTransition() wrong status error = %v, want ErrInvalidTransition", err)
	}
}

func TestCommitRedeem(t *testing.T) {
	store, cleanup := setupTestStorage(t)
	defer cleanup()

	createInitiated(t, store, "redeem", "1", false)
	preimage, _ := testSecret("redeem")

	if _, err := store.BeginTransition("redeem", "redeem", StatusInitiated); err != nil {
		t.Fatalf("BeginTransition() error = %v", err)
	}

	// wrong preimage rolls back nothing and leaves the marker
	_, err := store.Commit("redeem", Transition{
		Op: "redeem", To: StatusRedeemed, Executed: true, Preimage: []byte("wrong"),
	})
	if !errors.Is(err, ErrInvalidPreimage) {
		t.Fatalf("Commit() error = %v, want ErrInvalidPreimage", err)
	}

	swap, err := store.Commit("redeem", Transition{
		Op: "redeem", To: StatusRedeemed, Executed: true, Preimage: preimage, RedeemTx: "0xredeem",
	})
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if swap.Status != StatusRedeemed || !swap.HTLC.Executed || swap.HTLC.Refunded {
		t.Errorf("after redeem status=%s executed=%v refunded=%v", swap.Status, swap.HTLC.Executed, swap.HTLC.Refunded)
	}
	if !bytes.Equal(swap.HTLC.SecretPreimage, preimage) {
		t.Error("preimage not stored on redeem")
	}
	if swap.RedeemTx != "0xredeem" || swap.InitiateTx != "0xlock-redeem" {
		t.Errorf("tx refs = %s/%s", swap.InitiateTx, swap.RedeemTx)
	}
	if swap.Pending != "" {
		t.Errorf("Pending = %q after commit", swap.Pending)
	}
}

func TestCommitRejectsRefundAfterRedeem(t *testing.T) {
	store, cleanup := setupTestStorage(t)
	defer cleanup()

	createInitiated(t, store, "excl", "1", false)
	preimage, _ := testSecret("excl")

	if _, err := store.Commit("excl", Transition{
		Observed: true, To: StatusRedeemed, Executed: true, Preimage: preimage,
	}); err != nil {
		t.Fatalf("Commit(redeem) error = %v", err)
	}

	_, err := store.Commit("excl", Transition{Observed: true, To: StatusRefunded, Refunded: true})
	if !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrAlreadyExecuted) {
		t.Errorf("Commit(refund) error = %v, want rejection", err)
	}

	swap, _ := store.GetSwap("excl")
	if swap.HTLC.Refunded {
		t.Error("refunded set after executed")
	}
}

func TestCommitRefundFromExpired(t *testing.T) {
	store, cleanup := setupTestStorage(t)
	defer cleanup()

	createInitiated(t, store, "exp", "1", false)

	if _, err := store.Commit("exp", Transition{From: []SwapStatus{StatusInitiated}, To: StatusExpired}); err != nil {
		t.Fatalf("Commit(expire) error = %v", err)
	}
	if _, err := store.BeginTransition("exp", "refund", StatusInitiated, StatusPartiallyFilled, StatusExpired); err != nil {
		t.Fatalf("BeginTransition(refund) error = %v", err)
	}
	swap, err := store.Commit("exp", Transition{Op: "refund", To: StatusRefunded, Refunded: true, RefundTx: "0xrefund"})
	if err != nil {
		t.Fatalf("Commit(refund) error = %v", err)
	}
	if swap.Status != StatusRefunded || !swap.HTLC.Refunded {
		t.Errorf("status=%s refunded=%v", swap.Status, swap.HTLC.Refunded)
	}
}

func TestCommitPendingMismatch(t *testing.T) {
	store, cleanup := setupTestStorage(t)
	defer cleanup()

	createInitiated(t, store, "mismatch", "1", false)

	// no pending marker: a non-observed commit for "redeem" is rejected
	_, err := store.Commit("mismatch", Transition{Op: "redeem", To: StatusRedeemed, Executed: true})
	if !errors.Is(err, ErrTransitionPending) {
		t.Errorf("Commit() error = %v, want ErrTransitionPending", err)
	}
}

func TestDeleteQuotedSwap(t *testing.T) {
	store, cleanup := setupTestStorage(t)
	defer cleanup()

	if err := store.CreateSwap(newTestSwap("rollback", "1", false)); err != nil {
		t.Fatalf("CreateSwap() error = %v", err)
	}
	if err := store.DeleteQuotedSwap("rollback"); err != nil {
		t.Fatalf("DeleteQuotedSwap() error = %v", err)
	}
	if _, err := store.GetSwap("rollback"); !errors.Is(err, ErrSwapNotFound) {
		t.Errorf("GetSwap() after delete error = %v, want ErrSwapNotFound", err)
	}

	var n int
	store.db.QueryRow("SELECT COUNT(*) FROM htlcs WHERE swap_id = ?", "rollback").Scan(&n)
	if n != 0 {
		t.Errorf("htlc rows left = %d", n)
	}

	createInitiated(t, store, "live", "1", false)
	if err := store.DeleteQuotedSwap("live"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("DeleteQuotedSwap(initiated) error = %v, want ErrInvalidTransition", err)
	}
}

func TestListSwaps(t *testing.T) {
	store, cleanup := setupTestStorage(t)
	defer cleanup()

	createInitiated(t, store, "a", "1", false)
	createInitiated(t, store, "b", "2", false)
	if err := store.CreateSwap(newTestSwap("c", "3", false)); err != nil {
		t.Fatalf("CreateSwap() error = %v", err)
	}
	other := newTestSwap("d", "4", false)
	other.FromChain = "SOL"
	other.ToChain = "XLM"
	other.InitiatorAddress = "solana-user"
	if err := store.CreateSwap(other); err != nil {
		t.Fatalf("CreateSwap() error = %v", err)
	}

	tests := []struct {
		name   string
		filter SwapFilter
		want   int
	}{
		{"all", SwapFilter{}, 4},
		{"initiated", SwapFilter{Status: []SwapStatus{StatusInitiated}}, 2},
		{"quoted or initiated", SwapFilter{Status: []SwapStatus{StatusQuoted, StatusInitiated}}, 4},
		{"by chain", SwapFilter{Chain: "BTC"}, 3},
		{"by address", SwapFilter{Address: "solana-user"}, 1},
		{"pending", SwapFilter{PendingOnly: true}, 2},
		{"limit", SwapFilter{Limit: 2}, 2},
		{"timelock before", SwapFilter{TimelockBefore: time.Now().Add(2 * time.Hour)}, 4},
		{"timelock none", SwapFilter{TimelockBefore: time.Now()}, 0},
	}

	for _, tt := range tests {
		swaps, err := store.ListSwaps(tt.filter)
		if err != nil {
			t.Fatalf("ListSwaps(%s) error = %v", tt.name, err)
		}
		if len(swaps) != tt.want {
			t.Errorf("ListSwaps(%s) = %d swaps, want %d", tt.name, len(swaps), tt.want)
		}
	}

	counts, err := store.CountByStatus()
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if counts[StatusInitiated] != 2 || counts[StatusQuoted] != 2 {
		t.Errorf("CountByStatus() = %v", counts)
	}
}

func TestClearStalePending(t *testing.T) {
	store, cleanup := setupTestStorage(t)
	defer cleanup()

	if err := store.CreateSwap(newTestSwap("init", "1", false)); err != nil {
		t.Fatalf("CreateSwap() error = %v", err)
	}
	createInitiated(t, store, "stale", "1", false)
	if _, err := store.BeginTransition("stale", "redeem", StatusInitiated); err != nil {
		t.Fatalf("BeginTransition() error = %v", err)
	}

	ids, err := store.ClearStalePending("initiate")
	if err != nil {
		t.Fatalf("ClearStalePending() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != "stale" {
		t.Errorf("ClearStalePending() = %v, want [stale]", ids)
	}

	quoted, _ := store.GetSwap("init")
	if quoted.Pending != "initiate" {
		t.Errorf("initiate marker was cleared")
	}
}
