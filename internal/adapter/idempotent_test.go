package adapter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestIdempotentInitiateOnce(t *testing.T) {
	m, clock := newTestMemory(false)
	a := Idempotent(m)
	req, _ := testLock("s1", clock, 100, false)

	first, err := a.Initiate(context.Background(), req)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	second, err := a.Initiate(context.Background(), req)
	if err != nil {
		t.Fatalf("second Initiate() error = %v", err)
	}
	if first != second {
		t.Errorf("refs differ: %s vs %s", first, second)
	}
	if m.Locks() != 1 || m.Calls(OpInitiate) != 1 {
		t.Errorf("Locks()=%d Calls()=%d, want 1 and 1", m.Locks(), m.Calls(OpInitiate))
	}
}

func TestIdempotentConcurrentInitiate(t *testing.T) {
	m, clock := newTestMemory(false)
	m.SetLatency(OpInitiate, 20*time.Millisecond)
	a := Idempotent(m)
	req, _ := testLock("s1", clock, 100, false)

	var wg sync.WaitGroup
	refs := make([]TxRef, 8)
	errs := make([]error, 8)
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			refs[i], errs[i] = a.Initiate(context.Background(), req)
		}(i)
	}
	wg.Wait()

	for i := range refs {
		if errs[i] != nil {
			t.Fatalf("Initiate() #%d error = %v", i, errs[i])
		}
		if refs[i] != refs[0] {
			t.Errorf("ref #%d = %s, want %s", i, refs[i], refs[0])
		}
	}
	if m.Locks() != 1 {
		t.Errorf("Locks() = %d, want 1", m.Locks())
	}
}

func TestIdempotentRecoversLostResponse(t *testing.T) {
	m, clock := newTestMemory(false)
	a := Idempotent(m)
	req, _ := testLock("s1", clock, 100, false)

	m.LoseResponse(OpInitiate, Unavailable(errors.New("timeout")))
	if _, err := a.Initiate(context.Background(), req); !IsRetryable(err) {
		t.Fatalf("Initiate() error = %v, want retryable", err)
	}

	ref, err := a.Initiate(context.Background(), req)
	if err != nil {
		t.Fatalf("retry Initiate() error = %v", err)
	}
	state, _ := m.FetchHTLCState(context.Background(), "s1")
	if ref != state.LockTx {
		t.Errorf("ref = %s, want existing lock %s", ref, state.LockTx)
	}
	if m.Locks() != 1 || m.Calls(OpInitiate) != 1 {
		t.Errorf("Locks()=%d Calls()=%d, want 1 and 1", m.Locks(), m.Calls(OpInitiate))
	}
}

func TestIdempotentLockReadFailure(t *testing.T) {
	m, clock := newTestMemory(false)
	a := Idempotent(m)
	req, _ := testLock("s1", clock, 100, false)

	m.FailNext(OpFetch, Unavailable(errors.New("down")))
	if _, err := a.Initiate(context.Background(), req); !IsRetryable(err) {
		t.Fatalf("Initiate() error = %v, want retryable", err)
	}
	if m.Calls(OpInitiate) != 0 {
		t.Error("lock submitted without a successful lock read")
	}
}
