package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/Klingon-tech/swapengine/pkg/logging"
)

// RetryPolicy configures bounded exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
}

// DefaultRetryPolicy returns the default policy: 500ms doubling up to 30s,
// five attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Factor:      2,
	}
}

// Backoff returns the delay before retry number attempt (0-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	backoff := p.BaseDelay
	for i := 0; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * p.Factor)
		if p.MaxDelay > 0 && backoff > p.MaxDelay {
			return p.MaxDelay
		}
	}
	return backoff
}

type retrying struct {
	Adapter
	policy RetryPolicy
	log    *logging.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// WithRetry wraps an adapter so retryable errors are retried with backoff.
// Fatal errors and context cancellation return immediately. Fill, redeem
// and refund are only re-sent after the lock state shows the previous
// attempt did not land.
func WithRetry(a Adapter, policy RetryPolicy) Adapter {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Factor < 1 {
		policy.Factor = 1
	}
	return &retrying{
		Adapter: a,
		policy:  policy,
		log:     logging.GetDefault().Component("adapter-retry").With("chain", a.Chain()),
		sleep:   sleepCtx,
	}
}

func (r *retrying) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := r.policy.Backoff(attempt - 1)
			r.log.Debug("Retrying chain call", "op", op, "attempt", attempt+1, "delay", delay, "error", err)
			if serr := r.sleep(ctx, delay); serr != nil {
				return fmt.Errorf("%w (last error: %v)", serr, err)
			}
		}
		err = fn(ctx)
		if err == nil || !IsRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	r.log.Warn("Chain call failed after retries", "op", op, "attempts", r.policy.MaxAttempts, "error", err)
	return fmt.Errorf("%w (after %d attempts)", err, r.policy.MaxAttempts)
}

func (r *retrying) Initiate(ctx context.Context, req LockRequest) (TxRef, error) {
	var ref TxRef
	err := r.do(ctx, "initiate", func(ctx context.Context) error {
		var err error
		ref, err = r.Adapter.Initiate(ctx, req)
		return err
	})
	return ref, err
}

func (r *retrying) Fill(ctx context.Context, order FillOrder) (TxRef, error) {
	return r.write(ctx, "fill", order.SwapID, func(ctx context.Context) (TxRef, error) {
		return r.Adapter.Fill(ctx, order)
	}, func(before, after *RemoteHTLC) (TxRef, bool) {
		// fills carry no tx ref in the lock state; the event stream has it
		landed := after.FillCount > before.FillCount || after.Filled.GreaterThan(before.Filled) ||
			(after.Executed && !before.Executed)
		return "", landed
	})
}

func (r *retrying) Redeem(ctx context.Context, swapID string, preimage []byte) (TxRef, error) {
	return r.write(ctx, "redeem", swapID, func(ctx context.Context) (TxRef, error) {
		return r.Adapter.Redeem(ctx, swapID, preimage)
	}, func(before, after *RemoteHTLC) (TxRef, bool) {
		return after.RedeemTx, after.Executed && !before.Executed
	})
}

func (r *retrying) Refund(ctx context.Context, swapID string) (TxRef, error) {
	return r.write(ctx, "refund", swapID, func(ctx context.Context) (TxRef, error) {
		return r.Adapter.Refund(ctx, swapID)
	}, func(before, after *RemoteHTLC) (TxRef, bool) {
		return after.RefundTx, after.Refunded && !before.Refunded
	})
}

// write retries a chain write that must not land twice. The lock is read
// before the first attempt and after every retryable failure; once the
// lock shows the write, it is never sent again. A landed write whose tx ref
// the lock state cannot supply returns ErrUnknownChainState.
func (r *retrying) write(ctx context.Context, op, swapID string,
	fn func(ctx context.Context) (TxRef, error),
	landed func(before, after *RemoteHTLC) (TxRef, bool),
) (TxRef, error) {
	before, err := r.FetchHTLCState(ctx, swapID)
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := r.policy.Backoff(attempt - 1)
			r.log.Debug("Retrying chain write", "op", op, "swap_id", swapID, "attempt", attempt+1, "delay", delay, "error", lastErr)
			if serr := r.sleep(ctx, delay); serr != nil {
				return "", fmt.Errorf("%w (last error: %v)", serr, lastErr)
			}
		}

		ref, err := fn(ctx)
		if err == nil || !IsRetryable(err) {
			return ref, err
		}
		lastErr = err

		after, perr := r.FetchHTLCState(context.WithoutCancel(ctx), swapID)
		if perr != nil {
			return "", fmt.Errorf("%w: %s failed (%v), and reading the lock back: %v", ErrUnknownChainState, op, err, perr)
		}
		if ref, ok := landed(before, after); ok {
			if ref == "" {
				r.log.Warn("Chain write landed but its response was lost", "op", op, "swap_id", swapID, "error", err)
				return "", fmt.Errorf("%w: %s landed, tx unknown (last error: %v)", ErrUnknownChainState, op, err)
			}
			r.log.Info("Chain write landed despite error", "op", op, "swap_id", swapID, "tx", ref, "error", err)
			return ref, nil
		}
		if ctx.Err() != nil {
			return "", err
		}
	}
	r.log.Warn("Chain write failed after retries", "op", op, "swap_id", swapID, "attempts", r.policy.MaxAttempts, "error", lastErr)
	return "", fmt.Errorf("%w (after %d attempts)", lastErr, r.policy.MaxAttempts)
}

func (r *retrying) FetchHTLCState(ctx context.Context, swapID string) (*RemoteHTLC, error) {
	var out *RemoteHTLC
	err := r.do(ctx, "fetch", func(ctx context.Context) error {
		var err error
		out, err = r.Adapter.FetchHTLCState(ctx, swapID)
		return err
	})
	return out, err
}

func (r *retrying) Subscribe(ctx context.Context) (<-chan Event, error) {
	var ch <-chan Event
	err := r.do(ctx, "subscribe", func(ctx context.Context) error {
		var err error
		ch, err = r.Adapter.Subscribe(ctx)
		return err
	})
	return ch, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
