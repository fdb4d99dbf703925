package adapter

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/Klingon-tech/swapengine/pkg/logging"
)

type idempotent struct {
	Adapter
	group singleflight.Group
	log   *logging.Logger

	mu    sync.Mutex
	locks map[string]TxRef
}

// Idempotent wraps an adapter so that Initiate for a swap id locks at most
// once: concurrent calls share one flight, finished locks are cached, and
// the chain is checked for an existing lock before a new one is submitted.
func Idempotent(a Adapter) Adapter {
	return &idempotent{
		Adapter: a,
		log:     logging.GetDefault().Component("adapter").With("chain", a.Chain()),
		locks:   make(map[string]TxRef),
	}
}

func (i *idempotent) cached(swapID string) (TxRef, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	ref, ok := i.locks[swapID]
	return ref, ok
}

func (i *idempotent) remember(swapID string, ref TxRef) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.locks[swapID] = ref
}

func (i *idempotent) Initiate(ctx context.Context, req LockRequest) (TxRef, error) {
	if ref, ok := i.cached(req.SwapID); ok {
		return ref, nil
	}

	v, err, shared := i.group.Do(req.SwapID, func() (interface{}, error) {
		if ref, ok := i.cached(req.SwapID); ok {
			return ref, nil
		}

		remote, err := i.Adapter.FetchHTLCState(ctx, req.SwapID)
		if err != nil {
			return TxRef(""), err
		}
		if remote.Exists {
			i.log.Info("Lock already on chain", "swap_id", req.SwapID, "tx", remote.LockTx)
			i.remember(req.SwapID, remote.LockTx)
			return remote.LockTx, nil
		}

		ref, err := i.Adapter.Initiate(ctx, req)
		if err != nil {
			return TxRef(""), err
		}
		i.remember(req.SwapID, ref)
		return ref, nil
	})
	if shared {
		i.log.Debug("Joined in-flight initiate", "swap_id", req.SwapID)
	}
	return v.(TxRef), err
}
