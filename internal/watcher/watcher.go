// Package watcher follows HTLC events on every configured chain and feeds
// them to the swap coordinator.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Klingon-tech/swapengine/internal/adapter"
	"github.com/Klingon-tech/swapengine/internal/storage"
	"github.com/Klingon-tech/swapengine/internal/swap"
	"github.com/Klingon-tech/swapengine/pkg/logging"
)

// Config configures the watcher.
type Config struct {
	// ReconcileInterval is how often open swaps are checked against the
	// chain. Zero disables the periodic pass.
	ReconcileInterval time.Duration

	// ResubscribeDelay is the wait before a dropped subscription is opened
	// again.
	ResubscribeDelay time.Duration

	// DivergenceBuffer sizes the channel returned by Divergences.
	DivergenceBuffer int
}

// DefaultConfig returns the default watcher configuration.
func DefaultConfig() Config {
	return Config{
		ReconcileInterval: 5 * time.Minute,
		ResubscribeDelay:  5 * time.Second,
		DivergenceBuffer:  32,
	}
}

// Watcher subscribes to every adapter and applies what it sees.
type Watcher struct {
	coord    *swap.Coordinator
	store    *storage.Storage
	adapters *adapter.Registry
	config   Config
	log      *logging.Logger

	divergences chan *swap.StateDivergenceError

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a watcher over the coordinator's adapters.
func New(coord *swap.Coordinator, cfg Config) *Watcher {
	def := DefaultConfig()
	if cfg.ResubscribeDelay <= 0 {
		cfg.ResubscribeDelay = def.ResubscribeDelay
	}
	if cfg.DivergenceBuffer <= 0 {
		cfg.DivergenceBuffer = def.DivergenceBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		coord:       coord,
		store:       coord.Store(),
		adapters:    coord.Adapters(),
		config:      cfg,
		log:         logging.GetDefault().Component("watcher"),
		divergences: make(chan *swap.StateDivergenceError, cfg.DivergenceBuffer),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start opens one subscription per adapter and the reconcile loop.
func (w *Watcher) Start() {
	for _, a := range w.adapters.All() {
		w.wg.Add(1)
		go w.watch(a)
	}
	if w.config.ReconcileInterval > 0 {
		w.wg.Add(1)
		go w.runReconcile()
	}
	w.log.Info("Watcher started", "chains", w.adapters.List(), "reconcile_interval", w.config.ReconcileInterval)
}

// Stop cancels every subscription and waits for the loops to exit.
func (w *Watcher) Stop() {
	w.cancel()
	w.wg.Wait()
	w.log.Info("Watcher stopped")
}

// Divergences streams state divergences found while applying events. Sends
// never block; a full channel drops the report (it is still in the ledger).
func (w *Watcher) Divergences() <-chan *swap.StateDivergenceError {
	return w.divergences
}

func (w *Watcher) watch(a adapter.Adapter) {
	defer w.wg.Done()
	log := w.log.With("chain", a.Chain())

	for {
		events, err := a.Subscribe(w.ctx)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			log.Warn("Subscribe failed", "error", err, "retry_in", w.config.ResubscribeDelay)
		} else {
			log.Debug("Subscribed")
			for ev := range events {
				if err := w.Handle(w.ctx, ev); err != nil {
					log.Debug("Event not applied", "swap_id", ev.SwapID, "type", ev.Type, "error", err)
				}
			}
			if w.ctx.Err() != nil {
				return
			}
			log.Warn("Subscription closed, resubscribing", "retry_in", w.config.ResubscribeDelay)
		}

		select {
		case <-w.ctx.Done():
			return
		case <-time.After(w.config.ResubscribeDelay):
		}
	}
}

// Handle applies one chain event. Events already processed are skipped, and
// events for swaps this engine does not know are ignored. An event is marked
// processed once it was applied, found to be a no-op, or flagged as a
// divergence; any other failure leaves it to be seen again.
func (w *Watcher) Handle(ctx context.Context, ev adapter.Event) error {
	_, err := w.apply(ctx, ev)
	return err
}

// apply is Handle, reporting whether the ledger changed.
func (w *Watcher) apply(ctx context.Context, ev adapter.Event) (bool, error) {
	if ev.TxRef != "" {
		seen, err := w.store.HasChainEvent(ev.Chain, string(ev.TxRef), string(ev.Type))
		if err != nil {
			return false, err
		}
		if seen {
			return false, nil
		}
	}

	applied, err := w.coord.Observe(ctx, ev)
	var div *swap.StateDivergenceError
	switch {
	case errors.Is(err, swap.ErrSwapNotFound):
		w.log.Debug("Ignoring event for unknown swap", "chain", ev.Chain, "swap_id", ev.SwapID, "type", ev.Type)
		return false, nil
	case errors.As(err, &div):
		w.report(div)
	case err != nil:
		w.log.Warn("Failed to apply chain event", "chain", ev.Chain, "swap_id", ev.SwapID, "type", ev.Type, "error", err)
		return false, err
	}

	if ev.TxRef != "" {
		if _, rerr := w.store.RecordChainEvent(&storage.ChainEvent{
			Chain:     ev.Chain,
			TxRef:     string(ev.TxRef),
			EventType: string(ev.Type),
			SwapID:    ev.SwapID,
		}); rerr != nil {
			w.log.Warn("Failed to record chain event", "chain", ev.Chain, "tx", ev.TxRef, "error", rerr)
		}
	}
	if applied {
		w.log.Debug("Chain event applied", "chain", ev.Chain, "swap_id", ev.SwapID, "type", ev.Type, "synthetic", ev.Synthetic)
	}
	return applied, err
}

func (w *Watcher) report(div *swap.StateDivergenceError) {
	select {
	case w.divergences <- div:
	default:
		w.log.Warn("Divergence channel full, dropping report", "swap_id", div.SwapID)
	}
}

// Reconcile reads the swap's lock from its source chain and applies any
// state the event stream missed as synthetic events. It returns how many
// events changed the ledger.
//
// Partial fills are not rebuilt from the lock state; only the lock itself
// and a final redeem or refund are.
func (w *Watcher) Reconcile(ctx context.Context, swapID string) (int, error) {
	s, err := w.coord.GetSwap(swapID)
	if err != nil {
		return 0, err
	}
	changed := 0
	if s.Status == storage.StatusQuoted && s.Pending != "" {
		resolved, err := w.coord.ResolvePending(ctx, swapID)
		if err != nil || !resolved {
			return 0, err
		}
		changed++
		if s, err = w.coord.GetSwap(swapID); errors.Is(err, swap.ErrSwapNotFound) {
			return changed, nil
		} else if err != nil {
			return changed, err
		}
		if s.Status != storage.StatusInitiated {
			return changed, nil
		}
	}
	a, err := w.adapters.Get(s.FromChain)
	if err != nil {
		return 0, err
	}

	callCtx, cancel := context.WithTimeout(ctx, w.coord.Policy().ChainCallTimeout)
	remote, err := a.FetchHTLCState(callCtx, swapID)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("fetch %s lock for %s: %w", s.FromChain, swapID, err)
	}

	log := w.log.Swap(swapID)
	if !remote.Exists {
		if s.Status.IsOpen() {
			log.Warn("Ledger has an open swap with no lock on chain", "status", s.Status)
		}
		return 0, nil
	}
	if remote.Filled.GreaterThan(s.HTLC.TotalFilled) && !remote.Executed {
		log.Warn("Chain has fills the ledger has not seen", "chain_filled", remote.Filled, "ledger_filled", s.HTLC.TotalFilled)
	}

	for _, ev := range synthesize(s, remote) {
		applied, err := w.apply(ctx, ev)
		if applied {
			changed++
		}
		if err != nil {
			return changed, err
		}
	}
	if changed > 0 {
		log.Info("Swap reconciled with chain", "events", changed)
	}
	return changed, nil
}

// synthesize builds the events that would move the ledger to the chain's
// view of the lock, oldest first.
func synthesize(s *storage.Swap, remote *adapter.RemoteHTLC) []adapter.Event {
	var events []adapter.Event
	if s.Status == storage.StatusQuoted {
		events = append(events, adapter.Event{
			Type:      adapter.EventInitiated,
			TxRef:     remote.LockTx,
			Amount:    remote.Amount,
			Remaining: remote.Amount.Sub(remote.Filled),
			Actor:     s.InitiatorAddress,
		})
	}
	switch {
	case remote.Executed && !s.HTLC.Executed:
		events = append(events, adapter.Event{
			Type:     adapter.EventRedeemed,
			TxRef:    remote.RedeemTx,
			Amount:   remote.Amount.Sub(s.HTLC.TotalFilled),
			Preimage: remote.Preimage,
		})
	case remote.Refunded && !s.HTLC.Refunded:
		events = append(events, adapter.Event{
			Type:   adapter.EventRefunded,
			TxRef:  remote.RefundTx,
			Amount: remote.Amount.Sub(remote.Filled),
		})
	}
	for i := range events {
		events[i].Chain = s.FromChain
		events[i].SwapID = s.ID
		events[i].Synthetic = true
	}
	return events
}

func (w *Watcher) runReconcile() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.config.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.reconcileOpen()
		}
	}
}

// reconcileOpen runs Reconcile over every swap that may still hold funds,
// including swaps whose lock was sent but never confirmed.
func (w *Watcher) reconcileOpen() {
	swaps, err := w.coord.ListSwaps(storage.SwapFilter{
		Status: []storage.SwapStatus{storage.StatusInitiated, storage.StatusPartiallyFilled, storage.StatusExpired},
	})
	if err != nil {
		w.log.Warn("Failed to list open swaps", "error", err)
		return
	}
	pending, err := w.coord.ListSwaps(storage.SwapFilter{
		Status:      []storage.SwapStatus{storage.StatusQuoted},
		PendingOnly: true,
	})
	if err != nil {
		w.log.Warn("Failed to list pending swaps", "error", err)
	}
	swaps = append(swaps, pending...)
	for _, s := range swaps {
		if w.ctx.Err() != nil {
			return
		}
		if _, err := w.Reconcile(w.ctx, s.ID); err != nil {
			w.log.Debug("Reconcile failed", "swap_id", s.ID, "error", err)
		}
	}
}
