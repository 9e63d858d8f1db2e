package keystore

import (
	"context"
	"sync"
	"time"
)

// RecoveryWorker periodically releases multi-hop reservations that have
// aged past maxReservationAge without completing, so an interrupted
// BuildXorKey chain doesn't permanently strand a key as Reserved. Mirrors
// the ticker-driven recovery/cleanup pass the reference repo's settlement
// service runs for stuck pending transactions.
type RecoveryWorker struct {
	factory *Factory
	interval         time.Duration
	maxReservationAge time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewRecoveryWorker constructs a worker that sweeps every interval,
// releasing reservations older than maxReservationAge.
func NewRecoveryWorker(factory *Factory, interval, maxReservationAge time.Duration) *RecoveryWorker {
	return &RecoveryWorker{
		factory:            factory,
		interval:           interval,
		maxReservationAge:  maxReservationAge,
		stopCh:             make(chan struct{}),
		doneCh:             make(chan struct{}),
	}
}

// Start launches the background sweep goroutine. Call Stop to end it.
func (w *RecoveryWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *RecoveryWorker) run(ctx context.Context) {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *RecoveryWorker) sweep() {
	w.factory.mu.Lock()
	stores := make([]*KeyStore, 0, len(w.factory.stores))
	for _, ks := range w.factory.stores {
		stores = append(stores, ks)
	}
	w.factory.mu.Unlock()

	total := 0
	for _, ks := range stores {
		total += ks.ReleaseStaleReservations(w.maxReservationAge)
	}
	if total > 0 {
		w.factory.log.Info("released stale multi-hop reservations", map[string]interface{}{
			"count": total,
		})
	}
}

// Stop halts the sweep goroutine and waits for it to exit.
func (w *RecoveryWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}
