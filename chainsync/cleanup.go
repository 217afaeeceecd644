package chainsync

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/trustflow/escrowd/escrowdb"
	"github.com/trustflow/escrowd/metrics"
)

// CleanupWorker periodically deletes expired refresh sessions. It lives in
// this package because it shares the background lifecycle contract with the
// sync worker, not because it touches the chain.
type CleanupWorker struct {
	store    *escrowdb.Store
	interval time.Duration
	log      log.Logger

	quit chan struct{}
	done chan struct{}
}

// NewCleanupWorker creates a cleanup worker sweeping at the given cadence.
func NewCleanupWorker(store *escrowdb.Store, interval time.Duration) *CleanupWorker {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &CleanupWorker{
		store:    store,
		interval: interval,
		log:      log.New("worker", "cleanup"),
	}
}

// Start launches the sweep loop.
func (w *CleanupWorker) Start() error {
	w.quit = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop()
	w.log.Info("Session cleanup worker started", "interval", w.interval)
	return nil
}

// Stop signals the loop and waits for it to drain.
func (w *CleanupWorker) Stop() error {
	close(w.quit)
	<-w.done
	w.log.Info("Session cleanup worker stopped")
	return nil
}

func (w *CleanupWorker) loop() {
	defer close(w.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.quit
		cancel()
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-w.quit:
			return
		case <-timer.C:
		}
		w.sweep(ctx)
		timer.Reset(w.interval)
	}
}

func (w *CleanupWorker) sweep(ctx context.Context) {
	deleted, err := w.store.DeleteExpiredSessions(ctx, time.Now().UTC())
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error("Session cleanup failed", "err", err)
		}
		return
	}
	if deleted > 0 {
		metrics.SessionsDeleted.Add(float64(deleted))
		w.log.Info("Cleaned up expired sessions", "count", deleted)
	}
}
