// Package node manages the life cycle of the daemon's background services.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"
)

// Lifecycle is implemented by every background service attached to the
// node: Start launches the service, Stop signals cancellation and awaits
// termination.
type Lifecycle interface {
	Start() error
	Stop() error
}

// DefaultStopTimeout bounds how long Stop waits for services to drain.
const DefaultStopTimeout = 10 * time.Second

// Node is a container of lifecycles. Services start in registration order
// and stop concurrently within a bounded grace period.
type Node struct {
	mu          sync.Mutex
	lifecycles  []Lifecycle
	started     bool
	stopTimeout time.Duration
	log         log.Logger
}

// New creates an empty node.
func New() *Node {
	return &Node{stopTimeout: DefaultStopTimeout, log: log.New("component", "node")}
}

// SetStopTimeout overrides the shutdown grace period.
func (n *Node) SetStopTimeout(d time.Duration) {
	if d > 0 {
		n.stopTimeout = d
	}
}

// Register attaches a lifecycle to the node. Must be called before Start.
func (n *Node) Register(lc Lifecycle) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		panic("node: register after start")
	}
	n.lifecycles = append(n.lifecycles, lc)
}

// Start launches every registered lifecycle in order. If one fails, the
// already-started services are stopped again and the error is returned.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return errors.New("node: already started")
	}
	var started []Lifecycle
	for _, lc := range n.lifecycles {
		if err := lc.Start(); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				if stopErr := started[i].Stop(); stopErr != nil {
					n.log.Warn("Failed to stop service during unwind", "err", stopErr)
				}
			}
			return fmt.Errorf("node: start service %T: %w", lc, err)
		}
		started = append(started, lc)
	}
	n.started = true
	return nil
}

// Stop signals every lifecycle and waits for all of them to drain, bounded
// by the stop timeout.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return nil
	}
	n.started = false

	ctx, cancel := context.WithTimeout(context.Background(), n.stopTimeout)
	defer cancel()
	g, _ := errgroup.WithContext(ctx)
	for _, lc := range n.lifecycles {
		g.Go(lc.Stop)
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("node: shutdown exceeded %s", n.stopTimeout)
	}
}

// Wait blocks until the process receives SIGINT or SIGTERM.
func (n *Node) Wait() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(ch)
	sig := <-ch
	n.log.Info("Shutdown signal received", "signal", sig)
}
