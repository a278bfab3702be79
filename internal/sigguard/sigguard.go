// Package sigguard turns asynchronous termination signals into a
// single cooperative cancellation, checked at phase boundaries rather
// than interrupting work mid-copy.
//
// CI supervisors deliver SIGTERM/SIGHUP, sometimes several times in
// quick succession. The guard cancels its context on the first signal
// and swallows the rest, and Shield lets the cleanup path defer even
// that, so a signal storm can never interrupt the release step and
// orphan a lease.
package sigguard

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
)

// Guard owns the signal subscription for one job run.
type Guard struct {
	sigs   []os.Signal
	ch     chan os.Signal
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	shielded  atomic.Bool
	deferred  atomic.Int64
	closeOnce sync.Once
}

// New subscribes to sigs and returns a guard whose context is
// cancelled by the first one received.
func New(parent context.Context, logger *slog.Logger, sigs ...os.Signal) *Guard {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(parent)
	g := &Guard{
		sigs:   sigs,
		ch:     make(chan os.Signal, 8),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	signal.Notify(g.ch, sigs...)
	go g.watch()
	return g
}

func (g *Guard) watch() {
	for sig := range g.ch {
		if g.shielded.Load() {
			g.deferred.Add(1)
			g.logger.Info("termination signal deferred during cleanup",
				slog.String("signal", sig.String()),
			)
			continue
		}
		g.logger.Info("termination signal received",
			slog.String("signal", sig.String()),
		)
		g.cancel()
	}
}

// Context is cancelled once the first unshielded signal arrives.
func (g *Guard) Context() context.Context { return g.ctx }

// Shield runs fn with signal delivery deferred: signals arriving while
// fn executes are counted and logged but trigger no cancellation. The
// previous behaviour is restored before Shield returns.
func (g *Guard) Shield(fn func()) {
	g.shielded.Store(true)
	defer g.shielded.Store(false)
	fn()
}

// Deferred reports how many signals arrived while shielded.
func (g *Guard) Deferred() int64 { return g.deferred.Load() }

// Close unsubscribes and restores the default disposition for the
// guarded signals. Safe to call more than once.
func (g *Guard) Close() {
	g.closeOnce.Do(func() {
		signal.Stop(g.ch)
		signal.Reset(g.sigs...)
		close(g.ch)
		g.cancel()
	})
}
