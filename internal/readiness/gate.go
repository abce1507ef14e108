// Package readiness polls for third-party library globals with bounded
// timeouts. Timeouts are reported, never returned as errors.
package readiness

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/tenantads/internal/dom"
	"github.com/patrickwarner/tenantads/internal/observability"
)

// Globals is the read side of the page window.
type Globals interface {
	HasAll(names ...string) bool
}

// Library names used in logs and metrics.
const (
	LibraryAll       = "all"
	LibraryAdLibrary = "ad_library"
	LibraryAdServer  = "ad_server"
)

// Globals each wait checks.
var (
	allLibraries   = []string{dom.GlobalAnalyticsTag, dom.GlobalAdLibrary, dom.GlobalAdServer}
	adLibraryReady = []string{dom.GlobalAdLibrary, dom.GlobalAdLibraryPush}
	adServerReady  = []string{dom.GlobalAdServer, dom.GlobalAdServerPubAds, dom.GlobalAdServerDefine, dom.GlobalAdServerShow}
)

// Status describes the outcome of a wait.
type Status struct {
	Ready   bool
	Waited  time.Duration
	Missing []string
}

// Gate waits on the globals of one page.
type Gate struct {
	globals Globals
	logger  *zap.Logger
	metrics observability.MetricsRegistry
	poll    time.Duration
}

// New returns a gate polling every poll interval. A non-positive poll uses
// 100ms.
func New(g Globals, logger *zap.Logger, metrics observability.MetricsRegistry, poll time.Duration) *Gate {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &Gate{globals: g, logger: logger.Named("readiness"), metrics: metrics, poll: poll}
}

// WaitForLibraries waits for the analytics tag, the ad library queue and
// the ad server object. It returns early once all are present.
func (g *Gate) WaitForLibraries(ctx context.Context, timeout, poll time.Duration) Status {
	return g.wait(ctx, LibraryAll, allLibraries, timeout, poll)
}

// WaitForAdLibraryReady waits until the ad library accepts pushes.
func (g *Gate) WaitForAdLibraryReady(ctx context.Context, timeout time.Duration) Status {
	return g.wait(ctx, LibraryAdLibrary, adLibraryReady, timeout, g.poll)
}

// WaitForAdServerReady waits until the ad server exposes its publisher
// ads service and slot functions.
func (g *Gate) WaitForAdServerReady(ctx context.Context, timeout time.Duration) Status {
	return g.wait(ctx, LibraryAdServer, adServerReady, timeout, g.poll)
}

func (g *Gate) wait(ctx context.Context, library string, names []string, timeout, poll time.Duration) Status {
	start := time.Now()
	if g.globals.HasAll(names...) {
		return Status{Ready: true}
	}
	if poll <= 0 {
		poll = g.poll
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if g.globals.HasAll(names...) {
				return Status{Ready: true, Waited: time.Since(start)}
			}
		case <-deadline.C:
			return g.timedOut(library, names, start)
		case <-ctx.Done():
			return g.timedOut(library, names, start)
		}
	}
}

func (g *Gate) timedOut(library string, names []string, start time.Time) Status {
	var missing []string
	for _, n := range names {
		if !g.globals.HasAll(n) {
			missing = append(missing, n)
		}
	}
	g.metrics.IncrementReadinessTimeout(library)
	g.logger.Warn("third-party library not ready, continuing without it",
		zap.String("library", library),
		zap.Strings("missing", missing),
		zap.Duration("waited", time.Since(start)),
	)
	return Status{Waited: time.Since(start), Missing: missing}
}
