package readiness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/patrickwarner/tenantads/internal/dom"
	"github.com/patrickwarner/tenantads/internal/observability"
)

func TestWaitReturnsImmediatelyWhenPresent(t *testing.T) {
	w := dom.NewWindow()
	w.Define(dom.GlobalAnalyticsTag, dom.GlobalAdLibrary, dom.GlobalAdServer)
	g := New(w, zaptest.NewLogger(t), nil, 10*time.Millisecond)

	st := g.WaitForLibraries(context.Background(), time.Second, 10*time.Millisecond)
	assert.True(t, st.Ready)
	assert.Zero(t, st.Waited)
}

func TestWaitPicksUpLateLibrary(t *testing.T) {
	w := dom.NewWindow()
	g := New(w, zaptest.NewLogger(t), nil, 5*time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		w.Define(dom.GlobalAdLibrary, dom.GlobalAdLibraryPush)
	}()
	st := g.WaitForAdLibraryReady(context.Background(), time.Second)
	assert.True(t, st.Ready)
	assert.Greater(t, st.Waited, time.Duration(0))
}

func TestWaitTimesOutWithoutError(t *testing.T) {
	w := dom.NewWindow()
	w.Define(dom.GlobalAdServer)
	metrics := &observability.MockMetricsRegistry{}
	g := New(w, zaptest.NewLogger(t), metrics, 5*time.Millisecond)

	st := g.WaitForAdServerReady(context.Background(), 30*time.Millisecond)
	assert.False(t, st.Ready)
	assert.NotContains(t, st.Missing, dom.GlobalAdServer)
	assert.Contains(t, st.Missing, dom.GlobalAdServerPubAds)
	assert.Equal(t, 1, metrics.Count("readiness_timeout:"+LibraryAdServer))
}

func TestWaitStopsOnContextCancel(t *testing.T) {
	g := New(dom.NewWindow(), zaptest.NewLogger(t), nil, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	st := g.WaitForLibraries(ctx, time.Minute, 5*time.Millisecond)
	assert.False(t, st.Ready)
	assert.Less(t, time.Since(start), time.Second)
	assert.Len(t, st.Missing, 3)
}
