package ticker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIntervalTickerFiresOnceAfterResume(t *testing.T) {
	tk := New(20 * time.Millisecond)
	defer tk.Stop()

	// Paused (the initial state): no tick should arrive.
	select {
	case <-tk.Ticks():
		t.Fatal("received tick while paused")
	case <-time.After(60 * time.Millisecond):
	}

	tk.Resume()

	select {
	case <-tk.Ticks():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected a tick after resume")
	}
}

func TestIntervalTickerResumeRestartsFullInterval(t *testing.T) {
	tk := New(60 * time.Millisecond)
	defer tk.Stop()

	tk.Resume()
	time.Sleep(40 * time.Millisecond)

	// Re-arm before the interval elapses; this should push the fire time
	// out by another full interval rather than letting the original
	// deadline stand.
	tk.Resume()

	select {
	case <-tk.Ticks():
		t.Fatal("ticked before the rearmed interval elapsed")
	case <-time.After(30 * time.Millisecond):
	}

	select {
	case <-tk.Ticks():
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected a tick after the rearmed interval")
	}
}

func TestMockForceFeed(t *testing.T) {
	m := MockNew(time.Hour)
	defer m.Stop()

	go func() {
		m.Force <- time.Now()
	}()

	select {
	case <-m.Ticks():
	case <-time.After(time.Second):
		t.Fatal("expected forced tick")
	}
}

var _ Ticker = (*intervalTicker)(nil)
var _ Ticker = (*Mock)(nil)

func TestStopIsSafeWithoutResume(t *testing.T) {
	tk := New(time.Millisecond)
	require.NotPanics(t, func() {
		tk.Stop()
	})
}
