package observe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHooksDeliversFormattedMessage(t *testing.T) {
	h := New()
	defer h.Stop()

	h.Status("dialing %s:%d", "host", 50002)

	select {
	case msg := <-h.StatusChan():
		require.Equal(t, "dialing host:50002", msg)
	case <-time.After(time.Second):
		t.Fatal("expected a status message")
	}
}

func TestHooksNeverBlockWithoutReader(t *testing.T) {
	h := New()
	defer h.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			h.Event("event %d", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emitting events blocked with no reader draining the channel")
	}
}

func TestHooksIndependentChannels(t *testing.T) {
	h := New()
	defer h.Stop()

	h.Action("a")
	h.Error("e")

	select {
	case msg := <-h.ActionChan():
		require.Equal(t, "a", msg)
	case <-time.After(time.Second):
		t.Fatal("expected action message")
	}

	select {
	case msg := <-h.ErrorsChan():
		require.Equal(t, "e", msg)
	case <-time.After(time.Second):
		t.Fatal("expected error message")
	}
}
