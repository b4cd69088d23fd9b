package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConcurrentQueueFIFO(t *testing.T) {
	q := NewConcurrentQueue(1)
	q.Start()
	defer q.Stop()

	const n = 50
	for i := 0; i < n; i++ {
		q.ChanIn() <- i
	}

	for i := 0; i < n; i++ {
		select {
		case item := <-q.ChanOut():
			require.Equal(t, i, item)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for item %d", i)
		}
	}
}

func TestConcurrentQueueDoesNotBlockProducerWhileConsumerIdle(t *testing.T) {
	q := NewConcurrentQueue(1)
	q.Start()
	defer q.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			q.ChanIn() <- i
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer blocked despite no consumer")
	}
}
