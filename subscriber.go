package electrum

import (
	"encoding/json"

	"github.com/lightninglabs/electrum/queue"
)

// subscriberQueueSize bounds the internal ConcurrentQueue buffering used by
// each subscriber, matching the depth used by the observation hooks.
const subscriberQueueSize = 32

// subscriber fans a single method's notifications out to one caller-owned
// channel, backed by a ConcurrentQueue so a slow or absent reader never
// stalls statement routing for other subscribers of the same method.
type subscriber struct {
	q    *queue.ConcurrentQueue
	out  chan json.RawMessage
	quit chan struct{}
}

func newSubscriber() *subscriber {
	s := &subscriber{
		q:    queue.NewConcurrentQueue(subscriberQueueSize),
		out:  make(chan json.RawMessage, subscriberQueueSize),
		quit: make(chan struct{}),
	}
	s.q.Start()
	go s.forward()

	return s
}

func (s *subscriber) forward() {
	for {
		select {
		case item, ok := <-s.q.ChanOut():
			if !ok {
				return
			}
			msg, ok := item.(json.RawMessage)
			if !ok {
				continue
			}

			select {
			case s.out <- msg:
			case <-s.quit:
				return
			}

		case <-s.quit:
			return
		}
	}
}

func (s *subscriber) deliver(payload json.RawMessage) {
	select {
	case s.q.ChanIn() <- payload:
	default:
	}
}

func (s *subscriber) stop() {
	close(s.quit)
	s.q.Stop()
	close(s.out)
}
