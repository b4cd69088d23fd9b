// Package observe implements the five named diagnostic channels shared by
// Connection, Client, and Cluster: action, events, errors, server, and
// status. Each is a best-effort, non-blocking fan-out of human-readable
// strings. An application that never reads a channel must never be able to
// stall the component producing it.
package observe

import (
	"fmt"

	"github.com/lightninglabs/electrum/queue"
)

// queueSize is the depth of the internal ConcurrentQueue input/output
// buffering for each hook channel.
const queueSize = 32

// Hooks is a set of five independent diagnostic channels. The zero value is
// not usable; construct with New.
type Hooks struct {
	action *hook
	events *hook
	errors *hook
	server *hook
	status *hook
}

// hook wraps a ConcurrentQueue and exposes it as a typed <-chan string.
type hook struct {
	q    *queue.ConcurrentQueue
	out  chan string
	quit chan struct{}
}

func newHook() *hook {
	h := &hook{
		q:    queue.NewConcurrentQueue(queueSize),
		out:  make(chan string, queueSize),
		quit: make(chan struct{}),
	}
	h.q.Start()
	go h.forward()

	return h
}

func (h *hook) forward() {
	for {
		select {
		case item, ok := <-h.q.ChanOut():
			if !ok {
				return
			}
			msg, ok := item.(string)
			if !ok {
				continue
			}

			select {
			case h.out <- msg:
			case <-h.quit:
				return
			}

		case <-h.quit:
			return
		}
	}
}

func (h *hook) emit(format string, args ...interface{}) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}

	select {
	case h.q.ChanIn() <- msg:
	default:
		// The hook's internal queue is unbounded in steady state, so
		// this drops a message only when the queueSize-deep input
		// buffer is momentarily full or the queue goroutine has
		// stopped.
	}
}

func (h *hook) chanOut() <-chan string {
	return h.out
}

func (h *hook) stop() {
	close(h.quit)
	h.q.Stop()
}

// New constructs a ready-to-use Hooks.
func New() *Hooks {
	return &Hooks{
		action: newHook(),
		events: newHook(),
		errors: newHook(),
		server: newHook(),
		status: newHook(),
	}
}

// Action emits a message describing an action this component is about to
// take (dialing, sending a request, disconnecting).
func (h *Hooks) Action(format string, args ...interface{}) {
	h.action.emit(format, args...)
}

// ActionChan returns the channel of action messages.
func (h *Hooks) ActionChan() <-chan string { return h.action.chanOut() }

// Event emits a message describing something that happened other than a
// lifecycle transition (for example, a Cluster subscription value reaching
// confidence). Connecting and handshake completion are reported on Status.
func (h *Hooks) Event(format string, args ...interface{}) {
	h.events.emit(format, args...)
}

// EventsChan returns the channel of event messages.
func (h *Hooks) EventsChan() <-chan string { return h.events.chanOut() }

// Error emits a message describing a failure.
func (h *Hooks) Error(format string, args ...interface{}) {
	h.errors.emit(format, args...)
}

// ErrorsChan returns the channel of error messages.
func (h *Hooks) ErrorsChan() <-chan string { return h.errors.chanOut() }

// Server emits a message describing something the remote peer said or did.
func (h *Hooks) Server(format string, args ...interface{}) {
	h.server.emit(format, args...)
}

// ServerChan returns the channel of server messages.
func (h *Hooks) ServerChan() <-chan string { return h.server.chanOut() }

// Status emits a message describing a lifecycle/state transition.
func (h *Hooks) Status(format string, args ...interface{}) {
	h.status.emit(format, args...)
}

// StatusChan returns the channel of status messages.
func (h *Hooks) StatusChan() <-chan string { return h.status.chanOut() }

// Stop releases the goroutines backing every channel. Reading from a
// channel after Stop simply blocks forever, the same as an empty channel
// nobody writes to.
func (h *Hooks) Stop() {
	h.action.stop()
	h.events.stop()
	h.errors.stop()
	h.server.stop()
	h.status.stop()
}
