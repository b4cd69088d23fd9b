// Package electrum implements a client for the Electrum wire protocol:
// newline-delimited JSON-RPC-ish statements carried over TLS. A Client owns
// one Connection, negotiates the protocol version during handshake, and
// demultiplexes the inbound statement stream into request/response
// correlation and method-keyed notification dispatch.
package electrum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/lightninglabs/electrum/connection"
	"github.com/lightninglabs/electrum/observe"
	"github.com/lightninglabs/electrum/protocol"
)

// ErrNotConnected is returned by Request/Subscribe when the Client has not
// completed a handshake.
var ErrNotConnected = errors.New("electrum: not connected")

// ErrManualDisconnect completes every pending request future when Disconnect
// is called while requests are outstanding.
var ErrManualDisconnect = errors.New("electrum: manual disconnection")

// ErrVersionMismatch is returned by Connect when the server's negotiated
// protocol version does not byte-identically match the requested version.
var ErrVersionMismatch = errors.New("electrum: negotiated protocol version mismatch")

// ErrHandshakeRejected is returned by Connect when the server responds to
// server.version with an error object.
var ErrHandshakeRejected = errors.New("electrum: handshake rejected by server")

// ErrHandshakeMalformed is returned by Connect when the server's
// server.version result is not a two-element string array.
var ErrHandshakeMalformed = errors.New("electrum: malformed handshake response")

// ErrInternalConsistency is raised by the statement router when a response
// arrives bearing an id with no pending completer. It indicates a protocol
// or library bug rather than anything the application did wrong.
var ErrInternalConsistency = errors.New("electrum: internal consistency fault")

// Client talks to a single Electrum host.
type Client struct {
	app     string
	version string

	conn  *connection.Connection
	hooks *observe.Hooks

	sinkMu sync.Mutex
	sink   func(protocol.Statement)

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*Future

	subMu sync.Mutex
	subs  map[string][]*subscriber
}

// New constructs a Client. opts configure the underlying Connection (port,
// keep-alive interval, retry, timeout, TLS config) exactly as
// connection.New does.
func New(app, version, host string, opts ...connection.Option) (*Client, error) {
	conn, err := connection.New(app, version, host, opts...)
	if err != nil {
		return nil, err
	}

	c := &Client{
		app:     app,
		version: version,
		conn:    conn,
		hooks:   conn.Hooks(),
		pending: make(map[uint64]*Future),
		subs:    make(map[string][]*subscriber),
	}
	c.sink = c.steadyStateSink

	return c, nil
}

// Hooks returns the observation-hook set shared by this Client's Connection.
func (c *Client) Hooks() *observe.Hooks { return c.hooks }

// ActionChan returns the channel of action messages.
func (c *Client) ActionChan() <-chan string { return c.hooks.ActionChan() }

// EventsChan returns the channel of event messages.
func (c *Client) EventsChan() <-chan string { return c.hooks.EventsChan() }

// ErrorsChan returns the channel of error messages.
func (c *Client) ErrorsChan() <-chan string { return c.hooks.ErrorsChan() }

// ServerChan returns the channel of server-originated messages, including
// one entry per dispatched notification.
func (c *Client) ServerChan() <-chan string { return c.hooks.ServerChan() }

// StatusChan returns the channel of lifecycle/state-transition messages.
func (c *Client) StatusChan() <-chan string { return c.hooks.StatusChan() }

// Connected reports whether the underlying Connection believes itself
// connected. It does not by itself mean the handshake has completed; callers
// should rely on Connect's return value for that.
func (c *Client) Connected() bool { return c.conn.Connected() }

// Done returns a channel closed once the underlying Connection has torn
// down, whether by an explicit Disconnect or by a transport failure
// detected in the read loop. Cluster uses this to learn about a peer
// dropping without requiring the caller to have invoked Disconnect itself.
func (c *Client) Done() <-chan struct{} { return c.conn.Done() }

// trampoline is installed once on the Connection and forwards every
// statement to whichever sink is currently active, letting Connect swap the
// handshake sink for the steady-state router without touching Connection.
func (c *Client) trampoline(s protocol.Statement) {
	c.sinkMu.Lock()
	sink := c.sink
	c.sinkMu.Unlock()

	if sink != nil {
		sink(s)
	}
}

// Connect dials the Connection, then performs the server.version handshake.
// It installs a one-shot handshake sink, sends server.version with
// [app, version] and id protocol.VersionNegotiationID, and waits for the
// first statement. On success it swaps in the steady-state router and
// returns nil; on any failure it tears the Connection down and returns an
// error.
func (c *Client) Connect(ctx context.Context) error {
	handshakeResult := make(chan error, 1)
	var once sync.Once

	c.sinkMu.Lock()
	c.sink = func(s protocol.Statement) {
		once.Do(func() {
			handshakeResult <- c.completeHandshake(s)
		})
	}
	c.sinkMu.Unlock()

	if err := c.conn.Connect(ctx, c.trampoline); err != nil {
		return err
	}

	frame, err := protocol.BuildRequest(
		"server.version", []interface{}{c.app, c.version},
		protocol.VersionNegotiationID,
	)
	if err != nil {
		c.conn.Disconnect(true)
		return err
	}

	c.hooks.Action("sending server.version handshake")
	log.Debugf("sending server.version handshake to %s", c.conn.Endpoint())

	if err := c.conn.Send(frame); err != nil {
		c.conn.Disconnect(true)
		return err
	}

	select {
	case err := <-handshakeResult:
		if err != nil {
			c.hooks.Error("handshake failed: %v", err)
			log.Errorf("handshake with %s failed: %v", c.conn.Endpoint(), err)
			c.conn.Disconnect(true)
			return err
		}

		c.sinkMu.Lock()
		c.sink = c.steadyStateSink
		c.sinkMu.Unlock()

		// A transport failure seen by the read loop tears the Connection
		// down without passing through Disconnect, so settle whatever is
		// still pending with a transport error once that happens.
		go func() {
			<-c.conn.Done()

			c.mu.Lock()
			pending := c.pending
			c.pending = make(map[uint64]*Future)
			c.mu.Unlock()

			cause := &connection.ErrTransport{Cause: errors.New("connection closed")}
			for _, future := range pending {
				future.complete(nil, nil, cause)
			}
		}()

		c.hooks.Status("handshake complete, negotiated version %s", c.version)
		log.Infof("handshake with %s complete", c.conn.Endpoint())

		return nil

	case <-ctx.Done():
		c.conn.Disconnect(true)
		return ctx.Err()
	}
}

// completeHandshake validates the first statement received after transport
// connect against the server.version contract.
func (c *Client) completeHandshake(s protocol.Statement) error {
	if s.Error != nil {
		return fmt.Errorf("%w: %s", ErrHandshakeRejected, s.Error.Message)
	}

	var result []string
	if err := json.Unmarshal(s.Result, &result); err != nil || len(result) < 2 {
		return ErrHandshakeMalformed
	}

	negotiated := result[1]
	if negotiated != c.version {
		return fmt.Errorf("%w: requested %q, server returned %q",
			ErrVersionMismatch, c.version, negotiated)
	}

	return nil
}

// Disconnect drains the notification bus, fails every pending request
// future with ErrManualDisconnect, and tears down the Connection.
func (c *Client) Disconnect(force bool) bool {
	c.subMu.Lock()
	for method, subs := range c.subs {
		for _, s := range subs {
			s.stop()
		}
		delete(c.subs, method)
	}
	c.subMu.Unlock()

	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]*Future)
	c.mu.Unlock()

	for _, future := range pending {
		future.complete(nil, nil, ErrManualDisconnect)
	}

	return c.conn.Disconnect(force)
}

// Request issues method with params and returns a Future that settles with
// the server's result, the server's error object, or a transport-level
// error. It fails synchronously only when the Client is not connected;
// any later failure (transport error while the request is outstanding) is
// delivered through the returned Future instead.
func (c *Client) Request(method string, params ...interface{}) (*Future, error) {
	if !c.conn.Connected() {
		return nil, ErrNotConnected
	}

	if params == nil {
		params = []interface{}{}
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	future := newFuture()
	c.pending[id] = future
	c.mu.Unlock()

	frame, err := protocol.BuildRequest(method, params, id)
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	c.hooks.Action("request %s (id=%d)", method, id)
	log.Debugf("request %s (id=%d)", method, id)

	if err := c.conn.Send(frame); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		future.complete(nil, nil, err)
		return future, nil
	}

	return future, nil
}

// Subscribe registers for notifications carrying method, issues the initial
// request(method, params...) to obtain the current state (since Electrum
// delivers a subscription's starting value via the response, not a
// notification), and delivers that initial value to the returned channel
// once. The initial value is delivered from a separate goroutine after the
// response arrives, so a live notification arriving around the same time can
// reach the channel ahead of it; if the initial request fails or the server
// answers with an error object, no initial value is delivered. The channel
// is closed when Disconnect is called.
func (c *Client) Subscribe(method string, params ...interface{}) (<-chan json.RawMessage, error) {
	if !c.conn.Connected() {
		return nil, ErrNotConnected
	}

	sub := newSubscriber()

	c.subMu.Lock()
	c.subs[method] = append(c.subs[method], sub)
	c.subMu.Unlock()

	future, err := c.Request(method, params...)
	if err != nil {
		c.removeSubscriber(method, sub)
		sub.stop()
		return nil, err
	}

	go func() {
		result, rpcErr, err := future.Receive(context.Background())
		if err != nil || rpcErr != nil {
			return
		}
		sub.deliver(result)
	}()

	return sub.out, nil
}

func (c *Client) removeSubscriber(method string, target *subscriber) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	subs := c.subs[method]
	for i, s := range subs {
		if s == target {
			c.subs[method] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// steadyStateSink is the central demux described in the handshake's
// successor state: keep-alive responses are discarded, responses are routed
// to their pending completer, and notifications are dispatched to every
// subscriber of their method, in registration order.
func (c *Client) steadyStateSink(s protocol.Statement) {
	if s.IsKeepAlive() {
		return
	}

	if s.ID != nil {
		id, ok := normalizeID(s.ID)
		if !ok {
			c.hooks.Error("response with unrecognized id type %v", s.ID)
			log.Errorf("response with unrecognized id type %v", s.ID)
			return
		}

		c.mu.Lock()
		future, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.mu.Unlock()

		if !ok {
			c.hooks.Error("%v: no pending request for id %d",
				ErrInternalConsistency, id)
			log.Errorf("%v: no pending request for id %d",
				ErrInternalConsistency, id)
			return
		}

		future.complete(s.Result, s.Error, nil)
		return
	}

	if s.IsNotification() {
		c.dispatchNotification(s.Method, s.Params)
	}
}

func (c *Client) dispatchNotification(method string, params json.RawMessage) {
	c.subMu.Lock()
	subs := append([]*subscriber(nil), c.subs[method]...)
	c.subMu.Unlock()

	c.hooks.Server("notification: %s", method)
	log.Debugf("notification: %s", method)

	for _, sub := range subs {
		sub.deliver(params)
	}
}

// normalizeID reduces the interface{} carried by protocol.Statement.ID (a
// float64 for any JSON number decoded generically) to the uint64 key space
// used by the pending-request table.
func normalizeID(raw interface{}) (uint64, bool) {
	switch v := raw.(type) {
	case float64:
		return uint64(v), true
	case uint64:
		return v, true
	case int:
		return uint64(v), true
	default:
		return 0, false
	}
}
