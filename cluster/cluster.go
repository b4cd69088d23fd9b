// Package cluster fans requests and subscriptions out across a quorum of
// Electrum peers, accepting a result only once enough peers agree on its
// canonical form. It builds directly on the root electrum package: each
// registered peer is an ordinary electrum.Client.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"sync"

	"github.com/NebulousLabs/fastrand"
	"github.com/lightninglabs/electrum"
	"github.com/lightninglabs/electrum/connection"
	"github.com/lightninglabs/electrum/observe"
	"github.com/lightninglabs/electrum/subscribe"
)

// ErrInvalidConfidence is returned by New when Confidence does not satisfy
// 1 <= Confidence <= max(1, Distribution).
var ErrInvalidConfidence = errors.New("cluster: confidence must satisfy 1 <= confidence <= distribution")

// ErrNotReady is returned by Request/Subscribe when the cluster's live peer
// count has not yet reached its operational distribution.
var ErrNotReady = errors.New("cluster: not ready")

// ErrInsufficientIntegrity is returned by Request when fewer than
// Confidence peers produced the same canonical result before all selected
// peers settled.
var ErrInsufficientIntegrity = errors.New("cluster: insufficient integrity, no value reached confidence")

// Status is the Cluster's readiness state.
type Status int32

const (
	// Degraded means the live peer count is below the operational
	// distribution.
	Degraded Status = iota

	// Ready means the live peer count has reached the operational
	// distribution.
	Ready
)

func (s Status) String() string {
	if s == Ready {
		return "ready"
	}
	return "degraded"
}

// peerEntry is one registry row: a Client plus its last-known up/down state.
type peerEntry struct {
	client *electrum.Client
	up     bool
}

// Cluster coordinates a quorum of Electrum peers.
type Cluster struct {
	cfg          Config
	distribution int // operational: max(1, cfg.Distribution)

	hooks *observe.Hooks

	mu      sync.Mutex
	clients map[string]*peerEntry
	order   []string // insertion order, used for PRIORITY selection
	live    int
	status  Status
	readyCh chan struct{}

	subMu   sync.Mutex
	subBus  map[string]*subscribe.Server // one broadcast bus per method
}

// New constructs a Cluster in the DEGRADED state with an empty registry.
// It returns ErrInvalidConfidence if the resolved strategy violates
// 1 <= Confidence <= max(1, Distribution).
func New(app, version string, opts ...Option) (*Cluster, error) {
	cfg := DefaultConfig()
	cfg.App = app
	cfg.Version = version

	for _, opt := range opts {
		opt(cfg)
	}

	distribution := cfg.Distribution
	if distribution < 1 {
		distribution = 1
	}

	if cfg.Confidence < 1 || cfg.Confidence > distribution {
		return nil, ErrInvalidConfidence
	}

	return &Cluster{
		cfg:          *cfg,
		distribution: distribution,
		hooks:        observe.New(),
		clients:      make(map[string]*peerEntry),
		status:       Degraded,
		readyCh:      make(chan struct{}),
		subBus:       make(map[string]*subscribe.Server),
	}, nil
}

// Hooks returns the observation-hook set shared by every operation on this
// Cluster.
func (c *Cluster) Hooks() *observe.Hooks { return c.hooks }

// ActionChan returns the channel of action messages.
func (c *Cluster) ActionChan() <-chan string { return c.hooks.ActionChan() }

// EventsChan returns the channel of event messages.
func (c *Cluster) EventsChan() <-chan string { return c.hooks.EventsChan() }

// ErrorsChan returns the channel of error messages.
func (c *Cluster) ErrorsChan() <-chan string { return c.hooks.ErrorsChan() }

// ServerChan returns the channel of server-originated messages.
func (c *Cluster) ServerChan() <-chan string { return c.hooks.ServerChan() }

// StatusChan returns the channel of lifecycle/state-transition messages.
func (c *Cluster) StatusChan() <-chan string { return c.hooks.StatusChan() }

// Status reports the Cluster's current readiness state.
func (c *Cluster) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Live reports the current count of peers believed to be up.
func (c *Cluster) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

// AddServer constructs a Client for host:port, registers it DOWN, and
// connects it. Connecting updates the registry to UP and may transition the
// Cluster from DEGRADED to READY. port defaults to connection.DefaultPort
// when zero.
func (c *Cluster) AddServer(host string, port int) error {
	if port == 0 {
		port = connection.DefaultPort
	}
	key := net.JoinHostPort(host, strconv.Itoa(port))

	connOpts := []connection.Option{
		connection.WithPort(port),
		connection.WithKeepAlive(c.cfg.KeepAlive),
		connection.WithRetry(c.cfg.Retry),
		connection.WithTimeout(c.cfg.Timeout),
	}
	if c.cfg.TLSConfig != nil {
		connOpts = append(connOpts, connection.WithTLSConfig(c.cfg.TLSConfig))
	}

	client, err := electrum.New(c.cfg.App, c.cfg.Version, host, connOpts...)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.clients[key] = &peerEntry{client: client}
	c.order = append(c.order, key)
	c.mu.Unlock()

	c.hooks.Action("adding peer %s", key)
	log.Debugf("adding peer %s", key)

	go func() {
		<-client.Done()
		c.onClose(key)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		c.hooks.Error("peer %s failed to connect: %v", key, err)
		log.Errorf("peer %s failed to connect: %v", key, err)
		return err
	}

	c.onConnect(key)

	return nil
}

func (c *Cluster) onConnect(key string) {
	c.mu.Lock()
	entry, ok := c.clients[key]
	if !ok || entry.up {
		c.mu.Unlock()
		return
	}

	entry.up = true
	c.live++
	live := c.live

	var readyCh chan struct{}
	transitioned := c.status == Degraded && live >= c.distribution
	if transitioned {
		c.status = Ready
		readyCh = c.readyCh
	}
	c.mu.Unlock()

	c.hooks.Status("peer %s up (%d/%d live)", key, live, c.distribution)
	log.Infof("peer %s up (%d/%d live)", key, live, c.distribution)

	if transitioned {
		close(readyCh)
		c.hooks.Status("cluster ready")
		log.Infof("cluster transitioned to ready")
	}
}

func (c *Cluster) onClose(key string) {
	c.mu.Lock()
	entry, ok := c.clients[key]
	if !ok || !entry.up {
		c.mu.Unlock()
		return
	}

	entry.up = false
	c.live--
	live := c.live

	degraded := c.status == Ready && live < c.distribution
	if degraded {
		c.status = Degraded
		c.readyCh = make(chan struct{})
	}
	c.mu.Unlock()

	c.hooks.Status("peer %s down (%d/%d live)", key, live, c.distribution)
	log.Warnf("peer %s down (%d/%d live)", key, live, c.distribution)

	if degraded {
		c.hooks.Status("cluster degraded")
		log.Warnf("cluster degraded")
	}
}

// Ready blocks until the Cluster reaches READY or ctx.Timeout/the
// construction Timeout elapses, whichever comes first.
func (c *Cluster) Ready(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	c.mu.Lock()
	if c.status == Ready {
		c.mu.Unlock()
		return true
	}
	waitCh := c.readyCh
	c.mu.Unlock()

	select {
	case <-waitCh:
		return true
	case <-ctx.Done():
		return false
	}
}

// selectOrder returns the registered peer keys in the order Request and
// Subscribe should try them: shuffled for RANDOM, insertion order for
// PRIORITY.
func (c *Cluster) selectOrder() []string {
	c.mu.Lock()
	keys := append([]string(nil), c.order...)
	c.mu.Unlock()

	if c.cfg.Order == PRIORITY {
		return keys
	}

	perm := fastrand.Perm(len(keys))
	shuffled := make([]string, len(keys))
	for i, p := range perm {
		shuffled[i] = keys[p]
	}

	return shuffled
}

// selectPeers walks selectOrder(), skipping DOWN peers without counting
// them toward the number selected, and stops once it has chosen the
// operational distribution (or runs out of peers).
func (c *Cluster) selectPeers() []*electrum.Client {
	chosen := make([]*electrum.Client, 0, c.distribution)

	for _, key := range c.selectOrder() {
		if len(chosen) == c.distribution {
			break
		}

		c.mu.Lock()
		entry, ok := c.clients[key]
		c.mu.Unlock()

		if !ok || !entry.up {
			continue
		}

		chosen = append(chosen, entry.client)
	}

	return chosen
}

// peerResult is one peer's settled outcome for a fanned-out request.
type peerResult struct {
	raw json.RawMessage
	err error
}

// resolveQuorum consumes up to total settled peerResults from results and
// returns the first canonical value whose tally reaches confidence, without
// reading the rest, or ErrInsufficientIntegrity if none does after all total. It is the event-driven aggregator
// the design notes call for: it resolves the instant a tally reaches
// confidence rather than polling on a fixed cadence.
func resolveQuorum(results <-chan peerResult, total, confidence int) (json.RawMessage, error) {
	tally := make(map[string]int, total)

	for i := 0; i < total; i++ {
		r := <-results
		if r.err != nil {
			continue
		}

		canon, err := canonicalize(r.raw)
		if err != nil {
			continue
		}

		tally[canon]++
		if tally[canon] >= confidence {
			return r.raw, nil
		}
	}

	return nil, ErrInsufficientIntegrity
}

// Request fans method out to the operational distribution of peers and
// accepts the first canonical value that at least Confidence of them agree
// on. It fails synchronously with ErrNotReady if the Cluster is not READY.
func (c *Cluster) Request(method string, params ...interface{}) (json.RawMessage, error) {
	if c.Status() != Ready {
		return nil, ErrNotReady
	}

	chosen := c.selectPeers()
	if len(chosen) == 0 {
		return nil, ErrInsufficientIntegrity
	}

	c.hooks.Action("fanning out %s to %d peers", method, len(chosen))
	log.Debugf("fanning out %s to %d peers", method, len(chosen))

	results := make(chan peerResult, len(chosen))
	for _, client := range chosen {
		go func(cl *electrum.Client) {
			future, err := cl.Request(method, params...)
			if err != nil {
				results <- peerResult{err: err}
				return
			}

			raw, rpcErr, err := future.Receive(context.Background())
			if err != nil {
				results <- peerResult{err: err}
				return
			}
			if rpcErr != nil {
				results <- peerResult{err: rpcErr}
				return
			}

			results <- peerResult{raw: raw}
		}(client)
	}

	value, err := resolveQuorum(results, len(chosen), c.cfg.Confidence)
	if err != nil {
		c.hooks.Error("%s: %v", method, err)
		log.Errorf("%s: %v", method, err)
		return nil, err
	}

	return value, nil
}

// subscribeBus returns the broadcast bus for method, creating and wiring it
// the first time method is subscribed to. The bus fans every currently UP
// peer's own subscription to method into one aggregating tally: each
// arriving value (including each peer's own subscribe-response initial
// value) is canonicalized, tallied, and broadcast to every Cluster-level
// subscriber of method the first time its tally reaches Confidence. Later
// Subscribe calls for the same method share this bus instead of
// re-subscribing to every peer again.
func (c *Cluster) subscribeBus(method string, params []interface{}) (*subscribe.Server, error) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if bus, ok := c.subBus[method]; ok {
		return bus, nil
	}

	c.mu.Lock()
	peers := make([]*electrum.Client, 0, len(c.clients))
	for _, key := range c.order {
		if entry, ok := c.clients[key]; ok && entry.up {
			peers = append(peers, entry.client)
		}
	}
	c.mu.Unlock()

	bus := subscribe.NewServer()
	if err := bus.Start(); err != nil {
		return nil, err
	}

	var tallyMu sync.Mutex
	tally := make(map[string]int)
	fired := make(map[string]bool)

	deliver := func(raw json.RawMessage) {
		canon, err := canonicalize(raw)
		if err != nil {
			return
		}

		tallyMu.Lock()
		reached := false
		if !fired[canon] {
			tally[canon]++
			if tally[canon] >= c.cfg.Confidence {
				fired[canon] = true
				reached = true
			}
		}
		tallyMu.Unlock()

		if reached {
			if err := bus.SendUpdate(raw); err != nil {
				return
			}
			c.hooks.Event("notification %s reached confidence", method)
			log.Debugf("notification %s reached confidence", method)
		}
	}

	for _, client := range peers {
		ch, err := client.Subscribe(method, params...)
		if err != nil {
			continue
		}

		go func(ch <-chan json.RawMessage) {
			for raw := range ch {
				deliver(raw)
			}
		}(ch)
	}

	go func() {
		raw, err := c.Request(method, params...)
		if err == nil {
			deliver(raw)
		}
	}()

	c.subBus[method] = bus

	return bus, nil
}

// Subscribe registers a new caller against method's broadcast bus (creating
// it on first use) and returns a channel of quorum-confirmed notification
// values. Every Subscribe call for the same method shares one set of
// per-peer subscriptions; each caller gets its own independent output
// channel and can stop receiving by discarding it, the underlying
// subscribe.Client is torn down once the Cluster itself shuts down.
func (c *Cluster) Subscribe(method string, params ...interface{}) (<-chan json.RawMessage, error) {
	if c.Status() != Ready {
		return nil, ErrNotReady
	}

	bus, err := c.subscribeBus(method, params)
	if err != nil {
		return nil, err
	}

	sub, err := bus.Subscribe()
	if err != nil {
		return nil, err
	}

	out := make(chan json.RawMessage, 1)
	go func() {
		defer close(out)
		for {
			select {
			case raw, ok := <-sub.Updates():
				if !ok {
					return
				}
				select {
				case out <- raw:
				default:
				}

			case <-sub.Quit():
				return
			}
		}
	}()

	return out, nil
}

// Shutdown sets status DEGRADED and force-disconnects every registered
// Client in parallel, returning each peer's settlement (true if Disconnect
// actually tore something down, matching Client.Disconnect's own return).
func (c *Cluster) Shutdown() map[string]bool {
	c.mu.Lock()
	c.status = Degraded
	c.readyCh = make(chan struct{})
	clients := make(map[string]*electrum.Client, len(c.clients))
	for key, entry := range c.clients {
		clients[key] = entry.client
	}
	c.mu.Unlock()

	c.hooks.Status("cluster shutting down")
	log.Infof("cluster shutting down")

	c.subMu.Lock()
	for method, bus := range c.subBus {
		bus.Stop()
		delete(c.subBus, method)
	}
	c.subMu.Unlock()

	results := make(map[string]bool, len(clients))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for key, client := range clients {
		wg.Add(1)
		go func(key string, client *electrum.Client) {
			defer wg.Done()

			settled := client.Disconnect(true)

			resultsMu.Lock()
			results[key] = settled
			resultsMu.Unlock()
		}(key, client)
	}

	wg.Wait()

	return results
}
