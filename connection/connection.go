// Package connection owns a single TLS socket to an Electrum server: dialing
// it, framing the inbound byte stream into newline-delimited statements, and
// keeping it alive with periodic pings while idle. It knows nothing about
// JSON-RPC correlation or subscriptions; that is the Client's job.
package connection

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lightninglabs/electrum/cert"
	"github.com/lightninglabs/electrum/observe"
	"github.com/lightninglabs/electrum/protocol"
	"github.com/lightninglabs/electrum/ticker"
)

const (
	// DefaultPort is the standard Electrum TLS port.
	DefaultPort = 50002

	// DefaultKeepAlive is the default idle interval after which a
	// server.ping is sent.
	DefaultKeepAlive = 300 * time.Second

	// DefaultRetry is accepted for API compatibility but is not acted
	// upon: reconnection after a peer-closed connection is out of scope
	// for this library.
	DefaultRetry = 900 * time.Second

	// DefaultTimeout is the default initial-connect timeout.
	DefaultTimeout = 10 * time.Second
)

// ErrInvalidVersion is returned by New when the supplied protocol version
// does not match protocol.VersionRegex.
var ErrInvalidVersion = errors.New("connection: invalid protocol version")

// ErrAlreadyTearingDown is returned by Send once a Disconnect is underway.
var ErrAlreadyTearingDown = errors.New("connection: tearing down")

// ErrTransport wraps a transport-level failure (dial error, read error,
// write error). Applications can use errors.As to recover the underlying
// cause.
type ErrTransport struct {
	Cause error
}

func (e *ErrTransport) Error() string {
	return fmt.Sprintf("connection: transport error: %v", e.Cause)
}

func (e *ErrTransport) Unwrap() error { return e.Cause }

// state is the connection's tristate lifecycle flag.
type state int32

const (
	stateDisconnected state = iota
	stateConnected
	stateTearingDown
)

// Option configures a Connection at construction time.
type Option func(*Connection)

// WithPort overrides DefaultPort.
func WithPort(port int) Option {
	return func(c *Connection) { c.port = port }
}

// WithKeepAlive overrides DefaultKeepAlive. A zero value disables
// keep-alive pings entirely.
func WithKeepAlive(d time.Duration) Option {
	return func(c *Connection) { c.keepAlive = d }
}

// WithRetry stores the retry interval. See DefaultRetry's doc comment: it
// is never acted upon by this library.
func WithRetry(d time.Duration) Option {
	return func(c *Connection) { c.retry = d }
}

// WithTimeout overrides DefaultTimeout, the initial-connect timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Connection) { c.timeout = d }
}

// WithTLSConfig overrides the TLS configuration used to dial. By default,
// cert.DefaultTLSConfig(host) is used.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Connection) { c.tlsConfig = cfg }
}

// WithHooks attaches a shared *observe.Hooks rather than letting the
// Connection construct its own. The Client does not use this option; it
// shares the Connection's own set through Hooks() instead.
func WithHooks(h *observe.Hooks) Option {
	return func(c *Connection) { c.hooks = h }
}

// Connection owns one TLS socket to an Electrum server.
type Connection struct {
	app     string
	version string
	host    string
	port    int

	keepAlive time.Duration
	retry     time.Duration
	timeout   time.Duration
	tlsConfig *tls.Config

	hooks   *observe.Hooks
	ownHook bool

	mu    sync.Mutex
	conn  net.Conn
	state state
	sink  func(protocol.Statement)

	inbound strings.Builder

	kaTicker ticker.Ticker
	kaQuit   chan struct{}
	kaWg     sync.WaitGroup

	readQuit chan struct{}
	readWg   sync.WaitGroup

	closed    chan struct{}
	closeOnce sync.Once
}

// New constructs a Connection. It validates version against
// protocol.VersionRegex and fails synchronously if it does not match.
func New(app, version, host string, opts ...Option) (*Connection, error) {
	if !protocol.VersionRegex.MatchString(version) {
		return nil, ErrInvalidVersion
	}

	c := &Connection{
		app:       app,
		version:   version,
		host:      host,
		port:      DefaultPort,
		keepAlive: DefaultKeepAlive,
		retry:     DefaultRetry,
		timeout:   DefaultTimeout,
		state:     stateDisconnected,
		closed:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.hooks == nil {
		c.hooks = observe.New()
		c.ownHook = true
	}

	if c.tlsConfig == nil {
		c.tlsConfig = cert.DefaultTLSConfig(host)
	}

	return c, nil
}

// Hooks returns the shared observation-hook set for this Connection.
func (c *Connection) Hooks() *observe.Hooks { return c.hooks }

// Endpoint returns the "host:port" this Connection dials.
func (c *Connection) Endpoint() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// Done returns a channel that is closed once this Connection has torn down,
// regardless of whether the teardown was caller-initiated or triggered by a
// transport failure in the read loop. It is closed exactly once over the
// Connection's lifetime.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Connected reports whether the connection currently believes itself to be
// connected. A connection that is tearing down reports false.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

// Connect dials the Electrum server and installs sink as the function that
// will receive every framed statement, in arrival order, from this point
// forward. Connect is idempotent: calling it while already connected
// resolves immediately without redialing.
func (c *Connection) Connect(ctx context.Context,
	sink func(protocol.Statement)) error {

	c.mu.Lock()
	if c.state == stateConnected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.hooks.Action("dialing %s", c.Endpoint())
	log.Debugf("dialing %s", c.Endpoint())

	// The initial-connect timeout applies only until the TLS handshake
	// completes; once connected, reads and writes have no intrinsic
	// deadline of their own.
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	dialer := &net.Dialer{
		KeepAlive: 0, // enable OS-level TCP keep-alive with the OS default
	}

	rawConn, err := dialer.DialContext(dialCtx, "tcp", c.Endpoint())
	if err != nil {
		c.hooks.Error("dial %s failed: %v", c.Endpoint(), err)
		log.Errorf("dial %s failed: %v", c.Endpoint(), err)
		return &ErrTransport{Cause: err}
	}

	if tcpConn, ok := rawConn.(*net.TCPConn); ok {
		// Disable Nagle's algorithm: Electrum statements are small and
		// latency-sensitive, and batching them defeats the point of a
		// line-delimited protocol.
		_ = tcpConn.SetNoDelay(true)
	}

	tlsConn := tls.Client(rawConn, c.tlsConfig)
	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		rawConn.Close()
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			c.hooks.Error("connect to %s timed out after %s",
				c.Endpoint(), c.timeout)
			log.Errorf("connect to %s timed out after %s",
				c.Endpoint(), c.timeout)
		} else {
			c.hooks.Error("TLS handshake with %s failed: %v",
				c.Endpoint(), err)
			log.Errorf("TLS handshake with %s failed: %v",
				c.Endpoint(), err)
		}
		return &ErrTransport{Cause: err}
	}

	c.mu.Lock()
	c.conn = tlsConn
	c.sink = sink
	c.state = stateConnected
	c.mu.Unlock()

	c.hooks.Status("connected to %s", c.Endpoint())
	log.Infof("connected to %s", c.Endpoint())

	c.readQuit = make(chan struct{})
	c.readWg.Add(1)
	go c.readLoop()

	if c.keepAlive > 0 {
		c.kaTicker = ticker.New(c.keepAlive)
		c.kaQuit = make(chan struct{})
		c.kaTicker.Resume()
		c.kaWg.Add(1)
		go c.keepAliveLoop()
	}

	return nil
}

// Disconnect tears the connection down: it cancels the keep-alive timer,
// closes the socket, marks the state tearing-down, and returns true. It is
// idempotent: calling it on a Connection that is already tearing down or
// already disconnected returns false without doing anything, regardless of
// force. force is accepted for signature symmetry with a forced vs. graceful
// disconnect; since Connect in this implementation is synchronous (there is
// no observable half-connected state to rescue), it has no further effect
// here.
func (c *Connection) Disconnect(force bool) bool {
	c.mu.Lock()
	if c.state != stateConnected {
		c.mu.Unlock()
		return false
	}

	conn := c.conn
	c.state = stateTearingDown
	c.mu.Unlock()

	c.hooks.Action("disconnecting from %s", c.Endpoint())
	log.Debugf("disconnecting from %s", c.Endpoint())

	if c.kaTicker != nil {
		c.kaTicker.Stop()
		close(c.kaQuit)
		c.kaWg.Wait()
	}

	if conn != nil {
		// Half-close then fully close, best-effort: Electrum servers
		// do not require a clean TLS close-notify.
		type closeWriter interface {
			CloseWrite() error
		}
		if cw, ok := conn.(closeWriter); ok {
			_ = cw.CloseWrite()
		}
		conn.Close()
	}

	if c.readQuit != nil {
		close(c.readQuit)
		c.readWg.Wait()
	}

	c.mu.Lock()
	c.state = stateDisconnected
	c.mu.Unlock()

	c.hooks.Status("disconnected from %s", c.Endpoint())
	log.Infof("disconnected from %s", c.Endpoint())

	if c.ownHook {
		c.hooks.Stop()
	}

	c.closeOnce.Do(func() { close(c.closed) })

	return true
}

// Send writes frame, followed by the statement delimiter, to the socket,
// and rearms the keep-alive timer.
func (c *Connection) Send(frame string) error {
	c.mu.Lock()
	if c.state != stateConnected {
		c.mu.Unlock()
		return ErrAlreadyTearingDown
	}
	conn := c.conn
	c.mu.Unlock()

	if c.kaTicker != nil {
		c.kaTicker.Resume()
	}

	_, err := conn.Write([]byte(frame + protocol.StatementDelimiter))
	if err != nil {
		c.hooks.Error("write to %s failed: %v", c.Endpoint(), err)
		log.Errorf("write to %s failed: %v", c.Endpoint(), err)
		return &ErrTransport{Cause: err}
	}

	return nil
}

// Ping sends a server.ping request carrying the keep-alive sentinel id.
func (c *Connection) Ping() error {
	frame, err := protocol.BuildRequest(
		"server.ping", []interface{}{}, protocol.KeepAliveID,
	)
	if err != nil {
		return err
	}

	c.hooks.Action("sending keep-alive ping to %s", c.Endpoint())

	return c.Send(frame)
}

// keepAliveLoop issues a Ping every time the keep-alive ticker fires while
// the connection is idle.
//
// NOTE: MUST be run as a goroutine.
func (c *Connection) keepAliveLoop() {
	defer c.kaWg.Done()

	for {
		select {
		case <-c.kaTicker.Ticks():
			if err := c.Ping(); err != nil {
				return
			}

		case <-c.kaQuit:
			return
		}
	}
}

// readBufSize is the chunk size used for each raw socket read.
const readBufSize = 4096

// readLoop owns the socket's read side exclusively: it is the only
// goroutine that appends to inbound or invokes sink, which is what lets the
// rest of the Connection and its Client avoid locking around statement
// delivery.
//
// NOTE: MUST be run as a goroutine.
func (c *Connection) readLoop() {
	defer c.readWg.Done()

	buf := make([]byte, readBufSize)

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.feed(buf[:n])
		}

		if err != nil {
			select {
			case <-c.readQuit:
				// Expected: Disconnect closed the socket.
			default:
				c.hooks.Error("read from %s failed: %v",
					c.Endpoint(), err)
				log.Errorf("read from %s failed: %v",
					c.Endpoint(), err)
				go c.Disconnect(true)
			}
			return
		}
	}
}

// feed appends chunk to the buffer, then while it contains a delimiter,
// splits on the delimiter and feeds every part but the last to the sink,
// retaining the last (possibly empty) part as the new buffer.
func (c *Connection) feed(chunk []byte) {
	c.inbound.Write(chunk)

	for {
		data := c.inbound.String()
		idx := strings.Index(data, protocol.StatementDelimiter)
		if idx < 0 {
			return
		}

		statement := data[:idx]
		rest := data[idx+len(protocol.StatementDelimiter):]

		c.inbound.Reset()
		c.inbound.WriteString(rest)

		if statement == "" {
			continue
		}

		stmts, err := protocol.ParseStatements([]byte(statement))
		if err != nil {
			c.hooks.Error("malformed statement from %s: %v",
				c.Endpoint(), err)
			log.Warnf("malformed statement from %s: %v",
				c.Endpoint(), err)
			continue
		}

		for _, s := range stmts {
			c.sink(s)
		}
	}
}
