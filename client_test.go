package electrum

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/lightninglabs/electrum/connection"
	"github.com/stretchr/testify/require"
)

func generateTestCert(t *testing.T) tls.Certificate {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
		Leaf:        cert,
	}
}

type testServer struct {
	ln   net.Listener
	cert tls.Certificate
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	certificate := generateTestCert(t)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{certificate},
	})
	require.NoError(t, err)

	return &testServer{ln: ln, cert: certificate}
}

func (s *testServer) addr() (string, int) {
	host, portStr, _ := net.SplitHostPort(s.ln.Addr().String())
	port := 0
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}
	return host, port
}

func (s *testServer) accept(t *testing.T) net.Conn {
	t.Helper()
	conn, err := s.ln.Accept()
	require.NoError(t, err)
	return conn
}

func (s *testServer) close() { s.ln.Close() }

func dialerTLSConfig(s *testServer) *tls.Config {
	pool := x509.NewCertPool()
	pool.AddCert(s.cert.Leaf)
	return &tls.Config{RootCAs: pool, ServerName: "127.0.0.1"}
}

func newTestClient(t *testing.T, srv *testServer) *Client {
	t.Helper()

	host, port := srv.addr()
	c, err := New(
		"testapp", "1.4.1", host,
		connection.WithPort(port), connection.WithKeepAlive(0),
		connection.WithTLSConfig(dialerTLSConfig(srv)),
	)
	require.NoError(t, err)
	return c
}

// respondToHandshake accepts one connection, reads the server.version
// request, and replies with the supplied negotiated version. It returns the
// raw connection for the test to keep driving.
func respondToHandshake(t *testing.T, srv *testServer, negotiated string) net.Conn {
	t.Helper()

	conn := srv.accept(t)

	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "server.version")

	resp := `{"id":"versionNegotiation","result":["ElectrumX 1.16","` + negotiated + `"]}` + "\n"
	_, err = conn.Write([]byte(resp))
	require.NoError(t, err)

	return conn
}

func TestClientHandshakeSuccess(t *testing.T) {
	srv := newTestServer(t)
	defer srv.close()

	c := newTestClient(t, srv)

	done := make(chan net.Conn, 1)
	go func() { done <- respondToHandshake(t, srv, "1.4.1") }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, c.Connect(ctx))
	require.True(t, c.Connected())

	conn := <-done
	defer conn.Close()

	c.Disconnect(true)
}

func TestClientHandshakeVersionMismatch(t *testing.T) {
	srv := newTestServer(t)
	defer srv.close()

	c := newTestClient(t, srv)

	done := make(chan net.Conn, 1)
	go func() { done <- respondToHandshake(t, srv, "1.4") }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := c.Connect(ctx)
	require.ErrorIs(t, err, ErrVersionMismatch)
	require.False(t, c.Connected())

	conn := <-done
	conn.Close()
}

func TestClientHandshakeServerError(t *testing.T) {
	srv := newTestServer(t)
	defer srv.close()

	c := newTestClient(t, srv)

	go func() {
		conn := srv.accept(t)
		defer conn.Close()

		buf := make([]byte, 512)
		conn.Read(buf)

		conn.Write([]byte(`{"id":"versionNegotiation","error":{"message":"unsupported client"}}` + "\n"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := c.Connect(ctx)
	require.ErrorIs(t, err, ErrHandshakeRejected)
}

func TestClientRequestCorrelation(t *testing.T) {
	srv := newTestServer(t)
	defer srv.close()

	c := newTestClient(t, srv)

	serverConn := make(chan net.Conn, 1)
	go func() { serverConn <- respondToHandshake(t, srv, "1.4.1") }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))

	conn := <-serverConn
	defer conn.Close()

	go func() {
		buf := make([]byte, 512)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		require.Contains(t, string(buf[:n]), "server.ping")
		conn.Write([]byte(`{"id":1,"result":"pong"}` + "\n"))
	}()

	future, err := c.Request("server.ping")
	require.NoError(t, err)

	result, rpcErr, err := future.Receive(context.Background())
	require.NoError(t, err)
	require.Nil(t, rpcErr)
	require.Equal(t, `"pong"`, string(result))
}

func TestClientKeepAliveNeverResolvesApplicationFuture(t *testing.T) {
	srv := newTestServer(t)
	defer srv.close()

	host, port := srv.addr()
	c, err := New(
		"testapp", "1.4.1", host,
		connection.WithPort(port), connection.WithKeepAlive(0),
		connection.WithTLSConfig(dialerTLSConfig(srv)),
	)
	require.NoError(t, err)

	serverConn := make(chan net.Conn, 1)
	go func() { serverConn <- respondToHandshake(t, srv, "1.4.1") }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))

	conn := <-serverConn
	defer conn.Close()

	// Simulate the server replying to a keepAlive ping unprompted; it must
	// not resolve any pending application future because none exists for
	// that id, and it must not raise an internal-consistency fault either
	// since IsKeepAlive is checked first.
	conn.Write([]byte(`{"id":"keepAlive","result":null}` + "\n"))

	select {
	case msg := <-c.ErrorsChan():
		t.Fatalf("unexpected error message: %s", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClientNotificationDispatch(t *testing.T) {
	srv := newTestServer(t)
	defer srv.close()

	c := newTestClient(t, srv)

	serverConn := make(chan net.Conn, 1)
	go func() {
		conn := srv.accept(t)
		buf := make([]byte, 512)
		conn.Read(buf)
		conn.Write([]byte(`{"id":"versionNegotiation","result":["ElectrumX 1.16","1.4.1"]}` + "\n"))

		// Initial subscribe request.
		conn.Read(buf)
		conn.Write([]byte(`{"id":1,"result":{"height":0}}` + "\n"))

		serverConn <- conn
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))

	ch, err := c.Subscribe("blockchain.headers.subscribe")
	require.NoError(t, err)

	select {
	case initial := <-ch:
		require.JSONEq(t, `{"height":0}`, string(initial))
	case <-time.After(time.Second):
		t.Fatal("expected initial subscription value")
	}

	conn := <-serverConn
	defer conn.Close()

	conn.Write([]byte(`{"method":"blockchain.headers.subscribe","params":[{"height":1}]}` + "\n"))

	select {
	case notif := <-ch:
		require.JSONEq(t, `[{"height":1}]`, string(notif))
	case <-time.After(time.Second):
		t.Fatal("expected a notification")
	}
}

func TestClientDisconnectSettlesPendingRequests(t *testing.T) {
	srv := newTestServer(t)
	defer srv.close()

	c := newTestClient(t, srv)

	serverConn := make(chan net.Conn, 1)
	go func() { serverConn <- respondToHandshake(t, srv, "1.4.1") }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))

	conn := <-serverConn
	defer conn.Close()

	future, err := c.Request("server.ping")
	require.NoError(t, err)

	c.Disconnect(true)

	_, _, err = future.Receive(context.Background())
	require.True(t, errors.Is(err, ErrManualDisconnect))

	require.Empty(t, c.pending)
}

func TestRequestNotConnected(t *testing.T) {
	c, err := New("testapp", "1.4.1", "127.0.0.1")
	require.NoError(t, err)

	_, err = c.Request("server.ping")
	require.ErrorIs(t, err, ErrNotConnected)
}
