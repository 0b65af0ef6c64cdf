package noise_test

import (
	"context"
	"net"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aptpod/routerlink-go/errors"
	"github.com/aptpod/routerlink-go/internal/keyfile"
	"github.com/aptpod/routerlink-go/message"
	"github.com/aptpod/routerlink-go/router"
	"github.com/aptpod/routerlink-go/transport"
	. "github.com/aptpod/routerlink-go/transport/noise"
	"github.com/aptpod/routerlink-go/transport/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type node struct {
	rctx      *router.Context
	keys      *StaticKeys
	transport *Transport
	engine    *session.Engine
	listener  transport.Listener
}

func newRouterContext(t *testing.T, addrs ...router.RouterAddress) *router.Context {
	t.Helper()
	keys, err := router.GenerateKeys()
	require.NoError(t, err)
	ri, err := router.NewRouterInfo(&keys, addrs, time.Now())
	require.NoError(t, err)
	return router.NewContext(&keys, ri, nil)
}

func startNode(t *testing.T, network Network, addr netip.AddrPort) *node {
	t.Helper()
	keys, err := GenerateStaticKeys()
	require.NoError(t, err)
	tr, engine, err := New(Config{
		ListenAddr:       addr,
		Keys:             &keys,
		Network:          network,
		HandshakeTimeout: 3 * time.Second,
	})
	require.NoError(t, err)

	rctx := newRouterContext(t, tr.Address())
	engine.SetContext(rctx)

	ctx, cancel := context.WithCancel(context.Background())
	l, err := tr.Listen(ctx, rctx)
	require.NoError(t, err)

	serveDone, engineDone := make(chan error, 1), make(chan error, 1)
	go func() { serveDone <- l.Serve() }()
	go func() { engineDone <- engine.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, l.Close())
		require.NoError(t, <-serveDone)
		require.NoError(t, <-engineDone)
	})
	return &node{rctx: rctx, keys: &keys, transport: tr, engine: engine, listener: l}
}

func recv(t *testing.T, n *node) transport.Inbound {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	in, err := n.engine.Recv(ctx)
	require.NoError(t, err)
	return in
}

func TestTransport_SendRecv_Pipe(t *testing.T) {
	network := transport.NewPipeNetwork()
	alice := startNode(t, network, netip.MustParseAddrPort("10.0.0.1:7000"))
	bob := startNode(t, network, netip.MustParseAddrPort("10.0.0.2:7000"))

	msgs := []*message.Message{
		message.New(message.TypeData, []byte("first")),
		message.New(message.TypeGarlic, make([]byte, 4096)),
		message.New(message.TypeData, make([]byte, MaxMessageSize-1-message.ShortHeaderSize)),
	}
	for _, msg := range msgs {
		bid, ok := alice.transport.Bid(bob.rctx.RouterInfo, alice.transport.Size(msg))
		require.True(t, ok)
		require.NoError(t, bid.Send(bob.rctx.RouterInfo, msg))
	}
	for _, want := range msgs {
		in := recv(t, bob)
		assert.Equal(t, transport.KindNoise, in.Kind)
		assert.Equal(t, alice.rctx.Hash(), in.From)
		assert.Equal(t, want.ID, in.Message.ID)
		assert.Equal(t, want.Type, in.Message.Type)
		assert.Equal(t, len(want.Payload), len(in.Message.Payload))
	}

	require.Eventually(t, func() bool { return bob.engine.Connected(alice.rctx.Hash()) }, time.Second, 10*time.Millisecond)
	reply := message.New(message.TypeDeliveryStatus, []byte("ack"))
	bid, ok := bob.transport.Bid(alice.rctx.RouterInfo, bob.transport.Size(reply))
	require.True(t, ok)
	assert.Equal(t, CostConnected, bid.Cost)
	require.NoError(t, bid.Send(alice.rctx.RouterInfo, reply))
	in := recv(t, alice)
	assert.Equal(t, bob.rctx.Hash(), in.From)
	assert.Equal(t, reply.Payload, in.Message.Payload)
}

func TestTransport_SendRecv_TCP(t *testing.T) {
	freeAddr := func() netip.AddrPort {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()
		return ln.Addr().(*net.TCPAddr).AddrPort()
	}
	alice := startNode(t, nil, freeAddr())
	bob := startNode(t, nil, freeAddr())

	msg := message.New(message.TypeData, []byte("over tcp"))
	bid, ok := alice.transport.Bid(bob.rctx.RouterInfo, alice.transport.Size(msg))
	require.True(t, ok)
	assert.Equal(t, CostDial, bid.Cost)
	require.NoError(t, bid.Send(bob.rctx.RouterInfo, msg))

	in := recv(t, bob)
	assert.Equal(t, msg.Payload, in.Message.Payload)
}

func TestTransport_Bid(t *testing.T) {
	tr, _, err := New(Config{ListenAddr: netip.MustParseAddrPort("127.0.0.1:7000")})
	require.NoError(t, err)

	peerKeys, err := GenerateStaticKeys()
	require.NoError(t, err)
	addr := netip.MustParseAddrPort("127.0.0.1:7001")

	tests := []struct {
		name string
		addr []router.RouterAddress
		size int
		ok   bool
	}{
		{
			name: "no address",
			size: 100,
		},
		{
			name: "no static key",
			addr: []router.RouterAddress{router.NewRouterAddress("noise", 8, addr, nil)},
			size: 100,
		},
		{
			name: "broken static key",
			addr: []router.RouterAddress{router.NewRouterAddress("noise", 8, addr, map[string]string{StaticKeyOption: "AAAA"})},
			size: 100,
		},
		{
			name: "too large",
			addr: []router.RouterAddress{peerAddress(t, peerKeys, addr)},
			size: MaxMessageSize + 1,
		},
		{
			name: "ok",
			addr: []router.RouterAddress{peerAddress(t, peerKeys, addr)},
			size: MaxMessageSize,
			ok:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			peer := newRouterContext(t, tt.addr...).RouterInfo
			bid, ok := tr.Bid(peer, tt.size)
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, CostDial, bid.Cost)
				assert.Equal(t, transport.KindNoise, bid.Kind)
			}
		})
	}
}

func peerAddress(t *testing.T, keys StaticKeys, addr netip.AddrPort) router.RouterAddress {
	t.Helper()
	tr, _, err := New(Config{ListenAddr: addr, Keys: &keys})
	require.NoError(t, err)
	return tr.Address()
}

func TestTransport_Size(t *testing.T) {
	tr, _, err := New(Config{ListenAddr: netip.MustParseAddrPort("127.0.0.1:7000")})
	require.NoError(t, err)
	msg := &message.Message{Payload: make([]byte, 10)}
	assert.Equal(t, 20, tr.Size(msg))
	assert.Equal(t, 65519, MaxMessageSize)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, _, err := New(Config{})
	assert.ErrorIs(t, err, errors.ErrMissingListenAddress)

	_, _, err = New(Config{
		ListenAddr: netip.MustParseAddrPort("127.0.0.1:7000"),
		Keys:       &StaticKeys{Private: []byte{1}, Public: []byte{2}},
	})
	assert.ErrorIs(t, err, errors.ErrKeyMaterial)
	var cerr *errors.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "transports.noise.keyfile", cerr.Key)
}

func TestLoadOrGenerateKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noise.key")

	first, generated, err := LoadOrGenerateKeys(path)
	require.NoError(t, err)
	assert.True(t, generated)

	second, generated, err := LoadOrGenerateKeys(path)
	require.NoError(t, err)
	assert.False(t, generated)
	assert.Equal(t, first, second)
}

func TestLoadOrGenerateKeys_MismatchedPair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noise.key")
	a, err := GenerateStaticKeys()
	require.NoError(t, err)
	b, err := GenerateStaticKeys()
	require.NoError(t, err)
	require.NoError(t, keyfile.Save(path, StaticKeys{Private: a.Private, Public: b.Public}))

	keys, generated, err := LoadOrGenerateKeys(path)
	require.NoError(t, err)
	assert.True(t, generated)
	assert.NotEqual(t, a.Private, keys.Private)
	assert.NotEqual(t, b.Public, keys.Public)

	_, _, err = New(Config{ListenAddr: netip.MustParseAddrPort("127.0.0.1:7000"), Keys: keys})
	require.NoError(t, err)

	_, _, err = New(Config{
		ListenAddr: netip.MustParseAddrPort("127.0.0.1:7000"),
		Keys:       &StaticKeys{Private: a.Private, Public: b.Public},
	})
	assert.ErrorIs(t, err, errors.ErrKeyMaterial)
}

type acceptErrorNetwork struct {
	err error
}

func (n acceptErrorNetwork) Listen(network, addr string) (net.Listener, error) {
	return acceptErrorListener{err: n.err}, nil
}

func (n acceptErrorNetwork) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return nil, n.err
}

type acceptErrorListener struct {
	err error
}

func (l acceptErrorListener) Accept() (net.Conn, error) { return nil, l.err }
func (l acceptErrorListener) Close() error              { return nil }
func (l acceptErrorListener) Addr() net.Addr {
	return net.TCPAddrFromAddrPort(netip.MustParseAddrPort("127.0.0.1:7000"))
}

func TestListener_Serve_AcceptError(t *testing.T) {
	acceptErr := errors.New("accept failed")
	tr, _, err := New(Config{
		ListenAddr: netip.MustParseAddrPort("127.0.0.1:7000"),
		Network:    acceptErrorNetwork{err: acceptErr},
	})
	require.NoError(t, err)

	l, err := tr.Listen(context.Background(), newRouterContext(t))
	require.NoError(t, err)
	defer l.Close()

	err = l.Serve()
	require.ErrorIs(t, err, acceptErr)
	var lerr *errors.ListenerError
	assert.False(t, errors.As(err, &lerr))
	assert.Equal(t, "noise: accept: accept failed", err.Error())
}

func TestHandshake(t *testing.T) {
	serverKeys, err := GenerateStaticKeys()
	require.NoError(t, err)
	otherKeys, err := GenerateStaticKeys()
	require.NoError(t, err)
	clientKeys, err := GenerateStaticKeys()
	require.NoError(t, err)

	tests := []struct {
		name       string
		peerStatic []byte
		wantErr    bool
	}{
		{name: "success", peerStatic: serverKeys.Public},
		{name: "wrong static key", peerStatic: otherKeys.Public, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := transport.Pipe()
			defer client.Close()
			defer server.Close()
			deadline := time.Now().Add(3 * time.Second)
			client.SetDeadline(deadline)
			server.SetDeadline(deadline)

			clientCtx := newRouterContext(t)
			serverCtx := newRouterContext(t)

			type result struct {
				peer *router.RouterInfo
				err  error
			}
			done := make(chan result, 1)
			go func() {
				peer, err := ServerHandshake(server, &serverKeys, serverCtx)
				if err != nil {
					server.Close()
				}
				done <- result{peer: peer, err: err}
			}()
			clientErr := ClientHandshake(client, &clientKeys, clientCtx, tt.peerStatic)
			if clientErr != nil {
				client.Close()
			}
			res := <-done

			if tt.wantErr {
				assert.ErrorIs(t, res.err, errors.ErrHandshake)
				return
			}
			require.NoError(t, clientErr)
			require.NoError(t, res.err)
			assert.Equal(t, clientCtx.Hash(), res.peer.Hash())
		})
	}
}

func TestHandshake_Self(t *testing.T) {
	keys, err := GenerateStaticKeys()
	require.NoError(t, err)
	rctx := newRouterContext(t)

	client, server := transport.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		_, err := ServerHandshake(server, &keys, rctx)
		done <- err
	}()
	require.NoError(t, ClientHandshake(client, &keys, rctx, keys.Public))
	assert.ErrorIs(t, <-done, errors.ErrHandshake)
}
