package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aptpod/routerlink-go/errors"
	"github.com/aptpod/routerlink-go/message"
	"github.com/aptpod/routerlink-go/router"
	"github.com/aptpod/routerlink-go/transport"
	. "github.com/aptpod/routerlink-go/transport/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testNode struct {
	rctx   *router.Context
	engine *Engine
	handle transport.Handle
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

func startNode(t *testing.T, n *memNetwork) *testNode {
	t.Helper()
	rctx := newRouterContext(t, nil)
	e, h := NewEngine(Config{Kind: transport.KindNoise, Dialer: n})
	e.SetContext(rctx)
	n.register(rctx, e)

	ctx, cancel := context.WithCancel(context.Background())
	node := &testNode{rctx: rctx, engine: e, handle: h, cancel: cancel, done: make(chan error, 1)}
	go func() { node.done <- e.Serve(ctx) }()
	t.Cleanup(node.stop)
	return node
}

func (n *testNode) stop() {
	n.once.Do(func() {
		n.cancel()
		<-n.done
	})
}

func recv(t *testing.T, e *Engine) transport.Inbound {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	in, err := e.Recv(ctx)
	require.NoError(t, err)
	return in
}

func TestEngine_SendRecv(t *testing.T) {
	n := newMemNetwork()
	alice, bob := startNode(t, n), startNode(t, n)

	for i := uint32(0); i < 10; i++ {
		require.NoError(t, alice.handle.Send(bob.rctx.RouterInfo, &message.Message{
			Type:    message.TypeData,
			ID:      i,
			Payload: []byte("hello"),
		}))
	}
	for i := uint32(0); i < 10; i++ {
		in := recv(t, bob.engine)
		assert.Equal(t, transport.KindNoise, in.Kind)
		assert.Equal(t, alice.rctx.Hash(), in.From)
		assert.Equal(t, i, in.Message.ID)
	}
	assert.Equal(t, 1, n.dialCount())
	assert.Eventually(t, func() bool { return alice.engine.Connected(bob.rctx.Hash()) }, time.Second, 5*time.Millisecond)

	// bob replies over the accepted session
	require.NoError(t, bob.handle.Send(alice.rctx.RouterInfo, message.New(message.TypeDeliveryStatus, nil)))
	in := recv(t, alice.engine)
	assert.Equal(t, bob.rctx.Hash(), in.From)
	assert.Equal(t, 1, n.dialCount())
}

func TestEngine_UnencodableFrameKeepsSession(t *testing.T) {
	n := newMemNetwork()
	alice, bob := startNode(t, n), startNode(t, n)

	require.NoError(t, alice.handle.Send(bob.rctx.RouterInfo, &message.Message{Type: message.TypeData, ID: 1}))
	require.NoError(t, alice.handle.Send(bob.rctx.RouterInfo, &message.Message{
		Type:    message.TypeData,
		ID:      2,
		Payload: make([]byte, message.MaxPayloadSize+1),
	}))
	require.NoError(t, alice.handle.Send(bob.rctx.RouterInfo, &message.Message{Type: message.TypeData, ID: 3}))

	assert.Equal(t, uint32(1), recv(t, bob.engine).Message.ID)
	assert.Equal(t, uint32(3), recv(t, bob.engine).Message.ID)
	assert.True(t, alice.engine.Connected(bob.rctx.Hash()))
	assert.Equal(t, 1, n.dialCount())
}

func TestEngine_Timestamp(t *testing.T) {
	n := newMemNetwork()
	alice, bob := startNode(t, n), startNode(t, n)

	// no session yet: the timestamp is dropped
	require.NoError(t, alice.handle.Timestamp(bob.rctx.RouterInfo, uint32(time.Now().Unix())))

	require.NoError(t, alice.handle.Send(bob.rctx.RouterInfo, message.New(message.TypeData, nil)))
	recv(t, bob.engine)
	require.Eventually(t, func() bool { return alice.engine.Connected(bob.rctx.Hash()) }, time.Second, 5*time.Millisecond)

	future := time.Now().Add(time.Hour)
	require.NoError(t, alice.handle.Timestamp(bob.rctx.RouterInfo, uint32(future.Unix())))
	require.Eventually(t, func() bool {
		_, ok := bob.engine.ClockOffset(alice.rctx.Hash())
		return ok
	}, time.Second, 5*time.Millisecond)
	offset, _ := bob.engine.ClockOffset(alice.rctx.Hash())
	assert.InDelta(t, time.Hour.Seconds(), offset.Seconds(), 5)
}

func TestEngine_DialFailure(t *testing.T) {
	n := newMemNetwork()
	alice := startNode(t, n)
	stranger := newRouterContext(t, nil)

	require.NoError(t, alice.handle.Send(stranger.RouterInfo, message.New(message.TypeData, nil)))
	require.Eventually(t, func() bool { return n.dialCount() == 1 && alice.engine.Sessions() == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, alice.engine.Connected(stranger.Hash()))

	// a new message creates a new dial attempt
	require.NoError(t, alice.handle.Send(stranger.RouterInfo, message.New(message.TypeData, nil)))
	require.Eventually(t, func() bool { return n.dialCount() == 2 }, time.Second, 5*time.Millisecond)
}

func TestEngine_DropsExpiredAndSelf(t *testing.T) {
	n := newMemNetwork()
	alice, bob := startNode(t, n), startNode(t, n)

	expired := message.New(message.TypeData, nil)
	expired.Expiration = time.Now().Add(-time.Minute)
	require.NoError(t, alice.handle.Send(bob.rctx.RouterInfo, expired))
	require.NoError(t, alice.handle.Send(alice.rctx.RouterInfo, message.New(message.TypeData, nil)))
	live := message.New(message.TypeData, []byte("live"))
	require.NoError(t, alice.handle.Send(bob.rctx.RouterInfo, live))

	in := recv(t, bob.engine)
	assert.Equal(t, live.ID, in.Message.ID)
	assert.Equal(t, 1, n.dialCount())
}

func TestEngine_PeerClosed(t *testing.T) {
	n := newMemNetwork()
	alice, bob := startNode(t, n), startNode(t, n)

	require.NoError(t, alice.handle.Send(bob.rctx.RouterInfo, message.New(message.TypeData, nil)))
	recv(t, bob.engine)

	bob.stop()
	require.Eventually(t, func() bool { return !alice.engine.Connected(bob.rctx.Hash()) }, time.Second, 5*time.Millisecond)
}

func TestEngine_Close(t *testing.T) {
	rctx := newRouterContext(t, nil)
	e, h := NewEngine(Config{Kind: transport.KindWebSocket, Dialer: newMemNetwork()})
	e.SetContext(rctx)
	assert.Same(t, rctx, e.RouterContext())

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.Recv(context.Background())
	assert.ErrorIs(t, err, errors.ErrEngineClosed)
	assert.ErrorIs(t, e.Serve(context.Background()), errors.ErrEngineClosed)
	assert.ErrorIs(t, h.Send(rctx.RouterInfo, message.New(message.TypeData, nil)), errors.ErrQueueClosed)

	a, b := memConnPair(rctx.RouterInfo, rctx.RouterInfo)
	defer b.Close()
	assert.ErrorIs(t, e.Accept(a), errors.ErrEngineClosed)
}

func TestEngine_RecvCanceled(t *testing.T) {
	e, _ := NewEngine(Config{Kind: transport.KindQUIC, Dialer: newMemNetwork()})
	defer e.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := e.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
