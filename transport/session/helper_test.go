package session_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aptpod/routerlink-go/errors"
	"github.com/aptpod/routerlink-go/router"
	"github.com/aptpod/routerlink-go/transport/session"
)

func newRouterContext(t *testing.T, h router.InboundMessageHandler) *router.Context {
	t.Helper()
	keys, err := router.GenerateKeys()
	require.NoError(t, err)
	ri, err := router.NewRouterInfo(&keys, nil, time.Now())
	require.NoError(t, err)
	return router.NewContext(&keys, ri, h)
}

// memConnは、チャンネルで接続されたセッションです。
type memConn struct {
	remote     *router.RouterInfo
	in         <-chan session.Frame
	out        chan<- session.Frame
	once       sync.Once
	closed     chan struct{}
	peerClosed <-chan struct{}
}

func memConnPair(a, b *router.RouterInfo) (*memConn, *memConn) {
	ab, ba := make(chan session.Frame, 1024), make(chan session.Frame, 1024)
	aClosed, bClosed := make(chan struct{}), make(chan struct{})
	return &memConn{remote: b, in: ba, out: ab, closed: aClosed, peerClosed: bClosed},
		&memConn{remote: a, in: ab, out: ba, closed: bClosed, peerClosed: aClosed}
}

func (c *memConn) Remote() *router.RouterInfo { return c.remote }

func (c *memConn) ReadFrame() (session.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return session.Frame{}, errors.ErrConnectionClosed
	case <-c.peerClosed:
		return session.Frame{}, io.EOF
	}
}

func (c *memConn) WriteFrame(f session.Frame) error {
	if _, err := session.EncodeFrame(f, session.HeaderStandard); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return errors.ErrConnectionClosed
	case <-c.peerClosed:
		return errors.ErrConnectionClosed
	default:
	}
	select {
	case c.out <- f:
		return nil
	case <-c.closed:
		return errors.ErrConnectionClosed
	}
}

func (c *memConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// memNetworkは、Engine同士をmemConnで接続するDialerを提供します。
type memNetwork struct {
	mu      sync.Mutex
	engines map[router.Hash]*session.Engine
	infos   map[router.Hash]*router.RouterInfo
	dials   int
}

func newMemNetwork() *memNetwork {
	return &memNetwork{
		engines: map[router.Hash]*session.Engine{},
		infos:   map[router.Hash]*router.RouterInfo{},
	}
}

func (n *memNetwork) register(rctx *router.Context, e *session.Engine) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.engines[rctx.Hash()] = e
	n.infos[rctx.Hash()] = rctx.RouterInfo
}

func (n *memNetwork) Dial(ctx context.Context, rctx *router.Context, peer *router.RouterInfo) (session.Conn, error) {
	n.mu.Lock()
	n.dials++
	remote, ok := n.engines[peer.Hash()]
	n.mu.Unlock()
	if !ok {
		return nil, errors.New("connection refused")
	}
	local, other := memConnPair(rctx.RouterInfo, peer)
	if err := remote.Accept(other); err != nil {
		return nil, err
	}
	return local, nil
}

func (n *memNetwork) dialCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials
}

// msgPipeは、メッセージ単位のパイプです。
type msgPipe struct {
	in  <-chan []byte
	out chan<- []byte
}

func msgPipePair() (*msgPipe, *msgPipe) {
	ab, ba := make(chan []byte, 16), make(chan []byte, 16)
	return &msgPipe{in: ba, out: ab}, &msgPipe{in: ab, out: ba}
}

func (p *msgPipe) ReadMessage() ([]byte, error) {
	select {
	case bs := <-p.in:
		return bs, nil
	case <-time.After(time.Second):
		return nil, io.ErrUnexpectedEOF
	}
}

func (p *msgPipe) WriteMessage(bs []byte) error {
	p.out <- bs
	return nil
}

// tamperPipeは、2通目以降に書き込むメッセージを改ざんします。
type tamperPipe struct {
	*msgPipe
	count int
}

func (p *tamperPipe) WriteMessage(bs []byte) error {
	p.count++
	if p.count > 1 {
		bs = append([]byte(nil), bs...)
		bs[len(bs)-1] ^= 0xff
	}
	return p.msgPipe.WriteMessage(bs)
}
