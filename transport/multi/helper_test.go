package multi_test

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aptpod/routerlink-go/errors"
	"github.com/aptpod/routerlink-go/internal/queue"
	"github.com/aptpod/routerlink-go/message"
	"github.com/aptpod/routerlink-go/router"
	"github.com/aptpod/routerlink-go/transport"
)

func newRouterContext(t *testing.T, h router.InboundMessageHandler, addrs ...router.RouterAddress) *router.Context {
	t.Helper()
	keys, err := router.GenerateKeys()
	require.NoError(t, err)
	ri, err := router.NewRouterInfo(&keys, addrs, time.Now())
	require.NoError(t, err)
	return router.NewContext(&keys, ri, h)
}

// fakeTransportは、固定のコストで入札するトランスポートです。
type fakeTransport struct {
	kind      transport.Kind
	cost      uint32
	bid       bool
	addr      netip.AddrPort
	listenErr error

	handle transport.Handle
	rx     *transport.Receiver

	mu        sync.Mutex
	listeners []*fakeListener
}

func newFakeTransport(kind transport.Kind, cost uint32, bid bool) *fakeTransport {
	handle, rx := transport.NewHandle(transport.QueueConfig{})
	return &fakeTransport{
		kind:   kind,
		cost:   cost,
		bid:    bid,
		addr:   netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(10000+kind)),
		handle: handle,
		rx:     rx,
	}
}

func (t *fakeTransport) Kind() transport.Kind { return t.kind }

func (t *fakeTransport) Address() router.RouterAddress {
	return router.NewRouterAddress(t.kind.Style(), uint8(t.cost), t.addr, nil)
}

func (t *fakeTransport) Size(msg *message.Message) int { return msg.Size() }

func (t *fakeTransport) Bid(*router.RouterInfo, int) (transport.Bid, bool) {
	if !t.bid {
		return transport.Bid{}, false
	}
	return transport.NewBid(t.kind, t.cost, t.handle), true
}

func (t *fakeTransport) Listen(context.Context, *router.Context) (transport.Listener, error) {
	if t.listenErr != nil {
		return nil, t.listenErr
	}
	l := &fakeListener{closed: make(chan struct{}), fail: make(chan error, 1)}
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()
	return l, nil
}

// failListenerは、i番目のリスナーのServeをerrで終了させます。
func (t *fakeTransport) failListener(i int, err error) {
	t.mu.Lock()
	l := t.listeners[i]
	t.mu.Unlock()
	l.fail <- err
}

func (t *fakeTransport) closedListeners() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int
	for _, l := range t.listeners {
		select {
		case <-l.closed:
			n++
		default:
		}
	}
	return n
}

type fakeListener struct {
	once   sync.Once
	closed chan struct{}
	fail   chan error
}

func (l *fakeListener) Addr() net.Addr { return &net.TCPAddr{} }

func (l *fakeListener) Serve() error {
	select {
	case <-l.closed:
		return nil
	case err := <-l.fail:
		return err
	}
}

func (l *fakeListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

// fakeEngineは、テストから受信メッセージを注入できるエンジンです。
//
// failsが0より大きい間、Recvは errFake を返却します。
type fakeEngine struct {
	inbound *queue.Queue[transport.Inbound]

	mu     sync.Mutex
	rctx   *router.Context
	fails  int
	calls  int
	closed bool
}

var errFake = errors.New("fake engine failure")

func newFakeEngine() *fakeEngine {
	return &fakeEngine{inbound: queue.New[transport.Inbound](queue.Config{})}
}

func (e *fakeEngine) SetContext(rctx *router.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rctx = rctx
}

func (e *fakeEngine) context() *router.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rctx
}

func (e *fakeEngine) Recv(ctx context.Context) (transport.Inbound, error) {
	e.mu.Lock()
	e.calls++
	if e.closed {
		e.mu.Unlock()
		return transport.Inbound{}, errors.ErrEngineClosed
	}
	if e.fails > 0 {
		e.fails--
		e.mu.Unlock()
		return transport.Inbound{}, errFake
	}
	e.mu.Unlock()

	in, err := e.inbound.Pop(ctx)
	if errors.Is(err, errors.ErrQueueClosed) {
		return transport.Inbound{}, errors.ErrEngineClosed
	}
	return in, err
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.inbound.Close()
	return nil
}

func (e *fakeEngine) recvCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *fakeEngine) inject(from router.Hash, msg *message.Message) {
	e.inbound.Push(transport.Inbound{From: from, Message: msg})
}

// servingEngineは、ctxの終了でエンジンを閉じるServeを持つfakeEngineです。
type servingEngine struct {
	*fakeEngine

	serves counter
}

func (e *servingEngine) Serve(ctx context.Context) error {
	e.serves.add()
	<-ctx.Done()
	e.Close()
	return nil
}

type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) add() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
}

func (c *counter) load() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// recorderは、受信したメッセージを記録するハンドラーです。
type recorder struct {
	mu   sync.Mutex
	msgs []*message.Message
	from []router.Hash
}

func (r *recorder) Handle(from router.Hash, msg *message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	r.from = append(r.from, from)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) messages() []*message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*message.Message(nil), r.msgs...)
}
