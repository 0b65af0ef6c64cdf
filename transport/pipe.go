package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/aptpod/routerlink-go/errors"
	"github.com/aptpod/routerlink-go/internal/xio"
)

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

// pipeBufferは、片方向のバイトストリームです。書き込みはブロックしません。
type pipeBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
	ready  chan struct{}
}

func newPipeBuffer() *pipeBuffer {
	return &pipeBuffer{ready: make(chan struct{}, 1)}
}

func (b *pipeBuffer) write(bs []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	n, _ := b.buf.Write(bs)
	select {
	case b.ready <- struct{}{}:
	default:
	}
	return n, nil
}

func (b *pipeBuffer) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ready)
}

type pipe struct {
	rx        *pipeBuffer
	rxCounter xio.Counter

	tx        *pipeBuffer
	txCounter xio.Counter

	local, remote net.Addr

	deadlineMu   sync.Mutex
	readDeadline time.Time

	once     sync.Once
	closedCh chan struct{}
}

func (p *pipe) Read(bs []byte) (int, error) {
	for {
		select {
		case <-p.closedCh:
			return 0, io.ErrClosedPipe
		default:
		}

		p.rx.mu.Lock()
		if p.rx.buf.Len() > 0 {
			n, _ := p.rx.buf.Read(bs)
			p.rx.mu.Unlock()
			p.rxCounter.Add(n)
			return n, nil
		}
		if p.rx.closed {
			p.rx.mu.Unlock()
			return 0, io.EOF
		}
		p.rx.mu.Unlock()

		if err := p.wait(); err != nil {
			return 0, err
		}
	}
}

func (p *pipe) wait() error {
	var timeout <-chan time.Time
	if d := p.deadline(); !d.IsZero() {
		wait := time.Until(d)
		if wait <= 0 {
			return os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-p.closedCh:
		return io.ErrClosedPipe
	case <-timeout:
		return os.ErrDeadlineExceeded
	case <-p.rx.ready:
		return nil
	}
}

func (p *pipe) Write(bs []byte) (int, error) {
	select {
	case <-p.closedCh:
		return 0, io.ErrClosedPipe
	default:
	}
	n, err := p.tx.write(bs)
	p.txCounter.Add(n)
	return n, err
}

func (p *pipe) deadline() time.Time {
	p.deadlineMu.Lock()
	defer p.deadlineMu.Unlock()
	return p.readDeadline
}

func (p *pipe) SetDeadline(t time.Time) error {
	return p.SetReadDeadline(t)
}

func (p *pipe) SetReadDeadline(t time.Time) error {
	p.deadlineMu.Lock()
	defer p.deadlineMu.Unlock()
	p.readDeadline = t
	return nil
}

// SetWriteDeadlineは何もしません。書き込みはブロックしないためです。
func (p *pipe) SetWriteDeadline(time.Time) error {
	return nil
}

func (p *pipe) LocalAddr() net.Addr  { return p.local }
func (p *pipe) RemoteAddr() net.Addr { return p.remote }

// RxBytesCounterValue は、読み込んだ総バイト数を返却します。
func (p *pipe) RxBytesCounterValue() uint64 {
	return p.rxCounter.Value()
}

// TxBytesCounterValue は、書き込んだ総バイト数を返却します。
func (p *pipe) TxBytesCounterValue() uint64 {
	return p.txCounter.Value()
}

func (p *pipe) Close() error {
	p.once.Do(func() {
		close(p.closedCh)
		p.tx.close()
		p.rx.close()
	})
	return nil
}

// Pipeは、メモリ上で接続された双方向のnet.Connの組を返却します。
//
// net.Pipeと異なり書き込みはバッファリングされ、相手の読み込みを待ちません。
func Pipe() (net.Conn, net.Conn) {
	return pipeBetween(pipeAddr("pipe-a"), pipeAddr("pipe-b"))
}

func pipeBetween(a, b net.Addr) (net.Conn, net.Conn) {
	ab, ba := newPipeBuffer(), newPipeBuffer()
	return &pipe{
			rx:       ba,
			tx:       ab,
			local:    a,
			remote:   b,
			closedCh: make(chan struct{}),
		}, &pipe{
			rx:       ab,
			tx:       ba,
			local:    b,
			remote:   a,
			closedCh: make(chan struct{}),
		}
}

// PipeNetworkは、Pipeで接続するメモリ上のネットワークです。
//
// ソケットを使用せずにトランスポートを接続するために使用します。
type PipeNetwork struct {
	mu        sync.Mutex
	listeners map[string]*pipeListener
	seq       uint64
}

// NewPipeNetworkは、PipeNetworkを返却します。
func NewPipeNetwork() *PipeNetwork {
	return &PipeNetwork{listeners: map[string]*pipeListener{}}
}

// Listenは、addrで接続を待ち受けるリスナーを返却します。
func (n *PipeNetwork) Listen(_, addr string) (net.Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[addr]; ok {
		return nil, errors.Errorf("pipe: address %s already in use", addr)
	}
	l := &pipeListener{
		network:  n,
		addr:     pipeAddr(addr),
		connCh:   make(chan net.Conn),
		closedCh: make(chan struct{}),
	}
	n.listeners[addr] = l
	return l, nil
}

// DialContextは、addrで待ち受けるリスナーへ接続します。
func (n *PipeNetwork) DialContext(ctx context.Context, _, addr string) (net.Conn, error) {
	n.mu.Lock()
	l, ok := n.listeners[addr]
	n.seq++
	local := pipeAddr("pipe-client-" + strconv.FormatUint(n.seq, 10))
	n.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("pipe: dial %s: connection refused", addr)
	}

	cli, srv := pipeBetween(local, l.addr)
	select {
	case l.connCh <- srv:
		return cli, nil
	case <-l.closedCh:
		return nil, errors.Errorf("pipe: dial %s: connection refused", addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *PipeNetwork) remove(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.listeners, addr)
}

type pipeListener struct {
	network  *PipeNetwork
	addr     pipeAddr
	connCh   chan net.Conn
	once     sync.Once
	closedCh chan struct{}
}

func (l *pipeListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-l.closedCh:
		return nil, net.ErrClosed
	}
}

func (l *pipeListener) Close() error {
	l.once.Do(func() {
		close(l.closedCh)
		l.network.remove(string(l.addr))
	})
	return nil
}

func (l *pipeListener) Addr() net.Addr {
	return l.addr
}
