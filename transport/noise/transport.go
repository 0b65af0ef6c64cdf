/*
Package noise は、TCP上のNoise XKハンドシェイクで暗号化したトランスポートです。

発信側はピアが公開する静的公開鍵(オプション "s")を使用してハンドシェイクを開始し、
3番目のメッセージで自身の署名付きRouterInfoと静的鍵への署名を送信します。
以降の通信は長さ2バイトの暗号化レコードで、1レコードが1フレームです。
*/
package noise

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/aptpod/routerlink-go/errors"
	"github.com/aptpod/routerlink-go/log"
	"github.com/aptpod/routerlink-go/message"
	"github.com/aptpod/routerlink-go/router"
	"github.com/aptpod/routerlink-go/transport"
	"github.com/aptpod/routerlink-go/transport/session"
)

const (
	// MaxMessageSizeは、暗号化前の1フレームの最大バイト数です。
	MaxMessageSize = maxRecordSize - tagSize

	// CostConnectedは、セッション確立済みのピアへの入札コストです。
	CostConnected uint32 = 8
	// CostDialは、新たに接続が必要なピアへの入札コストです。
	CostDial uint32 = 40

	// PublishedCostは、RouterAddressで公開するコストです。
	PublishedCost uint8 = 8

	defaultHandshakeTimeout = 10 * time.Second
)

// Networkは、トランスポートが使用するストリーム型のネットワークです。
//
// transport.PipeNetwork はこのインターフェースを実装します。
type Network interface {
	Listen(network, addr string) (net.Listener, error)
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

type tcpNetwork struct{}

func (tcpNetwork) Listen(network, addr string) (net.Listener, error) {
	return net.Listen(network, addr)
}

func (tcpNetwork) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

// Configは、Noiseトランスポートの設定です。
type Config struct {
	// ListenAddrは、待ち受けアドレスです。このフィールドは必須です。
	ListenAddr netip.AddrPort
	// Keysは、静的鍵です。nilの場合は起動ごとに新しい鍵を生成します。
	Keys *StaticKeys
	// Networkは、使用するネットワークです。nilの場合はTCPです。
	Network Network
	// Queueは、送信キューの設定です。
	Queue transport.QueueConfig
	// Loggerは、ロガーです。
	Logger log.Logger
	// HandshakeTimeoutは、接続とハンドシェイクのタイムアウトです。
	HandshakeTimeout time.Duration
}

var _ transport.Transport = (*Transport)(nil)

// Transportは、Noiseトランスポートです。
type Transport struct {
	listenAddr       netip.AddrPort
	keys             *StaticKeys
	network          Network
	handshakeTimeout time.Duration
	engine           *session.Engine
	handle           transport.Handle
	logger           log.Logger
}

// Newは、Noiseトランスポートと、まだ開始されていないエンジンを返却します。
func New(c Config) (*Transport, *session.Engine, error) {
	if !c.ListenAddr.IsValid() {
		return nil, nil, &errors.ConfigError{Key: "transports.noise.listen", Err: errors.ErrMissingListenAddress}
	}
	if c.Keys == nil {
		keys, err := GenerateStaticKeys()
		if err != nil {
			return nil, nil, errors.Errorf("noise: generate static keys: %w", err)
		}
		c.Keys = &keys
	}
	if err := c.Keys.validate(); err != nil {
		return nil, nil, &errors.ConfigError{Key: "transports.noise.keyfile", Err: err}
	}
	if c.Network == nil {
		c.Network = tcpNetwork{}
	}
	if c.Logger == nil {
		c.Logger = log.NewNop()
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	t := &Transport{
		listenAddr:       c.ListenAddr,
		keys:             c.Keys,
		network:          c.Network,
		handshakeTimeout: c.HandshakeTimeout,
		logger:           c.Logger,
	}
	t.engine, t.handle = session.NewEngine(session.Config{
		Kind:        transport.KindNoise,
		Queue:       c.Queue,
		Dialer:      session.DialerFunc(t.dial),
		Logger:      c.Logger,
		DialTimeout: c.HandshakeTimeout,
	})
	return t, t.engine, nil
}

// Kindは、トランスポート種別を返却します。
func (t *Transport) Kind() transport.Kind {
	return transport.KindNoise
}

// Addressは、静的公開鍵を含む接続先情報を返却します。
func (t *Transport) Address() router.RouterAddress {
	return router.NewRouterAddress(transport.KindNoise.Style(), PublishedCost, t.listenAddr, map[string]string{
		StaticKeyOption: encodeStaticKey(t.keys.Public),
	})
}

// Sizeは、フレーム種別の1バイトと短縮ヘッダーを含むバイト数を返却します。
func (t *Transport) Size(msg *message.Message) int {
	return 1 + session.HeaderShort.Size(msg)
}

// Bidは、ピアへの送信コストを返却します。
//
// ピアがNoiseのアドレスと静的公開鍵を公開していない場合と、sizeが MaxMessageSize を超える場合は入札しません。
func (t *Transport) Bid(peer *router.RouterInfo, size int) (transport.Bid, bool) {
	if peer == nil || size > MaxMessageSize {
		return transport.Bid{}, false
	}
	if rctx := t.engine.RouterContext(); rctx != nil && rctx.Hash() == peer.Hash() {
		return transport.Bid{}, false
	}
	if _, _, err := peerAddress(peer); err != nil {
		return transport.Bid{}, false
	}
	cost := CostDial
	if t.engine.Connected(peer.Hash()) {
		cost = CostConnected
	}
	return transport.NewBid(transport.KindNoise, cost, t.handle), true
}

func peerAddress(peer *router.RouterInfo) (netip.AddrPort, []byte, error) {
	ra, ok := peer.Address(transport.KindNoise.Style())
	if !ok {
		return netip.AddrPort{}, nil, errors.Errorf("peer %s has no noise address", peer.Hash().Short())
	}
	addr, ok := ra.Addr()
	if !ok {
		return netip.AddrPort{}, nil, errors.Errorf("peer %s has invalid address", peer.Hash().Short())
	}
	s, ok := ra.Option(StaticKeyOption)
	if !ok {
		return netip.AddrPort{}, nil, errors.Errorf("peer %s has no static key", peer.Hash().Short())
	}
	pub, err := decodeStaticKey(s)
	if err != nil {
		return netip.AddrPort{}, nil, errors.Errorf("peer %s: %w", peer.Hash().Short(), err)
	}
	return addr, pub, nil
}

// Listenは、待ち受けアドレスへバインドし、リスナーを返却します。
func (t *Transport) Listen(ctx context.Context, rctx *router.Context) (transport.Listener, error) {
	ln, err := t.network.Listen("tcp", t.listenAddr.String())
	if err != nil {
		return nil, errors.Errorf("noise: listen %s: %w", t.listenAddr, err)
	}
	t.logger.Infof(ctx, "Noise transport listening on %s", ln.Addr())
	return &listener{
		ln:        ln,
		transport: t,
		rctx:      rctx,
		conns:     map[net.Conn]struct{}{},
	}, nil
}

func (t *Transport) dial(ctx context.Context, rctx *router.Context, peer *router.RouterInfo) (session.Conn, error) {
	addr, peerStatic, err := peerAddress(peer)
	if err != nil {
		return nil, errors.Errorf("noise: %w", err)
	}
	conn, err := t.network.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, errors.Errorf("noise: dial %s: %w", addr, err)
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	cs, err := clientHandshake(conn, t.keys, rctx, peerStatic)
	if !stop() || err != nil {
		conn.Close()
		if err == nil {
			err = ctx.Err()
		}
		return nil, err
	}
	return newConn(conn, cs, peer), nil
}

type listener struct {
	ln        net.Listener
	transport *Transport
	rctx      *router.Context

	mu     sync.Mutex
	conns  map[net.Conn]struct{} // ハンドシェイク中のコネクション
	closed bool
	wg     sync.WaitGroup
}

// Addrは、バインドしたアドレスを返却します。
func (l *listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serveは、Closeされるまで接続を受け付けます。
func (l *listener) Serve() error {
	defer l.wg.Wait()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return nil
			}
			return errors.Errorf("noise: accept: %w", err)
		}
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			conn.Close()
			return nil
		}
		l.conns[conn] = struct{}{}
		l.wg.Add(1)
		l.mu.Unlock()
		go l.handle(conn)
	}
}

// Closeは、リスナーとハンドシェイク中のコネクションを閉じます。確立済みのセッションはエンジンが管理します。
func (l *listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for conn := range l.conns {
		conn.Close()
	}
	l.mu.Unlock()
	return l.ln.Close()
}

func (l *listener) handle(conn net.Conn) {
	defer l.wg.Done()
	t := l.transport
	ctx := log.WithSessionID(context.Background())

	conn.SetDeadline(time.Now().Add(t.handshakeTimeout))
	cs, peer, err := serverHandshake(conn, t.keys, l.rctx)

	l.mu.Lock()
	delete(l.conns, conn)
	closed := l.closed
	l.mu.Unlock()

	if err != nil || closed {
		if err != nil {
			t.logger.Warnf(ctx, "Handshake with %s failed: %v", conn.RemoteAddr(), err)
		}
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})
	if err := t.engine.Accept(newConn(conn, cs, peer)); err != nil {
		t.logger.Warnf(ctx, "Rejected session from %s: %v", conn.RemoteAddr(), err)
	}
}
