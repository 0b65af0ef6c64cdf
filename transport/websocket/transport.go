/*
Package websocket は、WebSocketを使用したトランスポートです。

接続後、双方は署名付きのhelloを交換してピアを認証し、以降は1つのバイナリメッセージで1つのフレームを送受信します。
メッセージは標準ヘッダーでエンコードされます。
*/
package websocket

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"time"

	gwebsocket "github.com/gorilla/websocket"

	"github.com/aptpod/routerlink-go/errors"
	"github.com/aptpod/routerlink-go/log"
	"github.com/aptpod/routerlink-go/message"
	"github.com/aptpod/routerlink-go/router"
	"github.com/aptpod/routerlink-go/transport"
	"github.com/aptpod/routerlink-go/transport/session"
)

const (
	// DefaultPathは、WebSocketの待ち受けパスです。
	DefaultPath = "/routerlink"
	// MaxMessageSizeは、1フレームの最大バイト数です。
	MaxMessageSize = 64 << 10

	// CostConnectedは、セッション確立済みのピアへの入札コストです。
	CostConnected uint32 = 10
	// CostDialは、新たに接続が必要なピアへの入札コストです。
	CostDial uint32 = 50

	// PublishedCostは、RouterAddressで公開するコストです。
	PublishedCost uint8 = 10

	defaultHandshakeTimeout = 10 * time.Second
	handshakePrologue       = "websocket"
)

// Configは、WebSocketトランスポートの設定です。
type Config struct {
	// ListenAddrは、待ち受けアドレスです。このフィールドは必須です。
	ListenAddr netip.AddrPort
	// Pathは、待ち受けパスです。空の場合は DefaultPath です。
	Path string
	// Queueは、送信キューの設定です。
	Queue transport.QueueConfig
	// Loggerは、ロガーです。
	Logger log.Logger
	// HandshakeTimeoutは、接続とハンドシェイクのタイムアウトです。
	HandshakeTimeout time.Duration
}

var _ transport.Transport = (*Transport)(nil)

// Transportは、WebSocketトランスポートです。
type Transport struct {
	listenAddr       netip.AddrPort
	path             string
	handshakeTimeout time.Duration
	engine           *session.Engine
	handle           transport.Handle
	logger           log.Logger
}

// Newは、WebSocketトランスポートと、まだ開始されていないエンジンを返却します。
func New(c Config) (*Transport, *session.Engine, error) {
	if !c.ListenAddr.IsValid() {
		return nil, nil, &errors.ConfigError{Key: "transports.websocket.listen", Err: errors.ErrMissingListenAddress}
	}
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.Logger == nil {
		c.Logger = log.NewNop()
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	t := &Transport{
		listenAddr:       c.ListenAddr,
		path:             c.Path,
		handshakeTimeout: c.HandshakeTimeout,
		logger:           c.Logger,
	}
	t.engine, t.handle = session.NewEngine(session.Config{
		Kind:        transport.KindWebSocket,
		Queue:       c.Queue,
		Dialer:      session.DialerFunc(t.dial),
		Logger:      c.Logger,
		DialTimeout: c.HandshakeTimeout,
	})
	return t, t.engine, nil
}

// Kindは、トランスポート種別を返却します。
func (t *Transport) Kind() transport.Kind {
	return transport.KindWebSocket
}

// Addressは、公開する接続先情報を返却します。
func (t *Transport) Address() router.RouterAddress {
	return router.NewRouterAddress(transport.KindWebSocket.Style(), PublishedCost, t.listenAddr, nil)
}

// Sizeは、フレーム種別の1バイトと標準ヘッダーを含むバイト数を返却します。
func (t *Transport) Size(msg *message.Message) int {
	return 1 + session.HeaderStandard.Size(msg)
}

// Bidは、ピアへの送信コストを返却します。
//
// ピアがWebSocketのアドレスを公開していない場合と、sizeが MaxMessageSize を超える場合は入札しません。
func (t *Transport) Bid(peer *router.RouterInfo, size int) (transport.Bid, bool) {
	if peer == nil || size > MaxMessageSize {
		return transport.Bid{}, false
	}
	if rctx := t.engine.RouterContext(); rctx != nil && rctx.Hash() == peer.Hash() {
		return transport.Bid{}, false
	}
	addr, ok := peer.Address(transport.KindWebSocket.Style())
	if !ok {
		return transport.Bid{}, false
	}
	if _, ok := addr.Addr(); !ok {
		return transport.Bid{}, false
	}
	cost := CostDial
	if t.engine.Connected(peer.Hash()) {
		cost = CostConnected
	}
	return transport.NewBid(transport.KindWebSocket, cost, t.handle), true
}

// Listenは、待ち受けアドレスへバインドし、リスナーを返却します。
func (t *Transport) Listen(ctx context.Context, rctx *router.Context) (transport.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", t.listenAddr.String())
	if err != nil {
		return nil, errors.Errorf("websocket: listen %s: %w", t.listenAddr, err)
	}
	l := &listener{
		ln:        ln,
		transport: t,
		rctx:      rctx,
		upgrader: gwebsocket.Upgrader{
			HandshakeTimeout: t.handshakeTimeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(t.path, l.handle)
	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: t.handshakeTimeout,
	}
	t.logger.Infof(ctx, "WebSocket transport listening on %s%s", ln.Addr(), t.path)
	return l, nil
}

func (t *Transport) dial(ctx context.Context, rctx *router.Context, peer *router.RouterInfo) (session.Conn, error) {
	ra, ok := peer.Address(transport.KindWebSocket.Style())
	if !ok {
		return nil, errors.Errorf("websocket: peer %s has no websocket address", peer.Hash().Short())
	}
	addr, ok := ra.Addr()
	if !ok {
		return nil, errors.Errorf("websocket: peer %s has invalid address", peer.Hash().Short())
	}
	dialer := gwebsocket.Dialer{
		HandshakeTimeout: t.handshakeTimeout,
	}
	u := "ws://" + addr.String() + t.path
	wsconn, resp, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return nil, errors.Errorf("websocket: dial %s failed with status %s: %w", u, resp.Status, err)
		}
		return nil, errors.Errorf("websocket: dial %s: %w", u, err)
	}
	conn := newConn(wsconn)
	if err := t.handshake(ctx, conn, rctx, peer); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (t *Transport) handshake(ctx context.Context, conn *Conn, rctx *router.Context, expect *router.RouterInfo) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.handshakeTimeout)
	}
	conn.wsconn.SetReadDeadline(deadline)
	peer, err := session.Handshake(conn, rctx, handshakePrologue, expect)
	if err != nil {
		return errors.Errorf("websocket: %w", err)
	}
	conn.wsconn.SetReadDeadline(time.Time{})
	conn.remote = peer
	return nil
}

type listener struct {
	ln        net.Listener
	srv       *http.Server
	upgrader  gwebsocket.Upgrader
	transport *Transport
	rctx      *router.Context
}

// Addrは、バインドしたアドレスを返却します。
func (l *listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serveは、Closeされるまで接続を受け付けます。
func (l *listener) Serve() error {
	if err := l.srv.Serve(l.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Errorf("websocket: serve: %w", err)
	}
	return nil
}

// Closeは、リスナーを閉じます。確立済みのセッションはエンジンが管理します。
func (l *listener) Close() error {
	return l.srv.Close()
}

func (l *listener) handle(w http.ResponseWriter, r *http.Request) {
	ctx := log.WithSessionID(r.Context())
	wsconn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.transport.logger.Warnf(ctx, "Failed to upgrade connection from %s: %v", r.RemoteAddr, err)
		return
	}
	conn := newConn(wsconn)
	hctx, cancel := context.WithTimeout(context.Background(), l.transport.handshakeTimeout)
	defer cancel()
	if err := l.transport.handshake(hctx, conn, l.rctx, nil); err != nil {
		l.transport.logger.Warnf(ctx, "Handshake with %s failed: %v", r.RemoteAddr, err)
		conn.Close()
		return
	}
	if err := l.transport.engine.Accept(conn); err != nil {
		l.transport.logger.Warnf(ctx, "Rejected session from %s: %v", r.RemoteAddr, err)
	}
}
