/*
Package quic は、QUICを使用したトランスポートです。

1つのQUICコネクションにつき1本の双方向ストリームを使用します。
TLSの証明書はルーター鍵から生成した自己署名証明書であり、ピアの認証はストリーム上で交換する署名付きのhelloで行います。
*/
package quic

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"net/netip"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"github.com/aptpod/routerlink-go/errors"
	"github.com/aptpod/routerlink-go/log"
	"github.com/aptpod/routerlink-go/message"
	"github.com/aptpod/routerlink-go/router"
	"github.com/aptpod/routerlink-go/transport"
	"github.com/aptpod/routerlink-go/transport/session"
)

const (
	// MaxMessageSizeは、1フレームの最大バイト数です。
	//
	// 標準ヘッダーで表現できる最大のペイロードを持つメッセージフレームの大きさです。
	MaxMessageSize = 1 + message.StandardHeaderSize + message.MaxPayloadSize

	// CostConnectedは、セッション確立済みのピアへの入札コストです。
	CostConnected uint32 = 6
	// CostDialは、新たに接続が必要なピアへの入札コストです。
	CostDial uint32 = 30

	// PublishedCostは、RouterAddressで公開するコストです。
	PublishedCost uint8 = 6

	// NextProtoは、TLSのALPNで使用するプロトコル名です。
	NextProto = "routerlink"

	defaultHandshakeTimeout = 10 * time.Second
	handshakePrologue       = "quic"
)

// Configは、QUICトランスポートの設定です。
type Config struct {
	// ListenAddrは、待ち受けアドレスです。このフィールドは必須です。
	ListenAddr netip.AddrPort
	// Queueは、送信キューの設定です。
	Queue transport.QueueConfig
	// Loggerは、ロガーです。
	Logger log.Logger
	// HandshakeTimeoutは、接続とハンドシェイクのタイムアウトです。
	HandshakeTimeout time.Duration
	// KeepAlivePeriodは、キープアライブの間隔です。0の場合は送信しません。
	KeepAlivePeriod time.Duration
}

var _ transport.Transport = (*Transport)(nil)

// Transportは、QUICトランスポートです。
type Transport struct {
	listenAddr       netip.AddrPort
	handshakeTimeout time.Duration
	quicConfig       *quicgo.Config
	engine           *session.Engine
	handle           transport.Handle
	logger           log.Logger
}

// Newは、QUICトランスポートと、まだ開始されていないエンジンを返却します。
func New(c Config) (*Transport, *session.Engine, error) {
	if !c.ListenAddr.IsValid() {
		return nil, nil, &errors.ConfigError{Key: "transports.quic.listen", Err: errors.ErrMissingListenAddress}
	}
	if c.Logger == nil {
		c.Logger = log.NewNop()
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	t := &Transport{
		listenAddr:       c.ListenAddr,
		handshakeTimeout: c.HandshakeTimeout,
		quicConfig: &quicgo.Config{
			HandshakeIdleTimeout: c.HandshakeTimeout,
			KeepAlivePeriod:      c.KeepAlivePeriod,
		},
		logger: c.Logger,
	}
	t.engine, t.handle = session.NewEngine(session.Config{
		Kind:        transport.KindQUIC,
		Queue:       c.Queue,
		Dialer:      session.DialerFunc(t.dial),
		Logger:      c.Logger,
		DialTimeout: c.HandshakeTimeout,
	})
	return t, t.engine, nil
}

// Kindは、トランスポート種別を返却します。
func (t *Transport) Kind() transport.Kind {
	return transport.KindQUIC
}

// Addressは、公開する接続先情報を返却します。
func (t *Transport) Address() router.RouterAddress {
	return router.NewRouterAddress(transport.KindQUIC.Style(), PublishedCost, t.listenAddr, nil)
}

// Sizeは、フレーム種別の1バイトと標準ヘッダーを含むバイト数を返却します。
func (t *Transport) Size(msg *message.Message) int {
	return 1 + session.HeaderStandard.Size(msg)
}

// Bidは、ピアへの送信コストを返却します。
//
// ピアがQUICのアドレスを公開していない場合と、sizeが MaxMessageSize を超える場合は入札しません。
func (t *Transport) Bid(peer *router.RouterInfo, size int) (transport.Bid, bool) {
	if peer == nil || size > MaxMessageSize {
		return transport.Bid{}, false
	}
	if rctx := t.engine.RouterContext(); rctx != nil && rctx.Hash() == peer.Hash() {
		return transport.Bid{}, false
	}
	ra, ok := peer.Address(transport.KindQUIC.Style())
	if !ok {
		return transport.Bid{}, false
	}
	if _, ok := ra.Addr(); !ok {
		return transport.Bid{}, false
	}
	cost := CostDial
	if t.engine.Connected(peer.Hash()) {
		cost = CostConnected
	}
	return transport.NewBid(transport.KindQUIC, cost, t.handle), true
}

// Listenは、待ち受けアドレスへバインドし、リスナーを返却します。
func (t *Transport) Listen(ctx context.Context, rctx *router.Context) (transport.Listener, error) {
	if rctx == nil || rctx.Keys == nil {
		return nil, errors.Errorf("quic: router context is not set: %w", errors.ErrKeyMaterial)
	}
	cert, err := selfSignedCert(rctx.Keys)
	if err != nil {
		return nil, errors.Errorf("quic: generate certificate: %w", err)
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{NextProto},
		MinVersion:   tls.VersionTLS13,
	}
	ln, err := quicgo.ListenAddr(t.listenAddr.String(), tlsConf, t.quicConfig)
	if err != nil {
		return nil, errors.Errorf("quic: listen %s: %w", t.listenAddr, err)
	}
	lctx, cancel := context.WithCancel(context.Background())
	t.logger.Infof(ctx, "QUIC transport listening on %s", ln.Addr())
	return &listener{
		ln:        ln,
		transport: t,
		rctx:      rctx,
		ctx:       lctx,
		cancel:    cancel,
	}, nil
}

func (t *Transport) dial(ctx context.Context, rctx *router.Context, peer *router.RouterInfo) (session.Conn, error) {
	ra, ok := peer.Address(transport.KindQUIC.Style())
	if !ok {
		return nil, errors.Errorf("quic: peer %s has no quic address", peer.Hash().Short())
	}
	addr, ok := ra.Addr()
	if !ok {
		return nil, errors.Errorf("quic: peer %s has invalid address", peer.Hash().Short())
	}
	tlsConf := &tls.Config{
		// ピアの認証はhelloで行います。
		InsecureSkipVerify: true,
		NextProtos:         []string{NextProto},
		MinVersion:         tls.VersionTLS13,
	}
	qconn, err := quicgo.DialAddr(ctx, addr.String(), tlsConf, t.quicConfig)
	if err != nil {
		return nil, errors.Errorf("quic: dial %s: %w", addr, err)
	}
	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		qconn.CloseWithError(0, "")
		return nil, errors.Errorf("quic: open stream: %w", err)
	}
	conn := newConn(qconn, stream)
	if err := t.handshake(ctx, conn, rctx, peer); err != nil {
		conn.closeWithError(errCodeHandshakeFailed, "handshake failed")
		return nil, err
	}
	return conn, nil
}

func (t *Transport) handshake(ctx context.Context, conn *Conn, rctx *router.Context, expect *router.RouterInfo) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.handshakeTimeout)
	}
	conn.stream.SetReadDeadline(deadline)
	peer, err := session.Handshake(conn, rctx, handshakePrologue, expect)
	if err != nil {
		return errors.Errorf("quic: %w", err)
	}
	conn.stream.SetReadDeadline(time.Time{})
	conn.remote = peer
	return nil
}

func selfSignedCert(keys *router.SecretKeys) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, keys.Identity.SigningKey, keys.SigningKey)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  keys.SigningKey,
	}, nil
}

type listener struct {
	ln        *quicgo.Listener
	transport *Transport
	rctx      *router.Context

	ctx    context.Context
	cancel context.CancelFunc
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
		qconn, err := l.ln.Accept(l.ctx)
		if err != nil {
			if l.ctx.Err() != nil || errors.Is(err, quicgo.ErrServerClosed) {
				return nil
			}
			return errors.Errorf("quic: accept: %w", err)
		}
		l.wg.Add(1)
		go l.handle(qconn)
	}
}

// Closeは、リスナーを閉じます。
//
// UDPソケットを共有するため、着信したセッションも閉じられます。
func (l *listener) Close() error {
	l.cancel()
	return l.ln.Close()
}

func (l *listener) handle(qconn quicgo.Connection) {
	defer l.wg.Done()
	t := l.transport
	ctx := log.WithSessionID(context.Background())

	hctx, cancel := context.WithTimeout(l.ctx, t.handshakeTimeout)
	defer cancel()
	stream, err := qconn.AcceptStream(hctx)
	if err != nil {
		t.logger.Warnf(ctx, "Failed to accept stream from %s: %v", qconn.RemoteAddr(), err)
		qconn.CloseWithError(0, "")
		return
	}
	conn := newConn(qconn, stream)
	if err := t.handshake(hctx, conn, l.rctx, nil); err != nil {
		t.logger.Warnf(ctx, "Handshake with %s failed: %v", qconn.RemoteAddr(), err)
		conn.closeWithError(errCodeHandshakeFailed, "handshake failed")
		return
	}
	if err := t.engine.Accept(conn); err != nil {
		t.logger.Warnf(ctx, "Rejected session from %s: %v", qconn.RemoteAddr(), err)
	}
}
