package multi

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aptpod/routerlink-go/errors"
	"github.com/aptpod/routerlink-go/log"
	"github.com/aptpod/routerlink-go/message"
	"github.com/aptpod/routerlink-go/router"
	"github.com/aptpod/routerlink-go/transport"
	"github.com/aptpod/routerlink-go/transport/metrics"
	"github.com/aptpod/routerlink-go/transport/noise"
	"github.com/aptpod/routerlink-go/transport/quic"
	"github.com/aptpod/routerlink-go/transport/websocket"
)

// WebSocketConfigは、WebSocketトランスポートの設定です。
type WebSocketConfig struct {
	// ListenAddrは、待ち受けアドレス(IP:ポート)です。このフィールドは必須です。
	ListenAddr string
	// Pathは、待ち受けパスです。空の場合は websocket.DefaultPath です。
	Path string
}

// NoiseConfigは、Noiseトランスポートの設定です。
type NoiseConfig struct {
	// ListenAddrは、待ち受けアドレス(IP:ポート)です。このフィールドは必須です。
	ListenAddr string
	// KeyFileは、静的鍵を保存するファイルのパスです。このフィールドは必須です。
	KeyFile string
	// Networkは、使用するネットワークです。nilの場合はTCPです。
	Network noise.Network
}

// QUICConfigは、QUICトランスポートの設定です。
type QUICConfig struct {
	// ListenAddrは、待ち受けアドレス(IP:ポート)です。空の場合、QUICトランスポートは使用しません。
	ListenAddr string
	// KeepAlivePeriodは、キープアライブの間隔です。
	KeepAlivePeriod time.Duration
}

// Configは、Managerの設定です。
type Config struct {
	WebSocket WebSocketConfig
	Noise     NoiseConfig
	QUIC      QUICConfig

	// Queueは、各トランスポートの送信キューの設定です。
	Queue transport.QueueConfig
	// Supervisorは、受信ループの監視設定です。nilの場合は DefaultSupervisorConfig です。
	Supervisor *SupervisorConfig
	// HandshakeTimeoutは、各トランスポートの接続とハンドシェイクのタイムアウトです。
	HandshakeTimeout time.Duration

	Logger  log.Logger
	Metrics metrics.Collector
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = log.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewNop()
	}
	if c.Supervisor == nil {
		s := DefaultSupervisorConfig()
		c.Supervisor = &s
	}
}

// Routeは、送信に使用したトランスポートとコストです。
type Route struct {
	Kind transport.Kind
	Cost uint32
}

// Managerは、トランスポートへの入札の問い合わせと開始を管理します。
type Manager struct {
	transports []transport.Transport
	// 開始前のエンジン。開始後はnilです。
	engines atomic.Pointer[[]transport.Engine]

	supervisor SupervisorConfig
	logger     log.Logger
	metrics    metrics.Collector
}

// NewManagerは、設定されたトランスポートを登録順に生成し、Managerを返却します。
//
// 必須の設定が不足している場合は *errors.ConfigError を返却します。
// 生成した鍵の保存に失敗した場合は errors.ErrPersistKeyMaterial を返却します。
func NewManager(c Config) (*Manager, error) {
	c.setDefaults()

	wsAddr, err := parseListenAddr("transports.websocket.listen", c.WebSocket.ListenAddr)
	if err != nil {
		return nil, err
	}
	noiseAddr, err := parseListenAddr("transports.noise.listen", c.Noise.ListenAddr)
	if err != nil {
		return nil, err
	}
	if c.Noise.KeyFile == "" {
		return nil, &errors.ConfigError{Key: "transports.noise.keyfile", Err: errors.ErrInvalidConfig}
	}
	var quicAddr netip.AddrPort
	if c.QUIC.ListenAddr != "" {
		if quicAddr, err = parseListenAddr("transports.quic.listen", c.QUIC.ListenAddr); err != nil {
			return nil, err
		}
	}

	noiseKeys, generated, err := noise.LoadOrGenerateKeys(c.Noise.KeyFile)
	if err != nil {
		return nil, err
	}
	if generated {
		c.Logger.Infof(context.Background(), "Generated noise static key at %s", c.Noise.KeyFile)
	}

	pairs := make([]transport.Pair, 0, 3)
	wst, wse, err := websocket.New(websocket.Config{
		ListenAddr:       wsAddr,
		Path:             c.WebSocket.Path,
		Queue:            c.Queue,
		Logger:           c.Logger,
		HandshakeTimeout: c.HandshakeTimeout,
	})
	if err != nil {
		return nil, err
	}
	pairs = append(pairs, transport.Pair{Transport: wst, Engine: wse})

	nt, ne, err := noise.New(noise.Config{
		ListenAddr:       noiseAddr,
		Keys:             noiseKeys,
		Network:          c.Noise.Network,
		Queue:            c.Queue,
		Logger:           c.Logger,
		HandshakeTimeout: c.HandshakeTimeout,
	})
	if err != nil {
		return nil, err
	}
	pairs = append(pairs, transport.Pair{Transport: nt, Engine: ne})

	if quicAddr.IsValid() {
		qt, qe, err := quic.New(quic.Config{
			ListenAddr:       quicAddr,
			Queue:            c.Queue,
			Logger:           c.Logger,
			HandshakeTimeout: c.HandshakeTimeout,
			KeepAlivePeriod:  c.QUIC.KeepAlivePeriod,
		})
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, transport.Pair{Transport: qt, Engine: qe})
	}

	return newManager(pairs, c), nil
}

func newManager(pairs []transport.Pair, c Config) *Manager {
	c.setDefaults()
	m := &Manager{
		transports: make([]transport.Transport, 0, len(pairs)),
		supervisor: *c.Supervisor,
		logger:     c.Logger,
		metrics:    c.Metrics,
	}
	engines := make([]transport.Engine, 0, len(pairs))
	for _, p := range pairs {
		m.transports = append(m.transports, p.Transport)
		engines = append(engines, p.Engine)
	}
	m.engines.Store(&engines)
	return m
}

func parseListenAddr(key, s string) (netip.AddrPort, error) {
	if s == "" {
		return netip.AddrPort{}, &errors.ConfigError{Key: key, Err: errors.ErrMissingListenAddress}
	}
	addr, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}, &errors.ConfigError{Key: key, Err: errors.Errorf("%v: %w", err, errors.ErrInvalidConfig)}
	}
	return addr, nil
}

// Transportsは、登録順のトランスポートを返却します。
func (m *Manager) Transports() []transport.Transport {
	res := make([]transport.Transport, len(m.transports))
	copy(res, m.transports)
	return res
}

// Addressesは、各トランスポートが公開する接続先情報を登録順に返却します。
//
// 開始前後で結果は変わりません。
func (m *Manager) Addresses() []router.RouterAddress {
	res := make([]router.RouterAddress, 0, len(m.transports))
	for _, t := range m.transports {
		res = append(res, t.Address())
	}
	return res
}

/*
Sendは、最も安価な入札をしたトランスポートへメッセージを渡します。

コストが同じ場合は先に登録されたトランスポートが選択されます。
どのトランスポートも入札しなかった場合は、ピアとメッセージを保持した *errors.NoRouteError を返却します。
戻り値のRouteは、トランスポートのキューへ格納されたことを意味し、送信の完了は意味しません。
*/
func (m *Manager) Send(peer *router.RouterInfo, msg *message.Message) (Route, error) {
	var (
		best  transport.Bid
		found bool
	)
	for _, t := range m.transports {
		bid, ok := t.Bid(peer, t.Size(msg))
		if !ok {
			continue
		}
		if !found || bid.Cost < best.Cost {
			best, found = bid, true
		}
	}
	if !found {
		m.metrics.NoRoute()
		return Route{}, &errors.NoRouteError{Peer: peer, Message: msg}
	}

	if err := best.Send(peer, msg); err != nil {
		return Route{}, errors.Errorf("%s: %w", best.Kind, err)
	}
	m.metrics.RouteSelected(best.Kind.String(), best.Cost)
	return Route{Kind: best.Kind, Cost: best.Cost}, nil
}

// NoRouteは、Sendが返却したerrから送信されなかったピアとメッセージを取り出します。
// errが *errors.NoRouteError を含まない場合、okはfalseです。
func NoRoute(err error) (peer *router.RouterInfo, msg *message.Message, ok bool) {
	nr, ok := errors.AsNoRouteError(err)
	if !ok {
		return nil, nil, false
	}
	peer, _ = nr.Peer.(*router.RouterInfo)
	msg, _ = nr.Message.(*message.Message)
	return peer, msg, true
}

/*
Startは、すべてのトランスポートの待ち受けと、受信メッセージをrctx.MsgHandlerへ渡すEngineを開始します。

アドレスのバインドはこの呼び出しの中で行われ、失敗した場合は *errors.ListenerError を返却します。
2回目以降の呼び出しは errors.ErrAlreadyStarted を返却します。
*/
func (m *Manager) Start(ctx context.Context, rctx *router.Context) (*Running, error) {
	enginesp := m.engines.Swap(nil)
	if enginesp == nil {
		return nil, errors.ErrAlreadyStarted
	}
	engines := *enginesp

	for _, e := range engines {
		e.SetContext(rctx)
	}

	listeners := make([]transport.Listener, 0, len(m.transports))
	for _, t := range m.transports {
		l, err := t.Listen(ctx, rctx)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			closeEngines(engines)
			return nil, &errors.ListenerError{Transport: t.Kind().String(), Err: err}
		}
		listeners = append(listeners, l)
	}

	branches := make([]Branch, 0, len(engines))
	for i, e := range engines {
		branches = append(branches, Branch{Kind: m.transports[i].Kind(), Engine: e})
	}
	var handler router.InboundMessageHandler
	if rctx != nil {
		handler = rctx.MsgHandler
	}
	engine := NewEngine(branches, handler, EngineConfig{
		Supervisor: m.supervisor,
		Logger:     m.logger,
		Metrics:    m.metrics,
	})

	return startRunning(ctx, m.logger, m.transports, listeners, engines, engine), nil
}

func closeEngines(engines []transport.Engine) {
	for _, e := range engines {
		if c, ok := e.(interface{ Close() error }); ok {
			c.Close()
		}
	}
}

// Runningは、開始したトランスポートとEngineのグループです。
type Running struct {
	Engine    *Engine
	Listeners []transport.Listener

	cancel context.CancelFunc
	failed chan error
	done   chan struct{}
	err    error
}

func startRunning(ctx context.Context, logger log.Logger, transports []transport.Transport, listeners []transport.Listener, engines []transport.Engine, engine *Engine) *Running {
	ctx, cancel := context.WithCancel(ctx)
	r := &Running{
		Engine:    engine,
		Listeners: listeners,
		cancel:    cancel,
		failed:    make(chan error, 1),
		done:      make(chan struct{}),
	}

	var closeOnce sync.Once
	closeAll := func() {
		closeOnce.Do(func() {
			for _, l := range listeners {
				l.Close()
			}
			closeEngines(engines)
		})
	}
	stop := context.AfterFunc(ctx, closeAll)

	var g errgroup.Group
	for i, l := range listeners {
		l := l
		kind := transports[i].Kind()
		g.Go(func() error {
			if err := l.Serve(); err != nil {
				logger.Errorf(ctx, "%s listener failed: %v", kind, err)
				lerr := &errors.ListenerError{Transport: kind.String(), Err: err}
				select {
				case r.failed <- lerr:
				default:
				}
				return lerr
			}
			return nil
		})
	}
	g.Go(func() error {
		err := engine.Run(ctx)
		if err != nil {
			logger.Errorf(ctx, "Engine failed: %v", err)
			cancel()
		}
		return err
	})

	go func() {
		defer close(r.done)
		r.err = g.Wait()
		stop()
		cancel()
		closeAll()
	}()
	return r
}

// Errは、最初に失敗した待ち受けの *errors.ListenerError を受け取るチャンネルを返却します。
//
// 待ち受けの失敗は他のトランスポートとEngineを停止しません。チャンネルは閉じられません。
func (r *Running) Err() <-chan error {
	return r.failed
}

// Doneは、すべての待ち受けとEngineが終了した時に閉じられるチャンネルを返却します。
func (r *Running) Done() <-chan struct{} {
	return r.done
}

// Waitは、すべての待ち受けとEngineの終了を待ち、最初に発生したエラーを返却します。
func (r *Running) Wait() error {
	<-r.done
	return r.err
}

// Closeは、すべての待ち受けとEngineを終了し、終了を待ちます。
func (r *Running) Close() error {
	r.cancel()
	return r.Wait()
}
