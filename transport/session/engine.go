/*
Package session は、トランスポート共通のセッション管理を提供するパッケージです。

Engine はトランスポートの Handle に積まれた送信メッセージをピアごとのセッションへ振り分け、
各セッションから受信したメッセージを1本のストリームとして返却します。
具体的なトランスポートは Dialer と、着信接続を Engine.Accept へ渡すリスナーを実装します。
*/
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aptpod/routerlink-go/errors"
	"github.com/aptpod/routerlink-go/internal/queue"
	"github.com/aptpod/routerlink-go/log"
	"github.com/aptpod/routerlink-go/router"
	"github.com/aptpod/routerlink-go/transport"
)

// DefaultDialTimeoutは、Config.DialTimeoutのデフォルト値です。
const DefaultDialTimeout = 10 * time.Second

// Configは、Engineの設定です。
type Config struct {
	// Kindは、Engineを所有するトランスポートの種別です。
	Kind transport.Kind
	// Queueは、Handleのキュー設定です。セッションごとの送信キューにも適用されます。
	Queue transport.QueueConfig
	// Dialerは、ピアへのセッションを確立します。このフィールドを nil にすることはできません。
	Dialer Dialer
	// Loggerは、ロガーです。nilの場合は何も出力しません。
	Logger log.Logger
	// DialTimeoutは、セッション確立のタイムアウトです。0の場合は DefaultDialTimeout です。
	DialTimeout time.Duration
}

var (
	_ transport.Engine = (*Engine)(nil)
	_ transport.Server = (*Engine)(nil)
)

// Engineは、トランスポートのセッションを管理するエンジンです。
type Engine struct {
	kind        transport.Kind
	rx          *transport.Receiver
	handle      transport.Handle
	inbound     *queue.Queue[transport.Inbound]
	queueConfig queue.Config
	dialer      Dialer
	dialTimeout time.Duration
	logger      log.Logger

	rctx atomic.Pointer[router.Context]

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[router.Hash]*session // 送信に使用するセッション
	live     map[*session]struct{}    // 着信専用を含むすべてのセッション
	offsets  map[router.Hash]time.Duration
	closed   bool
	wg       sync.WaitGroup

	closeOnce sync.Once
}

type session struct {
	peer   router.Hash
	conn   Conn // 確立前はnil
	out    *queue.Queue[Frame]
	ctx    context.Context
	cancel context.CancelFunc
	logCtx context.Context
	once   sync.Once
}

// NewEngineは、EngineとそのHandleを返却します。
func NewEngine(c Config) (*Engine, transport.Handle) {
	if c.Dialer == nil {
		panic("session: Dialer should not be nil")
	}
	if c.Logger == nil {
		c.Logger = log.NewNop()
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	handle, rx := transport.NewHandle(c.Queue)
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		kind:        c.Kind,
		rx:          rx,
		handle:      handle,
		inbound:     queue.New[transport.Inbound](queue.Config{}),
		queueConfig: queue.Config{Limit: c.Queue.Limit, Policy: c.Queue.Policy},
		dialer:      c.Dialer,
		dialTimeout: c.DialTimeout,
		logger:      c.Logger,
		ctx:         ctx,
		cancel:      cancel,
		sessions:    map[router.Hash]*session{},
		live:        map[*session]struct{}{},
		offsets:     map[router.Hash]time.Duration{},
	}, handle
}

// SetContextは、ハンドシェイクで使用するルーターコンテキストを設定します。
func (e *Engine) SetContext(rctx *router.Context) {
	e.rctx.Store(rctx)
}

// RouterContextは、設定されたルーターコンテキストを返却します。未設定の場合はnilです。
func (e *Engine) RouterContext() *router.Context {
	return e.rctx.Load()
}

// Recvは、いずれかのセッションで受信したメッセージを受信順に1件返却します。
func (e *Engine) Recv(ctx context.Context) (transport.Inbound, error) {
	in, err := e.inbound.Pop(ctx)
	if err != nil {
		if errors.Is(err, errors.ErrQueueClosed) {
			return transport.Inbound{}, errors.ErrEngineClosed
		}
		return transport.Inbound{}, err
	}
	return in, nil
}

// Serveは、ctxが終了するまでHandleに積まれたメッセージとタイムスタンプをセッションへ振り分けます。
//
// ctxが終了した場合はEngineを閉じてnilを返却します。
func (e *Engine) Serve(ctx context.Context) error {
	if e.isClosed() {
		return errors.ErrEngineClosed
	}
	e.logger.Infof(ctx, "Starting %s engine", e.kind)
	defer e.logger.Infof(ctx, "Stopping %s engine", e.kind)

	for {
		select {
		case <-ctx.Done():
			e.Close()
			return nil
		case <-e.ctx.Done():
			return errors.ErrEngineClosed
		case _, ok := <-e.rx.MessagesReady():
			if !ok {
				return errors.ErrEngineClosed
			}
			for {
				o, ok := e.rx.TryRecvMessage()
				if !ok {
					break
				}
				e.dispatch(o)
			}
		case _, ok := <-e.rx.TimestampsReady():
			if !ok {
				return errors.ErrEngineClosed
			}
			for {
				ts, ok := e.rx.TryRecvTimestamp()
				if !ok {
					break
				}
				e.sendTimestamp(ts)
			}
		}
	}
}

// Acceptは、リスナーが受け付けてハンドシェイクを完了したセッションを登録します。
//
// ピアへの送信用セッションがまだない場合は、このセッションが送信にも使用されます。
func (e *Engine) Accept(conn Conn) error {
	peer := conn.Remote().Hash()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		conn.Close()
		return errors.ErrEngineClosed
	}
	s := e.newSessionLocked(peer)
	s.conn = conn
	if _, ok := e.sessions[peer]; !ok {
		e.sessions[peer] = s
	}
	e.wg.Add(2)
	e.mu.Unlock()

	e.logger.Infof(s.logCtx, "Accepted %s session from %s", e.kind, peer.Short())
	go e.readLoop(s)
	go e.writeLoop(s)
	return nil
}

// Connectedは、ピアとのセッションが確立済みかどうかを返却します。
func (e *Engine) Connected(peer router.Hash) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[peer]
	return ok && s.conn != nil
}

// Sessionsは、確立中を含むセッション数を返却します。
func (e *Engine) Sessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.live)
}

// ClockOffsetは、ピアから最後に受信したタイムスタンプと自身の時刻の差を返却します。
func (e *Engine) ClockOffset(peer router.Hash) (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.offsets[peer]
	return d, ok
}

// Closeは、すべてのセッションを閉じ、Engineを終了します。
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		live := make([]*session, 0, len(e.live))
		for s := range e.live {
			live = append(live, s)
		}
		e.mu.Unlock()

		e.cancel()
		e.rx.Close()
		for _, s := range live {
			e.remove(s, nil)
		}
		e.wg.Wait()
		e.inbound.Close()
	})
	return nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) newSessionLocked(peer router.Hash) *session {
	ctx, cancel := context.WithCancel(e.ctx)
	s := &session{
		peer:   peer,
		out:    queue.New[Frame](e.queueConfig),
		ctx:    ctx,
		cancel: cancel,
		logCtx: log.WithPeer(log.WithSessionID(context.Background()), peer.Short()),
	}
	e.live[s] = struct{}{}
	return s
}

func (e *Engine) dispatch(o transport.Outbound) {
	if o.Peer == nil || o.Message == nil {
		return
	}
	if o.Message.Expired(Now()) {
		e.logger.Debugf(e.ctx, "Dropped expired message %v for %s", o.Message, o.Peer.Hash().Short())
		return
	}
	rctx := e.rctx.Load()
	if rctx == nil {
		e.logger.Errorf(e.ctx, "Dropped message %v: router context is not set", o.Message)
		return
	}
	peer := o.Peer.Hash()
	if peer == rctx.Hash() {
		e.logger.Warnf(e.ctx, "Dropped message %v addressed to self", o.Message)
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	s, ok := e.sessions[peer]
	if !ok {
		s = e.newSessionLocked(peer)
		e.sessions[peer] = s
		e.wg.Add(1)
		go e.dial(s, rctx, o.Peer)
	}
	e.mu.Unlock()

	if err := s.out.Push(MessageFrame(o.Message)); err != nil {
		e.logger.Warnf(s.logCtx, "Dropped message %v for %s: %v", o.Message, peer.Short(), err)
	}
}

func (e *Engine) sendTimestamp(ts transport.TimestampObservation) {
	if ts.Peer == nil {
		return
	}
	peer := ts.Peer.Hash()
	e.mu.Lock()
	s, ok := e.sessions[peer]
	connected := ok && s.conn != nil
	e.mu.Unlock()
	if !connected {
		e.logger.Debugf(e.ctx, "Dropped timestamp for %s: no session", peer.Short())
		return
	}
	if err := s.out.Push(TimestampFrame(ts.Value)); err != nil {
		e.logger.Debugf(s.logCtx, "Dropped timestamp for %s: %v", peer.Short(), err)
	}
}

func (e *Engine) dial(s *session, rctx *router.Context, peer *router.RouterInfo) {
	defer e.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, e.dialTimeout)
	conn, err := e.dialer.Dial(ctx, rctx, peer)
	cancel()
	if err != nil {
		e.remove(s, errors.Errorf("dial: %w", err))
		return
	}

	e.mu.Lock()
	if e.closed || s.ctx.Err() != nil {
		e.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	e.wg.Add(1)
	e.mu.Unlock()

	e.logger.Infof(s.logCtx, "Established %s session to %s", e.kind, s.peer.Short())
	go e.readLoop(s)
	e.writeLoop(s)
}

func (e *Engine) readLoop(s *session) {
	defer e.wg.Done()
	for {
		f, err := s.conn.ReadFrame()
		if err != nil {
			e.remove(s, errors.Errorf("read: %w", err))
			return
		}
		switch f.Type {
		case FrameMessage:
			e.logger.Debugf(log.WithMessageID(s.logCtx, f.Message.ID), "Received %v from %s", f.Message, s.peer.Short())
			if err := e.inbound.Push(transport.Inbound{Kind: e.kind, From: s.peer, Message: f.Message}); err != nil {
				e.remove(s, nil)
				return
			}
		case FrameTimestamp:
			offset := time.Unix(int64(f.Timestamp), 0).Sub(Now())
			e.mu.Lock()
			e.offsets[s.peer] = offset
			e.mu.Unlock()
		}
	}
}

func (e *Engine) writeLoop(s *session) {
	defer e.wg.Done()
	for {
		f, err := s.out.Pop(s.ctx)
		if err != nil {
			return
		}
		err = s.conn.WriteFrame(f)
		if errors.Is(err, errors.ErrMalformedMessage) {
			// エンコードできないフレームは書き込み前に失敗するため、セッションは継続します。
			e.logger.Warnf(s.logCtx, "Dropped frame %v for %s: %v", f.Message, s.peer.Short(), err)
			continue
		}
		if err != nil {
			e.remove(s, errors.Errorf("write: %w", err))
			return
		}
	}
}

// removeは、セッションを閉じてテーブルから削除します。errがnilの場合は正常な終了です。
func (e *Engine) remove(s *session, err error) {
	s.once.Do(func() {
		e.mu.Lock()
		if cur, ok := e.sessions[s.peer]; ok && cur == s {
			delete(e.sessions, s.peer)
		}
		delete(e.live, s)
		conn := s.conn
		e.mu.Unlock()

		s.cancel()
		if conn != nil {
			conn.Close()
		}
		pending := s.out.Len()
		s.out.Close()

		switch {
		case err == nil:
			e.logger.Debugf(s.logCtx, "Closed %s session with %s", e.kind, s.peer.Short())
		case pending > 0:
			e.logger.Warnf(s.logCtx, "Closed %s session with %s, dropped %d pending frames: %v", e.kind, s.peer.Short(), pending, err)
		default:
			e.logger.Infof(s.logCtx, "Closed %s session with %s: %v", e.kind, s.peer.Short(), err)
		}
	})
}
