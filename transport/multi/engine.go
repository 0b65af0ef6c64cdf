package multi

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aptpod/routerlink-go/errors"
	"github.com/aptpod/routerlink-go/internal/queue"
	"github.com/aptpod/routerlink-go/internal/retry"
	"github.com/aptpod/routerlink-go/log"
	"github.com/aptpod/routerlink-go/router"
	"github.com/aptpod/routerlink-go/transport"
	"github.com/aptpod/routerlink-go/transport/metrics"
)

// DefaultMaxRestartsは、SupervisorConfig.MaxRestartsのデフォルト値です。
const DefaultMaxRestarts = 3

// SupervisorConfigは、トランスポートごとの受信ループの監視設定です。
type SupervisorConfig struct {
	// MaxRestartsは、受信ループを再起動する最大回数です。0の場合は再起動しません。
	MaxRestarts int
	// BaseIntervalは、再起動までの基準待機時間です。0の場合は100ミリ秒です。
	BaseInterval time.Duration
	// MaxIntervalは、再起動までの最大基準待機時間です。0の場合は5秒です。
	MaxInterval time.Duration
}

// DefaultSupervisorConfigは、デフォルトの監視設定を返却します。
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{MaxRestarts: DefaultMaxRestarts}
}

// BranchStatusは、トランスポートごとの受信ループの状態です。
type BranchStatus int

const (
	// BranchStarting は受信ループが開始前の状態です。
	BranchStarting BranchStatus = iota
	// BranchRunning は受信ループが動作中の状態です。
	BranchRunning
	// BranchRestarting は受信ループが失敗し、再起動を待っている状態です。
	BranchRestarting
	// BranchDown は受信ループが停止し、再起動しない状態です。
	BranchDown
	// BranchStopped は Engine の終了により受信ループが停止した状態です。
	BranchStopped
)

func (s BranchStatus) String() string {
	switch s {
	case BranchStarting:
		return "Starting"
	case BranchRunning:
		return "Running"
	case BranchRestarting:
		return "Restarting"
	case BranchDown:
		return "Down"
	case BranchStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("UnknownStatus(%d)", int(s))
	}
}

// Branchは、Engineがまとめるトランスポートのエンジンです。
type Branch struct {
	Kind   transport.Kind
	Engine transport.Engine
}

// EngineConfigは、Engineの設定です。
type EngineConfig struct {
	Supervisor SupervisorConfig
	Logger     log.Logger
	Metrics    metrics.Collector
}

// Engineは、複数のトランスポートのエンジンをまとめ、受信メッセージをハンドラーへ渡します。
type Engine struct {
	branches   []Branch
	handler    router.InboundMessageHandler
	merged     *queue.Queue[transport.Inbound]
	supervisor SupervisorConfig
	logger     log.Logger
	metrics    metrics.Collector

	running atomic.Bool

	mu     sync.RWMutex
	status map[transport.Kind]BranchStatus
}

// NewEngineは、Engineを返却します。handlerがnilの場合、受信メッセージは破棄されます。
func NewEngine(branches []Branch, handler router.InboundMessageHandler, c EngineConfig) *Engine {
	if c.Logger == nil {
		c.Logger = log.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewNop()
	}
	status := make(map[transport.Kind]BranchStatus, len(branches))
	for _, b := range branches {
		status[b.Kind] = BranchStarting
	}
	return &Engine{
		branches:   branches,
		handler:    handler,
		merged:     queue.New[transport.Inbound](queue.Config{}),
		supervisor: c.Supervisor,
		logger:     c.Logger,
		metrics:    c.Metrics,
		status:     status,
	}
}

// Statusは、トランスポートごとの受信ループの状態を返却します。
func (e *Engine) Status() map[transport.Kind]BranchStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	res := make(map[transport.Kind]BranchStatus, len(e.status))
	for k, v := range e.status {
		res[k] = v
	}
	return res
}

/*
Runは、ctxが終了するまで受信メッセージをハンドラーへ渡します。

ctxの終了による場合はnilを返却します。
すべてのトランスポートの受信ループが停止した場合は、各ループのエラーと errors.ErrAllTransportsDown を結合したエラーを返却します。
Runは1度だけ呼び出すことができます。
*/
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}
	e.logger.Infof(ctx, "Starting engine with %d transports", len(e.branches))
	defer e.logger.Infof(ctx, "Stopping engine")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		errs    = make([]error, len(e.branches))
		down    atomic.Int32
		allDown = make(chan struct{})
	)
	if len(e.branches) == 0 {
		close(allDown)
	}
	for i, b := range e.branches {
		i, b := i, b
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = e.supervise(ctx, b)
			if ctx.Err() == nil && int(down.Add(1)) == len(e.branches) {
				close(allDown)
			}
		}()
	}
	defer e.merged.Close()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-allDown:
			wg.Wait()
			e.drain()
			return errors.Join(append([]error{errors.ErrAllTransportsDown}, errs...)...)
		case <-e.merged.Ready():
			e.drain()
		}
	}
}

func (e *Engine) drain() {
	for {
		in, ok := e.merged.TryPop()
		if !ok {
			return
		}
		e.dispatch(in)
	}
}

func (e *Engine) dispatch(in transport.Inbound) {
	if e.handler == nil {
		e.logger.Debugf(context.Background(), "Dropped %v from %s: no handler", in.Message, in.From.Short())
		return
	}
	e.handler.Handle(in.From, in.Message)
}

func (e *Engine) setStatus(kind transport.Kind, s BranchStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status[kind] = s
}

// superviseは、ブランチを実行し、失敗した場合は再起動します。ctxの終了による停止の場合はnilを返却します。
//
// transport.Server のServeは受信ループの再起動をまたいで動作し続け、superviseの終了時に停止します。
func (e *Engine) supervise(ctx context.Context, b Branch) error {
	bctx, cancel := context.WithCancel(ctx)
	var (
		serving  chan struct{}
		serveErr error
	)
	srv, isServer := b.Engine.(transport.Server)
	defer func() {
		cancel()
		if serving != nil {
			<-serving
		}
	}()

	var lastErr error
	run := func() (end bool) {
		if isServer && (serving == nil || isDone(serving)) {
			done := make(chan struct{})
			serving = done
			go func() {
				defer close(done)
				serveErr = srv.Serve(bctx)
			}()
		}
		err := e.runBranch(ctx, b, serving)
		if serving != nil && isDone(serving) && serveErr != nil {
			err = serveErr
		}
		if ctx.Err() != nil {
			return true
		}
		lastErr = err
		if errors.Is(err, errors.ErrEngineClosed) {
			return true
		}
		e.setStatus(b.Kind, BranchRestarting)
		e.logger.Warnf(ctx, "%s engine failed: %v", b.Kind, err)
		return false
	}

	if e.supervisor.MaxRestarts <= 0 {
		run()
	} else {
		r := retry.Retry{
			MaxAttempt:      e.supervisor.MaxRestarts,
			BaseInterval:    e.supervisor.BaseInterval,
			MaxBaseInterval: e.supervisor.MaxInterval,
		}
		r.DoContext(ctx, run)
	}

	if ctx.Err() != nil {
		e.setStatus(b.Kind, BranchStopped)
		return nil
	}
	e.setStatus(b.Kind, BranchDown)
	e.metrics.BranchDown(b.Kind.String())
	e.logger.Errorf(ctx, "%s engine is down: %v", b.Kind, lastErr)
	return errors.Errorf("%s: %w", b.Kind, lastErr)
}

// runBranchは、ブランチの受信ループを実行し、受信が失敗するかservingが閉じられた時点のエラーを返却します。
func (e *Engine) runBranch(ctx context.Context, b Branch, serving <-chan struct{}) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-serving:
			cancel()
		case <-ctx.Done():
		}
	}()

	e.setStatus(b.Kind, BranchRunning)
	for {
		in, err := b.Engine.Recv(ctx)
		if err != nil {
			return err
		}
		in.Kind = b.Kind
		e.metrics.Inbound(b.Kind.String())
		if err := e.merged.Push(in); err != nil {
			return err
		}
	}
}

func isDone(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
