// Package queue は、複数の送信者と単一の受信者で使用する順序付きキューを提供します。
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/aptpod/routerlink-go/errors"
)

// Policyは、キューが上限に達した場合の振る舞いです。
type Policy int

const (
	// PolicyUnboundedは、上限を設けません。Limitは無視されます。
	PolicyUnbounded Policy = iota
	// PolicyDropOldestは、上限に達した場合に最も古い要素を破棄して追加します。
	PolicyDropOldest
	// PolicyRejectは、上限に達した場合に errors.ErrQueueFull を返却します。
	PolicyReject
)

func (p Policy) String() string {
	switch p {
	case PolicyUnbounded:
		return "unbounded"
	case PolicyDropOldest:
		return "drop-oldest"
	case PolicyReject:
		return "reject"
	default:
		return fmt.Sprintf("UnknownPolicy(%d)", int(p))
	}
}

// ParsePolicyは、文字列からPolicyを返却します。空文字列はPolicyUnboundedです。
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "unbounded":
		return PolicyUnbounded, nil
	case "drop-oldest", "drop_oldest":
		return PolicyDropOldest, nil
	case "reject":
		return PolicyReject, nil
	}
	return 0, errors.Errorf("unknown queue policy %q: %w", s, errors.ErrInvalidConfig)
}

// Configは、キューの設定です。
type Config struct {
	// Limitは、キューに保持できる最大要素数です。0以下の場合は上限なしです。
	Limit int
	// Policyは、上限に達した場合の振る舞いです。
	Policy Policy
}

func (c Config) bounded() bool {
	return c.Policy != PolicyUnbounded && c.Limit > 0
}

// Queueは、FIFOのキューです。
//
// Pushは複数のゴルーチンから同時に呼び出せますが、受信(Pop/TryPop)は単一のゴルーチンから行う必要があります。
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	closed  bool
	dropped uint64
	ready   chan struct{}
	cfg     Config
}

// Newは、Queueを返却します。
func New[T any](cfg Config) *Queue[T] {
	return &Queue[T]{
		ready: make(chan struct{}, 1),
		cfg:   cfg,
	}
}

// Pushは、要素をキューへ追加します。ブロックしません。
func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.ErrQueueClosed
	}
	if q.cfg.bounded() && len(q.items) >= q.cfg.Limit {
		switch q.cfg.Policy {
		case PolicyReject:
			return errors.ErrQueueFull
		case PolicyDropOldest:
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.dropped++
		}
	}
	q.items = append(q.items, v)
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// TryPopは、キューの先頭要素を取り出します。キューが空の場合はokがfalseです。
func (q *Queue[T]) TryPop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue[T]) popLocked() (v T, ok bool) {
	if len(q.items) == 0 {
		return v, false
	}
	var zero T
	v = q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return v, true
}

// Popは、キューの先頭要素を取り出します。キューが空の場合は要素が追加されるまでブロックします。
//
// キューが閉じられた場合は errors.ErrQueueClosed を返却します。
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			var zero T
			return zero, errors.ErrQueueClosed
		}
		v, ok := q.popLocked()
		q.mu.Unlock()
		if ok {
			return v, nil
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-q.ready:
		}
	}
}

// Readyは、要素が追加された可能性があることを通知するチャンネルを返却します。
//
// 通知を受け取った後はTryPopで要素を取り出します。キューが閉じられるとチャンネルも閉じられます。
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

// Closeは、キューを閉じます。保持している要素は破棄されます。
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.ready)
}

// Closedは、キューが閉じられているかどうかを返却します。
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Lenは、キューに保持されている要素数を返却します。
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Droppedは、PolicyDropOldestによって破棄された要素数を返却します。
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
