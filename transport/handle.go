package transport

import (
	"context"

	"github.com/aptpod/routerlink-go/errors"
	"github.com/aptpod/routerlink-go/internal/queue"
	"github.com/aptpod/routerlink-go/message"
	"github.com/aptpod/routerlink-go/router"
)

// QueuePolicyは、キューが上限に達した場合の振る舞いです。
type QueuePolicy = queue.Policy

const (
	// QueuePolicyUnboundedは、キューに上限を設けません。デフォルトです。
	QueuePolicyUnbounded = queue.PolicyUnbounded
	// QueuePolicyDropOldestは、上限に達した場合に最も古い要素を破棄します。
	QueuePolicyDropOldest = queue.PolicyDropOldest
	// QueuePolicyRejectは、上限に達した場合に errors.ErrQueueFull を返却します。
	QueuePolicyReject = queue.PolicyReject
)

// ParseQueuePolicyは、文字列からQueuePolicyを返却します。
func ParseQueuePolicy(s string) (QueuePolicy, error) {
	return queue.ParsePolicy(s)
}

// QueueConfigは、Handleが使用するキューの設定です。
//
// ゼロ値は上限なしです。
type QueueConfig struct {
	Limit  int
	Policy QueuePolicy
}

func (c QueueConfig) queueConfig() queue.Config {
	return queue.Config{Limit: c.Limit, Policy: c.Policy}
}

// Outboundは、送信待ちのメッセージです。
type Outbound struct {
	Peer    *router.RouterInfo
	Message *message.Message
}

// TimestampObservationは、ピアへ通知する時刻です。値はUnix秒です。
type TimestampObservation struct {
	Peer  *router.RouterInfo
	Value uint32
}

// Handleは、トランスポートへメッセージを渡すためのノンブロッキングな送信口です。
//
// Handleは値としてコピーでき、コピーはすべて同じキューを共有します。
type Handle struct {
	messages   *queue.Queue[Outbound]
	timestamps *queue.Queue[TimestampObservation]
}

// Receiverは、Handleへ送信された要素を受信する唯一の受信口です。
type Receiver struct {
	messages   *queue.Queue[Outbound]
	timestamps *queue.Queue[TimestampObservation]
}

// NewHandleは、HandleとReceiverの組を返却します。
//
// メッセージとタイムスタンプはそれぞれ独立したキューを持ちます。
func NewHandle(c QueueConfig) (Handle, *Receiver) {
	msgs := queue.New[Outbound](c.queueConfig())
	tss := queue.New[TimestampObservation](c.queueConfig())
	return Handle{messages: msgs, timestamps: tss}, &Receiver{messages: msgs, timestamps: tss}
}

// Sendは、ピア宛のメッセージをキューへ積みます。ブロックしません。
//
// Receiverが閉じられている場合は errors.ErrQueueClosed を返却します。
func (h Handle) Send(peer *router.RouterInfo, msg *message.Message) error {
	if h.messages == nil {
		return errors.ErrQueueClosed
	}
	if err := h.messages.Push(Outbound{Peer: peer, Message: msg}); err != nil {
		return errors.Errorf("send message: %w", err)
	}
	return nil
}

// Timestampは、ピアへ通知する時刻をキューへ積みます。ブロックしません。
func (h Handle) Timestamp(peer *router.RouterInfo, ts uint32) error {
	if h.timestamps == nil {
		return errors.ErrQueueClosed
	}
	if err := h.timestamps.Push(TimestampObservation{Peer: peer, Value: ts}); err != nil {
		return errors.Errorf("send timestamp: %w", err)
	}
	return nil
}

// RecvMessageは、メッセージを受信します。キューが空の場合はブロックします。
func (r *Receiver) RecvMessage(ctx context.Context) (Outbound, error) {
	return r.messages.Pop(ctx)
}

// TryRecvMessageは、メッセージを受信します。キューが空の場合はokがfalseです。
func (r *Receiver) TryRecvMessage() (Outbound, bool) {
	return r.messages.TryPop()
}

// MessagesReadyは、メッセージが追加された可能性を通知するチャンネルを返却します。
func (r *Receiver) MessagesReady() <-chan struct{} {
	return r.messages.Ready()
}

// RecvTimestampは、タイムスタンプを受信します。キューが空の場合はブロックします。
func (r *Receiver) RecvTimestamp(ctx context.Context) (TimestampObservation, error) {
	return r.timestamps.Pop(ctx)
}

// TryRecvTimestampは、タイムスタンプを受信します。キューが空の場合はokがfalseです。
func (r *Receiver) TryRecvTimestamp() (TimestampObservation, bool) {
	return r.timestamps.TryPop()
}

// TimestampsReadyは、タイムスタンプが追加された可能性を通知するチャンネルを返却します。
func (r *Receiver) TimestampsReady() <-chan struct{} {
	return r.timestamps.Ready()
}

// Pendingは、受信待ちのメッセージ数とタイムスタンプ数を返却します。
func (r *Receiver) Pending() (messages, timestamps int) {
	return r.messages.Len(), r.timestamps.Len()
}

// Droppedは、上限によって破棄されたメッセージ数を返却します。
func (r *Receiver) Dropped() uint64 {
	return r.messages.Dropped()
}

// Closeは、受信口を閉じます。以降のHandleへの送信は errors.ErrQueueClosed になります。
func (r *Receiver) Close() {
	r.messages.Close()
	r.timestamps.Close()
}
