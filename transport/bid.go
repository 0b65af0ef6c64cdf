package transport

import (
	"sync/atomic"

	"github.com/aptpod/routerlink-go/errors"
	"github.com/aptpod/routerlink-go/message"
	"github.com/aptpod/routerlink-go/router"
)

// Bidは、トランスポートが提示したメッセージ1件分の送信コストです。
//
// Bidは送信の度に生成され、Sendを1回だけ受け付けます。
// Sendの完了はキューへの格納を意味し、送信完了は意味しません。
type Bid struct {
	Kind Kind   // 入札したトランスポート
	Cost uint32 // コスト。小さいほど安価です。1回の送信判断の中でのみ比較できます。

	handle Handle
	used   *atomic.Bool
}

// NewBidは、handleへ1件だけ送信するBidを返却します。
func NewBid(kind Kind, cost uint32, handle Handle) Bid {
	return Bid{
		Kind:   kind,
		Cost:   cost,
		handle: handle,
		used:   &atomic.Bool{},
	}
}

// Sendは、ピアとメッセージを入札したトランスポートのキューへ渡します。
//
// 2回目以降の呼び出しは errors.ErrBidConsumed を返却します。
func (b Bid) Send(peer *router.RouterInfo, msg *message.Message) error {
	if b.used == nil || b.used.Swap(true) {
		return errors.ErrBidConsumed
	}
	return b.handle.Send(peer, msg)
}
