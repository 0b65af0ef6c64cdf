package session

import (
	"context"

	"github.com/aptpod/routerlink-go/router"
)

// Connは、ハンドシェイクが完了したピアとのセッションです。
//
// ReadFrameは単一のゴルーチンから、WriteFrameは単一のゴルーチンから呼び出されます。
type Conn interface {
	// Remoteは、認証済みのピアのRouterInfoを返却します。
	Remote() *router.RouterInfo
	// ReadFrameは、フレームを1つ読み込みます。
	ReadFrame() (Frame, error)
	// WriteFrameは、フレームを1つ書き込みます。
	WriteFrame(Frame) error
	// Closeは、セッションを閉じます。
	Close() error
}

// Dialerは、ピアへのセッションを確立します。
type Dialer interface {
	Dial(ctx context.Context, rctx *router.Context, peer *router.RouterInfo) (Conn, error)
}

// DialerFuncは、関数をDialerとして扱うためのアダプターです。
type DialerFunc func(ctx context.Context, rctx *router.Context, peer *router.RouterInfo) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, rctx *router.Context, peer *router.RouterInfo) (Conn, error) {
	return f(ctx, rctx, peer)
}
