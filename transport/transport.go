package transport

import (
	"context"
	"net"

	"github.com/aptpod/routerlink-go/message"
	"github.com/aptpod/routerlink-go/router"
)

// Inboundは、トランスポートが受信したメッセージです。
type Inbound struct {
	Kind    Kind        // 受信したトランスポート
	From    router.Hash // 送信元ルーター
	Message *message.Message
}

/*
Transport は、マネージャーが入札を問い合わせるトランスポートのインターフェースです。
*/
type Transport interface {
	// Kindは、トランスポート種別を返却します。
	Kind() Kind

	// Addressは、公開する接続先情報を返却します。接続状態には依存しません。
	Address() router.RouterAddress

	// Sizeは、このトランスポートでエンコードした場合のメッセージのバイト数を返却します。
	Size(msg *message.Message) int

	// Bidは、ピアへsizeバイトのメッセージを送信する場合のコストを返却します。
	//
	// 送信できない場合はokがfalseです。
	Bid(peer *router.RouterInfo, size int) (bid Bid, ok bool)

	// Listenは、接続の受け付けを開始するためのリスナーを返却します。
	//
	// アドレスのバインドはこの呼び出しの中で行われ、接続の受け付けはListener.Serveで行われます。
	Listen(ctx context.Context, rctx *router.Context) (Listener, error)
}

// Listenerは、着信接続を受け付けるリスナーです。
type Listener interface {
	// Addrは、バインドしたアドレスを返却します。
	Addr() net.Addr
	// Serveは、Closeされるまで接続を受け付けます。Closeによる終了の場合はnilを返却します。
	Serve() error
	// Closeは、リスナーを閉じます。
	Close() error
}

// Engineは、トランスポートの受信メッセージのストリームです。
type Engine interface {
	// SetContextは、ハンドシェイクで使用するルーターコンテキストを設定します。
	SetContext(rctx *router.Context)

	// Recvは、受信メッセージを1件返却します。受信メッセージがない場合はブロックします。
	//
	// エンジンが閉じられた場合は errors.ErrEngineClosed を返却します。
	Recv(ctx context.Context) (Inbound, error)
}

// Serverは、送信処理を自身で駆動するEngineが実装するインターフェースです。
type Server interface {
	// Serveは、ctxが終了するまで送信キューを処理します。
	Serve(ctx context.Context) error
}

// Pairは、トランスポートと、まだ開始されていないEngineの組です。
type Pair struct {
	Transport Transport
	Engine    Engine
}
