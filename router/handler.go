package router

import "github.com/aptpod/routerlink-go/message"

//go:generate mockgen -destination ./${GOPACKAGE}mock/${GOFILE} -package ${GOPACKAGE}mock -source ./${GOFILE}

// InboundMessageHandlerは、トランスポートが受信したメッセージを処理するハンドラーです。
//
// Handleはノンブロッキングであるか、内部でバッファリングする必要があります。
type InboundMessageHandler interface {
	Handle(from Hash, msg *message.Message)
}

// HandlerFuncは、関数をInboundMessageHandlerとして扱うためのアダプターです。
type HandlerFunc func(from Hash, msg *message.Message)

func (f HandlerFunc) Handle(from Hash, msg *message.Message) {
	f(from, msg)
}
