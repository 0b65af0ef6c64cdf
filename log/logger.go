package log

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Loggerは、routerlink-go内で使用するロガーインターフェースです。
type Logger interface {
	Infof(context.Context, string, ...interface{})
	Warnf(context.Context, string, ...interface{})
	Errorf(context.Context, string, ...interface{})
	Debugf(context.Context, string, ...interface{})
}

type contextKey int

const (
	sessionIDKey contextKey = iota
	peerKey
	messageIDKey
)

// WithSessionIDは、新たにセッションIDを採番しコンテキストにセットします。
//
// セッションIDは接続を受け付けた時、またはセッションを生成した時にセットします。
// ここで設定されたセッションIDは常にログ出力します。
func WithSessionID(ctx context.Context) context.Context {
	return context.WithValue(ctx, sessionIDKey, uuid.NewString())
}

// SessionIDは、コンテキストにセットされたセッションIDを取得します。
func SessionID(ctx context.Context) string {
	v, _ := ctx.Value(sessionIDKey).(string)
	return v
}

// WithPeerは、セッションの相手ルーターをコンテキストにセットします。
func WithPeer(ctx context.Context, peer string) context.Context {
	return context.WithValue(ctx, peerKey, peer)
}

// Peerは、コンテキストにセットされた相手ルーターを取得します。
func Peer(ctx context.Context) string {
	v, _ := ctx.Value(peerKey).(string)
	return v
}

// WithMessageIDは、受信したメッセージのIDをコンテキストにセットします。
func WithMessageID(ctx context.Context, id uint32) context.Context {
	return context.WithValue(ctx, messageIDKey, fmt.Sprintf("%08x", id))
}

// MessageIDは、コンテキストにセットされたメッセージIDを取得します。
func MessageID(ctx context.Context) string {
	v, _ := ctx.Value(messageIDKey).(string)
	return v
}

type field struct {
	key, value string
}

func fields(ctx context.Context) []field {
	res := make([]field, 0, 3)
	if v := SessionID(ctx); v != "" {
		res = append(res, field{"session_id", v})
	}
	if v := Peer(ctx); v != "" {
		res = append(res, field{"peer", v})
	}
	if v := MessageID(ctx); v != "" {
		res = append(res, field{"message_id", v})
	}
	return res
}
