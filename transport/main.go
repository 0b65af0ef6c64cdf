/*
Package transport は、ルーターが使用するトランスポートの共通インターフェースをまとめたパッケージです。

トランスポートは Kind で識別される閉じた集合であり、マネージャーは登録順にすべてのトランスポートへ入札を問い合わせます。
送信は Handle のキューへ積まれ、各トランスポートの Engine が実際の送受信を行います。
*/
package transport

import "fmt"

// Kindは、トランスポート種別です。
type Kind int

const (
	// WebSocketトランスポート
	KindWebSocket Kind = iota
	// Noise(XK)over TCPトランスポート
	KindNoise
	// QUICトランスポート
	KindQUIC
)

// Kindsは、すべてのトランスポート種別を登録順に返却します。
func Kinds() []Kind {
	return []Kind{KindWebSocket, KindNoise, KindQUIC}
}

func (k Kind) String() string {
	switch k {
	case KindWebSocket:
		return "websocket"
	case KindNoise:
		return "noise"
	case KindQUIC:
		return "quic"
	default:
		return fmt.Sprintf("UnknownKind(%d)", int(k))
	}
}

// Styleは、RouterAddressで公開するスタイル名を返却します。
func (k Kind) Style() string {
	return k.String()
}
