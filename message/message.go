/*
Package message は、ルーター間でやり取りするワイヤーメッセージを定義するパッケージです。

メッセージは標準ヘッダー(16バイト)と短縮ヘッダー(9バイト)の2種類のエンコードを持ちます。
トランスポートはどちらのエンコードを使用するかによって、同じメッセージを異なるサイズとして扱います。
*/
package message

import (
	"fmt"
	"math/rand"
	"time"
)

const (
	// StandardHeaderSizeは、標準ヘッダーのバイト数です。
	StandardHeaderSize = 16
	// ShortHeaderSizeは、短縮ヘッダーのバイト数です。
	ShortHeaderSize = 9
	// MaxPayloadSizeは、標準ヘッダーで表現できるペイロードの最大バイト数です。
	MaxPayloadSize = 65535

	// DefaultExpirationは、Newで生成したメッセージの有効期間です。
	DefaultExpiration = time.Minute
)

// Typeは、メッセージ種別です。
type Type uint8

const (
	TypeDatabaseStore            Type = 1
	TypeDatabaseLookup           Type = 2
	TypeDatabaseSearchReply      Type = 3
	TypeDeliveryStatus           Type = 10
	TypeGarlic                   Type = 11
	TypeTunnelData               Type = 18
	TypeTunnelGateway            Type = 19
	TypeData                     Type = 20
	TypeTunnelBuild              Type = 21
	TypeTunnelBuildReply         Type = 22
	TypeVariableTunnelBuild      Type = 23
	TypeVariableTunnelBuildReply Type = 24
)

func (t Type) String() string {
	switch t {
	case TypeDatabaseStore:
		return "DatabaseStore"
	case TypeDatabaseLookup:
		return "DatabaseLookup"
	case TypeDatabaseSearchReply:
		return "DatabaseSearchReply"
	case TypeDeliveryStatus:
		return "DeliveryStatus"
	case TypeGarlic:
		return "Garlic"
	case TypeTunnelData:
		return "TunnelData"
	case TypeTunnelGateway:
		return "TunnelGateway"
	case TypeData:
		return "Data"
	case TypeTunnelBuild:
		return "TunnelBuild"
	case TypeTunnelBuildReply:
		return "TunnelBuildReply"
	case TypeVariableTunnelBuild:
		return "VariableTunnelBuild"
	case TypeVariableTunnelBuildReply:
		return "VariableTunnelBuildReply"
	default:
		return fmt.Sprintf("UnknownType(%d)", uint8(t))
	}
}

// Messageは、ルーター間でやり取りするメッセージです。
//
// このパッケージはペイロードの内容を解釈しません。
type Message struct {
	Type       Type      // メッセージ種別
	ID         uint32    // メッセージID
	Expiration time.Time // 有効期限
	Payload    []byte    // ペイロード
}

// Now は message内で利用する現在時刻関数です。
var Now = time.Now

// Newは、ランダムなメッセージIDと DefaultExpiration 後の有効期限を持つメッセージを返却します。
func New(t Type, payload []byte) *Message {
	return &Message{
		Type:       t,
		ID:         rand.Uint32(),
		Expiration: Now().Add(DefaultExpiration).Truncate(time.Millisecond),
		Payload:    payload,
	}
}

// Sizeは、標準ヘッダーでエンコードした場合のバイト数を返却します。
func (m *Message) Size() int {
	return StandardHeaderSize + len(m.Payload)
}

// ShortSizeは、短縮ヘッダーでエンコードした場合のバイト数を返却します。
func (m *Message) ShortSize() int {
	return ShortHeaderSize + len(m.Payload)
}

// Expiredは、tの時点でメッセージが有効期限切れかどうかを返却します。
func (m *Message) Expired(t time.Time) bool {
	return !m.Expiration.IsZero() && t.After(m.Expiration)
}

func (m *Message) String() string {
	return fmt.Sprintf("%s(id=%d, payload=%dB)", m.Type, m.ID, len(m.Payload))
}
