package router

// Contextは、トランスポートが開始時に受け取るルーターの共有情報です。
//
// ハンドシェイクでの認証に使用する鍵と、受信メッセージのハンドラーを保持します。
type Context struct {
	Keys       *SecretKeys           // ルーターの秘密鍵
	RouterInfo *RouterInfo           // ルーター自身の公開情報
	MsgHandler InboundMessageHandler // 受信メッセージのハンドラー
}

// NewContextは、Contextを返却します。
func NewContext(keys *SecretKeys, ri *RouterInfo, h InboundMessageHandler) *Context {
	return &Context{
		Keys:       keys,
		RouterInfo: ri,
		MsgHandler: h,
	}
}

// Hashは、ルーター自身のハッシュを返却します。
func (c *Context) Hash() Hash {
	return c.Keys.Identity.Hash()
}
