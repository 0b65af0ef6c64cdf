package session

import (
	"bytes"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/aptpod/routerlink-go/errors"
	"github.com/aptpod/routerlink-go/router"
)

// MaxClockSkewは、ハンドシェイクで許容する時刻のずれです。
const MaxClockSkew = 60 * time.Second

const helloSignaturePrefix = "routerlink-hello:"

// Now は session内で利用する現在時刻関数です。
var Now = time.Now

// MessageReadWriterは、メッセージ単位で読み書きできるコネクションです。
type MessageReadWriter interface {
	ReadMessage() ([]byte, error)
	WriteMessage([]byte) error
}

type hello struct {
	RouterInfo []byte `cbor:"1,keyasint"`
	Time       int64  `cbor:"2,keyasint"`
	Nonce      []byte `cbor:"3,keyasint"`
}

type proof struct {
	Signature []byte `cbor:"1,keyasint"`
}

/*
Handshakeは、署名付きのhelloを交換してピアを認証します。

双方が同時に以下を送信します。

 1. hello: 自身のRouterInfo、現在時刻、ノンス
 2. proof: 相手のノンス、自身のノンス、相手のハッシュ、prologueに対する署名

expectがnilでない場合、ピアのハッシュがexpectと一致することを確認します。
*/
func Handshake(rw MessageReadWriter, rctx *router.Context, prologue string, expect *router.RouterInfo) (*router.RouterInfo, error) {
	if rctx == nil || rctx.Keys == nil || rctx.RouterInfo == nil {
		return nil, errors.Errorf("router context is not set: %w", errors.ErrHandshake)
	}
	local, err := rctx.RouterInfo.MarshalBinary()
	if err != nil {
		return nil, errors.Errorf("encode local router info: %w", err)
	}
	nonce := uuid.New()
	bs, err := cbor.Marshal(&hello{
		RouterInfo: local,
		Time:       Now().UnixMilli(),
		Nonce:      nonce[:],
	})
	if err != nil {
		return nil, errors.Errorf("encode hello: %w", err)
	}
	if err := rw.WriteMessage(bs); err != nil {
		return nil, errors.Errorf("write hello: %w", err)
	}

	peer, peerNonce, err := readHello(rw, rctx, expect)
	if err != nil {
		return nil, err
	}

	sig := rctx.Keys.Sign(transcript(prologue, peerNonce, nonce[:], peer.Hash()))
	bs, err = cbor.Marshal(&proof{Signature: sig})
	if err != nil {
		return nil, errors.Errorf("encode proof: %w", err)
	}
	if err := rw.WriteMessage(bs); err != nil {
		return nil, errors.Errorf("write proof: %w", err)
	}

	bs, err = rw.ReadMessage()
	if err != nil {
		return nil, errors.Errorf("read proof: %w", err)
	}
	var p proof
	if err := cbor.Unmarshal(bs, &p); err != nil {
		return nil, errors.Errorf("decode proof: %v: %w", err, errors.ErrHandshake)
	}
	if !peer.Identity.Verify(transcript(prologue, nonce[:], peerNonce, rctx.Hash()), p.Signature) {
		return nil, errors.Errorf("invalid proof from %s: %w", peer.Hash().Short(), errors.ErrHandshake)
	}
	return peer, nil
}

func readHello(rw MessageReadWriter, rctx *router.Context, expect *router.RouterInfo) (*router.RouterInfo, []byte, error) {
	bs, err := rw.ReadMessage()
	if err != nil {
		return nil, nil, errors.Errorf("read hello: %w", err)
	}
	var h hello
	if err := cbor.Unmarshal(bs, &h); err != nil {
		return nil, nil, errors.Errorf("decode hello: %v: %w", err, errors.ErrHandshake)
	}
	if len(h.Nonce) != len(uuid.UUID{}) {
		return nil, nil, errors.Errorf("invalid nonce length %d: %w", len(h.Nonce), errors.ErrHandshake)
	}
	if skew := Now().Sub(time.UnixMilli(h.Time)); skew > MaxClockSkew || skew < -MaxClockSkew {
		return nil, nil, errors.Errorf("clock skew %v: %w", skew, errors.ErrHandshake)
	}

	peer, err := VerifyRouterInfo(h.RouterInfo, rctx, expect)
	if err != nil {
		return nil, nil, err
	}
	return peer, h.Nonce, nil
}

// VerifyRouterInfoは、エンコードされたRouterInfoをデコードして署名を検証します。
//
// 自分自身、またはexpectと異なるルーターの場合はエラーを返却します。
func VerifyRouterInfo(bs []byte, rctx *router.Context, expect *router.RouterInfo) (*router.RouterInfo, error) {
	var peer router.RouterInfo
	if err := peer.UnmarshalBinary(bs); err != nil {
		return nil, errors.Errorf("decode router info: %v: %w", err, errors.ErrHandshake)
	}
	if err := peer.Verify(); err != nil {
		return nil, err
	}
	if peer.Hash() == rctx.Hash() {
		return nil, errors.Errorf("connected to self: %w", errors.ErrHandshake)
	}
	if expect != nil && peer.Hash() != expect.Hash() {
		return nil, errors.Errorf("unexpected peer %s, want %s: %w", peer.Hash().Short(), expect.Hash().Short(), errors.ErrHandshake)
	}
	return &peer, nil
}

func transcript(prologue string, verifierNonce, signerNonce []byte, verifier router.Hash) []byte {
	var b bytes.Buffer
	b.WriteString(helloSignaturePrefix)
	b.WriteString(prologue)
	b.Write(verifierNonce)
	b.Write(signerNonce)
	b.Write(verifier[:])
	return b.Bytes()
}
