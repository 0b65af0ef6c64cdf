package noise

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
	fnoise "github.com/flynn/noise"

	"github.com/aptpod/routerlink-go/errors"
	"github.com/aptpod/routerlink-go/router"
	"github.com/aptpod/routerlink-go/transport"
	"github.com/aptpod/routerlink-go/transport/session"
)

const (
	handshakePrologue = "routerlink-noise-xk"
	bindingPrefix     = "routerlink-noise-static-key:"

	// maxRecordSizeは、長さ2バイトで表現できる暗号化レコードの最大バイト数です。
	maxRecordSize = 65535
	tagSize       = 16
)

// confirmは、XKの3番目のメッセージに載せる発信側の身元情報です。
type confirm struct {
	RouterInfo []byte `cbor:"1,keyasint"`
	Binding    []byte `cbor:"2,keyasint"`
	Time       int64  `cbor:"3,keyasint"`
}

type cipherStates struct {
	send, recv *fnoise.CipherState
}

func newHandshakeState(keys *StaticKeys, initiator bool, peerStatic []byte) (*fnoise.HandshakeState, error) {
	return fnoise.NewHandshakeState(fnoise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       fnoise.HandshakeXK,
		Initiator:     initiator,
		Prologue:      []byte(handshakePrologue),
		StaticKeypair: keys.dhKey(),
		PeerStatic:    peerStatic,
	})
}

func binding(static []byte) []byte {
	return append([]byte(bindingPrefix), static...)
}

/*
clientHandshakeは、発信側のXKハンドシェイクを行います。

	-> e, es
	<- e, ee
	-> s, se, confirm
*/
func clientHandshake(rw io.ReadWriter, keys *StaticKeys, rctx *router.Context, peerStatic []byte) (*cipherStates, error) {
	if rctx == nil || rctx.Keys == nil || rctx.RouterInfo == nil {
		return nil, errors.Errorf("router context is not set: %w", errors.ErrHandshake)
	}
	hs, err := newHandshakeState(keys, true, peerStatic)
	if err != nil {
		return nil, errors.Errorf("noise: %v: %w", err, errors.ErrHandshake)
	}

	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, errors.Errorf("noise: write message 1: %v: %w", err, errors.ErrHandshake)
	}
	if err := writeRecord(rw, msg1); err != nil {
		return nil, errors.Errorf("noise: send message 1: %w", err)
	}

	msg2, err := readRecord(rw)
	if err != nil {
		return nil, errors.Errorf("noise: receive message 2: %w", err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg2); err != nil {
		return nil, errors.Errorf("noise: read message 2: %v: %w", err, errors.ErrHandshake)
	}

	ri, err := rctx.RouterInfo.MarshalBinary()
	if err != nil {
		return nil, errors.Errorf("noise: encode router info: %w", err)
	}
	payload, err := cbor.Marshal(&confirm{
		RouterInfo: ri,
		Binding:    rctx.Keys.Sign(binding(keys.Public)),
		Time:       session.Now().UnixMilli(),
	})
	if err != nil {
		return nil, errors.Errorf("noise: encode confirm: %w", err)
	}
	msg3, cs1, cs2, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, errors.Errorf("noise: write message 3: %v: %w", err, errors.ErrHandshake)
	}
	if err := writeRecord(rw, msg3); err != nil {
		return nil, errors.Errorf("noise: send message 3: %w", err)
	}
	return &cipherStates{send: cs1, recv: cs2}, nil
}

// serverHandshakeは、着信側のXKハンドシェイクを行い、認証した発信側のRouterInfoを返却します。
func serverHandshake(rw io.ReadWriter, keys *StaticKeys, rctx *router.Context) (*cipherStates, *router.RouterInfo, error) {
	if rctx == nil || rctx.Keys == nil || rctx.RouterInfo == nil {
		return nil, nil, errors.Errorf("router context is not set: %w", errors.ErrHandshake)
	}
	hs, err := newHandshakeState(keys, false, nil)
	if err != nil {
		return nil, nil, errors.Errorf("noise: %v: %w", err, errors.ErrHandshake)
	}

	msg1, err := readRecord(rw)
	if err != nil {
		return nil, nil, errors.Errorf("noise: receive message 1: %w", err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, nil, errors.Errorf("noise: read message 1: %v: %w", err, errors.ErrHandshake)
	}

	msg2, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, errors.Errorf("noise: write message 2: %v: %w", err, errors.ErrHandshake)
	}
	if err := writeRecord(rw, msg2); err != nil {
		return nil, nil, errors.Errorf("noise: send message 2: %w", err)
	}

	msg3, err := readRecord(rw)
	if err != nil {
		return nil, nil, errors.Errorf("noise: receive message 3: %w", err)
	}
	payload, cs1, cs2, err := hs.ReadMessage(nil, msg3)
	if err != nil {
		return nil, nil, errors.Errorf("noise: read message 3: %v: %w", err, errors.ErrHandshake)
	}

	var c confirm
	if err := cbor.Unmarshal(payload, &c); err != nil {
		return nil, nil, errors.Errorf("noise: decode confirm: %v: %w", err, errors.ErrHandshake)
	}
	if skew := session.Now().Sub(time.UnixMilli(c.Time)); skew > session.MaxClockSkew || skew < -session.MaxClockSkew {
		return nil, nil, errors.Errorf("noise: clock skew %v: %w", skew, errors.ErrHandshake)
	}
	peer, err := session.VerifyRouterInfo(c.RouterInfo, rctx, nil)
	if err != nil {
		return nil, nil, errors.Errorf("noise: %w", err)
	}
	if !peer.Identity.Verify(binding(hs.PeerStatic()), c.Binding) {
		return nil, nil, errors.Errorf("noise: static key is not bound to %s: %w", peer.Hash().Short(), errors.ErrHandshake)
	}
	if ra, ok := peer.Address(transport.KindNoise.Style()); ok {
		if s, ok := ra.Option(StaticKeyOption); ok {
			if pub, err := decodeStaticKey(s); err == nil && !bytes.Equal(pub, hs.PeerStatic()) {
				return nil, nil, errors.Errorf("noise: static key of %s does not match its address: %w", peer.Hash().Short(), errors.ErrHandshake)
			}
		}
	}
	return &cipherStates{send: cs2, recv: cs1}, peer, nil
}

func writeRecord(w io.Writer, data []byte) error {
	if len(data) > maxRecordSize {
		return errors.Errorf("record of %d bytes: %w", len(data), errors.ErrMessageTooLarge)
	}
	bs := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(bs, uint16(len(data)))
	copy(bs[2:], data)
	_, err := w.Write(bs)
	return err
}

func readRecord(r io.Reader) ([]byte, error) {
	lenBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	bs := make([]byte, binary.BigEndian.Uint16(lenBuf))
	if _, err := io.ReadFull(r, bs); err != nil {
		return nil, err
	}
	return bs, nil
}
