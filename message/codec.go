package message

import (
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/aptpod/routerlink-go/errors"
)

// MarshalBinaryは、標準ヘッダーでメッセージをエンコードします。
//
//	type(1) | id(4) | expiration ms(8) | size(2) | checksum(1) | payload
func (m *Message) MarshalBinary() ([]byte, error) {
	if len(m.Payload) > MaxPayloadSize {
		return nil, errors.Errorf("payload %d bytes: %w", len(m.Payload), errors.ErrMessageTooLarge)
	}
	bs := make([]byte, m.Size())
	bs[0] = byte(m.Type)
	binary.BigEndian.PutUint32(bs[1:5], m.ID)
	binary.BigEndian.PutUint64(bs[5:13], uint64(m.Expiration.UnixMilli()))
	binary.BigEndian.PutUint16(bs[13:15], uint16(len(m.Payload)))
	bs[15] = checksum(m.Payload)
	copy(bs[StandardHeaderSize:], m.Payload)
	return bs, nil
}

// UnmarshalBinaryは、標準ヘッダーでエンコードされたメッセージをデコードします。
func (m *Message) UnmarshalBinary(bs []byte) error {
	if len(bs) < StandardHeaderSize {
		return errors.Errorf("standard header: %d bytes: %w", len(bs), errors.ErrMalformedMessage)
	}
	size := int(binary.BigEndian.Uint16(bs[13:15]))
	if len(bs)-StandardHeaderSize != size {
		return errors.Errorf("payload size mismatch: header=%d actual=%d: %w", size, len(bs)-StandardHeaderSize, errors.ErrMalformedMessage)
	}
	payload := make([]byte, size)
	copy(payload, bs[StandardHeaderSize:])
	if checksum(payload) != bs[15] {
		return errors.Errorf("checksum mismatch: %w", errors.ErrMalformedMessage)
	}
	*m = Message{
		Type:       Type(bs[0]),
		ID:         binary.BigEndian.Uint32(bs[1:5]),
		Expiration: time.UnixMilli(int64(binary.BigEndian.Uint64(bs[5:13]))),
		Payload:    payload,
	}
	return nil
}

// MarshalShortは、短縮ヘッダーでメッセージをエンコードします。
//
// 有効期限は秒単位に丸められます。ペイロードの長さはトランスポートのフレームで表現します。
//
//	type(1) | id(4) | expiration s(4) | payload
func (m *Message) MarshalShort() []byte {
	bs := make([]byte, m.ShortSize())
	bs[0] = byte(m.Type)
	binary.BigEndian.PutUint32(bs[1:5], m.ID)
	binary.BigEndian.PutUint32(bs[5:9], uint32(m.Expiration.Unix()))
	copy(bs[ShortHeaderSize:], m.Payload)
	return bs
}

// UnmarshalShortは、短縮ヘッダーでエンコードされたメッセージをデコードします。
func (m *Message) UnmarshalShort(bs []byte) error {
	if len(bs) < ShortHeaderSize {
		return errors.Errorf("short header: %d bytes: %w", len(bs), errors.ErrMalformedMessage)
	}
	payload := make([]byte, len(bs)-ShortHeaderSize)
	copy(payload, bs[ShortHeaderSize:])
	*m = Message{
		Type:       Type(bs[0]),
		ID:         binary.BigEndian.Uint32(bs[1:5]),
		Expiration: time.Unix(int64(binary.BigEndian.Uint32(bs[5:9])), 0),
		Payload:    payload,
	}
	return nil
}

func checksum(payload []byte) byte {
	sum := sha256.Sum256(payload)
	return sum[0]
}
