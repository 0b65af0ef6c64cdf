package session

import (
	"encoding/binary"
	"fmt"

	"github.com/aptpod/routerlink-go/errors"
	"github.com/aptpod/routerlink-go/message"
)

// FrameTypeは、セッション上でやり取りするフレーム種別です。
type FrameType uint8

const (
	FrameMessage   FrameType = 1 // メッセージ
	FrameTimestamp FrameType = 2 // タイムスタンプ
)

func (t FrameType) String() string {
	switch t {
	case FrameMessage:
		return "message"
	case FrameTimestamp:
		return "timestamp"
	default:
		return fmt.Sprintf("UnknownFrameType(%d)", uint8(t))
	}
}

// Headerは、フレーム内のメッセージのエンコード方式です。
type Header int

const (
	// HeaderStandardは、16バイトの標準ヘッダーです。
	HeaderStandard Header = iota
	// HeaderShortは、9バイトの短縮ヘッダーです。
	HeaderShort
)

// Sizeは、このヘッダーでエンコードした場合のメッセージのバイト数を返却します。
func (h Header) Size(msg *message.Message) int {
	if h == HeaderShort {
		return msg.ShortSize()
	}
	return msg.Size()
}

// Frameは、セッション上でやり取りする1単位です。
type Frame struct {
	Type      FrameType
	Message   *message.Message // Type が FrameMessage の場合
	Timestamp uint32           // Type が FrameTimestamp の場合。Unix秒です。
}

// MessageFrameは、メッセージのフレームを返却します。
func MessageFrame(msg *message.Message) Frame {
	return Frame{Type: FrameMessage, Message: msg}
}

// TimestampFrameは、タイムスタンプのフレームを返却します。
func TimestampFrame(ts uint32) Frame {
	return Frame{Type: FrameTimestamp, Timestamp: ts}
}

// EncodeFrameは、フレームをエンコードします。
//
//	type(1) | body
func EncodeFrame(f Frame, h Header) ([]byte, error) {
	switch f.Type {
	case FrameMessage:
		if f.Message == nil {
			return nil, errors.Errorf("nil message: %w", errors.ErrMalformedMessage)
		}
		var body []byte
		if h == HeaderShort {
			body = f.Message.MarshalShort()
		} else {
			bs, err := f.Message.MarshalBinary()
			if err != nil {
				return nil, err
			}
			body = bs
		}
		return append([]byte{byte(FrameMessage)}, body...), nil
	case FrameTimestamp:
		bs := make([]byte, 5)
		bs[0] = byte(FrameTimestamp)
		binary.BigEndian.PutUint32(bs[1:], f.Timestamp)
		return bs, nil
	}
	return nil, errors.Errorf("unknown frame type %v: %w", f.Type, errors.ErrMalformedMessage)
}

// DecodeFrameは、エンコードされたフレームをデコードします。
func DecodeFrame(bs []byte, h Header) (Frame, error) {
	if len(bs) == 0 {
		return Frame{}, errors.Errorf("empty frame: %w", errors.ErrMalformedMessage)
	}
	switch FrameType(bs[0]) {
	case FrameMessage:
		var m message.Message
		var err error
		if h == HeaderShort {
			err = m.UnmarshalShort(bs[1:])
		} else {
			err = m.UnmarshalBinary(bs[1:])
		}
		if err != nil {
			return Frame{}, err
		}
		return MessageFrame(&m), nil
	case FrameTimestamp:
		if len(bs) != 5 {
			return Frame{}, errors.Errorf("timestamp frame: %d bytes: %w", len(bs), errors.ErrMalformedMessage)
		}
		return TimestampFrame(binary.BigEndian.Uint32(bs[1:])), nil
	}
	return Frame{}, errors.Errorf("unknown frame type %d: %w", bs[0], errors.ErrMalformedMessage)
}
