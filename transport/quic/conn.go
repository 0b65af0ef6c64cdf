package quic

import (
	"context"
	"encoding/binary"
	"io"
	"sync"

	quicgo "github.com/quic-go/quic-go"

	"github.com/aptpod/routerlink-go/errors"
	"github.com/aptpod/routerlink-go/internal/xio"
	"github.com/aptpod/routerlink-go/router"
	"github.com/aptpod/routerlink-go/transport/session"
)

const (
	_ quicgo.ApplicationErrorCode = iota
	errCodeHandshakeFailed
)

var _ session.Conn = (*Conn)(nil)

// Connは、QUICコネクションの双方向ストリーム上のセッションです。
//
// ストリーム上のメッセージは長さ4バイト(ビッグエンディアン)で区切られます。
type Conn struct {
	conn   quicgo.Connection
	stream quicgo.Stream
	remote *router.RouterInfo

	rx xio.Counter
	tx xio.Counter

	closeOnce sync.Once
}

func newConn(conn quicgo.Connection, stream quicgo.Stream) *Conn {
	return &Conn{conn: conn, stream: stream}
}

// Remoteは、ピアのRouterInfoを返却します。
func (c *Conn) Remote() *router.RouterInfo {
	return c.remote
}

// ReadMessageは、メッセージを1つ読み込みます。
func (c *Conn) ReadMessage() ([]byte, error) {
	bs, err := c.decodeFrom(c.stream)
	if err != nil {
		return nil, handleError(err)
	}
	return bs, nil
}

// WriteMessageは、メッセージを1つ書き込みます。
func (c *Conn) WriteMessage(bs []byte) error {
	if len(bs) > MaxMessageSize {
		return errors.Errorf("quic: message of %d bytes: %w", len(bs), errors.ErrMessageTooLarge)
	}
	n, err := writeTo(c.stream, bs)
	if err != nil {
		return handleError(err)
	}
	c.tx.Add(n)
	return nil
}

// ReadFrameは、フレームを1つ読み込みます。
func (c *Conn) ReadFrame() (session.Frame, error) {
	bs, err := c.ReadMessage()
	if err != nil {
		return session.Frame{}, err
	}
	return session.DecodeFrame(bs, session.HeaderStandard)
}

// WriteFrameは、フレームを1つ書き込みます。
func (c *Conn) WriteFrame(f session.Frame) error {
	bs, err := session.EncodeFrame(f, session.HeaderStandard)
	if err != nil {
		return err
	}
	return c.WriteMessage(bs)
}

// TxBytesCounterValueは、書き込んだ総バイト数を返却します。
func (c *Conn) TxBytesCounterValue() uint64 {
	return c.tx.Value()
}

// RxBytesCounterValueは、読み込んだ総バイト数を返却します。
func (c *Conn) RxBytesCounterValue() uint64 {
	return c.rx.Value()
}

// Closeは、ストリームとコネクションを閉じます。
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.stream.CancelRead(0)
		c.stream.Close()
		err = c.conn.CloseWithError(0, "")
	})
	return err
}

func (c *Conn) closeWithError(code quicgo.ApplicationErrorCode, msg string) {
	c.closeOnce.Do(func() {
		c.conn.CloseWithError(code, msg)
	})
}

func writeTo(wr io.Writer, payload []byte) (int, error) {
	bs := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(bs, uint32(len(payload)))
	copy(bs[4:], payload)
	if _, err := wr.Write(bs); err != nil {
		return 0, err
	}
	return len(bs), nil
}

func (c *Conn) decodeFrom(rd io.Reader) ([]byte, error) {
	bytesMsgLength := make([]byte, 4)
	if _, err := io.ReadFull(rd, bytesMsgLength); err != nil {
		return nil, err
	}
	msgLength := binary.BigEndian.Uint32(bytesMsgLength)
	if msgLength > MaxMessageSize {
		return nil, errors.Errorf("quic: message of %d bytes: %w", msgLength, errors.ErrMessageTooLarge)
	}

	bs := make([]byte, msgLength)
	if _, err := io.ReadFull(rd, bs); err != nil {
		return nil, err
	}
	c.rx.Add(4 + int(msgLength))
	return bs, nil
}

func handleError(err error) error {
	if isErrTransportClosed(err) {
		return errors.Errorf("quic: %v: %w", err, errors.ErrConnectionClosed)
	}
	return errors.Errorf("quic: %w", err)
}

func isErrTransportClosed(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var aerr *quicgo.ApplicationError
	if errors.As(err, &aerr) {
		if aerr.ErrorCode == 0 {
			return true
		}
	}

	var serr *quicgo.StreamError
	if errors.As(err, &serr) {
		if serr.ErrorCode == 0 {
			return true
		}
	}

	var ierr *quicgo.IdleTimeoutError
	if errors.As(err, &ierr) {
		return true
	}

	var qerr *quicgo.TransportError
	if errors.As(err, &qerr) {
		if qerr.ErrorCode == quicgo.ApplicationErrorErrorCode {
			return true
		}
	}

	return false
}
