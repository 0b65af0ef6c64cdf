package websocket

import (
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	gwebsocket "github.com/gorilla/websocket"

	"github.com/aptpod/routerlink-go/errors"
	"github.com/aptpod/routerlink-go/internal/xio"
	"github.com/aptpod/routerlink-go/router"
	"github.com/aptpod/routerlink-go/transport/session"
)

var _ session.Conn = (*Conn)(nil)

// Connは、gorilla/websocketのコネクション上のセッションです。
//
// 1つのWebSocketバイナリメッセージが1つのフレームです。
type Conn struct {
	wsconn *gwebsocket.Conn
	remote *router.RouterInfo

	rx xio.Counter
	tx xio.Counter

	closeOnce sync.Once
}

func newConn(wsconn *gwebsocket.Conn) *Conn {
	wsconn.SetReadLimit(MaxMessageSize)
	return &Conn{wsconn: wsconn}
}

// Remoteは、ピアのRouterInfoを返却します。
func (c *Conn) Remote() *router.RouterInfo {
	return c.remote
}

// ReadMessageは、バイナリメッセージを1つ読み込みます。
func (c *Conn) ReadMessage() ([]byte, error) {
	tp, rd, err := c.wsconn.NextReader()
	if err != nil {
		return nil, handleError(err)
	}
	if tp != gwebsocket.BinaryMessage {
		return nil, errors.Errorf("websocket: unexpected message type %d: %w", tp, errors.ErrMalformedMessage)
	}
	bs, err := io.ReadAll(xio.NewCountReader(rd, &c.rx))
	if err != nil {
		return nil, handleError(err)
	}
	return bs, nil
}

// WriteMessageは、バイナリメッセージを1つ書き込みます。
func (c *Conn) WriteMessage(bs []byte) error {
	if len(bs) > MaxMessageSize {
		return errors.Errorf("websocket: %d bytes: %w", len(bs), errors.ErrMessageTooLarge)
	}
	wr, err := c.wsconn.NextWriter(gwebsocket.BinaryMessage)
	if err != nil {
		return handleError(err)
	}
	if _, err := xio.NewCountWriter(wr, &c.tx).Write(bs); err != nil {
		wr.Close()
		return handleError(err)
	}
	if err := wr.Close(); err != nil {
		return handleError(err)
	}
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

// Closeは、Closeフレームを送信してコネクションを閉じます。
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.wsconn.WriteControl(gwebsocket.CloseMessage,
			gwebsocket.FormatCloseMessage(gwebsocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.wsconn.Close()
	})
	if err != nil && !isErrTransportClosed(err) {
		return err
	}
	return nil
}

func handleError(err error) error {
	if err == nil {
		return nil
	}
	if isErrTransportClosed(err) {
		return errors.Errorf("websocket: %v: %w", err, errors.ErrConnectionClosed)
	}
	if errors.Is(err, gwebsocket.ErrReadLimit) {
		return errors.Errorf("websocket: %v: %w", err, errors.ErrMessageTooLarge)
	}
	return errors.Errorf("websocket: %w", err)
}

func isErrTransportClosed(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr, syscall.EPIPE) || errors.Is(opErr, syscall.ECONNRESET) {
			return true
		}
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return sysErr.Err.Error() == "connection reset by peer"
		}
		if errors.Is(opErr, net.ErrClosed) {
			return true
		}
	}
	if gwebsocket.IsCloseError(
		err,
		gwebsocket.CloseNormalClosure,
		gwebsocket.CloseGoingAway,
		gwebsocket.CloseAbnormalClosure,
		gwebsocket.CloseNoStatusReceived,
		gwebsocket.CloseInternalServerErr,
		gwebsocket.CloseServiceRestart,
	) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, gwebsocket.ErrCloseSent) || errors.Is(err, net.ErrClosed)
}
