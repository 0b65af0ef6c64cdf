package noise

import (
	"io"
	"net"
	"os"
	"sync"

	fnoise "github.com/flynn/noise"

	"github.com/aptpod/routerlink-go/errors"
	"github.com/aptpod/routerlink-go/internal/xio"
	"github.com/aptpod/routerlink-go/router"
	"github.com/aptpod/routerlink-go/transport/session"
)

var _ session.Conn = (*Conn)(nil)

// Connは、Noiseで暗号化されたセッションです。
//
// 1つの暗号化レコードが1つのフレームです。フレームは短縮ヘッダーでエンコードされます。
type Conn struct {
	conn   net.Conn
	remote *router.RouterInfo
	send   *fnoise.CipherState
	recv   *fnoise.CipherState

	rx xio.Counter
	tx xio.Counter

	closeOnce sync.Once
	closeErr  error
}

func newConn(conn net.Conn, cs *cipherStates, remote *router.RouterInfo) *Conn {
	return &Conn{
		conn:   conn,
		remote: remote,
		send:   cs.send,
		recv:   cs.recv,
	}
}

// Remoteは、ピアのRouterInfoを返却します。
func (c *Conn) Remote() *router.RouterInfo {
	return c.remote
}

// ReadFrameは、レコードを1つ読み込んで復号します。
func (c *Conn) ReadFrame() (session.Frame, error) {
	bs, err := readRecord(c.conn)
	if err != nil {
		return session.Frame{}, handleError(err)
	}
	c.rx.Add(2 + len(bs))
	plain, err := c.recv.Decrypt(nil, nil, bs)
	if err != nil {
		return session.Frame{}, errors.Errorf("noise: decrypt: %v: %w", err, errors.ErrMalformedMessage)
	}
	return session.DecodeFrame(plain, session.HeaderShort)
}

// WriteFrameは、フレームを暗号化してレコードを1つ書き込みます。
func (c *Conn) WriteFrame(f session.Frame) error {
	plain, err := session.EncodeFrame(f, session.HeaderShort)
	if err != nil {
		return err
	}
	if len(plain) > MaxMessageSize {
		return errors.Errorf("noise: frame of %d bytes: %w", len(plain), errors.ErrMessageTooLarge)
	}
	bs, err := c.send.Encrypt(nil, nil, plain)
	if err != nil {
		return errors.Errorf("noise: encrypt: %w", err)
	}
	if err := writeRecord(c.conn, bs); err != nil {
		return handleError(err)
	}
	c.tx.Add(2 + len(bs))
	return nil
}

// TxBytesCounterValueは、書き込んだ総バイト数を返却します。
func (c *Conn) TxBytesCounterValue() uint64 {
	return c.tx.Value()
}

// RxBytesCounterValueは、読み込んだ総バイト数を返却します。
func (c *Conn) RxBytesCounterValue() uint64 {
	return c.rx.Value()
}

// Closeは、コネクションを閉じます。
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func handleError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) {
		return errors.Errorf("noise: %v: %w", err, errors.ErrConnectionClosed)
	}
	return errors.Errorf("noise: %w", err)
}
