// Package xio は、セッションの送受信バイト数を数えるためのユーティリティです。
package xio

import (
	"io"
	"sync/atomic"
)

// Counterは、送受信したバイト数の累計です。ゼロ値で使用できます。
type Counter struct {
	n atomic.Uint64
}

// Addは、nバイトを加算します。負の値は無視します。
func (c *Counter) Add(n int) {
	if n > 0 {
		c.n.Add(uint64(n))
	}
}

// Valueは、累計バイト数を返却します。
func (c *Counter) Value() uint64 {
	return c.n.Load()
}

// CountReaderは、読み込んだバイト数をCounterへ加算するio.Readerです。
type CountReader struct {
	io.Reader
	c *Counter
}

func NewCountReader(rd io.Reader, c *Counter) *CountReader {
	return &CountReader{
		Reader: rd,
		c:      c,
	}
}

func (r *CountReader) Read(bs []byte) (int, error) {
	n, err := r.Reader.Read(bs)
	r.c.Add(n)
	return n, err
}

// CountWriterは、書き込んだバイト数をCounterへ加算するio.Writerです。
type CountWriter struct {
	io.Writer
	c *Counter
}

func NewCountWriter(wr io.Writer, c *Counter) *CountWriter {
	return &CountWriter{
		Writer: wr,
		c:      c,
	}
}

func (w *CountWriter) Write(bs []byte) (int, error) {
	n, err := w.Writer.Write(bs)
	w.c.Add(n)
	return n, err
}
