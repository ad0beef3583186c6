package eofsignal

import (
	"context"
	"net"
	"sync"
)

var (
	_ net.Conn = (*eofSignalConn)(nil)
)

// eofSignalConn reports the end of a connection exactly once: on the first
// Read error or on Close, whichever comes first.
type eofSignalConn struct {
	net.Conn

	once sync.Once
	fn   func(error)
}

func NewEOFSignalConn(conn net.Conn, fn func(error)) net.Conn {
	return &eofSignalConn{
		Conn: conn,
		fn:   fn,
	}
}

func (c *eofSignalConn) Read(p []byte) (n int, err error) {
	n, err = c.Conn.Read(p)
	if err != nil {
		c.signal(err)
	}
	return n, err
}

func (c *eofSignalConn) Close() error {
	err := c.Conn.Close()
	c.signal(err)
	return err
}

func (c *eofSignalConn) signal(err error) {
	if c.fn == nil {
		return
	}
	c.once.Do(func() { c.fn(err) })
}

type DialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Hooks observe the lifetime of dialed connections.
type Hooks struct {
	OnOpen func(network, addr string)
	// OnEOF gets the Read error or the Close result that ended the
	// connection, possibly nil.
	OnEOF func(network, addr string, err error)
}

// WrapDialer returns a DialContextFunc whose connections run hooks when they
// are opened and when they end.
func WrapDialer(dial DialContextFunc, hooks Hooks) DialContextFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dial(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if hooks.OnOpen != nil {
			hooks.OnOpen(network, addr)
		}
		if hooks.OnEOF == nil {
			return conn, nil
		}
		return NewEOFSignalConn(conn, func(err error) {
			hooks.OnEOF(network, addr, err)
		}), nil
	}
}
