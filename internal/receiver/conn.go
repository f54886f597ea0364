package receiver

import (
	"crypto/tls"
	"net"
	"sync"
	"time"
)

// timeoutConn applies a socket timeout to every Read and Write while it is
// armed. A server that stops answering then fails the pending call instead
// of blocking it forever.
//
// imapclient keeps a goroutine parked in Read between commands, so the
// IMAP store arms the conn only while a command is in flight. The POP3
// client reads only when it expects a reply and keeps the conn armed.
type timeoutConn struct {
	net.Conn
	timeout time.Duration

	mu    sync.Mutex
	armed bool
}

func newTimeoutConn(conn net.Conn, timeout time.Duration) *timeoutConn {
	c := &timeoutConn{Conn: conn, timeout: timeout}
	c.arm()
	return c
}

func (c *timeoutConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	if c.armed {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			c.mu.Unlock()
			return 0, err
		}
	}
	c.mu.Unlock()
	return c.Conn.Read(b)
}

func (c *timeoutConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	if c.armed {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			c.mu.Unlock()
			return 0, err
		}
	}
	c.mu.Unlock()
	return c.Conn.Write(b)
}

// arm starts the timeout, including for a Read that is already blocked.
func (c *timeoutConn) arm() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed = true
	_ = c.Conn.SetDeadline(time.Now().Add(c.timeout))
}

// disarm clears the deadline so an idle connection is not torn down.
func (c *timeoutConn) disarm() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed = false
	_ = c.Conn.SetDeadline(time.Time{})
}

// timeoutDialer dials armed timeoutConns. It satisfies the go-pop3 Dialer
// interface.
type timeoutDialer struct {
	timeout time.Duration
}

func (d timeoutDialer) Dial(network, addr string) (net.Conn, error) {
	conn, err := d.dial(network, addr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (d timeoutDialer) dial(network, addr string) (*timeoutConn, error) {
	conn, err := (&net.Dialer{Timeout: d.timeout}).Dial(network, addr)
	if err != nil {
		return nil, err
	}
	return newTimeoutConn(conn, d.timeout), nil
}

// dialIMAP dials addr, with implicit TLS when cfg is non-nil. It returns
// the conn to hand to the client and the timeoutConn underneath it.
func (d timeoutDialer) dialIMAP(addr string, cfg *tls.Config) (net.Conn, *timeoutConn, error) {
	raw, err := d.dial("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	if cfg == nil {
		return raw, raw, nil
	}
	tlsConn := tls.Client(raw, cfg)
	if err := tlsConn.Handshake(); err != nil {
		_ = raw.Close()
		return nil, nil, err
	}
	return tlsConn, raw, nil
}
