// Package ws wraps gorilla/websocket with context-aware reads and writes for
// the text-frame mesh protocol.
package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNonTextFrame is returned when a peer sends a binary data frame. The mesh
// protocol is JSON text only.
var ErrNonTextFrame = errors.New("ws: non-text frame")

const controlWriteTimeout = 2 * time.Second

type Conn struct {
	c *websocket.Conn
}

// UpgraderOptions exposes a small set of websocket upgrader controls.
type UpgraderOptions struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// Upgrade upgrades an HTTP request to a websocket connection.
func Upgrade(w http.ResponseWriter, r *http.Request, opts UpgraderOptions) (*Conn, error) {
	up := websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		CheckOrigin:     opts.CheckOrigin,
	}
	c, err := up.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{c: c}, nil
}

// DialOptions provides optional headers for websocket dialing.
type DialOptions struct {
	Header http.Header
	Dialer *websocket.Dialer
}

// Dial opens a websocket connection with a deadline-aware handshake.
func Dial(ctx context.Context, urlStr string, opts DialOptions) (*Conn, *http.Response, error) {
	var d websocket.Dialer
	if opts.Dialer != nil {
		d = *opts.Dialer
	}
	if deadline, ok := ctx.Deadline(); ok {
		// Prefer the tighter of dialer.HandshakeTimeout and the context deadline.
		dl := time.Until(deadline)
		if d.HandshakeTimeout == 0 || d.HandshakeTimeout > dl {
			d.HandshakeTimeout = dl
		}
	}
	c, resp, err := d.DialContext(ctx, urlStr, opts.Header)
	if err != nil {
		return nil, resp, err
	}
	return &Conn{c: c}, resp, nil
}

// SetReadLimit caps the size of inbound frames. Oversized frames fail the
// read with websocket.ErrReadLimit.
func (c *Conn) SetReadLimit(n int64) {
	c.c.SetReadLimit(n)
}

// IsLimitExceeded reports whether err came from a frame over the read limit.
func IsLimitExceeded(err error) bool {
	return errors.Is(err, websocket.ErrReadLimit)
}

// IsPeerClosed reports whether err is a normal or going-away close from the
// peer.
func IsPeerClosed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

// withWakeup arms a context-cancellation wakeup around a blocking socket
// operation. gorilla/websocket only unblocks reads and writes via deadlines,
// so cancellation forces an immediate deadline and the caller maps the
// resulting timeout back to ctx.Err().
func withWakeup(ctx context.Context, setDeadline func(time.Time) error) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	var active atomic.Bool
	active.Store(true)
	stop := context.AfterFunc(ctx, func() {
		if active.Load() {
			_ = setDeadline(time.Now())
		}
	})
	return func() {
		active.Store(false)
		stop()
	}
}

func mapTimeout(ctx context.Context, err error, deadline time.Time, hasDeadline bool) error {
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		return err
	}
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	// The socket timeout can race slightly ahead of the context timer.
	if hasDeadline && !time.Now().Before(deadline) {
		return context.DeadlineExceeded
	}
	return err
}

// ReadText reads one text frame, honoring the context deadline and
// cancellation. Binary frames return ErrNonTextFrame.
func (c *Conn) ReadText(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		_ = c.c.SetReadDeadline(deadline)
	} else {
		_ = c.c.SetReadDeadline(time.Time{})
	}
	disarm := withWakeup(ctx, c.c.SetReadDeadline)
	defer disarm()

	mt, b, err := c.c.ReadMessage()
	if err != nil {
		return nil, mapTimeout(ctx, err, deadline, hasDeadline)
	}
	if mt != websocket.TextMessage {
		return nil, ErrNonTextFrame
	}
	return b, nil
}

// WriteText writes one text frame, honoring the context deadline and
// cancellation.
func (c *Conn) WriteText(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		_ = c.c.SetWriteDeadline(deadline)
	} else {
		_ = c.c.SetWriteDeadline(time.Time{})
	}
	disarm := withWakeup(ctx, c.c.SetWriteDeadline)
	defer disarm()

	if err := c.c.WriteMessage(websocket.TextMessage, data); err != nil {
		return mapTimeout(ctx, err, deadline, hasDeadline)
	}
	return nil
}

// Ping sends a websocket ping control frame.
func (c *Conn) Ping(payload string) error {
	return c.c.WriteControl(websocket.PingMessage, []byte(payload), time.Now().Add(controlWriteTimeout))
}

// SetPongHandler installs h for websocket pong control frames.
func (c *Conn) SetPongHandler(h func(string)) {
	c.c.SetPongHandler(func(data string) error {
		h(data)
		return nil
	})
}

// Close closes the websocket connection.
func (c *Conn) Close() error {
	return c.c.Close()
}

// CloseWithStatus sends a close control frame before closing.
func (c *Conn) CloseWithStatus(code int, text string) error {
	_ = c.c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(controlWriteTimeout))
	return c.c.Close()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.c.RemoteAddr()
}

// Underlying exposes the raw gorilla/websocket connection.
func (c *Conn) Underlying() *websocket.Conn {
	return c.c
}
