// Package clientutil is the thin client-side transport used by cmd/ts: dial
// the daemon's unix socket, send one request, and decode the documented
// reply. It knows nothing about job semantics — that lives in internal/wire
// and the cmd/ts command implementations.
package clientutil

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/aceteam-ai/tsd/internal/wire"
)

// Client is a single connection to the daemon.
type Client struct {
	nc  net.Conn
	uid int32
}

// Dial connects to the daemon's unix socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("clientutil: dial %s: %w", path, err)
	}
	return &Client{nc: nc, uid: nextUID()}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.nc.Close()
}

// SetDeadline applies an I/O deadline to the underlying connection, used by
// GET_VERSION's "answer within 2 seconds or the daemon is unresponsive"
// check.
func (c *Client) SetDeadline(d time.Time) error {
	return c.nc.SetDeadline(d)
}

// NewMsg builds a request Msg stamped with this connection's uid counter.
func (c *Client) NewMsg(t wire.Type) wire.Msg {
	return wire.NewMsg(c.uid, t)
}

// Send writes m to the daemon.
func (c *Client) Send(m wire.Msg) error {
	return wire.Encode(c.nc, m)
}

// Recv reads the next Msg from the daemon.
func (c *Client) Recv() (wire.Msg, error) {
	return wire.Decode(c.nc)
}

// SendBytes/RecvBytes/SendInts/RecvInts forward to the wire package's
// trailing-payload helpers against this connection.
func (c *Client) SendBytes(data []byte) error       { return wire.SendBytes(c.nc, data) }
func (c *Client) RecvBytes(size int32) ([]byte, error) { return wire.RecvBytes(c.nc, size) }
func (c *Client) SendInts(vals []int32) error       { return wire.SendInts(c.nc, vals) }
func (c *Client) RecvInts(count int32) ([]int32, error) { return wire.RecvInts(c.nc, count) }

// nextUID assigns a request counter distinguishing concurrent requests from
// the same client process — scoped to one connection's request stream, not
// the unix uid.
var uidCounter int32

func nextUID() int32 {
	return atomic.AddInt32(&uidCounter, 1)
}
