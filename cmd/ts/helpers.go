package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aceteam-ai/tsd/internal/clientutil"
	"github.com/aceteam-ai/tsd/internal/config"
	"github.com/aceteam-ai/tsd/internal/wire"
)

// dial connects to the daemon socket resolved the same way the daemon
// resolves its own bind path: TS_SOCKET env var, then config, then the
// uid-scoped default.
func dial(ctx context.Context) (*clientutil.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	socket := config.SocketPath(cfg)
	c, err := clientutil.Dial(ctx, socket)
	if err != nil {
		return nil, fmt.Errorf("ts: is tsd running? %w", err)
	}
	return c, nil
}

// checkVersion performs the GET_VERSION round trip: a protocol mismatch is a
// hard client error, not something to silently work around.
func checkVersion(c *clientutil.Client) error {
	_ = c.SetDeadline(time.Now().Add(2 * time.Second))
	req := c.NewMsg(wire.GET_VERSION)
	if err := c.Send(req); err != nil {
		return err
	}
	reply, err := c.Recv()
	if err != nil {
		return fmt.Errorf("ts: daemon did not answer GET_VERSION: %w", err)
	}
	if reply.Version() != wire.ProtocolVersion {
		return fmt.Errorf("ts: protocol mismatch: client %d, daemon %d", wire.ProtocolVersion, reply.Version())
	}
	_ = c.SetDeadline(time.Time{})
	return nil
}

func parseJobID(s string) (int32, error) {
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid job id %q: %w", s, err)
	}
	return int32(n), nil
}
