package daemon

import (
	"context"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/aceteam-ai/tsd/internal/dump"
)

// Server binds the unix domain socket, accepts connections, spawns one
// dispatch.Conn goroutine per connection, and drives the shutdown dump on
// SIGTERM/SIGINT.
type Server struct {
	SocketPath string
	Ctx        *Context
	Log        func(level, format string, args ...any)

	// NewConn builds the per-connection handler; injected so internal/dispatch
	// (which depends on daemon.Context) doesn't need to be imported back here.
	NewConn func(nc net.Conn, ctx *Context, uid uint32, log func(level, format string, args ...any)) Handler

	listener net.Listener
	wg       sync.WaitGroup
}

// Handler is satisfied by dispatch.Conn.
type Handler interface {
	Serve(ctx context.Context)
}

// Run binds the socket and serves connections until the context is
// cancelled or a SIGTERM/SIGINT is received. It unlinks the socket and
// writes the shutdown dump before returning.
func (s *Server) Run(ctx context.Context) error {
	if err := os.RemoveAll(s.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if dir := filepath.Dir(s.SocketPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	ln, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return err
	}
	if err := unix.Chmod(s.SocketPath, 0600); err != nil {
		s.log("warn", "chmod socket: %v", err)
	}
	s.listener = ln

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	var shutdownOnce sync.Once
	shutdown := func() {
		shutdownOnce.Do(func() {
			cancel()
			ln.Close()
		})
	}
	s.Ctx.SetShutdownFunc(shutdown)

	go func() {
		select {
		case sig := <-sigs:
			s.log("info", "received signal %v, shutting down", sig)
			shutdown()
		case <-runCtx.Done():
		}
	}()

	s.acceptLoop(runCtx)

	s.wg.Wait()
	s.writeDump()
	os.Remove(s.SocketPath)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.log("warn", "accept error: %v", err)
				return
			}
		}

		uid := peerUID(nc)
		connID := uuid.New().String()[:8]
		s.log("debug", "conn %s accepted from uid %d", connID, uid)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			handler := s.NewConn(nc, s.Ctx, uid, s.Log)
			handler.Serve(ctx)
			s.log("debug", "conn %s closed", connID)
		}()
	}
}

func (s *Server) writeDump() {
	path := s.SocketPath + ".dump.sh"
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		s.log("warn", "could not write shutdown dump: %v", err)
		return
	}
	defer f.Close()

	if err := dump.WriteShellDump(f, s.Ctx.Registry); err != nil {
		s.log("warn", "shutdown dump failed: %v", err)
	}
}

func (s *Server) log(level, format string, args ...any) {
	if s.Log != nil {
		s.Log(level, format, args...)
	}
}

// peerUID reads the connecting process's uid via SO_PEERCRED. Falls back to
// the caller's own uid if the platform call fails (e.g. non-Linux unix).
func peerUID(nc net.Conn) uint32 {
	uc, ok := nc.(*net.UnixConn)
	if !ok {
		return uint32(os.Getuid())
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return uint32(os.Getuid())
	}

	var uid uint32 = uint32(os.Getuid())
	_ = raw.Control(func(fd uintptr) {
		cred, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err == nil && cred != nil {
			uid = cred.Uid
		}
	})
	return uid
}
