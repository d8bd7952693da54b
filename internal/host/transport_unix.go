package host

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/fae-run/fae-core/pkg/eventbus"
)

// UnixServer is Mode B: a local Unix-domain-socket listener carrying
// line-delimited CommandEnvelope/ResponseEnvelope JSON, plus a fan-out of
// EventEnvelopes to every connected client. One connection gets its own
// read loop and its own EventSubscription; BearerToken, when non-empty, must
// be supplied as the first line of the connection before any command is
// accepted.
type UnixServer struct {
	boundary    *Boundary
	bus         *eventbus.Bus
	socketPath  string
	bearerToken string

	mu       sync.Mutex
	listener net.Listener
}

// NewUnixServer returns a Mode B server dispatching through boundary and
// forwarding bus events. bearerToken may be empty to disable auth.
func NewUnixServer(boundary *Boundary, bus *eventbus.Bus, socketPath, bearerToken string) *UnixServer {
	return &UnixServer{boundary: boundary, bus: bus, socketPath: socketPath, bearerToken: bearerToken}
}

// Serve opens the socket and accepts connections until ctx is cancelled. It
// removes any stale socket file left behind by a prior, uncleanly-terminated
// process before binding.
func (s *UnixServer) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", s.socketPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Warn("host: unix accept failed", "error", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

// Close stops accepting new connections.
func (s *UnixServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *UnixServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if s.bearerToken != "" {
		reader := bufio.NewReader(conn)
		line, err := reader.ReadString('\n')
		if err != nil || strings.TrimSpace(line) != s.bearerToken {
			slog.Warn("host: unix connection rejected, bad bearer token")
			return
		}
		s.serveAuthenticated(ctx, conn, reader)
		return
	}
	s.serveAuthenticated(ctx, conn, bufio.NewReader(conn))
}

func (s *UnixServer) serveAuthenticated(ctx context.Context, conn net.Conn, reader *bufio.Reader) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub := s.boundary.Subscribe(s.bus, 64)
	defer sub.Close()

	writeErr := make(chan struct{}, 1)
	var writeMu sync.Mutex

	go func() {
		for env := range sub.Envelopes() {
			line, err := json.Marshal(env)
			if err != nil {
				continue
			}
			writeMu.Lock()
			_, err = conn.Write(append(line, '\n'))
			writeMu.Unlock()
			if err != nil {
				select {
				case writeErr <- struct{}{}:
				default:
				}
				return
			}
		}
	}()

	for {
		select {
		case <-connCtx.Done():
			return
		case <-writeErr:
			return
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		line = []byte(strings.TrimSpace(string(line)))
		if len(line) == 0 {
			continue
		}

		resp := s.boundary.DispatchJSON(connCtx, line)
		writeMu.Lock()
		_, err = conn.Write(append(resp, '\n'))
		writeMu.Unlock()
		if err != nil {
			return
		}
	}
}
