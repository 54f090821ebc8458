// Package pgwire speaks enough of the PostgreSQL wire protocol for
// off-the-shelf clients (psql, JDBC, BI tools) to connect, introspect, and
// run cascade-flavored SQL. Each client connection gets a dedicated
// session: its own OLAP connection, its own UDF registrations, its own
// prepared-statement and portal maps, and its own caller identity so every
// sub-cascade a statement spawns rolls up to that client's requests. The
// protocol codec is jackc/pgx's pgproto3; this package never parses or
// serializes wire bytes itself.
package pgwire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/ryrobes/larsql-sub001/internal/query"
	"github.com/ryrobes/larsql-sub001/internal/telemetry"
	"github.com/ryrobes/larsql-sub001/internal/udfbridge"
)

// SessionBackend bundles the per-connection resources a session owns.
type SessionBackend struct {
	Executor *query.Executor
	// Bridge carries the session's caller identity into UDF-spawned
	// sub-cascades; nil when the backend has no UDF layer (tests).
	Bridge *udfbridge.Bridge
	// Close releases the session's OLAP connection.
	Close func() error
}

// Options configures a Server.
type Options struct {
	Addr string
	// NewSession builds the per-connection backend. Called once per
	// accepted client.
	NewSession func(ctx context.Context) (*SessionBackend, error)
	// SessionPrefix prefixes generated caller ids, default "sql".
	SessionPrefix string
	Logger        telemetry.Logger
}

// Server accepts PostgreSQL clients.
type Server struct {
	opts Options

	mu       sync.Mutex
	listener net.Listener
}

// New constructs a Server.
func New(opts Options) *Server {
	if opts.SessionPrefix == "" {
		opts.SessionPrefix = "sql"
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	return &Server{opts: opts}
}

// ListenAndServe blocks accepting clients until ctx is cancelled. Protocol
// errors close only the offending connection; the listener keeps running.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("pgwire: listen %s: %w", s.opts.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.opts.Logger.Info(ctx, "pgwire: listening", "addr", s.opts.Addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.opts.Logger.Warn(ctx, "pgwire: accept failed", "error", err)
			continue
		}
		go s.serveConn(ctx, conn)
	}
}

// Addr returns the bound listen address, useful when Options.Addr used
// port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			s.opts.Logger.Error(ctx, "pgwire: connection panicked", "panic", r)
		}
	}()

	backend, err := s.opts.NewSession(ctx)
	if err != nil {
		s.opts.Logger.Error(ctx, "pgwire: session setup failed", "error", err)
		return
	}
	defer func() {
		if backend.Close != nil {
			backend.Close()
		}
	}()

	sess := newSession(conn, backend, s.opts)
	if err := sess.run(ctx); err != nil {
		s.opts.Logger.Warn(ctx, "pgwire: session ended", "error", err)
	}
}
