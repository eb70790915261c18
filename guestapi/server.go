// Package guestapi serves the in-guest control API: a single HTTP listener
// shared by every run on the host, reachable from inside any guest at
// http://10.0.2.2:8080 via QEMU user-mode networking. Callers are
// identified by the per-run guest token they present as a bearer
// credential — the listener itself cannot distinguish one guest's
// connection from another's by address, since slirp maps them all onto
// plain loopback connections from the qemu process.
package guestapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/forrest-ci/forrest/types"

	"github.com/projecteru2/core/log"
)

// RunLookup resolves a bearer token to its live Run. Implemented by
// hypervisor/qemu.Registry.
type RunLookup interface {
	FindByToken(token string) (*types.Run, bool)
}

// PersistenceMarker flips a run's "persistence requested" bit once the
// guest presents a matching token. Implemented by hypervisor/qemu.Registry.
type PersistenceMarker interface {
	MarkPersistenceRequested(runID string) bool
}

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Server is the shared guest-facing control API.
type Server struct {
	lookup RunLookup
	mark   PersistenceMarker
	srv    *http.Server
}

// New builds a Server bound to addr (typically "0.0.0.0:8080", matching
// the guest-side well-known 10.0.2.2:8080 address).
func New(addr string, lookup RunLookup, mark PersistenceMarker) *Server {
	s := &Server{lookup: lookup, mark: mark}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /run-token", s.handleRunToken)
	mux.HandleFunc("POST /persist", s.handlePersist)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down with a bounded grace
// period.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("guestapi listen %s: %w", s.srv.Addr, err)
	}

	logger := log.WithFunc("guestapi.Run")
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(shutCtx); err != nil {
			logger.Warnf(ctx, "shutdown: %v", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return ""
	}
	return h[len(prefix):]
}
