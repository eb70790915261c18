package guestapi

import (
	"crypto/subtle"
	"io"
	"net/http"
)

const maxPersistBody = 4096 // bytes; the body is just a shared-secret token

// handleRunToken implements GET /run-token: returns the repo's persistence
// token, but only when the run's commit lives in the repo itself
// (run.IsPush: a push, or a pull request from a branch of the same repo).
// A pull request from a fork (or an unrecognized token) gets an empty
// body — this is how the guest learns whether it is allowed to persist.
func (s *Server) handleRunToken(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookup.FindByToken(bearerToken(r))
	if !ok || !run.IsPush || run.PersistenceToken == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(run.PersistenceToken)) //nolint:errcheck
}

// handlePersist implements POST /persist: the guest presents the repo's
// persistence_token in the request body; a constant-time match flips the
// run's persistence bit. A run with IsPush false (a pull request from a
// fork) is refused regardless of the supplied token. Mismatch is a 403.
// Repeating a successful call is idempotent.
func (s *Server) handlePersist(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookup.FindByToken(bearerToken(r))
	if !ok || !run.IsPush {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPersistBody))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if run.PersistenceToken == "" ||
		subtle.ConstantTimeCompare(body, []byte(run.PersistenceToken)) != 1 {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	s.mark.MarkPersistenceRequested(run.ID)
	w.WriteHeader(http.StatusNoContent)
}
