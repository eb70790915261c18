package qemu

import (
	"crypto/subtle"
	"sync"

	"github.com/forrest-ci/forrest/types"
)

// Registry tracks every non-terminal Run in memory, keyed by run ID. It
// satisfies admission.BaseMachineQuery so the admission controller can ask
// whether a given machine class currently has a live run past provisioning
// and before cleaning.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*types.Run
}

// NewRegistry creates an empty Registry. The same instance must be passed to
// both admission.New (as its BaseMachineQuery) and qemu.New.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*types.Run)}
}

func (r *Registry) put(run *types.Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = run
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, id)
}

func (r *Registry) setState(id string, state types.RunState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[id]; ok {
		run.State = state
	}
}

// BaseMachineBusy implements admission.BaseMachineQuery.
func (r *Registry) BaseMachineBusy(ref types.ClassRef) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, run := range r.runs {
		if run.Ref == ref && (run.State == types.RunRunning || run.State == types.RunPersisting) {
			return true
		}
	}
	return false
}

// FindByToken returns the Run whose GuestToken matches token. Every in-guest
// control API call arrives over a single shared listener (QEMU user-mode
// networking maps every guest's connection to the host's slirp gateway
// indistinguishably), so the caller is identified by this token rather than
// by connection source. Comparison is constant-time to avoid leaking token
// bytes through timing.
func (r *Registry) FindByToken(token string) (*types.Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, run := range r.runs {
		if run.GuestToken == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(run.GuestToken), []byte(token)) == 1 {
			return run, true
		}
	}
	return nil, false
}

// MarkPersistenceRequested sets the persistence bit for a live run,
// implementing guestapi.PersistenceMarker. Returns false if the run is no
// longer tracked (already cleaned up).
func (r *Registry) MarkPersistenceRequested(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return false
	}
	run.PersistenceRequested = true
	return true
}

func (r *Registry) list() []*types.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.Run, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, run)
	}
	return out
}
