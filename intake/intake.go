// Package intake normalizes CI provider signals (webhook deliveries and the
// polling backstop) into scheduling requests, deduplicates them, resolves
// each against the active config snapshot, and hands admissible requests to
// the VM lifecycle manager.
package intake

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forrest-ci/forrest/config"
	"github.com/forrest-ci/forrest/types"

	"github.com/projecteru2/core/log"
)

var (
	wellKnownLabels = map[string]bool{"self-hosted": true, "forrest": true}
)

// Starter hands an admitted scheduling request off to the VM lifecycle
// manager. Implemented by hypervisor/qemu.Manager. Start is expected to
// block for the run's full lifetime; Intake runs it in its own goroutine
// per request.
type Starter interface {
	Start(ctx context.Context, req *types.SchedulingRequest) error
}

// Intake is the single-producer-multi-stage pipeline described as
// component F: dedup by job id, filter against config, dispatch to Starter.
type Intake struct {
	store *config.Store
	start Starter

	mu   sync.Mutex
	seen map[int64]struct{} // job id -> tracked
}

// New builds an Intake consulting store for the live config snapshot on
// every event and dispatching admissible requests to start.
func New(store *config.Store, start Starter) *Intake {
	return &Intake{
		store: store,
		start: start,
		seen:  make(map[int64]struct{}),
	}
}

// Emit is the callback passed to both the webhook receiver and the polling
// loop. It normalizes, dedups, resolves, and — on a hit — launches the run
// in a new goroutine; Emit itself never blocks on a run's lifetime.
func (in *Intake) Emit(ctx context.Context, ev types.JobEvent) {
	logger := log.WithFunc("intake.Emit")

	if ev.Action != types.JobQueued {
		if ev.Action == types.JobCompleted {
			in.forget(ev.JobID)
		}
		return
	}

	if !in.trackIfNew(ev.JobID) {
		return
	}

	class, ok := machineClassLabel(ev.Labels)
	if !ok {
		logger.Warnf(ctx, "job %d: no machine-class label among %v", ev.JobID, ev.Labels)
		in.forget(ev.JobID)
		return
	}
	ref := types.ClassRef{RepoRef: types.RepoRef{Owner: ev.Owner, Repo: ev.Repo}, Class: class}

	snap := in.store.Current()
	repo, ok := snap.Repo(ev.Owner, ev.Repo)
	if !ok {
		logger.Infof(ctx, "job %d: repo %s not configured, dropping", ev.JobID, ref.RepoRef)
		in.forget(ev.JobID)
		return
	}
	mc, ok := snap.Class(ref)
	if !ok {
		logger.Infof(ctx, "job %d: class %s not configured, dropping", ev.JobID, ref)
		in.forget(ev.JobID)
		return
	}

	req := &types.SchedulingRequest{
		ID:               uuid.NewString(),
		Ref:              ref,
		JobID:            ev.JobID,
		Arrival:          time.Now(),
		Class:            mc.Clone(),
		IsPush:           ev.IsPush,
		PersistenceToken: repo.PersistenceToken,
	}

	go func() {
		defer in.forget(ev.JobID)
		if err := in.start.Start(ctx, req); err != nil {
			logger.Warnf(ctx, "run %s (job %d) ended: %v", req.ID, ev.JobID, err)
		}
	}()
}

// trackIfNew reports whether jobID was not already tracked, atomically
// marking it seen in the same critical section. Folding the lookup and
// insert into one lock acquisition closes the check-then-act gap a separate
// alreadyTracked-then-track pair would leave open: a webhook delivery and a
// poll discovery racing on the same job id could otherwise both observe
// "not tracked" and spawn duplicate runs.
func (in *Intake) trackIfNew(jobID int64) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if _, ok := in.seen[jobID]; ok {
		return false
	}
	in.seen[jobID] = struct{}{}
	return true
}

func (in *Intake) forget(jobID int64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.seen, jobID)
}

// machineClassLabel picks the one runs-on label that isn't one of the
// well-known markers; that label names the machine class.
func machineClassLabel(labels []string) (string, bool) {
	for _, l := range labels {
		if !wellKnownLabels[l] {
			return l, true
		}
	}
	return "", false
}
