package intake

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/forrest-ci/forrest/config"
	"github.com/forrest-ci/forrest/types"
)

func TestMachineClassLabel(t *testing.T) {
	tests := []struct {
		name      string
		labels    []string
		wantClass string
		wantOK    bool
	}{
		{"single custom label", []string{"self-hosted", "gpu-large"}, "gpu-large", true},
		{"forrest marker too", []string{"self-hosted", "forrest", "gpu-large"}, "gpu-large", true},
		{"only markers", []string{"self-hosted", "forrest"}, "", false},
		{"empty", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := machineClassLabel(tt.labels)
			if ok != tt.wantOK || got != tt.wantClass {
				t.Errorf("machineClassLabel(%v) = (%q, %v), want (%q, %v)", tt.labels, got, ok, tt.wantClass, tt.wantOK)
			}
		})
	}
}

func newTestStore(t *testing.T) *config.Store {
	t.Helper()
	setupDir := t.TempDir()
	yaml := `
host:
  base_dir: /var/lib/forrest
  ram_budget: 32Gi
repos:
  - owner: acme
    repo: widgets
    persistence_token: persist-me
    classes:
      gpu-large:
        disk: 10Gi
        ram: 4Gi
        setup_template:
          path: ` + setupDir + `
`
	path := filepath.Join(t.TempDir(), "forrest.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	store, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return store
}

type recordingStarter struct {
	mu      sync.Mutex
	reqs    []*types.SchedulingRequest
	start   chan struct{}
	release chan struct{} // if non-nil, Start blocks here until the test closes/sends it
}

func (s *recordingStarter) Start(_ context.Context, req *types.SchedulingRequest) error {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	if s.start != nil {
		s.start <- struct{}{}
	}
	if s.release != nil {
		<-s.release
	}
	return nil
}

func (s *recordingStarter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

func TestEmitDispatchesConfiguredClass(t *testing.T) {
	store := newTestStore(t)
	starter := &recordingStarter{start: make(chan struct{}, 1)}
	in := New(store, starter)

	ev := types.JobEvent{
		JobID:  1,
		Action: types.JobQueued,
		Owner:  "acme",
		Repo:   "widgets",
		Labels: []string{"self-hosted", "gpu-large"},
		IsPush: true,
	}
	in.Emit(context.Background(), ev)

	select {
	case <-starter.start:
	case <-time.After(time.Second):
		t.Fatal("Emit never dispatched to Starter")
	}

	if got := starter.count(); got != 1 {
		t.Fatalf("starter received %d requests, want 1", got)
	}
	req := starter.reqs[0]
	if req.PersistenceToken != "persist-me" {
		t.Errorf("req.PersistenceToken = %q, want the repo's configured token", req.PersistenceToken)
	}
	if !req.IsPush {
		t.Error("req.IsPush = false, want true")
	}
	if req.Class == nil || req.Class.RAM != 4*1024*1024*1024 { //nolint:mnd
		t.Errorf("req.Class = %+v, want the cloned gpu-large class", req.Class)
	}
}

func TestEmitDropsUnconfiguredRepo(t *testing.T) {
	store := newTestStore(t)
	starter := &recordingStarter{}
	in := New(store, starter)

	in.Emit(context.Background(), types.JobEvent{
		JobID:  1,
		Action: types.JobQueued,
		Owner:  "other",
		Repo:   "unrelated",
		Labels: []string{"self-hosted", "gpu-large"},
	})

	time.Sleep(20 * time.Millisecond) //nolint:mnd
	if got := starter.count(); got != 0 {
		t.Errorf("starter received %d requests, want 0 for an unconfigured repo", got)
	}
}

func TestEmitDropsUnconfiguredClass(t *testing.T) {
	store := newTestStore(t)
	starter := &recordingStarter{}
	in := New(store, starter)

	in.Emit(context.Background(), types.JobEvent{
		JobID:  1,
		Action: types.JobQueued,
		Owner:  "acme",
		Repo:   "widgets",
		Labels: []string{"self-hosted", "no-such-class"},
	})

	time.Sleep(20 * time.Millisecond) //nolint:mnd
	if got := starter.count(); got != 0 {
		t.Errorf("starter received %d requests, want 0 for an unconfigured class", got)
	}
}

func TestEmitDropsMissingClassLabel(t *testing.T) {
	store := newTestStore(t)
	starter := &recordingStarter{}
	in := New(store, starter)

	in.Emit(context.Background(), types.JobEvent{
		JobID:  1,
		Action: types.JobQueued,
		Owner:  "acme",
		Repo:   "widgets",
		Labels: []string{"self-hosted", "forrest"},
	})

	time.Sleep(20 * time.Millisecond) //nolint:mnd
	if got := starter.count(); got != 0 {
		t.Errorf("starter received %d requests, want 0 when no class label is present", got)
	}
}

func TestEmitDedupsRepeatedQueuedEvent(t *testing.T) {
	store := newTestStore(t)
	starter := &recordingStarter{
		start:   make(chan struct{}, 2), //nolint:mnd
		release: make(chan struct{}),
	}
	in := New(store, starter)

	ev := types.JobEvent{
		JobID:  7,
		Action: types.JobQueued,
		Owner:  "acme",
		Repo:   "widgets",
		Labels: []string{"self-hosted", "gpu-large"},
	}
	in.Emit(context.Background(), ev)
	<-starter.start // Start is now blocked in-flight; the job stays "tracked"

	// Same job id queued again (e.g. redelivered by both webhook and poll)
	// while the first run is still live must be dropped.
	in.Emit(context.Background(), ev)

	close(starter.release)
	time.Sleep(20 * time.Millisecond) //nolint:mnd
	if got := starter.count(); got != 1 {
		t.Errorf("starter received %d requests for a duplicate queued event, want 1", got)
	}
}

func TestEmitCompletedForgetsJob(t *testing.T) {
	store := newTestStore(t)
	starter := &recordingStarter{start: make(chan struct{}, 2)} //nolint:mnd
	in := New(store, starter)

	base := types.JobEvent{
		JobID:  9,
		Owner:  "acme",
		Repo:   "widgets",
		Labels: []string{"self-hosted", "gpu-large"},
	}

	queued := base
	queued.Action = types.JobQueued
	in.Emit(context.Background(), queued)
	<-starter.start

	completed := base
	completed.Action = types.JobCompleted
	in.Emit(context.Background(), completed)

	// Once completed is processed, a fresh queued event for the same job id
	// (a legitimate re-run) must be accepted again.
	in.Emit(context.Background(), queued)
	<-starter.start

	if got := starter.count(); got != 2 {
		t.Errorf("starter received %d requests across two separate queued deliveries, want 2", got)
	}
}

// TestEmitConcurrentDuplicateEventsDispatchOnce guards the check-then-act
// gap between the dedup lookup and insert: a webhook delivery and a poll
// discovery for the same job id can call Emit at the same instant, and both
// must not slip past the dedup check before either one is recorded.
func TestEmitConcurrentDuplicateEventsDispatchOnce(t *testing.T) {
	store := newTestStore(t)
	starter := &recordingStarter{start: make(chan struct{}, 8)} //nolint:mnd
	in := New(store, starter)

	ev := types.JobEvent{
		JobID:  42,
		Action: types.JobQueued,
		Owner:  "acme",
		Repo:   "widgets",
		Labels: []string{"self-hosted", "gpu-large"},
	}

	const racers = 8
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func() {
			defer wg.Done()
			in.Emit(context.Background(), ev)
		}()
	}
	wg.Wait()

	select {
	case <-starter.start:
	case <-time.After(time.Second):
		t.Fatal("Emit never dispatched to Starter")
	}

	time.Sleep(20 * time.Millisecond) //nolint:mnd
	if got := starter.count(); got != 1 {
		t.Errorf("starter received %d requests for %d racing identical queued events, want exactly 1", got, racers)
	}
}

func TestEmitIgnoresInProgress(t *testing.T) {
	store := newTestStore(t)
	starter := &recordingStarter{}
	in := New(store, starter)

	in.Emit(context.Background(), types.JobEvent{
		JobID:  1,
		Action: types.JobInProgress,
		Owner:  "acme",
		Repo:   "widgets",
		Labels: []string{"self-hosted", "gpu-large"},
	})

	time.Sleep(20 * time.Millisecond) //nolint:mnd
	if got := starter.count(); got != 0 {
		t.Errorf("starter received %d requests for an in_progress event, want 0", got)
	}
}
