package gc

import (
	"context"

	"github.com/forrest-ci/forrest/lock"
)

// Module describes a storage or lifecycle module that participates in GC.
// S is the concrete snapshot type this module reads in ReadDB and analyses
// in Resolve; to other modules it is seen only as any (via Orchestrator's
// cross-module snapshot map).
type Module[S any] struct {
	Name string

	// Locker coordinates with the module's own active operations (a pull,
	// a VM create). TryLock returning false means "busy" — GC skips the
	// module for this cycle and retries on the next one.
	Locker lock.Locker

	// ReadDB reads the module's current index state. Called while Locker
	// is held; must not re-acquire it.
	ReadDB func(ctx context.Context) (S, error)

	// Resolve analyses this module's own typed snapshot, with every
	// snapshotted module's data available (as any) for cross-module
	// reasoning (e.g. "is this blob still referenced by a run"), and
	// returns the resource IDs to delete.
	Resolve func(self S, all map[string]any) []string

	// Collect removes the given IDs. Called while Locker is held; must
	// not re-acquire it. Called even with an empty ids slice so a module
	// can use the pass for its own housekeeping.
	Collect func(ctx context.Context, ids []string) error
}

func (m Module[S]) getName() string      { return m.Name }
func (m Module[S]) getLocker() lock.Locker { return m.Locker }

func (m Module[S]) readSnapshot(ctx context.Context) (any, error) {
	return m.ReadDB(ctx)
}

func (m Module[S]) resolveTargets(snap any, others map[string]any) []string {
	typed, ok := snap.(S)
	if !ok {
		return nil
	}
	return m.Resolve(typed, others)
}

func (m Module[S]) collect(ctx context.Context, ids []string) error {
	return m.Collect(ctx, ids)
}
