// Package images resolves the source image a new run forks from, performs
// the reflink fork itself, and promotes or discards the resulting run image
// once the run finishes.
package images

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/forrest-ci/forrest/config"
	"github.com/forrest-ci/forrest/ferrors"
	"github.com/forrest-ci/forrest/lock"
	"github.com/forrest-ci/forrest/lock/flock"
	"github.com/forrest-ci/forrest/progress"
	"github.com/forrest-ci/forrest/storage/json"
	"github.com/forrest-ci/forrest/types"
)

// Event is the progress.Tracker payload Fork and Commit emit: the two
// operations slow enough on first use (cold reflink, cross-directory
// rename) that an operator watching a run's log benefits from knowing
// which stage is in flight.
type Event struct {
	Op   string // "fork" or "commit"
	Ref  types.ClassRef
	Path string
	Done bool
	Err  error
}

// Manager maintains the durable (owner, repo, machine_class) -> machine
// image record index and drives the src -> machine -> run lineage.
type Manager struct {
	paths  config.Paths
	locker lock.Locker
	store  *json.Store[indexDoc]
}

// New creates a Manager rooted at paths.BaseDir. The same locker instance
// backs both the JSON index store and GC's image module, per the Store
// injection contract in storage/json.
func New(paths config.Paths) *Manager {
	locker := flock.New(paths.ImageIndexLock())
	return &Manager{
		paths:  paths,
		locker: locker,
		store:  json.New[indexDoc](paths.ImageIndexFile(), locker),
	}
}

// Locker exposes the shared index lock so a GC module can be registered
// against the same instance.
func (m *Manager) Locker() lock.Locker { return m.locker }

// ResolveSource applies class.UseBase and returns the path and mtime of the
// image a new run should fork from. When the chosen source is a tracked
// machine image, its reader count is incremented before returning — callers
// must call Release with the same ref once the run's image no longer
// depends on it (after the reflink fork completes, since the fork itself is
// a point-in-time copy).
func (m *Manager) ResolveSource(ctx context.Context, ref types.ClassRef, class *types.MachineClass) (path string, mtime time.Time, err error) {
	var resolvedRef *types.ClassRef
	updateErr := m.store.Update(ctx, func(idx *indexDoc) error {
		p, mt, rr, rErr := resolve(idx, ref, class)
		if rErr != nil {
			return rErr
		}
		path, mtime, resolvedRef = p, mt, rr
		if resolvedRef != nil {
			idx.Images[resolvedRef.String()].Readers++
		}
		return nil
	})
	if updateErr != nil {
		return "", time.Time{}, updateErr
	}
	return path, mtime, nil
}

// Release decrements the reader count previously incremented by
// ResolveSource for ref (a no-op if ref is nil, mirroring the "source was a
// bare base_image" case).
func (m *Manager) Release(ctx context.Context, ref *types.ClassRef) error {
	if ref == nil {
		return nil
	}
	return m.store.Update(ctx, func(idx *indexDoc) error {
		rec := idx.Images[ref.String()]
		if rec != nil && rec.Readers > 0 {
			rec.Readers--
		}
		return nil
	})
}

// resolve implements the use_base policy. It never mutates idx itself
// (the caller applies the reader-count bump); it only reads.
func resolve(idx *indexDoc, ref types.ClassRef, class *types.MachineClass) (path string, mtime time.Time, machineRef *types.ClassRef, err error) {
	current := idx.Images[ref.String()]

	declaredPath, declaredMtime, declaredRef, err := declaredBase(idx, class)
	if err != nil {
		return "", time.Time{}, nil, err
	}

	switch class.UseBase {
	case types.UseBaseAlways:
		if declaredPath == "" {
			return "", time.Time{}, nil, fmt.Errorf("%w: class %s has use_base=always but no base_image/base_machine",
				ferrors.ErrNoBaseAvailable, ref)
		}
		return declaredPath, declaredMtime, declaredRef, nil

	case types.UseBaseNever:
		if current == nil {
			return "", time.Time{}, nil, fmt.Errorf("%w: class %s has no machine image yet", ferrors.ErrNoBaseAvailable, ref)
		}
		r := ref
		return current.Path, current.Mtime, &r, nil

	default: // UseBaseIfNewer
		if current == nil {
			if declaredPath == "" {
				return "", time.Time{}, nil, fmt.Errorf("%w: class %s has no machine image and no declared base",
					ferrors.ErrNoBaseAvailable, ref)
			}
			return declaredPath, declaredMtime, declaredRef, nil
		}
		if declaredPath == "" {
			r := ref
			return current.Path, current.Mtime, &r, nil
		}
		// Ties resolve to the machine image.
		if declaredMtime.After(current.Mtime) {
			return declaredPath, declaredMtime, declaredRef, nil
		}
		r := ref
		return current.Path, current.Mtime, &r, nil
	}
}

// declaredBase resolves a class's static base_image or base_machine
// declaration to a (path, mtime, ref) triple. ref is non-nil only when the
// base is another class's current machine image (so its reader count must
// be tracked too); a bare base_image file is untracked. Returns ("", zero,
// nil, nil) when the class declares neither.
func declaredBase(idx *indexDoc, class *types.MachineClass) (path string, mtime time.Time, ref *types.ClassRef, err error) {
	switch {
	case class.BaseImage != "":
		info, statErr := os.Stat(class.BaseImage)
		if statErr != nil {
			return "", time.Time{}, nil, fmt.Errorf("%w: base_image %s: %v", ferrors.ErrImageMissing, class.BaseImage, statErr)
		}
		return class.BaseImage, info.ModTime(), nil, nil

	case class.BaseMachine != nil:
		rec := idx.Images[class.BaseMachine.String()]
		if rec == nil {
			return "", time.Time{}, nil, nil
		}
		bm := *class.BaseMachine
		return rec.Path, rec.Mtime, &bm, nil

	default:
		return "", time.Time{}, nil, nil
	}
}

// Fork performs the reflink copy-on-write clone from srcPath into the run
// directory for ref/runID, then sparsely extends it to class.Disk bytes.
// tracker receives start/end Events around the clone itself — the only step
// here slow enough to be worth surfacing (first use on a given source can
// fall back to a full block copy at the filesystem level).
func (m *Manager) Fork(ref types.ClassRef, runID string, class *types.MachineClass, srcPath string, tracker progress.Tracker) (string, error) {
	runDir := m.paths.RunDir(ref, runID)
	if err := os.MkdirAll(runDir, 0o750); err != nil {
		return "", fmt.Errorf("create run dir %s: %w", runDir, err)
	}
	dst := m.paths.RunDiskImage(ref, runID)
	tracker.OnEvent(Event{Op: "fork", Ref: ref, Path: dst})
	if err := reflink(srcPath, dst); err != nil {
		tracker.OnEvent(Event{Op: "fork", Ref: ref, Path: dst, Done: true, Err: err})
		return "", fmt.Errorf("fork %s: %w", ref, err)
	}
	if err := os.Truncate(dst, class.Disk); err != nil {
		return "", fmt.Errorf("extend %s to %d bytes: %w", dst, class.Disk, err)
	}
	tracker.OnEvent(Event{Op: "fork", Ref: ref, Path: dst, Done: true})
	return dst, nil
}

// Commit promotes a completed run's image to be the new machine image for
// ref: atomic rename over the previous machine image (if any) and an index
// update recording the new mtime and lineage origin. Refused while the
// existing record has readers or is mid-stop, per the immutability
// invariant.
func (m *Manager) Commit(ctx context.Context, ref types.ClassRef, runImagePath, origin string, tracker progress.Tracker) error {
	dst := m.paths.MachineImage(ref)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("create machine dir for %s: %w", ref, err)
	}
	tracker.OnEvent(Event{Op: "commit", Ref: ref, Path: dst})

	err := m.store.Update(ctx, func(idx *indexDoc) error {
		existing := idx.Images[ref.String()]
		if existing != nil && (existing.Readers > 0 || existing.Stopping) {
			return fmt.Errorf("commit %s: image busy (readers=%d stopping=%v)", ref, existing.Readers, existing.Stopping)
		}
		if existing != nil {
			existing.Stopping = true
		}
		if err := os.Rename(runImagePath, dst); err != nil {
			return fmt.Errorf("commit %s: rename %s -> %s: %w", ref, runImagePath, dst, err)
		}
		info, err := os.Stat(dst)
		if err != nil {
			return fmt.Errorf("commit %s: stat %s: %w", ref, dst, err)
		}
		idx.Images[ref.String()] = &types.MachineImage{
			Ref:    ref,
			Path:   dst,
			Mtime:  info.ModTime(),
			Origin: origin,
		}
		return nil
	})
	tracker.OnEvent(Event{Op: "commit", Ref: ref, Path: dst, Done: true, Err: err})
	return err
}

// Discard removes a run's forked image and its run directory without
// touching the durable machine image record.
func (m *Manager) Discard(ref types.ClassRef, runID string) error {
	if err := os.RemoveAll(m.paths.RunDir(ref, runID)); err != nil {
		return fmt.Errorf("discard run dir for %s/%s: %w", ref, runID, err)
	}
	return nil
}
