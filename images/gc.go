package images

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/forrest-ci/forrest/gc"
	"github.com/forrest-ci/forrest/utils"
)

// imageSnapshot lists run directories (relative to runs/, four path
// components: owner/repo/class/run_id) whose qemu.pid points at a dead
// process and whose mtime is past utils.StaleTempAge — crash remnants that
// the run lifecycle manager never got to clean up.
type imageSnapshot struct {
	staleRunDirs []string
}

// GCModule returns the image manager's GC module: orphaned run directory
// cleanup. Machine images are never touched here — their lifecycle is
// governed entirely by the Readers/Stopping invariant enforced in Commit.
func (m *Manager) GCModule() gc.Module[imageSnapshot] {
	return gc.Module[imageSnapshot]{
		Name:   "images",
		Locker: m.locker,
		ReadDB: func(_ context.Context) (imageSnapshot, error) {
			var snap imageSnapshot
			cutoff := time.Now().Add(-utils.StaleTempAge)

			owners, err := os.ReadDir(m.paths.RunsDir())
			if err != nil {
				if os.IsNotExist(err) {
					return snap, nil
				}
				return snap, fmt.Errorf("scan runs dir: %w", err)
			}
			for _, owner := range owners {
				if !owner.IsDir() {
					continue
				}
				repos, _ := os.ReadDir(filepath.Join(m.paths.RunsDir(), owner.Name()))
				for _, repo := range repos {
					if !repo.IsDir() {
						continue
					}
					classes, _ := os.ReadDir(filepath.Join(m.paths.RunsDir(), owner.Name(), repo.Name()))
					for _, class := range classes {
						if !class.IsDir() {
							continue
						}
						classDir := filepath.Join(m.paths.RunsDir(), owner.Name(), repo.Name(), class.Name())
						runs, _ := os.ReadDir(classDir)
						for _, run := range runs {
							if !run.IsDir() {
								continue
							}
							runDir := filepath.Join(classDir, run.Name())
							if isStale(runDir, cutoff) {
								rel := filepath.Join(owner.Name(), repo.Name(), class.Name(), run.Name())
								snap.staleRunDirs = append(snap.staleRunDirs, rel)
							}
						}
					}
				}
			}
			return snap, nil
		},
		Resolve: func(snap imageSnapshot, _ map[string]any) []string {
			return snap.staleRunDirs
		},
		Collect: func(ctx context.Context, ids []string) error {
			for _, rel := range ids {
				dir := filepath.Join(m.paths.RunsDir(), rel)
				if err := utils.RemoveMatching(ctx, filepath.Dir(dir), func(e os.DirEntry) bool {
					return e.Name() == filepath.Base(dir)
				}); len(err) > 0 {
					return err[0]
				}
			}
			return nil
		},
	}
}

func isStale(runDir string, cutoff time.Time) bool {
	info, err := os.Stat(runDir)
	if err != nil || info.ModTime().After(cutoff) {
		return false
	}
	pid, err := utils.ReadPIDFile(filepath.Join(runDir, "qemu.pid"))
	if err != nil {
		// No PID file yet (provisioning never finished) and old — stale.
		return true
	}
	return !utils.IsProcessAlive(pid)
}

// RegisterGC registers the image manager's GC module with orch.
func (m *Manager) RegisterGC(orch *gc.Orchestrator) {
	gc.Register(orch, m.GCModule())
}
