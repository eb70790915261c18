package config

import (
	"path/filepath"

	"github.com/forrest-ci/forrest/types"
	"github.com/forrest-ci/forrest/utils"
)

// Paths builds the on-disk layout rooted at a snapshot's host.base_dir:
//
//	api.sock
//	runs/<owner>/<repo>/<machine_class>/<run_id>/{disk.img, seed.iso, shell.sock, qmp.sock, qemu.pid, token, log}
//	machines/<owner>/<repo>/<machine_class>.img
type Paths struct {
	BaseDir string
}

// PathsFor returns the path builder for a given snapshot.
func PathsFor(snap *types.ConfigSnapshot) Paths {
	return Paths{BaseDir: snap.Host.BaseDir}
}

// EnsureBaseDirs creates the static top-level directories. Per-run and
// per-machine-class directories are created on demand.
func (p Paths) EnsureBaseDirs() error {
	return utils.EnsureDirs(p.runsDir(), p.machinesDir())
}

func (p Paths) APISocket() string { return filepath.Join(p.BaseDir, "api.sock") }

func (p Paths) runsDir() string     { return filepath.Join(p.BaseDir, "runs") }
func (p Paths) machinesDir() string { return filepath.Join(p.BaseDir, "machines") }

// RunsDir exposes the root of the runs/ tree, for GC's orphan directory scan.
func (p Paths) RunsDir() string { return p.runsDir() }

// RunDir returns the per-run scratch directory for a (owner, repo,
// machine_class, run_id) quadruple.
func (p Paths) RunDir(ref types.ClassRef, runID string) string {
	return filepath.Join(p.runsDir(), ref.Owner, ref.Repo, ref.Class, runID)
}

func (p Paths) RunDiskImage(ref types.ClassRef, runID string) string {
	return filepath.Join(p.RunDir(ref, runID), "disk.img")
}
func (p Paths) RunSeedISO(ref types.ClassRef, runID string) string {
	return filepath.Join(p.RunDir(ref, runID), "seed.iso")
}
func (p Paths) RunShellSocket(ref types.ClassRef, runID string) string {
	return filepath.Join(p.RunDir(ref, runID), "shell.sock")
}
func (p Paths) RunQMPSocket(ref types.ClassRef, runID string) string {
	return filepath.Join(p.RunDir(ref, runID), "qmp.sock")
}
func (p Paths) RunPIDFile(ref types.ClassRef, runID string) string {
	return filepath.Join(p.RunDir(ref, runID), "qemu.pid")
}
func (p Paths) RunTokenFile(ref types.ClassRef, runID string) string {
	return filepath.Join(p.RunDir(ref, runID), "token")
}
func (p Paths) RunLogFile(ref types.ClassRef, runID string) string {
	return filepath.Join(p.RunDir(ref, runID), "log")
}

// MachineClassDir returns the directory holding a machine class's persisted
// image (owner/repo/ prefix, without the trailing .img file itself).
func (p Paths) MachineClassDir(ref types.RepoRef) string {
	return filepath.Join(p.machinesDir(), ref.Owner, ref.Repo)
}

// MachineImage returns the path to the persisted machine image for a class.
func (p Paths) MachineImage(ref types.ClassRef) string {
	return filepath.Join(p.MachineClassDir(ref.RepoRef), ref.Class+".img")
}

// ImageIndexFile is the JSON-backed machine image record index.
func (p Paths) ImageIndexFile() string { return filepath.Join(p.BaseDir, "images.json") }

// ImageIndexLock guards ImageIndexFile and doubles as the per-process lock
// shared between the image store and its GC module.
func (p Paths) ImageIndexLock() string { return filepath.Join(p.BaseDir, "images.lock") }
