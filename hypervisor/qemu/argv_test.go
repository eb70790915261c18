package qemu

import (
	"strings"
	"testing"

	"github.com/forrest-ci/forrest/config"
	"github.com/forrest-ci/forrest/types"
)

func testRef() types.ClassRef {
	return types.ClassRef{
		RepoRef: types.RepoRef{Owner: "acme", Repo: "widgets"},
		Class:   "gpu-large",
	}
}

func flagValue(args []string, flag string) (string, bool) {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}

func TestBuildArgvBasicFlags(t *testing.T) {
	paths := config.Paths{BaseDir: "/var/lib/forrest"}
	class := &types.MachineClass{CPU: 4, RAM: 8 * 1024 * 1024 * 1024} //nolint:mnd

	args := buildArgv(paths, testRef(), "run-1", class)

	if got, ok := flagValue(args, "-smp"); !ok || got != "4" {
		t.Errorf("-smp = %q, ok=%v, want 4", got, ok)
	}
	if got, ok := flagValue(args, "-m"); !ok || got != "8192M" { //nolint:mnd
		t.Errorf("-m = %q, ok=%v, want 8192M", got, ok)
	}
	if got, ok := flagValue(args, "-pidfile"); !ok || !strings.HasSuffix(got, "qemu.pid") {
		t.Errorf("-pidfile = %q, ok=%v, want a path ending in qemu.pid", got, ok)
	}
}

func TestBuildArgvDiskDrivesReferenceRunPaths(t *testing.T) {
	paths := config.Paths{BaseDir: "/var/lib/forrest"}
	class := &types.MachineClass{CPU: 1, RAM: 1024 * 1024 * 1024} //nolint:mnd

	args := buildArgv(paths, testRef(), "run-1", class)

	var driveArgs []string
	for i, a := range args {
		if a == "-drive" && i+1 < len(args) {
			driveArgs = append(driveArgs, args[i+1])
		}
	}
	if len(driveArgs) != 2 { //nolint:mnd
		t.Fatalf("got %d -drive args, want 2 (disk + seed iso)", len(driveArgs))
	}
	if !strings.Contains(driveArgs[0], "disk.img") || !strings.Contains(driveArgs[0], "format=qcow2") {
		t.Errorf("first drive = %q, want the writable qcow2 disk image", driveArgs[0])
	}
	if !strings.Contains(driveArgs[1], "seed.iso") || !strings.Contains(driveArgs[1], "readonly=on") {
		t.Errorf("second drive = %q, want the readonly seed iso", driveArgs[1])
	}
}

func TestBuildArgvSharedMountsWritableVsReadonly(t *testing.T) {
	paths := config.Paths{BaseDir: "/var/lib/forrest"}
	class := &types.MachineClass{
		CPU: 1,
		RAM: 1024 * 1024 * 1024, //nolint:mnd
		Shared: []types.SharedMount{
			{Path: "/host/cache", Tag: "cache", Writable: true},
			{Path: "/host/ro", Tag: "ro", Writable: false},
		},
	}

	args := buildArgv(paths, testRef(), "run-1", class)
	joined := strings.Join(args, " ")

	if !strings.Contains(joined, "mount_tag=cache") {
		t.Error("missing mount_tag=cache fsdev device")
	}
	if !strings.Contains(joined, "mount_tag=ro") {
		t.Error("missing mount_tag=ro fsdev device")
	}

	var fsdevArgs []string
	for i, a := range args {
		if a == "-fsdev" && i+1 < len(args) {
			fsdevArgs = append(fsdevArgs, args[i+1])
		}
	}
	if len(fsdevArgs) != 2 { //nolint:mnd
		t.Fatalf("got %d -fsdev args, want 2", len(fsdevArgs))
	}
	if strings.Contains(fsdevArgs[0], "readonly=on") {
		t.Errorf("writable mount got readonly=on: %q", fsdevArgs[0])
	}
	if !strings.Contains(fsdevArgs[1], "readonly=on") {
		t.Errorf("non-writable mount missing readonly=on: %q", fsdevArgs[1])
	}
}

func TestBuildArgvNoSharedMountsAddsNoFsdev(t *testing.T) {
	paths := config.Paths{BaseDir: "/var/lib/forrest"}
	class := &types.MachineClass{CPU: 1, RAM: 1024 * 1024 * 1024} //nolint:mnd

	args := buildArgv(paths, testRef(), "run-1", class)
	for _, a := range args {
		if a == "-fsdev" {
			t.Fatal("buildArgv added an -fsdev flag with no Shared mounts configured")
		}
	}
}
