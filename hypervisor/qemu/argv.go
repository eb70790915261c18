package qemu

import (
	"fmt"
	"strconv"

	"github.com/forrest-ci/forrest/config"
	"github.com/forrest-ci/forrest/types"
)

// buildArgv assembles qemu-system-x86_64's argv for one run. User-mode
// networking alone is enough for the guest to reach the in-guest control
// API: QEMU's own slirp stack maps the guest's connection to 10.0.2.2:8080
// onto a plain loopback connection from the qemu process to the host's
// shared guestapi listener — no hostfwd rule is needed, since nothing
// outside the guest needs to reach in.
func buildArgv(paths config.Paths, ref types.ClassRef, runID string, class *types.MachineClass) []string {
	args := []string{
		"-machine", "accel=kvm",
		"-cpu", "host",
		"-smp", strconv.Itoa(class.CPU),
		"-m", strconv.FormatInt(class.RAM/(1<<20), 10) + "M", //nolint:mnd
		"-drive", fmt.Sprintf("file=%s,if=virtio,format=qcow2", paths.RunDiskImage(ref, runID)),
		"-drive", fmt.Sprintf("file=%s,if=virtio,format=raw,readonly=on", paths.RunSeedISO(ref, runID)),
		"-netdev", "user,id=net0",
		"-device", "virtio-net-pci,netdev=net0",
		"-chardev", fmt.Sprintf("socket,id=char0,path=%s,server=on,wait=off", paths.RunShellSocket(ref, runID)),
		"-device", "isa-serial,chardev=char0",
	}

	for i, sh := range class.Shared {
		id := fmt.Sprintf("fsdev%d", i)
		opts := fmt.Sprintf("local,id=%s,path=%s,security_model=mapped", id, sh.Path)
		if !sh.Writable {
			opts += ",readonly=on"
		}
		args = append(args,
			"-fsdev", opts,
			"-device", fmt.Sprintf("virtio-9p-pci,fsdev=%s,mount_tag=%s", id, sh.Tag),
		)
	}

	args = append(args,
		"-qmp", fmt.Sprintf("unix:%s,server=on,wait=off", paths.RunQMPSocket(ref, runID)),
		"-daemonize",
		"-pidfile", paths.RunPIDFile(ref, runID),
	)
	return args
}
