// Package ferrors collects the sentinel error kinds named in the error
// handling design: Transient reports which kinds may clear on their own,
// terminal run-scoped kinds drive a run to cleaning, and config/startup
// kinds are fatal at startup.
package ferrors

import "errors"

var (
	// ErrConfigInvalid marks a config document that failed validation.
	// Fatal at startup; on hot-reload it is logged and the old snapshot
	// stays active.
	ErrConfigInvalid = errors.New("config invalid")

	// ErrReflinkUnsupported is returned by the startup reflink probe when
	// base_dir's filesystem cannot do copy-on-write clones.
	ErrReflinkUnsupported = errors.New("reflink unsupported on this filesystem")

	// ErrImageMissing means a referenced image path does not exist on disk.
	ErrImageMissing = errors.New("image missing")

	// ErrNoBaseAvailable is returned by use_base=never when no machine
	// image exists yet for the class.
	ErrNoBaseAvailable = errors.New("no base image available")

	// ErrAdmissionBudgetExceeded is transient: the request is requeued.
	ErrAdmissionBudgetExceeded = errors.New("admission: RAM budget exceeded")

	// ErrBaseMachineBusy is transient: a dependent run may not provision
	// while its base machine is running/persisting.
	ErrBaseMachineBusy = errors.New("admission: base machine busy")

	// ErrCIProviderAuthFailed means the CI platform rejected our
	// credentials (bad app id, malformed key, revoked installation).
	ErrCIProviderAuthFailed = errors.New("ci provider: authentication failed")

	// ErrCIProviderTransient covers failed CI API calls (non-success
	// status, network errors). Transient classifies it as retryable, but no
	// caller retries the call: a run that needed it fails and is cleaned
	// up, and the poll loop simply tries again on its next tick.
	ErrCIProviderTransient = errors.New("ci provider: transient error")

	// ErrVMSpawnFailed covers any failure to get the hypervisor child
	// process running (argv assembly, exec failure, socket timeout).
	ErrVMSpawnFailed = errors.New("vm: spawn failed")

	// ErrVMCrashed means the hypervisor process exited non-zero or was
	// killed unexpectedly.
	ErrVMCrashed = errors.New("vm: crashed")

	// ErrPersistenceTokenMismatch is non-fatal: the persistence bit is
	// dropped but the job still counts as successful.
	ErrPersistenceTokenMismatch = errors.New("persistence token mismatch")

	// ErrTemplateRenderFailed covers cloud-init template read/substitution
	// or seed packaging failures.
	ErrTemplateRenderFailed = errors.New("template render failed")
)

// Transient reports whether err should be handled by local requeue/backoff
// rather than terminating the run or the daemon.
func Transient(err error) bool {
	return errors.Is(err, ErrAdmissionBudgetExceeded) ||
		errors.Is(err, ErrBaseMachineBusy) ||
		errors.Is(err, ErrCIProviderTransient)
}
