// Package qemu drives the VM lifecycle state machine on top of
// qemu-system-x86_64: provisioning (image fork + cloud-init seed), spawn and
// supervision, persistence commit, and teardown.
package qemu

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/forrest-ci/forrest/admission"
	"github.com/forrest-ci/forrest/config"
	"github.com/forrest-ci/forrest/ferrors"
	"github.com/forrest-ci/forrest/images"
	"github.com/forrest-ci/forrest/metadata"
	"github.com/forrest-ci/forrest/types"
	"github.com/forrest-ci/forrest/utils"

	"github.com/projecteru2/core/log"
)

const (
	qemuBinary       = "qemu-system-x86_64"
	qmpDialTimeout   = 10 * time.Second
	powerdownTimeout = 30 * time.Second
)

// JITIssuer obtains the opaque JIT runner registration blob substituted as
// <JITCONFIG> in the cloud-init template tree. Implemented by the CI
// provider adapter.
type JITIssuer interface {
	IssueJITConfig(ctx context.Context, ref types.ClassRef, runID string) (string, error)
}

// Manager owns every live Run and drives it through the lifecycle state
// machine.
type Manager struct {
	paths     config.Paths
	images    *images.Manager
	admission *admission.Controller
	jit       JITIssuer
	reg       *Registry
}

// New creates a Manager. reg must be the same instance passed to
// admission.New as its BaseMachineQuery.
func New(paths config.Paths, imgs *images.Manager, adm *admission.Controller, jit JITIssuer, reg *Registry) *Manager {
	return &Manager{
		paths:     paths,
		images:    imgs,
		admission: adm,
		jit:       jit,
		reg:       reg,
	}
}

// Start admits req and, once admitted, runs the full provisioning → running
// → persisting → cleaning → done pipeline in a supervised goroutine group.
// Start returns once the run reaches a terminal state or ctx is cancelled.
func (m *Manager) Start(ctx context.Context, req *types.SchedulingRequest) error {
	logger := log.WithFunc("qemu.Start")

	run := &types.Run{
		ID:               req.ID,
		Ref:              req.Ref,
		JobID:            req.JobID,
		Class:            req.Class,
		IsPush:           req.IsPush,
		PersistenceToken: req.PersistenceToken,
		State:            types.RunQueued,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	m.reg.put(run)
	defer m.reg.remove(run.ID)

	if err := os.MkdirAll(m.paths.RunDir(run.Ref, run.ID), 0o750); err != nil { //nolint:mnd
		return fmt.Errorf("create run dir %s: %w", run.ID, err)
	}
	runLog := openRunLog(m.paths.RunLogFile(run.Ref, run.ID))
	runLog.Info().Str("job_id", fmt.Sprintf("%d", run.JobID)).Msg("queued")

	if err := m.admission.Admit(ctx, req); err != nil {
		runLog.Error().Err(err).Msg("admission failed")
		return fmt.Errorf("admit %s: %w", run.ID, err)
	}
	run.ReservedRAM = req.Class.RAM
	defer m.admission.Release(run.ReservedRAM)
	defer m.admission.Nudge()

	m.transition(run, types.RunProvisioning)
	if err := m.provision(ctx, run, runLog); err != nil {
		run.Failed, run.FailureReason = true, err.Error()
		logger.Errorf(ctx, "provision %s: %v", run.ID, err)
		runLog.Error().Err(err).Msg("provision failed")
		return m.clean(ctx, run)
	}

	m.transition(run, types.RunRunning)
	runLog.Info().Int("pid", run.PID).Msg("running")
	m.admission.Nudge() // base-machine dependents may now be unblocked... or blocked, re-scan either way

	exitErr := m.supervise(ctx, run)

	m.transition(run, types.RunPersisting)
	if exitErr == nil && run.PersistenceRequested {
		origin := fmt.Sprintf("run:%s", run.ID)
		if err := m.images.Commit(ctx, run.Ref, run.ImagePath, origin, eventTracker(runLog)); err != nil {
			logger.Warnf(ctx, "commit %s: %v", run.ID, err)
			runLog.Warn().Err(err).Msg("commit failed")
		} else {
			runLog.Info().Msg("persisted")
		}
	} else if exitErr != nil {
		run.Failed, run.FailureReason = true, exitErr.Error()
		runLog.Error().Err(exitErr).Msg("run exited with error")
	} else {
		runLog.Info().Msg("exited without persistence request")
	}

	return m.clean(ctx, run)
}

func (m *Manager) transition(run *types.Run, state types.RunState) {
	run.State = state
	run.UpdatedAt = time.Now()
	m.reg.setState(run.ID, state)
}

func (m *Manager) clean(ctx context.Context, run *types.Run) error {
	m.transition(run, types.RunCleaning)
	if err := m.images.Discard(run.Ref, run.ID); err != nil {
		log.WithFunc("qemu.clean").Warnf(ctx, "discard %s: %v", run.ID, err)
	}
	m.transition(run, types.RunDone)
	if run.Failed {
		return fmt.Errorf("%w: %s", ferrors.ErrVMCrashed, run.FailureReason)
	}
	return nil
}

func (m *Manager) provision(ctx context.Context, run *types.Run, runLog zerolog.Logger) error {
	srcPath, _, err := m.images.ResolveSource(ctx, run.Ref, run.Class)
	if err != nil {
		return fmt.Errorf("resolve source: %w", err)
	}
	imagePath, err := m.images.Fork(run.Ref, run.ID, run.Class, srcPath, eventTracker(runLog))
	if err != nil {
		return fmt.Errorf("%w: %v", ferrors.ErrVMSpawnFailed, err)
	}
	run.ImagePath = imagePath

	token, err := randomToken()
	if err != nil {
		return fmt.Errorf("generate guest token: %w", err)
	}
	run.GuestToken = token
	if err := os.WriteFile(m.paths.RunTokenFile(run.Ref, run.ID), []byte(token), 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}

	jitConfig := ""
	if m.jit != nil {
		jitConfig, err = m.jit.IssueJITConfig(ctx, run.Ref, run.ID)
		if err != nil {
			return fmt.Errorf("issue JIT config: %w", err)
		}
	}
	params := map[string]string{"JITCONFIG": jitConfig}
	for k, v := range run.Class.Setup.Parameters {
		params[k] = v
	}
	run.SeedPath = m.paths.RunSeedISO(run.Ref, run.ID)
	if err := metadata.Render(run.Class.Setup.Path, params, run.SeedPath); err != nil {
		return fmt.Errorf("%w: %v", ferrors.ErrTemplateRenderFailed, err)
	}

	argv := buildArgv(m.paths, run.Ref, run.ID, run.Class)
	cmd := exec.Command(qemuBinary, argv...) //nolint:gosec // argv built from validated config
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %v", ferrors.ErrVMSpawnFailed, err)
	}

	if err := utils.WaitFor(ctx, qmpDialTimeout, 100*time.Millisecond, func() (bool, error) { //nolint:mnd
		return fileExists(m.paths.RunQMPSocket(run.Ref, run.ID)), nil
	}); err != nil {
		return fmt.Errorf("%w: qmp socket never appeared: %v", ferrors.ErrVMSpawnFailed, err)
	}

	pid, err := utils.ReadPIDFile(m.paths.RunPIDFile(run.Ref, run.ID))
	if err != nil {
		return fmt.Errorf("%w: read pidfile: %v", ferrors.ErrVMSpawnFailed, err)
	}
	run.PID = pid
	return nil
}

// supervise waits for the guest to exit on its own. Cancelling ctx (or a
// waitExit error) triggers shutdown: an ACPI powerdown over QMP, escalating
// to utils.TerminateProcess if the guest has not exited within
// powerdownTimeout.
func (m *Manager) supervise(ctx context.Context, run *types.Run) error {
	g, gctx := errgroup.WithContext(ctx)
	exited := make(chan struct{})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return m.shutdown(run)
		case <-exited:
			return nil
		}
	})
	g.Go(func() error {
		err := m.waitExit(gctx, run)
		if err == nil {
			close(exited)
		}
		return err
	})
	return g.Wait()
}

func (m *Manager) waitExit(ctx context.Context, run *types.Run) error {
	client, err := dialQMP(ctx, m.paths.RunQMPSocket(run.Ref, run.ID))
	if err != nil {
		return fmt.Errorf("%w: %v", ferrors.ErrVMCrashed, err)
	}
	defer client.Close() //nolint:errcheck

	const forever = 365 * 24 * time.Hour
	client.WaitClosed(forever)
	if utils.IsProcessAlive(run.PID) {
		// Socket dropped but process lingers (rare) — treat as crash signal
		// for the purposes of the lifecycle; clean() always discards.
		return fmt.Errorf("%w: qmp closed but process %d still alive", ferrors.ErrVMCrashed, run.PID)
	}
	run.ExitCode = 0
	return nil
}

func (m *Manager) shutdown(run *types.Run) error {
	ctx, cancel := context.WithTimeout(context.Background(), qmpDialTimeout)
	defer cancel()
	client, err := dialQMP(ctx, m.paths.RunQMPSocket(run.Ref, run.ID))
	if err != nil {
		return utils.TerminateProcess(ctx, run.PID, powerdownTimeout)
	}
	defer client.Close() //nolint:errcheck

	if err := client.Powerdown(); err != nil {
		return utils.TerminateProcess(ctx, run.PID, powerdownTimeout)
	}
	if client.WaitClosed(powerdownTimeout) {
		return nil
	}
	return utils.TerminateProcess(ctx, run.PID, powerdownTimeout)
}

// Runs lists every non-terminal run, for operator introspection.
func (m *Manager) Runs() []*types.Run { return m.reg.list() }

func randomToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
