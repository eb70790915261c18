// Package daemon wires together every component into the running process:
// config load/watch, the webhook receiver, the polling backstop, the
// admission scanner, the VM lifecycle manager, the in-guest control API,
// and periodic image GC.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forrest-ci/forrest/admission"
	"github.com/forrest-ci/forrest/ciprovider"
	"github.com/forrest-ci/forrest/config"
	"github.com/forrest-ci/forrest/gc"
	"github.com/forrest-ci/forrest/guestapi"
	"github.com/forrest-ci/forrest/hypervisor/qemu"
	"github.com/forrest-ci/forrest/images"
	"github.com/forrest-ci/forrest/intake"
	"github.com/forrest-ci/forrest/types"

	"github.com/projecteru2/core/log"
)

const (
	guestAPIAddr = "0.0.0.0:8080"
	gcInterval   = 5 * time.Minute
)

// Daemon owns every long-lived component and their shared lifetime.
type Daemon struct {
	store     *config.Store
	images    *images.Manager
	admission *admission.Controller
	qemu      *qemu.Manager
	ci        *ciprovider.Client
	intake    *intake.Intake
	guestapi  *guestapi.Server
	orch      *gc.Orchestrator
	paths     config.Paths
}

// New loads configPath and constructs every component. It performs the
// startup validation spec.md calls for: config parse, base dir creation,
// and the reflink capability probe — any failure here is fatal.
func New(configPath string) (*Daemon, error) {
	store, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	snap := store.Current()
	paths := config.PathsFor(snap)
	if err := paths.EnsureBaseDirs(); err != nil {
		return nil, fmt.Errorf("ensure base dirs: %w", err)
	}
	if err := images.ProbeReflink(paths.BaseDir); err != nil {
		return nil, fmt.Errorf("reflink probe: %w", err)
	}

	imagesMgr := images.New(paths)

	reg := qemu.NewRegistry()
	adm := admission.New(snap.Host.RAMBudget, reg)

	ciClient, err := ciprovider.New(snap.CI)
	if err != nil {
		return nil, fmt.Errorf("init ci provider: %w", err)
	}

	qemuMgr := qemu.New(paths, imagesMgr, adm, ciClient, reg)
	in := intake.New(store, qemuMgr)
	api := guestapi.New(guestAPIAddr, reg, reg)

	orch := gc.New()
	imagesMgr.RegisterGC(orch)

	return &Daemon{
		store:     store,
		images:    imagesMgr,
		admission: adm,
		qemu:      qemuMgr,
		ci:        ciClient,
		intake:    in,
		guestapi:  api,
		orch:      orch,
		paths:     paths,
	}, nil
}

// Run blocks until ctx is cancelled, driving every singleton task
// concurrently, then drains gracefully: the webhook socket closes first so
// no new runs are admitted, queued requests are dropped, and live runs get
// a bounded graceful shutdown (handled inside qemu.Manager/admission).
func (d *Daemon) Run(ctx context.Context) error {
	logger := log.WithFunc("daemon.Run")
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.store.Watch(gctx) })
	g.Go(func() error { d.admission.Run(gctx); return nil })
	g.Go(func() error { return d.guestapi.Run(gctx) })
	webhookDone := make(chan struct{})
	g.Go(func() error { defer close(webhookDone); return d.runWebhookReceiver(gctx) })
	g.Go(func() error {
		d.ci.Run(gctx, d.store.Current, func(ev types.JobEvent) { d.intake.Emit(gctx, ev) })
		return nil
	})
	g.Go(func() error { d.runGC(gctx); return nil })

	<-gctx.Done()
	<-webhookDone // webhook socket closed before queued requests are dropped
	d.admission.Close()
	logger.Infof(ctx, "shutting down")
	return g.Wait()
}

func (d *Daemon) runGC(ctx context.Context) {
	logger := log.WithFunc("daemon.runGC")
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.orch.Run(ctx); err != nil {
				logger.Warnf(ctx, "gc cycle: %v", err)
			}
		}
	}
}

func (d *Daemon) runWebhookReceiver(ctx context.Context) error {
	ln, err := net.Listen("unix", d.paths.APISocket())
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.paths.APISocket(), err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.handleWebhook(w, r, ctx)
	})}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:mnd
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
