package daemon

import (
	"context"
	"io"
	"net/http"

	"github.com/forrest-ci/forrest/ciprovider"

	"github.com/projecteru2/core/log"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// handleWebhook verifies the HMAC signature and dispatches workflow_job
// events into intake. Only workflow_job is meaningful; every other event
// type is acknowledged and ignored, per §6.
//
// rootCtx is the daemon's own lifetime context, not r.Context(): net/http
// cancels the request context the instant ServeHTTP returns, but Emit
// dispatches the run in a goroutine that outlives this handler call. Using
// r.Context() there would abort every webhook-triggered run right after the
// 200 response. Reading and validating the request body still uses r's
// normal lifecycle; only the dispatched run is bound to rootCtx.
func (d *Daemon) handleWebhook(w http.ResponseWriter, r *http.Request, rootCtx context.Context) {
	logger := log.WithFunc("daemon.handleWebhook")

	if r.Header.Get("X-GitHub-Event") != "workflow_job" {
		w.WriteHeader(http.StatusOK)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if !d.ci.VerifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	ev, ok, err := ciprovider.ParseWorkflowJob(body)
	if err != nil {
		logger.Warnf(rootCtx, "parse workflow_job: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if ok {
		d.intake.Emit(rootCtx, ev)
	}
	w.WriteHeader(http.StatusOK)
}
