package daemon

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/forrest-ci/forrest/ciprovider"
	"github.com/forrest-ci/forrest/config"
	"github.com/forrest-ci/forrest/intake"
	"github.com/forrest-ci/forrest/types"
)

type recordingStarter struct {
	mu   sync.Mutex
	reqs []*types.SchedulingRequest
	done chan struct{}
}

// Start mimics admission.Admit's shape: it selects on ctx.Done() before
// ever recording the request, so a Starter driven by an already-cancelled
// (or soon-cancelled) context behaves the same way the real admission
// controller would — aborting instead of recording.
func (s *recordingStarter) Start(ctx context.Context, req *types.SchedulingRequest) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(20 * time.Millisecond): //nolint:mnd
	}

	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	if s.done != nil {
		s.done <- struct{}{}
	}
	return nil
}

func testPrivateKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048) //nolint:mnd
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	der := x509.MarshalPKCS1PrivateKey(key)
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})
}

func newTestDaemon(t *testing.T) (*Daemon, *recordingStarter) {
	t.Helper()
	ci, err := ciprovider.New(types.CIProviderConfig{
		AppID:         1,
		PrivateKeyPEM: testPrivateKeyPEM(t),
		WebhookSecret: []byte("s3cr3t"),
	})
	if err != nil {
		t.Fatalf("ciprovider.New: %v", err)
	}

	setupDir := t.TempDir()
	yaml := `
host:
  base_dir: /var/lib/forrest
  ram_budget: 32Gi
repos:
  - owner: acme
    repo: widgets
    classes:
      gpu-large:
        disk: 10Gi
        ram: 4Gi
        setup_template:
          path: ` + setupDir + `
`
	path := filepath.Join(t.TempDir(), "forrest.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	store, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}

	starter := &recordingStarter{done: make(chan struct{}, 1)}
	return &Daemon{ci: ci, intake: intake.New(store, starter)}, starter
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body) //nolint:errcheck
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestHandleWebhookIgnoresNonWorkflowJobEvents(t *testing.T) {
	d, _ := newTestDaemon(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte("{}")))
	req.Header.Set("X-GitHub-Event", "ping")
	rec := httptest.NewRecorder()

	d.handleWebhook(rec, req, context.Background())
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for an ignored event type", rec.Code)
	}
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	d, _ := newTestDaemon(t)
	body := []byte(`{"action":"queued","workflow_job":{"id":1,"labels":["self-hosted","gpu-large"]},"repository":{"owner":{"login":"acme"},"name":"widgets"}}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "workflow_job")
	req.Header.Set("X-Hub-Signature-256", sign("wrong-secret", body))
	rec := httptest.NewRecorder()

	d.handleWebhook(rec, req, context.Background())
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for a bad signature", rec.Code)
	}
}

func TestHandleWebhookDispatchesValidEvent(t *testing.T) {
	d, starter := newTestDaemon(t)
	body := []byte(`{"action":"queued","workflow_job":{"id":7,"labels":["self-hosted","gpu-large"]},"repository":{"owner":{"login":"acme"},"name":"widgets"}}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "workflow_job")
	req.Header.Set("X-Hub-Signature-256", sign("s3cr3t", body))
	rec := httptest.NewRecorder()

	d.handleWebhook(rec, req, context.Background())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	select {
	case <-starter.done:
	case <-time.After(time.Second):
		t.Fatal("webhook handler never dispatched through intake to Starter")
	}
}

// TestHandleWebhookSurvivesRequestContextCancellation guards against
// binding the dispatched run to the request's own context: net/http
// cancels req.Context() the moment ServeHTTP returns, which happens well
// before the Starter goroutine runs. The run must still be dispatched.
func TestHandleWebhookSurvivesRequestContextCancellation(t *testing.T) {
	d, starter := newTestDaemon(t)
	body := []byte(`{"action":"queued","workflow_job":{"id":9,"labels":["self-hosted","gpu-large"]},"repository":{"owner":{"login":"acme"},"name":"widgets"}}`)

	reqCtx, cancelReq := context.WithCancel(context.Background())
	req := httptest.NewRequestWithContext(reqCtx, http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "workflow_job")
	req.Header.Set("X-Hub-Signature-256", sign("s3cr3t", body))
	rec := httptest.NewRecorder()

	d.handleWebhook(rec, req, context.Background())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// Simulate net/http cancelling the request context right after the
	// handler returns, as it does for every real request.
	cancelReq()

	select {
	case <-starter.done:
	case <-time.After(time.Second):
		t.Fatal("run was not dispatched after the request context was cancelled; Emit must use the daemon root context, not r.Context()")
	}
}

func TestHandleWebhookMalformedBody(t *testing.T) {
	d, _ := newTestDaemon(t)
	body := []byte("not json")

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "workflow_job")
	req.Header.Set("X-Hub-Signature-256", sign("s3cr3t", body))
	rec := httptest.NewRecorder()

	d.handleWebhook(rec, req, context.Background())
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for a malformed body", rec.Code)
	}
}
