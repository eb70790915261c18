package ciprovider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/forrest-ci/forrest/types"
)

// VerifySignature checks a "sha256=<hex>" signature header against body,
// HMAC-SHA256 keyed by the configured webhook secret. There is no
// third-party HMAC-verification library in use anywhere in the reference
// corpus; crypto/hmac + crypto/sha256 + hmac.Equal is the standard,
// constant-time way to do this and pulling in a dependency for it would add
// nothing.
func (c *Client) VerifySignature(body []byte, signatureHeader string) bool {
	const prefix = "sha256="
	hexSig, ok := strings.CutPrefix(signatureHeader, prefix)
	if !ok {
		return false
	}
	sig, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, c.cfg.WebhookSecret)
	mac.Write(body) //nolint:errcheck
	return hmac.Equal(sig, mac.Sum(nil))
}

// workflowJobPayload is the subset of a workflow_job webhook payload Forrest
// consumes.
type workflowJobPayload struct {
	Action      string `json:"action"`
	WorkflowJob struct {
		ID     int64    `json:"id"`
		Labels []string `json:"labels"`
	} `json:"workflow_job"`
	Repository struct {
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
		Name string `json:"name"`
	} `json:"repository"`
	// PullRequest is present (non-null) when the job belongs to a PR build;
	// its absence/null means this run is for a push to the repo itself.
	PullRequest *struct {
		Head struct {
			Repo struct {
				FullName string `json:"full_name"`
			} `json:"repo"`
		} `json:"head"`
	} `json:"pull_request,omitempty"`
}

// ParseWorkflowJob decodes a workflow_job event body into a normalized
// JobEvent. Only "queued", "in_progress", "completed" actions are
// meaningful; others are returned with ok=false so the caller can
// acknowledge and ignore.
func ParseWorkflowJob(body []byte) (ev types.JobEvent, ok bool, err error) {
	var p workflowJobPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return types.JobEvent{}, false, fmt.Errorf("decode workflow_job payload: %w", err)
	}

	switch types.JobEventAction(p.Action) {
	case types.JobQueued, types.JobInProgress, types.JobCompleted:
	default:
		return types.JobEvent{}, false, nil
	}

	isPush := true
	if p.PullRequest != nil {
		fullName := p.Repository.Owner.Login + "/" + p.Repository.Name
		isPush = p.PullRequest.Head.Repo.FullName == fullName
	}

	return types.JobEvent{
		JobID:  p.WorkflowJob.ID,
		Action: types.JobEventAction(p.Action),
		Owner:  p.Repository.Owner.Login,
		Repo:   p.Repository.Name,
		Labels: p.WorkflowJob.Labels,
		IsPush: isPush,
	}, true, nil
}
