package ciprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/forrest-ci/forrest/types"

	"github.com/projecteru2/core/log"
)

const defaultPollingInterval = 15 * time.Minute

// Poll lists queued workflow jobs for every repo in snapshot and invokes
// emit for each. It is a belt-and-braces path alongside the webhook
// receiver — emit's caller is expected to dedupe by job ID, exactly as it
// would for a webhook-delivered event.
func (c *Client) Poll(ctx context.Context, snapshot *types.ConfigSnapshot, emit func(types.JobEvent)) error {
	for key, repo := range snapshot.Repos {
		jobs, err := c.listQueuedJobs(ctx, repo.Owner, repo.Repo)
		if err != nil {
			return fmt.Errorf("poll %s: %w", key, err)
		}
		for _, j := range jobs {
			emit(types.JobEvent{
				JobID:  j.ID,
				Action: types.JobQueued,
				Owner:  repo.Owner,
				Repo:   repo.Repo,
				Labels: j.Labels,
				IsPush: j.isPush(repo.Owner, repo.Repo),
			})
		}
	}
	return nil
}

// Run drives Poll on a ticker until ctx is cancelled. interval falls back to
// defaultPollingInterval when cfg.PollingInterval is zero.
func (c *Client) Run(ctx context.Context, snapshot func() *types.ConfigSnapshot, emit func(types.JobEvent)) {
	interval := defaultPollingInterval
	if c.cfg.PollingInterval > 0 {
		interval = time.Duration(c.cfg.PollingInterval) * time.Second
	}
	logger := log.WithFunc("ciprovider.Poll")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Poll(ctx, snapshot(), emit); err != nil {
				logger.Warnf(ctx, "poll: %v", err)
			}
		}
	}
}

type queuedJob struct {
	ID     int64    `json:"id"`
	Labels []string `json:"labels"`
	// HeadRepository is the repo the run's commit actually lives in. For a
	// push it's the base repo itself; for a pull_request from a fork it
	// names the fork. Mirrors the fork-detection ParseWorkflowJob does for
	// webhook deliveries, so the two paths agree on the same run.
	HeadRepository struct {
		FullName string `json:"full_name"`
	} `json:"head_repository"`
}

// isPush reports whether this run's commit lives in owner/repo itself
// rather than a fork. The API omitting head_repository (an unexpected,
// degraded response) is treated as non-push — persistence is refused
// rather than assumed whenever this can't be established with confidence.
func (j queuedJob) isPush(owner, repo string) bool {
	return j.HeadRepository.FullName == owner+"/"+repo
}

func (c *Client) listQueuedJobs(ctx context.Context, owner, repo string) ([]queuedJob, error) {
	instID, err := c.installationID(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	token, err := c.InstallationToken(ctx, instID)
	if err != nil {
		return nil, err
	}

	url := c.apiURL(fmt.Sprintf("/repos/%s/%s/actions/runs?status=queued", owner, repo))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list runs → %d", resp.StatusCode)
	}

	var out struct {
		WorkflowRuns []queuedJob `json:"workflow_runs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode runs response: %w", err)
	}
	return out.WorkflowRuns, nil
}
