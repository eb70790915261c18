package ciprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/forrest-ci/forrest/ferrors"
	"github.com/forrest-ci/forrest/types"
)

const runnerGroupDefault = 1

// installationID resolves and caches the app installation ID for
// (owner, repo), since the app JWT alone can't generate jitconfigs — every
// repo-scoped call needs an installation access token.
func (c *Client) installationID(ctx context.Context, owner, repo string) (int64, error) {
	key := owner + "/" + repo
	c.mu.Lock()
	if id, ok := c.installations[key]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	jwtTok, err := c.appJWT(time.Now())
	if err != nil {
		return 0, err
	}
	id, err := c.getInstallationID(ctx, owner, repo, jwtTok)
	if err != nil {
		return 0, fmt.Errorf("%w: resolve installation for %s/%s: %v", ferrors.ErrCIProviderAuthFailed, owner, repo, err)
	}

	c.mu.Lock()
	c.installations[key] = id
	c.mu.Unlock()
	return id, nil
}

func (c *Client) getInstallationID(ctx context.Context, owner, repo, jwtTok string) (int64, error) {
	url := c.apiURL(fmt.Sprintf("/repos/%s/%s/installation", owner, repo))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+jwtTok)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("installation lookup → %d", resp.StatusCode)
	}
	var out struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode installation response: %w", err)
	}
	return out.ID, nil
}

// IssueJITConfig registers a one-shot, scoped runner for (owner, repo) with
// labels {self-hosted, forrest, <machine_class>} and returns the opaque
// encoded_jit_config blob the in-guest runner agent uses to join.
func (c *Client) IssueJITConfig(ctx context.Context, ref types.ClassRef, runID string) (string, error) {
	instID, err := c.installationID(ctx, ref.Owner, ref.Repo)
	if err != nil {
		return "", err
	}
	token, err := c.InstallationToken(ctx, instID)
	if err != nil {
		return "", err
	}

	shortID := runID
	if len(shortID) > 8 { //nolint:mnd
		shortID = shortID[:8]
	}
	name := fmt.Sprintf("forrest-%s-%s-%s", ref.Owner, ref.Repo, shortID)

	blob, err := c.postJITConfig(ctx, ref.Owner, ref.Repo, token, jitConfigRequest{
		Name:          name,
		RunnerGroupID: runnerGroupDefault,
		Labels:        []string{"self-hosted", "forrest", ref.Class},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ferrors.ErrCIProviderTransient, err)
	}
	return blob, nil
}
