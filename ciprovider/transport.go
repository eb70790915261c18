package ciprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

func (c *Client) apiURL(path string) string {
	base := c.cfg.APIBaseURL
	if base == "" {
		base = "https://api.github.com"
	}
	return base + path
}

func (c *Client) postAccessTokens(ctx context.Context, installationID int64, jwtTok string) (string, time.Time, error) {
	url := c.apiURL(fmt.Sprintf("/app/installations/%d/access_tokens", installationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Authorization", "Bearer "+jwtTok)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", time.Time{}, fmt.Errorf("access_tokens → %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", time.Time{}, fmt.Errorf("decode access_tokens response: %w", err)
	}
	return out.Token, out.ExpiresAt, nil
}

// jitConfigRequest is the JIT runner registration request body.
type jitConfigRequest struct {
	Name          string   `json:"name"`
	RunnerGroupID int64    `json:"runner_group_id"`
	Labels        []string `json:"labels"`
}

// postJITConfig calls POST /repos/{owner}/{repo}/actions/runners/generate-jitconfig
// and returns the opaque encoded_jit_config blob.
func (c *Client) postJITConfig(ctx context.Context, owner, repo, token string, body jitConfigRequest) (string, error) {
	url := c.apiURL(fmt.Sprintf("/repos/%s/%s/actions/runners/generate-jitconfig", owner, repo))
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal jitconfig request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("generate-jitconfig → %d: %s", resp.StatusCode, respBody)
	}

	var out struct {
		EncodedJITConfig string `json:"encoded_jit_config"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode jitconfig response: %w", err)
	}
	return out.EncodedJITConfig, nil
}
