package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"

	"sprintline/internal/domain"
)

const defaultGitHubBaseURL = "https://api.github.com"

var prURLPattern = regexp.MustCompile(`github\.com/([^/]+)/([^/]+)/pull/(\d+)`)

// errNoCheckAccess marks a 403 from the check-runs endpoint. Some tokens can
// read a pull request but not its checks; such a PR counts as passing.
var errNoCheckAccess = errors.New("github: check runs not accessible")

// Raw GitHub API shapes. Only the fields the resolver reads.
type githubPull struct {
	Draft bool `json:"draft"`
	Head  struct {
		SHA string `json:"sha"`
	} `json:"head"`
}

type githubCheckRuns struct {
	CheckRuns []struct {
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
	} `json:"check_runs"`
}

// GitHubResolver resolves a pull-request URL to a review state via the
// GitHub REST API. Its Resolve method satisfies PRResolver; the loader calls
// it once per linked card. Token is optional for public repositories.
type GitHubResolver struct {
	Token   string
	BaseURL string
	Client  *http.Client
}

// Resolve maps a PR to one of the domain PR states: draft PRs stay draft,
// any failed check run marks the PR failing, unfinished or action-required
// runs leave it open, and a clean run is mergeable.
func (g GitHubResolver) Resolve(ctx context.Context, prURL string) (string, error) {
	m := prURLPattern.FindStringSubmatch(prURL)
	if m == nil {
		return "", fmt.Errorf("not a github pull request url: %s", prURL)
	}
	owner, repoName, number := m[1], m[2], m[3]

	var pr githubPull
	if err := g.fetch(ctx, fmt.Sprintf("/repos/%s/%s/pulls/%s", owner, repoName, number), &pr); err != nil {
		if errors.Is(err, errNoCheckAccess) {
			return "", fmt.Errorf("%w: github pull %s: forbidden", ErrUnavailable, prURL)
		}
		return "", err
	}
	if pr.Draft {
		return domain.PRStateDraft, nil
	}

	var checks githubCheckRuns
	err := g.fetch(ctx, fmt.Sprintf("/repos/%s/%s/commits/%s/check-runs", owner, repoName, pr.Head.SHA), &checks)
	if errors.Is(err, errNoCheckAccess) {
		return domain.PRStateMergeable, nil
	}
	if err != nil {
		return "", err
	}

	state := domain.PRStateMergeable
	for _, run := range checks.CheckRuns {
		switch run.Conclusion {
		case "failure", "timed_out", "cancelled":
			return domain.PRStateFailing, nil
		case "action_required", "":
			state = domain.PRStateOpen
		}
		if run.Status != "completed" {
			state = domain.PRStateOpen
		}
	}
	return state, nil
}

// fetch GETs a GitHub endpoint with bearer auth and retries transient
// failures with exponential backoff before giving up as ErrUnavailable.
func (g GitHubResolver) fetch(ctx context.Context, path string, out any) error {
	base := g.BaseURL
	if base == "" {
		base = defaultGitHubBaseURL
	}
	endpoint := base + path

	client := g.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	op := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/vnd.github.v3+json")
		if g.Token != "" {
			req.Header.Set("Authorization", "Bearer "+g.Token)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("github %s: status %d", path, resp.StatusCode)
		}
		if resp.StatusCode == http.StatusForbidden {
			return nil, backoff.Permanent(errNoCheckAccess)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, backoff.Permanent(fmt.Errorf("github %s: status %d", path, resp.StatusCode))
		}
		return body, nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	body, err := backoff.RetryWithData(op, policy)
	if err != nil {
		if errors.Is(err, errNoCheckAccess) {
			return errNoCheckAccess
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrMalformedSnapshot, path, err)
	}
	return nil
}
