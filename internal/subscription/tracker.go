package subscription

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/carsandcollectibles/yardwatch/internal/harvest"
)

// TrackerConfig locates the issue tracker backing the subscription set.
type TrackerConfig struct {
	// BaseURL of the tracker API; defaults to the public GitHub API.
	BaseURL string
	// Repo in "owner/name" form.
	Repo string
	// Label selecting subscription issues.
	Label string
	// Token for API auth.
	Token string
	// Timeout per request.
	Timeout time.Duration
}

// Tracker reads open subscription issues from a GitHub-style issues API.
// This subsystem never writes to the tracker.
type Tracker struct {
	cfg  TrackerConfig
	http *resty.Client
}

// NewTracker builds a Tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Repo == "" || !strings.Contains(cfg.Repo, "/") {
		return nil, fmt.Errorf("tracker repo must be owner/name, got %q", cfg.Repo)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.github.com"
	}
	if cfg.Label == "" {
		cfg.Label = "alert"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/vnd.github+json")
	if cfg.Token != "" {
		rc.SetAuthToken(cfg.Token)
	}
	return &Tracker{cfg: cfg, http: rc}, nil
}

type trackerIssue struct {
	Number      int       `json:"number"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	PullRequest *struct{} `json:"pull_request,omitempty"`
}

// OpenIssues implements harvest.IssueSource.
func (t *Tracker) OpenIssues(ctx context.Context) ([]harvest.Issue, error) {
	var issues []harvest.Issue
	for page := 1; ; page++ {
		var batch []trackerIssue
		resp, err := t.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"state":    "open",
				"labels":   t.cfg.Label,
				"per_page": "100",
				"page":     fmt.Sprintf("%d", page),
			}).
			SetResult(&batch).
			Get(fmt.Sprintf("/repos/%s/issues", t.cfg.Repo))
		if err != nil {
			return nil, fmt.Errorf("list tracker issues: %w", err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("list tracker issues: status %d", resp.StatusCode())
		}
		for _, issue := range batch {
			// The issues endpoint also returns pull requests.
			if issue.PullRequest != nil {
				continue
			}
			issues = append(issues, harvest.Issue{
				Number: issue.Number,
				Title:  issue.Title,
				Body:   issue.Body,
			})
		}
		if len(batch) < 100 {
			return issues, nil
		}
	}
}
