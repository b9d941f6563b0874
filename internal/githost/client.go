package githost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// ErrMergeConflict is returned when GitHub refuses a pull request merge
// because the branch is not mergeable. The API signals this with HTTP 405.
var ErrMergeConflict = errors.New("pull request is not mergeable")

// PullRequest is the subset of PR data the pipeline cares about.
type PullRequest struct {
	Number int
	URL    string
	NodeID string
}

// Client provides repository operations against a single owner/repo.
type Client struct {
	gh         *github.Client
	httpClient *http.Client
	graphQLURL string
	owner      string
	repo       string
	logger     *zap.Logger
}

// New creates an authenticated client for owner/repo.
func New(ctx context.Context, token, owner, repo string, logger *zap.Logger) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("github token not set")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)
	return &Client{
		gh:         github.NewClient(tc),
		httpClient: tc,
		graphQLURL: "https://api.github.com/graphql",
		owner:      owner,
		repo:       repo,
		logger:     logger.Named("githost"),
	}, nil
}

// NewWithClient wires a preconfigured go-github client. Used by tests to
// point at an httptest server.
func NewWithClient(gh *github.Client, httpClient *http.Client, graphQLURL, owner, repo string, logger *zap.Logger) *Client {
	return &Client{
		gh:         gh,
		httpClient: httpClient,
		graphQLURL: graphQLURL,
		owner:      owner,
		repo:       repo,
		logger:     logger.Named("githost"),
	}
}

// CreatePR opens a pull request from head into base.
func (c *Client) CreatePR(ctx context.Context, title, body, head, base string) (*PullRequest, error) {
	pr, _, err := c.gh.PullRequests.Create(ctx, c.owner, c.repo, &github.NewPullRequest{
		Title: github.String(title),
		Body:  github.String(body),
		Head:  github.String(head),
		Base:  github.String(base),
	})
	if err != nil {
		return nil, fmt.Errorf("create pr %s -> %s: %w", head, base, err)
	}
	c.logger.Info("pull request created",
		zap.Int("number", pr.GetNumber()),
		zap.String("head", head),
		zap.String("base", base))
	return &PullRequest{
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
		NodeID: pr.GetNodeID(),
	}, nil
}

// MergePR squash-merges a pull request. HTTP 405 means the branch is not
// mergeable and maps to ErrMergeConflict so callers can route the run into
// conflict handling instead of failing it.
func (c *Client) MergePR(ctx context.Context, number int, commitMessage string) error {
	_, resp, err := c.gh.PullRequests.Merge(ctx, c.owner, c.repo, number, commitMessage,
		&github.PullRequestOptions{MergeMethod: "squash"})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusMethodNotAllowed {
			return fmt.Errorf("merge pr #%d: %w", number, ErrMergeConflict)
		}
		return fmt.Errorf("merge pr #%d: %w", number, err)
	}
	c.logger.Info("pull request merged", zap.Int("number", number))
	return nil
}

// enableAutoMergeMutation is the GraphQL mutation for PR auto-merge; the
// REST API has no equivalent endpoint.
const enableAutoMergeMutation = `mutation($id: ID!) {
  enablePullRequestAutoMerge(input: {pullRequestId: $id, mergeMethod: SQUASH}) {
    pullRequest { number }
  }
}`

// EnableAutoMerge flags a pull request to merge automatically once its
// required checks pass. Takes the PR node ID from CreatePR.
func (c *Client) EnableAutoMerge(ctx context.Context, nodeID string) error {
	payload, err := json.Marshal(map[string]any{
		"query":     enableAutoMergeMutation,
		"variables": map[string]string{"id": nodeID},
	})
	if err != nil {
		return fmt.Errorf("marshal auto-merge mutation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphQLURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build auto-merge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("enable auto-merge: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("enable auto-merge: unexpected status %d", resp.StatusCode)
	}

	var result struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode auto-merge response: %w", err)
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("enable auto-merge: %s", result.Errors[0].Message)
	}
	return nil
}

// CreateIssue opens an issue and returns its number.
func (c *Client) CreateIssue(ctx context.Context, title, body string, labels []string) (int, error) {
	req := &github.IssueRequest{
		Title: github.String(title),
		Body:  github.String(body),
	}
	if len(labels) > 0 {
		req.Labels = &labels
	}
	issue, _, err := c.gh.Issues.Create(ctx, c.owner, c.repo, req)
	if err != nil {
		return 0, fmt.Errorf("create issue %q: %w", title, err)
	}
	c.logger.Info("issue created", zap.Int("number", issue.GetNumber()), zap.String("title", title))
	return issue.GetNumber(), nil
}

// Comment posts a comment on an issue or pull request.
func (c *Client) Comment(ctx context.Context, number int, body string) error {
	_, _, err := c.gh.Issues.CreateComment(ctx, c.owner, c.repo, number,
		&github.IssueComment{Body: github.String(body)})
	if err != nil {
		return fmt.Errorf("comment on #%d: %w", number, err)
	}
	return nil
}

// DispatchWorkflow triggers a workflow file on ref. Workflow dispatch only
// works against refs that carry the workflow file, so callers pass a
// long-lived branch and identify the run through inputs.
func (c *Client) DispatchWorkflow(ctx context.Context, workflowFile, ref string, inputs map[string]any) error {
	_, err := c.gh.Actions.CreateWorkflowDispatchEventByFileName(ctx, c.owner, c.repo, workflowFile,
		github.CreateWorkflowDispatchEventRequest{
			Ref:    ref,
			Inputs: inputs,
		})
	if err != nil {
		return fmt.Errorf("dispatch workflow %s on %s: %w", workflowFile, ref, err)
	}
	c.logger.Info("workflow dispatched",
		zap.String("workflow", workflowFile),
		zap.String("ref", ref))
	return nil
}
