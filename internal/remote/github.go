package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v55/github"
	"github.com/google/uuid"
)

// GitHubClient talks to the GitHub REST contents API. Blob SHAs serve as
// version tokens and the repository's pushed_at as the push timestamp.
type GitHubClient struct {
	client *github.Client
	retry  *retryTransport
	owner  string
	repo   string
	branch string
}

type GitHubOptions struct {
	BaseURL    string
	Branch     string
	Token      string
	HTTPClient *http.Client
}

func NewGitHubClient(fullName string, opts GitHubOptions) (*GitHubClient, error) {
	owner, repo, ok := strings.Cut(strings.Trim(strings.TrimSpace(fullName), "/"), "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, fmt.Errorf("repository must be owner/name, got %q", fullName)
	}

	httpClient := &http.Client{Timeout: 15 * time.Second}
	if opts.HTTPClient != nil {
		copied := *opts.HTTPClient
		httpClient = &copied
	}
	rt := &retryTransport{
		base:       httpClient.Transport,
		token:      strings.TrimSpace(opts.Token),
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
	httpClient.Transport = rt

	client := github.NewClient(httpClient)
	if base := strings.TrimSpace(opts.BaseURL); base != "" {
		parsed, err := url.Parse(strings.TrimRight(base, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API URL %q: %w", base, err)
		}
		client.BaseURL = parsed
	}
	return &GitHubClient{
		client: client,
		retry:  rt,
		owner:  owner,
		repo:   repo,
		branch: strings.TrimSpace(opts.Branch),
	}, nil
}

func (c *GitHubClient) ReadFile(ctx context.Context, path string) (File, error) {
	path = normalizePath(path)
	file, dir, _, err := c.client.Repositories.GetContents(ctx, c.owner, c.repo, path, c.refOptions())
	if err != nil {
		return File{}, githubError(err)
	}
	if file == nil {
		if dir != nil {
			return File{}, fmt.Errorf("%s is a dir, not a file", path)
		}
		return File{}, &HTTPError{StatusCode: http.StatusNotFound, Code: http.StatusText(http.StatusNotFound), Message: path}
	}
	if t := file.GetType(); t != "" && t != "file" {
		return File{}, fmt.Errorf("%s is a %s, not a file", path, t)
	}
	content, err := file.GetContent()
	if err != nil {
		return File{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return File{Path: path, Content: content, Token: file.GetSHA()}, nil
}

func (c *GitHubClient) WriteFile(ctx context.Context, path, content, message, token string) (string, error) {
	path = normalizePath(path)
	opts := &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Content: []byte(content),
	}
	if c.branch != "" {
		opts.Branch = github.String(c.branch)
	}
	var (
		resp *github.RepositoryContentResponse
		err  error
	)
	if token == "" {
		resp, _, err = c.client.Repositories.CreateFile(ctx, c.owner, c.repo, path, opts)
	} else {
		opts.SHA = github.String(token)
		resp, _, err = c.client.Repositories.UpdateFile(ctx, c.owner, c.repo, path, opts)
	}
	if err != nil {
		return "", githubWriteError(err, path, token)
	}
	if resp == nil || resp.Content == nil {
		return "", nil
	}
	return resp.Content.GetSHA(), nil
}

func (c *GitHubClient) DeleteFile(ctx context.Context, path, token, message string) error {
	path = normalizePath(path)
	opts := &github.RepositoryContentFileOptions{
		Message: github.String(message),
		SHA:     github.String(token),
	}
	if c.branch != "" {
		opts.Branch = github.String(c.branch)
	}
	if _, _, err := c.client.Repositories.DeleteFile(ctx, c.owner, c.repo, path, opts); err != nil {
		return githubWriteError(err, path, token)
	}
	return nil
}

func (c *GitHubClient) VersionToken(ctx context.Context, path string) (string, error) {
	file, err := c.ReadFile(ctx, path)
	if err != nil {
		return "", err
	}
	return file.Token, nil
}

func (c *GitHubClient) PushTimestamp(ctx context.Context) (time.Time, error) {
	info, err := c.repoInfo(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return info.GetPushedAt().Time, nil
}

func (c *GitHubClient) ListFiles(ctx context.Context, dir string) ([]Entry, error) {
	dir = normalizePath(dir)
	file, items, _, err := c.client.Repositories.GetContents(ctx, c.owner, c.repo, dir, c.refOptions())
	if err != nil {
		return nil, githubError(err)
	}
	if file != nil {
		return nil, fmt.Errorf("%s is a file, not a directory", dir)
	}
	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		entries = append(entries, Entry{Path: item.GetPath(), Name: item.GetName(), Dir: item.GetType() == "dir"})
	}
	return entries, nil
}

func (c *GitHubClient) ScanContentDirectories(ctx context.Context) ([]string, error) {
	files, err := c.treeFiles(ctx)
	if err != nil {
		return nil, err
	}
	return ContentDirectories(files), nil
}

func (c *GitHubClient) ScanImageDirectories(ctx context.Context) ([]string, error) {
	files, err := c.treeFiles(ctx)
	if err != nil {
		return nil, err
	}
	return ImageDirectories(files), nil
}

func (c *GitHubClient) FindProductionURL(ctx context.Context) (string, error) {
	info, err := c.repoInfo(ctx)
	if err != nil {
		return "", err
	}
	if homepage := strings.TrimSpace(info.GetHomepage()); homepage != "" {
		return strings.TrimRight(homepage, "/"), nil
	}
	return ProductionURLFromFiles(func(path string) (string, bool) {
		file, err := c.ReadFile(ctx, path)
		if err != nil {
			return "", false
		}
		return file.Content, true
	}), nil
}

func (c *GitHubClient) repoInfo(ctx context.Context) (*github.Repository, error) {
	info, _, err := c.client.Repositories.Get(ctx, c.owner, c.repo)
	if err != nil {
		return nil, githubError(err)
	}
	return info, nil
}

func (c *GitHubClient) treeFiles(ctx context.Context) ([]string, error) {
	ref := c.branch
	if ref == "" {
		info, err := c.repoInfo(ctx)
		if err != nil {
			return nil, err
		}
		ref = info.GetDefaultBranch()
	}
	if ref == "" {
		ref = "HEAD"
	}
	tree, _, err := c.client.Git.GetTree(ctx, c.owner, c.repo, ref, true)
	if err != nil {
		return nil, githubError(err)
	}
	files := make([]string, 0, len(tree.Entries))
	for _, entry := range tree.Entries {
		if entry.GetType() == "blob" {
			files = append(files, entry.GetPath())
		}
	}
	return files, nil
}

func (c *GitHubClient) refOptions() *github.RepositoryContentGetOptions {
	if c.branch == "" {
		return nil
	}
	return &github.RepositoryContentGetOptions{Ref: c.branch}
}

// githubError turns a go-github error response into an HTTPError so callers
// can match ErrNotFound.
func githubError(err error) error {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		status := ghErr.Response.StatusCode
		return &HTTPError{StatusCode: status, Code: http.StatusText(status), Message: ghErr.Message}
	}
	return err
}

// githubWriteError additionally reports a stale sha (409) and a missing sha
// on an existing file (422) as a ConflictError.
func githubWriteError(err error, path, token string) error {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusConflict, http.StatusUnprocessableEntity:
			return &ConflictError{Path: path, ExpectedToken: token}
		}
	}
	return githubError(err)
}

// retryTransport authenticates every request, tags it with a correlation id
// and retries 429 and 5xx responses with exponential backoff.
type retryTransport struct {
	base       http.RoundTripper
	token      string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	ctx := req.Context()
	for attempt := 0; ; attempt++ {
		attemptReq := req.Clone(ctx)
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			attemptReq.Body = body
		}
		attemptReq.Header.Set("X-Correlation-Id", uuid.NewString())
		if t.token != "" {
			attemptReq.Header.Set("Authorization", "Bearer "+t.token)
		}

		resp, err := base.RoundTrip(attemptReq)
		retryable := attempt < t.maxRetries && (req.Body == nil || req.GetBody != nil)
		if err != nil {
			if !retryable {
				return nil, err
			}
			if waitErr := waitWithContext(ctx, t.retryDelay(attempt+1, "")); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		if retryable && (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) {
			retryAfter := resp.Header.Get("Retry-After")
			_ = resp.Body.Close()
			if waitErr := waitWithContext(ctx, t.retryDelay(attempt+1, retryAfter)); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		return resp, nil
	}
}

func (t *retryTransport) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := t.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := t.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
