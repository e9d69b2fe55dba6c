// Package github pulls markdown, Python and notebook files from GitHub
// repositories.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"

	gh "github.com/google/go-github/v80/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"kcopilot/backend/internal/connector"
	"kcopilot/backend/internal/corpus"
	"kcopilot/backend/internal/text"
)

const defaultMaxFileBytes = 2 << 20

var ignoredDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".venv":        true,
	"venv":         true,
	"dist":         true,
	"build":        true,
	"__pycache__":  true,
}

var mimeByExt = map[string]string{
	".md":    text.MIMEMarkdown,
	".py":    text.MIMEPython,
	".ipynb": text.MIMENotebook,
}

type Config struct {
	Token string
	// Repositories are owner/name pairs synced when a scope names none.
	Repositories []string
	// Branch overrides each repository's default branch.
	Branch       string
	MaxFileBytes int64
	// RequestsPerSecond throttles API calls. Zero disables throttling.
	RequestsPerSecond float64
}

type Connector struct {
	client  *gh.Client
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
}

type Option func(*Connector) error

func WithLogger(l *slog.Logger) Option {
	return func(c *Connector) error {
		c.logger = l
		return nil
	}
}

// WithBaseURL points the client at a GitHub Enterprise or test server.
func WithBaseURL(raw string) Option {
	return func(c *Connector) error {
		if !strings.HasSuffix(raw, "/") {
			raw += "/"
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("parse github base url: %w", err)
		}
		c.client.BaseURL = u
		return nil
	}
}

func New(ctx context.Context, cfg Config, opts ...Option) (*Connector, error) {
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = defaultMaxFileBytes
	}

	var client *gh.Client
	if cfg.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		client = gh.NewClient(oauth2.NewClient(ctx, ts))
	} else {
		client = gh.NewClient(nil)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	c := &Connector{client: client, cfg: cfg, limiter: limiter, logger: slog.Default()}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Connector) Source() corpus.SourceTag { return corpus.SourceGitHub }

func (c *Connector) Fetch(ctx context.Context, scope connector.Scope) (<-chan corpus.RawDocument, <-chan error) {
	docs := make(chan corpus.RawDocument)
	errs := make(chan error)

	repos := c.cfg.Repositories
	if scope.Repository != "" {
		repos = []string{scope.Repository}
	}

	go func() {
		defer close(errs)
		defer close(docs)
		for _, full := range repos {
			if ctx.Err() != nil {
				return
			}
			if err := c.fetchRepo(ctx, full, docs, errs); err != nil {
				if !send(ctx, errs, err) {
					return
				}
			}
		}
	}()
	return docs, errs
}

func (c *Connector) fetchRepo(ctx context.Context, full string, docs chan<- corpus.RawDocument, errs chan<- error) error {
	owner, name, ok := strings.Cut(full, "/")
	if !ok || owner == "" || name == "" {
		return fmt.Errorf("invalid repository %q, want owner/name", full)
	}

	branch := c.cfg.Branch
	if branch == "" {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		repo, _, err := c.client.Repositories.Get(ctx, owner, name)
		if err != nil {
			return fmt.Errorf("get repository %s: %w", full, err)
		}
		branch = repo.GetDefaultBranch()
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	tree, _, err := c.client.Git.GetTree(ctx, owner, name, branch, true)
	if err != nil {
		return fmt.Errorf("get tree %s@%s: %w", full, branch, err)
	}
	if tree.GetTruncated() {
		c.logger.WarnContext(ctx, "github tree truncated", "repository", full, "branch", branch)
	}

	for _, entry := range tree.Entries {
		p := entry.GetPath()
		if entry.GetType() != "blob" || !Wanted(p) {
			continue
		}
		if int64(entry.GetSize()) > c.cfg.MaxFileBytes {
			c.logger.DebugContext(ctx, "skipping large file", "repository", full, "path", p, "size", entry.GetSize())
			continue
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		content, _, err := c.client.Git.GetBlobRaw(ctx, owner, name, entry.GetSHA())
		if err != nil {
			if !send(ctx, errs, fmt.Errorf("get blob %s/%s: %w", full, p, err)) {
				return ctx.Err()
			}
			continue
		}

		doc := corpus.RawDocument{
			Source:  corpus.SourceGitHub,
			URI:     URI(owner, name, branch, p),
			Title:   path.Base(p),
			MIME:    mimeByExt[strings.ToLower(path.Ext(p))],
			Content: content,
			Metadata: map[string]any{
				"repository": full,
				"branch":     branch,
				"path":       p,
				"sha":        entry.GetSHA(),
				"html_url":   fmt.Sprintf("https://github.com/%s/%s/blob/%s/%s", owner, name, branch, p),
			},
		}
		select {
		case docs <- doc:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Wanted reports whether a repository path is ingested: a markdown, Python
// or notebook file outside ignored directories.
func Wanted(p string) bool {
	if _, ok := mimeByExt[strings.ToLower(path.Ext(p))]; !ok {
		return false
	}
	for _, part := range strings.Split(path.Dir(p), "/") {
		if ignoredDirs[part] {
			return false
		}
	}
	return true
}

func URI(owner, repo, branch, p string) string {
	return fmt.Sprintf("github://%s/%s@%s/%s", owner, repo, branch, p)
}

func send(ctx context.Context, errs chan<- error, err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	select {
	case errs <- err:
		return true
	case <-ctx.Done():
		return false
	}
}
