// Package github implements an example plugin service: it polls a
// single GitHub repository for open issues using the google/go-github
// SDK and exposes the result both as a one-shot call and as a
// @subscribes channel, so a client can watch a repo's issue count
// update live without re-polling itself.
package github

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/go-github/v69/github"

	"github.com/sideboard/sideboard/internal/broadcast"
	"github.com/sideboard/sideboard/internal/callctx"
	"github.com/sideboard/sideboard/internal/config"
	"github.com/sideboard/sideboard/internal/entrypoint"
	"github.com/sideboard/sideboard/internal/httpkit"
	"github.com/sideboard/sideboard/internal/registry"
)

const (
	defaultPollInterval   = 5 * time.Minute
	issuesChannel         = "github.issues"
	rateLimitLowThreshold = 100
)

// Watcher polls a repository's open issues on an interval and notifies
// the github.issues channel whenever the count changes.
type Watcher struct {
	cfg    config.GitHubPluginConfig
	client *github.Client
	logger *slog.Logger

	mu        sync.Mutex
	lastCount int
	lastSeen  bool

	stop chan struct{}
	done chan struct{}
}

// New builds a Watcher from cfg. The underlying HTTP client is built
// via httpkit.NewClient so it gets httpkit's dial/TLS timeouts, pooled
// transport and User-Agent; retries are not enabled.
func New(cfg config.GitHubPluginConfig, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := httpkit.NewClient(httpkit.WithTimeout(15 * time.Second))
	client := github.NewClient(httpClient).WithAuthToken(cfg.Token)

	return &Watcher{
		cfg:    cfg,
		client: client,
		logger: logger.With("plugin", "github"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Service returns the registry.Service exposing "github.issue_count"
// as both a one-shot call and a subscribable method.
func (w *Watcher) Service() *registry.Service {
	return &registry.Service{
		Name: "github",
		Methods: map[string]registry.Method{
			"issue_count": {
				Name:        "issue_count",
				Description: "Returns the current open issue count for the configured repository.",
				Channels:    []string{issuesChannel},
				Call: func(ctx *callctx.Context, p registry.Params) (any, error) {
					return w.issueCount(context.Background())
				},
			},
		},
	}
}

// Start launches the polling loop in the background. scheduler.Notify
// is called on the github.issues channel whenever the issue count
// changes between polls.
func (w *Watcher) Start(ctx context.Context, scheduler *broadcast.Scheduler) {
	interval := time.Duration(w.cfg.PollInterval) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			w.pollOnce(ctx, scheduler)
			select {
			case <-w.stop:
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop signals the polling loop to exit and waits for it to finish.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

// RegisterEntryPoint exposes a "github-poll-once" entry point invokable
// via `sideboardd run github-poll-once`, for operators who want to force
// an out-of-band poll without waiting on the ticker.
func (w *Watcher) RegisterEntryPoint() {
	entrypoint.Register("github-poll-once", func(args []string) error {
		count, err := w.issueCount(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("%s/%s: %d open issues\n", w.cfg.Owner, w.cfg.Repo, count)
		return nil
	})
}

func (w *Watcher) pollOnce(ctx context.Context, scheduler *broadcast.Scheduler) {
	count, err := w.issueCount(ctx)
	if err != nil {
		w.logger.Warn("poll failed", "owner", w.cfg.Owner, "repo", w.cfg.Repo, "error", err)
		return
	}

	w.mu.Lock()
	changed := !w.lastSeen || count != w.lastCount
	w.lastCount, w.lastSeen = count, true
	w.mu.Unlock()

	if changed {
		scheduler.Notify([]string{issuesChannel}, "issue_count", 0, "")
	}
}

func (w *Watcher) issueCount(ctx context.Context) (int, error) {
	opts := &github.IssueListByRepoOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}

	total := 0
	for {
		issues, resp, err := w.client.Issues.ListByRepo(ctx, w.cfg.Owner, w.cfg.Repo, opts)
		if err != nil {
			return 0, fmt.Errorf("list issues for %s/%s: %w", w.cfg.Owner, w.cfg.Repo, err)
		}
		if resp.Rate.Remaining > 0 && resp.Rate.Remaining < rateLimitLowThreshold {
			w.logger.Warn("github rate limit low", "remaining", resp.Rate.Remaining, "limit", resp.Rate.Limit)
		}

		for _, issue := range issues {
			if issue.PullRequestLinks == nil {
				total++
			}
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return total, nil
}
