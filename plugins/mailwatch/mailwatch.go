// Package mailwatch implements an example plugin service: it polls a
// single IMAP mailbox's unseen count using go-imap/v2 and exposes it
// both as a one-shot call and as a @subscribes channel, so a client
// can watch unread count change live without re-polling itself.
package mailwatch

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/sideboard/sideboard/internal/broadcast"
	"github.com/sideboard/sideboard/internal/callctx"
	"github.com/sideboard/sideboard/internal/config"
	"github.com/sideboard/sideboard/internal/registry"
)

const (
	defaultPollInterval = 2 * time.Minute
	unreadChannel       = "mailwatch.unread"
)

// Watcher polls a single mailbox's unseen count on an interval and
// notifies the mailwatch.unread channel whenever it changes.
type Watcher struct {
	cfg    config.MailPluginConfig
	logger *slog.Logger

	connMu sync.Mutex
	client *imapclient.Client

	stateMu   sync.Mutex
	lastCount int
	lastSeen  bool

	stop chan struct{}
	done chan struct{}
}

// New builds a Watcher for cfg. The IMAP connection is established
// lazily on first poll.
func New(cfg config.MailPluginConfig, logger *slog.Logger) (*Watcher, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("mailwatch: host is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		cfg:    cfg,
		logger: logger.With("plugin", "mailwatch"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Service returns the registry.Service exposing "mailwatch.unread_count"
// as both a one-shot call and a subscribable method.
func (w *Watcher) Service() *registry.Service {
	return &registry.Service{
		Name: "mailwatch",
		Methods: map[string]registry.Method{
			"unread_count": {
				Name:        "unread_count",
				Description: "Returns the current unseen message count for the configured mailbox.",
				Channels:    []string{unreadChannel},
				Call: func(ctx *callctx.Context, p registry.Params) (any, error) {
					return w.unreadCount(context.Background())
				},
			},
		},
	}
}

// Start launches the polling loop in the background.
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

// Stop signals the polling loop to exit, waits for it, and closes the
// IMAP connection.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done

	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.client != nil {
		_ = w.client.Close()
		w.client = nil
	}
}

func (w *Watcher) pollOnce(ctx context.Context, scheduler *broadcast.Scheduler) {
	count, err := w.unreadCount(ctx)
	if err != nil {
		w.logger.Warn("poll failed", "host", w.cfg.Host, "mailbox", w.cfg.Mailbox, "error", err)
		return
	}

	w.stateMu.Lock()
	changed := !w.lastSeen || count != w.lastCount
	w.lastCount, w.lastSeen = count, true
	w.stateMu.Unlock()

	if changed {
		scheduler.Notify([]string{unreadChannel}, "unread_count", 0, "")
	}
}

func (w *Watcher) unreadCount(ctx context.Context) (int, error) {
	w.connMu.Lock()
	defer w.connMu.Unlock()

	if err := w.ensureConnectedLocked(); err != nil {
		return 0, err
	}

	mailbox := w.cfg.Mailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}

	statusCmd := w.client.Status(mailbox, &imap.StatusOptions{NumUnseen: true})
	statusData, err := statusCmd.Wait()
	if err != nil {
		// The connection may have gone stale between polls; drop it so
		// the next poll reconnects.
		_ = w.client.Close()
		w.client = nil
		return 0, fmt.Errorf("status %s: %w", mailbox, err)
	}
	if statusData.NumUnseen == nil {
		return 0, nil
	}
	return int(*statusData.NumUnseen), nil
}

// ensureConnectedLocked dials and authenticates if not already
// connected. Caller must hold connMu.
func (w *Watcher) ensureConnectedLocked() error {
	if w.client != nil {
		if err := w.client.Noop().Wait(); err == nil {
			return nil
		}
		w.logger.Debug("IMAP connection stale, reconnecting", "host", w.cfg.Host)
		_ = w.client.Close()
		w.client = nil
	}

	addr := net.JoinHostPort(w.cfg.Host, "993")
	opts := &imapclient.Options{TLSConfig: &tls.Config{ServerName: w.cfg.Host}}

	client, err := imapclient.DialTLS(addr, opts)
	if err != nil {
		return fmt.Errorf("dial IMAP %s: %w", addr, err)
	}

	if err := client.Login(w.cfg.Username, w.cfg.Password).Wait(); err != nil {
		_ = client.Close()
		return fmt.Errorf("login as %s: %w", w.cfg.Username, err)
	}

	w.client = client
	w.logger.Info("IMAP connected", "host", w.cfg.Host, "user", w.cfg.Username)
	return nil
}
