// Package main is the entry point for the Sideboard RPC host.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sideboard/sideboard/internal/audit"
	"github.com/sideboard/sideboard/internal/buildinfo"
	"github.com/sideboard/sideboard/internal/config"
	"github.com/sideboard/sideboard/internal/docs"
	"github.com/sideboard/sideboard/internal/entrypoint"
	"github.com/sideboard/sideboard/internal/jsonrpc"
	"github.com/sideboard/sideboard/internal/mqttbridge"
	"github.com/sideboard/sideboard/internal/sideboard"
	"github.com/sideboard/sideboard/internal/wsession"
	"github.com/sideboard/sideboard/plugins/github"
	"github.com/sideboard/sideboard/plugins/mailwatch"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flag.NArg() == 0 {
		printHelp()
		return
	}

	switch flag.Arg(0) {
	case "serve":
		runServe(logger, *configPath)
	case "version":
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
	case "pair":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "usage: sideboardd pair <websocket-url>")
			os.Exit(1)
		}
		runPair(flag.Arg(1))
	case "run":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "usage: sideboardd run <entry-point> [args...]")
			os.Exit(1)
		}
		if err := entrypoint.Run(flag.Arg(1), flag.Args()[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println("Sideboard - multi-tenant RPC host")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the RPC/WebSocket server")
	fmt.Println("  pair     Print a QR code for provisioning a websocket client")
	fmt.Println("  run      Invoke a plugin-registered entry point by name")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func runServe(logger *slog.Logger, configPath string) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	level, err := cfg.EffectiveLogLevel()
	if err != nil {
		logger.Error("invalid log_level in config", "error", err)
		os.Exit(1)
	}
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))

	logger.Info("starting Sideboard", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)
	logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	srv, err := sideboard.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build server", "error", err)
		os.Exit(1)
	}

	var auditLog *audit.Log
	if cfg.Audit.Enabled {
		auditLog, err = audit.Open(cfg.Audit.Path)
		if err != nil {
			logger.Error("failed to open audit log", "path", cfg.Audit.Path, "error", err)
			os.Exit(1)
		}
		defer auditLog.Close()
		srv.Lifecycle.OnShutdown(5, func() { auditLog.Close() })
		logger.Info("audit log opened", "path", cfg.Audit.Path)
	}

	var mqttBridge *mqttbridge.Bridge
	if cfg.MQTT.Configured() {
		mqttBridge, err = mqttbridge.New(cfg.MQTT, srv.Bus, logger)
		if err != nil {
			logger.Error("failed to build MQTT bridge", "error", err)
			os.Exit(1)
		}
		srv.Lifecycle.OnStartup(50, func() {
			if err := mqttBridge.Start(context.Background()); err != nil {
				logger.Error("mqtt bridge failed to connect", "error", err)
			}
		})
		srv.Lifecycle.OnShutdown(50, func() { mqttBridge.Stop() })
		logger.Info("MQTT bridge configured", "broker", cfg.MQTT.Broker, "topic", cfg.MQTT.Topic)
	}

	if cfg.GitHub.Enabled {
		watcher := github.New(cfg.GitHub, logger)
		if err := srv.Registry.Register(watcher.Service(), false); err != nil {
			logger.Error("failed to register github plugin", "error", err)
			os.Exit(1)
		}
		watcher.RegisterEntryPoint()
		srv.Lifecycle.OnStartup(60, func() { watcher.Start(context.Background(), srv.Scheduler) })
		srv.Lifecycle.OnShutdown(60, func() { watcher.Stop() })
		logger.Info("github plugin enabled", "owner", cfg.GitHub.Owner, "repo", cfg.GitHub.Repo)
	}

	if cfg.Mail.Enabled {
		watcher, err := mailwatch.New(cfg.Mail, logger)
		if err != nil {
			logger.Error("failed to build mailwatch plugin", "error", err)
			os.Exit(1)
		}
		if err := srv.Registry.Register(watcher.Service(), false); err != nil {
			logger.Error("failed to register mailwatch plugin", "error", err)
			os.Exit(1)
		}
		srv.Lifecycle.OnStartup(60, func() { watcher.Start(context.Background(), srv.Scheduler) })
		srv.Lifecycle.OnShutdown(60, func() { watcher.Stop() })
		logger.Info("mailwatch plugin enabled", "host", cfg.Mail.Host, "mailbox", cfg.Mail.Mailbox)
	}

	if mqttBridge != nil {
		srv.WireMQTTBridge(mqttBridge)
	}

	srv.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", rootHandler(cfg))
	mux.Handle("POST /jsonrpc", auditedJSONRPC(jsonrpc.New(srv.Registry, cfg.Debug, logger), auditLog))
	mux.HandleFunc("GET /ws", wsHandler(srv, false, logger))
	mux.HandleFunc("GET /wsrpc", wsHandler(srv, true, logger))
	mux.Handle("GET /docs", docs.Handler(srv.Registry))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-lived websocket connections
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		srv.Stop()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && ctx.Err() == nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Sideboard stopped")
}

// rootHandler redirects "/" to whichever registered upstream declares
// itself default-url with the highest default-url-priority, per
// config.Config.DefaultUpstream. With no upstream so marked, it
// redirects to the /docs introspection page instead of a bare 404.
func rootHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if u := cfg.DefaultUpstream(); u != nil {
			http.Redirect(w, r, u.URL, http.StatusFound)
			return
		}
		http.Redirect(w, r, "/docs", http.StatusFound)
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsHandler builds the /ws or /wsrpc upgrade handler. /wsrpc connections
// are service-to-service links and skip the session-password check; the
// server listens over plain HTTP, so no client certificate is verified
// for them. /ws connections run the session-password check when
// ws.auth-required is set.
func wsHandler(srv *sideboard.Server, serviceLink bool, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := ""
		if !serviceLink && srv.Config.WS.AuthRequired {
			var ok bool
			user, ok = checkSessionAuth(r, srv.Config.WS.PasswordHash)
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "error", err)
			return
		}

		sess := wsession.New(conn, srv.SessionDeps(), user)
		srv.TrackSession(sess)
		defer srv.UntrackSession(sess)

		if err := sess.Serve(func(s *wsession.Session, msg map[string]any) {
			srv.Responder.Submit(s, msg)
		}); err != nil {
			logger.Debug("session closed", "error", err)
		}
	}
}

func runPair(url string) {
	if err := printPairingQR(url); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
