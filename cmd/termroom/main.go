package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/user/termroom/configs"
	"github.com/user/termroom/internal/api"
	"github.com/user/termroom/internal/bridge"
	"github.com/user/termroom/internal/config"
	"github.com/user/termroom/internal/db"
	"github.com/user/termroom/internal/hub"
	"github.com/user/termroom/internal/pty"
	"github.com/user/termroom/internal/room"
	"github.com/user/termroom/internal/server"
	"github.com/user/termroom/internal/session"
	"github.com/user/termroom/internal/tunnel"
)

const (
	shutdownTimeout = 10 * time.Second
	killTimeout     = 3 * time.Second
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.PrintDefault {
		_, _ = os.Stdout.Write(configs.DefaultConfig)
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shell, shellArgs, err := cfg.ShellCommand()
	if err != nil {
		return err
	}

	var sessionOpts []session.Option
	sessionOpts = append(sessionOpts, session.WithLogger(logger.With("component", "session")))

	if cfg.DBPath != "" {
		ledgerDB, err := db.Open(ctx, cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open room ledger: %w", err)
		}
		defer ledgerDB.Close()
		sessionOpts = append(sessionOpts, session.WithLedger(session.NewLedger(ledgerDB.SQL())))
	}

	var tun *tunnel.Service
	if cfg.Tunnel.Enabled {
		argv, err := cfg.TunnelCommand()
		if err != nil {
			return err
		}
		tun = tunnel.New(tunnel.Config{
			Command:      argv,
			StartTimeout: cfg.Tunnel.StartTimeout,
			Logger:       logger.With("component", "tunnel"),
		})
		defer tun.Stop()
		sessionOpts = append(sessionOpts, session.WithTunnel(tun))
	}

	var br *bridge.Bridge
	if cfg.SlackEnabled() {
		br = bridge.New(bridge.NewSlackPoster(cfg.Slack.BotToken),
			bridge.WithDebounce(cfg.Slack.Debounce),
			bridge.WithLogger(logger.With("component", "bridge")),
		)
		sessionOpts = append(sessionOpts, session.WithSink(br))
	}

	supervisor := pty.NewSupervisor(pty.Mode(cfg.ProcessMode), logger.With("component", "pty"))
	h := hub.New(
		hub.WithLogger(logger.With("component", "hub")),
		hub.WithScrollback(cfg.Scrollback),
	)
	mgr := session.NewManager(session.Config{
		Shell:      shell,
		ShellArgs:  shellArgs,
		DefaultDir: cfg.DefaultDir,
		MaxViewers: cfg.MaxViewers,
		Port:       cfg.Port,
	}, room.NewRegistry(), supervisor, h, sessionOpts...)
	h.SetSessions(mgr)

	routerOpts := api.Options{
		Rooms:     mgr,
		WebSocket: http.HandlerFunc(h.HandleWebSocket),
		Token:     cfg.APIToken,
		Logger:    logger.With("component", "api"),
	}
	if br != nil {
		br.SetWriter(mgr.Input)
		routerOpts.Bridge = br
		routerOpts.Verifier = bridge.NewVerifier(cfg.Slack.SigningSecret, cfg.Slack.MaxClockSkew)
	}
	if tun != nil {
		routerOpts.Tunnel = tun
	}

	srv := server.New(cfg.Addr(), api.NewRouter(routerOpts), logger)
	if err := srv.Listen(); err != nil {
		return err
	}
	fmt.Printf("\ntermroom running at http://localhost:%d\n\n", cfg.Port)
	if tun != nil {
		// Starts the tunnel in the background; the URL is logged once ready.
		mgr.PublicURL()
	}

	serveErr := srv.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn("room shutdown incomplete", "error", err)
	}
	if br != nil {
		br.Close()
	}
	h.Close()
	supervisor.Close(killTimeout)
	return serveErr
}
