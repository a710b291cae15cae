package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fortistate/inspector/internal/api"
	"github.com/fortistate/inspector/internal/audit"
	"github.com/fortistate/inspector/internal/auth"
	"github.com/fortistate/inspector/internal/config"
	"github.com/fortistate/inspector/internal/hub"
	"github.com/fortistate/inspector/internal/presence"
	"github.com/fortistate/inspector/internal/reloader"
	"github.com/fortistate/inspector/internal/remote"
	"github.com/fortistate/inspector/internal/session"
	"github.com/fortistate/inspector/internal/store"
	"github.com/fortistate/inspector/internal/telemetry"
	"github.com/fortistate/inspector/internal/universe"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the inspector server (default when no subcommand is given)",
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "listen address (default \":4000\")")
	cmd.Flags().String("root", "", "working directory for persisted state (default: cwd)")
	cmd.Flags().Bool("debug", false, "verbose auth/session logging")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		cfg.Addr = v
	}
	if v, _ := cmd.Flags().GetString("root"); v != "" {
		cfg.Root = v
	}
	if v, _ := cmd.Flags().GetBool("debug"); v {
		cfg.Debug = true
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	factory := store.NewFactory()

	sessions := session.NewStore(session.Options{
		Root:        cfg.Root,
		JWTSecret:   cfg.JWTSecret,
		TokenSecret: cfg.SessionSecret,
		DefaultTTL:  cfg.SessionTTL,
		MaxSessions: cfg.SessionMax,
		Debug:       cfg.Debug,
	}, logger)

	auditLog := audit.New(audit.Options{
		Root:    cfg.Root,
		MaxSize: cfg.AuditMaxSizeBytes,
		MaxAge:  cfg.AuditMaxAge,
		Debug:   cfg.Debug,
	}, logger)

	legacyToken := api.ReadLegacyTokenFile(cfg.Root)
	enforcer := auth.NewEnforcer(sessions, legacyToken, cfg.RequireSessions, cfg.Debug, logger)

	remoteReg := remote.NewRegistry(cfg.Root, cfg.Namespace, cfg.Debug, logger)
	remoteReg.LoadInitial()

	broadcastHub := hub.New(logger)
	broadcastHub.Bind(factory)

	rel := reloader.New(cfg.Root, reloader.JSONLoader{}, factory, remoteReg, broadcastHub, cfg.DisableConfigWatch, logger)
	rel.Refresh("startup")

	deps := api.Deps{
		Factory:   factory,
		Sessions:  sessions,
		Audit:     auditLog,
		Enforcer:  enforcer,
		Presence:  presence.NewManager(),
		Remote:    remoteReg,
		Hub:       broadcastHub,
		Telemetry: telemetry.NewHub(logger),
		Reloader:  rel,
		Universes: universe.NewRegistry(cfg.Root, logger),
	}
	srv := api.NewServer(cfg, deps, logger)

	httpSrv := &http.Server{Addr: cfg.Addr, Handler: srv.Handler()}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	logger.Info("inspector listening", "addr", cfg.Addr, "root", cfg.Root, "namespace", remoteReg.Namespace(), "version", version)
	for _, u := range listenURLs(cfg.Addr) {
		logger.Info("inspector reachable", "url", u)
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			rel.Close()
			broadcastHub.Close()
			return err
		}
	}

	rel.Close()
	broadcastHub.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	logger.Info("inspector stopped")
	return nil
}

// listenURLs enumerates LAN addresses for a wildcard listen address so the
// startup log shows where clients can connect.
func listenURLs(addr string) []string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil
	}
	if host != "" && host != "0.0.0.0" && host != "::" {
		return []string{fmt.Sprintf("http://%s", net.JoinHostPort(host, port))}
	}

	urls := []string{fmt.Sprintf("http://%s", net.JoinHostPort("localhost", port))}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return urls
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
			continue
		}
		urls = append(urls, fmt.Sprintf("http://%s", net.JoinHostPort(ipNet.IP.String(), port)))
	}
	return urls
}
