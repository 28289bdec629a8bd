package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/jamesprial/pve-mcp/internal/alerts"
	"github.com/jamesprial/pve-mcp/internal/auth"
	"github.com/jamesprial/pve-mcp/internal/backend"
	"github.com/jamesprial/pve-mcp/internal/cache"
	"github.com/jamesprial/pve-mcp/internal/config"
	"github.com/jamesprial/pve-mcp/internal/edit"
	"github.com/jamesprial/pve-mcp/internal/logging"
	"github.com/jamesprial/pve-mcp/internal/metrics"
	"github.com/jamesprial/pve-mcp/internal/node"
	"github.com/jamesprial/pve-mcp/internal/pending"
	"github.com/jamesprial/pve-mcp/internal/safety"
	"github.com/jamesprial/pve-mcp/internal/task"
	"github.com/jamesprial/pve-mcp/internal/tools"
	"github.com/jamesprial/pve-mcp/internal/vm"
)

const (
	serverName    = "pve-mcp"
	serverVersion = "1.0.0"

	// cacheTTL bounds how long a list read without an invalidating
	// operation is trusted, so changes made outside this server show up.
	cacheTTL        = 10 * time.Second
	shutdownTimeout = 15 * time.Second
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the VM tools over MCP streamable HTTP (default)",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

// newManager builds the VM manager and its collaborators from cfg.
func newManager(client backend.Client, cfg *config.Config, m *metrics.Metrics) *vm.Manager {
	p := cfg.Polling
	poller := task.NewPoller(client, task.Options{Interval: p.Interval(), MaxWait: p.MaxWait()}, m, logging.Component(logger, "task"))
	return vm.NewManager(cfg.Backend.Node, vm.Deps{
		Client:   client,
		Poller:   poller,
		Cache:    cache.New(cacheTTL, m),
		Tracker:  pending.NewTracker(p.RebootGuard(), m),
		Cooldown: pending.NewCooldown(p.Cooldown(), 0),
		Edits:    &edit.Session{},
		Alerts:   alerts.NewCenter(alerts.DefaultCapacity, logging.Component(logger, "alerts")),
		Log:      logger,
	}, vm.Options{
		PowerSettle:    p.PowerSettle(),
		SnapshotSettle: p.SnapshotSettle(),
		FastInterval:   p.RemoveInterval(),
		VerifyAttempts: p.VerifyAttempts,
		VerifyInterval: p.VerifyInterval(),
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := conf

	tokenBefore := cfg.Server.AuthToken
	token, err := config.EnsureAuthToken(cfg)
	if err != nil {
		logger.Warn().Err(err).Msg("could not generate auth token, running without authentication")
	} else if tokenBefore == "" {
		logger.Warn().Str("token", token).Msg("generated auth token (set PVE_MCP_AUTH_TOKEN to persist)")
	}

	// Open audit log writer if enabled.
	var auditLogger *safety.AuditLogger
	if cfg.Audit.Enabled {
		f, err := os.OpenFile(cfg.Audit.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			logger.Warn().Err(err).Str("path", cfg.Audit.LogPath).Msg("could not open audit log, audit logging disabled")
		} else {
			auditLogger = safety.NewAuditLogger(f)
			defer f.Close()
		}
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	client, err := connect(ctx, cfg, logging.Component(logger, "session"))
	if err != nil {
		return err
	}

	mgr := newManager(client, cfg, m)
	defer mgr.Close()

	vmFilter := safety.NewFilter(cfg.Safety.VMs.Allowlist, cfg.Safety.VMs.Denylist)
	vmConfirm := safety.NewConfirmationTracker(vm.DestructiveTools)
	nodes := node.NewBackendMonitor(client, cache.New(cacheTTL, m), logging.Component(logger, "node"))

	mcpServer := server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false))

	var registrations []tools.Registration
	registrations = append(registrations, vm.VMTools(mgr, vmFilter, vmConfirm, auditLogger)...)
	registrations = append(registrations, node.NodeTools(nodes, auditLogger)...)
	registrations = append(registrations, alerts.AlertTools(mgr.Alerts(), auditLogger)...)
	tools.RegisterAll(mcpServer, tools.Instrument(registrations, m, logging.Component(logger, "tools")))

	// Build Streamable HTTP server and wrap with auth middleware.
	mux := http.NewServeMux()
	mux.Handle("/", auth.NewAuthMiddleware(cfg.Server.AuthToken)(server.NewStreamableHTTPServer(mcpServer)))
	if m != nil {
		mux.Handle(cfg.Metrics.Path, m.Handler())
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Str("node", cfg.Backend.Node).Int("tools", len(registrations)).Msg("pve-mcp listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown error")
	}
	logger.Info().Msg("server stopped")
	return nil
}
