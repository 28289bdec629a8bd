// Package main is the entry point for the pve-mcp server and CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jamesprial/pve-mcp/internal/backend"
	"github.com/jamesprial/pve-mcp/internal/config"
	"github.com/jamesprial/pve-mcp/internal/logging"
	"github.com/jamesprial/pve-mcp/internal/session"
)

const defaultConfigPath = "/config/config.yaml"

var (
	cfgFile string
	conf    *config.Config
	logger  zerolog.Logger
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pve-mcp",
		Short:         "MCP server and CLI for VMs behind a Proxmox REST backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig()
		},
		RunE: runServe,
	}

	defaultPath := os.Getenv("PVE_MCP_CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = defaultConfigPath
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", defaultPath, "config file path (env PVE_MCP_CONFIG_PATH)")

	cmd.AddCommand(serveCmd(), vmsCmd(), consoleCmd())
	return cmd
}

// initConfig loads the config file, falling back to defaults when it cannot
// be read, applies environment overrides and sets up logging.
func initConfig() error {
	cfg, loadErr := config.LoadConfig(cfgFile)
	if loadErr != nil {
		cfg = config.DefaultConfig()
	}
	config.ApplyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	conf = cfg
	logger = logging.Setup(cfg.Log, os.Stderr)
	if loadErr != nil {
		logger.Warn().Err(loadErr).Str("path", cfgFile).Msg("could not load config, using defaults")
	} else {
		logger.Info().Str("path", cfgFile).Msg("loaded config")
	}
	return nil
}

// connect builds the backend client and makes sure it carries a valid
// session. A stored session is reused when the backend still accepts it;
// otherwise the configured credentials are used and the new pair is saved.
func connect(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*backend.HTTPClient, error) {
	holder := &session.Holder{}
	client, err := backend.NewHTTPClient(cfg.Backend, holder)
	if err != nil {
		return nil, err
	}

	store := session.NewStore(cfg.Session.Path)
	stored, err := store.Load(ctx)
	if err != nil {
		log.Warn().Err(err).Str("path", store.Path()).Msg("ignoring unreadable session file")
	}
	if stored.Valid() {
		holder.Set(stored)
		_, err := client.ListNodes(ctx)
		if err == nil {
			log.Debug().Msg("reusing stored session")
			return client, nil
		}
		if !errors.Is(err, backend.ErrUnauthorized) {
			return nil, fmt.Errorf("check session: %w", err)
		}
		log.Info().Msg("stored session expired, logging in again")
	}

	if cfg.Backend.Username == "" {
		return nil, errors.New("no valid session and backend.username is not set")
	}
	auth, err := client.Login(ctx, cfg.Backend.Username, cfg.Backend.Password)
	if err != nil {
		return nil, fmt.Errorf("login as %s: %w", cfg.Backend.Username, err)
	}
	if err := store.Save(ctx, auth); err != nil {
		log.Warn().Err(err).Str("path", store.Path()).Msg("could not persist session")
	}
	log.Info().Str("username", cfg.Backend.Username).Msg("logged in")
	return client, nil
}
