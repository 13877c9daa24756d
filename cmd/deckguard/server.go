package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/sofatutor/deckguard/internal/admin"
	"github.com/sofatutor/deckguard/internal/config"
	"github.com/sofatutor/deckguard/internal/encryption"
	"github.com/sofatutor/deckguard/internal/logging"
	"github.com/sofatutor/deckguard/internal/server"
)

// serverOptions are flag overrides applied to the environment before the
// configuration is read.
type serverOptions struct {
	listenAddr   string
	adminAddr    string
	databasePath string
	policyPath   string
	logLevel     string
	logFile      string
	debug        bool
	noAdmin      bool
}

func newServerCmd() *cobra.Command {
	var opts serverOptions
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the gateway and the operator API",
		Long: `Start the deck application server behind the security gateway, and the
operator API on a separate listener.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.listenAddr, "addr", "", "Address to listen on (overrides LISTEN_ADDR)")
	f.StringVar(&opts.adminAddr, "admin-addr", "", "Operator API listen address (overrides ADMIN_LISTEN_ADDR)")
	f.StringVar(&opts.databasePath, "db", "", "Path to SQLite database (overrides DATABASE_PATH)")
	f.StringVar(&opts.policyPath, "policies", "", "Path to the security policy catalog (overrides SECURITY_POLICY_PATH)")
	f.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	f.StringVar(&opts.logFile, "log-file", "", "Path to log file (overrides LOG_FILE, default: stdout)")
	f.BoolVarP(&opts.debug, "debug", "v", config.EnvBoolOrDefault("DEBUG", false), "Enable debug logging (overrides --log-level)")
	f.BoolVar(&opts.noAdmin, "no-admin", false, "Do not start the operator API")
	return cmd
}

// applyEnv writes the non-empty overrides into the environment.
func (o serverOptions) applyEnv() error {
	overrides := map[string]string{
		"LISTEN_ADDR":          o.listenAddr,
		"ADMIN_LISTEN_ADDR":    o.adminAddr,
		"DATABASE_PATH":        o.databasePath,
		"SECURITY_POLICY_PATH": o.policyPath,
		"LOG_LEVEL":            o.logLevel,
		"LOG_FILE":             o.logFile,
	}
	if o.debug {
		overrides["LOG_LEVEL"] = "debug"
	}
	for key, value := range overrides {
		if value == "" {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

func runServer(ctx context.Context, opts serverOptions) error {
	if err := opts.applyEnv(); err != nil {
		return err
	}
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err := logger.Sync(); err != nil && !strings.Contains(err.Error(), "inappropriate ioctl for device") {
			fmt.Fprintf(os.Stderr, "Error syncing logger: %v\n", err)
		}
	}()

	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Println("Press Ctrl+C to stop")
	}
	return serve(ctx, cfg, logger, !opts.noAdmin)
}

// serve runs the app server, and the operator API when withAdmin is set,
// until ctx is done or a listener fails.
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger, withAdmin bool) error {
	comps, err := server.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.Close()

	hasher := encryption.NewTokenHasher()
	users, err := server.ParseUserDirectory(cfg.LoginUsers, hasher)
	if err != nil {
		return fmt.Errorf("invalid LOGIN_USERS: %w", err)
	}
	if users.Len() == 0 {
		logger.Warn("LOGIN_USERS is empty, every login attempt will be rejected")
	}

	deps := server.Deps{
		Gateway: comps.Gateway,
		Catalog: comps.Catalog,
		Decks:   server.NewMemoryDeckStore(),
		Auth:    users,
		Metrics: comps.Metrics.Handler(),
		Logger:  logger,
	}
	if comps.RedisCounter != nil {
		deps.Redis = comps.RedisCounter
	}
	app, err := server.New(cfg, deps)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	var adm *admin.Server
	if withAdmin {
		cred, err := encryption.NewCredential(hasher, cfg.ManagementToken)
		if err != nil {
			return fmt.Errorf("invalid MANAGEMENT_TOKEN: %w", err)
		}
		deps := admin.Deps{
			Monitor:    comps.Monitor,
			Audit:      comps.Audit,
			Credential: cred,
			Logger:     logger,
		}
		if comps.DB != nil {
			deps.Events = comps.DB
		}
		if adm, err = admin.NewServer(cfg, deps); err != nil {
			return fmt.Errorf("failed to initialize operator API: %w", err)
		}
	}

	comps.Start()
	errCh := make(chan error, 2)
	go func() {
		if err := app.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("app server: %w", err)
		}
	}()
	if adm != nil {
		go func() {
			if err := adm.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("operator API: %w", err)
			}
		}()
		logger.Info("Operator API starting", zap.String("addr", cfg.AdminListenAddr))
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Server shutting down...")
	case runErr = <-errCh:
		logger.Error("Server error", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Error("App server forced to shutdown", zap.Error(err))
	}
	if adm != nil {
		if err := adm.Shutdown(shutdownCtx); err != nil {
			logger.Error("Operator API forced to shutdown", zap.Error(err))
		}
	}
	logger.Info("Server exited")
	return runErr
}
