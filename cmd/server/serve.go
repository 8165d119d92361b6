package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TeamTaoist/fterm/internal/config"
	"github.com/TeamTaoist/fterm/internal/logging"
	"github.com/TeamTaoist/fterm/internal/metrics"
	"github.com/TeamTaoist/fterm/internal/pty"
	"github.com/TeamTaoist/fterm/internal/realtime"
	"github.com/TeamTaoist/fterm/internal/session"
	"github.com/TeamTaoist/fterm/internal/tabs"
	"github.com/TeamTaoist/fterm/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var addr string
	var prefsPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the terminal server",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := config.LoadEnv()
			if err != nil {
				return err
			}
			if prefsPath == "" {
				prefsPath = base.PrefsFile
			}
			cfg, err := base.WithPrefs(prefsPath)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Addr()
			}
			return serve(cmd.Context(), base, cfg, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from FTERM_HOST and FTERM_PORT)")
	cmd.Flags().StringVar(&prefsPath, "prefs", "", "preferences file, reloaded on change (default $FTERM_PREFS)")
	return cmd
}

// serve runs until a signal arrives or the last tab is closed under the exit
// policy. base is the environment-only configuration that preference reloads
// are applied on top of.
func serve(ctx context.Context, base, cfg *config.Config, addr string) error {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	m := metrics.New()
	backend := pty.NewBackend(pty.Options{
		Shell:  cfg.ResolveShell(),
		Logger: logger.Named("pty"),
	})

	rtServer := realtime.New(realtime.Options{
		StaticDir:         cfg.Server.StaticDir,
		Scrollback:        cfg.Terminal.Scrollback,
		MessagesPerSecond: cfg.RateLimit.MessagesPerSecond,
		Burst:             cfg.RateLimit.Burst,
		Logger:            logger.Named("realtime"),
		Metrics:           m,
	})

	tabMgr, err := tabs.NewManager(tabs.Options{
		Backend:     backend,
		Surfaces:    rtServer.NewSurface,
		Notify:      rtServer.OnTabEvent,
		Logger:      logger.Named("tabs"),
		Metrics:     m,
		Policy:      cfg.Terminal.LastTabPolicy,
		MaxTabs:     cfg.Terminal.MaxTabs,
		DefaultSize: defaultSize(cfg),
	})
	if err != nil {
		return err
	}
	rtServer.Attach(tabMgr)

	if _, err := tabMgr.CreateTab(tabs.CreateRequest{Activate: true}); err != nil {
		return fmt.Errorf("open initial tab: %w", err)
	}

	fileWatch := watcher.New(watcher.Options{Logger: logger.Named("watcher")})
	if cfg.PrefsFile != "" {
		err := fileWatch.Watch(cfg.PrefsFile, func(path string) {
			reloadPrefs(logger, base, path, tabMgr, backend)
		})
		if err != nil {
			logger.Warn("preferences will not be reloaded", zap.String("path", cfg.PrefsFile), zap.Error(err))
		}
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           rtServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()

	logger.Info("fterm server running",
		zap.String("url", "http://"+addr),
		zap.String("shell", backend.Shell()),
		zap.String("last_tab_policy", tabMgr.Policy()),
	)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var runErr error
	select {
	case <-sigCtx.Done():
		logger.Info("shutting down", zap.String("reason", "signal"))
	case <-tabMgr.Done():
		logger.Info("shutting down", zap.String("reason", "last tab closed"))
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	fileWatch.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := tabMgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tab shutdown", zap.Error(err))
	}
	if err := backend.Shutdown(shutdownCtx); err != nil {
		logger.Warn("pty shutdown", zap.Error(err))
	}
	rtServer.CloseClients()

	return runErr
}

// prefsTarget is what a preference reload updates.
type prefsTarget interface {
	SetPolicy(policy string) error
	SetDefaultSize(size session.Size)
}

type shellSetter interface {
	SetShell(shell string)
}

// reloadPrefs re-derives the settings from the environment baseline and the
// current contents of path. Tabs that are already open keep their shell and
// size.
func reloadPrefs(logger *zap.Logger, base *config.Config, path string, tabMgr prefsTarget, shells shellSetter) {
	cfg, err := base.WithPrefs(path)
	if err != nil {
		logger.Warn("ignoring invalid preferences", zap.String("path", path), zap.Error(err))
		return
	}
	if err := tabMgr.SetPolicy(cfg.Terminal.LastTabPolicy); err != nil {
		logger.Warn("set last tab policy", zap.Error(err))
		return
	}
	tabMgr.SetDefaultSize(defaultSize(cfg))
	shells.SetShell(cfg.ResolveShell())
	logger.Info("preferences reloaded",
		zap.String("path", path),
		zap.String("last_tab_policy", cfg.Terminal.LastTabPolicy),
		zap.String("shell", cfg.ResolveShell()),
	)
}

func defaultSize(cfg *config.Config) session.Size {
	return session.Size{Rows: cfg.Terminal.DefaultRows, Cols: cfg.Terminal.DefaultCols}
}
