package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/tasksync/internal/api"
	"github.com/tonimelisma/tasksync/internal/config"
	tsync "github.com/tonimelisma/tasksync/internal/sync"
)

// readHeaderTimeout bounds slow clients on the API listener.
const readHeaderTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP API",
		Long: `Run the sync scheduler for every connected user and serve the HTTP API.

Passes run at startup, every sync.interval, and shortly after any task
change or explicit sync request. Send SIGHUP (or run "tasksync reload")
to re-read the config file. SIGINT or SIGTERM stops accepting requests,
waits for in-flight passes and exits.`,
		RunE: runServe,
	}

	cmd.Flags().String("listen", "", "API listen address (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger

	lock, err := acquirePIDLock(pidFilePath(cc.Cfg))
	if err != nil {
		return err
	}
	defer lock.Release()

	ctx, stop := shutdownContext(cmd.Context(), logger)
	defer stop()

	a, err := openApp(ctx, cc)
	if err != nil {
		return err
	}
	defer a.Close()

	holder := config.NewHolder(cc.Cfg, cc.CfgPath)
	sched := tsync.NewScheduler(schedulerConfig(cc.Cfg), a.engine, a.store, logger)

	ln, err := net.Listen("tcp", cc.Cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cc.Cfg.Server.Listen, err)
	}

	srv := &http.Server{
		Handler: api.New(api.Config{
			Tasks:   a.store,
			Status:  a.engine,
			Sync:    sched,
			Logger:  logger,
			Version: version,
		}),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	cc.Statusf("Serving on http://%s\n", ln.Addr())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sched.Run(gctx)
	})

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving API: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		watchReload(gctx, holder, sched, logger)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), holder.Config().Durations().ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("API shutdown incomplete", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("serve stopped")

	return nil
}

// watchReload re-reads the config file on every SIGHUP. An invalid file is
// logged and the running config is kept.
func watchReload(ctx context.Context, holder *config.Holder, sched *tsync.Scheduler, logger *slog.Logger) {
	reloads := reloadSignals(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-reloads:
			reloadConfig(holder, sched, logger)
		}
	}
}

func reloadConfig(holder *config.Holder, sched *tsync.Scheduler, logger *slog.Logger) {
	next, err := holder.Reload()
	if err != nil {
		logger.Error("config reload failed, keeping current config",
			slog.String("path", holder.Path()),
			slog.String("error", err.Error()),
		)

		return
	}

	sched.UpdateConfig(schedulerConfig(next))

	logger.Info("config reloaded", slog.String("path", holder.Path()))
}

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask a running serve to re-read its config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if err := signalServer(pidFilePath(cc.Cfg), syscall.SIGHUP); err != nil {
				return err
			}

			cc.Statusf("Reload signal sent\n")

			return nil
		},
	}
}
