package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/autopr/internal/config"
	"github.com/lucasnoah/autopr/internal/intake"
	"github.com/lucasnoah/autopr/internal/orchestrator"
	"github.com/lucasnoah/autopr/internal/web"
)

const housekeepingInterval = time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Receive webhooks and process issues",
	Long: `Start the webhook receiver and the worker pool.

On start-up, items left active by a previous process are reconciled: pending
and intake items are fetched again and requeued, items interrupted mid-run are
failed so they can be retried with "autopr state retry".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if errs := config.Validate(cfg); len(errs) > 0 {
			for _, e := range errs {
				fmt.Fprintf(cmd.ErrOrStderr(), "config: %s\n", e)
			}
			return fmt.Errorf("config has %d validation error(s)", len(errs))
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			host, port, err := splitAddr(addr)
			if err != nil {
				return err
			}
			cfg.Server.Host, cfg.Server.Port = host, port
		}

		logger := newLogger(cfg.Log, cmd.ErrOrStderr())
		logger.Info("starting autopr", "version", version, "config", cfg.Redacted())

		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := a.syncStageGauge(ctx); err != nil {
			logger.Warn("seed stage gauge", "error", err)
		}

		queue := orchestrator.NewQueue(a.orch, cfg.Orchestrator.Workers, cfg.Orchestrator.QueueSize, logger)
		// Workers outlive the signal context so Shutdown can drain them.
		if err := queue.Start(context.WithoutCancel(ctx)); err != nil {
			return err
		}

		if _, err := a.orch.Recover(ctx, queue); err != nil {
			logger.Error("recover active items", "error", err)
		}

		srv := web.NewServer(web.Options{
			States:   a.machine,
			Queue:    queue,
			Intake:   intake.NewHandler(cfg.GitHub.WebhookSecret, logger),
			Output:   a.orch.Output(),
			Gatherer: a.registry,
			Ping:     a.store.ping,
			Dependencies: map[string]web.HealthChecker{
				"github":    a.github,
				"knowledge": a.knowledge,
			},
			ShutdownTimeout: cfg.Server.ShutdownTimeout.Std(),
		}, logger)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.Serve(gctx, cfg.Server.Addr())
		})
		g.Go(func() error {
			a.housekeeping(gctx, housekeepingInterval)
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
			defer cancel()
			if err := queue.Shutdown(shutdownCtx); err != nil {
				logger.Warn("work queue shutdown", "error", err)
			}
			return nil
		})

		err = g.Wait()
		logger.Info("autopr stopped")
		return err
	},
}

// housekeeping periodically removes expired workspaces and resyncs the stage
// gauge until ctx is done.
func (a *app) housekeeping(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		active, err := a.machine.ListActive(ctx)
		if err != nil {
			a.logger.Warn("list active states", "error", err)
			continue
		}
		protected := make([]string, 0, len(active))
		for _, st := range active {
			protected = append(protected, st.WorkspacePath)
		}
		if _, err := a.provisioner.Cleanup(ctx, a.cfg.Workspace.Retention(), protected); err != nil {
			a.logger.Warn("workspace cleanup", "error", err)
		}
		if err := a.syncStageGauge(ctx); err != nil {
			a.logger.Warn("resync stage gauge", "error", err)
		}
	}
}

func splitAddr(addr string) (string, int, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid --addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid --addr %q: bad port", addr)
	}
	return host, port, nil
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address host:port (overrides server.host and server.port)")
}
