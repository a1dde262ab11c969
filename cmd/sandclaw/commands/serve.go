// serve.go wires the daemon together and runs it until a signal.
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/channels"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/dispatch"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/pool"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/scheduler"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.Logging)

			st, err := store.Open(store.Config{
				Path:          cfg.Store.Path,
				BusyTimeoutMs: cfg.Store.BusyTimeoutMs,
			})
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()

			containerPool := pool.New(cfg.Pool.IdleTimeout, cfg.Dispatch.KillGrace, logger)
			defer containerPool.ShutdownAll()

			manager := channels.NewManager(logger)
			// Channel adapters register here; none ship in-tree, the
			// daemon still serves scheduled work without them.
			if err := manager.Start(ctx); err != nil {
				return fmt.Errorf("start channels: %w", err)
			}
			defer manager.Stop()

			orch := dispatch.New(
				containerPool,
				dispatch.Runtime{
					Binary:    cfg.Runtime.Binary,
					Image:     cfg.Runtime.Image,
					Network:   cfg.Runtime.Network,
					ExtraArgs: cfg.Runtime.ExtraArgs,
					IPCRoot:   cfg.IPC.Root,
				},
				st,
				manager,
				nil,
				dispatch.Limits{
					Timeout:        cfg.Dispatch.Timeout,
					MaxOutputBytes: cfg.Dispatch.MaxOutputBytes,
					KillGrace:      cfg.Dispatch.KillGrace,
					IPCPoll:        cfg.IPC.PollInterval,
				},
				logger,
			)

			if cfg.Scheduler.Enabled {
				sched := scheduler.New(st, orch, scheduler.Options{
					PollInterval:    cfg.Scheduler.PollInterval,
					RunLogRetention: cfg.Store.RunLogRetention,
				}, logger)
				orch.SetTaskService(sched)
				sched.Start(ctx)
				defer sched.Stop()
			}

			logger.Info("sandclaw daemon started",
				"data_dir", cfg.DataDir,
				"runtime", cfg.Runtime.Binary,
				"image", cfg.Runtime.Image,
			)

			go serveInbound(ctx, manager, st, orch, logger)

			<-ctx.Done()
			logger.Info("shutting down")
			return nil
		},
	}
}
