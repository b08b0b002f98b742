package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/harunnryd/genba/internal/adapter"
	"github.com/harunnryd/genba/internal/api"
	"github.com/harunnryd/genba/internal/breaker"
	"github.com/harunnryd/genba/internal/daemon"
	"github.com/harunnryd/genba/internal/engine"
	"github.com/harunnryd/genba/internal/healing"
	"github.com/harunnryd/genba/internal/lock"
	"github.com/harunnryd/genba/internal/notify"
	"github.com/harunnryd/genba/internal/planner"
	"github.com/harunnryd/genba/internal/remote"
	"github.com/harunnryd/genba/internal/store"

	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start Genba in background daemon mode",
	Long:  `Starts Genba as a long-running service: session store, worker engine, HTTP API, chat adapters, and the scheduled retention sweep.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		st, err := store.NewStore(cfg.Store)
		if err != nil {
			return fmt.Errorf("failed to open session store: %w", err)
		}

		lockDir := filepath.Join(filepath.Dir(cfg.Store.DataPath), "locks")
		locks, err := lock.NewManager(lockDir, cfg.Locks)
		if err != nil {
			return fmt.Errorf("failed to create lock manager: %w", err)
		}

		settings, err := breaker.SettingsFromConfig(cfg.Breaker)
		if err != nil {
			return fmt.Errorf("invalid breaker config: %w", err)
		}
		breakers := breaker.NewRegistry(settings)

		router, err := planner.NewRouter(cfg.Models)
		if err != nil {
			return fmt.Errorf("failed to build model router: %w", err)
		}

		files, err := remote.NewDirStore(cfg.Remote)
		if err != nil {
			return fmt.Errorf("failed to open remote tree: %w", err)
		}

		notifier, err := notify.NewNotifier(cfg.Notify)
		if err != nil {
			return fmt.Errorf("failed to create notifier: %w", err)
		}

		verifier, err := healing.NewVerifier(cfg.Healing, files, breakers, notifier)
		if err != nil {
			return fmt.Errorf("failed to create deployment verifier: %w", err)
		}

		eng, err := engine.New(engine.Deps{
			Store:     st,
			Locks:     locks,
			Generator: router,
			Files:     files,
			Breakers:  breakers,
			Notifier:  notifier,
			Verifier:  verifier,
		}, cfg.Engine, cfg.Retry, cfg.Remote, cfg.Models)
		if err != nil {
			return fmt.Errorf("failed to create engine: %w", err)
		}

		srv, err := api.NewServer(cfg.Server, cfg.Daemon, eng, st, breakers)
		if err != nil {
			return fmt.Errorf("failed to create API server: %w", err)
		}

		sweeper, err := daemon.NewSweeper(cfg.Daemon, st.Sweep)
		if err != nil {
			return fmt.Errorf("failed to create sweeper: %w", err)
		}

		d := daemon.NewDaemon(cfg)
		d.AddComponent(eng)
		d.AddComponent(&daemon.Func{
			ComponentName: "api",
			OnStart: func(ctx context.Context) error {
				srv.Start()
				return nil
			},
			OnStop: srv.Stop,
		})
		d.AddComponent(sweeper)

		if cfg.Adapters.Telegram.Enabled {
			tg := adapter.NewTelegramAdapter(cfg.Adapters.Telegram, eng, st)
			d.AddComponent(&daemon.Func{
				ComponentName: tg.Name(),
				OnStart:       tg.Start,
				OnStop:        tg.Stop,
				OnHealth:      tg.Health,
			})
		}

		slog.Info("Genba daemon starting up...", "port", cfg.Server.Port, "models", router.Models())
		if err := d.Run(cmd.Context()); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("Genba daemon stopped gracefully")
				return nil
			}
			return fmt.Errorf("daemon failed: %w", err)
		}

		slog.Info("Genba daemon stopped gracefully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
