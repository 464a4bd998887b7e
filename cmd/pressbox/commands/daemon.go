package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pressbox/pressbox/pkg/config"
	"github.com/pressbox/pressbox/pkg/orchestrator"
)

func newDaemonCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the orchestrator in the foreground",
		Long: `Run the orchestrator as a long-lived process: the health monitor probes
running sites, the admin endpoint serves /metrics, /live, and /ready,
and the configuration file is watched for changes to mutable settings
(default environment, health policy).

This is the process a desktop shell would supervise. It runs until
interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := setup(ctx)
			if err != nil {
				return err
			}
			defer app.close(ctx)

			// Admin endpoint: readiness requires a reachable registry.
			app.tel.Metrics.AddReadinessCheck("registry", func() error {
				return app.store.Ping(ctx)
			})
			if err := app.tel.Metrics.StartAdminServer(); err != nil {
				return err
			}

			monitor := orchestrator.NewHealthMonitor(
				app.store,
				orchestrator.NewHTTPProber(app.manager.Policy().HealthProbeTimeout),
				app.tel,
				app.manager.Policy,
			)
			if err := monitor.Start(ctx); err != nil {
				return err
			}
			defer monitor.Stop()

			path := configPath
			if path == "" {
				path = config.DefaultPath()
			}
			watcher, err := config.NewWatcher(path, app.tel.Logger)
			if err != nil {
				return err
			}
			if err := watcher.Start(ctx, func(cfg *config.Config) {
				app.manager.UpdatePolicy(cfg.Policy)
				if cfg.DefaultEnvironment != app.manager.CurrentEnvironment() {
					if err := app.manager.SwitchEnvironment(ctx, cfg.DefaultEnvironment); err != nil {
						app.tel.Logger.WithError(err).Warn("could not apply reloaded default environment")
					}
				}
			}); err != nil {
				return err
			}
			defer watcher.Close()

			fmt.Println("pressbox daemon running, press Ctrl+C to stop")
			<-ctx.Done()
			return nil
		},
	}
	return cmd
}
