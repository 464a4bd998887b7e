package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pressbox/pressbox/pkg/config"
	"github.com/pressbox/pressbox/pkg/drivers/container"
	"github.com/pressbox/pressbox/pkg/drivers/local"
	"github.com/pressbox/pressbox/pkg/orchestrator"
	"github.com/pressbox/pressbox/pkg/ports"
	"github.com/pressbox/pressbox/pkg/registry"
	"github.com/pressbox/pressbox/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pressbox",
		Short: "Pressbox - Local WordPress Site Orchestrator",
		Long: `Pressbox manages local WordPress development sites across two
interchangeable execution backends:

  local      - a native PHP development server process on the host
  container  - a compose-managed stack (web server, PHP-FPM, database)

Sites can be created, started, stopped, cloned, and migrated between
backends without losing their domain or content identity.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newCreateCommand())
	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newStopCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newCloneCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newRemoveCommand())
	rootCmd.AddCommand(newEnvCommand())
	rootCmd.AddCommand(newDaemonCommand())

	return rootCmd
}

// app bundles the orchestrator and its collaborators for one command
// invocation.
type app struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	store   *registry.SQLiteStore
	manager *orchestrator.Manager
}

// setup loads configuration, opens the registry, and assembles the
// orchestrator. Startup reconciliation runs before the manager is handed
// to the caller.
func setup(ctx context.Context) (*app, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.MkdirAll(cfg.SitesDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sites directory: %w", err)
	}

	store, err := registry.NewSQLiteStore(registry.Config{Path: cfg.RegistryPath()})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}

	manager, err := orchestrator.NewManager(orchestrator.ManagerConfig{
		Store: store,
		Drivers: []orchestrator.Driver{
			local.NewDriver(cfg.Local, tel),
			container.NewDriver(cfg.Container, tel),
		},
		Allocator:  ports.NewAllocator(cfg.Ports.Start, cfg.Ports.End),
		Telemetry:  tel,
		SitesDir:   cfg.SitesDir,
		DefaultEnv: cfg.DefaultEnvironment,
		Policy:     cfg.Policy,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	if err := manager.Reconcile(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("startup reconciliation failed: %w", err)
	}

	return &app{cfg: cfg, tel: tel, store: store, manager: manager}, nil
}

// close releases the app's resources.
func (a *app) close(ctx context.Context) {
	_ = a.store.Close()
	_ = a.tel.Shutdown(ctx)
}

// printRecord renders one site record as a table row or JSON.
func printRecord(record *orchestrator.SiteRecord) error {
	if jsonOutput {
		return printJSON(record)
	}
	fmt.Printf("%-36s  %-24s  %-10s  %-8s  %-5s\n", "ID", "DOMAIN", "ENV", "STATUS", "PORT")
	printRecordRow(record)
	return nil
}

func printRecordRow(record *orchestrator.SiteRecord) {
	port := "-"
	if record.Port != 0 {
		port = fmt.Sprintf("%d", record.Port)
	}
	status := string(record.Status)
	if record.StatusReason != "" {
		status = fmt.Sprintf("%s (%s)", record.Status, record.StatusReason)
	}
	fmt.Printf("%-36s  %-24s  %-10s  %-8s  %-5s\n",
		record.ID, record.Domain, record.Environment, status, port)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
