package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pressbox/pressbox/pkg/orchestrator"
)

func newCloneCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clone <site-id> <new-name>",
		Short: "Clone a site under a new name",
		Long: `Clone a site: the content directory, database, and configuration are
copied into an independent new site with its own ID and domain. The
clone starts out stopped.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			record, err := app.manager.CloneSite(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(record)
			}
			fmt.Printf("Site cloned to %s (%s)\n", record.Domain, record.ID)
			return nil
		},
	}
	return cmd
}

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate <site-id> <target-environment>",
		Short: "Migrate a site to the other backend",
		Long: `Migrate a site between the local and container backends. The site's
domain and content are preserved; its database is exported from the
source and imported into the target, and the site comes back up running
on the target backend.

A failed migration leaves the source backend untouched so the command
can safely be retried.`,
		Example: `  pressbox migrate 4f1c... container
  pressbox migrate 4f1c... local`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			record, err := app.manager.MigrateSite(cmd.Context(), args[0], orchestrator.Environment(args[1]))
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(record)
			}
			fmt.Printf("Site %s migrated to %s, running at http://127.0.0.1:%d\n",
				record.Domain, record.Environment, record.Port)
			return nil
		},
	}
	return cmd
}
