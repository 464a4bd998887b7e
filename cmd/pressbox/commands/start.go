package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <site-id>",
		Short: "Start a site",
		Long: `Start a site on its current backend. A host port is allocated from the
configured pool and the site is served on 127.0.0.1.

Starting is legal only for stopped sites and sites in an error state; a
site with another operation in flight is rejected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			record, err := app.manager.StartSite(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(record)
			}
			fmt.Printf("Site %s running at http://127.0.0.1:%d\n", record.Domain, record.Port)
			return nil
		},
	}
	return cmd
}

func newStopCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop <site-id>",
		Short: "Stop a site",
		Long: `Stop a running site, releasing its host port. Site data is preserved;
containerized sites keep their volumes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			record, err := app.manager.StopSite(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(record)
			}
			fmt.Printf("Site %s stopped\n", record.Domain)
			return nil
		},
	}
	return cmd
}
