package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all sites",
		Long: `List all registered sites with their backend, lifecycle state, and
bound port. Records are reconciled against live OS resources before the
list is produced, so the output reflects what is actually running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			records, err := app.manager.ListSites(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(records)
			}

			if len(records) == 0 {
				fmt.Println("No sites registered")
				return nil
			}
			fmt.Printf("%-36s  %-24s  %-10s  %-8s  %-5s\n", "ID", "DOMAIN", "ENV", "STATUS", "PORT")
			for _, record := range records {
				printRecordRow(record)
			}
			return nil
		},
	}
	return cmd
}
