package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRemoveCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "remove <site-id>",
		Aliases: []string{"rm", "delete"},
		Short:   "Delete a site",
		Long: `Delete a site: its record, backend resources, and content directory.
A running site is stopped first. This cannot be undone.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				fmt.Printf("This permanently deletes site %s and its content. Continue? [y/N] ", args[0])
				var answer string
				_, _ = fmt.Scanln(&answer)
				if answer != "y" && answer != "Y" && answer != "yes" {
					fmt.Println("Aborted")
					return nil
				}
			}

			app, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			if err := app.manager.DeleteSite(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("Site deleted")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip the confirmation prompt")
	return cmd
}
