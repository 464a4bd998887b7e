package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pressbox/pressbox/pkg/config"
	"github.com/pressbox/pressbox/pkg/orchestrator"
)

func newEnvCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Show or switch the default backend environment",
		Long: `Without arguments, show backend availability and the current default
environment for new sites. With "env switch", change the default.

Switching only affects where new sites are created; existing sites stay
on their backend until migrated.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			caps := app.manager.GetCapabilities(cmd.Context())
			if jsonOutput {
				return printJSON(caps)
			}

			fmt.Printf("Current default: %s\n\n", app.manager.CurrentEnvironment())
			printCapability("local", caps.Local)
			printCapability("container", caps.Container)
			return nil
		},
	}

	cmd.AddCommand(newEnvSwitchCommand())
	return cmd
}

func newEnvSwitchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "switch <environment>",
		Short: "Switch the default backend for new sites",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			target := orchestrator.Environment(args[0])
			if err := app.manager.SwitchEnvironment(cmd.Context(), target); err != nil {
				return err
			}

			// Persist so future invocations keep the new default.
			path := configPath
			if path == "" {
				path = config.DefaultPath()
			}
			app.cfg.DefaultEnvironment = target
			if err := config.Save(path, app.cfg); err != nil {
				return err
			}

			fmt.Printf("Default environment switched to %s\n", target)
			return nil
		},
	}
}

func printCapability(name string, cap orchestrator.BackendCapability) {
	state := "available"
	if !cap.Available {
		state = "unavailable"
		if cap.Detail != "" {
			state += " (" + cap.Detail + ")"
		}
	}
	marker := " "
	if cap.Preferred {
		marker = "*"
	}
	fmt.Printf("%s %-10s %s\n", marker, name, state)
}
