package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pressbox/pressbox/pkg/orchestrator"
)

func newCreateCommand() *cobra.Command {
	var (
		domain      string
		environment string
		phpVersion  string
		dbEngine    string
		dbVersion   string
		webServer   string
		ssl         bool
		multisite   bool
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new site",
		Long: `Create a new WordPress site. The site is provisioned but not started.

The domain defaults to a slug of the name plus ".local". The backend
defaults to the current default environment (see "pressbox env").`,
		Example: `  # Create a site on the default backend
  pressbox create "My Shop"

  # Create a containerized site with MySQL
  pressbox create demo --environment container --db mysql --db-version 8.4

  # Create with an explicit domain
  pressbox create blog --domain blog.dev.local`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			record, err := app.manager.CreateSite(cmd.Context(), orchestrator.CreateSiteRequest{
				Name:        args[0],
				Domain:      domain,
				Environment: orchestrator.Environment(environment),
				Config: orchestrator.SiteConfig{
					PHPVersion:      phpVersion,
					DatabaseEngine:  orchestrator.DatabaseEngine(dbEngine),
					DatabaseVersion: dbVersion,
					WebServer:       orchestrator.WebServer(webServer),
					SSL:             ssl,
					Multisite:       multisite,
				},
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(record)
			}
			fmt.Printf("Site %s created (%s, %s)\n", record.Domain, record.ID, record.Environment)
			return nil
		},
	}

	cmd.Flags().StringVar(&domain, "domain", "", "site domain (derived from name when empty)")
	cmd.Flags().StringVarP(&environment, "environment", "e", "", "backend environment (local|container)")
	cmd.Flags().StringVar(&phpVersion, "php", "", "PHP version (default 8.3)")
	cmd.Flags().StringVar(&dbEngine, "db", "", "database engine (sqlite|mysql, default sqlite)")
	cmd.Flags().StringVar(&dbVersion, "db-version", "", "database server version")
	cmd.Flags().StringVar(&webServer, "web-server", "", "web server for containerized sites (nginx|caddy)")
	cmd.Flags().BoolVar(&ssl, "ssl", false, "enable TLS for the site")
	cmd.Flags().BoolVar(&multisite, "multisite", false, "enable WordPress multisite")

	return cmd
}
