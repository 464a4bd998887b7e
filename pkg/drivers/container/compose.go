package container

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/pressbox/pressbox/pkg/orchestrator"
)

const composeFileName = "compose.yaml"

// composeSpec is the subset of the compose file format the driver emits.
type composeSpec struct {
	Name     string                    `yaml:"name"`
	Services map[string]composeService `yaml:"services"`
	Volumes  map[string]composeVolume  `yaml:"volumes,omitempty"`
}

type composeService struct {
	Image       string            `yaml:"image"`
	Ports       []string          `yaml:"ports,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Volumes     []string          `yaml:"volumes,omitempty"`
	DependsOn   []string          `yaml:"depends_on,omitempty"`
	Restart     string            `yaml:"restart,omitempty"`
	Healthcheck *composeHealth    `yaml:"healthcheck,omitempty"`
}

type composeHealth struct {
	Test     []string `yaml:"test"`
	Interval string   `yaml:"interval,omitempty"`
	Retries  int      `yaml:"retries,omitempty"`
}

type composeVolume struct{}

// projectName derives the compose project name for a site. Compose project
// names must be lowercase alphanumeric with dashes.
func projectName(siteID string) string {
	id := siteID
	if len(id) > 12 {
		id = id[:12]
	}
	return "pressbox-" + id
}

// buildSpec assembles the compose specification for a site. The stack is a
// web server, a PHP-FPM service, and optionally a database service when the
// engine is mysql; sqlite needs no database container.
func buildSpec(handle *orchestrator.Handle, port int) *composeSpec {
	cfg := handle.Config
	spec := &composeSpec{
		Name:     projectName(handle.SiteID),
		Services: map[string]composeService{},
		Volumes:  map[string]composeVolume{},
	}

	phpEnv := map[string]string{
		"WORDPRESS_DB_ENGINE": string(cfg.DatabaseEngine),
	}

	if cfg.DatabaseEngine == orchestrator.DatabaseMySQL {
		dbVersion := cfg.DatabaseVersion
		if dbVersion == "" {
			dbVersion = "8.4"
		}
		spec.Services["db"] = composeService{
			Image:   "mysql:" + dbVersion,
			Restart: "unless-stopped",
			Environment: map[string]string{
				"MYSQL_DATABASE":             "wordpress",
				"MYSQL_USER":                 "wordpress",
				"MYSQL_PASSWORD":             "wordpress",
				"MYSQL_ALLOW_EMPTY_PASSWORD": "yes",
			},
			Volumes: []string{"db-data:/var/lib/mysql"},
			Healthcheck: &composeHealth{
				Test:     []string{"CMD", "mysqladmin", "ping", "-h", "127.0.0.1"},
				Interval: "5s",
				Retries:  12,
			},
		}
		spec.Volumes["db-data"] = composeVolume{}

		phpEnv["WORDPRESS_DB_HOST"] = "db"
		phpEnv["WORDPRESS_DB_NAME"] = "wordpress"
		phpEnv["WORDPRESS_DB_USER"] = "wordpress"
		phpEnv["WORDPRESS_DB_PASSWORD"] = "wordpress"
	}

	phpVersion := cfg.PHPVersion
	if phpVersion == "" {
		phpVersion = "8.3"
	}
	php := composeService{
		Image:       fmt.Sprintf("php:%s-fpm", phpVersion),
		Restart:     "unless-stopped",
		Environment: phpEnv,
		Volumes:     []string{handle.Paths.DocRoot + ":/var/www/html"},
	}
	if cfg.DatabaseEngine == orchestrator.DatabaseMySQL {
		php.DependsOn = []string{"db"}
	}
	spec.Services["php"] = php

	spec.Services["web"] = webService(handle, port)

	return spec
}

// webService builds the front web server service for the configured server
// flavor.
func webService(handle *orchestrator.Handle, port int) composeService {
	binding := fmt.Sprintf("127.0.0.1:%d:80", port)

	switch handle.Config.WebServer {
	case orchestrator.WebServerCaddy:
		return composeService{
			Image:   "caddy:2",
			Restart: "unless-stopped",
			Ports:   []string{binding},
			Volumes: []string{
				handle.Paths.DocRoot + ":/var/www/html:ro",
				filepath.Join(handle.Paths.Runtime, "Caddyfile") + ":/etc/caddy/Caddyfile:ro",
			},
			DependsOn: []string{"php"},
		}
	default:
		return composeService{
			Image:   "nginx:stable",
			Restart: "unless-stopped",
			Ports:   []string{binding},
			Volumes: []string{
				handle.Paths.DocRoot + ":/var/www/html:ro",
				filepath.Join(handle.Paths.Runtime, "nginx.conf") + ":/etc/nginx/conf.d/default.conf:ro",
			},
			DependsOn: []string{"php"},
		}
	}
}

// writeSpec renders the compose file and web server config into the site's
// runtime directory and returns the compose file path.
func writeSpec(handle *orchestrator.Handle, port int) (string, error) {
	if err := os.MkdirAll(handle.Paths.Runtime, 0755); err != nil {
		return "", fmt.Errorf("failed to create runtime directory: %w", err)
	}

	spec := buildSpec(handle, port)
	data, err := yaml.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("failed to render compose spec: %w", err)
	}

	path := filepath.Join(handle.Paths.Runtime, composeFileName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write compose spec: %w", err)
	}

	if err := writeWebConfig(handle); err != nil {
		return "", err
	}
	return path, nil
}

// writeWebConfig writes the front server configuration that pairs with the
// compose spec.
func writeWebConfig(handle *orchestrator.Handle) error {
	var path, content string
	switch handle.Config.WebServer {
	case orchestrator.WebServerCaddy:
		path = filepath.Join(handle.Paths.Runtime, "Caddyfile")
		content = `:80 {
	root * /var/www/html
	php_fastcgi php:9000
	file_server
}
`
	default:
		path = filepath.Join(handle.Paths.Runtime, "nginx.conf")
		content = `server {
    listen 80;
    root /var/www/html;
    index index.php index.html;

    location / {
        try_files $uri $uri/ /index.php?$args;
    }

    location ~ \.php$ {
        fastcgi_pass php:9000;
        fastcgi_index index.php;
        include fastcgi_params;
        fastcgi_param SCRIPT_FILENAME $document_root$fastcgi_script_name;
    }
}
`
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write web server config: %w", err)
	}
	return nil
}
