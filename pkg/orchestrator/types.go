package orchestrator

import (
	"time"
)

// Environment identifies the execution backend that owns a site.
type Environment string

const (
	// EnvironmentLocal runs the site as a native PHP process on the host.
	EnvironmentLocal Environment = "local"

	// EnvironmentContainer runs the site as a multi-container stack.
	EnvironmentContainer Environment = "container"
)

// Valid reports whether e is a known environment.
func (e Environment) Valid() bool {
	return e == EnvironmentLocal || e == EnvironmentContainer
}

// SiteStatus represents the lifecycle state of a site.
type SiteStatus string

const (
	// StatusStopped means no backend resources are serving the site.
	StatusStopped SiteStatus = "stopped"

	// StatusStarting means a start operation is in flight.
	StatusStarting SiteStatus = "starting"

	// StatusRunning means the site is serving traffic on its bound port.
	StatusRunning SiteStatus = "running"

	// StatusStopping means a stop operation is in flight.
	StatusStopping SiteStatus = "stopping"

	// StatusError means the last operation or a health check failed.
	// The failure reason is recorded in SiteRecord.StatusReason.
	StatusError SiteStatus = "error"
)

// InFlight reports whether the status represents an in-flight transition.
func (s SiteStatus) InFlight() bool {
	return s == StatusStarting || s == StatusStopping
}

// DatabaseEngine selects the database backing a site.
type DatabaseEngine string

const (
	// DatabaseSQLite stores the database as a file inside the site path.
	DatabaseSQLite DatabaseEngine = "sqlite"

	// DatabaseMySQL uses a per-site schema on a MySQL server. In the local
	// environment this is a shared host instance; in the container
	// environment it is a database container in the site's stack.
	DatabaseMySQL DatabaseEngine = "mysql"
)

// WebServer selects the web server fronting a containerized site.
type WebServer string

const (
	// WebServerNginx fronts the stack with nginx.
	WebServerNginx WebServer = "nginx"

	// WebServerCaddy fronts the stack with caddy.
	WebServerCaddy WebServer = "caddy"
)

// SiteConfig is the declared configuration of a site. It is immutable for
// the lifetime of an environment: changes happen only as the terminal
// effect of a migration, never in place.
type SiteConfig struct {
	// PHPVersion is the PHP runtime version (e.g. "8.3").
	PHPVersion string `json:"php_version" validate:"required"`

	// WordPressVersion is the WordPress core version (e.g. "6.7").
	WordPressVersion string `json:"wordpress_version,omitempty"`

	// DatabaseEngine selects sqlite or mysql.
	DatabaseEngine DatabaseEngine `json:"database_engine" validate:"required,oneof=sqlite mysql"`

	// DatabaseVersion is the database server version. Ignored for sqlite.
	DatabaseVersion string `json:"database_version,omitempty"`

	// WebServer fronts the container stack. Ignored in the local
	// environment, where the PHP development server serves directly.
	WebServer WebServer `json:"web_server,omitempty" validate:"omitempty,oneof=nginx caddy"`

	// SSL enables TLS termination for the site.
	SSL bool `json:"ssl"`

	// Multisite enables WordPress multisite mode.
	Multisite bool `json:"multisite"`

	// AdminUser is the initial WordPress admin account name.
	AdminUser string `json:"admin_user,omitempty"`

	// AdminEmail is the initial WordPress admin email address.
	AdminEmail string `json:"admin_email,omitempty"`
}

// SitePaths locates a site's on-disk content. The orchestrator owns these
// directories; drivers reference them but never relocate or delete them.
type SitePaths struct {
	// Root is the site's top-level directory.
	Root string `json:"root"`

	// DocRoot is the WordPress document root served to clients.
	DocRoot string `json:"doc_root"`

	// Runtime holds backend-generated artifacts (PID files, compose
	// specs, database dumps). Safe to regenerate.
	Runtime string `json:"runtime"`
}

// SiteRecord is the durable catalog entry for a site. The registry is the
// single source of truth for identity and declared state.
type SiteRecord struct {
	// ID is the stable site identifier. Immutable.
	ID string `json:"id"`

	// Name is the human-readable site name.
	Name string `json:"name"`

	// Domain is the site's local domain. Unique across all records.
	Domain string `json:"domain"`

	// Environment is the backend that currently owns the site. It changes
	// only as the terminal effect of a successful migration.
	Environment Environment `json:"environment"`

	// Status is the current lifecycle state.
	Status SiteStatus `json:"status"`

	// StatusReason is the error reason code when Status is error.
	StatusReason Reason `json:"status_reason,omitempty"`

	// Port is the assigned host port. Zero unless reserved.
	Port int `json:"port,omitempty"`

	// Config is the declared site configuration for the current
	// environment.
	Config SiteConfig `json:"config"`

	// Paths locates the site's content on disk.
	Paths SitePaths `json:"paths"`

	// CreatedAt is when the record was created.
	CreatedAt time.Time `json:"created_at"`

	// LastAccessed is when the site was last successfully started.
	LastAccessed time.Time `json:"last_accessed"`

	// Version is the record version for compare-and-swap updates.
	Version int64 `json:"version"`
}

// Clone returns a deep copy of the record.
func (r *SiteRecord) Clone() *SiteRecord {
	c := *r
	return &c
}

// Handle identifies a driver's backend-specific resources for one site.
// Handles are derived from the record and are safe to reconstruct; drivers
// keep no state outside the site's runtime directory.
type Handle struct {
	// SiteID is the owning site's ID.
	SiteID string `json:"site_id"`

	// Environment is the backend the handle belongs to.
	Environment Environment `json:"environment"`

	// Paths locates the site content the handle operates on.
	Paths SitePaths `json:"paths"`

	// Config is the configuration the resources were provisioned with.
	Config SiteConfig `json:"config"`
}

// RunningInfo describes a successfully started site.
type RunningInfo struct {
	// Port is the host port the site is bound to.
	Port int `json:"port"`

	// PID is the serving process ID. Zero for containerized sites.
	PID int `json:"pid,omitempty"`

	// URL is the site's base URL.
	URL string `json:"url"`
}

// BackendCapability describes the availability of one backend.
type BackendCapability struct {
	// Available reports whether the backend can run sites on this host.
	Available bool `json:"available"`

	// Preferred reports whether this backend is the default for new sites.
	Preferred bool `json:"preferred"`

	// Detail explains unavailability in human-readable form.
	Detail string `json:"detail,omitempty"`
}

// Capabilities describes which backends the orchestrator can use.
type Capabilities struct {
	// Local describes the native-process backend.
	Local BackendCapability `json:"local"`

	// Container describes the container-stack backend.
	Container BackendCapability `json:"container"`
}

// CreateSiteRequest is the input to Manager.CreateSite.
type CreateSiteRequest struct {
	// Name is the human-readable site name.
	Name string `json:"name" validate:"required,min=1,max=64"`

	// Domain is the site's local domain. Derived from Name when empty.
	Domain string `json:"domain,omitempty" validate:"omitempty,hostname_rfc1123"`

	// Environment selects the backend. Defaults to the orchestrator's
	// current default environment when empty.
	Environment Environment `json:"environment,omitempty" validate:"omitempty,oneof=local container"`

	// Config is the desired site configuration. Unset fields are filled
	// with defaults resolved once at creation time.
	Config SiteConfig `json:"config"`
}
