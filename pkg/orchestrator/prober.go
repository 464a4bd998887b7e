package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPProber checks site reachability with a bounded HTTP GET against the
// site's bound port.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates a prober with the given per-probe timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	return &HTTPProber{
		client: &http.Client{
			Timeout: timeout,
			// A site that answers with a redirect is alive; do not chase it.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Probe returns nil when the site answers any HTTP response on its port.
// Server errors (5xx) count as failures: WordPress fataling on every
// request is not healthy.
func (p *HTTPProber) Probe(ctx context.Context, record *SiteRecord, port int) error {
	url := fmt.Sprintf("http://127.0.0.1:%d/", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Host = record.Domain

	resp, err := p.client.Do(req)
	if err != nil {
		return NewTransientError(
			ReasonHealthCheckFailed,
			fmt.Sprintf("site did not answer on port %d", port),
			err,
		).WithSite(record.ID)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return NewTransientError(
			ReasonHealthCheckFailed,
			fmt.Sprintf("site answered %d on port %d", resp.StatusCode, port),
			nil,
		).WithSite(record.ID)
	}
	return nil
}
