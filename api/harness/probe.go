package harness

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
)

// HTTPProbe treats any 2xx response from GET <endpoint><Path> as ready.
type HTTPProbe struct {
	Client *http.Client
	Path   string
}

func (p *HTTPProbe) Probe(ctx context.Context, endpoint *url.URL) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	target := endpoint
	if p.Path != "" {
		target = endpoint.JoinPath(p.Path)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("GET %s: status %d", target.Redacted(), resp.StatusCode)
	}
	return nil
}

// TCPProbe treats an accepted TCP connection to the endpoint's host as
// ready. Used for dependencies without an HTTP health route, such as
// databases.
type TCPProbe struct{}

func (TCPProbe) Probe(ctx context.Context, endpoint *url.URL) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", endpoint.Host)
	if err != nil {
		return err
	}
	return conn.Close()
}

// ServiceCheck is one instance's aggregated health as reported by a
// service catalog.
type ServiceCheck struct {
	Node   string
	Status string // passing, warning, critical
}

// HealthSource lists catalog health for a service.
type HealthSource interface {
	ServiceChecks(ctx context.Context, service string) ([]ServiceCheck, error)
}

// ConsulProbe treats a service as ready when it has at least one instance
// and every instance reports passing. The endpoint is ignored.
type ConsulProbe struct {
	Source  HealthSource
	Service string
}

func (p *ConsulProbe) EndpointOptional() bool { return true }

func (p *ConsulProbe) Probe(ctx context.Context, _ *url.URL) error {
	checks, err := p.Source.ServiceChecks(ctx, p.Service)
	if err != nil {
		return err
	}
	if len(checks) == 0 {
		return fmt.Errorf("service %s has no registered instances", p.Service)
	}
	for _, c := range checks {
		if c.Status != "passing" {
			return fmt.Errorf("service %s on %s is %s", p.Service, c.Node, c.Status)
		}
	}
	return nil
}
