package consul

import (
	"context"

	consulapi "github.com/hashicorp/consul/api"

	"shipyard/api/harness"
)

// ServiceChecks returns one aggregated status per registered instance of
// a service. It satisfies harness.HealthSource.
func (c *Client) ServiceChecks(ctx context.Context, service string) ([]harness.ServiceCheck, error) {
	entries, _, err := c.api.Health().Service(service, "", false, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, err
	}

	var results []harness.ServiceCheck
	for _, entry := range entries {
		results = append(results, harness.ServiceCheck{
			Node:   entry.Node.Node,
			Status: aggregateChecks(entry.Checks),
		})
	}
	return results, nil
}

func aggregateChecks(checks consulapi.HealthChecks) string {
	worst := consulapi.HealthPassing
	for _, check := range checks {
		switch check.Status {
		case consulapi.HealthCritical:
			return consulapi.HealthCritical
		case consulapi.HealthWarning:
			worst = consulapi.HealthWarning
		}
	}
	return worst
}
