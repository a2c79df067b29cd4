package consul

import (
	"context"
	"fmt"

	consulapi "github.com/hashicorp/consul/api"
)

type Client struct {
	api *consulapi.Client
}

func NewClient(addr string) (*Client, error) {
	cfg := consulapi.DefaultConfig()
	cfg.Address = addr

	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &Client{api: client}, nil
}

// Healthy checks connectivity to Consul.
func (c *Client) Healthy(ctx context.Context) error {
	_, err := c.api.Status().Leader()
	return err
}

// Revisions returns a task-definition revision store rooted at prefix.
func (c *Client) Revisions(prefix string) *RevisionStore {
	return NewRevisionStore(c.api.KV(), prefix)
}
