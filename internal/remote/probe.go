package remote

import (
	"context"
	"fmt"

	"mlx/internal/store"
)

// Probe checks a node's container backend is alive. Probes across all
// nodes share one rate limiter so a large fleet cannot saturate the
// coordinator's uplink.
func (c *Connector) Probe(ctx context.Context, node *store.Node) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	rt, err := c.RuntimeFor(node)
	if err != nil {
		return err
	}
	if err := rt.Ping(ctx); err != nil {
		c.Forget(node.Name)
		return fmt.Errorf("%w: node %s: %v", ErrConnectionFailed, node.Name, err)
	}
	return nil
}
