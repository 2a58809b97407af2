package coordinator

import (
	"context"
	"time"
)

// runHeartbeatMonitor probes every registered node on a fixed interval.
// A node failing HeartbeatFailLimit consecutive probes is marked
// unreachable and drops out of placement; its running jobs are left alone.
// A successful probe restores the node.
func (c *Coordinator) runHeartbeatMonitor(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	failures := make(map[string]int)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		nodes, err := c.store.ListNodes(ctx)
		if err != nil {
			c.log.Error("failed to list nodes for heartbeat", "error", err)
			continue
		}

		for i := range nodes {
			n := &nodes[i]
			if err := c.conn.Probe(ctx, n); err != nil {
				if ctx.Err() != nil {
					return
				}
				failures[n.Name]++
				c.log.Warn("node probe failed",
					"node", n.Name, "consecutive", failures[n.Name], "error", err)

				if failures[n.Name] >= c.cfg.HeartbeatFailLimit && !n.Unreachable {
					if err := c.store.MarkUnreachable(ctx, n.Name, true); err != nil {
						c.log.Error("failed to mark node unreachable", "node", n.Name, "error", err)
						continue
					}
					c.conn.Forget(n.Name)
					c.log.Error("node marked unreachable", "node", n.Name)
				}
				continue
			}

			failures[n.Name] = 0
			if err := c.store.TouchNode(ctx, n.Name, n.Capacity, time.Now().UTC()); err != nil {
				c.log.Error("failed to record heartbeat", "node", n.Name, "error", err)
			}
			if n.Unreachable {
				if err := c.store.MarkUnreachable(ctx, n.Name, false); err != nil {
					c.log.Error("failed to restore node", "node", n.Name, "error", err)
					continue
				}
				c.log.Info("node recovered", "node", n.Name)
			}
		}
	}
}
