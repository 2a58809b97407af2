package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mlx/internal/job"
	"mlx/internal/store"
)

const nodeColumns = `name, address, backend, credential_ref, cpu_millis,
	memory_mb, gpus, last_heartbeat, unreachable`

// RegisterNode inserts or replaces a node's registration. Capability sets
// are declared here, not discovered.
func (s *Store) RegisterNode(ctx context.Context, n *store.Node) error {
	if n.LastHeartbeat.IsZero() {
		n.LastHeartbeat = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (name, address, backend, credential_ref, cpu_millis,
			memory_mb, gpus, last_heartbeat, unreachable)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)
		ON CONFLICT (name) DO UPDATE
		SET address = EXCLUDED.address, backend = EXCLUDED.backend,
			credential_ref = EXCLUDED.credential_ref,
			cpu_millis = EXCLUDED.cpu_millis, memory_mb = EXCLUDED.memory_mb,
			gpus = EXCLUDED.gpus, last_heartbeat = EXCLUDED.last_heartbeat,
			unreachable = FALSE
	`, n.Name, n.Address, n.Backend, n.CredentialRef, n.Capacity.CPUMillis,
		n.Capacity.MemoryMB, n.Capacity.GPUs, n.LastHeartbeat)
	if err != nil {
		return fmt.Errorf("failed to register node %s: %w", n.Name, err)
	}
	return nil
}

// GetNode returns a node by name.
func (s *Store) GetNode(ctx context.Context, name string) (*store.Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE name = $1`, name)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %s: %w", name, store.ErrNotFound)
	}
	return n, err
}

// ListNodes returns all registered nodes.
func (s *Store) ListNodes(ctx context.Context) ([]store.Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []store.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, *n)
	}
	return nodes, rows.Err()
}

// TouchNode stamps a successful heartbeat and refreshes observed capacity.
func (s *Store) TouchNode(ctx context.Context, name string, capacity job.Resources, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes
		SET last_heartbeat = $2, cpu_millis = $3, memory_mb = $4, gpus = $5,
			unreachable = FALSE
		WHERE name = $1
	`, name, at, capacity.CPUMillis, capacity.MemoryMB, capacity.GPUs)
	if err != nil {
		return fmt.Errorf("failed to touch node %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("node %s: %w", name, store.ErrNotFound)
	}
	return nil
}

// MarkUnreachable flips the node's placement eligibility.
func (s *Store) MarkUnreachable(ctx context.Context, name string, unreachable bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET unreachable = $2 WHERE name = $1`, name, unreachable)
	if err != nil {
		return fmt.Errorf("failed to mark node %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("node %s: %w", name, store.ErrNotFound)
	}
	return nil
}

func scanNode(row rowScanner) (*store.Node, error) {
	var n store.Node
	err := row.Scan(&n.Name, &n.Address, &n.Backend, &n.CredentialRef,
		&n.Capacity.CPUMillis, &n.Capacity.MemoryMB, &n.Capacity.GPUs,
		&n.LastHeartbeat, &n.Unreachable)
	if err != nil {
		return nil, err
	}
	return &n, nil
}
