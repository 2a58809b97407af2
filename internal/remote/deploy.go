package remote

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"

	"mlx/internal/artifact"
	"mlx/internal/job"
	"mlx/internal/store"
)

// Deploy pushes a packaged code artifact to a single-host node and unpacks
// it into the job's workspace directory. Returns the workspace path.
//
// Cluster nodes cannot take an artifact: their jobs carry code in the
// image.
func (c *Connector) Deploy(ctx context.Context, node *store.Node, jobID string, art *artifact.Artifact) (string, error) {
	if art == nil {
		return "", nil
	}
	if node.Backend != job.BackendPodman {
		return "", fmt.Errorf("%w: node %s: code sources require a single-host node", ErrDeployFailed, node.Name)
	}

	client, err := c.dialSSH(ctx, node)
	if err != nil {
		return "", err
	}
	defer client.Close()

	dir := WorkspaceDir(jobID)
	if err := c.push(ctx, client, art.TarballPath, dir); err != nil {
		return "", fmt.Errorf("%w: node %s: %v", ErrDeployFailed, node.Name, err)
	}
	return dir, nil
}

// push streams the tarball over a session's stdin into tar on the far end.
func (c *Connector) push(ctx context.Context, client *ssh.Client, tarball, dir string) error {
	sess, err := client.NewSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	f, err := os.Open(tarball)
	if err != nil {
		return err
	}
	defer f.Close()
	sess.Stdin = f

	cmd := fmt.Sprintf("mkdir -p %q && tar -xzf - -C %q", dir, dir)

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("remote unpack: %w", err)
		}
		return nil
	case <-ctx.Done():
		sess.Close()
		return ctx.Err()
	}
}

// Cleanup removes a job's workspace from its node. Best effort; a failure
// leaves orphaned files, never a broken job.
func (c *Connector) Cleanup(ctx context.Context, node *store.Node, jobID string) error {
	if node.Backend != job.BackendPodman {
		return nil
	}
	client, err := c.dialSSH(ctx, node)
	if err != nil {
		return err
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return err
	}
	defer sess.Close()
	return sess.Run(fmt.Sprintf("rm -rf %q", WorkspaceDir(jobID)))
}

func (c *Connector) dialSSH(ctx context.Context, node *store.Node) (*ssh.Client, error) {
	keyPath := node.CredentialRef
	if keyPath == "" {
		keyPath = c.cfg.KeyPath
	}
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: node %s: read key: %v", ErrAuthFailed, node.Name, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: node %s: parse key: %v", ErrAuthFailed, node.Name, err)
	}

	cfg := &ssh.ClientConfig{
		User:            userOf(node.Address, c.cfg.SSHUser),
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.cfg.DialTimeout,
	}

	addr := sshAddr(node.Address)
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: node %s: %v", ErrConnectionFailed, node.Name, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: node %s: %v", ErrAuthFailed, node.Name, err)
		}
		return nil, fmt.Errorf("%w: node %s: %v", ErrConnectionFailed, node.Name, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}
