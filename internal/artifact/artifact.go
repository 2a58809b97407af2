// Package artifact packages a job's code source - a git reference or a
// local path - into a gzipped tarball ready to push to a node.
package artifact

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"mlx/internal/job"
)

// Artifact is a packaged code source on local disk.
type Artifact struct {
	// TarballPath is the gzipped tarball holding the job's code.
	TarballPath string

	cleanup []string
}

// Close removes the tarball and any temporary checkout.
func (a *Artifact) Close() error {
	var firstErr error
	for _, p := range a.cleanup {
		if err := os.RemoveAll(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Package materializes src as a tarball. Returns nil for an empty source:
// the image already carries the code.
func Package(ctx context.Context, src job.Source) (*Artifact, error) {
	if src.Empty() {
		return nil, nil
	}

	dir := src.LocalPath
	art := &Artifact{}

	if src.GitURL != "" {
		checkout, err := cloneSource(ctx, src)
		if err != nil {
			return nil, err
		}
		dir = checkout
		art.cleanup = append(art.cleanup, checkout)
	}

	tarball, err := os.CreateTemp("", "mlx-artifact-*.tar.gz")
	if err != nil {
		return nil, fmt.Errorf("failed to create tarball: %w", err)
	}
	art.TarballPath = tarball.Name()
	art.cleanup = append(art.cleanup, art.TarballPath)

	if err := writeTarball(tarball, dir); err != nil {
		tarball.Close()
		art.Close()
		return nil, err
	}
	if err := tarball.Close(); err != nil {
		art.Close()
		return nil, err
	}

	return art, nil
}

// cloneSource checks out src.GitURL at src.GitRef into a temp directory.
func cloneSource(ctx context.Context, src job.Source) (string, error) {
	dir, err := os.MkdirTemp("", "mlx-checkout-")
	if err != nil {
		return "", err
	}

	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL: src.GitURL,
	})
	if err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("failed to clone %s: %w", src.GitURL, err)
	}

	if src.GitRef != "" {
		hash, err := repo.ResolveRevision(plumbing.Revision(src.GitRef))
		if err != nil {
			os.RemoveAll(dir)
			return "", fmt.Errorf("failed to resolve ref %q: %w", src.GitRef, err)
		}
		wt, err := repo.Worktree()
		if err != nil {
			os.RemoveAll(dir)
			return "", err
		}
		if err := wt.Checkout(&git.CheckoutOptions{Hash: *hash}); err != nil {
			os.RemoveAll(dir)
			return "", fmt.Errorf("failed to checkout %q: %w", src.GitRef, err)
		}
	}

	return dir, nil
}

// writeTarball tars dir into w, gzipped, skipping VCS metadata.
func writeTarball(w io.Writer, dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("failed to stat source %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source %s is not a directory", dir)
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() && (d.Name() == ".git" || d.Name() == "__pycache__") {
			return filepath.SkipDir
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() || !fi.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to tar %s: %w", dir, err)
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}
