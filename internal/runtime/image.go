package runtime

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/name"
)

// ResolveImage checks that imageRef exists in its registry and pins it to a
// digest. Pinning means every retry of a job pulls the same bytes even if
// the tag moved in between.
func ResolveImage(ctx context.Context, imageRef string) (string, error) {
	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return "", fmt.Errorf("%w: bad reference %q: %v", ErrImagePullFailed, imageRef, err)
	}

	digest, err := crane.Digest(ref.String(), crane.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("%w: resolving %q: %v", ErrImagePullFailed, imageRef, err)
	}

	return ref.Context().Name() + "@" + digest, nil
}
