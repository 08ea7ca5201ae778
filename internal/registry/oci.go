package registry

import (
	"context"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// OCIClient implements ListTags/ResolveDigest against an OCI registry,
// adapted from the teacher's tag-scan job (remote.List, remote.Image,
// image.Digest in internal/cmd/controller/imagescan/tagscan_job.go) but
// generalized into the reusable client contract spec.md §4.2 describes,
// with error-taxonomy classification and bounded retry applied uniformly.
type OCIClient struct{}

// ListTags enumerates all tags for the repository named by imageRef
// (registry/repository, no tag required).
func (OCIClient) ListTags(ctx context.Context, imageRef string, auth authn.Authenticator) ([]string, error) {
	repo, err := name.NewRepository(imageRef)
	if err != nil {
		return nil, newErr(KindMalformedResponse, err)
	}

	opts := []remote.Option{remote.WithContext(ctx)}
	if auth != nil {
		opts = append(opts, remote.WithAuth(auth))
	}

	return withRetry(ctx, func() ([]string, error) {
		tags, err := remote.List(repo, opts...)
		if err != nil {
			return nil, classify(err)
		}
		return tags, nil
	})
}

// ResolveDigest resolves the content digest for imageRef:tag.
func (OCIClient) ResolveDigest(ctx context.Context, imageRef, tag string, auth authn.Authenticator) (string, error) {
	ref, err := name.NewTag(imageRef + ":" + tag)
	if err != nil {
		return "", newErr(KindMalformedResponse, err)
	}

	opts := []remote.Option{remote.WithContext(ctx)}
	if auth != nil {
		opts = append(opts, remote.WithAuth(auth))
	}

	return withRetry(ctx, func() (string, error) {
		img, err := remote.Image(ref, opts...)
		if err != nil {
			return "", classify(err)
		}
		digest, err := img.Digest()
		if err != nil {
			return "", classify(err)
		}
		return digest.String(), nil
	})
}
