// Package imageref parses and renders image references in the textual form
// spec.md §3 specifies: registry/repository:tag[@digest]. It wraps
// go-containerregistry's name package the way fleet's image-scan job does
// (name.ParseReference in internal/cmd/controller/imagescan/tagscan_job.go),
// but keeps its own Reference type so the rest of the tree is not coupled to
// any one registry client's type.
package imageref

import (
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

// Reference is a parsed image reference.
type Reference struct {
	Registry   string
	Repository string
	Tag        string
	Digest     string
}

// Parse parses s into a Reference. Registry omitted means "the default
// index" (docker.io); tag omitted defaults to "latest" (spec.md §3).
func Parse(s string) (Reference, error) {
	var digest string
	body := s
	if i := strings.Index(body, "@"); i != -1 {
		digest = body[i+1:]
		body = body[:i]
	}

	ref, err := name.ParseReference(body, name.WeakValidation)
	if err != nil {
		return Reference{}, fmt.Errorf("imageref: %w", err)
	}

	tag := "latest"
	if tagged, ok := ref.(name.Tag); ok {
		tag = tagged.TagStr()
	}

	return Reference{
		Registry:   ref.Context().RegistryStr(),
		Repository: ref.Context().RepositoryStr(),
		Tag:        tag,
		Digest:     digest,
	}, nil
}

// String renders the reference in registry/repository:tag[@digest] form.
func (r Reference) String() string {
	s := r.Repository
	if r.Registry != "" {
		s = r.Registry + "/" + r.Repository
	}
	if r.Tag != "" {
		s += ":" + r.Tag
	}
	if r.Digest != "" {
		s += "@" + r.Digest
	}
	return s
}

// WithTag returns a copy of r with Tag and Digest replaced (a fresh tag
// supersedes a pinned digest).
func (r Reference) WithTag(tag string) Reference {
	r.Tag = tag
	r.Digest = ""
	return r
}

// WithDigest returns a copy of r with Digest replaced, keeping the same tag.
// Used for the poller's same-tag-rebuild detection (spec.md §4.3 check (i)),
// where the tag is unchanged but the content behind it was re-pushed.
func (r Reference) WithDigest(digest string) Reference {
	r.Digest = digest
	return r
}

// Canonical returns the registry/repository portion only, used to match
// events to tracked workload containers (spec.md §4.3: "matching by image
// means registry + repository equality").
func (r Reference) Canonical() string {
	if r.Registry == "" {
		return r.Repository
	}
	return r.Registry + "/" + r.Repository
}
