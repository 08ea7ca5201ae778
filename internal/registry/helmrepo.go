package registry

import (
	"context"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"helm.sh/helm/v3/pkg/getter"
	"helm.sh/helm/v3/pkg/repo"
	"sigs.k8s.io/yaml"
)

// HelmClient implements ListChartVersions, delegating to OCIClient for
// oci:// repository refs and to an HTTP index.yaml fetch otherwise, per
// spec.md §4.2. Chart index retrieval follows the teacher's
// internal/helmupdater use of helm.sh/helm/v3's getter package rather than a
// hand-rolled HTTP client.
type HelmClient struct {
	OCI OCIClient
}

// ListChartVersions returns all versions of chartName published in repoRef.
func (h HelmClient) ListChartVersions(ctx context.Context, repoRef, chartName string, auth authn.Authenticator) ([]string, error) {
	if strings.HasPrefix(repoRef, "oci://") {
		imageRef := strings.TrimPrefix(repoRef, "oci://") + "/" + chartName
		return h.OCI.ListTags(ctx, imageRef, auth)
	}
	return h.listHTTPVersions(ctx, repoRef, chartName)
}

func (h HelmClient) listHTTPVersions(ctx context.Context, repoURL, chartName string) ([]string, error) {
	indexURL := strings.TrimSuffix(repoURL, "/") + "/index.yaml"

	g, err := getter.NewHTTPGetter()
	if err != nil {
		return nil, newErr(KindTransient, err)
	}

	versions, err := withRetry(ctx, func() ([]string, error) {
		buf, err := g.Get(indexURL)
		if err != nil {
			return nil, classify(err)
		}

		idx := &repo.IndexFile{}
		if err := yaml.Unmarshal(buf.Bytes(), idx); err != nil {
			return nil, newErr(KindMalformedResponse, err)
		}
		idx.SortEntries()

		entries, ok := idx.Entries[chartName]
		if !ok {
			return nil, newErr(KindNotFound, nil)
		}

		out := make([]string, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.Version)
		}
		return out, nil
	})
	return versions, err
}
