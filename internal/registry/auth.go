package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/go-containerregistry/pkg/authn"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// CredentialResolver collects image-pull secrets referenced by a workload's
// service account and resolves an authn.Authenticator for a given registry
// host, matching the teacher's authFromSecret in
// internal/cmd/controller/imagescan/tagscan_job.go but generalized to walk a
// ServiceAccount's ImagePullSecrets rather than a single SecretRef, per
// spec.md §4.2's "given a workload's service-account, collect referenced
// image-pull secrets".
type CredentialResolver struct {
	Client client.Client
}

// Resolve returns the Authenticator to use for registry, looking up the
// named ServiceAccount's image pull secrets in namespace ns. Returns
// authn.Anonymous, nil when no matching secret exists (spec.md: "no
// credentials ⇒ anonymous attempt").
func (r *CredentialResolver) Resolve(ctx context.Context, ns, serviceAccount, registryHost string) (authn.Authenticator, error) {
	if serviceAccount == "" {
		serviceAccount = "default"
	}

	sa := &corev1.ServiceAccount{}
	if err := r.Client.Get(ctx, types.NamespacedName{Namespace: ns, Name: serviceAccount}, sa); err != nil {
		return authn.Anonymous, nil
	}

	for _, ref := range sa.Spec.ImagePullSecrets {
		secret := &corev1.Secret{}
		if err := r.Client.Get(ctx, types.NamespacedName{Namespace: ns, Name: ref.Name}, secret); err != nil {
			continue
		}
		auth, err := AuthFromSecret(secret, registryHost)
		if err == nil {
			return auth, nil
		}
	}

	return authn.Anonymous, nil
}

// AuthFromSecret extracts an Authenticator from a dockerconfigjson or
// basic-auth secret for the given registry host. Adapted from the teacher's
// authFromSecret; extended with basic-auth secret support since spec.md
// §4.2 lists "bearer token ... and HTTP Basic" as the two supported styles
// and dockerconfigjson only covers the bearer/registry-login case.
func AuthFromSecret(secret *corev1.Secret, registryHost string) (authn.Authenticator, error) {
	switch secret.Type {
	case corev1.SecretTypeDockerConfigJson:
		var dockerconfig struct {
			Auths map[string]authn.AuthConfig `json:"auths"`
		}
		configData := secret.Data[corev1.DockerConfigJsonKey]
		if err := json.NewDecoder(bytes.NewBuffer(configData)).Decode(&dockerconfig); err != nil {
			return nil, fmt.Errorf("registry: decode dockerconfigjson: %w", err)
		}
		auth, ok := dockerconfig.Auths[registryHost]
		if !ok {
			return nil, fmt.Errorf("registry: no credentials for %q in secret %s/%s", registryHost, secret.Namespace, secret.Name)
		}
		return authn.FromConfig(auth), nil

	case corev1.SecretTypeBasicAuth:
		return authn.FromConfig(authn.AuthConfig{
			Username: string(secret.Data[corev1.BasicAuthUsernameKey]),
			Password: string(secret.Data[corev1.BasicAuthPasswordKey]),
		}), nil

	default:
		return nil, fmt.Errorf("registry: unsupported secret type %q", secret.Type)
	}
}
