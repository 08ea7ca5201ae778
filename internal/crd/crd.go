// Package crd installs the UpdateRequest CustomResourceDefinition at
// manager startup, spec.md §6's "wire-level artifact" for the approval
// workflow. The teacher's own pkg/crd wraps a wrangler CRD factory
// (rancher/wrangler/pkg/crd) that isn't part of this module's dependency
// surface; this package keeps the same "ensure CRD exists, wait for
// Established" shape using the plain apiextensions-apiserver clientset
// instead (see DESIGN.md).
package crd

import (
	"context"
	"time"

	apiextv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	apiextclient "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/rest"
)

const (
	group    = "headwind.sh"
	version  = "v1alpha1"
	kind     = "UpdateRequest"
	listKind = "UpdateRequestList"
	plural   = "updaterequests"
	singular = "updaterequest"
	shortN   = "ur"
)

var preserveUnknownFields = true

// Name is the CRD object's cluster-scoped name.
var Name = plural + "." + group

// Definition returns the UpdateRequest CustomResourceDefinition object this
// package installs.
func Definition() *apiextv1.CustomResourceDefinition {
	return &apiextv1.CustomResourceDefinition{
		ObjectMeta: metav1.ObjectMeta{Name: Name},
		Spec: apiextv1.CustomResourceDefinitionSpec{
			Group: group,
			Names: apiextv1.CustomResourceDefinitionNames{
				Plural:     plural,
				Singular:   singular,
				Kind:       kind,
				ListKind:   listKind,
				ShortNames: []string{shortN},
				Categories: []string{"headwind"},
			},
			Scope: apiextv1.NamespaceScoped,
			Versions: []apiextv1.CustomResourceDefinitionVersion{
				{
					Name:    version,
					Served:  true,
					Storage: true,
					Subresources: &apiextv1.CustomResourceSubresources{
						Status: &apiextv1.CustomResourceSubresourceStatus{},
					},
					Schema: &apiextv1.CustomResourceValidation{
						OpenAPIV3Schema: schema(),
					},
					AdditionalPrinterColumns: []apiextv1.CustomResourceColumnDefinition{
						{Name: "Phase", Type: "string", JSONPath: ".status.phase"},
						{Name: "Target", Type: "string", JSONPath: ".spec.targetRef.name"},
						{Name: "New Image", Type: "string", JSONPath: ".spec.newImage"},
					},
				},
			},
		},
	}
}

// schema is deliberately permissive (x-kubernetes-preserve-unknown-fields on
// spec/status) rather than a full structural schema generated from the Go
// types -- this repo runs no code-generator, per SPEC_FULL.md §3.
func schema() *apiextv1.JSONSchemaProps {
	return &apiextv1.JSONSchemaProps{
		Type: "object",
		Properties: map[string]apiextv1.JSONSchemaProps{
			"spec": {
				Type:                   "object",
				XPreserveUnknownFields: &preserveUnknownFields,
				Required:               []string{"targetRef", "currentImage", "newImage"},
			},
			"status": {
				Type:                   "object",
				XPreserveUnknownFields: &preserveUnknownFields,
			},
		},
	}
}

// Install creates the UpdateRequest CRD if it does not already exist and
// blocks until apiextensions reports it Established, following the
// teacher's Create-then-BatchWait shape.
func Install(ctx context.Context, cfg *rest.Config) error {
	cs, err := apiextclient.NewForConfig(cfg)
	if err != nil {
		return err
	}

	crds := cs.ApiextensionsV1().CustomResourceDefinitions()
	def := Definition()

	existing, err := crds.Get(ctx, def.Name, metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		if _, err := crds.Create(ctx, def, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
			return err
		}
	case err != nil:
		return err
	default:
		def.ResourceVersion = existing.ResourceVersion
		if _, err := crds.Update(ctx, def, metav1.UpdateOptions{}); err != nil {
			return err
		}
	}

	return wait.PollUntilContextTimeout(ctx, time.Second, 30*time.Second, true, func(ctx context.Context) (bool, error) {
		got, err := crds.Get(ctx, def.Name, metav1.GetOptions{})
		if err != nil {
			return false, err
		}
		for _, cond := range got.Status.Conditions {
			if cond.Type == apiextv1.Established && cond.Status == apiextv1.ConditionTrue {
				return true, nil
			}
		}
		return false, nil
	})
}
