/*
Copyright 2026 The Crossplane Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package xrd extracts catalog-relevant state from discovered Crossplane
// objects. Discovery hands it unstructured objects straight from the wire;
// it hands back typed, immutable snapshots the rest of the pipeline works on.
package xrd

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	extv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
)

// Error strings.
const (
	errMissingGroup    = "definition has no spec.group"
	errMissingKind     = "definition has no spec.names.kind"
	errNoServedVersion = "definition has no served version"
	errParseSchema     = "cannot parse OpenAPI schema"
	errMissingTypeRef  = "composition has no spec.compositeTypeRef"
	errHashContent     = "cannot hash object content"
)

// The Crossplane API group and kinds the engine discovers.
const (
	Group   = "apiextensions.crossplane.io"
	Version = "v1"

	KindCompositeResourceDefinition = "CompositeResourceDefinition"
	KindComposition                 = "Composition"
)

// DefinitionGVR is the group version resource listed to discover XRDs.
func DefinitionGVR() schema.GroupVersionResource {
	return schema.GroupVersionResource{Group: Group, Version: Version, Resource: "compositeresourcedefinitions"}
}

// CompositionGVR is the group version resource listed to discover
// Compositions.
func CompositionGVR() schema.GroupVersionResource {
	return schema.GroupVersionResource{Group: Group, Version: Version, Resource: "compositions"}
}

// A SourceResource is a point-in-time snapshot of one discovered object. It
// is superseded, never mutated, when a later poll observes a change.
type SourceResource struct {
	Cluster         string
	APIVersion      string
	Kind            string
	Name            string
	Namespace       string
	UID             string
	ResourceVersion string
	Generation      int64
	Labels          map[string]string
	Annotations     map[string]string
	ObservedAt      time.Time

	// Hash is a content hash over the object's spec, labels, and
	// annotations. Two snapshots with equal hashes produce identical
	// catalog entities.
	Hash string
}

// Key identifies the source within its cluster, for diffing consecutive
// discovery cycles. It is stable across resource versions.
func (s *SourceResource) Key() string {
	return fmt.Sprintf("%s/%s/%s/%s", s.APIVersion, s.Kind, s.Namespace, s.Name)
}

// Ref identifies the source across clusters, for origin metadata.
func (s *SourceResource) Ref() string {
	if s.Namespace == "" {
		return fmt.Sprintf("%s/%s/%s/%s", s.Cluster, s.APIVersion, s.Kind, s.Name)
	}
	return fmt.Sprintf("%s/%s/%s/%s/%s", s.Cluster, s.APIVersion, s.Kind, s.Namespace, s.Name)
}

// A Definition is the catalog-relevant subset of a CompositeResourceDefinition.
type Definition struct {
	SourceResource

	// Group is the API group the definition serves, e.g. platform.io.
	Group string

	// XRKind and XRPlural name the defined composite resource.
	XRKind   string
	XRPlural string

	// ClaimKind and ClaimPlural name the offered claim, when the definition
	// offers one. The claim is the developer-facing API.
	ClaimKind   string
	ClaimPlural string

	// ReferenceableVersion is the version whose schema backs generated
	// entities: the referenceable version if one is marked, otherwise the
	// first served version.
	ReferenceableVersion string

	// Deprecated is true when the referenceable version is deprecated.
	Deprecated         bool
	DeprecationWarning string

	// Schema is the referenceable version's OpenAPI v3 schema. Nil when the
	// definition declares none.
	Schema *extv1.JSONSchemaProps

	// DefaultCompositionRef and EnforcedCompositionRef name Compositions the
	// definition binds by default or always.
	DefaultCompositionRef  string
	EnforcedCompositionRef string
}

// PresentedKind returns the developer-facing kind: the claim kind when the
// definition offers one, the XR kind otherwise.
func (d *Definition) PresentedKind() string {
	if d.ClaimKind != "" {
		return d.ClaimKind
	}
	return d.XRKind
}

// OffersClaim is true when the definition offers a namespaced claim.
func (d *Definition) OffersClaim() bool {
	return d.ClaimKind != ""
}

// XRGVR is the group version resource of the defined composite resource.
func (d *Definition) XRGVR() schema.GroupVersionResource {
	return schema.GroupVersionResource{Group: d.Group, Version: d.ReferenceableVersion, Resource: d.XRPlural}
}

// ClaimGVR is the group version resource of the offered claim. The boolean is
// false when the definition offers none.
func (d *Definition) ClaimGVR() (schema.GroupVersionResource, bool) {
	if !d.OffersClaim() {
		return schema.GroupVersionResource{}, false
	}
	return schema.GroupVersionResource{Group: d.Group, Version: d.ReferenceableVersion, Resource: d.ClaimPlural}, true
}

// A Composition is the catalog-relevant subset of a Composition.
type Composition struct {
	SourceResource

	// XRAPIVersion and XRKind reference the composite resource type this
	// composition implements.
	XRAPIVersion string
	XRKind       string
}

// An Instance is the catalog-relevant subset of a composite resource or
// claim instance.
type Instance struct {
	SourceResource

	// CompositionRef names the Composition reconciling this instance, when
	// one is selected.
	CompositionRef string
}

// ParseDefinition extracts a Definition from a discovered
// CompositeResourceDefinition.
func ParseDefinition(cluster string, u *unstructured.Unstructured, at time.Time) (*Definition, error) {
	src, err := parseSource(cluster, u, at)
	if err != nil {
		return nil, err
	}

	group, _, _ := unstructured.NestedString(u.Object, "spec", "group")
	if group == "" {
		return nil, errors.New(errMissingGroup)
	}

	kind, _, _ := unstructured.NestedString(u.Object, "spec", "names", "kind")
	if kind == "" {
		return nil, errors.New(errMissingKind)
	}
	plural, _, _ := unstructured.NestedString(u.Object, "spec", "names", "plural")

	d := &Definition{
		SourceResource: *src,
		Group:          group,
		XRKind:         kind,
		XRPlural:       plural,
	}

	d.ClaimKind, _, _ = unstructured.NestedString(u.Object, "spec", "claimNames", "kind")
	d.ClaimPlural, _, _ = unstructured.NestedString(u.Object, "spec", "claimNames", "plural")
	d.DefaultCompositionRef, _, _ = unstructured.NestedString(u.Object, "spec", "defaultCompositionRef", "name")
	d.EnforcedCompositionRef, _, _ = unstructured.NestedString(u.Object, "spec", "enforcedCompositionRef", "name")

	versions, _, _ := unstructured.NestedSlice(u.Object, "spec", "versions")
	chosen, err := pickVersion(versions)
	if err != nil {
		return nil, err
	}

	d.ReferenceableVersion, _, _ = unstructured.NestedString(chosen, "name")
	d.Deprecated, _, _ = unstructured.NestedBool(chosen, "deprecated")
	d.DeprecationWarning, _, _ = unstructured.NestedString(chosen, "deprecationWarning")

	if raw, ok, _ := unstructured.NestedMap(chosen, "schema", "openAPIV3Schema"); ok {
		s, err := parseSchema(raw)
		if err != nil {
			return nil, errors.Wrap(err, errParseSchema)
		}
		d.Schema = s
	}

	return d, nil
}

// ParseComposition extracts a Composition from a discovered Composition.
func ParseComposition(cluster string, u *unstructured.Unstructured, at time.Time) (*Composition, error) {
	src, err := parseSource(cluster, u, at)
	if err != nil {
		return nil, err
	}

	apiVersion, _, _ := unstructured.NestedString(u.Object, "spec", "compositeTypeRef", "apiVersion")
	kind, _, _ := unstructured.NestedString(u.Object, "spec", "compositeTypeRef", "kind")
	if apiVersion == "" || kind == "" {
		return nil, errors.New(errMissingTypeRef)
	}

	return &Composition{
		SourceResource: *src,
		XRAPIVersion:   apiVersion,
		XRKind:         kind,
	}, nil
}

// ParseInstance extracts an Instance from a discovered composite resource or
// claim.
func ParseInstance(cluster string, u *unstructured.Unstructured, at time.Time) (*Instance, error) {
	src, err := parseSource(cluster, u, at)
	if err != nil {
		return nil, err
	}

	i := &Instance{SourceResource: *src}

	// Modern XRs nest their machinery under spec.crossplane; legacy XRs and
	// claims keep it directly under spec.
	i.CompositionRef, _, _ = unstructured.NestedString(u.Object, "spec", "crossplane", "compositionRef", "name")
	if i.CompositionRef == "" {
		i.CompositionRef, _, _ = unstructured.NestedString(u.Object, "spec", "compositionRef", "name")
	}

	return i, nil
}

// SpecSubtree returns the spec subtree of a versioned schema. The transformer
// works on spec fields only; apiVersion, kind, metadata and status are the
// API server's business.
func SpecSubtree(s *extv1.JSONSchemaProps) *extv1.JSONSchemaProps {
	if s == nil {
		return nil
	}
	spec, ok := s.Properties["spec"]
	if !ok {
		return nil
	}
	return &spec
}

func parseSource(cluster string, u *unstructured.Unstructured, at time.Time) (*SourceResource, error) {
	h, err := hashContent(u)
	if err != nil {
		return nil, errors.Wrap(err, errHashContent)
	}

	return &SourceResource{
		Cluster:         cluster,
		APIVersion:      u.GetAPIVersion(),
		Kind:            u.GetKind(),
		Name:            u.GetName(),
		Namespace:       u.GetNamespace(),
		UID:             string(u.GetUID()),
		ResourceVersion: u.GetResourceVersion(),
		Generation:      u.GetGeneration(),
		Labels:          u.GetLabels(),
		Annotations:     u.GetAnnotations(),
		ObservedAt:      at,
		Hash:            h,
	}, nil
}

// pickVersion selects the schema-bearing version: the referenceable one if
// marked, otherwise the first served one.
func pickVersion(versions []any) (map[string]any, error) {
	var served map[string]any
	for _, v := range versions {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if r, _, _ := unstructured.NestedBool(m, "referenceable"); r {
			return m, nil
		}
		if s, _, _ := unstructured.NestedBool(m, "served"); s && served == nil {
			served = m
		}
	}
	if served == nil {
		return nil, errors.New(errNoServedVersion)
	}
	return served, nil
}

// parseSchema round-trips the unstructured schema node through JSON into the
// typed OpenAPI representation.
func parseSchema(raw map[string]any) (*extv1.JSONSchemaProps, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	s := &extv1.JSONSchemaProps{}
	return s, json.Unmarshal(b, s)
}

// hashContent hashes the fields that feed entity generation: spec, labels,
// and annotations. Map keys marshal in sorted order, so equal content always
// hashes equal.
func hashContent(u *unstructured.Unstructured) (string, error) {
	spec, _, _ := unstructured.NestedMap(u.Object, "spec")

	content := map[string]any{
		"spec":        spec,
		"labels":      sortedPairs(u.GetLabels()),
		"annotations": sortedPairs(u.GetAnnotations()),
	}
	b, err := json.Marshal(content)
	if err != nil {
		return "", err
	}

	h := fnv.New64a()
	h.Write(b) //nolint:errcheck // Write never returns an error.
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

func sortedPairs(m map[string]string) []string {
	pairs := make([]string, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return pairs
}
