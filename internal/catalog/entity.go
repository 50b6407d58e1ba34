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

// Package catalog builds queryable catalog entities from discovered
// Crossplane state. Entities are derived data: rebuilding an unchanged
// source always yields an identical entity with an identical identifier.
package catalog

import (
	"fmt"

	"github.com/crossplane-contrib/xcatalog/internal/schema"
)

// A Variant distinguishes the three entity shapes.
type Variant string

// The closed set of entity variants.
const (
	// VariantTemplate is a provisioning form plus action steps.
	VariantTemplate Variant = "template"

	// VariantAPI is a machine-readable API description.
	VariantAPI Variant = "api"

	// VariantResource is a composition or relationship record. No form.
	VariantResource Variant = "resource"
)

// An EdgeKind labels a relationship edge.
type EdgeKind string

// The closed set of relationship edges.
const (
	// EdgeImplements connects a template to the API it provisions.
	EdgeImplements EdgeKind = "implements"

	// EdgeDependsOn connects an entity to one it requires.
	EdgeDependsOn EdgeKind = "dependsOn"

	// EdgeOwnedBy connects an instance to the API that defines it.
	EdgeOwnedBy EdgeKind = "ownedBy"
)

// An Edge is a relationship to another entity. Targets are entity IDs;
// edges whose target is unknown at commit time are dropped, never kept
// dangling.
type Edge struct {
	Kind   EdgeKind `json:"kind"`
	Target string   `json:"target"`
}

// MetadataDomain prefixes every annotation the engine itself reads from
// sources or writes onto entities.
const MetadataDomain = "xcatalog.crossplane.io/"

// Annotation keys the engine reads from sources and sets on entities.
const (
	// AnnotationKeyOwner and AnnotationKeySystem may be set on a source to
	// declare ownership; the configured defaults apply otherwise.
	AnnotationKeyOwner  = MetadataDomain + "owner"
	AnnotationKeySystem = MetadataDomain + "system"

	// AnnotationKeySourceCluster and AnnotationKeySourceResource are always
	// set on generated entities. Permission rules match on them.
	AnnotationKeySourceCluster  = MetadataDomain + "source-cluster"
	AnnotationKeySourceResource = MetadataDomain + "source-resource"

	// AnnotationKeySourceUID records the source's UID so the store can tell
	// a recreated source from an out-of-order write.
	AnnotationKeySourceUID = MetadataDomain + "source-uid"

	// LabelKeyPrefix and AnnotationKeyPrefix namespace metadata propagated
	// from sources onto entities.
	LabelKeyPrefix      = "label." + MetadataDomain
	AnnotationKeyPrefix = "annotation." + MetadataDomain
)

// An Entity is one generated, queryable catalog record. Exactly one of
// Template, API, and Resource is set, matching the Variant.
type Entity struct {
	ID      string  `json:"id"`
	Variant Variant `json:"variant"`

	Cluster string `json:"cluster"`
	Group   string `json:"group,omitempty"`
	Kind    string `json:"kind"`
	Name    string `json:"name"`

	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Owner       string `json:"owner,omitempty"`
	System      string `json:"system,omitempty"`

	// Generation orders writes for one ID; it is the source's generation.
	// Hash detects content changes the generation does not cover.
	Generation int64  `json:"generation"`
	Hash       string `json:"hash"`

	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`

	Edges []Edge `json:"edges,omitempty"`

	// Degraded marks an entity built from partially unusable input. The
	// entity stays queryable; the reason is for humans.
	Degraded       bool   `json:"degraded,omitempty"`
	DegradedReason string `json:"degradedReason,omitempty"`

	Template *TemplateSpec `json:"template,omitempty"`
	API      *APISpec      `json:"api,omitempty"`
	Resource *ResourceSpec `json:"resource,omitempty"`
}

// A TemplateSpec is the provisioning payload of a template entity.
type TemplateSpec struct {
	Form  *schema.FormDescriptor `json:"form"`
	Steps []Step                 `json:"steps"`
}

// A Step is one ordered action of a template.
type Step struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Action string            `json:"action"`
	Input  map[string]string `json:"input,omitempty"`
}

// An APISpec is the machine-readable payload of an API entity.
type APISpec struct {
	Type       string `json:"type"`
	Lifecycle  string `json:"lifecycle"`
	Group      string `json:"group"`
	Version    string `json:"version"`
	XRKind     string `json:"xrKind"`
	ClaimKind  string `json:"claimKind,omitempty"`
	Definition string `json:"definition,omitempty"`
}

// API lifecycles.
const (
	LifecycleProduction = "production"
	LifecycleDeprecated = "deprecated"
)

// A ResourceSpec is the relationship payload of a resource entity.
type ResourceSpec struct {
	Type           string `json:"type"`
	APIVersion     string `json:"apiVersion,omitempty"`
	XRKind         string `json:"xrKind,omitempty"`
	CompositionRef string `json:"compositionRef,omitempty"`
}

// Resource types.
const (
	ResourceTypeComposition = "composition"
	ResourceTypeComposite   = "composite"
	ResourceTypeClaim       = "claim"
)

// EntityID derives the stable identifier of an entity. It is a pure
// function of the source's coordinates: repeated discovery of the same
// source always yields the same identifier.
func EntityID(v Variant, cluster, group, kind, name string) string {
	return fmt.Sprintf("%s:%s/%s/%s/%s", v, cluster, group, kind, name)
}

// MetadataField returns a named metadata field used by permission rules and
// query filters. The boolean is false for unknown field names.
func (e *Entity) MetadataField(name string) (string, bool) {
	switch name {
	case "id":
		return e.ID, true
	case "variant":
		return string(e.Variant), true
	case "cluster":
		return e.Cluster, true
	case "group":
		return e.Group, true
	case "kind":
		return e.Kind, true
	case "name":
		return e.Name, true
	case "owner":
		return e.Owner, true
	case "system":
		return e.System, true
	case "degraded":
		return fmt.Sprintf("%t", e.Degraded), true
	}
	return "", false
}

// A Resolver finds already-known entities so the builder can attach
// relationship edges. The store implements it over its secondary indexes;
// no cluster call is ever needed.
type Resolver interface {
	// ResolveAPI returns the ID of the API entity serving the supplied
	// composite or claim kind in a cluster.
	ResolveAPI(cluster, group, kind string) (string, bool)

	// ResolveComposition returns the ID of the resource entity generated
	// for the named Composition in a cluster.
	ResolveComposition(cluster, name string) (string, bool)
}

// A ResolverFn resolves API entities with plain functions.
type ResolverFn struct {
	APIFn         func(cluster, group, kind string) (string, bool)
	CompositionFn func(cluster, name string) (string, bool)
}

// ResolveAPI calls APIFn.
func (f ResolverFn) ResolveAPI(cluster, group, kind string) (string, bool) {
	return f.APIFn(cluster, group, kind)
}

// ResolveComposition calls CompositionFn.
func (f ResolverFn) ResolveComposition(cluster, name string) (string, bool) {
	return f.CompositionFn(cluster, name)
}
