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

package catalog

import (
	"fmt"
	"strings"

	"dario.cat/mergo"
	"sigs.k8s.io/yaml"

	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/crossplane-contrib/xcatalog/internal/schema"
	"github.com/crossplane-contrib/xcatalog/internal/xrd"
)

// Error strings.
const (
	errMergeOwnership = "cannot merge default ownership"
	errMarshalSchema  = "cannot marshal schema definition"
)

// Ownership is the owner and system applied to entities whose source does
// not declare its own.
type Ownership struct {
	Owner  string `json:"owner"`
	System string `json:"system"`
}

// A Builder turns parsed sources into catalog entities. Building is pure:
// it never calls a cluster, and the same inputs always produce the same
// entities.
type Builder struct {
	log      logging.Logger
	defaults Ownership
}

// A BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithLogger configures how a Builder logs.
func WithLogger(l logging.Logger) BuilderOption {
	return func(b *Builder) {
		b.log = l
	}
}

// WithDefaultOwnership configures the ownership applied when a source does
// not declare its own.
func WithDefaultOwnership(o Ownership) BuilderOption {
	return func(b *Builder) {
		b.defaults = o
	}
}

// NewBuilder returns a Builder that turns parsed sources into entities.
func NewBuilder(o ...BuilderOption) *Builder {
	b := &Builder{log: logging.NewNopLogger()}
	for _, fn := range o {
		fn(b)
	}
	return b
}

// ForDefinition builds the entities generated by one composite resource
// definition: an API entity describing the offered API, and a template
// entity for provisioning it. A definition whose schema produced no usable
// form descriptor yields only a degraded API entity. A descriptor built
// with warnings yields a degraded template.
func (b *Builder) ForDefinition(d *xrd.Definition, form *schema.FormDescriptor, warns []schema.Warning) []Entity {
	api := b.apiEntity(d)

	if form == nil {
		api.Degraded = true
		api.DegradedReason = schema.JoinWarnings(warns)
		if api.DegradedReason == "" {
			api.DegradedReason = "schema produced no form descriptor"
		}
		b.log.Debug("Definition produced no template", "source", d.Ref(), "reason", api.DegradedReason)
		return []Entity{api}
	}

	tpl := b.templateEntity(d, form, api.ID)
	if len(warns) > 0 {
		tpl.Degraded = true
		tpl.DegradedReason = schema.JoinWarnings(warns)
		b.log.Debug("Template degraded by schema warnings", "source", d.Ref(), "reason", tpl.DegradedReason)
	}
	return []Entity{api, tpl}
}

// ForComposition builds the resource entity for a Composition, attaching a
// dependency edge to the API entity of the composite kind it satisfies.
// The edge is dropped, not left dangling, when no such API entity is known.
func (b *Builder) ForComposition(c *xrd.Composition, r Resolver) Entity {
	e := Entity{
		ID:      EntityID(VariantResource, c.Cluster, xrd.Group, c.Kind, c.Name),
		Variant: VariantResource,
		Cluster: c.Cluster,
		Group:   xrd.Group,
		Kind:    c.Kind,
		Name:    c.Name,
		Title:   c.Name,
		Resource: &ResourceSpec{
			Type:       ResourceTypeComposition,
			APIVersion: c.XRAPIVersion,
			XRKind:     c.XRKind,
		},
	}
	b.decorate(&e, &c.SourceResource)

	if id, ok := r.ResolveAPI(c.Cluster, groupOf(c.XRAPIVersion), c.XRKind); ok {
		e.Edges = append(e.Edges, Edge{Kind: EdgeDependsOn, Target: id})
	} else {
		b.log.Debug("Dropping dependency edge for unknown composite kind", "source", c.Ref(), "kind", c.XRKind)
	}
	return e
}

// ForInstance builds the resource entity for a composite resource or claim
// instance. The entity records which API defines it and, when known, which
// Composition serves it. Unresolvable edges are dropped.
func (b *Builder) ForInstance(i *xrd.Instance, r Resolver) Entity {
	name := i.Name
	if i.Namespace != "" {
		name = i.Namespace + "." + i.Name
	}
	typ := ResourceTypeComposite
	if i.Namespace != "" {
		typ = ResourceTypeClaim
	}

	e := Entity{
		ID:      EntityID(VariantResource, i.Cluster, groupOf(i.APIVersion), i.Kind, name),
		Variant: VariantResource,
		Cluster: i.Cluster,
		Group:   groupOf(i.APIVersion),
		Kind:    i.Kind,
		Name:    name,
		Title:   i.Name,
		Resource: &ResourceSpec{
			Type:           typ,
			APIVersion:     i.APIVersion,
			CompositionRef: i.CompositionRef,
		},
	}
	b.decorate(&e, &i.SourceResource)

	if id, ok := r.ResolveAPI(i.Cluster, groupOf(i.APIVersion), i.Kind); ok {
		e.Edges = append(e.Edges, Edge{Kind: EdgeOwnedBy, Target: id})
	} else {
		b.log.Debug("Dropping ownership edge for unknown kind", "source", i.Ref(), "kind", i.Kind)
	}
	if i.CompositionRef != "" {
		if id, ok := r.ResolveComposition(i.Cluster, i.CompositionRef); ok {
			e.Edges = append(e.Edges, Edge{Kind: EdgeDependsOn, Target: id})
		} else {
			b.log.Debug("Dropping dependency edge for unknown composition", "source", i.Ref(), "composition", i.CompositionRef)
		}
	}
	return e
}

func (b *Builder) apiEntity(d *xrd.Definition) Entity {
	e := Entity{
		ID:      EntityID(VariantAPI, d.Cluster, d.Group, d.XRKind, d.Name),
		Variant: VariantAPI,
		Cluster: d.Cluster,
		Group:   d.Group,
		Kind:    d.PresentedKind(),
		Name:    d.Name,
		Title:   d.PresentedKind(),
		API: &APISpec{
			Type:      "openapi",
			Lifecycle: LifecycleProduction,
			Group:     d.Group,
			Version:   d.ReferenceableVersion,
			XRKind:    d.XRKind,
			ClaimKind: d.ClaimKind,
		},
	}
	if d.Deprecated {
		e.API.Lifecycle = LifecycleDeprecated
		if d.DeprecationWarning != "" {
			e.Description = d.DeprecationWarning
		}
	}
	if d.Schema != nil {
		if e.Description == "" {
			e.Description = d.Schema.Description
		}
		y, err := yaml.Marshal(d.Schema)
		if err != nil {
			b.log.Info(errMarshalSchema, "source", d.Ref(), "error", err)
		}
		e.API.Definition = string(y)
	}
	b.decorate(&e, &d.SourceResource)
	return e
}

func (b *Builder) templateEntity(d *xrd.Definition, form *schema.FormDescriptor, apiID string) Entity {
	kind := d.PresentedKind()
	e := Entity{
		ID:      EntityID(VariantTemplate, d.Cluster, d.Group, d.XRKind, d.Name),
		Variant: VariantTemplate,
		Cluster: d.Cluster,
		Group:   d.Group,
		Kind:    kind,
		Name:    d.Name,
		Title:   fmt.Sprintf("Provision %s", kind),
		Edges:   []Edge{{Kind: EdgeImplements, Target: apiID}},
		Template: &TemplateSpec{
			Form: form,
			Steps: []Step{
				{
					ID:     "collect",
					Name:   "Collect parameters",
					Action: "form:render",
					Input:  map[string]string{"kind": kind, "version": d.ReferenceableVersion},
				},
				{
					ID:     "render",
					Name:   "Render manifest",
					Action: "manifest:render",
					Input:  map[string]string{"apiVersion": d.Group + "/" + d.ReferenceableVersion, "kind": kind},
				},
				{
					ID:     "apply",
					Name:   "Apply to cluster",
					Action: "kubernetes:apply",
					Input:  map[string]string{"cluster": d.Cluster},
				},
			},
		},
	}
	if d.Schema != nil {
		e.Description = d.Schema.Description
	}
	b.decorate(&e, &d.SourceResource)
	return e
}

// decorate applies to an entity everything every variant shares: source
// provenance, propagated metadata, ownership, and write ordering.
func (b *Builder) decorate(e *Entity, src *xrd.SourceResource) {
	e.Generation = src.Generation
	e.Hash = src.Hash

	e.Annotations = map[string]string{
		AnnotationKeySourceCluster:  src.Cluster,
		AnnotationKeySourceResource: src.Ref(),
	}
	if src.UID != "" {
		e.Annotations[AnnotationKeySourceUID] = src.UID
	}
	for k, v := range src.Annotations {
		// Keys under our domain are directives to the engine, not user
		// metadata to propagate.
		if strings.HasPrefix(k, MetadataDomain) {
			continue
		}
		e.Annotations[AnnotationKeyPrefix+k] = v
	}
	if len(src.Labels) > 0 {
		e.Labels = make(map[string]string, len(src.Labels))
		for k, v := range src.Labels {
			e.Labels[LabelKeyPrefix+k] = v
		}
	}

	own := Ownership{
		Owner:  src.Annotations[AnnotationKeyOwner],
		System: src.Annotations[AnnotationKeySystem],
	}
	if err := mergo.Merge(&own, b.defaults); err != nil {
		// Merging two flat structs cannot realistically fail; keep the
		// source-declared values if it somehow does.
		b.log.Info(errMergeOwnership, "source", src.Ref(), "error", err)
	}
	e.Owner = own.Owner
	e.System = own.System
}

// groupOf extracts the group of an apiVersion, which is empty for the core
// group.
func groupOf(apiVersion string) string {
	if i := strings.IndexByte(apiVersion, '/'); i >= 0 {
		return apiVersion[:i]
	}
	return ""
}
