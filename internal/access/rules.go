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

// Package access decides which catalog entities a caller may see. Rules
// are data, loaded from configuration, and evaluated against entity
// metadata already in memory. Deciding visibility never calls a cluster.
package access

import (
	"slices"

	"github.com/crossplane/crossplane-runtime/pkg/errors"

	"github.com/crossplane-contrib/xcatalog/internal/catalog"
)

// Error strings.
const (
	errEmptyRule    = "rule has no condition"
	errConflictRule = "rule has more than one condition"
	errBindingRule  = "invalid rule for binding %d"
	errUnknownMode  = "unknown default mode %q, want %q or %q"
)

// Default visibility modes applied when no binding matches a caller.
const (
	DefaultAllow = "allow"
	DefaultDeny  = "deny"
)

// A Caller is an authenticated API caller. The engine trusts the identity
// it is handed; authenticating it is the fronting proxy's business.
type Caller struct {
	Identity string
	Groups   []string
}

// A KeyValue is an exact key and value match.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// A Rule is one visibility condition over an entity and a caller. Exactly
// one field is set; composite rules nest. Rules are plain data so that
// operators can review and diff them in configuration.
type Rule struct {
	// Always matches every entity (true) or none (false).
	Always *bool `json:"always,omitempty"`

	// AllOf matches when every nested rule matches.
	AllOf []Rule `json:"allOf,omitempty"`

	// AnyOf matches when at least one nested rule matches.
	AnyOf []Rule `json:"anyOf,omitempty"`

	// Not inverts the nested rule.
	Not *Rule `json:"not,omitempty"`

	// AnnotationEquals matches an exact entity annotation.
	AnnotationEquals *KeyValue `json:"annotationEquals,omitempty"`

	// LabelEquals matches an exact entity label.
	LabelEquals *KeyValue `json:"labelEquals,omitempty"`

	// FieldEquals matches a named entity metadata field, such as cluster,
	// kind, variant, or owner.
	FieldEquals *KeyValue `json:"fieldEquals,omitempty"`

	// InGroup matches when the caller belongs to a group. It ignores the
	// entity.
	InGroup *string `json:"inGroup,omitempty"`

	// OwnerIsCaller matches when the entity's owner is the caller's
	// identity or one of the caller's groups.
	OwnerIsCaller *bool `json:"ownerIsCaller,omitempty"`
}

// Validate rejects rules that set no condition or more than one.
func (r *Rule) Validate() error {
	n := 0
	if r.Always != nil {
		n++
	}
	if len(r.AllOf) > 0 {
		n++
	}
	if len(r.AnyOf) > 0 {
		n++
	}
	if r.Not != nil {
		n++
	}
	if r.AnnotationEquals != nil {
		n++
	}
	if r.LabelEquals != nil {
		n++
	}
	if r.FieldEquals != nil {
		n++
	}
	if r.InGroup != nil {
		n++
	}
	if r.OwnerIsCaller != nil {
		n++
	}

	switch {
	case n == 0:
		return errors.New(errEmptyRule)
	case n > 1:
		return errors.New(errConflictRule)
	}

	for i := range r.AllOf {
		if err := r.AllOf[i].Validate(); err != nil {
			return err
		}
	}
	for i := range r.AnyOf {
		if err := r.AnyOf[i].Validate(); err != nil {
			return err
		}
	}
	if r.Not != nil {
		return r.Not.Validate()
	}
	return nil
}

// Evaluate returns whether a rule lets a caller see an entity.
func Evaluate(r Rule, e *catalog.Entity, c Caller) bool {
	switch {
	case r.Always != nil:
		return *r.Always

	case len(r.AllOf) > 0:
		for _, nested := range r.AllOf {
			if !Evaluate(nested, e, c) {
				return false
			}
		}
		return true

	case len(r.AnyOf) > 0:
		for _, nested := range r.AnyOf {
			if Evaluate(nested, e, c) {
				return true
			}
		}
		return false

	case r.Not != nil:
		return !Evaluate(*r.Not, e, c)

	case r.AnnotationEquals != nil:
		return e.Annotations[r.AnnotationEquals.Key] == r.AnnotationEquals.Value

	case r.LabelEquals != nil:
		return e.Labels[r.LabelEquals.Key] == r.LabelEquals.Value

	case r.FieldEquals != nil:
		v, ok := e.MetadataField(r.FieldEquals.Key)
		return ok && v == r.FieldEquals.Value

	case r.InGroup != nil:
		return slices.Contains(c.Groups, *r.InGroup)

	case r.OwnerIsCaller != nil:
		owns := e.Owner != "" && (e.Owner == c.Identity || slices.Contains(c.Groups, e.Owner))
		return owns == *r.OwnerIsCaller
	}

	// An empty rule matches nothing.
	return false
}

// A Binding attaches a rule to the callers it applies to. A binding with
// both an identity and a group matches either.
type Binding struct {
	// Identity matches one caller exactly.
	Identity string `json:"identity,omitempty"`

	// Group matches every caller in a group.
	Group string `json:"group,omitempty"`

	// Rule decides visibility for matched callers.
	Rule Rule `json:"rule"`
}

// Rules bind visibility rules to callers. A caller matched by several
// bindings sees the union of what each binding allows.
type Rules struct {
	// Default applies to callers no binding matches: allow or deny.
	// Unset means deny.
	Default string `json:"default,omitempty"`

	// Bindings attach rules to identities and groups.
	Bindings []Binding `json:"bindings,omitempty"`
}

// Validate rejects rule sets with invalid bindings or an unknown default.
func (rs *Rules) Validate() error {
	if rs.Default != "" && rs.Default != DefaultAllow && rs.Default != DefaultDeny {
		return errors.Errorf(errUnknownMode, rs.Default, DefaultAllow, DefaultDeny)
	}
	for i := range rs.Bindings {
		if err := rs.Bindings[i].Rule.Validate(); err != nil {
			return errors.Wrapf(err, errBindingRule, i)
		}
	}
	return nil
}

// RuleFor returns the rule deciding what a caller sees: the union of its
// matching bindings, or the default when none match.
func (rs *Rules) RuleFor(c Caller) Rule {
	var matched []Rule
	for _, b := range rs.Bindings {
		if (b.Identity != "" && b.Identity == c.Identity) || (b.Group != "" && slices.Contains(c.Groups, b.Group)) {
			matched = append(matched, b.Rule)
		}
	}

	switch len(matched) {
	case 0:
		allow := rs.Default == DefaultAllow
		return Rule{Always: &allow}
	case 1:
		return matched[0]
	default:
		return Rule{AnyOf: matched}
	}
}
