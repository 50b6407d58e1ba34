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

package access

import (
	"github.com/crossplane-contrib/xcatalog/internal/catalog"
)

// A RuleResolver maps a caller to the rule deciding its visibility.
type RuleResolver interface {
	RuleFor(c Caller) Rule
}

// A RuleResolverFn resolves rules with a plain function.
type RuleResolverFn func(c Caller) Rule

// RuleFor calls the function.
func (f RuleResolverFn) RuleFor(c Caller) Rule { return f(c) }

// A Filter applies a caller's visibility rule to entities.
type Filter struct {
	resolver RuleResolver
}

// NewFilter returns a Filter resolving rules with the supplied resolver.
func NewFilter(r RuleResolver) *Filter {
	return &Filter{resolver: r}
}

// Visible returns the entities the caller may see, preserving input order.
// The rule is resolved once and applied in a single pass over the
// candidates.
func (f *Filter) Visible(c Caller, es []catalog.Entity) []catalog.Entity {
	r := f.resolver.RuleFor(c)
	out := make([]catalog.Entity, 0, len(es))
	for i := range es {
		if Evaluate(r, &es[i], c) {
			out = append(out, es[i])
		}
	}
	return out
}

// Allowed returns whether the caller may see one entity. The API serves a
// forbidden entity exactly like an absent one, so callers cannot probe for
// existence.
func (f *Filter) Allowed(c Caller, e *catalog.Entity) bool {
	return Evaluate(f.resolver.RuleFor(c), e, c)
}
