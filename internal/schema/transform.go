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

// Package schema converts OpenAPI v3 schemas into form descriptors. The
// transformer is a pure function over already-fetched data: no network, no
// cluster access, no shared state. Malformed fragments degrade to warnings so
// one bad field never blocks an otherwise valid resource.
package schema

import (
	"encoding/json"
	"sort"
	"strings"

	extv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Warning reasons.
const (
	reasonNoSchema       = "no schema declared"
	reasonNotObjectRoot  = "root schema is not an object"
	reasonMissingType    = "property has no type"
	reasonUnknownType    = "property has an unsupported type"
	reasonRef            = "$ref is not supported"
	reasonNoItems        = "array has no item schema"
	reasonDepthExceeded  = "schema nesting exceeds the depth limit"
	reasonFreeFormObject = "free-form object properties are not rendered"
)

// defaultMaxDepth caps recursion over schema trees. Crossplane XRD schemas
// are shallow in practice; anything deeper is hostile or broken input.
const defaultMaxDepth = 32

// A FieldKind is one variant of the closed field node set. All downstream
// logic switches exhaustively over these instead of probing schema shape.
type FieldKind string

// The closed set of field variants.
const (
	KindObject  FieldKind = "Object"
	KindArray   FieldKind = "Array"
	KindString  FieldKind = "String"
	KindNumber  FieldKind = "Number"
	KindInteger FieldKind = "Integer"
	KindBoolean FieldKind = "Boolean"
	KindEnum    FieldKind = "Enum"
)

// Constraints carries the validation rules of a leaf field.
type Constraints struct {
	Pattern   string   `json:"pattern,omitempty"`
	Format    string   `json:"format,omitempty"`
	Minimum   *float64 `json:"minimum,omitempty"`
	Maximum   *float64 `json:"maximum,omitempty"`
	MinLength *int64   `json:"minLength,omitempty"`
	MaxLength *int64   `json:"maxLength,omitempty"`
	MinItems  *int64   `json:"minItems,omitempty"`
	MaxItems  *int64   `json:"maxItems,omitempty"`
}

// A FieldNode is one node of a form descriptor tree: an object section, a
// repeatable array group, or a typed leaf field.
type FieldNode struct {
	Name        string       `json:"name,omitempty"`
	Kind        FieldKind    `json:"kind"`
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Required    bool         `json:"required,omitempty"`
	Default     string       `json:"default,omitempty"`
	Values      []string     `json:"values,omitempty"`
	Constraints *Constraints `json:"constraints,omitempty"`
	Children    []FieldNode  `json:"children,omitempty"`
	Element     *FieldNode   `json:"element,omitempty"`
}

// A FormDescriptor is the transformer's output: the normalized, typed
// representation of a schema used to render a provisioning form. Derived
// data only; always recomputed whole, never patched.
type FormDescriptor struct {
	Fields []FieldNode `json:"fields"`
}

// Serialize renders the descriptor as JSON. Field order is part of the
// descriptor, so serializing the same descriptor twice yields identical
// bytes.
func (d *FormDescriptor) Serialize() ([]byte, error) {
	return json.Marshal(d)
}

// A Warning records a schema fragment the transformer skipped and why. The
// path is relative to the transformed subtree.
type Warning struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

func (w Warning) String() string {
	return w.Path + ": " + w.Reason
}

// JoinWarnings renders warnings as one human-readable reason string.
func JoinWarnings(ws []Warning) string {
	ss := make([]string, len(ws))
	for i, w := range ws {
		ss[i] = w.String()
	}
	return strings.Join(ss, "; ")
}

// Options configure a transform.
type Options struct {
	// Root names the transformed subtree in warning paths. Defaults to spec.
	Root string

	// MaxDepth caps schema nesting. Defaults to 32.
	MaxDepth int
}

// Transform converts an OpenAPI v3 schema into a FormDescriptor. The
// descriptor is nil when the schema as a whole is unusable (absent, or not
// an object at the root); otherwise unusable fragments are skipped with a
// warning each. The same schema content always yields a structurally
// identical descriptor: fields are ordered by name, stabilized for stable
// diffing.
func Transform(s *extv1.JSONSchemaProps, o Options) (*FormDescriptor, []Warning) {
	if o.Root == "" {
		o.Root = "spec"
	}
	if o.MaxDepth == 0 {
		o.MaxDepth = defaultMaxDepth
	}

	if s == nil {
		return nil, []Warning{{Path: o.Root, Reason: reasonNoSchema}}
	}
	if s.Type != "object" {
		return nil, []Warning{{Path: o.Root, Reason: reasonNotObjectRoot}}
	}

	var warns []Warning
	root := walk("", s, o.Root, false, o.MaxDepth, &warns)
	if root == nil {
		return nil, warns
	}
	return &FormDescriptor{Fields: root.Children}, warns
}

// walk converts one schema node. It returns nil, with a warning recorded,
// when the node cannot be represented.
func walk(name string, s *extv1.JSONSchemaProps, path string, required bool, depth int, warns *[]Warning) *FieldNode {
	if depth < 0 {
		*warns = append(*warns, Warning{Path: path, Reason: reasonDepthExceeded})
		return nil
	}
	if s.Ref != nil {
		*warns = append(*warns, Warning{Path: path, Reason: reasonRef})
		return nil
	}

	n := &FieldNode{
		Name:        name,
		Title:       s.Title,
		Description: s.Description,
		Required:    required,
	}

	// Enumerated fields keep their declared value set regardless of the
	// underlying scalar type, with the declared default pre-selected.
	if len(s.Enum) > 0 {
		n.Kind = KindEnum
		n.Values = make([]string, len(s.Enum))
		for i, v := range s.Enum {
			n.Values[i] = scalarText(v)
		}
		if s.Default != nil {
			n.Default = scalarText(*s.Default)
		}
		return n
	}

	switch s.Type {
	case "object":
		n.Kind = KindObject
		if len(s.Properties) == 0 && s.AdditionalProperties != nil {
			*warns = append(*warns, Warning{Path: path, Reason: reasonFreeFormObject})
			return n
		}
		req := sets.New(s.Required...)
		names := make([]string, 0, len(s.Properties))
		for child := range s.Properties {
			names = append(names, child)
		}
		sort.Strings(names)
		for _, child := range names {
			cs := s.Properties[child]
			if cn := walk(child, &cs, path+"."+child, req.Has(child), depth-1, warns); cn != nil {
				n.Children = append(n.Children, *cn)
			}
		}
		return n

	case "array":
		if s.Items == nil || s.Items.Schema == nil {
			*warns = append(*warns, Warning{Path: path, Reason: reasonNoItems})
			return nil
		}
		n.Kind = KindArray
		n.Constraints = arrayConstraints(s)
		elem := walk("", s.Items.Schema, path+"[]", false, depth-1, warns)
		if elem == nil {
			return nil
		}
		n.Element = elem
		return n

	case "string":
		n.Kind = KindString
		n.Constraints = stringConstraints(s)
		n.Default = defaultText(s)
		return n

	case "number":
		n.Kind = KindNumber
		n.Constraints = numericConstraints(s)
		n.Default = defaultText(s)
		return n

	case "integer":
		n.Kind = KindInteger
		n.Constraints = numericConstraints(s)
		n.Default = defaultText(s)
		return n

	case "boolean":
		n.Kind = KindBoolean
		n.Default = defaultText(s)
		return n

	case "":
		*warns = append(*warns, Warning{Path: path, Reason: reasonMissingType})
		return nil

	default:
		*warns = append(*warns, Warning{Path: path, Reason: reasonUnknownType})
		return nil
	}
}

func stringConstraints(s *extv1.JSONSchemaProps) *Constraints {
	if s.Pattern == "" && s.Format == "" && s.MinLength == nil && s.MaxLength == nil {
		return nil
	}
	return &Constraints{
		Pattern:   s.Pattern,
		Format:    s.Format,
		MinLength: s.MinLength,
		MaxLength: s.MaxLength,
	}
}

func numericConstraints(s *extv1.JSONSchemaProps) *Constraints {
	if s.Minimum == nil && s.Maximum == nil {
		return nil
	}
	return &Constraints{
		Minimum: s.Minimum,
		Maximum: s.Maximum,
	}
}

func arrayConstraints(s *extv1.JSONSchemaProps) *Constraints {
	if s.MinItems == nil && s.MaxItems == nil {
		return nil
	}
	return &Constraints{
		MinItems: s.MinItems,
		MaxItems: s.MaxItems,
	}
}

func defaultText(s *extv1.JSONSchemaProps) string {
	if s.Default == nil {
		return ""
	}
	return scalarText(*s.Default)
}

// scalarText renders a JSON scalar the way a form presents it: strings
// unquoted, everything else as its JSON text.
func scalarText(j extv1.JSON) string {
	var s string
	if err := json.Unmarshal(j.Raw, &s); err == nil {
		return s
	}
	return string(j.Raw)
}
