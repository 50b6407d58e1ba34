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

package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/emicklei/dot"

	"github.com/crossplane-contrib/xcatalog/internal/catalog"
	"github.com/crossplane-contrib/xcatalog/internal/store"
)

// contentTypeDOT is the media type of rendered relationship graphs.
const contentTypeDOT = "text/vnd.graphviz"

// nodeLabel renders one entity's graph node label.
type nodeLabel struct {
	kind     string
	name     string
	cluster  string
	variant  catalog.Variant
	degraded bool
}

func (l *nodeLabel) String() string {
	out := []string{
		"Kind: " + l.kind,
		"Name: " + l.name,
		"Cluster: " + l.cluster,
		"Variant: " + string(l.variant),
	}
	if l.degraded {
		out = append(out, "Degraded: true")
	}
	return strings.Join(out, "\n") + "\n"
}

// handleGraph renders the visible catalog's relationship graph in DOT. The
// permission filter applies to the graph like any other read: hidden
// entities contribute neither nodes nor edges.
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	entries := s.catalog.List(store.ListOptions{})
	candidates := make([]catalog.Entity, len(entries))
	for i := range entries {
		candidates[i] = entries[i].Entity
	}
	visible := s.filter.Visible(CallerFrom(r.Context()), candidates)

	g := dot.NewGraph(dot.Directed)

	nodes := make(map[string]dot.Node, len(visible))
	for i := range visible {
		e := &visible[i]
		var label fmt.Stringer = &nodeLabel{
			kind:     e.Kind,
			name:     e.Name,
			cluster:  e.Cluster,
			variant:  e.Variant,
			degraded: e.Degraded,
		}
		nodes[e.ID] = g.Node(e.ID).Box().Attr("label", label.String())
	}

	// Edges to entities the caller may not see would leak their existence,
	// so only edges between two visible nodes are drawn.
	for i := range visible {
		from := nodes[visible[i].ID]
		for _, edge := range visible[i].Edges {
			to, ok := nodes[edge.Target]
			if !ok {
				continue
			}
			g.Edge(from, to).Attr("label", string(edge.Kind))
		}
	}

	w.Header().Set("Content-Type", contentTypeDOT)
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, g.String()); err != nil {
		s.log.Debug("Cannot write graph response", "error", err)
	}
}
