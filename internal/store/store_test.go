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

package store

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/crossplane-contrib/xcatalog/internal/catalog"
)

const (
	apiID = "api:prod-east/platform.io/XDatabase/databases.platform.io"
	tplID = "template:prod-east/platform.io/XDatabase/databases.platform.io"
	cmpID = "resource:prod-east/apiextensions.crossplane.io/Composition/databases-gcp"

	defRef  = "prod-east/apiextensions.crossplane.io/v1/CompositeResourceDefinition/databases.platform.io"
	compRef = "prod-east/apiextensions.crossplane.io/v1/Composition/databases-gcp"
)

func dbAPI() catalog.Entity {
	return catalog.Entity{
		ID:         apiID,
		Variant:    catalog.VariantAPI,
		Cluster:    "prod-east",
		Group:      "platform.io",
		Kind:       "Database",
		Name:       "databases.platform.io",
		Generation: 3,
		Hash:       "00000000c0ffee42",
		Labels:     map[string]string{catalog.LabelKeyPrefix + "team": "platform"},
		Annotations: map[string]string{
			catalog.AnnotationKeySourceResource: defRef,
			catalog.AnnotationKeySourceUID:      "uid-def-1",
		},
		API: &catalog.APISpec{Group: "platform.io", XRKind: "XDatabase", ClaimKind: "Database"},
	}
}

func dbTemplate() catalog.Entity {
	return catalog.Entity{
		ID:         tplID,
		Variant:    catalog.VariantTemplate,
		Cluster:    "prod-east",
		Group:      "platform.io",
		Kind:       "Database",
		Name:       "databases.platform.io",
		Generation: 3,
		Hash:       "00000000c0ffee42",
		Labels:     map[string]string{catalog.LabelKeyPrefix + "team": "platform"},
		Annotations: map[string]string{
			catalog.AnnotationKeySourceResource: defRef,
			catalog.AnnotationKeySourceUID:      "uid-def-1",
		},
		Edges:    []catalog.Edge{{Kind: catalog.EdgeImplements, Target: apiID}},
		Template: &catalog.TemplateSpec{},
	}
}

func gcpComposition() catalog.Entity {
	return catalog.Entity{
		ID:         cmpID,
		Variant:    catalog.VariantResource,
		Cluster:    "prod-east",
		Group:      "apiextensions.crossplane.io",
		Kind:       "Composition",
		Name:       "databases-gcp",
		Generation: 7,
		Hash:       "0000000000001234",
		Annotations: map[string]string{
			catalog.AnnotationKeySourceResource: compRef,
			catalog.AnnotationKeySourceUID:      "uid-comp-1",
		},
		Edges:    []catalog.Edge{{Kind: catalog.EdgeDependsOn, Target: apiID}},
		Resource: &catalog.ResourceSpec{Type: catalog.ResourceTypeComposition, APIVersion: "platform.io/v1", XRKind: "XDatabase"},
	}
}

func withGeneration(e catalog.Entity, g int64) catalog.Entity {
	e.Generation = g
	return e
}

func withHash(e catalog.Entity, h string) catalog.Entity {
	e.Hash = h
	return e
}

func withUID(e catalog.Entity, uid string) catalog.Entity {
	e.Annotations[catalog.AnnotationKeySourceUID] = uid
	return e
}

func TestUpsert(t *testing.T) {
	type want struct {
		op         Op
		generation int64
	}

	cases := map[string]struct {
		reason string
		setup  func(s *Store)
		write  catalog.Entity
		want   want
	}{
		"Creates": {
			reason: "Writing an unknown ID should create a fresh entry.",
			write:  dbAPI(),
			want:   want{op: OpCreated, generation: 3},
		},
		"RejectsOlderGeneration": {
			reason: "A write carrying an older source generation than the stored one should be rejected, keeping the stored entity.",
			setup:  func(s *Store) { s.Upsert(dbAPI()) },
			write:  withGeneration(dbAPI(), 2),
			want:   want{op: OpSuperseded, generation: 3},
		},
		"AcceptsNewerGeneration": {
			reason: "A write carrying a newer source generation should replace the stored entity.",
			setup:  func(s *Store) { s.Upsert(dbAPI()) },
			write:  withGeneration(dbAPI(), 4),
			want:   want{op: OpUpdated, generation: 4},
		},
		"UnchangedContent": {
			reason: "Rewriting an entity with the stored generation and hash should refresh it without counting as a change.",
			setup:  func(s *Store) { s.Upsert(dbAPI()) },
			write:  dbAPI(),
			want:   want{op: OpUnchanged, generation: 3},
		},
		"MetadataOnlyChange": {
			reason: "A write with the stored generation but a new content hash carries a metadata-only change and should be applied.",
			setup:  func(s *Store) { s.Upsert(dbAPI()) },
			write:  withHash(dbAPI(), "ffffffff00000001"),
			want:   want{op: OpUpdated, generation: 3},
		},
		"RecreatedSourceRestartsOrdering": {
			reason: "A source deleted and recreated restarts its generation sequence; its new UID must take the write despite the lower generation.",
			setup:  func(s *Store) { s.Upsert(withGeneration(dbAPI(), 5)) },
			write:  withUID(withGeneration(dbAPI(), 1), "uid-def-2"),
			want:   want{op: OpUpdated, generation: 1},
		},
		"ReappearanceAfterRemoval": {
			reason: "A write for a removed ID should be taken unconditionally, resurrecting the entity.",
			setup: func(s *Store) {
				s.Upsert(withGeneration(dbAPI(), 5))
				s.MarkRemoved(apiID)
			},
			write: withGeneration(dbAPI(), 1),
			want:  want{op: OpUpdated, generation: 1},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s := NewStore()
			if tc.setup != nil {
				tc.setup(s)
			}

			got := s.Upsert(tc.write)
			if got != tc.want.op {
				t.Errorf("\n%s\nUpsert(...): want op %q, got %q", tc.reason, tc.want.op, got)
			}

			en, ok := s.Get(tc.write.ID)
			if !ok {
				t.Fatalf("\n%s\nGet(%q): entity unexpectedly absent", tc.reason, tc.write.ID)
			}
			if en.Entity.Generation != tc.want.generation {
				t.Errorf("\n%s\nGet(%q): want generation %d, got %d", tc.reason, tc.write.ID, tc.want.generation, en.Entity.Generation)
			}
			if en.State != StateFresh {
				t.Errorf("\n%s\nGet(%q): want state %q after write, got %q", tc.reason, tc.write.ID, StateFresh, en.State)
			}
		})
	}
}

func TestUpsertDropsDanglingEdges(t *testing.T) {
	s := NewStore()

	// The template's API is not stored yet, so its edge must be dropped.
	s.Upsert(dbTemplate())
	en, _ := s.Get(tplID)
	if len(en.Entity.Edges) != 0 {
		t.Errorf("Upsert(...): edges to absent entities should be dropped, got %v", en.Entity.Edges)
	}

	// Re-committing once the API exists heals the edge.
	s.Upsert(dbAPI())
	s.Upsert(dbTemplate())
	en, _ = s.Get(tplID)
	if diff := cmp.Diff([]catalog.Edge{{Kind: catalog.EdgeImplements, Target: apiID}}, en.Entity.Edges); diff != "" {
		t.Errorf("Upsert(...): -want edges, +got:\n%s", diff)
	}
}

func TestReadsNeverSeeDanglingEdges(t *testing.T) {
	s := NewStore()
	s.Upsert(dbAPI())
	s.Upsert(dbTemplate())

	s.MarkRemoved(apiID)

	en, ok := s.Get(tplID)
	if !ok {
		t.Fatalf("Get(%q): entity unexpectedly absent", tplID)
	}
	if len(en.Entity.Edges) != 0 {
		t.Errorf("Get(%q): edges to removed entities should not be served, got %v", tplID, en.Entity.Edges)
	}
}

func TestList(t *testing.T) {
	other := catalog.Entity{
		ID:         "api:stage-west/storage.platform.io/XBucket/buckets.storage.platform.io",
		Variant:    catalog.VariantAPI,
		Cluster:    "stage-west",
		Group:      "storage.platform.io",
		Kind:       "Bucket",
		Name:       "buckets.storage.platform.io",
		Generation: 1,
		Hash:       "0000000000000abc",
		Labels:     map[string]string{catalog.LabelKeyPrefix + "team": "storage"},
		Annotations: map[string]string{
			catalog.AnnotationKeySourceResource: "stage-west/apiextensions.crossplane.io/v1/CompositeResourceDefinition/buckets.storage.platform.io",
			catalog.AnnotationKeySourceUID:      "uid-def-9",
		},
		API: &catalog.APISpec{Group: "storage.platform.io", XRKind: "XBucket"},
	}

	seed := func() *Store {
		s := NewStore()
		s.Upsert(dbAPI())
		s.Upsert(dbTemplate())
		s.Upsert(gcpComposition())
		s.Upsert(other)
		return s
	}

	cases := map[string]struct {
		reason string
		opts   ListOptions
		want   []string
	}{
		"All": {
			reason: "An unfiltered list should return every live entity, ordered by ID.",
			want:   []string{apiID, other.ID, cmpID, tplID},
		},
		"ByCluster": {
			reason: "A cluster filter should return only that cluster's entities.",
			opts:   ListOptions{Cluster: "stage-west"},
			want:   []string{other.ID},
		},
		"ByKind": {
			reason: "A kind filter should match the developer-facing kind.",
			opts:   ListOptions{Kind: "Database"},
			want:   []string{apiID, tplID},
		},
		"ByVariant": {
			reason: "A variant filter should return only entities of that variant.",
			opts:   ListOptions{Variant: catalog.VariantResource},
			want:   []string{cmpID},
		},
		"ByLabel": {
			reason: "A label filter should match propagated source labels exactly.",
			opts:   ListOptions{Labels: map[string]string{catalog.LabelKeyPrefix + "team": "storage"}},
			want:   []string{other.ID},
		},
		"Intersection": {
			reason: "Filters should intersect.",
			opts:   ListOptions{Cluster: "prod-east", Variant: catalog.VariantAPI},
			want:   []string{apiID},
		},
		"NoMatch": {
			reason: "A filter matching nothing should return an empty list.",
			opts:   ListOptions{Cluster: "prod-east", Kind: "Bucket"},
			want:   []string{},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s := seed()
			got := s.List(tc.opts)

			ids := make([]string, 0, len(got))
			for _, en := range got {
				ids = append(ids, en.Entity.ID)
			}
			if diff := cmp.Diff(tc.want, ids); diff != "" {
				t.Errorf("\n%s\nList(...): -want IDs, +got:\n%s", tc.reason, diff)
			}
		})
	}
}

func TestRemoveBySource(t *testing.T) {
	s := NewStore()
	s.Upsert(dbAPI())
	s.Upsert(dbTemplate())
	s.Upsert(gcpComposition())

	// Removing the definition's source removes both entities it generated,
	// and nothing else.
	if n := s.RemoveBySource(defRef); n != 2 {
		t.Errorf("RemoveBySource(%q): want 2 entities removed, got %d", defRef, n)
	}
	if _, ok := s.Get(apiID); ok {
		t.Errorf("Get(%q): removed entities should read as absent", apiID)
	}
	if _, ok := s.Get(tplID); ok {
		t.Errorf("Get(%q): removed entities should read as absent", tplID)
	}
	if _, ok := s.Get(cmpID); !ok {
		t.Errorf("Get(%q): entities of other sources should be untouched", cmpID)
	}

	// Removal is idempotent.
	if n := s.RemoveBySource(defRef); n != 0 {
		t.Errorf("RemoveBySource(%q): want 0 on repeat, got %d", defRef, n)
	}
}

func TestConfirmBySource(t *testing.T) {
	now := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	c := clocktesting.NewFakeClock(now)
	s := NewStore(WithClock(c), WithTTL(10*time.Minute))
	s.Upsert(dbAPI())
	s.Upsert(dbTemplate())

	c.Step(11 * time.Minute)
	s.Sweep()

	// Confirming an unchanged source returns its entities to fresh without
	// rewriting them.
	if n := s.ConfirmBySource(defRef); n != 2 {
		t.Errorf("ConfirmBySource(%q): want 2 entities confirmed, got %d", defRef, n)
	}
	for _, id := range []string{apiID, tplID} {
		if en, _ := s.Get(id); en.State != StateFresh {
			t.Errorf("Get(%q): want state %q after confirmation, got %q", id, StateFresh, en.State)
		}
	}

	// Confirmation restarts the staleness clock.
	c.Step(9 * time.Minute)
	s.Sweep()
	if en, _ := s.Get(apiID); en.State != StateFresh {
		t.Errorf("Get(%q): want state %q within the renewed TTL, got %q", apiID, StateFresh, en.State)
	}

	// Removed entities stay removed.
	s.MarkRemoved(apiID)
	if n := s.ConfirmBySource(defRef); n != 1 {
		t.Errorf("ConfirmBySource(%q): want removed entities left alone, got %d confirmed", defRef, n)
	}

	if n := s.ConfirmBySource("prod-east/nope/v1/Nope/nope"); n != 0 {
		t.Errorf("ConfirmBySource(...): want 0 for an unknown source, got %d", n)
	}
}

func TestResolve(t *testing.T) {
	s := NewStore()
	s.Upsert(dbAPI())
	s.Upsert(gcpComposition())

	if id, ok := s.ResolveAPI("prod-east", "platform.io", "XDatabase"); !ok || id != apiID {
		t.Errorf("ResolveAPI(...): want (%q, true), got (%q, %t)", apiID, id, ok)
	}
	if id, ok := s.ResolveAPI("prod-east", "platform.io", "Database"); !ok || id != apiID {
		t.Errorf("ResolveAPI(...): the claim kind should resolve too, got (%q, %t)", id, ok)
	}
	if _, ok := s.ResolveAPI("prod-east", "platform.io", "XCluster"); ok {
		t.Errorf("ResolveAPI(...): unknown kinds should not resolve")
	}
	if id, ok := s.ResolveComposition("prod-east", "databases-gcp"); !ok || id != cmpID {
		t.Errorf("ResolveComposition(...): want (%q, true), got (%q, %t)", cmpID, id, ok)
	}

	s.MarkRemoved(apiID)
	if _, ok := s.ResolveAPI("prod-east", "platform.io", "XDatabase"); ok {
		t.Errorf("ResolveAPI(...): removed entities should not resolve")
	}
}

func TestLifecycle(t *testing.T) {
	now := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	c := clocktesting.NewFakeClock(now)
	s := NewStore(
		WithClock(c),
		WithTTL(10*time.Minute),
		WithRemovedGrace(5*time.Minute),
		WithMaxStale(24*time.Hour),
	)
	s.Upsert(dbAPI())

	s.Sweep()
	if en, _ := s.Get(apiID); en.State != StateFresh {
		t.Errorf("Get(%q): want state %q before TTL expiry, got %q", apiID, StateFresh, en.State)
	}

	c.Step(11 * time.Minute)
	s.Sweep()
	en, ok := s.Get(apiID)
	if !ok {
		t.Fatalf("Get(%q): stale entities should still be served", apiID)
	}
	if en.State != StateStale {
		t.Errorf("Get(%q): want state %q past TTL, got %q", apiID, StateStale, en.State)
	}

	// A successful rewrite returns the entity to fresh.
	s.Upsert(dbAPI())
	if en, _ := s.Get(apiID); en.State != StateFresh {
		t.Errorf("Get(%q): want state %q after rewrite, got %q", apiID, StateFresh, en.State)
	}

	// Never refreshed again, the entity ages past the staleness bound and
	// stops being served, then purges after the grace period.
	c.Step(11 * time.Minute)
	s.Sweep()
	c.Step(24 * time.Hour)
	s.Sweep()
	if _, ok := s.Get(apiID); ok {
		t.Errorf("Get(%q): entities past the staleness bound should read as absent", apiID)
	}
	if got := s.List(ListOptions{IncludeRemoved: true}); len(got) != 1 {
		t.Fatalf("List(...): want 1 entry in its removal grace period, got %d", len(got))
	}

	c.Step(6 * time.Minute)
	s.Sweep()
	if got := s.List(ListOptions{IncludeRemoved: true}); len(got) != 0 {
		t.Errorf("List(...): want removed entities purged after the grace period, got %d", len(got))
	}
}

func TestStaleReadTriggersRefresh(t *testing.T) {
	now := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	c := clocktesting.NewFakeClock(now)
	triggered := make(chan string, 1)

	s := NewStore(
		WithClock(c),
		WithTTL(time.Minute),
		WithRefreshTrigger(RefreshTriggerFn(func(cluster string) { triggered <- cluster })),
	)
	s.Upsert(dbAPI())

	c.Step(2 * time.Minute)
	s.Sweep()
	s.Get(apiID)

	select {
	case cluster := <-triggered:
		if cluster != "prod-east" {
			t.Errorf("Get(%q): want refresh triggered for %q, got %q", apiID, "prod-east", cluster)
		}
	case <-time.After(time.Second):
		t.Errorf("Get(%q): serving a stale entry should trigger a cluster refresh", apiID)
	}
}

func TestBeginEndRefresh(t *testing.T) {
	now := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	c := clocktesting.NewFakeClock(now)
	s := NewStore(WithClock(c), WithTTL(time.Minute))
	s.Upsert(dbAPI())
	s.Upsert(dbTemplate())

	c.Step(2 * time.Minute)
	s.Sweep()

	s.BeginRefresh("prod-east")
	if en, _ := s.Get(apiID); en.State != StateRefreshing {
		t.Errorf("Get(%q): want state %q during refresh, got %q", apiID, StateRefreshing, en.State)
	}

	// Only the API is rewritten; the template's source vanished.
	s.Upsert(dbAPI())
	s.EndRefresh("prod-east")

	if en, _ := s.Get(apiID); en.State != StateFresh {
		t.Errorf("Get(%q): want state %q after a successful rewrite, got %q", apiID, StateFresh, en.State)
	}
	if en, _ := s.Get(tplID); en.State != StateStale {
		t.Errorf("Get(%q): want state %q after an incomplete refresh, got %q", tplID, StateStale, en.State)
	}
}

func TestStats(t *testing.T) {
	s := NewStore()
	s.Upsert(dbAPI())
	s.Upsert(dbTemplate())
	s.Upsert(gcpComposition())
	s.MarkRemoved(cmpID)

	want := Stats{
		ByState:   map[State]int{StateFresh: 2, StateRemoved: 1},
		ByCluster: map[string]int{"prod-east": 2},
		ByVariant: map[catalog.Variant]int{catalog.VariantAPI: 1, catalog.VariantTemplate: 1},
	}
	if diff := cmp.Diff(want, s.Stats()); diff != "" {
		t.Errorf("Stats(): -want, +got:\n%s", diff)
	}

	s.Get(apiID)
	s.Get(cmpID)

	want.Reads = ReadStats{Fresh: 1, Miss: 1}
	if diff := cmp.Diff(want, s.Stats()); diff != "" {
		t.Errorf("Stats(): -want after reads, +got:\n%s", diff)
	}
}
