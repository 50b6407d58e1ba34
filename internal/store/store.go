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

// Package store holds generated catalog entities in memory and keeps them
// honest: writes are ordered by source generation, entities age from fresh
// to stale to removed, and reads never see a dangling relationship edge.
package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/crossplane-contrib/xcatalog/internal/catalog"
)

// A State describes where an entity is in its lifecycle.
type State string

// The entity lifecycle. Fresh entities age into stale ones when their TTL
// expires; stale entities are still served while a refresh is attempted.
// Removed entities linger unreadable for a grace period so that flapping
// sources do not churn identity, then they are purged.
const (
	StateFresh      State = "fresh"
	StateStale      State = "stale"
	StateRefreshing State = "refreshing"
	StateRemoved    State = "removed"
)

// An Op describes what an upsert did.
type Op string

// Upsert outcomes.
const (
	OpCreated    Op = "created"
	OpUpdated    Op = "updated"
	OpUnchanged  Op = "unchanged"
	OpSuperseded Op = "superseded"
)

// An Entry is one stored entity and its lifecycle bookkeeping.
type Entry struct {
	Entity catalog.Entity `json:"entity"`
	State  State          `json:"state"`

	// ObservedAt is when the entity was last written from a live
	// observation. Staleness is measured from it.
	ObservedAt time.Time `json:"observedAt"`

	// RemovedAt is when the entity was marked removed, zero otherwise.
	RemovedAt time.Time `json:"removedAt,omitempty"`
}

// A RefreshTrigger asks discovery to re-poll a cluster ahead of schedule.
// The store fires it when a read is served from a stale entry.
type RefreshTrigger interface {
	TriggerRefresh(cluster string)
}

// A RefreshTriggerFn triggers refreshes with a plain function.
type RefreshTriggerFn func(cluster string)

// TriggerRefresh calls the function.
func (f RefreshTriggerFn) TriggerRefresh(cluster string) { f(cluster) }

// ListOptions filter a List. Zero fields do not filter.
type ListOptions struct {
	Cluster string
	Kind    string
	Variant catalog.Variant

	// Labels must all match, by exact key and value.
	Labels map[string]string

	// IncludeRemoved also returns entries in their removal grace period.
	IncludeRemoved bool
}

// Stats summarize store contents for health reporting.
type Stats struct {
	ByState   map[State]int           `json:"byState"`
	ByCluster map[string]int          `json:"byCluster"`
	ByVariant map[catalog.Variant]int `json:"byVariant"`

	// Degraded counts live entities built from partially unusable input.
	Degraded int `json:"degraded"`

	Reads ReadStats `json:"reads"`
}

// ReadStats count reads served since startup, by outcome.
type ReadStats struct {
	Fresh int64 `json:"fresh"`
	Stale int64 `json:"stale"`
	Miss  int64 `json:"miss"`
}

// A Store is an in-memory catalog keyed by entity ID, with secondary
// indexes for the query patterns the API serves. All methods are safe for
// concurrent use.
type Store struct {
	mx      sync.RWMutex
	entries map[string]*Entry

	// Secondary indexes over live (non-removed) entries.
	byCluster map[string]sets.Set[string]
	byKind    map[string]sets.Set[string]
	byVariant map[catalog.Variant]sets.Set[string]
	byLabel   map[string]sets.Set[string]
	bySource  map[string]sets.Set[string]

	// Relationship resolution indexes, also live entries only.
	apiByKind  map[string]string
	compByName map[string]string

	ttl          time.Duration
	removedGrace time.Duration
	maxStale     time.Duration
	sweepEvery   time.Duration

	clock   clock.WithTicker
	log     logging.Logger
	metrics Metrics
	refresh RefreshTrigger
	group   singleflight.Group

	readFresh atomic.Int64
	readStale atomic.Int64
	readMiss  atomic.Int64
}

// An Option configures a Store.
type Option func(*Store)

// WithLogger configures how a Store logs.
func WithLogger(l logging.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// WithMetrics configures how a Store records metrics.
func WithMetrics(m Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithTTL configures how long a written entity stays fresh.
func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		s.ttl = d
	}
}

// WithRemovedGrace configures how long a removed entity lingers before it
// is purged.
func WithRemovedGrace(d time.Duration) Option {
	return func(s *Store) {
		s.removedGrace = d
	}
}

// WithMaxStale bounds how long past its last observation an entity may
// still be served. Entries older than this are removed even if their
// cluster never recovers.
func WithMaxStale(d time.Duration) Option {
	return func(s *Store) {
		s.maxStale = d
	}
}

// WithSweepInterval configures how often the lifecycle sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) {
		s.sweepEvery = d
	}
}

// WithClock configures the clock lifecycle decisions are made against.
func WithClock(c clock.WithTicker) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithRefreshTrigger configures the trigger fired when a read is served
// from a stale entry.
func WithRefreshTrigger(t RefreshTrigger) Option {
	return func(s *Store) {
		s.refresh = t
	}
}

// NewStore returns an empty entity store.
func NewStore(o ...Option) *Store {
	s := &Store{
		entries:    map[string]*Entry{},
		byCluster:  map[string]sets.Set[string]{},
		byKind:     map[string]sets.Set[string]{},
		byVariant:  map[catalog.Variant]sets.Set[string]{},
		byLabel:    map[string]sets.Set[string]{},
		bySource:   map[string]sets.Set[string]{},
		apiByKind:  map[string]string{},
		compByName: map[string]string{},

		ttl:          10 * time.Minute,
		removedGrace: 5 * time.Minute,
		maxStale:     24 * time.Hour,
		sweepEvery:   30 * time.Second,

		clock:   clock.RealClock{},
		log:     logging.NewNopLogger(),
		metrics: &NopMetrics{},
	}
	for _, fn := range o {
		fn(s)
	}
	return s
}

// Upsert writes an entity. Writes are ordered by the source generation an
// entity carries: a write older than the stored generation is rejected as
// superseded. A write carrying the stored generation and hash refreshes
// the entry without changing it. Edges whose target is not a live entry
// are dropped before the write.
func (s *Store) Upsert(e catalog.Entity) Op {
	now := s.clock.Now()

	s.mx.Lock()
	defer s.mx.Unlock()

	e.Edges = s.liveEdges(e.Edges)

	cur, ok := s.entries[e.ID]
	if !ok {
		s.entries[e.ID] = &Entry{Entity: e, State: StateFresh, ObservedAt: now}
		s.index(e)
		s.metrics.Write(e.Cluster, string(OpCreated))
		return OpCreated
	}

	// A removed source that reappears restarts its generation sequence, as
	// does a source deleted and recreated between polls. Both take the
	// write unconditionally.
	recreated := cur.State == StateRemoved || s.sourceUID(cur.Entity) != s.sourceUID(e)
	if !recreated && e.Generation < cur.Entity.Generation {
		s.metrics.Write(e.Cluster, string(OpSuperseded))
		return OpSuperseded
	}

	op := OpUpdated
	if !recreated && e.Generation == cur.Entity.Generation && e.Hash == cur.Entity.Hash {
		op = OpUnchanged
	}

	s.unindex(cur.Entity)
	*cur = Entry{Entity: e, State: StateFresh, ObservedAt: now}
	s.index(e)
	s.metrics.Write(e.Cluster, string(op))
	return op
}

// Get returns the entry for an ID. Removed entries read as absent. A get
// served from a stale entry triggers a refresh of its cluster.
func (s *Store) Get(id string) (Entry, bool) {
	s.mx.RLock()
	en, ok := s.entries[id]
	if !ok || en.State == StateRemoved {
		s.mx.RUnlock()
		s.countRead("miss")
		return Entry{}, false
	}
	out := s.copyOut(*en)
	s.mx.RUnlock()

	if out.State == StateFresh {
		s.countRead("fresh")
	} else {
		s.countRead("stale")
		s.revalidate(out.Entity.Cluster)
	}
	return out, true
}

// List returns entries matching the options, ordered by ID. A list served
// from stale entries triggers a refresh of their clusters.
func (s *Store) List(opts ListOptions) []Entry {
	s.mx.RLock()
	ids := s.candidates(opts)

	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		en, ok := s.entries[id]
		if !ok || (en.State == StateRemoved && !opts.IncludeRemoved) {
			continue
		}
		if !matchLabels(en.Entity.Labels, opts.Labels) {
			continue
		}
		out = append(out, s.copyOut(*en))
	}
	s.mx.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Entity.ID < out[j].Entity.ID })

	stale := sets.New[string]()
	for _, en := range out {
		if en.State == StateStale || en.State == StateRefreshing {
			stale.Insert(en.Entity.Cluster)
		}
	}
	if stale.Len() == 0 {
		s.countRead("fresh")
		return out
	}
	s.countRead("stale")
	for _, cluster := range stale.UnsortedList() {
		s.revalidate(cluster)
	}
	return out
}

// RemoveBySource marks every entity generated from a source as removed.
// It returns how many entities were marked.
func (s *Store) RemoveBySource(ref string) int {
	s.mx.Lock()
	defer s.mx.Unlock()

	n := 0
	for id := range s.bySource[ref] {
		if s.markRemoved(id) {
			n++
		}
	}
	return n
}

// MarkRemoved marks one entity as removed. It stays stored, unreadable,
// until the removal grace period elapses.
func (s *Store) MarkRemoved(id string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.markRemoved(id)
}

// ConfirmBySource renews every entity generated from a source without
// rewriting it. A poll that observes a source unchanged confirms its
// entities are still live; their staleness clock restarts.
func (s *Store) ConfirmBySource(ref string) int {
	now := s.clock.Now()

	s.mx.Lock()
	defer s.mx.Unlock()

	n := 0
	for id := range s.bySource[ref] {
		en, ok := s.entries[id]
		if !ok || en.State == StateRemoved {
			continue
		}
		en.State = StateFresh
		en.ObservedAt = now
		n++
	}
	return n
}

// BeginRefresh marks a cluster's stale entries as refreshing. Reads still
// serve them.
func (s *Store) BeginRefresh(cluster string) {
	s.mx.Lock()
	defer s.mx.Unlock()

	for id := range s.byCluster[cluster] {
		if en := s.entries[id]; en != nil && en.State == StateStale {
			en.State = StateRefreshing
		}
	}
}

// EndRefresh settles a cluster's refreshing entries. Entries rewritten
// during the refresh are already fresh; the rest fall back to stale.
func (s *Store) EndRefresh(cluster string) {
	s.mx.Lock()
	defer s.mx.Unlock()

	for id := range s.byCluster[cluster] {
		if en := s.entries[id]; en != nil && en.State == StateRefreshing {
			en.State = StateStale
		}
	}
}

// Sweep advances entity lifecycles: fresh entries past their TTL become
// stale, stale entries past the staleness bound are removed, and removed
// entries past their grace period are purged.
func (s *Store) Sweep() {
	now := s.clock.Now()

	s.mx.Lock()
	defer s.mx.Unlock()

	for id, en := range s.entries {
		switch en.State {
		case StateFresh:
			if now.Sub(en.ObservedAt) > s.ttl {
				en.State = StateStale
			}
		case StateStale, StateRefreshing:
			if now.Sub(en.ObservedAt) > s.maxStale {
				s.markRemoved(id)
			}
		case StateRemoved:
			if now.Sub(en.RemovedAt) > s.removedGrace {
				s.purge(id)
			}
		}
	}

	counts := map[State]int{}
	for _, en := range s.entries {
		counts[en.State]++
	}
	for _, st := range []State{StateFresh, StateStale, StateRefreshing, StateRemoved} {
		s.metrics.SetEntityCount(string(st), counts[st])
	}
}

// Run sweeps entity lifecycles until the context is done.
func (s *Store) Run(ctx context.Context) {
	t := s.clock.NewTicker(s.sweepEvery)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			s.Sweep()
		}
	}
}

// Stats summarizes store contents.
func (s *Store) Stats() Stats {
	s.mx.RLock()
	defer s.mx.RUnlock()

	st := Stats{
		ByState:   map[State]int{},
		ByCluster: map[string]int{},
		ByVariant: map[catalog.Variant]int{},
	}
	for _, en := range s.entries {
		st.ByState[en.State]++
		if en.State == StateRemoved {
			continue
		}
		st.ByCluster[en.Entity.Cluster]++
		st.ByVariant[en.Entity.Variant]++
		if en.Entity.Degraded {
			st.Degraded++
		}
	}
	st.Reads = ReadStats{
		Fresh: s.readFresh.Load(),
		Stale: s.readStale.Load(),
		Miss:  s.readMiss.Load(),
	}
	return st
}

// ResolveAPI returns the ID of the live API entity serving a composite or
// claim kind in a cluster.
func (s *Store) ResolveAPI(cluster, group, kind string) (string, bool) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	id, ok := s.apiByKind[cluster+"/"+group+"/"+kind]
	return id, ok
}

// ResolveComposition returns the ID of the live resource entity generated
// for the named Composition in a cluster.
func (s *Store) ResolveComposition(cluster, name string) (string, bool) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	id, ok := s.compByName[cluster+"/"+name]
	return id, ok
}

// countRead records one read by outcome, both on the metrics sink and on
// the counters Stats reports.
func (s *Store) countRead(result string) {
	switch result {
	case "fresh":
		s.readFresh.Add(1)
	case "stale":
		s.readStale.Add(1)
	case "miss":
		s.readMiss.Add(1)
	}
	s.metrics.Read(result)
}

// revalidate fires the refresh trigger for a cluster. A burst of stale
// reads collapses into one in-flight trigger per cluster.
func (s *Store) revalidate(cluster string) {
	if s.refresh == nil {
		return
	}
	go s.group.Do(cluster, func() (any, error) { //nolint:errcheck // The trigger has no result.
		s.refresh.TriggerRefresh(cluster)
		return nil, nil
	})
}

// markRemoved must be called with the write lock held.
func (s *Store) markRemoved(id string) bool {
	en, ok := s.entries[id]
	if !ok || en.State == StateRemoved {
		return false
	}
	s.unindex(en.Entity)
	en.State = StateRemoved
	en.RemovedAt = s.clock.Now()
	s.metrics.Removed(en.Entity.Cluster)
	return true
}

// purge must be called with the write lock held.
func (s *Store) purge(id string) {
	en, ok := s.entries[id]
	if !ok {
		return
	}
	if en.State != StateRemoved {
		s.unindex(en.Entity)
	}
	delete(s.entries, id)
	s.metrics.Purged(en.Entity.Cluster)
}

// index must be called with the write lock held, for a live entity.
func (s *Store) index(e catalog.Entity) {
	insert := func(m map[string]sets.Set[string], k string) {
		set, ok := m[k]
		if !ok {
			set = sets.New[string]()
			m[k] = set
		}
		set.Insert(e.ID)
	}

	insert(s.byCluster, e.Cluster)
	insert(s.byKind, e.Kind)
	insert(s.bySource, e.Annotations[catalog.AnnotationKeySourceResource])
	for k, v := range e.Labels {
		insert(s.byLabel, k+"="+v)
	}

	set, ok := s.byVariant[e.Variant]
	if !ok {
		set = sets.New[string]()
		s.byVariant[e.Variant] = set
	}
	set.Insert(e.ID)

	if e.Variant == catalog.VariantAPI && e.API != nil {
		s.apiByKind[e.Cluster+"/"+e.API.Group+"/"+e.API.XRKind] = e.ID
		if e.API.ClaimKind != "" {
			s.apiByKind[e.Cluster+"/"+e.API.Group+"/"+e.API.ClaimKind] = e.ID
		}
	}
	if e.Variant == catalog.VariantResource && e.Resource != nil && e.Resource.Type == catalog.ResourceTypeComposition {
		s.compByName[e.Cluster+"/"+e.Name] = e.ID
	}
}

// unindex must be called with the write lock held.
func (s *Store) unindex(e catalog.Entity) {
	remove := func(m map[string]sets.Set[string], k string) {
		if set, ok := m[k]; ok {
			set.Delete(e.ID)
			if set.Len() == 0 {
				delete(m, k)
			}
		}
	}

	remove(s.byCluster, e.Cluster)
	remove(s.byKind, e.Kind)
	remove(s.bySource, e.Annotations[catalog.AnnotationKeySourceResource])
	for k, v := range e.Labels {
		remove(s.byLabel, k+"="+v)
	}

	if set, ok := s.byVariant[e.Variant]; ok {
		set.Delete(e.ID)
		if set.Len() == 0 {
			delete(s.byVariant, e.Variant)
		}
	}

	if e.Variant == catalog.VariantAPI && e.API != nil {
		if s.apiByKind[e.Cluster+"/"+e.API.Group+"/"+e.API.XRKind] == e.ID {
			delete(s.apiByKind, e.Cluster+"/"+e.API.Group+"/"+e.API.XRKind)
		}
		if e.API.ClaimKind != "" && s.apiByKind[e.Cluster+"/"+e.API.Group+"/"+e.API.ClaimKind] == e.ID {
			delete(s.apiByKind, e.Cluster+"/"+e.API.Group+"/"+e.API.ClaimKind)
		}
	}
	if e.Variant == catalog.VariantResource && e.Resource != nil && e.Resource.Type == catalog.ResourceTypeComposition {
		if s.compByName[e.Cluster+"/"+e.Name] == e.ID {
			delete(s.compByName, e.Cluster+"/"+e.Name)
		}
	}
}

// candidates must be called with a lock held. It returns the IDs worth
// checking for the options, using the most selective applicable indexes.
func (s *Store) candidates(opts ListOptions) []string {
	var narrowed []sets.Set[string]
	if opts.Cluster != "" {
		narrowed = append(narrowed, s.byCluster[opts.Cluster])
	}
	if opts.Kind != "" {
		narrowed = append(narrowed, s.byKind[opts.Kind])
	}
	if opts.Variant != "" {
		narrowed = append(narrowed, s.byVariant[opts.Variant])
	}
	for k, v := range opts.Labels {
		narrowed = append(narrowed, s.byLabel[k+"="+v])
	}

	// Removed entries leave the indexes, so an IncludeRemoved list cannot
	// be answered from them.
	if len(narrowed) == 0 || opts.IncludeRemoved {
		ids := make([]string, 0, len(s.entries))
		for id := range s.entries {
			ids = append(ids, id)
		}
		return ids
	}

	acc := narrowed[0]
	for _, set := range narrowed[1:] {
		if acc == nil {
			return nil
		}
		acc = acc.Intersection(set)
	}
	if acc == nil {
		return nil
	}
	return acc.UnsortedList()
}

// liveEdges must be called with the write lock held. It drops edges whose
// target is not a live entry.
func (s *Store) liveEdges(edges []catalog.Edge) []catalog.Edge {
	if len(edges) == 0 {
		return nil
	}
	out := make([]catalog.Edge, 0, len(edges))
	for _, e := range edges {
		t, ok := s.entries[e.Target]
		if !ok || t.State == StateRemoved {
			s.log.Debug("Dropping edge to absent entity", "target", e.Target)
			continue
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// copyOut must be called with a lock held. The returned entry shares no
// mutable state with the store, and its edges are re-checked against live
// entries so a reader never sees a dangling reference.
func (s *Store) copyOut(en Entry) Entry {
	e := en.Entity
	if len(e.Edges) > 0 {
		edges := make([]catalog.Edge, 0, len(e.Edges))
		for _, edge := range e.Edges {
			if t, ok := s.entries[edge.Target]; ok && t.State != StateRemoved {
				edges = append(edges, edge)
			}
		}
		if len(edges) == 0 {
			edges = nil
		}
		e.Edges = edges
	}
	en.Entity = e
	return en
}

func (s *Store) sourceUID(e catalog.Entity) string {
	return e.Annotations[catalog.AnnotationKeySourceUID]
}

func matchLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
