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

// Package discovery polls clusters for composite resource definitions,
// compositions, and instances, and commits what changed to the catalog.
// Each cluster is one periodically re-armed task on a shared worker pool;
// a slow or failing cluster occupies at most one worker and never delays
// the others.
package discovery

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/utils/clock"

	"golang.org/x/time/rate"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/crossplane/crossplane-runtime/pkg/feature"
	"github.com/crossplane/crossplane-runtime/pkg/logging"
	"github.com/crossplane/crossplane-runtime/pkg/ratelimiter"

	"github.com/crossplane-contrib/xcatalog/internal/catalog"
	"github.com/crossplane-contrib/xcatalog/internal/clients"
	"github.com/crossplane-contrib/xcatalog/internal/config"
	"github.com/crossplane-contrib/xcatalog/internal/features"
	"github.com/crossplane-contrib/xcatalog/internal/schema"
	"github.com/crossplane-contrib/xcatalog/internal/store"
	"github.com/crossplane-contrib/xcatalog/internal/xrd"
)

// Error strings.
const (
	errListDefinitions  = "cannot list composite resource definitions"
	errListCompositions = "cannot list compositions"
)

const (
	queueName = "discovery"

	// jitterFactor spreads poll re-arms so clusters sharing an interval do
	// not cycle in lockstep.
	jitterFactor = 0.1

	// globalPollRPS bounds how many cycles may start per second across all
	// clusters. The burst lets a fleet's first cycles start together.
	globalPollRPS   = 2
	globalPollBurst = 20
)

// An Op classifies what a discovery cycle observed about one source,
// compared with the cycle before it.
type Op string

// Ops.
const (
	OpAdded     Op = "added"
	OpUpdated   Op = "updated"
	OpRemoved   Op = "removed"
	OpUnchanged Op = "unchanged"
)

// A seen records how a source looked when last observed, for diffing
// consecutive cycles.
type seen struct {
	ref             string
	resourceVersion string
	hash            string
}

// A CycleStatus reports one cluster's polling health.
type CycleStatus struct {
	// LastSuccess is when the cluster's last successful cycle finished.
	LastSuccess time.Time `json:"lastSuccess,omitempty"`

	// LastError is the error of the last cycle, empty after a success.
	LastError string `json:"lastError,omitempty"`

	// Failures counts consecutive failed cycles.
	Failures int `json:"failures,omitempty"`
}

// A Scheduler discovers catalog sources from clusters. Scheduled clusters
// are polled independently; within one cluster's cycle the pipeline
// list, diff, transform, build, commit runs sequentially so writes stay
// generation ordered.
type Scheduler struct {
	pool    *clients.Pool
	store   *store.Store
	builder *catalog.Builder
	cfg     config.Discovery

	queue    workqueue.RateLimitingInterface
	limiter  workqueue.RateLimiter
	clock    clock.Clock
	features *feature.Flags
	metrics  Metrics
	log      logging.Logger

	mx        sync.RWMutex
	scheduled sets.Set[string]
	seen      map[string]map[string]seen
	statuses  map[string]*CycleStatus
	errs      map[string]error
}

// A SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithLogger configures how a Scheduler logs.
func WithLogger(l logging.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.log = l
	}
}

// WithMetrics configures how a Scheduler records metrics.
func WithMetrics(m Metrics) SchedulerOption {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithClock configures the clock a Scheduler reads.
func WithClock(c clock.Clock) SchedulerOption {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithFeatures configures the feature gates a Scheduler honors.
func WithFeatures(f *feature.Flags) SchedulerOption {
	return func(s *Scheduler) {
		s.features = f
	}
}

// WithRateLimiter configures how cycles are admitted and how failed ones
// back off.
func WithRateLimiter(rl workqueue.RateLimiter) SchedulerOption {
	return func(s *Scheduler) {
		s.limiter = rl
	}
}

// NewScheduler returns a scheduler that discovers catalog sources from
// the pool's clusters and commits entities to the store.
func NewScheduler(p *clients.Pool, st *store.Store, b *catalog.Builder, cfg config.Discovery, o ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		pool:    p,
		store:   st,
		builder: b,
		cfg:     cfg,

		clock:    clock.RealClock{},
		features: &feature.Flags{},
		metrics:  &NopMetrics{},
		log:      logging.NewNopLogger(),

		scheduled: sets.New[string](),
		seen:      map[string]map[string]seen{},
		statuses:  map[string]*CycleStatus{},
		errs:      map[string]error{},
	}

	for _, fn := range o {
		fn(s)
	}

	if s.limiter == nil {
		// Per-item exponential backoff for failing clusters, bounded by a
		// global rate across all of them.
		s.limiter = workqueue.NewMaxOfRateLimiter(
			ratelimiter.NewController(),
			&workqueue.BucketRateLimiter{Limiter: rate.NewLimiter(rate.Limit(globalPollRPS), globalPollBurst)},
		)
	}
	s.queue = workqueue.NewNamedRateLimitingQueue(s.limiter, queueName)

	return s
}

// Start schedules a cluster for discovery and enqueues its first cycle
// immediately. Starting a started cluster is a no-op.
func (s *Scheduler) Start(name string) error {
	if _, err := s.pool.Cluster(name); err != nil {
		return err
	}

	s.mx.Lock()
	if s.scheduled.Has(name) {
		s.mx.Unlock()
		return nil
	}
	s.scheduled.Insert(name)
	if s.statuses[name] == nil {
		s.statuses[name] = &CycleStatus{}
	}
	s.mx.Unlock()

	s.log.Debug("Scheduled cluster for discovery", "cluster", name)
	s.queue.Add(name)
	return nil
}

// Stop unschedules a cluster. Entities already cataloged from it are not
// removed here; they age out through the store lifecycle.
func (s *Scheduler) Stop(name string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.scheduled.Delete(name)
}

// IsRunning reports whether a cluster is scheduled for discovery.
func (s *Scheduler) IsRunning(name string) bool {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.scheduled.Has(name)
}

// Err returns the error of a cluster's last cycle, nil after a success.
func (s *Scheduler) Err(name string) error {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.errs[name]
}

// Status reports every scheduled cluster's polling health.
func (s *Scheduler) Status() map[string]CycleStatus {
	s.mx.RLock()
	defer s.mx.RUnlock()

	out := make(map[string]CycleStatus, len(s.statuses))
	for name, st := range s.statuses {
		out[name] = *st
	}
	return out
}

// TriggerRefresh enqueues an immediate discovery cycle for a cluster. The
// store calls this when it serves stale entries; the queue collapses
// triggers for a cluster already waiting.
func (s *Scheduler) TriggerRefresh(cluster string) {
	if !s.IsRunning(cluster) {
		return
	}
	s.queue.Add(cluster)
}

// Run processes discovery cycles until the context is done.
func (s *Scheduler) Run(ctx context.Context) {
	workers := s.cfg.Workers
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wait.UntilWithContext(ctx, s.worker, time.Second)
		}()
	}

	if s.features.Enabled(features.EnableAlphaWatchDiscovery) {
		for _, name := range s.pool.Names() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				wait.UntilWithContext(ctx, func(ctx context.Context) {
					if s.IsRunning(name) {
						s.watch(ctx, name)
					}
				}, s.cfg.PollInterval.Duration)
			}()
		}
	}

	<-ctx.Done()
	s.queue.ShutDown()
	wg.Wait()
}

func (s *Scheduler) worker(ctx context.Context) {
	for s.processNext(ctx) {
	}
}

func (s *Scheduler) processNext(ctx context.Context) bool {
	item, shutdown := s.queue.Get()
	if shutdown {
		return false
	}
	defer s.queue.Done(item)

	name, ok := item.(string)
	if !ok {
		s.queue.Forget(item)
		return true
	}
	if !s.IsRunning(name) {
		s.queue.Forget(item)
		return true
	}

	start := s.clock.Now()
	err := s.cycle(ctx, name)
	s.metrics.CycleDuration(name, s.clock.Since(start).Seconds())
	s.observe(name, err)

	if err == nil {
		s.metrics.Cycle(name, "success")
		s.pool.MarkReachable(name)
		s.queue.Forget(item)
		s.queue.AddAfter(item, wait.Jitter(s.cfg.PollInterval.Duration, jitterFactor))
		return true
	}

	s.metrics.Cycle(name, "error")
	s.pool.MarkUnreachable(name, err)

	if s.queue.NumRequeues(item) < s.cfg.MaxRetries {
		s.log.Debug("Discovery cycle failed, backing off", "cluster", name, "error", err)
		s.queue.AddRateLimited(item)
		return true
	}

	s.log.Info("Discovery cycle failed, waiting for the next poll", "cluster", name, "error", err)
	s.queue.Forget(item)
	s.queue.AddAfter(item, wait.Jitter(s.cfg.PollInterval.Duration, jitterFactor))
	return true
}

// cycle runs one full discovery pass against one cluster. A cycle that
// exceeds its timeout aborts whole; per-source commits already made stand,
// sources not reached stay as they were.
func (s *Scheduler) cycle(ctx context.Context, name string) error {
	c, err := s.pool.Cluster(name)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CycleTimeout.Duration)
	defer cancel()

	now := s.clock.Now()

	s.store.BeginRefresh(name)
	defer s.store.EndRefresh(name)

	defs, err := s.listDefinitions(ctx, c, now)
	if err != nil {
		return errors.Wrap(err, errListDefinitions)
	}
	s.metrics.Sources(name, "definition", len(defs))

	var comps []*xrd.Composition
	if s.features.Enabled(features.EnableBetaCompositionDiscovery) {
		comps, err = s.listCompositions(ctx, c, now)
		if err != nil {
			return errors.Wrap(err, errListCompositions)
		}
		s.metrics.Sources(name, "composition", len(comps))
	}

	var insts []*xrd.Instance
	if s.features.Enabled(features.EnableBetaResourceDiscovery) {
		insts = s.listInstances(ctx, c, defs, now)
		s.metrics.Sources(name, "instance", len(insts))
	}

	observed := make(map[string]seen, len(defs)+len(comps)+len(insts))
	var added, updated, unchanged, warnings int

	track := func(src *xrd.SourceResource) Op {
		observed[src.Key()] = seen{ref: src.Ref(), resourceVersion: src.ResourceVersion, hash: src.Hash}
		op := s.classify(name, src)
		switch op {
		case OpAdded:
			added++
		case OpUpdated:
			updated++
		case OpUnchanged:
			unchanged++
			s.store.ConfirmBySource(src.Ref())
		case OpRemoved:
		}
		return op
	}

	// Commit order matters: definitions, then compositions, then
	// instances, so relationship edges find their targets.
	for _, d := range defs {
		if track(&d.SourceResource) == OpUnchanged {
			continue
		}
		warnings += s.commitDefinition(d)
	}
	for _, comp := range comps {
		if track(&comp.SourceResource) == OpUnchanged {
			continue
		}
		s.store.Upsert(s.builder.ForComposition(comp, s.store))
	}
	for _, in := range insts {
		if track(&in.SourceResource) == OpUnchanged {
			continue
		}
		s.store.Upsert(s.builder.ForInstance(in, s.store))
	}

	retired := s.retire(name, observed)
	for _, ref := range retired {
		s.store.RemoveBySource(ref)
	}

	if warnings > 0 {
		s.metrics.Warnings(name, warnings)
	}

	s.log.Debug("Discovery cycle complete", "cluster", name,
		"added", added, "updated", updated, "unchanged", unchanged, "removed", len(retired))
	return nil
}

// commitDefinition turns one definition into its api and template
// entities. The form descriptor is rebuilt whole on every change, never
// patched.
func (s *Scheduler) commitDefinition(d *xrd.Definition) int {
	form, warns := schema.Transform(xrd.SpecSubtree(d.Schema), schema.Options{})
	for _, e := range s.builder.ForDefinition(d, form, warns) {
		s.store.Upsert(e)
	}
	return len(warns)
}

func (s *Scheduler) listDefinitions(ctx context.Context, c *clients.Cluster, at time.Time) ([]*xrd.Definition, error) {
	opts := metav1.ListOptions{LabelSelector: labels.SelectorFromSet(labels.Set(s.cfg.Filter.Labels)).String()}
	list, err := c.Dynamic.Resource(xrd.DefinitionGVR()).List(ctx, opts)
	if err != nil {
		return nil, err
	}

	defs := make([]*xrd.Definition, 0, len(list.Items))
	for i := range list.Items {
		d, err := xrd.ParseDefinition(c.Name, &list.Items[i], at)
		if err != nil {
			s.log.Info("Skipping malformed definition", "cluster", c.Name, "name", list.Items[i].GetName(), "error", err)
			continue
		}
		if !s.admits(d) {
			continue
		}
		defs = append(defs, d)
	}
	return defs, nil
}

func (s *Scheduler) listCompositions(ctx context.Context, c *clients.Cluster, at time.Time) ([]*xrd.Composition, error) {
	list, err := c.Dynamic.Resource(xrd.CompositionGVR()).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}

	comps := make([]*xrd.Composition, 0, len(list.Items))
	for i := range list.Items {
		comp, err := xrd.ParseComposition(c.Name, &list.Items[i], at)
		if err != nil {
			s.log.Info("Skipping malformed composition", "cluster", c.Name, "name", list.Items[i].GetName(), "error", err)
			continue
		}
		if !s.admitsGroup(groupOf(comp.XRAPIVersion)) {
			continue
		}
		comps = append(comps, comp)
	}
	return comps, nil
}

// listInstances lists the composite resources and claims of every
// discovered definition. A definition whose instances cannot be listed
// is skipped with a log; its siblings still catalog.
func (s *Scheduler) listInstances(ctx context.Context, c *clients.Cluster, defs []*xrd.Definition, at time.Time) []*xrd.Instance {
	var out []*xrd.Instance
	for _, d := range defs {
		lists := []dynamic.ResourceInterface{c.Dynamic.Resource(d.XRGVR())}
		if gvr, ok := d.ClaimGVR(); ok {
			lists = append(lists, c.Dynamic.Resource(gvr))
		}

		for _, ri := range lists {
			list, err := ri.List(ctx, metav1.ListOptions{})
			if err != nil {
				s.log.Debug("Cannot list instances", "cluster", c.Name, "definition", d.Name, "error", err)
				continue
			}
			for i := range list.Items {
				in, err := xrd.ParseInstance(c.Name, &list.Items[i], at)
				if err != nil {
					s.log.Info("Skipping malformed instance", "cluster", c.Name, "name", list.Items[i].GetName(), "error", err)
					continue
				}
				if slices.Contains(s.cfg.Filter.ExcludedNamespaces, in.Namespace) {
					continue
				}
				out = append(out, in)
			}
		}
	}
	return out
}

// admits applies the configured discovery filter to a definition. Label
// filtering already happened server side via the list selector.
func (s *Scheduler) admits(d *xrd.Definition) bool {
	if !s.admitsGroup(d.Group) {
		return false
	}
	for k, v := range s.cfg.Filter.Annotations {
		if d.Annotations[k] != v {
			return false
		}
	}
	return true
}

func (s *Scheduler) admitsGroup(group string) bool {
	f := s.cfg.Filter
	if len(f.Groups) > 0 && !slices.Contains(f.Groups, group) {
		return false
	}
	return !slices.Contains(f.ExcludedGroups, group)
}

// classify diffs a source against how it looked last cycle, first by
// resource version, then by content hash. A write that bumps the resource
// version without changing content reads as unchanged.
func (s *Scheduler) classify(cluster string, src *xrd.SourceResource) Op {
	s.mx.RLock()
	defer s.mx.RUnlock()

	prev, ok := s.seen[cluster][src.Key()]
	if !ok {
		return OpAdded
	}
	if prev.resourceVersion == src.ResourceVersion || prev.hash == src.Hash {
		return OpUnchanged
	}
	return OpUpdated
}

// retire swaps in the cluster's new seen set and returns the refs of
// sources that vanished since the previous cycle.
func (s *Scheduler) retire(cluster string, observed map[string]seen) []string {
	s.mx.Lock()
	defer s.mx.Unlock()

	var refs []string
	for key, prev := range s.seen[cluster] {
		if _, ok := observed[key]; !ok {
			refs = append(refs, prev.ref)
		}
	}
	s.seen[cluster] = observed

	sort.Strings(refs)
	return refs
}

func (s *Scheduler) observe(name string, err error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	st := s.statuses[name]
	if st == nil {
		st = &CycleStatus{}
		s.statuses[name] = st
	}
	s.errs[name] = err

	if err != nil {
		st.LastError = err.Error()
		st.Failures++
		return
	}
	st.LastError = ""
	st.Failures = 0
	st.LastSuccess = s.clock.Now()
}

// watch opens a definition watch and turns events into poll triggers.
// Polling remains the source of truth for removals; a watch only makes
// the next poll happen sooner.
func (s *Scheduler) watch(ctx context.Context, name string) {
	c, err := s.pool.Cluster(name)
	if err != nil {
		return
	}

	w, err := c.Dynamic.Resource(xrd.DefinitionGVR()).Watch(ctx, metav1.ListOptions{})
	if err != nil {
		s.log.Debug("Cannot watch definitions", "cluster", name, "error", err)
		return
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.ResultChan():
			if !ok {
				return
			}
			s.TriggerRefresh(name)
		}
	}
}

func groupOf(apiVersion string) string {
	g, _, ok := strings.Cut(apiVersion, "/")
	if !ok {
		return ""
	}
	return g
}
