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

// Package server exposes the catalog over HTTP. Every entity read passes
// the permission filter before it leaves the process; an entity a caller
// may not see answers exactly like one that does not exist.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/controller-runtime/pkg/healthz"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/crossplane-contrib/xcatalog/internal/access"
	"github.com/crossplane-contrib/xcatalog/internal/catalog"
	"github.com/crossplane-contrib/xcatalog/internal/clients"
	"github.com/crossplane-contrib/xcatalog/internal/discovery"
	"github.com/crossplane-contrib/xcatalog/internal/metrics"
	"github.com/crossplane-contrib/xcatalog/internal/store"
)

// Error strings.
const (
	errServe = "cannot serve query API"
)

const (
	defaultAddress = ":8080"

	// shutdownGrace bounds how long in-flight requests may run after the
	// server is asked to stop.
	shutdownGrace = 10 * time.Second

	// readHeaderTimeout bounds how long a client may take to send request
	// headers.
	readHeaderTimeout = 30 * time.Second
)

// A Catalog answers entity queries. The entity store implements it.
type Catalog interface {
	// Get returns the entry for an ID.
	Get(id string) (store.Entry, bool)

	// List returns entries matching the options.
	List(opts store.ListOptions) []store.Entry

	// Stats summarizes catalog contents.
	Stats() store.Stats
}

// A Poller reports and drives discovery. The scheduler implements it.
type Poller interface {
	// TriggerRefresh enqueues an immediate discovery cycle for a cluster.
	TriggerRefresh(cluster string)

	// IsRunning reports whether a cluster is scheduled for discovery.
	IsRunning(name string) bool

	// Status reports every scheduled cluster's polling health.
	Status() map[string]discovery.CycleStatus
}

// ClusterHealth reports per-cluster reachability. The client pool
// implements it.
type ClusterHealth interface {
	// Statuses returns every cluster's reachability state.
	Statuses() map[string]clients.Status
}

// A Server serves the catalog query API, health endpoints, and metrics.
type Server struct {
	catalog  Catalog
	filter   *access.Filter
	poller   Poller
	clusters ClusterHealth

	address string
	ready   healthz.Checker
	log     logging.Logger

	handler http.Handler
}

// An Option configures a Server.
type Option func(*Server)

// WithLogger configures how a Server logs.
func WithLogger(l logging.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// WithAddress configures the address the Server listens on.
func WithAddress(addr string) Option {
	return func(s *Server) {
		s.address = addr
	}
}

// WithPoller configures the discovery scheduler the Server reports on and
// forwards refresh requests to.
func WithPoller(p Poller) Option {
	return func(s *Server) {
		s.poller = p
	}
}

// WithClusterHealth configures where the Server reads per-cluster
// reachability from.
func WithClusterHealth(ch ClusterHealth) Option {
	return func(s *Server) {
		s.clusters = ch
	}
}

// WithReadyCheck configures the readiness check served under /readyz. A
// server is live as soon as it accepts connections; it is ready when this
// check passes.
func WithReadyCheck(c healthz.Checker) Option {
	return func(s *Server) {
		s.ready = c
	}
}

// New returns a Server answering entity queries from the supplied catalog,
// with visibility decided by the supplied filter.
func New(c Catalog, f *access.Filter, o ...Option) *Server {
	s := &Server{
		catalog: c,
		filter:  f,
		address: defaultAddress,
		ready:   healthz.Ping,
		log:     logging.NewNopLogger(),
	}
	for _, fn := range o {
		fn(s)
	}
	s.handler = s.routes()
	return s
}

// Handler returns the Server's HTTP handler, for serving through other
// listeners and for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until the context is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.address,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			s.log.Info("Cannot shut down query API gracefully", "error", err)
		}
	}()

	s.log.Debug("Serving query API", "address", s.address)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Wrap(err, errServe)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/entities", s.handleList)
	mux.HandleFunc("GET /v1/entities/{id...}", s.handleGet)
	mux.HandleFunc("GET /v1/graph", s.handleGraph)
	mux.HandleFunc("POST /v1/refresh/{cluster}", s.handleRefresh)
	mux.HandleFunc("GET /status", s.handleStatus)

	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	live := &healthz.Handler{Checks: map[string]healthz.Checker{"ping": healthz.Ping}}
	ready := &healthz.Handler{Checks: map[string]healthz.Checker{"ready": s.ready}}
	mux.Handle("/healthz", http.StripPrefix("/healthz", live))
	mux.Handle("/healthz/", http.StripPrefix("/healthz", live))
	mux.Handle("/readyz", http.StripPrefix("/readyz", ready))
	mux.Handle("/readyz/", http.StripPrefix("/readyz", ready))

	return WithCaller(mux)
}

// A listResponse is the body of a successful entity list.
type listResponse struct {
	Items []catalog.Entity `json:"items"`
	Count int              `json:"count"`
}

// An errorResponse is the body of every error the API returns. Callers
// never see internal errors; the message names what they asked for, not
// what went wrong inside.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	opts := store.ListOptions{
		Cluster: q.Get("cluster"),
		Kind:    q.Get("kind"),
	}

	if v := q.Get("variant"); v != "" {
		switch variant := catalog.Variant(v); variant {
		case catalog.VariantTemplate, catalog.VariantAPI, catalog.VariantResource:
			opts.Variant = variant
		default:
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown variant " + v})
			return
		}
	}

	for _, l := range q["label"] {
		k, v, ok := strings.Cut(l, "=")
		if !ok || k == "" {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "label filter must be key=value"})
			return
		}
		if opts.Labels == nil {
			opts.Labels = map[string]string{}
		}
		opts.Labels[k] = v
	}

	entries := s.catalog.List(opts)
	candidates := make([]catalog.Entity, len(entries))
	for i := range entries {
		candidates[i] = entries[i].Entity
	}

	items := s.filter.Visible(CallerFrom(r.Context()), candidates)
	s.writeJSON(w, http.StatusOK, listResponse{Items: items, Count: len(items)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	en, ok := s.catalog.Get(id)
	if !ok {
		s.writeNotFound(w)
		return
	}
	// A forbidden entity answers exactly like an absent one, so callers
	// cannot probe for existence.
	if !s.filter.Allowed(CallerFrom(r.Context()), &en.Entity) {
		s.writeNotFound(w)
		return
	}
	s.writeJSON(w, http.StatusOK, en.Entity)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("cluster")

	if s.poller == nil || !s.poller.IsRunning(name) {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown cluster " + name})
		return
	}

	s.poller.TriggerRefresh(name)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"cluster": name, "status": "refresh scheduled"})
}

// A ClusterReport is one cluster's health in a status response.
type ClusterReport struct {
	Reachable           bool      `json:"reachable"`
	ServerVersion       string    `json:"serverVersion,omitempty"`
	LastChecked         time.Time `json:"lastChecked,omitempty"`
	LastPollSuccess     time.Time `json:"lastPollSuccess,omitempty"`
	LastError           string    `json:"lastError,omitempty"`
	ConsecutiveFailures int       `json:"consecutiveFailures,omitempty"`
}

// A StatusReport is the body of a status response.
type StatusReport struct {
	Clusters map[string]ClusterReport `json:"clusters"`
	Entities store.Stats              `json:"entities"`

	// CacheHitRatio is the share of reads served from the store, fresh or
	// stale, rather than missing entirely.
	CacheHitRatio float64 `json:"cacheHitRatio"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	report := StatusReport{Clusters: map[string]ClusterReport{}}

	if s.clusters != nil {
		for name, st := range s.clusters.Statuses() {
			report.Clusters[name] = ClusterReport{
				Reachable:     st.Reachable,
				ServerVersion: st.ServerVersion,
				LastChecked:   st.LastChecked,
				LastError:     st.LastError,
			}
		}
	}
	if s.poller != nil {
		for name, st := range s.poller.Status() {
			cr := report.Clusters[name]
			cr.LastPollSuccess = st.LastSuccess
			cr.ConsecutiveFailures = st.Failures
			if cr.LastError == "" {
				cr.LastError = st.LastError
			}
			report.Clusters[name] = cr
		}
	}

	report.Entities = s.catalog.Stats()
	if served := report.Entities.Reads.Fresh + report.Entities.Reads.Stale; served > 0 {
		report.CacheHitRatio = float64(served) / float64(served+report.Entities.Reads.Miss)
	}

	s.writeJSON(w, http.StatusOK, report)
}

// writeNotFound writes the one canonical not-found response. Absent and
// filtered entities must answer byte-identically.
func (s *Server) writeNotFound(w http.ResponseWriter) {
	s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "entity not found"})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Debug("Cannot encode response", "error", err)
	}
}
