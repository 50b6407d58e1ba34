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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/crossplane/crossplane-runtime/pkg/errors"

	"github.com/crossplane-contrib/xcatalog/internal/access"
	"github.com/crossplane-contrib/xcatalog/internal/catalog"
	"github.com/crossplane-contrib/xcatalog/internal/clients"
	"github.com/crossplane-contrib/xcatalog/internal/discovery"
	"github.com/crossplane-contrib/xcatalog/internal/store"
)

const (
	apiID = "api:prod-east/platform.io/XDatabase/databases.platform.io"
	tplID = "template:prod-east/platform.io/XCache/caches.platform.io"
)

func platformAPI() catalog.Entity {
	return catalog.Entity{
		ID:         apiID,
		Variant:    catalog.VariantAPI,
		Cluster:    "prod-east",
		Group:      "platform.io",
		Kind:       "Database",
		Name:       "databases.platform.io",
		Generation: 1,
		Hash:       "00000000c0ffee42",
		Labels:     map[string]string{catalog.LabelKeyPrefix + "team": "platform"},
		Annotations: map[string]string{
			catalog.AnnotationKeySourceResource: "prod-east/apiextensions.crossplane.io/v1/CompositeResourceDefinition/databases.platform.io",
		},
		API: &catalog.APISpec{Group: "platform.io", XRKind: "XDatabase"},
	}
}

func dataTemplate() catalog.Entity {
	return catalog.Entity{
		ID:         tplID,
		Variant:    catalog.VariantTemplate,
		Cluster:    "prod-west",
		Group:      "platform.io",
		Kind:       "Cache",
		Name:       "caches.platform.io",
		Generation: 1,
		Hash:       "0000000000001234",
		Labels:     map[string]string{catalog.LabelKeyPrefix + "team": "data"},
		Annotations: map[string]string{
			catalog.AnnotationKeySourceResource: "prod-west/apiextensions.crossplane.io/v1/CompositeResourceDefinition/caches.platform.io",
		},
		Template: &catalog.TemplateSpec{},
	}
}

// testRules let admins see everything, let dev see the platform team's
// entities, and deny everyone else.
func testRules() *access.Rules {
	always := true
	return &access.Rules{
		Default: access.DefaultDeny,
		Bindings: []access.Binding{
			{Group: "admins", Rule: access.Rule{Always: &always}},
			{Identity: "dev", Rule: access.Rule{LabelEquals: &access.KeyValue{
				Key:   catalog.LabelKeyPrefix + "team",
				Value: "platform",
			}}},
		},
	}
}

func testStore() *store.Store {
	st := store.NewStore()
	st.Upsert(platformAPI())
	st.Upsert(dataTemplate())
	return st
}

type fakePoller struct {
	running   map[string]bool
	triggered []string
	statuses  map[string]discovery.CycleStatus
}

func (p *fakePoller) TriggerRefresh(cluster string) { p.triggered = append(p.triggered, cluster) }
func (p *fakePoller) IsRunning(name string) bool    { return p.running[name] }
func (p *fakePoller) Status() map[string]discovery.CycleStatus {
	return p.statuses
}

type fakeClusterHealth map[string]clients.Status

func (f fakeClusterHealth) Statuses() map[string]clients.Status { return f }

func asAdmin(r *http.Request) *http.Request {
	r.Header.Set(headerRemoteUser, "root")
	r.Header.Add(headerRemoteGroup, "admins")
	return r
}

func asDev(r *http.Request) *http.Request {
	r.Header.Set(headerRemoteUser, "dev")
	return r
}

func TestHandleList(t *testing.T) {
	type want struct {
		code  int
		items []string
	}

	cases := map[string]struct {
		reason string
		req    *http.Request
		want   want
	}{
		"AdminSeesEverything": {
			reason: "A caller whose rule always matches should see every entity.",
			req:    asAdmin(httptest.NewRequest(http.MethodGet, "/v1/entities", nil)),
			want:   want{code: http.StatusOK, items: []string{apiID, tplID}},
		},
		"RuleFiltersList": {
			reason: "A caller bound to a label rule should only see entities carrying that label.",
			req:    asDev(httptest.NewRequest(http.MethodGet, "/v1/entities", nil)),
			want:   want{code: http.StatusOK, items: []string{apiID}},
		},
		"AnonymousDeniedByDefault": {
			reason: "With a deny default, a caller no binding matches should see an empty list, not an error.",
			req:    httptest.NewRequest(http.MethodGet, "/v1/entities", nil),
			want:   want{code: http.StatusOK, items: []string{}},
		},
		"FiltersByVariant": {
			reason: "The variant query parameter should narrow the list before the permission filter runs.",
			req:    asAdmin(httptest.NewRequest(http.MethodGet, "/v1/entities?variant=template", nil)),
			want:   want{code: http.StatusOK, items: []string{tplID}},
		},
		"FiltersByCluster": {
			reason: "The cluster query parameter should narrow the list to one cluster's entities.",
			req:    asAdmin(httptest.NewRequest(http.MethodGet, "/v1/entities?cluster=prod-west", nil)),
			want:   want{code: http.StatusOK, items: []string{tplID}},
		},
		"FiltersByLabel": {
			reason: "A label=key=value query parameter should narrow the list to matching entities.",
			req:    asAdmin(httptest.NewRequest(http.MethodGet, "/v1/entities?label="+catalog.LabelKeyPrefix+"team%3Ddata", nil)),
			want:   want{code: http.StatusOK, items: []string{tplID}},
		},
		"RejectsUnknownVariant": {
			reason: "An unknown variant is a caller mistake and should be rejected, not treated as no filter.",
			req:    asAdmin(httptest.NewRequest(http.MethodGet, "/v1/entities?variant=widget", nil)),
			want:   want{code: http.StatusBadRequest},
		},
		"RejectsMalformedLabel": {
			reason: "A label filter without a key=value shape should be rejected.",
			req:    asAdmin(httptest.NewRequest(http.MethodGet, "/v1/entities?label=oops", nil)),
			want:   want{code: http.StatusBadRequest},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s := New(testStore(), access.NewFilter(testRules()))

			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, tc.req)

			if diff := cmp.Diff(tc.want.code, w.Code); diff != "" {
				t.Errorf("\n%s\nServeHTTP(...): -want code, +got code:\n%s", tc.reason, diff)
			}
			if tc.want.code != http.StatusOK {
				return
			}

			var body listResponse
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("\n%s\nServeHTTP(...): cannot decode body: %s", tc.reason, err)
			}
			got := make([]string, 0, len(body.Items))
			for _, e := range body.Items {
				got = append(got, e.ID)
			}
			if diff := cmp.Diff(tc.want.items, got); diff != "" {
				t.Errorf("\n%s\nServeHTTP(...): -want items, +got items:\n%s", tc.reason, diff)
			}
			if diff := cmp.Diff(len(tc.want.items), body.Count); diff != "" {
				t.Errorf("\n%s\nServeHTTP(...): -want count, +got count:\n%s", tc.reason, diff)
			}
		})
	}
}

func TestHandleGet(t *testing.T) {
	type want struct {
		code int
		id   string
	}

	cases := map[string]struct {
		reason string
		req    *http.Request
		want   want
	}{
		"ReturnsVisibleEntity": {
			reason: "A caller allowed to see an entity should get it back.",
			req:    asDev(httptest.NewRequest(http.MethodGet, "/v1/entities/"+apiID, nil)),
			want:   want{code: http.StatusOK, id: apiID},
		},
		"AbsentIsNotFound": {
			reason: "Asking for an ID the store does not hold should be not found.",
			req:    asAdmin(httptest.NewRequest(http.MethodGet, "/v1/entities/api:nowhere/none/None/none", nil)),
			want:   want{code: http.StatusNotFound},
		},
		"ForbiddenIsNotFound": {
			reason: "Asking for an entity the caller may not see should be not found, not forbidden.",
			req:    asDev(httptest.NewRequest(http.MethodGet, "/v1/entities/"+tplID, nil)),
			want:   want{code: http.StatusNotFound},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s := New(testStore(), access.NewFilter(testRules()))

			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, tc.req)

			if diff := cmp.Diff(tc.want.code, w.Code); diff != "" {
				t.Errorf("\n%s\nServeHTTP(...): -want code, +got code:\n%s", tc.reason, diff)
			}
			if tc.want.id == "" {
				return
			}

			var got catalog.Entity
			if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
				t.Fatalf("\n%s\nServeHTTP(...): cannot decode body: %s", tc.reason, err)
			}
			if diff := cmp.Diff(tc.want.id, got.ID); diff != "" {
				t.Errorf("\n%s\nServeHTTP(...): -want entity ID, +got entity ID:\n%s", tc.reason, diff)
			}
		})
	}
}

func TestNotFoundParity(t *testing.T) {
	// A forbidden entity must answer byte-identically to an absent one, or
	// a denied caller could probe which entities exist.
	s := New(testStore(), access.NewFilter(testRules()))

	absent := httptest.NewRecorder()
	s.Handler().ServeHTTP(absent, asDev(httptest.NewRequest(http.MethodGet, "/v1/entities/api:nowhere/none/None/none", nil)))

	forbidden := httptest.NewRecorder()
	s.Handler().ServeHTTP(forbidden, asDev(httptest.NewRequest(http.MethodGet, "/v1/entities/"+tplID, nil)))

	if diff := cmp.Diff(absent.Code, forbidden.Code); diff != "" {
		t.Errorf("absent and forbidden entities should answer with the same code:\n%s", diff)
	}
	if diff := cmp.Diff(absent.Body.String(), forbidden.Body.String()); diff != "" {
		t.Errorf("absent and forbidden entities should answer with identical bodies:\n%s", diff)
	}
	if diff := cmp.Diff(absent.Header(), forbidden.Header()); diff != "" {
		t.Errorf("absent and forbidden entities should answer with identical headers:\n%s", diff)
	}
}

func TestHandleRefresh(t *testing.T) {
	type want struct {
		code      int
		triggered []string
	}

	cases := map[string]struct {
		reason string
		poller *fakePoller
		req    *http.Request
		want   want
	}{
		"TriggersScheduledCluster": {
			reason: "Refreshing a scheduled cluster should enqueue a cycle and answer accepted.",
			poller: &fakePoller{running: map[string]bool{"prod-east": true}},
			req:    httptest.NewRequest(http.MethodPost, "/v1/refresh/prod-east", nil),
			want:   want{code: http.StatusAccepted, triggered: []string{"prod-east"}},
		},
		"UnknownClusterIsNotFound": {
			reason: "Refreshing a cluster the scheduler does not run should be not found and trigger nothing.",
			poller: &fakePoller{running: map[string]bool{}},
			req:    httptest.NewRequest(http.MethodPost, "/v1/refresh/nowhere", nil),
			want:   want{code: http.StatusNotFound},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s := New(testStore(), access.NewFilter(testRules()), WithPoller(tc.poller))

			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, tc.req)

			if diff := cmp.Diff(tc.want.code, w.Code); diff != "" {
				t.Errorf("\n%s\nServeHTTP(...): -want code, +got code:\n%s", tc.reason, diff)
			}
			if diff := cmp.Diff(tc.want.triggered, tc.poller.triggered); diff != "" {
				t.Errorf("\n%s\nServeHTTP(...): -want triggered, +got triggered:\n%s", tc.reason, diff)
			}
		})
	}
}

func TestHandleStatus(t *testing.T) {
	polled := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	st := testStore()
	// One hit and one miss make the ratio observable.
	st.Get(apiID)
	st.Get("api:nowhere/none/None/none")

	s := New(st, access.NewFilter(testRules()),
		WithPoller(&fakePoller{statuses: map[string]discovery.CycleStatus{
			"prod-east": {LastSuccess: polled},
			"prod-west": {LastError: "boom", Failures: 3},
		}}),
		WithClusterHealth(fakeClusterHealth{
			"prod-east": {Reachable: true, ServerVersion: "v1.30.0"},
			"prod-west": {Reachable: false, LastError: "connection refused"},
		}),
	)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	if diff := cmp.Diff(http.StatusOK, w.Code); diff != "" {
		t.Fatalf("ServeHTTP(...): -want code, +got code:\n%s", diff)
	}

	var got StatusReport
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("ServeHTTP(...): cannot decode body: %s", err)
	}

	wantClusters := map[string]ClusterReport{
		"prod-east": {Reachable: true, ServerVersion: "v1.30.0", LastPollSuccess: polled},
		"prod-west": {Reachable: false, LastError: "connection refused", ConsecutiveFailures: 3},
	}
	if diff := cmp.Diff(wantClusters, got.Clusters); diff != "" {
		t.Errorf("ServeHTTP(...): -want clusters, +got clusters:\n%s", diff)
	}
	if diff := cmp.Diff(0.5, got.CacheHitRatio); diff != "" {
		t.Errorf("ServeHTTP(...): -want hit ratio, +got hit ratio:\n%s", diff)
	}
	if diff := cmp.Diff(2, got.Entities.ByState[store.StateFresh]); diff != "" {
		t.Errorf("ServeHTTP(...): -want fresh entities, +got fresh entities:\n%s", diff)
	}
}

func TestHealthEndpoints(t *testing.T) {
	cases := map[string]struct {
		reason string
		path   string
		want   int
	}{
		"Healthz": {
			reason: "The liveness endpoint should answer ok while the process runs.",
			path:   "/healthz",
			want:   http.StatusOK,
		},
		"HealthzNamed": {
			reason: "A named liveness check should be addressable under its own path.",
			path:   "/healthz/ping",
			want:   http.StatusOK,
		},
		"Readyz": {
			reason: "The readiness endpoint should answer with the configured check's verdict.",
			path:   "/readyz",
			want:   http.StatusInternalServerError,
		},
	}

	errBoom := errors.New("boom")
	notReady := func(_ *http.Request) error { return errBoom }

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s := New(testStore(), access.NewFilter(testRules()), WithReadyCheck(notReady))

			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))

			if diff := cmp.Diff(tc.want, w.Code); diff != "" {
				t.Errorf("\n%s\nServeHTTP(%s): -want code, +got code:\n%s", tc.reason, tc.path, diff)
			}
		})
	}
}
