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
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/crossplane-contrib/xcatalog/internal/access"
)

// Caller identity headers, set by a fronting proxy that already
// authenticated the request.
const (
	headerRemoteUser  = "X-Remote-User"
	headerRemoteGroup = "X-Remote-Group"
)

type callerContextKey struct{}

// claims are the token claims the engine reads. The token is parsed, not
// verified: verifying it is the fronting auth layer's business, and the
// engine never grants anything on identity alone that a permission rule
// does not also allow.
type claims struct {
	jwt.RegisteredClaims

	Groups []string `json:"groups,omitempty"`
}

// WithCaller wraps a handler so that every request's caller identity is
// extracted once and carried on the request context. A bearer token's
// subject and groups claims win; the remote user headers are the fallback;
// a request with neither is anonymous.
func WithCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), callerOf(r))))
	})
}

// CallerFrom returns the caller a request carries. Requests that never
// passed the middleware read as anonymous.
func CallerFrom(ctx context.Context) access.Caller {
	c, _ := ctx.Value(callerContextKey{}).(access.Caller)
	return c
}

func withCaller(ctx context.Context, c access.Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, c)
}

func callerOf(r *http.Request) access.Caller {
	if token, ok := bearerToken(r); ok {
		if c, ok := callerFromToken(token); ok {
			return c
		}
	}

	if user := r.Header.Get(headerRemoteUser); user != "" {
		return access.Caller{Identity: user, Groups: r.Header.Values(headerRemoteGroup)}
	}

	return access.Caller{}
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

func callerFromToken(token string) (access.Caller, bool) {
	p := jwt.Parser{}
	cl := &claims{}
	if _, _, err := p.ParseUnverified(token, cl); err != nil {
		return access.Caller{}, false
	}
	if cl.Subject == "" {
		return access.Caller{}, false
	}
	return access.Caller{Identity: cl.Subject, Groups: cl.Groups}, true
}
