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

// Package clients connects the engine to the clusters it discovers from.
// One cluster being down never takes the pool down: reachability is state
// the pool tracks, not an error it returns at construction.
package clients

import (
	"context"
	"encoding/base64"
	"sort"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
	"k8s.io/utils/clock"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/crossplane/crossplane-runtime/pkg/logging"
	"github.com/crossplane/crossplane-runtime/pkg/ratelimiter"

	"github.com/crossplane-contrib/xcatalog/internal/config"
)

// Error strings.
const (
	errInClusterConfig = "cannot load in-cluster REST config"
	errDecodeCA        = "cannot decode cluster CA data"
	errNewDynamic      = "cannot create dynamic client"
	errNewDiscovery    = "cannot create discovery client"
	errUnknownCluster  = "unknown cluster %q"
	errUnreachable     = "cannot reach cluster %q"
)

// execAPIVersion is the credential plugin API spoken when a cluster does
// not pin one.
const execAPIVersion = "client.authentication.k8s.io/v1"

// A Cluster is one connected cluster's clients.
type Cluster struct {
	// Name identifies the cluster everywhere entities reference it.
	Name string

	// Dynamic lists discovered resources.
	Dynamic dynamic.Interface

	// Discovery answers server version and API group queries.
	Discovery discovery.DiscoveryInterface
}

// A Status is the pool's view of one cluster's reachability.
type Status struct {
	Reachable     bool      `json:"reachable"`
	ServerVersion string    `json:"serverVersion,omitempty"`
	LastChecked   time.Time `json:"lastChecked,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
}

// RESTConfigFor builds the REST config for one configured cluster,
// applying its credentials, TLS policy, and client-side rate limit.
func RESTConfigFor(c config.Cluster) (*rest.Config, error) {
	var cfg *rest.Config

	if c.InCluster {
		var err error
		cfg, err = rest.InClusterConfig()
		if err != nil {
			return nil, errors.Wrap(err, errInClusterConfig)
		}
	} else {
		var ca []byte
		if c.CAData != "" {
			var err error
			ca, err = base64.StdEncoding.DecodeString(c.CAData)
			if err != nil {
				return nil, errors.Wrap(err, errDecodeCA)
			}
		}
		cfg = &rest.Config{
			Host: c.Host,
			TLSClientConfig: rest.TLSClientConfig{
				CAFile:   c.CAFile,
				CAData:   ca,
				Insecure: c.InsecureSkipTLSVerify,
			},
		}
		switch {
		case c.TokenFile != "":
			cfg.BearerTokenFile = c.TokenFile
		case c.Token != "":
			cfg.BearerToken = c.Token
		case c.Exec != nil:
			api := c.Exec.APIVersion
			if api == "" {
				api = execAPIVersion
			}
			cfg.ExecProvider = &clientcmdapi.ExecConfig{
				Command:         c.Exec.Command,
				Args:            c.Exec.Args,
				APIVersion:      api,
				InteractiveMode: clientcmdapi.NeverExecInteractiveMode,
			}
		}
	}

	if c.RateLimitRPS > 0 {
		cfg = ratelimiter.LimitRESTConfig(cfg, c.RateLimitRPS)
	}
	return cfg, nil
}

// Connect builds clients for one configured cluster. Building clients does
// not dial the cluster; reachability is checked by the pool's pings.
func Connect(c config.Cluster) (*Cluster, error) {
	cfg, err := RESTConfigFor(c)
	if err != nil {
		return nil, err
	}

	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, errors.Wrap(err, errNewDynamic)
	}
	dis, err := discovery.NewDiscoveryClientForConfig(cfg)
	if err != nil {
		return nil, errors.Wrap(err, errNewDiscovery)
	}

	return &Cluster{Name: c.Name, Dynamic: dyn, Discovery: dis}, nil
}

// A Pool holds the clients and reachability state of every configured
// cluster. All methods are safe for concurrent use.
type Pool struct {
	mx       sync.RWMutex
	clusters map[string]*Cluster
	statuses map[string]*Status

	backoff wait.Backoff
	clock   clock.Clock
	log     logging.Logger
}

// A PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithLogger configures how a Pool logs.
func WithLogger(l logging.Logger) PoolOption {
	return func(p *Pool) {
		p.log = l
	}
}

// WithClock configures the clock reachability timestamps come from.
func WithClock(c clock.Clock) PoolOption {
	return func(p *Pool) {
		p.clock = c
	}
}

// WithPingBackoff configures the retry backoff of reachability pings.
func WithPingBackoff(b wait.Backoff) PoolOption {
	return func(p *Pool) {
		p.backoff = b
	}
}

// NewPool returns an empty cluster pool.
func NewPool(o ...PoolOption) *Pool {
	p := &Pool{
		clusters: map[string]*Cluster{},
		statuses: map[string]*Status{},
		backoff:  wait.Backoff{Duration: time.Second, Factor: 2, Jitter: 0.1, Steps: 3},
		clock:    clock.RealClock{},
		log:      logging.NewNopLogger(),
	}
	for _, fn := range o {
		fn(p)
	}
	return p
}

// Add puts a cluster in the pool. New clusters start unreachable until a
// ping or a successful discovery cycle proves otherwise.
func (p *Pool) Add(c *Cluster) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.clusters[c.Name] = c
	p.statuses[c.Name] = &Status{}
}

// Cluster returns the named cluster's clients.
func (p *Pool) Cluster(name string) (*Cluster, error) {
	p.mx.RLock()
	defer p.mx.RUnlock()
	c, ok := p.clusters[name]
	if !ok {
		return nil, errors.Errorf(errUnknownCluster, name)
	}
	return c, nil
}

// Names returns the pooled cluster names, sorted.
func (p *Pool) Names() []string {
	p.mx.RLock()
	defer p.mx.RUnlock()
	names := make([]string, 0, len(p.clusters))
	for name := range p.clusters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Ping checks one cluster's reachability, retrying transient failures with
// bounded backoff, and records the result. An unreachable cluster is not
// an error to act on beyond marking it; the catalog keeps serving.
func (p *Pool) Ping(ctx context.Context, name string) error {
	c, err := p.Cluster(name)
	if err != nil {
		return err
	}

	var version string
	var last error
	err = wait.ExponentialBackoffWithContext(ctx, p.backoff, func(_ context.Context) (bool, error) {
		v, err := c.Discovery.ServerVersion()
		if err != nil {
			last = err
			return false, nil
		}
		version = v.GitVersion
		return true, nil
	})

	if err != nil {
		if last != nil {
			err = last
		}
		p.MarkUnreachable(name, err)
		return errors.Wrapf(err, errUnreachable, name)
	}

	p.markReachable(name, version)
	return nil
}

// PingAll checks every pooled cluster concurrently and returns the names
// of those unreachable.
func (p *Pool) PingAll(ctx context.Context) []string {
	names := p.Names()

	var wg sync.WaitGroup
	var mx sync.Mutex
	var down []string

	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := p.Ping(ctx, name); err != nil {
				p.log.Info("Cluster is unreachable", "cluster", name, "error", err)
				mx.Lock()
				down = append(down, name)
				mx.Unlock()
			}
		}(name)
	}
	wg.Wait()

	sort.Strings(down)
	return down
}

// MarkUnreachable records that a cluster could not be reached.
func (p *Pool) MarkUnreachable(name string, err error) {
	p.mx.Lock()
	defer p.mx.Unlock()
	s, ok := p.statuses[name]
	if !ok {
		return
	}
	s.Reachable = false
	s.LastChecked = p.clock.Now()
	s.LastError = err.Error()
}

// MarkReachable records that a cluster answered.
func (p *Pool) MarkReachable(name string) {
	p.markReachable(name, "")
}

func (p *Pool) markReachable(name, version string) {
	p.mx.Lock()
	defer p.mx.Unlock()
	s, ok := p.statuses[name]
	if !ok {
		return
	}
	s.Reachable = true
	s.LastChecked = p.clock.Now()
	s.LastError = ""
	if version != "" {
		s.ServerVersion = version
	}
}

// Statuses returns a copy of every cluster's reachability state.
func (p *Pool) Statuses() map[string]Status {
	p.mx.RLock()
	defer p.mx.RUnlock()
	out := make(map[string]Status, len(p.statuses))
	for name, s := range p.statuses {
		out[name] = *s
	}
	return out
}
