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

// Package config loads and validates the engine's configuration file. An
// invalid configuration refuses to start the engine; it is the only class
// of error treated as fatal.
package config

import (
	"time"

	"github.com/spf13/afero"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/crossplane/crossplane-runtime/pkg/errors"

	"github.com/crossplane-contrib/xcatalog/internal/access"
)

// Error strings.
const (
	errReadFile = "cannot read configuration file"
	errParse    = "cannot parse configuration"

	errNoClusters     = "no clusters configured"
	errClusterName    = "cluster %d has no name"
	errDupCluster     = "duplicate cluster name %q"
	errClusterHost    = "cluster %q has no host"
	errClusterAuth    = "cluster %q must configure exactly one of tokenFile, token, or exec"
	errInClusterAuth  = "cluster %q is in-cluster and cannot also configure host or credentials"
	errExecCommand    = "cluster %q configures exec auth with no command"
	errRateLimit      = "cluster %q has a negative rate limit"
	errStaleBound     = "cache maxStale %s is shorter than ttl %s"
	errSnapshotPath   = "snapshot enabled with no path"
	errPermissions    = "invalid permission rules"
	errNonPositiveDur = "%s must be positive, got %s"
)

// A Config is the engine's complete configuration.
type Config struct {
	// Clusters to discover Crossplane state from.
	Clusters []Cluster `json:"clusters"`

	Discovery   Discovery    `json:"discovery,omitempty"`
	Cache       Cache        `json:"cache,omitempty"`
	Catalog     Catalog      `json:"catalog,omitempty"`
	Permissions access.Rules `json:"permissions,omitempty"`
	Server      Server       `json:"server,omitempty"`
}

// A Cluster is one Kubernetes cluster to poll. Exactly one credential
// source is set, unless the cluster is the one the engine runs in.
type Cluster struct {
	// Name identifies the cluster in entity IDs and metadata. It never
	// changes for a cluster; renaming one renames every entity from it.
	Name string `json:"name"`

	// Host is the API server URL.
	Host string `json:"host,omitempty"`

	// InCluster uses the service account the engine's own pod runs with.
	InCluster bool `json:"inCluster,omitempty"`

	// TokenFile is a file holding a bearer token, re-read as it rotates.
	TokenFile string `json:"tokenFile,omitempty"`

	// Token is a static bearer token.
	Token string `json:"token,omitempty"`

	// Exec runs a credential plugin to obtain tokens.
	Exec *ExecAuth `json:"exec,omitempty"`

	// CAFile is the certificate authority bundle to trust. The system pool
	// applies when unset.
	CAFile string `json:"caFile,omitempty"`

	// CAData is a base64-encoded certificate authority bundle, as in a
	// kubeconfig. Takes precedence over CAFile.
	CAData string `json:"caData,omitempty"`

	// InsecureSkipTLSVerify disables server certificate verification.
	InsecureSkipTLSVerify bool `json:"insecureSkipTLSVerify,omitempty"`

	// RateLimitRPS caps client-side requests per second against this
	// cluster's API server. Zero applies the global default.
	RateLimitRPS int `json:"rateLimitRPS,omitempty"`
}

// ExecAuth runs a client-go credential plugin.
type ExecAuth struct {
	Command    string   `json:"command"`
	Args       []string `json:"args,omitempty"`
	APIVersion string   `json:"apiVersion,omitempty"`
}

// Discovery configures the polling scheduler.
type Discovery struct {
	// PollInterval is how often each cluster is polled.
	PollInterval metav1.Duration `json:"pollInterval,omitempty"`

	// CycleTimeout bounds one discovery cycle against one cluster.
	CycleTimeout metav1.Duration `json:"cycleTimeout,omitempty"`

	// Workers is how many clusters are polled concurrently.
	Workers int `json:"workers,omitempty"`

	// MaxRetries is how often a failed cycle is retried with backoff
	// before waiting for the next scheduled poll.
	MaxRetries int `json:"maxRetries,omitempty"`

	Filter Filter `json:"filter,omitempty"`
}

// A Filter narrows what discovery turns into entities.
type Filter struct {
	// Labels a definition must carry to be cataloged.
	Labels map[string]string `json:"labels,omitempty"`

	// Annotations a definition must carry to be cataloged.
	Annotations map[string]string `json:"annotations,omitempty"`

	// Groups restricts cataloging to these API groups. Empty means all.
	Groups []string `json:"groups,omitempty"`

	// ExcludedGroups are API groups never cataloged.
	ExcludedGroups []string `json:"excludedGroups,omitempty"`

	// ExcludedNamespaces are namespaces whose claims are never cataloged.
	ExcludedNamespaces []string `json:"excludedNamespaces,omitempty"`
}

// Cache configures the entity store lifecycle.
type Cache struct {
	TTL           metav1.Duration `json:"ttl,omitempty"`
	RemovedGrace  metav1.Duration `json:"removedGrace,omitempty"`
	MaxStale      metav1.Duration `json:"maxStale,omitempty"`
	SweepInterval metav1.Duration `json:"sweepInterval,omitempty"`

	// Snapshot persists the store across restarts when set.
	Snapshot *Snapshot `json:"snapshot,omitempty"`
}

// A Snapshot persists the store to a file.
type Snapshot struct {
	Path         string          `json:"path"`
	SaveInterval metav1.Duration `json:"saveInterval,omitempty"`
}

// Catalog configures entity generation.
type Catalog struct {
	// DefaultOwner and DefaultSystem apply to entities whose source does
	// not declare ownership.
	DefaultOwner  string `json:"defaultOwner,omitempty"`
	DefaultSystem string `json:"defaultSystem,omitempty"`
}

// Server configures the query API.
type Server struct {
	// Address the API listens on.
	Address string `json:"address,omitempty"`
}

// Load reads, defaults, and validates a configuration file.
func Load(fs afero.Fs, path string) (*Config, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrap(err, errReadFile)
	}
	return Parse(b)
}

// Parse defaults and validates raw configuration YAML.
func Parse(b []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, errors.Wrap(err, errParse)
	}
	c.Default()
	return c, c.Validate()
}

// Default fills unset fields with production defaults.
func (c *Config) Default() {
	setDuration := func(d *metav1.Duration, def time.Duration) {
		if d.Duration == 0 {
			d.Duration = def
		}
	}

	setDuration(&c.Discovery.PollInterval, 60*time.Second)
	setDuration(&c.Discovery.CycleTimeout, 120*time.Second)
	if c.Discovery.Workers == 0 {
		c.Discovery.Workers = 4
	}
	if c.Discovery.MaxRetries == 0 {
		c.Discovery.MaxRetries = 5
	}

	setDuration(&c.Cache.TTL, 10*time.Minute)
	setDuration(&c.Cache.RemovedGrace, 5*time.Minute)
	setDuration(&c.Cache.MaxStale, 24*time.Hour)
	setDuration(&c.Cache.SweepInterval, 30*time.Second)
	if c.Cache.Snapshot != nil {
		setDuration(&c.Cache.Snapshot.SaveInterval, time.Minute)
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if len(c.Clusters) == 0 {
		return errors.New(errNoClusters)
	}

	seen := make(map[string]bool, len(c.Clusters))
	for i, cl := range c.Clusters {
		if cl.Name == "" {
			return errors.Errorf(errClusterName, i)
		}
		if seen[cl.Name] {
			return errors.Errorf(errDupCluster, cl.Name)
		}
		seen[cl.Name] = true

		if cl.RateLimitRPS < 0 {
			return errors.Errorf(errRateLimit, cl.Name)
		}

		creds := 0
		if cl.TokenFile != "" {
			creds++
		}
		if cl.Token != "" {
			creds++
		}
		if cl.Exec != nil {
			creds++
		}

		if cl.InCluster {
			if cl.Host != "" || creds != 0 {
				return errors.Errorf(errInClusterAuth, cl.Name)
			}
			continue
		}
		if cl.Host == "" {
			return errors.Errorf(errClusterHost, cl.Name)
		}
		if creds != 1 {
			return errors.Errorf(errClusterAuth, cl.Name)
		}
		if cl.Exec != nil && cl.Exec.Command == "" {
			return errors.Errorf(errExecCommand, cl.Name)
		}
	}

	for name, d := range map[string]metav1.Duration{
		"discovery.pollInterval": c.Discovery.PollInterval,
		"discovery.cycleTimeout": c.Discovery.CycleTimeout,
		"cache.ttl":              c.Cache.TTL,
		"cache.removedGrace":     c.Cache.RemovedGrace,
		"cache.sweepInterval":    c.Cache.SweepInterval,
	} {
		if d.Duration <= 0 {
			return errors.Errorf(errNonPositiveDur, name, d.Duration)
		}
	}
	if c.Cache.MaxStale.Duration < c.Cache.TTL.Duration {
		return errors.Errorf(errStaleBound, c.Cache.MaxStale.Duration, c.Cache.TTL.Duration)
	}
	if c.Cache.Snapshot != nil && c.Cache.Snapshot.Path == "" {
		return errors.New(errSnapshotPath)
	}

	return errors.Wrap(c.Permissions.Validate(), errPermissions)
}
