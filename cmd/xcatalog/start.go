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

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/crossplane/crossplane-runtime/pkg/feature"
	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/crossplane-contrib/xcatalog/internal/access"
	"github.com/crossplane-contrib/xcatalog/internal/catalog"
	"github.com/crossplane-contrib/xcatalog/internal/clients"
	"github.com/crossplane-contrib/xcatalog/internal/config"
	"github.com/crossplane-contrib/xcatalog/internal/discovery"
	"github.com/crossplane-contrib/xcatalog/internal/features"
	"github.com/crossplane-contrib/xcatalog/internal/metrics"
	"github.com/crossplane-contrib/xcatalog/internal/server"
	"github.com/crossplane-contrib/xcatalog/internal/store"
)

// Error strings.
const (
	errLoadConfig      = "cannot load configuration"
	errConnectCluster  = "cannot build clients for cluster %q"
	errScheduleCluster = "cannot schedule discovery for cluster %q"
	errNotReady        = "no cluster has completed a discovery cycle"
)

// startCommand starts the catalog engine.
type startCommand struct {
	ConfigFile string `default:"/etc/xcatalog/config.yaml" help:"Engine configuration file." short:"c" type:"path"`

	EnableWatchDiscovery      bool `group:"Alpha Features:" help:"Enable support for watch-based discovery."`
	EnableSnapshotPersistence bool `group:"Alpha Features:" help:"Enable support for persisting the catalog across restarts."`

	EnableCompositionDiscovery bool `default:"true" group:"Beta Features:" help:"Enable support for discovering Compositions." negatable:""`
	EnableResourceDiscovery    bool `group:"Beta Features:" help:"Enable support for discovering composite resources and claims."`
}

// Run the catalog engine.
func (c *startCommand) Run(log logging.Logger) error {
	cfg, err := config.Load(afero.NewOsFs(), c.ConfigFile)
	if err != nil {
		return errors.Wrap(err, errLoadConfig)
	}

	flags := &feature.Flags{}
	if c.EnableWatchDiscovery {
		flags.Enable(features.EnableAlphaWatchDiscovery)
		log.Info("Alpha feature enabled", "flag", features.EnableAlphaWatchDiscovery)
	}
	if c.EnableSnapshotPersistence {
		flags.Enable(features.EnableAlphaSnapshotPersistence)
		log.Info("Alpha feature enabled", "flag", features.EnableAlphaSnapshotPersistence)
	}
	if c.EnableCompositionDiscovery {
		flags.Enable(features.EnableBetaCompositionDiscovery)
		log.Info("Beta feature enabled", "flag", features.EnableBetaCompositionDiscovery)
	}
	if c.EnableResourceDiscovery {
		flags.Enable(features.EnableBetaResourceDiscovery)
		log.Info("Beta feature enabled", "flag", features.EnableBetaResourceDiscovery)
	}

	sm := store.NewPrometheusMetrics()
	dm := discovery.NewPrometheusMetrics()
	metrics.Registry.MustRegister(sm, dm)

	pool := clients.NewPool(clients.WithLogger(log))
	for _, cc := range cfg.Clusters {
		cl, err := clients.Connect(cc)
		if err != nil {
			return errors.Wrapf(err, errConnectCluster, cc.Name)
		}
		pool.Add(cl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Unreachable clusters are noted, not fatal. Their catalogs stay stale
	// until they recover.
	if down := pool.PingAll(ctx); len(down) > 0 {
		log.Info("Some clusters are unreachable", "clusters", down)
	}

	b := catalog.NewBuilder(
		catalog.WithLogger(log),
		catalog.WithDefaultOwnership(catalog.Ownership{
			Owner:  cfg.Catalog.DefaultOwner,
			System: cfg.Catalog.DefaultSystem,
		}),
	)

	// The store triggers refreshes through the scheduler, which needs the
	// store to commit to. The trigger is wired through a variable assigned
	// before anything can read from the store.
	var sched *discovery.Scheduler
	st := store.NewStore(
		store.WithLogger(log),
		store.WithMetrics(sm),
		store.WithTTL(cfg.Cache.TTL.Duration),
		store.WithRemovedGrace(cfg.Cache.RemovedGrace.Duration),
		store.WithMaxStale(cfg.Cache.MaxStale.Duration),
		store.WithSweepInterval(cfg.Cache.SweepInterval.Duration),
		store.WithRefreshTrigger(store.RefreshTriggerFn(func(cluster string) {
			if sched != nil {
				sched.TriggerRefresh(cluster)
			}
		})),
	)
	sched = discovery.NewScheduler(pool, st, b, cfg.Discovery,
		discovery.WithLogger(log),
		discovery.WithMetrics(dm),
		discovery.WithFeatures(flags),
	)

	restored := 0
	var snap *store.Snapshotter
	if flags.Enabled(features.EnableAlphaSnapshotPersistence) && cfg.Cache.Snapshot != nil {
		snap = store.NewSnapshotter(cfg.Cache.Snapshot.Path)
		n, err := snap.Restore(st)
		if err != nil {
			log.Info("Cannot restore catalog snapshot", "error", err, "path", cfg.Cache.Snapshot.Path)
		} else {
			restored = n
			log.Debug("Restored catalog snapshot", "entries", n, "path", cfg.Cache.Snapshot.Path)
		}
	}

	for _, name := range pool.Names() {
		if err := sched.Start(name); err != nil {
			return errors.Wrapf(err, errScheduleCluster, name)
		}
	}

	srv := server.New(st, access.NewFilter(&cfg.Permissions),
		server.WithLogger(log),
		server.WithAddress(cfg.Server.Address),
		server.WithPoller(sched),
		server.WithClusterHealth(pool),
		// Ready once any cluster has a discovered catalog, or a snapshot
		// restored one to serve stale.
		server.WithReadyCheck(func(_ *http.Request) error {
			if restored > 0 {
				return nil
			}
			for _, cs := range sched.Status() {
				if !cs.LastSuccess.IsZero() {
					return nil
				}
			}
			return errors.New(errNotReady)
		}),
	)

	log.Info("Starting", "clusters", len(cfg.Clusters), "address", cfg.Server.Address, "poll-interval", cfg.Discovery.PollInterval.Duration.String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})
	g.Go(func() error {
		st.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if snap != nil {
		g.Go(func() error {
			return snap.Run(gctx, st, cfg.Cache.Snapshot.SaveInterval.Duration)
		})
	}

	return g.Wait()
}
