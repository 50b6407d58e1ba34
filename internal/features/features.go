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

// Package features defines xcatalog feature flags.
package features

import "github.com/crossplane/crossplane-runtime/pkg/feature"

// Alpha feature flags.
const (
	// EnableAlphaWatchDiscovery enables alpha support for watch-based
	// discovery. When enabled the scheduler opens a watch per cluster and
	// turns observed definition events into immediate poll triggers. Polling
	// remains the source of truth for removals.
	EnableAlphaWatchDiscovery feature.Flag = "EnableAlphaWatchDiscovery"

	// EnableAlphaSnapshotPersistence enables alpha support for persisting the
	// catalog store to a snapshot file and reloading it on restart. Reloaded
	// entries are served stale until reconfirmed by discovery.
	EnableAlphaSnapshotPersistence feature.Flag = "EnableAlphaSnapshotPersistence"
)

// Beta feature flags.
const (
	// EnableBetaCompositionDiscovery enables beta support for discovering
	// Compositions and linking them to the APIs they implement.
	EnableBetaCompositionDiscovery feature.Flag = "EnableBetaCompositionDiscovery"

	// EnableBetaResourceDiscovery enables beta support for discovering
	// composite resource and claim instances as catalog resources.
	EnableBetaResourceDiscovery feature.Flag = "EnableBetaResourceDiscovery"
)
