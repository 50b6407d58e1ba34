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

// Package main implements xcatalog, an engine that discovers Crossplane
// capabilities across Kubernetes clusters and serves them as a catalog.
package main

import (
	"github.com/alecthomas/kong"
	"github.com/go-logr/logr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/crossplane/crossplane-runtime/pkg/logging"
)

var _ = kong.Must(&cli{})

type debugFlag bool

// BeforeApply rebinds the logger the commands receive to a debug-mode
// logger before any command runs.
func (d debugFlag) BeforeApply(ctx *kong.Context) error { //nolint:unparam // BeforeApply requires this signature.
	zl := zap.New(zap.UseDevMode(true)).WithName("xcatalog")
	// BindTo uses reflect.TypeOf to get the reflection type of the used
	// interface. A *logging.Logger value is used to find that type here;
	// BindTo breaks if the interface is used directly.
	ctx.BindTo(logging.NewLogrLogger(zl), (*logging.Logger)(nil))
	// controller-runtime's client machinery is very verbose even at info
	// level, so it only gets a real logger in debug mode.
	ctrl.SetLogger(zl)

	return nil
}

// The top-level xcatalog CLI.
type cli struct {
	// Subcommands.
	Start   startCommand `cmd:"" help:"Start the catalog engine."`
	Version versionCmd   `cmd:"" help:"Print the version of xcatalog."`

	// Flags.
	Debug debugFlag `help:"Run with debug logging." short:"d"`
}

func main() {
	zl := zap.New().WithName("xcatalog")
	ctrl.SetLogger(logr.Discard())

	ctx := kong.Parse(&cli{},
		kong.Name("xcatalog"),
		kong.Description("An engine that discovers Crossplane capabilities across Kubernetes clusters and serves them as a catalog."),
		// Binding a variable to the kong context makes it available to all
		// commands at runtime.
		kong.BindTo(logging.NewLogrLogger(zl), (*logging.Logger)(nil)),
		kong.ConfigureHelp(kong.HelpOptions{
			FlagsLast:      true,
			Compact:        true,
			WrapUpperBound: 80,
		}),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run())
}
