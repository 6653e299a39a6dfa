// Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the immutable Configuration loaded once per
// concierge invocation: which providers to enable, which packages/snaps to
// install, and the controller settings used to bootstrap each provider.
package config

import (
	apierrors "github.com/canonical/concierge/pkg/errors"
	"github.com/canonical/concierge/pkg/system"
	"github.com/canonical/concierge/pkg/version"
)

// ControllerConfig describes the cluster-orchestration controller bootstrap
// requested for every enabled provider. ModelDefaults and Constraints are
// applied to every provider unless a provider-specific entry in Overrides
// wins the merge (see ModelDefaultsFor/ConstraintsFor).
type ControllerConfig struct {
	Disabled           bool
	Channel            string
	AgentVersion       string
	ModelDefaults      map[string]string
	Constraints        map[string]string
	ExtraBootstrapArgs string
	Overrides          map[string]ProviderOverride
}

// ProviderOverride holds per-provider model-defaults/constraints that take
// precedence over ControllerConfig's global values for that provider only.
type ProviderOverride struct {
	ModelDefaults map[string]string
	Constraints   map[string]string
}

// ModelDefaultsFor merges global model-defaults with provider's override,
// provider-specific keys winning. The caller receives a fresh map.
func (c ControllerConfig) ModelDefaultsFor(provider string) map[string]string {
	return mergeOverride(c.ModelDefaults, c.Overrides[provider].ModelDefaults)
}

// ConstraintsFor merges global constraints with provider's override,
// provider-specific keys winning.
func (c ControllerConfig) ConstraintsFor(provider string) map[string]string {
	return mergeOverride(c.Constraints, c.Overrides[provider].Constraints)
}

func mergeOverride(global, override map[string]string) map[string]string {
	merged := make(map[string]string, len(global)+len(override))
	for k, v := range global {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

// ProviderConfig is the per-backend settings shared by all four providers.
// Addons and CredentialsFile are only meaningful for kube-micro and
// public-cloud respectively; the other providers ignore them.
type ProviderConfig struct {
	Enabled bool
	Channel string

	Addons          []string
	CredentialsFile string
	Cloud           string

	// Features configures kube-canonical features: outer key is the feature
	// name, inner mapping its set.key=value pairs. Ignored by every other
	// provider.
	Features FeatureMap
}

// ProvidersConfig groups the four supported backends.
type ProvidersConfig struct {
	LocalContainer ProviderConfig
	KubeCanonical  ProviderConfig
	KubeMicro      ProviderConfig
	PublicCloud    ProviderConfig
}

// HostConfig lists the apt packages and snaps concierge installs before
// bringing up any provider.
type HostConfig struct {
	AptPackages []string
	Snaps       []system.Snap
}

// Configuration is the fully-resolved, immutable settings for one
// prepare/restore/status invocation. Build one with New; there are no
// setters, so once loaded it cannot be mutated out from under a running
// Plan.
type Configuration struct {
	controller ControllerConfig
	providers  ProvidersConfig
	host       HostConfig
}

// Option customizes a Configuration at construction time.
type Option func(*Configuration)

// WithController sets the controller configuration.
func WithController(c ControllerConfig) Option {
	return func(cfg *Configuration) { cfg.controller = c }
}

// WithProviders sets the providers configuration.
func WithProviders(p ProvidersConfig) Option {
	return func(cfg *Configuration) { cfg.providers = p }
}

// WithHost sets the host package/snap configuration.
func WithHost(h HostConfig) Option {
	return func(cfg *Configuration) { cfg.host = h }
}

// New builds a Configuration, applying opts in order.
func New(opts ...Option) *Configuration {
	cfg := &Configuration{}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Controller returns the controller configuration.
func (c *Configuration) Controller() ControllerConfig { return c.controller }

// Providers returns the providers configuration.
func (c *Configuration) Providers() ProvidersConfig { return c.providers }

// Host returns the host package/snap configuration.
func (c *Configuration) Host() HostConfig { return c.host }

// EnabledProviders returns the names of every enabled provider, in the
// fixed evaluation order local-container, kube-micro, kube-canonical,
// public-cloud. This order is observable externally: it governs the order
// providers are logged and restored in.
func (c *Configuration) EnabledProviders() []string {
	var names []string
	if c.providers.LocalContainer.Enabled {
		names = append(names, "local-container")
	}
	if c.providers.KubeMicro.Enabled {
		names = append(names, "kube-micro")
	}
	if c.providers.KubeCanonical.Enabled {
		names = append(names, "kube-canonical")
	}
	if c.providers.PublicCloud.Enabled {
		names = append(names, "public-cloud")
	}
	return names
}

// Validate enforces the data-model invariants from the configuration
// schema: at least one provider must be enabled, and every snap shorthand
// recorded in HostConfig must already have parsed successfully (callers
// build HostConfig.Snaps via system.ParseSnapShorthand, so a zero-value
// Name here means the caller skipped that step).
func (c *Configuration) Validate() error {
	if len(c.EnabledProviders()) == 0 {
		return apierrors.New(apierrors.ErrCodeConfigInvalid, "no provider is enabled")
	}
	for _, snap := range c.host.Snaps {
		if snap.Name == "" {
			return apierrors.New(apierrors.ErrCodeConfigInvalid, "host configuration contains a snap with no name")
		}
	}
	if v := c.controller.AgentVersion; v != "" {
		if _, err := version.ParseVersion(v); err != nil {
			return apierrors.Wrap(apierrors.ErrCodeConfigInvalid, "controller agent-version is not a valid version string", err)
		}
	}
	return nil
}
