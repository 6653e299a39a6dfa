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

package config

import (
	"fmt"

	"github.com/canonical/concierge/pkg/system"
)

// preset is a named, ready-to-use Configuration template. When a preset is
// selected, Load ignores any YAML config file; only the environment
// variable overrides that applyEnvOverrides knows are applied on top of it.
type preset struct {
	description string
	build       func() *Configuration
}

// presets is intentionally a small, hand-picked catalog rather than an
// exhaustive one; concierge ships far more combinations than are worth
// hard-coding here.
var presets = map[string]preset{
	"dev": {
		description: "local-container backend only, for day-to-day charm development",
		build: func() *Configuration {
			return New(
				WithProviders(ProvidersConfig{
					LocalContainer: ProviderConfig{Enabled: true, Channel: "latest/stable"},
				}),
				WithHost(HostConfig{
					AptPackages: []string{"jq"},
					Snaps: []system.Snap{
						mustSnap("juju/stable"),
						mustSnap("lxd/latest/stable"),
					},
				}),
				WithController(ControllerConfig{AgentVersion: ""}),
			)
		},
	},
	"kube-canonical": {
		description: "Canonical Kubernetes backend plus the local-container backend",
		build: func() *Configuration {
			return New(
				WithProviders(ProvidersConfig{
					LocalContainer: ProviderConfig{Enabled: true, Channel: "latest/stable"},
					KubeCanonical:  ProviderConfig{Enabled: true, Channel: "latest/stable"},
				}),
				WithHost(HostConfig{
					AptPackages: []string{"jq"},
					Snaps: []system.Snap{
						mustSnap("juju/stable"),
						mustSnap("lxd/latest/stable"),
						mustSnap("k8s/latest/stable"),
					},
				}),
			)
		},
	},
	"kube-micro": {
		description: "MicroK8s-equivalent backend plus the local-container backend",
		build: func() *Configuration {
			return New(
				WithProviders(ProvidersConfig{
					LocalContainer: ProviderConfig{Enabled: true, Channel: "latest/stable"},
					KubeMicro:      ProviderConfig{Enabled: true, Channel: "1.31/stable"},
				}),
				WithHost(HostConfig{
					AptPackages: []string{"jq"},
					Snaps: []system.Snap{
						mustSnap("juju/stable"),
						mustSnap("lxd/latest/stable"),
						mustSnap("microk8s/1.31/stable"),
					},
				}),
			)
		},
	},
}

func mustSnap(shorthand string) system.Snap {
	s, err := system.ParseSnapShorthand(shorthand)
	if err != nil {
		panic(fmt.Sprintf("invalid built-in preset snap shorthand %q: %v", shorthand, err))
	}
	return s
}

// Preset returns a fresh Configuration built from the named preset.
func Preset(name string) (*Configuration, error) {
	p, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("unknown preset %q", name)
	}
	return p.build(), nil
}

// PresetNames lists the available preset names, for CLI help text.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	return names
}
