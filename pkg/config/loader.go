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
	"os"
	"path/filepath"
	"strings"

	apierrors "github.com/canonical/concierge/pkg/errors"
	"github.com/canonical/concierge/pkg/system"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix concierge recognizes for environment variable
// overrides, e.g. CONCIERGE_PROVIDERS_LOCAL_CONTAINER_ENABLED=true.
const EnvPrefix = "CONCIERGE_"

// DefaultConfigPath is where concierge looks for a config file when neither
// --preset nor --config is given.
const DefaultConfigPath = "/etc/concierge/concierge.yaml"

// fileProvider mirrors one entry of ProvidersConfig in YAML. Its keys are
// read in their hyphenated spelling only (e.g. credentials-file); an
// underscore spelling of the same key is not recognized. Provider names
// under controller overrides are the one place either spelling is accepted
// (see normalizeProviderKey).
type fileProvider struct {
	Enabled bool   `yaml:"enabled"`
	Channel string `yaml:"channel"`

	Addons          []string `yaml:"addons"`
	CredentialsFile string   `yaml:"credentials-file"`
	Cloud           string   `yaml:"cloud"`
	Features        FeatureMap `yaml:"features"`
}

type fileConfig struct {
	Controller struct {
		Disabled           bool              `yaml:"disabled"`
		Channel            string            `yaml:"channel"`
		AgentVersion       string            `yaml:"agent-version"`
		ModelDefaults      map[string]string `yaml:"model-defaults"`
		Constraints        map[string]string `yaml:"constraints"`
		ExtraBootstrapArgs string            `yaml:"extra-bootstrap-args"`
		Overrides          map[string]struct {
			ModelDefaults map[string]string `yaml:"model-defaults"`
			Constraints   map[string]string `yaml:"constraints"`
		} `yaml:"overrides"`
	} `yaml:"controller"`

	Providers struct {
		LocalContainer fileProvider `yaml:"local-container"`
		KubeCanonical  fileProvider `yaml:"kube-canonical"`
		KubeMicro      fileProvider `yaml:"kube-micro"`
		PublicCloud    fileProvider `yaml:"public-cloud"`
	} `yaml:"providers"`

	Host struct {
		AptPackages []string `yaml:"apt-packages"`
		Snaps       []string `yaml:"snaps"`
	} `yaml:"host"`
}

// Load resolves a Configuration following concierge's documented
// precedence: an explicit preset name wins outright; otherwise an explicit
// config file path is read; otherwise DefaultConfigPath is read if it
// exists; otherwise the "dev" preset is used. Environment variable
// overrides under EnvPrefix are applied last, regardless of source.
func Load(presetName, configPath string) (*Configuration, error) {
	var cfg *Configuration

	switch {
	case presetName != "":
		p, err := Preset(presetName)
		if err != nil {
			return nil, apierrors.Wrap(apierrors.ErrCodeConfigInvalid, "failed to load preset", err)
		}
		cfg = p

	case configPath != "":
		loaded, err := loadFile(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded

	default:
		if _, err := os.Stat(DefaultConfigPath); err == nil {
			loaded, err := loadFile(DefaultConfigPath)
			if err != nil {
				return nil, err
			}
			cfg = loaded
		} else {
			p, err := Preset("dev")
			if err != nil {
				return nil, apierrors.Wrap(apierrors.ErrCodeInternal, "built-in dev preset failed to load", err)
			}
			cfg = p
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string) (*Configuration, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, apierrors.Wrap(apierrors.ErrCodeFileNotFound, "failed to read config file", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, apierrors.Wrap(apierrors.ErrCodeConfigInvalid, "failed to parse config file", err)
	}

	snaps := make([]system.Snap, 0, len(fc.Host.Snaps))
	for _, shorthand := range fc.Host.Snaps {
		snap, err := system.ParseSnapShorthand(shorthand)
		if err != nil {
			return nil, apierrors.Wrap(apierrors.ErrCodeConfigInvalid, "invalid snap entry in config file", err)
		}
		snaps = append(snaps, snap)
	}

	overrides := make(map[string]ProviderOverride, len(fc.Controller.Overrides))
	for provider, o := range fc.Controller.Overrides {
		overrides[normalizeProviderKey(provider)] = ProviderOverride{
			ModelDefaults: o.ModelDefaults,
			Constraints:   o.Constraints,
		}
	}

	return New(
		WithController(ControllerConfig{
			Disabled:           fc.Controller.Disabled,
			Channel:            fc.Controller.Channel,
			AgentVersion:       fc.Controller.AgentVersion,
			ModelDefaults:      fc.Controller.ModelDefaults,
			Constraints:        fc.Controller.Constraints,
			ExtraBootstrapArgs: fc.Controller.ExtraBootstrapArgs,
			Overrides:          overrides,
		}),
		WithProviders(ProvidersConfig{
			LocalContainer: ProviderConfig(fc.Providers.LocalContainer),
			KubeCanonical:  ProviderConfig(fc.Providers.KubeCanonical),
			KubeMicro:      ProviderConfig(fc.Providers.KubeMicro),
			PublicCloud:    ProviderConfig(fc.Providers.PublicCloud),
		}),
		WithHost(HostConfig{
			AptPackages: fc.Host.AptPackages,
			Snaps:       snaps,
		}),
	), nil
}

// normalizeProviderKey accepts either hyphen or underscore spellings of a
// provider name in the overrides map, e.g. "kube_canonical" and
// "kube-canonical" both resolve to the same override entry.
func normalizeProviderKey(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// applyEnvOverrides mutates cfg's exported-via-option fields in place by
// rebuilding it; Configuration itself has no setters, so this constructs a
// fresh value from the environment-adjusted fields and copies it over.
func applyEnvOverrides(cfg *Configuration) {
	providers := cfg.Providers()

	setBoolEnv(&providers.LocalContainer.Enabled, "PROVIDERS_LOCAL_CONTAINER_ENABLED")
	setStringEnv(&providers.LocalContainer.Channel, "PROVIDERS_LOCAL_CONTAINER_CHANNEL")
	setBoolEnv(&providers.KubeCanonical.Enabled, "PROVIDERS_KUBE_CANONICAL_ENABLED")
	setStringEnv(&providers.KubeCanonical.Channel, "PROVIDERS_KUBE_CANONICAL_CHANNEL")
	setBoolEnv(&providers.KubeMicro.Enabled, "PROVIDERS_KUBE_MICRO_ENABLED")
	setStringEnv(&providers.KubeMicro.Channel, "PROVIDERS_KUBE_MICRO_CHANNEL")
	setBoolEnv(&providers.PublicCloud.Enabled, "PROVIDERS_PUBLIC_CLOUD_ENABLED")
	setStringEnv(&providers.PublicCloud.Channel, "PROVIDERS_PUBLIC_CLOUD_CHANNEL")

	controller := cfg.Controller()
	setStringEnv(&controller.AgentVersion, "CONTROLLER_AGENT_VERSION")
	setStringEnv(&controller.Channel, "CONTROLLER_CHANNEL")
	setBoolEnv(&controller.Disabled, "CONTROLLER_DISABLED")

	*cfg = *New(WithController(controller), WithProviders(providers), WithHost(cfg.Host()))
}

func setBoolEnv(dst *bool, suffix string) {
	v, ok := os.LookupEnv(EnvPrefix + suffix)
	if !ok {
		return
	}
	*dst = v == "true" || v == "1" || v == "yes"
}

func setStringEnv(dst *string, suffix string) {
	if v, ok := os.LookupEnv(EnvPrefix + suffix); ok {
		*dst = v
	}
}
