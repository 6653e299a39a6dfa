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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
providers:
  local-container:
    enabled: true
    channel: latest/stable
  kube-canonical:
    enabled: false
host:
  apt-packages:
    - jq
  snaps:
    - juju/stable
    - lxd/latest/stable
controller:
  agent-version: "3.5.0"
  model-defaults:
    logging-config: "<root>=INFO"
  overrides:
    kube_canonical:
      model-defaults:
        logging-config: "<root>=DEBUG"
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "concierge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadFromExplicitFile(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)

	cfg, err := Load("", path)
	require.NoError(t, err)

	assert.Equal(t, []string{"local-container"}, cfg.EnabledProviders())
	assert.Equal(t, "3.5.0", cfg.Controller().AgentVersion)
	assert.Equal(t, []string{"jq"}, cfg.Host().AptPackages)
	assert.Len(t, cfg.Host().Snaps, 2)

	merged := cfg.Controller().ModelDefaultsFor("kube-canonical")
	assert.Equal(t, "<root>=DEBUG", merged["logging-config"])
}

func TestLoadPresetTakesPrecedenceOverFile(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)

	cfg, err := Load("kube-micro", path)
	require.NoError(t, err)

	assert.Contains(t, cfg.EnabledProviders(), "kube-micro")
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("CONCIERGE_PROVIDERS_KUBE_CANONICAL_ENABLED", "true")

	cfg, err := Load("dev", "")
	require.NoError(t, err)

	assert.Contains(t, cfg.EnabledProviders(), "kube-canonical")
	assert.Contains(t, cfg.EnabledProviders(), "local-container")
}

func TestLoadRejectsMalformedSnapEntry(t *testing.T) {
	path := writeTempConfig(t, `
providers:
  local-container:
    enabled: true
host:
  snaps:
    - "/bad"
`)

	_, err := Load("", path)
	require.Error(t, err)
}
