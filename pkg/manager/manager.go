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

// Package manager implements the top-level prepare/restore/status
// lifecycle: it persists a record of what concierge provisioned so a
// restore tears down what was actually built, not whatever configuration
// happens to be passed on a later invocation.
package manager

import (
	"context"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/canonical/concierge/pkg/config"
	apierrors "github.com/canonical/concierge/pkg/errors"
	"github.com/canonical/concierge/pkg/plan"
	"github.com/canonical/concierge/pkg/system"
)

// Status values the persisted record's status field takes. They advance
// monotonically within one prepare invocation: provisioning -> {succeeded,
// failed}.
const (
	StatusProvisioning = "provisioning"
	StatusSucceeded    = "succeeded"
	StatusFailed       = "failed"
)

// record is the on-disk snapshot written to ~/.cache/concierge/concierge.yaml.
type record struct {
	Status  string          `yaml:"status"`
	Config  recordConfig    `yaml:"config"`
}

// recordConfig mirrors config.Configuration in its aliased, on-disk form.
type recordConfig struct {
	Controller struct {
		Disabled           bool              `yaml:"disabled"`
		Channel            string            `yaml:"channel"`
		AgentVersion       string            `yaml:"agent-version"`
		ModelDefaults      map[string]string `yaml:"model-defaults"`
		Constraints        map[string]string `yaml:"constraints"`
		ExtraBootstrapArgs string            `yaml:"extra-bootstrap-args"`
	} `yaml:"controller"`

	Providers struct {
		LocalContainer recordProvider `yaml:"local-container"`
		KubeCanonical  recordProvider `yaml:"kube-canonical"`
		KubeMicro      recordProvider `yaml:"kube-micro"`
		PublicCloud    recordProvider `yaml:"public-cloud"`
	} `yaml:"providers"`

	Host struct {
		AptPackages []string `yaml:"apt-packages"`
		Snaps       []string `yaml:"snaps"`
	} `yaml:"host"`
}

type recordProvider struct {
	Enabled         bool     `yaml:"enabled"`
	Channel         string   `yaml:"channel"`
	Addons          []string `yaml:"addons,omitempty"`
	CredentialsFile string   `yaml:"credentials-file,omitempty"`
	Cloud           string   `yaml:"cloud,omitempty"`
}

// Manager drives one prepare/restore/status lifecycle for a host.
type Manager struct {
	Worker     system.Worker
	RecordPath string
}

// defaultRecordPath returns ~/.cache/concierge/concierge.yaml under the
// invoking user's home directory.
func (m *Manager) defaultRecordPath() (string, error) {
	if m.RecordPath != "" {
		return m.RecordPath, nil
	}
	user, err := m.Worker.InvokingUser()
	if err != nil {
		return "", apierrors.Wrap(apierrors.ErrCodeInternal, "failed to resolve invoking user", err)
	}
	home := "/root"
	if user != "" && user != "root" {
		home = filepath.Join("/home", user)
	}
	return filepath.Join(home, ".cache", "concierge", "concierge.yaml"), nil
}

// Prepare persists a provisioning record, executes the plan built from cfg,
// then persists succeeded or failed. The triggering error, if any, is
// returned to the caller after the record is updated.
func (m *Manager) Prepare(ctx context.Context, cfg *config.Configuration) error {
	path, err := m.defaultRecordPath()
	if err != nil {
		return err
	}

	if err := m.writeRecord(path, cfg, StatusProvisioning); err != nil {
		return err
	}

	p := plan.Build(cfg, m.Worker)
	execErr := p.Execute(ctx, plan.ActionPrepare)

	status := StatusSucceeded
	if execErr != nil {
		status = StatusFailed
	}
	if err := m.writeRecord(path, cfg, status); err != nil {
		return err
	}

	return execErr
}

// Restore loads the persisted record (failing cleanly if absent) and
// executes the plan for action restore against the configuration that was
// actually prepared, ignoring whatever configuration the caller supplies
// this time.
func (m *Manager) Restore(ctx context.Context) error {
	path, err := m.defaultRecordPath()
	if err != nil {
		return err
	}

	cfg, _, err := m.readRecord(path)
	if err != nil {
		return err
	}

	p := plan.Build(cfg, m.Worker)
	return p.Execute(ctx, plan.ActionRestore)
}

// Status reads the persisted record and returns its status field, defaulting
// to StatusProvisioning if the field is absent but the file exists.
func (m *Manager) Status(ctx context.Context) (string, error) {
	path, err := m.defaultRecordPath()
	if err != nil {
		return "", err
	}

	_, status, err := m.readRecord(path)
	if err != nil {
		return "", err
	}
	if status == "" {
		return StatusProvisioning, nil
	}
	return status, nil
}

func (m *Manager) writeRecord(path string, cfg *config.Configuration, status string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeInternal, "failed to create record directory", err)
	}

	rec := toRecord(cfg, status)
	out, err := yaml.Marshal(rec)
	if err != nil {
		return apierrors.Wrap(apierrors.ErrCodeInternal, "failed to marshal persisted record", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeInternal, "failed to write persisted record", err)
	}
	return nil
}

func (m *Manager) readRecord(path string) (*config.Configuration, string, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", apierrors.Wrap(apierrors.ErrCodeFileNotFound,
				"concierge has not prepared this machine and cannot report its status", err)
		}
		return nil, "", apierrors.Wrap(apierrors.ErrCodeInternal, "failed to read persisted record", err)
	}

	var rec record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, "", apierrors.Wrap(apierrors.ErrCodeConfigInvalid, "persisted record is not valid YAML", err)
	}

	return fromRecord(rec), rec.Status, nil
}

func toRecord(cfg *config.Configuration, status string) record {
	ctrl := cfg.Controller()
	providers := cfg.Providers()
	host := cfg.Host()

	var rec record
	rec.Status = status
	rec.Config.Controller.Disabled = ctrl.Disabled
	rec.Config.Controller.Channel = ctrl.Channel
	rec.Config.Controller.AgentVersion = ctrl.AgentVersion
	rec.Config.Controller.ModelDefaults = ctrl.ModelDefaults
	rec.Config.Controller.Constraints = ctrl.Constraints
	rec.Config.Controller.ExtraBootstrapArgs = ctrl.ExtraBootstrapArgs

	rec.Config.Providers.LocalContainer = toRecordProvider(providers.LocalContainer)
	rec.Config.Providers.KubeCanonical = toRecordProvider(providers.KubeCanonical)
	rec.Config.Providers.KubeMicro = toRecordProvider(providers.KubeMicro)
	rec.Config.Providers.PublicCloud = toRecordProvider(providers.PublicCloud)

	rec.Config.Host.AptPackages = host.AptPackages
	snaps := make([]string, len(host.Snaps))
	for i, s := range host.Snaps {
		snaps[i] = s.String()
	}
	rec.Config.Host.Snaps = snaps

	return rec
}

func toRecordProvider(p config.ProviderConfig) recordProvider {
	return recordProvider{
		Enabled:         p.Enabled,
		Channel:         p.Channel,
		Addons:          p.Addons,
		CredentialsFile: p.CredentialsFile,
		Cloud:           p.Cloud,
	}
}

func fromRecord(rec record) *config.Configuration {
	snaps := make([]system.Snap, 0, len(rec.Config.Host.Snaps))
	for _, shorthand := range rec.Config.Host.Snaps {
		if snap, err := system.ParseSnapShorthand(shorthand); err == nil {
			snaps = append(snaps, snap)
		}
	}

	return config.New(
		config.WithController(config.ControllerConfig{
			Disabled:           rec.Config.Controller.Disabled,
			Channel:            rec.Config.Controller.Channel,
			AgentVersion:       rec.Config.Controller.AgentVersion,
			ModelDefaults:      rec.Config.Controller.ModelDefaults,
			Constraints:        rec.Config.Controller.Constraints,
			ExtraBootstrapArgs: rec.Config.Controller.ExtraBootstrapArgs,
		}),
		config.WithProviders(config.ProvidersConfig{
			LocalContainer: fromRecordProvider(rec.Config.Providers.LocalContainer),
			KubeCanonical:  fromRecordProvider(rec.Config.Providers.KubeCanonical),
			KubeMicro:      fromRecordProvider(rec.Config.Providers.KubeMicro),
			PublicCloud:    fromRecordProvider(rec.Config.Providers.PublicCloud),
		}),
		config.WithHost(config.HostConfig{
			AptPackages: rec.Config.Host.AptPackages,
			Snaps:       snaps,
		}),
	)
}

func fromRecordProvider(p recordProvider) config.ProviderConfig {
	return config.ProviderConfig{
		Enabled:         p.Enabled,
		Channel:         p.Channel,
		Addons:          p.Addons,
		CredentialsFile: p.CredentialsFile,
		Cloud:           p.Cloud,
	}
}
