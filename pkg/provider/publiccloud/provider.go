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

// Package publiccloud adapts a user-supplied credentials file for a public
// cloud into the controller handler's credentials file. It never installs
// anything on the host: Prepare only reads and validates.
package publiccloud

import (
	"context"
	"log/slog"

	apierrors "github.com/canonical/concierge/pkg/errors"
	"github.com/canonical/concierge/pkg/system"
	"gopkg.in/yaml.v3"
)

// Provider plumbs a pre-existing public-cloud credentials file through to
// the controller handler. CloudName must name a cloud the orchestrator
// already recognizes (e.g. "aws", "google", "azure").
type Provider struct {
	Worker          system.Worker
	Cloud           string
	CredentialsFile string

	Defaults    map[string]string
	Constraints map[string]string

	credentials map[string]any
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return "public-cloud" }

// CloudName implements provider.Provider.
func (p *Provider) CloudName() string { return p.Cloud }

// GroupName implements provider.Provider. Public-cloud access needs no
// local group membership.
func (p *Provider) GroupName() string { return "" }

// Bootstrap implements provider.Provider. This provider only plumbs
// credentials; it is never itself bootstrapped against.
func (p *Provider) Bootstrap() bool { return false }

// Prepare reads and parses the configured credentials file, if any. A
// provider with no credentials file configured is a no-op: it contributes
// nothing to the controller handler's credentials file.
func (p *Provider) Prepare(ctx context.Context) error {
	if p.CredentialsFile == "" {
		slog.Info("public-cloud provider has no credentials file configured, skipping")
		return nil
	}

	raw, err := p.Worker.ReadFile(p.CredentialsFile)
	if err != nil {
		return apierrors.Wrap(apierrors.ErrCodeFileNotFound, "failed to read public-cloud credentials file", err)
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeConfigInvalid, "public-cloud credentials file is not a YAML mapping", err)
	}
	if parsed == nil {
		return apierrors.New(apierrors.ErrCodeConfigInvalid, "public-cloud credentials file must contain a YAML mapping")
	}

	p.credentials = parsed
	return nil
}

// Credentials implements provider.Provider.
func (p *Provider) Credentials() map[string]any { return p.credentials }

// ModelDefaults implements provider.Provider.
func (p *Provider) ModelDefaults() map[string]string { return p.Defaults }

// BootstrapConstraints implements provider.Provider.
func (p *Provider) BootstrapConstraints() map[string]string { return p.Constraints }

// Restore implements provider.Provider. This provider installs nothing, so
// there is nothing to tear down.
func (p *Provider) Restore(ctx context.Context) error { return nil }
