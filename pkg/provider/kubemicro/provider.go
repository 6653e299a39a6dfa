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

// Package kubemicro provisions the lightweight single-node Kubernetes
// backend (a MicroK8s-equivalent) used by the "kube-micro" preset.
package kubemicro

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/canonical/concierge/pkg/defaults"
	apierrors "github.com/canonical/concierge/pkg/errors"
	"github.com/canonical/concierge/pkg/packages"
	"github.com/canonical/concierge/pkg/system"
	"k8s.io/client-go/tools/clientcmd"
)

// DefaultAddons are enabled on every kube-micro provider unless the caller
// overrides Addons.
var DefaultAddons = []string{"dns", "hostpath-storage"}

// DefaultChannel is used when Channel is unspecified and no published
// channel both strict-confines and tracks stable.
const DefaultChannel = "1.32-strict/stable"

// metallbAddonArg configures metallb's load-balancer address pool when the
// "metallb" addon is requested bare, mirroring the range concierge has
// historically reserved for it.
const metallbAddonArg = "metallb:10.64.140.43-10.64.140.49"

// Provider brings up the lightweight Kubernetes backend.
type Provider struct {
	Worker  system.Worker
	Channel string
	Addons  []string

	Defaults    map[string]string
	Constraints map[string]string
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return "kube-micro" }

// CloudName implements provider.Provider.
func (p *Provider) CloudName() string { return "k8s-micro" }

// GroupName implements provider.Provider. A strict-confinement channel
// gives the snap its own group, "snap_microk8s"; classic channels use
// "microk8s" directly.
func (p *Provider) GroupName() string {
	if strings.Contains(p.Channel, "strict") {
		return "snap_microk8s"
	}
	return "microk8s"
}

// Bootstrap implements provider.Provider.
func (p *Provider) Bootstrap() bool { return true }

// Credentials implements provider.Provider. The cluster's kubeconfig is
// written straight to disk; the controller handler needs no separate
// credential blob for this backend.
func (p *Provider) Credentials() map[string]any { return nil }

// ModelDefaults implements provider.Provider.
func (p *Provider) ModelDefaults() map[string]string { return p.Defaults }

// BootstrapConstraints implements provider.Provider.
func (p *Provider) BootstrapConstraints() map[string]string { return p.Constraints }

// Prepare implements provider.Provider.
func (p *Provider) Prepare(ctx context.Context) error {
	if p.Channel == "" {
		p.Channel = p.computeDefaultChannel(ctx)
	}
	slog.Info("preparing kube-micro provider", "channel", p.Channel)

	if err := p.install(ctx); err != nil {
		return err
	}

	status := system.NewCommand("microk8s", []string{"status", "--wait-ready", "--timeout", "270"})
	if _, err := p.Worker.RunWithRetries(ctx, status, defaults.ClusterInitTimeout); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "kube-micro cluster did not become ready", err)
	}

	if err := p.enableAddons(ctx); err != nil {
		return err
	}
	if err := p.enableNonRootControl(ctx); err != nil {
		return err
	}
	return p.writeKubeconfig(ctx)
}

// computeDefaultChannel picks the first published channel that is both
// strict-confined and tracks stable, falling back to DefaultChannel if the
// channel list cannot be queried or none match.
func (p *Provider) computeDefaultChannel(ctx context.Context) string {
	channels, err := p.Worker.SnapChannels(ctx, "microk8s")
	if err != nil {
		slog.Warn("failed to query kube-micro channels, using default", "error", err.Error())
		return DefaultChannel
	}
	for _, channel := range channels {
		if strings.Contains(channel, "strict") && strings.Contains(channel, "stable") {
			return channel
		}
	}
	return DefaultChannel
}

func (p *Provider) install(ctx context.Context) error {
	handler := &packages.SnapPackageHandler{
		Worker: p.Worker,
		Snaps: []system.Snap{
			{Name: "microk8s", Channel: p.Channel},
			{Name: "kubectl", Channel: "stable"},
		},
	}
	return handler.Prepare(ctx)
}

// enableAddons enables every configured addon; an addon named bare
// "metallb" expands to a load-balancer address pool argument, since
// metallb refuses to enable without one.
func (p *Provider) enableAddons(ctx context.Context) error {
	addons := p.Addons
	if len(addons) == 0 {
		addons = DefaultAddons
	}

	for _, addon := range addons {
		arg := addon
		if addon == "metallb" {
			arg = metallbAddonArg
		}

		enable := system.NewCommand("microk8s", []string{"enable", arg})
		if _, err := p.Worker.RunWithRetries(ctx, enable, defaults.ClusterInitTimeout); err != nil {
			return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "failed to enable kube-micro addon "+addon, err)
		}
	}
	return nil
}

func (p *Provider) enableNonRootControl(ctx context.Context) error {
	user, err := p.Worker.InvokingUser()
	if err != nil {
		return apierrors.Wrap(apierrors.ErrCodeInternal, "failed to resolve invoking user", err)
	}
	if user == "" || user == "root" {
		return nil
	}

	addGroup := system.NewCommand("usermod", []string{"-a", "-G", p.GroupName(), user})
	if _, err := p.Worker.Run(ctx, addGroup); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "failed to add invoking user to kube-micro group", err)
	}
	return nil
}

func (p *Provider) writeKubeconfig(ctx context.Context) error {
	dump := system.NewCommand("microk8s", []string{"config"})
	res, err := p.Worker.Run(ctx, dump)
	if err != nil {
		return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "failed to dump kube-micro kubeconfig", err)
	}

	if _, err := clientcmd.Load([]byte(res.Output)); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeConfigInvalid, "kube-micro produced an invalid kubeconfig", err)
	}

	return p.Worker.WriteHomeFile(filepath.Join(".kube", "config"), []byte(res.Output), 0o600)
}

// Restore implements provider.Provider.
func (p *Provider) Restore(ctx context.Context) error {
	slog.Info("restoring kube-micro provider")

	handler := &packages.SnapPackageHandler{
		Worker: p.Worker,
		Snaps: []system.Snap{
			{Name: "microk8s"},
			{Name: "kubectl"},
		},
	}
	if err := handler.Restore(ctx); err != nil {
		return err
	}

	return p.Worker.RemoveAllHome(".kube")
}
