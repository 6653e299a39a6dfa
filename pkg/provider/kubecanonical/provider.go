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

// Package kubecanonical provisions the Canonical Kubernetes backend: its
// snap, a single-node cluster bootstrap, feature configuration, and the
// kubeconfig concierge writes to ~/.kube/config for charm development
// against it.
package kubecanonical

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"
	"golang.org/x/sync/errgroup"

	"github.com/canonical/concierge/pkg/defaults"
	apierrors "github.com/canonical/concierge/pkg/errors"
	"github.com/canonical/concierge/pkg/packages"
	"github.com/canonical/concierge/pkg/system"
	"k8s.io/client-go/tools/clientcmd"
)

// conflictingUnit is the systemd unit a pre-existing container runtime
// registers that would otherwise collide with the one bundled in the
// Canonical Kubernetes snap.
const conflictingUnit = "containerd.service"

// Provider brings up the Canonical Kubernetes backend.
type Provider struct {
	Worker  system.Worker
	Channel string

	// Features configures and enables k8s features: each top-level key is a
	// feature name, each inner mapping a set.key=value pair applied before
	// the feature is enabled.
	Features map[string]map[string]string

	Defaults    map[string]string
	Constraints map[string]string

	// HadConflictingContainerd records whether Prepare found and stopped a
	// pre-existing containerd.service, so Restore knows whether to try
	// restarting it.
	HadConflictingContainerd bool
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return "kube-canonical" }

// CloudName implements provider.Provider.
func (p *Provider) CloudName() string { return "k8s-canonical" }

// GroupName implements provider.Provider.
func (p *Provider) GroupName() string { return "" }

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
	slog.Info("preparing kube-canonical provider", "channel", p.Channel)

	if err := p.install(ctx); err != nil {
		return err
	}

	if err := p.handleExistingContainerd(ctx); err != nil {
		return err
	}

	needsBootstrap, err := p.needsBootstrap(ctx)
	if err != nil {
		return err
	}
	if needsBootstrap {
		bootstrap := system.NewCommand("k8s", []string{"bootstrap"})
		if _, err := p.Worker.RunWithRetries(ctx, bootstrap, defaults.ClusterInitTimeout); err != nil {
			return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "kube-canonical bootstrap failed", err)
		}
	}

	status := system.NewCommand("k8s", []string{"status", "--wait-ready"})
	if _, err := p.Worker.RunWithRetries(ctx, status, defaults.ClusterInitTimeout); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "kube-canonical cluster did not become ready", err)
	}

	if err := p.configureFeatures(ctx); err != nil {
		return err
	}

	return p.writeKubeconfig(ctx)
}

// install ensures iptables is present and installs the k8s and kubectl
// snaps concurrently, mirroring the independent dependency chains they sit
// on.
func (p *Provider) install(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return p.ensureIptables(ctx) })
	group.Go(func() error {
		handler := &packages.SnapPackageHandler{
			Worker: p.Worker,
			Snaps: []system.Snap{
				{Name: "k8s", Channel: p.Channel},
				{Name: "kubectl", Channel: "stable"},
			},
		}
		return handler.Prepare(ctx)
	})

	return group.Wait()
}

// ensureIptables probes for iptables and installs it via apt if absent.
func (p *Provider) ensureIptables(ctx context.Context) error {
	probe := system.NewCommand("which", []string{"iptables"})
	if _, err := p.Worker.Run(ctx, probe); err == nil {
		return nil
	}

	handler := &packages.SystemPackageHandler{Worker: p.Worker, Packages: []string{"iptables"}}
	return handler.Prepare(ctx)
}

// needsBootstrap probes cluster status: a fresh node's status output
// indicates it is not yet part of a cluster, meaning bootstrap must run; any
// other error is unexpected and fatal.
func (p *Provider) needsBootstrap(ctx context.Context) (bool, error) {
	status := system.NewCommand("k8s", []string{"status"})
	res, err := p.Worker.Run(ctx, status)
	if err == nil {
		return false, nil
	}

	if strings.Contains(strings.ToLower(res.Output), "not part of a") {
		return true, nil
	}
	return false, apierrors.Wrap(apierrors.ErrCodeCommandFailed, "failed to probe kube-canonical cluster status", err)
}

// configureFeatures applies each configured feature's set.key=value pairs,
// in deterministic key order, then enables the feature.
func (p *Provider) configureFeatures(ctx context.Context) error {
	names := make([]string, 0, len(p.Features))
	for name := range p.Features {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		conf := p.Features[name]
		keys := make([]string, 0, len(conf))
		for k := range conf {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			set := system.NewCommand("k8s", []string{"set", fmt.Sprintf("%s.%s=%s", name, k, conf[k])})
			if _, err := p.Worker.Run(ctx, set); err != nil {
				return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "failed to configure kube-canonical feature "+name, err)
			}
		}

		enable := system.NewCommand("k8s", []string{"enable", name})
		if _, err := p.Worker.RunWithRetries(ctx, enable, defaults.ClusterInitTimeout); err != nil {
			return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "failed to enable kube-canonical feature "+name, err)
		}
	}
	return nil
}

// handleExistingContainerd stops and removes a pre-existing
// containerd.service over D-Bus, so the Canonical Kubernetes snap's bundled
// containerd can bind its own socket and data directory without conflict.
func (p *Provider) handleExistingContainerd(ctx context.Context) error {
	conn, err := dbus.NewSystemdConnectionContext(ctx)
	if err != nil {
		slog.Warn("D-Bus unavailable, skipping containerd conflict check", "error", err.Error())
		return nil
	}
	defer conn.Close()

	props, err := conn.GetUnitPropertiesContext(ctx, conflictingUnit)
	if err != nil {
		// Unit not loaded at all: nothing to reconcile.
		return nil
	}

	active, _ := props["ActiveState"].(string)
	if active != "active" {
		return nil
	}

	slog.Info("stopping pre-existing containerd service to avoid a socket conflict")

	done := make(chan string, 1)
	if _, err := conn.StopUnitContext(ctx, conflictingUnit, "replace", done); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "failed to stop conflicting containerd.service", err)
	}
	<-done

	if err := os.RemoveAll("/run/containerd"); err != nil && !os.IsNotExist(err) {
		return apierrors.Wrap(apierrors.ErrCodeInternal, "failed to remove stale containerd runtime directory", err)
	}

	p.HadConflictingContainerd = true
	return nil
}

// restoreContainerd best-effort restarts containerd.service after
// concierge removes the Canonical Kubernetes snap, undoing
// handleExistingContainerd. Failures here are logged, not fatal: Restore
// proceeds regardless so other providers still get torn down.
func (p *Provider) restoreContainerd(ctx context.Context) {
	if !p.HadConflictingContainerd {
		return
	}

	conn, err := dbus.NewSystemdConnectionContext(ctx)
	if err != nil {
		slog.Warn("D-Bus unavailable, cannot restart containerd.service", "error", err.Error())
		return
	}
	defer conn.Close()

	done := make(chan string, 1)
	if _, err := conn.StartUnitContext(ctx, conflictingUnit, "replace", done); err != nil {
		slog.Warn("failed to restart containerd.service", "error", err.Error())
		return
	}
	<-done
}

// writeKubeconfig retrieves the admin kubeconfig from the cluster and
// writes it to the invoking user's ~/.kube/config, validating it parses as
// a well-formed kubeconfig before it ever touches disk.
func (p *Provider) writeKubeconfig(ctx context.Context) error {
	dump := system.NewCommand("k8s", []string{"kubectl", "config", "view", "--raw"})
	res, err := p.Worker.Run(ctx, dump)
	if err != nil {
		return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "failed to dump kube-canonical kubeconfig", err)
	}

	if _, err := clientcmd.Load([]byte(res.Output)); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeConfigInvalid, "kube-canonical produced an invalid kubeconfig", err)
	}

	return p.Worker.WriteHomeFile(filepath.Join(".kube", "config"), []byte(res.Output), 0o600)
}

// Restore implements provider.Provider.
func (p *Provider) Restore(ctx context.Context) error {
	slog.Info("restoring kube-canonical provider")

	handler := &packages.SnapPackageHandler{
		Worker: p.Worker,
		Snaps: []system.Snap{
			{Name: "k8s"},
			{Name: "kubectl"},
		},
	}
	if err := handler.Restore(ctx); err != nil {
		return err
	}

	if err := p.Worker.RemoveAllHome(".kube"); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeInternal, "failed to remove kube-canonical kubeconfig directory", err)
	}

	p.restoreContainerd(ctx)
	return nil
}
