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

// Package localcontainer provisions the local system-container backend
// (an LXD-equivalent daemon) used by the default "dev" preset.
package localcontainer

import (
	"context"
	"log/slog"

	"github.com/canonical/concierge/pkg/defaults"
	apierrors "github.com/canonical/concierge/pkg/errors"
	"github.com/canonical/concierge/pkg/packages"
	"github.com/canonical/concierge/pkg/system"
)

// unixSocketPath is the local-container daemon's control socket, chmod'd so
// non-root members of its management group can talk to it without sudo.
const unixSocketPath = "/var/snap/lxd/common/lxd/unix.socket"

// bridgeName is the default bridge the daemon's auto-initializer creates.
const bridgeName = "lxdbr0"

// Provider brings up the local system-container daemon: installs its snap,
// initializes it, and relaxes its networking/firewall defaults so charms
// deployed against it can reach the outside world.
type Provider struct {
	Worker  system.Worker
	Channel string

	Defaults    map[string]string
	Constraints map[string]string
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return "local-container" }

// CloudName implements provider.Provider.
func (p *Provider) CloudName() string { return "localhost" }

// GroupName implements provider.Provider.
func (p *Provider) GroupName() string { return "lxd" }

// Bootstrap implements provider.Provider.
func (p *Provider) Bootstrap() bool { return true }

// Credentials implements provider.Provider. The local-container backend
// needs no user-supplied credentials.
func (p *Provider) Credentials() map[string]any { return nil }

// ModelDefaults implements provider.Provider.
func (p *Provider) ModelDefaults() map[string]string { return p.Defaults }

// BootstrapConstraints implements provider.Provider.
func (p *Provider) BootstrapConstraints() map[string]string { return p.Constraints }

// Prepare implements provider.Provider.
func (p *Provider) Prepare(ctx context.Context) error {
	slog.Info("preparing local-container provider", "channel", p.Channel)

	if err := p.install(ctx); err != nil {
		return err
	}
	if err := p.initialize(ctx); err != nil {
		return err
	}
	if err := p.disableBridgeIPv6(ctx); err != nil {
		return err
	}
	if err := p.enableNonRootControl(ctx); err != nil {
		return err
	}
	return p.deconflictFirewall(ctx)
}

// install installs or refreshes the daemon's snap. A refresh that crosses
// channels stops the daemon first and restarts it afterwards: refreshing
// across channels while the daemon is live has been observed to leave it in
// a half-initialized state.
func (p *Provider) install(ctx context.Context) error {
	info, err := p.Worker.SnapInfo(ctx, "lxd", p.Channel)
	if err != nil {
		return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "failed to query local-container snap info", err)
	}

	workaround := info.Installed && p.Channel != "" && info.TrackingChannel != p.Channel
	if workaround {
		slog.Info("stopping local-container daemon before cross-channel refresh")
		stop := system.NewCommand("snap", []string{"stop", "lxd"})
		if _, err := p.Worker.Run(ctx, stop); err != nil {
			return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "failed to stop local-container daemon", err)
		}
	}

	handler := &packages.SnapPackageHandler{
		Worker: p.Worker,
		Snaps:  []system.Snap{{Name: "lxd", Channel: p.Channel}},
	}
	if err := handler.Prepare(ctx); err != nil {
		return err
	}

	if workaround {
		start := system.NewCommand("snap", []string{"start", "lxd"})
		if _, err := p.Worker.Run(ctx, start); err != nil {
			return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "failed to restart local-container daemon", err)
		}
	}
	return nil
}

// initialize waits for the daemon socket to come up, then runs its
// minimal auto-initializer. waitready must run before init: init issued
// against a daemon that has not finished its own startup fails outright.
func (p *Provider) initialize(ctx context.Context) error {
	waitready := system.NewCommand("lxd", []string{"waitready", "--timeout=270"})
	if _, err := p.Worker.Run(ctx, waitready); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "local-container daemon did not become ready", err)
	}

	init := system.NewCommand("lxd", []string{"init", "--minimal"})
	if _, err := p.Worker.RunWithRetries(ctx, init, defaults.LXDWaitReadyTimeout); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "local-container init failed", err)
	}
	return nil
}

// disableBridgeIPv6 turns off IPv6 on the daemon's default bridge: a stray
// IPv6 address on lxdbr0 breaks DNS resolution for containers on hosts with
// half-configured IPv6.
func (p *Provider) disableBridgeIPv6(ctx context.Context) error {
	cmd := system.NewCommand("lxc", []string{"network", "set", bridgeName, "ipv6.address", "none"})
	if _, err := p.Worker.Run(ctx, cmd); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "failed to disable IPv6 on local-container bridge", err)
	}
	return nil
}

// enableNonRootControl relaxes the daemon's control socket permissions and
// adds the invoking user to its management group, in that order: the group
// membership only takes effect on this user's next login, so the socket
// chmod is what lets an already-running unprivileged session use the
// daemon immediately.
func (p *Provider) enableNonRootControl(ctx context.Context) error {
	chmod := system.NewCommand("chmod", []string{"a+wr", unixSocketPath})
	if _, err := p.Worker.Run(ctx, chmod); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "failed to relax local-container socket permissions", err)
	}

	user, err := p.Worker.InvokingUser()
	if err != nil {
		return apierrors.Wrap(apierrors.ErrCodeInternal, "failed to resolve invoking user", err)
	}
	if user == "" || user == "root" {
		return nil
	}

	addGroup := system.NewCommand("usermod", []string{"-a", "-G", "lxd", user})
	if _, err := p.Worker.Run(ctx, addGroup); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "failed to add invoking user to lxd group", err)
	}
	return nil
}

// deconflictFirewall flushes the host's FORWARD chain and sets its default
// policy to accept: the daemon's containers route through this chain, and a
// host with a restrictive default FORWARD policy otherwise silently drops
// all container traffic.
func (p *Provider) deconflictFirewall(ctx context.Context) error {
	flush := system.NewCommand("iptables", []string{"-F", "FORWARD"})
	if _, err := p.Worker.RunExclusive(ctx, flush); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "failed to flush FORWARD chain", err)
	}

	accept := system.NewCommand("iptables", []string{"-P", "FORWARD", "ACCEPT"})
	if _, err := p.Worker.RunExclusive(ctx, accept); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "failed to set FORWARD chain policy", err)
	}
	return nil
}

// Restore implements provider.Provider.
func (p *Provider) Restore(ctx context.Context) error {
	slog.Info("restoring local-container provider")

	handler := &packages.SnapPackageHandler{
		Worker: p.Worker,
		Snaps:  []system.Snap{{Name: "lxd"}},
	}
	return handler.Restore(ctx)
}
