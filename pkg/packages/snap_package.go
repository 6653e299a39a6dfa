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

package packages

import (
	"context"
	"log/slog"
	"strings"

	"github.com/canonical/concierge/pkg/defaults"
	apierrors "github.com/canonical/concierge/pkg/errors"
	"github.com/canonical/concierge/pkg/system"
)

// SnapPackageHandler installs, refreshes, connects, and removes snaps.
type SnapPackageHandler struct {
	Worker system.Worker
	Snaps  []system.Snap
}

// Prepare installs every configured snap not already installed, refreshes
// every one that is already installed (whatever channel it tracks), then
// establishes any configured plug/slot connections.
func (h *SnapPackageHandler) Prepare(ctx context.Context) error {
	for _, snap := range h.Snaps {
		if err := h.installOrRefresh(ctx, snap); err != nil {
			return err
		}
		for _, conn := range snap.Connections {
			if err := h.connect(ctx, conn); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *SnapPackageHandler) installOrRefresh(ctx context.Context, snap system.Snap) error {
	info, err := h.Worker.SnapInfo(ctx, snap.Name, snap.Channel)
	if err != nil {
		return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "failed to query snap info for "+snap.Name, err)
	}

	verb := "install"
	if info.Installed {
		verb = "refresh"
	}
	slog.Info(verb+"ing snap", "snap", snap.String())

	args := []string{verb, snap.Name}
	if snap.Channel != "" {
		args = append(args, "--channel="+snap.Channel)
	}
	if info.Classic {
		args = append(args, "--classic")
	}

	cmd := system.NewCommand("snap", args)
	if _, err := h.Worker.RunWithRetries(ctx, cmd, defaults.PackageStageTimeout); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "snap "+verb+" failed", err)
	}
	return nil
}

// connect establishes a plug/slot connection described as "plug slot" or
// "plug" (connecting to the implicit matching slot). A connection string
// with more than two whitespace-separated parts is a configuration error,
// not a truncation: silently dropping extra parts would connect the wrong
// slot.
func (h *SnapPackageHandler) connect(ctx context.Context, conn string) error {
	parts := strings.Fields(conn)
	if len(parts) > 2 {
		return apierrors.New(apierrors.ErrCodeConfigInvalid,
			"snap connection string has more than two parts: "+conn)
	}

	cmd := system.NewCommand("snap", append([]string{"connect"}, parts...))
	if _, err := h.Worker.RunExclusive(ctx, cmd); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "snap connect failed", err)
	}
	return nil
}

// Restore removes every configured snap, purging its data so a later
// prepare starts from a clean slate.
func (h *SnapPackageHandler) Restore(ctx context.Context) error {
	for _, snap := range h.Snaps {
		slog.Info("removing snap", "snap", snap.Name)
		cmd := system.NewCommand("snap", []string{"remove", "--purge", snap.Name})
		if _, err := h.Worker.RunExclusive(ctx, cmd); err != nil {
			return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "snap remove failed", err)
		}
	}
	return nil
}
