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

// Package packages installs and removes the two kinds of host package this
// tool manages: apt packages (SystemPackageHandler) and snaps
// (SnapPackageHandler).
package packages

import (
	"context"
	"log/slog"

	apierrors "github.com/canonical/concierge/pkg/errors"
	"github.com/canonical/concierge/pkg/system"
)

// SystemPackageHandler installs and removes apt packages.
type SystemPackageHandler struct {
	Worker   system.Worker
	Packages []string
}

// Prepare runs `apt-get update` once, then installs every configured
// package in a single `apt-get install -y` invocation so apt can resolve
// their combined dependency set together.
func (h *SystemPackageHandler) Prepare(ctx context.Context) error {
	if len(h.Packages) == 0 {
		return nil
	}

	slog.Info("installing apt packages", "count", len(h.Packages))

	update := system.NewCommand("apt-get", []string{"update"})
	if _, err := h.Worker.RunExclusive(ctx, update); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "apt-get update failed", err)
	}

	args := append([]string{"install", "-y"}, h.Packages...)
	install := system.NewCommand("apt-get", args)
	if _, err := h.Worker.RunExclusive(ctx, install); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "apt-get install failed", err)
	}

	return nil
}

// Restore removes every configured package concierge installed.
func (h *SystemPackageHandler) Restore(ctx context.Context) error {
	if len(h.Packages) == 0 {
		return nil
	}

	slog.Info("removing apt packages", "count", len(h.Packages))

	args := append([]string{"remove", "-y"}, h.Packages...)
	remove := system.NewCommand("apt-get", args)
	if _, err := h.Worker.RunExclusive(ctx, remove); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "apt-get remove failed", err)
	}

	return nil
}

