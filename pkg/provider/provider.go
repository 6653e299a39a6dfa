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

// Package provider defines the capability every backend (local-container,
// kube-canonical, kube-micro, public-cloud) exposes to the Plan and to the
// controller handler.
package provider

import "context"

// Provider brings a backend up (Prepare), tears it down (Restore), and
// reports the cloud/credential name the controller handler bootstraps a
// controller against (CloudName).
type Provider interface {
	// Name is the stable identifier used in logs, the persisted record, and
	// controller.Overrides keys: "local-container", "kube-canonical",
	// "kube-micro", or "public-cloud".
	Name() string

	// Prepare installs and configures the backend so a controller can be
	// bootstrapped against it. Idempotent: calling Prepare against an
	// already-prepared backend is a no-op.
	Prepare(ctx context.Context) error

	// Restore tears down whatever Prepare set up. Best-effort: a Restore
	// failure on one provider must not prevent others from completing
	// their own Restore.
	Restore(ctx context.Context) error

	// CloudName returns the cloud identifier the controller handler passes
	// to the orchestrator's bootstrap command for this backend.
	CloudName() string

	// GroupName returns the system group the controller handler's
	// orchestrator process needs to be a member of to reach this backend
	// ("lxd", "microk8s", ""  for backends with no group requirement).
	GroupName() string

	// Bootstrap reports whether the controller handler should bootstrap a
	// controller against this backend. Providers that are enabled purely
	// for credential plumbing (public-cloud) return false.
	Bootstrap() bool

	// Credentials returns an opaque mapping the controller handler
	// serializes verbatim into its credentials file under
	// credentials.<CloudName>.concierge. Returns nil for providers that
	// need no user-supplied credentials.
	Credentials() map[string]any

	// ModelDefaults returns the model-config defaults the controller
	// handler passes as --model-default to the orchestrator's bootstrap
	// command for this backend.
	ModelDefaults() map[string]string

	// BootstrapConstraints returns the constraints the controller handler
	// passes to the orchestrator's bootstrap command for this backend.
	BootstrapConstraints() map[string]string
}
