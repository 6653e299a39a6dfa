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

package defaults

import "time"

// Command retry bounds for Worker.RunWithRetries (exponential backoff,
// bounded by an overall deadline). Each attempt's own timeout is capped to
// a fraction of whatever duration remains.
const (
	// CommandRetryMinBackoff is the first retry delay.
	CommandRetryMinBackoff = 1 * time.Second

	// CommandRetryMaxBackoff is the ceiling any single retry delay can reach.
	CommandRetryMaxBackoff = 60 * time.Second

	// CommandAttemptTimeoutFraction is the share of the remaining overall
	// deadline granted to a single attempt.
	CommandAttemptTimeoutFraction = 0.9
)

// Daemon retry bounds, used for snapd queries and controller
// existence/bootstrap probes.
const (
	// DaemonRetryMinBackoff is the first retry delay against a local daemon.
	DaemonRetryMinBackoff = 1 * time.Second

	// DaemonRetryMaxBackoff is the ceiling a daemon retry delay can reach.
	DaemonRetryMaxBackoff = 10 * time.Second

	// DaemonRetryMaxAttempts bounds the number of attempts against a daemon
	// before giving up.
	DaemonRetryMaxAttempts = 10
)

// Provisioning stage deadlines.
const (
	// PackageStageTimeout bounds the retries of a single snap install or
	// refresh issued by the snap package handler.
	PackageStageTimeout = 10 * time.Minute

	// ProviderStageTimeout bounds the retries of the controller handler's
	// install of the orchestrator snap.
	ProviderStageTimeout = 10 * time.Minute

	// ControllerBootstrapTimeout bounds a single controller bootstrap.
	ControllerBootstrapTimeout = 5 * time.Minute

	// LXDWaitReadyTimeout bounds waiting for the local-container daemon to
	// report ready after installation.
	LXDWaitReadyTimeout = 270 * time.Second

	// SnapdWaitSeedTimeout is a bound for waiting on snapd seeding on a
	// freshly imaged host. No code in this module references it.
	SnapdWaitSeedTimeout = 5 * time.Minute

	// ClusterInitTimeout bounds a single kube-canonical/kube-micro cluster
	// bootstrap, wait-ready, or feature-enable operation.
	ClusterInitTimeout = 5 * time.Minute
)

// Command execution defaults.
const (
	// DefaultCommandTimeout is a per-command deadline value. Only this
	// package's tests reference it; Run applies no deadline of its own.
	DefaultCommandTimeout = 60 * time.Second

	// ExclusiveLockWait bounds how long RunExclusive waits to acquire a
	// per-executable lock before giving up.
	ExclusiveLockWait = 2 * time.Minute
)

// HTTP client timeouts for the snapd Unix-domain-socket client.
const (
	// SnapdHTTPClientTimeout is the total timeout for one snapd HTTP
	// request.
	SnapdHTTPClientTimeout = 30 * time.Second

	// SnapdDialTimeout bounds establishing the Unix socket connection.
	SnapdDialTimeout = 5 * time.Second
)

// CLI defaults.
const (
	// StatusStaleWarningAge is an age threshold for a persisted record. No
	// code in this module references it; `concierge status` prints no
	// staleness warning.
	StatusStaleWarningAge = 24 * time.Hour
)
