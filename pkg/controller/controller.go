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

// Package controller installs the cluster-orchestration controller binary,
// writes its credentials file, and bootstraps or destroys a controller on
// each enabled provider. Existence is gated by a remote-state probe so
// repeated prepares are idempotent.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/canonical/concierge/pkg/backoff"
	"github.com/canonical/concierge/pkg/defaults"
	apierrors "github.com/canonical/concierge/pkg/errors"
	"github.com/canonical/concierge/pkg/metrics"
	"github.com/canonical/concierge/pkg/provider"
	"github.com/canonical/concierge/pkg/system"
)

// orchestratorSnap is the snap name of the cluster-orchestration binary.
const orchestratorSnap = "juju"

// testingModelName is the default model created after every successful
// bootstrap.
const testingModelName = "testing"

// dataDirRelPath is the orchestrator's data directory, relative to the
// invoking user's home, used by the default (unoverridden) configuration.
var dataDirRelPath = filepath.Join(".local", "share", "juju")

// credentialsRelPath is the credentials file, relative to dataDirRelPath.
const credentialsRelPath = "credentials.yaml"

// Handler installs, credentials, and bootstraps the cluster orchestrator
// across every enabled provider.
type Handler struct {
	Worker    system.Worker
	Providers []provider.Provider

	Channel            string
	AgentVersion       string
	ExtraBootstrapArgs string

	// ModelDefaults and Constraints are the controller-wide defaults;
	// providers may override individual keys.
	ModelDefaults map[string]string
	Constraints   map[string]string

	// DataDir is the orchestrator's home-side data directory. Defaults to
	// ~/.local/share/juju under the invoking user's home when empty.
	DataDir string

	// CredentialsFile is where the aggregated provider credentials mapping
	// is written. Defaults to ~/.local/share/juju/credentials.yaml.
	CredentialsFile string
}

// controllerName is the stable controller identifier for a provider.
func controllerName(p provider.Provider) string {
	return "concierge-" + p.Name()
}

// Prepare installs the orchestrator, writes the credentials file, and
// bootstraps a controller on every provider with Bootstrap() true.
func (h *Handler) Prepare(ctx context.Context) error {
	slog.Info("preparing controller handler", "channel", h.Channel)

	args := []string{"install", orchestratorSnap}
	if h.Channel != "" {
		args = append(args, "--channel="+h.Channel)
	}
	install := system.NewCommand("snap", args)
	if _, err := h.Worker.RunWithRetries(ctx, install, defaults.ProviderStageTimeout); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "failed to install orchestrator snap", err)
	}

	if h.DataDir == "" {
		if err := h.Worker.MkHomeSubdir(dataDirRelPath, 0o700); err != nil {
			return apierrors.Wrap(apierrors.ErrCodeInternal, "failed to create controller data directory", err)
		}
	} else if err := os.MkdirAll(h.DataDir, 0o700); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeInternal, "failed to create controller data directory", err)
	}

	if err := h.writeCredentialsFile(); err != nil {
		return err
	}

	var group errgroup.Group
	for _, p := range h.Providers {
		if !p.Bootstrap() {
			continue
		}
		p := p
		group.Go(func() error {
			return h.bootstrapProvider(ctx, p)
		})
	}
	return group.Wait()
}

// bootstrapProvider probes for an existing controller and, if absent, builds
// and runs the bootstrap argv, then creates the default testing model.
func (h *Handler) bootstrapProvider(ctx context.Context, p provider.Provider) error {
	name := controllerName(p)

	exists, err := h.probeExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		slog.Info("controller already exists, skipping bootstrap", "controller", name)
		metrics.ObserveControllerBootstrap(p.Name(), "skipped")
		return nil
	}

	argv := h.bootstrapArgv(p, name)
	user, err := h.Worker.InvokingUser()
	if err != nil {
		return apierrors.Wrap(apierrors.ErrCodeInternal, "failed to resolve invoking user", err)
	}

	opts := []system.CommandOption{}
	if user != "" && user != "root" {
		opts = append(opts, system.AsUser(user))
		if group := p.GroupName(); group != "" {
			opts = append(opts, system.WithGroup(group))
		}
	}

	bootstrap := system.NewCommand(orchestratorSnap, argv, opts...)
	if _, err := h.Worker.RunWithRetries(ctx, bootstrap, defaults.ControllerBootstrapTimeout); err != nil {
		metrics.ObserveControllerBootstrap(p.Name(), "failed")
		return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "failed to bootstrap controller "+name, err)
	}

	addModel := system.NewCommand(orchestratorSnap, []string{"add-model", testingModelName, "-c", name}, opts...)
	if _, err := h.Worker.Run(ctx, addModel); err != nil {
		metrics.ObserveControllerBootstrap(p.Name(), "failed")
		return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "failed to add default model on controller "+name, err)
	}

	metrics.ObserveControllerBootstrap(p.Name(), "bootstrapped")
	return nil
}

// bootstrapArgv builds: bootstrap <cloud_name> <controller_name> --verbose
// [--agent-version v] [--model-default k=v]* [--bootstrap-constraints k=v]*
// [extra args], with model-defaults and constraints merged (provider
// overrides global) and emitted in sorted key order. ExtraBootstrapArgs is
// split on whitespace only; quotes and backslash escapes in it are not
// interpreted.
func (h *Handler) bootstrapArgv(p provider.Provider, name string) []string {
	argv := []string{"bootstrap", p.CloudName(), name, "--verbose"}
	if h.AgentVersion != "" {
		argv = append(argv, "--agent-version", h.AgentVersion)
	}

	defaultsMap := mergeStringMaps(h.ModelDefaults, p.ModelDefaults())
	for _, k := range sortedKeys(defaultsMap) {
		argv = append(argv, "--model-default", fmt.Sprintf("%s=%s", k, defaultsMap[k]))
	}

	constraints := mergeStringMaps(h.Constraints, p.BootstrapConstraints())
	for _, k := range sortedKeys(constraints) {
		argv = append(argv, "--bootstrap-constraints", fmt.Sprintf("%s=%s", k, constraints[k]))
	}

	if h.ExtraBootstrapArgs != "" {
		argv = append(argv, strings.Fields(h.ExtraBootstrapArgs)...)
	}
	return argv
}

// probeExists runs "show-controller <name>" under exponential backoff,
// tolerating transient subprocess failure. The exact substring
// "controller <name> not found" in the terminal error's output means the
// controller does not exist; any other terminal error is fatal.
func (h *Handler) probeExists(ctx context.Context, name string) (bool, error) {
	show := system.NewCommand(orchestratorSnap, []string{"show-controller", name})
	notFound := fmt.Sprintf("controller %s not found", name)

	var exists bool
	attempt := func(ctx context.Context) error {
		_, err := h.Worker.Run(ctx, show)
		if err == nil {
			exists = true
			return nil
		}
		if strings.Contains(err.Error(), notFound) {
			exists = false
			return nil
		}
		return err
	}

	params := backoff.Params{
		MinDelay:    defaults.DaemonRetryMinBackoff,
		MaxDelay:    defaults.DaemonRetryMaxBackoff,
		MaxAttempts: defaults.DaemonRetryMaxAttempts,
		Site:        "controller.probeExists",
	}
	if err := backoff.Retry(ctx, params, attempt); err != nil {
		return false, apierrors.Wrap(apierrors.ErrCodeCommandFailed, "failed to probe controller "+name, err)
	}
	return exists, nil
}

// writeCredentialsFile aggregates credentials from every provider that
// contributes a non-empty mapping into
// credentials.<cloud_name>.concierge = <provider credentials>, skipping the
// file entirely if no provider contributes credentials.
func (h *Handler) writeCredentialsFile() error {
	clouds := map[string]any{}
	for _, p := range h.Providers {
		creds := p.Credentials()
		if len(creds) == 0 {
			continue
		}
		clouds[p.CloudName()] = map[string]any{"concierge": creds}
	}
	if len(clouds) == 0 {
		return nil
	}

	out, err := yaml.Marshal(map[string]any{"credentials": clouds})
	if err != nil {
		return apierrors.Wrap(apierrors.ErrCodeInternal, "failed to marshal credentials file", err)
	}

	if h.CredentialsFile == "" && h.DataDir == "" {
		if err := h.Worker.WriteHomeFile(filepath.Join(dataDirRelPath, credentialsRelPath), out, 0o600); err != nil {
			return apierrors.Wrap(apierrors.ErrCodeInternal, "failed to write credentials file", err)
		}
		return nil
	}

	path, err := h.credentialsFilePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeInternal, "failed to create credentials directory", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeInternal, "failed to write credentials file", err)
	}
	return nil
}

// Restore destroys the controller on every bootstrap-capable provider,
// removes the data directory, and uninstalls the orchestrator snap.
// Best-effort: a single provider's destroy failure is logged but does not
// stop the rest of restore from proceeding.
func (h *Handler) Restore(ctx context.Context) error {
	slog.Info("restoring controller handler")

	for _, p := range h.Providers {
		if !p.Bootstrap() {
			continue
		}
		if err := h.destroyController(ctx, p); err != nil {
			slog.Warn("failed to destroy controller", "provider", p.Name(), "error", err.Error())
		}
	}

	if h.DataDir == "" {
		_ = h.Worker.RemoveAllHome(dataDirRelPath)
	} else {
		_ = os.RemoveAll(h.DataDir)
	}

	remove := system.NewCommand("snap", []string{"remove", "--purge", orchestratorSnap})
	if _, err := h.Worker.Run(ctx, remove); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "failed to remove orchestrator snap", err)
	}
	return nil
}

func (h *Handler) destroyController(ctx context.Context, p provider.Provider) error {
	name := controllerName(p)

	exists, err := h.probeExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	kill := system.NewCommand(orchestratorSnap, []string{"kill-controller", "--no-prompt", name})
	if _, err := h.Worker.Run(ctx, kill); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeCommandFailed, "failed to kill controller "+name, err)
	}
	return nil
}

// dataDir reports the orchestrator's data directory for logging and for the
// non-default (explicit DataDir override) I/O path. The default path's
// actual reads/writes go through the Worker's home-relative methods instead,
// so that they carry the Worker's privilege-drop and ownership repair.
func (h *Handler) dataDir() (string, error) {
	if h.DataDir != "" {
		return h.DataDir, nil
	}
	home, err := h.Worker.HomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, dataDirRelPath), nil
}

func (h *Handler) credentialsFilePath() (string, error) {
	if h.CredentialsFile != "" {
		return h.CredentialsFile, nil
	}
	dataDir, err := h.dataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "credentials.yaml"), nil
}

func mergeStringMaps(base, override map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
