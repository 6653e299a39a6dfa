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

package controller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/canonical/concierge/pkg/provider"
	"github.com/canonical/concierge/pkg/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name        string
	cloudName   string
	groupName   string
	bootstrap   bool
	credentials map[string]any
	defaults    map[string]string
	constraints map[string]string
}

func (f *fakeProvider) Name() string                            { return f.name }
func (f *fakeProvider) Prepare(ctx context.Context) error        { return nil }
func (f *fakeProvider) Restore(ctx context.Context) error        { return nil }
func (f *fakeProvider) CloudName() string                       { return f.cloudName }
func (f *fakeProvider) GroupName() string                       { return f.groupName }
func (f *fakeProvider) Bootstrap() bool                          { return f.bootstrap }
func (f *fakeProvider) Credentials() map[string]any              { return f.credentials }
func (f *fakeProvider) ModelDefaults() map[string]string         { return f.defaults }
func (f *fakeProvider) BootstrapConstraints() map[string]string  { return f.constraints }

var _ provider.Provider = (*fakeProvider)(nil)

type fakeWorker struct {
	mu             sync.Mutex
	ran            []*system.Command
	responses      map[string]system.Result
	errs           map[string]error
	user           string
	homeWrites     map[string][]byte
	homeSubdirs    []string
	removedHomes   []string
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{
		responses:  map[string]system.Result{},
		errs:       map[string]error{},
		user:       "root",
		homeWrites: map[string][]byte{},
	}
}

func (f *fakeWorker) Run(ctx context.Context, cmd *system.Command) (system.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, cmd)
	return f.responses[cmd.CommandString()], f.errs[cmd.CommandString()]
}

func (f *fakeWorker) RunExclusive(ctx context.Context, cmd *system.Command) (system.Result, error) {
	return f.Run(ctx, cmd)
}

func (f *fakeWorker) RunWithRetries(ctx context.Context, cmd *system.Command, _ time.Duration) (system.Result, error) {
	return f.Run(ctx, cmd)
}

func (f *fakeWorker) InvokingUser() (string, error) { return f.user, nil }

func (f *fakeWorker) WriteHomeFile(relPath string, data []byte, perm uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.homeWrites[relPath] = data
	return nil
}

func (f *fakeWorker) MkHomeSubdir(relPath string, perm uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.homeSubdirs = append(f.homeSubdirs, relPath)
	return nil
}

func (f *fakeWorker) RemoveAllHome(relPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedHomes = append(f.removedHomes, relPath)
	return nil
}

func (f *fakeWorker) ReadHomeFile(relPath string) ([]byte, error) { return nil, nil }

func (f *fakeWorker) ReadFile(path string) ([]byte, error) { return nil, nil }

func (f *fakeWorker) HomeDir() (string, error) {
	if f.user == "" || f.user == "root" {
		return "/root", nil
	}
	return "/home/" + f.user, nil
}

func (f *fakeWorker) SnapInfo(ctx context.Context, name, channel string) (system.SnapInfo, error) {
	return system.SnapInfo{}, nil
}

func (f *fakeWorker) SnapChannels(ctx context.Context, name string) ([]string, error) { return nil, nil }

func (f *fakeWorker) commandStrings() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ran))
	for i, c := range f.ran {
		out[i] = c.CommandString()
	}
	return out
}

func TestPrepareBootstrapsProviderWhenControllerMissing(t *testing.T) {
	worker := newFakeWorker()
	probe := system.NewCommand("juju", []string{"show-controller", "concierge-local-container"})
	worker.errs[probe.CommandString()] = errors.New(`command "juju show-controller concierge-local-container" exited 1: controller concierge-local-container not found`)

	dataDir := t.TempDir()
	h := &Handler{
		Worker:  worker,
		DataDir: dataDir,
		Providers: []provider.Provider{
			&fakeProvider{name: "local-container", cloudName: "localhost", groupName: "lxd", bootstrap: true,
				defaults: map[string]string{"test-mode": "true"}},
		},
	}

	require.NoError(t, h.Prepare(context.Background()))

	cmds := worker.commandStrings()
	assert.Contains(t, cmds, "snap install juju")
	assert.Contains(t, cmds, probe.CommandString())
	assert.Contains(t, cmds, "juju bootstrap localhost concierge-local-container --verbose --model-default test-mode=true")
	assert.Contains(t, cmds, "juju add-model testing -c concierge-local-container")
}

func TestPrepareSkipsBootstrapWhenControllerExists(t *testing.T) {
	worker := newFakeWorker()
	probe := system.NewCommand("juju", []string{"show-controller", "concierge-local-container"})
	worker.responses[probe.CommandString()] = system.Result{Output: "ok"}

	h := &Handler{
		Worker:  worker,
		DataDir: t.TempDir(),
		Providers: []provider.Provider{
			&fakeProvider{name: "local-container", cloudName: "localhost", bootstrap: true},
		},
	}

	require.NoError(t, h.Prepare(context.Background()))

	for _, c := range worker.commandStrings() {
		assert.NotContains(t, c, "bootstrap localhost")
	}
}

func TestPrepareSkipsNonBootstrapProviders(t *testing.T) {
	worker := newFakeWorker()
	h := &Handler{
		Worker:  worker,
		DataDir: t.TempDir(),
		Providers: []provider.Provider{
			&fakeProvider{name: "public-cloud", cloudName: "aws", bootstrap: false},
		},
	}

	require.NoError(t, h.Prepare(context.Background()))
	for _, c := range worker.commandStrings() {
		assert.NotContains(t, c, "show-controller")
	}
}

func TestPrepareWritesCredentialsFileWhenProviderContributes(t *testing.T) {
	worker := newFakeWorker()
	probe := system.NewCommand("juju", []string{"show-controller", "concierge-public-cloud"})
	worker.responses[probe.CommandString()] = system.Result{Output: "ok"}

	dataDir := t.TempDir()
	h := &Handler{
		Worker:  worker,
		DataDir: dataDir,
		Providers: []provider.Provider{
			&fakeProvider{name: "public-cloud", cloudName: "aws", bootstrap: false,
				credentials: map[string]any{"access-key": "AKIA"}},
		},
	}

	require.NoError(t, h.Prepare(context.Background()))

	contents, err := os.ReadFile(filepath.Join(dataDir, "credentials.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(contents), "access-key")
}

func TestPrepareWritesCredentialsThroughWorkerWhenDataDirUnset(t *testing.T) {
	worker := newFakeWorker()
	probe := system.NewCommand("juju", []string{"show-controller", "concierge-public-cloud"})
	worker.responses[probe.CommandString()] = system.Result{Output: "ok"}

	h := &Handler{
		Worker: worker,
		Providers: []provider.Provider{
			&fakeProvider{name: "public-cloud", cloudName: "aws", bootstrap: false,
				credentials: map[string]any{"access-key": "AKIA"}},
		},
	}

	require.NoError(t, h.Prepare(context.Background()))

	require.Contains(t, worker.homeSubdirs, filepath.Join(".local", "share", "juju"))
	written, ok := worker.homeWrites[filepath.Join(".local", "share", "juju", "credentials.yaml")]
	require.True(t, ok)
	assert.Contains(t, string(written), "access-key")
}

func TestRestoreRemovesDataDirThroughWorkerWhenDataDirUnset(t *testing.T) {
	worker := newFakeWorker()
	probe := system.NewCommand("juju", []string{"show-controller", "concierge-local-container"})
	worker.responses[probe.CommandString()] = system.Result{Output: "ok"}

	h := &Handler{
		Worker: worker,
		Providers: []provider.Provider{
			&fakeProvider{name: "local-container", cloudName: "localhost", bootstrap: true},
		},
	}

	require.NoError(t, h.Restore(context.Background()))
	assert.Contains(t, worker.removedHomes, filepath.Join(".local", "share", "juju"))
}

func TestBootstrapArgvMergesModelDefaultsInSortedOrder(t *testing.T) {
	h := &Handler{ModelDefaults: map[string]string{"test-mode": "true", "automatically-retry-hooks": "false"}}
	p := &fakeProvider{cloudName: "localhost", defaults: map[string]string{"test-mode": "false"}}

	argv := h.bootstrapArgv(p, "concierge-local-container")
	assert.Equal(t, []string{
		"bootstrap", "localhost", "concierge-local-container", "--verbose",
		"--model-default", "automatically-retry-hooks=false",
		"--model-default", "test-mode=false",
	}, argv)
}

func TestRestoreDestroysExistingControllersAndRemovesSnap(t *testing.T) {
	worker := newFakeWorker()
	probe := system.NewCommand("juju", []string{"show-controller", "concierge-local-container"})
	worker.responses[probe.CommandString()] = system.Result{Output: "ok"}

	h := &Handler{
		Worker:  worker,
		DataDir: t.TempDir(),
		Providers: []provider.Provider{
			&fakeProvider{name: "local-container", cloudName: "localhost", bootstrap: true},
		},
	}

	require.NoError(t, h.Restore(context.Background()))

	cmds := worker.commandStrings()
	assert.Contains(t, cmds, "juju kill-controller --no-prompt concierge-local-container")
	assert.Contains(t, cmds, "snap remove --purge juju")
}
