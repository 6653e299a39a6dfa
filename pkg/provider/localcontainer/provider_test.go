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

package localcontainer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/canonical/concierge/pkg/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorker struct {
	mu        sync.Mutex
	ran       []*system.Command
	responses map[string]system.Result
	errs      map[string]error
	user      string
	userErr   error
	snapInfos map[string]system.SnapInfo
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{
		responses: map[string]system.Result{},
		errs:      map[string]error{},
		user:      "ubuntu",
		snapInfos: map[string]system.SnapInfo{},
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

func (f *fakeWorker) InvokingUser() (string, error) { return f.user, f.userErr }

func (f *fakeWorker) WriteHomeFile(relPath string, data []byte, perm uint32) error { return nil }

func (f *fakeWorker) MkHomeSubdir(relPath string, perm uint32) error { return nil }

func (f *fakeWorker) RemoveAllHome(relPath string) error { return nil }

func (f *fakeWorker) ReadHomeFile(relPath string) ([]byte, error) { return nil, nil }

func (f *fakeWorker) ReadFile(path string) ([]byte, error) { return nil, nil }

func (f *fakeWorker) HomeDir() (string, error) { return "/home/" + f.user, nil }

func (f *fakeWorker) SnapInfo(ctx context.Context, name, channel string) (system.SnapInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapInfos[name], nil
}

func (f *fakeWorker) SnapChannels(ctx context.Context, name string) ([]string, error) { return nil, nil }

func (f *fakeWorker) argvs() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.ran))
	for i, cmd := range f.ran {
		out[i] = cmd.FullArgv()
	}
	return out
}

func TestPrepareInstallsInitsAndAddsUserToGroup(t *testing.T) {
	worker := newFakeWorker()
	p := &Provider{Worker: worker, Channel: "latest/stable"}

	require.NoError(t, p.Prepare(context.Background()))
	assert.Equal(t, [][]string{
		{"snap", "install", "lxd", "--channel=latest/stable"},
		{"lxd", "waitready", "--timeout=270"},
		{"lxd", "init", "--minimal"},
		{"lxc", "network", "set", "lxdbr0", "ipv6.address", "none"},
		{"chmod", "a+wr", unixSocketPath},
		{"usermod", "-a", "-G", "lxd", "ubuntu"},
		{"iptables", "-F", "FORWARD"},
		{"iptables", "-P", "FORWARD", "ACCEPT"},
	}, worker.argvs())
}

func TestPrepareSkipsGroupAddForRoot(t *testing.T) {
	worker := newFakeWorker()
	worker.user = "root"
	p := &Provider{Worker: worker}

	require.NoError(t, p.Prepare(context.Background()))
	for _, argv := range worker.argvs() {
		assert.NotEqual(t, "usermod", argv[0])
	}
}

func TestPrepareStopsAndRestartsDaemonOnCrossChannelRefresh(t *testing.T) {
	worker := newFakeWorker()
	worker.snapInfos["lxd"] = system.SnapInfo{Installed: true, TrackingChannel: "4.0/stable"}
	p := &Provider{Worker: worker, Channel: "5.0/stable"}

	require.NoError(t, p.Prepare(context.Background()))
	argvs := worker.argvs()
	assert.Contains(t, argvs, []string{"snap", "stop", "lxd"})
	assert.Contains(t, argvs, []string{"snap", "start", "lxd"})
	assert.Contains(t, argvs, []string{"snap", "refresh", "lxd", "--channel=5.0/stable"})
}

func TestPrepareSkipsStopRestartWhenChannelUnchanged(t *testing.T) {
	worker := newFakeWorker()
	worker.snapInfos["lxd"] = system.SnapInfo{Installed: true, TrackingChannel: "5.0/stable"}
	p := &Provider{Worker: worker, Channel: "5.0/stable"}

	require.NoError(t, p.Prepare(context.Background()))
	for _, argv := range worker.argvs() {
		assert.NotEqual(t, []string{"snap", "stop", "lxd"}, argv)
	}
}

func TestRestoreRemovesSnap(t *testing.T) {
	worker := newFakeWorker()
	p := &Provider{Worker: worker}

	require.NoError(t, p.Restore(context.Background()))
	require.Len(t, worker.ran, 1)
	assert.Equal(t, []string{"snap", "remove", "--purge", "lxd"}, worker.ran[0].FullArgv())
}

func TestNameCloudNameGroupNameBootstrap(t *testing.T) {
	p := &Provider{}
	assert.Equal(t, "local-container", p.Name())
	assert.Equal(t, "localhost", p.CloudName())
	assert.Equal(t, "lxd", p.GroupName())
	assert.True(t, p.Bootstrap())
	assert.Nil(t, p.Credentials())
}
