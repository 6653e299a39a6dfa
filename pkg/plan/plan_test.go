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

package plan

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/canonical/concierge/pkg/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	name        string
	prepareErr  error
	restoreErr  error
	prepareCall *int32
	restoreCall *int32
}

func (f *fakeHandler) Prepare(ctx context.Context) error {
	if f.prepareCall != nil {
		atomic.AddInt32(f.prepareCall, 1)
	}
	return f.prepareErr
}

func (f *fakeHandler) Restore(ctx context.Context) error {
	if f.restoreCall != nil {
		atomic.AddInt32(f.restoreCall, 1)
	}
	return f.restoreErr
}

type fakeProvider struct {
	fakeHandler
}

func (f *fakeProvider) Name() string                           { return f.name }
func (f *fakeProvider) CloudName() string                      { return "cloud-" + f.name }
func (f *fakeProvider) GroupName() string                      { return "" }
func (f *fakeProvider) Bootstrap() bool                         { return true }
func (f *fakeProvider) Credentials() map[string]any             { return nil }
func (f *fakeProvider) ModelDefaults() map[string]string        { return nil }
func (f *fakeProvider) BootstrapConstraints() map[string]string { return nil }

var _ provider.Provider = (*fakeProvider)(nil)

func TestExecutePrepareRunsAllThreeStages(t *testing.T) {
	var sysCalls, snapCalls, provCalls, controllerCalls int32
	sysPkg := &fakeHandler{name: "sys", prepareCall: &sysCalls}
	snapPkg := &fakeHandler{name: "snap", prepareCall: &snapCalls}
	prov := &fakeProvider{fakeHandler: fakeHandler{name: "local-container", prepareCall: &provCalls}}
	controller := &fakeHandler{name: "controller", prepareCall: &controllerCalls}

	p := &Plan{
		SystemPackages: sysPkg,
		SnapPackages:   snapPkg,
		Providers:      []provider.Provider{prov},
		Controller:     controller,
	}

	require.NoError(t, p.Execute(context.Background(), ActionPrepare))
	assert.Equal(t, int32(1), atomic.LoadInt32(&sysCalls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&snapCalls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&provCalls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&controllerCalls))
}

func TestExecutePrepareStopsBeforeStage3WhenStage1Fails(t *testing.T) {
	var controllerCalls int32
	sysPkg := &fakeHandler{name: "sys", prepareErr: errors.New("update failed")}
	snapPkg := &fakeHandler{name: "snap"}
	prov := &fakeProvider{fakeHandler: fakeHandler{name: "local-container"}}
	controller := &fakeHandler{name: "controller", prepareCall: &controllerCalls}

	p := &Plan{
		SystemPackages: sysPkg,
		SnapPackages:   snapPkg,
		Providers:      []provider.Provider{prov},
		Controller:     controller,
	}

	err := p.Execute(context.Background(), ActionPrepare)
	require.Error(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&controllerCalls))
}

func TestExecuteSkipsControllerWhenNil(t *testing.T) {
	p := &Plan{}
	require.NoError(t, p.Execute(context.Background(), ActionPrepare))
}

func TestExecuteProvidersAllRunDespiteOneFailing(t *testing.T) {
	var calls int32
	failing := &fakeProvider{fakeHandler: fakeHandler{name: "a", prepareErr: errors.New("boom"), prepareCall: &calls}}
	succeeding := &fakeProvider{fakeHandler: fakeHandler{name: "b", prepareCall: &calls}}

	p := &Plan{Providers: []provider.Provider{failing, succeeding}}
	err := p.Execute(context.Background(), ActionPrepare)

	require.Error(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestExecuteRestoreCallsRestoreNotPrepare(t *testing.T) {
	var prepareCalls, restoreCalls int32
	sysPkg := &fakeHandler{name: "sys", prepareCall: &prepareCalls, restoreCall: &restoreCalls}
	p := &Plan{SystemPackages: sysPkg}

	require.NoError(t, p.Execute(context.Background(), ActionRestore))
	assert.Equal(t, int32(0), sysPkg.prepareCalls())
	assert.Equal(t, int32(1), sysPkg.restoreCalls())
}

func (f *fakeHandler) prepareCalls() int32 {
	if f.prepareCall == nil {
		return 0
	}
	return atomic.LoadInt32(f.prepareCall)
}

func (f *fakeHandler) restoreCalls() int32 {
	if f.restoreCall == nil {
		return 0
	}
	return atomic.LoadInt32(f.restoreCall)
}
