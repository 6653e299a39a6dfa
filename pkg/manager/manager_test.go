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

package manager

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	apierrors "github.com/canonical/concierge/pkg/errors"

	"github.com/canonical/concierge/pkg/config"
	"github.com/canonical/concierge/pkg/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorker struct {
	fail bool
}

func (f *fakeWorker) Run(ctx context.Context, cmd *system.Command) (system.Result, error) {
	if f.fail {
		return system.Result{}, errors.New("boom")
	}
	return system.Result{}, nil
}

func (f *fakeWorker) RunExclusive(ctx context.Context, cmd *system.Command) (system.Result, error) {
	return f.Run(ctx, cmd)
}

func (f *fakeWorker) RunWithRetries(ctx context.Context, cmd *system.Command, _ time.Duration) (system.Result, error) {
	return f.Run(ctx, cmd)
}

func (f *fakeWorker) InvokingUser() (string, error) { return "root", nil }

func (f *fakeWorker) WriteHomeFile(relPath string, data []byte, perm uint32) error { return nil }

func (f *fakeWorker) MkHomeSubdir(relPath string, perm uint32) error { return nil }

func (f *fakeWorker) RemoveAllHome(relPath string) error { return nil }

func (f *fakeWorker) ReadHomeFile(relPath string) ([]byte, error) { return nil, nil }

func (f *fakeWorker) ReadFile(path string) ([]byte, error) { return nil, nil }

func (f *fakeWorker) HomeDir() (string, error) { return "/root", nil }

func (f *fakeWorker) SnapInfo(ctx context.Context, name, channel string) (system.SnapInfo, error) {
	return system.SnapInfo{}, nil
}

func (f *fakeWorker) SnapChannels(ctx context.Context, name string) ([]string, error) { return nil, nil }

func TestPrepareWritesSucceededRecord(t *testing.T) {
	recordPath := filepath.Join(t.TempDir(), "concierge.yaml")
	worker := &fakeWorker{}
	m := &Manager{Worker: worker, RecordPath: recordPath}

	cfg := config.New(config.WithProviders(config.ProvidersConfig{
		LocalContainer: config.ProviderConfig{Enabled: true},
	}))

	require.NoError(t, m.Prepare(context.Background(), cfg))

	status, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, status)
}

func TestPrepareWritesFailedRecordAndReturnsError(t *testing.T) {
	recordPath := filepath.Join(t.TempDir(), "concierge.yaml")
	worker := &fakeWorker{fail: true}
	m := &Manager{Worker: worker, RecordPath: recordPath}

	cfg := config.New(config.WithProviders(config.ProvidersConfig{
		LocalContainer: config.ProviderConfig{Enabled: true},
	}))

	err := m.Prepare(context.Background(), cfg)
	require.Error(t, err)

	status, statusErr := m.Status(context.Background())
	require.NoError(t, statusErr)
	assert.Equal(t, StatusFailed, status)
}

func TestStatusFriendlyErrorWhenNoRecordExists(t *testing.T) {
	recordPath := filepath.Join(t.TempDir(), "missing", "concierge.yaml")
	m := &Manager{Worker: &fakeWorker{}, RecordPath: recordPath}

	_, err := m.Status(context.Background())
	require.Error(t, err)

	var structured *apierrors.StructuredError
	require.ErrorAs(t, err, &structured)
	assert.Equal(t, apierrors.ErrCodeFileNotFound, structured.Code)
	assert.Contains(t, structured.Message, "concierge has not prepared this machine")
}

func TestRestoreUsesPersistedConfigurationNotFreshInput(t *testing.T) {
	recordPath := filepath.Join(t.TempDir(), "concierge.yaml")
	worker := &fakeWorker{}
	m := &Manager{Worker: worker, RecordPath: recordPath}

	prepared := config.New(config.WithProviders(config.ProvidersConfig{
		LocalContainer: config.ProviderConfig{Enabled: true, Channel: "latest/stable"},
	}))
	require.NoError(t, m.Prepare(context.Background(), prepared))

	require.NoError(t, m.Restore(context.Background()))
}
