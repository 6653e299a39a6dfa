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

package system

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFullArgvNoSudoForRootOrEmptyUser(t *testing.T) {
	for _, user := range []string{"", "root"} {
		cmd := NewCommand("apt-get", []string{"install", "-y", "lxd"}, AsUser(user))
		assert.Equal(t, []string{"apt-get", "install", "-y", "lxd"}, cmd.FullArgv())
	}
}

func TestFullArgvSudoForNonRootUser(t *testing.T) {
	cmd := NewCommand("juju", []string{"bootstrap"}, AsUser("ubuntu"))
	assert.Equal(t, []string{"sudo", "-u", "ubuntu", "juju", "bootstrap"}, cmd.FullArgv())
}

func TestFullArgvSudoWithGroup(t *testing.T) {
	cmd := NewCommand("juju", []string{"bootstrap"}, AsUser("ubuntu"), WithGroup("lxd"))
	assert.Equal(t, []string{"sudo", "-u", "ubuntu", "-g", "lxd", "juju", "bootstrap"}, cmd.FullArgv())
}

func TestFullArgvSudoForGroupOnly(t *testing.T) {
	cmd := NewCommand("juju", []string{"bootstrap"}, WithGroup("lxd"))
	assert.Equal(t, []string{"sudo", "-g", "lxd", "juju", "bootstrap"}, cmd.FullArgv())
}

func TestCommandStringQuotesArguments(t *testing.T) {
	cmd := NewCommand("juju", []string{"bootstrap", "--model-default", "key=value with space"})
	assert.Equal(t, `juju bootstrap --model-default 'key=value with space'`, cmd.CommandString())
}

func TestParseSnapShorthand(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Snap
		wantErr bool
	}{
		{"bare name", "lxd", Snap{Name: "lxd"}, false},
		{"name and channel", "lxd/latest/stable", Snap{Name: "lxd", Channel: "latest/stable"}, false},
		{"name and simple channel", "microk8s/1.28/stable", Snap{Name: "microk8s", Channel: "1.28/stable"}, false},
		{"empty", "", Snap{}, true},
		{"leading slash", "/stable", Snap{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSnapShorthand(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSnapStringRoundTrip(t *testing.T) {
	for _, shorthand := range []string{"lxd", "lxd/latest/stable", "microk8s/1.28/stable"} {
		snap, err := ParseSnapShorthand(shorthand)
		require.NoError(t, err)
		assert.Equal(t, shorthand, snap.String())
	}
}
