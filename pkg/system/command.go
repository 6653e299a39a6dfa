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

// Package system provides the subprocess execution substrate used by every
// package/provider/controller handler: an immutable Command description, a
// Worker that actually runs it with locking/retries/privilege-drop, and
// home-directory file helpers that repair ownership after running as root.
package system

import (
	"fmt"
	"strings"

	"github.com/alessio/shellescape"
)

// Command is an immutable description of a subprocess invocation. Build one
// with NewCommand and read it with FullArgv/String; there are no setters.
type Command struct {
	executable string
	args       []string
	user       string
	group      string
}

// CommandOption customizes a Command at construction time.
type CommandOption func(*Command)

// AsUser runs the command as the named user (via sudo -u) instead of root.
// An empty user leaves the command running as root.
func AsUser(user string) CommandOption {
	return func(c *Command) { c.user = user }
}

// WithGroup additionally passes -g group to sudo. With no AsUser the command
// still runs under "sudo -g group"; ignored only when user is "root".
func WithGroup(group string) CommandOption {
	return func(c *Command) { c.group = group }
}

// NewCommand builds a Command for executable with args, applying opts.
func NewCommand(executable string, args []string, opts ...CommandOption) *Command {
	c := &Command{
		executable: executable,
		args:       append([]string(nil), args...),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Executable returns the program name or path to run.
func (c *Command) Executable() string { return c.executable }

// Args returns the command's arguments, excluding any sudo/privilege prefix.
func (c *Command) Args() []string { return append([]string(nil), c.args...) }

// User returns the user the command runs as, or "" for the invoking
// process's own user.
func (c *Command) User() string { return c.user }

// FullArgv returns the complete argv including any sudo privilege-drop
// prefix. The prefix is added whenever user or group is set and user is not
// literally "root" (the process is assumed to already be root in that
// case); a group with no user still gets wrapped with "sudo -g group" and
// no "-u".
func (c *Command) FullArgv() []string {
	if c.user == "root" || (c.user == "" && c.group == "") {
		return append([]string{c.executable}, c.args...)
	}

	argv := []string{"sudo"}
	if c.user != "" {
		argv = append(argv, "-u", c.user)
	}
	if c.group != "" {
		argv = append(argv, "-g", c.group)
	}
	argv = append(argv, c.executable)
	argv = append(argv, c.args...)
	return argv
}

// CommandString renders FullArgv as a shell-quoted string that round-trips
// through a shell: every argument is quoted so that embedded spaces or
// shell metacharacters cannot corrupt the logged/reported command.
func (c *Command) CommandString() string {
	return shellescape.QuoteCommand(c.FullArgv())
}

// String implements fmt.Stringer.
func (c *Command) String() string { return c.CommandString() }

// Snap identifies an installable snap by name, optional channel, and
// optional plug/slot connections to establish after installation.
type Snap struct {
	Name        string
	Channel     string
	Connections []string
}

// ParseSnapShorthand parses "name/channel" or bare "name" into a Snap. Only
// the first slash is significant: a channel value containing further
// slashes (e.g. "latest/stable") is preserved whole in Channel.
func ParseSnapShorthand(shorthand string) (Snap, error) {
	shorthand = strings.TrimSpace(shorthand)
	if shorthand == "" {
		return Snap{}, fmt.Errorf("empty snap shorthand")
	}

	idx := strings.Index(shorthand, "/")
	if idx < 0 {
		return Snap{Name: shorthand}, nil
	}
	if idx == 0 {
		return Snap{}, fmt.Errorf("snap shorthand %q has no name before the channel separator", shorthand)
	}

	return Snap{
		Name:    shorthand[:idx],
		Channel: shorthand[idx+1:],
	}, nil
}

// String renders a Snap back to "name/channel" or bare "name" shorthand.
func (s Snap) String() string {
	if s.Channel == "" {
		return s.Name
	}
	return s.Name + "/" + s.Channel
}

// SnapInfo reports the locally installed state of a snap as reported by
// snapd.
type SnapInfo struct {
	Installed       bool
	Classic         bool
	TrackingChannel string
}
