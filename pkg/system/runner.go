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
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/canonical/concierge/pkg/backoff"
	"github.com/canonical/concierge/pkg/defaults"
	apierrors "github.com/canonical/concierge/pkg/errors"
	"github.com/canonical/concierge/pkg/metrics"
	"github.com/canonical/concierge/pkg/system/snapd"
	k8sexec "k8s.io/utils/exec"
)

// Runner is the production Worker, backed by k8s.io/utils/exec so that
// command execution is mockable in tests of its callers.
type Runner struct {
	exec  k8sexec.Interface
	snapd *snapd.Client

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// Trace, when set, makes Run emit the full command string and its
	// merged output for every command it runs, regardless of success.
	Trace bool
}

// NewRunner builds a Runner using the real OS process executor and the
// default snapd socket.
func NewRunner() *Runner {
	return &Runner{
		exec:  k8sexec.New(),
		snapd: snapd.NewClient(""),
		locks: make(map[string]*sync.Mutex),
	}
}

// NewRunnerWithExecutor builds a Runner over an arbitrary k8s.io/utils/exec
// Interface, for tests that substitute a fake executor.
func NewRunnerWithExecutor(e k8sexec.Interface) *Runner {
	return &Runner{
		exec:  e,
		snapd: snapd.NewClient(""),
		locks: make(map[string]*sync.Mutex),
	}
}

// Run implements Worker.
func (r *Runner) Run(ctx context.Context, cmd *Command) (Result, error) {
	argv := cmd.FullArgv()

	slog.Debug("running command", "argv", argv)

	start := time.Now()
	execCmd := r.exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := execCmd.CombinedOutput()
	duration := time.Since(start)
	output := string(out)

	if err == nil {
		metrics.ObserveCommand(argv[0], "success", duration)
		r.emitTrace(cmd, output)
		return Result{ExitCode: 0, Output: output}, nil
	}

	exitCode := -1
	if exitErr, ok := err.(k8sexec.ExitError); ok {
		exitCode = exitErr.ExitStatus()
	}

	metrics.ObserveCommand(argv[0], "failure", duration)
	r.emitTrace(cmd, output)

	return Result{ExitCode: exitCode, Output: output}, &apierrors.CommandFailure{
		CommandString: cmd.CommandString(),
		ExitCode:      exitCode,
		Output:        output,
	}
}

// emitTrace writes one block per executed command to the operator when
// trace mode is on: the full command string, a blank line, then the merged
// stdout/stderr, regardless of whether the command succeeded.
func (r *Runner) emitTrace(cmd *Command, output string) {
	if !r.Trace {
		return
	}
	fmt.Fprintf(os.Stderr, "%s\n\n%s\n", cmd.CommandString(), output)
}

// lockFor returns the mutex dedicated to executable, creating it on first
// use. Two calls for distinct executables always return distinct mutexes,
// so RunExclusive never serializes unrelated commands against each other.
func (r *Runner) lockFor(executable string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[executable]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[executable] = lock
	}
	return lock
}

// RunExclusive implements Worker.
func (r *Runner) RunExclusive(ctx context.Context, cmd *Command) (Result, error) {
	lock := r.lockFor(cmd.Executable())

	acquired := make(chan struct{})
	go func() {
		lock.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(defaults.ExclusiveLockWait):
		return Result{}, apierrors.New(apierrors.ErrCodeTimeout,
			fmt.Sprintf("timed out waiting for exclusive lock on %q", cmd.Executable()))
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	defer lock.Unlock()

	return r.Run(ctx, cmd)
}

// RunWithRetries implements Worker.
func (r *Runner) RunWithRetries(ctx context.Context, cmd *Command, maxDuration time.Duration) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, maxDuration)
	defer cancel()

	var last Result
	err := backoff.Retry(ctx, backoff.Params{
		MinDelay: defaults.CommandRetryMinBackoff,
		MaxDelay: defaults.CommandRetryMaxBackoff,
		Site:     "runner.RunWithRetries:" + cmd.Executable(),
	}, func(ctx context.Context) error {
		remaining := time.Until(deadlineOr(ctx, time.Now().Add(maxDuration)))
		attemptTimeout := time.Duration(float64(remaining) * defaults.CommandAttemptTimeoutFraction)
		if attemptTimeout <= 0 {
			attemptTimeout = time.Second
		}

		attemptCtx, attemptCancel := context.WithTimeout(ctx, attemptTimeout)
		defer attemptCancel()

		res, err := r.Run(attemptCtx, cmd)
		last = res
		if err != nil {
			return err
		}
		return nil
	})

	return last, err
}

func deadlineOr(ctx context.Context, fallback time.Time) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return fallback
}

// InvokingUser implements Worker. It prefers SUDO_USER (set by sudo, the
// normal way concierge is invoked) and falls back to the current process
// user when not running under sudo.
func (r *Runner) InvokingUser() (string, error) {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		return sudoUser, nil
	}

	u, err := user.Current()
	if err != nil {
		return "", apierrors.Wrap(apierrors.ErrCodeInternal, "failed to resolve invoking user", err)
	}
	return u.Username, nil
}

// HomeDir implements Worker. It resolves the invoking (non-root) user's
// home directory, not the effective (often root) process identity.
func (r *Runner) HomeDir() (string, error) {
	username, err := r.InvokingUser()
	if err != nil {
		return "", err
	}
	if username == "" || username == "root" {
		return "/root", nil
	}

	u, err := user.Lookup(username)
	if err != nil {
		return "", apierrors.Wrap(apierrors.ErrCodeInternal, "failed to look up invoking user's home directory", err)
	}
	return u.HomeDir, nil
}

// resolveHomePath rejects an absolute relPath (fatal per the home-file I/O
// contract) and joins it onto the invoking user's home directory.
func (r *Runner) resolveHomePath(relPath string) (string, error) {
	if filepath.IsAbs(relPath) {
		return "", apierrors.New(apierrors.ErrCodeInvalidRequest,
			fmt.Sprintf("home-file path %q must be relative, not absolute", relPath))
	}

	home, err := r.HomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, relPath), nil
}

// WriteHomeFile implements Worker.
func (r *Runner) WriteHomeFile(relPath string, data []byte, perm uint32) error {
	path, err := r.resolveHomePath(relPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeInternal, "failed to create parent directory", err)
	}

	if err := os.WriteFile(path, data, os.FileMode(perm)); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeInternal, "failed to write home file", err)
	}

	return r.repairOwnership(path)
}

// MkHomeSubdir implements Worker.
func (r *Runner) MkHomeSubdir(relPath string, perm uint32) error {
	path, err := r.resolveHomePath(relPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(path, os.FileMode(perm)); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeInternal, "failed to create home subdirectory", err)
	}
	return r.repairOwnership(path)
}

// RemoveAllHome implements Worker.
func (r *Runner) RemoveAllHome(relPath string) error {
	path, err := r.resolveHomePath(relPath)
	if err != nil {
		return err
	}

	if err := os.RemoveAll(path); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeInternal, "failed to remove home path", err)
	}
	return nil
}

// ReadHomeFile implements Worker.
func (r *Runner) ReadHomeFile(relPath string) ([]byte, error) {
	path, err := r.resolveHomePath(relPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierrors.Wrap(apierrors.ErrCodeFileNotFound, "home file not found", err)
		}
		return nil, apierrors.Wrap(apierrors.ErrCodeInternal, "failed to read home file", err)
	}
	return data, nil
}

// ReadFile implements Worker.
func (r *Runner) ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierrors.Wrap(apierrors.ErrCodeFileNotFound, "file not found", err)
		}
		return nil, apierrors.Wrap(apierrors.ErrCodeInternal, "failed to read file", err)
	}
	return data, nil
}

// SnapInfo implements Worker by delegating to the Runner's snapd client.
func (r *Runner) SnapInfo(ctx context.Context, name, channel string) (SnapInfo, error) {
	info, err := r.snapd.SnapInfo(ctx, name, channel)
	if err != nil {
		return SnapInfo{}, err
	}
	return SnapInfo{
		Installed:       info.Installed,
		Classic:         info.Classic,
		TrackingChannel: info.TrackingChannel,
	}, nil
}

// SnapChannels implements Worker by delegating to the Runner's snapd client.
func (r *Runner) SnapChannels(ctx context.Context, name string) ([]string, error) {
	return r.snapd.SnapChannels(ctx, name)
}

// repairOwnership chowns path and its immediate parent directory (whether
// or not concierge created it) to the invoking user, undoing the root
// ownership that results from concierge itself running under sudo.
func (r *Runner) repairOwnership(path string) error {
	username, err := r.InvokingUser()
	if err != nil || username == "" || username == "root" {
		return nil
	}

	u, err := user.Lookup(username)
	if err != nil {
		return apierrors.Wrap(apierrors.ErrCodeInternal, "failed to look up invoking user", err)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return apierrors.Wrap(apierrors.ErrCodeInternal, "invalid uid", err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return apierrors.Wrap(apierrors.ErrCodeInternal, "invalid gid", err)
	}

	if err := os.Chown(path, uid, gid); err != nil {
		return apierrors.Wrap(apierrors.ErrCodeInternal, "failed to chown home file", err)
	}
	return os.Chown(filepath.Dir(path), uid, gid)
}
