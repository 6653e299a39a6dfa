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

// Package snapd talks to the local snap daemon over its Unix domain socket,
// the same transport the snap command line tool itself uses, so that
// concierge can query installed-snap state without shelling out to `snap`
// for anything but mutating operations (install/refresh/remove/connect).
package snapd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"

	"github.com/canonical/concierge/pkg/backoff"
	"github.com/canonical/concierge/pkg/defaults"
	apierrors "github.com/canonical/concierge/pkg/errors"
	"golang.org/x/time/rate"
)

// DefaultSocketPath is where snapd listens by default on Ubuntu and
// derivatives.
const DefaultSocketPath = "/run/snapd.socket"

// permanentSubstrings classifies a snapd error response as non-retryable.
// Matching is case-insensitive substring containment, mirroring how the
// daemon phrases these specific failure conditions.
var permanentSubstrings = []string{
	"snap not installed",
	"not found",
	"snap not available",
	"invalid",
}

// Client queries and drives the local snapd over its Unix domain socket.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient builds a Client dialing socketPath. An empty socketPath uses
// DefaultSocketPath.
func NewClient(socketPath string) *Client {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			d := net.Dialer{Timeout: defaults.SnapdDialTimeout}
			return d.DialContext(ctx, "unix", socketPath)
		},
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   defaults.SnapdHTTPClientTimeout,
		},
		// Snapd queries are cheap but a hot retry loop must not hammer the
		// daemon; five requests per second leaves ample headroom for the
		// bounded ten-attempt retry budget below.
		limiter: rate.NewLimiter(5, 1),
	}
}

type snapInfoResponse struct {
	Type   string `json:"type"`
	Result struct {
		Status          string `json:"status"`
		Channel         string `json:"channel"`
		TrackingChannel string `json:"tracking-channel"`
		Confinement     string `json:"confinement"`
	} `json:"result"`
}

// findResponse is the store's answer to GET /v2/find?name=. Confinement is
// the store's top-level classification; Channels carries the per-channel
// breakdown keyed by channel identifier (e.g. "latest/stable").
type findResponse struct {
	Type   string `json:"type"`
	Result []struct {
		Confinement string `json:"confinement"`
		Channels    map[string]struct {
			Confinement string `json:"confinement"`
		} `json:"channels"`
	} `json:"result"`
}

type errorResponse struct {
	Type   string `json:"type"`
	Result struct {
		Message string `json:"message"`
	} `json:"result"`
}

// SnapInfo reports the installed state of name (from /v2/snaps/{name}) and
// its classic-confinement classification for channel (from the store's
// /v2/find?name= endpoint), retrying transient daemon errors with bounded
// exponential backoff. A permanent daemon error is not retried: one saying
// the snap is not installed, not found, or not available yields
// Info{Installed: false} with a nil error; any other is returned.
func (c *Client) SnapInfo(ctx context.Context, name, channel string) (Info, error) {
	var info Info

	err := backoff.Retry(ctx, backoff.Params{
		MinDelay:    defaults.DaemonRetryMinBackoff,
		MaxDelay:    defaults.DaemonRetryMaxBackoff,
		MaxAttempts: defaults.DaemonRetryMaxAttempts,
		Site:        "snapd.SnapInfo",
	}, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		installed, trackingChannel, err := c.getSnapInfo(ctx, name)
		if err != nil {
			if isPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		classic, err := c.getStoreConfinement(ctx, name, channel)
		if err != nil {
			if isPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		info = Info{Installed: installed, Classic: classic, TrackingChannel: trackingChannel}
		return nil
	})

	if err != nil {
		if isNotInstalled(err) {
			return Info{Installed: false}, nil
		}
		return Info{}, err
	}

	return info, nil
}

// SnapChannels lists the channels name publishes in the store, in
// descending lexicographic order. A snap with no channels map in the store
// response returns an empty slice.
func (c *Client) SnapChannels(ctx context.Context, name string) ([]string, error) {
	var channels []string

	err := backoff.Retry(ctx, backoff.Params{
		MinDelay:    defaults.DaemonRetryMinBackoff,
		MaxDelay:    defaults.DaemonRetryMaxBackoff,
		MaxAttempts: defaults.DaemonRetryMaxAttempts,
		Site:        "snapd.SnapChannels",
	}, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		entry, err := c.find(ctx, name)
		if err != nil {
			if isPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		names := make([]string, 0, len(entry.Channels))
		for channel := range entry.Channels {
			names = append(names, channel)
		}
		sort.Sort(sort.Reverse(sort.StringSlice(names)))
		channels = names
		return nil
	})

	return channels, err
}

// getSnapInfo queries the installed-snap endpoint. A 404 is not an error:
// it means the snap is not installed.
func (c *Client) getSnapInfo(ctx context.Context, name string) (installed bool, trackingChannel string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://snapd/v2/snaps/"+name, nil)
	if err != nil {
		return false, "", apierrors.Wrap(apierrors.ErrCodeInternal, "failed to build snapd request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, "", &apierrors.DaemonError{Message: fmt.Sprintf("snapd request failed: %v", err), Transient: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, "", &apierrors.DaemonError{Message: fmt.Sprintf("failed to read snapd response: %v", err), Transient: true}
	}

	if resp.StatusCode == http.StatusNotFound {
		return false, "", nil
	}

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		_ = json.Unmarshal(body, &errResp)
		return false, "", &apierrors.DaemonError{
			Message:   fmt.Sprintf("snapd returned %d: %s", resp.StatusCode, errResp.Result.Message),
			Transient: resp.StatusCode >= 500,
		}
	}

	var parsed snapInfoResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false, "", &apierrors.DaemonError{Message: fmt.Sprintf("failed to parse snapd response: %v", err), Transient: false}
	}

	tracking := parsed.Result.TrackingChannel
	if tracking == "" {
		tracking = parsed.Result.Channel
	}

	return parsed.Result.Status == "active" || parsed.Result.Status == "installed", tracking, nil
}

// getStoreConfinement returns the store's classic classification for name:
// channels[channel].confinement when channel is set and present, else the
// top-level confinement.
func (c *Client) getStoreConfinement(ctx context.Context, name, channel string) (bool, error) {
	entry, err := c.find(ctx, name)
	if err != nil {
		return false, err
	}

	if channel != "" {
		if chInfo, ok := entry.Channels[channel]; ok {
			return chInfo.Confinement == "classic", nil
		}
	}
	return entry.Confinement == "classic", nil
}

type findEntry struct {
	Confinement string
	Channels    map[string]struct{ Confinement string }
}

// find queries the store's /v2/find?name= endpoint and returns its single
// result entry.
func (c *Client) find(ctx context.Context, name string) (findEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://snapd/v2/find?name="+name, nil)
	if err != nil {
		return findEntry{}, apierrors.Wrap(apierrors.ErrCodeInternal, "failed to build snapd find request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return findEntry{}, &apierrors.DaemonError{Message: fmt.Sprintf("snapd find request failed: %v", err), Transient: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return findEntry{}, &apierrors.DaemonError{Message: fmt.Sprintf("failed to read snapd find response: %v", err), Transient: true}
	}

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		_ = json.Unmarshal(body, &errResp)
		msg := errResp.Result.Message
		if msg == "" {
			msg = "snap not available"
		}
		return findEntry{}, &apierrors.DaemonError{
			Message:   fmt.Sprintf("snapd find returned %d: %s", resp.StatusCode, msg),
			Transient: resp.StatusCode >= 500,
		}
	}

	var parsed findResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return findEntry{}, &apierrors.DaemonError{Message: fmt.Sprintf("failed to parse snapd find response: %v", err), Transient: false}
	}
	if len(parsed.Result) == 0 {
		return findEntry{}, &apierrors.DaemonError{Message: "snap not found in store", Transient: false}
	}

	channels := make(map[string]struct{ Confinement string }, len(parsed.Result[0].Channels))
	for name, ch := range parsed.Result[0].Channels {
		channels[name] = struct{ Confinement string }{Confinement: ch.Confinement}
	}

	return findEntry{Confinement: parsed.Result[0].Confinement, Channels: channels}, nil
}

// Info mirrors system.SnapInfo; kept as a separate type so this package has
// no import-time dependency on pkg/system.
type Info struct {
	Installed       bool
	Classic         bool
	TrackingChannel string
}

func isPermanent(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, substr := range permanentSubstrings {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

func isNotInstalled(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not installed") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "not available")
}
