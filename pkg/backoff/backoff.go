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

// Package backoff provides the single exponential-backoff retry helper
// shared by the command worker, the snapd client, and the controller
// bootstrap probe.
package backoff

import (
	"context"
	"errors"
	"time"

	apierrors "github.com/canonical/concierge/pkg/errors"
	"github.com/canonical/concierge/pkg/metrics"
	"k8s.io/apimachinery/pkg/util/wait"
)

// ErrPermanent, when returned by an Attempt, stops the retry loop
// immediately regardless of remaining attempts or budget.
var ErrPermanent = errors.New("permanent failure, not retrying")

// Attempt performs one unit of retryable work. It returns a nil error on
// success. Wrapping an error with Permanent marks it as non-retryable.
type Attempt func(ctx context.Context) error

// Permanent marks err as non-retryable. Retry stops and returns err
// unwrapped to the caller as soon as a Permanent error is seen.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{cause: err}
}

type permanentError struct {
	cause error
}

func (p *permanentError) Error() string { return p.cause.Error() }
func (p *permanentError) Unwrap() error { return p.cause }
func (p *permanentError) Is(target error) bool {
	return target == ErrPermanent
}

// Params bounds one retry sequence: exponential backoff between minDelay and
// maxDelay, doubling each attempt, capped at maxAttempts (0 means unbounded,
// bounded only by ctx).
type Params struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	// Site identifies the call site for the concierge_retries_total metric.
	// Left empty, no retry metric is recorded.
	Site string
}

// Retry runs attempt repeatedly with exponential backoff until it succeeds,
// returns a Permanent error, exhausts MaxAttempts, or ctx is cancelled.
//
// It is the one retry primitive used throughout concierge: the command
// worker's RunWithRetries, the snapd client's daemon calls, and the
// controller's bootstrap-existence probe all build a Params and call Retry.
func Retry(ctx context.Context, p Params, attempt Attempt) error {
	steps := p.MaxAttempts
	if steps <= 0 {
		steps = 1 << 30
	}

	b := wait.Backoff{
		Duration: p.MinDelay,
		Factor:   2.0,
		Jitter:   0.1,
		Steps:    steps,
		Cap:      p.MaxDelay,
	}

	var lastErr error
	condition := func(ctx context.Context) (bool, error) {
		err := attempt(ctx)
		if err == nil {
			return true, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			lastErr = perm.cause
			return false, lastErr
		}

		if p.Site != "" {
			metrics.ObserveRetry(p.Site)
		}

		lastErr = err
		return false, nil
	}

	err := wait.ExponentialBackoffWithContext(ctx, b, condition)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if lastErr != nil {
			return apierrors.Wrap(apierrors.ErrCodeTimeout, "retry budget exhausted", lastErr)
		}
		return apierrors.Wrap(apierrors.ErrCodeTimeout, "retry budget exhausted", err)
	}
	if lastErr != nil {
		return lastErr
	}
	return err
}
