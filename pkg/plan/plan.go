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

// Package plan turns a configuration into the three concurrently executable
// stages (packages, providers, controller) and runs them in strict
// partial order: Stage 1 happens-before Stage 2 happens-before Stage 3.
package plan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/canonical/concierge/pkg/metrics"
	"github.com/canonical/concierge/pkg/provider"
)

// Action selects which direction a Plan runs.
type Action string

const (
	// ActionPrepare brings the environment up.
	ActionPrepare Action = "prepare"
	// ActionRestore tears it down. Restore runs the same three stages in
	// the same order as Prepare; each handler's Restore internally does
	// its own reverse-order teardown.
	ActionRestore Action = "restore"
)

// Handler is the small capability set a package handler and the controller
// handler both satisfy: the Plan holds them behind this interface. Every
// provider.Provider also satisfies Handler, since Provider is a superset.
type Handler interface {
	Prepare(ctx context.Context) error
	Restore(ctx context.Context) error
}

// Plan is the pure, already-constructed set of handlers ready to execute.
// A nil Controller means the controller is disabled: Stage 3 is skipped.
type Plan struct {
	SystemPackages Handler
	SnapPackages   Handler
	Providers      []provider.Provider
	Controller     Handler
}

// Execute runs Stage 1 (packages, concurrently), then Stage 2 (providers,
// concurrently), then Stage 3 (controller, serially, iff enabled).
//
// Stage 2 does not cancel in-flight providers when one fails: every
// provider is allowed to finish, and the collective outcome is a composite
// failure whose visible face is the first error encountered.
func (p *Plan) Execute(ctx context.Context, action Action) error {
	if err := p.runStage1(ctx, action); err != nil {
		return fmt.Errorf("stage 1 (packages): %w", err)
	}
	if err := p.runStage2(ctx, action); err != nil {
		return fmt.Errorf("stage 2 (providers): %w", err)
	}
	if p.Controller == nil {
		return nil
	}
	if err := p.runHandler(ctx, p.Controller, action); err != nil {
		return fmt.Errorf("stage 3 (controller): %w", err)
	}
	return nil
}

func (p *Plan) runStage1(ctx context.Context, action Action) error {
	var group errgroup.Group
	if p.SystemPackages != nil {
		group.Go(func() error { return p.runHandler(ctx, p.SystemPackages, action) })
	}
	if p.SnapPackages != nil {
		group.Go(func() error { return p.runHandler(ctx, p.SnapPackages, action) })
	}
	return group.Wait()
}

func (p *Plan) runStage2(ctx context.Context, action Action) error {
	var group errgroup.Group
	for _, prov := range p.Providers {
		prov := prov
		group.Go(func() error {
			if action != ActionPrepare {
				return p.runHandler(ctx, prov, action)
			}
			start := time.Now()
			err := p.runHandler(ctx, prov, action)
			metrics.ObserveProviderPrepare(prov.Name(), time.Since(start))
			return err
		})
	}
	return group.Wait()
}

func (p *Plan) runHandler(ctx context.Context, h Handler, action Action) error {
	switch action {
	case ActionPrepare:
		return h.Prepare(ctx)
	case ActionRestore:
		return h.Restore(ctx)
	default:
		return errors.New("plan: unknown action " + string(action))
	}
}
