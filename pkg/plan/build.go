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
	"log/slog"

	"github.com/canonical/concierge/pkg/config"
	"github.com/canonical/concierge/pkg/controller"
	"github.com/canonical/concierge/pkg/packages"
	"github.com/canonical/concierge/pkg/provider"
	"github.com/canonical/concierge/pkg/provider/kubecanonical"
	"github.com/canonical/concierge/pkg/provider/kubemicro"
	"github.com/canonical/concierge/pkg/provider/localcontainer"
	"github.com/canonical/concierge/pkg/provider/publiccloud"
	"github.com/canonical/concierge/pkg/system"
)

// Build is the pure construction step: it turns a resolved Configuration
// into a ready-to-execute Plan. Provider handlers are appended in the fixed
// order local-container, kube-micro, kube-canonical, public-cloud, matching
// Configuration.EnabledProviders — this order is observable in logs and in
// the order restore tears providers down.
//
// If the controller is disabled, Plan.Controller is left nil and a warning
// is logged for every enabled provider that would otherwise have been
// bootstrapped.
func Build(cfg *config.Configuration, worker system.Worker) *Plan {
	host := cfg.Host()
	providers := cfg.Providers()
	ctrl := cfg.Controller()

	p := &Plan{
		SystemPackages: &packages.SystemPackageHandler{Worker: worker, Packages: host.AptPackages},
		SnapPackages:   &packages.SnapPackageHandler{Worker: worker, Snaps: host.Snaps},
	}

	var handlers []provider.Provider

	if providers.LocalContainer.Enabled {
		handlers = append(handlers, &localcontainer.Provider{
			Worker:      worker,
			Channel:     providers.LocalContainer.Channel,
			Defaults:    ctrl.ModelDefaultsFor("local-container"),
			Constraints: ctrl.ConstraintsFor("local-container"),
		})
	}
	if providers.KubeMicro.Enabled {
		handlers = append(handlers, &kubemicro.Provider{
			Worker:      worker,
			Channel:     providers.KubeMicro.Channel,
			Addons:      providers.KubeMicro.Addons,
			Defaults:    ctrl.ModelDefaultsFor("kube-micro"),
			Constraints: ctrl.ConstraintsFor("kube-micro"),
		})
	}
	if providers.KubeCanonical.Enabled {
		handlers = append(handlers, &kubecanonical.Provider{
			Worker:      worker,
			Channel:     providers.KubeCanonical.Channel,
			Features:    providers.KubeCanonical.Features,
			Defaults:    ctrl.ModelDefaultsFor("kube-canonical"),
			Constraints: ctrl.ConstraintsFor("kube-canonical"),
		})
	}
	if providers.PublicCloud.Enabled {
		handlers = append(handlers, &publiccloud.Provider{
			Worker:          worker,
			Cloud:           providers.PublicCloud.Cloud,
			CredentialsFile: providers.PublicCloud.CredentialsFile,
			Defaults:        ctrl.ModelDefaultsFor("public-cloud"),
			Constraints:     ctrl.ConstraintsFor("public-cloud"),
		})
	}
	p.Providers = handlers

	if ctrl.Disabled {
		for _, h := range handlers {
			if h.Bootstrap() {
				slog.Warn("controller is disabled, provider will not be bootstrapped", "provider", h.Name())
			}
		}
		return p
	}

	p.Controller = &controller.Handler{
		Worker:             worker,
		Providers:          handlers,
		Channel:            ctrl.Channel,
		AgentVersion:       ctrl.AgentVersion,
		ExtraBootstrapArgs: ctrl.ExtraBootstrapArgs,
		ModelDefaults:      ctrl.ModelDefaults,
		Constraints:        ctrl.Constraints,
	}
	return p
}
