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

package config

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// FeatureMap is a kube-canonical feature configuration: feature name to its
// set.key=value pairs. A feature with a null YAML body normalizes to an
// empty mapping (enable with no prior set calls); boolean leaf values
// lowercase to their string form so they compose cleanly into "key=value"
// command arguments.
type FeatureMap map[string]map[string]string

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *FeatureMap) UnmarshalYAML(value *yaml.Node) error {
	var raw map[string]map[string]any
	if err := value.Decode(&raw); err != nil {
		return err
	}

	out := make(FeatureMap, len(raw))
	for name, body := range raw {
		conf := make(map[string]string, len(body))
		for k, v := range body {
			switch vv := v.(type) {
			case nil:
				continue
			case bool:
				conf[k] = strconv.FormatBool(vv)
			default:
				conf[k] = fmt.Sprintf("%v", vv)
			}
		}
		out[name] = conf
	}
	*m = out
	return nil
}
