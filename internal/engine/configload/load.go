/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package configload

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/meshguard/policy-engine/internal/engine"
	"github.com/meshguard/policy-engine/internal/predicate"
)

// LoadFromFile reads a standalone YAML snapshot from path and builds the
// engine objects from it. Used in the static file-config mode; the
// dynamically-pushed xDS mode decodes a Snapshot from discovery
// resources and calls Build directly instead.
func LoadFromFile(path string, evaluator *predicate.Evaluator) ([]*engine.Service, *engine.ActionSetIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}

	var snapshot Snapshot
	if err := yaml.Unmarshal(data, &snapshot); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}

	return Build(snapshot, evaluator)
}
