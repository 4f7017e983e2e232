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

package admin

import (
	"time"

	"github.com/meshguard/policy-engine/internal/engine"
)

// DumpConfig dumps the currently-loaded services and action sets.
func DumpConfig(services []*engine.Service, idx *engine.ActionSetIndex) *ConfigDumpResponse {
	return &ConfigDumpResponse{
		Timestamp:  time.Now(),
		Services:   dumpServices(services),
		ActionSets: dumpActionSets(idx),
	}
}

func dumpServices(services []*engine.Service) ServicesDump {
	infos := make([]ServiceInfo, 0, len(services))
	for _, svc := range services {
		infos = append(infos, ServiceInfo{
			Name:        svc.Name,
			Kind:        string(svc.Kind),
			Endpoint:    svc.Endpoint,
			Timeout:     svc.Timeout.String(),
			FailureMode: string(svc.FailureMode),
		})
	}
	return ServicesDump{TotalServices: len(infos), Services: infos}
}

func dumpActionSets(idx *engine.ActionSetIndex) ActionSetsDump {
	if idx == nil {
		return ActionSetsDump{}
	}

	var infos []ActionSetInfo
	for pattern, sets := range idx.All() {
		for _, set := range sets {
			infos = append(infos, ActionSetInfo{
				Name:         set.Name,
				RoutePattern: pattern,
				TotalActions: len(set.Actions),
				Actions:      dumpActions(set.Actions),
			})
		}
	}

	return ActionSetsDump{TotalActionSets: len(infos), ActionSets: infos}
}

func dumpActions(actions []*engine.RuntimeAction) []ActionInfo {
	infos := make([]ActionInfo, 0, len(actions))
	for _, a := range actions {
		infos = append(infos, ActionInfo{
			Service:   a.Service.Name,
			Predicate: a.PredicateExpr,
		})
	}
	return infos
}
