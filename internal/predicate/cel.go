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

// Package predicate implements the CEL expression dialect used for
// RuntimeAction.conditions_apply, compiling and caching one program per
// distinct expression string across every request.
package predicate

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/meshguard/policy-engine/internal/engine"
)

// Evaluator compiles and caches CEL programs over request attributes.
// Safe for concurrent use; shared read-mostly across all in-flight
// requests, the same way the owning RuntimeAction is shared.
type Evaluator struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewEvaluator creates an Evaluator with the request-attribute CEL
// environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Evaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// Condition returns an engine.Predicate that evaluates expression against
// request attributes. The expression is compiled and cached here, so an
// invalid expression is rejected by Condition; an empty one yields nil.
func (e *Evaluator) Condition(expression string) (engine.Predicate, error) {
	if expression == "" {
		return nil, nil
	}
	if _, err := e.program(expression); err != nil {
		return nil, err
	}
	return &celPredicate{evaluator: e, expression: expression}, nil
}

type celPredicate struct {
	evaluator  *Evaluator
	expression string
}

func (p *celPredicate) Evaluate(attrs engine.RequestAttributes) (bool, error) {
	program, err := p.evaluator.program(p.expression)
	if err != nil {
		return false, err
	}
	result, _, err := program.Eval(map[string]any{"request": attributesToCEL(attrs)})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation failed: %w", err)
	}
	b, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression %q must return boolean, got %T", p.expression, result.Value())
	}
	return b, nil
}

func (e *Evaluator) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	if p, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return p, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.cache[expression]; ok {
		return p, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation failed for %q: %w", expression, issues.Err())
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program creation failed for %q: %w", expression, err)
	}
	e.cache[expression] = program
	return program, nil
}

func attributesToCEL(attrs engine.RequestAttributes) map[string]any {
	headers := make(map[string]any, len(attrs.Headers))
	for k, v := range attrs.Headers {
		vals := make([]any, len(v))
		for i, s := range v {
			vals[i] = s
		}
		headers[k] = vals
	}
	return map[string]any{
		"authority": attrs.Authority,
		"method":    attrs.Method,
		"path":      attrs.Path,
		"headers":   headers,
	}
}
