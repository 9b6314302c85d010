package orchestrator

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/Knetic/govaluate"
)

// EvaluateGuard evaluates a guard expression against the task input and
// context. Empty guard returns true. Supports "true"/"false" literals.
func EvaluateGuard(guard string, input json.RawMessage, context map[string]interface{}) (bool, error) {
	expr := strings.TrimSpace(guard)
	if expr == "" {
		return true, nil
	}
	switch strings.ToLower(expr) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}

	params := buildGuardParams(input, context)
	compiled, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return false, err
	}
	result, err := compiled.Evaluate(params)
	if err != nil {
		return false, err
	}
	switch v := result.(type) {
	case bool:
		return v, nil
	default:
		return false, errors.New("guard did not evaluate to boolean")
	}
}

func buildGuardParams(input json.RawMessage, context map[string]interface{}) map[string]interface{} {
	params := map[string]interface{}{}
	if len(input) > 0 {
		var raw interface{}
		if err := json.Unmarshal(input, &raw); err == nil {
			if m, ok := raw.(map[string]interface{}); ok {
				for k, v := range m {
					params[k] = v
				}
				flattenParams("input", m, params)
			}
		}
	}
	for k, v := range context {
		params[k] = v
		if m, ok := v.(map[string]interface{}); ok {
			flattenParams(k, m, params)
		}
	}
	return params
}

func flattenParams(prefix string, m map[string]interface{}, out map[string]interface{}) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch vv := v.(type) {
		case map[string]interface{}:
			flattenParams(key, vv, out)
		default:
			out[key] = vv
		}
	}
}
