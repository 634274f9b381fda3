package dispatch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/mpataki/relay/internal/errs"
	"github.com/mpataki/relay/internal/models"
)

// Outputs gives access to the outputs produced so far in a run
type Outputs interface {
	StepOutput(stepID string) (map[string]any, bool)
}

// ResolveParams turns a step's bindings into concrete values. Literals pass
// through; references read the last successful output of the referenced
// step. Overrides replace bindings by parameter name.
func ResolveParams(
	step *models.Step, outputs Outputs, overrides map[string]any,
) (map[string]any, error) {
	params := make(map[string]any, len(step.Params)+len(overrides))
	var unresolved []string

	for _, name := range sortedKeys(step.Params) {
		if v, ok := overrides[name]; ok {
			params[name] = v
			continue
		}
		b := step.Params[name]
		if !b.IsReference() {
			params[name] = b.Literal
			continue
		}
		v, err := lookup(outputs, b)
		if err != nil {
			unresolved = append(unresolved, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		params[name] = v
	}
	for name, v := range overrides {
		if _, ok := params[name]; !ok {
			params[name] = v
		}
	}

	if len(unresolved) > 0 {
		return nil, errs.Validation(errs.CodeUnresolvedReference,
			fmt.Sprintf("step %q has unresolved references", step.ID),
			unresolved...)
	}
	return params, nil
}

func lookup(outputs Outputs, b models.Binding) (any, error) {
	out, ok := outputs.StepOutput(b.FromStep)
	if !ok {
		return nil, fmt.Errorf("step %q has no successful output", b.FromStep)
	}
	if b.Field == "" {
		return out, nil
	}
	if v, ok := out[b.Field]; ok {
		return v, nil
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("output of %q is not encodable: %w", b.FromStep, err)
	}
	res := gjson.GetBytes(data, b.Field)
	if !res.Exists() {
		return nil, fmt.Errorf("output of %q has no field %q", b.FromStep, b.Field)
	}
	return res.Value(), nil
}

// SplitInputs groups run inputs keyed "<step_id>.<param>" by step, failing
// on keys that name no step of the version
func SplitInputs(
	version *models.FlowVersion, inputs map[string]any,
) (map[string]map[string]any, error) {
	res := map[string]map[string]any{}
	var unknown []string
	for _, key := range sortedKeys(inputs) {
		stepID, param, ok := strings.Cut(key, ".")
		if !ok || stepID == "" || param == "" {
			unknown = append(unknown, key)
			continue
		}
		if _, ok := version.Step(stepID); !ok {
			unknown = append(unknown, key)
			continue
		}
		if res[stepID] == nil {
			res[stepID] = map[string]any{}
		}
		res[stepID][param] = inputs[key]
	}
	if len(unknown) > 0 {
		return nil, errs.Validation(errs.CodeUnknownInput,
			"inputs must be keyed <step_id>.<param> for a step of the flow",
			unknown...)
	}
	return res, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
