package nodes

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/fluxion-engine/fluxion/registry"
	"github.com/fluxion-engine/fluxion/types"
)

// ifDefinition is the two-way condition node: each input item is routed
// to the "true" or "false" output based on a per-item comparison.
func ifDefinition() *registry.NodeDefinition {
	return &registry.NodeDefinition{
		Type:        "core.if",
		DisplayName: "If",
		Capability:  registry.CapabilityCondition,
		Inputs:      []string{registry.DefaultPort},
		Outputs:     []string{"true", "false"},
		Parameters: []registry.ParameterSpec{
			{Name: "value1", Type: "string", Required: true},
			{Name: "operation", Type: "string", Default: "equals"},
			{Name: "value2", Type: "string"},
		},
		Execute: func(ctx context.Context, ec registry.ExecutionContext) ([]types.Batch, error) {
			input := ec.GetInputData()
			out := []types.Batch{{}, {}}
			for i, item := range input {
				match, err := evaluateCondition(ec, i)
				if err != nil {
					return nil, err
				}
				if match {
					out[0] = append(out[0], item)
				} else {
					out[1] = append(out[1], item)
				}
			}
			return out, nil
		},
	}
}

// switchDefinition routes items across a parameter-defined number of
// outputs; the port set is computed from the node's configuration at
// graph-build time.
func switchDefinition() *registry.NodeDefinition {
	outputs := func(params map[string]any) []string {
		n := intParam(params["outputCount"], 2)
		out := make([]string, n)
		for i := range out {
			out[i] = "output" + strconv.Itoa(i)
		}
		return out
	}
	return &registry.NodeDefinition{
		Type:        "core.switch",
		DisplayName: "Switch",
		Capability:  registry.CapabilityCondition,
		Inputs:      []string{registry.DefaultPort},
		OutputsFunc: outputs,
		Parameters: []registry.ParameterSpec{
			{Name: "outputCount", Type: "number", Default: 2},
			{Name: "rules", Type: "json"},
			{Name: "fallbackOutput", Type: "number", Default: -1},
		},
		Execute: func(ctx context.Context, ec registry.ExecutionContext) ([]types.Batch, error) {
			params := ec.Node().Parameters
			n := intParam(params["outputCount"], 2)
			out := make([]types.Batch, n)

			fallback := intParam(params["fallbackOutput"], -1)

			for i, item := range ec.GetInputData() {
				// Resolving the rules parameter per item evaluates any
				// embedded expressions against that item.
				rawRules, err := ec.GetNodeParameter("rules", i)
				if err != nil {
					return nil, err
				}
				rules, _ := rawRules.([]any)

				target := fallback
				for _, raw := range rules {
					rule, ok := raw.(map[string]any)
					if !ok {
						continue
					}
					op, _ := rule["operation"].(string)
					if op == "" {
						op = "equals"
					}
					match, err := compare(op, rule["value1"], rule["value2"])
					if err != nil {
						return nil, err
					}
					if match {
						target = intParam(rule["output"], 0)
						break
					}
				}
				if target >= 0 && target < n {
					out[target] = append(out[target], item)
				}
				// Unmatched items without a fallback are dropped; the
				// corresponding outputs simply carry zero items.
			}
			return out, nil
		},
	}
}

// mergeDefinition joins a parameter-defined number of inputs into one
// output. The scheduler already waits for every connected source; this
// node only decides the join order.
func mergeDefinition() *registry.NodeDefinition {
	inputs := func(params map[string]any) []string {
		n := intParam(params["inputCount"], 2)
		out := make([]string, n)
		for i := range out {
			out[i] = "input" + strconv.Itoa(i)
		}
		return out
	}
	return &registry.NodeDefinition{
		Type:        "core.merge",
		DisplayName: "Merge",
		Capability:  registry.CapabilityTransform,
		InputsFunc:  inputs,
		Outputs:     []string{registry.DefaultPort},
		Parameters: []registry.ParameterSpec{
			{Name: "inputCount", Type: "number", Default: 2},
			// append joins port by port in declaration order; byArrival
			// keeps each port's internal arrival order but does not sort
			// across ports either. Cross-source arrival order is never
			// guaranteed by the scheduler.
			{Name: "mode", Type: "string", Default: "append"},
		},
		Execute: func(ctx context.Context, ec registry.ExecutionContext) ([]types.Batch, error) {
			n := intParam(ec.Node().Parameters["inputCount"], 2)
			var merged types.Batch
			for i := 0; i < n; i++ {
				merged = append(merged, ec.GetInputData("input"+strconv.Itoa(i))...)
			}
			return []types.Batch{merged}, nil
		},
	}
}

// splitInBatchesDefinition partitions the input into fixed-size batches,
// preserving item order within and across batches. The batches are
// sequential emissions on the single output port.
func splitInBatchesDefinition() *registry.NodeDefinition {
	return &registry.NodeDefinition{
		Type:        "core.splitInBatches",
		DisplayName: "Split In Batches",
		Capability:  registry.CapabilityTransform,
		Inputs:      []string{registry.DefaultPort},
		Outputs:     []string{registry.DefaultPort},
		Parameters: []registry.ParameterSpec{
			{Name: "batchSize", Type: "number", Default: 1},
		},
		Execute: func(ctx context.Context, ec registry.ExecutionContext) ([]types.Batch, error) {
			size := intParam(ec.Node().Parameters["batchSize"], 1)
			if size < 1 {
				return nil, types.Errorf(types.ErrKindValidation, "batchSize must be positive, got %d", size)
			}
			input := ec.GetInputData()
			out := make([]types.Batch, 0, (len(input)+size-1)/size)
			for start := 0; start < len(input); start += size {
				end := start + size
				if end > len(input) {
					end = len(input)
				}
				out = append(out, input[start:end])
			}
			return out, nil
		},
	}
}

// loopDefinition is the iterating container: the scheduler re-invokes
// its enclosed subgraph once per input item.
func loopDefinition() *registry.NodeDefinition {
	return &registry.NodeDefinition{
		Type:        "core.loop",
		DisplayName: "Loop Over Items",
		Capability:  registry.CapabilityAction,
		Inputs:      []string{registry.DefaultPort},
		Outputs:     []string{registry.DefaultPort},
		Iterates:    true,
	}
}

func evaluateCondition(ec registry.ExecutionContext, itemIndex int) (bool, error) {
	left, err := ec.GetNodeParameter("value1", itemIndex)
	if err != nil {
		return false, err
	}
	opRaw, err := ec.GetNodeParameter("operation", itemIndex)
	if err != nil {
		return false, err
	}
	op, _ := opRaw.(string)
	if op == "" {
		op = "equals"
	}
	right, err := ec.GetNodeParameter("value2", itemIndex)
	if err != nil {
		return false, err
	}
	return compare(op, left, right)
}

func compare(op string, left, right any) (bool, error) {
	switch op {
	case "equals":
		return looseEqual(left, right), nil
	case "notEquals":
		return !looseEqual(left, right), nil
	case "contains":
		return strings.Contains(fmt.Sprint(left), fmt.Sprint(right)), nil
	case "greaterThan":
		l, lok := toFloat(left)
		r, rok := toFloat(right)
		return lok && rok && l > r, nil
	case "lessThan":
		l, lok := toFloat(left)
		r, rok := toFloat(right)
		return lok && rok && l < r, nil
	case "exists":
		return left != nil, nil
	default:
		return false, types.Errorf(types.ErrKindValidation, "unknown comparison operation %q", op)
	}
}

// looseEqual compares scalars the way parameter values arrive: numbers
// of any width compare numerically, everything else textually.
func looseEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func intParam(v any, fallback int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return fallback
}
