package nodes

import (
	"context"

	"github.com/fluxion-engine/fluxion/registry"
	"github.com/fluxion-engine/fluxion/types"
)

func noopDefinition() *registry.NodeDefinition {
	return &registry.NodeDefinition{
		Type:        "core.noop",
		DisplayName: "No Operation",
		Capability:  registry.CapabilityAction,
		Inputs:      []string{registry.DefaultPort},
		Outputs:     []string{registry.DefaultPort},
		Execute:     passthrough,
	}
}

// setDefinition writes resolved values onto each item. With keepOnlySet,
// the output items contain only the written fields.
func setDefinition() *registry.NodeDefinition {
	return &registry.NodeDefinition{
		Type:        "core.set",
		DisplayName: "Set",
		Capability:  registry.CapabilityTransform,
		Inputs:      []string{registry.DefaultPort},
		Outputs:     []string{registry.DefaultPort},
		Parameters: []registry.ParameterSpec{
			{Name: "values", Type: "json", Required: true},
			{Name: "keepOnlySet", Type: "boolean", Default: false},
		},
		Execute: func(ctx context.Context, ec registry.ExecutionContext) ([]types.Batch, error) {
			input := ec.GetInputData()
			out := make(types.Batch, 0, len(input))
			for i, item := range input {
				raw, err := ec.GetNodeParameter("values", i)
				if err != nil {
					return nil, err
				}
				values, ok := raw.(map[string]any)
				if !ok {
					return nil, types.NewError(types.ErrKindValidation, "values parameter must be an object")
				}

				keepOnly, err := ec.GetNodeParameter("keepOnlySet", i)
				if err != nil {
					return nil, err
				}

				var next types.Item
				if keep, _ := keepOnly.(bool); keep {
					next = make(types.Item, len(values))
				} else {
					next = item.Clone()
				}
				for k, v := range values {
					next[k] = v
				}
				out = append(out, next)
			}
			return []types.Batch{out}, nil
		},
	}
}
