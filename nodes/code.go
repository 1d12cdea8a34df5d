package nodes

import (
	"context"

	"github.com/fluxion-engine/fluxion/registry"
	"github.com/fluxion-engine/fluxion/types"
)

// codeDefinition runs user-supplied source through the sandbox executor.
// The source parameter is read raw: user code is never subjected to
// expression interpolation.
func codeDefinition(opts Options) *registry.NodeDefinition {
	return &registry.NodeDefinition{
		Type:        "core.code",
		DisplayName: "Code",
		Capability:  registry.CapabilityTransform,
		Inputs:      []string{registry.DefaultPort},
		Outputs:     []string{registry.DefaultPort},
		Parameters: []registry.ParameterSpec{
			{Name: "language", Type: "string", Default: "lua"},
			{Name: "source", Type: "string", Required: true},
		},
		Execute: func(ctx context.Context, ec registry.ExecutionContext) ([]types.Batch, error) {
			if opts.Sandbox == nil {
				return nil, types.NewError(types.ErrKindValidation, "no sandbox executor configured")
			}

			params := ec.Node().Parameters
			language, _ := params["language"].(string)
			if language == "" {
				language = "lua"
			}
			source, _ := params["source"].(string)
			if source == "" {
				return nil, types.NewError(types.ErrKindValidation, "code node has no source")
			}

			out, err := opts.Sandbox.RunSandboxed(ctx, language, source, ec.GetInputData(), opts.SandboxTimeout)
			if err != nil {
				return nil, err
			}
			return []types.Batch{out}, nil
		},
	}
}
