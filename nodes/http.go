package nodes

import (
	"context"
	"fmt"

	"github.com/fluxion-engine/fluxion/registry"
	"github.com/fluxion-engine/fluxion/types"
)

// httpRequestDefinition issues one outbound request per input item. Method,
// URL, headers and body are resolved per item so expressions can draw on
// the item's fields.
func httpRequestDefinition() *registry.NodeDefinition {
	return &registry.NodeDefinition{
		Type:        "core.httpRequest",
		DisplayName: "HTTP Request",
		Capability:  registry.CapabilityAction,
		Inputs:      []string{registry.DefaultPort},
		Outputs:     []string{registry.DefaultPort},
		Credentials: []string{"httpHeaderAuth", "httpBasicAuth", "httpBearerAuth"},
		Parameters: []registry.ParameterSpec{
			{Name: "method", Type: "string", Default: "GET"},
			{Name: "url", Type: "string", Required: true},
			{Name: "headers", Type: "object"},
			{Name: "body", Type: "object"},
			{Name: "authentication", Type: "string", Default: "none"},
		},
		Execute: func(ctx context.Context, ec registry.ExecutionContext) ([]types.Batch, error) {
			input := ec.GetInputData()
			if len(input) == 0 {
				input = types.Batch{{}}
			}

			out := make(types.Batch, 0, len(input))
			for i := range input {
				method, err := stringParam(ec, "method", i)
				if err != nil {
					return nil, err
				}
				if method == "" {
					method = "GET"
				}
				url, err := stringParam(ec, "url", i)
				if err != nil {
					return nil, err
				}
				if url == "" {
					return nil, types.NewError(types.ErrKindValidation, "http request node has no url")
				}
				headers, err := headerParam(ec, i)
				if err != nil {
					return nil, err
				}
				body, err := ec.GetNodeParameter("body", i)
				if err != nil {
					return nil, err
				}

				auth, err := stringParam(ec, "authentication", i)
				if err != nil {
					return nil, err
				}

				var item types.Item
				if auth == "" || auth == "none" {
					item, err = ec.Helpers().Request(ctx, method, url, headers, body)
				} else {
					var creds map[string]any
					creds, err = ec.GetCredentials(ctx, auth)
					if err != nil {
						return nil, err
					}
					item, err = ec.Helpers().AuthenticatedRequest(ctx, method, url, headers, body, creds)
				}
				if err != nil {
					return nil, err
				}
				out = append(out, item)
			}
			return []types.Batch{out}, nil
		},
	}
}

func stringParam(ec registry.ExecutionContext, name string, itemIndex int) (string, error) {
	v, err := ec.GetNodeParameter(name, itemIndex)
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", nil
	}
	return fmt.Sprint(v), nil
}

func headerParam(ec registry.ExecutionContext, itemIndex int) (map[string]string, error) {
	v, err := ec.GetNodeParameter("headers", itemIndex)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, types.NewError(types.ErrKindValidation, "headers parameter must be an object")
	}
	out := make(map[string]string, len(raw))
	for k, hv := range raw {
		out[k] = fmt.Sprint(hv)
	}
	return out, nil
}
