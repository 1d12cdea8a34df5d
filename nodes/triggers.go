package nodes

import (
	"github.com/fluxion-engine/fluxion/registry"
)

// Trigger nodes do not transform anything themselves: the activation
// manager builds their initial input from the external payload and the
// node forwards it into the graph.

func manualTriggerDefinition() *registry.NodeDefinition {
	return &registry.NodeDefinition{
		Type:        "core.manualTrigger",
		DisplayName: "Manual Trigger",
		Capability:  registry.CapabilityTrigger,
		Outputs:     []string{registry.DefaultPort},
		Execute:     passthrough,
	}
}

func webhookTriggerDefinition() *registry.NodeDefinition {
	return &registry.NodeDefinition{
		Type:        "core.webhookTrigger",
		DisplayName: "Webhook",
		Capability:  registry.CapabilityTrigger,
		Outputs:     []string{registry.DefaultPort},
		Parameters: []registry.ParameterSpec{
			{Name: "path", Type: "string", Required: true},
			{Name: "httpMethod", Type: "string", Default: "POST"},
			{Name: "authMode", Type: "string", Default: "none"},
			{Name: "headerName", Type: "string"},
			{Name: "headerValue", Type: "string"},
			{Name: "queryName", Type: "string"},
			{Name: "queryValue", Type: "string"},
			{Name: "user", Type: "string"},
			{Name: "password", Type: "string"},
			{Name: "jwtSecret", Type: "string"},
		},
		Execute: passthrough,
	}
}

func scheduleTriggerDefinition() *registry.NodeDefinition {
	return &registry.NodeDefinition{
		Type:        "core.scheduleTrigger",
		DisplayName: "Schedule",
		Capability:  registry.CapabilityTrigger,
		Outputs:     []string{registry.DefaultPort},
		Parameters: []registry.ParameterSpec{
			// Evaluated by the external scheduler-timer collaborator;
			// the engine only receives "fire now" events.
			{Name: "cronExpression", Type: "string", Required: true},
		},
		Execute: passthrough,
	}
}

func workflowTriggerDefinition() *registry.NodeDefinition {
	return &registry.NodeDefinition{
		Type:        "core.workflowTrigger",
		DisplayName: "Called by Workflow",
		Capability:  registry.CapabilityTrigger,
		Outputs:     []string{registry.DefaultPort},
		Execute:     passthrough,
	}
}
