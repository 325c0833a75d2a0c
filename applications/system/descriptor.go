package system

import "strings"

// Layer describes a component's placement in the coordination kernel.
type Layer string

const (
	LayerKernel Layer = "kernel" // C1-C4: log, projections, subscriptions, auth
	LayerSpeed  Layer = "speed"  // C5: dispatcher
	LayerAgent  Layer = "agent"  // C6: elicitation coordinator
	LayerHealth Layer = "health" // C7: degradation controller
	LayerGate   Layer = "gate"   // C8: request gateway
)

// Descriptor advertises a component's placement and capabilities. It is
// optional and does not change runtime behavior, but lets the manager reason
// about startup order and documentation consistently.
type Descriptor struct {
	Name         string
	Domain       string
	Layer        Layer
	Capabilities []string
	RequiresAPIs []string
	DependsOn    []string
}

// WithCapabilities returns a copy of the descriptor with additional capabilities appended.
func (d Descriptor) WithCapabilities(caps ...string) Descriptor {
	if len(caps) == 0 {
		return d
	}
	combined := make([]string, 0, len(d.Capabilities)+len(caps))
	combined = append(combined, d.Capabilities...)
	combined = append(combined, caps...)
	d.Capabilities = combined
	return d
}

// WithRequires appends required API surfaces.
func (d Descriptor) WithRequires(apis ...string) Descriptor {
	if len(apis) == 0 {
		return d
	}
	combined := make([]string, 0, len(d.RequiresAPIs)+len(apis))
	combined = append(combined, d.RequiresAPIs...)
	for _, api := range apis {
		if api = strings.TrimSpace(api); api != "" {
			combined = append(combined, api)
		}
	}
	d.RequiresAPIs = combined
	return d
}

// WithDependsOn appends dependencies.
func (d Descriptor) WithDependsOn(deps ...string) Descriptor {
	if len(deps) == 0 {
		return d
	}
	combined := make([]string, 0, len(d.DependsOn)+len(deps))
	combined = append(combined, d.DependsOn...)
	for _, dep := range deps {
		if dep = strings.TrimSpace(dep); dep != "" {
			combined = append(combined, dep)
		}
	}
	d.DependsOn = combined
	return d
}
