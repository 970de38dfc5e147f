package devmem

import "fmt"

// NewBackend resolves a backend by name: "none" or "nvml".
// Requesting nvml from a build without the 'nvml' tag is an error so a
// misconfigured deployment does not silently run CPU-only.
func NewBackend(name string) (Backend, error) {
	switch name {
	case "", "none":
		return NoneBackend{}, nil
	case "nvml":
		if !nvmlBuilt {
			return nil, fmt.Errorf("memory backend %q not built (missing 'nvml' build tag)", name)
		}
		return NewNVMLBackend(), nil
	default:
		return nil, fmt.Errorf("unknown memory backend: %s", name)
	}
}
