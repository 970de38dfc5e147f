//go:build !nvml

package devmem

// nvmlBuilt reports whether this binary links NVML support.
const nvmlBuilt = false

// NewNVMLBackend returns NoneBackend when built without the 'nvml' tag.
func NewNVMLBackend() Backend { return NoneBackend{} }
