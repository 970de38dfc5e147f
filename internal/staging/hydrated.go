// Package staging moves model working sets between idle storage and leased
// devices. A hydrated model is an explicit tagged value: either a single
// device handle or a multi-device handle with its device list.
package staging

import "fmt"

// CPUDevice is the device id used when no accelerator is leased.
const CPUDevice = -1

// Handle is a backend-specific loaded model.
type Handle interface {
	Model() string
	Close() error
}

// Kind tags a Hydrated value.
type Kind int

const (
	KindSingle Kind = iota
	KindMultiDevice
)

func (k Kind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindMultiDevice:
		return "multi_device"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Hydrated is a model resident on one or more devices.
type Hydrated struct {
	kind    Kind
	handle  Handle
	devices []int
}

// SingleDevice wraps h placed on device.
func SingleDevice(h Handle, device int) *Hydrated {
	return &Hydrated{kind: KindSingle, handle: h, devices: []int{device}}
}

// MultiDevice wraps h spread over devices. Fewer than two devices yields a
// single-device value.
func MultiDevice(h Handle, devices []int) *Hydrated {
	if len(devices) < 2 {
		return SingleDevice(h, firstOr(devices, CPUDevice))
	}
	return &Hydrated{kind: KindMultiDevice, handle: h, devices: append([]int(nil), devices...)}
}

// ForDevices picks the variant matching the device list.
func ForDevices(h Handle, devices []int) *Hydrated {
	return MultiDevice(h, devices)
}

func (m *Hydrated) Kind() Kind         { return m.kind }
func (m *Hydrated) Handle() Handle     { return m.handle }
func (m *Hydrated) Model() string      { return m.handle.Model() }
func (m *Hydrated) IsMulti() bool      { return m.kind == KindMultiDevice }
func (m *Hydrated) Devices() []int     { return append([]int(nil), m.devices...) }
func (m *Hydrated) PrimaryDevice() int { return firstOr(m.devices, CPUDevice) }

// AsSingle unwraps a multi-device value onto its primary device. A single
// value is returned unchanged.
func (m *Hydrated) AsSingle() *Hydrated {
	if m.kind == KindSingle {
		return m
	}
	return SingleDevice(m.handle, m.PrimaryDevice())
}

// AsMultiDevice rewraps the handle over devices.
func (m *Hydrated) AsMultiDevice(devices []int) *Hydrated {
	return MultiDevice(m.handle, devices)
}

func firstOr(devices []int, def int) int {
	if len(devices) == 0 {
		return def
	}
	return devices[0]
}
