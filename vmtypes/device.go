package vmtypes

import "fmt"

// DeviceType follows the DLPack device codes.
type DeviceType int

const (
	DeviceCPU    DeviceType = 1
	DeviceCUDA   DeviceType = 2
	DeviceOpenCL DeviceType = 4
	DeviceVulkan DeviceType = 7
	DeviceMetal  DeviceType = 8
	DeviceROCm   DeviceType = 10
)

func (t DeviceType) String() string {
	switch t {
	case DeviceCPU:
		return "cpu"
	case DeviceCUDA:
		return "cuda"
	case DeviceOpenCL:
		return "opencl"
	case DeviceVulkan:
		return "vulkan"
	case DeviceMetal:
		return "metal"
	case DeviceROCm:
		return "rocm"
	default:
		return fmt.Sprintf("device(%d)", int(t))
	}
}

// Device is a physical execution target: a device type plus an ordinal.
type Device struct {
	Type DeviceType
	ID   int
}

func (d Device) String() string {
	return fmt.Sprintf("%s:%d", d.Type, d.ID)
}

func (d Device) Equal(o Device) bool {
	return d.Type == o.Type && d.ID == o.ID
}

func (d Device) pack() int64 {
	return int64(d.Type)<<32 | int64(uint32(d.ID))
}

func unpackDevice(v int64) Device {
	return Device{Type: DeviceType(v >> 32), ID: int(int32(v))}
}
