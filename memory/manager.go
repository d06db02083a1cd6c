package memory

import (
	"fmt"
	"sync"

	"github.com/HayeonP/tvm-segment/log"
	"github.com/HayeonP/tvm-segment/vmtypes"
)

// AllocatorType selects the allocation strategy for a device.
type AllocatorType int

const (
	AllocatorNaive  AllocatorType = 1
	AllocatorPooled AllocatorType = 2
)

func (t AllocatorType) String() string {
	switch t {
	case AllocatorNaive:
		return "naive"
	case AllocatorPooled:
		return "pooled"
	default:
		return fmt.Sprintf("allocator(%d)", int(t))
	}
}

// Allocator hands out tensors on one device.
type Allocator interface {
	// Empty allocates an uninitialized tensor of the given shape and dtype
	// on dev.
	Empty(shape []int64, dtype vmtypes.DType, dev vmtypes.Device) *NDArray
	// Device returns the device this allocator serves.
	Device() vmtypes.Device
	// Type returns the allocation strategy.
	Type() AllocatorType
}

type allocKey struct {
	dev vmtypes.Device
	typ AllocatorType
}

var (
	managerMu  sync.Mutex
	allocators = make(map[allocKey]Allocator)
)

// GetOrCreateAllocator returns the process-wide allocator for (dev, typ),
// creating it on first use. Allocators are shared; callers must not use one
// concurrently.
func GetOrCreateAllocator(dev vmtypes.Device, typ AllocatorType) Allocator {
	managerMu.Lock()
	defer managerMu.Unlock()
	key := allocKey{dev: dev, typ: typ}
	if a, ok := allocators[key]; ok {
		return a
	}
	var a Allocator
	switch typ {
	case AllocatorPooled:
		a = newPooledAllocator(dev)
	default:
		a = &naiveAllocator{dev: dev}
	}
	allocators[key] = a
	log.Debug(log.MemoryMonitoring, "allocator created", "device", dev.String(), "type", typ.String())
	return a
}

type naiveAllocator struct {
	dev vmtypes.Device
}

func (a *naiveAllocator) Empty(shape []int64, dtype vmtypes.DType, dev vmtypes.Device) *NDArray {
	return &NDArray{
		shape:  append([]int64(nil), shape...),
		dtype:  dtype,
		device: dev,
		data:   make([]byte, dataSize(shape, dtype)),
	}
}

func (a *naiveAllocator) Device() vmtypes.Device { return a.dev }
func (a *naiveAllocator) Type() AllocatorType    { return AllocatorNaive }

// pooledAllocator recycles backing buffers by rounded-up size class to avoid
// churn inside tight call sequences.
type pooledAllocator struct {
	dev  vmtypes.Device
	free map[int64][][]byte
}

func newPooledAllocator(dev vmtypes.Device) *pooledAllocator {
	return &pooledAllocator{dev: dev, free: make(map[int64][][]byte)}
}

const pageSize = 4096

func roundUp(n int64) int64 {
	if n == 0 {
		return pageSize
	}
	return (n + pageSize - 1) / pageSize * pageSize
}

func (a *pooledAllocator) Empty(shape []int64, dtype vmtypes.DType, dev vmtypes.Device) *NDArray {
	need := dataSize(shape, dtype)
	class := roundUp(need)
	var buf []byte
	if list := a.free[class]; len(list) > 0 {
		buf = list[len(list)-1]
		a.free[class] = list[:len(list)-1]
		for i := range buf {
			buf[i] = 0
		}
	} else {
		buf = make([]byte, class)
	}
	return &NDArray{
		shape:  append([]int64(nil), shape...),
		dtype:  dtype,
		device: dev,
		data:   buf[:need],
	}
}

// Release returns a tensor's buffer to the pool. Optional; unreleased
// buffers are simply collected by the runtime.
func (a *pooledAllocator) Release(arr *NDArray) {
	class := roundUp(int64(cap(arr.data)))
	a.free[class] = append(a.free[class], arr.data[:cap(arr.data)])
	arr.data = nil
}

func (a *pooledAllocator) Device() vmtypes.Device { return a.dev }
func (a *pooledAllocator) Type() AllocatorType    { return AllocatorPooled }
