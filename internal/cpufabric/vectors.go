package cpufabric

import "sync"

// DeviceVector is a dynamically allocated interrupt vector handed out to
// a device driver (e.g. an AHCI controller or NIC) that needs its own
// IDT slot beyond the fixed exception/IRQ/timer/syscall vectors
// InitIDT's VectorTable enumerates. Adapted from the teacher's
// msi.Msivec_t: the pool shape and double-free panic are kept, narrowed
// from MSI-specific naming to a general dynamic-vector allocator since
// this exercise's device model has no MSI-capable bus to target yet.
type DeviceVector uint8

const (
	deviceVectorBase = 0x40
	deviceVectorCount = 16
)

var deviceVectors = struct {
	sync.Mutex
	avail map[DeviceVector]bool
}{avail: initDeviceVectorPool()}

func initDeviceVectorPool() map[DeviceVector]bool {
	m := make(map[DeviceVector]bool, deviceVectorCount)
	for v := DeviceVector(deviceVectorBase); v < deviceVectorBase+deviceVectorCount; v++ {
		m[v] = true
	}
	return m
}

// AllocDeviceVector reserves an unused vector in [0x40, 0x50) for a
// device driver to wire into its own IDT slot via InitIDT's VectorTable.
// Panics if the pool is exhausted, matching the teacher's Msi_alloc
// fail-fast convention (spec.md's reserved-vector budget makes pool
// exhaustion a boot-time configuration bug, not a runtime condition to
// recover from).
func AllocDeviceVector() DeviceVector {
	deviceVectors.Lock()
	defer deviceVectors.Unlock()
	for v := range deviceVectors.avail {
		delete(deviceVectors.avail, v)
		return v
	}
	panic("cpufabric: no device vectors remain")
}

// FreeDeviceVector returns v to the pool. Panics on double-free, matching
// Msi_free's invariant that a vector is never released twice.
func FreeDeviceVector(v DeviceVector) {
	deviceVectors.Lock()
	defer deviceVectors.Unlock()
	if deviceVectors.avail[v] {
		panic("cpufabric: double free of device vector")
	}
	deviceVectors.avail[v] = true
}
