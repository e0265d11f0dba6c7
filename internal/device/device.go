// Package device defines the thin collaborator contracts the core
// exposes to device models: an interrupt sink devices raise/lower lines
// on, and port/MMIO registration. Device models themselves are out of
// scope for this module; only the contracts live here.
package device

/*
   Instead of a device holding a back-pointer to the CPU, a device
   receives a BusConnector at construction, and the InterruptSink that
   connector hands out is the CPU itself.
*/

// InterruptSink is the callback surface devices use to request CPU
// attention without holding a reference back to the CPU itself.
type InterruptSink interface {
	RaiseIRQ(line int)
	LowerIRQ(line int)
}

// PortReader8/16/32 and PortWriter8/16/32 service one width of an I/O
// port access.
type PortReader8 func(port uint16) uint8
type PortWriter8 func(port uint16, val uint8)
type PortReader16 func(port uint16) uint16
type PortWriter16 func(port uint16, val uint16)
type PortReader32 func(port uint16) uint32
type PortWriter32 func(port uint16, val uint32)

// MMIOReader8/MMIOWriter8 service a byte-wide memory-mapped I/O access.
type MMIOReader8 func(addr uint32) uint8
type MMIOWriter8 func(addr uint32, val uint8)

// BusConnector is the registration surface a device receives by move at
// construction, replacing a back-pointer to the CPU/core.
type BusConnector interface {
	Interrupts() InterruptSink

	RegisterPort(port uint16, r8 PortReader8, w8 PortWriter8,
		r16 PortReader16, w16 PortWriter16,
		r32 PortReader32, w32 PortWriter32)

	RegisterMMIO(base, length uint32, r8 MMIOReader8, w8 MMIOWriter8)

	// Microtick returns a monotonic millisecond counter for device timing.
	Microtick() float64
}

// Lifecycle is the minimal device contract: init and shutdown hooks,
// leaving command/control specifics to the device itself.
type Lifecycle interface {
	Init() error
	Shutdown()
}
