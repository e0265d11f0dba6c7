// Package bus implements the BusConnector a device receives by move at
// construction: registration surfaces over the physical memory fabric,
// the I/O port table, and the CPU's interrupt sink, with no back-
// pointer from a device to the core itself.
package bus

/*
   A device hands its control block to the bus once, at init time,
   rather than reaching back into the CPU or core on every access.

   Copyright (c) 2026, x86core contributors
   SPDX-License-Identifier: MIT
*/

import (
	"github.com/rcornwell/x86core/internal/device"
	"github.com/rcornwell/x86core/internal/ioport"
	"github.com/rcornwell/x86core/internal/memory"
)

// Bus is the concrete device.BusConnector this module hands to device
// models at construction.
type Bus struct {
	mem   *memory.Memory
	ports *ioport.Bus
	irq   device.InterruptSink
	start float64
	clock func() float64
}

// New wires a Bus over already-constructed collaborators. clock
// supplies the monotonic millisecond source Microtick reports; with a
// nil clock Microtick returns 0.
func New(mem *memory.Memory, ports *ioport.Bus, irq device.InterruptSink, clock func() float64) *Bus {
	return &Bus{mem: mem, ports: ports, irq: irq, clock: clock}
}

func (b *Bus) Interrupts() device.InterruptSink { return b.irq }

func (b *Bus) RegisterPort(port uint16, r8 device.PortReader8, w8 device.PortWriter8,
	r16 device.PortReader16, w16 device.PortWriter16,
	r32 device.PortReader32, w32 device.PortWriter32,
) {
	b.ports.Register(port, "", r8, w8, r16, w16, r32, w32)
}

type mmioBlock struct {
	r8 device.MMIOReader8
	w8 device.MMIOWriter8
}

func (m mmioBlock) ReadByte(addr uint32) uint8 {
	if m.r8 == nil {
		return 0xFF
	}
	return m.r8(addr)
}

func (m mmioBlock) WriteByte(addr uint32, val uint8) {
	if m.w8 != nil {
		m.w8(addr, val)
	}
}

func (b *Bus) RegisterMMIO(base, length uint32, r8 device.MMIOReader8, w8 device.MMIOWriter8) {
	b.mem.RegisterBlock(base, length, mmioBlock{r8: r8, w8: w8})
}

func (b *Bus) Microtick() float64 {
	if b.clock == nil {
		return 0
	}
	return b.clock()
}

var _ device.BusConnector = (*Bus)(nil)
