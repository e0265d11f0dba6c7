// Package ioport implements the 16-bit I/O port address space: a
// 65,536-entry table of per-port read/write handlers, synthesizing
// wider accesses from byte primitives when a device registers no
// 16/32-bit handler of its own.
package ioport

/*
   A fixed-size table of per-port handler triples keyed by address,
   with a distinguished "no device" sentinel and logged unmapped
   accesses.
*/

import (
	"log/slog"

	dv "github.com/rcornwell/x86core/internal/device"
)

type portEntry struct {
	r8  dv.PortReader8
	w8  dv.PortWriter8
	r16 dv.PortReader16
	w16 dv.PortWriter16
	r32 dv.PortReader32
	w32 dv.PortWriter32
	tag string
}

// Bus is the 65,536-entry I/O port handler table.
type Bus struct {
	ports  [65536]*portEntry
	logger *slog.Logger
}

// New creates an empty port bus; every port defaults to all-ones reads
// and ignored writes.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Register installs handlers for a single port. Any of the width
// handlers may be nil; missing wide handlers are synthesized from the
// byte primitives on access.
func (b *Bus) Register(port uint16, tag string, r8 dv.PortReader8, w8 dv.PortWriter8,
	r16 dv.PortReader16, w16 dv.PortWriter16,
	r32 dv.PortReader32, w32 dv.PortWriter32,
) {
	b.ports[port] = &portEntry{r8: r8, w8: w8, r16: r16, w16: w16, r32: r32, w32: w32, tag: tag}
}

// RegisterConsecutive registers the same device across `count` (2 or 4)
// consecutive byte ports, synthesizing the wide accessors across them.
func (b *Bus) RegisterConsecutive(base uint16, count int, tag string, r8 dv.PortReader8, w8 dv.PortWriter8) {
	for i := 0; i < count; i++ {
		b.Register(base+uint16(i), tag, r8, w8, nil, nil, nil, nil)
	}
}

func (b *Bus) entry(port uint16) *portEntry {
	return b.ports[port]
}

// In8 reads one byte from a port.
func (b *Bus) In8(port uint16) uint8 {
	e := b.entry(port)
	if e == nil || e.r8 == nil {
		b.logger.Debug("unmapped port read", "port", port, "width", 8)
		return 0xFF
	}
	return e.r8(port)
}

// Out8 writes one byte to a port.
func (b *Bus) Out8(port uint16, val uint8) {
	e := b.entry(port)
	if e == nil || e.w8 == nil {
		b.logger.Debug("unmapped port write", "port", port, "width", 8)
		return
	}
	e.w8(port, val)
}

// In16 reads a 16-bit value, using a registered r16 handler if present,
// else synthesizing from two byte reads of consecutive ports.
func (b *Bus) In16(port uint16) uint16 {
	if e := b.entry(port); e != nil && e.r16 != nil {
		return e.r16(port)
	}
	lo := uint16(b.In8(port))
	hi := uint16(b.In8(port + 1))
	return lo | hi<<8
}

// Out16 writes a 16-bit value.
func (b *Bus) Out16(port uint16, val uint16) {
	if e := b.entry(port); e != nil && e.w16 != nil {
		e.w16(port, val)
		return
	}
	b.Out8(port, uint8(val))
	b.Out8(port+1, uint8(val>>8))
}

// In32 reads a 32-bit value.
func (b *Bus) In32(port uint16) uint32 {
	if e := b.entry(port); e != nil && e.r32 != nil {
		return e.r32(port)
	}
	lo := uint32(b.In16(port))
	hi := uint32(b.In16(port + 2))
	return lo | hi<<16
}

// Out32 writes a 32-bit value.
func (b *Bus) Out32(port uint16, val uint32) {
	if e := b.entry(port); e != nil && e.w32 != nil {
		e.w32(port, val)
		return
	}
	b.Out16(port, uint16(val))
	b.Out16(port+2, uint16(val>>16))
}
