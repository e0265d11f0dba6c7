// Package memory implements the flat physical-memory fabric: a byte
// array backing RAM plus a memory-mapped I/O dispatch table keyed by an
// aligned block of the physical address space.
package memory

/*
   x86core - Physical memory fabric.

   A single flat backing array with byte/word/dword accessors and
   range checks that, instead of panicking, log an out-of-range access
   and read it as 0xFF or drop the write, plus a block-dispatch table so
   memory-mapped I/O and the
   legacy VGA window are handled without touching the backing array.
*/

import "log/slog"

const (
	// BlockShift is the power-of-two size of one MMIO dispatch block.
	BlockShift = 12
	BlockSize  = 1 << BlockShift

	// VGA window reserved for legacy framebuffer / option ROMs.
	vgaWindowLow  = 0xA0000
	vgaWindowHigh = 0xBFFFF
)

// BlockHandler services reads and writes for one aligned block of
// physical address space.
type BlockHandler interface {
	ReadByte(addr uint32) uint8
	WriteByte(addr uint32, val uint8)
}

// Memory is the flat byte-addressable physical memory fabric.
type Memory struct {
	ram     []byte
	size    uint32
	blocks  map[uint32]BlockHandler // keyed by block number
	logger  *slog.Logger
	reads   uint64
	unmapRd uint64
}

// New allocates a Memory fabric of the given size in bytes.
func New(sizeBytes uint32, logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		ram:    make([]byte, sizeBytes),
		size:   sizeBytes,
		blocks: make(map[uint32]BlockHandler),
		logger: logger,
	}
}

// Size returns the amount of installed RAM in bytes.
func (m *Memory) Size() uint32 { return m.size }

// RegisterBlock installs handler for the block containing addr, and every
// block through addr+length-1.
func (m *Memory) RegisterBlock(addr, length uint32, handler BlockHandler) {
	first := addr >> BlockShift
	last := (addr + length - 1) >> BlockShift
	for b := first; b <= last; b++ {
		m.blocks[b] = handler
	}
}

// InMappedRange reports whether addr dispatches to a handler instead of
// the backing array: a registered MMIO block, the legacy framebuffer
// window (handler or not), or beyond installed RAM.
func (m *Memory) InMappedRange(addr uint32) bool {
	if addr >= m.size {
		return true
	}
	if addr >= vgaWindowLow && addr <= vgaWindowHigh {
		return true
	}
	_, ok := m.blocks[addr>>BlockShift]
	return ok
}

// ReadByte reads one byte at a physical address.
func (m *Memory) ReadByte(addr uint32) uint8 {
	if h, ok := m.blocks[addr>>BlockShift]; ok {
		return h.ReadByte(addr)
	}
	if addr >= m.size {
		m.unmapRd++
		m.logger.Debug("read beyond installed RAM", "addr", addr)
		return 0xFF
	}
	if addr >= vgaWindowLow && addr <= vgaWindowHigh {
		m.unmapRd++
		m.logger.Debug("read from unclaimed framebuffer window", "addr", addr)
		return 0xFF
	}
	m.reads++
	return m.ram[addr]
}

// WriteByte writes one byte at a physical address.
func (m *Memory) WriteByte(addr uint32, val uint8) {
	if h, ok := m.blocks[addr>>BlockShift]; ok {
		h.WriteByte(addr, val)
		return
	}
	if addr >= m.size {
		m.logger.Debug("write beyond installed RAM", "addr", addr)
		return
	}
	if addr >= vgaWindowLow && addr <= vgaWindowHigh {
		m.logger.Debug("write to unclaimed framebuffer window", "addr", addr)
		return
	}
	m.ram[addr] = val
}

// ReadWord reads a little-endian 16-bit value, decomposing to byte
// accesses when either half falls in a mapped block.
func (m *Memory) ReadWord(addr uint32) uint16 {
	if m.InMappedRange(addr) || m.InMappedRange(addr+1) {
		lo := uint16(m.ReadByte(addr))
		hi := uint16(m.ReadByte(addr + 1))
		return lo | hi<<8
	}
	return uint16(m.ram[addr]) | uint16(m.ram[addr+1])<<8
}

// WriteWord writes a little-endian 16-bit value.
func (m *Memory) WriteWord(addr uint32, val uint16) {
	if m.InMappedRange(addr) || m.InMappedRange(addr+1) {
		m.WriteByte(addr, uint8(val))
		m.WriteByte(addr+1, uint8(val>>8))
		return
	}
	m.ram[addr] = uint8(val)
	m.ram[addr+1] = uint8(val >> 8)
}

// ReadDword reads a little-endian 32-bit value.
func (m *Memory) ReadDword(addr uint32) uint32 {
	if m.InMappedRange(addr) || m.InMappedRange(addr+3) {
		var v uint32
		for i := uint32(0); i < 4; i++ {
			v |= uint32(m.ReadByte(addr+i)) << (8 * i)
		}
		return v
	}
	return uint32(m.ram[addr]) | uint32(m.ram[addr+1])<<8 |
		uint32(m.ram[addr+2])<<16 | uint32(m.ram[addr+3])<<24
}

// WriteDword writes a little-endian 32-bit value.
func (m *Memory) WriteDword(addr, val uint32) {
	if m.InMappedRange(addr) || m.InMappedRange(addr+3) {
		for i := uint32(0); i < 4; i++ {
			m.WriteByte(addr+i, uint8(val>>(8*i)))
		}
		return
	}
	m.ram[addr] = uint8(val)
	m.ram[addr+1] = uint8(val >> 8)
	m.ram[addr+2] = uint8(val >> 16)
	m.ram[addr+3] = uint8(val >> 24)
}

// WriteBlob bulk-copies a byte slice directly into RAM without going
// through paging or MMIO dispatch; used to load the BIOS image.
func (m *Memory) WriteBlob(addr uint32, data []byte) {
	n := copy(m.ram[addr:], data)
	if n < len(data) {
		m.logger.Warn("blob truncated at end of RAM", "addr", addr, "len", len(data))
	}
}

// RawBytes exposes the backing array for the snapshot walker. Callers
// must not retain the slice past a resize.
func (m *Memory) RawBytes() []byte { return m.ram }
