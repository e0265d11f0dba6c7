/*
   Core CPU state and the fetch/decode/dispatch cycle loop.

   A single exported step entry point first drains pending interrupts,
   then fetches, decodes into a transient per-step record, and
   dispatches through a flat function-pointer table. There are four
   such tables (16/32-bit default operand size, each with its own
   0F-escape table) built once at construction and indexed directly by
   the fetched opcode byte.

   Copyright (c) 2026, x86core contributors
   SPDX-License-Identifier: MIT
*/

package cpu

import (
	"github.com/rcornwell/x86core/internal/device"
	"github.com/rcornwell/x86core/internal/ioport"
	"github.com/rcornwell/x86core/internal/memory"
)

// cpuMode tracks which addressing/protection discipline is active.
type cpuMode uint8

const (
	modeReal cpuMode = iota
	modeProtected
	modeVM86
)

// opFunc is the flat function-pointer shape every opcode handler uses;
// it never closes over call-site state; all per-instruction context
// lives on *CPU and the decode-stage fields below.
type opFunc func(*CPU)

// step holds the transient decode state for the instruction currently
// executing, cleared at the start of each fetch.
type step struct {
	opcode      uint8
	opcodeIsEsc bool // 0F-escape
	modrm       uint8
	hasModRM    bool
	regField    int
	rmIsReg     bool
	rmReg       int
	effAddr     uint32
	effAddrSeg  int
	immediate   uint32
	immSize     Size
	dispSize    Size

	operandSize32 bool
	addressSize32 bool
	segOverride   int
	hasSegOverride bool
	repPrefix     uint8 // 0=none, 1=REP/REPE, 2=REPNE
	lockPrefix    bool

	startEIP uint32 // EIP of the first prefix byte, for re-fetch on fault/rep
}

const (
	repNone = 0
	repZ    = 1
	repNZ   = 2
)

// CPU is the complete architectural and micro-architectural state of
// one processor core: general registers, segment cache, control/debug
// registers, the lazy flag shadow, the software TLB, the FPU stack,
// and the collaborator handles (physical memory and the I/O port bus)
// it was wired to at construction.
type CPU struct {
	regs regFile
	seg  [segCount]Segment
	ldtr Segment
	tr   Segment

	gdtBase, gdtLimit uint32
	idtBase, idtLimit uint32

	cregs ControlRegs
	dregs DebugRegs
	cr2   uint32

	eip uint32
	flagShadow

	cpl         uint8
	mode        cpuMode
	stackSize32 bool

	tlb *tlb

	mem   *memory.Memory
	ports *ioport.Bus

	halted   bool
	inHLT    bool
	timestampCounter uint64

	pendingNMI bool
	irqLine    [16]bool
	irqBase    uint8 // vector of IRQ line 0, per the PIC's programmed offset

	cur step

	// IP translation cache: avoids re-walking paging/segmentation for
	// every byte fetched from the same code page.
	ipCacheValid bool
	ipCacheVirt  uint32
	ipCachePhys  uint32

	table16    [256]opFunc
	table32    [256]opFunc
	table16Esc [256]opFunc
	table32Esc [256]opFunc

	fpu fpuState
}

// New constructs a CPU reset into real mode at the architectural power-on
// state: CS=0xF000 (base 0xFFFF0000 on real silicon; this core resets to
// the simpler 0xF0000 base used by legacy BIOS entry points), EIP
// =0xFFF0, EFLAGS=2, CR0=0x10 (ET only).
func New(mem *memory.Memory, ports *ioport.Bus) *CPU {
	c := &CPU{
		mem:   mem,
		ports: ports,
		tlb:   newTLB(),
	}
	c.createTables()
	c.Reset()
	return c
}

// Reset restores power-on architectural state without touching physical
// memory; it fully clears the TLB and drops the IP translation cache.
func (c *CPU) Reset() {
	c.regs = regFile{}
	c.cregs = ControlRegs{}
	c.cregs[0] = CR0ET
	c.dregs = DebugRegs{}
	c.cr2 = 0
	c.cpl = 0
	c.mode = modeReal
	c.stackSize32 = false
	c.flagShadow = flagShadow{eflags: 0x2}
	c.halted = false
	c.inHLT = false
	c.irqBase = 8
	c.timestampCounter = 0
	c.fpu.reset()

	for i := range c.seg {
		c.seg[i] = Segment{Selector: 0, Base: 0, Limit: 0xFFFF}
	}
	c.seg[SegCS] = Segment{Selector: 0xF000, Base: 0xF0000, Limit: 0xFFFF}
	c.eip = 0xFFF0
	c.ldtr = Segment{IsNull: true}
	c.tr = Segment{IsNull: true}
	c.gdtBase, c.gdtLimit = 0, 0xFFFF
	c.idtBase, c.idtLimit = 0, 0xFFFF
	c.tlb.FullClear()
	c.invalidateIPCache()
}

// RaiseIRQ and LowerIRQ implement device.InterruptSink: the CPU is the
// sink a BusConnector hands out, so devices never hold a back-pointer
// to the core itself. A raised line is latched and consulted at the
// next instruction boundary.
func (c *CPU) RaiseIRQ(line int) {
	if line >= 0 && line < len(c.irqLine) {
		c.irqLine[line] = true
	}
}

func (c *CPU) LowerIRQ(line int) {
	if line >= 0 && line < len(c.irqLine) {
		c.irqLine[line] = false
	}
}

var _ device.InterruptSink = (*CPU)(nil)

func (c *CPU) RaiseNMI() { c.pendingNMI = true }

func (c *CPU) Halted() bool { return c.inHLT }

// EIP/SetEIP let collaborators (console breakpoints, snapshot restore)
// observe and relocate the instruction pointer.
func (c *CPU) EIP() uint32      { return c.eip }
func (c *CPU) SetEIP(v uint32)  { c.eip = v; c.invalidateIPCache() }
func (c *CPU) CS() Segment      { return c.seg[SegCS] }
func (c *CPU) CPL() uint8       { return c.cpl }
func (c *CPU) CR(n int) uint32  { return c.cregs[n] }

// SetCR installs a control register, applying the architectural side
// effects: a CR0.PE change switches between real and protected mode, a
// CR0.PG/WP change flushes translations, a CR3 reload keeps global
// pages resident,
// and a CR4.PSE/PGE change invalidates any large/global entries that
// were installed under the old setting.
func (c *CPU) SetCR(n int, v uint32) {
	old := c.cregs[n]
	c.cregs[n] = v
	switch n {
	case 0:
		if (old^v)&CR0PE != 0 {
			if v&CR0PE != 0 {
				c.mode = modeProtected
			} else {
				c.mode = modeReal
				c.cpl = 0
			}
		}
		if (old^v)&(CR0PG|CR0WP) != 0 {
			c.tlb.FullClear()
			c.invalidateIPCache()
		}
	case 3:
		c.tlb.Clear()
		c.invalidateIPCache()
	case 4:
		if (old^v)&(CR4PSE|CR4PGE) != 0 {
			c.tlb.FullClear()
			c.invalidateIPCache()
		}
	}
}

// SetIRQBase reprograms which vector IRQ line 0 maps to, mirroring the
// PIC's initialization-word offset. The power-on default is 8, the
// legacy master-8259 mapping.
func (c *CPU) SetIRQBase(base uint8) { c.irqBase = base }

// TSC returns the timestamp counter, incremented once per executed
// instruction rather than per bus cycle.
func (c *CPU) TSC() uint64 { return c.timestampCounter }
func (c *CPU) GPR(reg int) uint32     { return c.regs.D(reg) }
func (c *CPU) SetGPR(reg int, v uint32) { c.regs.SetD(reg, v) }
func (c *CPU) Seg(reg int) Segment    { return c.seg[reg] }

func (c *CPU) invalidateIPCache() { c.ipCacheValid = false }

// Cycle executes exactly one instruction (or services one pending
// interrupt in its place) per call. It returns the *CPUException
// that interrupt/exception delivery itself raised, if any (a double
// fault or triple fault path), never the exception the instruction
// being interrupted would have raised.
func (c *CPU) Cycle() *CPUException {
	if vec, has := c.pendingInterrupt(); has {
		return c.deliverInterrupt(vec, false, 0)
	}

	if c.inHLT {
		return nil
	}

	startEIP := c.eip
	excp := c.step()
	if excp != nil {
		// Faults rewind so the instruction re-executes after the handler;
		// INT n / INT3 / INTO are traps whose pushed return address is the
		// next instruction.
		if !excp.IsSoftware && excp.Vector != VecBP && excp.Vector != VecOF {
			c.eip = startEIP
		}
		return c.deliverException(excp)
	}
	return nil
}

// RunCycles executes up to n instructions. It stops early, returning
// the instruction count executed so far, when Cycle reports an
// exception raised by delivery itself, or when the core is halted with
// no interrupt pending.
func (c *CPU) RunCycles(n int) (int, *CPUException) {
	for i := 0; i < n; i++ {
		if excp := c.Cycle(); excp != nil {
			return i + 1, excp
		}
		if c.inHLT && !c.interruptsPending() {
			return i + 1, nil
		}
	}
	return n, nil
}

// pendingInterrupt picks the highest-priority latched interrupt: NMI
// first, then INTR when IF is set, scanning irqLine from 0 upward for
// the lowest asserted line.
func (c *CPU) pendingInterrupt() (uint8, bool) {
	if c.pendingNMI {
		c.pendingNMI = false
		return VecNMI, true
	}
	if c.EFLAGS()&FlagIF == 0 {
		return 0, false
	}
	for line, asserted := range c.irqLine {
		if asserted {
			c.irqLine[line] = false
			return c.irqBase + uint8(line), true
		}
	}
	return 0, false
}

func (c *CPU) interruptsPending() bool {
	if c.pendingNMI {
		return true
	}
	if c.EFLAGS()&FlagIF == 0 {
		return false
	}
	for _, asserted := range c.irqLine {
		if asserted {
			return true
		}
	}
	return false
}

// step fetches, decodes, and dispatches exactly one instruction.
func (c *CPU) step() *CPUException {
	c.cur = step{startEIP: c.eip}
	c.inHLT = false
	c.timestampCounter++

	if err := c.fetchPrefixes(); err != nil {
		return err
	}

	opcode, err := c.fetchByte()
	if err != nil {
		return err
	}
	c.cur.opcode = opcode

	table := &c.table16
	if c.cur.operandSize32 {
		table = &c.table32
	}

	if opcode == 0x0F {
		esc, err := c.fetchByte()
		if err != nil {
			return err
		}
		c.cur.opcode = esc
		c.cur.opcodeIsEsc = true
		table = &c.table16Esc
		if c.cur.operandSize32 {
			table = &c.table32Esc
		}
	}

	fn := table[c.cur.opcode]
	if fn == nil {
		return exc(VecUD)
	}

	return c.dispatch(fn)
}

// dispatch invokes fn, recovering the *CPUException a handler raises by
// panicking; opFunc has no return value, so every handler faults this
// way. Any other panic is re-raised.
func (c *CPU) dispatch(fn opFunc) (excp *CPUException) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(*CPUException); ok {
				excp = e
				return
			}
			panic(r)
		}
	}()
	fn(c)
	return nil
}

func (c *CPU) createTables() {
	installStandardOpcodes(&c.table16, &c.table32)
	installEscapeOpcodes(&c.table16Esc, &c.table32Esc)
}
