/*
   String instructions: MOVS/CMPS/STOS/LODS/SCAS/INS/OUTS, with
   REP/REPE/REPNE iteration.

   Rather than re-decoding per byte, each dispatch runs a tight counted
   loop against the current ESI/EDI/ECX, checking for a terminal
   condition each iteration, and caps itself at maxStringOpsPerCycle so
   a very large ECX does not stall the scheduler's other collaborators;
   a truncated run rewinds EIP to re-enter on the next cycle.

   Copyright (c) 2026, x86core contributors
   SPDX-License-Identifier: MIT
*/

package cpu

const maxStringOpsPerCycle = 4096

// esi/edi return the active index-register view: the full 32-bit
// register under a 32-bit address size, the 16-bit view otherwise (the
// high half must not leak into the effective address in 16-bit code).
func (c *CPU) esi() uint32 {
	if c.cur.addressSize32 {
		return c.regs.D(RegESI)
	}
	return uint32(c.regs.W(RegESI))
}

func (c *CPU) edi() uint32 {
	if c.cur.addressSize32 {
		return c.regs.D(RegEDI)
	}
	return uint32(c.regs.W(RegEDI))
}

func (c *CPU) advanceIndex(reg int, size Size) {
	delta := int32(1 << size)
	if c.EFLAGS()&FlagDF != 0 {
		delta = -delta
	}
	if c.cur.addressSize32 {
		c.regs.SetD(reg, uint32(int32(c.regs.D(reg))+delta))
	} else {
		c.regs.SetW(reg, uint16(int32(int16(c.regs.W(reg)))+delta))
	}
}

func (c *CPU) ecx() uint32 {
	if c.cur.addressSize32 {
		return c.regs.D(RegECX)
	}
	return uint32(c.regs.W(RegECX))
}

func (c *CPU) setECX(v uint32) {
	if c.cur.addressSize32 {
		c.regs.SetD(RegECX, v)
	} else {
		c.regs.SetW(RegECX, uint16(v))
	}
}

func (c *CPU) dsSeg() int {
	if c.cur.hasSegOverride {
		return c.cur.segOverride
	}
	return SegDS
}

// repLoop runs body up to maxStringOpsPerCycle times (or once, if no
// REP prefix is active), decrementing ECX/CX. hasCompare selects
// whether the REPE/REPNE ZF early-exit applies: it is meaningful only
// for CMPS/SCAS (REP on MOVS/STOS/LODS/INS/OUTS just repeats ECX
// times). When the count is not exhausted within the cap, EIP is
// rewound to cur.startEIP so the instruction re-enters whole on the
// next Cycle.
func (c *CPU) repLoop(hasCompare bool, body func() *CPUException) *CPUException {
	if c.cur.repPrefix == repNone {
		return body()
	}

	n := 0
	for c.ecx() != 0 && n < maxStringOpsPerCycle {
		if err := body(); err != nil {
			return err
		}
		c.setECX(c.ecx() - 1)
		n++
		if hasCompare {
			if c.cur.repPrefix == repZ && !c.getZF() {
				break
			}
			if c.cur.repPrefix == repNZ && c.getZF() {
				break
			}
		}
	}

	if c.ecx() != 0 && n == maxStringOpsPerCycle {
		c.eip = c.cur.startEIP
	}
	return nil
}

func (c *CPU) opMovs(size Size) *CPUException {
	if c.cur.repPrefix != repNone && c.EFLAGS()&FlagDF == 0 {
		return c.repMovsForward(size)
	}
	return c.repLoop(false, func() *CPUException {
		srcLinear := c.seg[c.dsSeg()].Base + c.esi()
		dstLinear := c.seg[SegES].Base + c.edi()
		v, err := c.guardedReadMemLinear(size, srcLinear)
		if err != nil {
			return err
		}
		if err := c.guardedWriteMemLinear(size, dstLinear, v); err != nil {
			return err
		}
		c.advanceIndex(RegESI, size)
		c.advanceIndex(RegEDI, size)
		return nil
	})
}

// advanceIndexBy bumps an index register by a whole batch, wrapping at
// the 16-bit boundary when the address size calls for it.
func (c *CPU) advanceIndexBy(reg int, delta uint32) {
	if c.cur.addressSize32 {
		c.regs.SetD(reg, c.regs.D(reg)+delta)
	} else {
		c.regs.SetW(reg, c.regs.W(reg)+uint16(delta))
	}
}

// batchCeiling bounds one fast-path batch: elements until the linear
// address reaches its page edge, and (for a 16-bit address size) until
// the index register would wrap.
func (c *CPU) batchCeiling(linear, index, width uint32) uint32 {
	n := (0x1000 - linear&0xFFF) / width
	if !c.cur.addressSize32 {
		if wrap := (0x10000 - index) / width; wrap < n {
			n = wrap
		}
	}
	return n
}

// repMovsForward is the ascending REP MOVS fast path: both addresses
// are translated once per page, a ceiling keeps the whole batch inside
// both pages, and the copy runs as a tight physical loop before ESI/
// EDI/ECX resync. An element that itself straddles a page edge falls
// back to one stitched iteration. A run truncated by the per-cycle
// budget rewinds EIP so the instruction re-enters on the next cycle.
func (c *CPU) repMovsForward(size Size) *CPUException {
	width := uint32(1) << size
	budget := uint32(maxStringOpsPerCycle)

	for c.ecx() != 0 && budget != 0 {
		srcLinear := c.seg[c.dsSeg()].Base + c.esi()
		dstLinear := c.seg[SegES].Base + c.edi()

		n := c.ecx()
		if room := c.batchCeiling(srcLinear, c.esi(), width); room < n {
			n = room
		}
		if room := c.batchCeiling(dstLinear, c.edi(), width); room < n {
			n = room
		}
		if budget < n {
			n = budget
		}

		if n == 0 {
			v, err := c.guardedReadMemLinear(size, srcLinear)
			if err != nil {
				return err
			}
			if err := c.guardedWriteMemLinear(size, dstLinear, v); err != nil {
				return err
			}
			c.advanceIndexBy(RegESI, width)
			c.advanceIndexBy(RegEDI, width)
			c.setECX(c.ecx() - 1)
			budget--
			continue
		}

		srcPhys, excp := c.TranslateRead(srcLinear)
		if excp != nil {
			return excp
		}
		dstPhys, excp := c.TranslateWrite(dstLinear)
		if excp != nil {
			return excp
		}
		// Ascending byte order preserves the element-at-a-time overlap
		// semantics of the unbatched loop.
		for i := uint32(0); i < n*width; i++ {
			c.mem.WriteByte(dstPhys+i, c.mem.ReadByte(srcPhys+i))
		}
		c.advanceIndexBy(RegESI, n*width)
		c.advanceIndexBy(RegEDI, n*width)
		c.setECX(c.ecx() - n)
		budget -= n
	}

	if c.ecx() != 0 {
		c.eip = c.cur.startEIP
	}
	return nil
}

func (c *CPU) opStos(size Size) *CPUException {
	if c.cur.repPrefix != repNone && c.EFLAGS()&FlagDF == 0 {
		return c.repStosForward(size)
	}
	return c.repLoop(false, func() *CPUException {
		dstLinear := c.seg[SegES].Base + c.edi()
		if err := c.guardedWriteMemLinear(size, dstLinear, size.readReg(&c.regs, RegEAX)); err != nil {
			return err
		}
		c.advanceIndex(RegEDI, size)
		return nil
	})
}

// repStosForward is the ascending REP STOS fast path, the store-only
// sibling of repMovsForward.
func (c *CPU) repStosForward(size Size) *CPUException {
	width := uint32(1) << size
	budget := uint32(maxStringOpsPerCycle)
	fill := size.readReg(&c.regs, RegEAX)

	for c.ecx() != 0 && budget != 0 {
		dstLinear := c.seg[SegES].Base + c.edi()

		n := c.ecx()
		if room := c.batchCeiling(dstLinear, c.edi(), width); room < n {
			n = room
		}
		if budget < n {
			n = budget
		}

		if n == 0 {
			if err := c.guardedWriteMemLinear(size, dstLinear, fill); err != nil {
				return err
			}
			c.advanceIndexBy(RegEDI, width)
			c.setECX(c.ecx() - 1)
			budget--
			continue
		}

		dstPhys, excp := c.TranslateWrite(dstLinear)
		if excp != nil {
			return excp
		}
		for i := uint32(0); i < n; i++ {
			c.writeMem(size, dstPhys+i*width, fill)
		}
		c.advanceIndexBy(RegEDI, n*width)
		c.setECX(c.ecx() - n)
		budget -= n
	}

	if c.ecx() != 0 {
		c.eip = c.cur.startEIP
	}
	return nil
}

func (c *CPU) opLods(size Size) *CPUException {
	return c.repLoop(false, func() *CPUException {
		srcLinear := c.seg[c.dsSeg()].Base + c.esi()
		v, err := c.guardedReadMemLinear(size, srcLinear)
		if err != nil {
			return err
		}
		size.writeReg(&c.regs, RegEAX, v)
		c.advanceIndex(RegESI, size)
		return nil
	})
}

func (c *CPU) opCmps(size Size) *CPUException {
	return c.repLoop(true, func() *CPUException {
		srcLinear := c.seg[c.dsSeg()].Base + c.esi()
		dstLinear := c.seg[SegES].Base + c.edi()
		a, err := c.guardedReadMemLinear(size, srcLinear)
		if err != nil {
			return err
		}
		b, err := c.guardedReadMemLinear(size, dstLinear)
		if err != nil {
			return err
		}
		result := (a - b) & size.mask()
		c.recordSub(a, b, 0, result, size)
		c.advanceIndex(RegESI, size)
		c.advanceIndex(RegEDI, size)
		return nil
	})
}

func (c *CPU) opScas(size Size) *CPUException {
	return c.repLoop(true, func() *CPUException {
		dstLinear := c.seg[SegES].Base + c.edi()
		b, err := c.guardedReadMemLinear(size, dstLinear)
		if err != nil {
			return err
		}
		a := size.readReg(&c.regs, RegEAX)
		result := (a - b) & size.mask()
		c.recordSub(a, b, 0, result, size)
		c.advanceIndex(RegEDI, size)
		return nil
	})
}

func (c *CPU) opIns(size Size) *CPUException {
	if excp := c.checkIOPerm(c.regs.W(RegEDX), uint32(1)<<size); excp != nil {
		return excp
	}
	return c.repLoop(false, func() *CPUException {
		dstLinear := c.seg[SegES].Base + c.edi()
		port := c.regs.W(RegEDX)
		var v uint32
		switch size {
		case Size8:
			v = uint32(c.ports.In8(port))
		case Size16:
			v = uint32(c.ports.In16(port))
		default:
			v = c.ports.In32(port)
		}
		if err := c.guardedWriteMemLinear(size, dstLinear, v); err != nil {
			return err
		}
		c.advanceIndex(RegEDI, size)
		return nil
	})
}

func (c *CPU) opOuts(size Size) *CPUException {
	if excp := c.checkIOPerm(c.regs.W(RegEDX), uint32(1)<<size); excp != nil {
		return excp
	}
	return c.repLoop(false, func() *CPUException {
		srcLinear := c.seg[c.dsSeg()].Base + c.esi()
		v, err := c.guardedReadMemLinear(size, srcLinear)
		if err != nil {
			return err
		}
		port := c.regs.W(RegEDX)
		switch size {
		case Size8:
			c.ports.Out8(port, uint8(v))
		case Size16:
			c.ports.Out16(port, uint16(v))
		default:
			c.ports.Out32(port, v)
		}
		c.advanceIndex(RegESI, size)
		return nil
	})
}

// guardedReadMemLinear/guardedWriteMemLinear adapt the panic-on-fault
// readMemLinear/writeMemLinear (used by the ALU operand path, where a
// deferred recover in dispatch() converts the panic to the returned
// exception) to string-op handlers, which thread *CPUException through
// repLoop's return value instead of panicking.
func (c *CPU) guardedReadMemLinear(size Size, linear uint32) (v uint32, excp *CPUException) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(*CPUException); ok {
				excp = e
				return
			}
			panic(r)
		}
	}()
	return c.readMemLinear(size, linear), nil
}

func (c *CPU) guardedWriteMemLinear(size Size, linear uint32, v uint32) (excp *CPUException) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(*CPUException); ok {
				excp = e
				return
			}
			panic(r)
		}
	}()
	c.writeMemLinear(size, linear, v)
	return nil
}
