/*
   Interrupt and exception delivery: IDT lookup, real-mode IVT
   vectoring, inter-privilege stack switching, VM86 unwind, IRET.

   Delivery snapshots the interrupted context (pushing SS/ESP/EFLAGS/
   CS/EIP and an optional error code at the gate's operand width), then
   installs the new context and resumes. Faults reach delivery as an
   explicit *CPUException return value (a handler's panic is recovered
   by dispatch first): deliverException/deliverInterrupt are only ever
   reached from Cycle,
   never from deep inside an opcode handler.

   Copyright (c) 2026, x86core contributors
   SPDX-License-Identifier: MIT
*/

package cpu

// gate kinds, low 5 bits of a protected-mode IDT descriptor's access byte.
const (
	gateTypeTask      = 0x05
	gateTypeInt16     = 0x06
	gateTypeTrap16    = 0x07
	gateTypeInt32     = 0x0E
	gateTypeTrap32    = 0x0F
)

// deliverException vectors a fault/trap raised by the instruction that
// just ran, passing true for vector's isFault argument; see
// deliverInterrupt for the hardware-IRQ path.
func (c *CPU) deliverException(excp *CPUException) *CPUException {
	return c.vector(excp.Vector, excp.HasCode, excp.ErrorCode, excp.Fault2, true, excp.IsSoftware)
}

func (c *CPU) deliverInterrupt(vec uint8, hasCode bool, code uint32) *CPUException {
	return c.vector(vec, hasCode, code, 0, false, false)
}

// vector is the shared real-mode IVT and protected-mode IDT delivery
// path. isSoftware is true only for INT n, the one source that is
// subject to the IDT gate's DPL<CPL privilege check. The deferred
// recover converts a *CPUException panicked by a descriptor or TSS
// fetch deep inside delivery (sysReadDword and friends) into the
// returned value, the same adaptation writeStackWord applies for
// stack pushes.
func (c *CPU) vector(v uint8, hasCode bool, code, cr2 uint32, isFault, isSoftware bool) (excp *CPUException) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(*CPUException); ok {
				excp = e
				return
			}
			panic(r)
		}
	}()
	if isFault && v == VecPF {
		c.cr2 = cr2
	}
	c.inHLT = false

	if c.mode == modeReal {
		return c.deliverRealMode(v)
	}

	return c.deliverProtected(v, hasCode, code, isSoftware)
}

// sysReadDword/sysReadWord/sysWriteDword access descriptor tables and
// the TSS: linear addresses translated with supervisor permission
// regardless of CPL, faulting by panic for the caller's recover to
// convert.
func (c *CPU) sysReadDword(linear uint32) uint32 {
	phys, err := c.TranslateSystemRead(linear)
	if err != nil {
		panic(err)
	}
	return c.mem.ReadDword(phys)
}

func (c *CPU) sysReadWord(linear uint32) uint16 {
	phys, err := c.TranslateSystemRead(linear)
	if err != nil {
		panic(err)
	}
	return c.mem.ReadWord(phys)
}

func (c *CPU) sysWriteDword(linear, v uint32) {
	phys, err := c.TranslateSystemWrite(linear)
	if err != nil {
		panic(err)
	}
	c.mem.WriteDword(phys, v)
}

// deliverRealMode implements the flat IVT: a 4-byte {offset,segment}
// pair per vector starting at physical address 0, with FLAGS/CS/IP
// pushed onto SS:SP and IF/TF cleared.
func (c *CPU) deliverRealMode(v uint8) *CPUException {
	entry := uint32(v) * 4
	offset := c.mem.ReadWord(entry)
	segSel := c.mem.ReadWord(entry + 2)

	if err := c.pushW(uint16(c.EFLAGS())); err != nil {
		return err
	}
	if err := c.pushW(c.seg[SegCS].Selector); err != nil {
		return err
	}
	if err := c.pushW(uint16(c.eip)); err != nil {
		return err
	}

	c.SetEFLAGS(c.EFLAGS() &^ (FlagIF | FlagTF))
	c.SwitchCSRealMode(segSel, uint32(offset))
	return nil
}

// deliverProtected implements protected-mode IDT gate dispatch:
// interrupt and trap gates are vectored here, and a task gate hands
// off to doTaskSwitch.
func (c *CPU) deliverProtected(v uint8, hasCode bool, code uint32, isSoftware bool) *CPUException {
	idtOffset := uint32(v) * 8
	if idtOffset+7 > c.idtLimit {
		return excCode(VecGP, uint32(v)*8+2)
	}

	addr := c.idtBase + idtOffset
	dw0 := c.sysReadDword(addr)
	dw1 := c.sysReadDword(addr + 4)

	gateType := uint8(dw1>>8) & 0x1F
	dpl := uint8(dw1>>13) & 3
	present := dw1&0x8000 != 0
	sel := uint16(dw0 >> 16)
	offsetLo := dw0 & 0xFFFF
	offsetHi := dw1 & 0xFFFF0000
	offset := offsetLo | offsetHi

	if !present {
		return excCode(VecNP, uint32(v)*8+2)
	}

	switch gateType {
	case gateTypeTask:
		return c.doTaskSwitch(sel, false)
	case gateTypeInt16, gateTypeTrap16, gateTypeInt32, gateTypeTrap32:
		// fallthrough to common gate handling below
	default:
		return excCode(VecGP, uint32(v)*8+2)
	}

	// DPL<CPL gates only software INT n; faults, hardware IRQs, INT3, and
	// INTO always deliver through a gate regardless of its DPL.
	if isSoftware && dpl < c.cpl {
		return excCode(VecGP, uint32(v)*8+2)
	}

	destDesc := c.LookupSelector(sel)
	if destDesc.IsNull {
		return excCode(VecGP, 0)
	}
	if !destDesc.IsValid || !destDesc.IsExecutable {
		return excCode(VecGP, uint32(sel)&^3)
	}
	if destDesc.DPL > c.cpl {
		return excCode(VecGP, uint32(sel)&^3)
	}
	if !destDesc.IsPresent {
		return excCode(VecNP, uint32(sel)&^3)
	}

	newCPL := destDesc.DPL
	if destDesc.Conforming {
		newCPL = c.cpl
	}

	oldCPL := c.cpl
	oldSS := c.seg[SegSS].Selector
	oldESP := c.regs.D(RegESP)
	oldEFLAGS := c.EFLAGS()
	oldCS := c.seg[SegCS].Selector
	oldEIP := c.eip
	fromVM86 := c.mode == modeVM86

	privChange := newCPL < oldCPL || fromVM86
	if fromVM86 && newCPL != 0 {
		return excCode(VecGP, uint32(sel)&^3)
	}

	if privChange {
		if fromVM86 {
			c.mode = modeProtected
		}
		newSS, newESP, err := c.taskStackFor(newCPL)
		if err != nil {
			return err
		}
		c.cpl = newCPL
		if err := c.SwitchSeg(SegSS, newSS); err != nil {
			return err
		}
		c.regs.SetD(RegESP, newESP)
	}

	gateIs32 := gateType == gateTypeInt32 || gateType == gateTypeTrap32

	if fromVM86 {
		// Interrupted VM86 context parks its data segments on the new
		// stack, then runs the handler with them nulled; IRET's VM86
		// return path restores them in reverse.
		for _, sr := range []int{SegGS, SegFS, SegDS, SegES} {
			if gateIs32 {
				if err := c.pushD(uint32(c.seg[sr].Selector)); err != nil {
					return err
				}
			} else {
				if err := c.pushW(c.seg[sr].Selector); err != nil {
					return err
				}
			}
			c.seg[sr] = Segment{IsNull: true}
		}
	}

	if privChange {
		if gateIs32 {
			if err := c.pushD(uint32(oldSS)); err != nil {
				return err
			}
			if err := c.pushD(oldESP); err != nil {
				return err
			}
		} else {
			if err := c.pushW(oldSS); err != nil {
				return err
			}
			if err := c.pushW(uint16(oldESP)); err != nil {
				return err
			}
		}
	}

	if gateIs32 {
		if err := c.pushD(oldEFLAGS); err != nil {
			return err
		}
		if err := c.pushD(uint32(oldCS)); err != nil {
			return err
		}
		if err := c.pushD(oldEIP); err != nil {
			return err
		}
	} else {
		if err := c.pushW(uint16(oldEFLAGS)); err != nil {
			return err
		}
		if err := c.pushW(oldCS); err != nil {
			return err
		}
		if err := c.pushW(uint16(oldEIP)); err != nil {
			return err
		}
	}

	if hasCode {
		if gateIs32 {
			if err := c.pushD(code); err != nil {
				return err
			}
		} else {
			if err := c.pushW(uint16(code)); err != nil {
				return err
			}
		}
	}

	c.LoadCS(sel, destDesc, newCPL)
	c.eip = offset

	newFlags := oldEFLAGS &^ FlagTF
	if gateType == gateTypeInt16 || gateType == gateTypeInt32 {
		newFlags &^= FlagIF
	}
	newFlags &^= FlagNT | FlagVM
	c.SetEFLAGS(newFlags)

	return nil
}

// taskStackFor reads the ESP0/SS0-style entry for privilege level cpl
// out of the current TSS.
func (c *CPU) taskStackFor(cpl uint8) (uint16, uint32, *CPUException) {
	if c.tr.IsNull {
		return 0, 0, excCode(VecTS, 0)
	}
	// 32-bit TSS layout: ESP0 at +4, SS0 at +8, each level 8 bytes apart.
	off := uint32(4) + uint32(cpl)*8
	esp := c.sysReadDword(c.tr.Base + off)
	ss := uint16(c.sysReadDword(c.tr.Base + off + 4))
	return ss, esp, nil
}

// doTaskSwitch writes the outgoing register/segment/EIP/EFLAGS context
// into the current TSS at the fixed 32-bit TSS offsets, marks the
// incoming TSS busy, loads its LDTR and CR3, flushes the TLB, and sets
// CR0.TS. The scheduler that decides when to invoke it is out of scope.
func (c *CPU) doTaskSwitch(sel uint16, _ bool) *CPUException {
	d := c.LookupSelector(sel)
	if !d.IsValid || !d.IsSystem {
		return excCode(VecGP, uint32(sel)&^3)
	}
	switch d.Type {
	case descTypeTSS32, descTypeTSS16:
	default:
		return excCode(VecTS, uint32(sel)&^3)
	}
	if !d.IsPresent {
		return excCode(VecNP, uint32(sel)&^3)
	}

	if !c.tr.IsNull {
		out := c.tr.Base
		c.sysWriteDword(out+0x20, c.eip)
		c.sysWriteDword(out+0x24, c.EFLAGS())
		for i := 0; i < 8; i++ {
			c.sysWriteDword(out+0x28+uint32(i)*4, c.regs.D(i))
		}
		for i, sr := range []int{SegES, SegCS, SegSS, SegDS, SegFS, SegGS} {
			c.sysWriteDword(out+0x48+uint32(i)*4, uint32(c.seg[sr].Selector))
		}
	}

	// Mark the incoming TSS busy in its own descriptor.
	var tableBase uint32
	if sel&4 != 0 {
		tableBase = c.ldtr.Base
	} else {
		tableBase = c.gdtBase
	}
	descAddr := tableBase + uint32(sel&^7)
	c.sysWriteDword(descAddr+4, d.Raw1|(1<<9))

	c.tr = Segment{Selector: sel, Base: d.Base, Limit: d.Limit}

	base := d.Base
	newCR3 := c.sysReadDword(base + 0x1C)
	eip := c.sysReadDword(base + 0x20)
	eflags := c.sysReadDword(base + 0x24)
	var gprs [8]uint32
	for i := range gprs {
		gprs[i] = c.sysReadDword(base + 0x28 + uint32(i)*4)
	}
	ldtSel := uint16(c.sysReadDword(base + 0x60))

	c.SetCR(3, newCR3)
	for i, v := range gprs {
		c.regs.SetD(i, v)
	}
	c.eip = eip
	c.SetEFLAGS(eflags)
	if ldtSel != 0 {
		ld := c.LookupSelector(ldtSel)
		c.ldtr = Segment{Selector: ldtSel, Base: ld.Base, Limit: ld.Limit}
	}
	c.cregs[0] |= CR0TS
	c.tlb.Clear()
	c.invalidateIPCache()
	return nil
}

// pushW/pushD push through SS with straddling-safe translation. A
// failed stack write is recovered inside writeStackWord/writeStackDword
// and returned as a *CPUException, which every push site checks.
func (c *CPU) pushW(v uint16) *CPUException {
	sp := c.regs.W(RegESP) - 2
	if c.stackSize32 {
		esp := c.regs.D(RegESP) - 2
		c.regs.SetD(RegESP, esp)
		return c.writeStackWord(esp, v)
	}
	c.regs.SetW(RegESP, sp)
	return c.writeStackWord(uint32(sp), v)
}

func (c *CPU) pushD(v uint32) *CPUException {
	if c.stackSize32 {
		esp := c.regs.D(RegESP) - 4
		c.regs.SetD(RegESP, esp)
		return c.writeStackDword(esp, v)
	}
	sp := c.regs.W(RegESP) - 4
	c.regs.SetW(RegESP, sp)
	return c.writeStackDword(uint32(sp), v)
}

func (c *CPU) writeStackWord(offset uint32, v uint16) (excp *CPUException) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(*CPUException); ok {
				excp = e
				return
			}
			panic(r)
		}
	}()
	linear := c.seg[SegSS].Base + offset
	c.writeMemLinear(Size16, linear, uint32(v))
	return nil
}

func (c *CPU) writeStackDword(offset uint32, v uint32) (excp *CPUException) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(*CPUException); ok {
				excp = e
				return
			}
			panic(r)
		}
	}()
	linear := c.seg[SegSS].Base + offset
	c.writeMemLinear(Size32, linear, v)
	return nil
}

func (c *CPU) popW() (v uint16, excp *CPUException) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(*CPUException); ok {
				excp = e
				return
			}
			panic(r)
		}
	}()
	offset := c.stackOffset()
	linear := c.seg[SegSS].Base + offset
	v = uint16(c.readMemLinear(Size16, linear))
	c.advanceStack(2)
	return v, nil
}

func (c *CPU) popD() (v uint32, excp *CPUException) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(*CPUException); ok {
				excp = e
				return
			}
			panic(r)
		}
	}()
	offset := c.stackOffset()
	linear := c.seg[SegSS].Base + offset
	v = c.readMemLinear(Size32, linear)
	c.advanceStack(4)
	return v, nil
}

func (c *CPU) stackOffset() uint32 {
	if c.stackSize32 {
		return c.regs.D(RegESP)
	}
	return uint32(c.regs.W(RegESP))
}

func (c *CPU) advanceStack(n uint32) {
	if c.stackSize32 {
		c.regs.SetD(RegESP, c.regs.D(RegESP)+n)
	} else {
		c.regs.SetW(RegESP, c.regs.W(RegESP)+uint16(n))
	}
}

// Iret implements IRET, including the ring-0-to-VM86 and privilege-
// raising return paths.
func (c *CPU) Iret() *CPUException {
	if c.mode == modeReal || c.mode == modeVM86 {
		ip, err := c.popW()
		if err != nil {
			return err
		}
		cs, err := c.popW()
		if err != nil {
			return err
		}
		fl, err := c.popW()
		if err != nil {
			return err
		}
		c.SwitchCSRealMode(cs, uint32(ip))
		c.SetEFLAGS((c.EFLAGS() &^ 0xFFFF) | uint32(fl))
		return nil
	}

	gateIs32 := c.seg[SegCS].Is32
	var eip, csSel, flags uint32
	if gateIs32 {
		e, err := c.popD()
		if err != nil {
			return err
		}
		cs, err := c.popD()
		if err != nil {
			return err
		}
		f, err := c.popD()
		if err != nil {
			return err
		}
		eip, csSel, flags = e, cs, f
	} else {
		e, err := c.popW()
		if err != nil {
			return err
		}
		cs, err := c.popW()
		if err != nil {
			return err
		}
		f, err := c.popW()
		if err != nil {
			return err
		}
		eip, csSel, flags = uint32(e), uint32(cs), (c.EFLAGS()&^0xFFFF)|uint32(f)
	}

	if flags&FlagVM != 0 && c.cpl == 0 {
		return c.iretToVM86(eip, uint16(csSel), flags)
	}

	newCPL := uint8(csSel) & 3
	d := c.LookupSelector(uint16(csSel))
	if !d.IsValid {
		return excCode(VecGP, csSel&^3)
	}

	privRaise := newCPL > c.cpl

	c.LoadCS(uint16(csSel), d, newCPL)
	c.eip = eip
	c.SetEFLAGS(flags)

	if privRaise {
		var newSS, newESP uint32
		if gateIs32 {
			e, err := c.popD()
			if err != nil {
				return err
			}
			s, err := c.popD()
			if err != nil {
				return err
			}
			newESP, newSS = e, s
		} else {
			e, err := c.popW()
			if err != nil {
				return err
			}
			s, err := c.popW()
			if err != nil {
				return err
			}
			newESP, newSS = uint32(e), uint32(s)
		}
		if err := c.SwitchSeg(SegSS, uint16(newSS)); err != nil {
			return err
		}
		c.regs.SetD(RegESP, newESP)
	}

	return nil
}

// iretToVM86 implements the VM86 return path: six additional dwords
// (ESP, SS, ES, DS, FS, GS) are popped off the VM86 stack frame, and
// the mode switches to modeVM86 with CPL forced to 3.
func (c *CPU) iretToVM86(eip uint32, cs uint16, flags uint32) *CPUException {
	esp, err := c.popD()
	if err != nil {
		return err
	}
	ss, err := c.popD()
	if err != nil {
		return err
	}
	es, err := c.popD()
	if err != nil {
		return err
	}
	ds, err := c.popD()
	if err != nil {
		return err
	}
	fs, err := c.popD()
	if err != nil {
		return err
	}
	gs, err := c.popD()
	if err != nil {
		return err
	}

	c.mode = modeVM86
	c.cpl = 3
	c.SwitchCSRealMode(cs, eip)
	c.seg[SegSS] = Segment{Selector: uint16(ss), Base: uint32(ss) << 4, Limit: 0xFFFF}
	c.regs.SetD(RegESP, esp)
	c.seg[SegES] = Segment{Selector: uint16(es), Base: uint32(es) << 4, Limit: 0xFFFF}
	c.seg[SegDS] = Segment{Selector: uint16(ds), Base: uint32(ds) << 4, Limit: 0xFFFF}
	c.seg[SegFS] = Segment{Selector: uint16(fs), Base: uint32(fs) << 4, Limit: 0xFFFF}
	c.seg[SegGS] = Segment{Selector: uint16(gs), Base: uint32(gs) << 4, Limit: 0xFFFF}
	c.SetEFLAGS(flags | FlagVM)
	return nil
}
