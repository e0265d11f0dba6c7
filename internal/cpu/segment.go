/*
   Segment unit: descriptor lookup, segment-register cache, switch_seg.

   Loading a segment register is three distinct phases: decode the
   selector/descriptor, validate against current privilege, then
   install into the live cache. Keeping the phases separate makes the
   privilege checks easy to audit independent of the cache-install
   side effects.

   Copyright (c) 2026, x86core contributors
   SPDX-License-Identifier: MIT
*/

package cpu

// Descriptor is the ephemeral, decoded record returned by LookupSelector.
type Descriptor struct {
	RPL          uint8
	FromGDT      bool
	IsNull       bool
	IsValid      bool
	Base         uint32
	Limit        uint32
	Access       uint8
	Flags        uint8
	Type         uint8
	DPL          uint8
	IsSystem     bool
	IsPresent    bool
	IsExecutable bool
	ReadWrite    bool
	Conforming   bool
	Raw0, Raw1   uint32
}

// descriptorTypes, low 5 bits of the access byte.
const (
	descTypeLDT      = 0x02
	descTypeTaskGate = 0x05
	descTypeTSS16    = 0x01
	descTypeCallGate16 = 0x04
	descTypeTSS16Busy  = 0x03
	descTypeCallGate32 = 0x0C
	descTypeTSS32      = 0x09
	descTypeTSS32Busy  = 0x0B
	descTypeIntGate16  = 0x06
	descTypeTrapGate16 = 0x07
	descTypeIntGate32  = 0x0E
	descTypeTrapGate32 = 0x0F
)

// LookupSelector selects GDT or LDT by selector bit 2, fails if the
// offset exceeds the table limit, and decomposes base/limit/access/
// flags from the two raw descriptor dwords.
func (c *CPU) LookupSelector(sel uint16) Descriptor {
	var d Descriptor
	d.RPL = uint8(sel & 3)

	if sel&^7 == 0 {
		d.IsNull = true
		return d
	}

	var tableBase, tableLimit uint32
	if sel&4 != 0 {
		tableBase, tableLimit = c.ldtr.Base, c.ldtr.Limit
		d.FromGDT = false
	} else {
		tableBase, tableLimit = c.gdtBase, c.gdtLimit
		d.FromGDT = true
	}

	offset := uint32(sel &^ 7)
	if offset+7 > tableLimit {
		return d // IsValid stays false
	}

	// Descriptor table entries live at linear addresses: translated with
	// supervisor permission, independent of CPL.
	addr := tableBase + offset
	dw0 := c.sysReadDword(addr)
	dw1 := c.sysReadDword(addr + 4)
	d.Raw0, d.Raw1 = dw0, dw1

	d.Base = (dw0 >> 16) | ((dw1 & 0xFF) << 16) | (dw1 & 0xFF000000)
	d.Limit = dw0&0xFFFF | (dw1&0xF0000)
	d.Access = uint8((dw1 >> 8) & 0xFF)
	d.Flags = uint8((dw1 >> 20) & 0xF)

	if d.Flags&0x8 != 0 { // granularity bit
		d.Limit = d.Limit<<12 | 0xFFF
	}

	d.Type = d.Access & 0x1F
	d.DPL = (d.Access >> 5) & 3
	d.IsSystem = d.Access&0x10 == 0
	d.IsPresent = d.Access&0x80 != 0
	d.IsExecutable = !d.IsSystem && d.Access&0x08 != 0
	d.ReadWrite = d.Access&0x02 != 0
	d.Conforming = !d.IsSystem && d.Access&0x08 != 0 && d.Access&0x04 != 0
	d.IsValid = true
	return d
}

// SwitchSeg loads a data/stack segment register (ES/DS/FS/GS/SS). CS
// transitions go through FarJump/FarCall/FarReturn/IRET instead.
func (c *CPU) SwitchSeg(reg int, sel uint16) *CPUException {
	if c.mode != modeProtected {
		c.seg[reg].Selector = sel
		c.seg[reg].Base = uint32(sel) << 4
		c.seg[reg].Limit = 0xFFFF
		c.seg[reg].IsNull = false
		c.seg[reg].Is32 = false
		return nil
	}

	d := c.LookupSelector(sel)

	if reg == SegSS {
		if d.IsNull {
			return excCode(VecGP, 0)
		}
		if !d.IsValid || d.IsSystem || d.IsExecutable || !d.ReadWrite {
			return excCode(VecGP, uint32(sel)&^3)
		}
		if d.DPL != c.cpl || uint8(sel&3) != c.cpl {
			return excCode(VecGP, uint32(sel)&^3)
		}
		if !d.IsPresent {
			return excCode(VecSS, uint32(sel)&^3)
		}
		c.stackSize32 = d.Flags&0x4 != 0
	} else {
		if d.IsNull {
			c.seg[reg].IsNull = true
			c.seg[reg].Selector = sel
			return nil
		}
		if !d.IsValid || (d.IsSystem) {
			return excCode(VecGP, uint32(sel)&^3)
		}
		if d.IsExecutable && !d.ReadWrite {
			return excCode(VecGP, uint32(sel)&^3)
		}
		if d.IsExecutable && !d.Conforming {
			if d.RPL > d.DPL || c.cpl > d.DPL {
				return excCode(VecGP, uint32(sel)&^3)
			}
		} else if !d.IsExecutable {
			if d.RPL > d.DPL || c.cpl > d.DPL {
				return excCode(VecGP, uint32(sel)&^3)
			}
		}
		if !d.IsPresent {
			return excCode(VecNP, uint32(sel)&^3)
		}
	}

	c.seg[reg].Selector = sel
	c.seg[reg].Base = d.Base
	c.seg[reg].Limit = d.Limit
	c.seg[reg].IsNull = false
	c.seg[reg].Is32 = d.Flags&0x4 != 0
	c.seg[reg].DPL = d.DPL
	c.seg[reg].Type = d.Type
	c.seg[reg].Conforming = d.Conforming
	c.seg[reg].Present = d.IsPresent
	c.seg[reg].Readable = true
	c.seg[reg].Writable = d.ReadWrite
	return nil
}

// LoadCS installs a CS descriptor after validation by a control-transfer
// instruction (far jump/call/interrupt/IRET); it does not itself
// perform the conforming/DPL arithmetic, which differs per transfer
// kind and lives in interrupt.go / farcall.go.
func (c *CPU) LoadCS(sel uint16, d Descriptor, cpl uint8) {
	c.seg[SegCS].Selector = (sel &^ 3) | uint16(cpl)
	c.seg[SegCS].Base = d.Base
	c.seg[SegCS].Limit = d.Limit
	c.seg[SegCS].IsNull = false
	c.seg[SegCS].Is32 = d.Flags&0x4 != 0
	c.seg[SegCS].DPL = d.DPL
	c.seg[SegCS].Type = d.Type
	c.seg[SegCS].Conforming = d.Conforming
	c.seg[SegCS].Present = d.IsPresent
	c.cpl = cpl
	c.invalidateIPCache()
}

// SwitchCSRealMode loads CS in real/virtual-8086 mode, where the
// selector is simply shifted to form the base.
func (c *CPU) SwitchCSRealMode(sel uint16, ip uint32) {
	c.seg[SegCS].Selector = sel
	c.seg[SegCS].Base = uint32(sel) << 4
	c.seg[SegCS].Limit = 0xFFFF
	c.seg[SegCS].IsNull = false
	c.eip = ip
	c.invalidateIPCache()
}
