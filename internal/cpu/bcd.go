/*
   Packed/unpacked BCD adjustment instructions: DAA, DAS, AAA, AAS, AAM,
   AAD. Each fixes up a binary result digit-by-digit against AF/CF
   rather than re-deriving BCD from scratch.

   Copyright (c) 2026, x86core contributors
   SPDX-License-Identifier: MIT
*/

package cpu

func (c *CPU) daa() {
	al := c.regs.B(Reg8AL)
	oldAL := al
	oldCF := c.getCF()
	cf := false
	af := c.getAF()

	if (al&0x0F) > 9 || af {
		al += 6
		cf = oldCF || al < oldAL
		af = true
	}
	if oldAL > 0x99 || oldCF {
		al += 0x60
		cf = true
	}

	c.regs.SetB(Reg8AL, al)
	c.recordLogical(uint32(al), Size8)
	flags := c.EFLAGS()
	flags = setBit(flags, FlagCF, cf)
	flags = setBit(flags, FlagAF, af)
	c.SetEFLAGS(flags)
}

func (c *CPU) das() {
	al := c.regs.B(Reg8AL)
	oldAL := al
	oldCF := c.getCF()
	cf := false
	af := c.getAF()

	if (al&0x0F) > 9 || af {
		cf = oldCF || al < 6
		al -= 6
		af = true
	}
	if oldAL > 0x99 || oldCF {
		al -= 0x60
		cf = true
	}

	c.regs.SetB(Reg8AL, al)
	c.recordLogical(uint32(al), Size8)
	flags := c.EFLAGS()
	flags = setBit(flags, FlagCF, cf)
	flags = setBit(flags, FlagAF, af)
	c.SetEFLAGS(flags)
}

func (c *CPU) aaa() {
	al := c.regs.B(Reg8AL)
	af := c.getAF()
	cf := false
	if (al&0x0F) > 9 || af {
		c.regs.SetB(Reg8AL, (al+6)&0x0F)
		c.regs.SetB(Reg8AH, c.regs.B(Reg8AH)+1)
		cf = true
		af = true
	} else {
		c.regs.SetB(Reg8AL, al&0x0F)
		af = false
	}
	flags := c.EFLAGS()
	flags = setBit(flags, FlagCF, cf)
	flags = setBit(flags, FlagAF, af)
	c.SetEFLAGS(flags)
}

func (c *CPU) aas() {
	al := c.regs.B(Reg8AL)
	af := c.getAF()
	cf := false
	if (al&0x0F) > 9 || af {
		c.regs.SetB(Reg8AL, (al-6)&0x0F)
		c.regs.SetB(Reg8AH, c.regs.B(Reg8AH)-1)
		cf = true
		af = true
	} else {
		c.regs.SetB(Reg8AL, al&0x0F)
		af = false
	}
	flags := c.EFLAGS()
	flags = setBit(flags, FlagCF, cf)
	flags = setBit(flags, FlagAF, af)
	c.SetEFLAGS(flags)
}

// aam implements AAM (imm8 divisor, default 10): AH=AL/base, AL=AL%base.
func (c *CPU) aam(base uint8) *CPUException {
	if base == 0 {
		return exc(VecDE)
	}
	al := c.regs.B(Reg8AL)
	c.regs.SetB(Reg8AH, al/base)
	c.regs.SetB(Reg8AL, al%base)
	c.recordLogical(uint32(c.regs.B(Reg8AL)), Size8)
	return nil
}

// aad implements AAD: AL = AH*base+AL, AH=0.
func (c *CPU) aad(base uint8) {
	al := c.regs.B(Reg8AL)
	ah := c.regs.B(Reg8AH)
	result := ah*base + al
	c.regs.SetB(Reg8AL, result)
	c.regs.SetB(Reg8AH, 0)
	c.recordLogical(uint32(result), Size8)
}
