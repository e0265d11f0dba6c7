/*
   I/O privilege validation: IOPL versus CPL, and the TSS I/O
   permission bitmap consulted when IOPL alone does not authorize the
   access (CPL > IOPL in protected mode, or any access from VM86).

   Copyright (c) 2026, x86core contributors
   SPDX-License-Identifier: MIT
*/

package cpu

// checkIOPerm validates an I/O access of width bytes at port. Real
// mode is always permitted. In protected mode, CPL <= IOPL permits the
// access outright; otherwise (and always in VM86) every port bit
// covering [port, port+width) must be clear in the TSS I/O permission
// bitmap or the access raises #GP(0).
// ioGuard is checkIOPerm for panic-unwound handler paths.
func (c *CPU) ioGuard(port uint16, width uint32) {
	if excp := c.checkIOPerm(port, width); excp != nil {
		panic(excp)
	}
}

func (c *CPU) checkIOPerm(port uint16, width uint32) *CPUException {
	switch c.mode {
	case modeReal:
		return nil
	case modeProtected:
		iopl := uint8((c.EFLAGS() & FlagIOPLMask) >> FlagIOPLShift)
		if c.cpl <= iopl {
			return nil
		}
	}

	if c.tr.IsNull {
		return excCode(VecGP, 0)
	}
	mapOffset := uint32(c.sysReadWord(c.tr.Base + 0x66))
	for i := uint32(0); i < width; i++ {
		p := uint32(port) + i
		byteOff := mapOffset + p/8
		if byteOff > c.tr.Limit {
			return excCode(VecGP, 0)
		}
		b := c.sysReadWord(c.tr.Base + byteOff)
		if b&(1<<(p%8)) != 0 {
			return excCode(VecGP, 0)
		}
	}
	return nil
}
