/*
   x87 escape opcode dispatch (0xD8-0xDF): decodes the shared ModR/M byte,
   then branches on the reg field (register-stack form) or the mod==3
   micro-opcode (the constant/transcendental/control forms D9/DB/DE
   pack into the rm field) exactly as the x87 ISA overloads the escape
   space.

   Grounded on the IntuitionEngine example repo's x87 core
   (fpu_x87_ops.go's opFPU_D8..DF):
   that file's per-opcode switch over reg/modrm is followed verbatim in
   shape here, adapted from its getModRM and captureOp helpers to this
   core's decodeModRM/effAddrResult and to flagShadow-free FPU status
   bits (fpuStatusC0..C3/IE/ZE/OE) instead of its FSW accumulator.

   Copyright (c) 2026, x86core contributors
   SPDX-License-Identifier: MIT
*/

package cpu

import "math"

// fpuOperand resolves the r/m side of an x87 ModR/M byte: either an
// ST(i) index (mod==3) or a linear memory address.
type fpuOperand struct {
	isReg bool
	reg   int
	raw   uint8 // reconstructed modrm byte, valid only when isReg
	addr  uint32
}

func (c *CPU) fpuModRM() (fpuOperand, int) {
	ea, regField, err := c.decodeModRM()
	if err != nil {
		panic(err)
	}
	if ea.isReg {
		raw := uint8(0xC0) | regField<<3 | uint8(ea.reg)
		return fpuOperand{isReg: true, reg: ea.reg, raw: raw}, int(regField)
	}
	return fpuOperand{addr: c.linearAddr(ea)}, int(regField)
}

// fpuBinary applies one of the six arithmetic op codes (ADD=0 MUL=1
// SUB=4 SUBR=5 DIV=6 DIVR=7, the x87 reg-field encoding) to (a, b),
// writing the result to ST(storeTo) and raising the IE/ZE/OE status
// bits a shared x87BinaryMem/x87BinarySTiST0 helper sets.
func (c *CPU) fpuBinary(op int, a, b float64, storeTo int) {
	var r float64
	den := b
	switch op {
	case 0:
		r = a + b
	case 1:
		r = a * b
	case 4:
		r = a - b
	case 5:
		r = b - a
	case 6:
		r = a / b
	case 7:
		r = b / a
		den = a
	}
	if math.IsNaN(r) {
		c.fpu.setException(fpuStatusIE)
	}
	if math.IsInf(r, 0) {
		c.fpu.setException(fpuStatusOE)
	}
	if (op == 6 || op == 7) && den == 0 {
		c.fpu.setException(fpuStatusZE)
	}
	c.fpuStore(storeTo, r)
}

var fpuConstTable = [7]float64{
	1.0,            // FLD1
	math.Log2(10),  // FLDL2T
	math.Log2(math.E), // FLDL2E
	math.Pi,        // FLDPI
	math.Log10(2),  // FLDLG2
	math.Ln2,       // FLDLN2
	0.0,            // FLDZ
}

func installFPUOpcodes(t *[256]opFunc) {
	t[0x9B] = func(c *CPU) { // FWAIT: no pending-exception model to drain
	}

	t[0xD8] = func(c *CPU) {
		if err := c.fpuCheckAvailable(); err != nil {
			panic(err)
		}
		rm, reg := c.fpuModRM()
		if rm.isReg {
			switch reg {
			case 0, 1, 4, 5, 6, 7:
				if !c.fpu.checkStackUnderflow(0) && !c.fpu.checkStackUnderflow(rm.reg) {
					c.fpuBinary(reg, c.fpuLoad(0), c.fpuLoad(rm.reg), 0)
				}
			case 2:
				if !c.fpu.checkStackUnderflow(0) && !c.fpu.checkStackUnderflow(rm.reg) {
					c.fpu.doCompare(c.fpuLoad(0), c.fpuLoad(rm.reg))
				}
			case 3:
				if !c.fpu.checkStackUnderflow(0) && !c.fpu.checkStackUnderflow(rm.reg) {
					c.fpu.doCompare(c.fpuLoad(0), c.fpuLoad(rm.reg))
					c.fpu.pop()
				}
			}
			return
		}
		v := c.loadFloat32(rm.addr)
		switch reg {
		case 0, 1, 4, 5, 6, 7:
			if !c.fpu.checkStackUnderflow(0) {
				c.fpuBinary(reg, c.fpuLoad(0), v, 0)
			}
		case 2:
			if !c.fpu.checkStackUnderflow(0) {
				c.fpu.doCompare(c.fpuLoad(0), v)
			}
		case 3:
			if !c.fpu.checkStackUnderflow(0) {
				c.fpu.doCompare(c.fpuLoad(0), v)
				c.fpu.pop()
			}
		}
	}

	t[0xD9] = func(c *CPU) {
		if err := c.fpuCheckAvailable(); err != nil {
			panic(err)
		}
		rm, reg := c.fpuModRM()
		f := &c.fpu
		if rm.isReg {
			switch {
			case rm.raw >= 0xC0 && rm.raw <= 0xC7:
				if !f.checkStackUnderflow(rm.reg) {
					f.push(c.fpuLoad(rm.reg))
				}
			case rm.raw >= 0xC8 && rm.raw <= 0xCF:
				if !f.checkStackUnderflow(0) && !f.checkStackUnderflow(rm.reg) {
					a, b := c.fpuLoad(0), c.fpuLoad(rm.reg)
					c.fpuStore(0, b)
					c.fpuStore(rm.reg, a)
				}
			case rm.raw == 0xD0: // FNOP
			case rm.raw == 0xE0:
				if !f.checkStackUnderflow(0) {
					c.fpuStore(0, -c.fpuLoad(0))
				}
			case rm.raw == 0xE1:
				if !f.checkStackUnderflow(0) {
					c.fpuStore(0, math.Abs(c.fpuLoad(0)))
				}
			case rm.raw == 0xE4:
				if !f.checkStackUnderflow(0) {
					f.doCompare(c.fpuLoad(0), 0)
				}
			case rm.raw >= 0xE8 && rm.raw <= 0xEE:
				f.push(fpuConstTable[rm.raw-0xE8])
			case rm.raw == 0xF0: // F2XM1
				if !f.checkStackUnderflow(0) {
					c.fpuStore(0, math.Exp2(c.fpuLoad(0))-1)
				}
			case rm.raw == 0xF1: // FYL2X
				if !f.checkStackUnderflow(0) && !f.checkStackUnderflow(1) {
					x, y := c.fpuLoad(0), c.fpuLoad(1)
					c.fpuStore(1, y*math.Log2(x))
					f.pop()
				}
			case rm.raw == 0xF2: // FPTAN
				if !f.checkStackUnderflow(0) {
					c.fpuStore(0, math.Tan(c.fpuLoad(0)))
					f.push(1.0)
				}
			case rm.raw == 0xF3: // FPATAN
				if !f.checkStackUnderflow(0) && !f.checkStackUnderflow(1) {
					c.fpuStore(1, math.Atan2(c.fpuLoad(1), c.fpuLoad(0)))
					f.pop()
				}
			case rm.raw == 0xF4: // FXTRACT
				if !f.checkStackUnderflow(0) {
					x := c.fpuLoad(0)
					frac, exp := math.Frexp(x)
					c.fpuStore(0, frac*2)
					f.push(float64(exp - 1))
				}
			case rm.raw == 0xF5: // FPREM1
				if !f.checkStackUnderflow(0) && !f.checkStackUnderflow(1) {
					a, b := c.fpuLoad(0), c.fpuLoad(1)
					c.fpuStore(0, math.Remainder(a, b))
				}
			case rm.raw == 0xF6: // FDECSTP
				f.top = uint8((int(f.top) - 1) & 7)
			case rm.raw == 0xF7: // FINCSTP
				f.top = uint8((int(f.top) + 1) & 7)
			case rm.raw == 0xF8: // FPREM
				if !f.checkStackUnderflow(0) && !f.checkStackUnderflow(1) {
					a, b := c.fpuLoad(0), c.fpuLoad(1)
					q := math.Trunc(a / b)
					c.fpuStore(0, a-q*b)
				}
			case rm.raw == 0xF9: // FYL2XP1
				if !f.checkStackUnderflow(0) && !f.checkStackUnderflow(1) {
					x, y := c.fpuLoad(0), c.fpuLoad(1)
					c.fpuStore(1, y*math.Log1p(x)/math.Ln2)
					f.pop()
				}
			case rm.raw == 0xFA: // FSQRT
				if !f.checkStackUnderflow(0) {
					c.fpuStore(0, math.Sqrt(c.fpuLoad(0)))
				}
			case rm.raw == 0xFB: // FSINCOS
				if !f.checkStackUnderflow(0) {
					x := c.fpuLoad(0)
					c.fpuStore(0, math.Sin(x))
					f.push(math.Cos(x))
				}
			case rm.raw == 0xFC: // FRNDINT
				if !f.checkStackUnderflow(0) {
					c.fpuStore(0, math.RoundToEven(c.fpuLoad(0)))
				}
			case rm.raw == 0xFD: // FSCALE
				if !f.checkStackUnderflow(0) && !f.checkStackUnderflow(1) {
					c.fpuStore(0, math.Ldexp(c.fpuLoad(0), int(c.fpuLoad(1))))
				}
			case rm.raw == 0xFE: // FSIN
				if !f.checkStackUnderflow(0) {
					c.fpuStore(0, math.Sin(c.fpuLoad(0)))
				}
			case rm.raw == 0xFF: // FCOS
				if !f.checkStackUnderflow(0) {
					c.fpuStore(0, math.Cos(c.fpuLoad(0)))
				}
			}
			return
		}
		switch reg {
		case 0:
			f.push(c.loadFloat32(rm.addr))
		case 2:
			if !f.checkStackUnderflow(0) {
				c.storeFloat32(rm.addr, c.fpuLoad(0))
			}
		case 3:
			if !f.checkStackUnderflow(0) {
				c.storeFloat32(rm.addr, c.fpuLoad(0))
				f.pop()
			}
		case 4:
			c.fldenv(rm.addr, true)
		case 5:
			f.control = uint16(c.readMemLinear(Size16, rm.addr))
		case 6:
			c.fstenv(rm.addr, true)
		case 7:
			c.writeMemLinear(Size16, rm.addr, uint32(f.control))
		}
	}

	t[0xDA] = func(c *CPU) {
		if err := c.fpuCheckAvailable(); err != nil {
			panic(err)
		}
		rm, reg := c.fpuModRM()
		if rm.isReg {
			if rm.raw == 0xE9 { // FUCOMPP
				if !c.fpu.checkStackUnderflow(0) && !c.fpu.checkStackUnderflow(1) {
					c.fpu.doCompare(c.fpuLoad(0), c.fpuLoad(1))
					c.fpu.pop()
					c.fpu.pop()
				}
			}
			return
		}
		v := c.loadInt32(rm.addr)
		switch reg {
		case 0, 1, 4, 5, 6, 7:
			if !c.fpu.checkStackUnderflow(0) {
				c.fpuBinary(reg, c.fpuLoad(0), v, 0)
			}
		case 2:
			if !c.fpu.checkStackUnderflow(0) {
				c.fpu.doCompare(c.fpuLoad(0), v)
			}
		case 3:
			if !c.fpu.checkStackUnderflow(0) {
				c.fpu.doCompare(c.fpuLoad(0), v)
				c.fpu.pop()
			}
		}
	}

	t[0xDB] = func(c *CPU) {
		if err := c.fpuCheckAvailable(); err != nil {
			panic(err)
		}
		rm, reg := c.fpuModRM()
		f := &c.fpu
		if rm.isReg {
			switch rm.raw {
			case 0xE2: // FNCLEX
				f.status &^= 0x80FF
			case 0xE3: // FNINIT
				f.reset()
			}
			return
		}
		switch reg {
		case 0:
			f.push(c.loadInt32(rm.addr))
		case 2:
			if !f.checkStackUnderflow(0) {
				c.storeInt32(rm.addr, c.fpuLoad(0))
			}
		case 3:
			if !f.checkStackUnderflow(0) {
				c.storeInt32(rm.addr, c.fpuLoad(0))
				f.pop()
			}
		case 5: // FLD m80
			mant := c.readMemLinear(Size32, rm.addr)
			mantHi := c.readMemLinear(Size32, rm.addr+4)
			sexp := uint16(c.readMemLinear(Size16, rm.addr+8))
			f.push(decodeExtended80(uint64(mantHi)<<32|uint64(mant), sexp))
		case 7: // FSTP m80
			if !f.checkStackUnderflow(0) {
				mant, sexp := encodeExtended80(c.fpuLoad(0))
				c.writeMemLinear(Size32, rm.addr, uint32(mant))
				c.writeMemLinear(Size32, rm.addr+4, uint32(mant>>32))
				c.writeMemLinear(Size16, rm.addr+8, uint32(sexp))
				f.pop()
			}
		}
	}

	t[0xDC] = func(c *CPU) {
		if err := c.fpuCheckAvailable(); err != nil {
			panic(err)
		}
		rm, reg := c.fpuModRM()
		// DC's register form swaps the SUB/SUBR and DIV/DIVR encodings
		// relative to D8, per the x87 ISA.
		swapped := map[int]int{0: 0, 1: 1, 4: 5, 5: 4, 6: 7, 7: 6}
		if rm.isReg {
			switch reg {
			case 0, 1, 4, 5, 6, 7:
				if !c.fpu.checkStackUnderflow(0) && !c.fpu.checkStackUnderflow(rm.reg) {
					c.fpuBinary(swapped[reg], c.fpuLoad(rm.reg), c.fpuLoad(0), rm.reg)
				}
			case 2:
				if !c.fpu.checkStackUnderflow(0) && !c.fpu.checkStackUnderflow(rm.reg) {
					c.fpu.doCompare(c.fpuLoad(rm.reg), c.fpuLoad(0))
				}
			case 3:
				if !c.fpu.checkStackUnderflow(0) && !c.fpu.checkStackUnderflow(rm.reg) {
					c.fpu.doCompare(c.fpuLoad(rm.reg), c.fpuLoad(0))
					c.fpu.pop()
				}
			}
			return
		}
		v := c.loadFloat64(rm.addr)
		switch reg {
		case 0, 1, 4, 5, 6, 7:
			if !c.fpu.checkStackUnderflow(0) {
				c.fpuBinary(reg, c.fpuLoad(0), v, 0)
			}
		case 2:
			if !c.fpu.checkStackUnderflow(0) {
				c.fpu.doCompare(c.fpuLoad(0), v)
			}
		case 3:
			if !c.fpu.checkStackUnderflow(0) {
				c.fpu.doCompare(c.fpuLoad(0), v)
				c.fpu.pop()
			}
		}
	}

	t[0xDD] = func(c *CPU) {
		if err := c.fpuCheckAvailable(); err != nil {
			panic(err)
		}
		rm, reg := c.fpuModRM()
		f := &c.fpu
		if rm.isReg {
			switch reg {
			case 0: // FFREE
				f.tag[f.phys(rm.reg)] = fpuTagEmpty
			case 3: // FSTP ST(i)
				if !f.checkStackUnderflow(0) && !f.checkStackUnderflow(rm.reg) {
					c.fpuStore(rm.reg, c.fpuLoad(0))
					f.pop()
				}
			case 4: // FUCOM
				if !f.checkStackUnderflow(0) && !f.checkStackUnderflow(rm.reg) {
					f.doCompare(c.fpuLoad(0), c.fpuLoad(rm.reg))
				}
			case 5: // FUCOMP
				if !f.checkStackUnderflow(0) && !f.checkStackUnderflow(rm.reg) {
					f.doCompare(c.fpuLoad(0), c.fpuLoad(rm.reg))
					f.pop()
				}
			}
			return
		}
		switch reg {
		case 0:
			f.push(c.loadFloat64(rm.addr))
		case 2:
			if !f.checkStackUnderflow(0) {
				c.storeFloat64(rm.addr, c.fpuLoad(0))
			}
		case 3:
			if !f.checkStackUnderflow(0) {
				c.storeFloat64(rm.addr, c.fpuLoad(0))
				f.pop()
			}
		case 4:
			c.frstor(rm.addr, true)
		case 6:
			c.fsave(rm.addr, true)
		case 7:
			c.writeMemLinear(Size16, rm.addr, uint32(f.statusWord()))
		}
	}

	t[0xDE] = func(c *CPU) {
		if err := c.fpuCheckAvailable(); err != nil {
			panic(err)
		}
		rm, reg := c.fpuModRM()
		swapped := map[int]int{0: 0, 1: 1, 4: 5, 5: 4, 6: 7, 7: 6}
		if rm.isReg {
			switch reg {
			case 0, 1, 4, 5, 6, 7:
				if !c.fpu.checkStackUnderflow(0) && !c.fpu.checkStackUnderflow(rm.reg) {
					c.fpuBinary(swapped[reg], c.fpuLoad(rm.reg), c.fpuLoad(0), rm.reg)
					c.fpu.pop()
				}
			case 3: // FCOMPP
				if !c.fpu.checkStackUnderflow(0) && !c.fpu.checkStackUnderflow(1) {
					c.fpu.doCompare(c.fpuLoad(0), c.fpuLoad(1))
					c.fpu.pop()
					c.fpu.pop()
				}
			}
			return
		}
		v := c.loadInt16(rm.addr)
		switch reg {
		case 0, 1, 4, 5, 6, 7:
			if !c.fpu.checkStackUnderflow(0) {
				c.fpuBinary(reg, c.fpuLoad(0), v, 0)
			}
		case 2:
			if !c.fpu.checkStackUnderflow(0) {
				c.fpu.doCompare(c.fpuLoad(0), v)
			}
		case 3:
			if !c.fpu.checkStackUnderflow(0) {
				c.fpu.doCompare(c.fpuLoad(0), v)
				c.fpu.pop()
			}
		}
	}

	t[0xDF] = func(c *CPU) {
		if err := c.fpuCheckAvailable(); err != nil {
			panic(err)
		}
		rm, reg := c.fpuModRM()
		f := &c.fpu
		if rm.isReg {
			if rm.raw == 0xE0 { // FNSTSW AX
				c.regs.SetW(RegEAX, f.statusWord())
			}
			return
		}
		switch reg {
		case 0:
			f.push(c.loadInt16(rm.addr))
		case 2:
			if !f.checkStackUnderflow(0) {
				c.storeInt16(rm.addr, c.fpuLoad(0))
			}
		case 3:
			if !f.checkStackUnderflow(0) {
				c.storeInt16(rm.addr, c.fpuLoad(0))
				f.pop()
			}
		case 5:
			f.push(c.loadInt64(rm.addr))
		case 7:
			if !f.checkStackUnderflow(0) {
				c.storeInt64(rm.addr, c.fpuLoad(0))
				f.pop()
			}
		}
	}
}
