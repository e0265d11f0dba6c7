/*
   Opcode dispatch tables.

   Each table is a flat array of 256 function pointers built once at
   construction time and indexed directly by the fetched opcode byte,
   rather than a switch statement or per-call closure allocation. Four
   tables exist: 16-bit and 32-bit default operand size, each with its
   own 0F-escape table.

   An opcode with no installed handler dispatches through the nil check
   in step() as #UD, which is the architecturally correct behavior for
   an undefined opcode and needs no separate placeholder entry.

   Copyright (c) 2026, x86core contributors
   SPDX-License-Identifier: MIT
*/

package cpu

// aluOp identifies one of the eight ALU operations sharing the
// 00-3D opcode block layout (ADD/OR/ADC/SBB/AND/SUB/XOR/CMP).
type aluOp uint8

const (
	aluAdd aluOp = iota
	aluOr
	aluAdc
	aluSbb
	aluAnd
	aluSub
	aluXor
	aluCmp
)

func (c *CPU) applyALU(which aluOp, dst operand, src uint32) {
	switch which {
	case aluAdd:
		c.add(dst, src, false)
	case aluAdc:
		c.add(dst, src, true)
	case aluOr:
		c.logical(dst, src, opOr, true)
	case aluAnd:
		c.logical(dst, src, opAnd, true)
	case aluXor:
		c.logical(dst, src, opXor, true)
	case aluSbb:
		c.sub(dst, src, true, false)
	case aluSub:
		c.sub(dst, src, false, false)
	case aluCmp:
		c.sub(dst, src, false, true)
	}
}

// aluRMReg implements the "op r/m, reg" encoding (opcode & 7 == 0/1).
func aluRMReg(which aluOp, byteOp bool) opFunc {
	return func(c *CPU) {
		size := c.opSizeFor(byteOp)
		rm, reg, err := c.resolveRM(size, which != aluCmp)
		if err != nil {
			panic(err)
		}
		src := size.readReg(&c.regs, reg)
		c.applyALU(which, rm, src)
	}
}

// aluRegRM implements "op reg, r/m" (opcode & 7 == 2/3).
func aluRegRM(which aluOp, byteOp bool) opFunc {
	return func(c *CPU) {
		size := c.opSizeFor(byteOp)
		rm, reg, err := c.resolveRM(size, false)
		if err != nil {
			panic(err)
		}
		src := c.readOperand(rm)
		dst := operand{isReg: true, reg: reg, size: size}
		c.applyALU(which, dst, src)
	}
}

// aluAccImm implements "op AL/eAX, imm" (opcode & 7 == 4/5).
func aluAccImm(which aluOp, byteOp bool) opFunc {
	return func(c *CPU) {
		size := c.opSizeFor(byteOp)
		var imm uint32
		var err *CPUException
		if byteOp {
			var b uint8
			b, err = c.fetchImmByte()
			imm = uint32(b)
		} else {
			imm, err = c.fetchImmSized()
		}
		if err != nil {
			panic(err)
		}
		dst := operand{isReg: true, reg: RegEAX, size: size}
		c.applyALU(which, dst, imm)
	}
}

// testAccImm implements TEST AL/eAX, imm: like AND but never stores.
func testAccImm(byteOp bool) opFunc {
	return func(c *CPU) {
		size := c.opSizeFor(byteOp)
		var imm uint32
		var err *CPUException
		if byteOp {
			var b uint8
			b, err = c.fetchImmByte()
			imm = uint32(b)
		} else {
			imm, err = c.fetchImmSized()
		}
		if err != nil {
			panic(err)
		}
		dst := operand{isReg: true, reg: RegEAX, size: size}
		c.logical(dst, imm, opAnd, false)
	}
}

func movRMReg(byteOp bool) opFunc {
	return func(c *CPU) {
		size := c.opSizeFor(byteOp)
		rm, reg, err := c.resolveRM(size, true)
		if err != nil {
			panic(err)
		}
		c.writeOperand(rm, size.readReg(&c.regs, reg))
	}
}

func movRegRM(byteOp bool) opFunc {
	return func(c *CPU) {
		size := c.opSizeFor(byteOp)
		rm, reg, err := c.resolveRM(size, false)
		if err != nil {
			panic(err)
		}
		size.writeReg(&c.regs, reg, c.readOperand(rm))
	}
}

func movRegImm(reg int, byteOp bool) opFunc {
	return func(c *CPU) {
		size := c.opSizeFor(byteOp)
		var v uint32
		var err *CPUException
		if byteOp {
			var b uint8
			b, err = c.fetchImmByte()
			v = uint32(b)
		} else {
			v, err = c.fetchImmSized()
		}
		if err != nil {
			panic(err)
		}
		size.writeReg(&c.regs, reg, v)
	}
}

func pushReg(reg int) opFunc {
	return func(c *CPU) {
		size := Size16
		if c.cur.operandSize32 {
			size = Size32
		}
		var err *CPUException
		if size == Size32 {
			err = c.pushD(c.regs.D(reg))
		} else {
			err = c.pushW(c.regs.W(reg))
		}
		if err != nil {
			panic(err)
		}
	}
}

func popReg(reg int) opFunc {
	return func(c *CPU) {
		if c.cur.operandSize32 {
			v, err := c.popD()
			if err != nil {
				panic(err)
			}
			c.regs.SetD(reg, v)
		} else {
			v, err := c.popW()
			if err != nil {
				panic(err)
			}
			c.regs.SetW(reg, v)
		}
	}
}

func incDecReg(reg int, inc bool) opFunc {
	return func(c *CPU) {
		size := Size16
		if c.cur.operandSize32 {
			size = Size32
		}
		dst := operand{isReg: true, reg: reg, size: size}
		oldCF := c.getCF()
		if inc {
			c.add(dst, 1, false)
		} else {
			c.sub(dst, 1, false, false)
		}
		flags := c.EFLAGS()
		flags = setBit(flags, FlagCF, oldCF)
		c.SetEFLAGS(flags)
	}
}

// group1 handles 0x80/0x81/0x83: immediate ALU op selected by ModR/M
// reg field, against an r/m destination.
func group1(immIsByte, byteOp bool) opFunc {
	return func(c *CPU) {
		size := c.opSizeFor(byteOp)
		rm, regField, err := c.resolveRM(size, true)
		if err != nil {
			panic(err)
		}
		var imm uint32
		if immIsByte {
			b, err := c.fetchImmByte()
			if err != nil {
				panic(err)
			}
			imm = uint32(int32(int8(b)))
			if byteOp {
				imm = uint32(b)
			}
		} else {
			imm, err = c.fetchImmSized()
			if err != nil {
				panic(err)
			}
		}
		c.applyALU(aluOp(regField), rm, imm&size.mask())
	}
}

// group2 handles C0/C1/D0-D3: shift/rotate selected by ModR/M reg field.
func group2(countKind int, byteOp bool) opFunc {
	return func(c *CPU) {
		size := c.opSizeFor(byteOp)
		rm, regField, err := c.resolveRM(size, true)
		if err != nil {
			panic(err)
		}
		var count uint8
		switch countKind {
		case 0: // shift/rotate by 1
			count = 1
		case 1: // by CL
			count = c.regs.B(Reg8CL)
		case 2: // by imm8
			b, err := c.fetchImmByte()
			if err != nil {
				panic(err)
			}
			count = b
		}
		switch regField {
		case 0:
			c.rotate(rm, count, 0)
		case 1:
			c.rotate(rm, count, 1)
		case 2:
			c.rotateCarry(rm, count, 0)
		case 3:
			c.rotateCarry(rm, count, 1)
		case 4, 6:
			c.shift(rm, count, 0)
		case 5:
			c.shift(rm, count, 1)
		case 7:
			c.shift(rm, count, 2)
		}
	}
}

// group3 handles F6/F7: TEST/NOT/NEG/MUL/IMUL/DIV/IDIV by ModR/M reg.
func group3(byteOp bool) opFunc {
	return func(c *CPU) {
		size := c.opSizeFor(byteOp)
		rm, regField, err := c.resolveRM(size, regField3NeedsWrite(byteOp))
		if err != nil {
			panic(err)
		}
		switch regField {
		case 0, 1:
			var imm uint32
			if byteOp {
				b, err := c.fetchImmByte()
				if err != nil {
					panic(err)
				}
				imm = uint32(b)
			} else {
				imm, err = c.fetchImmSized()
				if err != nil {
					panic(err)
				}
			}
			c.logical(rm, imm, opAnd, false)
		case 2:
			v := c.readOperand(rm)
			c.writeOperand(rm, ^v&size.mask())
		case 3:
			v := c.readOperand(rm)
			result := (0 - v) & size.mask()
			c.recordSub(0, v, 0, result, size)
			c.writeOperand(rm, result)
		case 4:
			c.mul(size, c.readOperand(rm))
		case 5:
			c.imul(size, c.readOperand(rm))
		case 6:
			if excp := c.div(size, c.readOperand(rm)); excp != nil {
				panic(excp)
			}
		case 7:
			if excp := c.idiv(size, c.readOperand(rm)); excp != nil {
				panic(excp)
			}
		}
	}
}

func regField3NeedsWrite(_ bool) bool { return true }

func jccShort(test func(*CPU) bool) opFunc {
	return func(c *CPU) {
		d, err := c.fetchImmByte()
		if err != nil {
			panic(err)
		}
		if test(c) {
			c.eip = c.eip + uint32(int32(int8(d)))
			c.invalidateIPCache()
		}
	}
}

func jccNear(test func(*CPU) bool) opFunc {
	return func(c *CPU) {
		d, err := c.fetchImmSized()
		if err != nil {
			panic(err)
		}
		if test(c) {
			if c.cur.operandSize32 {
				c.eip = c.eip + d
			} else {
				c.eip = (c.eip + (d & 0xFFFF)) & 0xFFFF
			}
			c.invalidateIPCache()
		}
	}
}

func testCF(c *CPU) bool  { return c.getCF() }
func testNCF(c *CPU) bool { return !c.getCF() }
func testZF(c *CPU) bool  { return c.getZF() }
func testNZF(c *CPU) bool { return !c.getZF() }
func testSF(c *CPU) bool  { return c.getSF() }
func testNSF(c *CPU) bool { return !c.getSF() }
func testOF(c *CPU) bool  { return c.getOF() }
func testNOF(c *CPU) bool { return !c.getOF() }
func testPF(c *CPU) bool  { return c.getPF() }
func testNPF(c *CPU) bool { return !c.getPF() }
func testBE(c *CPU) bool  { return c.getCF() || c.getZF() }
func testNBE(c *CPU) bool { return !c.getCF() && !c.getZF() }
func testL(c *CPU) bool   { return c.getSF() != c.getOF() }
func testGE(c *CPU) bool  { return c.getSF() == c.getOF() }
func testLE(c *CPU) bool  { return c.getZF() || (c.getSF() != c.getOF()) }
func testG(c *CPU) bool   { return !c.getZF() && (c.getSF() == c.getOF()) }

func installStandardOpcodes(t16, t32 *[256]opFunc) {
	for _, t := range []*[256]opFunc{t16, t32} {
		installALUBlock(t)
		installMovIncDecPushPop(t)
		installControlFlow(t)
		installMisc(t)
	}
}

func installALUBlock(t *[256]opFunc) {
	ops := []aluOp{aluAdd, aluOr, aluAdc, aluSbb, aluAnd, aluSub, aluXor, aluCmp}
	for i, op := range ops {
		base := uint8(i * 8)
		t[base+0] = aluRMReg(op, true)
		t[base+1] = aluRMReg(op, false)
		t[base+2] = aluRegRM(op, true)
		t[base+3] = aluRegRM(op, false)
		t[base+4] = aluAccImm(op, true)
		t[base+5] = aluAccImm(op, false)
	}
	t[0x80] = group1(true, true)
	t[0x81] = group1(false, false)
	t[0x82] = group1(true, true) // alias of 0x80
	t[0x83] = group1(true, false)
	t[0xA8] = testAccImm(true) // TEST AL,imm8
	t[0xA9] = testAccImm(false)
	t[0xF6] = group3(true)
	t[0xF7] = group3(false)
	t[0xC0] = group2(2, true)
	t[0xC1] = group2(2, false)
	t[0xD0] = group2(0, true)
	t[0xD1] = group2(0, false)
	t[0xD2] = group2(1, true)
	t[0xD3] = group2(1, false)
}

func installMovIncDecPushPop(t *[256]opFunc) {
	t[0x88] = movRMReg(true)
	t[0x89] = movRMReg(false)
	t[0x8A] = movRegRM(true)
	t[0x8B] = movRegRM(false)
	t[0x8D] = func(c *CPU) { // LEA
		ea, reg, err := c.decodeModRM()
		if err != nil {
			panic(err)
		}
		if ea.isReg {
			panic(exc(VecUD))
		}
		size := c.opSizeFor(false)
		size.writeReg(&c.regs, int(reg), ea.linear)
	}
	for r := 0; r < 8; r++ {
		t[0x40+r] = incDecReg(r, true)
		t[0x48+r] = incDecReg(r, false)
		t[0x50+r] = pushReg(r)
		t[0x58+r] = popReg(r)
		t[0xB0+r] = movRegImm(r, true)
		t[0xB8+r] = movRegImm(r, false)
	}
	t[0x90] = func(c *CPU) {} // NOP / XCHG EAX,EAX
	t[0x86] = func(c *CPU) { // XCHG r/m8, reg8
		rm, reg, err := c.resolveRM(Size8, true)
		if err != nil {
			panic(err)
		}
		a, b := c.readOperand(rm), c.regs.B(reg)
		c.writeOperand(rm, uint32(b))
		c.regs.SetB(reg, uint8(a))
	}
	t[0x87] = func(c *CPU) { // XCHG r/m, reg
		size := c.opSizeFor(false)
		rm, reg, err := c.resolveRM(size, true)
		if err != nil {
			panic(err)
		}
		a := c.readOperand(rm)
		b := size.readReg(&c.regs, reg)
		c.writeOperand(rm, b)
		size.writeReg(&c.regs, reg, a)
	}
	t[0xC6] = func(c *CPU) { // MOV r/m8, imm8
		rm, _, err := c.resolveRM(Size8, true)
		if err != nil {
			panic(err)
		}
		imm, err := c.fetchImmByte()
		if err != nil {
			panic(err)
		}
		c.writeOperand(rm, uint32(imm))
	}
	t[0xC7] = func(c *CPU) { // MOV r/m, imm
		size := c.opSizeFor(false)
		rm, _, err := c.resolveRM(size, true)
		if err != nil {
			panic(err)
		}
		imm, err := c.fetchImmSized()
		if err != nil {
			panic(err)
		}
		c.writeOperand(rm, imm)
	}
}

func installControlFlow(t *[256]opFunc) {
	jccTests := []func(*CPU) bool{
		testOF, testNOF, testCF, testNCF, testZF, testNZF, testBE, testNBE,
		testSF, testNSF, testPF, testNPF, testL, testGE, testLE, testG,
	}
	for i, test := range jccTests {
		t[0x70+i] = jccShort(test)
	}
	t[0xEB] = func(c *CPU) { // JMP short
		d, err := c.fetchImmByte()
		if err != nil {
			panic(err)
		}
		c.eip = c.eip + uint32(int32(int8(d)))
		c.invalidateIPCache()
	}
	t[0xE9] = func(c *CPU) { // JMP near
		d, err := c.fetchImmSized()
		if err != nil {
			panic(err)
		}
		c.eip = c.eip + d
		c.invalidateIPCache()
	}
	t[0xE8] = func(c *CPU) { // CALL near
		d, err := c.fetchImmSized()
		if err != nil {
			panic(err)
		}
		ret := c.eip
		if c.cur.operandSize32 {
			if err := c.pushD(ret); err != nil {
				panic(err)
			}
		} else {
			if err := c.pushW(uint16(ret)); err != nil {
				panic(err)
			}
		}
		c.eip = c.eip + d
		c.invalidateIPCache()
	}
	t[0xC3] = func(c *CPU) { // RET near
		if c.cur.operandSize32 {
			v, err := c.popD()
			if err != nil {
				panic(err)
			}
			c.eip = v
		} else {
			v, err := c.popW()
			if err != nil {
				panic(err)
			}
			c.eip = uint32(v)
		}
		c.invalidateIPCache()
	}
	t[0xC2] = func(c *CPU) { // RET imm16 near
		imm, err := c.fetchImmWord()
		if err != nil {
			panic(err)
		}
		var v uint32
		if c.cur.operandSize32 {
			vv, err := c.popD()
			if err != nil {
				panic(err)
			}
			v = vv
		} else {
			vv, err := c.popW()
			if err != nil {
				panic(err)
			}
			v = uint32(vv)
		}
		c.eip = v
		c.advanceStack(uint32(imm))
		c.invalidateIPCache()
	}
	t[0xCC] = func(c *CPU) { panic(exc(VecBP)) }
	t[0xCD] = func(c *CPU) { // INT imm8
		v, err := c.fetchImmByte()
		if err != nil {
			panic(err)
		}
		panic(excSoftware(v))
	}
	t[0xCE] = func(c *CPU) {
		if c.getOF() {
			panic(exc(VecOF))
		}
	}
	t[0xCF] = func(c *CPU) {
		if err := c.Iret(); err != nil {
			panic(err)
		}
	}
	t[0xE3] = func(c *CPU) { // JCXZ
		d, err := c.fetchImmByte()
		if err != nil {
			panic(err)
		}
		if c.ecx() == 0 {
			c.eip = c.eip + uint32(int32(int8(d)))
			c.invalidateIPCache()
		}
	}
	t[0xE2] = loopInstr(true, true)
	t[0xE1] = loopInstr(false, true)
	t[0xE0] = loopInstr(false, false)
}

func loopInstr(unconditional, checkZFAsEqual bool) opFunc {
	return func(c *CPU) {
		d, err := c.fetchImmByte()
		if err != nil {
			panic(err)
		}
		c.setECX(c.ecx() - 1)
		take := c.ecx() != 0
		if !unconditional {
			if checkZFAsEqual {
				take = take && c.getZF()
			} else {
				take = take && !c.getZF()
			}
		}
		if take {
			c.eip = c.eip + uint32(int32(int8(d)))
			c.invalidateIPCache()
		}
	}
}

// ifFlagGuard faults CLI/STI when the current privilege may not touch
// IF: CPL above IOPL in protected mode, or VM86 with IOPL below 3.
func (c *CPU) ifFlagGuard() {
	iopl := uint8((c.EFLAGS() & FlagIOPLMask) >> FlagIOPLShift)
	if c.mode == modeProtected && c.cpl > iopl {
		panic(excCode(VecGP, 0))
	}
	if c.mode == modeVM86 && iopl != 3 {
		panic(excCode(VecGP, 0))
	}
}

func installMisc(t *[256]opFunc) {
	t[0xF4] = func(c *CPU) { c.inHLT = true } // HLT
	t[0xF8] = func(c *CPU) { c.SetEFLAGS(c.EFLAGS() &^ FlagCF) }
	t[0xF9] = func(c *CPU) { c.SetEFLAGS(c.EFLAGS() | FlagCF) }
	t[0xFA] = func(c *CPU) { // CLI
		c.ifFlagGuard()
		c.SetEFLAGS(c.EFLAGS() &^ FlagIF)
	}
	t[0xFB] = func(c *CPU) { // STI
		c.ifFlagGuard()
		c.SetEFLAGS(c.EFLAGS() | FlagIF)
	}
	t[0xFC] = func(c *CPU) { c.SetEFLAGS(c.EFLAGS() &^ FlagDF) }
	t[0xFD] = func(c *CPU) { c.SetEFLAGS(c.EFLAGS() | FlagDF) }
	t[0x9C] = func(c *CPU) { // PUSHF
		var err *CPUException
		if c.cur.operandSize32 {
			err = c.pushD(c.EFLAGS())
		} else {
			err = c.pushW(uint16(c.EFLAGS()))
		}
		if err != nil {
			panic(err)
		}
	}
	t[0x9D] = func(c *CPU) { // POPF
		if c.cur.operandSize32 {
			v, err := c.popD()
			if err != nil {
				panic(err)
			}
			c.SetEFLAGS(v)
		} else {
			v, err := c.popW()
			if err != nil {
				panic(err)
			}
			c.SetEFLAGS((c.EFLAGS() &^ 0xFFFF) | uint32(v))
		}
	}
	t[0x9E] = func(c *CPU) { // SAHF
		ah := uint32(c.regs.B(Reg8AH))
		c.SetEFLAGS((c.EFLAGS() &^ 0xFF) | ah)
	}
	t[0x9F] = func(c *CPU) { c.regs.SetB(Reg8AH, uint8(c.EFLAGS())) } // LAHF

	t[0xA4] = func(c *CPU) { if err := c.opMovs(Size8); err != nil { panic(err) } }
	t[0xA5] = func(c *CPU) {
		size := Size16
		if c.cur.operandSize32 {
			size = Size32
		}
		if err := c.opMovs(size); err != nil {
			panic(err)
		}
	}
	t[0xA6] = func(c *CPU) { if err := c.opCmps(Size8); err != nil { panic(err) } }
	t[0xA7] = func(c *CPU) {
		size := Size16
		if c.cur.operandSize32 {
			size = Size32
		}
		if err := c.opCmps(size); err != nil {
			panic(err)
		}
	}
	t[0xAA] = func(c *CPU) { if err := c.opStos(Size8); err != nil { panic(err) } }
	t[0xAB] = func(c *CPU) {
		size := Size16
		if c.cur.operandSize32 {
			size = Size32
		}
		if err := c.opStos(size); err != nil {
			panic(err)
		}
	}
	t[0xAC] = func(c *CPU) { if err := c.opLods(Size8); err != nil { panic(err) } }
	t[0xAD] = func(c *CPU) {
		size := Size16
		if c.cur.operandSize32 {
			size = Size32
		}
		if err := c.opLods(size); err != nil {
			panic(err)
		}
	}
	t[0xAE] = func(c *CPU) { if err := c.opScas(Size8); err != nil { panic(err) } }
	t[0xAF] = func(c *CPU) {
		size := Size16
		if c.cur.operandSize32 {
			size = Size32
		}
		if err := c.opScas(size); err != nil {
			panic(err)
		}
	}
	t[0x6C] = func(c *CPU) { if err := c.opIns(Size8); err != nil { panic(err) } }
	t[0x6D] = func(c *CPU) {
		size := Size16
		if c.cur.operandSize32 {
			size = Size32
		}
		if err := c.opIns(size); err != nil {
			panic(err)
		}
	}
	t[0x6E] = func(c *CPU) { if err := c.opOuts(Size8); err != nil { panic(err) } }
	t[0x6F] = func(c *CPU) {
		size := Size16
		if c.cur.operandSize32 {
			size = Size32
		}
		if err := c.opOuts(size); err != nil {
			panic(err)
		}
	}

	t[0xE4] = func(c *CPU) { // IN AL, imm8
		p, err := c.fetchImmByte()
		if err != nil {
			panic(err)
		}
		c.ioGuard(uint16(p), 1)
		c.regs.SetB(Reg8AL, c.ports.In8(uint16(p)))
	}
	t[0xE5] = func(c *CPU) { // IN eAX, imm8
		p, err := c.fetchImmByte()
		if err != nil {
			panic(err)
		}
		if c.cur.operandSize32 {
			c.ioGuard(uint16(p), 4)
			c.regs.SetD(RegEAX, c.ports.In32(uint16(p)))
		} else {
			c.ioGuard(uint16(p), 2)
			c.regs.SetW(RegEAX, c.ports.In16(uint16(p)))
		}
	}
	t[0xE6] = func(c *CPU) { // OUT imm8, AL
		p, err := c.fetchImmByte()
		if err != nil {
			panic(err)
		}
		c.ioGuard(uint16(p), 1)
		c.ports.Out8(uint16(p), c.regs.B(Reg8AL))
	}
	t[0xE7] = func(c *CPU) { // OUT imm8, eAX
		p, err := c.fetchImmByte()
		if err != nil {
			panic(err)
		}
		if c.cur.operandSize32 {
			c.ioGuard(uint16(p), 4)
			c.ports.Out32(uint16(p), c.regs.D(RegEAX))
		} else {
			c.ioGuard(uint16(p), 2)
			c.ports.Out16(uint16(p), c.regs.W(RegEAX))
		}
	}
	t[0xEC] = func(c *CPU) {
		c.ioGuard(c.regs.W(RegEDX), 1)
		c.regs.SetB(Reg8AL, c.ports.In8(c.regs.W(RegEDX)))
	}
	t[0xEE] = func(c *CPU) {
		c.ioGuard(c.regs.W(RegEDX), 1)
		c.ports.Out8(c.regs.W(RegEDX), c.regs.B(Reg8AL))
	}
	t[0xED] = func(c *CPU) {
		if c.cur.operandSize32 {
			c.ioGuard(c.regs.W(RegEDX), 4)
			c.regs.SetD(RegEAX, c.ports.In32(c.regs.W(RegEDX)))
		} else {
			c.ioGuard(c.regs.W(RegEDX), 2)
			c.regs.SetW(RegEAX, c.ports.In16(c.regs.W(RegEDX)))
		}
	}
	t[0xEF] = func(c *CPU) {
		if c.cur.operandSize32 {
			c.ioGuard(c.regs.W(RegEDX), 4)
			c.ports.Out32(c.regs.W(RegEDX), c.regs.D(RegEAX))
		} else {
			c.ioGuard(c.regs.W(RegEDX), 2)
			c.ports.Out16(c.regs.W(RegEDX), c.regs.W(RegEAX))
		}
	}

	t[0x8E] = func(c *CPU) { // MOV Sreg, r/m16
		rm, reg, err := c.resolveRM(Size16, false)
		if err != nil {
			panic(err)
		}
		if excp := c.SwitchSeg(int(reg)%6, uint16(c.readOperand(rm))); excp != nil {
			panic(excp)
		}
	}
	t[0x8C] = func(c *CPU) { // MOV r/m16, Sreg
		rm, reg, err := c.resolveRM(Size16, true)
		if err != nil {
			panic(err)
		}
		c.writeOperand(rm, uint32(c.seg[int(reg)%6].Selector))
	}

	installPushPopImm(t)
	installStringFarMisc(t)
	installSegStackXchg(t)
	installGroup4And5(t)
	installFPUOpcodes(t)
}

func pushSeg(reg int) opFunc {
	return func(c *CPU) {
		if excp := c.pushFrame(uint32(c.seg[reg].Selector)); excp != nil {
			panic(excp)
		}
	}
}

func popSeg(reg int) opFunc {
	return func(c *CPU) {
		v, excp := c.popFrame()
		if excp != nil {
			panic(excp)
		}
		if excp := c.SwitchSeg(reg, uint16(v)); excp != nil {
			panic(excp)
		}
	}
}

// loadFarSegPair implements LES/LDS/LSS/LFS/LGS: a {offset, selector}
// memory pointer loads the named segment register and the ModR/M reg
// destination together.
func loadFarSegPair(segReg int) opFunc {
	return func(c *CPU) {
		size := c.opSizeFor(false)
		ea, reg, err := c.decodeModRM()
		if err != nil {
			panic(err)
		}
		if ea.isReg {
			panic(exc(VecUD))
		}
		sel, offset := c.readFarPointer(ea, size)
		if excp := c.SwitchSeg(segReg, sel); excp != nil {
			panic(excp)
		}
		size.writeReg(&c.regs, int(reg), offset)
	}
}

// installSegStackXchg covers the segment push/pop block, PUSHA/POPA,
// BOUND/ARPL, TEST r/m,reg, the XCHG eAX,reg row, LES/LDS, and CMC.
func installSegStackXchg(t *[256]opFunc) {
	t[0x06] = pushSeg(SegES)
	t[0x07] = popSeg(SegES)
	t[0x0E] = pushSeg(SegCS)
	t[0x16] = pushSeg(SegSS)
	t[0x17] = popSeg(SegSS)
	t[0x1E] = pushSeg(SegDS)
	t[0x1F] = popSeg(SegDS)
	t[0xC4] = loadFarSegPair(SegES)
	t[0xC5] = loadFarSegPair(SegDS)
	t[0xF5] = func(c *CPU) { // CMC
		c.SetEFLAGS(c.EFLAGS() ^ FlagCF)
	}

	t[0x60] = func(c *CPU) { // PUSHA/PUSHAD
		origESP := c.regs.D(RegESP)
		for _, r := range []int{RegEAX, RegECX, RegEDX, RegEBX} {
			if excp := c.pushFrame(c.regs.D(r)); excp != nil {
				panic(excp)
			}
		}
		if excp := c.pushFrame(origESP); excp != nil {
			panic(excp)
		}
		for _, r := range []int{RegEBP, RegESI, RegEDI} {
			if excp := c.pushFrame(c.regs.D(r)); excp != nil {
				panic(excp)
			}
		}
	}
	t[0x61] = func(c *CPU) { // POPA/POPAD; the popped SP slot is discarded
		for _, r := range []int{RegEDI, RegESI, RegEBP} {
			v, excp := c.popFrame()
			if excp != nil {
				panic(excp)
			}
			c.writePopReg(r, v)
		}
		if c.cur.operandSize32 {
			c.advanceStack(4)
		} else {
			c.advanceStack(2)
		}
		for _, r := range []int{RegEBX, RegEDX, RegECX, RegEAX} {
			v, excp := c.popFrame()
			if excp != nil {
				panic(excp)
			}
			c.writePopReg(r, v)
		}
	}

	t[0x62] = func(c *CPU) { // BOUND reg, m16&16 / m32&32
		size := c.opSizeFor(false)
		ea, reg, err := c.decodeModRM()
		if err != nil {
			panic(err)
		}
		if ea.isReg {
			panic(exc(VecUD))
		}
		linear := c.linearAddr(ea)
		lower := signExtend(c.readMemLinear(size, linear), size)
		upper := signExtend(c.readMemLinear(size, linear+uint32(1)<<size), size)
		idx := signExtend(size.readReg(&c.regs, int(reg)), size)
		if idx < lower || idx > upper {
			panic(exc(VecBR))
		}
	}

	t[0x63] = func(c *CPU) { // ARPL r/m16, r16
		rm, reg, err := c.resolveRM(Size16, true)
		if err != nil {
			panic(err)
		}
		dst := uint16(c.readOperand(rm))
		src := c.regs.W(reg)
		flags := c.EFLAGS()
		if dst&3 < src&3 {
			c.writeOperand(rm, uint32(dst&^3|src&3))
			flags |= FlagZF
		} else {
			flags &^= FlagZF
		}
		c.SetEFLAGS(flags)
	}

	t[0x84] = func(c *CPU) { // TEST r/m8, reg8
		rm, reg, err := c.resolveRM(Size8, false)
		if err != nil {
			panic(err)
		}
		c.logical(rm, uint32(c.regs.B(reg)), opAnd, false)
	}
	t[0x85] = func(c *CPU) { // TEST r/m, reg
		size := c.opSizeFor(false)
		rm, reg, err := c.resolveRM(size, false)
		if err != nil {
			panic(err)
		}
		c.logical(rm, size.readReg(&c.regs, reg), opAnd, false)
	}

	for r := 1; r < 8; r++ {
		reg := r
		t[0x90+r] = func(c *CPU) { // XCHG eAX, reg
			size := c.opSizeFor(false)
			a := size.readReg(&c.regs, RegEAX)
			b := size.readReg(&c.regs, reg)
			size.writeReg(&c.regs, RegEAX, b)
			size.writeReg(&c.regs, reg, a)
		}
	}
}

// writePopReg stores a popped frame value at the current operand size.
func (c *CPU) writePopReg(reg int, v uint32) {
	if c.cur.operandSize32 {
		c.regs.SetD(reg, v)
	} else {
		c.regs.SetW(reg, uint16(v))
	}
}

// installPushPopImm handles PUSH imm (0x68/0x6A), IMUL reg,r/m,imm
// (0x69/0x6B), and POP r/m (0x8F), the remaining single-byte-opcode
// forms of "move an immediate or an r/m slot onto/off the stack" that
// share no ALU-block or string-op shape of their own.
func installPushPopImm(t *[256]opFunc) {
	t[0x68] = func(c *CPU) { // PUSH imm16/32
		imm, err := c.fetchImmSized()
		if err != nil {
			panic(err)
		}
		if excp := c.pushFrame(imm); excp != nil {
			panic(excp)
		}
	}
	t[0x6A] = func(c *CPU) { // PUSH imm8, sign-extended
		b, err := c.fetchImmByte()
		if err != nil {
			panic(err)
		}
		if excp := c.pushFrame(uint32(int32(int8(b)))); excp != nil {
			panic(excp)
		}
	}
	t[0x69] = func(c *CPU) { // IMUL reg, r/m, imm16/32
		size := c.opSizeFor(false)
		rm, reg, err := c.resolveRM(size, false)
		if err != nil {
			panic(err)
		}
		imm, err := c.fetchImmSized()
		if err != nil {
			panic(err)
		}
		result := c.imul3(size, c.readOperand(rm), imm)
		size.writeReg(&c.regs, reg, result)
	}
	t[0x6B] = func(c *CPU) { // IMUL reg, r/m, imm8
		size := c.opSizeFor(false)
		rm, reg, err := c.resolveRM(size, false)
		if err != nil {
			panic(err)
		}
		b, err := c.fetchImmByte()
		if err != nil {
			panic(err)
		}
		imm := uint32(int32(int8(b))) & size.mask()
		result := c.imul3(size, c.readOperand(rm), imm)
		size.writeReg(&c.regs, reg, result)
	}
	t[0x8F] = func(c *CPU) { // POP r/m (group 1A)
		size := c.opSizeFor(false)
		rm, _, err := c.resolveRM(size, true)
		if err != nil {
			panic(err)
		}
		v, excp := c.popFrame()
		if excp != nil {
			panic(excp)
		}
		c.writeOperand(rm, v&size.mask())
	}
}

// moffsOffset fetches the bare displacement the A0-A3 moffs MOV forms
// use in place of a ModR/M byte, sized by the address-size prefix
// (cur.addressSize32) rather than the operand-size prefix that
// opSizeFor consults.
func moffsOffset(c *CPU) (uint32, *CPUException) {
	if c.cur.addressSize32 {
		return c.fetchImmDword()
	}
	v, err := c.fetchImmWord()
	return uint32(v), err
}

// installStringFarMisc handles the small fixed-operand instructions
// that round out the arithmetic kernel (BCD adjust) and the ambient
// accumulator-widening/stack-frame opcodes every x86 core needs
// (CBW/CWD family, ENTER/LEAVE, XLAT) alongside the real far control
// transfers built in farcall.go.
func installStringFarMisc(t *[256]opFunc) {
	t[0xA0] = func(c *CPU) { // MOV AL, moffs8
		off, err := moffsOffset(c)
		if err != nil {
			panic(err)
		}
		linear := c.seg[c.dsSeg()].Base + off
		c.regs.SetB(Reg8AL, uint8(c.readMemLinear(Size8, linear)))
	}
	t[0xA1] = func(c *CPU) { // MOV eAX, moffs
		off, err := moffsOffset(c)
		if err != nil {
			panic(err)
		}
		linear := c.seg[c.dsSeg()].Base + off
		size := c.opSizeFor(false)
		size.writeReg(&c.regs, RegEAX, c.readMemLinear(size, linear))
	}
	t[0xA2] = func(c *CPU) { // MOV moffs8, AL
		off, err := moffsOffset(c)
		if err != nil {
			panic(err)
		}
		linear := c.seg[c.dsSeg()].Base + off
		c.writeMemLinear(Size8, linear, uint32(c.regs.B(Reg8AL)))
	}
	t[0xA3] = func(c *CPU) { // MOV moffs, eAX
		off, err := moffsOffset(c)
		if err != nil {
			panic(err)
		}
		linear := c.seg[c.dsSeg()].Base + off
		size := c.opSizeFor(false)
		c.writeMemLinear(size, linear, size.readReg(&c.regs, RegEAX))
	}
	t[0x27] = func(c *CPU) { c.daa() }
	t[0x2F] = func(c *CPU) { c.das() }
	t[0x37] = func(c *CPU) { c.aaa() }
	t[0x3F] = func(c *CPU) { c.aas() }
	t[0xD4] = func(c *CPU) { // AAM
		b, err := c.fetchImmByte()
		if err != nil {
			panic(err)
		}
		if excp := c.aam(b); excp != nil {
			panic(excp)
		}
	}
	t[0xD5] = func(c *CPU) { // AAD
		b, err := c.fetchImmByte()
		if err != nil {
			panic(err)
		}
		c.aad(b)
	}
	t[0x98] = func(c *CPU) { // CBW/CWDE
		if c.cur.operandSize32 {
			c.regs.SetD(RegEAX, uint32(int32(int16(c.regs.W(RegEAX)))))
		} else {
			c.regs.SetW(RegEAX, uint16(int16(int8(c.regs.B(Reg8AL)))))
		}
	}
	t[0x99] = func(c *CPU) { // CWD/CDQ
		if c.cur.operandSize32 {
			var hi uint32
			if int32(c.regs.D(RegEAX)) < 0 {
				hi = 0xFFFFFFFF
			}
			c.regs.SetD(RegEDX, hi)
		} else {
			var hi uint16
			if int16(c.regs.W(RegEAX)) < 0 {
				hi = 0xFFFF
			}
			c.regs.SetW(RegEDX, hi)
		}
	}
	t[0xD7] = func(c *CPU) { // XLAT
		seg := c.dsSeg()
		linear := c.seg[seg].Base + c.regs.D(RegEBX) + uint32(c.regs.B(Reg8AL))
		phys, err := c.TranslateRead(linear)
		if err != nil {
			panic(err)
		}
		c.regs.SetB(Reg8AL, c.mem.ReadByte(phys))
	}
	t[0xC8] = func(c *CPU) { // ENTER imm16, imm8
		frameSize, err := c.fetchImmWord()
		if err != nil {
			panic(err)
		}
		nesting, err2 := c.fetchImmByte()
		if err2 != nil {
			panic(err2)
		}
		nesting %= 32
		oldBP := c.regs.D(RegEBP)
		if excp := c.pushFrame(oldBP); excp != nil {
			panic(excp)
		}
		frameTemp := c.stackOffset()
		for i := uint8(1); i < nesting; i++ {
			var displayBase uint32
			if c.cur.operandSize32 {
				displayBase = oldBP - uint32(i)*4
			} else {
				displayBase = oldBP - uint32(i)*2
			}
			linear := c.seg[SegSS].Base + displayBase
			if c.cur.operandSize32 {
				if excp := c.pushD(c.readMemLinear(Size32, linear)); excp != nil {
					panic(excp)
				}
			} else {
				if excp := c.pushW(uint16(c.readMemLinear(Size16, linear))); excp != nil {
					panic(excp)
				}
			}
		}
		if nesting != 0 {
			if excp := c.pushFrame(frameTemp); excp != nil {
				panic(excp)
			}
		}
		if c.stackSize32 {
			c.regs.SetD(RegEBP, frameTemp)
			c.regs.SetD(RegESP, c.regs.D(RegESP)-uint32(frameSize))
		} else {
			c.regs.SetW(RegEBP, uint16(frameTemp))
			c.regs.SetW(RegESP, c.regs.W(RegESP)-frameSize)
		}
	}
	t[0xC9] = func(c *CPU) { // LEAVE
		if c.stackSize32 {
			c.regs.SetD(RegESP, c.regs.D(RegEBP))
		} else {
			c.regs.SetW(RegESP, uint16(c.regs.D(RegEBP)))
		}
		v, err := c.popFrame()
		if err != nil {
			panic(err)
		}
		if c.cur.operandSize32 {
			c.regs.SetD(RegEBP, v)
		} else {
			c.regs.SetW(RegEBP, uint16(v))
		}
	}

	t[0x9A] = func(c *CPU) { // CALLF ptr16:16/32
		offset, err := c.fetchImmSized()
		if err != nil {
			panic(err)
		}
		sel, err := c.fetchImmWord()
		if err != nil {
			panic(err)
		}
		if excp := c.FarCall(sel, offset); excp != nil {
			panic(excp)
		}
	}
	t[0xEA] = func(c *CPU) { // JMPF ptr16:16/32
		offset, err := c.fetchImmSized()
		if err != nil {
			panic(err)
		}
		sel, err := c.fetchImmWord()
		if err != nil {
			panic(err)
		}
		if excp := c.FarJump(sel, offset); excp != nil {
			panic(excp)
		}
	}
	t[0xCB] = func(c *CPU) { // RETF
		if excp := c.FarReturn(0); excp != nil {
			panic(excp)
		}
	}
	t[0xCA] = func(c *CPU) { // RETF imm16
		imm, err := c.fetchImmWord()
		if err != nil {
			panic(err)
		}
		if excp := c.FarReturn(uint32(imm)); excp != nil {
			panic(excp)
		}
	}
}

// installGroup4And5 handles FE (INC/DEC r/m8) and FF (INC/DEC r/m,
// CALL/JMP near and far indirect, PUSH r/m), the ModR/M-reg-selected
// groups dispatched alongside group1/group2/group3.
func installGroup4And5(t *[256]opFunc) {
	t[0xFE] = func(c *CPU) {
		ea, reg, err := c.decodeModRM()
		if err != nil {
			panic(err)
		}
		dst := c.operandFromEA(ea, Size8, true)
		switch reg {
		case 0:
			oldCF := c.getCF()
			c.add(dst, 1, false)
			c.SetEFLAGS(setBit(c.EFLAGS(), FlagCF, oldCF))
		case 1:
			oldCF := c.getCF()
			c.sub(dst, 1, false, false)
			c.SetEFLAGS(setBit(c.EFLAGS(), FlagCF, oldCF))
		default:
			panic(exc(VecUD))
		}
	}
	t[0xFF] = func(c *CPU) {
		size := c.opSizeFor(false)
		modrmPos := c.eip
		ea, reg, err := c.decodeModRM()
		if err != nil {
			panic(err)
		}
		_ = modrmPos
		switch reg {
		case 0, 1: // INC/DEC r/m
			rm := c.operandFromEA(ea, size, true)
			oldCF := c.getCF()
			if reg == 0 {
				c.add(rm, 1, false)
			} else {
				c.sub(rm, 1, false, false)
			}
			c.SetEFLAGS(setBit(c.EFLAGS(), FlagCF, oldCF))
		case 2: // CALL r/m (near indirect)
			target := c.readEA(ea, size)
			ret := c.eip
			if excp := c.pushFrame(ret); excp != nil {
				panic(excp)
			}
			c.eip = target
			c.invalidateIPCache()
		case 3: // CALL m16:16/32 (far indirect, memory only)
			if ea.isReg {
				panic(exc(VecUD))
			}
			sel, offset := c.readFarPointer(ea, size)
			if excp := c.FarCall(sel, offset); excp != nil {
				panic(excp)
			}
		case 4: // JMP r/m (near indirect)
			target := c.readEA(ea, size)
			c.eip = target
			c.invalidateIPCache()
		case 5: // JMP m16:16/32 (far indirect, memory only)
			if ea.isReg {
				panic(exc(VecUD))
			}
			sel, offset := c.readFarPointer(ea, size)
			if excp := c.FarJump(sel, offset); excp != nil {
				panic(excp)
			}
		case 6: // PUSH r/m
			v := c.readEA(ea, size)
			if excp := c.pushFrame(v); excp != nil {
				panic(excp)
			}
		default:
			panic(exc(VecUD))
		}
	}
}

// operandFromEA turns a decoded ModR/M result into an operand at size,
// translating through the TLB for memory destinations exactly like
// resolveRM but without re-decoding ModR/M (the group4/5 handlers
// already need the raw effAddrResult to distinguish memory-only forms).
func (c *CPU) operandFromEA(ea effAddrResult, size Size, forWrite bool) operand {
	if ea.isReg {
		return operand{isReg: true, reg: ea.reg, size: size}
	}
	linear := c.linearAddr(ea)
	if forWrite {
		if err := c.WritableOrPageFault(linear, uint32(1<<uint(size))); err != nil {
			panic(err)
		}
	}
	return operand{linear: linear, size: size}
}

func (c *CPU) readEA(ea effAddrResult, size Size) uint32 {
	return c.readOperand(c.operandFromEA(ea, size, false))
}

// readFarPointer reads a {offset, selector} memory pointer for the
// far-indirect CALL/JMP forms: the offset (operand-size wide) is stored
// at the lower address, the 16-bit selector immediately after.
func (c *CPU) readFarPointer(ea effAddrResult, size Size) (uint16, uint32) {
	linear := c.linearAddr(ea)
	offset := c.readMemLinear(size, linear)
	selLinear := linear + uint32(1<<uint(size))
	sel := c.readMemLinear(Size16, selLinear)
	return uint16(sel), offset
}

func installEscapeOpcodes(t16, t32 *[256]opFunc) {
	for _, t := range []*[256]opFunc{t16, t32} {
		jccTests := []func(*CPU) bool{
			testOF, testNOF, testCF, testNCF, testZF, testNZF, testBE, testNBE,
			testSF, testNSF, testPF, testNPF, testL, testGE, testLE, testG,
		}
		for i, test := range jccTests {
			t[0x80+i] = jccNear(test)
		}
		t[0x06] = func(c *CPU) { // CLTS
			c.cregs[0] &^= CR0TS
		}
		t[0x20] = func(c *CPU) { // MOV reg, CRn
			modrm, err := c.fetchByte()
			if err != nil {
				panic(err)
			}
			reg := int((modrm >> 3) & 7)
			rm := int(modrm & 7)
			if reg == 2 {
				c.regs.SetD(rm, c.cr2)
				return
			}
			c.regs.SetD(rm, c.cregs[reg])
		}
		t[0x22] = func(c *CPU) { // MOV CRn, reg
			modrm, err := c.fetchByte()
			if err != nil {
				panic(err)
			}
			reg := int((modrm >> 3) & 7)
			rm := int(modrm & 7)
			if reg == 2 {
				c.cr2 = c.regs.D(rm)
				return
			}
			c.SetCR(reg, c.regs.D(rm))
		}
		t[0x21] = func(c *CPU) { // MOV reg, DRn
			modrm, err := c.fetchByte()
			if err != nil {
				panic(err)
			}
			c.regs.SetD(int(modrm&7), c.dregs[(modrm>>3)&7])
		}
		t[0x23] = func(c *CPU) { // MOV DRn, reg
			modrm, err := c.fetchByte()
			if err != nil {
				panic(err)
			}
			c.dregs[(modrm>>3)&7] = c.regs.D(int(modrm & 7))
		}
		t[0xA2] = func(c *CPU) {} // CPUID stub: out of scope device surface
		t[0xB6] = movzxSignExtend(Size8, false)
		t[0xB7] = movzxSignExtend(Size16, false)
		t[0xBE] = movzxSignExtend(Size8, true)
		t[0xBF] = movzxSignExtend(Size16, true)
		t[0xA3] = btOp(func(set bool) bool { return set }, false) // BT
		t[0xAB] = btOp(func(_ bool) bool { return true }, true)   // BTS
		t[0xB3] = btOp(func(_ bool) bool { return false }, true)  // BTR
		t[0xBB] = btOp(func(set bool) bool { return !set }, true) // BTC
		t[0xBC] = bitScanOp(bitScanForward)
		t[0xBD] = bitScanOp(bitScanReverse)
		t[0x01] = func(c *CPU) { c.descriptorTableOp() } // LGDT/LIDT/SGDT/SIDT group
		t[0xAF] = func(c *CPU) { // IMUL reg, r/m
			size := c.opSizeFor(false)
			rm, reg, err := c.resolveRM(size, false)
			if err != nil {
				panic(err)
			}
			result := c.imul3(size, size.readReg(&c.regs, reg), c.readOperand(rm))
			size.writeReg(&c.regs, reg, result)
		}
		t[0xA0] = func(c *CPU) { // PUSH FS
			if excp := c.pushFrame(uint32(c.seg[SegFS].Selector)); excp != nil {
				panic(excp)
			}
		}
		t[0xA1] = func(c *CPU) { // POP FS
			v, excp := c.popFrame()
			if excp != nil {
				panic(excp)
			}
			if excp := c.SwitchSeg(SegFS, uint16(v)); excp != nil {
				panic(excp)
			}
		}
		t[0xA8] = func(c *CPU) { // PUSH GS
			if excp := c.pushFrame(uint32(c.seg[SegGS].Selector)); excp != nil {
				panic(excp)
			}
		}
		t[0xA9] = func(c *CPU) { // POP GS
			v, excp := c.popFrame()
			if excp != nil {
				panic(excp)
			}
			if excp := c.SwitchSeg(SegGS, uint16(v)); excp != nil {
				panic(excp)
			}
		}

		for i, test := range jccTests {
			test := test
			t[0x90+i] = func(c *CPU) { // SETcc r/m8
				rm, _, err := c.resolveRM(Size8, true)
				if err != nil {
					panic(err)
				}
				var v uint32
				if test(c) {
					v = 1
				}
				c.writeOperand(rm, v)
			}
		}

		t[0xA4] = shldShrd(false, true)  // SHLD r/m, reg, imm8
		t[0xA5] = shldShrd(false, false) // SHLD r/m, reg, CL
		t[0xAC] = shldShrd(true, true)   // SHRD r/m, reg, imm8
		t[0xAD] = shldShrd(true, false)  // SHRD r/m, reg, CL

		t[0xB0] = cmpxchg(true)
		t[0xB1] = cmpxchg(false)
		t[0xC0] = xadd(true)
		t[0xC1] = xadd(false)

		for r := 0; r < 8; r++ {
			reg := r
			t[0xC8+r] = func(c *CPU) { // BSWAP reg
				v := c.regs.D(reg)
				c.regs.SetD(reg,
					v<<24 | (v&0xFF00)<<8 | (v>>8)&0xFF00 | v>>24)
			}
		}

		t[0xBA] = func(c *CPU) { // group 8: BT/BTS/BTR/BTC r/m, imm8
			size := c.opSizeFor(false)
			rm, regField, err := c.resolveRM(size, true)
			if err != nil {
				panic(err)
			}
			b, err := c.fetchImmByte()
			if err != nil {
				panic(err)
			}
			bit := uint32(b)
			switch regField {
			case 4:
				c.bitTest(rm, bit, nil)
			case 5:
				c.bitTest(rm, bit, func(bool) bool { return true })
			case 6:
				c.bitTest(rm, bit, func(bool) bool { return false })
			case 7:
				c.bitTest(rm, bit, func(set bool) bool { return !set })
			default:
				panic(exc(VecUD))
			}
		}

		t[0xB2] = loadFarSegPair(SegSS)
		t[0xB4] = loadFarSegPair(SegFS)
		t[0xB5] = loadFarSegPair(SegGS)

		t[0x02] = larLsl(true)  // LAR reg, r/m16
		t[0x03] = larLsl(false) // LSL reg, r/m16

		t[0x00] = func(c *CPU) { c.systemSegOp() } // SLDT/STR/LLDT/LTR/VERR/VERW

		t[0x08] = func(c *CPU) {} // INVD: no cache model to flush
		t[0x09] = func(c *CPU) {} // WBINVD
		t[0x30] = func(c *CPU) { // WRMSR: no MSR state is modeled
			if c.cpl != 0 && c.mode == modeProtected {
				panic(excCode(VecGP, 0))
			}
		}
		t[0x31] = func(c *CPU) { // RDTSC
			c.regs.SetD(RegEAX, uint32(c.timestampCounter))
			c.regs.SetD(RegEDX, uint32(c.timestampCounter>>32))
		}
		t[0x32] = func(c *CPU) { // RDMSR: every unmodeled MSR reads as zero
			if c.cpl != 0 && c.mode == modeProtected {
				panic(excCode(VecGP, 0))
			}
			c.regs.SetD(RegEAX, 0)
			c.regs.SetD(RegEDX, 0)
		}
	}
}

// shldShrd implements the double-precision shifts: dst shifts by count
// with bits entering from the companion register instead of zeros.
func shldShrd(right, immCount bool) opFunc {
	return func(c *CPU) {
		size := c.opSizeFor(false)
		rm, reg, err := c.resolveRM(size, true)
		if err != nil {
			panic(err)
		}
		var count uint8
		if immCount {
			b, err := c.fetchImmByte()
			if err != nil {
				panic(err)
			}
			count = b
		} else {
			count = c.regs.B(Reg8CL)
		}
		count &= 31
		if count == 0 {
			return
		}
		bits := uint(size.bit()) + 1
		if uint(count) > bits {
			// Result undefined for a count beyond the operand width; the
			// combined value is simply rotated, matching common silicon.
			count = uint8(uint(count) % bits)
			if count == 0 {
				return
			}
		}
		dst := c.readOperand(rm) & size.mask()
		src := size.readReg(&c.regs, reg) & size.mask()
		combined := (uint64(dst) << bits) | uint64(src)
		var result uint32
		var cf bool
		if right {
			combined = (uint64(src) << bits) | uint64(dst)
			result = uint32(combined>>uint(count)) & size.mask()
			cf = (dst>>(uint(count)-1))&1 != 0
		} else {
			result = uint32(combined>>(bits-uint(count))) & size.mask()
			cf = (dst>>(bits-uint(count)))&1 != 0
		}
		c.writeOperand(rm, result)
		c.recordLogical(result, size)
		flags := c.EFLAGS()
		flags = setBit(flags, FlagCF, cf)
		if count == 1 {
			of := ((dst ^ result) >> size.bit()) & 1 != 0
			flags = setBit(flags, FlagOF, of)
		}
		c.SetEFLAGS(flags)
	}
}

// cmpxchg implements CMPXCHG r/m, reg: compares the accumulator with
// dst, storing reg on match (ZF=1) or loading the accumulator on
// mismatch (ZF=0). Flags come from the comparison either way.
func cmpxchg(byteOp bool) opFunc {
	return func(c *CPU) {
		size := c.opSizeFor(byteOp)
		rm, reg, err := c.resolveRM(size, true)
		if err != nil {
			panic(err)
		}
		dst := c.readOperand(rm)
		acc := size.readReg(&c.regs, RegEAX)
		result := (acc - dst) & size.mask()
		c.recordSub(acc, dst, 0, result, size)
		if result == 0 {
			c.writeOperand(rm, size.readReg(&c.regs, reg))
		} else {
			size.writeReg(&c.regs, RegEAX, dst)
		}
	}
}

// xadd implements XADD r/m, reg: exchange then add, so dst receives the
// sum and reg the original destination.
func xadd(byteOp bool) opFunc {
	return func(c *CPU) {
		size := c.opSizeFor(byteOp)
		rm, reg, err := c.resolveRM(size, true)
		if err != nil {
			panic(err)
		}
		old := c.readOperand(rm)
		src := size.readReg(&c.regs, reg)
		result := (old + src) & size.mask()
		c.recordAdd(old, src, 0, result, size)
		c.writeOperand(rm, result)
		size.writeReg(&c.regs, reg, old)
	}
}

// larLsl implements LAR/LSL: load a selector's access rights or
// granularity-adjusted limit into the destination, setting ZF only when
// the selector names a descriptor visible at the current privilege.
func larLsl(accessRights bool) opFunc {
	return func(c *CPU) {
		size := c.opSizeFor(false)
		rm, reg, err := c.resolveRM(Size16, false)
		if err != nil {
			panic(err)
		}
		sel := uint16(c.readOperand(rm))
		d := c.LookupSelector(sel)
		flags := c.EFLAGS()
		visible := d.IsValid && !d.IsNull &&
			(d.Conforming || c.cpl <= d.DPL && d.RPL <= d.DPL)
		if !visible {
			c.SetEFLAGS(flags &^ FlagZF)
			return
		}
		if accessRights {
			size.writeReg(&c.regs, reg, d.Raw1&0x00FFFF00)
		} else {
			size.writeReg(&c.regs, reg, d.Limit&size.mask())
		}
		c.SetEFLAGS(flags | FlagZF)
	}
}

// systemSegOp is the 0F 00 group: store/load LDTR and TR, and the
// VERR/VERW readability/writability probes.
func (c *CPU) systemSegOp() {
	// Decoded without the eager writable pre-fault: only SLDT/STR store,
	// and their writes fault on their own through writeMemLinear.
	rm, regField, err := c.resolveRM(Size16, false)
	if err != nil {
		panic(err)
	}
	switch regField {
	case 0: // SLDT
		c.writeOperand(rm, uint32(c.ldtr.Selector))
	case 1: // STR
		c.writeOperand(rm, uint32(c.tr.Selector))
	case 2: // LLDT
		if c.cpl != 0 {
			panic(excCode(VecGP, 0))
		}
		sel := uint16(c.readOperand(rm))
		if sel&^3 == 0 {
			c.ldtr = Segment{IsNull: true}
			return
		}
		d := c.LookupSelector(sel)
		if !d.IsValid || !d.IsSystem || d.Type != descTypeLDT {
			panic(excCode(VecGP, uint32(sel)&^3))
		}
		if !d.IsPresent {
			panic(excCode(VecNP, uint32(sel)&^3))
		}
		c.ldtr = Segment{Selector: sel, Base: d.Base, Limit: d.Limit}
	case 3: // LTR
		if c.cpl != 0 {
			panic(excCode(VecGP, 0))
		}
		sel := uint16(c.readOperand(rm))
		d := c.LookupSelector(sel)
		if !d.IsValid || !d.IsSystem {
			panic(excCode(VecGP, uint32(sel)&^3))
		}
		if !d.IsPresent {
			panic(excCode(VecNP, uint32(sel)&^3))
		}
		c.tr = Segment{Selector: sel, Base: d.Base, Limit: d.Limit}
	case 4, 5: // VERR / VERW
		sel := uint16(c.readOperand(rm))
		d := c.LookupSelector(sel)
		flags := c.EFLAGS()
		ok := d.IsValid && !d.IsNull && !d.IsSystem &&
			(d.Conforming || c.cpl <= d.DPL && d.RPL <= d.DPL)
		if ok {
			if regField == 4 {
				ok = !d.IsExecutable || d.ReadWrite
			} else {
				ok = !d.IsExecutable && d.ReadWrite
			}
		}
		c.SetEFLAGS(setBit(flags, FlagZF, ok))
	default:
		panic(exc(VecUD))
	}
}

func (c *CPU) descriptorTableOp() {
	ea, reg, err := c.decodeModRM()
	if err != nil {
		panic(err)
	}

	// SMSW/LMSW accept a register operand; the table forms are
	// memory-only.
	switch reg {
	case 4: // SMSW
		dst := c.operandFromEA(ea, Size16, true)
		c.writeOperand(dst, c.cregs[0]&0xFFFF)
		return
	case 6: // LMSW: loads CR0's low machine-status bits, and can set but
		// never clear PE.
		src := c.operandFromEA(ea, Size16, false)
		v := c.readOperand(src) & 0xF
		c.SetCR(0, c.cregs[0]&^uint32(0xE)|v|(c.cregs[0]&CR0PE))
		return
	}

	if ea.isReg {
		panic(exc(VecUD))
	}
	linear := c.linearAddr(ea)
	switch reg {
	case 2: // LGDT
		limit := c.readMemLinear(Size16, linear)
		base := c.readMemLinear(Size32, linear+2)
		c.gdtBase, c.gdtLimit = base, limit
	case 3: // LIDT
		limit := c.readMemLinear(Size16, linear)
		base := c.readMemLinear(Size32, linear+2)
		c.idtBase, c.idtLimit = base, limit
	case 0: // SGDT
		c.writeMemLinear(Size16, linear, c.gdtLimit)
		c.writeMemLinear(Size32, linear+2, c.gdtBase)
	case 1: // SIDT
		c.writeMemLinear(Size16, linear, c.idtLimit)
		c.writeMemLinear(Size32, linear+2, c.idtBase)
	case 7: // INVLPG
		c.Invlpg(ea.linear + c.seg[ea.seg].Base)
	default:
		panic(exc(VecUD))
	}
}

func movzxSignExtend(srcSize Size, signExtend bool) opFunc {
	return func(c *CPU) {
		dstSize := c.opSizeFor(false)
		rm, reg, err := c.resolveRM(srcSize, false)
		if err != nil {
			panic(err)
		}
		v := c.readOperand(rm)
		if signExtend {
			switch srcSize {
			case Size8:
				v = uint32(int32(int8(v)))
			case Size16:
				v = uint32(int32(int16(v)))
			}
		}
		dstSize.writeReg(&c.regs, reg, v&dstSize.mask())
	}
}

// btOp handles the register-sourced bit-offset forms. For a register
// destination the offset wraps modulo the operand width; for a memory
// destination the offset is a signed displacement in bits from the
// decoded address, so the accessed byte is base + (offset >> 3) and
// must be translated (with write permission for the mutating variants)
// at that displaced location, not at the ModR/M base.
func btOp(mutate func(bool) bool, hasMutate bool) opFunc {
	return func(c *CPU) {
		size := c.opSizeFor(false)
		ea, reg, err := c.decodeModRM()
		if err != nil {
			panic(err)
		}
		bit := size.readReg(&c.regs, int(reg))
		if !hasMutate {
			mutate = nil
		}

		if ea.isReg {
			dst := operand{isReg: true, reg: ea.reg, size: size}
			c.bitTest(dst, bit, mutate)
			return
		}

		byteDisp := int32(signExtend(bit, size) >> 3)
		linear := c.linearAddr(ea) + uint32(byteDisp)
		if hasMutate {
			if excp := c.WritableOrPageFault(linear, 1); excp != nil {
				panic(excp)
			}
		}
		dst := operand{linear: linear, size: Size8}
		c.bitTest(dst, bit&7, mutate)
	}
}

func bitScanOp(scan func(uint32, Size) (uint32, bool)) opFunc {
	return func(c *CPU) {
		size := c.opSizeFor(false)
		rm, reg, err := c.resolveRM(size, false)
		if err != nil {
			panic(err)
		}
		v := c.readOperand(rm)
		idx, found := scan(v, size)
		flags := c.EFLAGS()
		flags = setBit(flags, FlagZF, !found)
		c.SetEFLAGS(flags)
		if found {
			size.writeReg(&c.regs, reg, idx)
		}
	}
}
