/*
   Integer arithmetic, logical, shift/rotate, and bit-test operations.

   Each handler reads its operands from the decoded step record,
   computes a result, and records flags through one shared accumulator
   rather than open-coding flag logic per instruction: that accumulator
   is flagShadow.recordAdd/recordSub/recordLogical from flags.go.

   Copyright (c) 2026, x86core contributors
   SPDX-License-Identifier: MIT
*/

package cpu

// opSizeFor returns the Size matching the current instruction's decoded
// operand width, consulting a byte-operation override.
func (c *CPU) opSizeFor(isByte bool) Size {
	if isByte {
		return Size8
	}
	if c.cur.operandSize32 {
		return Size32
	}
	return Size16
}

func (s Size) readReg(r *regFile, reg int) uint32 {
	switch s {
	case Size8:
		return uint32(r.B(reg))
	case Size16:
		return uint32(r.W(reg))
	default:
		return r.D(reg)
	}
}

func (s Size) writeReg(r *regFile, reg int, v uint32) {
	switch s {
	case Size8:
		r.SetB(reg, uint8(v))
	case Size16:
		r.SetW(reg, uint16(v))
	default:
		r.SetD(reg, v)
	}
}

func (c *CPU) readMem(size Size, phys uint32) uint32 {
	switch size {
	case Size8:
		return uint32(c.mem.ReadByte(phys))
	case Size16:
		return uint32(c.mem.ReadWord(phys))
	default:
		return c.mem.ReadDword(phys)
	}
}

func (c *CPU) writeMem(size Size, phys uint32, v uint32) {
	switch size {
	case Size8:
		c.mem.WriteByte(phys, uint8(v))
	case Size16:
		c.mem.WriteWord(phys, uint16(v))
	default:
		c.mem.WriteDword(phys, v)
	}
}

// readMemLinear/writeMemLinear translate addr at access time rather than
// once up front, so a 16/32-bit access whose linear address straddles a
// page boundary stitches bytes across the two independently-translated
// physical pages (virtBoundaryRead/Write in paging.go) instead of
// assuming phys, phys+1, ... are contiguous.
func (c *CPU) readMemLinear(size Size, linear uint32) uint32 {
	switch size {
	case Size16:
		if linear&0xFFF == 0xFFF {
			v, err := c.virtBoundaryRead16(linear)
			if err != nil {
				panic(err)
			}
			return uint32(v)
		}
	case Size32:
		if linear&0xFFF > 0xFFC {
			v, err := c.virtBoundaryRead32(linear)
			if err != nil {
				panic(err)
			}
			return v
		}
	}
	phys, err := c.TranslateRead(linear)
	if err != nil {
		panic(err)
	}
	return c.readMem(size, phys)
}

func (c *CPU) writeMemLinear(size Size, linear uint32, v uint32) {
	switch size {
	case Size16:
		if linear&0xFFF == 0xFFF {
			if err := c.virtBoundaryWrite16(linear, uint16(v)); err != nil {
				panic(err)
			}
			return
		}
	case Size32:
		if linear&0xFFF > 0xFFC {
			if err := c.virtBoundaryWrite32(linear, v); err != nil {
				panic(err)
			}
			return
		}
	}
	phys, err := c.TranslateWrite(linear)
	if err != nil {
		panic(err)
	}
	c.writeMem(size, phys, v)
}

// operand is a resolved source/destination: either a GPR index or a
// linear (pre-paging) address, at a fixed Size. Memory operands are
// translated at access time, not at resolution time, so reads/writes
// that straddle a page boundary stitch correctly.
type operand struct {
	isReg  bool
	reg    int
	linear uint32
	size   Size
}

func (c *CPU) readOperand(o operand) uint32 {
	if o.isReg {
		return o.size.readReg(&c.regs, o.reg)
	}
	return c.readMemLinear(o.size, o.linear)
}

func (c *CPU) writeOperand(o operand, v uint32) {
	if o.isReg {
		o.size.writeReg(&c.regs, o.reg, v)
		return
	}
	c.writeMemLinear(o.size, o.linear, v)
}

// resolveRM decodes a ModR/M byte into a register-field index plus an
// operand describing the r/m side, raising a page fault eagerly for
// writable memory destinations per WritableOrPageFault.
func (c *CPU) resolveRM(size Size, forWrite bool) (rmOp operand, regField int, excp *CPUException) {
	ea, reg, err := c.decodeModRM()
	if err != nil {
		return operand{}, 0, err
	}
	if ea.isReg {
		return operand{isReg: true, reg: ea.reg, size: size}, int(reg), nil
	}
	linear := c.linearAddr(ea)
	if forWrite {
		if excp := c.WritableOrPageFault(linear, uint32(1<<uint(size))); excp != nil {
			return operand{}, 0, excp
		}
	}
	return operand{linear: linear, size: size}, int(reg), nil
}

func signMask(size Size) uint32 { return 1 << size.bit() }

// add implements ADD semantics shared by opAdd*/opAdc* handlers.
func (c *CPU) add(dst operand, src uint32, withCarry bool) uint32 {
	a := c.readOperand(dst)
	b := src
	carry := uint32(0)
	if withCarry && c.getCF() {
		carry = 1
	}
	result := (a + b + carry) & dst.size.mask()
	c.recordAdd(a, b, carry, result, dst.size)
	c.writeOperand(dst, result)
	return result
}

func (c *CPU) sub(dst operand, src uint32, withBorrow, isCompare bool) uint32 {
	a := c.readOperand(dst)
	b := src
	borrow := uint32(0)
	if withBorrow && c.getCF() {
		borrow = 1
	}
	result := (a - b - borrow) & dst.size.mask()
	c.recordSub(a, b, borrow, result, dst.size)
	if !isCompare {
		c.writeOperand(dst, result)
	}
	return result
}

func (c *CPU) logical(dst operand, src uint32, op func(a, b uint32) uint32, store bool) uint32 {
	a := c.readOperand(dst)
	result := op(a, src) & dst.size.mask()
	c.recordLogical(result, dst.size)
	if store {
		c.writeOperand(dst, result)
	}
	return result
}

func opAnd(a, b uint32) uint32 { return a & b }
func opOr(a, b uint32) uint32  { return a | b }
func opXor(a, b uint32) uint32 { return a ^ b }

// mul and imul implement the MUL/IMUL family at 8, 16 and 32 bits,
// including the CF/OF "result didn't fit in the low half" semantics.
func (c *CPU) mul(size Size, src uint32) {
	switch size {
	case Size8:
		al := uint16(c.regs.B(Reg8AL))
		res := al * uint16(src)
		c.regs.SetW(RegEAX, res)
		of := (res >> 8) != 0
		c.setMulFlags(of)
	case Size16:
		ax := uint32(c.regs.W(RegEAX))
		res := ax * src
		c.regs.SetW(RegEAX, uint16(res))
		c.regs.SetW(RegEDX, uint16(res>>16))
		c.setMulFlags(uint16(res>>16) != 0)
	default:
		res := uint64(c.regs.D(RegEAX)) * uint64(src)
		c.regs.SetD(RegEAX, uint32(res))
		c.regs.SetD(RegEDX, uint32(res>>32))
		c.setMulFlags(uint32(res>>32) != 0)
	}
}

func (c *CPU) imul(size Size, src uint32) {
	switch size {
	case Size8:
		al := int16(int8(c.regs.B(Reg8AL)))
		res := al * int16(int8(src))
		c.regs.SetW(RegEAX, uint16(res))
		top := res >> 8
		c.setMulFlags(top != 0 && top != -1)
	case Size16:
		ax := int32(int16(c.regs.W(RegEAX)))
		res := ax * int32(int16(src))
		c.regs.SetW(RegEAX, uint16(res))
		c.regs.SetW(RegEDX, uint16(res>>16))
		top := res >> 16
		c.setMulFlags(top != 0 && top != -1)
	default:
		res := int64(int32(c.regs.D(RegEAX))) * int64(int32(src))
		c.regs.SetD(RegEAX, uint32(res))
		c.regs.SetD(RegEDX, uint32(res>>32))
		top := res >> 32
		c.setMulFlags(top != 0 && top != -1)
	}
}

// imul3 implements the two/three-operand IMUL forms (0x69/0x6B/0x0FAF):
// signed a*b truncated to size, with CF/OF set when the full-width
// product doesn't sign-extend from the truncated result.
func (c *CPU) imul3(size Size, a, b uint32) uint32 {
	switch size {
	case Size8:
		res := int16(int8(a)) * int16(int8(b))
		top := res >> 8
		c.setMulFlags(top != 0 && top != -1)
		return uint32(uint16(res)) & size.mask()
	case Size16:
		res := int32(int16(a)) * int32(int16(b))
		top := res >> 16
		c.setMulFlags(top != 0 && top != -1)
		return uint32(uint16(res))
	default:
		res := int64(int32(a)) * int64(int32(b))
		top := res >> 32
		c.setMulFlags(top != 0 && top != -1)
		return uint32(res)
	}
}

func (c *CPU) setMulFlags(overflow bool) {
	v := c.EFLAGS()
	v = setBit(v, FlagCF, overflow)
	v = setBit(v, FlagOF, overflow)
	c.SetEFLAGS(v)
}

// div implements unsigned DIV; it raises #DE (VecDE) on divide-by-zero
// or quotient overflow. The signed "0x80000000/-1" boundary case is
// handled by idiv below.
func (c *CPU) div(size Size, src uint32) *CPUException {
	switch size {
	case Size8:
		if src == 0 {
			return exc(VecDE)
		}
		ax := uint16(c.regs.W(RegEAX))
		q, r := ax/uint16(src), ax%uint16(src)
		if q > 0xFF {
			return exc(VecDE)
		}
		c.regs.SetB(Reg8AL, uint8(q))
		c.regs.SetB(Reg8AH, uint8(r))
	case Size16:
		if src == 0 {
			return exc(VecDE)
		}
		dividend := uint32(c.regs.W(RegEDX))<<16 | uint32(c.regs.W(RegEAX))
		q, r := dividend/src, dividend%src
		if q > 0xFFFF {
			return exc(VecDE)
		}
		c.regs.SetW(RegEAX, uint16(q))
		c.regs.SetW(RegEDX, uint16(r))
	default:
		if src == 0 {
			return exc(VecDE)
		}
		dividend := uint64(c.regs.D(RegEDX))<<32 | uint64(c.regs.D(RegEAX))
		q, r := dividend/uint64(src), dividend%uint64(src)
		if q > 0xFFFFFFFF {
			return exc(VecDE)
		}
		c.regs.SetD(RegEAX, uint32(q))
		c.regs.SetD(RegEDX, uint32(r))
	}
	return nil
}

func (c *CPU) idiv(size Size, src uint32) *CPUException {
	switch size {
	case Size8:
		s := int16(int8(src))
		if s == 0 {
			return exc(VecDE)
		}
		ax := int16(c.regs.W(RegEAX))
		q, r := ax/s, ax%s
		if q > 127 || q < -128 {
			return exc(VecDE)
		}
		c.regs.SetB(Reg8AL, uint8(int8(q)))
		c.regs.SetB(Reg8AH, uint8(int8(r)))
	case Size16:
		s := int32(int16(src))
		if s == 0 {
			return exc(VecDE)
		}
		dividend := int32(int16(c.regs.W(RegEDX)))<<16 | int32(c.regs.W(RegEAX))
		q, r := dividend/s, dividend%s
		if q > 32767 || q < -32768 {
			return exc(VecDE)
		}
		c.regs.SetW(RegEAX, uint16(int16(q)))
		c.regs.SetW(RegEDX, uint16(int16(r)))
	default:
		s := int64(int32(src))
		if s == 0 {
			return exc(VecDE)
		}
		dividend := int64(int32(c.regs.D(RegEDX)))<<32 | int64(c.regs.D(RegEAX))
		if dividend == -0x8000000000000000 && s == -1 {
			return exc(VecDE)
		}
		q, r := dividend/s, dividend%s
		if q > 0x7FFFFFFF || q < -0x80000000 {
			return exc(VecDE)
		}
		c.regs.SetD(RegEAX, uint32(int32(q)))
		c.regs.SetD(RegEDX, uint32(int32(r)))
	}
	return nil
}

// shift implements SHL/SHR/SAR; CF takes the last bit shifted out, OF
// is only defined for a one-bit shift per the architecture.
func (c *CPU) shift(dst operand, count uint8, kind uint8) {
	count &= 31
	if count == 0 {
		return
	}
	v := c.readOperand(dst)
	bit := dst.size.bit()
	cnt := uint(count)
	var result uint32
	var cf bool

	// signed is v sign-extended to a full int32: the left shift moves the
	// operand's sign bit up into bit 31 first, and ONLY THEN do we
	// reinterpret as int32, so the subsequent arithmetic right shift
	// actually fills with the sign bit instead of zeros.
	signed := int32(v<<(31-bit)) >> (31 - bit)

	switch kind {
	case 0: // SHL/SAL
		cf = cnt <= bit+1 && (v>>(bit+1-cnt))&1 != 0
		result = (v << cnt) & dst.size.mask()
	case 1: // SHR
		cf = (v >> (cnt - 1)) & 1 != 0
		result = (v & dst.size.mask()) >> cnt
	case 2: // SAR
		cf = (signed>>(cnt-1))&1 != 0
		result = uint32(signed>>cnt) & dst.size.mask()
	}

	c.writeOperand(dst, result)
	c.recordLogical(result, dst.size)
	flags := c.EFLAGS()
	flags = setBit(flags, FlagCF, cf)
	if cnt == 1 {
		var of bool
		switch kind {
		case 0:
			of = cf != ((result>>bit)&1 != 0)
		case 1:
			of = (v>>bit)&1 != 0
		case 2:
			of = false
		}
		flags = setBit(flags, FlagOF, of)
	}
	c.SetEFLAGS(flags)
}

func (c *CPU) rotate(dst operand, count uint8, kind uint8) {
	bit := dst.size.bit()
	bits := bit + 1
	count %= uint8(bits)
	if count == 0 {
		return
	}
	v := c.readOperand(dst) & dst.size.mask()
	var result uint32
	switch kind {
	case 0: // ROL
		result = ((v << count) | (v >> (uint(bits) - uint(count)))) & dst.size.mask()
	case 1: // ROR
		result = ((v >> count) | (v << (uint(bits) - uint(count)))) & dst.size.mask()
	}
	c.writeOperand(dst, result)
	flags := c.EFLAGS()
	// ROL wraps the old MSB into the new LSB, so CF takes the result's
	// LSB; ROR wraps the old LSB into the new MSB, so CF takes the
	// result's MSB.
	cf := (result>>bit)&1 != 0
	if kind == 0 {
		cf = result&1 != 0
	}
	flags = setBit(flags, FlagCF, cf)
	if count == 1 {
		msb := (result>>bit)&1 != 0
		var of bool
		if kind == 0 { // ROL: OF = CF xor new MSB
			of = msb != cf
		} else { // ROR: OF = xor of the two most-significant result bits
			msb2 := (result>>(bit-1))&1 != 0
			of = msb != msb2
		}
		flags = setBit(flags, FlagOF, of)
	}
	c.SetEFLAGS(flags)
}

// rotateCarry implements RCL/RCR: the destination and CF rotate together
// as one (size+1)-bit ring, so unlike ROL/ROR a multi-bit count cannot be
// reduced to a single shift-and-OR of the value alone; it is folded into
// one rotate of the combined (value, CF) word instead of looping bit by
// bit.
func (c *CPU) rotateCarry(dst operand, count uint8, kind uint8) {
	bits := dst.size.bit() + 1
	width := bits + 1
	count %= uint8(width)
	if count == 0 {
		return
	}
	v := c.readOperand(dst) & dst.size.mask()
	cf := uint32(0)
	if c.getCF() {
		cf = 1
	}
	combined := v | (cf << bits)
	widthMask := (uint32(1) << width) - 1
	cnt := uint(count)
	var rotated uint32
	switch kind {
	case 0: // RCL
		rotated = ((combined << cnt) | (combined >> (uint(width) - cnt))) & widthMask
	case 1: // RCR
		rotated = ((combined >> cnt) | (combined << (uint(width) - cnt))) & widthMask
	}
	result := rotated & dst.size.mask()
	newCF := (rotated>>bits)&1 != 0

	c.writeOperand(dst, result)
	flags := c.EFLAGS()
	flags = setBit(flags, FlagCF, newCF)
	if count == 1 {
		bit := dst.size.bit()
		msb := (result>>bit)&1 != 0
		var of bool
		if kind == 0 { // RCL: OF = CF(after) xor new MSB
			of = msb != newCF
		} else { // RCR: OF = xor of the two most-significant result bits
			msb2 := (result>>(bit-1))&1 != 0
			of = msb != msb2
		}
		flags = setBit(flags, FlagOF, of)
	}
	c.SetEFLAGS(flags)
}

// bitTest implements BT/BTS/BTR/BTC: CF receives the tested bit, and
// mutate (if non-nil) computes the stored replacement.
func (c *CPU) bitTest(dst operand, bitIndex uint32, mutate func(bool) bool) {
	v := c.readOperand(dst)
	bit := bitIndex % uint32(dst.size.bit()+1)
	set := (v>>bit)&1 != 0
	flags := c.EFLAGS()
	flags = setBit(flags, FlagCF, set)
	c.SetEFLAGS(flags)
	if mutate != nil {
		newBit := mutate(set)
		if newBit {
			v |= 1 << bit
		} else {
			v &^= 1 << bit
		}
		c.writeOperand(dst, v)
	}
}

// bitScanForward/Reverse implement BSF/BSR: ZF set and destination
// left undefined (we leave it unmodified) when the source is zero.
func bitScanForward(v uint32, size Size) (uint32, bool) {
	mask := size.mask()
	v &= mask
	if v == 0 {
		return 0, false
	}
	for i := uint(0); i <= size.bit(); i++ {
		if v&(1<<i) != 0 {
			return uint32(i), true
		}
	}
	return 0, false
}

func bitScanReverse(v uint32, size Size) (uint32, bool) {
	mask := size.mask()
	v &= mask
	if v == 0 {
		return 0, false
	}
	for i := int(size.bit()); i >= 0; i-- {
		if v&(1<<uint(i)) != 0 {
			return uint32(i), true
		}
	}
	return 0, false
}
