package cpu

import (
	"testing"

	"github.com/rcornwell/x86core/internal/ioport"
	"github.com/rcornwell/x86core/internal/memory"
)

func newTestCPU(t *testing.T) (*CPU, *memory.Memory) {
	t.Helper()
	mem := memory.New(1<<20, nil)
	ports := ioport.New(nil)
	c := New(mem, ports)
	return c, mem
}

// TestRealModeAddWithFlags exercises ADD AL,imm8 and checks ZF/CF/SF
// against the lazy flag shadow for a byte add that wraps to zero.
func TestRealModeAddWithFlags(t *testing.T) {
	c, mem := newTestCPU(t)

	// ADD AL, 0x01 at the CPU's reset vector; AL starts at 0xFF so the
	// result wraps to 0x00 with CF and ZF set.
	base := c.seg[SegCS].Base + c.eip
	mem.WriteByte(base+0, 0x04) // ADD AL, imm8
	mem.WriteByte(base+1, 0x01)
	c.regs.SetB(Reg8AL, 0xFF)

	if excp := c.Cycle(); excp != nil {
		t.Fatalf("unexpected exception: %v", excp)
	}

	if got := c.regs.B(Reg8AL); got != 0x00 {
		t.Fatalf("AL = %#x, want 0x00", got)
	}
	if !c.getZF() {
		t.Error("expected ZF set")
	}
	if !c.getCF() {
		t.Error("expected CF set")
	}
	if c.getSF() {
		t.Error("expected SF clear")
	}
}

// TestRealModeFarCall exercises a far CALL-equivalent transition: here
// we drive SwitchCSRealMode directly, the same primitive the far-call
// opcode handler would call after popping its immediate operands, and
// confirm the segment cache and EIP update together.
func TestRealModeFarCall(t *testing.T) {
	c, _ := newTestCPU(t)
	c.SwitchCSRealMode(0x1000, 0x0020)

	if c.seg[SegCS].Base != 0x10000 {
		t.Fatalf("CS base = %#x, want 0x10000", c.seg[SegCS].Base)
	}
	if c.eip != 0x0020 {
		t.Fatalf("EIP = %#x, want 0x20", c.eip)
	}
}

// TestPageFaultNotPresent exercises the "PTE present=0 raises #PF with
// CR2 set" end-to-end scenario.
func TestPageFaultNotPresent(t *testing.T) {
	c, mem := newTestCPU(t)

	const pdBase = 0x2000
	mem.WriteDword(pdBase, 0x00000000) // PDE not present

	c.cregs[3] = pdBase
	c.cregs[0] |= CR0PG | CR0PE

	_, excp := c.TranslateRead(0x00000000)
	if excp == nil {
		t.Fatal("expected page fault")
	}
	if excp.Vector != VecPF {
		t.Fatalf("vector = %d, want VecPF", excp.Vector)
	}
	if c.cr2 != 0x00000000 {
		t.Fatalf("CR2 = %#x, want 0", c.cr2)
	}
	if excp.ErrorCode&1 != 0 {
		t.Error("present bit should be clear in the error code")
	}
}

// TestPageFaultWriteToReadOnly exercises the supervisor-write-with-
// CR0.WP path through a present, read-only PDE/PTE pair.
func TestPageFaultWriteToReadOnly(t *testing.T) {
	c, mem := newTestCPU(t)

	const pdBase = 0x2000
	const ptBase = 0x3000
	mem.WriteDword(pdBase, ptBase|1|4) // present, user, not writable
	mem.WriteDword(ptBase, 0x00500000|1|4)

	c.cregs[3] = pdBase
	c.cregs[0] |= CR0PG | CR0PE | CR0WP

	_, excp := c.TranslateWrite(0x00000000)
	if excp == nil {
		t.Fatal("expected page fault on write to read-only page")
	}
	if excp.ErrorCode&2 == 0 {
		t.Error("write bit should be set in the error code")
	}
	if excp.ErrorCode&1 == 0 {
		t.Error("present bit should be set (page exists, just not writable)")
	}
}

// TestPageFaultReadOnlyPTEUnderWritablePDE exercises the combined
// permission case: a writable PDE over a read-only PTE must still fault
// on write, and the TLB entry a prior read populates must not carry a
// permission wider than the PTE actually grants.
func TestPageFaultReadOnlyPTEUnderWritablePDE(t *testing.T) {
	c, mem := newTestCPU(t)

	const pdBase = 0x2000
	const ptBase = 0x3000
	mem.WriteDword(pdBase, ptBase|1|2) // present, writable, supervisor
	mem.WriteDword(ptBase, 0x00500000|1)  // present, read-only, supervisor

	c.cregs[3] = pdBase
	c.cregs[0] |= CR0PG | CR0PE | CR0WP

	if _, excp := c.TranslateRead(0x00000000); excp != nil {
		t.Fatalf("unexpected fault on read: %v", excp)
	}

	_, excp := c.TranslateWrite(0x00000000)
	if excp == nil {
		t.Fatal("expected page fault: PTE is read-only even though the PDE is writable")
	}
	if excp.ErrorCode&2 == 0 {
		t.Error("write bit should be set in the error code")
	}
}

// TestFourMiBPage exercises the CR4.PSE large-page path.
func TestFourMiBPage(t *testing.T) {
	c, mem := newTestCPU(t)

	const pdBase = 0x2000
	mem.WriteDword(pdBase, 0x00400000|0x80|1|2) // present, writable, PS bit

	c.cregs[3] = pdBase
	c.cregs[4] |= CR4PSE
	c.cregs[0] |= CR0PG | CR0PE

	phys, excp := c.TranslateWrite(0x00000123)
	if excp != nil {
		t.Fatalf("unexpected fault: %v", excp)
	}
	if phys != 0x00400123 {
		t.Fatalf("phys = %#x, want 0x00400123", phys)
	}
}

// TestRepMovsbCopiesAndAdvances exercises the "REP MOVSB with DF=0
// crossing addresses" scenario.
func TestRepMovsbCopiesAndAdvances(t *testing.T) {
	c, mem := newTestCPU(t)

	src := uint32(0x1000)
	dst := uint32(0x2000)
	for i := 0; i < 8; i++ {
		mem.WriteByte(src+uint32(i), byte(0xA0+i))
	}

	c.regs.SetD(RegESI, src)
	c.regs.SetD(RegEDI, dst)
	c.regs.SetD(RegECX, 8)
	c.cur.addressSize32 = true
	c.cur.repPrefix = repZ

	if excp := c.opMovs(Size8); excp != nil {
		t.Fatalf("unexpected fault: %v", excp)
	}

	for i := 0; i < 8; i++ {
		if got := mem.ReadByte(dst + uint32(i)); got != byte(0xA0+i) {
			t.Errorf("dst[%d] = %#x, want %#x", i, got, 0xA0+i)
		}
	}
	if c.regs.D(RegESI) != src+8 {
		t.Errorf("ESI = %#x, want %#x", c.regs.D(RegESI), src+8)
	}
	if c.regs.D(RegECX) != 0 {
		t.Errorf("ECX = %d, want 0", c.regs.D(RegECX))
	}
}

// TestDivideByZeroRaisesDE exercises the #DE edge case.
func TestDivideByZeroRaisesDE(t *testing.T) {
	c, _ := newTestCPU(t)
	excp := c.div(Size32, 0)
	if excp == nil || excp.Vector != VecDE {
		t.Fatalf("expected #DE, got %v", excp)
	}
}

// TestDivideOverflowRaisesDE exercises 32-bit IDIV quotient overflow
// with the most negative 64-bit dividend divided by -1: the quotient
// overflows a signed 32-bit result and must fault rather than silently
// wrap.
func TestDivideOverflowRaisesDE(t *testing.T) {
	c, _ := newTestCPU(t)
	// EDX:EAX = 0x8000000000000000 (int64 min); dividing by -1 would
	// overflow a signed 64-bit division outright, let alone not fit in
	// a 32-bit quotient.
	c.regs.SetD(RegEAX, 0x00000000)
	c.regs.SetD(RegEDX, 0x80000000)

	excp := c.idiv(Size32, 0xFFFFFFFF) // divide by -1
	if excp == nil || excp.Vector != VecDE {
		t.Fatalf("expected #DE on quotient overflow, got %v", excp)
	}
}

// TestIretToVM86 exercises the "IRET from ring 0 to VM86" scenario.
func TestIretToVM86(t *testing.T) {
	c, _ := newTestCPU(t)
	c.mode = modeProtected
	c.cpl = 0
	c.stackSize32 = true
	c.seg[SegCS] = Segment{Selector: 0x08, Base: 0, Limit: 0xFFFFFFFF, Is32: true}
	c.seg[SegSS] = Segment{Selector: 0x10, Base: 0, Limit: 0xFFFFFFFF, Is32: true}
	c.regs.SetD(RegESP, 0x1000)

	// Build the VM86 IRET frame by hand: EIP, CS, EFLAGS(VM set),
	// ESP, SS, ES, DS, FS, GS.
	esp := uint32(0x1000)
	push := func(v uint32) {
		esp -= 4
		phys, _ := c.TranslateWrite(esp)
		c.mem.WriteDword(phys, v)
	}
	push(0x1234) // GS
	push(0x1234) // FS
	push(0x1234) // DS
	push(0x1234) // ES
	push(0x2000) // SS
	push(0x3000) // ESP
	push(uint32(0x20000) | FlagVM | 0x2)
	push(0x0F00) // CS
	push(0x0040) // EIP
	c.regs.SetD(RegESP, esp)

	if excp := c.Iret(); excp != nil {
		t.Fatalf("unexpected exception: %v", excp)
	}

	if c.mode != modeVM86 {
		t.Fatalf("mode = %v, want modeVM86", c.mode)
	}
	if c.cpl != 3 {
		t.Errorf("cpl = %d, want 3", c.cpl)
	}
	if c.eip != 0x0040 {
		t.Errorf("eip = %#x, want 0x40", c.eip)
	}
	if c.EFLAGS()&FlagVM == 0 {
		t.Error("expected VM flag set after IRET to VM86")
	}
}

// TestMovMoffs exercises the A0-A3 accumulator/moffs MOV forms, which
// address memory with a bare displacement instead of a ModR/M byte.
func TestMovMoffs(t *testing.T) {
	c, mem := newTestCPU(t)

	base := c.seg[SegCS].Base + c.eip
	mem.WriteByte(base+0, 0xA2) // MOV moffs8, AL
	mem.WriteWord(base+1, 0x0300)
	c.regs.SetB(Reg8AL, 0x5A)

	if excp := c.Cycle(); excp != nil {
		t.Fatalf("unexpected exception: %v", excp)
	}
	if got := mem.ReadByte(c.seg[SegDS].Base + 0x0300); got != 0x5A {
		t.Fatalf("mem[0x300] = %#x, want 0x5A", got)
	}

	base = c.seg[SegCS].Base + c.eip
	mem.WriteByte(base+0, 0xA0) // MOV AL, moffs8
	mem.WriteWord(base+1, 0x0300)
	c.regs.SetB(Reg8AL, 0)

	if excp := c.Cycle(); excp != nil {
		t.Fatalf("unexpected exception: %v", excp)
	}
	if got := c.regs.B(Reg8AL); got != 0x5A {
		t.Fatalf("AL = %#x, want 0x5A", got)
	}
}

// TestCmpBorrowFlags exercises CMP AL,imm8 where AL < imm8, which
// requires an unsigned borrow: CF and AF must both come out set even
// though the lazy shadow's subtraction path records operands rather
// than eagerly computing either flag.
func TestCmpBorrowFlags(t *testing.T) {
	c, mem := newTestCPU(t)

	base := c.seg[SegCS].Base + c.eip
	mem.WriteByte(base+0, 0x3C) // CMP AL, imm8
	mem.WriteByte(base+1, 0x07)
	c.regs.SetB(Reg8AL, 0x05)

	if excp := c.Cycle(); excp != nil {
		t.Fatalf("unexpected exception: %v", excp)
	}

	if got := c.regs.B(Reg8AL); got != 0x05 {
		t.Fatalf("AL = %#x, want 0x05 (CMP must not write back)", got)
	}
	if !c.getCF() {
		t.Error("expected CF set: 0x05 < 0x07 requires a borrow")
	}
	if !c.getAF() {
		t.Error("expected AF set: low nibble 0x5 < 0x7 requires a nibble borrow")
	}
	if c.getZF() {
		t.Error("expected ZF clear")
	}
	if c.getOF() {
		t.Error("expected OF clear: 5-7=-2 fits the signed 8-bit range")
	}
}

// TestSbbBorrowChain exercises SBB across an operand-width carry-in
// overflow (subtrahend at the size's max value plus an incoming borrow),
// the edge case that breaks a naive bit-trick CF/AF derivation.
func TestSbbBorrowChain(t *testing.T) {
	c, mem := newTestCPU(t)

	base := c.seg[SegCS].Base + c.eip
	mem.WriteByte(base+0, 0x04) // ADD AL, imm8 (0xFF + 1 -> CF=1, AL=0)
	mem.WriteByte(base+1, 0xFF)
	mem.WriteByte(base+2, 0x1C) // SBB AL, imm8
	mem.WriteByte(base+3, 0xFF)
	c.regs.SetB(Reg8AL, 1)

	if excp := c.Cycle(); excp != nil {
		t.Fatalf("unexpected exception: %v", excp)
	}
	if !c.getCF() {
		t.Fatalf("expected CF set after ADD AL,0xFF overflow")
	}

	if excp := c.Cycle(); excp != nil {
		t.Fatalf("unexpected exception: %v", excp)
	}

	// AL=0, SBB AL, 0xFF with CF=1: 0 - 0xFF - 1 = -256 = 0x00 (mod 256),
	// and a borrow is required since 0 < 0xFF+1.
	if got := c.regs.B(Reg8AL); got != 0x00 {
		t.Fatalf("AL = %#x, want 0x00", got)
	}
	if !c.getCF() {
		t.Error("expected CF set: the borrow-in itself overflows the operand width")
	}
}

// TestSarSignExtends exercises SAR on a negative 8-bit operand: the
// shadow sign-extension has to actually fill with the sign bit rather
// than zero, or a negative byte shifts like a positive one.
func TestSarSignExtends(t *testing.T) {
	c, mem := newTestCPU(t)

	base := c.seg[SegCS].Base + c.eip
	mem.WriteByte(base+0, 0xD0) // SAR AL, 1 (group2 /7, mod=11 rm=AL)
	mem.WriteByte(base+1, 0xF8)
	c.regs.SetB(Reg8AL, 0x81) // -127

	if excp := c.Cycle(); excp != nil {
		t.Fatalf("unexpected exception: %v", excp)
	}

	if got := c.regs.B(Reg8AL); got != 0xC0 {
		t.Fatalf("AL = %#x, want 0xC0 (arithmetic shift must fill with the sign bit)", got)
	}
	if !c.getCF() {
		t.Error("expected CF set: bit 0 of 0x81 was 1")
	}
}

// TestShlSetsOverflowOnSignChange exercises the count==1 SHL OF rule:
// OF is the XOR of the bit shifted out and the result's new sign bit.
func TestShlSetsOverflowOnSignChange(t *testing.T) {
	c, mem := newTestCPU(t)

	base := c.seg[SegCS].Base + c.eip
	mem.WriteByte(base+0, 0xD0) // SHL AL, 1 (group2 /4)
	mem.WriteByte(base+1, 0xE0)
	c.regs.SetB(Reg8AL, 0x40)

	if excp := c.Cycle(); excp != nil {
		t.Fatalf("unexpected exception: %v", excp)
	}

	if got := c.regs.B(Reg8AL); got != 0x80 {
		t.Fatalf("AL = %#x, want 0x80", got)
	}
	if c.getCF() {
		t.Error("expected CF clear: bit 7 of 0x40 was 0")
	}
	if !c.getOF() {
		t.Error("expected OF set: the sign bit changed from 0 to 1")
	}
}

// TestRolCarryIsResultLSB exercises the ROL/ROR CF convention: ROL's
// CF takes the result's LSB (the bit that wrapped from the top), not
// its MSB.
func TestRolCarryIsResultLSB(t *testing.T) {
	c, mem := newTestCPU(t)

	base := c.seg[SegCS].Base + c.eip
	mem.WriteByte(base+0, 0xD0) // ROL AL, 1 (group2 /0)
	mem.WriteByte(base+1, 0xC0)
	c.regs.SetB(Reg8AL, 0x80)

	if excp := c.Cycle(); excp != nil {
		t.Fatalf("unexpected exception: %v", excp)
	}

	if got := c.regs.B(Reg8AL); got != 0x01 {
		t.Fatalf("AL = %#x, want 0x01", got)
	}
	if !c.getCF() {
		t.Error("expected CF set: bit 7 wrapped into bit 0")
	}
}

// TestRorCarryIsResultMSB exercises the mirror-image ROR case: CF
// takes the result's MSB (the bit that wrapped from the bottom).
func TestRorCarryIsResultMSB(t *testing.T) {
	c, mem := newTestCPU(t)

	base := c.seg[SegCS].Base + c.eip
	mem.WriteByte(base+0, 0xD0) // ROR AL, 1 (group2 /1)
	mem.WriteByte(base+1, 0xC8)
	c.regs.SetB(Reg8AL, 0x01)

	if excp := c.Cycle(); excp != nil {
		t.Fatalf("unexpected exception: %v", excp)
	}

	if got := c.regs.B(Reg8AL); got != 0x80 {
		t.Fatalf("AL = %#x, want 0x80", got)
	}
	if !c.getCF() {
		t.Error("expected CF set: bit 0 wrapped into bit 7")
	}
}

// TestRclRotatesThroughCarry exercises RCL: the incoming CF feeds in
// at the bottom and the old top bit becomes the new CF, treating CF
// and the operand as one 9-bit ring.
func TestRclRotatesThroughCarry(t *testing.T) {
	c, mem := newTestCPU(t)

	base := c.seg[SegCS].Base + c.eip
	mem.WriteByte(base+0, 0xF9) // STC
	mem.WriteByte(base+1, 0xD0) // RCL AL, 1 (group2 /2)
	mem.WriteByte(base+2, 0xD0)
	c.regs.SetB(Reg8AL, 0x40)

	if excp := c.Cycle(); excp != nil {
		t.Fatalf("unexpected exception: %v", excp)
	}
	if excp := c.Cycle(); excp != nil {
		t.Fatalf("unexpected exception: %v", excp)
	}

	if got := c.regs.B(Reg8AL); got != 0x81 {
		t.Fatalf("AL = %#x, want 0x81 (incoming CF feeds the new bit 0)", got)
	}
	if c.getCF() {
		t.Error("expected CF clear: bit 7 of 0x40 was 0")
	}
}

// TestIdivNegativeByteDivisor exercises the sign-extension of an
// 8-bit IDIV divisor: the raw zero-extended operand must be
// reinterpreted as a signed byte before widening, or a negative
// divisor is treated as a large positive one.
func TestIdivNegativeByteDivisor(t *testing.T) {
	c, mem := newTestCPU(t)

	base := c.seg[SegCS].Base + c.eip
	mem.WriteByte(base+0, 0xF6) // IDIV CL (group3 /7)
	mem.WriteByte(base+1, 0xF9)
	c.regs.SetW(RegEAX, 5)
	c.regs.SetB(Reg8CL, 0xFF) // -1

	if excp := c.Cycle(); excp != nil {
		t.Fatalf("unexpected exception: %v", excp)
	}

	if got := c.regs.B(Reg8AL); got != 0xFB {
		t.Fatalf("AL = %#x, want 0xFB (5 / -1 = -5)", got)
	}
	if got := c.regs.B(Reg8AH); got != 0x00 {
		t.Fatalf("AH = %#x, want 0x00 (5 %% -1 = 0)", got)
	}
}

// TestTestOpcodeClearsCarry exercises TEST r/m,reg (0x84): logical ops
// concretely clear CF/OF and must not write the destination back.
func TestTestOpcodeClearsCarry(t *testing.T) {
	c, mem := newTestCPU(t)

	base := c.seg[SegCS].Base + c.eip
	mem.WriteByte(base+0, 0xF9) // STC
	mem.WriteByte(base+1, 0x84) // TEST AL, AL (mod=11 reg=AL rm=AL)
	mem.WriteByte(base+2, 0xC0)
	c.regs.SetB(Reg8AL, 0x80)

	if excp := c.Cycle(); excp != nil {
		t.Fatalf("unexpected exception: %v", excp)
	}
	if excp := c.Cycle(); excp != nil {
		t.Fatalf("unexpected exception: %v", excp)
	}

	if c.getCF() {
		t.Error("expected CF cleared by TEST")
	}
	if !c.getSF() {
		t.Error("expected SF set: 0x80 & 0x80 has the sign bit")
	}
	if got := c.regs.B(Reg8AL); got != 0x80 {
		t.Errorf("AL = %#x, want 0x80 (TEST must not store)", got)
	}
}

// TestXchgAccumulatorRow exercises the 0x91-0x97 XCHG eAX,reg row.
func TestXchgAccumulatorRow(t *testing.T) {
	c, mem := newTestCPU(t)

	base := c.seg[SegCS].Base + c.eip
	mem.WriteByte(base, 0x93) // XCHG AX, BX
	c.regs.SetW(RegEAX, 0x1111)
	c.regs.SetW(RegEBX, 0x2222)

	if excp := c.Cycle(); excp != nil {
		t.Fatalf("unexpected exception: %v", excp)
	}
	if c.regs.W(RegEAX) != 0x2222 || c.regs.W(RegEBX) != 0x1111 {
		t.Fatalf("AX=%#x BX=%#x, want swapped", c.regs.W(RegEAX), c.regs.W(RegEBX))
	}
}

// TestPushPopSegmentRegister exercises PUSH DS / POP ES in real mode.
func TestPushPopSegmentRegister(t *testing.T) {
	c, mem := newTestCPU(t)
	c.regs.SetW(RegESP, 0x1000)
	c.seg[SegSS] = Segment{Selector: 0, Base: 0, Limit: 0xFFFF}
	c.seg[SegDS] = Segment{Selector: 0x1234, Base: 0x12340, Limit: 0xFFFF}

	base := c.seg[SegCS].Base + c.eip
	mem.WriteByte(base+0, 0x1E) // PUSH DS
	mem.WriteByte(base+1, 0x07) // POP ES

	if excp := c.Cycle(); excp != nil {
		t.Fatalf("unexpected exception: %v", excp)
	}
	if excp := c.Cycle(); excp != nil {
		t.Fatalf("unexpected exception: %v", excp)
	}

	if c.seg[SegES].Selector != 0x1234 {
		t.Fatalf("ES selector = %#x, want 0x1234", c.seg[SegES].Selector)
	}
	if c.seg[SegES].Base != 0x12340 {
		t.Fatalf("ES base = %#x, want 0x12340 (real-mode selector<<4)", c.seg[SegES].Base)
	}
	if c.regs.W(RegESP) != 0x1000 {
		t.Fatalf("SP = %#x, want restored 0x1000", c.regs.W(RegESP))
	}
}

// TestPushaPopaRoundTrip checks that POPA restores every register PUSHA
// saved except SP, which is discarded from the frame.
func TestPushaPopaRoundTrip(t *testing.T) {
	c, mem := newTestCPU(t)
	c.regs.SetW(RegESP, 0x2000)
	c.seg[SegSS] = Segment{Selector: 0, Base: 0, Limit: 0xFFFF}
	for r := 0; r < 8; r++ {
		if r != RegESP {
			c.regs.SetW(r, uint16(0x1100+r))
		}
	}

	base := c.seg[SegCS].Base + c.eip
	mem.WriteByte(base+0, 0x60) // PUSHA
	mem.WriteByte(base+1, 0x61) // POPA

	if excp := c.Cycle(); excp != nil {
		t.Fatalf("PUSHA: %v", excp)
	}
	clobbered := c.regs.W(RegEAX)
	_ = clobbered
	for r := 0; r < 8; r++ {
		if r != RegESP {
			c.regs.SetW(r, 0xDEAD)
		}
	}
	if excp := c.Cycle(); excp != nil {
		t.Fatalf("POPA: %v", excp)
	}

	for r := 0; r < 8; r++ {
		if r == RegESP {
			continue
		}
		if got := c.regs.W(r); got != uint16(0x1100+r) {
			t.Errorf("reg %d = %#x, want %#x", r, got, 0x1100+r)
		}
	}
	if c.regs.W(RegESP) != 0x2000 {
		t.Errorf("SP = %#x, want 0x2000", c.regs.W(RegESP))
	}
}

// TestBswapReversesBytes exercises 0F C8+r.
func TestBswapReversesBytes(t *testing.T) {
	c, mem := newTestCPU(t)

	base := c.seg[SegCS].Base + c.eip
	mem.WriteByte(base+0, 0x66) // operand-size: 32-bit in real mode
	mem.WriteByte(base+1, 0x0F)
	mem.WriteByte(base+2, 0xC9) // BSWAP ECX
	c.regs.SetD(RegECX, 0x11223344)

	if excp := c.Cycle(); excp != nil {
		t.Fatalf("unexpected exception: %v", excp)
	}
	if got := c.regs.D(RegECX); got != 0x44332211 {
		t.Fatalf("ECX = %#x, want 0x44332211", got)
	}
}

// TestCmpxchgMatchAndMismatch covers both CMPXCHG outcomes.
func TestCmpxchgMatchAndMismatch(t *testing.T) {
	c, mem := newTestCPU(t)

	base := c.seg[SegCS].Base + c.eip
	mem.WriteByte(base+0, 0x0F) // CMPXCHG BL, CL
	mem.WriteByte(base+1, 0xB0)
	mem.WriteByte(base+2, 0xCB) // mod=11 reg=CL rm=BL
	c.regs.SetB(Reg8AL, 0x55)
	c.regs.SetB(Reg8BL, 0x55)
	c.regs.SetB(Reg8CL, 0x99)

	if excp := c.Cycle(); excp != nil {
		t.Fatalf("unexpected exception: %v", excp)
	}
	if !c.getZF() {
		t.Error("expected ZF set on match")
	}
	if got := c.regs.B(Reg8BL); got != 0x99 {
		t.Fatalf("BL = %#x, want 0x99 stored on match", got)
	}

	base = c.seg[SegCS].Base + c.eip
	mem.WriteByte(base+0, 0x0F)
	mem.WriteByte(base+1, 0xB0)
	mem.WriteByte(base+2, 0xCB)
	c.regs.SetB(Reg8AL, 0x11) // accumulator no longer matches BL

	if excp := c.Cycle(); excp != nil {
		t.Fatalf("unexpected exception: %v", excp)
	}
	if c.getZF() {
		t.Error("expected ZF clear on mismatch")
	}
	if got := c.regs.B(Reg8AL); got != 0x99 {
		t.Fatalf("AL = %#x, want 0x99 loaded on mismatch", got)
	}
}

// TestSetccWritesBooleanByte exercises SETNZ against both outcomes.
func TestSetccWritesBooleanByte(t *testing.T) {
	c, mem := newTestCPU(t)

	base := c.seg[SegCS].Base + c.eip
	mem.WriteByte(base+0, 0x30) // XOR AL, AL -> ZF=1
	mem.WriteByte(base+1, 0xC0)
	mem.WriteByte(base+2, 0x0F) // SETNZ BL
	mem.WriteByte(base+3, 0x95)
	mem.WriteByte(base+4, 0xC3)
	c.regs.SetB(Reg8BL, 0x77)

	if excp := c.Cycle(); excp != nil {
		t.Fatalf("XOR: %v", excp)
	}
	if excp := c.Cycle(); excp != nil {
		t.Fatalf("SETNZ: %v", excp)
	}
	if got := c.regs.B(Reg8BL); got != 0 {
		t.Fatalf("BL = %#x, want 0 (ZF was set)", got)
	}
}

// TestShldShiftsInCompanionBits exercises SHLD r/m16, reg, imm8.
func TestShldShiftsInCompanionBits(t *testing.T) {
	c, mem := newTestCPU(t)

	base := c.seg[SegCS].Base + c.eip
	mem.WriteByte(base+0, 0x0F) // SHLD BX, CX, 4
	mem.WriteByte(base+1, 0xA4)
	mem.WriteByte(base+2, 0xCB)
	mem.WriteByte(base+3, 0x04)
	c.regs.SetW(RegEBX, 0x1234)
	c.regs.SetW(RegECX, 0xABCD)

	if excp := c.Cycle(); excp != nil {
		t.Fatalf("unexpected exception: %v", excp)
	}
	if got := c.regs.W(RegEBX); got != 0x234A {
		t.Fatalf("BX = %#x, want 0x234A (top nibble of CX shifted in)", got)
	}
	if !c.getCF() {
		t.Error("expected CF set: the last bit shifted out of 0x1234<<4 is bit 12 = 1")
	}
}

// TestBtMemoryAddressesDisplacedByte verifies that a register bit
// offset on a memory BT addresses the byte at base + (offset >> 3),
// not a bit inside the first operand-sized word.
func TestBtMemoryAddressesDisplacedByte(t *testing.T) {
	c, mem := newTestCPU(t)
	c.seg[SegDS] = Segment{Selector: 0, Base: 0, Limit: 0xFFFF}
	mem.WriteByte(0x0500+9, 0x01) // bit 72 of the bit string at 0x500

	base := c.seg[SegCS].Base + c.eip
	mem.WriteByte(base+0, 0x0F) // BT [0x0500], AX
	mem.WriteByte(base+1, 0xA3)
	mem.WriteByte(base+2, 0x06) // mod=00 reg=AX rm=disp16
	mem.WriteWord(base+3, 0x0500)
	c.regs.SetW(RegEAX, 72)

	if excp := c.Cycle(); excp != nil {
		t.Fatalf("unexpected exception: %v", excp)
	}
	if !c.getCF() {
		t.Error("expected CF set: bit 72 lives in the byte at +9")
	}
}

// TestRepStosFastPathFills exercises the batched STOS path across a
// page boundary.
func TestRepStosFastPathFills(t *testing.T) {
	c, mem := newTestCPU(t)

	dst := uint32(0x0FF0) // crosses the 0x1000 page edge mid-run
	c.regs.SetD(RegEDI, dst)
	c.regs.SetD(RegECX, 0x40)
	c.regs.SetB(Reg8AL, 0x5C)
	c.cur.addressSize32 = true
	c.cur.repPrefix = repZ
	c.seg[SegES] = Segment{Selector: 0, Base: 0, Limit: 0xFFFFFFFF}

	if excp := c.opStos(Size8); excp != nil {
		t.Fatalf("unexpected fault: %v", excp)
	}
	for i := uint32(0); i < 0x40; i++ {
		if got := mem.ReadByte(dst + i); got != 0x5C {
			t.Fatalf("byte %d = %#x, want 0x5C", i, got)
		}
	}
	if c.regs.D(RegECX) != 0 {
		t.Fatalf("ECX = %d, want 0", c.regs.D(RegECX))
	}
	if c.regs.D(RegEDI) != dst+0x40 {
		t.Fatalf("EDI = %#x, want %#x", c.regs.D(RegEDI), dst+0x40)
	}
}

// TestRdtscTracksInstructionCount checks that RDTSC observes the
// per-instruction timestamp counter.
func TestRdtscTracksInstructionCount(t *testing.T) {
	c, mem := newTestCPU(t)

	base := c.seg[SegCS].Base + c.eip
	mem.WriteByte(base+0, 0x90) // NOP
	mem.WriteByte(base+1, 0x0F) // RDTSC
	mem.WriteByte(base+2, 0x31)

	if excp := c.Cycle(); excp != nil {
		t.Fatalf("NOP: %v", excp)
	}
	if excp := c.Cycle(); excp != nil {
		t.Fatalf("RDTSC: %v", excp)
	}
	if got := c.regs.D(RegEAX); got != 2 {
		t.Fatalf("EAX = %d, want 2 instructions counted", got)
	}
	if c.regs.D(RegEDX) != 0 {
		t.Fatalf("EDX = %d, want 0", c.regs.D(RegEDX))
	}
}

// TestProtectedModeEntryViaCR0 verifies that setting CR0.PE through
// SetCR actually switches the decode/protection discipline.
func TestProtectedModeEntryViaCR0(t *testing.T) {
	c, _ := newTestCPU(t)
	c.SetCR(0, c.CR(0)|CR0PE)
	if c.mode != modeProtected {
		t.Fatal("expected protected mode after CR0.PE set")
	}
	c.SetCR(0, c.CR(0)&^uint32(CR0PE))
	if c.mode != modeReal {
		t.Fatal("expected real mode after CR0.PE cleared")
	}
}

// TestVM86InterruptPushesDataSegments drives a protected-mode IDT
// delivery out of VM86 and checks the four extra segment pushes and
// the nulled live registers.
func TestVM86InterruptPushesDataSegments(t *testing.T) {
	c, mem := newTestCPU(t)

	// GDT: entry 1 = ring-0 32-bit code, entry 2 = ring-0 32-bit data.
	gdt := uint32(0x0800)
	writeDesc := func(i uint32, access uint8) {
		mem.WriteDword(gdt+i*8, 0x0000FFFF)
		mem.WriteDword(gdt+i*8+4, 0x00CF0000|uint32(access)<<8)
	}
	writeDesc(1, 0x9A)
	writeDesc(2, 0x92)
	c.gdtBase, c.gdtLimit = gdt, 0xFFFF

	// TSS with SS0:ESP0 -> selector 0x10, stack top 0x4000.
	tss := uint32(0x0C00)
	mem.WriteDword(tss+4, 0x4000)
	mem.WriteDword(tss+8, 0x10)
	c.tr = Segment{Selector: 0x28, Base: tss, Limit: 0x67}

	// IDT entry 0x21: 32-bit interrupt gate to selector 0x08.
	idt := uint32(0x1400)
	vec := uint32(0x21)
	mem.WriteDword(idt+vec*8, 0x0008<<16|0x2000)
	mem.WriteDword(idt+vec*8+4, 0x8E00)
	c.idtBase, c.idtLimit = idt, 0xFFFF

	c.cregs[0] |= CR0PE
	c.mode = modeVM86
	c.cpl = 3
	c.SetEFLAGS(c.EFLAGS() | FlagVM)
	for _, sr := range []int{SegES, SegDS, SegFS, SegGS} {
		c.seg[sr] = Segment{Selector: uint16(0x3000 + sr), Base: uint32(0x3000+sr) << 4, Limit: 0xFFFF}
	}
	c.seg[SegSS] = Segment{Selector: 0x5000, Base: 0x50000, Limit: 0xFFFF}
	c.regs.SetD(RegESP, 0x0100)

	if excp := c.deliverInterrupt(uint8(vec), false, 0); excp != nil {
		t.Fatalf("delivery failed: %v", excp)
	}

	if c.mode != modeProtected {
		t.Fatal("expected protected mode after VM86 interrupt entry")
	}
	if c.cpl != 0 {
		t.Fatalf("cpl = %d, want 0", c.cpl)
	}
	if c.EFLAGS()&FlagVM != 0 {
		t.Error("expected VM cleared in the handler's EFLAGS")
	}
	for _, sr := range []int{SegES, SegDS, SegFS, SegGS} {
		if !c.seg[sr].IsNull {
			t.Errorf("segment %d should be null inside the handler", sr)
		}
	}
	// Frame top-down from 0x4000: GS, FS, DS, ES, SS, ESP, EFLAGS, CS, EIP.
	esp := c.regs.D(RegESP)
	if esp != 0x4000-9*4 {
		t.Fatalf("ESP = %#x, want %#x (nine dwords pushed)", esp, 0x4000-9*4)
	}
	if got := mem.ReadDword(0x4000 - 4); got != uint32(0x3000+SegGS) {
		t.Errorf("GS slot = %#x, want %#x", got, 0x3000+SegGS)
	}
	if got := mem.ReadDword(0x4000 - 16); got != uint32(0x3000+SegES) {
		t.Errorf("ES slot = %#x, want %#x", got, 0x3000+SegES)
	}
	if got := mem.ReadDword(0x4000 - 20); got != 0x5000 {
		t.Errorf("SS slot = %#x, want 0x5000", got)
	}
	if c.eip != 0x2000 {
		t.Errorf("EIP = %#x, want gate offset 0x2000", c.eip)
	}
}

// TestInterruptGateTargetValidation covers the destination-CS checks on
// IDT delivery: a non-present target must raise #NP and a
// non-conforming target with DPL above CPL must raise #GP, matching the
// validation the far-transfer paths apply.
func TestInterruptGateTargetValidation(t *testing.T) {
	c, mem := newTestCPU(t)

	gdt := uint32(0x0800)
	writeDesc := func(i uint32, access uint8) {
		mem.WriteDword(gdt+i*8, 0x0000FFFF)
		mem.WriteDword(gdt+i*8+4, 0x00CF0000|uint32(access)<<8)
	}
	writeDesc(1, 0x1A) // code, DPL=0, present=0
	writeDesc(2, 0xF8) // code, DPL=3, present, non-conforming
	c.gdtBase, c.gdtLimit = gdt, 0xFFFF

	idt := uint32(0x1400)
	writeGate := func(vec uint32, sel uint16) {
		mem.WriteDword(idt+vec*8, uint32(sel)<<16|0x1000)
		mem.WriteDword(idt+vec*8+4, 0x8E00)
	}
	writeGate(0x30, 0x08) // not-present target
	writeGate(0x31, 0x10) // DPL=3 target
	c.idtBase, c.idtLimit = idt, 0xFFFF

	c.cregs[0] |= CR0PE
	c.mode = modeProtected
	c.cpl = 0
	c.seg[SegSS] = Segment{Selector: 0x18, Base: 0, Limit: 0xFFFFFFFF, Is32: true}
	c.stackSize32 = true
	c.regs.SetD(RegESP, 0x4000)

	excp := c.deliverInterrupt(0x30, false, 0)
	if excp == nil || excp.Vector != VecNP {
		t.Fatalf("not-present target: got %v, want #NP", excp)
	}

	excp = c.deliverInterrupt(0x31, false, 0)
	if excp == nil || excp.Vector != VecGP {
		t.Fatalf("DPL=3 non-conforming target at CPL=0: got %v, want #GP", excp)
	}
}
