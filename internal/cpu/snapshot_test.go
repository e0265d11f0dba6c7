package cpu

import "testing"

// TestSnapshotRoundTrip exercises the "snapshot round-trip" end-to-end
// scenario: state mutated away from reset defaults must come back
// unchanged after Save/Restore.
func TestSnapshotRoundTrip(t *testing.T) {
	c, _ := newTestCPU(t)

	c.regs.SetD(RegEAX, 0x11223344)
	c.regs.SetD(RegEBX, 0xAABBCCDD)
	c.eip = 0x00401000
	c.cpl = 2
	c.mode = modeProtected
	c.stackSize32 = true
	c.cregs[0] = CR0PE | CR0PG
	c.cregs[3] = 0x00100000
	c.seg[SegDS] = Segment{Selector: 0x23, Base: 0x00400000, Limit: 0xFFFFFFFF, Is32: true}
	c.SetEFLAGS(0x00000202)
	c.timestampCounter = 123456
	c.irqLine[5] = true
	c.fpu.push(3.25)

	comp := c.Save()

	other, _ := newTestCPU(t)
	if err := other.Restore(comp); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if other.regs.D(RegEAX) != 0x11223344 {
		t.Errorf("EAX = %#x, want 0x11223344", other.regs.D(RegEAX))
	}
	if other.regs.D(RegEBX) != 0xAABBCCDD {
		t.Errorf("EBX = %#x, want 0xAABBCCDD", other.regs.D(RegEBX))
	}
	if other.eip != 0x00401000 {
		t.Errorf("EIP = %#x, want 0x00401000", other.eip)
	}
	if other.cpl != 2 {
		t.Errorf("CPL = %d, want 2", other.cpl)
	}
	if other.mode != modeProtected {
		t.Errorf("mode = %v, want modeProtected", other.mode)
	}
	if !other.stackSize32 {
		t.Error("stackSize32 should be true")
	}
	if other.cregs[0] != CR0PE|CR0PG {
		t.Errorf("CR0 = %#x, want %#x", other.cregs[0], CR0PE|CR0PG)
	}
	if other.cregs[3] != 0x00100000 {
		t.Errorf("CR3 = %#x, want 0x00100000", other.cregs[3])
	}
	if other.seg[SegDS].Base != 0x00400000 || other.seg[SegDS].Selector != 0x23 {
		t.Errorf("DS = %+v, want Base=0x400000 Selector=0x23", other.seg[SegDS])
	}
	if other.EFLAGS() != 0x00000202 {
		t.Errorf("EFLAGS = %#x, want 0x202", other.EFLAGS())
	}
	if other.timestampCounter != 123456 {
		t.Errorf("TSC = %d, want 123456", other.timestampCounter)
	}
	if !other.irqLine[5] {
		t.Error("pending IRQ 5 should survive the round trip")
	}
	if got := other.fpuLoad(0); got != 3.25 {
		t.Errorf("ST(0) = %v, want 3.25", got)
	}
}
