/*
   Far call/jump/return: the most intricate control-transfer state
   machine in the core, covering direct code-segment transfer, call-gate
   indirection, and the inter-privilege stack switch a privilege-raising
   call or privilege-lowering return performs.

   Follows the same three-phase shape segment.go's SwitchSeg and
   interrupt.go's deliverProtected/Iret already use (decode the target,
   validate against current privilege, install into the live cache),
   applied here to FF /3 and /5, 9A/EA, and CB/CA rather than to gate
   delivery or data-segment loads.

   Copyright (c) 2026, x86core contributors
   SPDX-License-Identifier: MIT
*/

package cpu

func (c *CPU) pushFrame(v uint32) *CPUException {
	if c.cur.operandSize32 {
		return c.pushD(v)
	}
	return c.pushW(uint16(v))
}

func (c *CPU) popFrame() (uint32, *CPUException) {
	if c.cur.operandSize32 {
		return c.popD()
	}
	v, err := c.popW()
	return uint32(v), err
}

// FarJump implements JMP ptr16:16/32 and JMP m16:16/32 (FF /5): CPL
// never changes, so only the conforming/non-conforming DPL checks
// apply; a call gate retargets CS:EIP without a frame.
func (c *CPU) FarJump(sel uint16, offset uint32) *CPUException {
	if c.mode != modeProtected {
		c.SwitchCSRealMode(sel, offset)
		return nil
	}

	d := c.LookupSelector(sel)
	if d.IsNull {
		return excCode(VecGP, 0)
	}
	if !d.IsValid {
		return excCode(VecGP, uint32(sel)&^3)
	}

	if d.IsSystem {
		switch d.Type {
		case descTypeTaskGate:
			return c.doTaskSwitch(sel, false)
		case descTypeCallGate16, descTypeCallGate32:
			return c.jumpThroughCallGate(sel, d)
		default:
			return excCode(VecGP, uint32(sel)&^3)
		}
	}

	if !d.IsExecutable {
		return excCode(VecGP, uint32(sel)&^3)
	}
	if d.Conforming {
		if d.DPL > c.cpl {
			return excCode(VecGP, uint32(sel)&^3)
		}
	} else if d.DPL != c.cpl || d.RPL > d.DPL {
		return excCode(VecGP, uint32(sel)&^3)
	}
	if !d.IsPresent {
		return excCode(VecNP, uint32(sel)&^3)
	}

	c.LoadCS(sel, d, c.cpl)
	c.eip = offset
	return nil
}

// jumpThroughCallGate retargets CS:EIP from a call-gate descriptor
// without pushing a return frame.
func (c *CPU) jumpThroughCallGate(gateSel uint16, gate Descriptor) *CPUException {
	if c.cpl > gate.DPL || gate.RPL > gate.DPL {
		return excCode(VecGP, uint32(gateSel)&^3)
	}
	if !gate.IsPresent {
		return excCode(VecNP, uint32(gateSel)&^3)
	}

	destSel := uint16(gate.Raw0 >> 16)
	destOff := gate.Raw0&0xFFFF | gate.Raw1&0xFFFF0000

	destDesc := c.LookupSelector(destSel)
	if destDesc.IsNull || !destDesc.IsValid || !destDesc.IsExecutable {
		return excCode(VecGP, uint32(destSel)&^3)
	}
	if !destDesc.Conforming && destDesc.DPL != c.cpl {
		return excCode(VecGP, uint32(destSel)&^3)
	}
	if !destDesc.IsPresent {
		return excCode(VecNP, uint32(destSel)&^3)
	}

	c.LoadCS(destSel, destDesc, c.cpl)
	c.eip = destOff
	return nil
}

// FarCall implements CALL ptr16:16/32, CALL m16:16/32 (FF /3), and
// call-gate traversal, including the privilege-raising stack switch.
func (c *CPU) FarCall(sel uint16, offset uint32) *CPUException {
	if c.mode != modeProtected {
		oldCS := c.seg[SegCS].Selector
		oldEIP := c.eip
		if err := c.pushFrame(uint32(oldCS)); err != nil {
			return err
		}
		if err := c.pushFrame(oldEIP); err != nil {
			return err
		}
		c.SwitchCSRealMode(sel, offset)
		return nil
	}

	d := c.LookupSelector(sel)
	if d.IsNull {
		return excCode(VecGP, 0)
	}
	if !d.IsValid {
		return excCode(VecGP, uint32(sel)&^3)
	}

	if d.IsSystem {
		switch d.Type {
		case descTypeTaskGate:
			return c.doTaskSwitch(sel, false)
		case descTypeCallGate16, descTypeCallGate32:
			return c.callThroughGate(sel, d)
		default:
			return excCode(VecGP, uint32(sel)&^3)
		}
	}

	if !d.IsExecutable {
		return excCode(VecGP, uint32(sel)&^3)
	}
	if d.Conforming {
		if d.DPL > c.cpl {
			return excCode(VecGP, uint32(sel)&^3)
		}
	} else if d.DPL != c.cpl || d.RPL > d.DPL {
		return excCode(VecGP, uint32(sel)&^3)
	}
	if !d.IsPresent {
		return excCode(VecNP, uint32(sel)&^3)
	}

	oldCS := c.seg[SegCS].Selector
	oldEIP := c.eip
	c.LoadCS(sel, d, c.cpl)
	c.eip = offset
	if err := c.pushFrame(uint32(oldCS)); err != nil {
		return err
	}
	return c.pushFrame(oldEIP)
}

// callThroughGate implements the call-gate path of far-call
// dispatch: same-privilege calls push only the return frame;
// privilege-raising calls switch SS:ESP from the TSS first and
// additionally push the caller's SS:ESP beneath the frame.
func (c *CPU) callThroughGate(gateSel uint16, gate Descriptor) *CPUException {
	if c.cpl > gate.DPL || gate.RPL > gate.DPL {
		return excCode(VecGP, uint32(gateSel)&^3)
	}
	if !gate.IsPresent {
		return excCode(VecNP, uint32(gateSel)&^3)
	}

	destSel := uint16(gate.Raw0 >> 16)
	destOff := gate.Raw0&0xFFFF | gate.Raw1&0xFFFF0000
	gateIs32 := gate.Type == descTypeCallGate32

	destDesc := c.LookupSelector(destSel)
	if destDesc.IsNull || !destDesc.IsValid || !destDesc.IsExecutable {
		return excCode(VecGP, uint32(destSel)&^3)
	}
	if destDesc.DPL > c.cpl {
		return excCode(VecGP, uint32(destSel)&^3)
	}
	if !destDesc.IsPresent {
		return excCode(VecNP, uint32(destSel)&^3)
	}

	oldCPL := c.cpl
	oldSS := c.seg[SegSS].Selector
	oldESP := c.regs.D(RegESP)
	oldCS := c.seg[SegCS].Selector
	oldEIP := c.eip

	privRaise := !destDesc.Conforming && destDesc.DPL < oldCPL

	if privRaise {
		newSS, newESP, err := c.taskStackFor(destDesc.DPL)
		if err != nil {
			return err
		}
		c.LoadCS(destSel, destDesc, destDesc.DPL)
		if err := c.SwitchSeg(SegSS, newSS); err != nil {
			return err
		}
		c.regs.SetD(RegESP, newESP)

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
	} else {
		newCPL := oldCPL
		if destDesc.Conforming {
			newCPL = oldCPL
		}
		c.LoadCS(destSel, destDesc, newCPL)
	}

	if gateIs32 {
		if err := c.pushD(uint32(oldCS)); err != nil {
			return err
		}
		if err := c.pushD(oldEIP); err != nil {
			return err
		}
	} else {
		if err := c.pushW(oldCS); err != nil {
			return err
		}
		if err := c.pushW(uint16(oldEIP)); err != nil {
			return err
		}
	}

	c.eip = destOff
	return nil
}

// FarReturn implements RETF/RETF imm16: pops CS:EIP, and, when the
// popped CS selector's RPL exceeds the current CPL, additionally pops
// SS:ESP, restoring the caller's ring.
func (c *CPU) FarReturn(immToPop uint32) *CPUException {
	if c.mode != modeReal && c.mode != modeVM86 {
		return c.farReturnProtected(immToPop)
	}

	eip, err := c.popFrame()
	if err != nil {
		return err
	}
	cs, err := c.popFrame()
	if err != nil {
		return err
	}
	c.advanceStack(immToPop)
	c.SwitchCSRealMode(uint16(cs), eip)
	return nil
}

func (c *CPU) farReturnProtected(immToPop uint32) *CPUException {
	eip, err := c.popFrame()
	if err != nil {
		return err
	}
	csSel, err := c.popFrame()
	if err != nil {
		return err
	}

	d := c.LookupSelector(uint16(csSel))
	if !d.IsValid || !d.IsExecutable {
		return excCode(VecGP, csSel&^3)
	}
	newRPL := uint8(csSel) & 3
	if newRPL < c.cpl {
		return excCode(VecGP, csSel&^3)
	}

	privLower := newRPL > c.cpl

	c.LoadCS(uint16(csSel), d, newRPL)
	c.eip = eip

	if privLower {
		c.advanceStack(immToPop)
		newESP, err := c.popFrame()
		if err != nil {
			return err
		}
		newSS, err := c.popFrame()
		if err != nil {
			return err
		}
		if err := c.SwitchSeg(SegSS, uint16(newSS)); err != nil {
			return err
		}
		c.regs.SetD(RegESP, newESP)
		c.advanceStack(immToPop)
	} else {
		c.advanceStack(immToPop)
	}
	return nil
}
