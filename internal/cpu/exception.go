/*
   CPU exception propagation.

   Computing the vector and error payload is split from unwinding:
   an opcode handler raises a fault by panicking with a *CPUException,
   dispatch recovers it, and from there it is returned as a value; the
   unwind stops at the RunCycles boundary rather than crossing it.

   Copyright (c) 2026, x86core contributors
   SPDX-License-Identifier: MIT
*/

package cpu

import "fmt"

// Vector numbers for the exceptions this core raises.
const (
	VecDE = 0  // Divide error
	VecDB = 1  // Debug
	VecNMI = 2
	VecBP = 3
	VecOF = 4
	VecBR = 5
	VecUD = 6  // Undefined opcode
	VecNM = 7  // Device not available
	VecDF = 8  // Double fault
	VecTS = 10 // Invalid TSS
	VecNP = 11 // Segment not present
	VecSS = 12 // Stack fault
	VecGP = 13 // General protection
	VecPF = 14 // Page fault
)

// CPUException is the sentinel the instruction-execution layer returns
// to signal that a fault/trap must be delivered and the current
// instruction unwound.
type CPUException struct {
	Vector     uint8
	HasCode    bool
	ErrorCode  uint32
	Fault2     uint32 // CR2 for #PF, unused otherwise
	IsSoftware bool   // true only for INT n; gates the IDT DPL<CPL check
}

func (e *CPUException) Error() string {
	if e.HasCode {
		return fmt.Sprintf("cpu exception vector=%d code=%#x", e.Vector, e.ErrorCode)
	}
	return fmt.Sprintf("cpu exception vector=%d", e.Vector)
}

func exc(vector uint8) *CPUException {
	return &CPUException{Vector: vector}
}

// excSoftware builds the exception INT n raises: unlike a fault, IRQ, or
// INT3/INTO, it is subject to the IDT gate's DPL<CPL privilege check.
func excSoftware(vector uint8) *CPUException {
	return &CPUException{Vector: vector, IsSoftware: true}
}

func excCode(vector uint8, code uint32) *CPUException {
	return &CPUException{Vector: vector, HasCode: true, ErrorCode: code}
}

// pageFault builds a #PF exception with CR2 and the 3-bit {user,write,
// present} error code.
func pageFault(addr uint32, user, write, present bool) *CPUException {
	code := uint32(0)
	if user {
		code |= 4
	}
	if write {
		code |= 2
	}
	if present {
		code |= 1
	}
	return &CPUException{Vector: VecPF, HasCode: true, ErrorCode: code, Fault2: addr}
}
