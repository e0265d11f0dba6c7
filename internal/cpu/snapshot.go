/*
   CPU state snapshot: packs the architectural register file into the
   generic component buffers internal/snapshot concatenates and frames.

   Copyright (c) 2026, x86core contributors
   SPDX-License-Identifier: MIT
*/

package cpu

import (
	"bytes"
	"encoding/binary"

	"github.com/rcornwell/x86core/internal/snapshot"
)

// ComponentID is the name this CPU's architectural state is saved
// under in a snapshot.Component list.
const ComponentID = "cpu"

// Save returns this CPU's architectural state (general registers,
// segment cache, control/debug registers, EFLAGS, EIP) as a
// snapshot.Component. TLB contents are deliberately excluded: they are
// a cache over page-table memory and are rebuilt lazily on the first
// post-restore access.
func (c *CPU) Save() snapshot.Component {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, c.regs.bytes)
	for i := 0; i < segCount; i++ {
		writeSegment(&buf, c.seg[i])
	}
	writeSegment(&buf, c.ldtr)
	writeSegment(&buf, c.tr)
	binary.Write(&buf, binary.LittleEndian, c.gdtBase)
	binary.Write(&buf, binary.LittleEndian, c.gdtLimit)
	binary.Write(&buf, binary.LittleEndian, c.idtBase)
	binary.Write(&buf, binary.LittleEndian, c.idtLimit)
	binary.Write(&buf, binary.LittleEndian, c.cregs)
	binary.Write(&buf, binary.LittleEndian, c.dregs)
	binary.Write(&buf, binary.LittleEndian, c.cr2)
	binary.Write(&buf, binary.LittleEndian, c.eip)
	binary.Write(&buf, binary.LittleEndian, c.EFLAGS())
	binary.Write(&buf, binary.LittleEndian, c.cpl)
	binary.Write(&buf, binary.LittleEndian, uint8(c.mode))
	binary.Write(&buf, binary.LittleEndian, c.stackSize32)
	binary.Write(&buf, binary.LittleEndian, c.inHLT)
	binary.Write(&buf, binary.LittleEndian, c.timestampCounter)
	binary.Write(&buf, binary.LittleEndian, c.pendingNMI)
	binary.Write(&buf, binary.LittleEndian, c.irqLine)
	binary.Write(&buf, binary.LittleEndian, c.irqBase)

	binary.Write(&buf, binary.LittleEndian, c.fpu.st)
	binary.Write(&buf, binary.LittleEndian, c.fpu.top)
	binary.Write(&buf, binary.LittleEndian, c.fpu.control)
	binary.Write(&buf, binary.LittleEndian, c.fpu.status)
	binary.Write(&buf, binary.LittleEndian, c.fpu.tag)
	binary.Write(&buf, binary.LittleEndian, c.fpu.lastOp)
	binary.Write(&buf, binary.LittleEndian, c.fpu.lastIP)
	binary.Write(&buf, binary.LittleEndian, c.fpu.lastData)

	return snapshot.Component{ID: ComponentID, Data: buf.Bytes()}
}

// Restore installs architectural state previously produced by Save.
// It fully clears the TLB, since CR3/CR0.PG may have changed.
func (c *CPU) Restore(comp snapshot.Component) error {
	r := bytes.NewReader(comp.Data)
	binary.Read(r, binary.LittleEndian, &c.regs.bytes)
	for i := 0; i < segCount; i++ {
		c.seg[i] = readSegment(r)
	}
	c.ldtr = readSegment(r)
	c.tr = readSegment(r)
	binary.Read(r, binary.LittleEndian, &c.gdtBase)
	binary.Read(r, binary.LittleEndian, &c.gdtLimit)
	binary.Read(r, binary.LittleEndian, &c.idtBase)
	binary.Read(r, binary.LittleEndian, &c.idtLimit)
	binary.Read(r, binary.LittleEndian, &c.cregs)
	binary.Read(r, binary.LittleEndian, &c.dregs)
	binary.Read(r, binary.LittleEndian, &c.cr2)
	binary.Read(r, binary.LittleEndian, &c.eip)
	var eflags uint32
	binary.Read(r, binary.LittleEndian, &eflags)
	c.SetEFLAGS(eflags)
	binary.Read(r, binary.LittleEndian, &c.cpl)
	var mode uint8
	binary.Read(r, binary.LittleEndian, &mode)
	c.mode = cpuMode(mode)
	binary.Read(r, binary.LittleEndian, &c.stackSize32)
	binary.Read(r, binary.LittleEndian, &c.inHLT)
	binary.Read(r, binary.LittleEndian, &c.timestampCounter)
	binary.Read(r, binary.LittleEndian, &c.pendingNMI)
	binary.Read(r, binary.LittleEndian, &c.irqLine)
	binary.Read(r, binary.LittleEndian, &c.irqBase)

	binary.Read(r, binary.LittleEndian, &c.fpu.st)
	binary.Read(r, binary.LittleEndian, &c.fpu.top)
	binary.Read(r, binary.LittleEndian, &c.fpu.control)
	binary.Read(r, binary.LittleEndian, &c.fpu.status)
	binary.Read(r, binary.LittleEndian, &c.fpu.tag)
	binary.Read(r, binary.LittleEndian, &c.fpu.lastOp)
	binary.Read(r, binary.LittleEndian, &c.fpu.lastIP)
	binary.Read(r, binary.LittleEndian, &c.fpu.lastData)

	c.tlb.FullClear()
	c.invalidateIPCache()
	return nil
}

func writeSegment(buf *bytes.Buffer, s Segment) {
	binary.Write(buf, binary.LittleEndian, s.Selector)
	binary.Write(buf, binary.LittleEndian, s.Base)
	binary.Write(buf, binary.LittleEndian, s.Limit)
	binary.Write(buf, binary.LittleEndian, s.IsNull)
	binary.Write(buf, binary.LittleEndian, s.Is32)
	binary.Write(buf, binary.LittleEndian, s.DPL)
	binary.Write(buf, binary.LittleEndian, s.Type)
	binary.Write(buf, binary.LittleEndian, s.Conforming)
	binary.Write(buf, binary.LittleEndian, s.Present)
	binary.Write(buf, binary.LittleEndian, s.Writable)
	binary.Write(buf, binary.LittleEndian, s.Readable)
}

func readSegment(r *bytes.Reader) Segment {
	var s Segment
	binary.Read(r, binary.LittleEndian, &s.Selector)
	binary.Read(r, binary.LittleEndian, &s.Base)
	binary.Read(r, binary.LittleEndian, &s.Limit)
	binary.Read(r, binary.LittleEndian, &s.IsNull)
	binary.Read(r, binary.LittleEndian, &s.Is32)
	binary.Read(r, binary.LittleEndian, &s.DPL)
	binary.Read(r, binary.LittleEndian, &s.Type)
	binary.Read(r, binary.LittleEndian, &s.Conforming)
	binary.Read(r, binary.LittleEndian, &s.Present)
	binary.Read(r, binary.LittleEndian, &s.Writable)
	binary.Read(r, binary.LittleEndian, &s.Readable)
	return s
}
