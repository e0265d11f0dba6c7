/*
   Outer driver loop: a goroutine cycling the CPU and servicing a
   command channel, cooperative with the event list timers exercise.

   A single goroutine alternates between advancing the CPU (when
   running) and draining the event list (when idle), checking a
   command channel non-blockingly between cycles, with a done channel
   plus WaitGroup for a bounded-time graceful stop. Command covers the
   halt/resume/IRQ/timer-tick collaborator events this core's scope
   covers, plus the register/memory/breakpoint inspection the debug
   console issues; every inspection runs inside this goroutine and
   answers over the command's reply channel, so no other goroutine
   ever touches live CPU or memory state. Screen/keyboard/scheduler/
   BIOS loading live outside this module.

   Copyright (c) 2026, x86core contributors
   SPDX-License-Identifier: MIT
*/

package core

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rcornwell/x86core/internal/cpu"
	"github.com/rcornwell/x86core/internal/event"
	"github.com/rcornwell/x86core/internal/memory"
)

// CommandKind identifies the union case carried by a Command.
type CommandKind int

const (
	CmdStart CommandKind = iota
	CmdStop
	CmdRaiseIRQ
	CmdLowerIRQ
	CmdRaiseNMI
	CmdTimerTick
	CmdReadRegs
	CmdReadMem
	CmdWriteMem
	CmdSetBreak
	CmdClearBreak
)

// RegSnapshot is the answer to a CmdReadRegs inspection: a copy of the
// architectural registers taken between instructions, never a live
// reference.
type RegSnapshot struct {
	EIP    uint32
	EFLAGS uint32
	CPL    uint8
	GPR    [8]uint32
}

// Command is the packet shape this core's channel accepts. The union
// fields mirror the kinds above: Line for the IRQ cases, Addr/Value/
// Count for memory access and breakpoints, and the Regs/Mem reply
// channels for the two inspection reads (buffer them with capacity 1
// so the loop never blocks answering).
type Command struct {
	Kind  CommandKind
	Line  int
	Addr  uint32
	Value uint8
	Count int
	Regs  chan RegSnapshot
	Mem   chan []byte
}

// Core owns one CPU instance and the goroutine that cycles it. The CPU
// and memory handles are deliberately unexported: collaborators
// observe and mutate machine state only through Commands, keeping
// every access on the cycle goroutine.
type Core struct {
	wg      sync.WaitGroup
	done    chan struct{}
	cmd     chan Command
	running bool
	breaks  map[uint32]bool

	cpu    *cpu.CPU
	mem    *memory.Memory
	Events *event.List
	Logger *slog.Logger
}

// New wires a Core around an already-constructed CPU and its memory:
// collaborators are handed in, never reached for.
func New(c *cpu.CPU, mem *memory.Memory, logger *slog.Logger) *Core {
	return &Core{
		done:   make(chan struct{}),
		cmd:    make(chan Command, 16),
		breaks: make(map[uint32]bool),
		cpu:    c,
		mem:    mem,
		Events: event.New(),
		Logger: logger,
	}
}

// Commands returns the channel a collaborator sends Commands on.
func (co *Core) Commands() chan<- Command { return co.cmd }

// Start runs the cycle loop in its own goroutine: while running, it
// executes one CPU instruction (or interrupt delivery) per pass and
// advances the event list by one cycle; while halted (CPU executed
// HLT with interrupts masked, or explicitly stopped) it still drains
// pending timer events so a future interrupt can wake it.
func (co *Core) Start() {
	co.wg.Add(1)
	go func() {
		defer co.wg.Done()
		for {
			if co.running {
				if excp := co.cpu.Cycle(); excp != nil {
					co.Logger.Warn("cpu exception", "vector", excp.Vector, "code", excp.ErrorCode)
				}
				co.Events.Advance(1)
				if len(co.breaks) != 0 && co.breaks[co.cpu.EIP()] {
					co.running = false
					co.Logger.Info("breakpoint hit", "eip", co.cpu.EIP())
				}
			} else if co.Events.Any() {
				co.Events.Advance(1)
			}

			select {
			case <-co.done:
				co.Logger.Info("core stopped")
				return
			case c := <-co.cmd:
				co.process(c)
			default:
			}
		}
	}()
}

// Stop signals the loop to exit and waits up to one second for it to
// notice.
func (co *Core) Stop() {
	close(co.done)
	finished := make(chan struct{})
	go func() {
		co.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		co.Logger.Warn("timed out waiting for core to finish")
	}
}

func (co *Core) process(c Command) {
	switch c.Kind {
	case CmdStart:
		co.running = true
	case CmdStop:
		co.running = false
	case CmdRaiseIRQ:
		co.cpu.RaiseIRQ(c.Line)
	case CmdLowerIRQ:
		co.cpu.LowerIRQ(c.Line)
	case CmdRaiseNMI:
		co.cpu.RaiseNMI()
	case CmdTimerTick:
		co.Events.Advance(1)
	case CmdReadRegs:
		snap := RegSnapshot{
			EIP:    co.cpu.EIP(),
			EFLAGS: co.cpu.EFLAGS(),
			CPL:    co.cpu.CPL(),
		}
		for i := range snap.GPR {
			snap.GPR[i] = co.cpu.GPR(i)
		}
		if c.Regs != nil {
			c.Regs <- snap
		}
	case CmdReadMem:
		buf := make([]byte, c.Count)
		for i := range buf {
			buf[i] = co.mem.ReadByte(c.Addr + uint32(i))
		}
		if c.Mem != nil {
			c.Mem <- buf
		}
	case CmdWriteMem:
		co.mem.WriteByte(c.Addr, c.Value)
	case CmdSetBreak:
		co.breaks[c.Addr] = true
	case CmdClearBreak:
		delete(co.breaks, c.Addr)
	}
}
