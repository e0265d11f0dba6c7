/*
   Interactive debug console: a line-oriented command table plus a
   readline-style front end.

   Command dispatch matches the first word against a fixed command
   table and hands the remainder of the line to that command's handler.
   github.com/peterh/liner supplies history and tab completion. The
   command set covers breakpoint, register, and memory inspection
   rather than device attach/detach, since this core has no device
   layer of its own to drive.

   Copyright (c) 2026, x86core contributors
   SPDX-License-Identifier: MIT
*/

package console

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"golang.org/x/term"

	"github.com/rcornwell/x86core/internal/core"
)

// handler processes one command's argument words and returns the
// reply text to print, or an error to report instead.
type handler func(co *core.Core, args []string) (string, error)

type cmd struct {
	name    string
	help    string
	handler handler
}

var commands = []cmd{
	{"start", "start the CPU", cmdStart},
	{"stop", "stop the CPU", cmdStop},
	{"continue", "resume after a stop", cmdStart},
	{"regs", "print the general register file", cmdRegs},
	{"examine", "examine <addr> [count] physical memory bytes", cmdExamine},
	{"deposit", "deposit <addr> <byte> write one physical memory byte", cmdDeposit},
	{"break", "break <addr> set an EIP breakpoint", cmdBreak},
	{"unbreak", "unbreak <addr> clear an EIP breakpoint", cmdUnbreak},
	{"quit", "exit the console", cmdQuit},
}

// parseAddr accepts a hex address with or without a 0x prefix.
func parseAddr(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %w", s, err)
	}
	return uint32(v), nil
}

func cmdStart(co *core.Core, _ []string) (string, error) {
	co.Commands() <- core.Command{Kind: core.CmdStart}
	return "running", nil
}

func cmdStop(co *core.Core, _ []string) (string, error) {
	co.Commands() <- core.Command{Kind: core.CmdStop}
	return "stopped", nil
}

// terminalWidth reports the attached terminal's column count, falling
// back to 80 when stdout isn't a terminal (piped output, CI logs).
func terminalWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return 80
}

// cmdRegs asks the cycle goroutine for a register snapshot over the
// command channel; the console never dereferences live CPU state.
func cmdRegs(co *core.Core, _ []string) (string, error) {
	reply := make(chan core.RegSnapshot, 1)
	co.Commands() <- core.Command{Kind: core.CmdReadRegs, Regs: reply}
	snap := <-reply

	var b strings.Builder
	fmt.Fprintf(&b, "EIP=%08x EFLAGS=%08x CPL=%d\n", snap.EIP, snap.EFLAGS, snap.CPL)

	// Narrow terminals get one register per line instead of a cramped row.
	perLine := 8
	if terminalWidth() < 60 {
		perLine = 1
	}
	for i, v := range snap.GPR {
		fmt.Fprintf(&b, "r%d=%08x ", i, v)
		if (i+1)%perLine == 0 {
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}

func cmdExamine(co *core.Core, args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("examine: address required")
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return "", fmt.Errorf("examine: %w", err)
	}
	count := 16
	if len(args) >= 2 {
		n, err := strconv.Atoi(args[1])
		if err == nil && n > 0 && n <= 4096 {
			count = n
		}
	}

	reply := make(chan []byte, 1)
	co.Commands() <- core.Command{Kind: core.CmdReadMem, Addr: addr, Count: count, Mem: reply}
	data := <-reply

	var b strings.Builder
	for i, v := range data {
		if i%16 == 0 {
			if i != 0 {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "%08x:", addr+uint32(i))
		}
		fmt.Fprintf(&b, " %02x", v)
	}
	return b.String(), nil
}

func cmdDeposit(co *core.Core, args []string) (string, error) {
	if len(args) < 2 {
		return "", fmt.Errorf("deposit: address and value required")
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return "", fmt.Errorf("deposit: %w", err)
	}
	val, err := strconv.ParseUint(strings.TrimPrefix(args[1], "0x"), 16, 8)
	if err != nil {
		return "", fmt.Errorf("deposit: bad value %q: %w", args[1], err)
	}
	co.Commands() <- core.Command{Kind: core.CmdWriteMem, Addr: addr, Value: uint8(val)}
	return fmt.Sprintf("%08x <- %02x", addr, uint8(val)), nil
}

func cmdBreak(co *core.Core, args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("break: address required")
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return "", fmt.Errorf("break: %w", err)
	}
	co.Commands() <- core.Command{Kind: core.CmdSetBreak, Addr: addr}
	return fmt.Sprintf("breakpoint set at %08x", addr), nil
}

func cmdUnbreak(co *core.Core, args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("unbreak: address required")
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return "", fmt.Errorf("unbreak: %w", err)
	}
	co.Commands() <- core.Command{Kind: core.CmdClearBreak, Addr: addr}
	return fmt.Sprintf("breakpoint cleared at %08x", addr), nil
}

func cmdQuit(*core.Core, []string) (string, error) {
	return "", errQuit
}

var errQuit = fmt.Errorf("quit")

// ProcessCommand dispatches one command line against the table above,
// mirroring ProcessCommand's "first word selects the handler, handler
// owns everything after it" shape.
func ProcessCommand(line string, co *core.Core) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	name, args := fields[0], fields[1:]
	for _, c := range commands {
		if c.name == name {
			return c.handler(co, args)
		}
	}
	return "", fmt.Errorf("unknown command %q", name)
}

// Run drives an interactive liner-backed REPL against co until the
// user quits or the input stream closes.
func Run(co *core.Core, out io.Writer) error {
	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)

	ln.SetCompleter(func(prefix string) (names []string) {
		for _, c := range commands {
			if strings.HasPrefix(c.name, prefix) {
				names = append(names, c.name)
			}
		}
		return
	})

	for {
		line, err := ln.Prompt("x86core> ")
		if err == liner.ErrPromptAborted || err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		ln.AppendHistory(line)

		reply, err := ProcessCommand(line, co)
		if err == errQuit {
			return nil
		}
		if err != nil {
			fmt.Fprintln(out, "error:", err)
			continue
		}
		if reply != "" {
			fmt.Fprintln(out, reply)
		}
	}
}
