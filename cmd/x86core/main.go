/*
   x86core entry point: configuration, logging, and collaborator wiring.

   Flags are parsed with getopt, a config file is loaded before
   anything else, a slog.Logger is built from the project's own
   Handler, then collaborators are constructed in dependency order,
   finished by handing off to an interactive console loop.

   Copyright (c) 2026, x86core contributors
   SPDX-License-Identifier: MIT
*/

package main

import (
	"fmt"
	"log/slog"
	"os"

	getopt "github.com/pborman/getopt/v2"

	"github.com/rcornwell/x86core/internal/bus"
	"github.com/rcornwell/x86core/internal/config"
	"github.com/rcornwell/x86core/internal/console"
	"github.com/rcornwell/x86core/internal/core"
	"github.com/rcornwell/x86core/internal/cpu"
	"github.com/rcornwell/x86core/internal/ioport"
	"github.com/rcornwell/x86core/internal/logger"
	"github.com/rcornwell/x86core/internal/memory"
)

func main() {
	optConfig := getopt.StringLong("config", 'c', "", "Configuration file")
	optLogFile := getopt.StringLong("log", 'l', "", "Log file")
	optDebug := getopt.BoolLong("debug", 'd', "Print debug output to stderr")
	optHelp := getopt.BoolLong("help", 'h', "Help")
	getopt.Parse()

	if *optHelp {
		getopt.Usage()
		os.Exit(0)
	}

	cfg := config.Default()
	if *optConfig != "" {
		loaded, err := config.Load(*optConfig)
		if err != nil {
			fmt.Fprintln(os.Stderr, "config:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logPath := cfg.LogFile
	if *optLogFile != "" {
		logPath = *optLogFile
	}
	var logFile *os.File
	if logPath != "" {
		f, err := os.Create(logPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "log:", err)
			os.Exit(1)
		}
		logFile = f
	}

	var out *os.File = logFile
	if out == nil {
		out = os.Stderr
	}
	log := logger.New(out, *optDebug)
	slog.SetDefault(log)

	log.Info("x86core started", "memoryKB", cfg.MemoryKB)

	mem := memory.New(uint32(cfg.MemoryKB)*1024, log)
	ports := ioport.New(log)
	c := cpu.New(mem, ports)

	// Main BIOS sits flush against the 1 MiB boundary so the reset
	// vector at F000:FFF0 lands inside it; the VGA option ROM, when
	// given, loads at its legacy C0000 slot.
	if cfg.BIOSPath != "" {
		blob, err := os.ReadFile(cfg.BIOSPath)
		if err != nil {
			log.Error("bios load failed", "path", cfg.BIOSPath, "error", err)
			os.Exit(1)
		}
		if len(blob) > 0x100000 {
			log.Error("bios image too large", "bytes", len(blob))
			os.Exit(1)
		}
		mem.WriteBlob(uint32(0x100000-len(blob)), blob)
	}
	if cfg.VGABIOS != "" {
		blob, err := os.ReadFile(cfg.VGABIOS)
		if err != nil {
			log.Error("vga bios load failed", "path", cfg.VGABIOS, "error", err)
			os.Exit(1)
		}
		mem.WriteBlob(0xC0000, blob)
	}

	// The BusConnector is constructed here, with the CPU handed in as
	// the InterruptSink, and is what would be passed by move into any
	// device model's constructor; device models themselves are out of
	// this module's scope.
	_ = bus.New(mem, ports, c, nil)

	co := core.New(c, mem, log)
	co.Start()
	defer co.Stop()

	if err := console.Run(co, os.Stdout); err != nil {
		log.Error("console exited", "error", err)
		os.Exit(1)
	}
}
