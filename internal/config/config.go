// Package config parses the line-oriented boot configuration file that
// seeds a core's memory size, BIOS images, boot device, and CMOS values.
package config

/*
   A line scanner over "<keyword> <args...>" lines with '#' comments,
   keyword dispatch through a small registration table so new keywords
   can be added without touching the scanner: memory size, BIOS blob
   paths, boot device, and CMOS seed writes.
*/

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode"
)

// CMOSEntry is one "cmos <index> <value>" seed write parsed from the
// configuration file. The entries are only collected in BootConfig.CMOS;
// cmd/x86core does not write them to any CMOS device.
type CMOSEntry struct {
	Index uint8
	Value uint8
}

// BootConfig is the parsed result of a configuration file.
type BootConfig struct {
	MemoryKB   int
	BIOSPath   string
	VGABIOS    string
	BootDevice string
	LogFile    string
	CMOS       []CMOSEntry
}

type keywordHandler func(cfg *BootConfig, args []string) error

var keywords = map[string]keywordHandler{
	"memory": func(cfg *BootConfig, args []string) error {
		if len(args) != 1 {
			return errors.New("memory requires one argument")
		}
		kb, err := parseSize(args[0])
		if err != nil {
			return fmt.Errorf("memory: %w", err)
		}
		cfg.MemoryKB = kb
		return nil
	},
	"bios": func(cfg *BootConfig, args []string) error {
		if len(args) != 1 {
			return errors.New("bios requires a path")
		}
		cfg.BIOSPath = args[0]
		return nil
	},
	"vgabios": func(cfg *BootConfig, args []string) error {
		if len(args) != 1 {
			return errors.New("vgabios requires a path")
		}
		cfg.VGABIOS = args[0]
		return nil
	},
	"boot": func(cfg *BootConfig, args []string) error {
		if len(args) != 1 {
			return errors.New("boot requires a device name")
		}
		cfg.BootDevice = args[0]
		return nil
	},
	"log": func(cfg *BootConfig, args []string) error {
		if len(args) != 1 {
			return errors.New("log requires a path")
		}
		cfg.LogFile = args[0]
		return nil
	},
	"cmos": func(cfg *BootConfig, args []string) error {
		if len(args) != 2 {
			return errors.New("cmos requires index and value")
		}
		idx, err := strconv.ParseUint(strings.TrimPrefix(args[0], "0x"), 16, 8)
		if err != nil {
			return fmt.Errorf("cmos index: %w", err)
		}
		val, err := strconv.ParseUint(strings.TrimPrefix(args[1], "0x"), 16, 8)
		if err != nil {
			return fmt.Errorf("cmos value: %w", err)
		}
		cfg.CMOS = append(cfg.CMOS, CMOSEntry{Index: uint8(idx), Value: uint8(val)})
		return nil
	},
}

// parseSize accepts a plain KB count or a K/M-suffixed value.
func parseSize(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	mult := 1
	suffix := s[len(s)-1]
	switch unicode.ToUpper(rune(suffix)) {
	case 'K':
		s = s[:len(s)-1]
	case 'M':
		mult = 1024
		s = s[:len(s)-1]
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}

// Default returns the baseline configuration used when no file is given.
func Default() BootConfig {
	return BootConfig{MemoryKB: 16 * 1024}
}

// Load parses a configuration file into a BootConfig seeded with
// Default values.
func Load(path string) (BootConfig, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	if err := parseReader(f, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parseReader(r io.Reader, cfg *BootConfig) error {
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		keyword := strings.ToLower(fields[0])
		handler, ok := keywords[keyword]
		if !ok {
			return fmt.Errorf("line %d: unknown keyword %q", lineNo, fields[0])
		}
		if err := handler(cfg, fields[1:]); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	return scanner.Err()
}
