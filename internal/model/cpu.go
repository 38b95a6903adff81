package model

import (
	"fmt"
	"strings"
)

// CPU tags the instruction set a Module's code sections were assembled
// for. Format plugins consult it to pick a default machine-type field and
// to decide which Relocation kinds they can encode.
type CPU int

const (
	CPUUnknown CPU = iota
	CPUI86
	CPUI386
	CPUX86_64
	CPUM68K
	CPUPPC
	CPUARM
	CPUARM64
	CPUMIPS
	CPUSH
	CPUALPHA
	CPUIA64
	CPUPDP11
	CPUVAX
	CPUZ80
	CPUZ8K
	CPUM6502
	CPURISCV
	CPUSPARC
)

func (c CPU) String() string {
	switch c {
	case CPUI86:
		return "i86"
	case CPUI386:
		return "i386"
	case CPUX86_64:
		return "x86_64"
	case CPUM68K:
		return "m68k"
	case CPUPPC:
		return "ppc"
	case CPUARM:
		return "arm"
	case CPUARM64:
		return "arm64"
	case CPUMIPS:
		return "mips"
	case CPUSH:
		return "sh"
	case CPUALPHA:
		return "alpha"
	case CPUIA64:
		return "ia64"
	case CPUPDP11:
		return "pdp11"
	case CPUVAX:
		return "vax"
	case CPUZ80:
		return "z80"
	case CPUZ8K:
		return "z8k"
	case CPUM6502:
		return "m6502"
	case CPURISCV:
		return "riscv"
	case CPUSPARC:
		return "sparc"
	default:
		return "unknown"
	}
}

// ParseCPU parses a CPU tag from a case-insensitive name, including common
// aliases a front end's -m/--arch flag might accept.
func ParseCPU(s string) (CPU, error) {
	switch strings.ToLower(s) {
	case "i86", "8086":
		return CPUI86, nil
	case "i386", "x86", "80386":
		return CPUI386, nil
	case "x86_64", "amd64", "x86-64":
		return CPUX86_64, nil
	case "m68k", "68000", "68k":
		return CPUM68K, nil
	case "ppc", "powerpc":
		return CPUPPC, nil
	case "arm":
		return CPUARM, nil
	case "arm64", "aarch64":
		return CPUARM64, nil
	case "mips":
		return CPUMIPS, nil
	case "sh", "sh4":
		return CPUSH, nil
	case "alpha":
		return CPUALPHA, nil
	case "ia64", "itanium":
		return CPUIA64, nil
	case "pdp11":
		return CPUPDP11, nil
	case "vax":
		return CPUVAX, nil
	case "z80":
		return CPUZ80, nil
	case "z8k", "z8000":
		return CPUZ8K, nil
	case "m6502", "6502":
		return CPUM6502, nil
	case "riscv", "riscv64", "rv64":
		return CPURISCV, nil
	case "sparc":
		return CPUSPARC, nil
	default:
		return CPUUnknown, fmt.Errorf("model: unsupported CPU %q", s)
	}
}

// Is16bit reports whether code for this CPU addresses memory through
// 16-bit segment:offset pairs rather than a flat address space.
// FormatIs16bit is the format's own override; this is the CPU-level
// default a plugin starts from.
func (c CPU) Is16bit() bool {
	switch c {
	case CPUI86, CPUZ80, CPUZ8K, CPUM6502:
		return true
	default:
		return false
	}
}
