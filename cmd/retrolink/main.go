// Command retrolink is the user-facing front end: link (resolve symbols
// and emit a container), dump (describe a file's structure) and convert
// (re-read one format and emit another).
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xyproto/env/v2"

	"github.com/xyproto/retrolink/internal/diag"
	"github.com/xyproto/retrolink/internal/dump"
	"github.com/xyproto/retrolink/internal/format"
	_ "github.com/xyproto/retrolink/internal/format/aout"
	_ "github.com/xyproto/retrolink/internal/format/binary"
	_ "github.com/xyproto/retrolink/internal/format/dos16m"
	_ "github.com/xyproto/retrolink/internal/format/eightbit"
	_ "github.com/xyproto/retrolink/internal/format/le"
	_ "github.com/xyproto/retrolink/internal/format/mz"
	_ "github.com/xyproto/retrolink/internal/format/ne"
	_ "github.com/xyproto/retrolink/internal/format/pe"
	_ "github.com/xyproto/retrolink/internal/format/stub"
	_ "github.com/xyproto/retrolink/internal/format/xelf"
	"github.com/xyproto/retrolink/internal/image"
	"github.com/xyproto/retrolink/internal/ioprim"
	"github.com/xyproto/retrolink/internal/model"
)

const versionString = "retrolink 0.1.0"

// CommandContext holds the flags common to every subcommand.
type CommandContext struct {
	Args       []string
	OutputPath string
	FormatTag  string
	CPUName    string
	ScriptPath string
	Options    map[string]string
	Verbose    bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "retrolink: %v\n", err)
		os.Exit(1)
	}
	// Per-relocation errors do not abort the run, but they do taint the
	// exit code so scripts can tell a clean link from a degraded one.
	os.Exit(diag.ExitCode())
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}
	switch args[0] {
	case "link":
		return cmdLink(args[1:])
	case "dump":
		return cmdDump(args[1:])
	case "convert":
		return cmdConvert(args[1:])
	case "-version", "--version", "version":
		fmt.Println(versionString)
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		suggestions := format.Default.Suggest(args[0], 1)
		msg := fmt.Sprintf("unknown subcommand %q", args[0])
		if len(suggestions) > 0 {
			msg += fmt.Sprintf(" (did you mean %q?)", suggestions[0])
		}
		return fmt.Errorf("%s; try link, dump or convert", msg)
	}
}

func printUsage() {
	fmt.Println(versionString)
	fmt.Println(`
Usage:
  retrolink link -o OUTPUT -f FORMAT [-S SCRIPT] [-M CPU] [-opt NAME=VALUE]... INPUTS...
  retrolink dump INPUT
  retrolink convert -o OUTPUT -f FORMAT INPUT`)
}

// scriptEnvFallback supplies the script path when -S is not given:
// LD_SCRIPT_PATH, read with xyproto/env so a missing variable falls
// back to the empty default.
func scriptEnvFallback() string {
	return env.Str("LD_SCRIPT_PATH")
}

// optionFlags collects repeated "-opt name=value" flags into the
// map[string]string SetOptions expects.
type optionFlags map[string]string

func (o optionFlags) String() string { return "" }
func (o optionFlags) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("expected name=value, got %q", s)
	}
	o[name] = value
	return nil
}

func cmdLink(args []string) error {
	fs := flag.NewFlagSet("link", flag.ExitOnError)
	output := fs.String("o", "", "output file path")
	tag := fs.String("f", "", "output format tag")
	script := fs.String("S", "", "linker script path")
	cpu := fs.String("M", "x86_64", "target CPU")
	verbose := fs.Bool("v", false, "verbose diagnostics")
	opts := make(optionFlags)
	fs.Var(opts, "opt", "format option name=value, may be repeated")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *output == "" || *tag == "" {
		return fmt.Errorf("link requires -o and -f")
	}
	if *script == "" {
		*script = scriptEnvFallback()
	}
	inputs := fs.Args()
	if len(inputs) == 0 {
		return fmt.Errorf("link requires at least one input file")
	}

	cpuVal, err := model.ParseCPU(*cpu)
	if err != nil {
		return err
	}
	module := model.NewModule(cpuVal)

	for _, path := range inputs {
		if err := readInto(module, path, ""); err != nil {
			return err
		}
	}

	det, ok := format.Default.Lookup(*tag)
	if !ok {
		suggestions := format.Default.Suggest(*tag, 2)
		if len(suggestions) > 0 {
			return fmt.Errorf("unknown output format %q (did you mean one of %v?)", *tag, suggestions)
		}
		return fmt.Errorf("unknown output format %q (available: %v)", *tag, format.Default.Tags())
	}
	f, ok := det.New().(format.OutputFormat)
	if !ok {
		return fmt.Errorf("format %q does not support linking (input-only)", *tag)
	}
	f.SetOptions(opts)
	_ = script // -S/LD_SCRIPT_PATH is read but not applied: GenerateFile
	// lays the module out with the format's own built-in GetScript, and
	// no user-supplied script is parsed.

	img, _, err := f.GenerateFile(module)
	if err != nil {
		return err
	}
	if *verbose {
		fmt.Fprintf(os.Stderr, "retrolink: linked %d bytes as %q\n", img.Size(), *tag)
	}
	return writeImage(img, *output)
}

func cmdDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	tag := fs.String("f", "", "force format tag instead of auto-detection")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("dump requires exactly one input file")
	}
	path := fs.Arg(0)
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	inFmt, err := detectInput(content, *tag)
	if err != nil {
		return err
	}
	r := ioprim.NewReader(content, ioprim.Little)
	if err := inFmt.ReadFile(r); err != nil {
		return fmt.Errorf("dump: %w", err)
	}
	d := dump.New(path)
	if err := inFmt.Dump(d); err != nil {
		return err
	}
	renderDump(d)
	return nil
}

func cmdConvert(args []string) error {
	fs := flag.NewFlagSet("convert", flag.ExitOnError)
	output := fs.String("o", "", "output file path")
	tag := fs.String("f", "", "output format tag")
	srcTag := fs.String("from", "", "force input format tag instead of auto-detection")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *output == "" || *tag == "" || fs.NArg() != 1 {
		return fmt.Errorf("convert requires -o, -f and exactly one input file")
	}
	input := fs.Arg(0)

	module := model.NewModule(model.CPUUnknown)
	if err := readInto(module, input, *srcTag); err != nil {
		return err
	}

	det, ok := format.Default.Lookup(*tag)
	if !ok {
		return fmt.Errorf("unknown output format %q (available: %v)", *tag, format.Default.Tags())
	}
	outFmt, ok := det.New().(format.OutputFormat)
	if !ok {
		return fmt.Errorf("format %q does not support writing (input-only)", *tag)
	}
	img, _, err := outFmt.GenerateFile(module)
	if err != nil {
		return err
	}
	return writeImage(img, *output)
}

// readInto auto-detects (or honors a forced tag for) path's format, reads
// it, and lifts its contents into module via GenerateModule.
func readInto(module *model.Module, path, forceTag string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	inFmt, err := detectInput(content, forceTag)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	r := ioprim.NewReader(content, ioprim.Little)
	if err := inFmt.ReadFile(r); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return inFmt.GenerateModule(module)
}

func detectInput(content []byte, forceTag string) (format.InputFormat, error) {
	if forceTag != "" {
		det, ok := format.Default.Lookup(forceTag)
		if !ok {
			return nil, fmt.Errorf("unknown format %q", forceTag)
		}
		in, ok := det.New().(format.InputFormat)
		if !ok {
			return nil, fmt.Errorf("format %q does not support reading (output-only)", forceTag)
		}
		return in, nil
	}
	matches := format.Default.Detect(content)
	// A verifier-backed match is more specific than a bare magic match:
	// an NE/LE/PE file carries an MZ stub, so the MZ detector matches it
	// too, but only the nested format's verifier confirms.
	for _, d := range matches {
		if d.Verify == nil {
			continue
		}
		if in, ok := d.New().(format.InputFormat); ok {
			return in, nil
		}
	}
	for _, d := range matches {
		if in, ok := d.New().(format.InputFormat); ok {
			return in, nil
		}
	}
	return nil, fmt.Errorf("could not detect input format (no registered magic matched)")
}

func writeImage(img image.Image, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var w io.Writer = f
	_, err = img.WriteFile(w, img.Size(), 0)
	return err
}

func renderDump(d *dump.Dumper) {
	fmt.Printf("%s:\n", d.FileName)
	for _, region := range d.Regions {
		fmt.Printf("  %s (offset=0x%x length=0x%x)\n", region.Name, region.Offset, region.Length)
		for _, block := range region.Blocks {
			fmt.Printf("    %s:\n", block.Name)
			for _, field := range block.Fields {
				fmt.Printf("      %s\n", field.String())
			}
		}
	}
}
