package format

import (
	"github.com/xyproto/retrolink/internal/dump"
	"github.com/xyproto/retrolink/internal/image"
	"github.com/xyproto/retrolink/internal/ioprim"
	"github.com/xyproto/retrolink/internal/model"
	"github.com/xyproto/retrolink/internal/script"
	"github.com/xyproto/retrolink/internal/segment"
)

// Format is the contract every container plugin implements. Not every
// plugin implements both InputFormat and OutputFormat; a dump-only
// stub, for instance, only needs ReadFile and Dump.
type Format interface {
	// Name is the registry tag used by -f/-from and the detection table.
	Name() string

	// FormatSupportsSegmentation reports whether sections are grouped
	// into independently based Segments (true for MZ/NE/LE's multiple
	// segments) or a single flat address space (false for a.out/ELF/PE).
	FormatSupportsSegmentation() bool
	// FormatIs16bit reports whether the target CPU mode is 16-bit. The
	// script engine and segment manager do not consult it; layout comes
	// from each plugin's GetScript alone.
	FormatIs16bit() bool
	// FormatIsProtectedMode reports whether this container targets a
	// protected-mode environment (selectors instead of raw segments).
	FormatIsProtectedMode() bool
	// FormatSupportsLibraries reports whether the container has an
	// import/export table distinct from ordinary symbol resolution.
	FormatSupportsLibraries() bool
	// FormatAdditionalSectionFlags maps a format-reserved section name to
	// the model.Flag bits it implies, e.g. ".stack" => model.Stack,
	// ".heap" => model.Heap, ".opt" => model.Optional.
	FormatAdditionalSectionFlags(name string) model.Flag
}

// InputFormat reads a container's bytes into the plugin's own
// representation and optionally lifts that into a common Module.
type InputFormat interface {
	Format
	// ReadFile parses the on-disk bytes into the plugin's private
	// in-memory representation.
	ReadFile(r *ioprim.Reader) error
	// GenerateModule translates the plugin's representation into the
	// common Module: sections, symbols and relocations, with
	// format-specific relocation encodings translated into the generic
	// model.Relocation (kind, size, shift, mask, endian).
	GenerateModule(module *model.Module) error
	// Dump produces the inspector tree for this file, callable
	// independent of GenerateModule.
	Dump(d *dump.Dumper) error
}

// OutputFormat lays out a Module, resolves its relocations and emits
// container bytes.
type OutputFormat interface {
	Format
	// SetOptions binds the plugin's OptionCollector to a flat key=value
	// map (the CLI's -opt flags).
	SetOptions(options map[string]string)
	// GetOptions returns the plugin's published option set. The CLI
	// binds options through SetOptions and does not call it.
	GetOptions() *OptionCollector
	// GetLinkerScriptParameterNames advertises the `?name?` substitutions
	// this plugin's script may reference.
	GetLinkerScriptParameterNames() []string
	// ScriptParameters computes the current value of every name
	// GetLinkerScriptParameterNames advertises, typically derived from
	// the plugin's bound options (e.g. a stack-size option feeding a
	// `?stack_size?` parameter).
	ScriptParameters() map[string]int64
	// GetScript returns the plugin's built-in default script for module.
	// A user-supplied script is not consulted.
	GetScript(module *model.Module) (*script.List, error)
	// OnNewSegment is invoked once per populated Segment the segment
	// manager produces, in script order.
	OnNewSegment(seg *model.Segment) error
	// ProcessModule runs the main pipeline: apply the script via the
	// segment manager, then resolve every Relocation, translating each
	// Resolution into a format-native relocation record or a direct
	// patch.
	ProcessModule(module *model.Module) error
	// CalculateValues is the second pass, run after every segment and
	// relocation is final, to fill in header offsets/sizes/checksums
	// that depend on total layout.
	CalculateValues() error
	// WriteFile emits the finished container's bytes.
	WriteFile(w *ioprim.Writer) error
	// GenerateFile is the public entry point wrapping ProcessModule,
	// CalculateValues and WriteFile in order, returning the finished
	// image and this plugin's default filename extension.
	GenerateFile(module *model.Module) (image.Image, string, error)
	// Dump produces the inspector tree for the finished output.
	Dump(d *dump.Dumper) error
}

// BaseFormat supplies the Format defaults; every container plugin embeds
// this and overrides only the methods where it differs.
type BaseFormat struct {
	FormatName        string
	Segmented         bool
	SixteenBit        bool
	ProtectedMode     bool
	SupportsLibraries bool
}

func (b BaseFormat) Name() string                       { return b.FormatName }
func (b BaseFormat) FormatSupportsSegmentation() bool    { return b.Segmented }
func (b BaseFormat) FormatIs16bit() bool                 { return b.SixteenBit }
func (b BaseFormat) FormatIsProtectedMode() bool         { return b.ProtectedMode }
func (b BaseFormat) FormatSupportsLibraries() bool       { return b.SupportsLibraries }
func (b BaseFormat) FormatAdditionalSectionFlags(name string) model.Flag {
	switch name {
	case ".stack":
		return model.Stack
	case ".heap":
		return model.Heap
	case ".opt":
		return model.Optional
	default:
		return 0
	}
}

// StandardProcessModule is the segment-manager-driven implementation of
// ProcessModule shared by every OutputFormat: apply the script, then
// hand every relocation, in order, to onResolve. Plugins call this from
// their own ProcessModule and resolve each relocation in onResolve,
// handling the Outcome how they see fit (direct patch vs. a
// format-native relocation record), since that translation is
// format-specific.
func StandardProcessModule(f OutputFormat, module *model.Module, onResolve func(r *model.Relocation) error) error {
	list, err := f.GetScript(module)
	if err != nil {
		return err
	}
	params := f.ScriptParameters()
	mgr := segment.NewManager()
	if err := mgr.Apply(list, module, params, f.OnNewSegment); err != nil {
		return err
	}
	for _, r := range module.Relocations {
		if err := onResolve(r); err != nil {
			return err
		}
	}
	return nil
}
