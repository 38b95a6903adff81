// Package format implements the common Format/InputFormat/OutputFormat
// lifecycle every container plugin implements, its typed option
// plumbing, and the magic-based registry used for dump/convert.
//
// Options are named, described values a plugin reads out of a flat
// string map; an OptionCollector gathers them for one-pass binding and
// help-text generation.
package format

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseValue parses a string option value into T. Supported T: string,
// int64, uint64, bool.
func ParseValue[T any](value string) (T, error) {
	var zero T
	switch any(zero).(type) {
	case string:
		return any(value).(T), nil
	case bool:
		b := value != "0" && value != "false" && value != "no" && value != "off"
		return any(b).(T), nil
	case int64:
		n, err := strconv.ParseInt(value, 0, 64)
		if err != nil {
			return zero, fmt.Errorf("format: unable to parse %q as integer: %w", value, err)
		}
		return any(n).(T), nil
	case uint64:
		n, err := strconv.ParseUint(value, 0, 64)
		if err != nil {
			return zero, fmt.Errorf("format: unable to parse %q as unsigned integer: %w", value, err)
		}
		return any(n).(T), nil
	default:
		return zero, fmt.Errorf("format: no parser registered for option type %T", zero)
	}
}

// ParseList parses a comma-separated list of T values.
func ParseList[T any](value string) ([]T, error) {
	parts := strings.Split(value, ",")
	out := make([]T, 0, len(parts))
	for _, p := range parts {
		v, err := ParseValue[T](p)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// NamedOption is the type-erased view of an Option[T] an OptionCollector
// holds, used for iteration and help-text generation.
type NamedOption interface {
	Name() string
	Description() string
	// Bind supplies the flat options map the option reads itself out of
	// when called.
	Bind(options map[string]string)
}

// Option is a single named, typed, described configuration value a format
// plugin publishes.
type Option[T any] struct {
	name        string
	description string
	defaultVal  T
	options     map[string]string
}

// NewOption declares an option with a default value used when the key is
// absent from the options map.
func NewOption[T any](name, description string, defaultVal T) *Option[T] {
	return &Option[T]{name: name, description: description, defaultVal: defaultVal}
}

func (o *Option[T]) Name() string        { return o.name }
func (o *Option[T]) Description() string { return o.description }
func (o *Option[T]) Bind(options map[string]string) { o.options = options }

// Value reads and parses the option, falling back to the default if unset
// or unparsable.
func (o *Option[T]) Value() T {
	raw, ok := o.options[o.name]
	if !ok {
		return o.defaultVal
	}
	v, err := ParseValue[T](raw)
	if err != nil {
		return o.defaultVal
	}
	return v
}

// BoolOption is present/absent rather than parsed: true iff the key
// exists at all.
type BoolOption struct {
	name        string
	description string
	options     map[string]string
}

func NewBoolOption(name, description string) *BoolOption {
	return &BoolOption{name: name, description: description}
}

func (o *BoolOption) Name() string                   { return o.name }
func (o *BoolOption) Description() string             { return o.description }
func (o *BoolOption) Bind(options map[string]string) { o.options = options }
func (o *BoolOption) Value() bool {
	_, ok := o.options[o.name]
	return ok
}

// OptionCollector gathers a plugin's NamedOptions for ConsiderOptions to
// bind against the CLI's key=value map in one pass.
type OptionCollector struct {
	Options []NamedOption
}

// NewOptionCollector builds a collector from the plugin's option fields.
func NewOptionCollector(options ...NamedOption) *OptionCollector {
	return &OptionCollector{Options: options}
}

// ConsiderOptions binds every collected option to the flat map so each
// Option's Value() call reads from it.
func (c *OptionCollector) ConsiderOptions(options map[string]string) {
	for _, opt := range c.Options {
		opt.Bind(options)
	}
}

// Describe renders a plain help listing, one line per option.
func (c *OptionCollector) Describe() string {
	var sb strings.Builder
	for _, opt := range c.Options {
		fmt.Fprintf(&sb, "  %-24s %s\n", opt.Name(), opt.Description())
	}
	return sb.String()
}
