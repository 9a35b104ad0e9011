// Package config holds the load base, trampoline vocabulary, limits and
// host environment layout shared by the segmenter, interpreter and CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"
)

const (
	DefaultLoadBase  = 0xAA000000
	DefaultMaxBlocks = 4096
	DefaultMaxSteps  = 1_000_000

	InterpreterEntry = "do_start_interp"
	ErrorExit        = "_ErrorExit"
)

// DefaultContinuations are the trampolines a fragment returns through to
// hand the next block back to the caller.
var DefaultContinuations = []string{"@HARDNumLoaded@8", "@HardpointAngle@4", "@HARDEnd@4"}

// Address is a 32-bit address that unmarshals from an integer or from a
// string such as "0xAA000000".
type Address uint32

func ParseAddress(s string) (Address, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "_", "")
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return Address(v), nil
}

func (a Address) String() string { return fmt.Sprintf("0x%08X", uint32(a)) }

func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Address) UnmarshalText(b []byte) error {
	v, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

func (a *Address) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var n uint64
	if err := unmarshal(&n); err == nil {
		if n > 0xFFFFFFFF {
			return fmt.Errorf("address %d exceeds 32 bits", n)
		}
		*a = Address(n)
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return a.UnmarshalText([]byte(s))
}

func (a *Address) UnmarshalTOML(data interface{}) error {
	switch v := data.(type) {
	case int64:
		if v < 0 || v > 0xFFFFFFFF {
			return fmt.Errorf("address %d out of range", v)
		}
		*a = Address(v)
		return nil
	case string:
		return a.UnmarshalText([]byte(v))
	}
	return fmt.Errorf("address: unsupported TOML value %T", data)
}

// Vocabulary is the set of trampoline names the segmenter and interpreter
// agree on.
type Vocabulary struct {
	InterpreterEntry string   `yaml:"interpreter_entry" toml:"interpreter_entry" json:"interpreter_entry"`
	ErrorExit        string   `yaml:"error_exit" toml:"error_exit" json:"error_exit"`
	Continuations    []string `yaml:"continuations" toml:"continuations" json:"continuations"`
	Callbacks        []string `yaml:"callbacks" toml:"callbacks" json:"callbacks,omitempty"`
}

func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		InterpreterEntry: InterpreterEntry,
		ErrorExit:        ErrorExit,
		Continuations:    append([]string(nil), DefaultContinuations...),
	}
}

func (v Vocabulary) IsContinuation(name string) bool {
	for _, c := range v.Continuations {
		if c == name {
			return true
		}
	}
	return false
}

func (v Vocabulary) IsCallback(name string) bool {
	for _, c := range v.Callbacks {
		if c == name {
			return true
		}
	}
	return false
}

// Contains reports whether name ends a block when returned through.
func (v Vocabulary) Contains(name string) bool {
	return name == v.InterpreterEntry || name == v.ErrorExit || v.IsContinuation(name) || v.IsCallback(name)
}

// Names lists every recognized trampoline name.
func (v Vocabulary) Names() []string {
	names := []string{v.InterpreterEntry, v.ErrorExit}
	names = append(names, v.Continuations...)
	return append(names, v.Callbacks...)
}

// ArgCount is the number of stack arguments a trampoline consumes.
func (v Vocabulary) ArgCount(name string) int {
	switch {
	case name == v.ErrorExit:
		return 0
	case name == v.InterpreterEntry, v.IsContinuation(name):
		return 1
	}
	return 0
}

type Limits struct {
	MaxBlocks int `yaml:"max_blocks" toml:"max_blocks" json:"max_blocks"`
	MaxSteps  int `yaml:"max_steps" toml:"max_steps" json:"max_steps"`
}

func DefaultLimits() Limits {
	return Limits{MaxBlocks: DefaultMaxBlocks, MaxSteps: DefaultMaxSteps}
}

// Port serves reads of one address from the host. Exactly one of Value or
// Script is used; Trampoline places the port at that trampoline's
// relocated memory location instead of Address.
type Port struct {
	Trampoline string  `yaml:"trampoline" toml:"trampoline" json:"trampoline,omitempty"`
	Address    Address `yaml:"address" toml:"address" json:"address,omitempty"`
	Value      Address `yaml:"value" toml:"value" json:"value"`
	Writable   bool    `yaml:"writable" toml:"writable" json:"writable,omitempty"`
	Script     string  `yaml:"script" toml:"script" json:"script,omitempty"`
}

// Region is a zero-filled writable scratch buffer. When Register is set the
// register is pointed at the start of the buffer.
type Region struct {
	Name     string  `yaml:"name" toml:"name" json:"name"`
	Address  Address `yaml:"address" toml:"address" json:"address"`
	Size     int     `yaml:"size" toml:"size" json:"size"`
	Register string  `yaml:"register" toml:"register" json:"register,omitempty"`
}

// Trampoline registers a host-side return target with its argument count.
type Trampoline struct {
	Name    string  `yaml:"name" toml:"name" json:"name"`
	Address Address `yaml:"address" toml:"address" json:"address"`
	Args    int     `yaml:"args" toml:"args" json:"args"`
}

type Config struct {
	LoadBase    Address            `yaml:"load_base" toml:"load_base" json:"load_base"`
	Entry       int                `yaml:"entry" toml:"entry" json:"entry"`
	Vocabulary  Vocabulary         `yaml:"vocabulary" toml:"vocabulary" json:"vocabulary"`
	Limits      Limits             `yaml:"limits" toml:"limits" json:"limits"`
	Ports       []Port             `yaml:"ports" toml:"ports" json:"ports,omitempty"`
	Writable    []Region           `yaml:"writable" toml:"writable" json:"writable,omitempty"`
	Trampolines []Trampoline       `yaml:"trampolines" toml:"trampolines" json:"trampolines,omitempty"`
	Registers   map[string]Address `yaml:"registers" toml:"registers" json:"registers,omitempty"`
	Stack       []Address          `yaml:"stack" toml:"stack" json:"stack,omitempty"`

	// Path is the file the configuration was loaded from.
	Path string `yaml:"-" toml:"-" json:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads a YAML (.yaml, .yml) or TOML (.toml) configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	c, err := Parse(data, strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."))
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	c.Path = path
	return c, nil
}

// Parse decodes data in the named format ("yaml", "yml" or "toml"), then
// fills defaults and validates.
func Parse(data []byte, format string) (*Config, error) {
	var c Config
	switch format {
	case "yaml", "yml":
		if err := yaml.UnmarshalStrict(data, &c); err != nil {
			return nil, err
		}
	case "toml":
		md, err := toml.Decode(string(data), &c)
		if err != nil {
			return nil, err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown keys %v", undecoded)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.LoadBase == 0 {
		c.LoadBase = DefaultLoadBase
	}
	if c.Vocabulary.InterpreterEntry == "" {
		c.Vocabulary.InterpreterEntry = InterpreterEntry
	}
	if c.Vocabulary.ErrorExit == "" {
		c.Vocabulary.ErrorExit = ErrorExit
	}
	if len(c.Vocabulary.Continuations) == 0 {
		c.Vocabulary.Continuations = append([]string(nil), DefaultContinuations...)
	}
	if c.Limits.MaxBlocks <= 0 {
		c.Limits.MaxBlocks = DefaultMaxBlocks
	}
	if c.Limits.MaxSteps <= 0 {
		c.Limits.MaxSteps = DefaultMaxSteps
	}
	for _, t := range c.Trampolines {
		if !c.Vocabulary.Contains(t.Name) {
			c.Vocabulary.Callbacks = append(c.Vocabulary.Callbacks, t.Name)
		}
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Entry < 0 {
		return fmt.Errorf("entry offset %d is negative", c.Entry)
	}
	seen := make(map[string]bool)
	for _, name := range c.Vocabulary.Names() {
		if name == "" {
			return fmt.Errorf("vocabulary contains an empty name")
		}
		if seen[name] {
			return fmt.Errorf("vocabulary name %q listed twice", name)
		}
		seen[name] = true
	}
	for i, p := range c.Ports {
		if p.Trampoline == "" && p.Address == 0 {
			return fmt.Errorf("port %d has neither trampoline nor address", i)
		}
		if p.Script != "" && p.Writable {
			return fmt.Errorf("port %d: scripted ports are read-only", i)
		}
	}
	for _, r := range c.Writable {
		if r.Size <= 0 {
			return fmt.Errorf("writable region %q has size %d", r.Name, r.Size)
		}
		if uint64(r.Address)+uint64(r.Size) > 1<<32 {
			return fmt.Errorf("writable region %q wraps the address space", r.Name)
		}
	}
	for _, t := range c.Trampolines {
		if t.Args < 0 {
			return fmt.Errorf("trampoline %q has negative argument count", t.Name)
		}
	}
	return nil
}
