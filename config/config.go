// Package config handles glacier.toml machine configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/glossopoeia/glacier/runtime"
)

const FileName = "glacier.toml"

const (
	HeapCollected = "collected"
	HeapBounded   = "bounded"

	HasherXXH3 = "xxh3"
	HasherFNV  = "fnv"
)

// Config represents a glacier.toml file.
type Config struct {
	VM    VM    `toml:"vm"`
	Heap  Heap  `toml:"heap"`
	Map   Map   `toml:"map"`
	Trace Trace `toml:"trace"`
	Log   Log   `toml:"log"`

	// Path is the file the configuration was loaded from, empty for defaults.
	Path string `toml:"-"`
}

// VM sizes the fixed-capacity stacks.
type VM struct {
	StackSize     int `toml:"stack-size"`
	CallDepth     int `toml:"call-depth"`
	FrameBindings int `toml:"frame-bindings"`
}

// Heap selects the allocation strategy. Limit is a human readable size such
// as "64 MiB" and only applies to the bounded strategy.
type Heap struct {
	Strategy string `toml:"strategy"`
	Limit    string `toml:"limit"`
}

type Map struct {
	Hasher string `toml:"hasher"`
}

type Trace struct {
	Values    bool `toml:"values"`
	Frames    bool `toml:"frames"`
	Execution bool `toml:"execution"`
}

type Log struct {
	Level string `toml:"level"`
}

func Default() *Config {
	return &Config{
		VM: VM{
			StackSize:     runtime.DefaultStackSize,
			CallDepth:     runtime.DefaultCallDepth,
			FrameBindings: runtime.DefaultFrameBindings,
		},
		Heap: Heap{Strategy: HeapCollected, Limit: "64 MiB"},
		Map:  Map{Hasher: HasherXXH3},
		Log:  Log{Level: "warn"},
	}
}

// Load parses a configuration file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	c.Path = path

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir looking for glacier.toml. The defaults
// are returned when no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", startDir, err)
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return Default(), nil
		}
		dir = parent
	}
}

func (c *Config) Validate() error {
	if c.VM.StackSize <= 0 {
		return fmt.Errorf("vm.stack-size must be positive, got %d", c.VM.StackSize)
	}
	if c.VM.CallDepth <= 0 {
		return fmt.Errorf("vm.call-depth must be positive, got %d", c.VM.CallDepth)
	}
	// Binding ids are single bytes.
	if c.VM.FrameBindings <= 0 || c.VM.FrameBindings > 256 {
		return fmt.Errorf("vm.frame-bindings must be between 1 and 256, got %d", c.VM.FrameBindings)
	}
	switch c.Heap.Strategy {
	case HeapCollected:
	case HeapBounded:
		if _, err := c.HeapLimit(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown heap.strategy %q", c.Heap.Strategy)
	}
	switch c.Map.Hasher {
	case HasherXXH3, HasherFNV:
	default:
		return fmt.Errorf("unknown map.hasher %q", c.Map.Hasher)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

func (c *Config) HeapLimit() (uint64, error) {
	limit, err := humanize.ParseBytes(c.Heap.Limit)
	if err != nil {
		return 0, fmt.Errorf("heap.limit %q: %w", c.Heap.Limit, err)
	}
	if limit == 0 {
		return 0, fmt.Errorf("heap.limit must be positive")
	}
	return limit, nil
}

func (c *Config) LogLevel() (zerolog.Level, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("log.level %q: %w", c.Log.Level, err)
	}
	return level, nil
}

// EnableTrace switches on the named trace channels: values, frames,
// execution or all.
func (c *Config) EnableTrace(names []string) error {
	for _, name := range names {
		switch strings.TrimSpace(name) {
		case "values":
			c.Trace.Values = true
		case "frames":
			c.Trace.Frames = true
		case "execution":
			c.Trace.Execution = true
		case "all":
			c.Trace = Trace{Values: true, Frames: true, Execution: true}
		case "":
		default:
			return fmt.Errorf("unknown trace channel %q", name)
		}
	}
	return nil
}

// Options builds machine options writing program output to out.
func (c *Config) Options(out io.Writer, logger zerolog.Logger) (runtime.Options, error) {
	opts := runtime.DefaultOptions()
	opts.StackSize = c.VM.StackSize
	opts.CallDepth = c.VM.CallDepth
	opts.FrameBindings = c.VM.FrameBindings
	opts.Out = out
	opts.Logger = logger
	opts.TraceValues = c.Trace.Values
	opts.TraceFrames = c.Trace.Frames
	opts.TraceExecution = c.Trace.Execution

	switch c.Heap.Strategy {
	case HeapBounded:
		limit, err := c.HeapLimit()
		if err != nil {
			return opts, err
		}
		opts.Heap = runtime.NewBoundedHeap(limit)
	default:
		opts.Heap = runtime.NewCollectedHeap()
	}

	switch c.Map.Hasher {
	case HasherFNV:
		opts.Hasher = runtime.FNV
	default:
		opts.Hasher = runtime.XXH3
	}
	return opts, nil
}
