// Package config loads ksched.toml.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"ksched/internal/evkind"
	"ksched/internal/kernel"
	"ksched/internal/trace"
)

// FileName is the conventional configuration file name.
const FileName = "ksched.toml"

// Config mirrors the file layout.
type Config struct {
	Kernel KernelConfig `toml:"kernel"`
	Trace  TraceConfig  `toml:"trace"`
}

// KernelConfig sizes the kernel pools.
type KernelConfig struct {
	Threads   int `toml:"threads"`
	WaitSlots int `toml:"wait_slots"`
	Kinds     int `toml:"kinds"`
}

// TraceConfig selects the tracer.
type TraceConfig struct {
	Level     string `toml:"level"`
	Mode      string `toml:"mode"`
	Format    string `toml:"format"`
	Output    string `toml:"output"`
	RingSize  int    `toml:"ring_size"`
	Heartbeat string `toml:"heartbeat"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	kc := kernel.DefaultConfig()
	return Config{
		Kernel: KernelConfig{
			Threads:   kc.Threads,
			WaitSlots: kc.WaitSlots,
			Kinds:     kc.Kinds,
		},
		Trace: TraceConfig{
			Level:    "off",
			Mode:     "ring",
			Format:   "auto",
			Output:   "-",
			RingSize: 4096,
		},
	}
}

// Load reads path over the defaults. Keys absent from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undec := meta.Undecoded(); len(undec) > 0 {
		return Config{}, fmt.Errorf("%s: unknown key %s", path, undec[0])
	}
	if meta.IsDefined("kernel", "kinds") && cfg.Kernel.Kinds > evkind.MaxKinds {
		return Config{}, fmt.Errorf("%s: [kernel].kinds must be at most %d", path, evkind.MaxKinds)
	}
	if _, err := cfg.KernelConfig(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	if _, err := cfg.TracerConfig(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// KernelConfig converts the [kernel] table.
func (c Config) KernelConfig() (kernel.Config, error) {
	kc := kernel.DefaultConfig()
	kc.Threads = c.Kernel.Threads
	kc.WaitSlots = c.Kernel.WaitSlots
	kc.Kinds = c.Kernel.Kinds
	if err := kc.Validate(); err != nil {
		return kernel.Config{}, err
	}
	return kc, nil
}

// TracerConfig converts the [trace] table.
func (c Config) TracerConfig() (trace.Config, error) {
	level, err := trace.ParseLevel(c.Trace.Level)
	if err != nil {
		return trace.Config{}, fmt.Errorf("[trace].level: %w", err)
	}
	mode, err := trace.ParseMode(c.Trace.Mode)
	if err != nil {
		return trace.Config{}, fmt.Errorf("[trace].mode: %w", err)
	}
	format, err := trace.ParseFormat(c.Trace.Format)
	if err != nil {
		return trace.Config{}, fmt.Errorf("[trace].format: %w", err)
	}
	var hb time.Duration
	if c.Trace.Heartbeat != "" {
		hb, err = time.ParseDuration(c.Trace.Heartbeat)
		if err != nil {
			return trace.Config{}, fmt.Errorf("[trace].heartbeat: %w", err)
		}
	}
	return trace.Config{
		Level:      level,
		Mode:       mode,
		Format:     format,
		OutputPath: c.Trace.Output,
		RingSize:   c.Trace.RingSize,
		Heartbeat:  hb,
	}, nil
}
