package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ksched/internal/config"
	"ksched/internal/trace"
)

// setupTracing merges the [trace] table of cfg with the trace flags, builds
// the tracer and attaches it to the command context. Flags win over the
// file. The returned cleanup flushes and closes the tracer.
func setupTracing(cmd *cobra.Command, cfg config.Config) (func(), error) {
	flags := cmd.Root().PersistentFlags()
	tc := cfg.Trace
	var err error
	if flags.Changed("trace") {
		if tc.Output, err = flags.GetString("trace"); err != nil {
			return nil, fmt.Errorf("failed to get trace flag: %w", err)
		}
		// naming an output implies at least info level
		if !flags.Changed("trace-level") && (tc.Level == "" || tc.Level == "off") {
			tc.Level = "info"
		}
		if !flags.Changed("trace-mode") {
			tc.Mode = "stream"
		}
	}
	if flags.Changed("trace-level") {
		if tc.Level, err = flags.GetString("trace-level"); err != nil {
			return nil, fmt.Errorf("failed to get trace-level flag: %w", err)
		}
	}
	if flags.Changed("trace-mode") {
		if tc.Mode, err = flags.GetString("trace-mode"); err != nil {
			return nil, fmt.Errorf("failed to get trace-mode flag: %w", err)
		}
	}
	if flags.Changed("trace-format") {
		if tc.Format, err = flags.GetString("trace-format"); err != nil {
			return nil, fmt.Errorf("failed to get trace-format flag: %w", err)
		}
	}
	if flags.Changed("trace-ring-size") {
		if tc.RingSize, err = flags.GetInt("trace-ring-size"); err != nil {
			return nil, fmt.Errorf("failed to get trace-ring-size flag: %w", err)
		}
	}
	if flags.Changed("trace-heartbeat") {
		hb, err := flags.GetDuration("trace-heartbeat")
		if err != nil {
			return nil, fmt.Errorf("failed to get trace-heartbeat flag: %w", err)
		}
		tc.Heartbeat = hb.String()
	}

	cfg.Trace = tc
	traceCfg, err := cfg.TracerConfig()
	if err != nil {
		return nil, err
	}
	if traceCfg.Level == trace.LevelOff {
		cmd.SetContext(trace.WithTracer(cmd.Context(), trace.Nop))
		return func() {}, nil
	}

	tracer, err := trace.New(traceCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}
	cmd.SetContext(trace.WithTracer(cmd.Context(), tracer))

	var heartbeat *trace.Heartbeat
	if traceCfg.Heartbeat > 0 {
		heartbeat = trace.StartHeartbeat(tracer, traceCfg.Heartbeat)
	}

	cleanup := func() {
		if heartbeat != nil {
			heartbeat.Stop()
		}
		if err := tracer.Flush(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "trace: flush error: %v\n", err)
		}
		if err := tracer.Close(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "trace: close error: %v\n", err)
		}
	}
	return cleanup, nil
}

// loadConfig reads --config, or ksched.toml from the working directory when
// present, or falls back to the defaults.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to get config flag: %w", err)
	}
	if path == "" {
		found, ok, err := findConfig(".")
		if err != nil {
			return config.Config{}, err
		}
		if !ok {
			return config.Default(), nil
		}
		path = found
	}
	return config.Load(path)
}
