package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"ksched/internal/sim"
	"ksched/internal/snapshot"
	"ksched/internal/testkit"
	"ksched/internal/trace"
)

var simCmd = &cobra.Command{
	Use:   "sim <scenario.toml>",
	Short: "Run a scheduling scenario",
	Long:  `Spawn the scenario's threads on a fresh kernel, run its steps alongside its looping threads and interrupt sources, then verify the final state`,
	Args:  cobra.ExactArgs(1),
	RunE:  runSim,
}

func init() {
	simCmd.Flags().String("snapshot", "", "write the final state to this file")
	simCmd.Flags().Bool("check", false, "check snapshot invariants after the run")
	simCmd.Flags().String("ui", "auto", "progress UI (auto|on|off)")
	simCmd.Flags().Bool("stats", true, "print run counters")
}

func runSim(cmd *cobra.Command, args []string) error {
	uiFlag, err := cmd.Flags().GetString("ui")
	if err != nil {
		return err
	}
	mode, err := readUIMode(uiFlag)
	if err != nil {
		return err
	}
	snapPath, err := cmd.Flags().GetString("snapshot")
	if err != nil {
		return err
	}
	check, err := cmd.Flags().GetBool("check")
	if err != nil {
		return err
	}
	showStats, err := cmd.Flags().GetBool("stats")
	if err != nil {
		return err
	}
	quiet, err := cmd.Root().PersistentFlags().GetBool("quiet")
	if err != nil {
		return err
	}
	timings, err := cmd.Root().PersistentFlags().GetBool("timings")
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	kc, err := cfg.KernelConfig()
	if err != nil {
		return err
	}
	sc, err := sim.LoadScenario(args[0])
	if err != nil {
		return err
	}

	cleanup, err := setupTracing(cmd, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	stopProf, err := setupProfiling(cmd)
	if err != nil {
		return err
	}
	defer stopProf()
	tracer := trace.FromContext(cmd.Context())
	kc.Tracer = tracer

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	var res *sim.Result
	if !quiet && shouldUseTUI(mode) {
		res, err = runSimWithUI(ctx, sc, kc)
	} else {
		res, err = sim.Run(ctx, sc, kc)
	}
	if err != nil {
		dumpRing(cmd, tracer)
		return fmt.Errorf("%s: %w", sc.Name, err)
	}

	out := cmd.OutOrStdout()
	if showStats && !quiet {
		if err := sim.WriteStats(out, res); err != nil {
			return err
		}
	}
	if timings {
		printTimings(out, res.Timings)
	}
	if check {
		if err := testkit.CheckSnapshot(res.Snapshot); err != nil {
			return fmt.Errorf("%s: invariant check: %w", sc.Name, err)
		}
		if !quiet {
			fmt.Fprintln(out, "invariants ok")
		}
	}
	if snapPath != "" {
		if err := snapshot.Write(snapPath, res.Snapshot); err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}
		if !quiet {
			fmt.Fprintf(out, "snapshot %s written to %s\n", res.Snapshot.RunID, snapPath)
		}
	}
	return nil
}

// dumpRing prints the retained trace events after a failed run.
func dumpRing(cmd *cobra.Command, tracer trace.Tracer) {
	ring := trace.RingOf(tracer)
	if ring == nil {
		return
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "last trace events:")
	if err := ring.Dump(cmd.ErrOrStderr(), trace.FormatText); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "trace: dump error: %v\n", err)
	}
}
