package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"ksched/internal/evkind"
	"ksched/internal/snapshot"
	"ksched/internal/testkit"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <snapshot.mp>",
	Short: "Print a saved kernel snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		check, err := cmd.Flags().GetBool("check")
		if err != nil {
			return err
		}
		s, err := snapshot.Read(args[0])
		if err != nil {
			return err
		}
		renderSnapshot(cmd.OutOrStdout(), s)
		if check {
			if err := testkit.CheckSnapshot(s); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "invariants ok")
		}
		return nil
	},
}

func init() {
	inspectCmd.Flags().Bool("check", false, "check snapshot invariants")
}

var (
	headerColor  = color.New(color.Bold)
	runningColor = color.New(color.FgGreen, color.Bold)
	readyColor   = color.New(color.FgCyan)
	blockedColor = color.New(color.FgYellow)
	dyingColor   = color.New(color.FgRed)
	dimColor     = color.New(color.Faint)
)

func stateColor(state string) *color.Color {
	switch state {
	case "running":
		return runningColor
	case "ready":
		return readyColor
	case "blocked":
		return blockedColor
	case "dying", "dead":
		return dyingColor
	default:
		return dimColor
	}
}

func renderSnapshot(out io.Writer, s *snapshot.Snapshot) {
	headerColor.Fprintf(out, "run %s", s.RunID)
	dimColor.Fprintf(out, "  taken %s  schema %d\n", s.Taken.Format("2006-01-02 15:04:05.000"), s.Schema)

	current := "idle"
	if s.Current != 0 {
		current = threadLabel(s, s.Current)
	}
	fmt.Fprintf(out, "current: %s\n", current)

	ready := make([]string, len(s.Ready))
	for i, id := range s.Ready {
		ready[i] = threadLabel(s, id)
	}
	fmt.Fprintf(out, "ready:   [%s]\n", strings.Join(ready, " "))
	if len(s.Pending) > 0 {
		pending := make([]string, len(s.Pending))
		for i, id := range s.Pending {
			pending[i] = threadLabel(s, id)
		}
		fmt.Fprintf(out, "dying:   [%s]\n", strings.Join(pending, " "))
	}

	headerColor.Fprintln(out, "\nthreads")
	for _, th := range s.Threads {
		state := stateColor(th.State).Sprintf("%-8s", th.State)
		fmt.Fprintf(out, "  %4d %-14s %s %s\n", th.ID, th.Name, state, waitsLabel(s, th.Waits))
	}

	headerColor.Fprintln(out, "\nwait lists")
	if len(s.Lists) == 0 {
		dimColor.Fprintln(out, "  (empty)")
	}
	for _, l := range s.Lists {
		parts := make([]string, len(l.Waiters))
		for i, w := range l.Waiters {
			parts[i] = fmt.Sprintf("%d%s", w.TID, objectLabel(w.Object))
		}
		fmt.Fprintf(out, "  %-14s %s\n", s.KindName(l.Kind), strings.Join(parts, " "))
	}

	headerColor.Fprintln(out, "\ncounters")
	fmt.Fprintf(out, "  slots %d/%d  reschedules %d  switches %d  idle %d\n",
		s.SlotsInUse, s.SlotsCap, s.Stats.Reschedules, s.Stats.Switches, s.Stats.Idles)
	fmt.Fprintf(out, "  woken %d  exhausted %d  reaped %d\n", s.Stats.Woken, s.Stats.Exhausted, s.Stats.Reaped)
}

func threadLabel(s *snapshot.Snapshot, id uint32) string {
	th := s.Thread(id)
	if th == nil || th.Name == "" {
		return fmt.Sprintf("%d", id)
	}
	return fmt.Sprintf("%d:%s", id, th.Name)
}

func waitsLabel(s *snapshot.Snapshot, waits []snapshot.Wait) string {
	if len(waits) == 0 {
		return ""
	}
	parts := make([]string, len(waits))
	for i, w := range waits {
		parts[i] = s.KindName(w.Kind) + objectLabel(w.Object)
	}
	return dimColor.Sprint("waits " + strings.Join(parts, ","))
}

func objectLabel(obj uint64) string {
	if obj == 0 {
		return ""
	}
	return fmt.Sprintf("@%#x", obj)
}

var kindsCmd = &cobra.Command{
	Use:   "kinds",
	Short: "List the standard event kinds",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		for _, k := range evkind.Catalog() {
			if _, err := fmt.Fprintf(out, "%3d  %-14s %#08x\n", int(k), k, uint32(k.Bit())); err != nil {
				return err
			}
		}
		return nil
	},
}
