package sim

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"ksched/internal/event"
	"ksched/internal/evkind"
)

// Scenario is a scripted run against one kernel.
type Scenario struct {
	Name    string       `toml:"name"`
	Timeout duration     `toml:"timeout"`
	Kernel  KernelConfig `toml:"kernel"`

	Threads    []ThreadSpec    `toml:"thread"`
	Interrupts []InterruptSpec `toml:"interrupt"`
	Steps      []Step          `toml:"step"`
}

// KernelConfig overrides kernel sizes for one scenario. Zero keeps the
// value from the configuration file.
type KernelConfig struct {
	Threads   int `toml:"threads"`
	WaitSlots int `toml:"wait_slots"`
}

// ThreadSpec declares a thread spawned before the steps run. A thread with
// Rounds > 0 is driven by its own goroutine that waits on Kinds for Object
// and parks, Rounds times.
type ThreadSpec struct {
	Name   string   `toml:"name"`
	Kinds  []string `toml:"kinds"`
	Object uint64   `toml:"object"`
	Rounds int      `toml:"rounds"`
}

// InterruptSpec declares a concurrent producer that wakes Kinds for Object.
// Count 0 keeps producing until every looping thread finished.
type InterruptSpec struct {
	Name     string   `toml:"name"`
	Kinds    []string `toml:"kinds"`
	Object   uint64   `toml:"object"`
	Count    int      `toml:"count"`
	Interval duration `toml:"interval"`
}

// WaitSpec is one entry of a multi-wait.
type WaitSpec struct {
	Kinds  []string `toml:"kinds"`
	Object uint64   `toml:"object"`
}

// Step is one scripted kernel call with optional expectations.
type Step struct {
	Op     string     `toml:"op"`
	Thread string     `toml:"thread"`
	Kinds  []string   `toml:"kinds"`
	Object uint64     `toml:"object"`
	Waits  []WaitSpec `toml:"waits"`

	// Expect is the woken count for wake steps and 0/1 for wake_thread.
	Expect *int `toml:"expect"`
	// Next is the expected thread after reschedule, yield and exit;
	// "idle" expects nothing runnable.
	Next string `toml:"next"`
	// State is the expected state for expect steps.
	State string `toml:"state"`
	// Error is the expected failure: "exhausted", "unknown", "dying" or
	// "booted".
	Error string `toml:"error"`
}

// Op names.
const (
	OpSpawn      = "spawn"
	OpBoot       = "boot"
	OpReschedule = "reschedule"
	OpYield      = "yield"
	OpWait       = "wait"
	OpSuspend    = "suspend"
	OpWake       = "wake"
	OpWakeThread = "wake_thread"
	OpUnblock    = "unblock"
	OpRemove     = "remove"
	OpKill       = "kill"
	OpExit       = "exit"
	OpExpect     = "expect"
	OpSettle     = "settle"
	OpVerify     = "verify"
)

var opNeedsThread = map[string]bool{
	OpSpawn:      true,
	OpBoot:       true,
	OpReschedule: false,
	OpYield:      true,
	OpWait:       true,
	OpSuspend:    true,
	OpWake:       false,
	OpWakeThread: true,
	OpUnblock:    true,
	OpRemove:     true,
	OpKill:       true,
	OpExit:       true,
	OpExpect:     true,
	OpSettle:     false,
	OpVerify:     false,
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	var sc Scenario
	meta, err := toml.DecodeFile(path, &sc)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if err := sc.validate(meta); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &sc, nil
}

// ParseScenario decodes and validates scenario text.
func ParseScenario(data string) (*Scenario, error) {
	var sc Scenario
	meta, err := toml.Decode(data, &sc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}
	if err := sc.validate(meta); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (sc *Scenario) validate(meta toml.MetaData) error {
	if undec := meta.Undecoded(); len(undec) > 0 {
		return fmt.Errorf("unknown key %s", undec[0])
	}
	if strings.TrimSpace(sc.Name) == "" {
		return fmt.Errorf("missing name")
	}
	if len(sc.Steps) == 0 && len(sc.Threads) == 0 {
		return fmt.Errorf("scenario has neither steps nor threads")
	}
	seen := make(map[string]bool, len(sc.Threads))
	for i, th := range sc.Threads {
		if th.Name == "" {
			return fmt.Errorf("thread %d: missing name", i)
		}
		if seen[th.Name] {
			return fmt.Errorf("thread %q declared twice", th.Name)
		}
		seen[th.Name] = true
		if th.Rounds < 0 {
			return fmt.Errorf("thread %q: negative rounds", th.Name)
		}
		if th.Rounds > 0 {
			if _, err := parseKinds(th.Kinds); err != nil {
				return fmt.Errorf("thread %q: %w", th.Name, err)
			}
		}
	}
	for i, in := range sc.Interrupts {
		if in.Name == "" {
			sc.Interrupts[i].Name = fmt.Sprintf("irq%d", i)
		}
		if in.Count < 0 {
			return fmt.Errorf("interrupt %q: negative count", sc.Interrupts[i].Name)
		}
		if _, err := parseKinds(in.Kinds); err != nil {
			return fmt.Errorf("interrupt %q: %w", sc.Interrupts[i].Name, err)
		}
	}
	for i, st := range sc.Steps {
		needs, ok := opNeedsThread[st.Op]
		if !ok {
			return fmt.Errorf("step %d: unknown op %q", i+1, st.Op)
		}
		if needs && st.Thread == "" {
			return fmt.Errorf("step %d (%s): missing thread", i+1, st.Op)
		}
		switch st.Op {
		case OpWake, OpWakeThread:
			if _, err := parseKinds(st.Kinds); err != nil {
				return fmt.Errorf("step %d (%s): %w", i+1, st.Op, err)
			}
		case OpWait:
			if _, err := st.waitObjects(); err != nil {
				return fmt.Errorf("step %d (%s): %w", i+1, st.Op, err)
			}
		case OpExpect:
			if st.State == "" {
				return fmt.Errorf("step %d (%s): missing state", i+1, st.Op)
			}
		}
		switch st.Error {
		case "", "exhausted", "unknown", "dying", "booted":
		default:
			return fmt.Errorf("step %d (%s): unknown error %q", i+1, st.Op, st.Error)
		}
	}
	return nil
}

// checkKinds rejects kinds that a table of the given size does not hold.
// Everything it looks at already passed validate.
func (sc *Scenario) checkKinds(kinds int) error {
	check := func(what string, names []string) error {
		if len(names) == 0 {
			return nil
		}
		mask, err := parseKinds(names)
		if err != nil {
			return fmt.Errorf("%s: %w", what, err)
		}
		if kinds < evkind.MaxKinds && mask>>uint(kinds) != 0 {
			return fmt.Errorf("%s: kinds %s outside table of %d kinds", what, mask, kinds)
		}
		return nil
	}
	for _, th := range sc.Threads {
		if th.Rounds == 0 {
			continue
		}
		if err := check(fmt.Sprintf("thread %q", th.Name), th.Kinds); err != nil {
			return err
		}
	}
	for _, in := range sc.Interrupts {
		if err := check(fmt.Sprintf("interrupt %q", in.Name), in.Kinds); err != nil {
			return err
		}
	}
	for i, st := range sc.Steps {
		what := fmt.Sprintf("step %d (%s)", i+1, st.Op)
		if err := check(what, st.Kinds); err != nil {
			return err
		}
		for _, w := range st.Waits {
			if err := check(what, w.Kinds); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseKinds(names []string) (evkind.Mask, error) {
	if len(names) == 0 {
		return 0, fmt.Errorf("no kinds")
	}
	var mask evkind.Mask
	for _, n := range names {
		k, err := evkind.Parse(n)
		if err != nil {
			return 0, err
		}
		mask |= k.Bit()
	}
	return mask, nil
}

// waitObjects builds the wait list of a wait step: either Waits, or Kinds
// with Object.
func (st Step) waitObjects() ([]event.WaitObject, error) {
	if len(st.Waits) == 0 {
		mask, err := parseKinds(st.Kinds)
		if err != nil {
			return nil, err
		}
		return []event.WaitObject{{Events: mask, Object: event.Object(st.Object)}}, nil
	}
	out := make([]event.WaitObject, 0, len(st.Waits))
	for _, w := range st.Waits {
		var mask evkind.Mask
		if len(w.Kinds) > 0 {
			m, err := parseKinds(w.Kinds)
			if err != nil {
				return nil, err
			}
			mask = m
		}
		out = append(out, event.WaitObject{Events: mask, Object: event.Object(w.Object)})
	}
	return out, nil
}
