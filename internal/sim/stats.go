package sim

import (
	"io"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// WriteStats prints the counters of res with grouped digits.
func WriteStats(w io.Writer, res *Result) error {
	p := message.NewPrinter(language.English)
	st := res.Stats
	rows := []struct {
		label string
		value any
	}{
		{"steps", res.Steps},
		{"loop rounds", res.Rounds},
		{"interrupts", res.Interrupts},
		{"threads woken", res.Woken},
		{"reschedules", st.Sched.Reschedules},
		{"switches", st.Sched.Switches},
		{"idle", st.Sched.Idles},
		{"wait slots", st.Events.SlotsInUse},
		{"exhausted", st.Events.Exhausted},
		{"reaped", st.Reaped},
		{"term retries", st.Term.Retries},
	}
	if _, err := p.Fprintf(w, "scenario %s\n", res.Name); err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := p.Fprintf(w, "  %-14s %12d\n", row.label, row.value); err != nil {
			return err
		}
	}
	_, err := p.Fprintf(w, "  %-14s %12d\n", "slot capacity", st.Events.SlotsCap)
	return err
}
