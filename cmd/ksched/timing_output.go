package main

import (
	"fmt"
	"io"

	"ksched/internal/observ"
)

func printTimings(out io.Writer, report observ.Report) {
	if out == nil {
		return
	}
	for _, p := range report.Phases {
		line := fmt.Sprintf("%s %.1f ms", p.Name, p.DurationMS)
		if p.Note != "" {
			line += " (" + p.Note + ")"
		}
		if _, err := fmt.Fprintln(out, line); err != nil {
			panic(err)
		}
	}
	if _, err := fmt.Fprintf(out, "total %.1f ms\n", report.TotalMS); err != nil {
		panic(err)
	}
}
