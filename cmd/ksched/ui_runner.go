package main

import (
	"context"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"ksched/internal/kernel"
	"ksched/internal/sim"
	"ksched/internal/ui"
)

type simOutcome struct {
	result *sim.Result
	err    error
}

func runSimWithUI(ctx context.Context, sc *sim.Scenario, kc kernel.Config) (*sim.Result, error) {
	events := make(chan sim.Event, 256)
	outcomeCh := make(chan simOutcome, 1)

	go func() {
		res, err := sim.Run(ctx, sc, kc, sim.WithSink(sim.ChannelSink{Ch: events}))
		outcomeCh <- simOutcome{result: res, err: err}
		close(events)
	}()

	model := ui.NewProgressModel(sc.Name, []string{sim.StepsTrack}, events)
	program := tea.NewProgram(model, tea.WithOutput(os.Stdout))
	_, uiErr := program.Run()
	if uiErr != nil {
		// keep the runner from blocking on a full channel
		go func() {
			for range events {
			}
		}()
	}
	outcome := <-outcomeCh
	if uiErr != nil {
		return outcome.result, uiErr
	}
	return outcome.result, outcome.err
}
