package sim

import "time"

// Status captures the progress state of a track.
type Status string

const (
	// StatusQueued indicates the track has not started.
	StatusQueued Status = "queued"
	// StatusWorking indicates the track is running.
	StatusWorking Status = "working"
	// StatusDone indicates the track finished.
	StatusDone Status = "done"
	// StatusError indicates the track failed.
	StatusError Status = "error"
)

// StepsTrack is the track of the scripted step list.
const StepsTrack = "steps"

// Event reports progress of one track: the step script, a looping thread
// or an interrupt source.
type Event struct {
	Track   string
	Status  Status
	Done    int
	Total   int
	Detail  string
	Err     error
	Elapsed time.Duration
}

// Fraction returns how far the track is, in [0, 1].
func (e Event) Fraction() float64 {
	switch {
	case e.Status == StatusDone || e.Status == StatusError:
		return 1
	case e.Total <= 0:
		return 0
	case e.Done >= e.Total:
		return 1
	default:
		return float64(e.Done) / float64(e.Total)
	}
}

// Sink consumes progress events. OnEvent may be called from several
// goroutines.
type Sink interface {
	OnEvent(Event)
}

// ChannelSink forwards events into a channel.
type ChannelSink struct {
	Ch chan<- Event
}

func (s ChannelSink) OnEvent(evt Event) {
	if s.Ch == nil {
		return
	}
	s.Ch <- evt
}

type nopSink struct{}

func (nopSink) OnEvent(Event) {}
