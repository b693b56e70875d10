package trace

// discard drops everything. Its Level is LevelOff, so Point and Begin
// return before building an event.
type discard struct{}

func (discard) Emit(*Event)   {}
func (discard) Flush() error  { return nil }
func (discard) Close() error  { return nil }
func (discard) Level() Level  { return LevelOff }
func (discard) Enabled() bool { return false }

// Nop is the tracer used when tracing is off.
var Nop Tracer = discard{}

// Or returns t, or Nop when t is nil.
func Or(t Tracer) Tracer {
	if t == nil {
		return Nop
	}
	return t
}
