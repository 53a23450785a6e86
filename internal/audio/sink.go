package audio

import "time"

// Sink is the hardware audio output. It owns the playback clock: all start
// and completion times are positions on that clock, expressed as elapsed
// stream time since the sink started. The engine owns the sink exclusively
// for one session's lifetime and tears it down at session end.
type Sink interface {
	// Now returns the current position on the sink clock.
	Now() time.Duration
	// Schedule queues buf to begin at start. A start already in the past is
	// clamped to now. onComplete fires once, off the render thread, when the
	// source finishes naturally or is stopped.
	Schedule(buf *Buffer, start time.Duration, onComplete func()) (Source, error)
	SampleRate() int
	Start() error
	Close() error
}

// Source is one actively playing buffer on the sink.
type Source interface {
	// Stop silences the source immediately.
	Stop()
	// FadeStop ramps gain linearly to zero over fade, then stops. A zero
	// fade degrades to Stop.
	FadeStop(fade time.Duration)
	StartTime() time.Duration
	EndTime() time.Duration
}
