package audio

import (
	"context"
	"time"
)

// State is the externally visible playback state.
type State int

const (
	StateIdle State = iota
	StateBuffering
	StatePlaying
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuffering:
		return "buffering"
	case StatePlaying:
		return "playing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// OverflowTrigger names which bound check dropped chunks.
type OverflowTrigger string

const (
	// TriggerDuration: a push crossed the emergency ceiling.
	TriggerDuration OverflowTrigger = "duration"
	// TriggerLookahead: the stuck-cursor reset discarded unschedulable work.
	TriggerLookahead OverflowTrigger = "lookahead"
	// TriggerWatchdog: the periodic sweep enforced the queue bound.
	TriggerWatchdog OverflowTrigger = "watchdog"
)

// SessionState tracks one AI utterance's stream.
type SessionState string

const (
	SessionReceiving   SessionState = "receiving"
	SessionEnded       SessionState = "ended"
	SessionInterrupted SessionState = "interrupted"
)

// StreamSession is one AI utterance's audio, created on the first chunk of a
// new stream and retired on interruption or full playout. At most one
// session is receiving at a time.
type StreamSession struct {
	ID            string
	State         SessionState
	QueuedBytes   int
	FirstChunkAt  time.Time
	FirstAudioAt  time.Duration
	firstAudioSet bool
}

// InterruptStats describes one interruption episode.
type InterruptStats struct {
	StreamID       string
	DroppedChunks  int
	StoppedSources int
	// CompletionPct is how far through the utterance playback had gotten
	// when it was cut, 0..100.
	CompletionPct float64
}

type EngineStats struct {
	State           State
	QueuedChunks    int
	QueuedDuration  time.Duration
	ActiveSources   int
	TotalEnqueued   int
	TotalPlayed     int
	TotalDropped    int
	TotalInterrupts int
}

// Observer receives engine telemetry. Implementations must not call back
// into the engine.
type Observer interface {
	StateChanged(from, to State)
	FirstAudio(ttfa time.Duration)
	ChunkReceived(bytes int)
	ChunkDropped(n int, trigger OverflowTrigger)
	DecodeError()
	QueueDepth(chunks int, queued time.Duration)
	Interrupted(stats InterruptStats)
	SchedulingStall(ahead time.Duration)
}

type NopObserver struct{}

func (NopObserver) StateChanged(from, to State)                {}
func (NopObserver) FirstAudio(ttfa time.Duration)              {}
func (NopObserver) ChunkReceived(bytes int)                    {}
func (NopObserver) ChunkDropped(n int, trigger OverflowTrigger) {}
func (NopObserver) DecodeError()                               {}
func (NopObserver) QueueDepth(chunks int, queued time.Duration) {}
func (NopObserver) Interrupted(stats InterruptStats)           {}
func (NopObserver) SchedulingStall(ahead time.Duration)        {}

// PlaybackEngine consumes asynchronously arriving PCM chunks and plays them
// gaplessly on the sink clock, with near-instant cancellation on barge-in.
type PlaybackEngine interface {
	Start(ctx context.Context) error
	Close() error

	// PushChunk ingests one PCM16 chunk for streamID. The first chunk of a
	// new stream retires the prior session and clears the interruption
	// flag; chunks of an interrupted stream are dropped silently.
	PushChunk(streamID string, data []byte) error
	// EndOfStream signals that no further chunks will arrive for streamID.
	EndOfStream(streamID string)
	// Interrupt stops all output within the fade duration, clears the
	// queue, and resets scheduling. Idempotent per episode.
	Interrupt(fade time.Duration) InterruptStats

	State() State
	Stats() EngineStats

	SetObserver(o Observer)
	SetOnStateChange(fn func(State))
	SetOnFirstAudio(fn func(ttfa time.Duration))
	SetOnPlaybackFinished(fn func())
	SetOnInterruption(fn func(InterruptStats))
}

// EngineConfig tunes the playback engine.
type EngineConfig struct {
	SampleRate       int
	PrebufferEnabled bool
	PrebufferChunks  int
	PrebufferTimeout time.Duration
	CrossfadeEnabled bool
	CrossfadeSamples int
	// Lookahead caps how far ahead of "now" the scheduling cursor may run.
	Lookahead        time.Duration
	MaxQueueDuration time.Duration
	SafetyMargin     time.Duration
	FadeOut          time.Duration
	WatchdogInterval time.Duration
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		SampleRate:       24000,
		PrebufferEnabled: true,
		PrebufferChunks:  3,
		PrebufferTimeout: 500 * time.Millisecond,
		CrossfadeEnabled: true,
		CrossfadeSamples: 128,
		Lookahead:        2500 * time.Millisecond,
		MaxQueueDuration: 10 * time.Minute,
		SafetyMargin:     10 * time.Millisecond,
		FadeOut:          50 * time.Millisecond,
		WatchdogInterval: 500 * time.Millisecond,
	}
}
