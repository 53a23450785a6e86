package bargein

import (
	"slices"
	"time"
)

// PipelineState mirrors the conversation pipeline around the playback
// engine. Only a few states matter to barge-in itself; the rest exist so
// upstream status can be tracked and gated consistently.
type PipelineState int

const (
	StateIdle PipelineState = iota
	StateCalibrating
	StateConnecting
	StateListening
	StateSpeechDetected
	StateUserSpeaking
	StateProcessingSTT
	StateProcessingLLM
	StateAIResponding
	StateAISpeaking
	StateBargeInDetected
	StateSoftBarge
	StateAwaitingContinuation
	StateToolCallPending
	StateError
)

func (s PipelineState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalibrating:
		return "calibrating"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateSpeechDetected:
		return "speech_detected"
	case StateUserSpeaking:
		return "user_speaking"
	case StateProcessingSTT:
		return "processing_stt"
	case StateProcessingLLM:
		return "processing_llm"
	case StateAIResponding:
		return "ai_responding"
	case StateAISpeaking:
		return "ai_speaking"
	case StateBargeInDetected:
		return "barge_in_detected"
	case StateSoftBarge:
		return "soft_barge"
	case StateAwaitingContinuation:
		return "awaiting_continuation"
	case StateToolCallPending:
		return "tool_call_pending"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ParsePipelineState maps a wire name back to a PipelineState.
func ParsePipelineState(name string) (PipelineState, bool) {
	for s := StateIdle; s <= StateError; s++ {
		if s.String() == name {
			return s, true
		}
	}
	return StateIdle, false
}

// Classification of a voice-activity episode observed while the AI speaks.
type Classification string

const (
	// ClassBackchannel is a short acknowledgement that must not interrupt.
	ClassBackchannel Classification = "backchannel"
	// ClassSoftBarge passed the confirm threshold; playback is already cut.
	ClassSoftBarge Classification = "soft_barge"
	// ClassHardBarge passed the hard threshold; the user clearly took the turn.
	ClassHardBarge Classification = "hard_barge"
	// ClassUnclear fired as soft but activity stopped before the hard
	// threshold; the turn owner is ambiguous.
	ClassUnclear Classification = "unclear"
)

// Event describes one classified barge-in observation.
type Event struct {
	Classification Classification
	Duration       time.Duration
	Confidence     float64
	At             time.Time
}

// Command is a manual control input. Commands route through the same
// idempotency guards as voice-driven interruption.
type Command int

const (
	// CommandStart begins listening.
	CommandStart Command = iota
	// CommandStop hard-stops any AI speech.
	CommandStop
	// CommandMute toggles the mic: voice activity is ignored while muted.
	CommandMute
	// CommandForceReply requests an early response to a pending utterance.
	CommandForceReply
)

// Observer receives controller events. Calls are made outside the
// controller's lock and may block briefly.
type Observer interface {
	PipelineStateChanged(from, to PipelineState)
	BargeIn(Event)
}

// NopObserver is the default Observer.
type NopObserver struct{}

func (NopObserver) PipelineStateChanged(from, to PipelineState) {}
func (NopObserver) BargeIn(Event)                               {}

// Config holds the classification thresholds and the fade applied on a
// confirmed interruption.
type Config struct {
	SpeechConfirm time.Duration
	HardBargeMin  time.Duration
	Fade          time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		SpeechConfirm: 100 * time.Millisecond,
		HardBargeMin:  300 * time.Millisecond,
		Fade:          50 * time.Millisecond,
	}
}

// Controller is the barge-in state machine. Voice activity is honored only
// while the AI holds the speaking turn; everything else is gating.
type Controller interface {
	SetPipelineState(to PipelineState) bool
	State() PipelineState
	Muted() bool

	// OnVADSignal reports the current voice-activity sample: whether speech
	// is detected and for how long it has been continuously observed.
	OnVADSignal(active bool, continuous time.Duration)

	// Control applies a manual command.
	Control(cmd Command)

	SetObserver(o Observer)
}

// validTransitions is the full pipeline transition map. Any state can fall
// into error; error recovers through idle or listening.
var validTransitions = map[PipelineState][]PipelineState{
	StateIdle:                 {StateCalibrating, StateConnecting, StateListening, StateError},
	StateCalibrating:          {StateConnecting, StateListening, StateIdle, StateError},
	StateConnecting:           {StateListening, StateIdle, StateError},
	StateListening:            {StateSpeechDetected, StateAIResponding, StateIdle, StateError},
	StateSpeechDetected:       {StateUserSpeaking, StateListening, StateError},
	StateUserSpeaking:         {StateProcessingSTT, StateAwaitingContinuation, StateListening, StateError},
	StateProcessingSTT:        {StateProcessingLLM, StateListening, StateError},
	StateProcessingLLM:        {StateAIResponding, StateToolCallPending, StateListening, StateError},
	StateAIResponding:         {StateAISpeaking, StateToolCallPending, StateListening, StateError},
	StateAISpeaking:           {StateSoftBarge, StateBargeInDetected, StateAIResponding, StateListening, StateIdle, StateError},
	StateBargeInDetected:      {StateUserSpeaking, StateAISpeaking, StateListening, StateError},
	StateSoftBarge:            {StateBargeInDetected, StateAwaitingContinuation, StateAISpeaking, StateListening, StateError},
	StateAwaitingContinuation: {StateUserSpeaking, StateProcessingSTT, StateListening, StateError},
	StateToolCallPending:      {StateAIResponding, StateProcessingLLM, StateListening, StateError},
	StateError:                {StateIdle, StateListening},
}

// CanTransition reports whether the pipeline may move from one state to
// another.
func CanTransition(from, to PipelineState) bool {
	validTo, ok := validTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(validTo, to)
}
