package bargein

import (
	"sync"
	"testing"
	"time"

	"github.com/cadenza-audio/cadenza/internal/audio"
)

type fakeEngine struct {
	mu    sync.Mutex
	fades []time.Duration
}

func (f *fakeEngine) Interrupt(fade time.Duration) audio.InterruptStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fades = append(f.fades, fade)
	return audio.InterruptStats{StreamID: "s1", DroppedChunks: 3, StoppedSources: 1}
}

func (f *fakeEngine) calls() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.fades...)
}

type recObserver struct {
	mu     sync.Mutex
	events []Event
	states []PipelineState
}

func (o *recObserver) PipelineStateChanged(from, to PipelineState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, to)
}

func (o *recObserver) BargeIn(ev Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func (o *recObserver) captured() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Event(nil), o.events...)
}

// speakingController builds a controller already in ai_speaking.
func speakingController(t *testing.T, engine Interrupter) (Controller, *recObserver) {
	t.Helper()
	c := NewController(DefaultConfig(), engine)
	obs := &recObserver{}
	c.SetObserver(obs)
	for _, s := range []PipelineState{StateListening, StateAIResponding, StateAISpeaking} {
		if !c.SetPipelineState(s) {
			t.Fatalf("cannot reach %s", s)
		}
	}
	return c, obs
}

func TestHardBargeAfterSustainedSpeech(t *testing.T) {
	engine := &fakeEngine{}
	c, obs := speakingController(t, engine)

	// 350ms of continuous speech while the AI is talking.
	c.OnVADSignal(true, 350*time.Millisecond)

	calls := engine.calls()
	if len(calls) != 1 {
		t.Fatalf("interrupt calls = %d, want 1", len(calls))
	}
	if calls[0] != 50*time.Millisecond {
		t.Fatalf("fade = %v, want 50ms", calls[0])
	}
	events := obs.captured()
	if len(events) != 1 || events[0].Classification != ClassHardBarge {
		t.Fatalf("events = %+v, want one hard_barge", events)
	}
	if events[0].Confidence != 1 {
		t.Fatalf("confidence = %v, want 1", events[0].Confidence)
	}
	if c.State() != StateBargeInDetected {
		t.Fatalf("state = %s, want barge_in_detected", c.State())
	}
}

func TestShortActivityIsBackchannel(t *testing.T) {
	engine := &fakeEngine{}
	c, obs := speakingController(t, engine)

	c.OnVADSignal(true, 50*time.Millisecond)
	c.OnVADSignal(false, 0)

	if n := len(engine.calls()); n != 0 {
		t.Fatalf("interrupt fired %d times for sub-confirm activity", n)
	}
	if n := len(obs.captured()); n != 0 {
		t.Fatalf("events = %d, want 0", n)
	}
	if c.State() != StateAISpeaking {
		t.Fatalf("state = %s, want ai_speaking", c.State())
	}
}

func TestSoftBargeUpgradesWithoutRefiring(t *testing.T) {
	engine := &fakeEngine{}
	c, obs := speakingController(t, engine)

	c.OnVADSignal(true, 150*time.Millisecond)
	if c.State() != StateSoftBarge {
		t.Fatalf("state = %s, want soft_barge", c.State())
	}
	c.OnVADSignal(true, 350*time.Millisecond)

	if n := len(engine.calls()); n != 1 {
		t.Fatalf("interrupt calls = %d, want 1 across the upgrade", n)
	}
	events := obs.captured()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Classification != ClassSoftBarge || events[1].Classification != ClassHardBarge {
		t.Fatalf("classifications = %s, %s", events[0].Classification, events[1].Classification)
	}
	if c.State() != StateBargeInDetected {
		t.Fatalf("state = %s, want barge_in_detected", c.State())
	}
}

func TestSoftBargeThatStopsIsUnclear(t *testing.T) {
	engine := &fakeEngine{}
	c, obs := speakingController(t, engine)

	c.OnVADSignal(true, 150*time.Millisecond)
	c.OnVADSignal(false, 0)

	events := obs.captured()
	if len(events) != 2 || events[1].Classification != ClassUnclear {
		t.Fatalf("events = %+v, want soft then unclear", events)
	}
	if c.State() != StateAwaitingContinuation {
		t.Fatalf("state = %s, want awaiting_continuation", c.State())
	}
	if n := len(engine.calls()); n != 1 {
		t.Fatalf("interrupt calls = %d, want 1", n)
	}
}

func TestVADIgnoredOutsideSpeakingTurn(t *testing.T) {
	engine := &fakeEngine{}
	c := NewController(DefaultConfig(), engine)
	c.SetPipelineState(StateListening)

	c.OnVADSignal(true, 400*time.Millisecond)

	if n := len(engine.calls()); n != 0 {
		t.Fatalf("interrupt fired outside ai_speaking: %d", n)
	}
	if c.State() != StateListening {
		t.Fatalf("state = %s, want listening", c.State())
	}
}

func TestMuteSuppressesVAD(t *testing.T) {
	engine := &fakeEngine{}
	c, _ := speakingController(t, engine)

	c.Control(CommandMute)
	if !c.Muted() {
		t.Fatal("expected muted")
	}
	c.OnVADSignal(true, 400*time.Millisecond)
	if n := len(engine.calls()); n != 0 {
		t.Fatalf("interrupt fired while muted: %d", n)
	}

	c.Control(CommandMute)
	if c.Muted() {
		t.Fatal("expected unmuted after toggle")
	}
	c.OnVADSignal(true, 400*time.Millisecond)
	if n := len(engine.calls()); n != 1 {
		t.Fatalf("interrupt calls after unmute = %d, want 1", n)
	}
}

func TestManualStopSharesEpisodeGuard(t *testing.T) {
	engine := &fakeEngine{}
	c, _ := speakingController(t, engine)

	// Voice-driven interruption first; a manual stop afterwards must not
	// fire a second one.
	c.OnVADSignal(true, 350*time.Millisecond)
	c.Control(CommandStop)

	if n := len(engine.calls()); n != 1 {
		t.Fatalf("interrupt calls = %d, want 1", n)
	}
	if c.State() != StateListening {
		t.Fatalf("state = %s, want listening after stop", c.State())
	}
}

func TestManualStopFiresWhenSpeaking(t *testing.T) {
	engine := &fakeEngine{}
	c, _ := speakingController(t, engine)

	c.Control(CommandStop)

	calls := engine.calls()
	if len(calls) != 1 {
		t.Fatalf("interrupt calls = %d, want 1", len(calls))
	}
	if calls[0] != 0 {
		t.Fatalf("manual stop fade = %v, want immediate", calls[0])
	}
}

func TestEpisodeRearmsOnNextSpeakingTurn(t *testing.T) {
	engine := &fakeEngine{}
	c, _ := speakingController(t, engine)

	c.OnVADSignal(true, 350*time.Millisecond)

	// Next turn: barge_in_detected -> user_speaking ... -> ai_speaking.
	for _, s := range []PipelineState{StateUserSpeaking, StateProcessingSTT, StateProcessingLLM, StateAIResponding, StateAISpeaking} {
		if !c.SetPipelineState(s) {
			t.Fatalf("cannot reach %s", s)
		}
	}
	c.OnVADSignal(true, 350*time.Millisecond)

	if n := len(engine.calls()); n != 2 {
		t.Fatalf("interrupt calls = %d, want one per speaking turn", n)
	}
}

func TestInvalidTransitionsRejected(t *testing.T) {
	cases := []struct {
		from, to PipelineState
		want     bool
	}{
		{StateIdle, StateListening, true},
		{StateIdle, StateAISpeaking, false},
		{StateAISpeaking, StateSoftBarge, true},
		{StateSoftBarge, StateBargeInDetected, true},
		{StateListening, StateProcessingLLM, false},
		{StateError, StateIdle, true},
		{StateToolCallPending, StateAIResponding, true},
		{StateAwaitingContinuation, StateAISpeaking, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestControlStartAndForceReply(t *testing.T) {
	engine := &fakeEngine{}
	c := NewController(DefaultConfig(), engine)

	c.Control(CommandStart)
	if c.State() != StateListening {
		t.Fatalf("state = %s, want listening", c.State())
	}

	// Force-reply only applies while an utterance is pending.
	c.Control(CommandForceReply)
	if c.State() != StateListening {
		t.Fatalf("force-reply moved state to %s", c.State())
	}

	c.SetPipelineState(StateSpeechDetected)
	c.SetPipelineState(StateUserSpeaking)
	c.Control(CommandForceReply)
	if c.State() != StateProcessingSTT {
		t.Fatalf("state = %s, want processing_stt", c.State())
	}
}
