package bargein

import (
	"sync"
	"time"

	"github.com/cadenza-audio/cadenza/internal/audio"
	"github.com/cadenza-audio/cadenza/internal/logging"
)

// Interrupter is the slice of the playback engine the controller needs.
type Interrupter interface {
	Interrupt(fade time.Duration) audio.InterruptStats
}

type controller struct {
	cfg    Config
	engine Interrupter

	mu       sync.Mutex
	state    PipelineState
	muted    bool
	observer Observer

	// One interruption per speaking turn: fired latches at the confirm
	// threshold and only re-arms when the pipeline re-enters ai_speaking.
	fired     bool
	lastClass Classification
}

// NewController builds a barge-in controller over the given engine slice.
func NewController(cfg Config, engine Interrupter) Controller {
	if cfg.SpeechConfirm <= 0 {
		cfg.SpeechConfirm = DefaultConfig().SpeechConfirm
	}
	if cfg.HardBargeMin <= cfg.SpeechConfirm {
		cfg.HardBargeMin = DefaultConfig().HardBargeMin
	}
	return &controller{
		cfg:      cfg,
		engine:   engine,
		state:    StateIdle,
		observer: NopObserver{},
	}
}

func (c *controller) SetPipelineState(to PipelineState) bool {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return true
	}
	if !CanTransition(from, to) {
		c.mu.Unlock()
		logging.Warnf("BargeIn: rejected transition %s -> %s", from, to)
		return false
	}
	c.state = to
	if to == StateAISpeaking {
		// New speaking turn, new interruption episode.
		c.fired = false
		c.lastClass = ""
	}
	obs := c.observer
	c.mu.Unlock()

	obs.PipelineStateChanged(from, to)
	logging.Debugf("BargeIn: pipeline %s -> %s", from, to)
	return true
}

func (c *controller) State() PipelineState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *controller) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

func (c *controller) SetObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o == nil {
		o = NopObserver{}
	}
	c.observer = o
}

// OnVADSignal classifies continuous voice activity against the confirm and
// hard thresholds. The engine is cut exactly once per episode, at the
// confirm threshold; the later hard reclassification only upgrades the
// label and the pipeline state.
func (c *controller) OnVADSignal(active bool, continuous time.Duration) {
	c.mu.Lock()
	if c.muted || !c.vadHonoredLocked() {
		c.mu.Unlock()
		return
	}

	var (
		fire    bool
		event   *Event
		obs     = c.observer
		setTo   PipelineState
		haveSet bool
	)

	switch {
	case active && continuous >= c.cfg.HardBargeMin:
		if !c.fired {
			c.fired = true
			fire = true
			c.lastClass = ClassHardBarge
			event = c.eventLocked(ClassHardBarge, continuous)
			setTo, haveSet = StateBargeInDetected, true
		} else if c.lastClass == ClassSoftBarge {
			// Upgrade without re-firing the interruption.
			c.lastClass = ClassHardBarge
			event = c.eventLocked(ClassHardBarge, continuous)
			setTo, haveSet = StateBargeInDetected, true
		}

	case active && continuous >= c.cfg.SpeechConfirm:
		if !c.fired {
			c.fired = true
			fire = true
			c.lastClass = ClassSoftBarge
			event = c.eventLocked(ClassSoftBarge, continuous)
			setTo, haveSet = StateSoftBarge, true
		}

	case !active:
		if c.fired && c.lastClass == ClassSoftBarge {
			// Fired but never reached the hard threshold: turn owner is
			// ambiguous, wait for the user to continue.
			c.lastClass = ClassUnclear
			event = c.eventLocked(ClassUnclear, continuous)
			setTo, haveSet = StateAwaitingContinuation, true
		} else if c.fired && c.lastClass == ClassHardBarge && c.state == StateBargeInDetected {
			setTo, haveSet = StateUserSpeaking, true
		}
		// Sub-confirm activity that stopped is a backchannel; nothing to do.
	}
	c.mu.Unlock()

	if fire {
		stats := c.engine.Interrupt(c.cfg.Fade)
		logging.Infof("BargeIn: interrupted after %s of speech (class=%s, dropped=%d)",
			continuous, event.Classification, stats.DroppedChunks)
	}
	if haveSet {
		c.applyState(setTo)
	}
	if event != nil {
		obs.BargeIn(*event)
	}
}

// Control maps manual commands onto the machine; none of them bypass the
// per-episode interruption guard.
func (c *controller) Control(cmd Command) {
	switch cmd {
	case CommandStart:
		c.SetPipelineState(StateListening)

	case CommandStop:
		c.mu.Lock()
		fire := c.vadHonoredLocked() && !c.fired
		if fire {
			c.fired = true
			c.lastClass = ClassHardBarge
		}
		c.mu.Unlock()
		if fire {
			c.engine.Interrupt(0)
			logging.Infof("BargeIn: manual stop")
		}
		c.applyState(StateListening)

	case CommandMute:
		c.mu.Lock()
		c.muted = !c.muted
		muted := c.muted
		c.mu.Unlock()
		logging.Infof("BargeIn: mute=%v", muted)

	case CommandForceReply:
		if !c.SetPipelineState(StateProcessingSTT) {
			logging.Debugf("BargeIn: force-reply ignored in state %s", c.State())
		}
	}
}

// vadHonoredLocked reports whether voice activity is meaningful in the
// current state: only while the AI holds (or is losing) the speaking turn.
func (c *controller) vadHonoredLocked() bool {
	switch c.state {
	case StateAISpeaking, StateSoftBarge, StateBargeInDetected:
		return true
	default:
		return false
	}
}

func (c *controller) eventLocked(class Classification, continuous time.Duration) *Event {
	confidence := float64(continuous) / float64(c.cfg.HardBargeMin)
	if confidence > 1 {
		confidence = 1
	}
	if class == ClassUnclear {
		confidence /= 2
	}
	return &Event{
		Classification: class,
		Duration:       continuous,
		Confidence:     confidence,
		At:             time.Now(),
	}
}

func (c *controller) applyState(to PipelineState) {
	if !c.SetPipelineState(to) {
		logging.Debugf("BargeIn: no transition to %s from %s", to, c.State())
	}
}
