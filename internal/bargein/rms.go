package bargein

import (
	"math"
	"time"
)

// LevelMeter turns a raw PCM16 mic feed into the (active, continuous)
// voice-activity signal the controller consumes. Duration is accounted in
// sample time, not wall time, so the meter is deterministic under bursty
// delivery.
type LevelMeter struct {
	threshold  float64
	sampleRate int

	// Consecutive above-threshold frames required before activity is
	// confirmed; filters spikes and echo-onset pops.
	minConfirmed int

	aboveFrames int
	continuous  time.Duration
	lastRMS     float64
}

// NewLevelMeter creates a meter for PCM16 mono at the given rate.
func NewLevelMeter(threshold float64, sampleRate int) *LevelMeter {
	return &LevelMeter{
		threshold:    threshold,
		sampleRate:   sampleRate,
		minConfirmed: 3,
	}
}

// SetMinConfirmed sets the number of consecutive frames needed to confirm
// activity.
func (m *LevelMeter) SetMinConfirmed(count int) {
	if count > 0 {
		m.minConfirmed = count
	}
}

// SetThreshold updates the RMS threshold.
func (m *LevelMeter) SetThreshold(threshold float64) {
	m.threshold = threshold
}

// LastRMS returns the RMS of the last processed frame.
func (m *LevelMeter) LastRMS() float64 {
	return m.lastRMS
}

// Process consumes one PCM16 frame and returns whether speech is confirmed
// active and for how long it has run continuously.
func (m *LevelMeter) Process(frame []byte) (bool, time.Duration) {
	rms := m.rms(frame)
	m.lastRMS = rms

	samples := len(frame) / 2
	frameDur := time.Duration(samples) * time.Second / time.Duration(m.sampleRate)

	if rms <= m.threshold {
		m.aboveFrames = 0
		m.continuous = 0
		return false, 0
	}

	m.aboveFrames++
	m.continuous += frameDur
	if m.aboveFrames < m.minConfirmed {
		return false, 0
	}
	return true, m.continuous
}

// Reset clears any accumulated activity.
func (m *LevelMeter) Reset() {
	m.aboveFrames = 0
	m.continuous = 0
}

func (m *LevelMeter) rms(frame []byte) float64 {
	if len(frame) < 2 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(frame); i += 2 {
		sample := int16(frame[i]) | int16(frame[i+1])<<8
		f := float64(sample) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(frame)/2))
}
