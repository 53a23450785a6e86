package audio

import (
	"sync"
	"time"
)

// mockSink is a virtual-clock sink. Tests advance the clock explicitly;
// completion callbacks fire in completion-time order, outside the sink
// mutex, exactly like the hardware dispatch path.
type mockSink struct {
	mu      sync.Mutex
	now     time.Duration
	rate    int
	sources []*mockSource
	started bool
	closed  bool

	scheduleErr error
}

type mockSource struct {
	sink       *mockSink
	start, end time.Duration
	onComplete func()

	stopped    bool
	fadeCalled bool
	fade       time.Duration
	completed  bool
}

func newMockSink(rate int) *mockSink {
	return &mockSink{rate: rate}
}

func (s *mockSink) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *mockSink) SampleRate() int { return s.rate }

func (s *mockSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkUnavailable
	}
	s.started = true
	return nil
}

func (s *mockSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.sources = nil
	return nil
}

func (s *mockSink) Schedule(buf *Buffer, start time.Duration, onComplete func()) (Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduleErr != nil {
		return nil, s.scheduleErr
	}
	if start < s.now {
		start = s.now
	}
	src := &mockSource{
		sink:       s,
		start:      start,
		end:        start + buf.Duration,
		onComplete: onComplete,
	}
	s.sources = append(s.sources, src)
	return src, nil
}

// Advance moves the virtual clock and fires completions for every source
// whose end has been reached, earliest first. Sources scheduled by a
// completion callback that are themselves already due complete too.
func (s *mockSink) Advance(d time.Duration) {
	s.mu.Lock()
	s.now += d
	s.mu.Unlock()

	for {
		s.mu.Lock()
		var next *mockSource
		for _, src := range s.sources {
			if src.completed || src.stopped {
				continue
			}
			if src.end <= s.now && (next == nil || src.end < next.end) {
				next = src
			}
		}
		if next != nil {
			next.completed = true
		}
		s.mu.Unlock()

		if next == nil {
			return
		}
		if next.onComplete != nil {
			next.onComplete()
		}
	}
}

func (s *mockSink) scheduled() []*mockSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*mockSource, len(s.sources))
	copy(out, s.sources)
	return out
}

func (s *mockSink) liveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, src := range s.sources {
		if !src.completed && !src.stopped {
			n++
		}
	}
	return n
}

func (src *mockSource) Stop() {
	src.sink.mu.Lock()
	src.stopped = true
	src.sink.mu.Unlock()
}

func (src *mockSource) FadeStop(fade time.Duration) {
	src.sink.mu.Lock()
	src.fadeCalled = true
	src.fade = fade
	src.stopped = true
	src.sink.mu.Unlock()
}

func (src *mockSource) StartTime() time.Duration {
	src.sink.mu.Lock()
	defer src.sink.mu.Unlock()
	return src.start
}

func (src *mockSource) EndTime() time.Duration {
	src.sink.mu.Lock()
	defer src.sink.mu.Unlock()
	return src.end
}

// recordingObserver captures observer callbacks for assertions.
type recordingObserver struct {
	mu            sync.Mutex
	transitions   []State
	firstAudio    []time.Duration
	drops         []int
	dropTriggers  []OverflowTrigger
	decodeErrors  int
	interruptions []InterruptStats
	stalls        []time.Duration
}

func (o *recordingObserver) StateChanged(from, to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, to)
}

func (o *recordingObserver) FirstAudio(ttfa time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.firstAudio = append(o.firstAudio, ttfa)
}

func (o *recordingObserver) ChunkReceived(bytes int) {}

func (o *recordingObserver) ChunkDropped(n int, trigger OverflowTrigger) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.drops = append(o.drops, n)
	o.dropTriggers = append(o.dropTriggers, trigger)
}

func (o *recordingObserver) DecodeError() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decodeErrors++
}

func (o *recordingObserver) QueueDepth(chunks int, queued time.Duration) {}

func (o *recordingObserver) Interrupted(stats InterruptStats) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.interruptions = append(o.interruptions, stats)
}

func (o *recordingObserver) SchedulingStall(ahead time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stalls = append(o.stalls, ahead)
}

// observerSnapshot is a lock-free copy of a recordingObserver's captures.
type observerSnapshot struct {
	transitions   []State
	firstAudio    []time.Duration
	drops         []int
	dropTriggers  []OverflowTrigger
	decodeErrors  int
	interruptions []InterruptStats
	stalls        []time.Duration
}

func (o *recordingObserver) snapshot() observerSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return observerSnapshot{
		transitions:   append([]State(nil), o.transitions...),
		firstAudio:    append([]time.Duration(nil), o.firstAudio...),
		drops:         append([]int(nil), o.drops...),
		dropTriggers:  append([]OverflowTrigger(nil), o.dropTriggers...),
		decodeErrors:  o.decodeErrors,
		interruptions: append([]InterruptStats(nil), o.interruptions...),
		stalls:        append([]time.Duration(nil), o.stalls...),
	}
}

// pcm16Silence builds a zeroed PCM16 payload of n samples.
func pcm16Silence(n int) []byte {
	return make([]byte, n*2)
}

// pcm16Ramp builds a recognizable non-zero payload of n samples.
func pcm16Ramp(n int) []byte {
	data := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(i % 1000)
		data[i*2] = byte(v)
		data[i*2+1] = byte(v >> 8)
	}
	return data
}
