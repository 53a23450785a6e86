package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/cadenza-audio/cadenza/internal/logging"
)

const renderFrames = 1024

// portAudioSink renders scheduled sources through a portaudio output
// stream. The render callback mixes every source whose window covers the
// current frame; completion callbacks are handed to a dispatch goroutine so
// engine code never runs on the audio thread.
type portAudioSink struct {
	mu      sync.Mutex
	stream  *portaudio.Stream
	rate    int
	frames  int64
	sources []*paSource
	started bool
	closed  bool

	completions chan func()
	done        chan struct{}
}

type paSource struct {
	buf        *Buffer
	startFrame int64
	endFrame   int64
	onComplete func()

	// Guarded by the sink mutex.
	fadeFromFrame int64 // -1 while no fade is in progress
	fadeFrames    int64
	stopped       bool
	sink          *portAudioSink
}

func NewPortAudioSink(sampleRate int) (Sink, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}

	s := &portAudioSink{
		rate:        sampleRate,
		completions: make(chan func(), 64),
		done:        make(chan struct{}),
	}

	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), renderFrames, s.render)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}
	s.stream = stream

	go s.dispatchCompletions()
	return s, nil
}

func (s *portAudioSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkUnavailable
	}
	if s.started {
		return nil
	}
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}
	s.started = true
	logging.Infof("PortAudioSink: started (rate=%d)", s.rate)
	return nil
}

func (s *portAudioSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	// Neutralize pending completion callbacks so no scheduled work leaks
	// into a future session.
	for _, src := range s.sources {
		src.onComplete = nil
	}
	s.sources = nil
	stream := s.stream
	s.stream = nil
	s.started = false
	s.mu.Unlock()

	close(s.done)

	if stream != nil {
		if err := stream.Stop(); err != nil {
			logging.Errorf("PortAudioSink: failed to stop stream: %v", err)
		}
		if err := stream.Close(); err != nil {
			logging.Errorf("PortAudioSink: failed to close stream: %v", err)
		}
	}
	portaudio.Terminate()
	logging.Infof("PortAudioSink: closed")
	return nil
}

func (s *portAudioSink) SampleRate() int {
	return s.rate
}

func (s *portAudioSink) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.framesToDurationLocked(s.frames)
}

func (s *portAudioSink) Schedule(buf *Buffer, start time.Duration, onComplete func()) (Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSinkUnavailable
	}

	startFrame := s.durationToFramesLocked(start)
	if startFrame < s.frames {
		startFrame = s.frames
	}

	src := &paSource{
		buf:           buf,
		startFrame:    startFrame,
		endFrame:      startFrame + int64(len(buf.Samples)),
		onComplete:    onComplete,
		fadeFromFrame: -1,
		sink:          s,
	}
	s.sources = append(s.sources, src)
	return src, nil
}

// render runs on the portaudio thread.
func (s *portAudioSink) render(out []float32) {
	for i := range out {
		out[i] = 0
	}

	s.mu.Lock()
	base := s.frames
	var finished []*paSource
	kept := s.sources[:0]
	for _, src := range s.sources {
		if src.renderInto(out, base) {
			finished = append(finished, src)
		} else {
			kept = append(kept, src)
		}
	}
	for i := len(kept); i < len(s.sources); i++ {
		s.sources[i] = nil
	}
	s.sources = kept
	s.frames = base + int64(len(out))
	s.mu.Unlock()

	for _, src := range finished {
		if cb := src.onComplete; cb != nil {
			select {
			case s.completions <- cb:
			default:
				// Dispatch queue full; run inline rather than drop the
				// completion, since the scheduler depends on it.
				go cb()
			}
		}
	}
}

// renderInto mixes the source into out and reports whether it finished in
// this block. Caller holds the sink mutex.
func (src *paSource) renderInto(out []float32, base int64) bool {
	if src.stopped {
		return true
	}
	for i := range out {
		frame := base + int64(i)
		if frame < src.startFrame {
			continue
		}
		if frame >= src.endFrame {
			return true
		}
		sample := src.buf.Samples[frame-src.startFrame]
		if src.fadeFromFrame >= 0 {
			elapsed := frame - src.fadeFromFrame
			if elapsed >= src.fadeFrames {
				src.stopped = true
				return true
			}
			sample *= 1 - float32(elapsed)/float32(src.fadeFrames)
		}
		mixed := out[i] + sample
		if mixed > 1.0 {
			mixed = 1.0
		} else if mixed < -1.0 {
			mixed = -1.0
		}
		out[i] = mixed
	}
	return base+int64(len(out)) >= src.endFrame
}

func (s *portAudioSink) dispatchCompletions() {
	for {
		select {
		case <-s.done:
			return
		case cb := <-s.completions:
			cb()
		}
	}
}

func (s *portAudioSink) framesToDurationLocked(frames int64) time.Duration {
	return time.Duration(frames) * time.Second / time.Duration(s.rate)
}

func (s *portAudioSink) durationToFramesLocked(d time.Duration) int64 {
	return int64(d) * int64(s.rate) / int64(time.Second)
}

func (src *paSource) Stop() {
	s := src.sink
	s.mu.Lock()
	src.stopped = true
	s.mu.Unlock()
}

func (src *paSource) FadeStop(fade time.Duration) {
	if fade <= 0 {
		src.Stop()
		return
	}
	s := src.sink
	s.mu.Lock()
	if src.fadeFromFrame < 0 && !src.stopped {
		src.fadeFromFrame = s.frames
		src.fadeFrames = s.durationToFramesLocked(fade)
		if src.fadeFrames < 1 {
			src.fadeFrames = 1
		}
	}
	s.mu.Unlock()
}

func (src *paSource) StartTime() time.Duration {
	s := src.sink
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.framesToDurationLocked(src.startFrame)
}

func (src *paSource) EndTime() time.Duration {
	s := src.sink
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.framesToDurationLocked(src.endFrame)
}
