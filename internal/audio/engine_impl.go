package audio

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cadenza-audio/cadenza/internal/logging"
)

// stallFactor scales the lookahead into the stuck-cursor bound. A cursor
// this far ahead of the clock cannot be the result of normal scheduling.
const stallFactor = 4

// stallEpsilon is where the cursor lands after a stall reset.
const stallEpsilon = time.Millisecond

type playbackEngine struct {
	cfg       EngineConfig
	sink      Sink
	decoder   *Decoder
	resampler *LinearResampler

	mu     sync.Mutex
	queue  *ChunkQueue
	active map[Source]struct{}
	// cursor is the next scheduled start time on the sink clock. It only
	// moves forward while a stream plays; interruption resets it.
	cursor  time.Duration
	state   State
	session *StreamSession

	// Barge-in flag: set by Interrupt, cleared only by the first chunk of a
	// new stream. While set, chunks of the interrupted stream are dropped
	// at the earliest point of ingestion.
	interrupted      bool
	interruptionDone bool
	eosSeen          bool
	completionFired  bool
	playbackBegun    bool

	prebufferTimer *time.Timer
	seq            int
	started        bool
	closed         bool

	totalEnqueued   int
	totalPlayed     int
	totalDropped    int
	totalInterrupts int

	observer           Observer
	onStateChange      func(State)
	onFirstAudio       func(time.Duration)
	onPlaybackFinished func()
	onInterruption     func(InterruptStats)

	// User callbacks deferred until the mutex is released.
	pending []func()

	watchdogStop chan struct{}
	watchdogDone chan struct{}
}

// NewEngine wires a playback engine to the given sink. The sink is owned by
// the engine from Start until Close.
func NewEngine(cfg EngineConfig, sink Sink) PlaybackEngine {
	crossfade := 0
	if cfg.CrossfadeEnabled {
		crossfade = cfg.CrossfadeSamples
	}
	return &playbackEngine{
		cfg:       cfg,
		sink:      sink,
		decoder:   NewDecoder(cfg.SampleRate, crossfade),
		resampler: NewLinearResampler(),
		queue:     NewChunkQueue(cfg.SampleRate),
		active:    make(map[Source]struct{}),
		state:     StateIdle,
		observer:  NopObserver{},
	}
}

func (e *playbackEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if e.started {
		e.mu.Unlock()
		return errors.New("audio: engine already started")
	}
	e.started = true
	e.watchdogStop = make(chan struct{})
	e.watchdogDone = make(chan struct{})
	e.mu.Unlock()

	if err := e.sink.Start(); err != nil {
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
		return err
	}

	go e.watchdog(ctx)

	logging.Infof("PlaybackEngine: started (prebuffer=%d, lookahead=%s, maxQueue=%s)",
		e.cfg.PrebufferChunks, e.cfg.Lookahead, e.cfg.MaxQueueDuration)
	return nil
}

func (e *playbackEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	e.started = false
	e.cancelPrebufferTimerLocked()
	sources := e.takeActiveLocked()
	e.queue.Clear()
	e.session = nil
	e.mu.Unlock()

	if started {
		close(e.watchdogStop)
		<-e.watchdogDone
	}
	for _, src := range sources {
		src.Stop()
	}
	err := e.sink.Close()
	logging.Infof("PlaybackEngine: closed")
	return err
}

func (e *playbackEngine) PushChunk(streamID string, data []byte) error {
	now := time.Now()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if !e.started {
		e.mu.Unlock()
		return ErrEngineNotStarted
	}

	if streamID == "" {
		if e.session != nil && e.session.State == SessionReceiving {
			streamID = e.session.ID
		} else {
			streamID = uuid.NewString()
		}
	}

	switch {
	case e.session != nil && e.session.ID == streamID:
		// The flag must be checked before any other work: a chunk racing an
		// interruption is dropped here, never decoded or queued.
		if e.interrupted {
			e.mu.Unlock()
			return nil
		}
		if e.session.State != SessionReceiving {
			// Stale chunk after end-of-stream.
			e.mu.Unlock()
			return nil
		}
	default:
		e.retireSessionLocked()
		e.beginSessionLocked(streamID, now)
	}

	e.seq++
	e.queue.Push(Chunk{StreamID: streamID, Seq: e.seq, Data: data, ArrivedAt: now})
	e.session.QueuedBytes += len(data)
	e.totalEnqueued++
	e.observer.ChunkReceived(len(data))

	// Emergency ceiling. The watchdog owns routine bound enforcement; this
	// only fires when a producer outruns it between two ticks.
	if e.queue.Duration() > 2*e.cfg.MaxQueueDuration {
		if dropped := e.queue.TrimNewest(e.cfg.MaxQueueDuration, e.cfg.PrebufferChunks); dropped > 0 {
			e.totalDropped += dropped
			e.observer.ChunkDropped(dropped, TriggerDuration)
			logging.Warnf("PlaybackEngine: emergency overflow, dropped %d chunks", dropped)
		}
	}

	switch e.state {
	case StateIdle, StateStopped:
		e.setStateLocked(StateBuffering)
		if !e.cfg.PrebufferEnabled || e.queue.Len() >= e.cfg.PrebufferChunks {
			e.beginPlaybackLocked()
		} else {
			e.armPrebufferTimerLocked()
		}
	case StateBuffering:
		if !e.playbackBegun && e.queue.Len() >= e.cfg.PrebufferChunks {
			e.beginPlaybackLocked()
		} else if e.playbackBegun {
			e.schedulePendingLocked()
		}
	case StatePlaying:
		e.schedulePendingLocked()
	}

	e.observer.QueueDepth(e.queue.Len(), e.queue.Duration())
	cbs := e.takePendingLocked()
	e.mu.Unlock()

	runAll(cbs)
	return nil
}

func (e *playbackEngine) EndOfStream(streamID string) {
	e.mu.Lock()
	if e.session == nil || (streamID != "" && e.session.ID != streamID) {
		e.mu.Unlock()
		return
	}
	if e.session.State == SessionReceiving {
		e.session.State = SessionEnded
	}
	e.eosSeen = true

	// An unfilled prebuffer can never fill now; play what we have.
	if e.state == StateBuffering && !e.playbackBegun {
		e.beginPlaybackLocked()
	}
	e.maybeCompleteLocked()
	cbs := e.takePendingLocked()
	e.mu.Unlock()

	runAll(cbs)
}

func (e *playbackEngine) Interrupt(fade time.Duration) InterruptStats {
	e.mu.Lock()
	if e.session == nil || e.interruptionDone {
		e.mu.Unlock()
		return InterruptStats{}
	}

	e.interrupted = true
	e.interruptionDone = true
	e.totalInterrupts++
	e.cancelPrebufferTimerLocked()

	stats := InterruptStats{
		StreamID:      e.session.ID,
		DroppedChunks: e.queue.Clear(),
		CompletionPct: e.completionPctLocked(),
	}
	sources := e.takeActiveLocked()
	stats.StoppedSources = len(sources)
	e.totalDropped += stats.DroppedChunks

	e.cursor = 0
	e.session.State = SessionInterrupted
	e.setStateLocked(StateStopped)
	e.observer.Interrupted(stats)
	e.observer.QueueDepth(0, 0)

	onInterruption := e.onInterruption
	cbs := e.takePendingLocked()
	e.mu.Unlock()

	for _, src := range sources {
		if fade > 0 {
			src.FadeStop(fade)
		} else {
			src.Stop()
		}
	}
	runAll(cbs)
	if onInterruption != nil {
		onInterruption(stats)
	}
	logging.Infof("PlaybackEngine: interrupted stream %s (dropped=%d, stopped=%d, completion=%.1f%%)",
		stats.StreamID, stats.DroppedChunks, stats.StoppedSources, stats.CompletionPct)
	return stats
}

func (e *playbackEngine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *playbackEngine) Stats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EngineStats{
		State:           e.state,
		QueuedChunks:    e.queue.Len(),
		QueuedDuration:  e.queue.Duration(),
		ActiveSources:   len(e.active),
		TotalEnqueued:   e.totalEnqueued,
		TotalPlayed:     e.totalPlayed,
		TotalDropped:    e.totalDropped,
		TotalInterrupts: e.totalInterrupts,
	}
}

func (e *playbackEngine) SetObserver(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o == nil {
		o = NopObserver{}
	}
	e.observer = o
}

func (e *playbackEngine) SetOnStateChange(fn func(State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onStateChange = fn
}

func (e *playbackEngine) SetOnFirstAudio(fn func(time.Duration)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFirstAudio = fn
}

func (e *playbackEngine) SetOnPlaybackFinished(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPlaybackFinished = fn
}

func (e *playbackEngine) SetOnInterruption(fn func(InterruptStats)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onInterruption = fn
}

// beginSessionLocked admits a new stream, clearing any interruption state
// left by the previous one. This is the only place the flag re-arms.
func (e *playbackEngine) beginSessionLocked(streamID string, now time.Time) {
	e.session = &StreamSession{
		ID:           streamID,
		State:        SessionReceiving,
		FirstChunkAt: now,
	}
	e.interrupted = false
	e.interruptionDone = false
	e.eosSeen = false
	e.completionFired = false
	e.playbackBegun = false
	e.cursor = 0
	logging.Infof("PlaybackEngine: new stream %s (seq=%d)", streamID, logging.NextStreamSeq())
}

// retireSessionLocked fully winds down the prior session before a new one
// is admitted: sources stopped, queue cleared, cursor reset.
func (e *playbackEngine) retireSessionLocked() {
	if e.session == nil {
		return
	}
	e.cancelPrebufferTimerLocked()
	for _, src := range e.takeActiveLocked() {
		src.Stop()
	}
	e.totalDropped += e.queue.Clear()
	e.cursor = 0
	if e.session.State == SessionReceiving {
		e.session.State = SessionEnded
	}
	e.session = nil
	// The replacement stream goes through buffering from scratch.
	e.setStateLocked(StateIdle)
}

func (e *playbackEngine) beginPlaybackLocked() {
	e.cancelPrebufferTimerLocked()
	e.playbackBegun = true
	e.schedulePendingLocked()
}

func (e *playbackEngine) armPrebufferTimerLocked() {
	if e.prebufferTimer != nil {
		return
	}
	// Timeout always wins over an unfilled prebuffer.
	e.prebufferTimer = time.AfterFunc(e.cfg.PrebufferTimeout, func() {
		e.mu.Lock()
		e.prebufferTimer = nil
		if e.state == StateBuffering && !e.playbackBegun && !e.closed {
			logging.Debugf("PlaybackEngine: prebuffer timeout, starting with %d chunks", e.queue.Len())
			e.beginPlaybackLocked()
		}
		cbs := e.takePendingLocked()
		e.mu.Unlock()
		runAll(cbs)
	})
}

func (e *playbackEngine) cancelPrebufferTimerLocked() {
	if e.prebufferTimer != nil {
		e.prebufferTimer.Stop()
		e.prebufferTimer = nil
	}
}

// schedulePendingLocked drains the queue onto the sink clock: each buffer
// starts at max(cursor, now+margin) and the cursor advances by its duration,
// which yields gapless playback as long as chunks arrive faster than real
// time. Stops once the cursor is a full lookahead ahead of now; source
// completions re-enter here to continue.
func (e *playbackEngine) schedulePendingLocked() {
	if e.interrupted || !e.playbackBegun {
		return
	}
	now := e.sink.Now()
	if e.cursor < now {
		e.cursor = now
	}

	for e.queue.Len() > 0 && e.cursor < now+e.cfg.Lookahead {
		chunk, _ := e.queue.Pop()
		buf, err := e.decodeLocked(chunk)
		if err != nil {
			logging.Warnf("PlaybackEngine: dropping undecodable chunk seq=%d: %v", chunk.Seq, err)
			e.observer.DecodeError()
			continue
		}

		start := e.cursor
		if earliest := now + e.cfg.SafetyMargin; start < earliest {
			start = earliest
		}

		var src Source
		src, err = e.sink.Schedule(buf, start, func() { e.handleSourceDone(src) })
		if err != nil {
			logging.Errorf("PlaybackEngine: schedule failed for chunk seq=%d: %v", chunk.Seq, err)
			continue
		}
		e.active[src] = struct{}{}
		e.cursor = start + buf.Duration

		if e.session != nil && !e.session.firstAudioSet {
			e.session.firstAudioSet = true
			e.session.FirstAudioAt = start
			ttfa := time.Since(e.session.FirstChunkAt)
			e.observer.FirstAudio(ttfa)
			if fn := e.onFirstAudio; fn != nil {
				e.pending = append(e.pending, func() { fn(ttfa) })
			}
			logging.Infof("PlaybackEngine: first audio scheduled at %s (ttfa=%s)", start, ttfa)
		}
	}

	if len(e.active) > 0 && e.state != StatePlaying {
		e.setStateLocked(StatePlaying)
	}
	// A queue drained entirely by decode errors must still complete.
	e.maybeCompleteLocked()
}

func (e *playbackEngine) decodeLocked(chunk Chunk) (*Buffer, error) {
	buf, err := e.decoder.Decode(chunk.Data)
	if err != nil {
		return nil, err
	}
	if sinkRate := e.sink.SampleRate(); sinkRate != e.cfg.SampleRate {
		resampled, rerr := e.resampler.Resample(buf.Samples, e.cfg.SampleRate, sinkRate)
		if rerr != nil {
			return nil, rerr
		}
		buf = &Buffer{
			Samples:  resampled,
			Duration: time.Duration(len(resampled)) * time.Second / time.Duration(sinkRate),
		}
	}
	return buf, nil
}

// handleSourceDone runs off the sink's render thread whenever a source ends,
// naturally or not. Sources removed by an interruption are no longer in the
// active set, which makes double completion harmless.
func (e *playbackEngine) handleSourceDone(src Source) {
	e.mu.Lock()
	if _, ok := e.active[src]; !ok {
		e.mu.Unlock()
		return
	}
	delete(e.active, src)
	e.totalPlayed++
	e.schedulePendingLocked()
	e.maybeCompleteLocked()
	cbs := e.takePendingLocked()
	e.mu.Unlock()

	runAll(cbs)
}

// maybeCompleteLocked transitions to idle exactly once per stream, and only
// when the stream has ended, nothing is queued, and nothing is playing.
// Sources ending near-simultaneously each run the check; the fired flag
// keeps the completion single.
func (e *playbackEngine) maybeCompleteLocked() {
	if e.completionFired || !e.eosSeen || e.interrupted {
		return
	}
	if e.queue.Len() > 0 || len(e.active) > 0 {
		return
	}
	e.completionFired = true
	e.cursor = 0
	if e.session != nil {
		e.session.State = SessionEnded
	}
	e.setStateLocked(StateIdle)
	if fn := e.onPlaybackFinished; fn != nil {
		e.pending = append(e.pending, fn)
	}
	logging.Infof("PlaybackEngine: stream complete")
}

func (e *playbackEngine) completionPctLocked() float64 {
	if e.session == nil || !e.session.firstAudioSet || e.session.QueuedBytes == 0 {
		return 0
	}
	total := bytesToDuration(e.session.QueuedBytes, e.cfg.SampleRate*bytesPerSample)
	played := e.sink.Now() - e.session.FirstAudioAt
	if played < 0 {
		played = 0
	}
	if played > total {
		played = total
	}
	if total <= 0 {
		return 0
	}
	return float64(played) / float64(total) * 100
}

func (e *playbackEngine) setStateLocked(to State) {
	if e.state == to {
		return
	}
	from := e.state
	e.state = to
	e.observer.StateChanged(from, to)
	if fn := e.onStateChange; fn != nil {
		e.pending = append(e.pending, func() { fn(to) })
	}
	logging.Debugf("PlaybackEngine: state %s -> %s", from, to)
}

func (e *playbackEngine) takeActiveLocked() []Source {
	sources := make([]Source, 0, len(e.active))
	for src := range e.active {
		sources = append(sources, src)
	}
	e.active = make(map[Source]struct{})
	return sources
}

func (e *playbackEngine) takePendingLocked() []func() {
	cbs := e.pending
	e.pending = nil
	return cbs
}

func (e *playbackEngine) watchdog(ctx context.Context) {
	defer close(e.watchdogDone)
	ticker := time.NewTicker(e.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.watchdogStop:
			return
		case <-ticker.C:
			e.watchdogSweep()
		}
	}
}

// watchdogSweep independently enforces the queue bound and sanity of the
// scheduling cursor. Both recoveries are local; playback state is untouched.
func (e *playbackEngine) watchdogSweep() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}

	if e.queue.Duration() > e.cfg.MaxQueueDuration {
		dropped := e.queue.TrimNewest(e.cfg.MaxQueueDuration, e.cfg.PrebufferChunks)
		if dropped > 0 {
			e.totalDropped += dropped
			e.observer.ChunkDropped(dropped, TriggerWatchdog)
			e.observer.QueueDepth(e.queue.Len(), e.queue.Duration())
			logging.Warnf("PlaybackEngine: watchdog trimmed %d chunks (queue=%s)", dropped, e.queue.Duration())
		}
	}

	now := e.sink.Now()
	var farFuture []Source
	if e.cursor > now+stallFactor*e.cfg.Lookahead {
		ahead := e.cursor - now
		e.cursor = now + stallEpsilon
		// Sources stuck beyond the recovered cursor would overlap freshly
		// scheduled audio; discard them.
		for src := range e.active {
			if src.StartTime() > now+e.cfg.Lookahead {
				delete(e.active, src)
				farFuture = append(farFuture, src)
			}
		}
		if len(farFuture) > 0 {
			e.totalDropped += len(farFuture)
			e.observer.ChunkDropped(len(farFuture), TriggerLookahead)
		}
		e.observer.SchedulingStall(ahead)
		logging.Warnf("PlaybackEngine: scheduling cursor stuck %s ahead, reset to now+%s (discarded %d sources)",
			ahead, stallEpsilon, len(farFuture))
	}
	e.mu.Unlock()

	for _, src := range farFuture {
		src.Stop()
	}
}

func runAll(cbs []func()) {
	for _, cb := range cbs {
		cb()
	}
}
