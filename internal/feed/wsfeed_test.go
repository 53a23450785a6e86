package feed

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cadenza-audio/cadenza/internal/bargein"
)

type pushRecord struct {
	streamID string
	data     []byte
}

type fakeEngine struct {
	mu     sync.Mutex
	pushes []pushRecord
	eos    []string
	signal chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{signal: make(chan struct{}, 64)}
}

func (f *fakeEngine) PushChunk(streamID string, data []byte) error {
	f.mu.Lock()
	f.pushes = append(f.pushes, pushRecord{streamID: streamID, data: append([]byte(nil), data...)})
	f.mu.Unlock()
	f.signal <- struct{}{}
	return nil
}

func (f *fakeEngine) EndOfStream(streamID string) {
	f.mu.Lock()
	f.eos = append(f.eos, streamID)
	f.mu.Unlock()
	f.signal <- struct{}{}
}

func (f *fakeEngine) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.signal:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for engine call %d of %d", i+1, n)
		}
	}
}

type fakeControl struct {
	mu       sync.Mutex
	vads     []time.Duration
	commands []bargein.Command
	states   []bargein.PipelineState
	signal   chan struct{}
}

func newFakeControl() *fakeControl {
	return &fakeControl{signal: make(chan struct{}, 64)}
}

func (f *fakeControl) SetPipelineState(to bargein.PipelineState) bool {
	f.mu.Lock()
	f.states = append(f.states, to)
	f.mu.Unlock()
	f.signal <- struct{}{}
	return true
}

func (f *fakeControl) State() bargein.PipelineState { return bargein.StateIdle }
func (f *fakeControl) Muted() bool                  { return false }
func (f *fakeControl) SetObserver(bargein.Observer) {}

func (f *fakeControl) OnVADSignal(active bool, continuous time.Duration) {
	f.mu.Lock()
	f.vads = append(f.vads, continuous)
	f.mu.Unlock()
	f.signal <- struct{}{}
}

func (f *fakeControl) Control(cmd bargein.Command) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()
	f.signal <- struct{}{}
}

func (f *fakeControl) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.signal:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for control call %d of %d", i+1, n)
		}
	}
}

func dialFeed(t *testing.T, engine Engine, control bargein.Controller) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(&Handler{Engine: engine, Control: control})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func TestFeedRoutesBinaryFramesToCurrentStream(t *testing.T) {
	engine := newFakeEngine()
	conn, done := dialFeed(t, engine, nil)
	defer done()

	if err := conn.WriteJSON(map[string]string{"type": "stream_start", "stream_id": "s1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.WriteJSON(map[string]string{"type": "eos"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	engine.wait(t, 2)

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.pushes) != 1 || engine.pushes[0].streamID != "s1" {
		t.Fatalf("pushes = %+v, want one for s1", engine.pushes)
	}
	if len(engine.pushes[0].data) != 4 {
		t.Fatalf("payload = %v", engine.pushes[0].data)
	}
	if len(engine.eos) != 1 || engine.eos[0] != "s1" {
		t.Fatalf("eos = %v, want [s1]", engine.eos)
	}
}

func TestFeedForwardsVADAndControl(t *testing.T) {
	engine := newFakeEngine()
	control := newFakeControl()
	conn, done := dialFeed(t, engine, control)
	defer done()

	msgs := []map[string]any{
		{"type": "vad", "active": true, "continuous_ms": 150},
		{"type": "control", "command": "mute"},
		{"type": "state", "state": "ai_speaking"},
	}
	for _, m := range msgs {
		if err := conn.WriteJSON(m); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	control.wait(t, 3)

	control.mu.Lock()
	defer control.mu.Unlock()
	if len(control.vads) != 1 || control.vads[0] != 150*time.Millisecond {
		t.Fatalf("vads = %v", control.vads)
	}
	if len(control.commands) != 1 || control.commands[0] != bargein.CommandMute {
		t.Fatalf("commands = %v", control.commands)
	}
	if len(control.states) != 1 || control.states[0] != bargein.StateAISpeaking {
		t.Fatalf("states = %v", control.states)
	}
}

func TestFeedRejectsUnknownFrames(t *testing.T) {
	engine := newFakeEngine()
	conn, done := dialFeed(t, engine, nil)
	defer done()

	if err := conn.WriteJSON(map[string]string{"type": "bogus"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply envelope
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply.Type != "error" {
		t.Fatalf("reply type = %q, want error", reply.Type)
	}
}
