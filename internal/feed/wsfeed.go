package feed

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cadenza-audio/cadenza/internal/bargein"
	"github.com/cadenza-audio/cadenza/internal/logging"
)

// Engine is the slice of the playback engine the feed drives.
type Engine interface {
	PushChunk(streamID string, data []byte) error
	EndOfStream(streamID string)
}

// envelope is a text-frame control message. Binary frames carry raw PCM16
// for the current stream and need no framing of their own.
type envelope struct {
	Type         string `json:"type"`
	StreamID     string `json:"stream_id,omitempty"`
	Active       bool   `json:"active,omitempty"`
	ContinuousMs int    `json:"continuous_ms,omitempty"`
	Command      string `json:"command,omitempty"`
	State        string `json:"state,omitempty"`
	Message      string `json:"message,omitempty"`
}

// Handler terminates one websocket ingest connection per request. The
// transport is deliberately thin: framing, auth, and reconnection belong to
// the producer side.
type Handler struct {
	Engine  Engine
	Control bargein.Controller

	// MaxMessageBytes bounds a single frame; zero means the default.
	MaxMessageBytes int64
}

const defaultMaxMessageBytes = 1 << 20

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	limit := h.MaxMessageBytes
	if limit <= 0 {
		limit = defaultMaxMessageBytes
	}
	conn.SetReadLimit(limit)

	logging.Infof("Feed: connection from %s", r.RemoteAddr)
	h.readLoop(conn)
	logging.Infof("Feed: connection from %s closed", r.RemoteAddr)
}

func (h *Handler) readLoop(conn *websocket.Conn) {
	var streamID string

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if err := h.Engine.PushChunk(streamID, data); err != nil {
				h.writeError(conn, err.Error())
				return
			}

		case websocket.TextMessage:
			var env envelope
			if err := json.Unmarshal(data, &env); err != nil {
				h.writeError(conn, "invalid control frame")
				continue
			}
			streamID = h.handleEnvelope(conn, env, streamID)
		}
	}
}

func (h *Handler) handleEnvelope(conn *websocket.Conn, env envelope, streamID string) string {
	switch env.Type {
	case "stream_start":
		logging.Infof("Feed: stream_start %s", env.StreamID)
		return env.StreamID

	case "eos":
		h.Engine.EndOfStream(streamID)

	case "vad":
		if h.Control != nil {
			h.Control.OnVADSignal(env.Active, time.Duration(env.ContinuousMs)*time.Millisecond)
		}

	case "control":
		cmd, ok := parseCommand(env.Command)
		if !ok {
			h.writeError(conn, "unknown command "+env.Command)
			break
		}
		if h.Control != nil {
			h.Control.Control(cmd)
		}

	case "state":
		state, ok := bargein.ParsePipelineState(env.State)
		if !ok {
			h.writeError(conn, "unknown state "+env.State)
			break
		}
		if h.Control != nil && !h.Control.SetPipelineState(state) {
			h.writeError(conn, "invalid transition to "+env.State)
		}

	default:
		h.writeError(conn, "unknown message type "+env.Type)
	}
	return streamID
}

func parseCommand(name string) (bargein.Command, bool) {
	switch name {
	case "start":
		return bargein.CommandStart, true
	case "stop":
		return bargein.CommandStop, true
	case "mute":
		return bargein.CommandMute, true
	case "force_reply":
		return bargein.CommandForceReply, true
	default:
		return 0, false
	}
}

func (h *Handler) writeError(conn *websocket.Conn, message string) {
	logging.Warnf("Feed: %s", message)
	_ = conn.WriteJSON(envelope{Type: "error", Message: message})
}
