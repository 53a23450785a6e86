package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// feedgen drives a cadenza ingest endpoint with a synthetic sine-wave
// stream, optionally followed by a barge-in, for manual end-to-end checks.
func main() {
	url := flag.String("url", "ws://localhost:8180/ingest", "ingest websocket url")
	freq := flag.Float64("freq", 440, "tone frequency in Hz")
	duration := flag.Float64("duration", 3, "stream duration in seconds")
	sampleRate := flag.Int("rate", 24000, "sample rate")
	chunkMs := flag.Int("chunk-ms", 100, "chunk size in milliseconds")
	bargeAfter := flag.Float64("barge-after", 0, "seconds of playback before a simulated barge-in (0 = none)")
	flag.Parse()

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", *url, err)
		os.Exit(1)
	}
	defer conn.Close()

	streamID := uuid.NewString()
	fmt.Printf("streaming %.1fs of %.0fHz as %s\n", *duration, *freq, streamID)

	if err := conn.WriteJSON(map[string]string{"type": "stream_start", "stream_id": streamID}); err != nil {
		fmt.Fprintf(os.Stderr, "stream_start: %v\n", err)
		os.Exit(1)
	}
	_ = conn.WriteJSON(map[string]string{"type": "state", "state": "ai_speaking"})

	chunkSamples := *sampleRate * *chunkMs / 1000
	totalSamples := int(*duration * float64(*sampleRate))
	interval := time.Duration(*chunkMs) * time.Millisecond
	bargeAt := time.Duration(*bargeAfter * float64(time.Second))
	start := time.Now()
	barged := false

	for offset := 0; offset < totalSamples; offset += chunkSamples {
		n := chunkSamples
		if offset+n > totalSamples {
			n = totalSamples - offset
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, sineChunk(offset, n, *freq, *sampleRate)); err != nil {
			fmt.Fprintf(os.Stderr, "chunk: %v\n", err)
			os.Exit(1)
		}

		if bargeAt > 0 && !barged && time.Since(start) >= bargeAt {
			barged = true
			fmt.Println("simulating barge-in")
			// Sustained activity past the hard threshold.
			for _, ms := range []int{120, 240, 360} {
				_ = conn.WriteJSON(map[string]any{"type": "vad", "active": true, "continuous_ms": ms})
			}
			_ = conn.WriteJSON(map[string]any{"type": "vad", "active": false})
			break
		}

		// Pace delivery slightly faster than real time, like a TTS stream.
		time.Sleep(interval * 3 / 4)
	}

	if err := conn.WriteJSON(map[string]string{"type": "eos"}); err != nil {
		fmt.Fprintf(os.Stderr, "eos: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("done")
}

// sineChunk renders n PCM16 LE samples of a sine tone starting at the given
// sample offset.
func sineChunk(offset, n int, freq float64, sampleRate int) []byte {
	data := make([]byte, n*2)
	for i := 0; i < n; i++ {
		t := float64(offset+i) / float64(sampleRate)
		sample := int16(32767 * 0.5 * math.Sin(2*math.Pi*freq*t))
		binary.LittleEndian.PutUint16(data[i*2:], uint16(sample))
	}
	return data
}
