package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

const DefaultPath = "config/cadenza.json"

type AppConfig struct {
	Logging  LoggingConfig  `json:"logging"`
	Playback PlaybackConfig `json:"playback"`
	BargeIn  BargeInConfig  `json:"barge_in"`
	Server   ServerConfig   `json:"server"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// PlaybackConfig covers the decode/queue/schedule path. All durations are
// milliseconds except LookaheadSeconds, which mirrors the knob producers
// already expose.
type PlaybackConfig struct {
	SampleRate         int     `json:"sample_rate"`
	PrebufferEnabled   bool    `json:"prebuffer_enabled"`
	PrebufferChunks    int     `json:"prebuffer_chunks"`
	PrebufferTimeoutMs int     `json:"prebuffer_timeout_ms"`
	CrossfadeEnabled   bool    `json:"crossfade_enabled"`
	CrossfadeSamples   int     `json:"crossfade_samples"`
	LookaheadSeconds   float64 `json:"lookahead_seconds"`
	MaxQueueDurationMs int     `json:"max_queue_duration_ms"`
	SafetyMarginMs     int     `json:"safety_margin_ms"`
	FadeOutDurationMs  int     `json:"fade_out_duration_ms"`
	WatchdogIntervalMs int     `json:"watchdog_interval_ms"`
}

type BargeInConfig struct {
	SpeechConfirmMs        int `json:"speech_confirm_ms"`
	HardBargeMinDurationMs int `json:"hard_barge_min_duration_ms"`
}

type ServerConfig struct {
	IngestListen  string `json:"ingest_listen"`
	MetricsListen string `json:"metrics_listen"`
}

func DefaultConfig() *AppConfig {
	return &AppConfig{
		Logging: LoggingConfig{},
		Playback: PlaybackConfig{
			SampleRate:         24000,
			PrebufferEnabled:   true,
			PrebufferChunks:    3,
			PrebufferTimeoutMs: 500,
			CrossfadeEnabled:   true,
			CrossfadeSamples:   128,
			LookaheadSeconds:   2.5,
			MaxQueueDurationMs: 600000,
			SafetyMarginMs:     10,
			FadeOutDurationMs:  50,
			WatchdogIntervalMs: 500,
		},
		BargeIn: BargeInConfig{
			SpeechConfirmMs:        100,
			HardBargeMinDurationMs: 300,
		},
		Server: ServerConfig{
			IngestListen:  ":8180",
			MetricsListen: ":9190",
		},
	}
}

func Load(path string) (*AppConfig, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultPath
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg.ApplyEnv()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.ApplyEnv()
	return cfg, cfg.Validate()
}

func (c *AppConfig) ApplyEnv() {
	if level := strings.TrimSpace(os.Getenv("LOG_LEVEL")); level != "" {
		c.Logging.Level = level
	}
	if format := strings.TrimSpace(os.Getenv("LOG_FORMAT")); format != "" {
		c.Logging.Format = format
	}
	if listen := strings.TrimSpace(os.Getenv("CADENZA_LISTEN")); listen != "" {
		c.Server.IngestListen = listen
	}
	if listen := strings.TrimSpace(os.Getenv("CADENZA_METRICS_LISTEN")); listen != "" {
		c.Server.MetricsListen = listen
	}
}

func (c *AppConfig) Validate() error {
	if c.Playback.SampleRate <= 0 {
		return errors.New("playback.sample_rate must be positive")
	}
	if c.Playback.PrebufferChunks <= 0 {
		return errors.New("playback.prebuffer_chunks must be positive")
	}
	if c.Playback.PrebufferTimeoutMs <= 0 {
		return errors.New("playback.prebuffer_timeout_ms must be positive")
	}
	if c.Playback.CrossfadeSamples < 0 {
		return errors.New("playback.crossfade_samples must be non-negative")
	}
	if c.Playback.LookaheadSeconds <= 0 {
		return errors.New("playback.lookahead_seconds must be positive")
	}
	if c.Playback.MaxQueueDurationMs <= 0 {
		return errors.New("playback.max_queue_duration_ms must be positive")
	}
	if c.Playback.SafetyMarginMs < 0 {
		return errors.New("playback.safety_margin_ms must be non-negative")
	}
	if c.Playback.FadeOutDurationMs < 0 {
		return errors.New("playback.fade_out_duration_ms must be non-negative")
	}
	if c.Playback.WatchdogIntervalMs <= 0 {
		return errors.New("playback.watchdog_interval_ms must be positive")
	}
	if c.BargeIn.SpeechConfirmMs <= 0 {
		return errors.New("barge_in.speech_confirm_ms must be positive")
	}
	if c.BargeIn.HardBargeMinDurationMs <= c.BargeIn.SpeechConfirmMs {
		return errors.New("barge_in.hard_barge_min_duration_ms must exceed speech_confirm_ms")
	}
	return nil
}
