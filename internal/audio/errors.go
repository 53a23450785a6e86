package audio

import "errors"

var (
	// ErrDecode marks a chunk that could not be decoded. Callers skip the
	// chunk and continue; it is never fatal to the stream.
	ErrDecode = errors.New("audio: decode failed")

	// ErrSinkUnavailable means the hardware sink could not be created or
	// resumed. Nothing can play without it, so it propagates up.
	ErrSinkUnavailable = errors.New("audio: sink unavailable")

	ErrEngineClosed     = errors.New("audio: engine closed")
	ErrEngineNotStarted = errors.New("audio: engine not started")
)
