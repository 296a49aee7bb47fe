package playback

import "errors"

var (
	// ErrEmptyChunk is returned by Load when a chunk yields no frames.
	// The caller decides whether to skip to the next window or stop.
	ErrEmptyChunk = errors.New("chunk yields no frames")

	// ErrNotLoaded is returned for operations that need a loaded chunk.
	ErrNotLoaded = errors.New("no chunk loaded")

	// ErrCompleted is returned by Play once the current sequence has run to
	// its end; the caller is expected to load the next chunk (or seek).
	ErrCompleted = errors.New("playback completed")
)
