package sound

import "time"

// Handle is a loaded, playable asset owned by whoever called Engine.Load.
type Handle interface {
	// Path returns the asset location the handle was loaded from
	Path() string
}

// PlayOptions tunes a single playback.
type PlayOptions struct {
	// Loops is the number of extra repetitions, -1 repeats forever
	Loops int

	// MaxDuration stops playback after the given time, 0 means unlimited
	MaxDuration time.Duration

	// FadeIn ramps the gain from silence over the given time
	FadeIn time.Duration

	// OnFinish is called on its own goroutine when playback ends by itself.
	// It is not called after Stop.
	OnFinish func()
}

// Engine defines the playback capability the mixer core depends on.
// Operations on a nil or foreign handle return a fault.CodePlaybackUnavailable
// error instead of panicking.
type Engine interface {
	// Load decodes the asset at path into a playable handle
	Load(path string) (Handle, error)

	// Play starts (or restarts) playback of the handle
	Play(h Handle, opts PlayOptions) error

	// Stop halts playback, it is a no-op if the handle is not playing
	Stop(h Handle) error

	// SetVolume sets the linear gain of the handle, clamped to [0, 1]
	SetVolume(h Handle, level float64) error

	// FadeOut ramps the handle to silence over d and then stops it
	FadeOut(h Handle, d time.Duration) error

	// Unload stops the handle and frees its decoded samples. The handle is
	// invalid afterwards.
	Unload(h Handle) error

	// Close stops all playback and releases the audio device
	Close() error
}

// ClampVolume limits level to [0, 1].
func ClampVolume(level float64) float64 {
	if level < 0 || level != level {
		return 0
	}
	if level > 1 {
		return 1
	}
	return level
}
