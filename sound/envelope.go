package sound

import "time"

// envelope produces the per-frame fade gain of one voice.
type envelope struct {
	elapsed      int
	fadeIn       int
	fadeOutLeft  int
	fadeOutTotal int
}

// step returns the gain for the next frame. done is true once a fade-out
// has fully completed.
func (e *envelope) step() (gain float64, done bool) {
	gain = 1.0
	if e.fadeIn > 0 && e.elapsed < e.fadeIn {
		gain = float64(e.elapsed) / float64(e.fadeIn)
	}
	e.elapsed++

	if e.fadeOutTotal > 0 {
		if e.fadeOutLeft <= 0 {
			return 0, true
		}
		gain *= float64(e.fadeOutLeft) / float64(e.fadeOutTotal)
		e.fadeOutLeft--
	}
	return gain, false
}

// startFadeOut begins a fade of the given length. A shorter fade already in
// progress wins.
func (e *envelope) startFadeOut(frames int) {
	if frames < 1 {
		frames = 1
	}
	if e.fadeOutTotal > 0 && e.fadeOutLeft <= frames {
		return
	}
	e.fadeOutTotal = frames
	e.fadeOutLeft = frames
}

func framesFor(d time.Duration, sampleRate int) int {
	if d <= 0 {
		return 0
	}
	return int(int64(d) * int64(sampleRate) / int64(time.Second))
}
