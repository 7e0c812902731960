package sound

import (
	"sync"
	"time"

	"github.com/d1nch8g/avsim-mixer/fault"
)

// Channels is the interleaved channel count of every Clip.
const Channels = 2

// Clip is decoded PCM ready to be mixed. It implements Handle.
type Clip struct {
	path    string
	samples []float32
	volume  float64
	owner   *Mixer

	// guarded by the owner's lock
	released bool
}

// Path returns the asset location.
func (c *Clip) Path() string {
	return c.path
}

// Frames returns the clip length in frames.
func (c *Clip) Frames() int {
	return len(c.samples) / Channels
}

type voice struct {
	clip      *Clip
	pos       int
	loopsLeft int
	remaining int
	env       envelope
	onFinish  func()
}

// render adds the voice into out and reports whether it is still alive.
func (v *voice) render(out []float32) bool {
	frames := v.clip.Frames()
	if frames == 0 {
		return false
	}

	for f := 0; f < len(out)/Channels; f++ {
		if v.remaining == 0 {
			return false
		}
		if v.pos >= frames {
			if v.loopsLeft == 0 {
				return false
			}
			if v.loopsLeft > 0 {
				v.loopsLeft--
			}
			v.pos = 0
		}

		gain, done := v.env.step()
		if done {
			return false
		}
		g := float32(gain * v.clip.volume)
		out[f*Channels] += v.clip.samples[v.pos*Channels] * g
		out[f*Channels+1] += v.clip.samples[v.pos*Channels+1] * g

		v.pos++
		if v.remaining > 0 {
			v.remaining--
		}
	}
	return true
}

// Mixer sums any number of concurrently playing clips into one stereo
// stream. Backends drive it from their audio callback through Mix.
type Mixer struct {
	mu         sync.Mutex
	sampleRate int
	voices     []*voice
}

// NewMixer creates a mixer producing frames at sampleRate.
func NewMixer(sampleRate int) *Mixer {
	return &Mixer{
		sampleRate: sampleRate,
		voices:     make([]*voice, 0),
	}
}

// SampleRate returns the output rate of the mixer.
func (m *Mixer) SampleRate() int {
	return m.sampleRate
}

// AddClip registers interleaved stereo samples already at the mixer rate.
func (m *Mixer) AddClip(path string, samples []float32) *Clip {
	return &Clip{
		path:    path,
		samples: samples,
		volume:  1.0,
		owner:   m,
	}
}

func (m *Mixer) clip(op string, h Handle) (*Clip, error) {
	c, ok := h.(*Clip)
	if !ok || c == nil || c.owner != m {
		return nil, fault.New(fault.CodePlaybackUnavailable, op, "invalid handle %v", h)
	}
	return c, nil
}

// Play starts the clip, restarting it if it is already playing.
func (m *Mixer) Play(h Handle, opts PlayOptions) error {
	c, err := m.clip("mixer.play", h)
	if err != nil {
		return err
	}

	v := &voice{
		clip:      c,
		loopsLeft: opts.Loops,
		remaining: -1,
		env:       envelope{fadeIn: framesFor(opts.FadeIn, m.sampleRate)},
		onFinish:  opts.OnFinish,
	}
	if opts.MaxDuration > 0 {
		v.remaining = framesFor(opts.MaxDuration, m.sampleRate)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c.released {
		return fault.New(fault.CodePlaybackUnavailable, "mixer.play", "%s was unloaded", c.path)
	}
	m.removeLocked(c)
	m.voices = append(m.voices, v)
	return nil
}

// Stop removes every voice of the clip without firing OnFinish.
func (m *Mixer) Stop(h Handle) error {
	c, err := m.clip("mixer.stop", h)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(c)
	return nil
}

// SetVolume sets the clip gain.
func (m *Mixer) SetVolume(h Handle, level float64) error {
	c, err := m.clip("mixer.set_volume", h)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c.volume = ClampVolume(level)
	return nil
}

// FadeOut ramps every voice of the clip down over d.
func (m *Mixer) FadeOut(h Handle, d time.Duration) error {
	c, err := m.clip("mixer.fadeout", h)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	frames := framesFor(d, m.sampleRate)
	for _, v := range m.voices {
		if v.clip == c {
			v.env.startFadeOut(frames)
		}
	}
	return nil
}

// Unload drops every voice of the clip and its samples.
func (m *Mixer) Unload(h Handle) error {
	c, err := m.clip("mixer.unload", h)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(c)
	c.samples = nil
	c.released = true
	return nil
}

// active returns the number of voices currently playing the clip.
func (m *Mixer) active(h Handle) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, v := range m.voices {
		if Handle(v.clip) == h {
			n++
		}
	}
	return n
}

// Clear drops every voice.
func (m *Mixer) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.voices = m.voices[:0]
}

// Mix overwrites out with the next len(out)/Channels frames.
func (m *Mixer) Mix(out []float32) {
	for i := range out {
		out[i] = 0
	}

	var finished []func()

	m.mu.Lock()
	kept := m.voices[:0]
	for _, v := range m.voices {
		if v.render(out) {
			kept = append(kept, v)
			continue
		}
		if v.onFinish != nil {
			finished = append(finished, v.onFinish)
		}
	}
	for i := len(kept); i < len(m.voices); i++ {
		m.voices[i] = nil
	}
	m.voices = kept
	m.mu.Unlock()

	for i, s := range out {
		if s > 1 {
			out[i] = 1
		} else if s < -1 {
			out[i] = -1
		}
	}

	for _, fn := range finished {
		go fn()
	}
}

func (m *Mixer) removeLocked(c *Clip) {
	kept := m.voices[:0]
	for _, v := range m.voices {
		if v.clip != c {
			kept = append(kept, v)
		}
	}
	for i := len(kept); i < len(m.voices); i++ {
		m.voices[i] = nil
	}
	m.voices = kept
}
