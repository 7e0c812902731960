// Package registry owns the sound resources of the mixer and their
// play/stop/volume state.
//
// Every state or volume mutation goes through a single mutex, so commands
// arriving from the bus worker and from any local caller never interleave
// partially on the same resource. Resources whose asset could not be loaded
// stay Idle forever; playback calls on them report PlaybackUnavailable.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/d1nch8g/avsim-mixer/fault"
	"github.com/d1nch8g/avsim-mixer/sound"
)

// State is the playback state of a resource.
type State int

const (
	StateIdle State = iota
	StatePlaying
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DefaultVolume is the volume of a freshly loaded resource.
const DefaultVolume = 1.0

var errReleased = errors.New("released by Close")

type resource struct {
	name    string
	path    string
	handle  sound.Handle
	volume  float64
	state   State
	loadErr error
	// generation changes on every Play so stale finish callbacks are ignored
	generation uint64
}

// Status is a read-only snapshot of one resource.
type Status struct {
	Name     string
	Path     string
	Volume   float64
	State    State
	Playable bool
}

// Diagnostic records an asset that could not be loaded.
type Diagnostic struct {
	Name string
	Path string
	Err  error
}

// Registry maps resource names to loaded sounds.
type Registry struct {
	mu         sync.Mutex
	engine     sound.Engine
	extensions []string
	resources  map[string]*resource
	logger     *slog.Logger
}

// New creates an empty registry playing through engine. extensions lists the
// file suffixes Load picks up, matched case-insensitively.
func New(engine sound.Engine, extensions []string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	exts := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		exts = append(exts, strings.ToLower(ext))
	}
	return &Registry{
		engine:     engine,
		extensions: exts,
		resources:  make(map[string]*resource),
		logger:     logger.With("component", "registry"),
	}
}

// Load adds one resource per playable file found directly in dir and returns
// how many were added. An asset that fails to load is still registered, with
// no handle, and reported by Diagnostics.
func (r *Registry) Load(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list sound directory: %w", err)
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() || !r.playable(entry.Name()) {
			continue
		}
		r.add(entry.Name(), filepath.Join(dir, entry.Name()))
		count++
	}

	r.logger.Info("sound resources loaded", "dir", dir, "count", count, "invalid", len(r.Diagnostics()))
	return count, nil
}

func (r *Registry) playable(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range r.extensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func (r *Registry) add(name, path string) {
	res := &resource{
		name:   name,
		path:   path,
		volume: DefaultVolume,
		state:  StateIdle,
	}

	handle, err := r.engine.Load(path)
	if err != nil {
		res.loadErr = err
		r.logger.Warn("sound resource is not playable", "name", name, "path", path, "error", err)
	} else {
		res.handle = handle
		r.logger.Debug("sound resource decoded", "name", name, "path", handle.Path())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.resources[name]; ok {
		r.releaseLocked(old)
	}
	r.resources[name] = res
}

// releaseLocked frees the engine handle of res, which stays registered but
// unplayable.
func (r *Registry) releaseLocked(res *resource) {
	if res.handle == nil {
		return
	}
	if err := r.engine.Unload(res.handle); err != nil {
		r.logger.Warn("failed to release sound resource", "name", res.name, "error", err)
	}
	res.handle = nil
	res.loadErr = errReleased
	res.generation++
	res.state = StateIdle
}

func unavailable(op string, res *resource) error {
	return fault.Wrap(fault.CodePlaybackUnavailable, op, fmt.Errorf("%q has no playable asset: %w", res.name, res.loadErr))
}

func (r *Registry) lookupLocked(op, name string) (*resource, error) {
	res, ok := r.resources[name]
	if !ok {
		return nil, fault.New(fault.CodeResourceNotFound, op, "%q", name)
	}
	return res, nil
}

func (res *resource) status() Status {
	return Status{
		Name:     res.name,
		Path:     res.path,
		Volume:   res.volume,
		State:    res.state,
		Playable: res.handle != nil,
	}
}

// Get returns a snapshot of the named resource.
func (r *Registry) Get(name string) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.lookupLocked("registry.get", name)
	if err != nil {
		return Status{}, err
	}
	return res.status(), nil
}

// Play sets the volume of the resource and starts it from the beginning.
func (r *Registry) Play(name string, volume float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.lookupLocked("registry.play", name)
	if err != nil {
		return err
	}
	if res.handle == nil {
		return unavailable("registry.play", res)
	}

	level := sound.ClampVolume(volume)
	if err := r.engine.SetVolume(res.handle, level); err != nil {
		return err
	}

	generation := res.generation + 1
	opts := sound.PlayOptions{
		OnFinish: func() { r.finished(name, generation) },
	}
	if err := r.engine.Play(res.handle, opts); err != nil {
		if restoreErr := r.engine.SetVolume(res.handle, res.volume); restoreErr != nil {
			r.logger.Warn("failed to restore volume", "name", name, "error", restoreErr)
		}
		return err
	}
	res.generation = generation
	res.volume = level
	res.state = StatePlaying
	return nil
}

// finished moves a resource that ran to its end from Playing to Stopped.
func (r *Registry) finished(name string, generation uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.resources[name]
	if !ok || res.generation != generation || res.state != StatePlaying {
		return
	}
	res.state = StateStopped
	r.logger.Debug("sound resource finished", "name", name)
}

// Stop halts the resource. Stopping a resource that is not playing only
// records the Stopped state. A resource without a playable asset is left
// untouched and reported as PlaybackUnavailable.
func (r *Registry) Stop(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.lookupLocked("registry.stop", name)
	if err != nil {
		return err
	}
	return r.stopLocked(res)
}

func (r *Registry) stopLocked(res *resource) error {
	if res.handle == nil {
		return unavailable("registry.stop", res)
	}
	if res.state == StatePlaying {
		if err := r.engine.Stop(res.handle); err != nil {
			return err
		}
	}
	res.generation++
	res.state = StateStopped
	return nil
}

// StopAll stops every playing resource and returns their names.
func (r *Registry) StopAll() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stopped []string
	for _, res := range r.resources {
		if res.state != StatePlaying {
			continue
		}
		if err := r.stopLocked(res); err != nil {
			r.logger.Warn("failed to stop sound resource", "name", res.name, "error", err)
			continue
		}
		stopped = append(stopped, res.name)
	}
	sort.Strings(stopped)
	return stopped
}

// SetVolume applies level clamped to [0, 1] to the asset and stores it.
func (r *Registry) SetVolume(name string, level float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.lookupLocked("registry.set_volume", name)
	if err != nil {
		return err
	}
	if res.handle == nil {
		return unavailable("registry.set_volume", res)
	}

	level = sound.ClampVolume(level)
	if err := r.engine.SetVolume(res.handle, level); err != nil {
		return err
	}
	res.volume = level
	return nil
}

// FadeOut accepts the request but fading is not supported: it always returns
// NotSupported for a known resource and leaves its state untouched.
func (r *Registry) FadeOut(name string, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.lookupLocked("registry.fadeout", name); err != nil {
		return err
	}
	return fault.New(fault.CodeNotSupported, "registry.fadeout", "fade-out of %q over %s", name, d)
}

// Snapshot returns every resource sorted by name.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.resources))
	for _, res := range r.resources {
		out = append(out, res.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Playing returns the names of resources currently playing.
func (r *Registry) Playing() []string {
	var names []string
	for _, s := range r.Snapshot() {
		if s.State == StatePlaying {
			names = append(names, s.Name)
		}
	}
	return names
}

// Diagnostics lists assets registered without a playable handle.
func (r *Registry) Diagnostics() []Diagnostic {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Diagnostic
	for _, res := range r.resources {
		if res.handle == nil {
			out = append(out, Diagnostic{Name: res.name, Path: res.path, Err: res.loadErr})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close stops all playback and releases every engine handle. The registry
// keeps its entries, which are unplayable afterwards.
func (r *Registry) Close() {
	stopped := r.StopAll()
	if len(stopped) > 0 {
		r.logger.Info("stopped sounds on close", "names", stopped)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.resources {
		r.releaseLocked(res)
	}
}
