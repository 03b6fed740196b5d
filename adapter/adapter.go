// Package adapter implements the clock-domain bridge (spec.md §4.D):
// a host-clocked audio callback feeds capture/playback resample.Channel
// ring-pipes that an independently-clocked consumer drains, with a
// PI controller per direction converging the two clock rates.
package adapter

import (
	"fmt"
	"sync"
	"time"

	"github.com/shaban/rtaudiod/ratectl"
	"github.com/shaban/rtaudiod/resample"
)

// Config configures a new Adapter.
type Config struct {
	HostBufferSize    int // Bh
	AdaptedBufferSize int // Ba
	CaptureChannels   int
	PlaybackChannels  int
	HostRate          float64
	AdaptedRate       float64
	Quality           resample.Quality
	// Adaptive, when true, sizes the ring at create time to
	// 4*max(Bh,Ba); otherwise Size is used (clamped to MaxSize).
	Adaptive bool
	Size     int
	MaxSize  int
}

// Adapter ties a host-clocked audio callback to an off-clock consumer via
// one resampler per capture/playback channel.
type Adapter struct {
	mu sync.Mutex

	hostBufferSize    int
	adaptedBufferSize int
	ringCur           int

	capture  []*resample.Channel
	playback []*resample.Channel

	capturePI  *ratectl.Controller
	playbackPI *ratectl.Controller

	lastPush time.Time
	running  bool
}

// New creates an Adapter per cfg.
func New(cfg Config) *Adapter {
	a := &Adapter{
		hostBufferSize:    cfg.HostBufferSize,
		adaptedBufferSize: cfg.AdaptedBufferSize,
	}

	if cfg.Adaptive {
		a.ringCur = 4 * maxInt(cfg.HostBufferSize, cfg.AdaptedBufferSize)
	} else {
		size := cfg.Size
		if cfg.MaxSize > 0 && size > cfg.MaxSize {
			size = cfg.MaxSize
		}
		a.ringCur = size
	}

	a.capture = make([]*resample.Channel, cfg.CaptureChannels)
	for i := range a.capture {
		a.capture[i] = resample.NewChannel(a.ringCur, cfg.Quality)
	}
	a.playback = make([]*resample.Channel, cfg.PlaybackChannels)
	for i := range a.playback {
		a.playback[i] = resample.NewChannel(a.ringCur, cfg.Quality)
	}

	nominal := cfg.HostRate / cfg.AdaptedRate
	a.capturePI = ratectl.New(1.0 / nominal)
	a.playbackPI = ratectl.New(nominal)

	return a
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// RingSize returns the adapter's current ring-pipe capacity, in samples.
func (a *Adapter) RingSize() int { return a.ringCur }

// GrowRingBufferSize doubles the current ring-pipe capacity for every
// channel. The caller (not the adapter) decides when escalation is
// warranted, e.g. after repeated boundary events.
func (a *Adapter) GrowRingBufferSize() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.ringCur *= 2
	for _, ch := range a.capture {
		ch.Reset(a.ringCur)
	}
	for _, ch := range a.playback {
		ch.Reset(a.ringCur)
	}
}

// PushAndPull is called by the host audio callback: it writes captured
// input into the capture pipes and reads playback output from the
// playback pipes using non-resampling Write/Read, then records the push
// timestamp used by PullAndPush to compute elapsed-time deltas.
func (a *Adapter) PushAndPull(in [][]float32, out [][]float32, nframes int) error {
	if len(in) != len(a.capture) {
		return fmt.Errorf("adapter: expected %d capture channels, got %d", len(a.capture), len(in))
	}
	if len(out) != len(a.playback) {
		return fmt.Errorf("adapter: expected %d playback channels, got %d", len(a.playback), len(out))
	}

	for i, ch := range a.capture {
		ch.Write(in[i][:nframes])
	}
	for i, ch := range a.playback {
		n := ch.Read(out[i][:nframes])
		for j := n; j < nframes; j++ {
			out[i][j] = 0 // underrun: silence the remainder
		}
	}

	a.mu.Lock()
	a.lastPush = time.Now()
	a.running = true
	a.mu.Unlock()

	return nil
}

// PullAndPush is called by the adapted (foreign-clock) consumer. It
// computes the elapsed-time delta in frames since the last Push,
// computes fill error for each direction, asks the PI controllers for a
// fresh ratio, applies the boundary policy, then performs ReadResample on
// capture pipes and WriteResample on playback pipes.
func (a *Adapter) PullAndPush(in [][]float32, out [][]float32, nframes int, adaptedRate float64) error {
	if len(out) != len(a.capture) {
		return fmt.Errorf("adapter: expected %d capture channels, got %d", len(a.capture), len(out))
	}
	if len(in) != len(a.playback) {
		return fmt.Errorf("adapter: expected %d playback channels, got %d", len(a.playback), len(in))
	}

	a.mu.Lock()
	elapsed := time.Since(a.lastPush)
	a.mu.Unlock()
	deltaFrames := elapsed.Seconds() * adaptedRate

	a.applyCaptureBoundary(deltaFrames)
	a.applyPlaybackBoundary()

	for i, ch := range a.capture {
		ch.ReadResample(out[i][:nframes])
	}
	for i, ch := range a.playback {
		written := ch.WriteResample(in[i][:nframes])
		if written < nframes {
			// A WriteResample shorter than nframes resets the pipe:
			// Reset reallocates it at Rcur, which leaves it empty.
			ch.Reset(a.ringCur)
		}
	}

	return nil
}

func (a *Adapter) applyCaptureBoundary(deltaFrames float64) {
	fill := a.capture[0].ReadSpace()
	lo := a.hostBufferSize + 10
	hi := a.ringCur

	outOfBounds := fill < lo || fill > hi
	for _, ch := range a.capture {
		if ch.HasXRun() {
			outOfBounds = true
			ch.ClearXRun()
		}
	}

	if outOfBounds {
		target := a.ringCur/2 + a.hostBufferSize/2
		for _, ch := range a.capture {
			ch.HardAdjustRead(target)
		}
		a.capturePI.OutOfBounds()
		return
	}

	errSamples := float64(fill) - (float64(a.ringCur)/2 + float64(a.hostBufferSize)/2) + deltaFrames
	ratio := a.capturePI.GetRatio(errSamples)
	for _, ch := range a.capture {
		ch.SetRatio(1.0 / ratio)
	}
}

func (a *Adapter) applyPlaybackBoundary() {
	if len(a.playback) == 0 {
		return
	}
	fill := a.playback[0].ReadSpace()
	lo := a.adaptedBufferSize + 2
	hi := a.ringCur + a.adaptedBufferSize

	outOfBounds := fill < lo || fill > hi
	for _, ch := range a.playback {
		if ch.HasXRun() {
			outOfBounds = true
			ch.ClearXRun()
		}
	}

	if outOfBounds {
		target := a.ringCur/2 - a.hostBufferSize/2 + a.adaptedBufferSize
		for _, ch := range a.playback {
			ch.HardAdjustRead(target)
		}
		a.playbackPI.OutOfBounds()
		return
	}

	target := float64(a.ringCur)/2 - float64(a.hostBufferSize)/2 + float64(a.adaptedBufferSize)
	errSamples := float64(fill) - target
	ratio := a.playbackPI.GetRatio(errSamples)
	for _, ch := range a.playback {
		ch.SetRatio(ratio)
	}
}

// CaptureFill returns the capture pipe's current fill, in samples
// (reads channel 0; all capture channels are kept in lockstep).
func (a *Adapter) CaptureFill() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.capture[0].ReadSpace()
}

// PlaybackFill returns the playback pipe's current fill, in samples.
func (a *Adapter) PlaybackFill() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.playback[0].ReadSpace()
}

// CaptureRatio returns the capture direction's current resample ratio.
func (a *Adapter) CaptureRatio() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.capture[0].Ratio()
}

// PlaybackRatio returns the playback direction's current resample ratio.
func (a *Adapter) PlaybackRatio() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.playback[0].Ratio()
}

// Running reports whether PushAndPull has been called at least once.
func (a *Adapter) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}
