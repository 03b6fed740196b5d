// Package driver implements the backend contract of spec.md §4.G plus
// two in-scope concrete backends: Dummy (timer-based) and NetOne
// (UDP wire protocol with fragmentation). A driver occupies one of the
// engine's reserved driver refnums.
package driver

import (
	"fmt"
	"time"

	"github.com/shaban/rtaudiod/engine"
	"github.com/shaban/rtaudiod/graph"
)

// ParamType is the value kind carried by one driver parameter (§6).
type ParamType int

const (
	ParamInt ParamType = iota
	ParamUInt
	ParamChar
	ParamString
	ParamBool
)

// Param describes one CLI-exposed driver parameter.
type Param struct {
	Name      string
	Character byte
	Type      ParamType
	ShortDesc string

	IntVal    int
	UIntVal   uint
	CharVal   byte
	StringVal string
	BoolVal   bool
}

// Descriptor is a driver's self-description: name, description, and its
// parameter set, as surfaced to the CLI.
type Descriptor struct {
	Name   string
	Desc   string
	Params []Param
}

// OpenParams bundles the values every backend's Open needs, independent
// of how the CLI collected them.
type OpenParams struct {
	Period           int
	SampleRate       float64
	Capturing        bool
	Playing          bool
	InChannels       int
	OutChannels      int
	Monitor          bool
	CaptureName      string
	PlaybackName     string
	CaptureLatency   graph.LatencyRange
	PlaybackLatency  graph.LatencyRange
}

// Backend is the contract a concrete driver implements.
type Backend interface {
	Descriptor() Descriptor
	Open(p OpenParams) error
	Attach(refnum int, eng *engine.Engine) error
	Start() error
	Stop() error
	Read(bufs [][]float32) error
	Write(bufs [][]float32) error
	SetBufferSize(n int) error
	SetSampleRate(n float64) error
}

// Wrapper drives a Backend's cycle loop and feeds engine.Process, the
// realtime audio thread of spec.md §5.
type Wrapper struct {
	backend Backend
	eng     *engine.Engine
	refnum  int

	capture  [][]float32
	playback [][]float32

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWrapper opens backend, registers it with eng under a reserved
// driver refnum, and attaches its ports.
func NewWrapper(backend Backend, eng *engine.Engine, p OpenParams) (*Wrapper, error) {
	if err := backend.Open(p); err != nil {
		return nil, fmt.Errorf("driver: open: %w", err)
	}

	client, err := eng.DriverOpen(backend.Descriptor().Name)
	if err != nil {
		return nil, fmt.Errorf("driver: open client: %w", err)
	}

	if err := backend.Attach(client.Refnum, eng); err != nil {
		return nil, fmt.Errorf("driver: attach: %w", err)
	}
	if err := eng.ActivateClient(client.Refnum); err != nil {
		return nil, fmt.Errorf("driver: activate: %w", err)
	}

	w := &Wrapper{
		backend:  backend,
		eng:      eng,
		refnum:   client.Refnum,
		capture:  make([][]float32, p.InChannels),
		playback: make([][]float32, p.OutChannels),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for i := range w.capture {
		w.capture[i] = make([]float32, p.Period)
	}
	for i := range w.playback {
		w.playback[i] = make([]float32, p.Period)
	}
	return w, nil
}

// Run starts the backend and drives its cycle loop until Stop is
// called. It's meant to be run on its own goroutine, standing in for
// the dedicated realtime thread a threaded backend would occupy.
func (w *Wrapper) Run(cycle func() time.Duration) error {
	if err := w.backend.Start(); err != nil {
		return fmt.Errorf("driver: start: %w", err)
	}
	defer close(w.doneCh)

	prev := time.Now()
	for {
		select {
		case <-w.stopCh:
			return w.backend.Stop()
		default:
		}

		if err := w.backend.Read(w.capture); err != nil {
			return fmt.Errorf("driver: read: %w", err)
		}

		cur := time.Now()
		if err := w.eng.Process(cur, prev); err != nil {
			return fmt.Errorf("driver: process: %w", err)
		}
		prev = cur

		if err := w.backend.Write(w.playback); err != nil {
			return fmt.Errorf("driver: write: %w", err)
		}

		if wait := cycle(); wait > 0 {
			time.Sleep(wait)
		}
	}
}

// Stop signals Run's loop to exit and waits for it to finish.
func (w *Wrapper) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// SetBufferSize changes the period size: the backend's derived timing,
// the wrapper's own capture/playback buffers, and the engine's port
// buffers, propagating BufferSize to subscribers (spec.md §4.G).
func (w *Wrapper) SetBufferSize(n int) error {
	if err := w.backend.SetBufferSize(n); err != nil {
		return fmt.Errorf("driver: set buffer size: %w", err)
	}
	for i := range w.capture {
		w.capture[i] = make([]float32, n)
	}
	for i := range w.playback {
		w.playback[i] = make([]float32, n)
	}
	return w.eng.SetBufferSize(n)
}

// SetSampleRate changes the sample rate: the backend's derived timing
// and the engine's SampleRate subscribers (spec.md §4.G).
func (w *Wrapper) SetSampleRate(n float64) error {
	if err := w.backend.SetSampleRate(n); err != nil {
		return fmt.Errorf("driver: set sample rate: %w", err)
	}
	return w.eng.SetSampleRate(n)
}
