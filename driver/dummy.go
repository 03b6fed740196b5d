package driver

import (
	"fmt"
	"time"

	"github.com/shaban/rtaudiod/engine"
	"github.com/shaban/rtaudiod/graph"
)

// Dummy is a timer-based backend: it never touches real hardware, it
// just sleeps the remainder of a period and hands back silence/zeros,
// the way jackd's "dummy" driver does (original_source's
// JackDummyDriver.cpp computes fWaitTime from buffer_size/sample_rate
// and sleeps the remainder of the cycle).
type Dummy struct {
	capture  uint
	playback uint
	rate     uint
	monitor  bool
	period   uint
	wait     uint // µs between cycles; 0 = derive from period/rate

	capturePorts  []*graph.Port
	playbackPorts []*graph.Port
	waitTime      time.Duration
}

// NewDummy constructs a Dummy backend with the CLI-supplied parameters
// (spec.md §6): capture/playback port counts, sample rate, monitor
// flag, period size, and an optional explicit wait override.
func NewDummy(capture, playback, rate uint, monitor bool, period, wait uint) *Dummy {
	return &Dummy{
		capture:  capture,
		playback: playback,
		rate:     rate,
		monitor:  monitor,
		period:   period,
		wait:     wait,
	}
}

// Descriptor implements Backend.
func (d *Dummy) Descriptor() Descriptor {
	return Descriptor{
		Name: "dummy",
		Desc: "Timer based backend",
		Params: []Param{
			{Name: "capture", Character: 'C', Type: ParamUInt, ShortDesc: "Number of capture ports", UIntVal: 2},
			{Name: "playback", Character: 'P', Type: ParamUInt, ShortDesc: "Number of playback ports", UIntVal: 2},
			{Name: "rate", Character: 'r', Type: ParamUInt, ShortDesc: "Sample rate", UIntVal: 48000},
			{Name: "monitor", Character: 'm', Type: ParamBool, ShortDesc: "Copy capture to playback (no monitor ports are registered)"},
			{Name: "period", Character: 'p', Type: ParamUInt, ShortDesc: "Frames per period", UIntVal: 1024},
			{Name: "wait", Character: 'w', Type: ParamUInt, ShortDesc: "Number of usecs to wait between engine processes"},
		},
	}
}

// Open implements Backend.
func (d *Dummy) Open(p OpenParams) error {
	if p.Period <= 0 || p.SampleRate <= 0 {
		return fmt.Errorf("driver/dummy: period and sample rate must be positive")
	}
	d.period = uint(p.Period)
	d.rate = uint(p.SampleRate)
	d.capture = uint(p.InChannels)
	d.playback = uint(p.OutChannels)
	d.monitor = p.Monitor

	if d.wait == 0 {
		d.waitTime = time.Duration(float64(d.period) / float64(d.rate) * float64(time.Second))
	} else {
		d.waitTime = time.Duration(d.wait) * time.Microsecond
	}
	return nil
}

// Attach implements Backend: it registers physical capture/playback
// ports for refnum.
func (d *Dummy) Attach(refnum int, eng *engine.Engine) error {
	client, ok := eng.GetClient(refnum)
	if !ok {
		return fmt.Errorf("driver/dummy: refnum %d not found", refnum)
	}

	physFlags := graph.Flags{Physical: true, Terminal: true}
	for i := uint(0); i < d.capture; i++ {
		p, err := eng.PortRegister(client.Refnum, fmt.Sprintf("capture_%d", i+1), graph.Audio, graph.Output, physFlags)
		if err != nil {
			return err
		}
		d.capturePorts = append(d.capturePorts, p)
	}
	for i := uint(0); i < d.playback; i++ {
		p, err := eng.PortRegister(client.Refnum, fmt.Sprintf("playback_%d", i+1), graph.Audio, graph.Input, physFlags)
		if err != nil {
			return err
		}
		d.playbackPorts = append(d.playbackPorts, p)
	}
	return nil
}

// Start implements Backend; the dummy driver has nothing to start.
func (d *Dummy) Start() error { return nil }

// Stop implements Backend; the dummy driver has nothing to stop.
func (d *Dummy) Stop() error { return nil }

// Read implements Backend by zeroing bufs (silence).
func (d *Dummy) Read(bufs [][]float32) error {
	for _, b := range bufs {
		for i := range b {
			b[i] = 0
		}
	}
	return nil
}

// Write implements Backend by discarding the playback buffers, unless
// monitor is set, in which case it copies capture straight to playback
// (matching the --monitor flag's loopback behavior).
func (d *Dummy) Write(bufs [][]float32) error {
	if !d.monitor {
		return nil
	}
	n := len(bufs)
	if len(d.capturePorts) < n {
		n = len(d.capturePorts)
	}
	for i := 0; i < n; i++ {
		copy(bufs[i], d.capturePorts[i].Buffer)
	}
	return nil
}

// SetBufferSize implements Backend, recomputing the derived wait time.
func (d *Dummy) SetBufferSize(n int) error {
	d.period = uint(n)
	if d.wait == 0 {
		d.waitTime = time.Duration(float64(d.period) / float64(d.rate) * float64(time.Second))
	}
	return nil
}

// SetSampleRate implements Backend, recomputing the derived wait time.
func (d *Dummy) SetSampleRate(n float64) error {
	d.rate = uint(n)
	if d.wait == 0 {
		d.waitTime = time.Duration(float64(d.period) / float64(d.rate) * float64(time.Second))
	}
	return nil
}

// WaitTime returns the computed per-cycle sleep duration, used by a
// Wrapper's cycle function.
func (d *Dummy) WaitTime() time.Duration { return d.waitTime }
