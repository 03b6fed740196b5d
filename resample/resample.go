// Package resample implements the per-channel resampler the adapter uses
// to bridge two clock domains: a ringpipe.Pipe carrying raw float32
// samples, plus a sample-rate converter driven by a time-varying ratio.
//
// The non-resampling Read/Write are zero-copy, zero-alloc moves through
// the pipe (used by the host-side PushAndPull). ReadResample/WriteResample
// drive a small sample-rate converter on top of the same pipe (used by the
// foreign-clock PullAndPush). The converter itself is the cubic
// interpolator from github.com/ik5/audpbx/utils, the same algorithm that
// package's own audio.Resampler drives internally — the "wtf…… :("
// left-over stub in the original source (see SPEC_FULL.md) is resolved by
// actually wiring a converter in, rather than falling through to Read.
package resample

import (
	"unsafe"

	"github.com/ik5/audpbx/utils"

	"github.com/shaban/rtaudiod/ringpipe"
)

// Quality selects the sample-rate conversion algorithm.
type Quality int

const (
	// QualityLinear does cheap linear interpolation between two samples.
	QualityLinear Quality = iota
	// QualityCubic uses a 4-point Catmull-Rom cubic interpolation for
	// better stopband rejection at the cost of extra history.
	QualityCubic
)

// Channel is one resampled channel: a ring-pipe of raw float32 samples
// plus the state needed to convert between producer and consumer rates.
type Channel struct {
	pipe    *ringpipe.Pipe
	ratio   float64
	quality Quality

	// Fractional source-sample position for ReadResample's interpolator.
	pos  float64
	hist [4]float32
	n    int // number of valid entries currently in hist (0..4)
}

const sampleBytes = 4

// NewChannel allocates a Channel whose pipe holds capacitySamples float32
// samples (rounded up to a power of two internally).
func NewChannel(capacitySamples int, quality Quality) *Channel {
	return &Channel{
		pipe:    ringpipe.New(capacitySamples * sampleBytes),
		ratio:   1.0,
		quality: quality,
	}
}

// Reset resets the underlying pipe to a new capacity (in samples) and
// clears the interpolator history. Not RT-safe; see ringpipe.Pipe.ResetSize.
func (c *Channel) Reset(capacitySamples int) {
	c.pipe.ResetSize(capacitySamples * sampleBytes)
	c.n = 0
	c.pos = 0
}

// Capacity returns the pipe capacity in samples.
func (c *Channel) Capacity() int { return c.pipe.Size() / sampleBytes }

// ReadSpace and WriteSpace report readable/free samples.
func (c *Channel) ReadSpace() int  { return c.pipe.ReadSpace() / sampleBytes }
func (c *Channel) WriteSpace() int { return c.pipe.WriteSpace() / sampleBytes }

// HardAdjustRead positions the pipe so that k samples are readable.
func (c *Channel) HardAdjustRead(k int) { c.pipe.SetReadSpace(k * sampleBytes) }

// HardAdjustWrite positions the pipe so that k samples are free.
func (c *Channel) HardAdjustWrite(k int) { c.pipe.SetWriteSpace(k * sampleBytes) }

// SetRatio stores the new conversion ratio (nominal = 1.0).
func (c *Channel) SetRatio(r float64) { c.ratio = r }

// Ratio returns the current conversion ratio.
func (c *Channel) Ratio() float64 { return c.ratio }

// HasXRun reports whether the underlying pipe under/overran.
func (c *Channel) HasXRun() bool { return c.pipe.HasXRun() }

// ClearXRun clears the pipe's xrun flag.
func (c *Channel) ClearXRun() { c.pipe.ClearXRun() }

func asBytes(f []float32) []byte {
	if len(f) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&f[0])), len(f)*sampleBytes)
}

// Read moves raw samples out of the pipe without conversion, returning the
// count actually moved.
func (c *Channel) Read(dst []float32) int {
	return c.pipe.Read(asBytes(dst)) / sampleBytes
}

// Write moves raw samples into the pipe without conversion, returning the
// count actually moved.
func (c *Channel) Write(src []float32) int {
	return c.pipe.Write(asBytes(src)) / sampleBytes
}

func (c *Channel) readOneSample() (float32, bool) {
	if c.pipe.ReadSpace() < sampleBytes {
		return 0, false
	}
	var b [sampleBytes]byte
	c.pipe.Read(b[:])
	return *(*float32)(unsafe.Pointer(&b[0])), true
}

// shift consumes one more source sample into the interpolation history,
// duplicating the last valid sample when the pipe has run dry.
func (c *Channel) shift() {
	c.hist[0], c.hist[1], c.hist[2] = c.hist[1], c.hist[2], c.hist[3]
	if s, ok := c.readOneSample(); ok {
		c.hist[3] = s
		if c.n < 4 {
			c.n++
		}
	}
	// else: hist[3] keeps its stale value (duplicated edge sample) and n
	// does not advance. Once n has reached 4 it never advances again, so
	// ReadResample checks ReadSpace rather than n after seeding.
}

// ReadResample consumes approximately len(dst)/ratio samples from the
// pipe and writes len(dst) converted samples into dst. Returns the number
// of samples actually written, which is less than len(dst) if the pipe
// ran dry.
func (c *Channel) ReadResample(dst []float32) int {
	if c.ratio <= 0 {
		return 0
	}
	step := 1.0 / c.ratio

	for c.n < 4 {
		before := c.n
		c.shift()
		if c.n == before {
			// Pipe starved before we even had a seed history.
			return 0
		}
	}

	written := 0
	for written < len(dst) {
		for c.pos >= 1.0 {
			c.pos -= 1.0
			before := c.n
			c.shift()
			if c.n == before && c.pipe.ReadSpace() < sampleBytes {
				// No more fresh data; stop early.
				return written
			}
		}

		alpha := float32(c.pos)
		switch c.quality {
		case QualityCubic:
			dst[written] = utils.CubicInterpolate(c.hist[0], c.hist[1], c.hist[2], c.hist[3], alpha)
		default:
			dst[written] = c.hist[1] + (c.hist[2]-c.hist[1])*alpha
		}
		written++
		c.pos += step
	}
	return written
}

// WriteResample consumes len(src) samples from src and writes
// approximately len(src)*ratio converted samples into the pipe. Returns
// the number of samples actually written. Interpolation never steps past
// the last pair of source samples, so about (len(src)-1)*ratio samples
// are written (at most len(src)*ratio), and fewer if the pipe runs out
// of room.
func (c *Channel) WriteResample(src []float32) int {
	if len(src) == 0 {
		return 0
	}
	target := int(float64(len(src)) * c.ratio)
	if target <= 0 {
		return 0
	}

	// Build an interpolation source over src itself (in-memory, not the
	// pipe) since WriteResample's input is a caller-provided slice, not
	// something already in a ring.
	step := 1.0 / c.ratio
	pos := 0.0
	written := 0
	for written < target {
		i := int(pos)
		if i >= len(src)-1 {
			break
		}
		alpha := float32(pos - float64(i))

		var sample float32
		switch c.quality {
		case QualityCubic:
			y0, y3 := src[i], src[i+1]
			if i > 0 {
				y0 = src[i-1]
			}
			if i+2 < len(src) {
				y3 = src[i+2]
			}
			sample = utils.CubicInterpolate(y0, src[i], src[i+1], y3, alpha)
		default:
			sample = src[i] + (src[i+1]-src[i])*alpha
		}

		one := [1]float32{sample}
		if c.Write(one[:]) == 0 {
			break
		}
		written++
		pos += step
	}
	return written
}
