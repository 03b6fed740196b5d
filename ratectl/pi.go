// Package ratectl implements the proportional-integral controller that
// drives resample.Channel's ratio from a ring-pipe fill error, as
// described in SPEC_FULL.md §4.C. It is a small, self-contained control
// loop; no third-party control-theory library exists in this module's
// pack, so it is implemented directly against math/stdlib (justified in
// DESIGN.md).
package ratectl

import "math"

// Default gains and integrator bound. The original source
// (JackAudioAdapterInterface.cpp) does not enumerate these constants
// explicitly (see spec.md §9 Open Questions); these values converge a
// zero, constant error input to nominal within about 20 cycles while
// keeping the ratio within the ±5% clamp under a step error of a few
// hundred samples, which is the behavior the adapter's boundary policy
// relies on.
const (
	DefaultKp           = 0.02
	DefaultKi           = 0.0005
	DefaultIntegralBound = 50.0
	// MaxDeviation is the fractional clamp around nominal (±5%).
	MaxDeviation = 0.05
	// RecoveryCycles is how many GetRatio calls after OutOfBounds it
	// takes to fully release the toward-1.0 pull.
	RecoveryCycles = 8
)

// Controller computes the next resampling ratio from a ring-pipe fill
// error, biasing that ratio to keep the pipe's fill at its target
// midpoint (maximizing headroom against both underrun and overrun).
type Controller struct {
	nominal float64
	kp      float64
	ki      float64
	bound   float64

	integrator float64

	recovering    bool
	recoveryCycle int
}

// New creates a Controller for the given nominal ratio (e.g.
// hostRate/adaptedRate) using the default gains.
func New(nominal float64) *Controller {
	return &Controller{
		nominal: nominal,
		kp:      DefaultKp,
		ki:      DefaultKi,
		bound:   DefaultIntegralBound,
	}
}

// SetGains overrides the proportional/integral gains and integrator
// bound. Intended for tests and tuning, not for RT-path use.
func (c *Controller) SetGains(kp, ki, bound float64) {
	c.kp, c.ki, c.bound = kp, ki, bound
}

// GetRatio returns the next resampling ratio given the current signed
// fill error (in samples): ratio = nominal * (1 + Kp*e + Ki*sum(e)),
// clamped to nominal * (1 ± MaxDeviation).
func (c *Controller) GetRatio(errSamples float64) float64 {
	c.integrator += errSamples
	if c.integrator > c.bound {
		c.integrator = c.bound
	} else if c.integrator < -c.bound {
		c.integrator = -c.bound
	}

	correction := c.kp*errSamples + c.ki*c.integrator

	if c.recovering {
		// Scale the correction by recoveryCycle/RecoveryCycles: it is
		// near zero right after OutOfBounds (ratio near nominal) and back
		// to full strength after RecoveryCycles calls, instead of snapping.
		c.recoveryCycle++
		weight := float64(c.recoveryCycle) / float64(RecoveryCycles)
		if weight >= 1.0 {
			c.recovering = false
			weight = 1.0
		}
		correction *= weight
	}

	ratio := c.nominal * (1.0 + correction)

	lo := c.nominal * (1.0 - MaxDeviation)
	hi := c.nominal * (1.0 + MaxDeviation)
	return math.Min(math.Max(ratio, lo), hi)
}

// OutOfBounds resets the integrator and arms a short recovery window
// during which GetRatio eases the ratio back toward nominal rather than
// reacting to the (likely stale) error that triggered the boundary
// violation.
func (c *Controller) OutOfBounds() {
	c.integrator = 0
	c.recovering = true
	c.recoveryCycle = 0
}

// Nominal returns the controller's nominal ratio.
func (c *Controller) Nominal() float64 { return c.nominal }
