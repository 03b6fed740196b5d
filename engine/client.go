package engine

import (
	"fmt"
	"time"
)

// ProtocolVersion is the single protocol version this engine speaks;
// ClientCheck rejects any other value.
const ProtocolVersion = 1

// MaxNameLength bounds a client name, matching the server's fixed-size
// shared-memory name field.
const MaxNameLength = 63

// ClientKind distinguishes how a client is driven.
type ClientKind int

const (
	ExternalClient ClientKind = iota
	InternalClient
	DriverClient
)

// Options modifies ClientCheck's collision behavior.
type Options struct {
	UseExactName bool
}

// Client is one entry in the engine's client table: an identity, its
// subscribed notifications, and a rolling average of its Process time
// (AverageCycleTime). Xrun and DriverNotRunning detection read the
// graph's ClientTiming records, not this average.
type Client struct {
	Refnum int
	Name   string
	PID    int
	Kind   ClientKind
	Active bool

	Callbacks map[CallbackKind]Callback

	// Process, if set, is invoked once per cycle on this client's RT
	// slot. Control-only clients (no audio/midi ports) may leave it nil.
	Process func(deadline time.Time) error

	Timeout time.Duration

	openedAt       time.Time
	cycleCount     uint64
	totalCycleTime time.Duration
}

func newClient(refnum int, name string, kind ClientKind, timeout time.Duration) *Client {
	return &Client{
		Refnum:    refnum,
		Name:      name,
		Kind:      kind,
		Callbacks: make(map[CallbackKind]Callback),
		Timeout:   timeout,
		openedAt:  time.Now(),
	}
}

func (c *Client) recordCycle(d time.Duration) {
	c.cycleCount++
	c.totalCycleTime += d
}

// AverageCycleTime returns the rolling mean cycle duration, or 0 before
// the first recorded cycle.
func (c *Client) AverageCycleTime() time.Duration {
	if c.cycleCount == 0 {
		return 0
	}
	return c.totalCycleTime / time.Duration(c.cycleCount)
}

// ClientCheck validates protocol compatibility and resolves a unique
// name for a would-be client, per spec.md §4.F. existingNames is the set
// of currently active client names. It does not mutate the engine — the
// caller commits the result via ClientExternalOpen/ClientInternalOpen.
func ClientCheck(existingNames map[string]bool, name string, protocol int, opts Options) (string, error) {
	if protocol != ProtocolVersion {
		return "", ErrVersionMismatch
	}
	if len(name) > MaxNameLength {
		return "", fmt.Errorf("%w: name %q exceeds %d bytes", ErrNameNotUnique, name, MaxNameLength)
	}
	if !existingNames[name] {
		return name, nil
	}
	if opts.UseExactName {
		return "", ErrNameNotUnique
	}
	for i := 1; i <= 99; i++ {
		candidate := fmt.Sprintf("%s-%02d", name, i)
		if len(candidate) > MaxNameLength {
			return "", fmt.Errorf("%w: name %q exceeds %d bytes", ErrNameNotUnique, candidate, MaxNameLength)
		}
		if !existingNames[candidate] {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: 99 collisions for %q", ErrNameNotUnique, name)
}
