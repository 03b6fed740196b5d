// Package engine implements the server core of spec.md §4.F: client
// lifecycle, port registration and connection (via graph.Manager),
// per-cycle graph evaluation, self-connect policy enforcement, xrun
// detection, and notification fan-out.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shaban/rtaudiod/graph"
)

// ReservedDriverSlots is K, the count of refnum slots set aside for
// driver clients (spec.md SPEC_FULL §4: K=2, one primary and one
// secondary/monitor backend).
const ReservedDriverSlots = 2

// Config configures a new Engine.
type Config struct {
	PortMax         int // size of the client refnum table, driver slots included (default 128); the port count is not capped
	ClientTimeout   time.Duration
	SelfConnectMode SelfConnectMode
	Temporary       bool
	PeriodSize      int
	SampleRate      float64
	Realtime        bool

	ErrorHandler ErrorHandler
	Logger       *slog.Logger
	Metrics      *Metrics
}

// Engine ties the client table to a graph.Manager and drives the
// per-cycle Process/CheckXRun pair.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	graph   *graph.Manager
	clients map[int]*Client

	selfConnect SelfConnectMode
	timeout     time.Duration

	errorHandler ErrorHandler
	logger       *slog.Logger
	metrics      *Metrics
	queue        *opQueue

	lastSwitch time.Time

	temporary bool
	doneCh    chan struct{}
	doneOnce  sync.Once

	sampleRate float64

	freewheeling  bool
	savedRealtime bool
}

// New creates an Engine and starts its request-thread op queue.
func New(cfg Config) *Engine {
	if cfg.PortMax <= 0 {
		cfg.PortMax = 128
	}
	if cfg.ClientTimeout <= 0 {
		cfg.ClientTimeout = 2 * time.Second
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = &DefaultErrorHandler{Logger: cfg.Logger}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:          cfg,
		graph:        graph.New(cfg.PeriodSize),
		clients:      make(map[int]*Client),
		selfConnect:  cfg.SelfConnectMode,
		timeout:      cfg.ClientTimeout,
		errorHandler: cfg.ErrorHandler,
		logger:       logger,
		metrics:      cfg.Metrics,
		temporary:    cfg.Temporary,
		doneCh:       make(chan struct{}),
		lastSwitch:   time.Time{},
		sampleRate:   cfg.SampleRate,
	}
	e.queue = newOpQueue(128, 300*time.Millisecond)
	e.queue.onComplete = e.metrics.observeOp
	e.queue.onSlow = func(d time.Duration) {
		e.metrics.observeSlowOp(d)
		e.errorHandler.HandleError(fmt.Errorf("engine: topology change took %v, target is sub-300ms", d))
	}
	e.queue.Start()
	return e
}

// Done returns a channel closed once the engine should terminate — in
// temporary mode, when the last non-driver client closes.
func (e *Engine) Done() <-chan struct{} { return e.doneCh }

// Close stops the request-thread op queue. It does not touch the RT
// cycle, which the driver owns.
func (e *Engine) Close() {
	e.queue.Close()
}

func (e *Engine) allocateRefnumLocked(kind ClientKind) (int, error) {
	lo, hi := ReservedDriverSlots, e.cfg.PortMax
	if kind == DriverClient {
		lo, hi = 0, ReservedDriverSlots
	}
	for r := lo; r < hi; r++ {
		if _, taken := e.clients[r]; !taken {
			return r, nil
		}
	}
	return 0, ErrNoFreeSlot
}

// clientOpen is the shared body of ClientExternalOpen/ClientInternalOpen.
func (e *Engine) clientOpen(name string, protocol int, opts Options, pid int, kind ClientKind) (*Client, error) {
	e.mu.Lock()
	existing := make(map[string]bool, len(e.clients))
	priorRefnums := make([]int, 0, len(e.clients))
	for r, c := range e.clients {
		existing[c.Name] = true
		priorRefnums = append(priorRefnums, r)
	}

	resolvedName, err := ClientCheck(existing, name, protocol, opts)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}

	refnum, err := e.allocateRefnumLocked(kind)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}

	c := newClient(refnum, resolvedName, kind, e.timeout)
	c.PID = pid
	c.Active = false
	e.clients[refnum] = c
	e.graph.InitRefNum(refnum)
	e.mu.Unlock()

	// Publish AddClient to every client subscribed to it. The new client
	// has no subscriptions yet, so it receives nothing here.
	e.notify(AddClient, refnum)

	// c was created above with an empty Callbacks map, so this loop finds
	// no AddClient callback and delivers nothing; a client that subscribes
	// to AddClient after opening is not told about clients that already
	// existed.
	if cb, ok := c.Callbacks[AddClient]; ok {
		for _, prior := range priorRefnums {
			if cb.Sync {
				if err := cb.Fn(AddClient, prior); err != nil {
					e.errorHandler.HandleError(err)
				}
			} else {
				go func(prior int) {
					if err := cb.Fn(AddClient, prior); err != nil {
						e.errorHandler.HandleError(err)
					}
				}(prior)
			}
		}
	}

	return c, nil
}

// ClientExternalOpen registers an out-of-process client.
func (e *Engine) ClientExternalOpen(name string, protocol int, opts Options, pid int) (*Client, error) {
	return e.clientOpen(name, protocol, opts, pid, ExternalClient)
}

// ClientInternalOpen registers an in-process (same address space) client.
func (e *Engine) ClientInternalOpen(name string, protocol int, opts Options) (*Client, error) {
	return e.clientOpen(name, protocol, opts, 0, InternalClient)
}

// DriverOpen registers a driver backend, occupying one of the reserved
// driver refnums (spec.md §4.G).
func (e *Engine) DriverOpen(name string) (*Client, error) {
	return e.clientOpen(name, ProtocolVersion, Options{UseExactName: true}, 0, DriverClient)
}

// ClientClose disconnects and releases every port owned by refnum, waits
// up to 2*timeout for the RT cycle to stop scheduling it, then removes
// it from the table and notifies RemoveClient. In temporary mode,
// closing the last non-driver client closes Done().
func (e *Engine) ClientClose(refnum int) error {
	e.mu.Lock()
	c, ok := e.clients[refnum]
	if !ok {
		e.mu.Unlock()
		return ErrNoSuchClient
	}
	e.mu.Unlock()

	for _, portID := range append(e.graph.GetInputPorts(refnum), e.graph.GetOutputPorts(refnum)...) {
		_ = e.graph.Disconnect(portID, graph.ALLPorts)
		e.notify(PortDisconnectCB, portID)
		_ = e.graph.ReleasePort(portID)
		e.notify(PortRegistrationOff, portID)
	}

	e.graph.Deactivate(refnum)

	deadline := time.Now().Add(2 * e.timeout)
	for {
		t := e.graph.GetClientTiming(refnum)
		if t.Status == graph.NotTriggered || t.Status == graph.Finished || t.Status == graph.Timeout {
			break
		}
		if time.Now().After(deadline) {
			e.errorHandler.HandleError(fmt.Errorf("%w: refnum %d", ErrDriverNotRunning, refnum))
			break
		}
		time.Sleep(time.Millisecond)
	}

	e.mu.Lock()
	delete(e.clients, refnum)
	remaining := 0
	for _, other := range e.clients {
		if other.Kind != DriverClient {
			remaining++
		}
	}
	e.mu.Unlock()

	e.notify(RemoveClient, refnum)

	if e.temporary && c.Kind != DriverClient && remaining == 0 {
		e.doneOnce.Do(func() { close(e.doneCh) })
	}
	return nil
}

// ActivateClient marks refnum eligible for the next evaluation order
// and notifies Activate.
func (e *Engine) ActivateClient(refnum int) error {
	e.mu.Lock()
	c, ok := e.clients[refnum]
	e.mu.Unlock()
	if !ok {
		return ErrNoSuchClient
	}
	c.Active = true
	e.graph.Activate(refnum)
	e.notify(Activate, refnum)
	return nil
}

// DeactivateClient removes refnum from the next evaluation order.
func (e *Engine) DeactivateClient(refnum int) error {
	e.mu.Lock()
	c, ok := e.clients[refnum]
	e.mu.Unlock()
	if !ok {
		return ErrNoSuchClient
	}
	c.Active = false
	e.graph.Deactivate(refnum)
	return nil
}

// Subscribe registers cb for kind on refnum's client.
func (e *Engine) Subscribe(refnum int, kind CallbackKind, cb Callback) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.clients[refnum]
	if !ok {
		return ErrNoSuchClient
	}
	c.Callbacks[kind] = cb
	return nil
}

// PortRegister allocates a port named "<client>:<name>" for refnum and
// notifies PortRegistrationOn.
func (e *Engine) PortRegister(refnum int, name string, typ graph.PortType, dir graph.Direction, flags graph.Flags) (*graph.Port, error) {
	e.mu.Lock()
	c, ok := e.clients[refnum]
	e.mu.Unlock()
	if !ok {
		return nil, ErrNoSuchClient
	}

	p, err := e.graph.AllocatePort(refnum, graph.PortName(c.Name, name), typ, dir, flags)
	if err != nil {
		return nil, err
	}
	e.notify(PortRegistrationOn, p.ID)
	return p, nil
}

// PortUnregister releases portID and notifies PortRegistrationOff.
func (e *Engine) PortUnregister(portID int) error {
	if err := e.graph.ReleasePort(portID); err != nil {
		return err
	}
	e.notify(PortRegistrationOff, portID)
	return nil
}

// PortConnect joins srcID to dstID on behalf of callerRefnum, applying
// the engine's self-connect policy first.
func (e *Engine) PortConnect(callerRefnum, srcID, dstID int) error {
	src, ok := e.graph.GetPort(srcID)
	if !ok {
		return ErrInvalidPort
	}
	dst, ok := e.graph.GetPort(dstID)
	if !ok {
		return ErrInvalidPort
	}

	decision := evaluateSelfConnect(e.selfConnect, src.Owner == callerRefnum, dst.Owner == callerRefnum)
	switch decision {
	case decisionReject:
		return ErrSelfConnectReject
	case decisionIgnore:
		return nil
	}

	if err := e.graph.Connect(srcID, dstID); err != nil {
		return err
	}
	e.notify(PortConnectCB, [2]int{srcID, dstID})
	return nil
}

// PortDisconnect removes the srcID->dstID edge (or every edge touching
// srcID, when dstID is graph.ALLPorts) and notifies PortDisconnectCB.
func (e *Engine) PortDisconnect(srcID, dstID int) error {
	if err := e.graph.Disconnect(srcID, dstID); err != nil {
		return err
	}
	e.notify(PortDisconnectCB, [2]int{srcID, dstID})
	return nil
}

// PortRename changes portID's name and notifies PortRename.
func (e *Engine) PortRename(portID int, newName string) error {
	if err := e.graph.RenamePort(portID, newName); err != nil {
		return err
	}
	e.notify(PortRename, portID)
	return nil
}

// SetBufferSize changes the period size: it resizes every port's buffer
// and fans out BufferSize to subscribers (spec.md §4.G/§6). Called from
// the driver path when a backend's period changes.
func (e *Engine) SetBufferSize(frames int) error {
	if frames <= 0 {
		return fmt.Errorf("engine: buffer size must be positive, got %d", frames)
	}
	e.graph.ResizeBuffers(frames)
	e.mu.Lock()
	e.cfg.PeriodSize = frames
	e.mu.Unlock()
	e.notify(BufferSize, frames)
	return nil
}

// SetSampleRate records the engine's current sample rate and fans out
// SampleRate to subscribers (spec.md §4.G/§6). Called from the driver
// path when a backend's sample rate changes.
func (e *Engine) SetSampleRate(rate float64) error {
	if rate <= 0 {
		return fmt.Errorf("engine: sample rate must be positive, got %v", rate)
	}
	e.mu.Lock()
	e.sampleRate = rate
	e.mu.Unlock()
	e.notify(SampleRate, rate)
	return nil
}

// SampleRate returns the engine's current sample rate.
func (e *Engine) SampleRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sampleRate
}

// SetFreewheel toggles freewheel mode, saving the realtime-priority flag
// on entry and restoring it on exit, and fans out StartFreewheel or
// StopFreewheel (spec.md §4.F: "Freewheel toggles save/restore the RT
// priority flag").
func (e *Engine) SetFreewheel(on bool) error {
	e.mu.Lock()
	if on == e.freewheeling {
		e.mu.Unlock()
		return nil
	}
	if on {
		e.savedRealtime = e.cfg.Realtime
		e.cfg.Realtime = false
	} else {
		e.cfg.Realtime = e.savedRealtime
	}
	e.freewheeling = on
	e.mu.Unlock()

	if on {
		e.notify(StartFreewheel, nil)
	} else {
		e.notify(StopFreewheel, nil)
	}
	return nil
}

// Freewheeling reports whether the engine is currently in freewheel mode.
func (e *Engine) Freewheeling() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.freewheeling
}

// EnqueueOp submits a request-thread mutation and blocks for its result,
// serializing it with every other op submitted through EnqueueOp. The
// Engine's own methods (PortRegister, PortConnect, ClientClose, ...) do
// not go through this queue.
func (e *Engine) EnqueueOp(op Op) Result {
	return e.queue.Enqueue(op)
}

// Trigger implements graph.Activator: it delivers one cycle to refnum's
// client, if it registered a Process hook, and records the elapsed time
// into its rolling average.
func (e *Engine) Trigger(refnum int, deadline time.Time) error {
	e.mu.Lock()
	c, ok := e.clients[refnum]
	e.mu.Unlock()
	if !ok || c.Process == nil {
		return nil
	}

	start := time.Now()
	err := c.Process(deadline)
	c.recordCycle(time.Since(start))
	return err
}

// Process runs one engine cycle (spec.md §4.F): it advances the
// published graph when the prior cycle finished (or forces a late
// switch past timeout), checks the prior cycle's client timing for
// overruns, then drives the current graph.
func (e *Engine) Process(cur, prev time.Time) error {
	e.metrics.incCycles()

	switch {
	case e.graph.IsFinishedGraph():
		if e.graph.RunNextGraph() {
			e.notify(GraphOrder, nil)
		}
		e.lastSwitch = cur
	case e.lastSwitch.IsZero() || cur.Sub(e.lastSwitch) > e.timeout:
		if e.graph.RunNextGraph() {
			e.notify(GraphOrder, nil)
		}
		e.lastSwitch = cur
	}

	e.CheckXRun(cur)

	deadline := cur.Add(e.timeout)
	if err := e.graph.RunCurrentGraph(e, deadline); err != nil {
		return err
	}
	return nil
}

// CheckXRun scans every non-driver client's timing record as the last
// RunCurrentGraph left it; any client not Finished (and not still NotTriggered —
// i.e. left Triggered/Running/Timeout) or whose FinishedAt landed after
// cur counts as an overrun, and fans out one XRun notification for the
// whole cycle.
func (e *Engine) CheckXRun(cur time.Time) {
	e.mu.Lock()
	refnums := make([]int, 0, len(e.clients))
	for r, c := range e.clients {
		if c.Kind != DriverClient {
			refnums = append(refnums, r)
		}
	}
	e.mu.Unlock()

	overran := false
	for _, r := range refnums {
		t := e.graph.GetClientTiming(r)
		switch t.Status {
		case graph.NotTriggered, graph.Finished:
			if !t.FinishedAt.IsZero() && t.FinishedAt.After(cur) {
				overran = true
			}
		default:
			overran = true
		}
	}

	if overran {
		e.metrics.incXRuns()
		e.notify(XRun, nil)
	}
}

// Shutdown notifies ShutDown, closes Done(), and stops the op queue.
func (e *Engine) Shutdown(ctx context.Context) {
	e.notify(ShutDown, nil)
	e.doneOnce.Do(func() { close(e.doneCh) })
	e.queue.Close()
}

// GetClient returns refnum's client, if present.
func (e *Engine) GetClient(refnum int) (*Client, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.clients[refnum]
	return c, ok
}

// Graph exposes the underlying graph.Manager for driver/port wiring
// that needs direct access (e.g. a driver's Attach allocating physical
// ports before any client has registered them).
func (e *Engine) Graph() *graph.Manager { return e.graph }
