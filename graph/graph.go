// Package graph implements the engine's client/port/connection graph
// manager (spec.md §4.E): it stores ports, their shared buffers and
// connection lists, and atomically publishes a new per-cycle evaluation
// order. Mutations land on the "next" graph; RunNextGraph swaps it in at
// a cycle boundary so the realtime reader — RunCurrentGraph — only ever
// observes a consistent, already-committed topology.
package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// PortType is the data kind carried by a port.
type PortType int

const (
	Audio PortType = iota
	MIDI
	Opaque
)

// Direction is a port's signal-flow direction.
type Direction int

const (
	Input Direction = iota
	Output
)

// Flags are boolean attributes of a port.
type Flags struct {
	Physical bool
	Terminal bool
	Active   bool
}

// LatencyRange is an inclusive [Min,Max] frame-count latency range.
type LatencyRange struct{ Min, Max int }

// Port is a stable, typed, directional connection endpoint owned by one
// client. Buffer is sized to the current period and exists for as long as
// the port's id is valid.
type Port struct {
	ID        int
	Owner     int // owning client refnum
	Name      string
	Type      PortType
	Direction Direction
	Flags     Flags
	Latency   LatencyRange
	Buffer    []float32
}

// Connection is an unordered pair of a source output port and a
// destination input port.
type Connection struct {
	ID  uuid.UUID
	Src int
	Dst int
}

// Status is a client's per-cycle activation state.
type Status int

const (
	NotTriggered Status = iota
	Triggered
	Running
	Finished
	Timeout
)

func (s Status) String() string {
	switch s {
	case NotTriggered:
		return "NotTriggered"
	case Triggered:
		return "Triggered"
	case Running:
		return "Running"
	case Finished:
		return "Finished"
	case Timeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// ClientTiming is the per-client, per-cycle timing record; it is the
// source of truth for whether a client completed its cycle.
type ClientTiming struct {
	Status     Status
	AwakeAt    time.Time
	FinishedAt time.Time
}

// Sentinel errors returned by Manager. Some are wrapped with extra detail
// (port name, owner refnum), so callers should match them with errors.Is.
var (
	ErrPortNotFound       = fmt.Errorf("graph: port not found")
	ErrPortExists         = fmt.Errorf("graph: port already registered")
	ErrDuplicateConn      = fmt.Errorf("graph: connection already exists")
	ErrSelfLoop           = fmt.Errorf("graph: self-loop on a single port")
	ErrDirectionMismatch  = fmt.Errorf("graph: direction mismatch")
	ErrTypeMismatch       = fmt.Errorf("graph: type mismatch")
	ErrInactiveOwner      = fmt.Errorf("graph: owner client is not active")
	ErrConnectionNotFound = fmt.Errorf("graph: connection not found")
)

// ALLPorts, passed as a target to Disconnect, fans the disconnect out
// across a port's entire current connection list.
const ALLPorts = -1

type order struct {
	refnums []int
}

// Manager owns the port table, connection lists, and the double-buffered
// evaluation order.
type Manager struct {
	mu sync.Mutex

	nextPortID int
	ports      map[int]*Port
	byName     map[string]int

	// adjacency: portID -> set of connected portIDs
	adj map[int]map[int]*Connection

	activeClients map[int]bool
	periodSize    int

	orders     [2]order
	currentIdx atomic.Int32 // 0 or 1: index into orders of the published graph
	dirty      bool

	timing map[int]*ClientTiming
}

// New creates an empty Manager sized for the given period (frames).
func New(periodSize int) *Manager {
	return &Manager{
		ports:         make(map[int]*Port),
		byName:        make(map[string]int),
		adj:           make(map[int]map[int]*Connection),
		activeClients: make(map[int]bool),
		timing:        make(map[int]*ClientTiming),
		periodSize:    periodSize,
	}
}

// InitRefNum registers a client refnum as eligible to own ports and
// appear in the evaluation order, starting inactive.
func (m *Manager) InitRefNum(refnum int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.activeClients[refnum]; !ok {
		m.activeClients[refnum] = false
	}
	m.timing[refnum] = &ClientTiming{Status: NotTriggered}
}

// Activate marks a client eligible for the next evaluation order.
func (m *Manager) Activate(refnum int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeClients[refnum] = true
	m.dirty = true
}

// Deactivate removes a client from the next evaluation order.
func (m *Manager) Deactivate(refnum int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeClients[refnum] = false
	m.dirty = true
}

// AllocatePort registers a new port for owner, sizing its buffer to the
// manager's period.
func (m *Manager) AllocatePort(owner int, name string, typ PortType, dir Direction, flags Flags) (*Port, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byName[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrPortExists, name)
	}

	m.nextPortID++
	p := &Port{
		ID:        m.nextPortID,
		Owner:     owner,
		Name:      name,
		Type:      typ,
		Direction: dir,
		Flags:     flags,
		Buffer:    make([]float32, m.periodSize),
	}
	m.ports[p.ID] = p
	m.byName[name] = p.ID
	m.adj[p.ID] = make(map[int]*Connection)
	m.dirty = true
	return p, nil
}

// ReleasePort removes a port and all of its connections.
func (m *Manager) ReleasePort(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.ports[id]
	if !ok {
		return ErrPortNotFound
	}
	for otherID := range m.adj[id] {
		delete(m.adj[otherID], id)
	}
	delete(m.adj, id)
	delete(m.ports, id)
	delete(m.byName, p.Name)
	m.dirty = true
	return nil
}

// ActivatePort flips a port's active flag, used by the graph builder to
// decide if the port participates in evaluation.
func (m *Manager) ActivatePort(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.ports[id]
	if !ok {
		return ErrPortNotFound
	}
	p.Flags.Active = true
	m.dirty = true
	return nil
}

// DeactivatePort clears a port's active flag.
func (m *Manager) DeactivatePort(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.ports[id]
	if !ok {
		return ErrPortNotFound
	}
	p.Flags.Active = false
	m.dirty = true
	return nil
}

// RenamePort changes portID's name, rejecting a collision with any other
// live port's name.
func (m *Manager) RenamePort(portID int, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.ports[portID]
	if !ok {
		return ErrPortNotFound
	}
	if existingID, exists := m.byName[newName]; exists && existingID != portID {
		return fmt.Errorf("%w: %s", ErrPortExists, newName)
	}
	delete(m.byName, p.Name)
	p.Name = newName
	m.byName[newName] = portID
	return nil
}

// ResizeBuffers sets the manager's period size and reallocates every
// port's buffer to match, for a driver-initiated SetBufferSize.
func (m *Manager) ResizeBuffers(periodSize int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.periodSize = periodSize
	for _, p := range m.ports {
		p.Buffer = make([]float32, periodSize)
	}
}

// CheckPorts rejects any pair where either port is not yet
// connected-eligible: direction mismatch, type mismatch, or inactive
// owner.
func (m *Manager) CheckPorts(srcID, dstID int) error {
	src, ok := m.ports[srcID]
	if !ok {
		return ErrPortNotFound
	}
	dst, ok := m.ports[dstID]
	if !ok {
		return ErrPortNotFound
	}
	if src.Direction != Output || dst.Direction != Input {
		return ErrDirectionMismatch
	}
	if src.Type != dst.Type {
		return ErrTypeMismatch
	}
	if active, ok := m.activeClients[src.Owner]; !ok || !active {
		return fmt.Errorf("%w: %d", ErrInactiveOwner, src.Owner)
	}
	if active, ok := m.activeClients[dst.Owner]; !ok || !active {
		return fmt.Errorf("%w: %d", ErrInactiveOwner, dst.Owner)
	}
	return nil
}

// Connect joins srcID (an output port) to dstID (an input port). A
// duplicate pair yields ErrDuplicateConn rather than a second edge.
func (m *Manager) Connect(srcID, dstID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if srcID == dstID {
		return ErrSelfLoop
	}
	if err := m.CheckPorts(srcID, dstID); err != nil {
		return err
	}
	if _, exists := m.adj[srcID][dstID]; exists {
		return ErrDuplicateConn
	}

	c := &Connection{ID: uuid.New(), Src: srcID, Dst: dstID}
	m.adj[srcID][dstID] = c
	m.adj[dstID][srcID] = c
	m.dirty = true
	return nil
}

// Disconnect removes the srcID->dstID edge, or — when dstID is ALLPorts —
// every edge currently touching srcID.
func (m *Manager) Disconnect(srcID, dstID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.adj[srcID]; !ok {
		return ErrPortNotFound
	}

	if dstID == ALLPorts {
		for other := range m.adj[srcID] {
			delete(m.adj[other], srcID)
		}
		m.adj[srcID] = make(map[int]*Connection)
		m.dirty = true
		return nil
	}

	if _, exists := m.adj[srcID][dstID]; !exists {
		return ErrConnectionNotFound
	}
	delete(m.adj[srcID], dstID)
	delete(m.adj[dstID], srcID)
	m.dirty = true
	return nil
}

// GetConnections returns the ports currently connected to id.
func (m *Manager) GetConnections(id int) []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	peers := m.adj[id]
	out := make([]int, 0, len(peers))
	for p := range peers {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// GetInputPorts returns the ids of refnum's input ports.
func (m *Manager) GetInputPorts(refnum int) []int {
	return m.portsByDirection(refnum, Input)
}

// GetOutputPorts returns the ids of refnum's output ports.
func (m *Manager) GetOutputPorts(refnum int) []int {
	return m.portsByDirection(refnum, Output)
}

func (m *Manager) portsByDirection(refnum int, dir Direction) []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []int
	for id, p := range m.ports {
		if p.Owner == refnum && p.Direction == dir {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

// GetPort looks a port up by id.
func (m *Manager) GetPort(id int) (*Port, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.ports[id]
	return p, ok
}

// GetPortByName looks a port up by its "client:port" name.
func (m *Manager) GetPortByName(name string) (*Port, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byName[name]
	if !ok {
		return nil, false
	}
	return m.ports[id], true
}

// GetTwoPorts resolves a src/dst name pair in one call, convenient for
// Connect/Disconnect callers working from client:port names.
func (m *Manager) GetTwoPorts(srcName, dstName string) (src, dst *Port, err error) {
	s, ok := m.GetPortByName(srcName)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrPortNotFound, srcName)
	}
	d, ok := m.GetPortByName(dstName)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrPortNotFound, dstName)
	}
	return s, d, nil
}

// RemoveAllPorts releases every port owned by refnum.
func (m *Manager) RemoveAllPorts(refnum int) {
	m.mu.Lock()
	ids := make([]int, 0)
	for id, p := range m.ports {
		if p.Owner == refnum {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.ReleasePort(id)
	}
}

// GetClientTiming returns the timing record for refnum, creating one
// (NotTriggered) if it does not yet exist.
func (m *Manager) GetClientTiming(refnum int) ClientTiming {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timing[refnum]
	if !ok {
		t = &ClientTiming{Status: NotTriggered}
		m.timing[refnum] = t
	}
	return *t
}

// Activator delivers a cycle to one client and blocks until the client
// marks its work done or the deadline passes.
type Activator interface {
	Trigger(refnum int, deadline time.Time) error
}

// RunCurrentGraph iterates the currently-published evaluation order in
// topological order, delivering each client's cycle via activator and
// recording its ClientTiming. The client's timing record, not the
// activator's return value alone, is the source of truth for completion.
func (m *Manager) RunCurrentGraph(activator Activator, deadline time.Time) error {
	ord := m.currentOrder()

	for _, refnum := range ord {
		m.setTiming(refnum, Triggered, time.Now(), time.Time{})

		err := activator.Trigger(refnum, deadline)

		now := time.Now()
		if err != nil || now.After(deadline) {
			m.setTiming(refnum, Timeout, time.Time{}, now)
			continue
		}
		m.setTiming(refnum, Finished, time.Time{}, now)
	}
	return nil
}

func (m *Manager) setTiming(refnum int, status Status, awake, finished time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timing[refnum]
	if !ok {
		t = &ClientTiming{}
		m.timing[refnum] = t
	}
	t.Status = status
	if !awake.IsZero() {
		t.AwakeAt = awake
	}
	if !finished.IsZero() {
		t.FinishedAt = finished
	}
}

// IsFinishedGraph reports whether every client in the current order
// reached Finished (or Timeout) on the last cycle.
func (m *Manager) IsFinishedGraph() bool {
	ord := m.currentOrder()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, refnum := range ord {
		t, ok := m.timing[refnum]
		if !ok || (t.Status != Finished && t.Status != Timeout) {
			return false
		}
	}
	return true
}

func (m *Manager) currentOrder() []int {
	idx := m.currentIdx.Load()
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.orders[idx].refnums
	out := make([]int, len(src))
	copy(out, src)
	return out
}

// RunNextGraph rebuilds the non-current order from the present
// port/connection/activation state and, if it differs from the
// published order, atomically swaps it in. It reports whether a switch
// occurred, in which case the caller should fan out a GraphReorder
// notification.
func (m *Manager) RunNextGraph() bool {
	m.mu.Lock()
	if !m.dirty {
		m.mu.Unlock()
		return false
	}
	newOrder := m.buildTopologicalOrder()
	idx := m.currentIdx.Load()
	nextIdx := 1 - idx
	m.orders[nextIdx] = order{refnums: newOrder}
	changed := !sameOrder(m.orders[idx].refnums, newOrder)
	m.dirty = false
	m.mu.Unlock()

	if changed {
		m.currentIdx.Store(nextIdx)
	}
	return changed
}

func sameOrder(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// buildTopologicalOrder computes a Kahn's-algorithm ordering of active
// clients from port connections (output port owner -> input port owner
// edges). Any cycle (feedback loop) breaks ties by refnum order rather
// than failing, since feedback connections are legal in the data model.
// Caller must hold m.mu.
func (m *Manager) buildTopologicalOrder() []int {
	refnums := make([]int, 0, len(m.activeClients))
	for r, active := range m.activeClients {
		if active {
			refnums = append(refnums, r)
		}
	}
	sort.Ints(refnums)

	edges := make(map[int]map[int]bool) // src refnum -> set of dst refnums
	indegree := make(map[int]int)
	for _, r := range refnums {
		edges[r] = make(map[int]bool)
		indegree[r] = 0
	}

	for srcID, peers := range m.adj {
		srcPort, ok := m.ports[srcID]
		if !ok || srcPort.Direction != Output {
			continue
		}
		for dstID := range peers {
			dstPort, ok := m.ports[dstID]
			if !ok || dstPort.Direction != Input {
				continue
			}
			if srcPort.Owner == dstPort.Owner {
				continue
			}
			if !edges[srcPort.Owner][dstPort.Owner] {
				edges[srcPort.Owner][dstPort.Owner] = true
				indegree[dstPort.Owner]++
			}
		}
	}

	var ready []int
	for _, r := range refnums {
		if indegree[r] == 0 {
			ready = append(ready, r)
		}
	}
	sort.Ints(ready)

	var out []int
	seen := make(map[int]bool)
	for len(ready) > 0 {
		r := ready[0]
		ready = ready[1:]
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)

		var newlyReady []int
		for dst := range edges[r] {
			indegree[dst]--
			if indegree[dst] == 0 {
				newlyReady = append(newlyReady, dst)
			}
		}
		sort.Ints(newlyReady)
		ready = append(ready, newlyReady...)
		sort.Ints(ready)
	}

	// Any remaining clients are part of a cycle; append them in refnum
	// order so every active client still gets scheduled exactly once.
	for _, r := range refnums {
		if !seen[r] {
			out = append(out, r)
			seen[r] = true
		}
	}
	return out
}

// PortName builds the canonical "client:port" name.
func PortName(clientName, portName string) string {
	return clientName + ":" + portName
}

// SplitPortName splits a "client:port" name into its client and port
// parts.
func SplitPortName(name string) (client, port string, ok bool) {
	i := strings.IndexByte(name, ':')
	if i < 0 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}
