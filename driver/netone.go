package driver

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"sync"

	"github.com/shaban/rtaudiod/engine"
	"github.com/shaban/rtaudiod/graph"
)

// netOneHeaderFields is the 14-field wire header of spec.md §6, all
// 32-bit unsigned, network byte order.
type netOneHeaderFields struct {
	CaptureChannelsAudio  uint32
	CaptureChannelsMIDI   uint32
	PlaybackChannelsAudio uint32
	PlaybackChannelsMIDI  uint32
	PeriodSize            uint32
	SampleRate            uint32
	SyncState             uint32
	TransportFrame        uint32
	TransportState        uint32
	FrameCnt              uint32
	Latency               uint32
	ReplyPort             uint32
	MTU                   uint32
	FragmentNr            uint32
}

const netOneHeaderSize = 14 * 4

func (h *netOneHeaderFields) encode() []byte {
	buf := make([]byte, netOneHeaderSize)
	fields := [14]uint32{
		h.CaptureChannelsAudio, h.CaptureChannelsMIDI,
		h.PlaybackChannelsAudio, h.PlaybackChannelsMIDI,
		h.PeriodSize, h.SampleRate, h.SyncState,
		h.TransportFrame, h.TransportState, h.FrameCnt,
		h.Latency, h.ReplyPort, h.MTU, h.FragmentNr,
	}
	for i, v := range fields {
		binary.BigEndian.PutUint32(buf[i*4:], v)
	}
	return buf
}

func decodeNetOneHeader(buf []byte) (netOneHeaderFields, error) {
	var h netOneHeaderFields
	if len(buf) < netOneHeaderSize {
		return h, fmt.Errorf("driver/netone: short header: %d bytes", len(buf))
	}
	fields := [14]*uint32{
		&h.CaptureChannelsAudio, &h.CaptureChannelsMIDI,
		&h.PlaybackChannelsAudio, &h.PlaybackChannelsMIDI,
		&h.PeriodSize, &h.SampleRate, &h.SyncState,
		&h.TransportFrame, &h.TransportState, &h.FrameCnt,
		&h.Latency, &h.ReplyPort, &h.MTU, &h.FragmentNr,
	}
	for i, p := range fields {
		*p = binary.BigEndian.Uint32(buf[i*4:])
	}
	return h, nil
}

// fragment is one received UDP datagram's body, held until every
// fragment sharing its framecnt has arrived.
type fragment struct {
	nr   uint32
	body []byte
}

// packetCache reassembles fragmented cycles by framecnt, matching
// spec.md §6: bounded to in-flight frame counts, pruned by framecnt
// older than the latest retrieved value, rejecting any source address
// other than the latched master.
type packetCache struct {
	mu            sync.Mutex
	pending       map[uint32][]fragment
	expectedTotal map[uint32]uint32
	latestRetired uint32
	masterAddr    *net.UDPAddr
}

func newPacketCache() *packetCache {
	return &packetCache{
		pending:       make(map[uint32][]fragment),
		expectedTotal: make(map[uint32]uint32),
	}
}

// accept records one fragment. total is the fragment count the caller
// expects for this framecnt (Read derives it from its own buffer size and
// the MTU, not from the packet). Reassembly completes once total fragments
// have arrived; fragment numbers are not checked for duplicates or gaps.
func (c *packetCache) accept(h netOneHeaderFields, body []byte, from *net.UDPAddr, total uint32) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.masterAddr == nil {
		c.masterAddr = from
	} else if from.String() != c.masterAddr.String() {
		return nil, false, fmt.Errorf("driver/netone: packet from unexpected source %s", from)
	}

	if h.FrameCnt <= c.latestRetired && c.latestRetired != 0 {
		return nil, false, nil // stale, already reassembled and retired
	}

	c.pending[h.FrameCnt] = append(c.pending[h.FrameCnt], fragment{nr: h.FragmentNr, body: body})
	c.expectedTotal[h.FrameCnt] = total

	frags := c.pending[h.FrameCnt]
	if uint32(len(frags)) < total {
		return nil, false, nil
	}

	ordered := make([][]byte, total)
	for _, f := range frags {
		if f.nr < total {
			ordered[f.nr] = f.body
		}
	}
	var full []byte
	for _, b := range ordered {
		full = append(full, b...)
	}

	delete(c.pending, h.FrameCnt)
	delete(c.expectedTotal, h.FrameCnt)
	c.latestRetired = h.FrameCnt
	for fc := range c.pending {
		if fc < c.latestRetired {
			delete(c.pending, fc)
			delete(c.expectedTotal, fc)
		}
	}

	return full, true, nil
}

// NetOne is the UDP network backend of spec.md §6.
type NetOne struct {
	port          int
	mtu           int
	audioIn       int
	audioOut      int
	midiIn        int
	midiOut       int
	transportSync bool
	mode          string

	conn  *net.UDPConn
	cache *packetCache

	capturePorts  []*graph.Port
	playbackPorts []*graph.Port

	frameCnt uint32
}

// NewNetOne constructs a NetOne backend with the CLI-supplied
// parameters (spec.md §6).
func NewNetOne(port, mtu, audioIn, audioOut, midiIn, midiOut int, transportSync bool, mode string) *NetOne {
	return &NetOne{
		port: port, mtu: mtu,
		audioIn: audioIn, audioOut: audioOut,
		midiIn: midiIn, midiOut: midiOut,
		transportSync: transportSync,
		mode:          mode,
		cache:         newPacketCache(),
	}
}

// Descriptor implements Backend.
func (n *NetOne) Descriptor() Descriptor {
	return Descriptor{
		Name: "netone",
		Desc: "UDP network backend",
		Params: []Param{
			{Name: "port", Character: 'p', Type: ParamUInt, ShortDesc: "UDP port", UIntVal: 19000},
			{Name: "mtu", Character: 'M', Type: ParamUInt, ShortDesc: "MTU in bytes", UIntVal: 1500},
			{Name: "transport_sync", Character: 't', Type: ParamBool, ShortDesc: "Synchronize transport state"},
			{Name: "mode", Character: 'm', Type: ParamString, ShortDesc: "slow|normal|fast", StringVal: "normal"},
		},
	}
}

// Open implements Backend by binding the UDP listen socket.
func (n *NetOne) Open(p OpenParams) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: n.port})
	if err != nil {
		return fmt.Errorf("driver/netone: listen: %w", err)
	}
	n.conn = conn
	n.audioIn, n.audioOut = p.InChannels, p.OutChannels
	return nil
}

// Attach implements Backend, registering physical ports for refnum.
func (n *NetOne) Attach(refnum int, eng *engine.Engine) error {
	client, ok := eng.GetClient(refnum)
	if !ok {
		return fmt.Errorf("driver/netone: refnum %d not found", refnum)
	}

	physFlags := graph.Flags{Physical: true, Terminal: true}
	for i := 0; i < n.audioIn; i++ {
		p, err := eng.PortRegister(client.Refnum, fmt.Sprintf("capture_%d", i+1), graph.Audio, graph.Output, physFlags)
		if err != nil {
			return err
		}
		n.capturePorts = append(n.capturePorts, p)
	}
	for i := 0; i < n.audioOut; i++ {
		p, err := eng.PortRegister(client.Refnum, fmt.Sprintf("playback_%d", i+1), graph.Audio, graph.Input, physFlags)
		if err != nil {
			return err
		}
		n.playbackPorts = append(n.playbackPorts, p)
	}
	return nil
}

// Start implements Backend; the listen socket is already bound by Open.
func (n *NetOne) Start() error { return nil }

// Stop implements Backend, closing the UDP socket.
func (n *NetOne) Stop() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Close()
}

// Read implements Backend: it receives and reassembles one cycle's
// worth of fragments, then deinterleaves them into bufs.
func (n *NetOne) Read(bufs [][]float32) error {
	buf := make([]byte, n.mtu)
	for {
		size, from, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			return fmt.Errorf("driver/netone: read: %w", err)
		}
		if size < netOneHeaderSize {
			continue
		}
		h, err := decodeNetOneHeader(buf[:size])
		if err != nil {
			return err
		}
		body := append([]byte(nil), buf[netOneHeaderSize:size]...)

		totalBodyLen := len(bufs) * len(bufs[0]) * 4
		fragSize := n.mtu - netOneHeaderSize
		total := uint32((totalBodyLen + fragSize - 1) / fragSize)
		if total == 0 {
			total = 1
		}

		full, complete, err := n.cache.accept(h, body, from, total)
		if err != nil {
			return err
		}
		if !complete {
			continue
		}
		n.frameCnt = h.FrameCnt
		deinterleaveFloat32(full, bufs)
		return nil
	}
}

// Write implements Backend by interleaving bufs and sending them as a
// (possibly fragmented) sequence of UDP datagrams sharing one framecnt.
func (n *NetOne) Write(bufs [][]float32) error {
	if n.cache.masterAddr == nil {
		return nil // no peer latched yet, nothing to reply to
	}

	payload := interleaveFloat32(bufs)
	fragSize := n.mtu - netOneHeaderSize
	total := uint32((len(payload) + fragSize - 1) / fragSize)
	if total == 0 {
		total = 1
	}

	for nr := uint32(0); nr < total; nr++ {
		start := int(nr) * fragSize
		end := start + fragSize
		if end > len(payload) {
			end = len(payload)
		}
		h := netOneHeaderFields{
			PlaybackChannelsAudio: uint32(len(bufs)),
			PeriodSize:            uint32(len(bufs[0])),
			FrameCnt:              n.frameCnt,
			MTU:                   uint32(n.mtu),
			FragmentNr:            nr,
		}
		pkt := append(h.encode(), payload[start:end]...)
		if _, err := n.conn.WriteToUDP(pkt, n.cache.masterAddr); err != nil {
			return fmt.Errorf("driver/netone: write: %w", err)
		}
	}
	return nil
}

// SetBufferSize implements Backend; NetOne takes its sizes from the
// buffers passed to each Read/Write, nothing to precompute here.
func (n *NetOne) SetBufferSize(int) error { return nil }

// SetSampleRate implements Backend.
func (n *NetOne) SetSampleRate(float64) error { return nil }

func interleaveFloat32(bufs [][]float32) []byte {
	if len(bufs) == 0 {
		return nil
	}
	frames := len(bufs[0])
	out := make([]byte, frames*len(bufs)*4)
	for f := 0; f < frames; f++ {
		for ch, b := range bufs {
			binary.BigEndian.PutUint32(out[(f*len(bufs)+ch)*4:], math.Float32bits(b[f]))
		}
	}
	return out
}

func deinterleaveFloat32(data []byte, bufs [][]float32) {
	if len(bufs) == 0 {
		return
	}
	frames := len(data) / (4 * len(bufs))
	if frames > len(bufs[0]) {
		frames = len(bufs[0])
	}
	for f := 0; f < frames; f++ {
		for ch := range bufs {
			off := (f*len(bufs) + ch) * 4
			bufs[ch][f] = math.Float32frombits(binary.BigEndian.Uint32(data[off:]))
		}
	}
}
