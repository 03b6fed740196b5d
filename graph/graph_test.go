package graph_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaban/rtaudiod/graph"
)

func setupTwoClients(t *testing.T, m *graph.Manager) (a, b int, aOut, bIn *graph.Port) {
	t.Helper()
	a, b = 1, 2
	m.InitRefNum(a)
	m.InitRefNum(b)
	m.Activate(a)
	m.Activate(b)

	var err error
	aOut, err = m.AllocatePort(a, "a:out1", graph.Audio, graph.Output, graph.Flags{})
	require.NoError(t, err)
	bIn, err = m.AllocatePort(b, "b:in1", graph.Audio, graph.Input, graph.Flags{})
	require.NoError(t, err)
	return
}

func TestPortLifecycle_Invariant2(t *testing.T) {
	m := graph.New(256)
	a, _, _, _ := setupTwoClients(t, m)

	outs := m.GetOutputPorts(a)
	require.Len(t, outs, 1)

	p, ok := m.GetPort(outs[0])
	require.True(t, ok)
	require.NoError(t, m.ReleasePort(p.ID))

	outs = m.GetOutputPorts(a)
	assert.Empty(t, outs)
}

func TestConnectDisconnect_Invariant3And4(t *testing.T) {
	m := graph.New(256)
	_, _, aOut, bIn := setupTwoClients(t, m)

	require.NoError(t, m.Connect(aOut.ID, bIn.ID))
	assert.Contains(t, m.GetConnections(aOut.ID), bIn.ID)
	assert.Contains(t, m.GetConnections(bIn.ID), aOut.ID)

	require.NoError(t, m.Disconnect(aOut.ID, bIn.ID))
	assert.Empty(t, m.GetConnections(aOut.ID))
	assert.Empty(t, m.GetConnections(bIn.ID))
}

func TestDisconnectAllPorts_Invariant4(t *testing.T) {
	m := graph.New(256)
	_, b, aOut, bIn := setupTwoClients(t, m)

	cIn, err := m.AllocatePort(b, "b:in2", graph.Audio, graph.Input, graph.Flags{})
	require.NoError(t, err)

	require.NoError(t, m.Connect(aOut.ID, bIn.ID))
	require.NoError(t, m.Connect(aOut.ID, cIn.ID))

	require.NoError(t, m.Disconnect(aOut.ID, graph.ALLPorts))
	assert.Empty(t, m.GetConnections(aOut.ID))
}

func TestDuplicateConnectRejected(t *testing.T) {
	m := graph.New(256)
	_, _, aOut, bIn := setupTwoClients(t, m)
	require.NoError(t, m.Connect(aOut.ID, bIn.ID))

	err := m.Connect(aOut.ID, bIn.ID)
	assert.ErrorIs(t, err, graph.ErrDuplicateConn)
}

func TestSelfLoopRejected(t *testing.T) {
	m := graph.New(256)
	a := 1
	m.InitRefNum(a)
	m.Activate(a)
	p, err := m.AllocatePort(a, "a:out1", graph.Audio, graph.Output, graph.Flags{})
	require.NoError(t, err)

	err = m.Connect(p.ID, p.ID)
	assert.ErrorIs(t, err, graph.ErrSelfLoop)
}

func TestTypeAndDirectionMismatch(t *testing.T) {
	m := graph.New(256)
	a, b := 1, 2
	m.InitRefNum(a)
	m.InitRefNum(b)
	m.Activate(a)
	m.Activate(b)

	audioOut, _ := m.AllocatePort(a, "a:out1", graph.Audio, graph.Output, graph.Flags{})
	midiIn, _ := m.AllocatePort(b, "b:in1", graph.MIDI, graph.Input, graph.Flags{})
	audioIn, _ := m.AllocatePort(b, "b:in2", graph.Audio, graph.Input, graph.Flags{})

	assert.ErrorIs(t, m.Connect(audioOut.ID, midiIn.ID), graph.ErrTypeMismatch)
	assert.NoError(t, m.Connect(audioOut.ID, audioIn.ID)) // sanity: valid pair connects
	assert.ErrorIs(t, m.Connect(audioIn.ID, audioOut.ID), graph.ErrDirectionMismatch)
}

// stubActivator immediately finishes every client it's handed.
type stubActivator struct{ calls []int }

func (s *stubActivator) Trigger(refnum int, deadline time.Time) error {
	s.calls = append(s.calls, refnum)
	return nil
}

func TestStableOrderAcrossCycles_Invariant5(t *testing.T) {
	m := graph.New(256)
	setupTwoClients(t, m)
	m.RunNextGraph()

	act := &stubActivator{}
	deadline := time.Now().Add(time.Second)
	require.NoError(t, m.RunCurrentGraph(act, deadline))
	first := append([]int(nil), act.calls...)

	act.calls = nil
	require.NoError(t, m.RunCurrentGraph(act, deadline))
	assert.Equal(t, first, act.calls)
}

func TestRunNextGraphPublishesReorder_Invariant6(t *testing.T) {
	m := graph.New(256)
	a, b, aOut, bIn := setupTwoClients(t, m)
	require.NoError(t, m.Connect(aOut.ID, bIn.ID))

	changed := m.RunNextGraph()
	assert.True(t, changed)

	act := &stubActivator{}
	require.NoError(t, m.RunCurrentGraph(act, time.Now().Add(time.Second)))
	assert.Equal(t, []int{a, b}, act.calls)

	// A second RunNextGraph with no mutation should report no switch.
	changed = m.RunNextGraph()
	assert.False(t, changed)
}

func TestClientTimingTracksCompletion(t *testing.T) {
	m := graph.New(256)
	a, _, _, _ := setupTwoClients(t, m)
	m.RunNextGraph()

	act := &stubActivator{}
	require.NoError(t, m.RunCurrentGraph(act, time.Now().Add(time.Second)))

	timing := m.GetClientTiming(a)
	assert.Equal(t, graph.Finished, timing.Status)
	assert.True(t, m.IsFinishedGraph())
}

func TestInactiveOwnerRejected(t *testing.T) {
	m := graph.New(256)
	a, b := 1, 2
	m.InitRefNum(a)
	m.InitRefNum(b)
	m.Activate(a)
	// b left inactive

	aOut, _ := m.AllocatePort(a, "a:out1", graph.Audio, graph.Output, graph.Flags{})
	bIn, _ := m.AllocatePort(b, "b:in1", graph.Audio, graph.Input, graph.Flags{})

	err := m.Connect(aOut.ID, bIn.ID)
	assert.ErrorIs(t, err, graph.ErrInactiveOwner)
}

func TestRenamePortRejectsCollision(t *testing.T) {
	m := graph.New(256)
	_, _, aOut, bIn := setupTwoClients(t, m)

	require.NoError(t, m.RenamePort(aOut.ID, "a:renamed"))
	renamed, ok := m.GetPortByName("a:renamed")
	require.True(t, ok)
	assert.Equal(t, aOut.ID, renamed.ID)

	err := m.RenamePort(bIn.ID, "a:renamed")
	assert.ErrorIs(t, err, graph.ErrPortExists)
}

func TestResizeBuffersReallocatesEveryPort(t *testing.T) {
	m := graph.New(256)
	_, _, aOut, bIn := setupTwoClients(t, m)
	require.Len(t, aOut.Buffer, 256)

	m.ResizeBuffers(512)

	resizedOut, ok := m.GetPort(aOut.ID)
	require.True(t, ok)
	resizedIn, ok := m.GetPort(bIn.ID)
	require.True(t, ok)
	assert.Len(t, resizedOut.Buffer, 512)
	assert.Len(t, resizedIn.Buffer, 512)
}
