package driver_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaban/rtaudiod/driver"
	"github.com/shaban/rtaudiod/engine"
	"github.com/shaban/rtaudiod/graph"
)

func TestDummyOpenDerivesWaitTimeFromPeriod(t *testing.T) {
	d := driver.NewDummy(2, 2, 48000, false, 1024, 0)
	require.NoError(t, d.Open(driver.OpenParams{
		Period: 1024, SampleRate: 48000, InChannels: 2, OutChannels: 2,
	}))
	assert.InDelta(t, float64(1024)/48000*float64(time.Second), float64(d.WaitTime()), float64(time.Microsecond))
}

func TestDummyAttachRegistersPhysicalPorts(t *testing.T) {
	eng := engine.New(engine.Config{PortMax: 16, ClientTimeout: 50 * time.Millisecond, PeriodSize: 1024})
	defer eng.Close()

	d := driver.NewDummy(2, 2, 48000, false, 1024, 0)
	require.NoError(t, d.Open(driver.OpenParams{Period: 1024, SampleRate: 48000, InChannels: 2, OutChannels: 2}))

	client, err := eng.DriverOpen("dummy")
	require.NoError(t, err)
	require.NoError(t, d.Attach(client.Refnum, eng))

	assert.Len(t, eng.Graph().GetOutputPorts(client.Refnum), 2)
	assert.Len(t, eng.Graph().GetInputPorts(client.Refnum), 2)
}

func TestDummyReadProducesSilence(t *testing.T) {
	d := driver.NewDummy(1, 1, 48000, false, 4, 0)
	bufs := [][]float32{{1, 2, 3, 4}}
	require.NoError(t, d.Read(bufs))
	assert.Equal(t, []float32{0, 0, 0, 0}, bufs[0])
}

func TestWrapperSetBufferSizePropagatesToEngine(t *testing.T) {
	eng := engine.New(engine.Config{PortMax: 16, ClientTimeout: 50 * time.Millisecond, PeriodSize: 1024})
	defer eng.Close()

	client, err := eng.ClientExternalOpen("listener", engine.ProtocolVersion, engine.Options{}, 1)
	require.NoError(t, err)
	port, err := eng.PortRegister(client.Refnum, "in1", graph.Audio, graph.Input, graph.Flags{})
	require.NoError(t, err)

	var notified any
	require.NoError(t, eng.Subscribe(client.Refnum, engine.BufferSize, engine.Callback{
		Sync: true,
		Fn: func(_ engine.CallbackKind, payload any) error {
			notified = payload
			return nil
		},
	}))

	d := driver.NewDummy(2, 2, 48000, false, 1024, 0)
	w, err := driver.NewWrapper(d, eng, driver.OpenParams{
		Period: 1024, SampleRate: 48000, InChannels: 2, OutChannels: 2,
	})
	require.NoError(t, err)

	require.NoError(t, w.SetBufferSize(512))

	resized, ok := eng.Graph().GetPort(port.ID)
	require.True(t, ok)
	assert.Len(t, resized.Buffer, 512)
	assert.Equal(t, 512, notified)
}
