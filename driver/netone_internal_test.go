package driver

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetOneHeaderRoundTrip(t *testing.T) {
	h := netOneHeaderFields{
		CaptureChannelsAudio:  2,
		PlaybackChannelsAudio: 2,
		PeriodSize:            1024,
		SampleRate:            48000,
		FrameCnt:              42,
		MTU:                   1500,
		FragmentNr:            1,
	}
	decoded, err := decodeNetOneHeader(h.encode())
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
}

func TestDecodeNetOneHeaderRejectsShortBuffer(t *testing.T) {
	_, err := decodeNetOneHeader(make([]byte, netOneHeaderSize-1))
	assert.Error(t, err)
}

func TestPacketCacheReassemblesFragments(t *testing.T) {
	c := newPacketCache()
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 19000}

	h0 := netOneHeaderFields{FrameCnt: 1, FragmentNr: 0}
	h1 := netOneHeaderFields{FrameCnt: 1, FragmentNr: 1}

	_, complete, err := c.accept(h0, []byte("hello "), addr, 2)
	require.NoError(t, err)
	assert.False(t, complete)

	full, complete, err := c.accept(h1, []byte("world"), addr, 2)
	require.NoError(t, err)
	require.True(t, complete)
	assert.Equal(t, "hello world", string(full))
}

func TestPacketCacheRejectsForeignSource(t *testing.T) {
	c := newPacketCache()
	master := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 19000}
	other := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 19000}

	_, _, err := c.accept(netOneHeaderFields{FrameCnt: 1, FragmentNr: 0}, []byte("a"), master, 2)
	require.NoError(t, err)

	_, _, err = c.accept(netOneHeaderFields{FrameCnt: 1, FragmentNr: 1}, []byte("b"), other, 2)
	assert.Error(t, err)
}
