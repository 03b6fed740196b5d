package ringpipe_test

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaban/rtaudiod/ringpipe"
)

func TestRoundTrip_S5(t *testing.T) {
	p := ringpipe.New(8) // already a power of two

	n := p.Write([]byte("abcde"))
	require.Equal(t, 5, n)

	dst := make([]byte, 3)
	n = p.Read(dst)
	require.Equal(t, 3, n)
	require.Equal(t, "abc", string(dst))

	n = p.Write([]byte("fghi"))
	require.Equal(t, 4, n)

	dst = make([]byte, 6)
	n = p.Read(dst)
	require.Equal(t, 6, n)
	require.Equal(t, "defghi", string(dst))

	require.Equal(t, 0, p.ReadSpace())
}

func TestRoundsUpToPowerOfTwo(t *testing.T) {
	p := ringpipe.New(5)
	assert.Equal(t, 8, p.Size())
}

func TestSpaceInvariant(t *testing.T) {
	p := ringpipe.New(64)
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 200; i++ {
		require.Equal(t, p.Size()-1, p.WriteSpace()+p.ReadSpace())

		if rng.Intn(2) == 0 {
			buf := make([]byte, rng.Intn(10))
			p.Write(buf)
		} else {
			buf := make([]byte, rng.Intn(10))
			p.Read(buf)
		}
	}
}

// TestInterleavedWritesReads exercises property 8: for any sequence of
// interleaved writes totalling W bytes and reads totalling R<=W<=capacity,
// the bytes read equal the bytes written in order.
func TestInterleavedWritesReads(t *testing.T) {
	p := ringpipe.New(32)
	var written, read []byte

	src := make([]byte, 256)
	for i := range src {
		src[i] = byte(i)
	}

	pos := 0
	for i := 0; i < 20; i++ {
		chunk := 5
		if pos+chunk > len(src) {
			chunk = len(src) - pos
		}
		if chunk == 0 {
			break
		}
		n := p.Write(src[pos : pos+chunk])
		written = append(written, src[pos:pos+n]...)
		pos += n

		dst := make([]byte, 3)
		n = p.Read(dst)
		read = append(read, dst[:n]...)
	}
	// drain remainder
	for p.ReadSpace() > 0 {
		dst := make([]byte, p.ReadSpace())
		n := p.Read(dst)
		read = append(read, dst[:n]...)
	}

	require.Equal(t, written, read)
}

func TestSetReadWriteSpace(t *testing.T) {
	p := ringpipe.New(64)
	p.SetReadSpace(20)
	assert.Equal(t, 20, p.ReadSpace())
	assert.Equal(t, p.Size()-1-20, p.WriteSpace())

	p.SetWriteSpace(10)
	assert.Equal(t, 10, p.WriteSpace())
	assert.Equal(t, p.Size()-1-10, p.ReadSpace())
}

func TestNoFailSetsXRunOnUnderrun(t *testing.T) {
	p := ringpipe.New(16)
	dst := make([]byte, 20) // more than capacity-1
	p.ReadNoFail(dst)
	assert.True(t, p.HasXRun())

	p.ClearXRun()
	assert.False(t, p.HasXRun())
}

func TestNoFailSetsXRunOnOverrun(t *testing.T) {
	p := ringpipe.New(16)
	src := make([]byte, 20)
	p.WriteNoFail(src)
	assert.True(t, p.HasXRun())
}

// TestConcurrentProducerConsumer is a lightweight race check: a single
// producer and single consumer goroutine running concurrently (run with
// -race) must never see a torn pointer or lose bytes.
func TestConcurrentProducerConsumer(t *testing.T) {
	p := ringpipe.New(256)
	const total = 1 << 16

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		buf := make([]byte, 17)
		sent := 0
		for sent < total {
			n := len(buf)
			if sent+n > total {
				n = total - sent
			}
			written := p.Write(buf[:n])
			sent += written
		}
	}()

	received := 0
	go func() {
		defer wg.Done()
		buf := make([]byte, 13)
		for received < total {
			n := p.Read(buf)
			received += n
		}
	}()

	wg.Wait()
	assert.Equal(t, total, received)
}
