package socket

import (
	"bufio"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warpforge/wdt/pkg/protocol"
)

func TestMockSocketWriteIsObservedByPeer(t *testing.T) {
	sock, peerReader, _ := NewMockPair(22356)
	defer sock.Close()

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 5)
		n, _ := peerReader.Read(buf)
		done <- buf[:n]
	}()

	n, err := sock.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("hello"), <-done)
}

func TestMockSocketReadSeesPeerWrites(t *testing.T) {
	sock, _, peerWriter := NewMockPair(22356)
	defer sock.Close()

	go func() {
		peerWriter.Write([]byte("world"))
	}()

	buf := make([]byte, 5)
	n, err := sock.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))
}

func TestMockSocketReadWithTimeoutExpires(t *testing.T) {
	sock, _, _ := NewMockPair(22356)
	defer sock.Close()

	buf := make([]byte, 1)
	_, err := sock.ReadWithTimeout(buf, 20*time.Millisecond)
	assert.ErrorIs(t, err, errTimeout)
}

func TestMockSocketShutdownWritesThenExpectEndOfStream(t *testing.T) {
	sock, peerReader, peerWriter := NewMockPair(22356)
	defer sock.Close()

	go func() {
		r := bufio.NewReader(peerReader)
		r.ReadByte()
		peerWriter.Close()
	}()

	sock.Write([]byte("x"))
	code := sock.ShutdownWrites()
	assert.Equal(t, protocol.OK, code)

	code = sock.ExpectEndOfStream()
	assert.Equal(t, protocol.OK, code)
}

func TestMockSocketExpectEndOfStreamFailsOnUnexpectedByte(t *testing.T) {
	sock, _, peerWriter := NewMockPair(22356)
	defer sock.Close()

	go peerWriter.Write([]byte("!"))

	code := sock.ExpectEndOfStream()
	assert.Equal(t, protocol.ProtocolError, code)
}

func TestMockSocketUnackedBytesScriptable(t *testing.T) {
	sock, _, _ := NewMockPair(22356)
	defer sock.Close()

	sock.SetUnackedBytes(4096)
	n, err := sock.GetUnackedBytes()
	require.NoError(t, err)
	assert.Equal(t, 4096, n)

	sock.SetUnackedBytes(0)
	n, _ = sock.GetUnackedBytes()
	assert.Equal(t, 0, n)
}

func TestMockSocketPort(t *testing.T) {
	sock, _, _ := NewMockPair(22399)
	defer sock.Close()
	assert.Equal(t, 22399, sock.Port())
}
