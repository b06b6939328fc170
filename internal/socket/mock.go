package socket

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/warpforge/wdt/pkg/protocol"
)

// MockSocket is an in-memory ClientSocket backed by io.Pipe, used by
// internal/sender's state-machine tests to script a receiver's byte
// stream without a real network connection. Grounded on the teacher's
// io.Pipe-backed MockTransport pattern.
type MockSocket struct {
	mu sync.Mutex

	toReceiver   *io.PipeWriter // sender writes here
	fromReceiver *io.PipeReader // sender reads here

	port           int
	unackedBytes   int
	nonRetryable   protocol.ErrorCode
	encType        protocol.EncryptionType
	writesShutdown bool
	closed         bool

	connectFn func(ctx context.Context) protocol.ErrorCode
}

// NewMockPair returns a MockSocket for the sender side plus the peer ends
// of its pipes so a test can play the role of the receiver: PeerReader
// sees everything the sender writes, PeerWriter feeds bytes the sender
// will read back.
func NewMockPair(port int) (sock *MockSocket, peerReader io.Reader, peerWriter io.WriteCloser) {
	toReceiverR, toReceiverW := io.Pipe()
	fromReceiverR, fromReceiverW := io.Pipe()
	sock = &MockSocket{
		toReceiver:   toReceiverW,
		fromReceiver: fromReceiverR,
		port:         port,
	}
	return sock, toReceiverR, fromReceiverW
}

// SetUnackedBytes sets the value GetUnackedBytes returns until the next
// call; a test calls it again to simulate the send buffer draining.
func (m *MockSocket) SetUnackedBytes(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unackedBytes = n
}

// SetConnectFunc overrides Connect's behavior for retry-loop tests.
func (m *MockSocket) SetConnectFunc(fn func(ctx context.Context) protocol.ErrorCode) {
	m.connectFn = fn
}

func (m *MockSocket) Connect(ctx context.Context) protocol.ErrorCode {
	if m.connectFn != nil {
		return m.connectFn(ctx)
	}
	return protocol.OK
}

func (m *MockSocket) Read(buf []byte) (int, error) {
	return m.fromReceiver.Read(buf)
}

func (m *MockSocket) Write(buf []byte) (int, error) {
	return m.toReceiver.Write(buf)
}

func (m *MockSocket) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := m.fromReceiver.Read(buf)
		ch <- result{n, err}
	}()
	select {
	case r := <-ch:
		return r.n, r.err
	case <-time.After(timeout):
		return 0, errTimeout
	}
}

func (m *MockSocket) GetUnackedBytes() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unackedBytes, nil
}

func (m *MockSocket) ShutdownWrites() protocol.ErrorCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writesShutdown {
		return protocol.OK
	}
	m.writesShutdown = true
	if err := m.toReceiver.Close(); err != nil {
		return protocol.SocketWriteError
	}
	return protocol.OK
}

func (m *MockSocket) ExpectEndOfStream() protocol.ErrorCode {
	buf := make([]byte, 1)
	n, err := m.fromReceiver.Read(buf)
	if n == 0 && errors.Is(err, io.EOF) {
		return protocol.OK
	}
	if n > 0 {
		return protocol.ProtocolError
	}
	return protocol.SocketReadError
}

func (m *MockSocket) ComputeCurEncryptionTag() []byte { return nil }

func (m *MockSocket) GetEncryptionType() protocol.EncryptionType { return m.encType }

func (m *MockSocket) GetNonRetryableErrCode() protocol.ErrorCode { return m.nonRetryable }

// SetNonRetryableErrCode lets a test simulate a permanent connect failure.
func (m *MockSocket) SetNonRetryableErrCode(code protocol.ErrorCode) {
	m.nonRetryable = code
}

func (m *MockSocket) Port() int { return m.port }

func (m *MockSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.toReceiver.Close()
	m.fromReceiver.Close()
	return nil
}
