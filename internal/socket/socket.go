// Package socket implements the ClientSocket collaborator contract: a
// sender thread's single TCP connection, with the abort-aware read/write
// timeouts and TCP_INFO-based unacked-byte polling the drain discipline in
// internal/sender depends on.
package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/warpforge/wdt/internal/ice"
	"github.com/warpforge/wdt/pkg/protocol"
)

// AbortChecker is polled during blocking operations so a stuck read or
// write can be cancelled within one timeout tick.
type AbortChecker interface {
	CheckAbort() (protocol.ErrorCode, bool)
}

// ClientSocket is one sender thread's connection to the receiver, matching
// the collaborator contract named in §6.
type ClientSocket interface {
	Connect(ctx context.Context) protocol.ErrorCode
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	ReadWithTimeout(buf []byte, timeout time.Duration) (int, error)
	GetUnackedBytes() (int, error)
	ShutdownWrites() protocol.ErrorCode
	ExpectEndOfStream() protocol.ErrorCode
	ComputeCurEncryptionTag() []byte
	GetEncryptionType() protocol.EncryptionType
	GetNonRetryableErrCode() protocol.ErrorCode
	Port() int
	Close() error
}

// Config configures a tcpSocket's timeouts and optional NAT-assist check.
type Config struct {
	DestHost           string
	Port               int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	Encryption         protocol.EncryptionParams
	NATAssist          bool
	NATAssistTimeout   time.Duration
}

// tcpSocket implements ClientSocket over a net.TCPConn.
type tcpSocket struct {
	cfg     Config
	abort   AbortChecker
	logger  *slog.Logger
	conn    *net.TCPConn
	nonRetryable protocol.ErrorCode
	writesShutdown bool
}

// New returns a ClientSocket for the given destination and port. abort is
// polled on every blocking-read timeout tick.
func New(cfg Config, abort AbortChecker, logger *slog.Logger) ClientSocket {
	return &tcpSocket{cfg: cfg, abort: abort, logger: logger}
}

// Connect dials the receiver, optionally preceded by a STUN reachability
// pre-check when NATAssist is set. It never retries internally; the retry
// loop lives in the CONNECT state (internal/sender), matching the original
// connectToReceiver/connect split.
func (s *tcpSocket) Connect(ctx context.Context) protocol.ErrorCode {
	addr := net.JoinHostPort(s.cfg.DestHost, fmt.Sprintf("%d", s.cfg.Port))

	if s.cfg.NATAssist {
		timeout := s.cfg.NATAssistTimeout
		if timeout <= 0 {
			timeout = 500 * time.Millisecond
		}
		prober, err := ice.NewProber(ice.ProberConfig{}, s.logger)
		if err == nil {
			reachable := prober.Reachable(ctx, s.cfg.DestHost, s.cfg.Port, timeout)
			prober.Close()
			if !reachable {
				s.logger.Debug("nat-assist pre-check failed, dialing anyway", "addr", addr)
			}
		}
	}

	dialer := net.Dialer{Timeout: s.cfg.WriteTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		s.logger.Debug("connect failed", "addr", addr, "error", err)
		return protocol.ConnError
	}
	tcpConn, ok := rawConn.(*net.TCPConn)
	if !ok {
		rawConn.Close()
		return protocol.ConnError
	}
	tcpConn.SetNoDelay(true)
	s.conn = tcpConn
	s.writesShutdown = false
	return protocol.OK
}

// pollInterval bounds how long a single readWithTimeout tick blocks before
// re-checking the abort channel, matching spec.md §5's cancellation model.
const pollInterval = 200 * time.Millisecond

func (s *tcpSocket) checkAbort() bool {
	if s.abort == nil {
		return false
	}
	_, aborted := s.abort.CheckAbort()
	return aborted
}

// Read performs a blocking read with no explicit deadline beyond the
// configured read timeout, polling abort between ticks.
func (s *tcpSocket) Read(buf []byte) (int, error) {
	return s.ReadWithTimeout(buf, s.cfg.ReadTimeout)
}

// ReadWithTimeout reads up to len(buf) bytes, returning early on the first
// successful read. It polls the abort checker at pollInterval granularity
// so a stuck peer does not block a full timeout when the transfer is being
// torn down.
func (s *tcpSocket) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		if s.checkAbort() {
			return 0, errAborted
		}
		tick := pollInterval
		if remaining := time.Until(deadline); remaining < tick {
			tick = remaining
		}
		if tick <= 0 {
			return 0, errTimeout
		}
		s.conn.SetReadDeadline(time.Now().Add(tick))
		n, err := s.conn.Read(buf)
		if n > 0 {
			return n, nil
		}
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			continue
		}
		return 0, err
	}
}

var (
	errAborted = errors.New("socket: aborted")
	errTimeout = errors.New("socket: timeout")
)

// Write performs a blocking write, retrying short writes until the whole
// buffer is sent or the write timeout elapses.
func (s *tcpSocket) Write(buf []byte) (int, error) {
	if s.cfg.WriteTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	total := 0
	for total < len(buf) {
		n, err := s.conn.Write(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// GetUnackedBytes returns the receiver-unacknowledged byte count in the
// kernel send buffer via TCP_INFO, the primitive the drain discipline in
// readNextReceiverCmd polls to know when it is safe to expect a reply.
func (s *tcpSocket) GetUnackedBytes() (int, error) {
	file, err := s.conn.File()
	if err != nil {
		return -1, err
	}
	defer file.Close()
	info, err := unix.GetsockoptTCPInfo(int(file.Fd()), unix.SOL_TCP, unix.TCP_INFO)
	if err != nil {
		return -1, err
	}
	return int(info.Unacked), nil
}

// ShutdownWrites shuts down the write half of the connection, signalling
// logical end-of-stream to the peer.
func (s *tcpSocket) ShutdownWrites() protocol.ErrorCode {
	if s.writesShutdown {
		return protocol.OK
	}
	if err := s.conn.CloseWrite(); err != nil {
		return protocol.SocketWriteError
	}
	s.writesShutdown = true
	return protocol.OK
}

// ExpectEndOfStream reads until EOF, verifying the peer closed cleanly
// after acking DONE.
func (s *tcpSocket) ExpectEndOfStream() protocol.ErrorCode {
	buf := make([]byte, 1)
	n, err := s.ReadWithTimeout(buf, s.cfg.ReadTimeout)
	if n == 0 && errors.Is(err, io.EOF) {
		return protocol.OK
	}
	if n > 0 {
		return protocol.ProtocolError
	}
	return protocol.SocketReadError
}

// ComputeCurEncryptionTag always returns nil: internal/cryptoframe owns the
// actual AEAD state; a plain tcpSocket carries no encryption context of
// its own.
func (s *tcpSocket) ComputeCurEncryptionTag() []byte {
	return nil
}

// GetEncryptionType reports the negotiated encryption, if any.
func (s *tcpSocket) GetEncryptionType() protocol.EncryptionType {
	return s.cfg.Encryption.Type
}

// GetNonRetryableErrCode reports an error that is not retried by
// reconnecting. Connect never records one, so a tcpSocket reports OK.
func (s *tcpSocket) GetNonRetryableErrCode() protocol.ErrorCode {
	return s.nonRetryable
}

// Port returns the destination port this socket is bound to.
func (s *tcpSocket) Port() int { return s.cfg.Port }

// Close releases the underlying connection.
func (s *tcpSocket) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
