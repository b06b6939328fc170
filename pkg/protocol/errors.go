package protocol

import "errors"

// Decode/encode failures. Callers treat any of these as a protocol error:
// no automatic retry, the owning sender thread ends.
var (
	// ErrBufferTooSmall is returned by an encode call when the destination
	// buffer does not have room for the frame being written.
	ErrBufferTooSmall = errors.New("protocol: destination buffer too small")
	// ErrTruncatedFrame is returned by a decode call that ran past the
	// declared length before finishing the frame.
	ErrTruncatedFrame = errors.New("protocol: truncated frame")
	// ErrUnknownCommand is returned when a command byte does not match any
	// known frame type.
	ErrUnknownCommand = errors.New("protocol: unknown command byte")
	// ErrCheckpointCount is returned when a checkpoint decode finds no
	// checkpoint at all.
	ErrCheckpointCount = errors.New("protocol: unexpected checkpoint count")
)

// ErrorCode is the closed taxonomy of §7: every sender-thread failure and
// the final transfer report carry one of these values, never a raw error
// string compared with ==.
type ErrorCode int

const (
	OK ErrorCode = iota
	ConnError
	SocketReadError
	SocketWriteError
	ProtocolError
	NoProgress
	Abort
	VersionMismatch
	VersionIncompatible
	ByteSourceReadError
	MemoryAllocationError
	GlobalCheckpointAbort
	WDTTimeout
	InvalidCheckpoint
	NoProgressCheckpoint
)

func (c ErrorCode) String() string {
	switch c {
	case OK:
		return "OK"
	case ConnError:
		return "CONN_ERROR"
	case SocketReadError:
		return "SOCKET_READ_ERROR"
	case SocketWriteError:
		return "SOCKET_WRITE_ERROR"
	case ProtocolError:
		return "PROTOCOL_ERROR"
	case NoProgress:
		return "NO_PROGRESS"
	case Abort:
		return "ABORT"
	case VersionMismatch:
		return "VERSION_MISMATCH"
	case VersionIncompatible:
		return "VERSION_INCOMPATIBLE"
	case ByteSourceReadError:
		return "BYTE_SOURCE_READ_ERROR"
	case MemoryAllocationError:
		return "MEMORY_ALLOCATION_ERROR"
	case GlobalCheckpointAbort:
		return "GLOBAL_CHECKPOINT_ABORT"
	case WDTTimeout:
		return "TIMEOUT"
	case InvalidCheckpoint:
		return "INVALID_CHECKPOINT"
	case NoProgressCheckpoint:
		return "NO_PROGRESS_CHECKPOINT"
	default:
		return "UNKNOWN"
	}
}
