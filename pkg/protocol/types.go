// Package protocol implements the WDT wire format: a small set of
// command-tagged frames exchanged between a sender and a receiver over an
// ordered byte-stream connection. Encoding and decoding are pure functions
// against a caller-owned buffer and cursor; nothing in this package touches
// a socket.
package protocol

// Command is the one-byte tag that begins every frame. Values match the
// original WDT wire format so that the command byte doubles as an
// eye-catcher when a frame is dumped ('D'one, 'L'oad, and so on).
type Command byte

const (
	CmdDone            Command = 0x44 // D)one
	CmdFile            Command = 0x4C // L)oad
	CmdWait            Command = 0x57 // W)ait
	CmdErr             Command = 0x45 // E)rr
	CmdSettings        Command = 0x53 // S)ettings
	CmdAbort           Command = 0x41 // A)bort
	CmdChunks          Command = 0x43 // C)hunks
	CmdAck             Command = 0x61 // a)ck
	CmdSize            Command = 0x5A // Si(Z)e
	CmdFooter          Command = 0x46 // F)ooter
	CmdLocalCheckpoint Command = 0x01
)

func (c Command) String() string {
	switch c {
	case CmdDone:
		return "DONE"
	case CmdFile:
		return "FILE"
	case CmdWait:
		return "WAIT"
	case CmdErr:
		return "ERR"
	case CmdSettings:
		return "SETTINGS"
	case CmdAbort:
		return "ABORT"
	case CmdChunks:
		return "CHUNKS"
	case CmdAck:
		return "ACK"
	case CmdSize:
		return "SIZE"
	case CmdFooter:
		return "FOOTER"
	case CmdLocalCheckpoint:
		return "LOCAL_CHECKPOINT"
	default:
		return "UNKNOWN"
	}
}

// Protocol version gates, mirroring WDT's feature-version constants.
const (
	CurrentVersion = 32

	VersionChecksum               = 20
	VersionIncrementalTag         = 24
	VersionReceiverProgressReport = 27
	VersionDownloadResumption     = 22
)

// Size limits, mirroring Protocol::kMax* in the original codec.
const (
	MaxTransferIDLength = 50
	MaxHeaderLength     = 1 + 2 + 4096 + 4*10 + 1 + 10
	MinBufLength        = 256
	MaxDoneLength       = 2 + 2*10
	MaxSizeLength       = 1 + 10
	MaxSettingsLength   = 1 + 3*10 + MaxTransferIDLength + 1
	MaxFooterLength     = 1 + 1 + 32
	ChunksCmdLength     = 8 + 8
	AbortLength         = 4 + 1 + 8
)

// FileAllocationStatus is the receiver-side disposition of a block's target
// file, echoed back to the sender so it knows whether it is filling a hole,
// starting fresh, or the file is slated for deletion during resumption.
type FileAllocationStatus byte

const (
	NotExists FileAllocationStatus = iota
	ExistsCorrectSize
	ExistsTooLarge
	ExistsTooSmall
	ToBeDeleted
)

// BlockDetails is the per-block header payload carried by a FILE frame.
type BlockDetails struct {
	FileName         string
	SeqID            int64
	FileSize         int64
	Offset           int64
	DataSize         int64
	AllocationStatus FileAllocationStatus
	PrevSeqID        int64
}

// Checkpoint is a receiver-declared position from which resumption is
// safe. A NumBlocks of -1 is the sentinel meaning "receiver failed after
// acking DONE"; an all-zero Checkpoint is a spurious keepalive.
type Checkpoint struct {
	Port                   int32
	NumBlocks              int64
	LastBlockSeqID         int64
	LastBlockReceivedBytes int64
}

// IsSpurious reports whether cp is the all-zero keepalive marker for the
// given port.
func (cp Checkpoint) IsSpurious(port int32) bool {
	return cp.Port == port && cp.NumBlocks == 0 && cp.LastBlockSeqID == 0 && cp.LastBlockReceivedBytes == 0
}

// Settings is the payload of a SETTINGS frame.
type Settings struct {
	ReadTimeoutMillis  int64
	WriteTimeoutMillis int64
	TransferID         string
	EnableChecksum     bool
	SendFileChunks     bool
	BlockModeDisabled  bool
}

// Interval is a byte range within a file, used to describe previously
// received chunks during download resumption.
type Interval struct {
	Start int64
	End   int64
}

// Size returns the length of the interval in bytes.
func (iv Interval) Size() int64 { return iv.End - iv.Start }

// FileChunksInfo describes the chunks of one file the receiver already has,
// sent back to the sender during download resumption.
type FileChunksInfo struct {
	SeqID    int64
	FileName string
	FileSize int64
	Chunks   []Interval
}

// EncryptionType names the AEAD construction (or none) negotiated for a
// transfer. Never logged alongside the secret.
type EncryptionType byte

const (
	EncNone EncryptionType = iota
	EncAES128CTR
	EncAES128GCM
)

// TransferRequest is the immutable, validated input to a transfer: what to
// send, where, under which protocol version, and how.
type TransferRequest struct {
	TransferID     string
	ProtocolVersion int
	DestHost       string
	Ports          []int
	Directory      string
	FileList       []string
	Encryption     EncryptionParams
	NATAssist      bool
}

// EncryptionParams carries the encryption type and secret for a transfer.
// The secret must never be logged or included in String()/error output.
type EncryptionParams struct {
	Type   EncryptionType
	Secret []byte
}

// ThreadStats accumulates the outcome of one sender thread's connection
// lifecycle for aggregation into the final transfer report.
type ThreadStats struct {
	Port             int
	BatchID          string // correlation id shared by every thread in one transfer, stamped by internal/controller
	HeaderBytes      int64
	DataBytes        int64
	EffectiveBytes   int64
	NumBlocks        int64
	FailedAttempts   int64
	LocalErrorCode   ErrorCode
	RemoteErrorCode  ErrorCode
	EncryptionType   EncryptionType
}

// AddHeaderBytes accumulates header bytes written or read on this thread.
func (s *ThreadStats) AddHeaderBytes(n int64) { s.HeaderBytes += n }

// AddDataBytes accumulates raw file-content bytes written on this thread.
func (s *ThreadStats) AddDataBytes(n int64) { s.DataBytes += n }

// AddEffectiveBytes accumulates the bytes that counted towards a
// successfully completed block (header + data for that block).
func (s *ThreadStats) AddEffectiveBytes(header, data int64) {
	s.EffectiveBytes += header + data
}

// IncrNumBlocks marks one more block as fully sent and acknowledged locally.
func (s *ThreadStats) IncrNumBlocks() { s.NumBlocks++ }

// IncrFailedAttempts marks one more block send attempt as having failed.
func (s *ThreadStats) IncrFailedAttempts() { s.FailedAttempts++ }

// Add merges other into s, used by the controller to aggregate per-thread
// stats into the transfer-wide totals.
func (s *ThreadStats) Add(other ThreadStats) {
	s.HeaderBytes += other.HeaderBytes
	s.DataBytes += other.DataBytes
	s.EffectiveBytes += other.EffectiveBytes
	s.NumBlocks += other.NumBlocks
	s.FailedAttempts += other.FailedAttempts
}
