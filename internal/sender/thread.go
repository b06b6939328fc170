// Package sender drives one TCP connection of a WDT transfer through its
// finite state machine: connect, negotiate settings, stream blocks, and
// converge with sibling threads on protocol version or checkpoint state
// when the receiver signals trouble.
package sender

import (
	"context"
	"hash/crc32"
	"log/slog"
	"time"

	"github.com/warpforge/wdt/internal/bytesource"
	"github.com/warpforge/wdt/internal/coordinator"
	"github.com/warpforge/wdt/internal/cryptoframe"
	"github.com/warpforge/wdt/internal/history"
	"github.com/warpforge/wdt/internal/socket"
	"github.com/warpforge/wdt/internal/throttler"
	"github.com/warpforge/wdt/pkg/protocol"
)

// SourceQueue is the subset of internal/dirqueue.Queue a sender thread
// needs, kept narrow so tests can substitute a fake.
type SourceQueue interface {
	GetNextSource(ctx context.Context) (bytesource.ByteSource, protocol.ErrorCode)
	GetNumBlocksAndStatus() (int64, protocol.ErrorCode)
	GetTotalSize() int64
	FileDiscoveryFinished() bool
}

// footerKind selects what sendOneByteSource appends after a block's data,
// decided once at thread start per spec.md §4.3.
type footerKind int

const (
	footerNone footerKind = iota
	footerChecksum
	footerEncTag
)

// Config bundles the fixed, per-thread configuration a Thread needs at
// construction. Mutable run state lives on Thread itself.
type Config struct {
	Port               int32
	TransferID         string
	ProtocolVersion    int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	MaxConnectRetries  int
	ConnectRetrySleep  time.Duration
	MaxTransferRetries int
	DrainExtraMs       time.Duration
	EnableChecksum     bool
	SendFileChunks     bool
	BlockModeDisabled  bool
	ChunkSize          int
}

// Thread owns one connection's socket, history, and scratch state for the
// lifetime of a transfer, reconnecting as many times as needed.
type Thread struct {
	cfg    Config
	sock   socket.ClientSocket
	coord  coordinator.Handle
	hist   *history.History
	queue  SourceQueue
	thr    *throttler.Throttler
	cipher *cryptoframe.Cipher
	logger *slog.Logger

	footerType         footerKind
	stats              protocol.ThreadStats
	totalSizeSent      bool
	negotiatedProtocol int32
	numReconnects      int
	prevIterationErred bool
	crcTable           *crc32.Table
}

// New constructs a Thread ready to run its state machine via Run. cipher
// may be nil when the transfer is unencrypted.
func New(cfg Config, sock socket.ClientSocket, coord coordinator.Handle, hist *history.History, queue SourceQueue, thr *throttler.Throttler, cipher *cryptoframe.Cipher, logger *slog.Logger) *Thread {
	return &Thread{
		cfg:      cfg,
		sock:     sock,
		coord:    coord,
		hist:     hist,
		queue:    queue,
		thr:      thr,
		cipher:   cipher,
		logger:   logger,
		crcTable: crc32.MakeTable(crc32.Castagnoli),
	}
}

// Run executes the state machine to completion and returns the thread's
// final stats, including its local and remote error codes.
func (t *Thread) Run() protocol.ThreadStats {
	t.setFooterType()
	t.coord.RegisterThread()
	defer t.coord.DeregisterThread()

	state := Connect
	for state != End {
		if code, aborted := t.coord.CheckAbort(); aborted {
			if code == protocol.VersionMismatch {
				state = ProcessVersionMismatch
			} else {
				t.stats.LocalErrorCode = protocol.Abort
				break
			}
			continue
		}
		state = t.dispatch(state)
	}
	if t.sock != nil {
		t.sock.Close()
	}
	t.stats.Port = int(t.cfg.Port)
	return t.stats
}

func (t *Thread) dispatch(state State) State {
	switch state {
	case Connect:
		return t.doConnect()
	case ReadLocalCheckpoint:
		return t.doReadLocalCheckpoint()
	case SendSettings:
		return t.doSendSettings()
	case SendBlocks:
		return t.doSendBlocks()
	case SendDoneCmd:
		return t.doSendDoneCmd()
	case SendSizeCmd:
		return t.doSendSizeCmd()
	case CheckForAbort:
		return t.doCheckForAbort()
	case ReadFileChunks:
		return t.doReadFileChunks()
	case ReadReceiverCmd:
		return t.doReadReceiverCmd()
	case ProcessDoneCmd:
		return t.doProcessDoneCmd()
	case ProcessWaitCmd:
		return t.doProcessWaitCmd()
	case ProcessErrCmd:
		return t.doProcessErrCmd()
	case ProcessAbortCmd:
		return t.doProcessAbortCmd()
	case ProcessVersionMismatch:
		return t.doProcessVersionMismatch()
	default:
		return End
	}
}

func (t *Thread) setFooterType() {
	if t.cipher != nil && t.cfg.ProtocolVersion >= protocol.VersionIncrementalTag {
		t.footerType = footerEncTag
		return
	}
	if t.cfg.ProtocolVersion >= protocol.VersionChecksum && t.cfg.EnableChecksum {
		t.footerType = footerChecksum
		return
	}
	t.footerType = footerNone
}

// sleepInterruptible sleeps for d, waking early if the coordinator's abort
// channel fires, per spec.md §9's recommended interruptible-sleep behavior.
func sleepInterruptible(d time.Duration, coord coordinator.Handle) {
	const tick = 20 * time.Millisecond
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if _, aborted := coord.CheckAbort(); aborted {
			return
		}
		remaining := time.Until(deadline)
		if remaining > tick {
			remaining = tick
		}
		time.Sleep(remaining)
	}
}

func (t *Thread) doConnect() State {
	if t.numReconnects >= t.cfg.MaxTransferRetries {
		t.stats.LocalErrorCode = protocol.NoProgress
		return End
	}
	if code := t.sock.GetNonRetryableErrCode(); code != protocol.OK {
		t.stats.LocalErrorCode = code
		return End
	}

	retries := t.cfg.MaxConnectRetries
	if retries < 1 {
		retries = 1
	}

	var lastErr protocol.ErrorCode
	for attempt := 0; attempt < retries; attempt++ {
		if code, aborted := t.coord.CheckAbort(); aborted {
			if code == protocol.VersionMismatch {
				return ProcessVersionMismatch
			}
			t.stats.LocalErrorCode = protocol.Abort
			return End
		}
		lastErr = t.sock.Connect(context.Background())
		if lastErr == protocol.OK {
			t.stats.LocalErrorCode = protocol.OK
			if t.prevIterationErred {
				return ReadLocalCheckpoint
			}
			return SendSettings
		}
		if attempt < retries-1 {
			sleepInterruptible(t.cfg.ConnectRetrySleep, t.coord)
		}
	}
	t.stats.LocalErrorCode = lastErr
	t.prevIterationErred = true
	return End
}

func (t *Thread) doReadLocalCheckpoint() State {
	buf := make([]byte, protocol.GetMaxLocalCheckpointLength(t.cfg.ProtocolVersion))
	n, err := t.sock.Read(buf)
	if err != nil || n != len(buf) {
		t.prevIterationErred = true
		t.stats.LocalErrorCode = protocol.SocketReadError
		return Connect
	}
	off := 0
	checkpoints, decErr := protocol.DecodeCheckpoints(t.cfg.ProtocolVersion, buf, &off, len(buf))
	if decErr != nil || len(checkpoints) != 1 || checkpoints[0].Port != t.cfg.Port {
		t.stats.LocalErrorCode = protocol.ProtocolError
		return End
	}
	cp := checkpoints[0]
	if cp.NumBlocks == -1 {
		return ReadReceiverCmd
	}
	result := t.hist.SetLocalCheckpoint(cp)
	switch result {
	case history.SetInvalidCheckpoint:
		t.stats.LocalErrorCode = protocol.InvalidCheckpoint
		return End
	case history.SetNoProgress:
		t.numReconnects++
	}
	t.prevIterationErred = false
	return SendSettings
}

func (t *Thread) doSendSettings() State {
	settings := protocol.Settings{
		ReadTimeoutMillis:  int64(t.cfg.ReadTimeout / time.Millisecond),
		WriteTimeoutMillis: int64(t.cfg.WriteTimeout / time.Millisecond),
		TransferID:         t.cfg.TransferID,
		EnableChecksum:     t.footerType == footerChecksum,
		SendFileChunks:     t.cfg.SendFileChunks,
		BlockModeDisabled:  t.cfg.BlockModeDisabled,
	}
	bufSize := protocol.MaxSettingsLength
	if settings.SendFileChunks && bufSize < protocol.MinBufLength {
		bufSize = protocol.MinBufLength
	}
	buf := make([]byte, bufSize)
	off := 0
	if err := protocol.EncodeSettings(t.cfg.ProtocolVersion, buf, &off, len(buf), settings); err != nil {
		t.stats.LocalErrorCode = protocol.ProtocolError
		return End
	}
	writeLen := off
	if settings.SendFileChunks {
		writeLen = protocol.MinBufLength
	}
	if _, err := t.sock.Write(buf[:writeLen]); err != nil {
		t.stats.LocalErrorCode = protocol.SocketWriteError
		return CheckForAbort
	}
	if settings.SendFileChunks {
		return ReadFileChunks
	}
	return SendBlocks
}

func (t *Thread) doSendBlocks() State {
	if t.cfg.ProtocolVersion >= protocol.VersionReceiverProgressReport && !t.totalSizeSent && t.queue.FileDiscoveryFinished() {
		return SendSizeCmd
	}
	source, status := t.queue.GetNextSource(context.Background())
	if status != protocol.OK {
		t.stats.LocalErrorCode = status
		return End
	}
	if source == nil {
		return SendDoneCmd
	}
	if !t.hist.AddSource(source) {
		return End
	}
	sendStatus := t.sendOneByteSource(source)
	if sendStatus == protocol.SocketWriteError || sendStatus == protocol.Abort {
		return CheckForAbort
	}
	return SendBlocks
}

func (t *Thread) sendOneByteSource(source bytesource.ByteSource) protocol.ErrorCode {
	meta := source.Metadata()

	headerBuf := make([]byte, protocol.MaxHeaderLength)
	off := 0
	if err := protocol.EncodeHeader(t.cfg.ProtocolVersion, headerBuf, &off, len(headerBuf), protocol.OK, meta); err != nil {
		return protocol.ProtocolError
	}
	headerLen := int64(off)
	if _, err := t.sock.Write(headerBuf[:off]); err != nil {
		return protocol.SocketWriteError
	}
	t.stats.AddHeaderBytes(headerLen)

	if code := source.Open(context.Background()); code != protocol.OK {
		t.stats.IncrFailedAttempts()
		return protocol.ByteSourceReadError
	}
	defer source.Close()

	chunkSize := t.cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 256 * 1024
	}

	var crc uint32
	var actualSize int64
	first := true
	for !source.Finished() {
		chunk, err := source.Read(chunkSize)
		if err != nil {
			t.stats.IncrFailedAttempts()
			return protocol.ByteSourceReadError
		}
		if len(chunk) == 0 {
			break
		}
		if t.footerType == footerChecksum {
			crc = crc32.Update(crc, t.crcTable, chunk)
		}
		payload := chunk
		if t.footerType == footerEncTag && t.cipher != nil {
			payload = t.cipher.Seal(chunk)
		}

		charge := len(payload)
		if first {
			charge += int(headerLen)
		}
		if lerr := t.thr.Limit(context.Background(), charge); lerr != nil {
			t.stats.IncrFailedAttempts()
			return protocol.Abort
		}
		first = false

		if _, werr := t.sock.Write(payload); werr != nil {
			return protocol.SocketWriteError
		}
		actualSize += int64(len(chunk))
		t.stats.AddDataBytes(int64(len(chunk)))

		if _, aborted := t.coord.CheckAbort(); aborted {
			t.stats.IncrFailedAttempts()
			return protocol.Abort
		}
	}

	if actualSize != meta.DataSize {
		t.stats.IncrFailedAttempts()
		return protocol.ByteSourceReadError
	}

	if t.footerType != footerNone {
		footerBuf := make([]byte, protocol.MaxFooterLength)
		foff := 0
		var ferr error
		switch t.footerType {
		case footerChecksum:
			ferr = protocol.EncodeFooterChecksum(footerBuf, &foff, len(footerBuf), crc)
		case footerEncTag:
			ferr = protocol.EncodeFooterTag(footerBuf, &foff, len(footerBuf), t.cipher.ComputeCurTag())
		}
		if ferr != nil {
			return protocol.ProtocolError
		}
		if _, werr := t.sock.Write(footerBuf[:foff]); werr != nil {
			return protocol.SocketWriteError
		}
	}

	t.stats.LocalErrorCode = protocol.OK
	t.stats.IncrNumBlocks()
	t.stats.AddEffectiveBytes(headerLen, actualSize)
	return protocol.OK
}

func (t *Thread) doSendSizeCmd() State {
	buf := make([]byte, protocol.MaxSizeLength)
	off := 0
	if err := protocol.EncodeSize(buf, &off, len(buf), t.queue.GetTotalSize()); err != nil {
		t.stats.LocalErrorCode = protocol.ProtocolError
		return End
	}
	t.totalSizeSent = true
	if _, err := t.sock.Write(buf[:off]); err != nil {
		t.stats.LocalErrorCode = protocol.SocketWriteError
		return CheckForAbort
	}
	return SendBlocks
}

func (t *Thread) doSendDoneCmd() State {
	numBlocks, discoveryStatus := t.queue.GetNumBlocksAndStatus()
	buf := make([]byte, protocol.MinBufLength)
	off := 0
	if err := protocol.EncodeDone(t.cfg.ProtocolVersion, buf, &off, len(buf), discoveryStatus, numBlocks, t.queue.GetTotalSize()); err != nil {
		t.stats.LocalErrorCode = protocol.ProtocolError
		return End
	}
	if _, err := t.sock.Write(buf[:protocol.MinBufLength]); err != nil {
		t.stats.LocalErrorCode = protocol.SocketWriteError
		return CheckForAbort
	}
	return ReadReceiverCmd
}

func (t *Thread) doCheckForAbort() State {
	buf := make([]byte, 1)
	n, err := t.sock.Read(buf)
	if err != nil || n != 1 || protocol.Command(buf[0]) != protocol.CmdAbort {
		t.prevIterationErred = true
		return Connect
	}
	return ProcessAbortCmd
}

func (t *Thread) doReadFileChunks() State {
	buf := make([]byte, 1)
	n, err := t.sock.Read(buf)
	if err != nil || n != 1 {
		t.stats.LocalErrorCode = protocol.SocketReadError
		return Connect
	}
	switch protocol.Command(buf[0]) {
	case protocol.CmdAbort:
		return ProcessAbortCmd
	case protocol.CmdWait:
		return ReadFileChunks
	case protocol.CmdAck:
		return SendBlocks
	case protocol.CmdLocalCheckpoint:
		if !t.readAndVerifySpuriousCheckpoint() {
			t.stats.LocalErrorCode = protocol.ProtocolError
			return End
		}
		return ReadFileChunks
	case protocol.CmdChunks:
		return t.readChunksCmd()
	default:
		t.stats.LocalErrorCode = protocol.ProtocolError
		return End
	}
}

func (t *Thread) readChunksCmd() State {
	hdr := make([]byte, protocol.ChunksCmdLength)
	if n, err := t.sock.Read(hdr); err != nil || n != len(hdr) {
		t.stats.LocalErrorCode = protocol.SocketReadError
		return Connect
	}
	off := 0
	_, numFiles, err := protocol.DecodeChunksCmd(hdr, &off, len(hdr))
	if err != nil {
		t.stats.LocalErrorCode = protocol.ProtocolError
		return End
	}
	infos := make([]protocol.FileChunksInfo, 0, numFiles)
	for int64(len(infos)) < numFiles {
		lenBuf := make([]byte, 4)
		if n, err := t.sock.Read(lenBuf); err != nil || n != 4 {
			t.stats.LocalErrorCode = protocol.SocketReadError
			return Connect
		}
		entryLen := int(lenBuf[0]) | int(lenBuf[1])<<8 | int(lenBuf[2])<<16 | int(lenBuf[3])<<24
		entryBuf := make([]byte, entryLen)
		if n, err := t.sock.Read(entryBuf); err != nil || n != entryLen {
			t.stats.LocalErrorCode = protocol.SocketReadError
			return Connect
		}
		eoff := 0
		info, decErr := protocol.DecodeFileChunksInfo(entryBuf, &eoff, len(entryBuf))
		if decErr != nil {
			t.stats.LocalErrorCode = protocol.ProtocolError
			return End
		}
		infos = append(infos, info)
		if int64(len(infos)) > numFiles {
			t.stats.LocalErrorCode = protocol.ProtocolError
			return End
		}
	}
	t.coord.SetFileChunksInfo(infos)
	ackBuf := []byte{byte(protocol.CmdAck)}
	if _, err := t.sock.Write(ackBuf); err != nil {
		t.stats.LocalErrorCode = protocol.SocketWriteError
		return CheckForAbort
	}
	return SendBlocks
}

func (t *Thread) readAndVerifySpuriousCheckpoint() bool {
	rest := make([]byte, protocol.GetMaxLocalCheckpointLength(t.cfg.ProtocolVersion))
	if n, err := t.sock.Read(rest); err != nil || n != len(rest) {
		return false
	}
	full := append([]byte{byte(protocol.CmdLocalCheckpoint)}, rest...)
	off := 1
	checkpoints, err := protocol.DecodeCheckpoints(t.cfg.ProtocolVersion, full, &off, len(full))
	if err != nil || len(checkpoints) != 1 {
		return false
	}
	return checkpoints[0].IsSpurious(t.cfg.Port)
}

func (t *Thread) doReadReceiverCmd() State {
	cmd, code := t.readNextReceiverCmd()
	if code != protocol.OK {
		t.stats.LocalErrorCode = code
		t.prevIterationErred = true
		return Connect
	}
	switch cmd {
	case protocol.CmdErr:
		return ProcessErrCmd
	case protocol.CmdWait:
		return ProcessWaitCmd
	case protocol.CmdDone:
		return ProcessDoneCmd
	case protocol.CmdAbort:
		return ProcessAbortCmd
	case protocol.CmdLocalCheckpoint:
		if !t.readAndVerifySpuriousCheckpoint() {
			t.stats.LocalErrorCode = protocol.ProtocolError
			return End
		}
		return ReadReceiverCmd
	default:
		t.stats.LocalErrorCode = protocol.ProtocolError
		return End
	}
}

// readNextReceiverCmd implements the drain discipline of spec.md §4.3.1:
// the kernel send buffer may still hold bytes the peer hasn't acked, so a
// plain timed read isn't enough to tell "peer is slow" from "peer is dead".
func (t *Thread) readNextReceiverCmd() (protocol.Command, protocol.ErrorCode) {
	buf := make([]byte, 1)
	numUnacked, _ := t.sock.GetUnackedBytes()
	start := time.Now()

	var timeToClear time.Duration
	for {
		n, err := t.sock.ReadWithTimeout(buf, t.cfg.ReadTimeout)
		if err == nil && n == 1 {
			return protocol.Command(buf[0]), protocol.OK
		}
		if _, aborted := t.coord.CheckAbort(); aborted {
			return 0, protocol.Abort
		}
		if n == 0 && err != nil && isTimeout(err) {
			cur, gerr := t.sock.GetUnackedBytes()
			if gerr != nil || cur < 0 {
				return 0, protocol.SocketReadError
			}
			if cur == 0 {
				timeToClear = time.Since(start)
				break
			}
			if cur == numUnacked {
				return 0, protocol.SocketReadError
			}
			numUnacked = cur
			continue
		}
		return 0, protocol.SocketReadError
	}

	readTimeout := timeToClear + t.cfg.DrainExtraMs
	n, err := t.sock.ReadWithTimeout(buf, readTimeout)
	if err != nil || n != 1 {
		return 0, protocol.SocketReadError
	}
	return protocol.Command(buf[0]), protocol.OK
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok {
		return te.Timeout()
	}
	return true // treat unrecognized errors from the mock socket as timeouts
}

func (t *Thread) doProcessDoneCmd() State {
	t.hist.MarkAllAcknowledged()
	if _, err := t.sock.Write([]byte{byte(protocol.CmdDone)}); err != nil {
		t.stats.LocalErrorCode = protocol.SocketWriteError
		return CheckForAbort
	}
	if code := t.sock.ShutdownWrites(); code != protocol.OK {
		t.stats.LocalErrorCode = code
		return CheckForAbort
	}
	if code := t.sock.ExpectEndOfStream(); code != protocol.OK {
		t.prevIterationErred = true
		return Connect
	}
	t.stats.LocalErrorCode = protocol.OK
	return End
}

func (t *Thread) doProcessWaitCmd() State {
	t.hist.MarkAllAcknowledged()
	return ReadReceiverCmd
}

func (t *Thread) doProcessErrCmd() State {
	t.hist.MarkAllAcknowledged()
	lenBuf := make([]byte, 2)
	if n, err := t.sock.Read(lenBuf); err != nil || n != 2 {
		t.stats.LocalErrorCode = protocol.SocketReadError
		return Connect
	}
	listLen := int(lenBuf[0]) | int(lenBuf[1])<<8
	body := make([]byte, listLen)
	if n, err := t.sock.Read(body); err != nil || n != listLen {
		t.stats.LocalErrorCode = protocol.SocketReadError
		return Connect
	}
	off := 0
	checkpoints, err := protocol.DecodeCheckpoints(t.cfg.ProtocolVersion, body, &off, listLen)
	if err != nil {
		t.stats.LocalErrorCode = protocol.ProtocolError
		return End
	}
	for _, cp := range checkpoints {
		t.hist.HandleGlobalCheckpoint(cp)
	}
	return SendBlocks
}

func (t *Thread) doProcessAbortCmd() State {
	t.stats.LocalErrorCode = protocol.Abort
	buf := make([]byte, protocol.AbortLength)
	n, err := t.sock.Read(buf)
	if err != nil || n != len(buf) {
		// A short read here still means the peer wants us to abort;
		// broadcast immediately rather than silently dropping siblings
		// (see the recommended fix in spec.md §9's open questions).
		t.coord.Abort(protocol.Abort)
		return End
	}
	off := 0
	negotiated, remoteErr, _, decErr := protocol.DecodeAbort(buf, &off, len(buf))
	if decErr != nil {
		t.coord.Abort(protocol.Abort)
		return End
	}
	t.stats.RemoteErrorCode = remoteErr
	t.coord.Abort(remoteErr)

	if remoteErr == protocol.VersionMismatch && negotiateProtocol(negotiated, t.cfg.ProtocolVersion) == negotiated {
		t.negotiatedProtocol = negotiated
		return ProcessVersionMismatch
	}
	return End
}

// negotiateProtocol returns the highest protocol version both peers can
// speak, or 0 if there is no overlap. Grounded on Protocol::negotiateProtocol.
func negotiateProtocol(peerVersion int32, ourVersion int) int32 {
	if int(peerVersion) <= ourVersion {
		return peerVersion
	}
	return int32(ourVersion)
}

func (t *Thread) doProcessVersionMismatch() State {
	t.coord.EnterBarrier("VERSION_MISMATCH_BARRIER")

	switch t.coord.EnterFunnel("VERSION_MISMATCH_FUNNEL") {
	case coordinator.FunnelStart:
		t.coord.SetNegotiationStatus(coordinator.MismatchFailed)
		t.cfg.ProtocolVersion = int(t.negotiatedProtocol)
		t.setFooterType()
		t.stats.RemoteErrorCode = protocol.OK
		t.coord.SetNegotiationStatus(coordinator.MismatchResolved)
		t.coord.ClearAbort()
		t.coord.NotifyFunnelSuccess("VERSION_MISMATCH_FUNNEL")
		return Connect
	case coordinator.FunnelProgress:
		t.coord.WaitFunnel("VERSION_MISMATCH_FUNNEL")
		return t.afterVersionMismatchResolved()
	default: // FunnelEnd
		return t.afterVersionMismatchResolved()
	}
}

func (t *Thread) afterVersionMismatchResolved() State {
	switch t.coord.NegotiationStatus() {
	case coordinator.MismatchFailed:
		return End
	case coordinator.MismatchResolved:
		t.cfg.ProtocolVersion = int(t.negotiatedProtocol)
		t.setFooterType()
		t.stats.RemoteErrorCode = protocol.OK
		return Connect
	default:
		return End
	}
}
