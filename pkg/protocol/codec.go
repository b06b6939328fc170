package protocol

import "encoding/binary"

// Frame layout follows §6 of the specification: multi-byte integers are
// little-endian; fields the wire table pins to an exact byte width
// (headerLen, and every field of Checkpoint) are fixed-width, everything
// else is varint-encoded the way WDT itself economizes on the wire.
//
// Every encode function writes starting at buf[*off], advances *off, and
// refuses to write past max, returning ErrBufferTooSmall instead of
// panicking. Every decode function reads starting at buf[*off], advances
// *off, and refuses to read past length, returning ErrTruncatedFrame.

func putByte(buf []byte, off *int, max int, b byte) error {
	if *off+1 > max || *off+1 > len(buf) {
		return ErrBufferTooSmall
	}
	buf[*off] = b
	*off++
	return nil
}

func getByte(buf []byte, off *int, length int) (byte, error) {
	if *off+1 > length || *off+1 > len(buf) {
		return 0, ErrTruncatedFrame
	}
	b := buf[*off]
	*off++
	return b, nil
}

func putBytes(buf []byte, off *int, max int, p []byte) error {
	if *off+len(p) > max || *off+len(p) > len(buf) {
		return ErrBufferTooSmall
	}
	copy(buf[*off:], p)
	*off += len(p)
	return nil
}

func getBytes(buf []byte, off *int, length int, n int) ([]byte, error) {
	if n < 0 || *off+n > length || *off+n > len(buf) {
		return nil, ErrTruncatedFrame
	}
	p := make([]byte, n)
	copy(p, buf[*off:*off+n])
	*off += n
	return p, nil
}

func putUint16LE(buf []byte, off *int, max int, v uint16) error {
	if *off+2 > max || *off+2 > len(buf) {
		return ErrBufferTooSmall
	}
	binary.LittleEndian.PutUint16(buf[*off:], v)
	*off += 2
	return nil
}

func getUint16LE(buf []byte, off *int, length int) (uint16, error) {
	if *off+2 > length || *off+2 > len(buf) {
		return 0, ErrTruncatedFrame
	}
	v := binary.LittleEndian.Uint16(buf[*off:])
	*off += 2
	return v, nil
}

func putUint32LE(buf []byte, off *int, max int, v uint32) error {
	if *off+4 > max || *off+4 > len(buf) {
		return ErrBufferTooSmall
	}
	binary.LittleEndian.PutUint32(buf[*off:], v)
	*off += 4
	return nil
}

func getUint32LE(buf []byte, off *int, length int) (uint32, error) {
	if *off+4 > length || *off+4 > len(buf) {
		return 0, ErrTruncatedFrame
	}
	v := binary.LittleEndian.Uint32(buf[*off:])
	*off += 4
	return v, nil
}

func putInt64LE(buf []byte, off *int, max int, v int64) error {
	if *off+8 > max || *off+8 > len(buf) {
		return ErrBufferTooSmall
	}
	binary.LittleEndian.PutUint64(buf[*off:], uint64(v))
	*off += 8
	return nil
}

func getInt64LE(buf []byte, off *int, length int) (int64, error) {
	if *off+8 > length || *off+8 > len(buf) {
		return 0, ErrTruncatedFrame
	}
	v := int64(binary.LittleEndian.Uint64(buf[*off:]))
	*off += 8
	return v, nil
}

func putVarint(buf []byte, off *int, max int, v int64) error {
	// A varint of a signed value round-trips through zig-zag encoding so
	// that small negative numbers (e.g. LastBlockSeqID == -1) stay compact.
	zz := uint64((v << 1) ^ (v >> 63))
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], zz)
	return putBytes(buf, off, max, scratch[:n])
}

func getVarint(buf []byte, off *int, length int) (int64, error) {
	window := buf
	if length < len(buf) {
		window = buf[:length]
	}
	zz, n := binary.Uvarint(window[*off:])
	if n <= 0 {
		return 0, ErrTruncatedFrame
	}
	*off += n
	return int64(zz>>1) ^ -int64(zz&1), nil
}

func putUvarint(buf []byte, off *int, max int, v uint64) error {
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], v)
	return putBytes(buf, off, max, scratch[:n])
}

func getUvarint(buf []byte, off *int, length int) (uint64, error) {
	window := buf
	if length < len(buf) {
		window = buf[:length]
	}
	v, n := binary.Uvarint(window[*off:])
	if n <= 0 {
		return 0, ErrTruncatedFrame
	}
	*off += n
	return v, nil
}

func putString(buf []byte, off *int, max int, s string) error {
	if err := putUvarint(buf, off, max, uint64(len(s))); err != nil {
		return err
	}
	return putBytes(buf, off, max, []byte(s))
}

func getString(buf []byte, off *int, length int) (string, error) {
	n, err := getUvarint(buf, off, length)
	if err != nil {
		return "", err
	}
	p, err := getBytes(buf, off, length, int(n))
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// EncodeHeader writes a FILE frame: cmd | transferStatus | headerLen(2 LE) |
// BlockDetails payload, followed by dataSize raw bytes written separately
// by the caller once streaming begins.
func EncodeHeader(version int, buf []byte, off *int, max int, transferStatus ErrorCode, bd BlockDetails) error {
	start := *off
	if err := putByte(buf, off, max, byte(CmdFile)); err != nil {
		return err
	}
	if err := putByte(buf, off, max, byte(transferStatus)); err != nil {
		return err
	}
	lenPos := *off
	if err := putUint16LE(buf, off, max, 0); err != nil {
		return err
	}
	payloadStart := *off
	if err := putString(buf, off, max, bd.FileName); err != nil {
		return err
	}
	if err := putVarint(buf, off, max, bd.SeqID); err != nil {
		return err
	}
	if err := putVarint(buf, off, max, bd.FileSize); err != nil {
		return err
	}
	if err := putVarint(buf, off, max, bd.Offset); err != nil {
		return err
	}
	if err := putVarint(buf, off, max, bd.DataSize); err != nil {
		return err
	}
	if err := putByte(buf, off, max, byte(bd.AllocationStatus)); err != nil {
		return err
	}
	if version >= 1 {
		if err := putVarint(buf, off, max, bd.PrevSeqID); err != nil {
			return err
		}
	}
	headerLen := uint16(*off - payloadStart)
	binary.LittleEndian.PutUint16(buf[lenPos:], headerLen)
	_ = start
	return nil
}

// DecodeHeader decodes the payload of a FILE frame (assumes the caller
// already consumed the command byte, if any). It reads exactly headerLen
// bytes of BlockDetails.
func DecodeHeader(version int, buf []byte, off *int, length int) (ErrorCode, BlockDetails, error) {
	var bd BlockDetails
	status, err := getByte(buf, off, length)
	if err != nil {
		return OK, bd, err
	}
	headerLen, err := getUint16LE(buf, off, length)
	if err != nil {
		return OK, bd, err
	}
	payloadEnd := *off + int(headerLen)
	if payloadEnd > length || payloadEnd > len(buf) {
		return OK, bd, ErrTruncatedFrame
	}
	bd.FileName, err = getString(buf, off, payloadEnd)
	if err != nil {
		return OK, bd, err
	}
	if bd.SeqID, err = getVarint(buf, off, payloadEnd); err != nil {
		return OK, bd, err
	}
	if bd.FileSize, err = getVarint(buf, off, payloadEnd); err != nil {
		return OK, bd, err
	}
	if bd.Offset, err = getVarint(buf, off, payloadEnd); err != nil {
		return OK, bd, err
	}
	if bd.DataSize, err = getVarint(buf, off, payloadEnd); err != nil {
		return OK, bd, err
	}
	allocByte, err := getByte(buf, off, payloadEnd)
	if err != nil {
		return OK, bd, err
	}
	bd.AllocationStatus = FileAllocationStatus(allocByte)
	if version >= 1 {
		if bd.PrevSeqID, err = getVarint(buf, off, payloadEnd); err != nil {
			return OK, bd, err
		}
	}
	return ErrorCode(status), bd, nil
}

// settingsFlags bit layout: bit0 checksum, bit1 sendFileChunks, bit2 blockModeDisabled.
func settingsFlags(s Settings) byte {
	var f byte
	if s.EnableChecksum {
		f |= 1 << 0
	}
	if s.SendFileChunks {
		f |= 1 << 1
	}
	if s.BlockModeDisabled {
		f |= 1 << 2
	}
	return f
}

// EncodeSettings writes a SETTINGS frame.
func EncodeSettings(version int, buf []byte, off *int, max int, s Settings) error {
	if err := putByte(buf, off, max, byte(CmdSettings)); err != nil {
		return err
	}
	if err := putUvarint(buf, off, max, uint64(s.ReadTimeoutMillis)); err != nil {
		return err
	}
	if err := putUvarint(buf, off, max, uint64(s.WriteTimeoutMillis)); err != nil {
		return err
	}
	if err := putString(buf, off, max, s.TransferID); err != nil {
		return err
	}
	return putByte(buf, off, max, settingsFlags(s))
}

// DecodeSettings decodes a SETTINGS frame payload (command byte already consumed).
func DecodeSettings(version int, buf []byte, off *int, length int) (Settings, error) {
	var s Settings
	rt, err := getUvarint(buf, off, length)
	if err != nil {
		return s, err
	}
	s.ReadTimeoutMillis = int64(rt)
	wt, err := getUvarint(buf, off, length)
	if err != nil {
		return s, err
	}
	s.WriteTimeoutMillis = int64(wt)
	if s.TransferID, err = getString(buf, off, length); err != nil {
		return s, err
	}
	flags, err := getByte(buf, off, length)
	if err != nil {
		return s, err
	}
	s.EnableChecksum = flags&(1<<0) != 0
	s.SendFileChunks = flags&(1<<1) != 0
	s.BlockModeDisabled = flags&(1<<2) != 0
	return s, nil
}

// EncodeDone writes a DONE frame: cmd | status | numBlocks(varint) | totalSize(varint).
func EncodeDone(version int, buf []byte, off *int, max int, status ErrorCode, numBlocks, totalSize int64) error {
	if err := putByte(buf, off, max, byte(CmdDone)); err != nil {
		return err
	}
	if err := putByte(buf, off, max, byte(status)); err != nil {
		return err
	}
	if err := putVarint(buf, off, max, numBlocks); err != nil {
		return err
	}
	return putVarint(buf, off, max, totalSize)
}

// DecodeDone decodes a DONE frame payload (command byte already consumed).
func DecodeDone(version int, buf []byte, off *int, length int) (status ErrorCode, numBlocks, totalSize int64, err error) {
	statusByte, err := getByte(buf, off, length)
	if err != nil {
		return OK, 0, 0, err
	}
	status = ErrorCode(statusByte)
	if numBlocks, err = getVarint(buf, off, length); err != nil {
		return status, 0, 0, err
	}
	if totalSize, err = getVarint(buf, off, length); err != nil {
		return status, 0, 0, err
	}
	return status, numBlocks, totalSize, nil
}

// EncodeSize writes a SIZE frame: cmd | totalSize(varint). Requires
// version >= VersionReceiverProgressReport.
func EncodeSize(buf []byte, off *int, max int, totalSize int64) error {
	if err := putByte(buf, off, max, byte(CmdSize)); err != nil {
		return err
	}
	return putVarint(buf, off, max, totalSize)
}

// DecodeSize decodes a SIZE frame payload (command byte already consumed).
func DecodeSize(buf []byte, off *int, length int) (int64, error) {
	return getVarint(buf, off, length)
}

// EncodeFooterChecksum writes a FOOTER frame carrying a CRC32C checksum.
// Requires version >= VersionChecksum.
func EncodeFooterChecksum(buf []byte, off *int, max int, crc32c uint32) error {
	if err := putByte(buf, off, max, byte(CmdFooter)); err != nil {
		return err
	}
	return putUint32LE(buf, off, max, crc32c)
}

// EncodeFooterTag writes a FOOTER frame carrying an AEAD authentication
// tag. Requires version >= VersionIncrementalTag.
func EncodeFooterTag(buf []byte, off *int, max int, tag []byte) error {
	if err := putByte(buf, off, max, byte(CmdFooter)); err != nil {
		return err
	}
	if err := putUvarint(buf, off, max, uint64(len(tag))); err != nil {
		return err
	}
	return putBytes(buf, off, max, tag)
}

// FooterKind distinguishes the two FOOTER payload shapes on decode.
type FooterKind int

const (
	FooterChecksum FooterKind = iota
	FooterTag
)

// DecodeFooter decodes a FOOTER frame payload (command byte already
// consumed). Callers pass wantTag to select which shape to parse, matching
// footer-type selection made at thread start (spec.md §4.3).
func DecodeFooter(buf []byte, off *int, length int, wantTag bool) (crc32c uint32, tag []byte, err error) {
	if !wantTag {
		crc32c, err = getUint32LE(buf, off, length)
		return crc32c, nil, err
	}
	n, err := getUvarint(buf, off, length)
	if err != nil {
		return 0, nil, err
	}
	tag, err = getBytes(buf, off, length, int(n))
	return 0, tag, err
}

// EncodeAbort writes an ABORT frame: cmd | negotiatedProtocol(4 LE) |
// remoteError(1) | checkpointSeqId(8 LE).
func EncodeAbort(buf []byte, off *int, max int, negotiatedProtocol int32, remoteErr ErrorCode, checkpointSeqID int64) error {
	if err := putByte(buf, off, max, byte(CmdAbort)); err != nil {
		return err
	}
	if err := putUint32LE(buf, off, max, uint32(negotiatedProtocol)); err != nil {
		return err
	}
	if err := putByte(buf, off, max, byte(remoteErr)); err != nil {
		return err
	}
	return putInt64LE(buf, off, max, checkpointSeqID)
}

// DecodeAbort decodes an ABORT frame payload (command byte already consumed).
func DecodeAbort(buf []byte, off *int, length int) (negotiatedProtocol int32, remoteErr ErrorCode, checkpointSeqID int64, err error) {
	np, err := getUint32LE(buf, off, length)
	if err != nil {
		return 0, OK, 0, err
	}
	negotiatedProtocol = int32(np)
	errByte, err := getByte(buf, off, length)
	if err != nil {
		return negotiatedProtocol, OK, 0, err
	}
	remoteErr = ErrorCode(errByte)
	checkpointSeqID, err = getInt64LE(buf, off, length)
	return negotiatedProtocol, remoteErr, checkpointSeqID, err
}

// EncodeChunksCmd writes a CHUNKS frame header: cmd | bufSize(varint) | numFiles(varint).
func EncodeChunksCmd(buf []byte, off *int, max int, bufSize, numFiles int64) error {
	if err := putByte(buf, off, max, byte(CmdChunks)); err != nil {
		return err
	}
	if err := putVarint(buf, off, max, bufSize); err != nil {
		return err
	}
	return putVarint(buf, off, max, numFiles)
}

// DecodeChunksCmd decodes a CHUNKS frame header payload (command byte already consumed).
func DecodeChunksCmd(buf []byte, off *int, length int) (bufSize, numFiles int64, err error) {
	if bufSize, err = getVarint(buf, off, length); err != nil {
		return 0, 0, err
	}
	numFiles, err = getVarint(buf, off, length)
	return bufSize, numFiles, err
}

// EncodeFileChunksInfo encodes one FileChunksInfo entry.
func EncodeFileChunksInfo(buf []byte, off *int, max int, info FileChunksInfo) error {
	if err := putVarint(buf, off, max, info.SeqID); err != nil {
		return err
	}
	if err := putString(buf, off, max, info.FileName); err != nil {
		return err
	}
	if err := putVarint(buf, off, max, info.FileSize); err != nil {
		return err
	}
	if err := putUvarint(buf, off, max, uint64(len(info.Chunks))); err != nil {
		return err
	}
	for _, iv := range info.Chunks {
		if err := putVarint(buf, off, max, iv.Start); err != nil {
			return err
		}
		if err := putVarint(buf, off, max, iv.End); err != nil {
			return err
		}
	}
	return nil
}

// DecodeFileChunksInfo decodes one FileChunksInfo entry.
func DecodeFileChunksInfo(buf []byte, off *int, length int) (FileChunksInfo, error) {
	var info FileChunksInfo
	var err error
	if info.SeqID, err = getVarint(buf, off, length); err != nil {
		return info, err
	}
	if info.FileName, err = getString(buf, off, length); err != nil {
		return info, err
	}
	if info.FileSize, err = getVarint(buf, off, length); err != nil {
		return info, err
	}
	n, err := getUvarint(buf, off, length)
	if err != nil {
		return info, err
	}
	info.Chunks = make([]Interval, 0, n)
	for i := uint64(0); i < n; i++ {
		var iv Interval
		if iv.Start, err = getVarint(buf, off, length); err != nil {
			return info, err
		}
		if iv.End, err = getVarint(buf, off, length); err != nil {
			return info, err
		}
		info.Chunks = append(info.Chunks, iv)
	}
	return info, nil
}

// EncodeCheckpoints writes a sequence of Checkpoints, each in the fixed
// wire layout given by §6: port(4 LE) | numBlocks(4 LE signed) |
// lastBlockSeqId(8 LE) | lastBlockReceivedBytes(8 LE).
func EncodeCheckpoints(version int, buf []byte, off *int, max int, checkpoints []Checkpoint) error {
	for _, cp := range checkpoints {
		if err := putUint32LE(buf, off, max, uint32(cp.Port)); err != nil {
			return err
		}
		if err := putUint32LE(buf, off, max, uint32(int32(cp.NumBlocks))); err != nil {
			return err
		}
		if err := putInt64LE(buf, off, max, cp.LastBlockSeqID); err != nil {
			return err
		}
		if err := putInt64LE(buf, off, max, cp.LastBlockReceivedBytes); err != nil {
			return err
		}
	}
	return nil
}

// DecodeCheckpoints decodes as many Checkpoints as fit in [*off, length),
// each in the fixed 24-byte wire layout. It returns ErrTruncatedFrame if a
// partial checkpoint is present.
func DecodeCheckpoints(version int, buf []byte, off *int, length int) ([]Checkpoint, error) {
	var out []Checkpoint
	for *off < length {
		port, err := getUint32LE(buf, off, length)
		if err != nil {
			return nil, err
		}
		numBlocks, err := getUint32LE(buf, off, length)
		if err != nil {
			return nil, err
		}
		seqID, err := getInt64LE(buf, off, length)
		if err != nil {
			return nil, err
		}
		recvBytes, err := getInt64LE(buf, off, length)
		if err != nil {
			return nil, err
		}
		out = append(out, Checkpoint{
			Port:                   int32(port),
			NumBlocks:              int64(int32(numBlocks)),
			LastBlockSeqID:         seqID,
			LastBlockReceivedBytes: recvBytes,
		})
	}
	if len(out) == 0 {
		return nil, ErrCheckpointCount
	}
	return out, nil
}

// checkpointWireLength is the fixed on-wire size of one Checkpoint.
const checkpointWireLength = 4 + 4 + 8 + 8

// GetMaxLocalCheckpointLength returns the number of bytes a
// READ_LOCAL_CHECKPOINT read must consume: exactly one checkpoint's worth,
// at every protocol version (the checkpoint layout has not changed width).
func GetMaxLocalCheckpointLength(version int) int {
	return checkpointWireLength
}
