package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeHeaderRoundTrip(t *testing.T) {
	bd := BlockDetails{
		FileName:         "some/nested/path.bin",
		SeqID:            42,
		FileSize:         1 << 20,
		Offset:           4096,
		DataSize:         65536,
		AllocationStatus: ExistsTooSmall,
		PrevSeqID:        7,
	}
	buf := make([]byte, MaxHeaderLength)
	off := 0
	require.NoError(t, EncodeHeader(CurrentVersion, buf, &off, len(buf), OK, bd))
	written := off

	cmd, err := getByte(buf, new(int), written)
	require.NoError(t, err)
	assert.Equal(t, byte(CmdFile), cmd)

	readOff := 1
	status, decoded, err := DecodeHeader(CurrentVersion, buf, &readOff, written)
	require.NoError(t, err)
	assert.Equal(t, OK, status)
	assert.Equal(t, bd, decoded)
	assert.Equal(t, written, readOff)
}

func TestEncodeHeaderTruncatedBuffer(t *testing.T) {
	bd := BlockDetails{FileName: "x", DataSize: 1}
	buf := make([]byte, 3)
	off := 0
	err := EncodeHeader(CurrentVersion, buf, &off, len(buf), OK, bd)
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestEncodeDecodeSettingsRoundTrip(t *testing.T) {
	cases := []Settings{
		{ReadTimeoutMillis: 5000, WriteTimeoutMillis: 5000, TransferID: "xfer-1", EnableChecksum: true, SendFileChunks: false, BlockModeDisabled: false},
		{TransferID: "", EnableChecksum: false, SendFileChunks: true, BlockModeDisabled: true},
	}
	for _, s := range cases {
		buf := make([]byte, MaxSettingsLength)
		off := 0
		require.NoError(t, EncodeSettings(CurrentVersion, buf, &off, len(buf), s))
		readOff := 1 // skip command byte
		decoded, err := DecodeSettings(CurrentVersion, buf, &readOff, off)
		require.NoError(t, err)
		assert.Equal(t, s, decoded)
	}
}

func TestEncodeDecodeDoneRoundTrip(t *testing.T) {
	buf := make([]byte, MaxDoneLength)
	off := 0
	require.NoError(t, EncodeDone(CurrentVersion, buf, &off, len(buf), Abort, 17, 1<<30))
	readOff := 1
	status, numBlocks, totalSize, err := DecodeDone(CurrentVersion, buf, &readOff, off)
	require.NoError(t, err)
	assert.Equal(t, Abort, status)
	assert.EqualValues(t, 17, numBlocks)
	assert.EqualValues(t, 1<<30, totalSize)
}

func TestEncodeDecodeSizeRoundTrip(t *testing.T) {
	buf := make([]byte, MaxSizeLength)
	off := 0
	require.NoError(t, EncodeSize(buf, &off, len(buf), 123456789))
	readOff := 1
	size, err := DecodeSize(buf, &readOff, off)
	require.NoError(t, err)
	assert.EqualValues(t, 123456789, size)
}

func TestEncodeDecodeFooterChecksum(t *testing.T) {
	buf := make([]byte, MaxFooterLength)
	off := 0
	require.NoError(t, EncodeFooterChecksum(buf, &off, len(buf), 0xDEADBEEF))
	readOff := 1
	crc, tag, err := DecodeFooter(buf, &readOff, off, false)
	require.NoError(t, err)
	assert.Nil(t, tag)
	assert.EqualValues(t, 0xDEADBEEF, crc)
}

func TestEncodeDecodeFooterTag(t *testing.T) {
	tag := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	buf := make([]byte, MaxFooterLength)
	off := 0
	require.NoError(t, EncodeFooterTag(buf, &off, len(buf), tag))
	readOff := 1
	_, decoded, err := DecodeFooter(buf, &readOff, off, true)
	require.NoError(t, err)
	assert.Equal(t, tag, decoded)
}

func TestEncodeDecodeAbortRoundTrip(t *testing.T) {
	buf := make([]byte, AbortLength+1)
	off := 0
	require.NoError(t, EncodeAbort(buf, &off, len(buf), 31, VersionMismatch, 99))
	readOff := 1
	np, remoteErr, seqID, err := DecodeAbort(buf, &readOff, off)
	require.NoError(t, err)
	assert.EqualValues(t, 31, np)
	assert.Equal(t, VersionMismatch, remoteErr)
	assert.EqualValues(t, 99, seqID)
}

func TestEncodeDecodeCheckpointsRoundTrip(t *testing.T) {
	checkpoints := []Checkpoint{
		{Port: 22356, NumBlocks: -1, LastBlockSeqID: -1, LastBlockReceivedBytes: 0},
		{Port: 22357, NumBlocks: 3, LastBlockSeqID: 88, LastBlockReceivedBytes: 4096},
	}
	buf := make([]byte, checkpointWireLength*len(checkpoints))
	off := 0
	require.NoError(t, EncodeCheckpoints(CurrentVersion, buf, &off, len(buf), checkpoints))
	readOff := 0
	decoded, err := DecodeCheckpoints(CurrentVersion, buf, &readOff, off)
	require.NoError(t, err)
	assert.Equal(t, checkpoints, decoded)
}

func TestCheckpointIsSpurious(t *testing.T) {
	spurious := Checkpoint{Port: 22356}
	assert.True(t, spurious.IsSpurious(22356))
	assert.False(t, spurious.IsSpurious(22357))

	dead := Checkpoint{Port: 22356, NumBlocks: -1}
	assert.False(t, dead.IsSpurious(22356))
}

func TestDecodeCheckpointsEmptyIsError(t *testing.T) {
	buf := []byte{}
	off := 0
	_, err := DecodeCheckpoints(CurrentVersion, buf, &off, 0)
	assert.ErrorIs(t, err, ErrCheckpointCount)
}

func TestEncodeDecodeChunksCmdAndFileChunksInfo(t *testing.T) {
	buf := make([]byte, 4096)
	off := 0
	require.NoError(t, EncodeChunksCmd(buf, &off, len(buf), 4096, 2))
	readOff := 1
	bufSize, numFiles, err := DecodeChunksCmd(buf, &readOff, off)
	require.NoError(t, err)
	assert.EqualValues(t, 4096, bufSize)
	assert.EqualValues(t, 2, numFiles)

	info := FileChunksInfo{
		SeqID:    5,
		FileName: "resume-me.dat",
		FileSize: 1 << 24,
		Chunks: []Interval{
			{Start: 0, End: 1024},
			{Start: 2048, End: 4096},
		},
	}
	encOff := 0
	require.NoError(t, EncodeFileChunksInfo(buf, &encOff, len(buf), info))
	decOff := 0
	decoded, err := DecodeFileChunksInfo(buf, &decOff, encOff)
	require.NoError(t, err)
	assert.Equal(t, info, decoded)
	assert.EqualValues(t, 2048, info.Chunks[1].Start)
	assert.EqualValues(t, 1024, info.Chunks[0].Size())
}

func TestGetMaxLocalCheckpointLengthIsFixedWidth(t *testing.T) {
	assert.Equal(t, 24, GetMaxLocalCheckpointLength(CurrentVersion))
	assert.Equal(t, GetMaxLocalCheckpointLength(1), GetMaxLocalCheckpointLength(CurrentVersion))
}

func TestVarintRoundTripsNegativeValues(t *testing.T) {
	values := []int64{0, 1, -1, 127, -127, 1 << 40, -(1 << 40)}
	buf := make([]byte, 16*len(values))
	off := 0
	for _, v := range values {
		require.NoError(t, putVarint(buf, &off, len(buf), v))
	}
	readOff := 0
	for _, want := range values {
		got, err := getVarint(buf, &readOff, off)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}
