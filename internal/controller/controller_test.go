package controller

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warpforge/wdt/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStart_ValidatesRequest(t *testing.T) {
	_, err := Start(context.Background(), protocol.TransferRequest{}, Config{}, testLogger())
	assert.Error(t, err)
}

func mustReadFull(t *testing.T, r io.Reader, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	return buf
}

// TestHappyPathSinglePortTransfer drives a full Controller-owned sender
// thread against a real TCP listener playing the receiver role, exercising
// the wiring between controller, dirqueue, coordinator, and sender.Thread
// end to end for a single small file over a single port.
func TestHappyPathSinglePortTransfer(t *testing.T) {
	dir := t.TempDir()
	content := []byte("hello from the controller test")
	require.NoError(t, os.WriteFile(dir+"/greeting.txt", content, 0o644))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port

	settingsLen := 0
	headerLen := 0
	sizeLen := 0
	{
		meta := protocol.BlockDetails{
			FileName: "greeting.txt", SeqID: 0, FileSize: int64(len(content)),
			Offset: 0, DataSize: int64(len(content)), AllocationStatus: protocol.NotExists,
		}
		sbuf := make([]byte, protocol.MaxSettingsLength)
		soff := 0
		require.NoError(t, protocol.EncodeSettings(protocol.CurrentVersion, sbuf, &soff, len(sbuf), protocol.Settings{
			ReadTimeoutMillis:  2000,
			WriteTimeoutMillis: 2000,
			TransferID:         "ctrl-xfer",
		}))
		settingsLen = soff

		zbuf := make([]byte, protocol.MaxSizeLength)
		zoff := 0
		require.NoError(t, protocol.EncodeSize(zbuf, &zoff, len(zbuf), int64(len(content))))
		sizeLen = zoff

		hbuf := make([]byte, protocol.MaxHeaderLength)
		hoff := 0
		require.NoError(t, protocol.EncodeHeader(protocol.CurrentVersion, hbuf, &hoff, len(hbuf), protocol.OK, meta))
		headerLen = hoff
	}

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	req := protocol.TransferRequest{
		TransferID:      "ctrl-xfer",
		ProtocolVersion: protocol.CurrentVersion,
		DestHost:        "127.0.0.1",
		Ports:           []int{port},
		Directory:       dir,
	}
	cfg := Config{
		ReadTimeout:        2 * time.Second,
		WriteTimeout:       2 * time.Second,
		MaxConnectRetries:  3,
		MaxTransferRetries: 3,
		ConnectRetrySleep:  10 * time.Millisecond,
		DrainExtraMs:       10 * time.Millisecond,
		EnableChecksum:     false,
		BlockSize:          1 << 20,
		ChunkSize:          64 * 1024,
		ProgressInterval:   50 * time.Millisecond,
	}

	ctrl, err := Start(context.Background(), req, cfg, testLogger())
	require.NoError(t, err)

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("receiver never accepted a connection")
	}
	defer conn.Close()

	// The SIZE frame goes out once directory discovery has finished, which
	// races with the first block: it arrives either before the FILE frame
	// or after the block data.
	r := bufio.NewReader(conn)
	readSizeIfNext := func() {
		if next, err := r.Peek(1); err == nil && next[0] == byte(protocol.CmdSize) {
			mustReadFull(t, r, sizeLen)
		}
	}
	mustReadFull(t, r, settingsLen)
	readSizeIfNext()
	mustReadFull(t, r, headerLen)
	mustReadFull(t, r, len(content))
	readSizeIfNext()
	mustReadFull(t, r, protocol.MinBufLength) // DONE frame, fixed width

	_, err = conn.Write([]byte{byte(protocol.CmdDone)})
	require.NoError(t, err)
	mustReadFull(t, r, 1) // sender's DONE ack
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	reportCh := make(chan TransferReport, 1)
	go func() { reportCh <- ctrl.Finish() }()

	select {
	case report := <-reportCh:
		assert.Equal(t, protocol.OK, report.OverallStatus)
		assert.Equal(t, int64(1), report.TotalStats.NumBlocks)
		assert.Equal(t, int64(len(content)), report.TotalStats.DataBytes)
		assert.Len(t, report.PerPortStats, 1)
	case <-time.After(10 * time.Second):
		t.Fatal("controller did not finish in time")
	}
}

func TestValidate(t *testing.T) {
	base := protocol.TransferRequest{
		TransferID:      "id",
		DestHost:        "host",
		Ports:           []int{1234},
		Directory:       "/tmp",
		ProtocolVersion: 32,
	}
	assert.NoError(t, validate(base))

	noID := base
	noID.TransferID = ""
	assert.Error(t, validate(noID))

	noHost := base
	noHost.DestHost = ""
	assert.Error(t, validate(noHost))

	noPorts := base
	noPorts.Ports = nil
	assert.Error(t, validate(noPorts))

	noSource := base
	noSource.Directory = ""
	noSource.FileList = nil
	assert.Error(t, validate(noSource))

	badVersion := base
	badVersion.ProtocolVersion = 0
	assert.Error(t, validate(badVersion))
}

func TestValidate_FileListSatisfiesSourceRequirement(t *testing.T) {
	req := protocol.TransferRequest{
		TransferID:      "id",
		DestHost:        "host",
		Ports:           []int{1234},
		FileList:        []string{"a.txt"},
		ProtocolVersion: 32,
	}
	assert.NoError(t, validate(req))
}

func TestAbort_ReachesCoordinator(t *testing.T) {
	dir := t.TempDir()
	req := protocol.TransferRequest{
		TransferID:      "abort-xfer",
		DestHost:        "127.0.0.1",
		Ports:           []int{freePort(t)},
		Directory:       dir,
		ProtocolVersion: protocol.CurrentVersion,
	}
	cfg := Config{
		MaxConnectRetries:  1,
		MaxTransferRetries: 0,
		ConnectRetrySleep:  time.Millisecond,
		ProgressInterval:   20 * time.Millisecond,
	}
	ctrl, err := Start(context.Background(), req, cfg, testLogger())
	require.NoError(t, err)

	ctrl.Abort(protocol.Abort)

	done := make(chan TransferReport, 1)
	go func() { done <- ctrl.Finish() }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not finish after abort")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}
