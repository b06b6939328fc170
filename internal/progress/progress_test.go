package progress

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warpforge/wdt/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestRun_StreamsSnapshotsToMonitor spins up a real websocket server and
// verifies the reporter connects, marshals ThreadStats snapshots, and
// streams at least one before the context is cancelled.
func TestRun_StreamsSnapshotsToMonitor(t *testing.T) {
	received := make(chan Snapshot, 4)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var snap Snapshot
			if err := json.Unmarshal(msg, &snap); err == nil {
				received <- snap
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]

	stats := func() []protocol.ThreadStats {
		return []protocol.ThreadStats{{Port: 9000, NumBlocks: 3, DataBytes: 1024}}
	}

	r := NewReporter(Config{
		MonitorURL: wsURL,
		Interval:   10 * time.Millisecond,
		BatchID:    "batch-1",
	}, stats, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	select {
	case snap := <-received:
		assert.Equal(t, "batch-1", snap.BatchID)
		require.Len(t, snap.Threads, 1)
		assert.Equal(t, int64(3), snap.Threads[0].NumBlocks)
		assert.Equal(t, int64(1024), snap.Threads[0].DataBytes)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot received")
	}
}

// TestRun_NoMonitorURLNeverDials verifies a Reporter with no monitor URL
// just ticks harmlessly and never attempts to open a network connection.
func TestRun_NoMonitorURLNeverDials(t *testing.T) {
	calls := 0
	stats := func() []protocol.ThreadStats {
		calls++
		return nil
	}

	r := NewReporter(Config{Interval: 5 * time.Millisecond}, stats, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	assert.Greater(t, calls, 0)
}

// TestRun_RedialsAfterSinkDisappears exercises the reconnect path: once
// the monitor closes the listener, the reporter's next push attempt fails
// silently and does not panic or block Run's return on ctx cancellation.
func TestRun_RedialsAfterSinkDisappears(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close() // nothing is listening; every dial will fail

	stats := func() []protocol.ThreadStats { return nil }
	r := NewReporter(Config{
		MonitorURL: "ws://" + addr,
		Interval:   5 * time.Millisecond,
	}, stats, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after ctx cancellation")
	}
}
