// Package progress implements the optional progress-reporter thread
// spawned by internal/controller (spec.md §4.5): it samples every sender
// thread's protocol.ThreadStats on a ticker and, if a monitoring URL was
// configured, streams JSON snapshots over an outbound websocket
// connection, reconnecting on failure without ever blocking the transfer.
package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/warpforge/wdt/pkg/protocol"
)

// Config configures a Reporter.
type Config struct {
	MonitorURL string        // websocket URL to stream snapshots to; empty disables streaming
	Interval   time.Duration // sampling period, defaults to 1s
	BatchID    string        // stamped on every snapshot for correlation with controller logs
}

// Snapshot is one point-in-time sample of every sender thread's stats,
// marshaled as JSON and pushed to the monitoring sink.
type Snapshot struct {
	BatchID   string                 `json:"batch_id"`
	Timestamp time.Time              `json:"timestamp"`
	Threads   []protocol.ThreadStats `json:"threads"`
}

// StatsFunc returns the current per-thread stats, called once per tick.
type StatsFunc func() []protocol.ThreadStats

// Reporter periodically samples stats and, when a monitor URL is
// configured, pushes them to a websocket sink.
type Reporter struct {
	cfg    Config
	stats  StatsFunc
	logger *slog.Logger
}

// NewReporter returns a Reporter that calls stats on every tick.
func NewReporter(cfg Config, stats StatsFunc, logger *slog.Logger) *Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{cfg: cfg, stats: stats, logger: logger}
}

// Run samples stats on a ticker until ctx is cancelled. If no monitor URL
// is configured it still ticks (so a future caller can add other sinks)
// but never dials out.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	var conn *websocket.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			snap := Snapshot{
				BatchID:   r.cfg.BatchID,
				Timestamp: now,
				Threads:   r.stats(),
			}
			if r.cfg.MonitorURL == "" {
				continue
			}
			conn = r.push(ctx, conn, snap)
		}
	}
}

// push sends one snapshot over conn, dialing (or redialing) if necessary.
// A failed dial or write is logged and swallowed: the monitoring sink is
// best-effort and must never affect the transfer itself.
func (r *Reporter) push(ctx context.Context, conn *websocket.Conn, snap Snapshot) *websocket.Conn {
	if conn == nil {
		dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		c, _, err := websocket.DefaultDialer.DialContext(dialCtx, r.cfg.MonitorURL, nil)
		if err != nil {
			r.logger.Debug("progress: monitor dial failed", "url", r.cfg.MonitorURL, "error", err)
			return nil
		}
		conn = c
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		r.logger.Debug("progress: snapshot marshal failed", "error", err)
		return conn
	}

	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		r.logger.Debug("progress: monitor write failed, will redial", "error", err)
		conn.Close()
		return nil
	}

	return conn
}
