// Package controller implements spec.md §4.5's sender controller: it
// validates a transfer request, starts the directory queue, spawns one
// sender thread per destination port sharing a single coordinator, runs
// the progress reporter, and aggregates per-thread stats into a final
// transfer report.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warpforge/wdt/internal/coordinator"
	"github.com/warpforge/wdt/internal/cryptoframe"
	"github.com/warpforge/wdt/internal/dirqueue"
	"github.com/warpforge/wdt/internal/history"
	"github.com/warpforge/wdt/internal/progress"
	"github.com/warpforge/wdt/internal/sender"
	"github.com/warpforge/wdt/internal/socket"
	"github.com/warpforge/wdt/internal/throttler"
	"github.com/warpforge/wdt/pkg/protocol"
)

// Config bundles the tunables a controller needs beyond what's already
// carried on the protocol.TransferRequest: per-thread timeouts, retry
// budgets, throttling, and the optional progress-monitoring sink.
type Config struct {
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	MaxConnectRetries  int
	MaxTransferRetries int
	ConnectRetrySleep  time.Duration
	DrainExtraMs       time.Duration
	EnableChecksum     bool
	BlockSize          int64
	ChunkSize          int
	ThrottleBytesPerSec int64
	ThrottleBurst      int64
	NATAssist          bool
	MonitorURL         string
	ProgressInterval   time.Duration
}

// TransferReport is the aggregated outcome of every sender thread in the
// transfer, keyed for logging and for a caller inspecting the result.
type TransferReport struct {
	TransferID    string
	BatchID       string
	TotalStats    protocol.ThreadStats
	PerPortStats  []protocol.ThreadStats
	OverallStatus protocol.ErrorCode
}

// Controller drives one transfer end to end: one directory queue, one
// sender.Thread per destination port, one progress reporter, and the
// coordinator all three share to abort and converge on a protocol version.
type Controller struct {
	req     protocol.TransferRequest
	cfg     Config
	logger  *slog.Logger
	batchID string

	cancel context.CancelFunc

	coord   *coordinator.Coordinator
	queue   *dirqueue.Queue
	reporter *progress.Reporter

	threads []*sender.Thread
	wg      sync.WaitGroup

	mu    sync.Mutex
	stats []protocol.ThreadStats
}

// Start validates req, spawns the directory queue, one sender thread per
// port, and (if configured) the progress reporter, then returns
// immediately; callers block on Finish for the result.
func Start(ctx context.Context, req protocol.TransferRequest, cfg Config, logger *slog.Logger) (*Controller, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	batchID := uuid.NewString()
	logger = logger.With(slog.String("transfer_id", req.TransferID), slog.String("batch_id", batchID))

	runCtx, cancel := context.WithCancel(ctx)

	numThreads := len(req.Ports)
	c := &Controller{
		req:     req,
		cfg:     cfg,
		logger:  logger,
		batchID: batchID,
		cancel:  cancel,
		stats:   make([]protocol.ThreadStats, numThreads),
	}

	c.coord = coordinator.New(numThreads, func() {
		logger.Info("transfer started", "ports", req.Ports, "directory", req.Directory)
	}, func() {
		logger.Info("transfer finished")
	})

	c.queue = dirqueue.New(runCtx, req.Directory, cfg.BlockSize, req.FileList, c.coord)

	var cipher *cryptoframe.Cipher
	if req.Encryption.Type != protocol.EncNone {
		var err error
		cipher, err = cryptoframe.New(req.Encryption.Type, req.Encryption.Secret)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("controller: encryption setup: %w", err)
		}
	}

	thr := throttler.New(cfg.ThrottleBytesPerSec, cfg.ThrottleBurst)

	c.threads = make([]*sender.Thread, numThreads)
	for i, port := range req.Ports {
		threadLogger := logger.With(slog.Int("port", port))

		sock := socket.New(socket.Config{
			DestHost:     req.DestHost,
			Port:         port,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			Encryption:   req.Encryption,
			NATAssist:    cfg.NATAssist,
		}, c.coord, threadLogger)

		hist := history.New(int32(port), c.queue)

		threadCfg := sender.Config{
			Port:               int32(port),
			TransferID:         req.TransferID,
			ProtocolVersion:    req.ProtocolVersion,
			ReadTimeout:        cfg.ReadTimeout,
			WriteTimeout:       cfg.WriteTimeout,
			MaxConnectRetries:  cfg.MaxConnectRetries,
			ConnectRetrySleep:  cfg.ConnectRetrySleep,
			MaxTransferRetries: cfg.MaxTransferRetries,
			DrainExtraMs:       cfg.DrainExtraMs,
			EnableChecksum:     cfg.EnableChecksum,
			SendFileChunks:     false,
			BlockModeDisabled:  cfg.BlockSize <= 0,
			ChunkSize:          cfg.ChunkSize,
		}

		c.threads[i] = sender.New(threadCfg, sock, c.coord, hist, c.queue, thr, cipher, threadLogger)
	}

	c.reporter = progress.NewReporter(progress.Config{
		MonitorURL: cfg.MonitorURL,
		Interval:   cfg.ProgressInterval,
		BatchID:    batchID,
	}, c.snapshot, logger)

	c.wg.Add(numThreads)
	for i, t := range c.threads {
		go func(i int, t *sender.Thread) {
			defer c.wg.Done()
			result := t.Run()
			result.BatchID = batchID
			c.mu.Lock()
			c.stats[i] = result
			c.mu.Unlock()
		}(i, t)
	}

	go c.reporter.Run(runCtx)

	go func() {
		c.wg.Wait()
		// All sender threads have reached END; stop the directory queue and
		// the progress reporter (spec.md §4.5).
		cancel()
	}()

	return c, nil
}

// snapshot reports each thread's current stats to the progress reporter
// without waiting for the transfer to finish.
func (c *Controller) snapshot() []protocol.ThreadStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.ThreadStats, len(c.stats))
	copy(out, c.stats)
	return out
}

// Abort signals every sender thread to stop at its next abort check.
func (c *Controller) Abort(code protocol.ErrorCode) {
	c.coord.Abort(code)
}

// Finish blocks until every sender thread reaches END, then returns the
// aggregated transfer report.
func (c *Controller) Finish() TransferReport {
	c.wg.Wait()

	c.mu.Lock()
	perPort := make([]protocol.ThreadStats, len(c.stats))
	copy(perPort, c.stats)
	c.mu.Unlock()

	var total protocol.ThreadStats
	status := protocol.OK
	for _, s := range perPort {
		total.Add(s)
		if s.LocalErrorCode != protocol.OK && status == protocol.OK {
			status = s.LocalErrorCode
		}
	}
	total.BatchID = c.batchID

	return TransferReport{
		TransferID:    c.req.TransferID,
		BatchID:       c.batchID,
		TotalStats:    total,
		PerPortStats:  perPort,
		OverallStatus: status,
	}
}

func validate(req protocol.TransferRequest) error {
	if req.TransferID == "" {
		return fmt.Errorf("controller: transfer id is required")
	}
	if req.DestHost == "" {
		return fmt.Errorf("controller: destination host is required")
	}
	if len(req.Ports) == 0 {
		return fmt.Errorf("controller: at least one destination port is required")
	}
	if req.Directory == "" && len(req.FileList) == 0 {
		return fmt.Errorf("controller: directory or file list is required")
	}
	if req.ProtocolVersion <= 0 {
		return fmt.Errorf("controller: protocol version must be positive")
	}
	return nil
}
