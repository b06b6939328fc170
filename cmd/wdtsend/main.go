// Command wdtsend is the sender-side CLI entry point: parse flags/env into
// a config.SenderConfig, build a protocol.TransferRequest, and hand it to
// internal/controller. Option parsing itself is out of spec.md's scope;
// this file stays thin and defers all transfer logic to internal/controller.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/warpforge/wdt/internal/config"
	"github.com/warpforge/wdt/internal/controller"
	"github.com/warpforge/wdt/internal/cryptoframe"
	"github.com/warpforge/wdt/internal/logging"
	"github.com/warpforge/wdt/pkg/protocol"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.ParseSenderConfig()
	logger := logging.New("wdtsend", cfg.LogLevel)

	req, err := buildTransferRequest(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wdtsend: %v\n", err)
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ctrl, err := controller.Start(ctx, req, controllerConfig(cfg), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wdtsend: %v\n", err)
		return 1
	}

	report := ctrl.Finish()
	logger.Info("transfer complete",
		"status", report.OverallStatus.String(),
		"num_blocks", report.TotalStats.NumBlocks,
		"data_bytes", report.TotalStats.DataBytes,
		"failed_attempts", report.TotalStats.FailedAttempts,
	)

	if report.OverallStatus != protocol.OK {
		return 1
	}
	return 0
}

// buildTransferRequest turns the flat SenderConfig into the validated
// TransferRequest internal/controller expects, resolving a single directory
// source or an explicit file list depending on what was passed on -path.
func buildTransferRequest(cfg config.SenderConfig) (protocol.TransferRequest, error) {
	req := protocol.TransferRequest{
		TransferID:      cfg.TransferID,
		ProtocolVersion: cfg.ProtocolVersion,
		DestHost:        cfg.DestHost,
		Ports:           cfg.Ports,
		NATAssist:       false,
	}

	if len(cfg.SourcePaths) == 1 {
		info, err := os.Stat(cfg.SourcePaths[0])
		if err == nil && info.IsDir() {
			req.Directory = cfg.SourcePaths[0]
			return withEncryption(req, cfg)
		}
	}

	root := "."
	fileList := make([]string, 0, len(cfg.SourcePaths))
	for _, p := range cfg.SourcePaths {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			rel = p
		}
		fileList = append(fileList, rel)
	}
	req.Directory = root
	req.FileList = fileList

	return withEncryption(req, cfg)
}

func withEncryption(req protocol.TransferRequest, cfg config.SenderConfig) (protocol.TransferRequest, error) {
	if !cfg.EncryptionEnabled {
		return req, nil
	}
	secret, err := decodeOrGenerateKey(cfg.EncryptionKeyHex)
	if err != nil {
		return req, fmt.Errorf("decode encryption key: %w", err)
	}
	req.Encryption = protocol.EncryptionParams{Type: protocol.EncAES128GCM, Secret: secret}
	return req, nil
}

func decodeOrGenerateKey(hexKey string) ([]byte, error) {
	if hexKey == "" {
		return cryptoframe.GenerateSecret()
	}
	return decodeHex(hexKey)
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func controllerConfig(cfg config.SenderConfig) controller.Config {
	return controller.Config{
		ReadTimeout:         millis(cfg.ReadTimeoutMillis),
		WriteTimeout:        millis(cfg.WriteTimeoutMillis),
		MaxConnectRetries:   cfg.MaxConnectRetries,
		MaxTransferRetries:  cfg.MaxTransferRetries,
		ConnectRetrySleep:   millis(200),
		DrainExtraMs:        millis(cfg.DrainExtraMillis),
		EnableChecksum:      cfg.EnableChecksum,
		BlockSize:           int64(cfg.ChunkSizeBytes),
		ChunkSize:           int(cfg.ChunkSizeBytes),
		ThrottleBytesPerSec: int64(cfg.ThrottleBps),
		ThrottleBurst:       int64(cfg.ThrottlePeakBps),
		NATAssist:           false,
		MonitorURL:          cfg.MonitorURL,
	}
}
