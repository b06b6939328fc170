package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// SenderConfig holds configuration for the wdtsend binary: everything needed
// to negotiate with a receiver and drive the transfer to completion.
type SenderConfig struct {
	TransferID  string   // opaque identifier shared with the receiver, random if unset
	DestHost    string   // receiver hostname or IP
	Ports       []int    // receiver TCP ports, one sender thread per port
	SourcePaths []string // files or directories to transfer

	ProtocolVersion int
	LogLevel        string

	ConnectTimeoutMillis int
	ReadTimeoutMillis    int
	WriteTimeoutMillis   int
	MaxConnectRetries    int
	MaxTransferRetries   int
	DrainExtraMillis     int

	EnableChecksum bool
	EnableIPV6     bool
	ChunkSizeBytes uint64 // 0 means block mode disabled
	ThrottleBps    uint64 // 0 means unthrottled
	ThrottlePeakBps uint64

	EncryptionEnabled bool
	EncryptionKeyHex  string // pre-shared key, hex-encoded; generated if empty and encryption enabled

	MonitorURL string // optional websocket sink for progress snapshots
}

// ParseSenderConfig parses sender configuration from flags and environment
// variables. Flags take precedence over environment variables.
func ParseSenderConfig() SenderConfig {
	return parseSenderConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseSenderConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseSenderConfigWithFlagSet(fs *flag.FlagSet, args []string) SenderConfig {
	cfg := SenderConfig{
		TransferID:           generateTransferID(),
		DestHost:             "localhost",
		Ports:                []int{22356},
		SourcePaths:          []string{"."},
		ProtocolVersion:      32,
		LogLevel:             "info",
		ConnectTimeoutMillis: 2000,
		ReadTimeoutMillis:    2000,
		WriteTimeoutMillis:   2000,
		MaxConnectRetries:    5,
		MaxTransferRetries:   10,
		DrainExtraMillis:     100,
		EnableChecksum:       true,
	}

	// Read from environment first.
	if v := os.Getenv("WDT_TRANSFER_ID"); v != "" {
		cfg.TransferID = v
	}
	if v := os.Getenv("WDT_DEST_HOST"); v != "" {
		cfg.DestHost = v
	}
	if v := os.Getenv("WDT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WDT_PROTOCOL_VERSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ProtocolVersion = n
		}
	}
	if v := os.Getenv("WDT_PORTS"); v != "" {
		if ports, err := parsePortList(v); err == nil {
			cfg.Ports = ports
		}
	}
	if v := os.Getenv("WDT_ENABLE_CHECKSUM"); v != "" {
		cfg.EnableChecksum = v == "1" || v == "true"
	}
	if v := os.Getenv("WDT_ENCRYPTION_ENABLED"); v != "" {
		cfg.EncryptionEnabled = v == "1" || v == "true"
	}
	if v := os.Getenv("WDT_ENCRYPTION_KEY"); v != "" {
		cfg.EncryptionKeyHex = v
	}
	if v := os.Getenv("WDT_CHUNK_SIZE"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.ChunkSizeBytes = n
		}
	}
	if v := os.Getenv("WDT_THROTTLE_BPS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.ThrottleBps = n
		}
	}
	if v := os.Getenv("WDT_MONITOR_URL"); v != "" {
		cfg.MonitorURL = v
	}

	// Flags override environment.
	fs.StringVar(&cfg.TransferID, "transfer-id", cfg.TransferID, "transfer identifier shared with the receiver")
	fs.StringVar(&cfg.DestHost, "dest", cfg.DestHost, "receiver hostname or IP")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.IntVar(&cfg.ProtocolVersion, "protocol-version", cfg.ProtocolVersion, "wire protocol version to negotiate")
	fs.IntVar(&cfg.ConnectTimeoutMillis, "connect-timeout-ms", cfg.ConnectTimeoutMillis, "TCP connect timeout in milliseconds (not applied: the dial uses -write-timeout-ms)")
	fs.IntVar(&cfg.ReadTimeoutMillis, "read-timeout-ms", cfg.ReadTimeoutMillis, "socket read timeout in milliseconds")
	fs.IntVar(&cfg.WriteTimeoutMillis, "write-timeout-ms", cfg.WriteTimeoutMillis, "socket write timeout in milliseconds")
	fs.IntVar(&cfg.MaxConnectRetries, "max-connect-retries", cfg.MaxConnectRetries, "max consecutive connect attempts per reconnect")
	fs.IntVar(&cfg.MaxTransferRetries, "max-transfer-retries", cfg.MaxTransferRetries, "max reconnects before giving up with NO_PROGRESS")
	fs.IntVar(&cfg.DrainExtraMillis, "drain-extra-ms", cfg.DrainExtraMillis, "extra time allowed to drain the send buffer before reading a receiver command")
	fs.BoolVar(&cfg.EnableChecksum, "checksum", cfg.EnableChecksum, "enable CRC32C block checksums when the negotiated version supports them")
	fs.BoolVar(&cfg.EnableIPV6, "ipv6", cfg.EnableIPV6, "prefer IPv6 when resolving the destination host (not applied: the destination is resolved by the default dialer)")
	fs.BoolVar(&cfg.EncryptionEnabled, "encrypt", cfg.EncryptionEnabled, "enable AEAD encryption of block payloads")
	fs.StringVar(&cfg.EncryptionKeyHex, "encryption-key", cfg.EncryptionKeyHex, "hex-encoded pre-shared encryption key (generated if empty and -encrypt is set)")
	fs.StringVar(&cfg.MonitorURL, "monitor-url", cfg.MonitorURL, "optional websocket URL to stream progress snapshots to")

	var chunkSize uint64
	fs.Uint64Var(&chunkSize, "chunk-size", cfg.ChunkSizeBytes, "block chunk size in bytes (0 disables block mode)")

	var throttleBps uint64
	fs.Uint64Var(&throttleBps, "throttle-bps", cfg.ThrottleBps, "average transfer rate limit in bytes/sec (0 disables throttling)")

	var throttlePeakBps uint64
	fs.Uint64Var(&throttlePeakBps, "throttle-peak-bps", cfg.ThrottlePeakBps, "peak transfer rate limit in bytes/sec (0 uses the average rate)")

	ports := make([]string, 0)
	fs.Var((*stringSlice)(&ports), "port", "receiver port, repeatable for multiple sender threads")

	paths := make([]string, 0)
	fs.Var((*stringSlice)(&paths), "path", "file or directory to transfer, repeatable")

	fs.Parse(args)

	cfg.ChunkSizeBytes = chunkSize
	cfg.ThrottleBps = throttleBps
	cfg.ThrottlePeakBps = throttlePeakBps

	if len(ports) > 0 {
		parsed := make([]int, 0, len(ports))
		for _, p := range ports {
			n, err := strconv.Atoi(p)
			if err == nil {
				parsed = append(parsed, n)
			}
		}
		if len(parsed) > 0 {
			cfg.Ports = parsed
		}
	}
	if len(paths) > 0 {
		cfg.SourcePaths = paths
	}

	if cfg.EncryptionEnabled && cfg.EncryptionKeyHex == "" {
		cfg.EncryptionKeyHex = generateEncryptionKeyHex()
	}

	return cfg
}

func parsePortList(v string) ([]int, error) {
	parts := strings.Split(v, ",")
	ports := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", p, err)
		}
		ports = append(ports, n)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("empty port list")
	}
	return ports, nil
}

// generateTransferID generates a fresh transfer identifier when the
// caller didn't pin one via -transfer-id or WDT_TRANSFER_ID, matching
// WdtTransferRequest's own generated-id fallback.
func generateTransferID() string {
	return uuid.NewString()
}

// generateEncryptionKeyHex generates a random 32-byte key, hex-encoded, for
// chacha20poly1305's 256-bit key requirement.
func generateEncryptionKeyHex() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func (s *stringSlice) Get() interface{} {
	return []string(*s)
}

func (s *stringSlice) IsBoolFlag() bool {
	return false
}

var _ flag.Value = (*stringSlice)(nil)
var _ flag.Getter = (*stringSlice)(nil)
