package config

import (
	"flag"
	"os"
	"testing"
)

func TestParseSenderConfig_Defaults(t *testing.T) {
	os.Clearenv()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := parseSenderConfigWithFlagSet(fs, []string{})

	if cfg.DestHost != "localhost" {
		t.Errorf("expected DestHost to be localhost, got %s", cfg.DestHost)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected LogLevel to be info, got %s", cfg.LogLevel)
	}
	if len(cfg.Ports) != 1 || cfg.Ports[0] != 22356 {
		t.Errorf("expected Ports to be [22356], got %v", cfg.Ports)
	}
	if len(cfg.SourcePaths) != 1 || cfg.SourcePaths[0] != "." {
		t.Errorf("expected SourcePaths to be [.], got %v", cfg.SourcePaths)
	}
	if cfg.TransferID == "" || len(cfg.TransferID) != 36 {
		t.Errorf("expected TransferID to be a UUID string, got %s (len=%d)", cfg.TransferID, len(cfg.TransferID))
	}
	if !cfg.EnableChecksum {
		t.Errorf("expected EnableChecksum to default true")
	}
}

func TestParseSenderConfig_Flags(t *testing.T) {
	os.Clearenv()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := parseSenderConfigWithFlagSet(fs, []string{
		"-dest", "example.com",
		"-log-level", "debug",
		"-port", "9000",
		"-port", "9001",
		"-path", "/data/a",
		"-path", "/data/b",
		"-transfer-id", "abc123",
	})

	if cfg.DestHost != "example.com" {
		t.Errorf("expected DestHost to be example.com, got %s", cfg.DestHost)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected LogLevel to be debug, got %s", cfg.LogLevel)
	}
	if len(cfg.Ports) != 2 || cfg.Ports[0] != 9000 || cfg.Ports[1] != 9001 {
		t.Errorf("expected Ports to be [9000 9001], got %v", cfg.Ports)
	}
	if len(cfg.SourcePaths) != 2 || cfg.SourcePaths[0] != "/data/a" || cfg.SourcePaths[1] != "/data/b" {
		t.Errorf("expected SourcePaths to be [/data/a /data/b], got %v", cfg.SourcePaths)
	}
	if cfg.TransferID != "abc123" {
		t.Errorf("expected TransferID to be abc123, got %s", cfg.TransferID)
	}
}

func TestParseSenderConfig_EnvFallback(t *testing.T) {
	os.Clearenv()

	os.Setenv("WDT_DEST_HOST", "env-host")
	os.Setenv("WDT_LOG_LEVEL", "warn")
	os.Setenv("WDT_PORTS", "1111,2222")
	defer os.Unsetenv("WDT_DEST_HOST")
	defer os.Unsetenv("WDT_LOG_LEVEL")
	defer os.Unsetenv("WDT_PORTS")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := parseSenderConfigWithFlagSet(fs, []string{})

	if cfg.DestHost != "env-host" {
		t.Errorf("expected DestHost to be env-host, got %s", cfg.DestHost)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("expected LogLevel to be warn, got %s", cfg.LogLevel)
	}
	if len(cfg.Ports) != 2 || cfg.Ports[0] != 1111 || cfg.Ports[1] != 2222 {
		t.Errorf("expected Ports to be [1111 2222], got %v", cfg.Ports)
	}
}

func TestParseSenderConfig_FlagsOverrideEnv(t *testing.T) {
	os.Clearenv()

	os.Setenv("WDT_DEST_HOST", "env-host")
	os.Setenv("WDT_LOG_LEVEL", "warn")
	defer os.Unsetenv("WDT_DEST_HOST")
	defer os.Unsetenv("WDT_LOG_LEVEL")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := parseSenderConfigWithFlagSet(fs, []string{"-dest", "flag-host", "-log-level", "error"})

	if cfg.DestHost != "flag-host" {
		t.Errorf("expected DestHost to be flag-host (from flag), got %s", cfg.DestHost)
	}
	if cfg.LogLevel != "error" {
		t.Errorf("expected LogLevel to be error (from flag), got %s", cfg.LogLevel)
	}
}

func TestParseSenderConfig_EncryptionGeneratesKeyWhenEnabled(t *testing.T) {
	os.Clearenv()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := parseSenderConfigWithFlagSet(fs, []string{"-encrypt"})

	if !cfg.EncryptionEnabled {
		t.Fatalf("expected EncryptionEnabled to be true")
	}
	if len(cfg.EncryptionKeyHex) != 64 {
		t.Errorf("expected a 64-hex-char (32-byte) generated key, got %q (len=%d)", cfg.EncryptionKeyHex, len(cfg.EncryptionKeyHex))
	}
}

func TestParseSenderConfig_EncryptionKeyFlagOverridesGeneration(t *testing.T) {
	os.Clearenv()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := parseSenderConfigWithFlagSet(fs, []string{"-encrypt", "-encryption-key", "deadbeef"})

	if cfg.EncryptionKeyHex != "deadbeef" {
		t.Errorf("expected EncryptionKeyHex to be deadbeef, got %s", cfg.EncryptionKeyHex)
	}
}

func TestParseSenderConfig_ChunkSizeAndThrottle(t *testing.T) {
	os.Clearenv()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := parseSenderConfigWithFlagSet(fs, []string{"-chunk-size", "4194304", "-throttle-bps", "1000000", "-throttle-peak-bps", "2000000"})

	if cfg.ChunkSizeBytes != 4194304 {
		t.Errorf("expected ChunkSizeBytes to be 4194304, got %d", cfg.ChunkSizeBytes)
	}
	if cfg.ThrottleBps != 1000000 {
		t.Errorf("expected ThrottleBps to be 1000000, got %d", cfg.ThrottleBps)
	}
	if cfg.ThrottlePeakBps != 2000000 {
		t.Errorf("expected ThrottlePeakBps to be 2000000, got %d", cfg.ThrottlePeakBps)
	}
}
