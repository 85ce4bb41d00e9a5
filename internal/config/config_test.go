package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	d, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d.Logging.Level != "info" || d.Logging.Format != "json" {
		t.Errorf("expected default logging info/json, got %+v", d.Logging)
	}
	if d.Transport.ReceiverThreadAffinity != -1 {
		t.Errorf("expected default receiver_thread_affinity -1, got %d", d.Transport.ReceiverThreadAffinity)
	}
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	d, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d.Logging.Level != "info" {
		t.Errorf("expected default level info, got %q", d.Logging.Level)
	}
}

func TestLoad_ParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "defaults.yaml")
	doc := `
logging:
  level: debug
  format: text
transport:
  keepalive: 30s
  rcvbuf: 4mb
  receiver_thread_affinity: 2
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}

	d, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if d.Logging.Level != "debug" {
		t.Errorf("expected level debug, got %q", d.Logging.Level)
	}
	if d.Logging.Format != "text" {
		t.Errorf("expected format text, got %q", d.Logging.Format)
	}
	if d.Transport.Keepalive != 30*time.Second {
		t.Errorf("expected keepalive 30s, got %v", d.Transport.Keepalive)
	}
	if d.Transport.RcvBufRaw != 4*1024*1024 {
		t.Errorf("expected rcvbuf 4MB, got %d", d.Transport.RcvBufRaw)
	}
	if d.Transport.ReceiverThreadAffinity != 2 {
		t.Errorf("expected receiver_thread_affinity 2, got %d", d.Transport.ReceiverThreadAffinity)
	}
}

func TestLoad_InvalidLoggingLevelRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "defaults.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: noisy\n"), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an invalid logging level")
	}
}

func TestParseByteSize(t *testing.T) {
	cases := map[string]int64{
		"0":    0,
		"1b":   1,
		"4kb":  4 * 1024,
		"16mb": 16 * 1024 * 1024,
		"1gb":  1024 * 1024 * 1024,
	}
	for in, want := range cases {
		got, err := ParseByteSize(in)
		if err != nil {
			t.Fatalf("ParseByteSize(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestParseByteSize_Invalid(t *testing.T) {
	if _, err := ParseByteSize(""); err == nil {
		t.Error("expected error for empty string")
	}
	if _, err := ParseByteSize("abc"); err == nil {
		t.Error("expected error for non-numeric string")
	}
}

func TestEnvLogLevel(t *testing.T) {
	t.Setenv("SPDLOG_LEVEL", "warn")
	if got := EnvLogLevel(); got != "warn" {
		t.Errorf("EnvLogLevel() = %q, want warn", got)
	}
}

func TestDefaultLogFile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Setenv("APPDATA", `C:\Users\tester\AppData\Roaming`)
		want := filepath.Join(`C:\Users\tester\AppData\Roaming`, "CAEN", "caendig2.log")
		if got := DefaultLogFile(); got != want {
			t.Errorf("DefaultLogFile() = %q, want %q", got, want)
		}
		return
	}

	t.Setenv("HOME", "/home/tester")
	want := filepath.Join("/home/tester", ".CAEN", "caendig2.log")
	if got := DefaultLogFile(); got != want {
		t.Errorf("DefaultLogFile() = %q, want %q", got, want)
	}
}

func TestDefaultLogFile_UnsetReturnsEmpty(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Setenv("APPDATA", "")
	} else {
		t.Setenv("HOME", "")
	}
	if got := DefaultLogFile(); got != "" {
		t.Errorf("DefaultLogFile() = %q, want empty when the locating variable is unset", got)
	}
}
