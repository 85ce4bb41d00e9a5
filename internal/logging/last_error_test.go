package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/dig2-project/dig2-go/internal/dig2err"
)

func TestLastErrorCellSetGetClear(t *testing.T) {
	var cell LastErrorCell
	if cell.Get() != nil {
		t.Fatal("expected empty cell to return nil")
	}

	cell.Set(dig2err.New(dig2err.Timeout, "ring.AcquireRead", "no data before deadline"))
	if !dig2err.Is(cell.Get(), dig2err.Timeout) {
		t.Fatalf("Get() = %v, want Timeout", cell.Get())
	}

	cell.Clear()
	if cell.Get() != nil {
		t.Fatal("expected Clear() to empty the cell")
	}
}

func TestLastErrorCellWrapsPlainError(t *testing.T) {
	var cell LastErrorCell
	cell.Set(errors.New("boom"))
	if !dig2err.Is(cell.Get(), dig2err.GenericError) {
		t.Fatalf("Get() = %v, want GenericError", cell.Get())
	}
}

func TestNewThreadLoggerCapturesErrorAttr(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger, cell := NewThreadLogger(base, "decoder")
	if cell.Get() != nil {
		t.Fatal("expected fresh cell to be empty")
	}

	cause := dig2err.New(dig2err.CommunicationError, "decode.Run", "aggregate header parse failed")
	logger.Error("decode loop failed", "err", cause)

	if !strings.Contains(buf.String(), "decode loop failed") {
		t.Errorf("expected record to reach the base handler: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"thread":"decoder"`) {
		t.Errorf("expected thread attr in output: %s", buf.String())
	}
	if !dig2err.Is(cell.Get(), dig2err.CommunicationError) {
		t.Fatalf("cell.Get() = %v, want CommunicationError", cell.Get())
	}
}

func TestNewThreadLoggerIgnoresNonErrorLevels(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger, cell := NewThreadLogger(base, "receiver")
	logger.Info("heartbeat")
	logger.Warn("buffer nearly full")

	if cell.Get() != nil {
		t.Fatalf("non-error records should not populate the cell, got %v", cell.Get())
	}
}

func TestNewThreadLoggerFallsBackToMessageWithoutErrAttr(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger, cell := NewThreadLogger(base, "command")
	logger.Error("socket reset by peer")

	if !dig2err.Is(cell.Get(), dig2err.GenericError) {
		t.Fatalf("cell.Get() = %v, want GenericError", cell.Get())
	}
}
