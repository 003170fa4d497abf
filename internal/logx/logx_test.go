package logx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLimiterSuppressesRepeats(t *testing.T) {
	l := NewLimiter(time.Second)
	now := time.Unix(1000, 0)
	if !l.Allow("peer-a", now) {
		t.Fatalf("expected first line allowed")
	}
	if l.Allow("peer-a", now.Add(500*time.Millisecond)) {
		t.Fatalf("expected repeat within interval suppressed")
	}
	if !l.Allow("peer-b", now.Add(500*time.Millisecond)) {
		t.Fatalf("expected other key allowed")
	}
	if !l.Allow("peer-a", now.Add(2*time.Second)) {
		t.Fatalf("expected line allowed after interval")
	}
	var nilLimiter *Limiter
	if !nilLimiter.Allow("x", now) {
		t.Fatalf("expected nil limiter to allow")
	}
}

func TestNewSplitsFilesByLevel(t *testing.T) {
	dir := t.TempDir()
	lg, cleanup, err := New(Options{Level: "debug", Dir: dir})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	lg.Info("hello info")
	lg.Error("hello error")
	_ = lg.Sync()
	cleanup()

	info, err := os.ReadFile(filepath.Join(dir, "info.log"))
	if err != nil {
		t.Fatalf("read info: %v", err)
	}
	if !strings.Contains(string(info), "hello info") || strings.Contains(string(info), "hello error") {
		t.Fatalf("unexpected info.log: %s", info)
	}
	errLog, err := os.ReadFile(filepath.Join(dir, "error.log"))
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if !strings.Contains(string(errLog), "hello error") {
		t.Fatalf("expected error line in error.log: %s", errLog)
	}
}

func TestParseLevel(t *testing.T) {
	if _, err := ParseLevel("WARN"); err != nil {
		t.Fatalf("expected WARN to parse: %v", err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected invalid level error")
	}
}
