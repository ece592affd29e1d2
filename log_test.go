package webserv

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLogSync(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLog(LevelDebug, dir, ".log", 0)
	if err != nil {
		t.Fatalf("NewLog: %s", err.Error())
	}
	l.Debug("dbg %d", 1)
	l.Info("server on port %d", 1316)
	l.Warn("slow client")
	l.Error("oops: %s", "reason")
	l.Close()

	data, err := os.ReadFile(logFileName(dir, time.Now(), ".log"))
	if err != nil {
		t.Fatalf("read log: %s", err.Error())
	}
	s := string(data)
	for _, want := range []string{
		"[debug]: dbg 1",
		"[info] : server on port 1316",
		"[warn] : slow client",
		"[error]: oops: reason",
	} {
		if !strings.Contains(s, want) {
			t.Fatalf("log missing %q in:\n%s", want, s)
		}
	}
}

func TestLogLevelGate(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLog(LevelWarn, dir, ".log", 0)
	if err != nil {
		t.Fatalf("NewLog: %s", err.Error())
	}
	l.Debug("invisible")
	l.Info("invisible too")
	l.Warn("visible")
	if got := l.GetLevel(); got != LevelWarn {
		t.Fatalf("level = %d, want %d", got, LevelWarn)
	}
	l.SetLevel(LevelDebug)
	l.Debug("now visible")
	l.Close()

	data, _ := os.ReadFile(logFileName(dir, time.Now(), ".log"))
	s := string(data)
	if strings.Contains(s, "invisible") {
		t.Fatalf("gated lines leaked:\n%s", s)
	}
	if !strings.Contains(s, "visible") || !strings.Contains(s, "now visible") {
		t.Fatalf("expected lines missing:\n%s", s)
	}
}

func TestLogAsyncDrainsOnClose(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLog(LevelInfo, dir, ".log", 64)
	if err != nil {
		t.Fatalf("NewLog: %s", err.Error())
	}
	for i := 0; i < 100; i++ {
		l.Info("line %d", i)
	}
	l.Close()

	data, _ := os.ReadFile(logFileName(dir, time.Now(), ".log"))
	if n := strings.Count(string(data), "\n"); n != 100 {
		t.Fatalf("async close lost lines: %d of 100 on disk", n)
	}
}

func TestLogRollsBySize(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLog(LevelInfo, dir, ".log", 0)
	if err != nil {
		t.Fatalf("NewLog: %s", err.Error())
	}
	l.maxLines = 5
	for i := 0; i < 12; i++ {
		l.Info("line %d", i)
	}
	l.Close()

	y, m, d := time.Now().Date()
	tag := fmt.Sprintf("%04d_%02d_%02d", y, int(m), d)
	for _, name := range []string{
		tag + ".log",
		tag + "-1.log",
		tag + "-2.log",
	} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected rolled file %s: %s", name, err.Error())
		}
	}
}

func TestLogNilSink(t *testing.T) {
	var l *Log
	l.Info("goes nowhere")
	l.Flush()
	l.Close()
}
