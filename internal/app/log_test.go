package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestMelissiHandler_Handle(t *testing.T) {
	ts := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name    string
		session string
		level   slog.Level
		message string
		attrs   []slog.Attr
		want    string
	}{
		{
			name:    "basic info message",
			session: "s-123",
			level:   slog.LevelInfo,
			message: "worker started",
			want:    "2024-06-15T14:30:45Z\tINFO\ts-123\tworker started\n",
		},
		{
			name:    "warn level",
			session: "s-456",
			level:   slog.LevelWarn,
			message: "action will be retried",
			want:    "2024-06-15T14:30:45Z\tWARN\ts-456\taction will be retried\n",
		},
		{
			name:    "with record attrs",
			session: "s-789",
			level:   slog.LevelInfo,
			message: "action done",
			attrs:   []slog.Attr{slog.String("action", "ModifyFile(/w/a.txt)"), slog.Int("attempt", 2)},
			want:    "2024-06-15T14:30:45Z\tINFO\ts-789\taction done\taction=ModifyFile(/w/a.txt)\tattempt=2\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := &melissiHandler{w: &buf, session: tt.session}

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			for _, a := range tt.attrs {
				r.AddAttrs(a)
			}

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}

			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestMelissiHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := &melissiHandler{w: &buf, session: "s-1"}

	h2 := h.WithAttrs([]slog.Attr{slog.String("component", "dashboard")}).(*melissiHandler)

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := slog.NewRecord(ts, slog.LevelInfo, "listening", 0)
	r.AddAttrs(slog.String("addr", "127.0.0.1:7312"))

	if err := h2.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got := buf.String()
	if !strings.Contains(got, "component=dashboard") {
		t.Errorf("expected pre-set attr component=dashboard, got: %q", got)
	}
	if !strings.Contains(got, "addr=127.0.0.1:7312") {
		t.Errorf("expected record attr addr=127.0.0.1:7312, got: %q", got)
	}
}

func TestMelissiHandler_WithAttrs_doesNotMutateOriginal(t *testing.T) {
	h := &melissiHandler{session: "s-1", attrs: []slog.Attr{slog.String("a", "1")}}

	h2 := h.WithAttrs([]slog.Attr{slog.String("b", "2")}).(*melissiHandler)

	if len(h.attrs) != 1 {
		t.Errorf("original handler attrs modified: got %d, want 1", len(h.attrs))
	}
	if len(h2.attrs) != 2 {
		t.Errorf("new handler attrs: got %d, want 2", len(h2.attrs))
	}
}

func TestMelissiHandler_Enabled(t *testing.T) {
	h := &melissiHandler{level: slog.LevelInfo}

	tests := []struct {
		level slog.Level
		want  bool
	}{
		{slog.LevelDebug, false},
		{slog.LevelInfo, true},
		{slog.LevelWarn, true},
		{slog.LevelError, true},
	}
	for _, tt := range tests {
		if got := h.Enabled(context.Background(), tt.level); got != tt.want {
			t.Errorf("Enabled(%v) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"WARN", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")

	logger, closer, err := newLogger(dir, "test-session", slog.LevelInfo)
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}

	logger.Info("hello", "k", "v")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "\ttest-session\thello\tk=v") {
		t.Errorf("log file = %q, want the formatted record", data)
	}
}
