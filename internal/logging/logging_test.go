package logging

import (
	"bytes"
	"context"
	"log/slog"
	"net/netip"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSlogLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlog(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	node := netip.MustParseAddr("10.0.0.1")
	l.With(Addr("node", node)).Debug(context.Background(), "rreq sent", Uint32("id", 7), Float("energy", 0.5))

	out := buf.String()
	for _, want := range []string{"rreq sent", "node=10.0.0.1", "id=7", "energy=0.5"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output %q missing %q", out, want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in).Level(); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestZapBackend(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewZap(zap.New(core)).With(String("node", "10.0.0.2"))

	l.Warn(context.Background(), "link broken", Addr("neighbor", netip.MustParseAddr("10.0.0.3")))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["node"] != "10.0.0.2" || ctx["neighbor"] != "10.0.0.3" {
		t.Fatalf("unexpected context %v", ctx)
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("level = %v, want warn", entries[0].Level)
	}
}

func TestLoggerFromContextDefaultsToNoop(t *testing.T) {
	if LoggerFromContext(context.Background()) == nil {
		t.Fatalf("expected noop logger, got nil")
	}
	l := NewZap(nil)
	ctx := ContextWithLogger(context.Background(), l)
	if LoggerFromContext(ctx) != l {
		t.Fatalf("expected stored logger to round-trip through context")
	}
}
