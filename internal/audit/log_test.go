package audit

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecordEnrichesContext(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := New(zap.New(core))

	ctx := WithRequestID(context.Background(), " req-1 ")
	ctx = WithActor(ctx, "user-7")
	l.Record(ctx, EventCredentialReuse, zap.String("family_id", "fam-1"))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["event"] != EventCredentialReuse {
		t.Fatalf("unexpected event: %v", fields["event"])
	}
	if fields["request_id"] != "req-1" {
		t.Fatalf("unexpected request id: %v", fields["request_id"])
	}
	if fields["actor_user_id"] != "user-7" {
		t.Fatalf("unexpected actor: %v", fields["actor_user_id"])
	}
	if fields["family_id"] != "fam-1" {
		t.Fatalf("unexpected family: %v", fields["family_id"])
	}
	if fields["type"] != "audit" {
		t.Fatalf("missing type field: %v", fields)
	}
}

func TestRecordSkipsEmptyEvent(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := New(zap.New(core))
	l.Record(context.Background(), "  ")
	if logs.Len() != 0 {
		t.Fatalf("expected no entries, got %d", logs.Len())
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Record(context.Background(), EventPasswordChanged)
	New(nil).Record(context.Background(), EventPasswordChanged)
}

func TestEmptyContextValuesAreIgnored(t *testing.T) {
	ctx := WithRequestID(context.Background(), "")
	ctx = WithActor(ctx, " ")
	if stringFrom(ctx, requestIDKey) != "" || stringFrom(ctx, actorKey) != "" {
		t.Fatalf("expected empty values to be ignored")
	}
}
