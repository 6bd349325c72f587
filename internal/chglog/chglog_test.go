package chglog

import (
	"context"
	"testing"
)

func TestMemSourceDrainAndAck(t *testing.T) {
	src := NewMemSource([]Record{
		{Type: EventCreate, Path: "/a"},
		{Type: EventUnlink, Path: "/a"},
	})
	ctx := context.Background()

	rec, ok, err := src.Next(ctx)
	if err != nil || !ok {
		t.Fatalf("Next = %v, %v", ok, err)
	}
	if rec.Index != 1 || rec.Type != EventCreate {
		t.Errorf("first record = %+v", rec)
	}

	rec, ok, _ = src.Next(ctx)
	if !ok || rec.Index != 2 {
		t.Errorf("second record = %+v, ok=%v", rec, ok)
	}

	if _, ok, _ := src.Next(ctx); ok {
		t.Error("drained source still yields records")
	}

	if err := src.Ack(2); err != nil {
		t.Fatal(err)
	}
	if src.Acked() != 2 {
		t.Errorf("acked = %d, want 2", src.Acked())
	}
	// Acks never regress.
	src.Ack(1)
	if src.Acked() != 2 {
		t.Errorf("ack regressed to %d", src.Acked())
	}
}

func TestMemSourceCanceledContext(t *testing.T) {
	src := NewMemSource([]Record{{Type: EventCreate, Path: "/a"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := src.Next(ctx); err == nil {
		t.Error("Next with canceled context should fail")
	}
}

func TestEventTypeString(t *testing.T) {
	tests := map[EventType]string{
		EventCreate:  "CREATE",
		EventSetAttr: "SETATTR",
		EventClose:   "CLOSE",
		EventUnlink:  "UNLINK",
		EventRename:  "RENAME",
	}
	for typ, want := range tests {
		if got := typ.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", typ, got, want)
		}
	}
}
