// Package chglog defines the change-event records consumed by the
// pipeline and the sources that produce them: a filesystem watcher for
// hosts without a native change log, and an in-memory source over a
// fixed list of records, used by tests.
package chglog

import (
	"context"
	"time"

	"github.com/jra3/fspolicy/internal/types"
)

// EventType is the kind of filesystem mutation a record describes.
type EventType int

const (
	EventCreate EventType = iota
	EventSetAttr
	EventClose
	EventUnlink
	EventRename
)

func (e EventType) String() string {
	switch e {
	case EventCreate:
		return "CREATE"
	case EventSetAttr:
		return "SETATTR"
	case EventClose:
		return "CLOSE"
	case EventUnlink:
		return "UNLINK"
	case EventRename:
		return "RENAME"
	default:
		return "UNKNOWN"
	}
}

// Record is one change-log entry. The id may be unknown until the
// pipeline resolves it from the path.
type Record struct {
	Index uint64
	Type  EventType
	ID    types.EntryID
	// IDKnown marks whether ID carries a resolved identifier.
	IDKnown bool
	Path    string
	Time    time.Time
}

// Source produces change records. Records must be acknowledged once the
// pipeline has durably applied them, so a restart does not replay them.
type Source interface {
	// Next blocks until a record is available, the source is drained
	// (ok=false) or the context is canceled.
	Next(ctx context.Context) (Record, bool, error)
	// Ack marks every record up to and including index as applied.
	Ack(index uint64) error
	Close() error
}

// MemSource is a fixed in-memory record source, used by tests.
type MemSource struct {
	records []Record
	next    int
	acked   uint64
}

// NewMemSource builds a source over pre-assembled records, stamping
// their indexes.
func NewMemSource(records []Record) *MemSource {
	for i := range records {
		records[i].Index = uint64(i + 1)
	}
	return &MemSource{records: records}
}

func (s *MemSource) Next(ctx context.Context) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	if s.next >= len(s.records) {
		return Record{}, false, nil
	}
	rec := s.records[s.next]
	s.next++
	return rec, true, nil
}

func (s *MemSource) Ack(index uint64) error {
	if index > s.acked {
		s.acked = index
	}
	return nil
}

// Acked returns the highest acknowledged record index.
func (s *MemSource) Acked() uint64 { return s.acked }

func (s *MemSource) Close() error { return nil }
