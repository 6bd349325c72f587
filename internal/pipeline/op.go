package pipeline

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jra3/fspolicy/internal/chglog"
	"github.com/jra3/fspolicy/internal/types"
)

// Operation is one unit of work moving through the pipeline stages: a
// change record or a scan observation for a single entry.
type Operation struct {
	// ID of the entry; resolved at GET_FID when the producer did not
	// know it.
	ID      types.EntryID
	IDKnown bool

	// Record is the originating change-log record, acknowledged after
	// DB_APPLY. Nil for scan observations.
	Record *chglog.Record

	// Event classifies the operation when Record is nil (scan).
	Event chglog.EventType

	// Path is the filesystem path the event was observed at.
	Path string

	// Attrs is the working attribute snapshot, borrowed from the
	// catalog at GET_INFO_DB and refreshed from the filesystem at
	// GET_INFO_FS.
	Attrs *types.EntryAttributes

	// DBExists records whether the catalog already had the entry.
	DBExists bool

	// What fresh information the entry still needs.
	GetAttrNeeded   bool
	GetPathNeeded   bool
	GetStripeNeeded bool
	GetStatusNeeded bool

	// NotSupported marks types the backend does not track.
	NotSupported bool

	// endOfScan operations trigger the removal of entries unseen since
	// scanCutoff; they enter the pipeline directly at RM_OLD_ENTRIES.
	endOfScan  bool
	scanCutoff time.Time

	stage      int
	registered bool
	retry      *backoff.ExponentialBackOff
}

// NewOp builds an operation for a change record.
func NewOp(rec chglog.Record) *Operation {
	return &Operation{
		ID:      rec.ID,
		IDKnown: rec.IDKnown,
		Record:  &rec,
		Event:   rec.Type,
		Path:    rec.Path,
		Attrs:   &types.EntryAttributes{},
	}
}

// NewScanOp builds an operation for one entry observed by a scan.
func NewScanOp(id types.EntryID, path string, attrs *types.EntryAttributes) *Operation {
	if attrs == nil {
		attrs = &types.EntryAttributes{}
	}
	return &Operation{
		ID:      id,
		IDKnown: id.Valid(),
		Event:   chglog.EventClose,
		Path:    path,
		Attrs:   attrs,
	}
}

// nextBackoff returns the delay before the operation is retried at its
// current stage. The schedule is exponential with a cap.
func (op *Operation) nextBackoff() time.Duration {
	if op.retry == nil {
		op.retry = backoff.NewExponentialBackOff()
		op.retry.InitialInterval = 100 * time.Millisecond
		op.retry.MaxInterval = 30 * time.Second
		op.retry.MaxElapsedTime = 0
	}
	return op.retry.NextBackOff()
}
