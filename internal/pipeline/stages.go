package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/jra3/fspolicy/internal/chglog"
	"github.com/jra3/fspolicy/internal/fsaccess"
	"github.com/jra3/fspolicy/internal/types"
)

// step dispatches an operation to the handler of its stage.
func (p *Pipeline) step(ctx context.Context, stage int, op *Operation) (stepResult, error) {
	switch stage {
	case StageGetFID:
		return p.stepGetFID(ctx, op)
	case StageGetInfoDB:
		return p.stepGetInfoDB(ctx, op)
	case StageGetInfoFS:
		return p.stepGetInfoFS(ctx, op)
	case StageReporting:
		return p.stepReporting(ctx, op)
	case StageDBApply:
		return p.stepDBApply(ctx, op)
	case StageChglogClr:
		return p.stepChglogClr(ctx, op)
	case StageRmOldEntries:
		return p.stepRmOldEntries(ctx, op)
	default:
		return stepDrop, fmt.Errorf("%w: unknown stage %d", types.ErrInvalidInput, stage)
	}
}

// stepGetFID resolves the entry id when the producer did not know it:
// from the filesystem for live entries, from the catalog path index for
// entries that are already gone.
func (p *Pipeline) stepGetFID(ctx context.Context, op *Operation) (stepResult, error) {
	if op.IDKnown {
		return stepNext, nil
	}
	if op.Path == "" {
		return stepDrop, fmt.Errorf("%w: no path to resolve an id from", types.ErrInvalidInput)
	}

	id, attrs, err := fsaccess.Lstat(op.Path, p.deps.Names)
	switch {
	case err == nil:
		op.ID = id
		op.IDKnown = true
		op.Attrs.Merge(attrs, true)
		op.Attrs.FullPath = types.Ptr(op.Path)
		return stepNext, nil

	case errors.Is(err, types.ErrNotFound):
		// The entry is gone; unlink events can still resolve through
		// the cataloged path.
		if id, ok, lerr := p.deps.Store.LookupByPath(ctx, op.Path); lerr == nil && ok {
			op.ID = id
			op.IDKnown = true
			if op.Event != chglog.EventUnlink && op.Event != chglog.EventRename {
				// The entry disappeared under a non-removal event:
				// treat it as a removal.
				op.Event = chglog.EventUnlink
			}
			return stepNext, nil
		}
		return stepDrop, fmt.Errorf("entry %s vanished before processing: %w", op.Path, types.ErrNotFound)

	default:
		return stepDrop, err
	}
}

// stepGetInfoDB borrows the cataloged attribute snapshot and decides
// what fresh information the entry still needs.
func (p *Pipeline) stepGetInfoDB(ctx context.Context, op *Operation) (stepResult, error) {
	exists, err := p.deps.Store.Exists(ctx, op.ID)
	if err != nil {
		return stepAgain, fmt.Errorf("%w: %v", types.ErrIoTransient, err)
	}
	op.DBExists = exists

	if exists {
		cached, err := p.deps.Store.Get(ctx, op.ID,
			types.AttrFullPath|types.AttrType|types.AttrStatus|
				types.AttrBackendPath|types.AttrLastArchive|
				types.AttrSize|types.AttrLastMod|types.AttrCreationTime)
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			return stepAgain, fmt.Errorf("%w: %v", types.ErrIoTransient, err)
		}
		if cached != nil {
			// Event data wins over cached rows.
			op.Attrs.Merge(cached, false)
		}
	}

	if op.Event == chglog.EventUnlink {
		// Nothing to refresh for removals.
		return stepNext, nil
	}

	op.GetAttrNeeded = true
	op.GetPathNeeded = op.Attrs.FullPath == nil
	op.GetStripeNeeded = !exists
	op.GetStatusNeeded = true
	return stepNext, nil
}

// stepGetInfoFS refreshes attributes from the filesystem and consults
// the backend for the archive status.
func (p *Pipeline) stepGetInfoFS(ctx context.Context, op *Operation) (stepResult, error) {
	if op.Event == chglog.EventUnlink {
		return stepNext, nil
	}
	if op.GetPathNeeded && op.Path != "" {
		op.Attrs.FullPath = types.Ptr(op.Path)
	}
	if op.Attrs.FullPath == nil {
		return stepDrop, fmt.Errorf("%w: no path for entry %s", types.ErrInvalidInput, op.ID)
	}
	path := *op.Attrs.FullPath

	if op.GetAttrNeeded {
		_, fresh, err := fsaccess.Lstat(path, p.deps.Names)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				op.Event = chglog.EventUnlink
				return stepNext, nil
			}
			return stepAgain, fmt.Errorf("%w: %v", types.ErrIoTransient, err)
		}
		op.Attrs.Merge(fresh, true)
	}

	if op.Attrs.CreationTime == nil {
		// First observation: the creation time cannot be later than
		// any other recorded timestamp.
		ct := time.Now()
		if op.Attrs.LastMod != nil && op.Attrs.LastMod.Before(ct) {
			ct = *op.Attrs.LastMod
		}
		if op.Attrs.LastAccess != nil && op.Attrs.LastAccess.Before(ct) {
			ct = *op.Attrs.LastAccess
		}
		op.Attrs.CreationTime = types.Ptr(ct)
	}

	switch typ := op.Attrs.Type; {
	case typ == nil:
		op.NotSupported = true
	case *typ == types.TypeSymlink:
		if target, err := os.Readlink(path); err == nil {
			op.Attrs.Link = types.Ptr(target)
		}
	case *typ == types.TypeFile:
	default:
		// Directories and special files are cataloged but not tracked
		// by the backend.
		op.NotSupported = true
	}

	if op.NotSupported || p.deps.Backend == nil {
		return stepNext, nil
	}

	if op.GetStatusNeeded {
		changed, err := p.deps.Backend.GetStatus(ctx, op.ID, op.Attrs)
		if err != nil {
			if errors.Is(err, types.ErrUnsupported) {
				op.NotSupported = true
				return stepNext, nil
			}
			if errors.Is(err, types.ErrInvalidInput) {
				return stepDrop, err
			}
			return stepAgain, fmt.Errorf("%w: %v", types.ErrIoTransient, err)
		}
		op.Attrs.Merge(changed, true)
	}
	return stepNext, nil
}

// stepReporting emits the per-entry structured event.
func (p *Pipeline) stepReporting(ctx context.Context, op *Operation) (stepResult, error) {
	status := types.StatusUnknown
	if op.Attrs.Status != nil {
		status = *op.Attrs.Status
	}
	p.countStatus(status)
	log.Printf("[pipeline] %s %s id=%s status=%s", op.Event, op.Path, op.ID, status)
	return stepNext, nil
}

// stepDBApply writes the operation's outcome to the catalog inside one
// transaction per entry.
func (p *Pipeline) stepDBApply(ctx context.Context, op *Operation) (stepResult, error) {
	if op.Event == chglog.EventUnlink {
		return p.applyRemoval(ctx, op)
	}

	op.Attrs.MDUpdate = types.Ptr(time.Now())
	if op.Attrs.Name == nil && op.Path != "" {
		op.Attrs.Name = types.Ptr(filepath.Base(op.Path))
	}
	if err := p.deps.Store.Upsert(ctx, op.ID, op.Attrs); err != nil {
		return stepAgain, fmt.Errorf("%w: %v", types.ErrIoTransient, err)
	}
	return stepNext, nil
}

func (p *Pipeline) applyRemoval(ctx context.Context, op *Operation) (stepResult, error) {
	if !op.DBExists {
		return stepNext, nil
	}
	// Fetch the backend path before the row disappears.
	cached, err := p.deps.Store.Get(ctx, op.ID, types.AttrBackendPath)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return stepAgain, fmt.Errorf("%w: %v", types.ErrIoTransient, err)
	}

	if err := p.deps.Store.Remove(ctx, op.ID); err != nil && !errors.Is(err, types.ErrNotFound) {
		return stepAgain, fmt.Errorf("%w: %v", types.ErrIoTransient, err)
	}
	p.removed.Add(1)

	if p.deps.Backend != nil && cached != nil && cached.BackendPath != nil {
		if err := p.deps.Backend.Remove(ctx, *cached.BackendPath); err != nil &&
			!errors.Is(err, types.ErrNotFound) {
			log.Printf("[pipeline] backend removal of %s failed: %v", *cached.BackendPath, err)
		}
	}
	return stepNext, nil
}

// stepChglogClr acknowledges the applied change record.
func (p *Pipeline) stepChglogClr(ctx context.Context, op *Operation) (stepResult, error) {
	p.ackRecord(op)
	return stepNext, nil
}

// stepRmOldEntries drops catalog rows whose metadata was not refreshed
// during the sweep that just finished.
func (p *Pipeline) stepRmOldEntries(ctx context.Context, op *Operation) (stepResult, error) {
	removed, err := p.deps.Store.RemoveStale(ctx, op.scanCutoff)
	if err != nil {
		return stepAgain, fmt.Errorf("%w: %v", types.ErrIoTransient, err)
	}
	if removed > 0 {
		log.Printf("[pipeline] removed %d entries unseen since %s",
			removed, op.scanCutoff.Format(time.RFC3339))
	}
	p.removed.Add(uint64(removed))
	return stepNext, nil
}
