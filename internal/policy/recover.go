package policy

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jra3/fspolicy/internal/backend"
	"github.com/jra3/fspolicy/internal/catalog"
	"github.com/jra3/fspolicy/internal/types"
)

// recoverMask covers what a recovery needs from the catalog.
const recoverMask = types.AttrFullPath | types.AttrName | types.AttrType |
	types.AttrOwner | types.AttrGroup | types.AttrSize | types.AttrLastMod |
	types.AttrStatus | types.AttrBackendPath | types.AttrStripeInfo |
	types.AttrStripeItems

// RecoverResult summarizes a disaster-recovery run.
type RecoverResult struct {
	Total    int
	OK       int
	Delta    int
	NoBackup int
	Errors   int
}

// RunRecovery rebuilds the filesystem from the catalog and an intact
// backend: directories first (so file parents exist with the right
// attributes), then every other entry. Each recovered entry is rebound
// in the catalog under its new id.
func RunRecovery(ctx context.Context, store *catalog.Store, bk *backend.Backend) (*RecoverResult, error) {
	res := &RecoverResult{}
	start := time.Now()

	dirFilter := catalog.NewFilter().Add(types.AttrType, catalog.OpEq, types.TypeDir)
	if err := recoverMatches(ctx, store, bk, dirFilter, res); err != nil {
		return res, err
	}
	fileFilter := catalog.NewFilter().Add(types.AttrType, catalog.OpNe, types.TypeDir)
	if err := recoverMatches(ctx, store, bk, fileFilter, res); err != nil {
		return res, err
	}

	log.Printf("[policy] recovery: total=%d ok=%d delta=%d nobackup=%d errors=%d duration=%s",
		res.Total, res.OK, res.Delta, res.NoBackup, res.Errors,
		time.Since(start).Round(time.Millisecond))
	return res, nil
}

func recoverMatches(ctx context.Context, store *catalog.Store, bk *backend.Backend,
	filter *catalog.Filter, res *RecoverResult) error {

	// Sorting by full path puts every directory before its descendants,
	// so parent directories exist before their children are recreated.
	it, err := store.Iterator(ctx, filter, &catalog.Sort{Attr: types.AttrFullPath}, catalog.IterOpts{})
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	defer it.Close()

	for {
		oldID, ok, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		res.Total++

		attrs, err := store.Get(ctx, oldID, recoverMask)
		if err != nil {
			res.Errors++
			continue
		}

		newID, attrsNew, st := bk.Recover(ctx, oldID, attrs)
		switch st {
		case types.RecovOK:
			res.OK++
		case types.RecovDelta:
			res.Delta++
		case types.RecovNoBackup:
			res.NoBackup++
			continue
		default:
			res.Errors++
			continue
		}

		// The restored entry has a new id: move the catalog row.
		if !newID.Eq(oldID) {
			if err := store.Remove(ctx, oldID); err != nil {
				log.Printf("[policy] dropping old row %s failed: %v", oldID, err)
			}
		}
		attrsNew.MDUpdate = types.Ptr(time.Now())
		if err := store.Upsert(ctx, newID, attrsNew); err != nil {
			log.Printf("[policy] cataloging recovered entry %s failed: %v", newID, err)
			res.Errors++
		}
	}
}
