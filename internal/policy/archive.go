// Package policy applies data-management actions to cataloged entries:
// archiving entries whose backend copy is missing or stale, and
// recovering a lost filesystem from the backend.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jra3/fspolicy/internal/backend"
	"github.com/jra3/fspolicy/internal/catalog"
	"github.com/jra3/fspolicy/internal/types"
)

// archiveMask covers everything an archive decision and transfer need.
const archiveMask = types.AttrFullPath | types.AttrName | types.AttrType |
	types.AttrSize | types.AttrLastMod | types.AttrStatus |
	types.AttrBackendPath | types.AttrLastArchive | types.AttrLink

// ArchiveResult summarizes one archive pass.
type ArchiveResult struct {
	Candidates int
	Archived   int
	Skipped    int
	Failed     int
	Bytes      uint64
}

// RunArchivePass archives every file and symlink the catalog holds in
// status new or modified. Per-entry failures are logged and counted,
// never fatal to the pass.
func RunArchivePass(ctx context.Context, store *catalog.Store, bk *backend.Backend) (*ArchiveResult, error) {
	res := &ArchiveResult{}
	start := time.Now()

	for _, status := range []types.Status{types.StatusNew, types.StatusModified} {
		filter := catalog.NewFilter().
			Add(types.AttrStatus, catalog.OpEq, status)

		it, err := store.Iterator(ctx, filter, &catalog.Sort{Attr: types.AttrLastMod}, catalog.IterOpts{})
		if err != nil {
			return res, fmt.Errorf("archive pass: %w", err)
		}
		if err := archiveMatches(ctx, store, bk, it, res); err != nil {
			it.Close()
			return res, err
		}
		it.Close()
	}

	log.Printf("[policy] archive pass: candidates=%d archived=%d (%s) skipped=%d failed=%d duration=%s",
		res.Candidates, res.Archived, humanize.Bytes(res.Bytes), res.Skipped, res.Failed,
		time.Since(start).Round(time.Millisecond))
	return res, nil
}

func archiveMatches(ctx context.Context, store *catalog.Store, bk *backend.Backend,
	it *catalog.Iterator, res *ArchiveResult) error {

	for {
		id, ok, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		res.Candidates++

		attrs, err := store.Get(ctx, id, archiveMask)
		if err != nil {
			res.Failed++
			continue
		}
		if attrs.Type == nil ||
			(*attrs.Type != types.TypeFile && *attrs.Type != types.TypeSymlink) {
			res.Skipped++
			continue
		}

		if err := bk.Archive(ctx, id, attrs, ""); err != nil {
			switch {
			case errors.Is(err, types.ErrAlreadyInProgress):
				res.Skipped++
			default:
				log.Printf("[policy] archive of %s failed: %v", id, err)
				res.Failed++
			}
			// The backend may have downgraded the status; keep the
			// catalog in step either way.
			if _, uerr := store.UpdateIfExists(ctx, id, attrs); uerr != nil {
				log.Printf("[policy] status update of %s failed: %v", id, uerr)
			}
			continue
		}

		if _, err := store.UpdateIfExists(ctx, id, attrs); err != nil {
			log.Printf("[policy] catalog update of %s failed: %v", id, err)
			res.Failed++
			continue
		}
		res.Archived++
		if attrs.Size != nil {
			res.Bytes += uint64(*attrs.Size)
		}
	}
}
