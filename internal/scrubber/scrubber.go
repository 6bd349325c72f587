// Package scrubber walks the directory tree recorded in the catalog,
// breadth-first, batching children lookups. Within a level the traversal
// is LIFO, which keeps the working set of open directories small.
package scrubber

import (
	"context"
	"fmt"

	"github.com/jra3/fspolicy/internal/catalog"
	"github.com/jra3/fspolicy/internal/types"
)

// chunk is the number of parent directories resolved per catalog call.
const chunk = 50

// Callback receives each batch of directories discovered by the walk.
type Callback func(ids []types.EntryID, attrs []*types.EntryAttributes) error

// idArray is a dynamic array of entry ids that grows by powers of two
// and prepends new ids at the front for LIFO traversal within a level.
type idArray struct {
	buf   []types.EntryID
	first int
	next  int
}

func (a *idArray) used() int { return a.next - a.first }

// prepend inserts ids immediately before the first used slot, growing
// the buffer when there is no room left in front.
func (a *idArray) prepend(ids []types.EntryID) {
	n := len(ids)
	if n == 0 {
		return
	}
	switch {
	case n <= a.first:
		copy(a.buf[a.first-n:], ids)
		a.first -= n
	case a.used() == 0 && n <= len(a.buf):
		copy(a.buf, ids)
		a.first = 0
		a.next = n
	default:
		newLen := nextPow2(len(a.buf) + n)
		grown := make([]types.EntryID, newLen)
		copy(grown, ids)
		copied := copy(grown[n:], a.buf[a.first:a.next])
		a.buf = grown
		a.first = 0
		a.next = n + copied
	}
}

// take returns up to n ids from the front and releases them.
func (a *idArray) take(n int) []types.EntryID {
	if a.used() < n {
		n = a.used()
	}
	out := a.buf[a.first : a.first+n]
	a.first += n
	return out
}

func nextPow2(n int) int {
	c := 1
	for c < n {
		c <<= 1
	}
	return c
}

// Scrub walks the catalog starting from the given directory ids,
// invoking cb for every discovered batch of subdirectories. The walk
// terminates when no directories remain; an empty start list terminates
// immediately without a callback.
func Scrub(ctx context.Context, store *catalog.Store, roots []types.EntryID,
	mask types.AttrSet, cb Callback) error {

	var pending idArray
	pending.prepend(roots)

	// Only subdirectories feed the traversal.
	dirFilter := catalog.NewFilter().Add(types.AttrType, catalog.OpEq, types.TypeDir)

	var lastErr error
	for pending.used() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		parents := pending.take(chunk)
		childIDs, childAttrs, err := store.GetChild(ctx, parents, dirFilter, mask, 0)
		if err != nil {
			return fmt.Errorf("scrub: %w", err)
		}
		if len(childIDs) == 0 {
			continue
		}

		if err := cb(childIDs, childAttrs); err != nil {
			// Remember the failure but keep walking, the way a scan
			// tolerates per-entry errors.
			lastErr = err
		}

		// parents are released; children go to the front of the array.
		pending.prepend(childIDs)
	}
	return lastErr
}
