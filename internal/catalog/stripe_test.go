package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/jra3/fspolicy/internal/types"
)

func stripeCounts(t *testing.T, store *Store, id types.EntryID) (infoRows, itemRows int) {
	t.Helper()
	pk := id.PrimaryKey()
	if err := store.DB().QueryRow(
		"SELECT COUNT(*) FROM STRIPE_INFO WHERE id = ?", pk).Scan(&infoRows); err != nil {
		t.Fatal(err)
	}
	if err := store.DB().QueryRow(
		"SELECT COUNT(*) FROM STRIPE_ITEMS WHERE id = ?", pk).Scan(&itemRows); err != nil {
		t.Fatal(err)
	}
	return infoRows, itemRows
}

func TestStripeReplaceOnUpdate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id := testID(1)
	attrs := fileAttrs("/mnt/fs/striped", 1024, time.Unix(1, 0))
	attrs.StripeInfo = &types.StripeInfo{StripeCount: 3, StripeSize: 1 << 20, PoolName: "flash"}
	attrs.StripeItems = []types.StripeItem{{OstIdx: 0}, {OstIdx: 1}, {OstIdx: 2}}
	if err := store.Insert(ctx, id, attrs); err != nil {
		t.Fatal(err)
	}

	// Restripe to two targets: old rows must be gone.
	update := &types.EntryAttributes{
		StripeInfo:  &types.StripeInfo{StripeCount: 2, StripeSize: 4 << 20, PoolName: "disk"},
		StripeItems: []types.StripeItem{{OstIdx: 5}, {OstIdx: 6}},
	}
	if err := store.Update(ctx, id, update); err != nil {
		t.Fatal(err)
	}

	infoRows, itemRows := stripeCounts(t, store, id)
	if infoRows != 1 || itemRows != 2 {
		t.Errorf("rows = (%d info, %d items), want (1, 2)", infoRows, itemRows)
	}

	got, err := store.Get(ctx, id, types.AttrStripeInfo|types.AttrStripeItems)
	if err != nil {
		t.Fatal(err)
	}
	if got.StripeInfo == nil || got.StripeInfo.PoolName != "disk" {
		t.Errorf("stripe info = %+v, want pool disk", got.StripeInfo)
	}
	if len(got.StripeItems) != 2 || got.StripeItems[0].OstIdx != 5 {
		t.Errorf("stripe items = %+v", got.StripeItems)
	}
}

func TestBatchInsertStripe(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	entries := []StripeEntry{
		{
			ID:    testID(10),
			Info:  types.StripeInfo{StripeCount: 1, StripeSize: 1 << 20},
			Items: []types.StripeItem{{OstIdx: 0, Details: []byte{1, 2}}},
		},
		{
			ID:    testID(11),
			Info:  types.StripeInfo{StripeCount: 2, StripeSize: 1 << 20, PoolName: "p"},
			Items: []types.StripeItem{{OstIdx: 1}, {OstIdx: 2}},
		},
	}
	if err := store.BatchInsertStripe(ctx, entries); err != nil {
		t.Fatalf("BatchInsertStripe: %v", err)
	}

	// A second batch over the same ids replaces items and refreshes info.
	entries[1].Items = []types.StripeItem{{OstIdx: 9}}
	entries[1].Info.PoolName = "q"
	if err := store.BatchInsertStripe(ctx, entries); err != nil {
		t.Fatalf("second BatchInsertStripe: %v", err)
	}

	infoRows, itemRows := stripeCounts(t, store, testID(11))
	if infoRows != 1 || itemRows != 1 {
		t.Errorf("rows = (%d info, %d items), want (1, 1)", infoRows, itemRows)
	}

	var pool string
	if err := store.DB().QueryRow(
		"SELECT pool_name FROM STRIPE_INFO WHERE id = ?",
		testID(11).PrimaryKey()).Scan(&pool); err != nil {
		t.Fatal(err)
	}
	if pool != "q" {
		t.Errorf("pool = %q, want q", pool)
	}
}

func TestBatchInsertStripeEmpty(t *testing.T) {
	store := openTestStore(t)
	if err := store.BatchInsertStripe(context.Background(), nil); err != nil {
		t.Errorf("BatchInsertStripe(nil) = %v, want nil", err)
	}
}

func TestCheckStripeConsistency(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Consistent entry.
	if err := store.BatchInsertStripe(ctx, []StripeEntry{{
		ID:    testID(20),
		Info:  types.StripeInfo{StripeCount: 2},
		Items: []types.StripeItem{{OstIdx: 0}, {OstIdx: 1}},
	}}); err != nil {
		t.Fatal(err)
	}

	// Violation: item index beyond stripe_count, inserted behind the
	// store's back to simulate drift.
	if _, err := store.DB().Exec(
		"INSERT INTO STRIPE_INFO (id, validator, stripe_count, stripe_size) VALUES (?, 0, 1, 0)",
		testID(21).PrimaryKey()); err != nil {
		t.Fatal(err)
	}
	for idx := 0; idx < 3; idx++ {
		if _, err := store.DB().Exec(
			"INSERT INTO STRIPE_ITEMS (id, stripe_index, ostidx) VALUES (?, ?, 0)",
			testID(21).PrimaryKey(), idx); err != nil {
			t.Fatal(err)
		}
	}

	violations, err := store.CheckStripeConsistency(ctx)
	if err != nil {
		t.Fatalf("CheckStripeConsistency: %v", err)
	}
	if violations != 1 {
		t.Errorf("violations = %d, want 1", violations)
	}
}
