package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jra3/fspolicy/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "catalog.db"), "/mnt/fs")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testID(inode uint64) types.EntryID {
	return types.EntryID{Device: 42, Inode: inode, Validator: 1700000000}
}

func fileAttrs(path string, size int64, mtime time.Time) *types.EntryAttributes {
	return &types.EntryAttributes{
		FullPath: types.Ptr(path),
		Name:     types.Ptr(filepath.Base(path)),
		Type:     types.Ptr(types.TypeFile),
		Owner:    types.Ptr("alice"),
		Group:    types.Ptr("users"),
		Size:     types.Ptr(size),
		LastMod:  types.Ptr(mtime),
		Status:   types.Ptr(types.StatusNew),
		MDUpdate: types.Ptr(time.Now()),
	}
}

func TestOpenBindsFilesystem(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "catalog.db")

	store, err := Open(dbPath, "/mnt/fs")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	store.Close()

	// Same path reopens fine.
	store, err = Open(dbPath, "/mnt/fs")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	store.Close()

	// A different filesystem is refused.
	_, err = Open(dbPath, "/mnt/other")
	if !errors.Is(err, types.ErrDbSchemaMismatch) {
		t.Errorf("Open with different fs path: error = %v, want DbSchemaMismatch", err)
	}
}

func TestVars(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	got, err := store.GetVar(ctx, "missing")
	if err != nil || got != "" {
		t.Errorf("GetVar(missing) = %q, %v; want empty, nil", got, err)
	}

	if err := store.SetVar(ctx, "LastScan", "12345"); err != nil {
		t.Fatalf("SetVar: %v", err)
	}
	if err := store.SetVar(ctx, "LastScan", "67890"); err != nil {
		t.Fatalf("SetVar overwrite: %v", err)
	}
	got, err = store.GetVar(ctx, "LastScan")
	if err != nil || got != "67890" {
		t.Errorf("GetVar = %q, %v; want 67890, nil", got, err)
	}
}

func TestInsertGetUpdate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id := testID(100)
	mtime := time.Unix(1700001000, 0)
	if err := store.Insert(ctx, id, fileAttrs("/mnt/fs/a/b.dat", 1024, mtime)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// Double insert conflicts.
	err := store.Insert(ctx, id, fileAttrs("/mnt/fs/a/b.dat", 1024, mtime))
	if !errors.Is(err, types.ErrAlreadyExists) {
		t.Errorf("second Insert error = %v, want AlreadyExists", err)
	}

	ok, err := store.Exists(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v; want true, nil", ok, err)
	}

	attrs, err := store.Get(ctx, id, types.AttrFullPath|types.AttrSize|types.AttrLastMod|types.AttrStatus|types.AttrDepth)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if attrs.FullPath == nil || *attrs.FullPath != "/mnt/fs/a/b.dat" {
		t.Errorf("fullpath = %v", attrs.FullPath)
	}
	if attrs.Size == nil || *attrs.Size != 1024 {
		t.Errorf("size = %v", attrs.Size)
	}
	if attrs.LastMod == nil || !attrs.LastMod.Equal(mtime) {
		t.Errorf("last_mod = %v, want %v", attrs.LastMod, mtime)
	}
	if attrs.Status == nil || *attrs.Status != types.StatusNew {
		t.Errorf("status = %v, want new", attrs.Status)
	}
	if attrs.Depth == nil || *attrs.Depth != 4 {
		t.Errorf("depth = %v, want 4", attrs.Depth)
	}
	// Unrequested attributes stay unset.
	if attrs.Owner != nil {
		t.Error("owner should not be populated without its mask bit")
	}

	// Update status only; other attributes survive.
	if err := store.Update(ctx, id, &types.EntryAttributes{
		Status: types.Ptr(types.StatusSynchro),
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	attrs, err = store.Get(ctx, id, types.AttrStatus|types.AttrSize)
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if *attrs.Status != types.StatusSynchro {
		t.Errorf("status = %v, want synchro", *attrs.Status)
	}
	if *attrs.Size != 1024 {
		t.Errorf("size lost on update: %v", *attrs.Size)
	}
}

func TestUpdateMissingEntry(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.Update(ctx, testID(999), &types.EntryAttributes{Status: types.Ptr(types.StatusNew)})
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Update(missing) error = %v, want NotFound", err)
	}

	ok, err := store.UpdateIfExists(ctx, testID(999), &types.EntryAttributes{Status: types.Ptr(types.StatusNew)})
	if err != nil || ok {
		t.Errorf("UpdateIfExists(missing) = %v, %v; want false, nil", ok, err)
	}
}

func TestUpsert(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id := testID(101)
	if err := store.Upsert(ctx, id, fileAttrs("/mnt/fs/f", 10, time.Unix(1, 0))); err != nil {
		t.Fatalf("Upsert insert: %v", err)
	}
	if err := store.Upsert(ctx, id, &types.EntryAttributes{Size: types.Ptr(int64(20))}); err != nil {
		t.Fatalf("Upsert update: %v", err)
	}
	attrs, err := store.Get(ctx, id, types.AttrSize|types.AttrFullPath)
	if err != nil {
		t.Fatal(err)
	}
	if *attrs.Size != 20 {
		t.Errorf("size = %d, want 20", *attrs.Size)
	}
	if *attrs.FullPath != "/mnt/fs/f" {
		t.Errorf("fullpath lost on upsert: %v", *attrs.FullPath)
	}
}

func TestRemove(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id := testID(102)
	attrs := fileAttrs("/mnt/fs/g", 1, time.Unix(1, 0))
	attrs.StripeInfo = &types.StripeInfo{StripeCount: 2, StripeSize: 1 << 20, PoolName: "pool0"}
	attrs.StripeItems = []types.StripeItem{{OstIdx: 0}, {OstIdx: 3}}
	if err := store.Insert(ctx, id, attrs); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := store.Remove(ctx, id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	ok, _ := store.Exists(ctx, id)
	if ok {
		t.Error("entry still exists after Remove")
	}

	var count int
	if err := store.DB().QueryRow("SELECT COUNT(*) FROM STRIPE_ITEMS WHERE id = ?",
		id.PrimaryKey()).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("%d stripe rows survive Remove", count)
	}

	if err := store.Remove(ctx, id); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("second Remove error = %v, want NotFound", err)
	}
}

func TestParentIDRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	parent := testID(200)
	dirAttrs := &types.EntryAttributes{
		FullPath: types.Ptr("/mnt/fs/dir"),
		Type:     types.Ptr(types.TypeDir),
	}
	if err := store.Insert(ctx, parent, dirAttrs); err != nil {
		t.Fatal(err)
	}

	child := testID(201)
	attrs := fileAttrs("/mnt/fs/dir/f", 1, time.Unix(1, 0))
	attrs.ParentID = &parent
	if err := store.Insert(ctx, child, attrs); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, child, types.AttrParentID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ParentID == nil || !got.ParentID.Eq(parent) {
		t.Errorf("parent id = %v, want %v", got.ParentID, parent)
	}
}

func TestDirAggregates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	dir := testID(300)
	if err := store.Insert(ctx, dir, &types.EntryAttributes{
		FullPath: types.Ptr("/mnt/fs/d"),
		Type:     types.Ptr(types.TypeDir),
	}); err != nil {
		t.Fatal(err)
	}

	for i, size := range []int64{100, 300} {
		attrs := fileAttrs("/mnt/fs/d/f", size, time.Unix(1, 0))
		attrs.ParentID = &dir
		if err := store.Insert(ctx, testID(uint64(301+i)), attrs); err != nil {
			t.Fatal(err)
		}
	}

	attrs, err := store.Get(ctx, dir, types.AttrDirCount|types.AttrAvgSize)
	if err != nil {
		t.Fatal(err)
	}
	if attrs.DirCount == nil || *attrs.DirCount != 2 {
		t.Errorf("dircount = %v, want 2", attrs.DirCount)
	}
	if attrs.AvgSize == nil || *attrs.AvgSize != 200 {
		t.Errorf("avgsize = %v, want 200", attrs.AvgSize)
	}

	// Aggregates stay unset on non-directories.
	file := testID(310)
	if err := store.Insert(ctx, file, fileAttrs("/mnt/fs/plain", 5, time.Unix(1, 0))); err != nil {
		t.Fatal(err)
	}
	attrs, err = store.Get(ctx, file, types.AttrDirCount|types.AttrAvgSize)
	if err != nil {
		t.Fatal(err)
	}
	if attrs.DirCount != nil || attrs.AvgSize != nil {
		t.Error("dir aggregates populated for a file entry")
	}
}

func TestRemoveStale(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	old := fileAttrs("/mnt/fs/old", 1, time.Unix(1, 0))
	old.MDUpdate = types.Ptr(time.Unix(1000, 0))
	if err := store.Insert(ctx, testID(400), old); err != nil {
		t.Fatal(err)
	}
	fresh := fileAttrs("/mnt/fs/fresh", 1, time.Unix(1, 0))
	fresh.MDUpdate = types.Ptr(time.Unix(3000, 0))
	if err := store.Insert(ctx, testID(401), fresh); err != nil {
		t.Fatal(err)
	}

	removed, err := store.RemoveStale(ctx, time.Unix(2000, 0))
	if err != nil {
		t.Fatalf("RemoveStale: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if ok, _ := store.Exists(ctx, testID(400)); ok {
		t.Error("stale entry survived")
	}
	if ok, _ := store.Exists(ctx, testID(401)); !ok {
		t.Error("fresh entry removed")
	}
}

func TestAnnexAttributes(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id := testID(500)
	attrs := &types.EntryAttributes{
		FullPath: types.Ptr("/mnt/fs/lnk"),
		Type:     types.Ptr(types.TypeSymlink),
		Link:     types.Ptr("/tmp/target"),
	}
	if err := store.Insert(ctx, id, attrs); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, id, types.AttrLink)
	if err != nil {
		t.Fatal(err)
	}
	if got.Link == nil || *got.Link != "/tmp/target" {
		t.Errorf("link = %v, want /tmp/target", got.Link)
	}
}
