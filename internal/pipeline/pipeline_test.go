package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jra3/fspolicy/internal/backend"
	"github.com/jra3/fspolicy/internal/catalog"
	"github.com/jra3/fspolicy/internal/chglog"
	"github.com/jra3/fspolicy/internal/fsaccess"
	"github.com/jra3/fspolicy/internal/types"
)

type pipeEnv struct {
	fsRoot string
	bkRoot string
	store  *catalog.Store
	bk     *backend.Backend
	src    *chglog.MemSource
	p      *Pipeline
}

func newPipeEnv(t *testing.T, records []chglog.Record) *pipeEnv {
	t.Helper()
	base := t.TempDir()
	fsRoot := filepath.Join(base, "fs")
	if err := os.MkdirAll(fsRoot, 0755); err != nil {
		t.Fatal(err)
	}

	script := filepath.Join(base, "action.sh")
	if err := os.WriteFile(script,
		[]byte("#!/bin/sh\nexec cp -p \"$2\" \"$3\"\n"), 0755); err != nil {
		t.Fatal(err)
	}

	store, err := catalog.Open(filepath.Join(base, "catalog.db"), fsRoot)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	bk, err := backend.New(backend.Config{
		Root:        filepath.Join(base, "backend"),
		FSRoot:      fsRoot,
		CopyTimeout: time.Hour,
		ActionCmd:   script,
	}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	src := chglog.NewMemSource(records)
	p := New(Config{MaxInFlight: 16, StageQueue: 8, Workers: 2}, Deps{
		Store:   store,
		Backend: bk,
		Source:  src,
	})
	p.Start(context.Background())
	t.Cleanup(p.Stop)

	return &pipeEnv{fsRoot: fsRoot, bkRoot: filepath.Join(base, "backend"),
		store: store, bk: bk, src: src, p: p}
}

func (e *pipeEnv) addFile(t *testing.T, rel, content string) (types.EntryID, string) {
	t.Helper()
	path := filepath.Join(e.fsRoot, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	id, _, err := fsaccess.Lstat(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	return id, path
}

func TestPipelineScanObservation(t *testing.T) {
	e := newPipeEnv(t, nil)
	ctx := context.Background()

	id, path := e.addFile(t, "a/b.dat", "hello world")
	_, attrs, err := fsaccess.Lstat(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	attrs.FullPath = types.Ptr(path)

	if err := e.p.Push(ctx, NewScanOp(id, path, attrs)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	e.p.Wait()

	got, err := e.store.Get(ctx, id,
		types.AttrFullPath|types.AttrSize|types.AttrStatus|types.AttrCreationTime|types.AttrLastMod)
	if err != nil {
		t.Fatalf("entry not cataloged: %v", err)
	}
	if got.Status == nil || *got.Status != types.StatusNew {
		t.Errorf("status = %v, want new", got.Status)
	}
	if got.Size == nil || *got.Size != 11 {
		t.Errorf("size = %v, want 11", got.Size)
	}
	if got.CreationTime == nil || got.LastMod == nil {
		t.Fatal("creation_time/last_mod not set")
	}
	if got.CreationTime.After(*got.LastMod) {
		t.Error("creation_time must not exceed last_mod")
	}

	stats := e.p.Stats()
	if stats.Applied != 1 || stats.Dropped != 0 {
		t.Errorf("stats = %+v, want 1 applied", stats)
	}
}

func TestPipelineChangeRecordResolution(t *testing.T) {
	// A record without an id resolves through GET_FID.
	e := newPipeEnv(t, nil)
	ctx := context.Background()

	_, path := e.addFile(t, "c.dat", "x")
	rec := chglog.Record{Type: chglog.EventCreate, Path: path, Time: time.Now(), Index: 1}

	if err := e.p.Push(ctx, NewOp(rec)); err != nil {
		t.Fatal(err)
	}
	e.p.Wait()

	id, _, err := fsaccess.Lstat(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := e.store.Exists(ctx, id); !ok {
		t.Error("entry not cataloged after create record")
	}
}

func TestPipelineUnlink(t *testing.T) {
	e := newPipeEnv(t, nil)
	ctx := context.Background()

	id, path := e.addFile(t, "gone.dat", "payload")

	// Seed the catalog with an archived entry.
	_, attrs, err := fsaccess.Lstat(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	attrs.FullPath = types.Ptr(path)
	if err := e.bk.Archive(ctx, id, attrs, ""); err != nil {
		t.Fatal(err)
	}
	if err := e.store.Insert(ctx, id, attrs); err != nil {
		t.Fatal(err)
	}
	bkPath := *attrs.BackendPath

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	rec := chglog.Record{Type: chglog.EventUnlink, ID: id, IDKnown: true,
		Path: path, Time: time.Now(), Index: 1}
	if err := e.p.Push(ctx, NewOp(rec)); err != nil {
		t.Fatal(err)
	}
	e.p.Wait()

	if ok, _ := e.store.Exists(ctx, id); ok {
		t.Error("catalog row survives unlink")
	}
	if _, err := os.Lstat(bkPath); !os.IsNotExist(err) {
		t.Error("backend copy survives unlink")
	}
	if e.src.Acked() != 1 {
		t.Errorf("record not acknowledged: acked=%d", e.src.Acked())
	}
}

// A SETATTR followed by an UNLINK for the same id: the unlink runs only
// after the setattr completed, the row is gone and no stripe rows
// remain.
func TestPipelineSameIDOrdering(t *testing.T) {
	e := newPipeEnv(t, nil)
	ctx := context.Background()

	id, path := e.addFile(t, "ordered.dat", "v1")

	// Seed with stripe rows so the unlink has something to clear.
	_, attrs, err := fsaccess.Lstat(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	attrs.FullPath = types.Ptr(path)
	attrs.StripeInfo = &types.StripeInfo{StripeCount: 1, StripeSize: 1 << 20}
	attrs.StripeItems = []types.StripeItem{{OstIdx: 0}}
	if err := e.store.Insert(ctx, id, attrs); err != nil {
		t.Fatal(err)
	}

	setattr := chglog.Record{Type: chglog.EventSetAttr, ID: id, IDKnown: true,
		Path: path, Time: time.Now(), Index: 1}
	unlink := chglog.Record{Type: chglog.EventUnlink, ID: id, IDKnown: true,
		Path: path, Time: time.Now(), Index: 2}

	if err := e.p.Push(ctx, NewOp(setattr)); err != nil {
		t.Fatal(err)
	}
	if err := e.p.Push(ctx, NewOp(unlink)); err != nil {
		t.Fatal(err)
	}
	e.p.Wait()

	if ok, _ := e.store.Exists(ctx, id); ok {
		t.Error("catalog row survives ordered setattr+unlink")
	}
	var stripeRows int
	if err := e.store.DB().QueryRow(
		"SELECT COUNT(*) FROM STRIPE_ITEMS WHERE id = ?", id.PrimaryKey()).Scan(&stripeRows); err != nil {
		t.Fatal(err)
	}
	if stripeRows != 0 {
		t.Errorf("%d stripe rows remain", stripeRows)
	}
	if e.src.Acked() != 2 {
		t.Errorf("acked = %d, want 2", e.src.Acked())
	}
}

func TestPipelineEndOfScanCleanup(t *testing.T) {
	e := newPipeEnv(t, nil)
	ctx := context.Background()

	stale := types.EntryID{Device: 9, Inode: 9, Validator: 1}
	if err := e.store.Insert(ctx, stale, &types.EntryAttributes{
		FullPath: types.Ptr(filepath.Join(e.fsRoot, "stale")),
		Type:     types.Ptr(types.TypeFile),
		MDUpdate: types.Ptr(time.Now().Add(-time.Hour)),
	}); err != nil {
		t.Fatal(err)
	}

	if err := e.p.PushEndOfScan(ctx, time.Now().Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	e.p.Wait()

	if ok, _ := e.store.Exists(ctx, stale); ok {
		t.Error("stale entry survives end-of-scan cleanup")
	}
	if e.p.Stats().Removed != 1 {
		t.Errorf("removed = %d, want 1", e.p.Stats().Removed)
	}
}

func TestPipelineDropsUnresolvableRecord(t *testing.T) {
	e := newPipeEnv(t, nil)
	ctx := context.Background()

	rec := chglog.Record{Type: chglog.EventClose,
		Path: filepath.Join(e.fsRoot, "never-existed"), Index: 1}
	if err := e.p.Push(ctx, NewOp(rec)); err != nil {
		t.Fatal(err)
	}
	e.p.Wait()

	stats := e.p.Stats()
	if stats.Dropped != 1 {
		t.Errorf("dropped = %d, want 1", stats.Dropped)
	}
	// The poisoned record is acknowledged so it is not replayed.
	if e.src.Acked() != 1 {
		t.Errorf("acked = %d, want 1", e.src.Acked())
	}
}

func TestRunProducerDrainsSource(t *testing.T) {
	records := []chglog.Record{
		{Type: chglog.EventClose, Path: "placeholder-1"},
		{Type: chglog.EventClose, Path: "placeholder-2"},
	}
	e := newPipeEnv(t, records)
	ctx := context.Background()

	// Point the records at real files.
	for i := range records {
		_, path := e.addFile(t, records[i].Path, "data")
		records[i].Path = path
	}
	e.src = chglog.NewMemSource(records)
	e.p.deps.Source = e.src

	if err := RunProducer(ctx, e.p, e.src); err != nil {
		t.Fatalf("RunProducer: %v", err)
	}
	e.p.Wait()

	if got := e.p.Stats().Applied; got != 2 {
		t.Errorf("applied = %d, want 2", got)
	}
	if e.src.Acked() != 2 {
		t.Errorf("acked = %d, want 2", e.src.Acked())
	}
}
