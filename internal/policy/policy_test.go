package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jra3/fspolicy/internal/backend"
	"github.com/jra3/fspolicy/internal/catalog"
	"github.com/jra3/fspolicy/internal/fsaccess"
	"github.com/jra3/fspolicy/internal/pipeline"
	"github.com/jra3/fspolicy/internal/scan"
	"github.com/jra3/fspolicy/internal/types"
)

type policyEnv struct {
	fsRoot  string
	bkRoot  string
	store   *catalog.Store
	bk      *backend.Backend
	pipe    *pipeline.Pipeline
	scanner *scan.Scanner
}

func newPolicyEnv(t *testing.T) *policyEnv {
	t.Helper()
	base := t.TempDir()
	fsRoot := filepath.Join(base, "fs")
	bkRoot := filepath.Join(base, "backend")
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
		Root:        bkRoot,
		FSRoot:      fsRoot,
		CopyTimeout: time.Hour,
		ActionCmd:   script,
	}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	p := pipeline.New(pipeline.Config{MaxInFlight: 32, StageQueue: 16, Workers: 2},
		pipeline.Deps{Store: store, Backend: bk})
	p.Start(context.Background())
	t.Cleanup(p.Stop)

	return &policyEnv{
		fsRoot:  fsRoot,
		bkRoot:  bkRoot,
		store:   store,
		bk:      bk,
		pipe:    p,
		scanner: scan.NewScanner(fsRoot, store, p, nil, scan.Config{Interval: time.Hour}),
	}
}

// A fresh file goes through one scan cycle and an archive pass: the
// catalog row exists, the backend copy sits at the id-suffixed path, the
// status reaches synchro and last_archive is recent.
func TestScanThenArchive(t *testing.T) {
	e := newPolicyEnv(t)
	ctx := context.Background()

	if err := os.MkdirAll(filepath.Join(e.fsRoot, "A"), 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(e.fsRoot, "A", "b.dat")
	if err := os.WriteFile(path, make([]byte, 1024), 0644); err != nil {
		t.Fatal(err)
	}

	if err := e.scanner.ScanNow(ctx); err != nil {
		t.Fatal(err)
	}

	res, err := RunArchivePass(ctx, e.store, e.bk)
	if err != nil {
		t.Fatalf("RunArchivePass: %v", err)
	}
	if res.Archived != 1 {
		t.Fatalf("archived = %d, want 1 (%+v)", res.Archived, res)
	}

	id, _, err := fsaccess.Lstat(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	attrs, err := e.store.Get(ctx, id,
		types.AttrStatus|types.AttrBackendPath|types.AttrLastArchive)
	if err != nil {
		t.Fatal(err)
	}
	if attrs.Status == nil || *attrs.Status != types.StatusSynchro {
		t.Errorf("status = %v, want synchro", attrs.Status)
	}
	if attrs.BackendPath == nil {
		t.Fatal("backend path not recorded")
	}
	if _, err := os.Stat(*attrs.BackendPath); err != nil {
		t.Errorf("backend copy missing: %v", err)
	}
	if filepath.Dir(*attrs.BackendPath) != filepath.Join(e.bkRoot, "A") {
		t.Errorf("backend copy at %q, want under %s/A", *attrs.BackendPath, e.bkRoot)
	}
	if attrs.LastArchive == nil || time.Since(*attrs.LastArchive) > time.Minute {
		t.Errorf("last_archive = %v, want about now", attrs.LastArchive)
	}

	// A second pass finds nothing to do.
	res, err = RunArchivePass(ctx, e.store, e.bk)
	if err != nil {
		t.Fatal(err)
	}
	if res.Candidates != 0 {
		t.Errorf("second pass candidates = %d, want 0", res.Candidates)
	}
}

// Modify after archive: the next scan flags the entry modified, the next
// archive pass rewrites it, and the status returns to synchro.
func TestModifyRearchive(t *testing.T) {
	e := newPolicyEnv(t)
	ctx := context.Background()

	path := filepath.Join(e.fsRoot, "f.dat")
	if err := os.WriteFile(path, []byte("v1"), 0644); err != nil {
		t.Fatal(err)
	}
	mtime := time.Unix(time.Now().Unix()-3600, 0)
	if err := fsaccess.SetTimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}

	if err := e.scanner.ScanNow(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := RunArchivePass(ctx, e.store, e.bk); err != nil {
		t.Fatal(err)
	}

	// Modify with a newer mtime.
	if err := os.WriteFile(path, []byte("version2"), 0644); err != nil {
		t.Fatal(err)
	}
	newMtime := mtime.Add(60 * time.Second)
	if err := fsaccess.SetTimes(path, newMtime, newMtime); err != nil {
		t.Fatal(err)
	}

	if err := e.scanner.ScanNow(ctx); err != nil {
		t.Fatal(err)
	}

	id, _, err := fsaccess.Lstat(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	attrs, err := e.store.Get(ctx, id, types.AttrStatus|types.AttrBackendPath)
	if err != nil {
		t.Fatal(err)
	}
	if attrs.Status == nil || *attrs.Status != types.StatusModified {
		t.Fatalf("status after modification = %v, want modified", attrs.Status)
	}

	res, err := RunArchivePass(ctx, e.store, e.bk)
	if err != nil {
		t.Fatal(err)
	}
	if res.Archived != 1 {
		t.Fatalf("archived = %d, want 1", res.Archived)
	}

	attrs, err = e.store.Get(ctx, id, types.AttrStatus|types.AttrBackendPath)
	if err != nil {
		t.Fatal(err)
	}
	if *attrs.Status != types.StatusSynchro {
		t.Errorf("status = %v, want synchro", *attrs.Status)
	}
	data, err := os.ReadFile(*attrs.BackendPath)
	if err != nil || string(data) != "version2" {
		t.Errorf("backend content = %q, %v; want version2", data, err)
	}
}

// Disaster recovery: with the catalog intact and the FS wiped, every
// previously synchro file comes back with status synchro and an
// id-suffixed backend path for its new id.
func TestDisasterRecovery(t *testing.T) {
	e := newPolicyEnv(t)
	ctx := context.Background()

	paths := []string{
		filepath.Join(e.fsRoot, "proj", "one.dat"),
		filepath.Join(e.fsRoot, "proj", "two.dat"),
	}
	for i, p := range paths {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte{byte('a' + i)}, 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.scanner.ScanNow(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := RunArchivePass(ctx, e.store, e.bk); err != nil {
		t.Fatal(err)
	}

	// Catastrophic loss of the filesystem.
	if err := os.RemoveAll(e.fsRoot); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(e.fsRoot, 0755); err != nil {
		t.Fatal(err)
	}

	res, err := RunRecovery(ctx, e.store, e.bk)
	if err != nil {
		t.Fatalf("RunRecovery: %v", err)
	}
	if res.Errors != 0 || res.OK == 0 {
		t.Fatalf("recovery result = %+v", res)
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("file %s not restored: %v", p, err)
			continue
		}
		id, _, err := fsaccess.Lstat(p, nil)
		if err != nil {
			t.Fatal(err)
		}
		attrs, err := e.store.Get(ctx, id, types.AttrStatus|types.AttrBackendPath)
		if err != nil {
			t.Errorf("recovered entry %s not cataloged under its new id: %v", p, err)
			continue
		}
		if attrs.Status == nil ||
			(*attrs.Status != types.StatusSynchro && *attrs.Status != types.StatusReleased) {
			t.Errorf("recovered status = %v", attrs.Status)
		}
		if attrs.BackendPath == nil {
			t.Error("recovered entry has no backend path")
		} else if _, err := os.Stat(*attrs.BackendPath); err != nil {
			t.Errorf("backend object not at rebased path: %v", err)
		}
	}
}
