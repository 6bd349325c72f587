package types

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestEntryIDEquality(t *testing.T) {
	a := EntryID{Device: 1, Inode: 2, Validator: 3}
	b := EntryID{Device: 1, Inode: 2, Validator: 3}
	c := EntryID{Device: 1, Inode: 2, Validator: 4}

	if !a.Eq(b) {
		t.Error("identical ids should compare equal")
	}
	// The validator participates in equality: a reused inode is a
	// different entry.
	if a.Eq(c) {
		t.Error("ids with different validators must differ")
	}
	// But both map to the same primary key.
	if a.PrimaryKey() != c.PrimaryKey() {
		t.Error("the primary key hashes device+inode only")
	}
}

func TestPrimaryKeyDistribution(t *testing.T) {
	seen := map[int64]bool{}
	for ino := uint64(1); ino <= 1000; ino++ {
		pk := EntryID{Device: 42, Inode: ino}.PrimaryKey()
		if seen[pk] {
			t.Fatalf("primary key collision at inode %d", ino)
		}
		seen[pk] = true
	}
}

func TestEntryIDValid(t *testing.T) {
	if (EntryID{}).Valid() {
		t.Error("zero id should be invalid")
	}
	if !(EntryID{Device: 1, Inode: 1}).Valid() {
		t.Error("non-zero id should be valid")
	}
}

func TestAttrSet(t *testing.T) {
	mask := AttrSize | AttrLastMod
	if !mask.Has(AttrSize) || !mask.Has(AttrSize | AttrLastMod) {
		t.Error("Has failed on selected bits")
	}
	if mask.Has(AttrSize | AttrOwner) {
		t.Error("Has must require every bit")
	}
	if !mask.Any(AttrOwner | AttrLastMod) {
		t.Error("Any should match a single overlapping bit")
	}
	if mask.Any(AttrOwner) {
		t.Error("Any matched a bit outside the mask")
	}
}

func TestMerge(t *testing.T) {
	now := time.Now()
	dst := &EntryAttributes{
		Size:   Ptr(int64(10)),
		Status: Ptr(StatusNew),
	}
	src := &EntryAttributes{
		Size:    Ptr(int64(20)),
		LastMod: Ptr(now),
	}

	// Without overwrite, present fields are kept.
	dst.Merge(src, false)
	if *dst.Size != 10 {
		t.Errorf("size = %d, want 10 (kept)", *dst.Size)
	}
	if dst.LastMod == nil || !dst.LastMod.Equal(now) {
		t.Error("absent field not filled by merge")
	}

	// With overwrite, source fields win.
	dst.Merge(src, true)
	if *dst.Size != 20 {
		t.Errorf("size = %d, want 20 (overwritten)", *dst.Size)
	}
	if *dst.Status != StatusNew {
		t.Error("fields absent from the source must survive")
	}
}

func TestErrorKinds(t *testing.T) {
	wrapped := fmt.Errorf("recover entry: %w", ErrNoBackup)
	if !errors.Is(wrapped, ErrNoBackup) {
		t.Error("wrapped error lost its kind")
	}
	if errors.Is(wrapped, ErrNotFound) {
		t.Error("error kinds must stay distinct")
	}
}

func TestRecovStatusString(t *testing.T) {
	if RecovOK.String() != "ok" || RecovDelta.String() != "delta" {
		t.Error("unexpected recovery status strings")
	}
}
