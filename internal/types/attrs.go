package types

import (
	"time"
)

// EntryType is the object type of a filesystem entry.
type EntryType string

const (
	TypeFile    EntryType = "file"
	TypeDir     EntryType = "dir"
	TypeSymlink EntryType = "symlink"
	TypeBlock   EntryType = "blk"
	TypeChar    EntryType = "chr"
	TypeFifo    EntryType = "fifo"
	TypeSocket  EntryType = "sock"
)

// Status is the archive state of an entry.
type Status string

const (
	StatusUnknown        Status = "unknown"
	StatusNew            Status = "new"
	StatusModified       Status = "modified"
	StatusArchiveRunning Status = "archive_running"
	StatusSynchro        Status = "synchro"
	StatusReleasePending Status = "release_pending"
	StatusRestoreRunning Status = "restore_running"
	StatusReleased       Status = "released"
	StatusRemoved        Status = "removed"
)

// StripeInfo describes the placement geometry of a striped file.
type StripeInfo struct {
	StripeCount uint32
	StripeSize  uint64
	PoolName    string
}

// StripeItem is one storage target used by a striped file.
type StripeItem struct {
	OstIdx  uint32
	Details []byte
}

// AttrSet selects a subset of entry attributes, e.g. for a catalog Get
// or for iterator prefetch. It says nothing about presence in a record;
// a fetched EntryAttributes reports presence through its nil-able
// fields.
type AttrSet uint32

const (
	AttrFullPath AttrSet = 1 << iota
	AttrName
	AttrParentID
	AttrType
	AttrOwner
	AttrGroup
	AttrSize
	AttrBlocks
	AttrBlkSize
	AttrNlink
	AttrLastAccess
	AttrLastMod
	AttrCreationTime
	AttrDepth
	AttrDirCount
	AttrAvgSize
	AttrStripeInfo
	AttrStripeItems
	AttrStatus
	AttrBackendPath
	AttrLastArchive
	AttrLink
	AttrPolicyClass
	AttrLastRestore
	AttrMDUpdate
)

// AttrsPosix covers the attributes refreshed by a plain lstat.
const AttrsPosix = AttrType | AttrOwner | AttrGroup | AttrSize | AttrBlocks |
	AttrBlkSize | AttrNlink | AttrLastAccess | AttrLastMod | AttrCreationTime

// AttrsDir covers the on-the-fly directory aggregates.
const AttrsDir = AttrDirCount | AttrAvgSize

// Has reports whether all bits of sub are selected.
func (s AttrSet) Has(sub AttrSet) bool { return s&sub == sub }

// Any reports whether at least one bit of sub is selected.
func (s AttrSet) Any(sub AttrSet) bool { return s&sub != 0 }

// EntryAttributes is a partial record: every field is individually
// present (non-nil) or absent. The catalog fills only what was asked
// for and what exists; writers set only what they know.
type EntryAttributes struct {
	FullPath     *string
	Name         *string
	ParentID     *EntryID
	Type         *EntryType
	Owner        *string
	Group        *string
	Size         *int64
	Blocks       *int64
	BlkSize      *int64
	Nlink        *uint32
	LastAccess   *time.Time
	LastMod      *time.Time
	CreationTime *time.Time
	Depth        *int32

	// Directory aggregates, computed from children rows.
	DirCount *int64
	AvgSize  *int64

	StripeInfo  *StripeInfo
	StripeItems []StripeItem

	Status      *Status
	BackendPath *string
	LastArchive *time.Time

	// Rare attributes stored in the annex table.
	Link        *string
	PolicyClass *string
	LastRestore *time.Time

	// Last time the metadata was refreshed from the filesystem. Drives
	// the end-of-scan removal of entries that were not seen again.
	MDUpdate *time.Time
}

// Merge copies every attribute set in other into a. When overwrite is
// false, attributes already present in a are kept.
func (a *EntryAttributes) Merge(other *EntryAttributes, overwrite bool) {
	mergePtr(&a.FullPath, other.FullPath, overwrite)
	mergePtr(&a.Name, other.Name, overwrite)
	mergePtr(&a.ParentID, other.ParentID, overwrite)
	mergePtr(&a.Type, other.Type, overwrite)
	mergePtr(&a.Owner, other.Owner, overwrite)
	mergePtr(&a.Group, other.Group, overwrite)
	mergePtr(&a.Size, other.Size, overwrite)
	mergePtr(&a.Blocks, other.Blocks, overwrite)
	mergePtr(&a.BlkSize, other.BlkSize, overwrite)
	mergePtr(&a.Nlink, other.Nlink, overwrite)
	mergePtr(&a.LastAccess, other.LastAccess, overwrite)
	mergePtr(&a.LastMod, other.LastMod, overwrite)
	mergePtr(&a.CreationTime, other.CreationTime, overwrite)
	mergePtr(&a.Depth, other.Depth, overwrite)
	mergePtr(&a.DirCount, other.DirCount, overwrite)
	mergePtr(&a.AvgSize, other.AvgSize, overwrite)
	mergePtr(&a.StripeInfo, other.StripeInfo, overwrite)
	if other.StripeItems != nil && (overwrite || a.StripeItems == nil) {
		a.StripeItems = other.StripeItems
	}
	mergePtr(&a.Status, other.Status, overwrite)
	mergePtr(&a.BackendPath, other.BackendPath, overwrite)
	mergePtr(&a.LastArchive, other.LastArchive, overwrite)
	mergePtr(&a.Link, other.Link, overwrite)
	mergePtr(&a.PolicyClass, other.PolicyClass, overwrite)
	mergePtr(&a.LastRestore, other.LastRestore, overwrite)
	mergePtr(&a.MDUpdate, other.MDUpdate, overwrite)
}

func mergePtr[T any](dst **T, src *T, overwrite bool) {
	if src != nil && (overwrite || *dst == nil) {
		*dst = src
	}
}

// Ptr is a shorthand for building optional attribute values in place.
func Ptr[T any](v T) *T { return &v }
