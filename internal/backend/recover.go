package backend

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jra3/fspolicy/internal/fsaccess"
	"github.com/jra3/fspolicy/internal/types"
)

// Recover recreates one entry in the filesystem from its backend copy
// after a disaster. It returns the new entry id (fid-based filesystems
// assign a fresh one on creation), the attributes of the restored entry,
// and the recovery outcome; the backend object is moved to the path
// derived from the new id. A backend copy on another device than the
// backend root fails the recovery when CheckMounted is set; otherwise the
// mismatch is logged as a warning and recovery continues.
func (b *Backend) Recover(ctx context.Context, oldID types.EntryID, attrsOld *types.EntryAttributes) (types.EntryID, *types.EntryAttributes, types.RecovStatus) {
	if attrsOld.FullPath == nil {
		log.Printf("[backend] missing mandatory attribute fullpath for restoring entry %s", oldID)
		return types.EntryID{}, nil, types.RecovError
	}
	fspath := *attrsOld.FullPath

	backendPath := ""
	if attrsOld.BackendPath != nil && *attrsOld.BackendPath != "" {
		backendPath = *attrsOld.BackendPath
	} else {
		backendPath = b.entryPath(oldID, attrsOld, forLookup)
		log.Printf("[backend] no backend path is set for %q, guess it could be %q", fspath, backendPath)
	}

	isDir := attrsOld.Type != nil && *attrsOld.Type == types.TypeDir
	if isDir {
		return b.recoverDir(oldID, attrsOld, fspath, backendPath)
	}

	// The copy must exist in the backend.
	var stBk unix.Stat_t
	if err := unix.Lstat(backendPath, &stBk); err != nil {
		log.Printf("[backend] cannot stat %q in backend: %v", backendPath, err)
		if err == unix.ENOENT {
			return types.EntryID{}, nil, types.RecovNoBackup
		}
		return types.EntryID{}, nil, types.RecovError
	}

	// Fill attributes the catalog did not have from the backend copy.
	attrsOld.Merge(fsaccess.StatToAttrs(&stBk, b.names), false)

	// Refuse to clobber an existing entry.
	if err := unix.Lstat(fspath, new(unix.Stat_t)); err == nil {
		log.Printf("[backend] cannot recover %q: already exists", fspath)
		return types.EntryID{}, nil, types.RecovError
	} else if err != unix.ENOENT {
		log.Printf("[backend] unexpected error performing lstat(%s): %v", fspath, err)
		return types.EntryID{}, nil, types.RecovError
	}

	// An entry cannot be moved across devices at rebind time.
	if uint64(stBk.Dev) != b.devID {
		if b.cfg.CheckMounted {
			log.Printf("[backend] source file %s is not on the same device as target %s: %v",
				backendPath, b.cfg.Root, types.ErrCrossDevice)
			return types.EntryID{}, nil, types.RecovError
		}
		log.Printf("[backend] warning: %s and %s are on different devices; check_mounted is disabled, continuing",
			backendPath, b.cfg.Root)
	}

	if err := b.mirror.MkdirMirrored(filepath.Dir(fspath), 0750, fsaccess.ToFS); err != nil {
		log.Printf("[backend] cannot create parent directory of %q: %v", fspath, err)
		return types.EntryID{}, nil, types.RecovError
	}

	switch stBk.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		if !b.recoverFileBody(ctx, fspath, backendPath, &stBk) {
			return types.EntryID{}, nil, types.RecovError
		}
	case unix.S_IFLNK:
		target, err := os.Readlink(backendPath)
		if err != nil {
			log.Printf("[backend] error reading symlink content (%s): %v", backendPath, err)
			return types.EntryID{}, nil, types.RecovError
		}
		if err := unix.Symlink(target, fspath); err != nil {
			log.Printf("[backend] error creating symlink %s -> %q: %v", fspath, target, err)
			return types.EntryID{}, nil, types.RecovError
		}
	default:
		log.Printf("[backend] unsupported backend object type for %q", backendPath)
		return types.EntryID{}, nil, types.RecovError
	}

	b.restoreOwnership(fspath, attrsOld)

	return b.finishRecover(oldID, attrsOld, fspath, backendPath)
}

// recoverFileBody recreates the data of a regular file: metadata-only
// when a purge-capable sub-backend can restore on access, full transfer
// otherwise.
func (b *Backend) recoverFileBody(ctx context.Context, fspath, backendPath string, stBk *unix.Stat_t) bool {
	mode := os.FileMode(stBk.Mode & 07777)
	f, err := os.OpenFile(fspath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, mode)
	if err != nil {
		log.Printf("[backend] couldn't create %q: %v", fspath, err)
		return false
	}
	f.Close()

	if b.purge != nil {
		// Recover in released state (metadata only); the body comes
		// back at first open.
		if err := b.purge.MarkReleased(ctx, fspath, stBk.Size); err != nil {
			log.Printf("[backend] error setting released state for %q: %v", fspath, err)
			return false
		}
		if err := os.Truncate(fspath, stBk.Size); err != nil {
			log.Printf("[backend] could not set original size %d for %q: %v", stBk.Size, fspath, err)
			return false
		}
	} else {
		if err := runAction(ctx, b.cfg.ActionCmd, actionRestore, backendPath, fspath); err != nil {
			log.Printf("[backend] restore command failed for %q: %v", fspath, err)
			os.Remove(fspath)
			return false
		}
	}

	if err := os.Chmod(fspath, mode); err != nil {
		log.Printf("[backend] warning: couldn't restore mode for %q: %v", fspath, err)
	}
	atime := time.Unix(stBk.Atim.Sec, 0)
	mtime := time.Unix(stBk.Mtim.Sec, 0)
	if err := fsaccess.SetTimes(fspath, atime, mtime); err != nil {
		log.Printf("[backend] warning: couldn't restore times for %q: %v", fspath, err)
	}
	return true
}

func (b *Backend) restoreOwnership(fspath string, attrs *types.EntryAttributes) {
	if attrs.Owner == nil && attrs.Group == nil {
		return
	}
	uid, gid := -1, -1
	if attrs.Owner != nil && b.names != nil {
		uid = b.names.UserID(*attrs.Owner)
	}
	if attrs.Group != nil && b.names != nil {
		gid = b.names.GroupID(*attrs.Group)
	}
	if err := unix.Lchown(fspath, uid, gid); err != nil {
		log.Printf("[backend] warning: cannot set owner/group for %q: %v", fspath, err)
	}
}

func (b *Backend) recoverDir(oldID types.EntryID, attrsOld *types.EntryAttributes, fspath, backendPath string) (types.EntryID, *types.EntryAttributes, types.RecovStatus) {
	if err := b.mirror.MkdirMirrored(fspath, 0750, fsaccess.ToFS); err != nil {
		log.Printf("[backend] cannot recreate directory %q: %v", fspath, err)
		return types.EntryID{}, nil, types.RecovError
	}
	var stBk unix.Stat_t
	if err := unix.Lstat(backendPath, &stBk); err == nil {
		if err := os.Chmod(fspath, os.FileMode(stBk.Mode&07777)); err != nil {
			log.Printf("[backend] warning: couldn't restore mode for %q: %v", fspath, err)
		}
	}
	b.restoreOwnership(fspath, attrsOld)
	return b.finishRecover(oldID, attrsOld, fspath, backendPath)
}

// finishRecover stats the restored entry, reports drift against the
// cataloged size/mtime, derives the new id and moves the backend object
// to the id-suffixed path of the new id.
func (b *Backend) finishRecover(oldID types.EntryID, attrsOld *types.EntryAttributes, fspath, backendPath string) (types.EntryID, *types.EntryAttributes, types.RecovStatus) {
	var stDest unix.Stat_t
	if err := unix.Lstat(fspath, &stDest); err != nil {
		log.Printf("[backend] lstat() failed on restored entry %q: %v", fspath, err)
		return types.EntryID{}, nil, types.RecovError
	}

	delta := false
	isDir := stDest.Mode&unix.S_IFMT == unix.S_IFDIR
	isReg := stDest.Mode&unix.S_IFMT == unix.S_IFREG
	if !isDir && attrsOld.Size != nil && stDest.Size != *attrsOld.Size {
		log.Printf("[backend] %s: restored size (%d) differs from the last known size (%d)",
			fspath, stDest.Size, *attrsOld.Size)
		delta = true
	}
	if isReg && attrsOld.LastMod != nil && stDest.Mtim.Sec != attrsOld.LastMod.Unix() {
		log.Printf("[backend] %s: restored mtime (%d) differs from the last known mtime (%d)",
			fspath, stDest.Mtim.Sec, attrsOld.LastMod.Unix())
		delta = true
	}

	newID := fsaccess.EntryIDOf(&stDest)
	attrsNew := fsaccess.StatToAttrs(&stDest, b.names)
	attrsNew.FullPath = types.Ptr(fspath)
	attrsNew.Name = types.Ptr(filepath.Base(fspath))

	// Only purge-capable backends leave files released after recovery.
	if b.purge != nil && isReg {
		attrsNew.Status = types.Ptr(types.StatusReleased)
	} else {
		attrsNew.Status = types.Ptr(types.StatusSynchro)
	}

	var stParent unix.Stat_t
	if err := unix.Lstat(filepath.Dir(fspath), &stParent); err == nil {
		parentID := fsaccess.EntryIDOf(&stParent)
		attrsNew.ParentID = &parentID
	}

	if !isDir {
		newBkPath := b.entryPath(newID, attrsNew, forNewCopy)
		if err := b.mirror.MkdirMirrored(filepath.Dir(newBkPath), 0750, fsaccess.ToBackend); err != nil {
			log.Printf("[backend] cannot create backend directory for %q: %v", newBkPath, err)
			return types.EntryID{}, nil, types.RecovError
		}
		if newBkPath != backendPath {
			if err := os.Rename(backendPath, newBkPath); err != nil {
				log.Printf("[backend] could not move entry in backend (%q -> %q): %v",
					backendPath, newBkPath, err)
				// keep the old path
				newBkPath = backendPath
			}
		}
		attrsNew.BackendPath = types.Ptr(newBkPath)
	}

	if delta {
		return newID, attrsNew, types.RecovDelta
	}
	return newID, attrsNew, types.RecovOK
}

// Rebind moves a backend object to the id-suffixed path of a new entry
// id, after the cataloged entry changed identity (e.g. following a
// restore). Only regular files can be rebound.
func (b *Backend) Rebind(ctx context.Context, fsPath, oldBkPath string, newID types.EntryID) (string, error) {
	var st unix.Stat_t
	if err := unix.Lstat(fsPath, &st); err != nil {
		return oldBkPath, fmt.Errorf("lstat %s: %w", fsPath, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return oldBkPath, fmt.Errorf("rebind: %w: files only", types.ErrUnsupported)
	}

	attrs := fsaccess.StatToAttrs(&st, b.names)
	attrs.FullPath = types.Ptr(fsPath)

	newBkPath := b.entryPath(newID, attrs, forNewCopy)
	if err := b.mirror.MkdirMirrored(filepath.Dir(newBkPath), 0750, fsaccess.ToBackend); err != nil {
		return oldBkPath, err
	}

	if err := os.Rename(oldBkPath, newBkPath); err != nil {
		return oldBkPath, fmt.Errorf("rebind %s -> %s: %w", oldBkPath, newBkPath, err)
	}
	return newBkPath, nil
}
