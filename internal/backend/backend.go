// Package backend drives the archive/release/recover state machine over
// a mirrored directory tree. Each managed file or symlink has a canonical
// path in the backend; transfers stage through ".xfer" markers, type
// mismatches are quarantined under ".orphans", and recovered entries are
// rebound to their new filesystem id.
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

// Config carries the backend deployment options.
type Config struct {
	// Root of the backend tree.
	Root string
	// FSRoot is the managed filesystem root the backend mirrors.
	FSRoot string
	// CopyTimeout ages out stale ".xfer" markers; zero disables the
	// timeout.
	CopyTimeout time.Duration
	// ActionCmd is the external transfer command, invoked as
	// "<cmd> ACTION src dst [hints]".
	ActionCmd string
	// CheckMounted rejects cross-device recoveries.
	CheckMounted bool
}

// PurgeBackend is an optional sub-backend capable of releasing file
// bodies and restoring them on access.
type PurgeBackend interface {
	// GetStatus reports the release state of an entry, or StatusSynchro
	// when the body is online.
	GetStatus(ctx context.Context, id types.EntryID, fsPath string) (types.Status, error)
	// MarkReleased records that fsPath has no body on disk; the entry
	// is restored on first open.
	MarkReleased(ctx context.Context, fsPath string, size int64) error
	// Release purges the body of an archived entry.
	Release(ctx context.Context, id types.EntryID, fsPath string) error
}

// Backend implements the archiver over a mirrored directory tree.
type Backend struct {
	cfg    Config
	mirror fsaccess.Mirror
	names  *fsaccess.NameResolver
	purge  PurgeBackend
	devID  uint64
}

// New opens the backend tree, creating the root if needed, and records
// its device for cross-device checks.
func New(cfg Config, names *fsaccess.NameResolver, purge PurgeBackend) (*Backend, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("%w: backend root not configured", types.ErrInvalidInput)
	}
	if err := os.MkdirAll(cfg.Root, 0750); err != nil {
		return nil, fmt.Errorf("create backend root: %w", err)
	}
	var st unix.Stat_t
	if err := unix.Stat(cfg.Root, &st); err != nil {
		return nil, fmt.Errorf("stat backend root: %w", err)
	}
	return &Backend{
		cfg:    cfg,
		mirror: fsaccess.Mirror{FSRoot: cfg.FSRoot, BackendRoot: cfg.Root},
		names:  names,
		purge:  purge,
		devID:  uint64(st.Dev),
	}, nil
}

// LookupPath returns the canonical backend path the entry would be
// looked up at.
func (b *Backend) LookupPath(id types.EntryID, attrs *types.EntryAttributes) string {
	return b.entryPath(id, attrs, forLookup)
}

// entryIsArchiving probes the ".xfer" marker of a backend path. It
// returns the zero time when no transfer is staged, otherwise the last
// activity time of the marker (max of mtime/ctime/atime).
func entryIsArchiving(backendPath string) (time.Time, error) {
	var st unix.Stat_t
	if err := unix.Lstat(backendPath+copyExt, &st); err != nil {
		if err == unix.ENOENT || err == unix.ESTALE {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("lstat %s%s: %w", backendPath, copyExt, err)
	}
	last := st.Mtim.Sec
	if st.Ctim.Sec > last {
		last = st.Ctim.Sec
	}
	if st.Atim.Sec > last {
		last = st.Atim.Sec
	}
	return time.Unix(last, 0), nil
}

// transferCleanup removes a timed-out ".xfer" marker.
func transferCleanup(backendPath string) error {
	if err := unix.Unlink(backendPath + copyExt); err != nil {
		return fmt.Errorf("unlink %s%s: %w", backendPath, copyExt, err)
	}
	return nil
}

// checkRunningCopy reports whether a copy is currently staged for the
// backend path, cleaning up markers older than the copy timeout.
func (b *Backend) checkRunningCopy(backendPath string) (bool, error) {
	last, err := entryIsArchiving(backendPath)
	if err != nil {
		return false, err
	}
	if last.IsZero() {
		return false, nil
	}
	if b.cfg.CopyTimeout > 0 && time.Since(last) > b.cfg.CopyTimeout {
		log.Printf("[backend] copy timed out for %s (inactive for %s)",
			backendPath, time.Since(last).Round(time.Second))
		if err := transferCleanup(backendPath); err != nil {
			log.Printf("[backend] cleanup of stale transfer failed: %v", err)
		}
		return false, nil
	}
	return true, nil
}

// moveOrphan quarantines a backend object whose type no longer matches
// the catalog under <root>/.orphans/.
func (b *Backend) moveOrphan(path string) error {
	dest := filepath.Join(b.cfg.Root, trashDir)
	if err := os.Mkdir(dest, 0750); err != nil && !os.IsExist(err) {
		return fmt.Errorf("create orphan dir: %w", err)
	}
	name := filepath.Base(path)
	if name == "/" || name == "." || name == "" {
		return fmt.Errorf("%w: invalid orphan path %q", types.ErrInvalidInput, path)
	}
	dest = filepath.Join(dest, name)
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("move orphan %s: %w", path, err)
	}
	log.Printf("[backend] %q moved to %q", path, dest)
	return nil
}

// GetStatus determines the archive status of an entry by probing the
// backend tree. The caller must supply at least last_mod and type. The
// returned record carries the changed attributes: status, and the
// backend path when one was resolved.
func (b *Backend) GetStatus(ctx context.Context, id types.EntryID, attrs *types.EntryAttributes) (*types.EntryAttributes, error) {
	if attrs.LastMod == nil || attrs.Type == nil {
		return nil, fmt.Errorf("%w: status check needs last_mod and type", types.ErrInvalidInput)
	}

	entryType := *attrs.Type
	if entryType != types.TypeFile && entryType != types.TypeSymlink {
		return nil, fmt.Errorf("%w: type %s is not tracked by the backend", types.ErrUnsupported, entryType)
	}

	bkpath := b.entryPath(id, attrs, forLookup)
	changed := &types.EntryAttributes{}

	if b.purge != nil && entryType == types.TypeFile && attrs.FullPath != nil {
		st, err := b.purge.GetStatus(ctx, id, *attrs.FullPath)
		if err != nil {
			return nil, err
		}
		if st != types.StatusSynchro {
			changed.Status = types.Ptr(st)
			if attrs.BackendPath == nil {
				changed.BackendPath = types.Ptr(bkpath)
			}
			return changed, nil
		}
	}

	if entryType == types.TypeFile {
		running, err := b.checkRunningCopy(bkpath)
		if err != nil {
			return nil, err
		}
		if running {
			changed.Status = types.Ptr(types.StatusArchiveRunning)
			return changed, nil
		}
	}

	var bkmd unix.Stat_t
	if err := unix.Lstat(bkpath, &bkmd); err != nil {
		if err == unix.ENOENT || err == unix.ESTALE {
			changed.Status = types.Ptr(types.StatusNew)
			return changed, nil
		}
		return nil, fmt.Errorf("lstat %s: %w", bkpath, err)
	}

	switch entryType {
	case types.TypeFile:
		if bkmd.Mode&unix.S_IFMT != unix.S_IFREG {
			log.Printf("[backend] different type in backend for entry %s, moving it to orphan dir", bkpath)
			if err := b.moveOrphan(bkpath); err != nil {
				return nil, err
			}
			changed.Status = types.Ptr(types.StatusNew)
			return changed, nil
		}
		fsMtime := attrs.LastMod.Unix()
		sameSize := attrs.Size != nil && *attrs.Size == bkmd.Size
		if fsMtime != bkmd.Mtim.Sec || !sameSize {
			if fsMtime < bkmd.Mtim.Sec {
				log.Printf("[backend] warning: mtime in filesystem < mtime in backend (%s)", bkpath)
			}
			changed.Status = types.Ptr(types.StatusModified)
		} else {
			changed.Status = types.Ptr(types.StatusSynchro)
		}
		changed.BackendPath = types.Ptr(bkpath)
		return changed, nil

	default: // symlink
		if bkmd.Mode&unix.S_IFMT != unix.S_IFLNK {
			log.Printf("[backend] different type in backend for entry %s, moving it to orphan dir", bkpath)
			if err := b.moveOrphan(bkpath); err != nil {
				return nil, err
			}
			changed.Status = types.Ptr(types.StatusNew)
			return changed, nil
		}
		if attrs.FullPath == nil {
			return nil, fmt.Errorf("%w: symlink status check needs the filesystem path", types.ErrInvalidInput)
		}
		bkTarget, err := os.Readlink(bkpath)
		if err != nil {
			if os.IsNotExist(err) {
				changed.Status = types.Ptr(types.StatusNew)
				return changed, nil
			}
			return nil, fmt.Errorf("readlink %s: %w", bkpath, err)
		}
		fsTarget, err := os.Readlink(*attrs.FullPath)
		if err != nil {
			return nil, fmt.Errorf("readlink %s: %w", *attrs.FullPath, err)
		}
		if bkTarget != fsTarget {
			changed.Status = types.Ptr(types.StatusModified)
		} else {
			changed.Status = types.Ptr(types.StatusSynchro)
		}
		changed.BackendPath = types.Ptr(bkpath)
		return changed, nil
	}
}

// Archive copies an entry to the backend. Files stage through a ".xfer"
// temporary written by the external action command, get their source
// mtime restored, and commit with a rename; symlinks are recreated
// directly. On success attrs carries the new status, backend path and
// archive time; concurrent modification downgrades the status back to
// modified so a re-archive is scheduled.
func (b *Backend) Archive(ctx context.Context, id types.EntryID, attrs *types.EntryAttributes, hints string) error {
	if attrs.Status == nil {
		changed, err := b.GetStatus(ctx, id, attrs)
		if err != nil {
			return err
		}
		attrs.Merge(changed, true)
	}
	if attrs.Type == nil {
		return fmt.Errorf("%w: archive needs the entry type", types.ErrInvalidInput)
	}
	entryType := *attrs.Type
	if entryType != types.TypeFile && entryType != types.TypeSymlink {
		return fmt.Errorf("%w: cannot archive type %s", types.ErrUnsupported, entryType)
	}
	if attrs.FullPath == nil {
		return fmt.Errorf("%w: archive needs the filesystem path", types.ErrInvalidInput)
	}
	fspath := *attrs.FullPath

	bkpath := b.entryPath(id, attrs, forNewCopy)

	checkMoved := false
	switch *attrs.Status {
	case types.StatusNew:
		var st unix.Stat_t
		if err := unix.Lstat(bkpath, &st); err == nil {
			return fmt.Errorf("archive %s: new entry already present in backend: %w", bkpath, types.ErrAlreadyExists)
		} else if err != unix.ENOENT && err != unix.ESTALE {
			return fmt.Errorf("lstat %s: %w", bkpath, err)
		}
	case types.StatusModified, types.StatusArchiveRunning:
		// archive_running is accepted for timed-out copies (or our own).
		running, err := b.checkRunningCopy(bkpath)
		if err != nil {
			return err
		}
		if running {
			return fmt.Errorf("archive %s: %w", bkpath, types.ErrAlreadyInProgress)
		}
		if attrs.BackendPath != nil && *attrs.BackendPath != "" {
			checkMoved = true
			var st unix.Stat_t
			if err := unix.Lstat(*attrs.BackendPath, &st); err != nil {
				log.Printf("[backend] warning: previous copy %s not found in backend: archiving anyway", *attrs.BackendPath)
			}
		}
	default:
		return fmt.Errorf("%w: unexpected status %s for archive", types.ErrInvalidInput, *attrs.Status)
	}

	if err := b.mirror.MkdirMirrored(filepath.Dir(bkpath), 0750, fsaccess.ToBackend); err != nil {
		return err
	}

	if entryType == types.TypeFile {
		return b.archiveFile(ctx, attrs, fspath, bkpath, checkMoved, hints)
	}
	return b.archiveSymlink(attrs, fspath, bkpath)
}

func (b *Backend) archiveFile(ctx context.Context, attrs *types.EntryAttributes, fspath, bkpath string, checkMoved bool, hints string) error {
	tmp := bkpath + copyExt

	args := []string{actionArchive, fspath, tmp}
	if hints != "" {
		args = append(args, hints)
	}
	if err := runAction(ctx, b.cfg.ActionCmd, args...); err != nil {
		// The transfer failed; the entry still needs to be archived.
		os.Remove(tmp)
		attrs.Status = types.Ptr(types.StatusModified)
		return err
	}

	// Restore the source mtime on the staged copy before committing.
	if attrs.LastMod != nil {
		if err := fsaccess.SetTimes(tmp, time.Now(), *attrs.LastMod); err != nil {
			log.Printf("[backend] error setting mtime for %s: %v", tmp, err)
		}
	}

	if err := os.Rename(tmp, bkpath); err != nil {
		attrs.Status = types.Ptr(types.StatusModified)
		return fmt.Errorf("commit %s: %w", bkpath, err)
	}

	// Drop the previous copy if the entry moved since the last archive.
	if checkMoved && attrs.BackendPath != nil && *attrs.BackendPath != bkpath {
		if err := unix.Unlink(*attrs.BackendPath); err != nil {
			log.Printf("[backend] error removing previous copy %s: %v", *attrs.BackendPath, err)
		}
	}

	attrs.Status = types.Ptr(types.StatusSynchro)
	attrs.BackendPath = types.Ptr(bkpath)
	attrs.LastArchive = types.Ptr(time.Now())

	// A final stat of the source detects concurrent modification.
	var info unix.Stat_t
	if err := unix.Lstat(fspath, &info); err != nil {
		log.Printf("[backend] error performing final lstat(%s): %v", fspath, err)
		attrs.Status = types.Ptr(types.StatusUnknown)
		return nil
	}
	if (attrs.LastMod != nil && info.Mtim.Sec != attrs.LastMod.Unix()) ||
		(attrs.Size != nil && info.Size != *attrs.Size) {
		log.Printf("[backend] entry %s has been modified during transfer", fspath)
		attrs.Status = types.Ptr(types.StatusModified)
	}
	attrs.Merge(fsaccess.StatToAttrs(&info, b.names), true)
	return nil
}

func (b *Backend) archiveSymlink(attrs *types.EntryAttributes, fspath, bkpath string) error {
	target, err := os.Readlink(fspath)
	if err != nil {
		return fmt.Errorf("readlink %s: %w", fspath, err)
	}
	// Replace a stale link from a previous archive.
	if err := unix.Unlink(bkpath); err != nil && err != unix.ENOENT {
		return fmt.Errorf("unlink %s: %w", bkpath, err)
	}
	if err := unix.Symlink(target, bkpath); err != nil {
		return fmt.Errorf("symlink %s -> %q: %w", bkpath, target, err)
	}

	attrs.Status = types.Ptr(types.StatusSynchro)

	var info unix.Stat_t
	if err := unix.Lstat(fspath, &info); err != nil {
		log.Printf("[backend] error performing final lstat(%s): %v", fspath, err)
		attrs.Status = types.Ptr(types.StatusUnknown)
	} else if err := unix.Lchown(bkpath, int(info.Uid), int(info.Gid)); err != nil {
		log.Printf("[backend] error setting owner/group in backend on %s: %v", bkpath, err)
	}

	attrs.BackendPath = types.Ptr(bkpath)
	attrs.LastArchive = types.Ptr(time.Now())
	return nil
}

// Remove unlinks an entry's backend copy. A missing copy reports
// NotFound, distinct from other I/O errors.
func (b *Backend) Remove(ctx context.Context, backendPath string) error {
	if backendPath == "" {
		return fmt.Errorf("%w: empty backend path", types.ErrInvalidInput)
	}
	if err := unix.Unlink(backendPath); err != nil {
		if err == unix.ENOENT {
			return fmt.Errorf("remove %s: %w", backendPath, types.ErrNotFound)
		}
		return fmt.Errorf("remove %s: %w", backendPath, err)
	}
	return nil
}

// Release purges the body of an archived file. It requires a
// purge-capable sub-backend.
func (b *Backend) Release(ctx context.Context, id types.EntryID, attrs *types.EntryAttributes) error {
	if b.purge == nil {
		return fmt.Errorf("release: %w", types.ErrUnsupported)
	}
	if attrs.Status == nil {
		changed, err := b.GetStatus(ctx, id, attrs)
		if err != nil {
			return err
		}
		attrs.Merge(changed, true)
	}
	if attrs.Type == nil || *attrs.Type != types.TypeFile {
		return fmt.Errorf("release: %w: files only", types.ErrUnsupported)
	}
	if attrs.FullPath == nil {
		return fmt.Errorf("%w: release needs the filesystem path", types.ErrInvalidInput)
	}
	return b.purge.Release(ctx, id, *attrs.FullPath)
}
