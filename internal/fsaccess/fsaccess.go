// Package fsaccess wraps the host filesystem calls needed by the catalog,
// the pipeline and the backend: attribute retrieval, entry ids, relative
// path computation and attribute-mirroring directory creation.
package fsaccess

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jra3/fspolicy/internal/types"
)

// EntryIDOf builds the stable entry id from a stat result. The ctime of
// that stat, in whole seconds, acts as the validator against inode reuse;
// a later stat with a newer ctime gives a different validator.
func EntryIDOf(st *unix.Stat_t) types.EntryID {
	return types.EntryID{
		Device:    uint64(st.Dev),
		Inode:     st.Ino,
		Validator: time.Unix(st.Ctim.Sec, st.Ctim.Nsec).Unix(),
	}
}

// TypeOf maps a stat mode to the cataloged entry type.
func TypeOf(mode uint32) types.EntryType {
	switch mode & unix.S_IFMT {
	case unix.S_IFREG:
		return types.TypeFile
	case unix.S_IFDIR:
		return types.TypeDir
	case unix.S_IFLNK:
		return types.TypeSymlink
	case unix.S_IFBLK:
		return types.TypeBlock
	case unix.S_IFCHR:
		return types.TypeChar
	case unix.S_IFIFO:
		return types.TypeFifo
	default:
		return types.TypeSocket
	}
}

// Lstat returns the entry id and POSIX attributes of path without
// following symlinks.
func Lstat(path string, names *NameResolver) (types.EntryID, *types.EntryAttributes, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		if err == unix.ENOENT || err == unix.ESTALE {
			return types.EntryID{}, nil, fmt.Errorf("lstat %s: %w", path, types.ErrNotFound)
		}
		return types.EntryID{}, nil, fmt.Errorf("lstat %s: %w", path, err)
	}
	return EntryIDOf(&st), StatToAttrs(&st, names), nil
}

// StatToAttrs converts a stat result into a partial attribute record.
func StatToAttrs(st *unix.Stat_t, names *NameResolver) *types.EntryAttributes {
	attrs := &types.EntryAttributes{
		Type:       types.Ptr(TypeOf(st.Mode)),
		Size:       types.Ptr(st.Size),
		Blocks:     types.Ptr(st.Blocks),
		BlkSize:    types.Ptr(int64(st.Blksize)),
		Nlink:      types.Ptr(uint32(st.Nlink)),
		LastAccess: types.Ptr(time.Unix(st.Atim.Sec, 0)),
		LastMod:    types.Ptr(time.Unix(st.Mtim.Sec, 0)),
	}
	if names != nil {
		attrs.Owner = types.Ptr(names.UserName(st.Uid))
		attrs.Group = types.Ptr(names.GroupName(st.Gid))
	}
	return attrs
}

// RelativePath extracts the path of full relative to root. A root with or
// without a trailing separator strips the same way; full must be under
// root.
func RelativePath(full, root string) (string, error) {
	r := root
	if len(r) > 1 && !strings.HasSuffix(r, "/") {
		r += "/"
	}
	if !strings.HasPrefix(full, r) {
		if full == strings.TrimSuffix(root, "/") {
			return "", nil
		}
		return "", fmt.Errorf("%w: path %q is not under root %q", types.ErrInvalidInput, full, root)
	}
	return full[len(r):], nil
}

// SetTimes restores atime and mtime on path.
func SetTimes(path string, atime, mtime time.Time) error {
	ts := []unix.Timespec{
		unix.NsecToTimespec(atime.UnixNano()),
		unix.NsecToTimespec(mtime.UnixNano()),
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return fmt.Errorf("utimes %s: %w", path, err)
	}
	return nil
}

// Lchown sets owner/group without following symlinks; -1 keeps a field.
func Lchown(path string, uid, gid int) error {
	if err := unix.Lchown(path, uid, gid); err != nil {
		return fmt.Errorf("lchown %s: %w", path, err)
	}
	return nil
}

// Mirror creates directories on one side of the FS/backend pair while
// copying mode and ownership from the identically-relative directory on
// the other side when it exists.
type Mirror struct {
	FSRoot      string
	BackendRoot string
}

// Target selects the side a mirrored mkdir writes to.
type Target int

const (
	ToFS Target = iota
	ToBackend
)

// roots returns (destination root, source root) for the given target.
func (m Mirror) roots(target Target) (string, string) {
	if target == ToBackend {
		return m.BackendRoot, m.FSRoot
	}
	return m.FSRoot, m.BackendRoot
}

// origDirStat stats the directory on the opposite side that corresponds
// to destDir.
func (m Mirror) origDirStat(destDir string, target Target) (*unix.Stat_t, error) {
	dstRoot, srcRoot := m.roots(target)
	rel, err := RelativePath(destDir, dstRoot)
	if err != nil {
		return nil, err
	}
	var st unix.Stat_t
	orig := filepath.Join(srcRoot, rel)
	if err := unix.Lstat(orig, &st); err != nil {
		return nil, fmt.Errorf("lstat %s: %w", orig, err)
	}
	return &st, nil
}

// MkdirMirrored ensures fullPath exists under the target root, creating
// every missing component. Each created component copies mode and
// uid/gid from the other side's identically-relative directory when
// present, and falls back to defaultMode otherwise. It is idempotent.
func (m Mirror) MkdirMirrored(fullPath string, defaultMode fs.FileMode, target Target) error {
	dstRoot, _ := m.roots(target)
	rel, err := RelativePath(fullPath, dstRoot)
	if err != nil {
		return err
	}
	if rel == "" {
		return nil
	}

	curr := strings.TrimSuffix(dstRoot, "/")
	for _, comp := range strings.Split(rel, "/") {
		if comp == "" {
			continue
		}
		curr = curr + "/" + comp

		var st unix.Stat_t
		err := unix.Lstat(curr, &st)
		if err == nil {
			if st.Mode&unix.S_IFMT != unix.S_IFDIR {
				return fmt.Errorf("mkdir %s: %w: existing non-directory", curr, types.ErrAlreadyExists)
			}
			continue
		}
		if err != unix.ENOENT {
			return fmt.Errorf("lstat %s: %w", curr, err)
		}

		mode := defaultMode
		orig, origErr := m.origDirStat(curr, target)
		if origErr == nil {
			mode = fs.FileMode(orig.Mode & 07777)
		}
		if err := os.Mkdir(curr, mode); err != nil && !os.IsExist(err) {
			return fmt.Errorf("mkdir %s: %w", curr, err)
		}
		if origErr == nil {
			if err := unix.Lchown(curr, int(orig.Uid), int(orig.Gid)); err != nil {
				log.Printf("[fsaccess] cannot set owner/group for %s: %v", curr, err)
			}
		}
	}
	return nil
}
