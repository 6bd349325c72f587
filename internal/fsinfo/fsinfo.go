// Package fsinfo resolves the identity of the managed filesystem from the
// mount table and derives the stable key under which its entries are
// cataloged. The identity is established once at startup and passed by
// reference to the components that need it.
package fsinfo

import (
	"bufio"
	"fmt"
	"hash/fnv"
	"log"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/jra3/fspolicy/internal/types"
)

// KeyMode selects how the filesystem key is derived.
type KeyMode string

const (
	KeyFsName KeyMode = "fsname"
	KeyFsID   KeyMode = "fsid"
	KeyDevID  KeyMode = "devid"
)

// Info is the resolved identity of the managed filesystem.
type Info struct {
	Name       string
	MountPoint string
	DevID      uint64
	FsID       unix.Fsid
	keyMode    KeyMode
}

// mountEntry is one row of the mount table.
type mountEntry struct {
	spec   string
	dir    string
	fsType string
}

const mountTable = "/proc/mounts"

// Resolve checks the mount point and filesystem type of path and returns
// the filesystem identity. The mount entry with the longest prefix match
// of the canonicalized path wins. With checkMounted set, an unmounted
// root or a type mismatch is an error; otherwise a type mismatch is
// logged as a warning and an unmounted root is accepted without one.
func Resolve(path, expectedType string, keyMode KeyMode, checkMounted bool) (*Info, error) {
	if expectedType == "" {
		return nil, fmt.Errorf("%w: no filesystem type specified", types.ErrInvalidInput)
	}

	rpath, err := filepath.EvalSymlinks(path)
	if err != nil {
		return nil, fmt.Errorf("canonicalize %s: %w", path, err)
	}
	rpath, err = filepath.Abs(rpath)
	if err != nil {
		return nil, fmt.Errorf("canonicalize %s: %w", path, err)
	}

	entries, err := readMountTable(mountTable)
	if err != nil {
		return nil, err
	}

	best, ok := matchMount(entries, rpath, checkMounted)
	if !ok {
		return nil, fmt.Errorf("%w: no mount entry matches %q (set check_mounted=false to allow the root filesystem)",
			types.ErrNotFound, rpath)
	}

	if !strings.EqualFold(best.fsType, expectedType) {
		if checkMounted {
			return nil, fmt.Errorf("%w: %q is %s, expected %s",
				types.ErrInvalidInput, rpath, best.fsType, expectedType)
		}
		log.Printf("[fsinfo] warning: %q is %s, expected %s; check_mounted is disabled, continuing",
			rpath, best.fsType, expectedType)
	}

	var st unix.Stat_t
	if err := unix.Stat(rpath, &st); err != nil {
		return nil, fmt.Errorf("stat %s: %w", rpath, err)
	}

	// The parent of the mount point must live on another device,
	// otherwise nothing is mounted there.
	if checkMounted && best.dir != "/" {
		var parentSt unix.Stat_t
		if err := unix.Lstat(filepath.Dir(best.dir), &parentSt); err != nil {
			return nil, fmt.Errorf("stat %s: %w", filepath.Dir(best.dir), err)
		}
		if parentSt.Dev == st.Dev {
			return nil, fmt.Errorf("%w: filesystem %q is not mounted", types.ErrNotFound, best.dir)
		}
	}

	info := &Info{
		Name:       fsNameOf(best),
		MountPoint: best.dir,
		DevID:      uint64(st.Dev),
		keyMode:    keyMode,
	}

	if keyMode == KeyFsID {
		var stf unix.Statfs_t
		if err := unix.Statfs(best.dir, &stf); err != nil {
			return nil, fmt.Errorf("statfs %s: %w", best.dir, err)
		}
		info.FsID = stf.Fsid
		if fsidTo64(stf.Fsid) == 0 {
			log.Printf("[fsinfo] warning: fsid(0) does not look significant on this system, it should not be used as fs key")
		}
	}

	log.Printf("[fsinfo] %q matches mount point %q, type=%s, fs=%s",
		rpath, best.dir, best.fsType, best.spec)
	return info, nil
}

// Key returns the 64-bit filesystem key in the configured derivation mode.
func (i *Info) Key() uint64 {
	switch i.keyMode {
	case KeyFsID:
		return fsidTo64(i.FsID)
	case KeyDevID:
		return i.DevID
	default:
		h := fnv.New64a()
		h.Write([]byte(i.Name))
		return h.Sum64()
	}
}

func matchMount(entries []mountEntry, rpath string, checkMounted bool) (mountEntry, bool) {
	var best mountEntry
	bestLen := 0
	for _, e := range entries {
		l := len(e.dir)
		if l <= bestLen {
			continue
		}
		if e.dir == "/" {
			// The root filesystem only matches when check_mounted
			// is disabled.
			if !checkMounted {
				best, bestLen = e, l
			}
			continue
		}
		if strings.HasPrefix(rpath, e.dir) &&
			(len(rpath) == l || rpath[l] == '/') {
			best, bestLen = e, l
		}
	}
	return best, bestLen > 0
}

// fsNameOf extracts the filesystem name from the mount spec. Network
// specs like "mds@tcp:/fsname" or "host:/export" reduce to the part after
// ":/".
func fsNameOf(e mountEntry) string {
	if idx := strings.Index(e.spec, ":/"); idx >= 0 {
		return e.spec[idx+2:]
	}
	return e.spec
}

func fsidTo64(fsid unix.Fsid) uint64 {
	return uint64(uint32(fsid.Val[0]))<<32 | uint64(uint32(fsid.Val[1]))
}

func readMountTable(path string) ([]mountEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mount table: %w", err)
	}
	defer f.Close()

	var entries []mountEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		entries = append(entries, mountEntry{
			spec:   unescapeMount(fields[0]),
			dir:    unescapeMount(fields[1]),
			fsType: fields[2],
		})
	}
	return entries, sc.Err()
}

// unescapeMount decodes the octal escapes used by /proc/mounts for
// spaces, tabs and backslashes.
func unescapeMount(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			var c byte
			ok := true
			for j := 1; j <= 3; j++ {
				d := s[i+j]
				if d < '0' || d > '7' {
					ok = false
					break
				}
				c = c<<3 | (d - '0')
			}
			if ok {
				b.WriteByte(c)
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
