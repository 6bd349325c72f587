package backend

import (
	"fmt"
	"path"

	"github.com/jra3/fspolicy/internal/fsaccess"
	"github.com/jra3/fspolicy/internal/types"
)

const (
	// unkPath collects entries whose filesystem path is unknown.
	unkPath = "__unknown_path"
	// unkName stands in for entries whose name is unknown.
	unkName = "__unknown_name"
	// copyExt marks an in-flight transfer.
	copyExt = ".xfer"
	// trashDir quarantines backend objects whose type mismatched.
	trashDir = ".orphans"
)

// pathPurpose distinguishes looking up an existing backend object from
// naming a fresh copy.
type pathPurpose int

const (
	forLookup pathPurpose = iota
	forNewCopy
)

// entryPath builds the canonical backend path of an entry.
//
// A lookup reuses the previously cataloged backend path when set. A new
// copy mirrors the filesystem layout under the backend root, sanitized,
// with "__<id>" appended for non-directories so renamed files resolve
// unambiguously. Entries with no usable path land under __unknown_path.
func (b *Backend) entryPath(id types.EntryID, attrs *types.EntryAttributes, purpose pathPurpose) string {
	isDir := attrs.Type != nil && *attrs.Type == types.TypeDir

	if isDir {
		// Directories map to the mirrored relative path, no id suffix.
		if attrs.FullPath != nil {
			if rel, err := fsaccess.RelativePath(*attrs.FullPath, b.cfg.FSRoot); err == nil {
				return cleanBadChars(path.Join(b.cfg.Root, rel))
			}
		}
		name := unkName
		if attrs.Name != nil {
			name = *attrs.Name
		}
		return cleanBadChars(path.Join(b.cfg.Root, unkPath, name))
	}

	if purpose == forLookup && attrs.BackendPath != nil && *attrs.BackendPath != "" {
		return *attrs.BackendPath
	}

	var p string
	if attrs.FullPath != nil {
		if rel, err := fsaccess.RelativePath(*attrs.FullPath, b.cfg.FSRoot); err == nil {
			p = path.Join(b.cfg.Root, rel)
		}
	}
	if p == "" {
		name := unkName
		if attrs.Name != nil {
			name = *attrs.Name
		}
		p = path.Join(b.cfg.Root, unkPath, name)
	}
	return cleanBadChars(p) + fmt.Sprintf("__%#x:%#x", id.Device, id.Inode)
}

// cleanBadChars replaces non-ASCII and shell-unsafe characters with '_'
// so backend paths stay safe for external copy commands.
func cleanBadChars(p string) string {
	out := []byte(p)
	for i, c := range out {
		switch {
		case c == '/' || c == '.' || c == '-' || c == '_' || c == '+' ||
			c == '@' || c == '=' || c == ':':
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
