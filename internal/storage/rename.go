package storage

import (
	"errors"
	"io/fs"
	"os"
)

// renameChecked is the portable no-replace rename. Regular files are linked
// into place and then unlinked, so the existence check is atomic. Directories
// cannot be hard-linked and fall back to check-then-rename.
func renameChecked(oldpath, newpath string) error {
	info, err := os.Lstat(oldpath)
	if err != nil {
		return err
	}
	if info.Mode().IsRegular() {
		if err := os.Link(oldpath, newpath); err == nil {
			return os.Remove(oldpath)
		} else if errors.Is(err, fs.ErrExist) {
			return err
		}
	}
	if _, err := os.Lstat(newpath); err == nil {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: fs.ErrExist}
	}
	return os.Rename(oldpath, newpath)
}
