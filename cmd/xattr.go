package cmd

import (
	"fmt"
	"io"

	"github.com/dvries/xfsread/fsys"
)

// Xattr lists a file's extended attribute names, or prints one value
// when attr is non-empty. Values print raw so binary attributes can be
// piped.
func Xattr(filesystem fsys.FS, fsPath, attr string, out io.Writer) error {
	xa, ok := filesystem.(fsys.Xattrer)
	if !ok {
		return fmt.Errorf("%s does not support extended attributes", filesystem.Type())
	}
	fsPath = normalizePath(fsPath)

	if attr == "" {
		names, err := xa.ListXattrs(fsPath)
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Fprintln(out, n)
		}
		return nil
	}

	val, err := xa.Xattr(fsPath, attr)
	if err != nil {
		return err
	}
	_, err = out.Write(val)
	return err
}
