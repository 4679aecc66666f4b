package cmd

import (
	"fmt"
	"io"
	"io/fs"

	"github.com/dvries/xfsread/fsys"
)

// Cat copies a file's contents to out. When the filesystem can map
// extents, the data streams straight from the backing image without
// buffering the file.
func Cat(filesystem fsys.FS, fsPath string, out io.Writer) error {
	fsPath = normalizePath(fsPath)

	info, err := fs.Stat(filesystem, fsPath)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s: is a directory", fsPath)
	}

	if em, ok := filesystem.(fsys.ExtentMapper); ok {
		if br, ok := filesystem.(interface{ BaseReader() io.ReaderAt }); ok {
			extents, err := em.FileExtents(fsPath)
			if err == nil {
				r := fsys.NewExtentReaderAt(br.BaseReader(), extents, info.Size())
				return streamFromReaderAt(r, info.Size(), out)
			}
		}
	}

	file, err := filesystem.Open(fsPath)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(out, file)
	return err
}

// streamFromReaderAt copies size bytes from r to out in fixed chunks.
func streamFromReaderAt(r io.ReaderAt, size int64, out io.Writer) error {
	const chunk = 64 * 1024
	buf := make([]byte, chunk)
	for off := int64(0); off < size; {
		n := int64(chunk)
		if off+n > size {
			n = size - off
		}
		nr, err := r.ReadAt(buf[:n], off)
		if nr > 0 {
			if _, werr := out.Write(buf[:nr]); werr != nil {
				return werr
			}
			off += int64(nr)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Stat prints detailed information about a file or directory.
func Stat(filesystem fsys.FS, fsPath string, out io.Writer) error {
	fsPath = normalizePath(fsPath)

	info, err := fs.Stat(filesystem, fsPath)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "   File: %s\n", info.Name())
	fmt.Fprintf(out, "   Size: %d\n", info.Size())
	fmt.Fprintf(out, "   Mode: %s\n", info.Mode())
	fmt.Fprintf(out, "ModTime: %s\n", info.ModTime())
	if fi, ok := info.(fsys.FileInfo); ok {
		fmt.Fprintf(out, "  Inode: %d\n", fi.Inode())
	}
	return nil
}
