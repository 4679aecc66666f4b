package cmd

import (
	"fmt"
	"io"

	"github.com/dvries/xfsread/fsys"
)

// Info prints image-level facts: type, volume identity and geometry
// when the filesystem reports them, and free space when it can count
// it.
func Info(filesystem fsys.FS, out io.Writer) error {
	fmt.Fprintf(out, "      Type: %s\n", filesystem.Type())

	if vr, ok := filesystem.(fsys.VolumeReporter); ok {
		v := vr.Volume()
		if v.Label != "" {
			fmt.Fprintf(out, "     Label: %s\n", v.Label)
		}
		if v.UUID != "" {
			fmt.Fprintf(out, "      UUID: %s\n", v.UUID)
		}
		fmt.Fprintf(out, "   Version: %s\n", v.Version)
		fmt.Fprintf(out, "Block size: %d\n", v.BlockSize)
		fmt.Fprintf(out, "    Blocks: %d (%d bytes)\n", v.Blocks, v.Blocks*uint64(v.BlockSize))
		fmt.Fprintf(out, "    Groups: %d\n", v.Groups)
	}

	if fsp, ok := filesystem.(fsys.FreeSpacer); ok {
		free, err := fsp.FreeSpace()
		if err != nil {
			return fmt.Errorf("free space: %w", err)
		}
		fmt.Fprintf(out, "      Free: %d bytes\n", free)
	}
	return nil
}
