// xfsread reads files out of XFS disk images without mounting them.
//
// Usage:
//
//	xfsread -i disk.img ls [-l] [-a] [path]
//	xfsread -i disk.img cat <path>
//	xfsread -i disk.img stat <path>
//	xfsread -i disk.img xattr <path> [name]
//	xfsread -i disk.img info
//	xfsread -i disk.img [--xts-key HEX] nbd --socket /run/xfsread.sock
//
// Exit codes follow errno where an error maps to one (ENOENT for a
// missing path, ENOTDIR, EUCLEAN for corrupt metadata).
package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sys/unix"

	"github.com/dvries/xfsread/cmd"
	"github.com/dvries/xfsread/detect"
	"github.com/dvries/xfsread/nbd"
	"github.com/dvries/xfsread/xfs"
	"github.com/dvries/xfsread/xts"
)

// config carries the XFSREAD_* environment defaults; command-line
// flags override them.
type config struct {
	CacheBlocks  int    `envconfig:"CACHE_BLOCKS"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"warn"`
	XtsKey       string `envconfig:"XTS_KEY"`
	XtsSectorLen int    `envconfig:"XTS_SECTOR" default:"512"`
}

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "xfsread: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps the error taxonomy onto errno values so scripts can
// tell a missing file from a broken image.
func exitCode(err error) int {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return int(unix.ENOENT)
	case errors.Is(err, xfs.ErrNotDir):
		return int(unix.ENOTDIR)
	case errors.Is(err, xfs.ErrInvalidOp):
		return int(unix.EINVAL)
	case errors.Is(err, xfs.ErrCorrupt):
		return int(unix.EUCLEAN)
	case errors.Is(err, xfs.ErrInvalidFormat):
		return int(unix.ENODEV)
	default:
		return 1
	}
}

func run(args []string) error {
	var cfg config
	if err := envconfig.Process("xfsread", &cfg); err != nil {
		return err
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)

	app := &cli.App{
		Name:  "xfsread",
		Usage: "read files out of XFS disk images",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "image",
				Aliases:  []string{"i"},
				Usage:    "path to the disk image",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "logging level (debug, info, warn, error)",
				Value: cfg.LogLevel,
			},
			&cli.IntFlag{
				Name:  "cache-blocks",
				Usage: "metadata block cache size, 0 for default",
				Value: cfg.CacheBlocks,
			},
			&cli.StringFlag{
				Name:  "xts-key",
				Usage: "hex AES-XTS key for encrypted images (32, 48, or 64 bytes)",
				Value: cfg.XtsKey,
			},
			&cli.IntFlag{
				Name:  "xts-sector",
				Usage: "XTS sector size in bytes",
				Value: cfg.XtsSectorLen,
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logrus.ParseLevel(c.String("log-level"))
			if err != nil {
				return fmt.Errorf("log level: %w", err)
			}
			log.SetLevel(level)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "ls",
				Usage:     "list a directory",
				ArgsUsage: "[path]",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "long", Aliases: []string{"l"}, Usage: "long listing format"},
					&cli.BoolFlag{Name: "all", Aliases: []string{"a"}, Usage: "include dotfiles"},
				},
				Action: func(c *cli.Context) error {
					return withImage(c, log, func(filesystem *xfs.FS) error {
						path := "."
						if c.NArg() > 0 {
							path = c.Args().First()
						}
						return cmd.Ls(filesystem, path, os.Stdout, cmd.LsOptions{
							Long: c.Bool("long"),
							All:  c.Bool("all"),
						})
					})
				},
			},
			{
				Name:      "cat",
				Usage:     "write a file's contents to stdout",
				ArgsUsage: "<path>",
				Action: func(c *cli.Context) error {
					if c.NArg() < 1 {
						return errors.New("cat requires a path argument")
					}
					return withImage(c, log, func(filesystem *xfs.FS) error {
						return cmd.Cat(filesystem, c.Args().First(), os.Stdout)
					})
				},
			},
			{
				Name:      "stat",
				Usage:     "show file metadata",
				ArgsUsage: "<path>",
				Action: func(c *cli.Context) error {
					if c.NArg() < 1 {
						return errors.New("stat requires a path argument")
					}
					return withImage(c, log, func(filesystem *xfs.FS) error {
						return cmd.Stat(filesystem, c.Args().First(), os.Stdout)
					})
				},
			},
			{
				Name:      "xattr",
				Usage:     "list extended attributes, or print one value",
				ArgsUsage: "<path> [name]",
				Action: func(c *cli.Context) error {
					if c.NArg() < 1 {
						return errors.New("xattr requires a path argument")
					}
					return withImage(c, log, func(filesystem *xfs.FS) error {
						return cmd.Xattr(filesystem, c.Args().First(), c.Args().Get(1), os.Stdout)
					})
				},
			},
			{
				Name:  "info",
				Usage: "show volume geometry and free space",
				Action: func(c *cli.Context) error {
					return withImage(c, log, func(filesystem *xfs.FS) error {
						return cmd.Info(filesystem, os.Stdout)
					})
				},
			},
			{
				Name:  "nbd",
				Usage: "serve the image as a read-only network block device",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "socket",
						Usage: "unix socket path",
						Value: "/run/xfsread.sock",
					},
					&cli.StringFlag{
						Name:  "name",
						Usage: "export name",
						Value: "xfs",
					},
				},
				Action: func(c *cli.Context) error {
					return runNBD(c, log)
				},
			},
		},
	}

	return app.Run(args)
}

// openImage opens the image file, wrapping it in a decrypting reader
// when an XTS key is given.
func openImage(c *cli.Context, log *logrus.Logger) (io.ReaderAt, int64, *os.File, error) {
	imagePath := c.String("image")
	file, err := os.Open(imagePath)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("opening image: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, nil, fmt.Errorf("stat image: %w", err)
	}

	var r io.ReaderAt = file
	size := info.Size()
	if keyHex := c.String("xts-key"); keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			file.Close()
			return nil, 0, nil, fmt.Errorf("xts key: %w", err)
		}
		cipher, err := xts.New(key, c.Int("xts-sector"), 0)
		if err != nil {
			file.Close()
			return nil, 0, nil, err
		}
		r = xts.NewReaderAt(file, cipher, size)
		log.WithField("sector", c.Int("xts-sector")).Debug("xts decryption enabled")
	}
	return r, size, file, nil
}

// withImage opens and mounts the image, runs fn, and cleans up. When
// the mount fails, detection runs so the error can name what the
// image actually holds.
func withImage(c *cli.Context, log *logrus.Logger, fn func(*xfs.FS) error) error {
	r, size, file, err := openImage(c, log)
	if err != nil {
		return err
	}
	defer file.Close()

	filesystem, err := xfs.Mount(r, size, xfs.Options{
		CacheBlocks: c.Int("cache-blocks"),
		Logger:      log,
	})
	if err != nil {
		if t, derr := detect.Detect(r); derr == nil && t != detect.XFS {
			return fmt.Errorf("image is %s, not XFS: %w", t, err)
		}
		return err
	}
	defer filesystem.Close()
	return fn(filesystem)
}

func runNBD(c *cli.Context, log *logrus.Logger) error {
	r, size, file, err := openImage(c, log)
	if err != nil {
		return err
	}
	defer file.Close()

	// Mount first so a broken image is refused before the kernel
	// attaches to it.
	filesystem, err := xfs.Mount(r, size, xfs.Options{
		CacheBlocks: c.Int("cache-blocks"),
		Logger:      log,
	})
	if err != nil {
		return err
	}
	filesystem.Close()

	srv := nbd.NewServer(c.String("socket"), log)
	if err := srv.AddExport(&nbd.Export{
		Name:   c.String("name"),
		Reader: r,
		Size:   size,
	}); err != nil {
		return err
	}
	return srv.Serve()
}
