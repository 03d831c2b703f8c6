// Command kerneld is the host-side operator CLI for the kernel's storage
// core: it formats LittleFS images, lists and edits their contents
// through the same vfs.Dispatcher a scheduled task would use, and manages
// the identity store, all without requiring a FUSE mount.
//
// Grounded on backend/torrent/cmd/backend.go's cobra wiring style (a
// package-level *cobra.Command tree, a shared init() registering
// subcommands and flags) — the one non-test cobra usage retrieved for
// this module's ancestry — generalized from one backend's read-only
// command group into a full command tree over the kernel's own storage
// and identity primitives.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/xila-project/core/internal/backingfs"
	"github.com/xila-project/core/internal/device"
	"github.com/xila-project/core/internal/flags"
	"github.com/xila-project/core/internal/identifier"
	"github.com/xila-project/core/internal/kernelerrors"
	"github.com/xila-project/core/internal/littlefs"
	"github.com/xila-project/core/internal/mbr"
	"github.com/xila-project/core/internal/users"
	"github.com/xila-project/core/internal/vfs"
	"github.com/xila-project/core/internal/vpath"
)

var log = logrus.New()

var (
	imagePath  string
	partition  int
	blockSize  int
	blockCount uint64
	cacheSize  int
	verbose    bool
)

func init() {
	rootCommand.PersistentFlags().StringVarP(&imagePath, "image", "i", "kernel.img", "path to a LittleFS device image")
	rootCommand.PersistentFlags().IntVar(&partition, "partition", -1, "MBR partition number to mount instead of the raw image (-1 disables MBR parsing)")
	rootCommand.PersistentFlags().IntVar(&cacheSize, "cache-size", 4096, "per-handle write-back cache size in bytes (spec.md §4.2 cache_size)")
	rootCommand.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCommand.PersistentFlags().IntVar(&blockSize, "block-size", 4096, "block size in bytes")
	rootCommand.PersistentFlags().Uint64Var(&blockCount, "block-count", 4096, "block count")

	rootCommand.AddCommand(
		formatCommand,
		lsCommand,
		catCommand,
		writeCommand,
		mkdirCommand,
		rmCommand,
		mvCommand,
		usersCommand,
	)
	usersCommand.AddCommand(usersListCommand, usersAddCommand)
}

var rootCommand = &cobra.Command{
	Use:   "kerneld",
	Short: "Operate on a kernel LittleFS image from the host",
}

var formatCommand = &cobra.Command{
	Use:   "format",
	Short: "Create and format a fresh LittleFS image",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dev, err := device.CreateFileBackedDevice(imagePath, blockSize, blockCount)
		if err != nil {
			return err
		}
		if _, err := littlefs.Format(ctx, dev, identifier.NewGenerator(), cacheSize); err != nil {
			return err
		}
		log.WithFields(logrus.Fields{"image": imagePath, "block_size": blockSize, "block_count": blockCount}).Info("formatted")
		return nil
	},
}

var lsCommand = &cobra.Command{
	Use:   "ls [path]",
	Short: "List a directory's contents",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/"
		if len(args) == 1 {
			path = args[0]
		}
		return withKernel(cmd.Context(), func(ctx context.Context, k *kernel) error {
			return doList(ctx, k, path)
		})
	},
}

var catCommand = &cobra.Command{
	Use:   "cat <path>",
	Short: "Print a file's contents to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKernel(cmd.Context(), func(ctx context.Context, k *kernel) error {
			return doCat(ctx, k, args[0])
		})
	},
}

var writeCommand = &cobra.Command{
	Use:   "write <path>",
	Short: "Write stdin to a file, creating or truncating it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKernel(cmd.Context(), func(ctx context.Context, k *kernel) error {
			return doWrite(ctx, k, args[0])
		})
	},
}

var mkdirCommand = &cobra.Command{
	Use:   "mkdir <path>",
	Short: "Create a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKernel(cmd.Context(), func(ctx context.Context, k *kernel) error {
			return k.dispatcher.CreateDirectory(ctx, vpath.MustNew(args[0]))
		})
	},
}

var rmCommand = &cobra.Command{
	Use:   "rm <path>",
	Short: "Remove a file or empty directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKernel(cmd.Context(), func(ctx context.Context, k *kernel) error {
			return k.dispatcher.Remove(ctx, vpath.MustNew(args[0]))
		})
	},
}

var mvCommand = &cobra.Command{
	Use:   "mv <source> <destination>",
	Short: "Rename or move a file or directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKernel(cmd.Context(), func(ctx context.Context, k *kernel) error {
			return k.dispatcher.Rename(ctx, vpath.MustNew(args[0]), vpath.MustNew(args[1]))
		})
	},
}

var usersCommand = &cobra.Command{
	Use:   "users",
	Short: "Inspect and edit a fresh in-memory identity store (not saved between runs)",
}

var usersListCommand = &cobra.Command{
	Use:   "list",
	Short: "List known users",
	RunE: func(cmd *cobra.Command, args []string) error {
		manager := users.New()
		root, err := manager.LookupUser(cmd.Context(), identifier.RootUser)
		if err != nil {
			return err
		}
		fmt.Printf("%d\t%s\n", identifier.RootUser, root.Name)
		return nil
	},
}

var usersAddCommand = &cobra.Command{
	Use:   "add <name> <group>",
	Short: "Create a user in the given group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		manager := users.New()
		group, err := manager.CreateGroup(cmd.Context(), args[1])
		if err != nil {
			return err
		}
		uid, err := manager.CreateUser(cmd.Context(), args[0], group)
		if err != nil {
			return err
		}
		fmt.Printf("created user %d in group %d\n", uid, group)
		return nil
	},
}

// kernel bundles the services a one-shot kerneld command needs: the
// dispatcher with the image's volume mounted at root, and the task
// identity every call is attributed to.
type kernel struct {
	dispatcher *vfs.Dispatcher
	task       identifier.TaskIdentifier
}

// withKernel opens imagePath (optionally through an MBR partition),
// mounts it, and runs fn. kerneld is a one-shot CLI:
// there is no long-lived daemon state to release beyond the OS file
// descriptor the process exit already reclaims.
func withKernel(ctx context.Context, fn func(context.Context, *kernel) error) error {
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	dev, err := openDevice(ctx)
	if err != nil {
		return err
	}

	generator := identifier.NewGenerator()
	fs, err := littlefs.Mount(ctx, dev, generator, cacheSize)
	if err != nil {
		return err
	}

	dispatcher := vfs.New(generator)
	if _, err := dispatcher.Mount(ctx, vpath.MustNew("/"), fs); err != nil {
		return err
	}

	k := &kernel{dispatcher: dispatcher, task: generator.NextTaskIdentifier()}
	return fn(ctx, k)
}

func openDevice(ctx context.Context) (device.BlockDevice, error) {
	raw, err := device.OpenFileBackedDevice(imagePath, blockSize, blockCount)
	if err != nil {
		return nil, err
	}
	if partition < 0 {
		return raw, nil
	}

	sector := make([]byte, 512)
	deviceCtx, err := raw.Open(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := raw.Read(ctx, deviceCtx, sector, 0); err != nil {
		return nil, err
	}
	table, err := mbr.Parse(sector)
	if err != nil {
		return nil, err
	}
	if partition >= len(table.Entries) {
		return nil, kernelerrors.ErrInvalidParameter
	}
	log.WithField("partition", partition).Debug("mounting MBR partition")
	return mbr.NewPartitionDevice(ctx, raw, table.Entries[partition])
}

func doList(ctx context.Context, k *kernel, path string) error {
	fd, err := k.dispatcher.OpenDirectory(ctx, k.task, vpath.MustNew(path))
	if err != nil {
		return err
	}
	defer k.dispatcher.Close(ctx, fd)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	for {
		entry, err := k.dispatcher.ReadDirectory(ctx, fd)
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		fmt.Fprintf(w, "%s\t%s\t%d\n", entry.Kind, entry.Name, entry.Inode)
	}
}

func doCat(ctx context.Context, k *kernel, path string) error {
	fd, err := k.dispatcher.Open(ctx, k.task, vpath.MustNew(path), flags.New(flags.ModeReadOnly, 0, 0))
	if err != nil {
		return err
	}
	defer k.dispatcher.Close(ctx, fd)

	buf := make([]byte, 32*1024)
	for {
		n, err := k.dispatcher.Read(ctx, fd, buf)
		if n > 0 {
			if _, werr := os.Stdout.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func doWrite(ctx context.Context, k *kernel, path string) error {
	p := vpath.MustNew(path)
	if err := k.dispatcher.CreateFile(ctx, p); err != nil && !kernelerrors.Is(err, kernelerrors.ErrAlreadyExists) {
		return err
	}
	fd, err := k.dispatcher.Open(ctx, k.task, p, flags.New(flags.ModeWriteOnly, flags.OpenTruncate, 0))
	if err != nil {
		return err
	}
	defer k.dispatcher.Close(ctx, fd)

	if _, err := k.dispatcher.SetPosition(ctx, fd, backingfs.Position{Kind: backingfs.PositionStart}); err != nil {
		return err
	}

	buf := make([]byte, 32*1024)
	for {
		n, rerr := os.Stdin.Read(buf)
		if n > 0 {
			if _, werr := k.dispatcher.Write(ctx, fd, buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

func main() {
	if err := rootCommand.ExecuteContext(context.Background()); err != nil {
		log.WithError(err).Fatal("kerneld failed")
	}
}
