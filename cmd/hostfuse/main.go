// Command hostfuse bridges a formatted LittleFS volume onto a real
// mountpoint on the host's own kernel, via internal/fusebridge. It exists
// so a developer can inspect or script against the embedded file systems
// with ordinary host tools (ls, cat, cp) instead of a bespoke harness.
//
// Grounded on backend/torrent/cmd/backend.go's cobra wiring style (a
// package-level *cobra.Command plus an init() that registers flags), the
// one non-test cobra usage retrieved for this module's ancestry.
package main

import (
	"context"
	"os"
	"os/signal"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/xila-project/core/internal/device"
	"github.com/xila-project/core/internal/fusebridge"
	"github.com/xila-project/core/internal/identifier"
	"github.com/xila-project/core/internal/littlefs"
	"github.com/xila-project/core/internal/vfs"
	"github.com/xila-project/core/internal/vpath"
)

var log = logrus.New()

var (
	imagePath  string
	mountpoint string
	blockSize  int
	blockCount uint64
	cacheSize  int
	debug      bool
)

func init() {
	rootCommand.Flags().StringVarP(&imagePath, "image", "i", "", "path to a LittleFS device image (created if it does not exist)")
	rootCommand.Flags().StringVarP(&mountpoint, "mountpoint", "m", "", "host directory to mount the volume on")
	rootCommand.Flags().IntVar(&blockSize, "block-size", 4096, "block size in bytes, used both when creating and when opening an image")
	rootCommand.Flags().Uint64Var(&blockCount, "block-count", 4096, "block count, used both when creating and when opening an image")
	rootCommand.Flags().IntVar(&cacheSize, "cache-size", 4096, "per-handle write-back cache size in bytes (spec.md §4.2 cache_size)")
	rootCommand.Flags().BoolVar(&debug, "debug", false, "log every FUSE request")
	_ = rootCommand.MarkFlagRequired("image")
	_ = rootCommand.MarkFlagRequired("mountpoint")
}

var rootCommand = &cobra.Command{
	Use:   "hostfuse",
	Short: "Mount a LittleFS volume on the host via FUSE",
	Long: `
hostfuse exposes a LittleFS volume's root through vfs.Dispatcher on a host
mountpoint, by translating every FUSE request the host kernel sends into
the same Dispatcher calls a scheduled kernel task would make.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func run(ctx context.Context) error {
	dev, err := openOrCreateDevice(ctx)
	if err != nil {
		return err
	}

	generator := identifier.NewGenerator()
	fs, err := littlefs.GetOrFormat(ctx, dev, generator, cacheSize)
	if err != nil {
		return err
	}
	log.WithField("image", imagePath).Info("volume ready")

	dispatcher := vfs.New(generator)
	if _, err := dispatcher.Mount(ctx, vpath.MustNew("/"), fs); err != nil {
		return err
	}

	task := generator.NextTaskIdentifier()

	opts := &gofuse.Options{}
	if debug {
		opts.MountOptions.Debug = true
	}

	server, err := fusebridge.Mount(mountpoint, dispatcher, task, opts)
	if err != nil {
		return err
	}
	log.WithField("mountpoint", mountpoint).Info("mounted, press Ctrl-C to unmount")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		log.Info("unmounting")
		_ = server.Unmount()
	}()

	server.Wait()
	return nil
}

// openOrCreateDevice opens imagePath as a file-backed block device,
// creating it fresh at the requested geometry if it does not yet exist.
func openOrCreateDevice(ctx context.Context) (device.BlockDevice, error) {
	if _, statErr := os.Stat(imagePath); statErr == nil {
		return device.OpenFileBackedDevice(imagePath, blockSize, blockCount)
	}
	return device.CreateFileBackedDevice(imagePath, blockSize, blockCount)
}

func main() {
	if err := rootCommand.ExecuteContext(context.Background()); err != nil {
		log.WithError(err).Fatal("hostfuse failed")
	}
}
