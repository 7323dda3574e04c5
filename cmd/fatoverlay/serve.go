package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"fatoverlay/internal/fs"
	"fatoverlay/internal/overlay"
	"fatoverlay/internal/watch"

	"github.com/urfave/cli/v2"
)

func mountAction(ctx *cli.Context) error {
	c, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	mountPoint := c.MountPoint
	if ctx.NArg() > 0 {
		mountPoint = ctx.Args().First()
	}
	if mountPoint == "" {
		return Fatalf("no mount point given")
	}
	mountPoint = filepath.Clean(mountPoint)

	e, err := overlay.Open(c.Options())
	if err != nil {
		return Fatal(err)
	}

	vfs := fs.New(e)
	if err := vfs.Mount(mountPoint); err != nil {
		return Fatal(err)
	}

	logger.Debug("Setting up signal handlers...")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	served := make(chan error, 1)
	go func() { served <- vfs.Wait() }()

	select {
	case sig := <-sigChan:
		logger.Info("Received signal %v", sig)
		if err := vfs.Unmount(mountPoint); err != nil {
			return err
		}
		<-served
	case err := <-served:
		logger.Info("Filesystem was unmounted externally")
		if cerr := vfs.Checkpoint(); cerr != nil {
			return cerr
		}
		if err != nil {
			return err
		}
	}

	logger.Info("Clean shutdown complete")
	return nil
}

// watchAction lists the current directory, then lists it again after every
// host change, until interrupted.
func watchAction(ctx *cli.Context) error {
	c, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	e, err := overlay.Open(c.Options())
	if err != nil {
		return Fatal(err)
	}
	defer func() {
		if err := e.Checkpoint(); err != nil {
			logger.Error("Checkpoint failed: %v", err)
		}
	}()

	dir, err := e.Resolve(e.CurrentPath())
	if err != nil {
		return err
	}
	w, err := watch.New(watch.DefaultDebounce, e.IsMetadata)
	if err != nil {
		return Fatal(err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return Fatal(err)
	}

	list := func() {
		info, err := e.GetDirectoryInfo(e.CurrentPath())
		if err != nil {
			logger.Error("Listing %s: %v", e.CurrentPath(), err)
			return
		}
		printListing(ctx.App.Writer, info)
	}
	list()

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	err = w.Run(runCtx, func(ch watch.Change) {
		logger.Debug("Host changed %v in %s", ch.Names, ch.Dir)
		list()
	})
	if err == context.Canceled {
		return nil
	}
	return err
}
