package main

import (
	"os"

	"fatoverlay/internal/config"
	"fatoverlay/internal/logging"
	"fatoverlay/internal/overlay"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
)

var (
	logger = logging.GetLogger()
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "fatoverlay",
		Usage: "FAT, bitmap and inode bookkeeping over a host directory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML config file",
				EnvVars: []string{config.EnvPrefix + "_CONFIG_FILE"},
			},
			&cli.StringFlag{
				Name:  "virtual-root",
				Usage: "virtual path the host directory is mounted at",
			},
			&cli.StringFlag{
				Name:  "real-root",
				Usage: "host directory backing the virtual root (default: working directory)",
			},
			&cli.StringFlag{
				Name:  "state-dir",
				Usage: "directory holding the bitmap, FAT and session files",
			},
			&cli.IntFlag{
				Name:  "backups",
				Usage: "number of rotated checkpoint backups to keep",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "ERROR, WARN, INFO, DEBUG or TRACE",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable debug logging",
			},
		},
		Commands: commands(),
	}
}

// loadConfig layers the command line over the config file and environment.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	configFile := ctx.String("config")
	if configFile == "" {
		configFile = config.ConfigFile()
	} else if !IsFile(configFile) {
		return nil, Fatalf("config file %s not found", configFile)
	}

	c, err := config.Load(configFile)
	if err != nil {
		return nil, Fatal(err)
	}
	if ctx.IsSet("virtual-root") {
		c.VirtualRoot = ctx.String("virtual-root")
	}
	if ctx.IsSet("real-root") {
		c.RealRoot = ctx.String("real-root")
	}
	if ctx.IsSet("state-dir") {
		c.StateDir = ctx.String("state-dir")
	}
	if ctx.IsSet("backups") {
		c.Backups = ctx.Int("backups")
	}
	if ctx.IsSet("log-level") {
		c.LogLevel = ctx.String("log-level")
	}
	if err := c.Validate(); err != nil {
		return nil, Fatal(err)
	}

	c.ApplyLogLevel()
	if ctx.Bool("verbose") {
		logger.SetLevel(logging.LevelDebug)
	}
	logger.Debug("Config: %+v", *c)
	return c, nil
}

// withEngine opens the overlay for one command and checkpoints it
// afterwards, even when the command fails.
func withEngine(fn func(e *overlay.Engine, ctx *cli.Context) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		c, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		e, err := overlay.Open(c.Options())
		if err != nil {
			return Fatal(err)
		}
		err = fn(e, ctx)
		return multierr.Append(err, e.Checkpoint())
	}
}

// arg returns the i-th positional argument or fails with usage help.
func arg(ctx *cli.Context, i int, name string) (string, error) {
	if ctx.NArg() <= i {
		return "", Fatalf("missing %s argument; usage: %s %s", name, ctx.Command.Name, ctx.Command.ArgsUsage)
	}
	return ctx.Args().Get(i), nil
}
