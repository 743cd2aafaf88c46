package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/mohammed-shakir/contour-pipeline/internal/core/config"
	"github.com/mohammed-shakir/contour-pipeline/internal/core/observability"
	"github.com/mohammed-shakir/contour-pipeline/internal/core/server"
	"github.com/mohammed-shakir/contour-pipeline/internal/ledger"
	"github.com/mohammed-shakir/contour-pipeline/internal/logger"
	"github.com/mohammed-shakir/contour-pipeline/internal/metrics"
	"github.com/mohammed-shakir/contour-pipeline/internal/progress"
	"github.com/mohammed-shakir/contour-pipeline/internal/tiles"
)

var Version = "dev"

type ZoomArgs struct {
	MinZoom int      `arg:"" optional:"" help:"Lowest zoom to process." default:"${min_zoom}"`
	MaxZoom int      `arg:"" optional:"" help:"Highest zoom to process." default:"${max_zoom}"`
	BBox    BBoxFlag `help:"Use west,south,east,north instead of the database extent." name:"bbox" placeholder:"W,S,E,N"`
}

type cli struct {
	LogLevel string      `help:"Logging verbosity." enum:"debug,info,warn,error" default:"${log_level}" name:"log-level"`
	Version  VersionFlag `help:"Print version information and quit." name:"version" short:"v"`

	Run struct {
		ZoomArgs
		KeepGoing bool `help:"Collect tile failures and keep processing." name:"keep-going"`
	} `cmd:"" help:"Fetch, contour and load every covering tile, highest zoom first."`
	Fetch struct {
		ZoomArgs
	} `cmd:"" help:"Only fill the raster tile cache."`
	Extent struct {
		BBox BBoxFlag `help:"Validate this box instead of querying the database." name:"bbox" placeholder:"W,S,E,N"`
	} `cmd:"" help:"Print the geographic extent the pipeline would cover."`
	Status struct{} `cmd:"" help:"Print how many tiles have reached each stage."`
	Prune  struct{} `cmd:"" help:"Remove empty directories and partial downloads from the cache."`
}

type VersionFlag string

func (v VersionFlag) Decode(*kong.DecodeContext) error { return nil }
func (v VersionFlag) IsBool() bool                     { return true }
func (v VersionFlag) BeforeApply(app *kong.Kong, vars kong.Vars) error {
	_, _ = fmt.Fprintln(app.Stdout, vars["version"])
	app.Exit(0)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

// parse resolves the command line against env defaults. The returned command
// is the bare subcommand name.
func parse(args []string, cfg config.Config, stdout io.Writer) (*cli, string, error) {
	var c cli
	parser, err := kong.New(&c,
		kong.Name("contours"),
		kong.Description("Builds contour line tables for a PostGIS extent from elevation tiles."),
		kong.Writers(stdout, os.Stderr),
		kong.Vars{
			"version":   Version,
			"log_level": cfg.LogLevel,
			"min_zoom":  strconv.Itoa(cfg.MinZoom),
			"max_zoom":  strconv.Itoa(cfg.MaxZoom),
		},
	)
	if err != nil {
		return nil, "", err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return nil, "", err
	}
	cmd := strings.Fields(kctx.Command())[0]
	switch cmd {
	case "run":
		err = tiles.CheckZooms(c.Run.MinZoom, c.Run.MaxZoom)
	case "fetch":
		err = tiles.CheckZooms(c.Fetch.MinZoom, c.Fetch.MaxZoom)
	}
	if err != nil {
		return nil, "", err
	}
	return &c, cmd, nil
}

func run(args []string, stdout io.Writer) int {
	cfg := config.FromEnv()
	c, cmd, err := parse(args, cfg, stdout)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "contours: %v\n", err)
		return 1
	}
	cfg.LogLevel = c.LogLevel

	runID := logger.NewID()
	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		RunID:     runID,
		Component: "contours",
	}, os.Stderr)
	appLog := logger.NewSlog(&zl)

	p := metrics.Init(metrics.Config{
		Build: metrics.BuildInfo{
			Version:   Version,
			Revision:  os.Getenv("BUILD_REVISION"),
			Branch:    os.Getenv("BUILD_BRANCH"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
	})
	observability.Init(p.Registerer())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithRunID(ctx, runID)

	rep := progress.New(appLog, cfg.ProgressInterval)
	if cfg.StatusAddr != "" {
		go func() {
			if err := server.Run(ctx, cfg.StatusAddr, appLog, server.Router(appLog, p.Handler(), rep)); err != nil {
				appLog.Error("status server exited", "err", err)
			}
		}()
	}

	appLog.Info("starting contours", "command", cmd, "version", Version, "cache", cfg.CacheDir)

	w := &wiring{cfg: cfg, log: appLog, progress: rep}
	defer w.close()

	switch cmd {
	case "run":
		if c.Run.KeepGoing {
			w.cfg.FailFast = false
		}
		err = w.run(ctx, c.Run.BBox, c.Run.MinZoom, c.Run.MaxZoom, true, stdout)
	case "fetch":
		err = w.run(ctx, c.Fetch.BBox, c.Fetch.MinZoom, c.Fetch.MaxZoom, false, stdout)
	case "extent":
		err = w.printExtent(ctx, c.Extent.BBox, stdout)
	case "status":
		err = w.printStatus(ctx, stdout)
	case "prune":
		err = w.prune(ctx, stdout)
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			appLog.Warn("interrupted", "err", err)
		} else {
			appLog.Error("contours failed", "command", cmd, "err", err)
		}
		return 1
	}
	return 0
}

func printCounts(out io.Writer, counts map[ledger.Stage]int) {
	for _, s := range ledger.Stages {
		_, _ = fmt.Fprintf(out, "%-10s %d\n", s, counts[s])
	}
}
