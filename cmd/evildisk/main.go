// Command evildisk runs one Mass-Storage Function against a FIFO-backed
// reference channel, backed by an in-memory or file disk image, optionally
// wrapped in a copy-on-write overlay and/or an I/O audit log. It has no
// read-override option. It exists to exercise the library end to end, not
// as a production USB gadget.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anvilsec/evilmsc/block"
	"github.com/anvilsec/evilmsc/channel/fifo"
	"github.com/anvilsec/evilmsc/function"
	"github.com/anvilsec/evilmsc/internal/obs"
	"github.com/anvilsec/evilmsc/internal/prof"
	"github.com/anvilsec/evilmsc/scsi"
)

var cli struct {
	BusDir      string `arg:"" required:"" help:"Directory holding the ep0/ep1/ep2 FIFOs shared with a host process."`
	Size        uint64 `default:"1048576" help:"Disk size in bytes, for an in-memory image."`
	ImagePath   string `help:"Back the disk with this file instead of memory."`
	ReadOnly    bool   `help:"Reject all WRITE(10) commands with DATA_PROTECT sense."`
	DropWrites  bool   `help:"Report WRITE(10) success without ever applying the write."`
	COW         bool   `help:"Wrap the base image in a copy-on-write overlay."`
	IOLogPath   string `help:"Append a binary read/write audit log to this path."`
	Verbose     bool   `short:"v" help:"Enable debug logging."`
	JSON        bool   `help:"Log in JSON instead of text."`
	Metrics     string `help:"Address to serve Prometheus metrics on (e.g. :9100). Disabled if empty."`
	Profile     bool   `help:"Write a CPU profile to stderr on exit (requires the profile build tag, which also serves pprof on localhost:6060)."`
	Vendor      string `default:"evilmsc" help:"INQUIRY vendor string."`
	Product     string `default:"Research Disk" help:"INQUIRY product string."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("evildisk"),
		kong.Description("USB mass-storage emulator for protocol and TOCTOU security research"),
		kong.UsageOnError())

	if cli.Verbose {
		obs.SetLogLevel(slog.LevelDebug)
	}
	if cli.JSON {
		obs.SetLogFormat(obs.LogFormatJSON)
	}
	if cli.Profile {
		prof.StartCPUWriter(os.Stderr)
		defer prof.StopCPU()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		obs.LogInfo(obs.ComponentFunction, "shutting down")
		cancel()
	}()

	img, err := buildImage()
	if err != nil {
		obs.LogError(obs.ComponentBlock, "failed to build image", "error", err)
		os.Exit(1)
	}
	defer img.Close()

	var metrics *obs.Metrics
	if cli.Metrics != "" {
		reg := prometheus.NewRegistry()
		metrics = obs.NewMetrics(reg)
		go serveMetrics(cli.Metrics, reg)
	}

	disp := scsi.New(img, cli.ImagePath == "", cli.Vendor, cli.Product)
	disp.SetMetrics(metrics)
	if cli.ReadOnly {
		disp.SetWritePermission(scsi.WriteDeny)
	} else if cli.DropWrites {
		disp.SetWritePermission(scsi.WriteDrop)
	}

	ch, err := fifo.New(cli.BusDir)
	if err != nil {
		obs.LogError(obs.ComponentChannel, "failed to create channel", "error", err)
		os.Exit(1)
	}

	fn := function.New(ch, disp, cli.Vendor, cli.Product)
	fn.SetMetrics(metrics)

	obs.LogInfo(obs.ComponentFunction, "starting evildisk",
		"busDir", cli.BusDir, "size", cli.Size, "readOnly", cli.ReadOnly, "dropWrites", cli.DropWrites)

	if err := fn.Run(ctx); err != nil && ctx.Err() == nil {
		obs.LogError(obs.ComponentFunction, "function run error", "error", err)
		os.Exit(1)
	}
	obs.LogInfo(obs.ComponentFunction, "evildisk stopped")
}

func buildImage() (block.Image, error) {
	var img block.Image
	var err error
	if cli.ImagePath != "" {
		img, err = block.OpenFileImage(cli.ImagePath, scsi.DefaultBlockSize, cli.ReadOnly, int64(cli.Size))
	} else {
		img = block.NewMemoryImage(cli.Size/scsi.DefaultBlockSize, scsi.DefaultBlockSize)
	}
	if err != nil {
		return nil, err
	}

	if cli.COW {
		bitmapPath := cli.ImagePath + ".dirty"
		if cli.ImagePath == "" {
			bitmapPath = ".evildisk.dirty"
		}
		overlay := block.NewMemoryImage(img.Capacity(), img.BlockSize())
		cow, cerr := block.NewCOWImage(img, overlay, bitmapPath)
		if cerr != nil {
			return nil, cerr
		}
		img = cow
	}

	if cli.IOLogPath != "" {
		f, ferr := os.Create(cli.IOLogPath)
		if ferr != nil {
			return nil, ferr
		}
		logger, lerr := block.NewIOLogger(img, f, block.LogFlagNone)
		if lerr != nil {
			return nil, lerr
		}
		img = logger
	}

	return img, nil
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	obs.LogInfo(obs.ComponentFunction, "serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		obs.LogWarn(obs.ComponentFunction, "metrics server stopped", "error", err)
	}
}
