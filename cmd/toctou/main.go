// Command toctou demonstrates the disk-swap race this library exists to
// study: two backing images behind a ToggleImage, with three independent
// ways to trigger the swap — a timer, a one-shot hook on a specific LBA
// being read, or an operator hitting enter on stdin.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/anvilsec/evilmsc/block"
	"github.com/anvilsec/evilmsc/channel/fifo"
	"github.com/anvilsec/evilmsc/function"
	"github.com/anvilsec/evilmsc/internal/obs"
	"github.com/anvilsec/evilmsc/scsi"
)

var cli struct {
	BusDir          string        `arg:"" required:"" help:"Directory holding the ep0/ep1/ep2 FIFOs shared with a host process."`
	DiskA           string        `arg:"" required:"" help:"Path to the first disk image."`
	DiskB           string        `arg:"" required:"" help:"Path to the second disk image to toggle to."`
	BlockSize       uint32        `default:"512" help:"Block size shared by both images."`
	ToggleDelay     time.Duration `help:"Automatically toggle after this delay."`
	ToggleReadBlock int64         `default:"-1" help:"Toggle the first time this LBA is read (disabled if negative)."`
	Verbose         bool          `short:"v" help:"Enable debug logging."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("toctou"),
		kong.Description("TOCTOU disk-swap demonstration for evilmsc"),
		kong.UsageOnError())

	if cli.Verbose {
		obs.SetLogLevel(slog.LevelDebug)
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

	diskA, err := block.OpenMMapImage(cli.DiskA, cli.BlockSize, false, 0)
	if err != nil {
		obs.LogError(obs.ComponentBlock, "failed to open disk A", "path", cli.DiskA, "error", err)
		os.Exit(1)
	}
	defer diskA.Close()

	diskB, err := block.OpenMMapImage(cli.DiskB, cli.BlockSize, false, 0)
	if err != nil {
		obs.LogError(obs.ComponentBlock, "failed to open disk B", "path", cli.DiskB, "error", err)
		os.Exit(1)
	}
	defer diskB.Close()

	toggle := block.NewToggleImage(diskA, diskB)

	disp := scsi.New(toggle, true, "evilmsc", "TOCTOU Disk")

	if cli.ToggleReadBlock >= 0 {
		armReadTrigger(disp, toggle, uint64(cli.ToggleReadBlock))
	}
	if cli.ToggleDelay > 0 {
		armDelayTrigger(ctx, toggle, cli.ToggleDelay)
	}
	go armKeyboardTrigger(toggle)

	ch, err := fifo.New(cli.BusDir)
	if err != nil {
		obs.LogError(obs.ComponentChannel, "failed to create channel", "error", err)
		os.Exit(1)
	}

	fn := function.New(ch, disp, "evilmsc", "TOCTOU Disk")

	obs.LogInfo(obs.ComponentFunction, "starting toctou",
		"busDir", cli.BusDir, "diskA", cli.DiskA, "diskB", cli.DiskB)

	if err := fn.Run(ctx); err != nil && ctx.Err() == nil {
		obs.LogError(obs.ComponentFunction, "function run error", "error", err)
		os.Exit(1)
	}
	obs.LogInfo(obs.ComponentFunction, "toctou stopped")
}

// armReadTrigger toggles on the first READ(10) that touches block; the
// interceptor stays registered but does nothing after that. Interceptors run
// before the backing read, so the triggering READ(10) itself is already
// served from the newly active disk.
func armReadTrigger(disp *scsi.Dispatcher, toggle *block.ToggleImage, triggerBlock uint64) {
	var fired bool
	disp.AddReadInterceptor(func(lba uint64, count uint32) []byte {
		if !fired && triggerBlock >= lba && triggerBlock < lba+uint64(count) {
			fired = true
			active := toggle.Toggle()
			obs.LogInfo(obs.ComponentBlock, "toggled disks after read trigger", "block", triggerBlock, "active", active)
		}
		return nil
	})
}

func armDelayTrigger(ctx context.Context, toggle *block.ToggleImage, delay time.Duration) {
	obs.LogInfo(obs.ComponentBlock, "scheduling toggle", "delay", delay)
	go func() {
		select {
		case <-time.After(delay):
			active := toggle.Toggle()
			obs.LogInfo(obs.ComponentBlock, "toggled disks after delay", "active", active)
		case <-ctx.Done():
		}
	}()
}

func armKeyboardTrigger(toggle *block.ToggleImage) {
	fmt.Fprintln(os.Stderr, "hit enter to toggle disks")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		active := toggle.Toggle()
		obs.LogInfo(obs.ComponentBlock, "toggled disks from keyboard", "active", active)
	}
}
