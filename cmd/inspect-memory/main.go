package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/guest-memory/internal/cfg"
	"github.com/e2b-dev/infra/packages/guest-memory/internal/metrics"
	"github.com/e2b-dev/infra/packages/guest-memory/pkg/logger"
	"github.com/e2b-dev/infra/packages/guest-memory/pkg/memory"
	"github.com/e2b-dev/infra/packages/guest-memory/pkg/memory/backend"
)

const serviceName = "inspect-memory"

func main() {
	hotplug := flag.String("hotplug", "2MiB", "size of the region hot-added after the configured ones, 0 to skip")
	patternSize := flag.String("pattern", "64KiB", "size of the pattern written across the end of the first region")
	imagePath := flag.String("image", "", "save the final memory image to this path")

	flag.Parse()

	config, err := cfg.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %s", err)
	}

	hotplugSize, err := humanize.ParseBytes(*hotplug)
	if err != nil {
		log.Fatalf("invalid hotplug size: %s", err)
	}

	pattern, err := humanize.ParseBytes(*patternSize)
	if err != nil {
		log.Fatalf("invalid pattern size: %s", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	l := logger.NewLogger(logger.LoggerConfig{
		ServiceName: serviceName,
		IsDebug:     config.LogDebug,
		ExportOTEL:  config.LogExportOTEL,
	})
	defer l.Sync()

	zap.ReplaceGlobals(l)

	if err := run(ctx, config, hotplugSize, pattern, *imagePath); err != nil {
		zap.L().Fatal("inspect memory failed", zap.Error(err))
	}
}

func run(ctx context.Context, config cfg.Config, hotplugSize, patternSize uint64, imagePath string) error {
	b, err := backend.ForKind(config.Backend, config.HugePages)
	if err != nil {
		return err
	}

	var file *os.File
	if config.Backend == backend.KindFile {
		file, err = os.OpenFile(config.File, os.O_RDWR|os.O_CREATE, 0o600)
		if err != nil {
			return fmt.Errorf("failed to open memory file: %w", err)
		}
		defer file.Close()
	}

	var opts []memory.RegionOption
	if config.TrackDirty {
		opts = append(opts, memory.WithDirtyTracking(config.PageSize()))
	}

	mem, err := memory.FromConfigs(b, config.RegionConfigs(file), opts...)
	if err != nil {
		return fmt.Errorf("failed to create memory: %w", err)
	}

	m, err := metrics.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return errors.Join(err, mem.Close())
	}

	a := memory.NewAtomicMemory(mem, memory.WithLogger(zap.L()), memory.WithMetrics(m))
	defer func() {
		if err := a.Close(context.WithoutCancel(ctx)); err != nil {
			zap.L().Error("failed to close memory", zap.Error(err))
		}
	}()

	fmt.Printf("\nMETADATA\n")
	fmt.Printf("========\n")
	fmt.Printf("Memory ID          %s\n", a.ID())
	fmt.Printf("Backend            %s\n", config.Backend)
	fmt.Printf("Host page size     %d B\n", backend.HostPageSize)
	if config.TrackDirty {
		fmt.Printf("Dirty page size    %d B\n", config.PageSize())
	}
	printRegions(mem)

	if err := writePattern(a, mem, patternSize); err != nil {
		return err
	}

	if hotplugSize > 0 {
		if err := hotAdd(ctx, a, b, file, hotplugSize, opts); err != nil {
			return err
		}
	}

	logs := a.DrainDirty(ctx)
	printDirty(logs)

	if imagePath != "" {
		if err := saveImage(ctx, a, imagePath); err != nil {
			return err
		}
	}

	guard := a.Current()
	defer guard.Release()

	fmt.Printf("\nSUMMARY\n")
	fmt.Printf("=======\n")
	fmt.Printf("Generation         %d\n", guard.Generation())
	fmt.Printf("Regions            %d\n", guard.Memory().NumRegions())
	fmt.Printf("Total size         %s\n", humanize.IBytes(guard.Memory().TotalSize()))
	fmt.Printf("Last address       %s\n", guard.Memory().LastAddr())

	return nil
}

func printRegions(mem *memory.Memory) {
	fmt.Printf("\nREGIONS\n")
	fmt.Printf("=======\n")

	for r := range mem.Regions() {
		offset, err := mem.ImageOffset(r.Base)
		if err != nil {
			continue
		}

		fmt.Printf("[%#16x, %#16x) %10s  image offset %#x  dirty tracking %t\n", uint64(r.Base), uint64(r.End()), humanize.IBytes(r.Size), offset, r.DirtyTracking())
	}
}

// writePattern writes across the end of the first region in try mode, so a gap after it
// shows up as a short transfer.
func writePattern(a *memory.AtomicMemory, mem *memory.Memory, size uint64) error {
	if size == 0 {
		return nil
	}

	var first *memory.Region
	for r := range mem.Regions() {
		first = r

		break
	}

	addr, err := first.End().CheckedSub(min(size/2, first.Size))
	if err != nil {
		return err
	}

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}

	var written int
	err = a.Do(func(m *memory.Memory) error {
		n, writeErr := m.Write(data, addr)
		written = n

		return writeErr
	})
	if err != nil {
		return fmt.Errorf("failed to write pattern: %w", err)
	}

	fmt.Printf("\nACCESS\n")
	fmt.Printf("======\n")
	fmt.Printf("Wrote %s of %s at %s\n", humanize.IBytes(uint64(written)), humanize.IBytes(size), addr)

	return nil
}

func hotAdd(ctx context.Context, a *memory.AtomicMemory, b backend.Backend, file *os.File, size uint64, opts []memory.RegionOption) error {
	var regionConfig memory.RegionConfig

	err := a.Do(func(m *memory.Memory) error {
		next, err := m.LastAddr().CheckedAdd(1)
		if err != nil {
			return err
		}

		base, err := next.CheckedAlignUp(backend.HostPageSize)
		if err != nil {
			return err
		}

		regionConfig = memory.RegionConfig{Base: base, Size: size}
		if file != nil {
			regionConfig.File = &backend.FileOffset{File: file, Start: m.TotalSize()}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to place hot-added region: %w", err)
	}

	r, err := memory.NewRegion(b, regionConfig, opts...)
	if err != nil {
		return fmt.Errorf("failed to create hot-added region: %w", err)
	}

	prev, err := a.InsertRegion(r)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to hot-add region: %w", err), r.Close())
	}

	guard := a.Current()
	err = prev.Teardown(ctx, guard.Memory())
	guard.Release()

	if err != nil {
		return fmt.Errorf("failed to tear down generation %d: %w", prev.Number(), err)
	}

	err = a.Do(func(m *memory.Memory) error {
		return m.StoreUint64(regionConfig.Base, 0x68_6f_74_70_6c_75_67)
	})
	if err != nil {
		return fmt.Errorf("failed to write hot-added region: %w", err)
	}

	zap.L().Info("hot-added memory region",
		logger.WithGuestAddress(uint64(regionConfig.Base)),
		logger.WithRegion(uint64(regionConfig.Base), size),
		logger.WithGeneration(prev.Number()+1),
	)

	fmt.Printf("\nHOTPLUG\n")
	fmt.Printf("=======\n")
	fmt.Printf("Added %s %s, retired generation %d\n", regionConfig, humanize.IBytes(size), prev.Number())

	return nil
}

func printDirty(logs []memory.DirtyLog) {
	fmt.Printf("\nDIRTY\n")
	fmt.Printf("=====\n")

	if len(logs) == 0 {
		fmt.Printf("Dirty tracking is disabled\n")

		return
	}

	for _, l := range logs {
		fmt.Printf("%s\n", l)

		for r := range l.Ranges() {
			fmt.Printf("  [%#16x, %#16x) %s\n", uint64(l.Region.Base)+r.Start, uint64(l.Region.Base)+r.End(), humanize.IBytes(r.Size))
		}
	}

	frames := memory.DirtyFrames(logs, backend.HostPageSize)
	fmt.Printf("Dirty host page frames: %d\n", frames.GetCardinality())
}

func saveImage(ctx context.Context, a *memory.AtomicMemory, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create image: %w", err)
	}
	defer f.Close()

	if err := a.Save(ctx, f); err != nil {
		return err
	}

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat image: %w", err)
	}

	fmt.Printf("\nIMAGE\n")
	fmt.Printf("=====\n")
	fmt.Printf("Saved %s to %s\n", humanize.IBytes(uint64(stat.Size())), path)

	return nil
}
