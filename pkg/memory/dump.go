package memory

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/e2b-dev/infra/packages/guest-memory/pkg/memory")

// dumpChunkSize bounds a single copy so cancellation is noticed within large regions.
const dumpChunkSize = 4 << 20

func recordError(span trace.Span, err error) {
	if err == nil {
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Save writes every region to w at its image offset. Regions are copied in parallel.
func (m *Memory) Save(ctx context.Context, w io.WriterAt) (err error) {
	ctx, span := tracer.Start(ctx, "save-memory", trace.WithAttributes(
		attribute.Int("memory.regions", len(m.regions)),
		attribute.Int64("memory.size", int64(m.TotalSize())),
	))
	defer func() {
		recordError(span, err)
		span.End()
	}()

	eg, ctx := errgroup.WithContext(ctx)

	for i, r := range m.regions {
		eg.Go(func() error {
			return m.saveRange(ctx, w, i, 0, r.Size)
		})
	}

	if err := eg.Wait(); err != nil {
		return fmt.Errorf("failed to save memory: %w", err)
	}

	return nil
}

// SaveDirty writes only the pages listed in logs to w at their image offsets.
// Together with a previous full Save it produces an up to date image.
func (m *Memory) SaveDirty(ctx context.Context, w io.WriterAt, logs []DirtyLog) (err error) {
	ctx, span := tracer.Start(ctx, "save-dirty-memory", trace.WithAttributes(
		attribute.Int("memory.dirty_logs", len(logs)),
	))
	defer func() {
		recordError(span, err)
		span.End()
	}()

	indexes := make([]int, len(logs))
	for i, l := range logs {
		idx, ok := m.find(l.Region.Base)
		if !ok || m.regions[idx].Size != l.Region.Size {
			return fmt.Errorf("dirty log for region %s does not match the memory layout: %w", l.Region, AddressNotMappedError{Addr: l.Region.Base})
		}

		indexes[i] = idx
	}

	eg, ctx := errgroup.WithContext(ctx)

	var written uint64
	for i, l := range logs {
		idx := indexes[i]

		for r := range l.Ranges() {
			size := min(r.Size, l.Region.Size-r.Start)
			written += size

			eg.Go(func() error {
				return m.saveRange(ctx, w, idx, r.Start, size)
			})
		}
	}

	span.SetAttributes(attribute.Int64("memory.dirty_bytes", int64(written)))

	if err := eg.Wait(); err != nil {
		return fmt.Errorf("failed to save dirty memory: %w", err)
	}

	return nil
}

func (m *Memory) saveRange(ctx context.Context, w io.WriterAt, idx int, offset, size uint64) error {
	r := m.regions[idx]
	out := io.NewOffsetWriter(w, int64(m.imageOffsets[idx]+offset))

	for done := uint64(0); done < size; {
		if err := ctx.Err(); err != nil {
			return err
		}

		if r.Closed() {
			return RegionClosedError{Base: r.Base}
		}

		n := min(dumpChunkSize, size-done)
		if err := r.Slice().CopyAllToWriter(offset+done, out, n); err != nil {
			return fmt.Errorf("failed to save region %s: %w", r.RegionConfig, err)
		}

		done += n
	}

	return nil
}

// Restore fills every region from the image in rd. Restored pages are marked dirty.
func (m *Memory) Restore(ctx context.Context, rd io.ReaderAt) (err error) {
	ctx, span := tracer.Start(ctx, "restore-memory", trace.WithAttributes(
		attribute.Int("memory.regions", len(m.regions)),
		attribute.Int64("memory.size", int64(m.TotalSize())),
	))
	defer func() {
		recordError(span, err)
		span.End()
	}()

	eg, ctx := errgroup.WithContext(ctx)

	for i, r := range m.regions {
		in := io.NewSectionReader(rd, int64(m.imageOffsets[i]), int64(r.Size))

		eg.Go(func() error {
			for done := uint64(0); done < r.Size; {
				if err := ctx.Err(); err != nil {
					return err
				}

				if r.Closed() {
					return RegionClosedError{Base: r.Base}
				}

				n := min(dumpChunkSize, r.Size-done)
				if err := r.Slice().CopyFromReaderExact(done, in, n); err != nil {
					return fmt.Errorf("failed to restore region %s: %w", r.RegionConfig, err)
				}

				done += n
			}

			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return fmt.Errorf("failed to restore memory: %w", err)
	}

	return nil
}
