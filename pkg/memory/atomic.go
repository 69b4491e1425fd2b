package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/guest-memory/internal/metrics"
	"github.com/e2b-dev/infra/packages/guest-memory/pkg/logger"
	"github.com/e2b-dev/infra/packages/guest-memory/pkg/memory/backend"
	"github.com/e2b-dev/infra/packages/guest-memory/pkg/utils"
)

// Generation is one published topology. It stays alive while the container or any
// guard references it; Done is closed once it was replaced, every guard was released
// and every earlier generation was drained.
type Generation struct {
	memory *Memory
	number uint64

	// refs counts the container, guards and an undrained predecessor.
	refs atomic.Int64
	// successor holds a reference of the next generation until this one drains.
	successor *Generation

	drain    metrics.Stopwatch
	released *utils.SetOnce[time.Time]
	onDrain  func(*Generation)
}

func (g *Generation) Memory() *Memory {
	return g.memory
}

func (g *Generation) Number() uint64 {
	return g.number
}

// Done is closed when the generation is no longer published and neither it nor an
// earlier generation is referenced by a guard.
func (g *Generation) Done() <-chan struct{} {
	return g.released.Done()
}

// Wait blocks until the generation is drained.
func (g *Generation) Wait(ctx context.Context) error {
	_, err := g.released.WaitWithContext(ctx)

	return err
}

// Teardown waits for the generation to drain and closes its regions that are not part of next.
// next may be nil to close every region. Regions shared with earlier generations are closed
// only after those generations drained too.
func (g *Generation) Teardown(ctx context.Context, next *Memory) error {
	if err := g.Wait(ctx); err != nil {
		return fmt.Errorf("failed to wait for memory generation %d: %w", g.number, err)
	}

	keep := make(map[*Region]struct{})
	if next != nil {
		for r := range next.Regions() {
			keep[r] = struct{}{}
		}
	}

	var errs []error
	for r := range g.memory.Regions() {
		if _, ok := keep[r]; ok {
			continue
		}

		errs = append(errs, r.Close())
	}

	return errors.Join(errs...)
}

func (g *Generation) release() {
	if g.refs.Add(-1) != 0 {
		return
	}

	// A reader that lost the race with a publish may take the count back to zero once more.
	if g.released.SetValue(time.Now()) != nil {
		return
	}

	if g.onDrain != nil {
		g.onDrain(g)
	}

	if g.successor != nil {
		g.successor.release()
	}
}

// Guard pins one generation. The topology seen through a guard never changes.
type Guard struct {
	gen  *Generation
	once sync.Once
}

func (g *Guard) Memory() *Memory {
	return g.gen.memory
}

func (g *Guard) Generation() uint64 {
	return g.gen.number
}

// Release unpins the generation. It is safe to call more than once.
func (g *Guard) Release() {
	g.once.Do(g.gen.release)
}

type Option func(*AtomicMemory)

func WithLogger(l *zap.Logger) Option {
	return func(a *AtomicMemory) {
		a.logger = l
	}
}

func WithMetrics(m metrics.Metrics) Option {
	return func(a *AtomicMemory) {
		a.metrics = m
	}
}

// AtomicMemory publishes the current Memory of one VM. Readers take a guard with Current
// without locking; writers replace the topology with Publish and friends.
type AtomicMemory struct {
	id      uuid.UUID
	current atomic.Pointer[Generation]

	// mu serialises writers.
	mu     sync.Mutex
	next   uint64
	closed bool

	logger  *zap.Logger
	metrics metrics.Metrics
	attrs   metric.MeasurementOption
}

func NewAtomicMemory(m *Memory, opts ...Option) *AtomicMemory {
	a := &AtomicMemory{
		id:      uuid.New(),
		logger:  zap.L(),
		metrics: metrics.NewNoopMetrics(),
	}

	for _, opt := range opts {
		opt(a)
	}

	a.logger = a.logger.With(logger.WithMemoryID(a.id.String()))
	a.attrs = metric.WithAttributes(attribute.String(metrics.MemoryIDKey, a.id.String()))

	a.current.Store(a.newGeneration(m))

	return a
}

func (a *AtomicMemory) ID() uuid.UUID {
	return a.id
}

func (a *AtomicMemory) newGeneration(m *Memory) *Generation {
	g := &Generation{
		memory:   m,
		number:   a.next,
		released: utils.NewSetOnce[time.Time](),
		onDrain:  a.drained,
	}
	g.refs.Store(1)

	a.next++
	a.metrics.GenerationsMetric.Add(context.Background(), 1, a.attrs)

	return g
}

func (a *AtomicMemory) drained(g *Generation) {
	ctx := context.Background()

	a.metrics.GenerationsMetric.Add(ctx, -1, a.attrs)
	g.drain.End(ctx, attribute.String(metrics.MemoryIDKey, a.id.String()))

	a.logger.Debug("memory generation drained", logger.WithGeneration(g.number))
}

// Current pins and returns the published generation.
func (a *AtomicMemory) Current() *Guard {
	for {
		g := a.current.Load()
		g.refs.Add(1)

		if a.current.Load() == g {
			return &Guard{gen: g}
		}

		// Replaced between the load and the increment.
		g.release()
	}
}

// Do runs fn against the current topology.
func (a *AtomicMemory) Do(fn func(m *Memory) error) error {
	guard := a.Current()
	defer guard.Release()

	return fn(guard.Memory())
}

// Publish makes m the current topology and returns the previous generation.
// The caller owns the previous generation's regions that m does not reuse and should
// release them with Teardown.
func (a *AtomicMemory) Publish(m *Memory) *Generation {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.publishLocked(m)
}

func (a *AtomicMemory) publishLocked(m *Memory) *Generation {
	next := a.newGeneration(m)

	// The container still holds prev, so it cannot drain before the link is in place.
	prev := a.current.Load()
	next.refs.Add(1)
	prev.successor = next

	a.current.Store(next)
	prev.drain = a.metrics.Begin(a.metrics.DrainMetric)
	prev.release()

	a.metrics.PublishesMetric.Add(context.Background(), 1, a.attrs)

	a.logger.Info("published memory topology",
		logger.WithGeneration(next.number),
		zap.Int("regions", m.NumRegions()),
		zap.String("size", humanize.IBytes(m.TotalSize())),
	)

	return prev
}

// InsertRegion publishes the current topology extended by r.
func (a *AtomicMemory) InsertRegion(r *Region) (*Generation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	next, err := a.current.Load().memory.Insert(r)
	if err != nil {
		return nil, err
	}

	return a.publishLocked(next), nil
}

// RemoveRegion publishes the current topology without the region at base of the given size.
// The removed region stays mapped until the returned generation is torn down.
func (a *AtomicMemory) RemoveRegion(base GuestAddress, size uint64) (*Generation, *Region, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	next, removed, err := a.current.Load().memory.Remove(base, size)
	if err != nil {
		return nil, nil, err
	}

	return a.publishLocked(next), removed, nil
}

type regionKey struct {
	base  GuestAddress
	size  uint64
	file  *os.File
	start uint64
}

func keyOf(cfg RegionConfig) regionKey {
	k := regionKey{base: cfg.Base, size: cfg.Size}
	if cfg.File != nil {
		k.file = cfg.File.File
		k.start = cfg.File.Start
	}

	return k
}

// Reconfigure publishes a topology built from configs, sorted by base address.
// Regions whose descriptor is unchanged are reused with their content and dirty bitmap;
// the others are created with opts.
func (a *AtomicMemory) Reconfigure(b backend.Backend, configs []RegionConfig, opts ...RegionOption) (*Generation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	existing := make(map[regionKey]*Region)
	for r := range a.current.Load().memory.Regions() {
		existing[keyOf(r.RegionConfig)] = r
	}

	regions := make([]*Region, 0, len(configs))
	var created []*Region

	cleanup := func(err error) error {
		for _, r := range created {
			err = errors.Join(err, r.Close())
		}

		return err
	}

	for _, cfg := range configs {
		key := keyOf(cfg)
		if r, ok := existing[key]; ok {
			delete(existing, key)
			regions = append(regions, r)

			continue
		}

		r, err := NewRegion(b, cfg, opts...)
		if err != nil {
			return nil, cleanup(fmt.Errorf("failed to create region %s: %w", cfg, err))
		}

		created = append(created, r)
		regions = append(regions, r)
	}

	next, err := New(regions...)
	if err != nil {
		return nil, cleanup(err)
	}

	for _, r := range created {
		a.logger.Debug("created memory region", logger.WithRegion(uint64(r.Base), r.Size))
	}

	return a.publishLocked(next), nil
}

// DrainDirty drains the dirty log of the current topology.
func (a *AtomicMemory) DrainDirty(ctx context.Context) []DirtyLog {
	_, span := tracer.Start(ctx, "drain-dirty-memory")
	defer span.End()

	guard := a.Current()
	defer guard.Release()

	logs := guard.Memory().DrainDirty()

	var pages uint64
	for _, l := range logs {
		pages += l.Count()
	}

	a.metrics.DirtyPagesMetric.Record(ctx, int64(pages), a.attrs)
	span.SetAttributes(
		attribute.Int64("memory.generation", int64(guard.Generation())),
		attribute.Int64("memory.dirty_pages", int64(pages)),
	)

	a.logger.Debug("drained dirty memory",
		logger.WithGeneration(guard.Generation()),
		zap.Int("regions", len(logs)),
		zap.Uint64("pages", pages),
	)

	return logs
}

// Save writes the current topology to w, see Memory.Save.
func (a *AtomicMemory) Save(ctx context.Context, w io.WriterAt) error {
	guard := a.Current()
	defer guard.Release()

	timer := a.metrics.Begin(a.metrics.DumpMetric)
	defer timer.End(ctx, attribute.String(metrics.MemoryIDKey, a.id.String()), metrics.KV(metrics.OperationKey, metrics.OperationSave))

	return guard.Memory().Save(ctx, w)
}

// SaveDirty writes the pages in logs of the current topology to w, see Memory.SaveDirty.
func (a *AtomicMemory) SaveDirty(ctx context.Context, w io.WriterAt, logs []DirtyLog) error {
	guard := a.Current()
	defer guard.Release()

	timer := a.metrics.Begin(a.metrics.DumpMetric)
	defer timer.End(ctx, attribute.String(metrics.MemoryIDKey, a.id.String()), metrics.KV(metrics.OperationKey, metrics.OperationSaveDirty))

	return guard.Memory().SaveDirty(ctx, w, logs)
}

// Restore fills the current topology from rd, see Memory.Restore.
func (a *AtomicMemory) Restore(ctx context.Context, rd io.ReaderAt) error {
	guard := a.Current()
	defer guard.Release()

	timer := a.metrics.Begin(a.metrics.DumpMetric)
	defer timer.End(ctx, attribute.String(metrics.MemoryIDKey, a.id.String()), metrics.KV(metrics.OperationKey, metrics.OperationRestore))

	return guard.Memory().Restore(ctx, rd)
}

// Close retires the current topology, waits for the guards of every generation and releases
// all regions of the current topology.
// The container must not be used afterwards.
func (a *AtomicMemory) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	g := a.current.Load()
	if !a.closed {
		a.closed = true

		g.drain = a.metrics.Begin(a.metrics.DrainMetric)
		g.release()
	}

	a.logger.Info("closing memory", logger.WithGeneration(g.number))

	return g.Teardown(ctx, nil)
}
