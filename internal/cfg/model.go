package cfg

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"

	"github.com/e2b-dev/infra/packages/guest-memory/pkg/memory"
	"github.com/e2b-dev/infra/packages/guest-memory/pkg/memory/backend"
)

// Region is one "base:size" entry of GUEST_MEMORY_REGIONS, e.g. "0x100000000:512MiB".
type Region struct {
	Base uint64
	Size uint64
}

// ByteSize accepts plain numbers and human readable sizes like "2MiB".
type ByteSize uint64

type Config struct {
	Regions       []Region     `env:"GUEST_MEMORY_REGIONS"         envDefault:"0x0:128MiB"`
	Backend       backend.Kind `env:"GUEST_MEMORY_BACKEND"         envDefault:"anonymous"`
	File          string       `env:"GUEST_MEMORY_FILE"`
	HugePages     bool         `env:"GUEST_MEMORY_HUGE_PAGES"`
	TrackDirty    bool         `env:"GUEST_MEMORY_TRACK_DIRTY"     envDefault:"true"`
	DirtyPageSize ByteSize     `env:"GUEST_MEMORY_DIRTY_PAGE_SIZE"`
	LogDebug      bool         `env:"LOG_DEBUG"`
	LogExportOTEL bool         `env:"LOG_EXPORT_OTEL"`
}

func Parse() (Config, error) {
	config, err := env.ParseAsWithOptions[Config](env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeFor[Region]():       ParseRegion,
			reflect.TypeFor[ByteSize]():     ParseByteSize,
			reflect.TypeFor[backend.Kind](): ParseBackendKind,
		},
	})
	if err != nil {
		return Config{}, err
	}

	if config.Backend == backend.KindFile && config.File == "" {
		return Config{}, fmt.Errorf("GUEST_MEMORY_FILE is required for the %s backend", backend.KindFile)
	}

	return config, nil
}

func ParseRegion(value string) (any, error) {
	base, size, ok := strings.Cut(strings.TrimSpace(value), ":")
	if !ok {
		return nil, fmt.Errorf("failed to parse memory region %q: expected base:size", value)
	}

	b, err := parseAddress(base)
	if err != nil {
		return nil, fmt.Errorf("failed to parse memory region %q base: %w", value, err)
	}

	s, err := humanize.ParseBytes(size)
	if err != nil {
		return nil, fmt.Errorf("failed to parse memory region %q size: %w", value, err)
	}

	return Region{Base: b, Size: s}, nil
}

// parseAddress accepts C style integers (0x100000000) and sizes (4GiB).
func parseAddress(value string) (uint64, error) {
	if v, err := strconv.ParseUint(value, 0, 64); err == nil {
		return v, nil
	}

	return humanize.ParseBytes(value)
}

func ParseByteSize(value string) (any, error) {
	v, err := humanize.ParseBytes(value)
	if err != nil {
		return nil, fmt.Errorf("failed to parse size %q: %w", value, err)
	}

	return ByteSize(v), nil
}

func ParseBackendKind(value string) (any, error) {
	switch kind := backend.Kind(value); kind {
	case backend.KindAnonymous, backend.KindFile, backend.KindHeap:
		return kind, nil
	default:
		return nil, fmt.Errorf("unknown memory backend %q", value)
	}
}

// PageSize is the dirty tracking granularity, the host page size unless configured.
func (c Config) PageSize() uint64 {
	if c.DirtyPageSize == 0 {
		return backend.HostPageSize
	}

	return uint64(c.DirtyPageSize)
}

// RegionConfigs converts the configured regions. With a file the regions are laid
// out back to back in it, in the same order as in the save image.
func (c Config) RegionConfigs(file *os.File) []memory.RegionConfig {
	configs := make([]memory.RegionConfig, len(c.Regions))

	var offset uint64
	for i, r := range c.Regions {
		configs[i] = memory.RegionConfig{
			Base: memory.GuestAddress(r.Base),
			Size: r.Size,
		}

		if file != nil {
			configs[i].File = &backend.FileOffset{File: file, Start: offset}
		}

		offset += r.Size
	}

	return configs
}
