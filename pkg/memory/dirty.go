package memory

import (
	"fmt"
	"iter"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/bits-and-blooms/bitset"

	"github.com/e2b-dev/infra/packages/guest-memory/pkg/bitmap"
)

// DirtyLog is the set of pages of one region written since the previous drain.
type DirtyLog struct {
	Region   RegionConfig
	PageSize uint64
	Pages    *bitset.BitSet
}

// Ranges coalesces the dirty pages into byte ranges relative to the region base.
func (l DirtyLog) Ranges() iter.Seq[bitmap.Range] {
	return bitmap.Ranges(l.Pages, l.PageSize)
}

func (l DirtyLog) Count() uint64 {
	return uint64(l.Pages.Count())
}

// DrainDirty drains the dirty bitmap of every tracking region.
// Each bit is read and cleared atomically, so a concurrent write is reported either now or by the next drain.
func (m *Memory) DrainDirty() []DirtyLog {
	logs := make([]DirtyLog, 0, len(m.regions))
	for _, r := range m.regions {
		pages, pageSize, ok := r.DrainDirty()
		if !ok {
			continue
		}

		logs = append(logs, DirtyLog{
			Region:   r.RegionConfig,
			PageSize: pageSize,
			Pages:    pages,
		})
	}

	return logs
}

// DrainDirtyFrames drains every region and returns the dirty guest page frame numbers
// (guest address / pageSize). pageSize may differ from the tracking granularity; a
// tracked page partially covering a frame marks the whole frame.
func (m *Memory) DrainDirtyFrames(pageSize uint64) (*roaring64.Bitmap, error) {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return nil, bitmap.InvalidPageSizeError{PageSize: pageSize}
	}

	return DirtyFrames(m.DrainDirty(), pageSize), nil
}

// DirtyFrames converts drained logs to guest page frame numbers.
func DirtyFrames(logs []DirtyLog, pageSize uint64) *roaring64.Bitmap {
	frames := roaring64.New()

	for _, l := range logs {
		for r := range l.Ranges() {
			start := uint64(l.Region.Base) + r.Start
			end := start + min(r.Size, l.Region.Size-r.Start)

			frames.AddRange(start/pageSize, (end+pageSize-1)/pageSize)
		}
	}

	return frames
}

func (l DirtyLog) String() string {
	return fmt.Sprintf("%s: %d dirty pages of %d bytes", l.Region, l.Count(), l.PageSize)
}
