// Package bitmap tracks which pages of a guest memory region were modified.
//
// The write path only ever sets bits. Draining is done by the migration or
// snapshot logic with an atomic test-and-clear, so a page written concurrently
// with a drain is either reported by that drain or by the next one.
package bitmap

// Bitmap tracks modified pages of a single region. Offsets are region relative.
type Bitmap interface {
	// MarkDirty marks every page overlapping [offset, offset+length).
	MarkDirty(offset, length uint64)
	// Dirty reports whether the page containing offset is marked.
	Dirty(offset uint64) bool
}

// Noop is the bitmap used for regions without dirty tracking.
type Noop struct{}

var _ Bitmap = Noop{}

func (Noop) MarkDirty(uint64, uint64) {}

func (Noop) Dirty(uint64) bool {
	return false
}

// View is a Bitmap shifted by a base offset, so that a sub-slice of a region
// can mark pages using offsets relative to itself.
//
// The zero View tracks nothing.
type View struct {
	b    Bitmap
	base uint64
}

// NewView returns a view over b starting at offset 0.
// A Noop bitmap results in the zero View, which skips the interface call on the write path.
func NewView(b Bitmap) View {
	if b == nil {
		return View{}
	}

	if _, ok := b.(Noop); ok {
		return View{}
	}

	return View{b: b}
}

// At returns a view shifted by offset.
func (v View) At(offset uint64) View {
	if v.b == nil {
		return v
	}

	return View{b: v.b, base: v.base + offset}
}

func (v View) MarkDirty(offset, length uint64) {
	if v.b == nil || length == 0 {
		return
	}

	v.b.MarkDirty(v.base+offset, length)
}

func (v View) Dirty(offset uint64) bool {
	if v.b == nil {
		return false
	}

	return v.b.Dirty(v.base + offset)
}

// Enabled reports whether writes through the view are tracked.
func (v View) Enabled() bool {
	return v.b != nil
}
