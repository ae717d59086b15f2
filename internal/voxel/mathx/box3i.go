package mathx

// Box3i is an axis-aligned integer box: the half-open cell range
// [Pos, Pos+Size) on each axis. The zero value is the empty box.
type Box3i struct {
	Pos  Vec3i
	Size Vec3i
}

func NewBox3i(pos, size Vec3i) Box3i {
	return Box3i{Pos: pos, Size: size}
}

func Box3iFromMinMax(min, max Vec3i) Box3i {
	return Box3i{Pos: min, Size: max.Sub(min)}
}

func (b Box3i) End() Vec3i {
	return b.Pos.Add(b.Size)
}

func (b Box3i) IsEmpty() bool {
	return b.Size.X <= 0 || b.Size.Y <= 0 || b.Size.Z <= 0
}

func (b Box3i) Contains(p Vec3i) bool {
	return p.AllGE(b.Pos) && p.AllLT(b.End())
}

func (b Box3i) ContainsBox(o Box3i) bool {
	if o.IsEmpty() {
		return true
	}
	return o.Pos.AllGE(b.Pos) && b.End().AllGE(o.End())
}

func (b Box3i) Intersects(o Box3i) bool {
	if b.IsEmpty() || o.IsEmpty() {
		return false
	}
	return b.Pos.AllLT(o.End()) && o.Pos.AllLT(b.End())
}

func (b Box3i) Eq(o Box3i) bool {
	return b.Pos == o.Pos && b.Size == o.Size
}

// Padded grows the box by d cells on every side. Negative d shrinks it and
// may produce an empty box.
func (b Box3i) Padded(d int) Box3i {
	return Box3i{
		Pos:  b.Pos.Sub(Vec3iAll(d)),
		Size: b.Size.Add(Vec3iAll(2 * d)),
	}
}

// Downscaled converts to a coarser grid of step f, covering: the result
// includes every coarse cell the original box touches.
func (b Box3i) Downscaled(f int) Box3i {
	min := b.Pos.FloorDiv(f)
	max := b.End().CeilDiv(f)
	return Box3iFromMinMax(min, max)
}

// DownscaledInner converts to a coarser grid of step f, inner: the result
// includes only coarse cells fully contained in the original box.
func (b Box3i) DownscaledInner(f int) Box3i {
	min := b.Pos.CeilDiv(f)
	max := b.End().FloorDiv(f)
	return Box3iFromMinMax(min, max)
}

func (b Box3i) Scaled(f int) Box3i {
	return Box3i{Pos: b.Pos.Mul(f), Size: b.Size.Mul(f)}
}

// SnapEvenOutward rounds the box outward to the even grid, so both Pos and
// Size end up even. Required by the subdivision rule on non-root LODs.
func (b Box3i) SnapEvenOutward() Box3i {
	return b.Downscaled(2).Scaled(2)
}

// Merge returns the smallest box containing both. Merging with an empty box
// returns the other operand unchanged.
func (b Box3i) Merge(o Box3i) Box3i {
	if b.IsEmpty() {
		return o
	}
	if o.IsEmpty() {
		return b
	}
	min := b.Pos.Min(o.Pos)
	max := b.End().Max(o.End())
	return Box3iFromMinMax(min, max)
}

// Clip returns the intersection. The result may be empty.
func (b Box3i) Clip(o Box3i) Box3i {
	min := b.Pos.Max(o.Pos)
	max := b.End().Min(o.End())
	c := Box3iFromMinMax(min, max)
	if c.IsEmpty() {
		return Box3i{}
	}
	return c
}

// Difference calls f for each of up to six disjoint boxes covering b \ o.
// The emitted boxes partition b minus the intersection with o.
func (b Box3i) Difference(o Box3i, f func(Box3i)) {
	if b.IsEmpty() {
		return
	}
	if !b.Intersects(o) {
		f(b)
		return
	}

	min := b.Pos
	max := b.End()
	omin := o.Pos
	omax := o.End()

	if min.X < omin.X {
		f(Box3iFromMinMax(min, Vec3i{omin.X, max.Y, max.Z}))
		min.X = omin.X
	}
	if max.X > omax.X {
		f(Box3iFromMinMax(Vec3i{omax.X, min.Y, min.Z}, max))
		max.X = omax.X
	}
	if min.Y < omin.Y {
		f(Box3iFromMinMax(min, Vec3i{max.X, omin.Y, max.Z}))
		min.Y = omin.Y
	}
	if max.Y > omax.Y {
		f(Box3iFromMinMax(Vec3i{min.X, omax.Y, min.Z}, max))
		max.Y = omax.Y
	}
	if min.Z < omin.Z {
		f(Box3iFromMinMax(min, Vec3i{max.X, max.Y, omin.Z}))
		min.Z = omin.Z
	}
	if max.Z > omax.Z {
		f(Box3iFromMinMax(Vec3i{min.X, min.Y, omax.Z}, max))
	}
}

// ForEachCell visits every cell in the box, z outermost, x innermost.
func (b Box3i) ForEachCell(f func(Vec3i)) {
	end := b.End()
	for z := b.Pos.Z; z < end.Z; z++ {
		for y := b.Pos.Y; y < end.Y; y++ {
			for x := b.Pos.X; x < end.X; x++ {
				f(Vec3i{x, y, z})
			}
		}
	}
}

// CellCount returns the number of cells in the box.
func (b Box3i) CellCount() int {
	return b.Size.Volume()
}
