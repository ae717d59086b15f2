package mathx

type Vec3i struct {
	X, Y, Z int
}

func Vec3iAll(v int) Vec3i {
	return Vec3i{X: v, Y: v, Z: v}
}

func (a Vec3i) Add(b Vec3i) Vec3i {
	return Vec3i{a.X + b.X, a.Y + b.Y, a.Z + b.Z}
}

func (a Vec3i) Sub(b Vec3i) Vec3i {
	return Vec3i{a.X - b.X, a.Y - b.Y, a.Z - b.Z}
}

func (a Vec3i) Mul(s int) Vec3i {
	return Vec3i{a.X * s, a.Y * s, a.Z * s}
}

// Shr shifts every component right. Go's arithmetic shift on negative ints
// matches floor division by 1<<n, which is what chunk-coordinate math needs.
func (a Vec3i) Shr(n uint) Vec3i {
	return Vec3i{a.X >> n, a.Y >> n, a.Z >> n}
}

func (a Vec3i) Shl(n uint) Vec3i {
	return Vec3i{a.X << n, a.Y << n, a.Z << n}
}

func (a Vec3i) FloorDiv(d int) Vec3i {
	return Vec3i{FloorDiv(a.X, d), FloorDiv(a.Y, d), FloorDiv(a.Z, d)}
}

func (a Vec3i) CeilDiv(d int) Vec3i {
	return Vec3i{CeilDiv(a.X, d), CeilDiv(a.Y, d), CeilDiv(a.Z, d)}
}

func (a Vec3i) Min(b Vec3i) Vec3i {
	return Vec3i{MinInt(a.X, b.X), MinInt(a.Y, b.Y), MinInt(a.Z, b.Z)}
}

func (a Vec3i) Max(b Vec3i) Vec3i {
	return Vec3i{MaxInt(a.X, b.X), MaxInt(a.Y, b.Y), MaxInt(a.Z, b.Z)}
}

func (a Vec3i) AllGE(b Vec3i) bool {
	return a.X >= b.X && a.Y >= b.Y && a.Z >= b.Z
}

func (a Vec3i) AllGT(b Vec3i) bool {
	return a.X > b.X && a.Y > b.Y && a.Z > b.Z
}

func (a Vec3i) AllLT(b Vec3i) bool {
	return a.X < b.X && a.Y < b.Y && a.Z < b.Z
}

// Volume returns X*Y*Z clamped at zero for degenerate sizes.
func (a Vec3i) Volume() int {
	if a.X <= 0 || a.Y <= 0 || a.Z <= 0 {
		return 0
	}
	return a.X * a.Y * a.Z
}

// ChildPosition returns the position of the child chunk with the given index
// (bit 0 = x, bit 1 = y, bit 2 = z) below a parent chunk.
func ChildPosition(parent Vec3i, childIndex uint) Vec3i {
	first := parent.Shl(1)
	return Vec3i{
		X: first.X + int(childIndex&1),
		Y: first.Y + int((childIndex&2)>>1),
		Z: first.Z + int((childIndex&4)>>2),
	}
}
