package mathx

import (
	"math/rand"
	"testing"
)

func TestFloorCeilDiv(t *testing.T) {
	cases := []struct {
		a, b, floor, ceil int
	}{
		{0, 16, 0, 0},
		{1, 16, 0, 1},
		{15, 16, 0, 1},
		{16, 16, 1, 1},
		{-1, 16, -1, 0},
		{-16, 16, -1, -1},
		{-17, 16, -2, -1},
		{33, 2, 16, 17},
	}
	for _, c := range cases {
		if got := FloorDiv(c.a, c.b); got != c.floor {
			t.Errorf("FloorDiv(%d,%d)=%d want %d", c.a, c.b, got, c.floor)
		}
		if got := CeilDiv(c.a, c.b); got != c.ceil {
			t.Errorf("CeilDiv(%d,%d)=%d want %d", c.a, c.b, got, c.ceil)
		}
	}
}

func TestBoxClipMerge(t *testing.T) {
	a := Box3iFromMinMax(Vec3i{-2, -2, -2}, Vec3i{2, 2, 2})
	b := Box3iFromMinMax(Vec3i{0, 0, 0}, Vec3i{4, 4, 4})

	c := a.Clip(b)
	if !c.Eq(Box3iFromMinMax(Vec3i{0, 0, 0}, Vec3i{2, 2, 2})) {
		t.Fatalf("clip: %+v", c)
	}

	m := a.Merge(b)
	if !m.Eq(Box3iFromMinMax(Vec3i{-2, -2, -2}, Vec3i{4, 4, 4})) {
		t.Fatalf("merge: %+v", m)
	}

	// Disjoint clip is empty.
	d := a.Clip(Box3iFromMinMax(Vec3i{10, 10, 10}, Vec3i{12, 12, 12}))
	if !d.IsEmpty() {
		t.Fatalf("expected empty clip, got %+v", d)
	}
}

func TestBoxSnapEvenOutward(t *testing.T) {
	b := Box3iFromMinMax(Vec3i{-3, 1, 0}, Vec3i{3, 5, 2})
	s := b.SnapEvenOutward()
	if !s.Eq(Box3iFromMinMax(Vec3i{-4, 0, 0}, Vec3i{4, 6, 2})) {
		t.Fatalf("snap: %+v", s)
	}
	if Mod(s.Pos.X, 2) != 0 || Mod(s.Size.X, 2) != 0 {
		t.Fatalf("not even: %+v", s)
	}
}

func TestBoxDownscaled(t *testing.T) {
	b := Box3iFromMinMax(Vec3i{-17, 0, 15}, Vec3i{17, 16, 33})
	d := b.Downscaled(16)
	if !d.Eq(Box3iFromMinMax(Vec3i{-2, 0, 0}, Vec3i{2, 1, 3})) {
		t.Fatalf("downscaled: %+v", d)
	}
	in := b.DownscaledInner(16)
	if !in.Eq(Box3iFromMinMax(Vec3i{-1, 0, 1}, Vec3i{1, 1, 2})) {
		t.Fatalf("downscaled inner: %+v", in)
	}
}

// Diff law: box_diff(A,B) plus A∩B partitions A, and no diff cell is in B.
func TestBoxDifferencePartition(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	randBox := func() Box3i {
		pos := Vec3i{rng.Intn(9) - 4, rng.Intn(9) - 4, rng.Intn(9) - 4}
		size := Vec3i{rng.Intn(5) + 1, rng.Intn(5) + 1, rng.Intn(5) + 1}
		return NewBox3i(pos, size)
	}

	for i := 0; i < 200; i++ {
		a := randBox()
		b := randBox()

		seen := map[Vec3i]int{}
		a.Difference(b, func(part Box3i) {
			if !a.ContainsBox(part) {
				t.Fatalf("diff part %+v not inside %+v", part, a)
			}
			part.ForEachCell(func(p Vec3i) {
				seen[p]++
				if b.Contains(p) {
					t.Fatalf("diff cell %+v inside b=%+v", p, b)
				}
			})
		})
		a.Clip(b).ForEachCell(func(p Vec3i) { seen[p]++ })

		count := 0
		a.ForEachCell(func(p Vec3i) {
			count++
			if seen[p] != 1 {
				t.Fatalf("cell %+v covered %d times (a=%+v b=%+v)", p, seen[p], a, b)
			}
		})
		if count != len(seen) {
			t.Fatalf("partition produced %d cells, box has %d", len(seen), count)
		}
	}
}

func TestChildPosition(t *testing.T) {
	parent := Vec3i{2, -1, 3}
	want := map[uint]Vec3i{
		0: {4, -2, 6},
		1: {5, -2, 6},
		2: {4, -1, 6},
		4: {4, -2, 7},
		7: {5, -1, 7},
	}
	for idx, w := range want {
		if got := ChildPosition(parent, idx); got != w {
			t.Errorf("child %d: got %+v want %+v", idx, got, w)
		}
	}
	// Every child maps back to its parent by shifting right.
	for idx := uint(0); idx < 8; idx++ {
		if got := ChildPosition(parent, idx).Shr(1); got != parent {
			t.Errorf("child %d does not round-trip to parent: %+v", idx, got)
		}
	}
}
