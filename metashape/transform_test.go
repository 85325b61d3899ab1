package metashape

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

const epsilon = 1e-10

// almostEqual checks if two floats are equal within epsilon tolerance
func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < epsilon
}

// matricesEqual checks if two transforms are equal within epsilon tolerance
func matricesEqual(m1, m2 Matrix4) bool {
	for i := range m1 {
		if !almostEqual(m1[i], m2[i]) {
			return false
		}
	}
	return true
}

// vecsEqual checks if two vectors are equal within epsilon tolerance
func vecsEqual(a, b r3.Vec) bool {
	return almostEqual(a.X, b.X) && almostEqual(a.Y, b.Y) && almostEqual(a.Z, b.Z)
}

func rotationY(rad float64) Matrix3 {
	c, s := math.Cos(rad), math.Sin(rad)
	return Matrix3{
		c, 0, s,
		0, 1, 0,
		-s, 0, c,
	}
}

func rotationX(rad float64) Matrix3 {
	c, s := math.Cos(rad), math.Sin(rad)
	return Matrix3{
		1, 0, 0,
		0, c, -s,
		0, s, c,
	}
}

func TestApplyPoint(t *testing.T) {
	tests := []struct {
		name   string
		point  r3.Vec
		matrix Matrix4
		want   r3.Vec
	}{
		{
			name:   "identity transform",
			point:  r3.Vec{X: 10, Y: 20, Z: 30},
			matrix: Identity4(),
			want:   r3.Vec{X: 10, Y: 20, Z: 30},
		},
		{
			name:   "translation only",
			point:  r3.Vec{X: 5, Y: 5, Z: 5},
			matrix: TranslationMatrix(r3.Vec{X: 10, Y: 15, Z: -5}),
			want:   r3.Vec{X: 15, Y: 20, Z: 0},
		},
		{
			name:   "uniform scale 2x",
			point:  r3.Vec{X: 3, Y: 4, Z: 5},
			matrix: Compose(Identity3().Scaled(2), r3.Vec{}),
			want:   r3.Vec{X: 6, Y: 8, Z: 10},
		},
		{
			name:   "90 degree rotation about Z",
			point:  r3.Vec{X: 1, Y: 0, Z: 0},
			matrix: Compose(RotationZ(math.Pi/2), r3.Vec{}),
			want:   r3.Vec{X: 0, Y: 1, Z: 0},
		},
		{
			name:   "rotation then translation",
			point:  r3.Vec{X: 1, Y: 0, Z: 0},
			matrix: Compose(RotationZ(math.Pi/2), r3.Vec{X: 10, Y: 20, Z: 30}),
			want:   r3.Vec{X: 10, Y: 21, Z: 30},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.matrix.ApplyPoint(tt.point)
			if !vecsEqual(got, tt.want) {
				t.Errorf("ApplyPoint() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApplyDir(t *testing.T) {
	// Directions rotate but never translate.
	m := Compose(RotationZ(math.Pi/2), r3.Vec{X: 100, Y: 200, Z: 300})
	got := m.ApplyDir(r3.Vec{X: 1, Y: 0, Z: 0})
	want := r3.Vec{X: 0, Y: 1, Z: 0}
	if !vecsEqual(got, want) {
		t.Errorf("ApplyDir() = %v, want %v", got, want)
	}
}

func TestMatrix4Mul(t *testing.T) {
	tests := []struct {
		name string
		m1   Matrix4
		m2   Matrix4
		want Matrix4
	}{
		{
			name: "identity * identity",
			m1:   Identity4(),
			m2:   Identity4(),
			want: Identity4(),
		},
		{
			name: "identity * translation",
			m1:   Identity4(),
			m2:   TranslationMatrix(r3.Vec{X: 5, Y: 10, Z: 15}),
			want: TranslationMatrix(r3.Vec{X: 5, Y: 10, Z: 15}),
		},
		{
			name: "two translations",
			m1:   TranslationMatrix(r3.Vec{X: 5, Y: 10, Z: 15}),
			m2:   TranslationMatrix(r3.Vec{X: 3, Y: 7, Z: -15}),
			want: TranslationMatrix(r3.Vec{X: 8, Y: 17, Z: 0}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.m1.Mul(tt.m2)
			if !matricesEqual(got, tt.want) {
				t.Errorf("Mul() = %+v, want %+v", got, tt.want)
			}
		})
	}

	// Test associativity property: (A * B) * C = A * (B * C)
	t.Run("associativity property", func(t *testing.T) {
		m1 := TranslationMatrix(r3.Vec{X: 5, Y: 10, Z: 2})
		m2 := Compose(RotationZ(math.Pi/6), r3.Vec{X: 1, Y: 2, Z: 3})
		m3 := Compose(Identity3().Scaled(2), r3.Vec{X: -4, Y: 0, Z: 7})

		left := m1.Mul(m2).Mul(m3)
		right := m1.Mul(m2.Mul(m3))

		if !matricesEqual(left, right) {
			t.Errorf("Associativity failed: (m1*m2)*m3 != m1*(m2*m3)")
		}
	})

	// Applying m1.Mul(m2) must equal applying m2 first, then m1.
	t.Run("application order", func(t *testing.T) {
		m1 := Compose(RotationZ(math.Pi/2), r3.Vec{X: 1, Y: 0, Z: 0})
		m2 := TranslationMatrix(r3.Vec{X: 0, Y: 3, Z: 0})
		p := r3.Vec{X: 2, Y: 0, Z: 0}

		composed := m1.Mul(m2).ApplyPoint(p)
		stepwise := m1.ApplyPoint(m2.ApplyPoint(p))

		if !vecsEqual(composed, stepwise) {
			t.Errorf("composed application = %v, stepwise = %v", composed, stepwise)
		}
	})
}

func TestInverse(t *testing.T) {
	tests := []struct {
		name string
		m    Matrix4
		want Matrix4
	}{
		{
			name: "identity inverse",
			m:    Identity4(),
			want: Identity4(),
		},
		{
			name: "translation inverse",
			m:    TranslationMatrix(r3.Vec{X: 5, Y: 10, Z: -3}),
			want: TranslationMatrix(r3.Vec{X: -5, Y: -10, Z: 3}),
		},
		{
			name: "rotation inverse",
			m:    Compose(RotationZ(math.Pi/4), r3.Vec{}),
			want: Compose(RotationZ(-math.Pi/4), r3.Vec{}),
		},
		{
			name: "singular linear block",
			m:    Compose(Matrix3{}, r3.Vec{X: 1, Y: 2, Z: 3}),
			want: Identity4(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.m.Inverse()
			if !matricesEqual(got, tt.want) {
				t.Errorf("Inverse() = %+v, want %+v", got, tt.want)
			}
		})
	}

	// Test property: M * M^-1 = I
	t.Run("inversion property M * M^-1 = I", func(t *testing.T) {
		matrices := []Matrix4{
			TranslationMatrix(r3.Vec{X: 10, Y: 20, Z: 30}),
			Compose(RotationZ(math.Pi/3), r3.Vec{X: 5, Y: 10, Z: 0}),
			Compose(RotationZ(-math.Pi/5).Scaled(2.5), r3.Vec{X: -1, Y: 4, Z: 9}),
		}

		for i, m := range matrices {
			product := m.Mul(m.Inverse())
			if !matricesEqual(product, Identity4()) {
				t.Errorf("Test %d: M * M^-1 != I, got %+v", i, product)
			}
		}
	})

	// Test property: (M^-1)^-1 = M
	t.Run("double inversion property", func(t *testing.T) {
		m := Compose(RotationZ(math.Pi/4).Scaled(1.5), r3.Vec{X: 10, Y: 20, Z: 5})
		if got := m.Inverse().Inverse(); !matricesEqual(got, m) {
			t.Errorf("(M^-1)^-1 != M, got %+v", got)
		}
	})
}

func TestScale(t *testing.T) {
	tests := []struct {
		name string
		m    Matrix4
		want float64
	}{
		{
			name: "identity has unit scale",
			m:    Identity4(),
			want: 1,
		},
		{
			name: "uniform scale 2x",
			m:    Compose(Identity3().Scaled(2), r3.Vec{}),
			want: 2,
		},
		{
			name: "scaled rotation",
			m:    Compose(RotationZ(math.Pi/7).Scaled(0.5), r3.Vec{X: 3, Y: 1, Z: 4}),
			want: 0.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.m.Scale(); !almostEqual(got, tt.want) {
				t.Errorf("Scale() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOrthonormalized(t *testing.T) {
	m := Compose(RotationZ(math.Pi/6).Scaled(3), r3.Vec{X: 7, Y: -2, Z: 1})
	got := m.Orthonormalized()

	if !got.IsRigid(1e-9) {
		t.Errorf("Orthonormalized() is not rigid: %+v", got)
	}
	if !vecsEqual(got.Translation(), m.Translation()) {
		t.Errorf("Orthonormalized() translation = %v, want %v", got.Translation(), m.Translation())
	}
	want := Compose(RotationZ(math.Pi/6), r3.Vec{X: 7, Y: -2, Z: 1})
	if !matricesEqual(got, want) {
		t.Errorf("Orthonormalized() = %+v, want %+v", got, want)
	}
}

func TestIsRigid(t *testing.T) {
	tests := []struct {
		name string
		m    Matrix4
		want bool
	}{
		{
			name: "identity",
			m:    Identity4(),
			want: true,
		},
		{
			name: "rotation plus translation",
			m:    Compose(RotationZ(1.2), r3.Vec{X: 4, Y: 5, Z: 6}),
			want: true,
		},
		{
			name: "uniform scale breaks rigidity",
			m:    Compose(Identity3().Scaled(2), r3.Vec{}),
			want: false,
		},
		{
			name: "bad bottom row",
			m: Matrix4{
				1, 0, 0, 0,
				0, 1, 0, 0,
				0, 0, 1, 0,
				0.5, 0, 0, 1,
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.m.IsRigid(1e-9); got != tt.want {
				t.Errorf("IsRigid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEulerZYX(t *testing.T) {
	const rad = math.Pi / 180

	tests := []struct {
		name             string
		m                Matrix4
		yaw, pitch, roll float64
	}{
		{
			name: "identity",
			m:    Identity4(),
			yaw:  0, pitch: 0, roll: 0,
		},
		{
			name: "pure yaw",
			m:    Compose(RotationZ(30*rad), r3.Vec{}),
			yaw:  30, pitch: 0, roll: 0,
		},
		{
			name: "pure pitch",
			m:    Compose(rotationY(20*rad), r3.Vec{}),
			yaw:  0, pitch: 20, roll: 0,
		},
		{
			name: "pure roll",
			m:    Compose(rotationX(-40*rad), r3.Vec{}),
			yaw:  0, pitch: 0, roll: -40,
		},
		{
			name: "combined ZYX",
			m:    Compose(RotationZ(30*rad).Mul(rotationY(20*rad)).Mul(rotationX(10*rad)), r3.Vec{}),
			yaw:  30, pitch: 20, roll: 10,
		},
		{
			name: "scale does not disturb angles",
			m:    Compose(RotationZ(30*rad).Mul(rotationY(20*rad)).Mul(rotationX(10*rad)).Scaled(4), r3.Vec{X: 1, Y: 2, Z: 3}),
			yaw:  30, pitch: 20, roll: 10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			yaw, pitch, roll := tt.m.EulerZYX()
			if !almostEqual(yaw, tt.yaw) || !almostEqual(pitch, tt.pitch) || !almostEqual(roll, tt.roll) {
				t.Errorf("EulerZYX() = (%v, %v, %v), want (%v, %v, %v)",
					yaw, pitch, roll, tt.yaw, tt.pitch, tt.roll)
			}
		})
	}

	// At pitch 90 only yaw minus roll is observable; roll folds to zero.
	// Asin is steep near 1 so the pitch check gets a looser tolerance.
	t.Run("gimbal lock", func(t *testing.T) {
		m := Compose(RotationZ(40*rad).Mul(rotationY(90*rad)).Mul(rotationX(25*rad)), r3.Vec{})
		yaw, pitch, roll := m.EulerZYX()
		if math.Abs(pitch-90) > 1e-6 {
			t.Errorf("pitch = %v, want 90", pitch)
		}
		if math.Abs(yaw-15) > 1e-6 {
			t.Errorf("yaw = %v, want 15", yaw)
		}
		if roll != 0 {
			t.Errorf("roll = %v, want 0", roll)
		}
	})
}

func TestFitSimilarity(t *testing.T) {
	src := []r3.Vec{
		{X: 0, Y: 0, Z: 0},
		{X: 1, Y: 0, Z: 0},
		{X: 0, Y: 1, Z: 0},
		{X: 0, Y: 0, Z: 1},
	}

	t.Run("recovers a known similarity", func(t *testing.T) {
		want := Compose(RotationZ(math.Pi/6).Scaled(2), r3.Vec{X: 3, Y: -1, Z: 5})
		dst := make([]r3.Vec, len(src))
		for i, p := range src {
			dst[i] = want.ApplyPoint(p)
		}

		got, err := FitSimilarity(src, dst)
		if err != nil {
			t.Fatalf("FitSimilarity() error = %v", err)
		}
		for i := range got {
			if math.Abs(got[i]-want[i]) > 1e-9 {
				t.Fatalf("FitSimilarity() = %+v, want %+v", got, want)
			}
		}
		if s := got.Scale(); math.Abs(s-2) > 1e-9 {
			t.Errorf("Scale() = %v, want 2", s)
		}
	})

	t.Run("maps points in the least-squares sense", func(t *testing.T) {
		want := Compose(RotationZ(-math.Pi/3).Scaled(0.5), r3.Vec{X: -2, Y: 4, Z: 0})
		dst := make([]r3.Vec, len(src))
		for i, p := range src {
			dst[i] = want.ApplyPoint(p)
		}

		got, err := FitSimilarity(src, dst)
		if err != nil {
			t.Fatalf("FitSimilarity() error = %v", err)
		}
		for i := range src {
			mapped := got.ApplyPoint(src[i])
			if math.Abs(mapped.X-dst[i].X) > 1e-9 ||
				math.Abs(mapped.Y-dst[i].Y) > 1e-9 ||
				math.Abs(mapped.Z-dst[i].Z) > 1e-9 {
				t.Errorf("point %d: mapped %v, want %v", i, mapped, dst[i])
			}
		}
	})

	t.Run("never returns a reflection", func(t *testing.T) {
		dst := make([]r3.Vec, len(src))
		for i, p := range src {
			dst[i] = r3.Vec{X: -p.X, Y: p.Y, Z: p.Z}
		}

		got, err := FitSimilarity(src, dst)
		if err != nil {
			t.Fatalf("FitSimilarity() error = %v", err)
		}
		if det := got.Linear().Det(); det <= 0 {
			t.Errorf("Linear().Det() = %v, want > 0", det)
		}
	})

	t.Run("mismatched lengths", func(t *testing.T) {
		if _, err := FitSimilarity(src, src[:2]); err == nil {
			t.Error("expected error for mismatched point counts")
		}
	})

	t.Run("too few pairs", func(t *testing.T) {
		if _, err := FitSimilarity(src[:2], src[:2]); err == nil {
			t.Error("expected error for fewer than 3 pairs")
		}
	})

	t.Run("coincident source points", func(t *testing.T) {
		same := []r3.Vec{{X: 1, Y: 1, Z: 1}, {X: 1, Y: 1, Z: 1}, {X: 1, Y: 1, Z: 1}}
		if _, err := FitSimilarity(same, src[:3]); err == nil {
			t.Error("expected error for coincident source points")
		}
	})
}

// Benchmarks for critical paths

func BenchmarkMatrix4Mul(b *testing.B) {
	m1 := Compose(RotationZ(math.Pi/4), r3.Vec{X: 100, Y: 200, Z: 300})
	m2 := Compose(Identity3().Scaled(2), r3.Vec{X: 1, Y: 2, Z: 3})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m1.Mul(m2)
	}
}

func BenchmarkApplyPoint(b *testing.B) {
	m := Compose(RotationZ(math.Pi/4), r3.Vec{X: 100, Y: 200, Z: 300})
	p := r3.Vec{X: 50, Y: 75, Z: 25}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m.ApplyPoint(p)
	}
}

func BenchmarkFitSimilarity(b *testing.B) {
	src := []r3.Vec{
		{X: 0, Y: 0, Z: 0},
		{X: 1, Y: 0, Z: 0},
		{X: 0, Y: 1, Z: 0},
		{X: 0, Y: 0, Z: 1},
		{X: 1, Y: 1, Z: 1},
	}
	m := Compose(RotationZ(0.7).Scaled(1.5), r3.Vec{X: 2, Y: -3, Z: 4})
	dst := make([]r3.Vec, len(src))
	for i, p := range src {
		dst[i] = m.ApplyPoint(p)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = FitSimilarity(src, dst)
	}
}
