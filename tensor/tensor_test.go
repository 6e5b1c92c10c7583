package tensor

import (
	"math"
	"math/rand"
	"reflect"
	"testing"
)

func TestDTypeString(t *testing.T) {
	tests := []struct {
		dtype    DType
		expected string
	}{
		{Float32, "Float32"},
		{Int32, "Int32"},
		{DType(999), "Unknown"},
	}

	for _, test := range tests {
		result := test.dtype.String()
		if result != test.expected {
			t.Errorf("DType.String() = %s, expected %s", result, test.expected)
		}
	}
}

func TestParseLayout(t *testing.T) {
	tests := []struct {
		in       string
		expected Layout
		wantErr  bool
	}{
		{"", ChannelsFirst, false},
		{"CHW", ChannelsFirst, false},
		{"hwc", ChannelsLast, false},
		{"channels_last", ChannelsLast, false},
		{"NCHW", ChannelsFirst, true},
	}

	for _, test := range tests {
		got, err := ParseLayout(test.in)
		if (err != nil) != test.wantErr {
			t.Errorf("ParseLayout(%q) error = %v, wantErr %v", test.in, err, test.wantErr)
			continue
		}
		if !test.wantErr && got != test.expected {
			t.Errorf("ParseLayout(%q) = %s, expected %s", test.in, got, test.expected)
		}
	}
}

func TestCalculateStrides(t *testing.T) {
	tests := []struct {
		shape    []int
		expected []int
	}{
		{[]int{}, []int{}},
		{[]int{5}, []int{1}},
		{[]int{2, 3}, []int{3, 1}},
		{[]int{2, 3, 4}, []int{12, 4, 1}},
		{[]int{1, 5, 1, 3}, []int{15, 3, 3, 1}},
	}

	for _, test := range tests {
		result := calculateStrides(test.shape)
		if !reflect.DeepEqual(result, test.expected) {
			t.Errorf("calculateStrides(%v) = %v, expected %v", test.shape, result, test.expected)
		}
	}
}

func TestNewTensorValidation(t *testing.T) {
	if _, err := NewTensor([]int{2, 0}, Float32, CPU, nil); err == nil {
		t.Error("expected error for zero dimension")
	}
	if _, err := NewTensor([]int{}, Float32, CPU, nil); err == nil {
		t.Error("expected error for empty shape")
	}
	if _, err := NewTensor([]int{2, 2}, Float32, CPU, []float32{1, 2, 3}); err == nil {
		t.Error("expected error for data length mismatch")
	}

	shape := []int{2, 3}
	tt, err := NewTensor(shape, Float32, CPU, float32(1.5))
	if err != nil {
		t.Fatalf("NewTensor failed: %v", err)
	}
	shape[0] = 7
	if tt.Shape[0] != 2 {
		t.Error("tensor shape aliases caller slice")
	}
	data, _ := tt.GetFloat32Data()
	for i, v := range data {
		if v != 1.5 {
			t.Fatalf("data[%d] = %v, expected 1.5", i, v)
		}
	}
}

func TestGradData(t *testing.T) {
	w, _ := Zeros([]int{3}, Float32, CPU)
	if _, err := w.GradData(); err == nil {
		t.Fatal("expected error when tensor does not require grad")
	}

	w.SetRequiresGrad(true)
	g, err := w.GradData()
	if err != nil {
		t.Fatalf("GradData failed: %v", err)
	}
	g[1] = 4
	if w.Grad() == nil {
		t.Fatal("gradient buffer was not attached")
	}

	ZeroGrad([]*Tensor{w})
	g2, _ := w.GradData()
	if g2[1] != 0 {
		t.Errorf("ZeroGrad left %v", g2[1])
	}
}

func TestCloneIsDeep(t *testing.T) {
	a, _ := NewTensor([]int{2}, Float32, CPU, []float32{1, 2})
	b, err := a.Clone()
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	b.Data.([]float32)[0] = 9
	if a.Data.([]float32)[0] != 1 {
		t.Error("Clone shares storage with the original")
	}
}

func TestReshape(t *testing.T) {
	a, _ := Zeros([]int{2, 3, 4}, Float32, CPU)

	r, err := a.Reshape([]int{6, -1})
	if err != nil {
		t.Fatalf("Reshape failed: %v", err)
	}
	if !reflect.DeepEqual(r.Shape, []int{6, 4}) {
		t.Errorf("Reshape shape = %v", r.Shape)
	}
	if _, err := a.Reshape([]int{5, -1}); err == nil {
		t.Error("expected error for indivisible reshape")
	}
	if _, err := a.Reshape([]int{-1, -1}); err == nil {
		t.Error("expected error for two inferred dims")
	}
}

func TestStack(t *testing.T) {
	a, _ := NewTensor([]int{2}, Int32, CPU, []int32{1, 2})
	b, _ := NewTensor([]int{2}, Int32, CPU, []int32{3, 4})

	s, err := Stack([]*Tensor{a, b})
	if err != nil {
		t.Fatalf("Stack failed: %v", err)
	}
	if !reflect.DeepEqual(s.Shape, []int{2, 2}) {
		t.Errorf("Stack shape = %v", s.Shape)
	}
	if !reflect.DeepEqual(s.Data.([]int32), []int32{1, 2, 3, 4}) {
		t.Errorf("Stack data = %v", s.Data)
	}

	c, _ := NewTensor([]int{3}, Int32, CPU, []int32{1, 2, 3})
	if _, err := Stack([]*Tensor{a, c}); err == nil {
		t.Error("expected error for mismatched shapes")
	}
}

func TestXavierUniformBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	w, err := XavierUniform([]int{4, 3, 3, 3}, 27, 36, rng)
	if err != nil {
		t.Fatalf("XavierUniform failed: %v", err)
	}
	bound := float32(math.Sqrt(6.0 / 63.0))
	for i, v := range w.Data.([]float32) {
		if v < -bound || v > bound {
			t.Fatalf("w[%d] = %v outside [-%v, %v]", i, v, bound, bound)
		}
	}
}

func TestEqualBitwise(t *testing.T) {
	a, _ := NewTensor([]int{2}, Float32, CPU, []float32{1, 2})
	b, _ := NewTensor([]int{2}, Float32, CPU, []float32{1, 2})
	eq, err := a.Equal(b)
	if err != nil || !eq {
		t.Errorf("Equal = %v, %v", eq, err)
	}
	b.Data.([]float32)[1] = 2.0000002
	eq, _ = a.Equal(b)
	if eq {
		t.Error("Equal ignored a one-ulp difference")
	}
}

func TestToChannelsFirst(t *testing.T) {
	// [1, 2, 1, 3]: two pixels with three channels each.
	in, _ := NewTensor([]int{1, 2, 1, 3}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})
	out, err := ToChannelsFirst(in)
	if err != nil {
		t.Fatalf("ToChannelsFirst failed: %v", err)
	}
	if !SameShape(out.Shape, []int{1, 3, 2, 1}) {
		t.Fatalf("shape = %v", out.Shape)
	}
	want := []float32{1, 4, 2, 5, 3, 6}
	for i, v := range out.Data.([]float32) {
		if v != want[i] {
			t.Errorf("out[%d] = %v, expected %v", i, v, want[i])
		}
	}

	flat, _ := NewTensor([]int{6}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})
	if _, err := ToChannelsFirst(flat); err == nil {
		t.Error("expected error for 1-D tensor")
	}
}

func TestParseDevice(t *testing.T) {
	for _, name := range []string{"", "cpu", "CPU"} {
		if d, err := ParseDevice(name); err != nil || d != CPU {
			t.Errorf("ParseDevice(%q) = %v, %v", name, d, err)
		}
	}
	for _, name := range []string{"gpu", "cuda", "mps"} {
		if _, err := ParseDevice(name); err == nil {
			t.Errorf("ParseDevice(%q) should fail", name)
		}
	}
}
