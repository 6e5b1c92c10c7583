package models

import (
	"math"
	"math/rand"
	"testing"
)

func TestPointwiseConvMatchesReference(t *testing.T) {
	const n, in, out, h, w = 2, 3, 2, 2, 3
	conv, err := NewConv2D(in, out, 1, 1, rand.New(rand.NewSource(4)))
	if err != nil {
		t.Fatal(err)
	}
	bias := conv.Bias.Data.([]float32)
	bias[0], bias[1] = 0.5, -0.25

	x := randomBatch(t, []int{n, in, h, w}, 9)
	y, err := conv.Forward(x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	xs := x.Data.([]float32)
	wt := conv.Weight.Data.([]float32)
	ys := y.Data.([]float32)
	for b := 0; b < n; b++ {
		for o := 0; o < out; o++ {
			for p := 0; p < h*w; p++ {
				want := float64(bias[o])
				for c := 0; c < in; c++ {
					want += float64(wt[o*in+c]) * float64(xs[(b*in+c)*h*w+p])
				}
				if got := ys[(b*out+o)*h*w+p]; math.Abs(float64(got)-want) > 1e-5 {
					t.Fatalf("y[%d,%d,%d] = %v, expected %v", b, o, p, got, want)
				}
			}
		}
	}

	// With dOut = 1 everywhere: dW[o][c] = sum of x over batch and pixels of
	// channel c, db[o] = n*h*w, dX[b][c][p] = sum_o W[o][c].
	ones := randomBatch(t, []int{n, out, h, w}, 1)
	for i := range ones.Data.([]float32) {
		ones.Data.([]float32)[i] = 1
	}
	gx, err := conv.Backward(ones, true)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	gw := conv.Weight.Grad().Data.([]float32)
	gb := conv.Bias.Grad().Data.([]float32)
	for c := 0; c < in; c++ {
		var sum float64
		for b := 0; b < n; b++ {
			for p := 0; p < h*w; p++ {
				sum += float64(xs[(b*in+c)*h*w+p])
			}
		}
		for o := 0; o < out; o++ {
			if math.Abs(float64(gw[o*in+c])-sum) > 1e-4 {
				t.Errorf("dW[%d][%d] = %v, expected %v", o, c, gw[o*in+c], sum)
			}
		}
	}
	for o := 0; o < out; o++ {
		if gb[o] != n*h*w {
			t.Errorf("db[%d] = %v, expected %d", o, gb[o], n*h*w)
		}
	}
	gxs := gx.Data.([]float32)
	for b := 0; b < n; b++ {
		for c := 0; c < in; c++ {
			want := wt[c] + wt[in+c]
			for p := 0; p < h*w; p++ {
				if got := gxs[(b*in+c)*h*w+p]; math.Abs(float64(got-want)) > 1e-6 {
					t.Fatalf("dX[%d,%d,%d] = %v, expected %v", b, c, p, got, want)
				}
			}
		}
	}
}

func TestReLULayer(t *testing.T) {
	r := NewReLU()
	if _, err := r.Backward(randomBatch(t, []int{2}, 1)); err == nil {
		t.Error("expected error for backward before forward")
	}

	x := randomBatch(t, []int{1, 2, 2, 2}, 3)
	y, err := r.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	g, err := r.Backward(y)
	if err != nil {
		t.Fatal(err)
	}
	xs, gs := x.Data.([]float32), g.Data.([]float32)
	for i, v := range xs {
		want := float32(0)
		if v > 0 {
			want = v
		}
		if gs[i] != want {
			t.Errorf("grad[%d] = %v, expected %v", i, gs[i], want)
		}
	}
}
