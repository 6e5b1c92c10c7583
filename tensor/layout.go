package tensor

import "github.com/pkg/errors"

// ToChannelsFirst converts a Float32 batch from [N, H, W, C] to [N, C, H, W].
func ToChannelsFirst(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 4 {
		return nil, errors.Errorf("expected a 4-D batch, got shape %v", t.Shape)
	}
	src, err := t.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	n, h, w, c := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	dst := make([]float32, len(src))
	for b := 0; b < n; b++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				for ch := 0; ch < c; ch++ {
					dst[((b*c+ch)*h+y)*w+x] = src[((b*h+y)*w+x)*c+ch]
				}
			}
		}
	}
	return NewTensor([]int{n, c, h, w}, Float32, t.Device, dst)
}
