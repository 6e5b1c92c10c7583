package preprocessing

// Label values shared by the dataset adapters.
const (
	IgnoreLabel         = 255 // excluded from loss and metrics
	GrabCutForeground   = 255 // raw foreground value in GrabCut masks
	GrabCutBoundary     = 128 // raw ambiguous-boundary value in GrabCut masks
	GrabCutForegroundID = 1
)

// RemapGrabCut returns a copy of the grid with 255 mapped to class 1 and
// then 128 mapped to the ignore label. The order matters: 128 becomes 255,
// which must not be caught by the first rule.
func RemapGrabCut(g *LabelGrid) *LabelGrid {
	out := &LabelGrid{Width: g.Width, Height: g.Height, Pix: make([]uint8, len(g.Pix))}
	copy(out.Pix, g.Pix)

	for i, v := range out.Pix {
		if v == GrabCutForeground {
			out.Pix[i] = GrabCutForegroundID
		}
	}
	for i, v := range out.Pix {
		if v == GrabCutBoundary {
			out.Pix[i] = IgnoreLabel
		}
	}

	return out
}

// Downsample keeps every factor-th pixel in both directions (nearest neighbour).
func (g *LabelGrid) Downsample(factor int) *LabelGrid {
	if factor <= 1 {
		return g
	}

	w := (g.Width + factor - 1) / factor
	h := (g.Height + factor - 1) / factor
	out := &LabelGrid{Width: w, Height: h, Pix: make([]uint8, w*h)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.Pix[y*w+x] = g.Pix[(y*factor)*g.Width+x*factor]
		}
	}
	return out
}

// PadTo grows the grid to size x size, filling new pixels with fill. Grids
// already at least that large are returned unchanged.
func (g *LabelGrid) PadTo(size int, fill uint8) *LabelGrid {
	if g.Width >= size && g.Height >= size {
		return g
	}

	w, h := max(g.Width, size), max(g.Height, size)
	out := &LabelGrid{Width: w, Height: h, Pix: make([]uint8, w*h)}
	for i := range out.Pix {
		out.Pix[i] = fill
	}
	for y := 0; y < g.Height; y++ {
		copy(out.Pix[y*w:y*w+g.Width], g.Pix[y*g.Width:(y+1)*g.Width])
	}
	return out
}
