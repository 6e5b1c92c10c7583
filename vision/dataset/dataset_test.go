package dataset

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"golang.org/x/image/bmp"

	"github.com/tsawler/go-deeplab/tensor"
)

func writeImage(t *testing.T, path string, img image.Image) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if strings.HasSuffix(path, ".bmp") {
		err = bmp.Encode(f, img)
	} else {
		err = png.Encode(f, img)
	}
	if err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
}

func rgbImage(w, h int, seed uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: seed + uint8(x), G: uint8(y * 10), B: 50, A: 255})
		}
	}
	return img
}

// makeGrabCutRoot writes n samples of size w x h whose masks cycle through 0, 128, 255.
func makeGrabCutRoot(t *testing.T, n, w, h int) string {
	t.Helper()
	root := t.TempDir()

	var lines []string
	for i := 0; i < n; i++ {
		imgRel := fmt.Sprintf("/images/img_%d.png", i)
		lblRel := fmt.Sprintf("/labels/img_%d.bmp", i)

		mask := image.NewGray(image.Rect(0, 0, w, h))
		for p := range mask.Pix {
			mask.Pix[p] = []uint8{0, 128, 255}[p%3]
		}

		writeImage(t, filepath.Join(root, imgRel), rgbImage(w, h, uint8(i*20)))
		writeImage(t, filepath.Join(root, lblRel), mask)
		lines = append(lines, imgRel+" "+lblRel)
	}

	if err := os.WriteFile(filepath.Join(root, DefaultGrabCutManifest), []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestParseManifest(t *testing.T) {
	input := "# header\n/a.jpg /a.bmp\n\n  b.jpg\tb.bmp  \n"
	m, err := ParseManifest("/data", strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseManifest failed: %v", err)
	}
	if m.Len() != 2 {
		t.Fatalf("Len = %d, expected 2", m.Len())
	}
	img, lbl := m.Resolve(0)
	if img != "/data/a.jpg" || lbl != "/data/a.bmp" {
		t.Errorf("Resolve(0) = %s, %s", img, lbl)
	}
	if m.Entries[1].Image != "b.jpg" {
		t.Errorf("entry order not preserved: %+v", m.Entries)
	}

	if _, err := ParseManifest("/data", strings.NewReader("only-one-token\n")); err == nil {
		t.Error("expected error for single-token line")
	}
}

func TestGrabCutDataset(t *testing.T) {
	root := makeGrabCutRoot(t, 2, 6, 4)

	for _, layout := range []tensor.Layout{tensor.ChannelsFirst, tensor.ChannelsLast} {
		t.Run(layout.String(), func(t *testing.T) {
			ds, err := NewGrabCutDataset(GrabCutConfig{Root: root, Normalize: true, Layout: layout})
			if err != nil {
				t.Fatalf("NewGrabCutDataset failed: %v", err)
			}
			if ds.Len() != 2 {
				t.Fatalf("Len = %d, expected 2", ds.Len())
			}

			for i := 0; i < ds.Len(); i++ {
				s, err := ds.Get(i)
				if err != nil {
					t.Fatalf("Get(%d) failed: %v", i, err)
				}

				wantImage := []int{3, 4, 6}
				if layout == tensor.ChannelsLast {
					wantImage = []int{4, 6, 3}
				}
				if !tensor.SameShape(s.Image.Shape, wantImage) {
					t.Errorf("image shape = %v, expected %v", s.Image.Shape, wantImage)
				}
				if !tensor.SameShape(s.Label.Shape, []int{4, 6}) {
					t.Errorf("label shape = %v, expected [4 6]", s.Label.Shape)
				}

				labels := s.Label.Data.([]int32)
				for p, v := range labels {
					want := []int32{0, 255, 1}[p%3]
					if v != want {
						t.Fatalf("label[%d] = %d, expected %d", p, v, want)
					}
					if v == 128 {
						t.Fatalf("label[%d] still 128", p)
					}
				}
			}
		})
	}
}

func TestGrabCutIndexErrors(t *testing.T) {
	root := makeGrabCutRoot(t, 1, 3, 3)
	ds, err := NewGrabCutDataset(GrabCutConfig{Root: root})
	if err != nil {
		t.Fatal(err)
	}

	for _, idx := range []int{-1, 1, 100} {
		_, err := ds.Get(idx)
		if !errors.Is(err, ErrIndexOutOfRange) {
			t.Errorf("Get(%d) error = %v, expected ErrIndexOutOfRange", idx, err)
		}
	}
}

func TestGrabCutMissingFile(t *testing.T) {
	root := makeGrabCutRoot(t, 2, 3, 3)
	if err := os.Remove(filepath.Join(root, "labels", "img_1.bmp")); err != nil {
		t.Fatal(err)
	}

	ds, err := NewGrabCutDataset(GrabCutConfig{Root: root})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ds.Get(0); err != nil {
		t.Fatalf("Get(0) failed: %v", err)
	}

	_, err = ds.Get(1)
	var dataErr *DataError
	if !errors.As(err, &dataErr) {
		t.Fatalf("expected DataError, got %v", err)
	}
	if dataErr.Index != 1 || !strings.HasSuffix(dataErr.Path, "img_1.bmp") {
		t.Errorf("DataError = %+v", dataErr)
	}
}

func TestGrabCutCorruptImage(t *testing.T) {
	root := makeGrabCutRoot(t, 1, 3, 3)
	if err := os.WriteFile(filepath.Join(root, "images", "img_0.png"), []byte("not a png"), 0644); err != nil {
		t.Fatal(err)
	}

	ds, err := NewGrabCutDataset(GrabCutConfig{Root: root})
	if err != nil {
		t.Fatal(err)
	}
	_, err = ds.Get(0)
	var dataErr *DataError
	if !errors.As(err, &dataErr) {
		t.Fatalf("expected DataError, got %v", err)
	}
}

func TestGrabCutMissingManifest(t *testing.T) {
	if _, err := NewGrabCutDataset(GrabCutConfig{Root: t.TempDir()}); err == nil {
		t.Error("expected error for missing dataset.txt")
	}
}

func TestGrabCutConcurrentGet(t *testing.T) {
	root := makeGrabCutRoot(t, 4, 5, 5)
	ds, err := NewGrabCutDataset(GrabCutConfig{Root: root, Normalize: true})
	if err != nil {
		t.Fatal(err)
	}

	reference := make([]*Sample, ds.Len())
	for i := range reference {
		reference[i], err = ds.Get(i)
		if err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for k := 0; k < 4; k++ {
				i := (w + k) % ds.Len()
				s, err := ds.Get(i)
				if err != nil {
					errs <- err
					return
				}
				if eq, _ := s.Image.Equal(reference[i].Image); !eq {
					errs <- fmt.Errorf("sample %d differs between calls", i)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestSubsetDataset(t *testing.T) {
	root := makeGrabCutRoot(t, 3, 2, 2)
	ds, err := NewGrabCutDataset(GrabCutConfig{Root: root})
	if err != nil {
		t.Fatal(err)
	}

	sub, err := NewSubsetDataset(ds, []int{2, 0})
	if err != nil {
		t.Fatal(err)
	}
	if sub.Len() != 2 {
		t.Fatalf("Len = %d", sub.Len())
	}
	a, _ := sub.Get(0)
	b, _ := ds.Get(2)
	if eq, _ := a.Image.Equal(b.Image); !eq {
		t.Error("subset index 0 should map to dataset index 2")
	}
	if _, err := sub.Get(2); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("expected ErrIndexOutOfRange, got %v", err)
	}
	if _, err := NewSubsetDataset(ds, []int{3}); err == nil {
		t.Error("expected error for out-of-range subset index")
	}

	lim, _ := NewLimitDataset(ds, 10)
	if lim.Len() != 3 {
		t.Errorf("limit dataset Len = %d, expected 3", lim.Len())
	}
}

func makeVOCRoot(t *testing.T, ids []string, w, h int) (root, split string) {
	t.Helper()
	root = t.TempDir()

	palette := color.Palette{}
	for i := 0; i < 256; i++ {
		palette = append(palette, color.RGBA{uint8(i), uint8(i), uint8(i), 255})
	}

	for k, id := range ids {
		writeImage(t, filepath.Join(root, VOCImageFile(id)), rgbImage(w, h, uint8(k)))

		mask := image.NewPaletted(image.Rect(0, 0, w, h), palette)
		for p := range mask.Pix {
			mask.Pix[p] = uint8(p % VOCNumClasses)
		}
		mask.Pix[0] = 255
		writeImage(t, filepath.Join(root, VOCLabelFile(id, false)), mask)
	}

	split = filepath.Join(root, "train.txt")
	if err := os.WriteFile(split, []byte(strings.Join(ids, "\n")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return root, split
}

func TestPascalVOCDataset(t *testing.T) {
	root, split := makeVOCRoot(t, []string{"2007_000032", "2007_000039"}, 5, 3)

	ds, err := NewPascalVOCDataset(PascalVOCConfig{Root: root, SplitFile: split, Normalize: true})
	if err != nil {
		t.Fatalf("NewPascalVOCDataset failed: %v", err)
	}
	if ds.Len() != 2 {
		t.Fatalf("Len = %d", ds.Len())
	}

	s, err := ds.Get(1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !tensor.SameShape(s.Image.Shape, []int{3, 3, 5}) || !tensor.SameShape(s.Label.Shape, []int{3, 5}) {
		t.Fatalf("shapes image=%v label=%v", s.Image.Shape, s.Label.Shape)
	}
	labels := s.Label.Data.([]int32)
	if labels[0] != 255 || labels[1] != 1 || labels[4] != 4 {
		t.Errorf("unexpected labels %v", labels)
	}
}

func TestPascalVOCPadAndDownsample(t *testing.T) {
	root, split := makeVOCRoot(t, []string{"2008_000001"}, 5, 3)

	ds, err := NewPascalVOCDataset(PascalVOCConfig{
		Root:            root,
		SplitFile:       split,
		Normalize:       true,
		PadTo:           8,
		LabelDownsample: 2,
	})
	if err != nil {
		t.Fatal(err)
	}

	s, err := ds.Get(0)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !tensor.SameShape(s.Image.Shape, []int{3, 8, 8}) {
		t.Errorf("padded image shape = %v", s.Image.Shape)
	}
	if !tensor.SameShape(s.Label.Shape, []int{4, 4}) {
		t.Errorf("downsampled label shape = %v", s.Label.Shape)
	}

	labels := s.Label.Data.([]int32)
	if labels[len(labels)-1] != 255 {
		t.Errorf("padded label region should be ignore, got %d", labels[len(labels)-1])
	}
	img := s.Image.Data.([]float32)
	if img[7] != 0 {
		t.Errorf("padded image region should be zero, got %v", img[7])
	}
}

func TestPascalVOCSplitPairs(t *testing.T) {
	root, _ := makeVOCRoot(t, []string{"2009_000002"}, 2, 2)
	split := filepath.Join(root, "pairs.txt")
	line := "/" + VOCImageFile("2009_000002") + " /" + VOCLabelFile("2009_000002", false) + "\n"
	if err := os.WriteFile(split, []byte(line), 0644); err != nil {
		t.Fatal(err)
	}

	ds, err := NewPascalVOCDataset(PascalVOCConfig{Root: root, SplitFile: split})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ds.Get(0); err != nil {
		t.Errorf("Get failed: %v", err)
	}

	bad := filepath.Join(root, "bad.txt")
	os.WriteFile(bad, []byte("a b c\n"), 0644)
	if _, err := NewPascalVOCDataset(PascalVOCConfig{Root: root, SplitFile: bad}); err == nil {
		t.Error("expected error for three-token split line")
	}
}
