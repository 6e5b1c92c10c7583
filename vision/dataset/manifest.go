package dataset

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Entry is one (image, label) pair of a manifest, paths relative to the root.
type Entry struct {
	Image string
	Label string
}

// Manifest is the ordered, read-only listing of a dataset's samples.
type Manifest struct {
	Root    string
	Entries []Entry
}

// ParseManifest reads "<image> <label>" lines. Blank lines and lines starting
// with '#' are skipped.
func ParseManifest(root string, r io.Reader) (*Manifest, error) {
	m := &Manifest{Root: root}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, errors.Errorf("manifest line %d: expected 2 fields, got %d", lineNo, len(fields))
		}
		m.Entries = append(m.Entries, Entry{Image: fields[0], Label: fields[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read manifest")
	}

	return m, nil
}

// LoadManifest parses the manifest file at path.
func LoadManifest(root, path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open manifest %s", path)
	}
	defer f.Close()

	return ParseManifest(root, f)
}

// Len returns the number of entries.
func (m *Manifest) Len() int {
	return len(m.Entries)
}

// Resolve returns the absolute image and label paths of entry i.
func (m *Manifest) Resolve(i int) (imagePath, labelPath string) {
	e := m.Entries[i]
	return filepath.Join(m.Root, e.Image), filepath.Join(m.Root, e.Label)
}
