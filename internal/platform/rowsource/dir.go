package rowsource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/text/encoding"
)

type localFile struct {
	path string
	enc  encoding.Encoding
}

// Dir returns the CSV files directly inside path, sorted by name.
func Dir(path string, enc encoding.Encoding) ([]File, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read input directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !IsCSV(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	files := make([]File, 0, len(names))
	for _, name := range names {
		files = append(files, &localFile{path: filepath.Join(path, name), enc: enc})
	}
	return files, nil
}

func (f *localFile) Name() string { return filepath.Base(f.path) }

func (f *localFile) Open(ctx context.Context) (Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fh, err := os.Open(f.path)
	if err != nil {
		return nil, err
	}
	return NewRows(fh, f.enc)
}
