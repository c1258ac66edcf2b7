// Package rowsource lists extract files and streams their CSV rows.
package rowsource

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var ErrEmptyFile = errors.New("file has no header row")

// Encoding names accepted by ParseEncoding.
const (
	UTF8        = "utf-8"
	Windows1252 = "windows-1252"
	ISO88591    = "iso-8859-1"
)

// File is one extract file.
type File interface {
	Name() string
	Open(ctx context.Context) (Rows, error)
}

// Rows streams the records of an opened file. Next returns io.EOF after the
// last record. A malformed record is returned as a *csv.ParseError and the
// stream can continue past it.
type Rows interface {
	Header() []string
	Next() ([]string, error)
	Close() error
}

// ParseEncoding maps an encoding name to its decoder. The empty name means
// UTF-8. UTF-8 input has a leading byte order mark removed.
func ParseEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", UTF8, "utf8":
		return unicode.UTF8BOM, nil
	case Windows1252, "cp1252":
		return charmap.Windows1252, nil
	case ISO88591, "latin1":
		return charmap.ISO8859_1, nil
	}
	return nil, fmt.Errorf("unsupported input encoding %q", name)
}

type csvRows struct {
	rc     io.Closer
	r      *csv.Reader
	header []string
}

// NewRows decodes rc with enc and reads its header row. The caller's
// closer is released by Close, or immediately when the header cannot be
// read.
func NewRows(rc io.ReadCloser, enc encoding.Encoding) (Rows, error) {
	if enc == nil {
		enc = unicode.UTF8BOM
	}
	r := csv.NewReader(transform.NewReader(rc, enc.NewDecoder()))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		rc.Close()
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyFile
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	return &csvRows{rc: rc, r: r, header: header}, nil
}

func (c *csvRows) Header() []string { return c.header }

func (c *csvRows) Next() ([]string, error) {
	return c.r.Read()
}

func (c *csvRows) Close() error {
	return c.rc.Close()
}

// IsCSV reports whether a file name has the .csv extension.
func IsCSV(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".csv")
}
