package rowsource

import (
	"bytes"
	"context"
	"io"

	"golang.org/x/text/encoding"
)

// Static is an in-memory file.
type Static struct {
	FileName string
	Data     []byte
	Encoding encoding.Encoding
}

// FromBytes returns an in-memory UTF-8 file.
func FromBytes(name string, data []byte) *Static {
	return &Static{FileName: name, Data: data}
}

// FromString returns an in-memory UTF-8 file.
func FromString(name, data string) *Static {
	return FromBytes(name, []byte(data))
}

func (s *Static) Name() string { return s.FileName }

func (s *Static) Open(ctx context.Context) (Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewRows(io.NopCloser(bytes.NewReader(s.Data)), s.Encoding)
}
