package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"

	"github.com/bvscope/bvscope/pkg/compute"
)

// Encoding names a supported source character encoding.
type Encoding string

const (
	ShiftJIS Encoding = "shift_jis"
	UTF8     Encoding = "utf-8"
)

// DefaultEncoding is what the dialysis console writes.
const DefaultEncoding = ShiftJIS

// ErrNoHeader is returned for an input with no header row at all.
var ErrNoHeader = errors.New("ingest: no header row")

// ParseEncoding accepts the common spellings of the supported encodings.
// An empty name yields DefaultEncoding.
func ParseEncoding(name string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return DefaultEncoding, nil
	case "shift_jis", "shift-jis", "sjis", "cp932":
		return ShiftJIS, nil
	case "utf-8", "utf8":
		return UTF8, nil
	default:
		return "", fmt.Errorf("ingest: unsupported encoding %q", name)
	}
}

// Decoder wraps r so that it yields UTF-8.
func Decoder(r io.Reader, enc Encoding) (io.Reader, error) {
	switch enc {
	case "", ShiftJIS:
		return transform.NewReader(r, japanese.ShiftJIS.NewDecoder()), nil
	case UTF8:
		return r, nil
	default:
		return nil, fmt.Errorf("ingest: unsupported encoding %q", enc)
	}
}

// Read decodes and parses a CSV export. Rows may have any number of fields;
// short rows are left for the column mapper to reject.
func Read(r io.Reader, enc Encoding) (compute.Table, error) {
	dec, err := Decoder(r, enc)
	if err != nil {
		return compute.Table{}, err
	}
	cr := csv.NewReader(dec)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return compute.Table{}, ErrNoHeader
	}
	if err != nil {
		return compute.Table{}, fmt.Errorf("ingest: read header: %w", err)
	}

	t := compute.Table{Header: header}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return compute.Table{}, fmt.Errorf("ingest: record %d: %w", len(t.Rows), err)
		}
		t.Rows = append(t.Rows, rec)
	}
	return t, nil
}

// ReadFile opens path and calls Read.
func ReadFile(path string, enc Encoding) (compute.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return compute.Table{}, fmt.Errorf("ingest: %w", err)
	}
	defer f.Close()
	return Read(f, enc)
}
