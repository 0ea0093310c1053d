// Package feed decodes delimited text files of unknown encoding into raw rows.
package feed

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/couchcryptid/er-occupancy-etl/internal/domain"
	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// ErrEmptyFeed is returned when the input has no header line.
var ErrEmptyFeed = errors.New("feed is empty")

// Encodings reported in Feed.Encoding.
const (
	EncodingUTF8        = "utf-8"
	EncodingUTF8BOM     = "utf-8-bom"
	EncodingUTF16LE     = "utf-16le"
	EncodingUTF16BE     = "utf-16be"
	EncodingWindows1252 = "windows-1252"
	EncodingISO885915   = "iso-8859-15"
)

// Feed is a decoded delimited file.
type Feed struct {
	Header    []string
	Rows      []domain.RawRow
	Encoding  string
	Delimiter rune
	// Skipped lists records that could not be aligned with the header.
	Skipped []SkippedLine
}

// SkippedLine describes a record dropped while reading.
type SkippedLine struct {
	Line   int
	Fields int
	Reason string
}

// ReadFile opens path and decodes it with Read.
func ReadFile(path string) (*Feed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open feed: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read detects the encoding and delimiter of r and splits it into rows keyed
// by header name. Records whose field count differs from the header, usually
// truncated lines, are skipped and reported in Feed.Skipped.
func Read(r io.Reader) (*Feed, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read feed: %w", err)
	}
	text, enc, err := decode(data)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(text)) == 0 {
		return nil, ErrEmptyFeed
	}

	out := &Feed{Encoding: enc, Delimiter: sniffDelimiter(text)}

	cr := csv.NewReader(bytes.NewReader(text))
	cr.Comma = out.Delimiter
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyFeed
		}
		return nil, fmt.Errorf("read feed header: %w", err)
	}
	out.Header = header

	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				out.Skipped = append(out.Skipped, SkippedLine{Line: perr.StartLine, Reason: perr.Err.Error()})
				continue
			}
			return nil, fmt.Errorf("read feed record: %w", err)
		}
		line, _ := cr.FieldPos(0)
		if len(record) != len(header) {
			out.Skipped = append(out.Skipped, SkippedLine{
				Line:   line,
				Fields: len(record),
				Reason: fmt.Sprintf("expected %d fields, got %d", len(header), len(record)),
			})
			continue
		}
		if blank(record) {
			continue
		}
		out.Rows = append(out.Rows, domain.NewRawRow(line, header, record))
	}
	return out, nil
}

var (
	bomUTF8    = []byte{0xef, 0xbb, 0xbf}
	bomUTF16LE = []byte{0xff, 0xfe}
	bomUTF16BE = []byte{0xfe, 0xff}
)

// minConfidence is the chardet confidence, out of 100, below which a
// detected charset is ignored.
const minConfidence = 70

// sampleSize bounds the bytes handed to the charset detector.
const sampleSize = 10000

// detectCharset returns the best charset guess for data and its confidence.
var detectCharset = func(data []byte) (string, int) {
	if len(data) > sampleSize {
		data = data[:sampleSize]
	}
	res, err := chardet.NewTextDetector().DetectBest(data)
	if err != nil {
		return "", 0
	}
	return res.Charset, res.Confidence
}

// legacyCharsets maps the single-byte charsets expected in Québec feeds to
// their decoders. ISO-8859-1 is read as its Windows-1252 superset.
var legacyCharsets = map[string]struct {
	name string
	enc  encoding.Encoding
}{
	"iso-8859-1":   {EncodingWindows1252, charmap.Windows1252},
	"windows-1252": {EncodingWindows1252, charmap.Windows1252},
	"iso-8859-15":  {EncodingISO885915, charmap.ISO8859_15},
}

// decode converts data to UTF-8. A BOM wins and valid UTF-8 is kept. Anything
// else goes through charset detection; an unknown or low-confidence guess
// falls back to Windows-1252.
func decode(data []byte) ([]byte, string, error) {
	switch {
	case bytes.HasPrefix(data, bomUTF8):
		return data[len(bomUTF8):], EncodingUTF8BOM, nil
	case bytes.HasPrefix(data, bomUTF16LE):
		out, err := unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder().Bytes(data)
		if err != nil {
			return nil, "", fmt.Errorf("decode utf-16le feed: %w", err)
		}
		return out, EncodingUTF16LE, nil
	case bytes.HasPrefix(data, bomUTF16BE):
		out, err := unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder().Bytes(data)
		if err != nil {
			return nil, "", fmt.Errorf("decode utf-16be feed: %w", err)
		}
		return out, EncodingUTF16BE, nil
	case utf8.Valid(data):
		return data, EncodingUTF8, nil
	}

	cs := legacyCharsets[EncodingWindows1252]
	if charset, confidence := detectCharset(data); confidence >= minConfidence {
		if known, ok := legacyCharsets[strings.ToLower(charset)]; ok {
			cs = known
		}
	}
	out, err := cs.enc.NewDecoder().Bytes(data)
	if err != nil {
		return nil, "", fmt.Errorf("decode %s feed: %w", cs.name, err)
	}
	return out, cs.name, nil
}

// sniffDelimiter picks the most frequent of ',', ';' and tab on the first
// line, ignoring quoted text. Ties go to the comma.
func sniffDelimiter(text []byte) rune {
	first := text
	if i := bytes.IndexByte(text, '\n'); i >= 0 {
		first = text[:i]
	}
	counts := map[rune]int{}
	quoted := false
	for _, r := range string(first) {
		switch {
		case r == '"':
			quoted = !quoted
		case !quoted && (r == ',' || r == ';' || r == '\t'):
			counts[r]++
		}
	}
	best := ','
	for _, r := range []rune{';', '\t'} {
		if counts[r] > counts[best] {
			best = r
		}
	}
	return best
}

func blank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
