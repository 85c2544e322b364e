package ingestion

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rpattn/feeddelta/internal/domain"
)

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

// ParseCSVLine tokenizes a single CSV line, honoring quoted fields, doubled
// quotes, and commas inside quotes.
func ParseCSVLine(line string) ([]string, error) {
	reader := csv.NewReader(strings.NewReader(line))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	fields, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: malformed csv line: %w", domain.ErrInvalidInput, err)
	}
	return fields, nil
}

func csvQuote(value string) string {
	if !strings.ContainsAny(value, ",\"\n\r") {
		return value
	}
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

// skipBOM drops a leading UTF-8 byte order mark.
func skipBOM(r *bufio.Reader) {
	if prefix, err := r.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = r.Discard(len(byteOrderMark))
	}
}

// readLine returns the next physical line split from its terminator, which is
// "\r\n", "\n" or empty at end of input. ok is false once the reader is
// exhausted.
func readLine(r *bufio.Reader) (line, term string, ok bool, err error) {
	raw, err := r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", "", false, err
	}
	if raw == "" && errors.Is(err, io.EOF) {
		return "", "", false, nil
	}
	line = strings.TrimRight(raw, "\r\n")
	return line, raw[len(line):], true, nil
}

// ReadHeader consumes the header line of a feed file and returns the raw line
// along with its tokens. An empty file or blank first line is invalid input.
func ReadHeader(r *bufio.Reader) (string, []string, error) {
	skipBOM(r)
	line, _, ok, err := readLine(r)
	if err != nil {
		return "", nil, fmt.Errorf("%w: read header: %w", domain.ErrInvalidInput, err)
	}
	if !ok || strings.TrimSpace(line) == "" {
		return "", nil, fmt.Errorf("%w: file is empty or has a blank header line", domain.ErrInvalidInput)
	}
	fields, err := ParseCSVLine(line)
	if err != nil {
		return "", nil, err
	}
	return line, fields, nil
}

// hasDataLine reports whether a line with non-whitespace content follows.
// Leading whitespace-only lines are consumed; the data line itself is not.
func hasDataLine(r *bufio.Reader) (bool, error) {
	n := 0
	for {
		b, err := r.Peek(n + 1)
		if len(b) <= n {
			if errors.Is(err, io.EOF) {
				return false, nil
			}
			return false, err
		}
		switch c := b[n]; {
		case c == '\n':
			_, _ = r.Discard(n + 1)
			n = 0
		case isBlankByte(c):
			n++
			if n == r.Size() {
				_, _ = r.Discard(n)
				n = 0
			}
		default:
			return true, nil
		}
	}
}

func isBlankByte(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\v', '\f':
		return true
	}
	return false
}

// quoteParity reports whether line leaves a quoted field open, given the
// state at its start.
func quoteParity(open bool, line string) bool {
	return open != (strings.Count(line, `"`)%2 == 1)
}
