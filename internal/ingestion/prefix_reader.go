package ingestion

import (
	"bufio"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/feeddelta/internal/domain"
)

// PrefixReader streams a feed file in COPY-ready form: the header becomes
// "job_run_id,as_of_date,source_file,<header>" and every record is prefixed
// with the escaped run metadata. Only one line is held in memory at a time.
//
// Physical lines that continue a quoted field of the previous line are passed
// through unprefixed. Blank lines between records are dropped and record
// terminators are written as LF; a CRLF inside a quoted field is kept as is.
type PrefixReader struct {
	src    *bufio.Reader
	prefix string
	header string

	pending  []byte
	inQuotes bool
	started  bool
	done     bool
}

// NewPrefixReader wraps src, which must be positioned just after header.
func NewPrefixReader(
	src *bufio.Reader,
	header string,
	runID uuid.UUID,
	asOf time.Time,
	sourceFile string,
) *PrefixReader {
	prefix := strings.Join([]string{
		csvQuote(runID.String()),
		csvQuote(asOf.Format(time.DateOnly)),
		csvQuote(sourceFile),
	}, ",") + ","
	return &PrefixReader{
		src:    src,
		prefix: prefix,
		header: header,
	}
}

// MetadataHeader is the header prepended to every staged file.
var MetadataHeader = strings.Join([]string{
	domain.ColumnJobRunID,
	domain.ColumnAsOfDate,
	domain.ColumnSourceFile,
}, ",")

func (p *PrefixReader) Read(buf []byte) (int, error) {
	for len(p.pending) == 0 {
		if p.done {
			return 0, io.EOF
		}
		if err := p.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(buf, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *PrefixReader) fill() error {
	if !p.started {
		p.started = true
		p.pending = []byte(MetadataHeader + "," + p.header + "\n")
		p.inQuotes = quoteParity(false, p.header)
		return nil
	}

	line, term, ok, err := readLine(p.src)
	if err != nil {
		return err
	}
	if !ok {
		p.done = true
		return nil
	}

	switch {
	case p.inQuotes:
		p.pending = append(p.pending[:0], line...)
	case strings.TrimSpace(line) == "":
		return nil
	default:
		p.pending = append(append(p.pending[:0], p.prefix...), line...)
	}
	p.inQuotes = quoteParity(p.inQuotes, line)
	if !p.inQuotes || term == "" {
		term = "\n"
	}
	p.pending = append(p.pending, term...)
	return nil
}

// Close stops the stream; later reads return io.EOF. The caller owns src.
func (p *PrefixReader) Close() error {
	p.done = true
	p.pending = nil
	return nil
}
