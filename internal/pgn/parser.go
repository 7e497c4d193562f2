// Package pgn implements a streaming parser for the Lichess PGN dumps.
//
// The parser reads decompressed PGN text line by line and yields one record
// per game. In header mode only the tag pairs and the full-move count are
// produced; in full mode the raw bytes of the record are captured as well,
// in a scratch buffer that is reused across records.
package pgn

import (
	"bufio"
	"bytes"
	"io"

	"github.com/rs/zerolog"
)

// Tags maps PGN tag names to their values.
type Tags map[string]string

// Record is one parsed game.
type Record struct {
	Tags      Tags
	FullMoves int
	// Raw covers the record as it appeared in the stream (header block,
	// blank separator, move text) with line endings normalised to \n and
	// without the trailing blank line. Only set in full mode, and only
	// valid until the next call to Next.
	Raw []byte
}

// Parser yields records from a PGN stream. It is a finite, non-restartable
// iterator; Next returns io.EOF once the stream is exhausted.
type Parser struct {
	r    *bufio.Reader
	full bool
	log  zerolog.Logger

	raw        []byte // record scratch, reused (full mode)
	longLine   []byte // assembly buffer for lines larger than the reader
	pendingBuf []byte
	hasPending bool
	skipped    uint64
}

const readerSize = 256 * 1024

// NewParser wraps r. full selects whether raw record bytes are captured.
func NewParser(r io.Reader, full bool, log zerolog.Logger) *Parser {
	return &Parser{
		r:    bufio.NewReaderSize(r, readerSize),
		full: full,
		log:  log,
	}
}

// Skipped reports how many malformed records were dropped so far.
func (p *Parser) Skipped() uint64 {
	return p.skipped
}

const (
	stBetween = iota
	stHeaders
	stMoves
)

// Next advances to the next record. Returns io.EOF at end of input.
func (p *Parser) Next() (*Record, error) {
restart:
	rec := &Record{Tags: make(Tags, 16)}
	var mc moveCounter
	state := stBetween
	if p.full {
		p.raw = p.raw[:0]
	}

	for {
		line, err := p.readLine()
		if err == io.EOF {
			switch {
			case state == stBetween:
				return nil, io.EOF
			case state == stHeaders:
				p.warnSkip("record truncated at end of input")
				return nil, io.EOF
			case mc.malformed():
				p.warnSkip("unterminated comment or variation")
				return nil, io.EOF
			}
			return p.finish(rec, &mc), nil
		}
		if err != nil {
			return nil, err
		}

		trimmed := bytes.TrimSpace(line)

		if len(trimmed) == 0 {
			switch state {
			case stMoves:
				if mc.malformed() {
					p.warnSkip("unterminated comment or variation")
					goto restart
				}
				return p.finish(rec, &mc), nil
			case stHeaders:
				state = stMoves
				p.appendRaw(nil)
			}
			continue
		}

		isHeader := trimmed[0] == '[' && trimmed[len(trimmed)-1] == ']' &&
			bytes.IndexByte(trimmed, '"') >= 0

		switch state {
		case stBetween:
			// Resynchronisation point: non-header junk between games is
			// ignored until the next tag line.
			if isHeader {
				state = stHeaders
				parseTag(trimmed, rec.Tags)
				p.appendRaw(line)
			}
		case stHeaders:
			if isHeader {
				parseTag(trimmed, rec.Tags)
				p.appendRaw(line)
			} else {
				// Blank separator missing; tolerate and enter move text.
				state = stMoves
				p.appendRaw(nil)
				mc.feed(trimmed)
				p.appendRaw(line)
			}
		case stMoves:
			if isHeader {
				// Next game began without a blank separator.
				p.pushBack(line)
				if mc.malformed() {
					p.warnSkip("unterminated comment or variation")
					goto restart
				}
				return p.finish(rec, &mc), nil
			}
			mc.feed(trimmed)
			p.appendRaw(line)
		}
	}
}

func (p *Parser) finish(rec *Record, mc *moveCounter) *Record {
	rec.FullMoves = mc.max
	if p.full {
		rec.Raw = p.raw
	}
	return rec
}

func (p *Parser) warnSkip(reason string) {
	p.skipped++
	p.log.Warn().Str("reason", reason).Uint64("skipped", p.skipped).
		Msg("skipping malformed record")
}

// appendRaw appends one line (plus newline) to the raw scratch in full
// mode. A nil line appends only the newline.
func (p *Parser) appendRaw(line []byte) {
	if !p.full {
		return
	}
	p.raw = append(p.raw, line...)
	p.raw = append(p.raw, '\n')
}

func (p *Parser) pushBack(line []byte) {
	p.pendingBuf = append(p.pendingBuf[:0], line...)
	p.hasPending = true
}

// readLine returns the next line without its trailing \r\n. The returned
// slice is only valid until the following call.
func (p *Parser) readLine() ([]byte, error) {
	if p.hasPending {
		p.hasPending = false
		return p.pendingBuf, nil
	}
	line, err := p.r.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		p.longLine = append(p.longLine[:0], line...)
		for err == bufio.ErrBufferFull {
			line, err = p.r.ReadSlice('\n')
			p.longLine = append(p.longLine, line...)
		}
		line = p.longLine
	}
	if err != nil && err != io.EOF {
		return nil, err
	}
	if len(line) == 0 {
		return nil, io.EOF
	}
	return trimEOL(line), nil
}

func trimEOL(line []byte) []byte {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

// parseTag parses `[Name "Value"]`. The value is the substring between the
// first and last double quote, so embedded quotes never break the line.
func parseTag(line []byte, tags Tags) {
	inner := line[1 : len(line)-1]
	sp := bytes.IndexByte(inner, ' ')
	if sp <= 0 {
		return
	}
	key := string(bytes.TrimSpace(inner[:sp]))
	first := bytes.IndexByte(inner, '"')
	last := bytes.LastIndexByte(inner, '"')
	if key == "" || first < 0 || last <= first {
		return
	}
	tags[key] = string(inner[first+1 : last])
}
