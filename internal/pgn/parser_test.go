package pgn

import (
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

const sampleTwoGames = `[Event "Rated Blitz game"]
[Site "https://lichess.org/r0GRizwM"]
[Date "2025.08.01"]
[White "PlayerA"]
[Black "PlayerB"]
[Result "0-1"]
[TimeControl "300+0"]

1. e4 { [%clk 0:05:00] } 1... e5 { [%clk 0:05:00] } 2. Nf3 { [%clk 0:04:59] } 2... Nc6 { [%clk 0:04:59] } 0-1

[Event "Rated Rapid game"]
[Site "https://lichess.org/abc123"]
[Date "2025.08.02"]
[White "PlayerC"]
[Black "PlayerD"]
[Result "1-0"]
[TimeControl "900+0"]

1. d4 { [%clk 0:15:00] } 1... d5 { [%clk 0:15:00] } 1-0
`

func collect(t *testing.T, input string, full bool) []*Record {
	t.Helper()
	p := NewParser(strings.NewReader(input), full, zerolog.Nop())
	var recs []*Record
	for {
		rec, err := p.Next()
		if err == io.EOF {
			return recs
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if full {
			// Raw is reused; copy before advancing.
			raw := make([]byte, len(rec.Raw))
			copy(raw, rec.Raw)
			rec.Raw = raw
		}
		recs = append(recs, rec)
	}
}

func TestHeaderModeTwoGames(t *testing.T) {
	recs := collect(t, sampleTwoGames, false)
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}

	g1 := recs[0]
	if g1.Tags["Event"] != "Rated Blitz game" {
		t.Errorf("Event = %q, want Rated Blitz game", g1.Tags["Event"])
	}
	if g1.Tags["White"] != "PlayerA" || g1.Tags["Black"] != "PlayerB" {
		t.Errorf("players = %q/%q", g1.Tags["White"], g1.Tags["Black"])
	}
	if g1.Tags["TimeControl"] != "300+0" {
		t.Errorf("TimeControl = %q, want 300+0", g1.Tags["TimeControl"])
	}
	if g1.FullMoves != 2 {
		t.Errorf("FullMoves = %d, want 2", g1.FullMoves)
	}
	if g1.Raw != nil {
		t.Errorf("Raw set in header mode")
	}

	g2 := recs[1]
	if g2.Tags["Event"] != "Rated Rapid game" {
		t.Errorf("Event = %q, want Rated Rapid game", g2.Tags["Event"])
	}
	if g2.FullMoves != 1 {
		t.Errorf("FullMoves = %d, want 1", g2.FullMoves)
	}
}

func TestFullModeRawRoundTrip(t *testing.T) {
	recs := collect(t, sampleTwoGames, true)
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}

	// Concatenating raw records with the inter-record blank line must
	// reproduce the input.
	got := string(recs[0].Raw) + "\n" + string(recs[1].Raw)
	if got != sampleTwoGames {
		t.Errorf("round trip mismatch:\ngot:\n%q\nwant:\n%q", got, sampleTwoGames)
	}
}

func TestMissingBlankSeparators(t *testing.T) {
	input := "[Event \"X\"]\n[White \"A\"]\n[Black \"B\"]\n" +
		"1. e4 e5 2. d4 d5 1-0\n" + // no blank line after headers
		"[Event \"X\"]\n[White \"C\"]\n[Black \"D\"]\n\n" + // no blank line before this game
		"1. c4 *\n"
	recs := collect(t, input, false)
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	if recs[0].FullMoves != 2 {
		t.Errorf("FullMoves = %d, want 2", recs[0].FullMoves)
	}
	if recs[1].Tags["White"] != "C" {
		t.Errorf("White = %q, want C", recs[1].Tags["White"])
	}
}

func TestUnterminatedCommentSkipsRecord(t *testing.T) {
	input := "[Event \"X\"]\n[White \"A\"]\n[Black \"B\"]\n\n" +
		"1. e4 { never closed\n\n" +
		"[Event \"X\"]\n[White \"C\"]\n[Black \"D\"]\n\n" +
		"1. d4 d5 1-0\n"
	p := NewParser(strings.NewReader(input), false, zerolog.Nop())

	rec, err := p.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if rec.Tags["White"] != "C" {
		t.Errorf("White = %q, want C (first record skipped)", rec.Tags["White"])
	}
	if p.Skipped() != 1 {
		t.Errorf("Skipped = %d, want 1", p.Skipped())
	}
	if _, err := p.Next(); err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestQuoteInsideTagValue(t *testing.T) {
	input := "[Event \"Say \\\"hi\\\"\"]\n[White \"A\"]\n[Black \"B\"]\n\n1. e4 *\n"
	recs := collect(t, input, false)
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	// Value spans first to last quote; embedded escapes are kept verbatim.
	if got := recs[0].Tags["Event"]; got != `Say \"hi\"` {
		t.Errorf("Event = %q", got)
	}
}

func TestResyncSkipsJunkBetweenGames(t *testing.T) {
	input := "garbage line\nmore garbage\n" +
		"[Event \"X\"]\n[White \"A\"]\n[Black \"B\"]\n\n1. e4 1-0\n"
	recs := collect(t, input, false)
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0].Tags["White"] != "A" {
		t.Errorf("White = %q, want A", recs[0].Tags["White"])
	}
}

func TestTruncatedHeaderBlockAtEOF(t *testing.T) {
	input := "[Event \"X\"]\n[White \"A\"]\n"
	p := NewParser(strings.NewReader(input), false, zerolog.Nop())
	if _, err := p.Next(); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
	if p.Skipped() != 1 {
		t.Errorf("Skipped = %d, want 1", p.Skipped())
	}
}

func TestCRLFNormalised(t *testing.T) {
	input := "[Event \"X\"]\r\n[White \"A\"]\r\n[Black \"B\"]\r\n\r\n1. e4 e5 1-0\r\n"
	recs := collect(t, input, true)
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	want := "[Event \"X\"]\n[White \"A\"]\n[Black \"B\"]\n\n1. e4 e5 1-0\n"
	if string(recs[0].Raw) != want {
		t.Errorf("Raw = %q, want %q", recs[0].Raw, want)
	}
}
