package pgn

// moveCounter derives the full-move count of a game by scanning its move
// text for move-number markers (a decimal integer immediately followed by a
// dot). Tokens inside comments `{...}` and variations `(...)` are excluded;
// both delimiters are tracked with nesting counters. A result terminator
// ends the move text.
type moveCounter struct {
	brace int
	paren int
	max   int
	done  bool
}

// feed consumes one non-blank line of move text.
func (m *moveCounter) feed(line []byte) {
	if m.done {
		return
	}
	i := 0
	for i < len(line) {
		c := line[i]
		if m.brace > 0 {
			switch c {
			case '}':
				m.brace--
			case '{':
				m.brace++
			}
			i++
			continue
		}
		switch {
		case c == '{':
			m.brace++
			i++
		case c == '(':
			m.paren++
			i++
		case c == ')':
			if m.paren > 0 {
				m.paren--
			}
			i++
		case c == ' ' || c == '\t':
			i++
		case m.paren > 0:
			i++
		default:
			j := i
			for j < len(line) {
				b := line[j]
				if b == ' ' || b == '\t' || b == '{' || b == '(' || b == ')' {
					break
				}
				j++
			}
			tok := line[i:j]
			if isTerminator(tok) {
				m.done = true
				return
			}
			if n, ok := moveNumber(tok); ok && n > m.max {
				m.max = n
			}
			i = j
		}
	}
}

// malformed reports an unterminated comment or variation.
func (m *moveCounter) malformed() bool {
	return m.brace > 0 || m.paren > 0
}

func isTerminator(tok []byte) bool {
	switch string(tok) {
	case "1-0", "0-1", "1/2-1/2", "*":
		return true
	}
	return false
}

// moveNumber matches `N.` (and therefore `N...`) and returns N.
func moveNumber(tok []byte) (int, bool) {
	k := 0
	for k < len(tok) && tok[k] >= '0' && tok[k] <= '9' {
		k++
	}
	if k == 0 || k >= len(tok) || tok[k] != '.' {
		return 0, false
	}
	n := 0
	for _, b := range tok[:k] {
		n = n*10 + int(b-'0')
		if n > 1<<20 {
			return 0, false
		}
	}
	return n, true
}
