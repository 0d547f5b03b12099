package migration

import "strings"

// Statement is one statement of a migration body, with the 1-based line
// where it starts within the migration file.
type Statement struct {
	Text string
	Line int
}

// BodyStatements splits the migration body into individual statements on
// top-level semicolons, skipping string literals and comments. Empty
// statements are dropped.
func (f *File) BodyStatements() []Statement {
	var (
		result []Statement
		depth  int
	)

	line := 1 + strings.Count(f.Text[:f.BodyStart], "\n")
	start := f.BodyStart
	startLine := line

	s := &scanner{text: f.Text[:f.BodyEnd], pos: f.BodyStart, line: line, col: 1}

	flush := func(end int) {
		text := strings.TrimSpace(f.Text[start:end])
		if text != "" {
			result = append(result, Statement{Text: text, Line: startLine})
		}
	}

	for s.pos < f.BodyEnd {
		beforeSpace := s.pos
		s.skipSpace()
		if strings.TrimSpace(f.Text[start:beforeSpace]) == "" {
			// still in leading whitespace; move the statement start forward
			start = s.pos
			startLine = s.line
		}
		if s.pos >= f.BodyEnd {
			break
		}

		switch c := f.Text[s.pos]; c {
		case '{':
			depth++
			s.advance(1)
		case '}':
			depth--
			s.advance(1)
		case ';':
			end := s.pos
			s.advance(1)
			if depth == 0 {
				flush(end)
				start = s.pos
				startLine = s.line
			}
		case '\'', '"':
			if _, err := s.stringLiteral(); err != nil {
				s.advance(1)
			}
		case '$':
			if s.dollarQuoteAhead() {
				if _, err := s.stringLiteral(); err != nil {
					s.advance(1)
				}
			} else {
				s.advance(1)
			}
		default:
			s.advance(1)
		}
	}

	flush(f.BodyEnd)
	return result
}
