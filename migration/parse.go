package migration

import (
	"fmt"
	"strings"
	"unicode"
)

// ParseError is a syntax error in a migration file.
type ParseError struct {
	Line   int
	Column int
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at %d:%d: %s", e.Line, e.Column, e.Msg)
}

// Parse reads a migration statement of the form
//
//	CREATE MIGRATION <id> ONTO <parent> { <statements> };
//
// extracting the id, the parent id, the body range and an optional
// `set message := '...'` statement. Keywords are case-insensitive. Anything
// else inside the braces is skipped, tracking nested braces, string
// literals and comments. Trailing input after the closing semicolon is an
// error.
func Parse(text string) (Migration, error) {
	s := &scanner{text: text, line: 1, col: 1}

	if err := s.expectKeyword("CREATE"); err != nil {
		return Migration{}, err
	}
	if err := s.expectKeyword("MIGRATION"); err != nil {
		return Migration{}, err
	}

	id, err := s.ident("migration id")
	if err != nil {
		return Migration{}, err
	}
	if err = s.expectKeyword("ONTO"); err != nil {
		return Migration{}, err
	}
	parent, err := s.ident("parent id")
	if err != nil {
		return Migration{}, err
	}

	if err = s.expectRune('{'); err != nil {
		return Migration{}, err
	}
	bodyStart := s.pos

	message, hasMessage, bodyEnd, err := s.body()
	if err != nil {
		return Migration{}, err
	}

	if err = s.expectRune(';'); err != nil {
		return Migration{}, err
	}
	s.skipSpace()
	if s.pos < len(s.text) {
		return Migration{}, s.errorf("unexpected input after migration statement")
	}

	m := Migration{
		ID:        id,
		ParentID:  parent,
		BodyStart: bodyStart,
		BodyEnd:   bodyEnd,
	}
	if hasMessage {
		m.Message = message
	}
	return m, nil
}

type scanner struct {
	text string
	pos  int
	line int
	col  int
}

func (s *scanner) errorf(format string, args ...interface{}) error {
	return &ParseError{Line: s.line, Column: s.col, Msg: fmt.Sprintf(format, args...)}
}

func (s *scanner) advance(n int) {
	for i := 0; i < n && s.pos < len(s.text); i++ {
		if s.text[s.pos] == '\n' {
			s.line++
			s.col = 1
		} else {
			s.col++
		}
		s.pos++
	}
}

func (s *scanner) skipSpace() {
	for s.pos < len(s.text) {
		c := s.text[s.pos]
		switch {
		case c == '#':
			for s.pos < len(s.text) && s.text[s.pos] != '\n' {
				s.advance(1)
			}
		case unicode.IsSpace(rune(c)):
			s.advance(1)
		default:
			return
		}
	}
}

func (s *scanner) expectKeyword(kw string) error {
	word, err := s.ident(fmt.Sprintf("keyword %q", kw))
	if err != nil {
		return err
	}
	if !strings.EqualFold(word, kw) {
		return s.errorf("expected keyword %q, got %q", kw, word)
	}
	return nil
}

func (s *scanner) ident(what string) (string, error) {
	s.skipSpace()
	start := s.pos
	for s.pos < len(s.text) && isIdentByte(s.text[s.pos]) {
		s.advance(1)
	}
	if s.pos == start {
		return "", s.errorf("expected %s", what)
	}
	return s.text[start:s.pos], nil
}

func (s *scanner) expectRune(r byte) error {
	s.skipSpace()
	if s.pos >= len(s.text) || s.text[s.pos] != r {
		return s.errorf("expected %q", string(r))
	}
	s.advance(1)
	return nil
}

// body consumes input up to (but not including) the brace closing the
// migration block, extracting `set message := <string>;` statements found at
// the top nesting level. It returns the message, whether one was set, and
// the body end offset.
func (s *scanner) body() (string, bool, int, error) {
	var (
		message    string
		hasMessage bool
	)

	for {
		s.skipSpace()
		if s.pos >= len(s.text) {
			return "", false, 0, s.errorf("unexpected end of file inside migration block")
		}
		if s.text[s.pos] == '}' {
			end := s.pos
			s.advance(1)
			return message, hasMessage, end, nil
		}

		isSet, err := s.tryMessage()
		if err != nil {
			return "", false, 0, err
		}
		if isSet {
			if hasMessage {
				return "", false, 0, s.errorf("duplicate `set message` statement")
			}
			msg, err := s.messageValue()
			if err != nil {
				return "", false, 0, err
			}
			message, hasMessage = msg, true
			continue
		}

		if err := s.skipStatement(); err != nil {
			return "", false, 0, err
		}
	}
}

// tryMessage reports whether the upcoming statement is `set message`,
// consuming the two idents when it is.
func (s *scanner) tryMessage() (bool, error) {
	saved := *s

	s.skipSpace()
	if s.pos >= len(s.text) || !isIdentByte(s.text[s.pos]) {
		return false, nil
	}
	word, err := s.ident("statement")
	if err != nil {
		return false, err
	}
	if !strings.EqualFold(word, "set") {
		*s = saved
		return false, nil
	}
	word, err = s.ident("setting name")
	if err != nil {
		return false, err
	}
	if !strings.EqualFold(word, "message") {
		*s = saved
		return false, nil
	}
	return true, nil
}

func (s *scanner) messageValue() (string, error) {
	s.skipSpace()
	if !strings.HasPrefix(s.text[s.pos:], ":=") {
		return "", s.errorf("expected `:=` after `set message`")
	}
	s.advance(2)

	s.skipSpace()
	value, err := s.stringLiteral()
	if err != nil {
		return "", err
	}
	if err := s.expectRune(';'); err != nil {
		return "", err
	}
	return value, nil
}

func (s *scanner) stringLiteral() (string, error) {
	if s.pos >= len(s.text) {
		return "", s.errorf("expected string literal")
	}

	switch c := s.text[s.pos]; c {
	case '\'', '"':
		s.advance(1)
		start := s.pos
		for s.pos < len(s.text) && s.text[s.pos] != c {
			if s.text[s.pos] == '\\' {
				s.advance(1)
			}
			s.advance(1)
		}
		if s.pos >= len(s.text) {
			return "", s.errorf("unterminated string literal")
		}
		value := s.text[start:s.pos]
		s.advance(1)
		return unescapeString(value), nil
	case '$':
		tagEnd := strings.IndexByte(s.text[s.pos+1:], '$')
		if tagEnd < 0 {
			return "", s.errorf("unterminated dollar-quoted string")
		}
		tag := s.text[s.pos : s.pos+tagEnd+2]
		s.advance(len(tag))
		start := s.pos
		close := strings.Index(s.text[s.pos:], tag)
		if close < 0 {
			return "", s.errorf("unterminated dollar-quoted string")
		}
		value := s.text[start : start+close]
		s.advance(close + len(tag))
		return value, nil
	default:
		return "", s.errorf("expected string literal")
	}
}

// skipStatement consumes one statement including its terminating semicolon,
// tracking nested brace blocks, strings and comments.
func (s *scanner) skipStatement() error {
	depth := 0
	for {
		s.skipSpace()
		if s.pos >= len(s.text) {
			return s.errorf("unexpected end of file inside migration block")
		}
		switch c := s.text[s.pos]; c {
		case '{':
			depth++
			s.advance(1)
		case '}':
			if depth == 0 {
				return s.errorf("unbalanced braces in migration block")
			}
			depth--
			s.advance(1)
		case ';':
			s.advance(1)
			if depth == 0 {
				return nil
			}
		case '\'', '"':
			if _, err := s.stringLiteral(); err != nil {
				return err
			}
		case '$':
			// Only a `$tag$` opener starts a dollar-quoted string; bare
			// dollars (query parameters) pass through.
			if s.dollarQuoteAhead() {
				if _, err := s.stringLiteral(); err != nil {
					return err
				}
			} else {
				s.advance(1)
			}
		default:
			s.advance(1)
		}
	}
}

func (s *scanner) dollarQuoteAhead() bool {
	for i := s.pos + 1; i < len(s.text); i++ {
		c := s.text[i]
		if c == '$' {
			return true
		}
		if !isIdentByte(c) || (c >= '0' && c <= '9' && i == s.pos+1) {
			return false
		}
	}
	return false
}

func isIdentByte(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}

func unescapeString(value string) string {
	if !strings.ContainsRune(value, '\\') {
		return value
	}

	var b strings.Builder
	for i := 0; i < len(value); i++ {
		if value[i] == '\\' && i+1 < len(value) {
			i++
			switch value[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(value[i])
			}
			continue
		}
		b.WriteByte(value[i])
	}
	return b.String()
}
